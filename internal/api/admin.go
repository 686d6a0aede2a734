package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/ernie/lobbybot/internal/auth"
	"github.com/ernie/lobbybot/internal/rating"
	"github.com/sirupsen/logrus"
)

// Maintainer runs rating maintenance passes
type Maintainer interface {
	Decay(ctx context.Context) (rating.DecayResult, error)
	Recompute(ctx context.Context) (int, error)
}

// WithAdmin mounts the operator endpoints, guarded by bearer tokens
func WithAdmin(authService *auth.Service, m Maintainer) Option {
	return func(r *Router) {
		r.auth = authService
		r.mux.HandleFunc("POST /api/admin/decay", r.requireOperator(func(w http.ResponseWriter, req *http.Request) {
			res, err := m.Decay(req.Context())
			if err != nil {
				r.log.WithError(err).Error("Decay pass failed")
				writeError(w, http.StatusInternalServerError, "decay failed")
				return
			}
			writeJSON(w, http.StatusOK, map[string]int{
				"players":      res.Players,
				"ranked":       res.Ranked,
				"tier_changes": res.TierChanges,
			})
		}))
		r.mux.HandleFunc("POST /api/admin/recompute", r.requireOperator(func(w http.ResponseWriter, req *http.Request) {
			n, err := m.Recompute(req.Context())
			if err != nil {
				r.log.WithError(err).Error("Recompute failed")
				writeError(w, http.StatusInternalServerError, "recompute failed")
				return
			}
			writeJSON(w, http.StatusOK, map[string]int{"contests": n})
		}))
	}
}

// requireOperator is middleware that validates the bearer token before calling the handler
func (r *Router) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		header := req.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		claims, err := r.auth.ValidateToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		r.log.WithFields(logrus.Fields{
			"operator": claims.Operator,
			"path":     req.URL.Path,
		}).Info("Admin request")
		next(w, req)
	}
}
