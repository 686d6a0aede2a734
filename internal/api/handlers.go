package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"github.com/ernie/lobbybot/internal/domain"
	"github.com/ernie/lobbybot/internal/rating"
	"github.com/ernie/lobbybot/internal/storage"
	"github.com/samber/lo"
)

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// PlayerView is a player record with its current standing
type PlayerView struct {
	*domain.Player
	Rank   int `json:"rank,omitempty"`
	Ranked int `json:"ranked_players,omitempty"`
}

func (r *Router) handleGetLobbies(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.pool.Snapshots())
}

func (r *Router) handleGetPlayer(w http.ResponseWriter, req *http.Request) {
	p, err := r.store.GetByUsername(req.Context(), req.PathValue("name"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "player not found")
		return
	}
	if err != nil {
		r.log.WithError(err).Error("Player lookup failed")
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	view := PlayerView{Player: p}
	if r.ranker != nil && p.Tier != domain.UnrankedTier {
		rank, total, err := r.ranker.Rank(req.Context(), p)
		if err != nil {
			r.log.WithError(err).WithField("player", p.Username).Warn("Rank lookup failed")
		} else {
			view.Rank, view.Ranked = rank, total
		}
	}
	writeJSON(w, http.StatusOK, view)
}

// handleGetContests returns contests newest first
func (r *Router) handleGetContests(w http.ResponseWriter, req *http.Request) {
	contests, err := r.store.ListContests(req.Context())
	if err != nil {
		r.log.WithError(err).Error("Listing contests failed")
		writeError(w, http.StatusInternalServerError, "listing contests failed")
		return
	}
	contests = lo.Reverse(slices.Clone(contests))
	limit := parseLimit(req, 50, 500)
	writeJSON(w, http.StatusOK, lo.Subset(contests, parseOffset(req), uint(limit)))
}

// handleExport streams the contest history in the ranking tool format
func (r *Router) handleExport(w http.ResponseWriter, req *http.Request) {
	contests, err := r.store.ListContests(req.Context())
	if err != nil {
		r.log.WithError(err).Error("Listing contests failed")
		writeError(w, http.StatusInternalServerError, "listing contests failed")
		return
	}

	compress := wantsGzip(req)
	w.Header().Set("Content-Type", "application/json")
	if compress {
		w.Header().Set("Content-Encoding", "gzip")
	}
	if err := rating.WriteExport(w, rating.Export(contests), compress); err != nil {
		r.log.WithError(err).Warn("Writing export failed")
	}
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"lobbies": len(r.pool.Snapshots()),
	})
}
