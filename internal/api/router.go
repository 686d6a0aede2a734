// Package api serves a read-only HTTP view of the lobby pool and the
// rating database.
package api

import (
	"context"
	"net/http"

	"github.com/ernie/lobbybot/internal/auth"
	"github.com/ernie/lobbybot/internal/domain"
	"github.com/sirupsen/logrus"
)

// Store is the persistence the API reads
type Store interface {
	GetByUsername(ctx context.Context, name string) (*domain.Player, error)
	ListContests(ctx context.Context) ([]domain.Contest, error)
}

// Pool lists the rooms currently managed
type Pool interface {
	Snapshots() []domain.LobbySnapshot
}

// Ranker reports a player's position among ranked players
type Ranker interface {
	Rank(ctx context.Context, p *domain.Player) (int, int, error)
}

// Router holds the HTTP routes and dependencies
type Router struct {
	mux    *http.ServeMux
	store  Store
	pool   Pool
	ranker Ranker
	auth   *auth.Service
	log    *logrus.Entry
}

// Option configures a Router
type Option func(*Router)

// WithLiveFeed mounts the websocket notification feed on /ws
func WithLiveFeed(h http.Handler) Option {
	return func(r *Router) { r.mux.Handle("GET /ws", h) }
}

// WithMetrics mounts a Prometheus handler on /metrics
func WithMetrics(h http.Handler) Option {
	return func(r *Router) { r.mux.Handle("GET /metrics", h) }
}

// NewRouter creates a new HTTP router
func NewRouter(store Store, pool Pool, ranker Ranker, log *logrus.Entry, opts ...Option) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		store:  store,
		pool:   pool,
		ranker: ranker,
		log:    log,
	}

	r.mux.HandleFunc("GET /api/lobbies", r.handleGetLobbies)
	r.mux.HandleFunc("GET /api/players/{name}", r.handleGetPlayer)
	r.mux.HandleFunc("GET /api/contests", r.handleGetContests)
	r.mux.HandleFunc("GET /api/export", r.handleExport)
	r.mux.HandleFunc("GET /health", r.handleHealth)

	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if req.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	r.mux.ServeHTTP(w, req)
}
