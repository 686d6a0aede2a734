package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ernie/lobbybot/internal/domain"
	"github.com/ernie/lobbybot/internal/logging"
	"github.com/ernie/lobbybot/internal/storage"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	players  map[string]*domain.Player
	contests []domain.Contest
	err      error
}

func (s *fakeStore) GetByUsername(_ context.Context, name string) (*domain.Player, error) {
	if s.err != nil {
		return nil, s.err
	}
	p, ok := s.players[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) ListContests(context.Context) ([]domain.Contest, error) {
	return s.contests, s.err
}

type fakePool []domain.LobbySnapshot

func (p fakePool) Snapshots() []domain.LobbySnapshot { return p }

type fixedRanker struct{ rank, total int }

func (r fixedRanker) Rank(context.Context, *domain.Player) (int, int, error) {
	return r.rank, r.total, nil
}

func newTestRouter(store *fakeStore, opts ...Option) *Router {
	pool := fakePool{{ID: 1, Name: "room", Players: 3, Capacity: 16}}
	return NewRouter(store, pool, fixedRanker{rank: 2, total: 10}, logging.Discard(), opts...)
}

func get(t *testing.T, h http.Handler, target string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGetLobbies(t *testing.T) {
	rec := get(t, newTestRouter(&fakeStore{}), "/api/lobbies")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var lobbies []domain.LobbySnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lobbies))
	require.Len(t, lobbies, 1)
	assert.Equal(t, 3, lobbies[0].Players)
}

func TestGetPlayer(t *testing.T) {
	ranked := domain.NewPlayer("alice")
	ranked.Tier = "Gold"
	store := &fakeStore{players: map[string]*domain.Player{
		"alice": ranked,
		"bob":   domain.NewPlayer("bob"),
	}}
	r := newTestRouter(store)

	tests := []struct {
		name     string
		path     string
		status   int
		wantRank int
	}{
		{"ranked", "/api/players/alice", http.StatusOK, 2},
		{"unranked", "/api/players/bob", http.StatusOK, 0},
		{"unknown", "/api/players/carol", http.StatusNotFound, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, r, tt.path)
			require.Equal(t, tt.status, rec.Code)
			if tt.status != http.StatusOK {
				return
			}
			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			if tt.wantRank == 0 {
				assert.NotContains(t, body, "rank")
			} else {
				assert.Equal(t, float64(tt.wantRank), body["rank"])
				assert.Equal(t, float64(10), body["ranked_players"])
			}
		})
	}
}

func TestGetPlayerStoreError(t *testing.T) {
	rec := get(t, newTestRouter(&fakeStore{err: errors.New("disk gone")}), "/api/players/alice")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetContestsNewestFirst(t *testing.T) {
	store := &fakeStore{}
	for i := 1; i <= 5; i++ {
		store.contests = append(store.contests, domain.Contest{ID: int64(i)})
	}
	r := newTestRouter(store)

	rec := get(t, r, "/api/contests?limit=2&offset=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var contests []domain.Contest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &contests))
	require.Len(t, contests, 2)
	assert.Equal(t, int64(4), contests[0].ID)
	assert.Equal(t, int64(3), contests[1].ID)
	assert.Equal(t, int64(1), store.contests[0].ID, "store slice is not reordered")
}

func TestExport(t *testing.T) {
	store := &fakeStore{contests: []domain.Contest{{
		Time: time.Unix(1700000000, 0),
		Scores: []domain.ContestScore{
			{Username: "bob", Score: 100},
			{Username: "alice", Score: 300},
		},
	}}}
	r := newTestRouter(store)
	want := `[{"time_seconds":1700000000,"standings":[["alice",0,0,300],["bob",1,1,100]]}]`

	rec := get(t, r, "/api/export")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, want, rec.Body.String())

	rec = get(t, r, "/api/export", "Accept-Encoding", "br, gzip;q=0.8")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.JSONEq(t, want, string(body))
}

func TestOptionalMounts(t *testing.T) {
	plain := newTestRouter(&fakeStore{})
	assert.Equal(t, http.StatusNotFound, get(t, plain, "/metrics").Code)

	stub := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { io.WriteString(w, "stub") })
	mounted := newTestRouter(&fakeStore{}, WithMetrics(stub), WithLiveFeed(stub))
	assert.Equal(t, "stub", get(t, mounted, "/metrics").Body.String())
	assert.Equal(t, "stub", get(t, mounted, "/ws").Body.String())
}

func TestHealth(t *testing.T) {
	rec := get(t, newTestRouter(&fakeStore{}), "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"lobbies":1`))
}
