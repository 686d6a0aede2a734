package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ernie/lobbybot/internal/auth"
	"github.com/ernie/lobbybot/internal/rating"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingMaintainer struct {
	decays, recomputes int
}

func (m *countingMaintainer) Decay(context.Context) (rating.DecayResult, error) {
	m.decays++
	return rating.DecayResult{Players: 4, Ranked: 3, TierChanges: 1}, nil
}

func (m *countingMaintainer) Recompute(context.Context) (int, error) {
	m.recomputes++
	return 12, nil
}

func post(h http.Handler, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdminEndpoints(t *testing.T) {
	svc := auth.NewService("secret", time.Hour)
	token, err := svc.GenerateToken("ops")
	require.NoError(t, err)
	forged, err := auth.NewService("guess", time.Hour).GenerateToken("ops")
	require.NoError(t, err)

	m := &countingMaintainer{}
	r := newTestRouter(&fakeStore{}, WithAdmin(svc, m))

	assert.Equal(t, http.StatusUnauthorized, post(r, "/api/admin/decay", "").Code)
	assert.Equal(t, http.StatusUnauthorized, post(r, "/api/admin/decay", forged).Code)
	assert.Zero(t, m.decays)

	rec := post(r, "/api/admin/decay", token)
	require.Equal(t, http.StatusOK, rec.Code)
	var decay map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decay))
	assert.Equal(t, map[string]int{"players": 4, "ranked": 3, "tier_changes": 1}, decay)

	rec = post(r, "/api/admin/recompute", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"contests":12}`, rec.Body.String())
	assert.Equal(t, 1, m.decays)
	assert.Equal(t, 1, m.recomputes)
}

func TestAdminEndpointsAbsentByDefault(t *testing.T) {
	r := newTestRouter(&fakeStore{})
	assert.Equal(t, http.StatusNotFound, post(r, "/api/admin/decay", "x").Code)
}
