package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ernie/lobbybot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMaps struct {
	mu     sync.Mutex
	maps   []domain.Beatmap
	ranges [][2]float64
	err    error
}

func (f *fakeMaps) MapsInRange(_ context.Context, lo, hi float64) ([]domain.Beatmap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranges = append(f.ranges, [2]float64{lo, hi})
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Beatmap
	for _, m := range f.maps {
		if m.Difficulty >= lo && m.Difficulty <= hi {
			out = append(out, m)
		}
	}
	return out, nil
}

func TestPickWidensBand(t *testing.T) {
	src := &fakeMaps{maps: []domain.Beatmap{{ID: 1, Name: "far", Difficulty: 97}}}
	sel := NewSelector(src, 0.05, 10, 25)

	m, err := sel.Pick(context.Background(), 120, sel.NewHistory())
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.ID)

	require.Len(t, src.ranges, 3)
	want := [][2]float64{{114, 126}, {108, 132}, {96, 144}}
	for i, r := range src.ranges {
		assert.InDelta(t, want[i][0], r[0], 1e-9)
		assert.InDelta(t, want[i][1], r[1], 1e-9)
	}
}

func TestPickGivesUp(t *testing.T) {
	src := &fakeMaps{}
	sel := NewSelector(src, 0.05, 10, 25)

	_, err := sel.Pick(context.Background(), 120, sel.NewHistory())
	assert.ErrorIs(t, err, ErrNoMap)
	assert.Len(t, src.ranges, 10)
}

func TestPickAvoidsRecent(t *testing.T) {
	src := &fakeMaps{maps: []domain.Beatmap{
		{ID: 1, Difficulty: 100},
		{ID: 2, Difficulty: 101},
	}}
	sel := NewSelector(src, 0.05, 3, 25)
	ctx := context.Background()
	h := sel.NewHistory()

	first, err := sel.Pick(ctx, 100, h)
	require.NoError(t, err)
	second, err := sel.Pick(ctx, 100, h)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	_, err = sel.Pick(ctx, 100, h)
	assert.ErrorIs(t, err, ErrNoMap)
}

func TestPickHistoryIsBounded(t *testing.T) {
	src := &fakeMaps{maps: []domain.Beatmap{
		{ID: 1, Difficulty: 100},
		{ID: 2, Difficulty: 101},
	}}
	sel := NewSelector(src, 0.05, 1, 1)
	ctx := context.Background()
	h := sel.NewHistory()

	prev, err := sel.Pick(ctx, 100, h)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		m, err := sel.Pick(ctx, 100, h)
		require.NoError(t, err)
		assert.NotEqual(t, prev.ID, m.ID)
		prev = m
	}
}

func TestPickHistoryIsPerLobby(t *testing.T) {
	src := &fakeMaps{maps: []domain.Beatmap{{ID: 1, Difficulty: 100}}}
	sel := NewSelector(src, 0.05, 1, 25)
	ctx := context.Background()
	a, b := sel.NewHistory(), sel.NewHistory()

	m, err := sel.Pick(ctx, 100, a)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.ID)
	_, err = sel.Pick(ctx, 100, a)
	assert.ErrorIs(t, err, ErrNoMap)

	// Another lobby still gets the map the first one just played
	m, err = sel.Pick(ctx, 100, b)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.ID)
	assert.True(t, a.Contains(1))
	assert.True(t, b.Contains(1))
}

func TestPickSourceError(t *testing.T) {
	boom := errors.New("boom")
	sel := NewSelector(&fakeMaps{err: boom}, 0.05, 10, 25)

	_, err := sel.Pick(context.Background(), 100, sel.NewHistory())
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrNoMap)
}

func TestMedian(t *testing.T) {
	withOverall := func(values ...float64) []*domain.Player {
		players := make([]*domain.Player, len(values))
		for i, v := range values {
			players[i] = domain.NewPlayer("p")
			players[i].Overall = v
		}
		return players
	}

	tests := []struct {
		name    string
		players []*domain.Player
		want    float64
	}{
		{"empty uses fallback", nil, 100},
		{"unknown profiles use fallback", withOverall(0, 0), 100},
		{"odd", withOverall(30, 10, 20), 20},
		{"even", withOverall(40, 10, 20, 30), 25},
		{"unknown are skipped", withOverall(0, 50, 70), 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Median(tt.players, 100))
		})
	}
}
