package rating

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ernie/lobbybot/internal/domain"
	"github.com/ernie/lobbybot/internal/lobby"
	"github.com/ernie/lobbybot/internal/logging"
	"github.com/ernie/lobbybot/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tierChange struct {
	playerID int64
	old, new string
}

type recordingNotifier struct {
	domain.NopNotifier
	mu      sync.Mutex
	changes []tierChange
}

func (n *recordingNotifier) NotifyTierChange(_ context.Context, playerID int64, oldTier, newTier string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, tierChange{playerID, oldTier, newTier})
	return nil
}

func (n *recordingNotifier) Changes() []tierChange {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]tierChange(nil), n.changes...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T) (*Engine, *storage.Store, *recordingNotifier, *clock) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "rating.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	notifier := &recordingNotifier{}
	clk := &clock{now: testTime}
	engine := NewEngine(store, DefaultParams(), testTiers, logging.Discard(),
		WithClock(clk.Now),
		WithNotifier(notifier),
	)
	return engine, store, notifier, clk
}

func seedPlayer(t *testing.T, store *storage.Store, name string, id int64, games int, last time.Time) *domain.Player {
	t.Helper()
	ctx := context.Background()
	p, err := store.SetUserID(ctx, name, id)
	require.NoError(t, err)
	p.GamesPlayed, p.LastContest = games, last
	require.NoError(t, store.UpdateAfterContest(ctx, p))
	return p
}

func finished(scores map[string]int, players ...*domain.Player) lobby.MatchFinished {
	return lobby.MatchFinished{
		BeatmapID:    77,
		Difficulty:   100,
		Participants: players,
		Scores:       scores,
	}
}

func TestRateMatch(t *testing.T) {
	ctx := context.Background()
	engine, store, notifier, _ := newTestEngine(t)

	alice := seedPlayer(t, store, "alice", 1, 0, time.Time{})
	bob := seedPlayer(t, store, "bob", 2, 0, time.Time{})

	contest, err := engine.RateMatch(ctx, 55, finished(map[string]int{"alice": 500000, "bob": 1000}, alice, bob))
	require.NoError(t, err)
	require.NotNil(t, contest)
	assert.NotZero(t, contest.ID)
	assert.Equal(t, int64(55), contest.LobbyID)
	assert.Equal(t, int64(77), contest.BeatmapID)
	require.Len(t, contest.Scores, 2)
	assert.Equal(t, 800.0, contest.Scores[0].EloBefore)

	gotAlice, err := store.GetByID(ctx, 1)
	require.NoError(t, err)
	gotBob, err := store.GetByID(ctx, 2)
	require.NoError(t, err)

	assert.Greater(t, gotAlice.Mu, domain.InitialMu)
	assert.Less(t, gotBob.Mu, domain.InitialMu)
	assert.Equal(t, 1, gotAlice.GamesPlayed)
	assert.Equal(t, testTime, gotAlice.LastContest)
	assert.Equal(t, contest.Scores[0].EloAfter, gotAlice.Elo)
	assert.Equal(t, domain.UnrankedTier, gotAlice.Tier)

	assert.Empty(t, notifier.Changes())

	contests, err := store.ListContests(ctx)
	require.NoError(t, err)
	assert.Len(t, contests, 1)
}

func TestRateMatchNeedsTwoPlayers(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	alice := seedPlayer(t, store, "alice", 1, 0, time.Time{})

	contest, err := engine.RateMatch(context.Background(), 1, finished(map[string]int{"alice": 10}, alice))
	require.NoError(t, err)
	assert.Nil(t, contest)

	contests, err := store.ListContests(context.Background())
	require.NoError(t, err)
	assert.Empty(t, contests)
}

func TestRateMatchMissingScoreIsZero(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	alice := seedPlayer(t, store, "alice", 1, 0, time.Time{})
	bob := seedPlayer(t, store, "bob", 2, 0, time.Time{})

	contest, err := engine.RateMatch(context.Background(), 1, finished(map[string]int{"alice": 10}, alice, bob))
	require.NoError(t, err)
	require.Len(t, contest.Scores, 2)
	assert.Equal(t, 0, contest.Scores[1].Score)
	assert.Greater(t, contest.Scores[0].EloAfter, contest.Scores[1].EloAfter)
}

func TestRateMatchAssignsTiers(t *testing.T) {
	engine, store, notifier, _ := newTestEngine(t)
	recent := testTime.Add(-time.Hour)
	alice := seedPlayer(t, store, "alice", 1, 4, recent)
	bob := seedPlayer(t, store, "bob", 2, 4, recent)

	_, err := engine.RateMatch(context.Background(), 1, finished(map[string]int{"alice": 2, "bob": 1}, alice, bob))
	require.NoError(t, err)

	assert.ElementsMatch(t, []tierChange{
		{1, domain.UnrankedTier, "The One"},
		{2, domain.UnrankedTier, "Silver"},
	}, notifier.Changes())

	got, err := store.GetByID(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "Silver", got.Tier)
}

func TestDecay(t *testing.T) {
	ctx := context.Background()
	engine, store, notifier, _ := newTestEngine(t)

	active := seedPlayer(t, store, "active", 1, 10, testTime.Add(-time.Hour))
	active.Mu, active.Sigma = 1600, 100
	active.RecomputeElo()
	require.NoError(t, store.UpdateAfterContest(ctx, active))

	stale := seedPlayer(t, store, "stale", 2, 10, testTime.Add(-40*24*time.Hour))
	stale.Tier = "Gold"
	require.NoError(t, store.UpdateDisplayRating(ctx, stale))

	seedPlayer(t, store, "newbie", 3, 2, testTime.Add(-time.Hour))

	result, err := engine.Decay(ctx)
	require.NoError(t, err)
	assert.Equal(t, DecayResult{Players: 2, Ranked: 1, TierChanges: 2}, result)

	got, err := store.GetByID(ctx, 1)
	require.NoError(t, err)
	want := 1600 - 2*DefaultParams().GrowSigma(100, testTime.Add(-time.Hour), testTime)
	assert.InDelta(t, want, got.Elo, 1e-9)
	assert.Less(t, got.Elo, 1400.0)
	assert.Equal(t, "The One", got.Tier)
	assert.Equal(t, 100.0, got.Sigma)

	gotStale, err := store.GetByID(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.UnrankedTier, gotStale.Tier)

	assert.ElementsMatch(t, []tierChange{
		{1, domain.UnrankedTier, "The One"},
		{2, "Gold", domain.UnrankedTier},
	}, notifier.Changes())

	// A second pass at the same time is a no-op
	result, err = engine.Decay(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.TierChanges)
	again, err := store.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.InDelta(t, want, again.Elo, 1e-9)
}

func TestRecompute(t *testing.T) {
	ctx := context.Background()
	engine, store, _, clk := newTestEngine(t)

	alice := seedPlayer(t, store, "alice", 1, 0, time.Time{})
	bob := seedPlayer(t, store, "bob", 2, 0, time.Time{})
	carol := seedPlayer(t, store, "carol", 3, 0, time.Time{})

	_, err := engine.RateMatch(ctx, 1, finished(map[string]int{"alice": 3, "bob": 2, "carol": 1}, alice, bob, carol))
	require.NoError(t, err)
	clk.Advance(time.Hour)
	_, err = engine.RateMatch(ctx, 1, finished(map[string]int{"bob": 3, "carol": 2}, bob, carol))
	require.NoError(t, err)

	before := map[int64]*domain.Player{}
	for id := int64(1); id <= 3; id++ {
		p, err := store.GetByID(ctx, id)
		require.NoError(t, err)
		before[id] = p
	}

	replayed, err := engine.Recompute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, replayed)

	for id, want := range before {
		got, err := store.GetByID(ctx, id)
		require.NoError(t, err)
		assert.InDelta(t, want.Mu, got.Mu, 1e-9, want.Username)
		assert.InDelta(t, want.Sigma, got.Sigma, 1e-9, want.Username)
		assert.Equal(t, want.GamesPlayed, got.GamesPlayed, want.Username)
	}
}

type nopSender struct{}

func (nopSender) Send(string, string) <-chan struct{} {
	done := make(chan struct{})
	close(done)
	return done
}

func TestAttachRatesFinishedMatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine, store, _, _ := newTestEngine(t)

	l := lobby.New(ctx, "#mp_9", nopSender{}, lobby.Deps{Players: store}, logging.Discard())
	defer l.Close()
	detach := engine.Attach(l)
	defer detach()

	for _, line := range []string{
		"The match has started!",
		"Players: 2",
		"Slot 1  Not Ready https://osu.ppy.sh/u/11 alice",
		"Slot 2  Not Ready https://osu.ppy.sh/u/12 bob",
		"alice finished playing (Score: 900, PASSED).",
		"bob finished playing (Score: 300, FAILED).",
		"The match has finished!",
	} {
		l.HandleMessage("#mp_9", "BanchoBot", line)
	}

	processed := make(chan struct{})
	require.True(t, l.Do(func(*lobby.State) { close(processed) }))
	select {
	case <-processed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the lobby")
	}
	engine.Wait()

	contests, err := store.ListContests(context.Background())
	require.NoError(t, err)
	require.Len(t, contests, 1)
	assert.Equal(t, int64(9), contests[0].LobbyID)
	require.Len(t, contests[0].Scores, 2)
	assert.Equal(t, "alice", contests[0].Scores[0].Username)
	assert.Equal(t, 900, contests[0].Scores[0].Score)
	assert.Equal(t, int64(11), contests[0].Scores[0].PlayerID)
}
