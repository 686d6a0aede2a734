package rating

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ernie/lobbybot/internal/domain"
	"github.com/ernie/lobbybot/internal/lobby"
	"github.com/ernie/lobbybot/internal/metrics"
	"github.com/ernie/lobbybot/internal/storage"
	"github.com/sirupsen/logrus"
)

// Store is the persistence the engine needs
type Store interface {
	GetByUsername(ctx context.Context, name string) (*domain.Player, error)
	GetByID(ctx context.Context, id int64) (*domain.Player, error)
	GetBeatmap(ctx context.Context, id int64) (domain.Beatmap, error)
	RecordContest(ctx context.Context, c *domain.Contest, players []*domain.Player) error
	UpdateAfterContest(ctx context.Context, p *domain.Player) error
	UpdateDisplayRating(ctx context.Context, p *domain.Player) error
	QualifyingPlayers(ctx context.Context, minGames int, since time.Time) ([]*domain.Player, error)
	CountRanked(ctx context.Context, minGames int, since time.Time) (int, error)
	CountAbove(ctx context.Context, elo float64, minGames int, since time.Time) (int, error)
	ListContests(ctx context.Context) ([]domain.Contest, error)
	ResetRatings(ctx context.Context) error
}

// Engine rates finished matches. Contests are processed one at a time.
type Engine struct {
	mu sync.Mutex

	store    Store
	params   Params
	tiers    Tiers
	fallback float64
	notifier domain.Notifier
	metrics  *metrics.Metrics
	now      func() time.Time
	log      *logrus.Entry
	wg       sync.WaitGroup
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithNotifier sets where tier changes are reported
func WithNotifier(n domain.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithMetrics enables contest counters
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithFallbackDifficulty sets the map difficulty used when none is known
func WithFallbackDifficulty(d float64) Option {
	return func(e *Engine) { e.fallback = d }
}

// NewEngine creates a rating engine
func NewEngine(store Store, params Params, tiers Tiers, log *logrus.Entry, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		params:   params,
		tiers:    tiers,
		fallback: 100,
		notifier: domain.NopNotifier{},
		now:      time.Now,
		log:      log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Attach rates every match that finishes in l. The returned func detaches.
func (e *Engine) Attach(l *lobby.Lobby) func() {
	return l.Subscribe(func(st *lobby.State, ev lobby.Event) {
		finished, ok := ev.(lobby.MatchFinished)
		if !ok {
			return
		}
		lobbyID := st.ID
		ctx := context.WithoutCancel(l.Context())
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if _, err := e.RateMatch(ctx, lobbyID, finished); err != nil {
				e.log.WithError(err).WithField("lobby_id", lobbyID).Error("Failed to rate match")
			}
		}()
	})
}

// Wait blocks until in-flight ratings have been stored
func (e *Engine) Wait() {
	e.wg.Wait()
}

// RateMatch turns a finished match into a stored contest. Matches with fewer
// than two participants are ignored and return a nil contest.
func (e *Engine) RateMatch(ctx context.Context, lobbyID int64, ev lobby.MatchFinished) (*domain.Contest, error) {
	if len(ev.Participants) < 2 {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	at := e.now()
	players := make([]*domain.Player, 0, len(ev.Participants))
	scores := make([]int, 0, len(ev.Participants))
	for _, snap := range ev.Participants {
		// The snapshot may predate an earlier contest, so read the current record
		p, err := e.store.GetByUsername(ctx, snap.Username)
		if err != nil {
			return nil, fmt.Errorf("loading player %s: %w", snap.Username, err)
		}
		players = append(players, p)
		scores = append(scores, ev.Scores[domain.NormalizeName(snap.Username)])
	}

	before := make([]float64, len(players))
	for i, p := range players {
		before[i] = p.Elo
	}

	e.params.Update(players, scores, e.difficulty(ctx, ev.BeatmapID, ev.Difficulty), at)

	contest := &domain.Contest{
		LobbyID:   lobbyID,
		BeatmapID: ev.BeatmapID,
		Mods:      ev.Mods,
		Time:      at,
		Scores:    make([]domain.ContestScore, len(players)),
	}
	for i, p := range players {
		contest.Scores[i] = domain.ContestScore{
			PlayerID:  p.ID,
			Username:  p.Username,
			Score:     scores[i],
			EloBefore: before[i],
			EloAfter:  p.Elo,
		}
	}

	if err := e.store.RecordContest(ctx, contest, players); err != nil {
		return nil, fmt.Errorf("recording contest: %w", err)
	}
	e.metrics.ContestRecorded()

	e.log.WithFields(logrus.Fields{
		"lobby_id":   lobbyID,
		"beatmap_id": ev.BeatmapID,
		"players":    len(players),
	}).Info("Contest recorded")

	for _, p := range players {
		if err := e.refreshTier(ctx, p, at); err != nil {
			e.log.WithError(err).WithField("player", p.Username).Warn("Failed to update tier")
		}
	}
	return contest, nil
}

func (e *Engine) difficulty(ctx context.Context, beatmapID int64, known float64) float64 {
	if known > 0 {
		return known
	}
	m, err := e.store.GetBeatmap(ctx, beatmapID)
	if err == nil && m.Difficulty > 0 {
		return m.Difficulty
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.log.WithError(err).WithField("beatmap_id", beatmapID).Warn("Failed to look up beatmap")
	}
	return e.fallback
}

// refreshTier recomputes the tier of p from the stored ranking
func (e *Engine) refreshTier(ctx context.Context, p *domain.Player, now time.Time) error {
	since := now.Add(-QualifyingWindow)
	total, err := e.store.CountRanked(ctx, MinGames, since)
	if err != nil {
		return fmt.Errorf("counting ranked players: %w", err)
	}
	above, err := e.store.CountAbove(ctx, p.Elo, MinGames, since)
	if err != nil {
		return fmt.Errorf("counting players above: %w", err)
	}
	return e.setTier(ctx, p, e.tiers.For(RankRatio(above, total), p.GamesPlayed))
}

func (e *Engine) setTier(ctx context.Context, p *domain.Player, tier string) error {
	old := p.Tier
	if old == tier {
		return nil
	}
	p.Tier = tier
	if err := e.store.UpdateDisplayRating(ctx, p); err != nil {
		return fmt.Errorf("storing tier: %w", err)
	}
	e.log.WithFields(logrus.Fields{
		"player": p.Username,
		"old":    old,
		"new":    tier,
	}).Info("Tier changed")
	if err := e.notifier.NotifyTierChange(ctx, p.ID, old, tier); err != nil {
		e.log.WithError(err).Warn("Failed to send tier change")
	}
	return nil
}

// Rank returns the 1-based position of p among qualifying players and the
// number of qualifying players.
func (e *Engine) Rank(ctx context.Context, p *domain.Player) (int, int, error) {
	since := e.now().Add(-QualifyingWindow)
	total, err := e.store.CountRanked(ctx, MinGames, since)
	if err != nil {
		return 0, 0, fmt.Errorf("counting ranked players: %w", err)
	}
	above, err := e.store.CountAbove(ctx, p.Elo, MinGames, since)
	if err != nil {
		return 0, 0, fmt.Errorf("counting players above: %w", err)
	}
	return above + 1, total, nil
}
