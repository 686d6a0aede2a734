package rating

import (
	"context"
	"fmt"

	"github.com/ernie/lobbybot/internal/domain"
	"github.com/sirupsen/logrus"
)

// Recompute replays every stored contest from placeholder ratings and
// rewrites the ratings, then runs a decay pass to settle tiers. Contests
// whose participants are no longer in the store are skipped.
func (e *Engine) Recompute(ctx context.Context) (int, error) {
	contests, err := e.store.ListContests(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing contests: %w", err)
	}

	e.mu.Lock()
	if err := e.store.ResetRatings(ctx); err != nil {
		e.mu.Unlock()
		return 0, fmt.Errorf("resetting ratings: %w", err)
	}

	replayed := 0
	for _, c := range contests {
		if len(c.Scores) < 2 {
			continue
		}
		players := make([]*domain.Player, 0, len(c.Scores))
		scores := make([]int, 0, len(c.Scores))
		for _, s := range c.Scores {
			p, err := e.lookup(ctx, s)
			if err != nil {
				e.log.WithError(err).WithFields(logrus.Fields{
					"contest_id": c.ID,
					"player":     s.Username,
				}).Warn("Skipping contest with unknown player")
				players = nil
				break
			}
			players = append(players, p)
			scores = append(scores, s.Score)
		}
		if players == nil {
			continue
		}

		e.params.Update(players, scores, e.difficulty(ctx, c.BeatmapID, 0), c.Time)
		for _, p := range players {
			if err := e.store.UpdateAfterContest(ctx, p); err != nil {
				e.mu.Unlock()
				return replayed, fmt.Errorf("storing rating for %s: %w", p.Username, err)
			}
		}
		replayed++
	}
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"contests": len(contests),
		"replayed": replayed,
	}).Info("Ratings recomputed")

	if _, err := e.Decay(ctx); err != nil {
		return replayed, err
	}
	return replayed, nil
}

// lookup prefers the user id since the player may have been renamed
func (e *Engine) lookup(ctx context.Context, s domain.ContestScore) (*domain.Player, error) {
	if s.PlayerID != 0 {
		return e.store.GetByID(ctx, s.PlayerID)
	}
	return e.store.GetByUsername(ctx, s.Username)
}
