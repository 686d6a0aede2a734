package rating

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ernie/lobbybot/internal/domain"
	"github.com/sirupsen/logrus"
)

// DecayResult summarizes one decay pass
type DecayResult struct {
	Players     int
	Ranked      int
	TierChanges int
}

// Decay recomputes the display elo and tier of every player with enough
// games. Only elo and tier are written, so repeated passes never compound.
// Players without a contest in the qualifying window become unranked.
func (e *Engine) Decay(ctx context.Context) (DecayResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	since := now.Add(-QualifyingWindow)

	players, err := e.store.QualifyingPlayers(ctx, MinGames, time.Time{})
	if err != nil {
		return DecayResult{}, fmt.Errorf("loading players: %w", err)
	}

	var ranked []*domain.Player
	storedElo := make(map[*domain.Player]float64, len(players))
	for _, p := range players {
		storedElo[p] = p.Elo
		p.Elo = p.Mu - 2*e.params.GrowSigma(p.Sigma, p.LastContest, now)
		if !p.LastContest.Before(since) {
			ranked = append(ranked, p)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Elo > ranked[j].Elo })

	tiers := make(map[*domain.Player]string, len(players))
	above := 0
	for i, p := range ranked {
		if i > 0 && ranked[i-1].Elo > p.Elo {
			above = i
		}
		tiers[p] = e.tiers.For(RankRatio(above, len(ranked)), p.GamesPlayed)
	}

	result := DecayResult{Players: len(players), Ranked: len(ranked)}
	for _, p := range players {
		tier, ok := tiers[p]
		if !ok {
			tier = domain.UnrankedTier
		}
		if tier != p.Tier {
			result.TierChanges++
			if err := e.setTier(ctx, p, tier); err != nil {
				return result, err
			}
			continue
		}
		if p.Elo != storedElo[p] {
			if err := e.store.UpdateDisplayRating(ctx, p); err != nil {
				return result, fmt.Errorf("storing display rating: %w", err)
			}
		}
	}

	e.log.WithFields(logrus.Fields{
		"players":      result.Players,
		"ranked":       result.Ranked,
		"tier_changes": result.TierChanges,
	}).Info("Decay pass complete")
	return result, nil
}

// RunDecay runs a decay pass every interval until ctx is done
func (e *Engine) RunDecay(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Decay(ctx); err != nil {
				e.log.WithError(err).Error("Decay pass failed")
			}
		}
	}
}
