// Package rating turns finished matches into updated skill estimates, rank
// tiers and decay.
package rating

import (
	"math"
	"time"

	"github.com/ernie/lobbybot/internal/domain"
)

// Scale converts between display points and the internal unit
const Scale = 173.7178

// MinGames is the number of contests a player needs before being ranked
const MinGames = 5

// QualifyingWindow is how recent a contest must be for a player to be ranked
const QualifyingWindow = 30 * 24 * time.Hour

// Params are the tunables of the rating system
type Params struct {
	MinSigma        float64
	MaxSigma        float64
	ReferencePeriod time.Duration
}

// DefaultParams returns the parameters used in production
func DefaultParams() Params {
	return Params{
		MinSigma:        30,
		MaxSigma:        domain.MaxSigma,
		ReferencePeriod: 30 * 24 * time.Hour,
	}
}

// c2 is the per-second deviation growth, chosen so a player at the floor is
// back at the ceiling after one reference period.
func (p Params) c2() float64 {
	return (p.MaxSigma*p.MaxSigma - p.MinSigma*p.MinSigma) / p.ReferencePeriod.Seconds()
}

func (p Params) clamp(sigma float64) float64 {
	return math.Max(p.MinSigma, math.Min(p.MaxSigma, sigma))
}

// GrowSigma returns the display deviation of a player at time now. Players
// who never played start at the ceiling.
func (p Params) GrowSigma(sigma float64, lastContest, now time.Time) float64 {
	if lastContest.IsZero() {
		return p.MaxSigma
	}
	dt := now.Sub(lastContest).Seconds()
	if dt < 0 {
		dt = 0
	}
	return p.clamp(math.Sqrt(sigma*sigma + p.c2()*dt))
}

var maxLogDistance = math.Log(500)

// Importance weights an update by how close the player's difficulty rating
// is to the map's, in [0,1]. Unknown difficulties count as 1.
func Importance(playerDifficulty, mapDifficulty float64) float64 {
	if playerDifficulty <= 0 {
		playerDifficulty = 1
	}
	if mapDifficulty <= 0 {
		mapDifficulty = 1
	}
	d := math.Min(math.Abs(math.Log(playerDifficulty/mapDifficulty)), maxLogDistance)
	return 1 - d/maxLogDistance
}

// Update applies one contest to its participants in place. scores[i] is the
// raw score of players[i]. All pairwise terms use the pre-contest values.
func (p Params) Update(players []*domain.Player, scores []int, mapDifficulty float64, at time.Time) {
	n := len(players)
	mu := make([]float64, n)
	sigma := make([]float64, n)
	for i, pl := range players {
		mu[i] = (pl.Mu - domain.InitialMu) / Scale
		sigma[i] = p.GrowSigma(pl.Sigma, pl.LastContest, at) / Scale
	}

	// Opponent factor, inflated by how far the opponent is from the map
	f := make([]float64, n)
	for i, pl := range players {
		effective := math.Hypot(sigma[i]*Scale, math.Abs(mapDifficulty-pl.Overall)) / Scale
		f[i] = 1 / math.Sqrt(1+3*effective*effective/(math.Pi*math.Pi))
	}

	newMu := make([]float64, n)
	newSigma := make([]float64, n)
	for i := range players {
		var variance, outcome float64
		for j := range players {
			if i == j {
				continue
			}
			g := 1 / (1 + math.Exp(-f[j]*(mu[i]-mu[j])))
			variance += f[j] * f[j] * g * (1 - g)
			outcome += f[j] * (actual(scores[i], scores[j]) - g)
		}
		importance := Importance(players[i].Overall, mapDifficulty)

		s := 1 / math.Sqrt(1/(sigma[i]*sigma[i])+variance)
		newSigma[i] = s
		newMu[i] = mu[i] + s*s*importance*outcome
	}

	for i, pl := range players {
		pl.Mu = newMu[i]*Scale + domain.InitialMu
		pl.Sigma = p.clamp(newSigma[i] * Scale)
		pl.RecomputeElo()
		pl.GamesPlayed++
		pl.LastContest = at
	}
}

func actual(a, b int) float64 {
	switch {
	case a > b:
		return 1
	case a < b:
		return 0
	default:
		return 0.5
	}
}
