package rating

import (
	"math"

	"github.com/ernie/lobbybot/internal/domain"
)

// Tiers maps rank ratios to tier labels
type Tiers struct {
	Names []string // lowest first
	Top   string   // reserved for ratio 1
}

// cutoff is the upper ratio bound of tier i out of n
func cutoff(i, n int) float64 {
	x := math.Pow(float64(i+1)/float64(n), 0.8)
	return 1 - (math.Cos(x*math.Pi)/2 + 0.5)
}

// For returns the tier of a player with the given rank ratio and game count
func (t Tiers) For(ratio float64, gamesPlayed int) string {
	if gamesPlayed < MinGames || len(t.Names) == 0 {
		return domain.UnrankedTier
	}
	if ratio >= 1 {
		return t.Top
	}
	for i, name := range t.Names {
		if ratio < cutoff(i, len(t.Names)) {
			return name
		}
	}
	return t.Names[len(t.Names)-1]
}

// RankRatio is 1 minus the share of qualifying players strictly above
func RankRatio(above, total int) float64 {
	if total <= 0 {
		return 0
	}
	return 1 - float64(above)/float64(total)
}
