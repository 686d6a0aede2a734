package rating

import (
	"testing"

	"github.com/ernie/lobbybot/internal/domain"
	"github.com/stretchr/testify/assert"
)

var testTiers = Tiers{
	Names: []string{"Cardboard", "Wood", "Bronze", "Silver", "Gold", "Platinum", "Diamond", "Legendary"},
	Top:   "The One",
}

func TestTierFor(t *testing.T) {
	tests := []struct {
		name  string
		ratio float64
		games int
		want  string
	}{
		{"too few games", 1, 4, domain.UnrankedTier},
		{"no games", 0.5, 0, domain.UnrankedTier},
		{"best player", 1, 5, "The One"},
		{"bottom", 0, 10, "Cardboard"},
		{"low", 0.05, 10, "Cardboard"},
		{"middle", 0.5, 10, "Silver"},
		{"near the top", 0.99, 10, "Legendary"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, testTiers.For(tt.ratio, tt.games))
		})
	}
}

func TestCutoffsIncrease(t *testing.T) {
	n := len(testTiers.Names)
	prev := 0.0
	for i := 0; i < n; i++ {
		c := cutoff(i, n)
		assert.Greater(t, c, prev)
		prev = c
	}
	assert.InDelta(t, 1.0, cutoff(n-1, n), 1e-12)
}

func TestRankRatio(t *testing.T) {
	assert.Equal(t, 1.0, RankRatio(0, 10))
	assert.Equal(t, 0.5, RankRatio(5, 10))
	assert.Equal(t, 0.0, RankRatio(0, 0))
}
