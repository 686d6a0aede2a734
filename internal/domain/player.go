package domain

import (
	"strings"
	"time"
)

// Rating defaults for a player that has never played a contest
const (
	InitialMu    = 1500.0
	MaxSigma     = 350.0
	UnrankedTier = "Unranked"
)

// Player is a rating record. ID is assigned by the game service and is 0
// until the player has been seen in a slot line or resolved via WHOIS.
type Player struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`

	Mu    float64 `json:"approx_mu"`
	Sigma float64 `json:"approx_sig"`
	Elo   float64 `json:"elo"`
	Tier  string  `json:"tier"`

	// Difficulty axes, only used to judge map suitability
	Aim     float64 `json:"aim_pp"`
	Acc     float64 `json:"acc_pp"`
	Speed   float64 `json:"speed_pp"`
	Overall float64 `json:"overall_pp"`
	AvgAR   float64 `json:"avg_ar"`
	AvgSR   float64 `json:"avg_sr"`

	GamesPlayed       int       `json:"games_played"`
	LastContest       time.Time `json:"last_contest_time,omitempty"`
	LastProfileUpdate time.Time `json:"last_profile_update,omitempty"`
}

// NewPlayer returns the placeholder record for a username seen for the first time
func NewPlayer(username string) *Player {
	p := &Player{
		Username: username,
		Mu:       InitialMu,
		Sigma:    MaxSigma,
		Tier:     UnrankedTier,
	}
	p.RecomputeElo()
	return p
}

// RecomputeElo derives the display elo from mu and sigma
func (p *Player) RecomputeElo() {
	p.Elo = p.Mu - 2*p.Sigma
}

// Clone returns a copy that can be handed to another goroutine
func (p *Player) Clone() *Player {
	c := *p
	return &c
}

// NormalizeName folds a username into the key used for lookups.
// The game service treats spaces and underscores as the same character.
func NormalizeName(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "_"))
}
