package domain

import "time"

// Contest is one completed match. It is written once and never modified.
type Contest struct {
	ID        int64          `json:"id"`
	LobbyID   int64          `json:"lobby_id"`
	BeatmapID int64          `json:"beatmap_id"`
	Mods      int64          `json:"mods"`
	Time      time.Time      `json:"time"`
	Creator   string         `json:"creator"`
	Scores    []ContestScore `json:"scores"`
}

// ContestScore is a participant's raw score in a contest
type ContestScore struct {
	PlayerID  int64   `json:"player_id"`
	Username  string  `json:"username"`
	Score     int     `json:"score"`
	EloBefore float64 `json:"elo_before"`
	EloAfter  float64 `json:"elo_after"`
}

// Beatmap is an entry of the map pool with its precomputed difficulty
type Beatmap struct {
	ID         int64   `json:"id" yaml:"id"`
	SetID      int64   `json:"set_id,omitempty" yaml:"set_id"`
	Name       string  `json:"name" yaml:"name"`
	Difficulty float64 `json:"difficulty" yaml:"difficulty"`
	Stars      float64 `json:"stars" yaml:"stars"`
	AR         float64 `json:"ar" yaml:"ar"`
	Length     int     `json:"length" yaml:"length"` // seconds
}
