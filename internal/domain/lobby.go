package domain

// LobbyCapacity is the number of slots in a multiplayer room
const LobbyCapacity = 16

// LobbySnapshot is the public view of a room used for listings
type LobbySnapshot struct {
	ID          int64   `json:"id"`
	Channel     string  `json:"channel"`
	Name        string  `json:"name"`
	BeatmapID   int64   `json:"beatmap_id,omitempty"`
	BeatmapName string  `json:"beatmap_name,omitempty"`
	Difficulty  float64 `json:"difficulty,omitempty"`
	Players     int     `json:"players"`
	Capacity    int     `json:"capacity"`
	Playing     bool    `json:"playing"`
}
