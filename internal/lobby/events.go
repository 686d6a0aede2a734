package lobby

import "github.com/ernie/lobbybot/internal/domain"

// Event is emitted by the state machine after a line is applied
type Event interface{ isLobbyEvent() }

type (
	// Joined is emitted once the bot has confirmed the room after our join
	Joined struct {
		Name string
	}

	MatchStarted struct {
		BeatmapID int64
	}

	// MatchFinished carries the participant snapshot and scores of the match.
	// Participants without a recorded score are absent from Scores.
	MatchFinished struct {
		BeatmapID    int64
		Difficulty   float64
		Mods         int64
		Participants []*domain.Player
		Scores       map[string]int
	}

	MatchAborted struct{}

	AllReady struct{}

	// Settings is emitted when a settings dump has listed every occupied slot
	Settings struct {
		Players int
	}

	Score struct {
		Player *domain.Player
		Score  int
		Passed bool
	}

	PlayerJoined struct {
		Player *domain.Player
		Slot   int
		Team   string
	}

	PlayerLeft struct {
		Player *domain.Player
	}

	BeatmapChanged struct {
		ID   int64
		Name string
	}

	RoomNameChanged struct {
		Name string
	}

	HostChanged struct {
		Username string
	}

	RefereeChanged struct {
		Name  string
		Added bool
	}

	PasswordChanged struct {
		Removed bool
	}

	TeamModeChanged struct {
		Mode         string
		WinCondition string
	}

	ModsChanged struct {
		Mods    []string
		Freemod bool
	}

	Closed struct{}

	// ChatMessage is a room message from anyone but the operator bot
	ChatMessage struct {
		From string
		Text string
	}

	// BotMessage is an operator-bot line that matched no known pattern
	BotMessage struct {
		Text string
	}
)

func (Joined) isLobbyEvent()          {}
func (MatchStarted) isLobbyEvent()    {}
func (MatchFinished) isLobbyEvent()   {}
func (MatchAborted) isLobbyEvent()    {}
func (AllReady) isLobbyEvent()        {}
func (Settings) isLobbyEvent()        {}
func (Score) isLobbyEvent()           {}
func (PlayerJoined) isLobbyEvent()    {}
func (PlayerLeft) isLobbyEvent()      {}
func (BeatmapChanged) isLobbyEvent()  {}
func (RoomNameChanged) isLobbyEvent() {}
func (HostChanged) isLobbyEvent()     {}
func (RefereeChanged) isLobbyEvent()  {}
func (PasswordChanged) isLobbyEvent() {}
func (TeamModeChanged) isLobbyEvent() {}
func (ModsChanged) isLobbyEvent()     {}
func (Closed) isLobbyEvent()          {}
func (ChatMessage) isLobbyEvent()     {}
func (BotMessage) isLobbyEvent()      {}
