package bancho

import "github.com/ernie/lobbybot/internal/lobby"

// Event is a session-level notification
type Event interface{ isSessionEvent() }

type (
	// LoggedIn is emitted when the server accepts our credentials
	LoggedIn struct{}

	// PrivateMessage is a message addressed to our nick
	PrivateMessage struct {
		From string
		Text string
	}

	// LobbyRegistered is emitted when our own JOIN to a channel is echoed
	LobbyRegistered struct {
		Lobby *lobby.Lobby
	}

	// LobbyUnregistered is emitted when we part a channel
	LobbyUnregistered struct {
		Channel string
	}

	// JoinFailed is emitted for channel errors, whether or not we asked to join
	JoinFailed struct {
		Channel string
		Reason  string
	}

	// Disconnected is emitted once when the connection is lost or closed
	Disconnected struct {
		Err error
	}
)

func (LoggedIn) isSessionEvent()          {}
func (PrivateMessage) isSessionEvent()    {}
func (LobbyRegistered) isSessionEvent()   {}
func (LobbyUnregistered) isSessionEvent() {}
func (JoinFailed) isSessionEvent()        {}
func (Disconnected) isSessionEvent()      {}
