package lobby

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"strings"

	"github.com/ernie/lobbybot/internal/domain"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Status is the lifecycle position of a lobby
type Status int

const (
	StatusUnjoined Status = iota
	StatusAwaiting
	StatusIdle
	StatusPlaying
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusAwaiting:
		return "awaiting-confirmation"
	case StatusIdle:
		return "joined-idle"
	case StatusPlaying:
		return "joined-playing"
	case StatusClosed:
		return "closed"
	default:
		return "unjoined"
	}
}

// PlayerResolver looks players up by display name, creating placeholders as needed
type PlayerResolver interface {
	Resolve(ctx context.Context, name string) (*domain.Player, error)
	SetUserID(ctx context.Context, name string, id int64) (*domain.Player, error)
}

// ProfileRefresher updates a player's difficulty axes from the profile source
type ProfileRefresher interface {
	RefreshIfStale(ctx context.Context, p *domain.Player) error
}

// Commander sends a chat line to the lobby's channel
type Commander interface {
	Command(text string)
}

// Deps are the collaborators of the state machine. Profiles may be nil.
type Deps struct {
	Players  PlayerResolver
	Profiles ProfileRefresher
	BotName  string
}

// State is the reconstructed room state. It is owned by one goroutine and
// must only be touched from lobby handlers or Lobby.Do.
type State struct {
	ID      int64
	Channel string
	Name    string
	Status  Status

	// Keyed by normalized username
	Roster       map[string]*domain.Player
	Slots        map[string]int
	Ready        map[string]bool
	Scores       map[string]int
	Participants map[string]*domain.Player

	BeatmapID    int64
	BeatmapName  string
	Difficulty   float64
	TeamMode     string
	WinCondition string
	Mods         []string
	Freemod      bool
	Host         string
	Referees     map[string]bool
	HasPassword  bool
	PlayerCount  int

	settingsRemaining int
	settingsActive    bool

	deps Deps
	cmd  Commander
	log  *logrus.Entry
}

// NewState returns the state of a freshly joined channel awaiting confirmation
func NewState(channel string, deps Deps, cmd Commander, log *logrus.Entry) *State {
	if deps.BotName == "" {
		deps.BotName = "BanchoBot"
	}
	id, _ := IDFromChannel(channel)
	return &State{
		ID:           id,
		Channel:      channel,
		Status:       StatusAwaiting,
		Roster:       make(map[string]*domain.Player),
		Slots:        make(map[string]int),
		Ready:        make(map[string]bool),
		Scores:       make(map[string]int),
		Participants: make(map[string]*domain.Player),
		Referees:     make(map[string]bool),
		deps:         deps,
		cmd:          cmd,
		log:          log,
	}
}

// Playing reports whether a match is in progress
func (s *State) Playing() bool {
	return s.Status == StatusPlaying
}

// Players returns the roster ordered by slot
func (s *State) Players() []*domain.Player {
	players := make([]*domain.Player, 0, len(s.Roster))
	for _, p := range s.Roster {
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool {
		si, sj := s.Slots[domain.NormalizeName(players[i].Username)], s.Slots[domain.NormalizeName(players[j].Username)]
		if si != sj {
			return si < sj
		}
		return players[i].Username < players[j].Username
	})
	return players
}

// Player returns a roster entry by display name
func (s *State) Player(name string) (*domain.Player, bool) {
	p, ok := s.Roster[domain.NormalizeName(name)]
	return p, ok
}

// Snapshot returns the public listing view of the room
func (s *State) Snapshot() domain.LobbySnapshot {
	return domain.LobbySnapshot{
		ID:          s.ID,
		Channel:     s.Channel,
		Name:        s.Name,
		BeatmapID:   s.BeatmapID,
		BeatmapName: s.BeatmapName,
		Difficulty:  s.Difficulty,
		Players:     len(s.Roster),
		Capacity:    domain.LobbyCapacity,
		Playing:     s.Playing(),
	}
}

// Apply interprets one room message. Only lines from the operator bot are
// parsed; anything else, and bot lines matching no pattern, come back as
// message events.
func (s *State) Apply(ctx context.Context, from, text string) []Event {
	if !strings.EqualFold(from, s.deps.BotName) {
		return []Event{ChatMessage{From: from, Text: text}}
	}
	line, ok := ParseBotLine(text)
	if !ok {
		return []Event{BotMessage{Text: text}}
	}
	return s.apply(ctx, line)
}

func (s *State) apply(ctx context.Context, line Line) []Event {
	switch l := line.(type) {
	case MatchStartedLine:
		clear(s.Scores)
		clear(s.Participants)
		s.Status = StatusPlaying
		s.RequestSettings()
		return []Event{MatchStarted{BeatmapID: s.BeatmapID}}

	case MatchFinishedLine:
		s.Status = StatusIdle
		return []Event{s.finished()}

	case MatchAbortedLine:
		s.Status = StatusIdle
		return []Event{MatchAborted{}}

	case AllReadyLine:
		return []Event{AllReady{}}

	case ClosedLine:
		s.Status = StatusClosed
		return []Event{Closed{}}

	case PasswordChangedLine:
		s.HasPassword = !l.Removed
		return []Event{PasswordChanged{Removed: l.Removed}}

	case RoomNameLine:
		s.Name = l.Name
		if s.ID == 0 {
			s.ID = l.ID
		}
		evs := []Event{RoomNameChanged{Name: l.Name}}
		if s.Status == StatusAwaiting || s.Status == StatusUnjoined {
			s.Status = StatusIdle
			evs = append([]Event{Joined{Name: l.Name}}, evs...)
		}
		return evs

	case BeatmapLine:
		if l.ID != s.BeatmapID {
			s.Difficulty = 0
		}
		s.BeatmapID = l.ID
		s.BeatmapName = l.Name
		return []Event{BeatmapChanged{ID: l.ID, Name: l.Name}}

	case TeamModeLine:
		s.TeamMode = l.Mode
		s.WinCondition = l.WinCondition
		return []Event{TeamModeChanged{Mode: l.Mode, WinCondition: l.WinCondition}}

	case ModsLine:
		s.Mods = l.Mods
		s.Freemod = l.Freemod
		return []Event{ModsChanged{Mods: l.Mods, Freemod: l.Freemod}}

	case PlayerCountLine:
		s.PlayerCount = l.N
		clear(s.Roster)
		clear(s.Slots)
		clear(s.Ready)
		s.settingsRemaining = l.N
		s.settingsActive = l.N > 0
		if l.N == 0 {
			return []Event{Settings{Players: 0}}
		}
		return nil

	case RefereeLine:
		key := domain.NormalizeName(l.Name)
		if l.Added {
			s.Referees[key] = true
		} else {
			delete(s.Referees, key)
		}
		return []Event{RefereeChanged{Name: l.Name, Added: l.Added}}

	case SlotLine:
		return s.slot(ctx, l)

	case ScoreLine:
		key := domain.NormalizeName(l.Username)
		p, ok := s.Participants[key]
		if !ok {
			s.log.WithField("player", l.Username).Debug("Ignoring score from non-participant")
			return nil
		}
		s.Scores[key] = l.Score
		return []Event{Score{Player: p, Score: l.Score, Passed: l.Passed}}

	case JoinLine:
		p := s.resolve(ctx, l.Username)
		key := domain.NormalizeName(l.Username)
		s.Roster[key] = p
		s.Slots[key] = l.Slot
		s.PlayerCount++
		if p.ID != 0 {
			s.refreshProfile(ctx, p)
		}
		return []Event{PlayerJoined{Player: p, Slot: l.Slot, Team: l.Team}}

	case LeaveLine:
		return s.leave(l)

	case HostChangedLine:
		s.Host = l.Username
		return []Event{HostChanged{Username: l.Username}}
	}
	return nil
}

func (s *State) slot(ctx context.Context, l SlotLine) []Event {
	key := domain.NormalizeName(l.Username)
	p := s.resolve(ctx, l.Username)

	if l.UserID != 0 && p.ID != l.UserID && s.deps.Players != nil {
		updated, err := s.deps.Players.SetUserID(ctx, l.Username, l.UserID)
		if err != nil {
			s.log.WithError(err).WithField("player", l.Username).Warn("Failed to assign user id")
		} else {
			p = updated
		}
	}
	if p.ID != 0 {
		s.refreshProfile(ctx, p)
	}

	s.Roster[key] = p
	s.Slots[key] = l.Slot
	s.Ready[key] = l.State == SlotReady
	if l.Host {
		s.Host = l.Username
	}
	// A player without the map cannot play, so they never enter the snapshot
	if s.Playing() && l.State != SlotNoMap {
		s.Participants[key] = p
	}

	if !s.settingsActive {
		return nil
	}
	s.settingsRemaining--
	if s.settingsRemaining > 0 {
		return nil
	}
	s.settingsActive = false
	return []Event{Settings{Players: s.PlayerCount}}
}

func (s *State) leave(l LeaveLine) []Event {
	key := domain.NormalizeName(l.Username)
	var evs []Event

	p, ok := s.Roster[key]
	participant, playing := s.Participants[key]
	if !ok {
		p = participant
	}
	if p == nil {
		p = domain.NewPlayer(l.Username)
	}

	if s.Playing() && playing {
		s.Scores[key] = 0
		evs = append(evs, Score{Player: participant, Score: 0, Passed: false})
	}

	delete(s.Roster, key)
	delete(s.Slots, key)
	delete(s.Ready, key)
	if s.PlayerCount > 0 {
		s.PlayerCount--
	}
	if strings.EqualFold(s.Host, l.Username) {
		s.Host = ""
	}
	return append(evs, PlayerLeft{Player: p})
}

func (s *State) finished() MatchFinished {
	ev := MatchFinished{
		BeatmapID:    s.BeatmapID,
		Difficulty:   s.Difficulty,
		Mods:         ModMask(s.Mods),
		Participants: make([]*domain.Player, 0, len(s.Participants)),
		Scores:       maps.Clone(s.Scores),
	}
	for _, p := range s.Participants {
		ev.Participants = append(ev.Participants, p.Clone())
	}
	sort.Slice(ev.Participants, func(i, j int) bool {
		return ev.Participants[i].Username < ev.Participants[j].Username
	})
	return ev
}

func (s *State) resolve(ctx context.Context, name string) *domain.Player {
	if s.deps.Players == nil {
		return domain.NewPlayer(name)
	}
	p, err := s.deps.Players.Resolve(ctx, name)
	if err != nil {
		s.log.WithError(err).WithField("player", name).Warn("Failed to resolve player")
		return domain.NewPlayer(name)
	}
	return p
}

// refreshProfile runs independently of the lobby so a slow profile source
// never stalls line processing.
func (s *State) refreshProfile(ctx context.Context, p *domain.Player) {
	if s.deps.Profiles == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	p = p.Clone()
	go func() {
		if err := s.deps.Profiles.RefreshIfStale(ctx, p); err != nil {
			s.log.WithError(err).WithField("player", p.Username).Warn("Profile refresh failed")
		}
	}()
}

// RequestSettings asks the bot for a full settings dump. The random suffix
// keeps the server from dropping repeated identical messages.
func (s *State) RequestSettings() {
	if s.cmd == nil {
		return
	}
	s.cmd.Command("!mp settings " + uuid.NewString()[:8])
}

// ChannelForID returns the chat channel of a multiplayer room
func ChannelForID(id int64) string {
	return fmt.Sprintf("#mp_%d", id)
}

// IDFromChannel extracts the room id from a "#mp_<id>" channel name
func IDFromChannel(channel string) (int64, bool) {
	rest, ok := strings.CutPrefix(channel, "#mp_")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
