package bancho

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ernie/lobbybot/internal/domain"
	"github.com/ernie/lobbybot/internal/lobby"
)

var (
	matchCreatedRegex = regexp.MustCompile(`^Created the tournament match https://osu\.ppy\.sh/mp/(\d+) (.+)$`)
	tooManyMatches    = "You cannot create any more tournament matches"
)

// Whois resolves a display name to its numeric user id. Only one lookup per
// name may be outstanding; a concurrent second lookup fails with
// ErrLookupPending.
func (s *Session) Whois(ctx context.Context, name string) (int64, error) {
	key := domain.NormalizeName(name)
	ch := make(chan whoisResult, 1)

	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return 0, ErrNotConnected
	}
	if _, ok := s.whois[key]; ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("whois %s: %w", name, ErrLookupPending)
	}
	s.whois[key] = ch
	s.mu.Unlock()

	s.SendRaw("WHOIS " + strings.ReplaceAll(name, " ", "_"))

	select {
	case res := <-ch:
		if res.err != nil {
			return 0, fmt.Errorf("whois %s: %w", name, res.err)
		}
		return res.id, nil
	case <-ctx.Done():
		s.mu.Lock()
		if s.whois[key] == ch {
			delete(s.whois, key)
		}
		s.mu.Unlock()
		return 0, ctx.Err()
	}
}

// Join joins a channel and returns its lobby once our JOIN is echoed
func (s *Session) Join(ctx context.Context, channel string) (*lobby.Lobby, error) {
	key := strings.ToLower(channel)
	ch := make(chan error, 1)

	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	if l, ok := s.lobbies[key]; ok {
		s.mu.Unlock()
		return l, nil
	}
	s.joins[key] = ch
	s.mu.Unlock()

	s.SendRaw("JOIN " + channel)

	select {
	case err := <-ch:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		s.mu.Lock()
		if s.joins[key] == ch {
			delete(s.joins, key)
		}
		s.mu.Unlock()
		return nil, ctx.Err()
	}

	l, ok := s.Lobby(channel)
	if !ok {
		return nil, fmt.Errorf("joining %s: %w", channel, ErrLobbyNotRegistered)
	}
	return l, nil
}

// CreateLobby asks the operator bot for a new room with the given title.
// The server force-joins us to the room before the bot confirms it, so the
// lobby is already registered when the confirmation arrives.
func (s *Session) CreateLobby(ctx context.Context, title string) (*lobby.Lobby, error) {
	replies := make(chan string, 16)
	unsubscribe := s.Subscribe(func(ev Event) {
		pm, ok := ev.(PrivateMessage)
		if !ok || !strings.EqualFold(pm.From, s.cfg.BotName) {
			return
		}
		select {
		case replies <- pm.Text:
		default:
		}
	})
	defer unsubscribe()

	s.Send(s.cfg.BotName, "!mp make "+title)

	for {
		select {
		case text := <-replies:
			if strings.HasPrefix(text, tooManyMatches) {
				return nil, ErrTooManyLobbies
			}
			m := matchCreatedRegex.FindStringSubmatch(text)
			if m == nil || m[2] != title {
				continue
			}
			id, _ := strconv.ParseInt(m[1], 10, 64)
			l, ok := s.Lobby(lobby.ChannelForID(id))
			if !ok {
				return nil, fmt.Errorf("match %d: %w", id, ErrLobbyNotRegistered)
			}
			return l, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrNotConnected
		}
	}
}
