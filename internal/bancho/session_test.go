package bancho

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ernie/lobbybot/internal/lobby"
	"github.com/ernie/lobbybot/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 2 * time.Second

// fakeServer is the remote end of a net.Pipe
type fakeServer struct {
	t     *testing.T
	conn  net.Conn
	lines chan string
}

func newFakeServer(t *testing.T) (*fakeServer, Option) {
	t.Helper()
	client, server := net.Pipe()
	fs := &fakeServer{t: t, conn: server, lines: make(chan string, 256)}
	go func() {
		sc := bufio.NewScanner(server)
		for sc.Scan() {
			fs.lines <- strings.TrimSuffix(sc.Text(), "\r")
		}
		close(fs.lines)
	}()
	t.Cleanup(func() { server.Close() })
	return fs, WithDialer(func(context.Context) (net.Conn, error) { return client, nil })
}

func (f *fakeServer) send(line string) {
	f.t.Helper()
	_, err := fmt.Fprintf(f.conn, "%s\r\n", line)
	require.NoError(f.t, err)
}

// next returns the next line written by the session
func (f *fakeServer) next() string {
	f.t.Helper()
	select {
	case line, ok := <-f.lines:
		require.True(f.t, ok, "connection closed")
		return line
	case <-time.After(wait):
		f.t.Fatal("timed out waiting for a line")
		return ""
	}
}

// expect skips lines until one starts with prefix
func (f *fakeServer) expect(prefix string) string {
	f.t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case line, ok := <-f.lines:
			require.True(f.t, ok, "connection closed waiting for %q", prefix)
			if strings.HasPrefix(line, prefix) {
				return line
			}
		case <-deadline:
			f.t.Fatalf("timed out waiting for %q", prefix)
			return ""
		}
	}
}

func testConfig() Config {
	return Config{
		Address:      "test",
		Username:     "lobby bot",
		Password:     "secret",
		SendInterval: 5 * time.Millisecond,
		BotName:      "BanchoBot",
	}
}

func connect(t *testing.T, opts ...Option) (*Session, *fakeServer) {
	t.Helper()
	fs, dialer := newFakeServer(t)
	s := New(testConfig(), logging.Discard(), append([]Option{dialer}, opts...)...)
	t.Cleanup(func() { s.Close() })

	errCh := make(chan error, 1)
	go func() { errCh <- s.Connect(context.Background()) }()

	assert.Equal(t, "PASS secret", fs.next())
	assert.Equal(t, "USER lobby_bot 0 * :lobby_bot", fs.next())
	assert.Equal(t, "NICK lobby_bot", fs.next())
	fs.send(":cho.ppy.sh 001 lobby_bot :Welcome to the osu!Bancho.")

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(wait):
		t.Fatal("connect did not return")
	}
	return s, fs
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(wait):
		t.Fatal("channel was not closed")
	}
}

func TestConnectRejected(t *testing.T) {
	fs, dialer := newFakeServer(t)
	s := New(testConfig(), logging.Discard(), dialer)
	t.Cleanup(func() { s.Close() })

	errCh := make(chan error, 1)
	go func() { errCh <- s.Connect(context.Background()) }()
	fs.next()
	fs.next()
	fs.next()
	fs.send(":cho.ppy.sh 464 lobby_bot :Bad authentication token.")

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrLoginFailed)
	case <-time.After(wait):
		t.Fatal("connect did not return")
	}
	waitClosed(t, s.Done())
}

func TestPingPong(t *testing.T) {
	_, fs := connect(t)
	fs.send("PING :cho.ppy.sh")
	assert.Equal(t, "PONG :cho.ppy.sh", fs.next())
}

func TestSendIsPacedFIFO(t *testing.T) {
	s, fs := connect(t)

	first := s.Send("#mp_1", "one")
	second := s.Send("#mp_1", "two\r\nQUIT")
	third := s.SendRaw("JOIN #mp_2")

	assert.Equal(t, "PRIVMSG #mp_1 :one", fs.next())
	waitClosed(t, first)
	assert.Equal(t, "PRIVMSG #mp_1 :two  QUIT", fs.next())
	waitClosed(t, second)
	assert.Equal(t, "JOIN #mp_2", fs.next())
	waitClosed(t, third)
}

func TestDisconnectResolvesQueuedMessages(t *testing.T) {
	fs, dialer := newFakeServer(t)
	cfg := testConfig()
	cfg.SendInterval = time.Hour
	s := New(cfg, logging.Discard(), dialer)
	t.Cleanup(func() { s.Close() })

	errCh := make(chan error, 1)
	go func() { errCh <- s.Connect(context.Background()) }()
	fs.next()
	fs.next()
	fs.next()
	fs.send(":cho.ppy.sh 001 lobby_bot :hi")
	require.NoError(t, <-errCh)

	done := s.Send("#mp_1", "never written")
	select {
	case <-done:
		t.Fatal("message resolved before disconnect")
	case <-time.After(20 * time.Millisecond):
	}

	fs.conn.Close()
	waitClosed(t, done)
	waitClosed(t, s.Done())

	// Sends after disconnect resolve immediately
	waitClosed(t, s.Send("#mp_1", "late"))
}

func TestWhois(t *testing.T) {
	s, fs := connect(t)

	type result struct {
		id  int64
		err error
	}
	res := make(chan result, 1)
	go func() {
		id, err := s.Whois(context.Background(), "Some Player")
		res <- result{id, err}
	}()
	assert.Equal(t, "WHOIS Some_Player", fs.next())

	_, err := s.Whois(context.Background(), "some player")
	assert.ErrorIs(t, err, ErrLookupPending)

	fs.send(":cho.ppy.sh 311 lobby_bot Some_Player https://osu.ppy.sh/u/4242 * :https://osu.ppy.sh/u/4242")
	select {
	case r := <-res:
		require.NoError(t, r.err)
		assert.Equal(t, int64(4242), r.id)
	case <-time.After(wait):
		t.Fatal("whois did not resolve")
	}
}

func TestWhoisNoSuchNick(t *testing.T) {
	s, fs := connect(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Whois(context.Background(), "ghost")
		errCh <- err
	}()
	fs.expect("WHOIS ghost")
	fs.send(":cho.ppy.sh 401 lobby_bot ghost :No such nick")

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrNoSuchUser)
		assert.Contains(t, err.Error(), "No such nick")
	case <-time.After(wait):
		t.Fatal("whois did not fail")
	}
}

func TestCreateLobby(t *testing.T) {
	s, fs := connect(t)

	type result struct {
		l   *lobby.Lobby
		err error
	}
	res := make(chan result, 1)
	go func() {
		l, err := s.CreateLobby(context.Background(), "test room")
		res <- result{l, err}
	}()

	assert.Equal(t, "PRIVMSG BanchoBot :!mp make test room", fs.next())
	fs.send(":lobby_bot!cho@ppy.sh JOIN :#mp_55")
	fs.send(":BanchoBot!cho@ppy.sh PRIVMSG lobby_bot :Created the tournament match https://osu.ppy.sh/mp/55 test room")

	select {
	case r := <-res:
		require.NoError(t, r.err)
		assert.Equal(t, "#mp_55", r.l.Channel())
		assert.Equal(t, int64(55), r.l.ID())
	case <-time.After(wait):
		t.Fatal("create did not return")
	}

	// The new lobby confirms itself with a settings request
	assert.True(t, strings.HasPrefix(fs.expect("PRIVMSG #mp_55 "), "PRIVMSG #mp_55 :!mp settings "))
	assert.Len(t, s.Lobbies(), 1)
}

func TestCreateLobbyLimit(t *testing.T) {
	s, fs := connect(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.CreateLobby(context.Background(), "room")
		errCh <- err
	}()
	fs.expect("PRIVMSG BanchoBot :!mp make")
	fs.send(":BanchoBot!cho@ppy.sh PRIVMSG lobby_bot :You cannot create any more tournament matches. Please close any previous tournament matches you have open.")

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrTooManyLobbies)
	case <-time.After(wait):
		t.Fatal("create did not return")
	}
}

func TestCreateLobbyNotRegistered(t *testing.T) {
	s, fs := connect(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.CreateLobby(context.Background(), "room")
		errCh <- err
	}()
	fs.expect("PRIVMSG BanchoBot :!mp make")
	// Confirmation for another title is ignored
	fs.send(":BanchoBot!cho@ppy.sh PRIVMSG lobby_bot :Created the tournament match https://osu.ppy.sh/mp/1 other")
	fs.send(":BanchoBot!cho@ppy.sh PRIVMSG lobby_bot :Created the tournament match https://osu.ppy.sh/mp/2 room")

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrLobbyNotRegistered)
	case <-time.After(wait):
		t.Fatal("create did not return")
	}
}

func TestChannelMessagesReachLobby(t *testing.T) {
	s, fs := connect(t)

	registered := make(chan *lobby.Lobby, 1)
	s.Subscribe(func(ev Event) {
		if r, ok := ev.(LobbyRegistered); ok {
			registered <- r.Lobby
		}
	})
	fs.send(":lobby_bot!cho@ppy.sh JOIN :#mp_9")

	var l *lobby.Lobby
	select {
	case l = <-registered:
	case <-time.After(wait):
		t.Fatal("lobby not registered")
	}

	events := make(chan lobby.Event, 8)
	l.Subscribe(func(_ *lobby.State, ev lobby.Event) { events <- ev })

	fs.send(":BanchoBot!cho@ppy.sh PRIVMSG #mp_9 :alpha joined in slot 1.")
	fs.send(":BanchoBot!cho@ppy.sh PRIVMSG #mp_10 :beta joined in slot 1.")
	fs.send(":alpha!cho@ppy.sh PRIVMSG #mp_9 :!skip")

	select {
	case ev := <-events:
		joined, ok := ev.(lobby.PlayerJoined)
		require.True(t, ok)
		assert.Equal(t, "alpha", joined.Player.Username)
	case <-time.After(wait):
		t.Fatal("no lobby event")
	}
	select {
	case ev := <-events:
		assert.Equal(t, lobby.ChatMessage{From: "alpha", Text: "!skip"}, ev)
	case <-time.After(wait):
		t.Fatal("no chat event")
	}

	fs.send(":lobby_bot!cho@ppy.sh PART :#mp_9")
	waitClosed(t, l.Done())
	_, ok := s.Lobby("#mp_9")
	assert.False(t, ok)
}

func TestJoinFailed(t *testing.T) {
	s, fs := connect(t)

	failed := make(chan JoinFailed, 1)
	s.Subscribe(func(ev Event) {
		if f, ok := ev.(JoinFailed); ok {
			failed <- f
		}
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Join(context.Background(), "#mp_404")
		errCh <- err
	}()
	assert.Equal(t, "JOIN #mp_404", fs.next())
	fs.send(":cho.ppy.sh 403 lobby_bot #mp_404 :No such channel #mp_404")

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrJoinFailed)
	case <-time.After(wait):
		t.Fatal("join did not fail")
	}
	select {
	case f := <-failed:
		assert.Equal(t, "#mp_404", f.Channel)
	case <-time.After(wait):
		t.Fatal("no JoinFailed event")
	}

	// Unsolicited channel errors are still reported
	fs.send(":cho.ppy.sh 474 lobby_bot #mp_5 :Cannot join channel (+b)")
	select {
	case f := <-failed:
		assert.Equal(t, "#mp_5", f.Channel)
	case <-time.After(wait):
		t.Fatal("no JoinFailed event")
	}
}
