package bancho

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ernie/lobbybot/internal/domain"
	"github.com/ernie/lobbybot/internal/lobby"
	"github.com/ernie/lobbybot/internal/metrics"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotConnected       = errors.New("not connected")
	ErrLoginFailed        = errors.New("login rejected")
	ErrTooManyLobbies     = errors.New("too many open lobbies")
	ErrLobbyNotRegistered = errors.New("lobby was not registered")
	ErrNoSuchUser         = errors.New("no such user")
	ErrLookupPending      = errors.New("lookup already pending")
	ErrJoinFailed         = errors.New("join failed")
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	readBuffer   = 4096
)

var profileURLRegex = regexp.MustCompile(`https://osu\.ppy\.sh/u/(\d+)`)

// Channel error numerics. Any of them means a join did not happen.
var channelErrors = map[string]bool{
	"403": true, // no such channel
	"405": true, // too many channels
	"442": true, // not on channel
	"473": true, // invite only
	"474": true, // banned
	"475": true, // bad key
}

// Config holds connection settings
type Config struct {
	Address      string
	Username     string
	Password     string
	SendInterval time.Duration
	BotName      string
}

// Option configures a Session
type Option func(*Session)

// WithDialer replaces the TCP dialer, mainly for tests
func WithDialer(dial func(ctx context.Context) (net.Conn, error)) Option {
	return func(s *Session) { s.dial = dial }
}

// WithLobbyDeps sets the collaborators handed to every registered lobby
func WithLobbyDeps(deps lobby.Deps) Option {
	return func(s *Session) { s.deps = deps }
}

// WithMetrics enables protocol metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

type outgoing struct {
	line string
	done chan struct{}
}

type whoisResult struct {
	id  int64
	err error
}

type subscription struct {
	id int
	fn func(Event)
}

// Session is a connection to the chat server. It owns the lobby registry and
// paces every outgoing chat message through one queue.
type Session struct {
	cfg     Config
	nick    string
	log     *logrus.Entry
	dial    func(ctx context.Context) (net.Conn, error)
	deps    lobby.Deps
	metrics *metrics.Metrics

	// Parent of every lobby context
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	login     chan error
	queue     []*outgoing
	lobbies   map[string]*lobby.Lobby
	whois     map[string]chan whoisResult
	joins     map[string]chan error
	subs      []subscription
	nextSub   int
	err       error

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates an unconnected session
func New(cfg Config, log *logrus.Entry, opts ...Option) *Session {
	if cfg.SendInterval <= 0 {
		cfg.SendInterval = time.Second
	}
	if cfg.BotName == "" {
		cfg.BotName = "BanchoBot"
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		nick:    strings.ReplaceAll(cfg.Username, " ", "_"),
		log:     log.WithField("component", "bancho"),
		ctx:     ctx,
		cancel:  cancel,
		lobbies: make(map[string]*lobby.Lobby),
		whois:   make(map[string]chan whoisResult),
		joins:   make(map[string]chan error),
		done:    make(chan struct{}),
	}
	s.dial = func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{Timeout: dialTimeout}
		return d.DialContext(ctx, "tcp", cfg.Address)
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.deps.BotName == "" {
		s.deps.BotName = cfg.BotName
	}
	return s
}

// Nick returns the nick we log in with
func (s *Session) Nick() string { return s.nick }

// Done is closed when the session disconnects
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the reason for the disconnect, if any
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Connect dials the server and logs in. It blocks until the server accepts
// or rejects the login, the context ends, or the connection drops.
func (s *Session) Connect(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", s.cfg.Address, err)
	}

	login := make(chan error, 1)
	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.login = login
	s.mu.Unlock()

	s.wg.Add(2)
	go s.readLoop(conn)
	go s.writeLoop()

	// Login lines bypass the paced queue
	for _, line := range []string{
		"PASS " + s.cfg.Password,
		fmt.Sprintf("USER %s 0 * :%s", s.nick, s.nick),
		"NICK " + s.nick,
	} {
		if err := s.writeLine(line); err != nil {
			s.disconnect(err)
			return fmt.Errorf("sending login: %w", err)
		}
	}

	select {
	case err := <-login:
		if err != nil {
			s.disconnect(err)
			return err
		}
		s.log.WithField("nick", s.nick).Info("Logged in")
		return nil
	case <-ctx.Done():
		s.disconnect(ctx.Err())
		return ctx.Err()
	case <-s.done:
		return ErrNotConnected
	}
}

// Close quits and tears the connection down
func (s *Session) Close() error {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if connected {
		s.writeLine("QUIT :bye")
	}
	s.disconnect(nil)
	s.wg.Wait()
	return nil
}

func (s *Session) disconnect(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.connected = false
		s.err = cause
		conn := s.conn
		login := s.login
		queue := s.queue
		s.queue = nil
		lobbies := s.lobbies
		s.lobbies = make(map[string]*lobby.Lobby)
		whois := s.whois
		s.whois = make(map[string]chan whoisResult)
		joins := s.joins
		s.joins = make(map[string]chan error)
		s.mu.Unlock()

		close(s.done)
		if conn != nil {
			conn.Close()
		}

		// Queued messages resolve without being written
		for _, o := range queue {
			close(o.done)
		}
		s.metrics.SetQueueDepth(0)

		for _, ch := range whois {
			ch <- whoisResult{err: ErrNotConnected}
		}
		for _, ch := range joins {
			ch <- ErrNotConnected
		}
		if login != nil {
			select {
			case login <- ErrNotConnected:
			default:
			}
		}
		for _, l := range lobbies {
			l.Close()
		}
		s.cancel()

		if cause != nil {
			s.log.WithError(cause).Warn("Disconnected")
		} else {
			s.log.Info("Disconnected")
		}
		s.emit(Disconnected{Err: cause})
	})
}

// Subscribe registers fn for session events. Callbacks run on the reader
// goroutine and must not block.
func (s *Session) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, subscription{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	subs := append([]subscription(nil), s.subs...)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.fn(ev)
	}
}

// Lobbies returns the registered lobbies ordered by channel
func (s *Session) Lobbies() []*lobby.Lobby {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*lobby.Lobby, 0, len(s.lobbies))
	for _, l := range s.lobbies {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel() < out[j].Channel() })
	return out
}

// Lobby returns the registered lobby for a channel
func (s *Session) Lobby(channel string) (*lobby.Lobby, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lobbies[strings.ToLower(channel)]
	return l, ok
}

// --- Outgoing ---

// Send queues a chat message. The returned channel is closed after the
// message is written, or without writing if the session disconnects first.
func (s *Session) Send(target, text string) <-chan struct{} {
	text = strings.NewReplacer("\r", " ", "\n", " ").Replace(text)
	return s.SendRaw(fmt.Sprintf("PRIVMSG %s :%s", target, text))
}

// SendRaw queues a raw protocol line
func (s *Session) SendRaw(line string) <-chan struct{} {
	o := &outgoing{line: line, done: make(chan struct{})}

	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		close(o.done)
		return o.done
	}
	s.queue = append(s.queue, o)
	depth := len(s.queue)
	s.mu.Unlock()

	s.metrics.SetQueueDepth(depth)
	return o.done
}

// writeLoop writes at most one queued message per tick so the server's
// flood limit is never hit.
func (s *Session) writeLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				continue
			}
			o := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			depth := len(s.queue)
			s.mu.Unlock()
			s.metrics.SetQueueDepth(depth)

			err := s.writeLine(o.line)
			close(o.done)
			if err != nil {
				s.disconnect(fmt.Errorf("writing: %w", err))
				return
			}
		}
	}
}

func (s *Session) writeLine(line string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := conn.Write([]byte(line + "\r\n"))
	return err
}

// --- Incoming ---

func (s *Session) readLoop(conn net.Conn) {
	defer s.wg.Done()
	var lb lineBuffer
	buf := make([]byte, readBuffer)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, line := range lb.Feed(buf[:n]) {
				s.handleLine(line)
			}
		}
		if err != nil {
			s.disconnect(fmt.Errorf("reading: %w", err))
			return
		}
	}
}

func (s *Session) handleLine(line string) {
	msg, ok := ParseMessage(line)
	if !ok {
		return
	}
	s.log.WithField("line", line).Trace("Received")

	switch {
	case msg.Command == "PING":
		s.metrics.LineReceived("ping")
		arg := msg.Trailing
		if arg == "" {
			arg = msg.Param(0)
		}
		if err := s.writeLine("PONG :" + arg); err != nil {
			s.log.WithError(err).Warn("Failed to answer ping")
		}

	case msg.Command == "001":
		s.metrics.LineReceived("welcome")
		s.resolveLogin(nil)
		s.emit(LoggedIn{})

	case msg.Command == "464":
		s.metrics.LineReceived("bad_password")
		s.resolveLogin(fmt.Errorf("%w: %s", ErrLoginFailed, msg.Trailing))

	case msg.Command == "311":
		s.metrics.LineReceived("whois")
		var id int64
		if m := profileURLRegex.FindStringSubmatch(line); m != nil {
			id, _ = strconv.ParseInt(m[1], 10, 64)
		}
		if id == 0 {
			s.resolveWhois(msg.Param(1), whoisResult{err: fmt.Errorf("%w: no profile id in reply", ErrNoSuchUser)})
		} else {
			s.resolveWhois(msg.Param(1), whoisResult{id: id})
		}

	case msg.Command == "401":
		s.metrics.LineReceived("no_such_nick")
		s.resolveWhois(msg.Param(1), whoisResult{err: fmt.Errorf("%w: %s", ErrNoSuchUser, msg.Trailing)})

	case channelErrors[msg.Command]:
		s.metrics.LineReceived("join_failed")
		channel := msg.Param(1)
		s.log.WithFields(logrus.Fields{"channel": channel, "reason": msg.Trailing}).Warn("Channel error")
		s.resolveJoin(channel, fmt.Errorf("%w: %s: %s", ErrJoinFailed, channel, msg.Trailing))
		s.emit(JoinFailed{Channel: channel, Reason: msg.Trailing})

	case msg.Command == "JOIN" && strings.EqualFold(msg.Nick, s.nick):
		s.metrics.LineReceived("join")
		s.register(channelOf(msg))

	case msg.Command == "PRIVMSG" && strings.EqualFold(msg.Param(0), s.nick):
		s.metrics.LineReceived("private_message")
		s.emit(PrivateMessage{From: msg.Nick, Text: msg.Trailing})

	case msg.Command == "PART" && strings.EqualFold(msg.Nick, s.nick):
		s.metrics.LineReceived("part")
		s.unregister(channelOf(msg))

	case msg.Command == "PRIVMSG":
		s.metrics.LineReceived("channel_message")
		for _, l := range s.Lobbies() {
			l.HandleMessage(msg.Param(0), msg.Nick, msg.Trailing)
		}

	default:
		s.metrics.LineReceived("other")
	}
}

func channelOf(msg Message) string {
	if c := msg.Param(0); c != "" {
		return c
	}
	return msg.Trailing
}

func (s *Session) resolveLogin(err error) {
	s.mu.Lock()
	login := s.login
	s.login = nil
	s.mu.Unlock()
	if login != nil {
		login <- err
	}
}

func (s *Session) resolveWhois(name string, res whoisResult) {
	key := domain.NormalizeName(name)
	s.mu.Lock()
	ch, ok := s.whois[key]
	delete(s.whois, key)
	s.mu.Unlock()
	if ok {
		ch <- res
	}
}

func (s *Session) resolveJoin(channel string, err error) {
	key := strings.ToLower(channel)
	s.mu.Lock()
	ch, ok := s.joins[key]
	delete(s.joins, key)
	s.mu.Unlock()
	if ok {
		ch <- err
	}
}

func (s *Session) register(channel string) {
	key := strings.ToLower(channel)
	s.mu.Lock()
	if _, ok := s.lobbies[key]; ok || !s.connected {
		s.mu.Unlock()
		return
	}
	l := lobby.New(s.ctx, channel, s, s.deps, s.log)
	s.lobbies[key] = l
	s.mu.Unlock()

	s.log.WithField("channel", channel).Info("Lobby registered")
	s.resolveJoin(channel, nil)
	s.emit(LobbyRegistered{Lobby: l})
}

func (s *Session) unregister(channel string) {
	key := strings.ToLower(channel)
	s.mu.Lock()
	l, ok := s.lobbies[key]
	delete(s.lobbies, key)
	s.mu.Unlock()
	if !ok {
		return
	}

	l.Close()
	s.log.WithField("channel", channel).Info("Lobby unregistered")
	s.emit(LobbyUnregistered{Channel: channel})
}
