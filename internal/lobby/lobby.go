package lobby

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ernie/lobbybot/internal/domain"
	"github.com/sirupsen/logrus"
)

// Sender queues a chat message. The returned channel is closed once the
// message was written or dropped on disconnect.
type Sender interface {
	Send(target, text string) <-chan struct{}
}

// Handler observes lobby events. Handlers run on the lobby goroutine, in
// subscription order, and may read or modify the state they are given.
type Handler func(st *State, ev Event)

type subscription struct {
	id int
	fn Handler
}

// Lobby is one multiplayer room. A single goroutine owns its State; all
// access goes through the inbox.
type Lobby struct {
	channel string
	id      int64
	log     *logrus.Entry
	sender  Sender
	state   *State

	inbox  chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	subs     []subscription
	nextSub  int
	snapshot atomic.Pointer[domain.LobbySnapshot]
}

// New starts the goroutine for a joined channel and asks the bot for the
// room settings, which confirms the room.
func New(ctx context.Context, channel string, sender Sender, deps Deps, log *logrus.Entry) *Lobby {
	ctx, cancel := context.WithCancel(ctx)
	l := &Lobby{
		channel: channel,
		sender:  sender,
		inbox:   make(chan func(), 256),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	l.id, _ = IDFromChannel(channel)
	l.log = log.WithField("lobby_id", l.id)
	l.state = NewState(channel, deps, l, l.log)
	l.publish()

	go l.loop()
	l.Do(func(st *State) { st.RequestSettings() })
	return l
}

func (l *Lobby) loop() {
	defer close(l.done)
	for {
		select {
		case <-l.ctx.Done():
			return
		case fn := <-l.inbox:
			fn()
			l.publish()
		}
	}
}

// ID returns the room id
func (l *Lobby) ID() int64 { return l.id }

// Channel returns the chat channel name
func (l *Lobby) Channel() string { return l.channel }

// Done is closed when the lobby goroutine has exited
func (l *Lobby) Done() <-chan struct{} { return l.done }

// Context is cancelled when the lobby is closed
func (l *Lobby) Context() context.Context { return l.ctx }

// Do runs fn on the lobby goroutine. It reports false if the lobby is closed.
func (l *Lobby) Do(fn func(st *State)) bool {
	if l.ctx.Err() != nil {
		return false
	}
	select {
	case l.inbox <- func() { fn(l.state) }:
		return true
	case <-l.ctx.Done():
		return false
	}
}

// HandleMessage feeds a channel message to the state machine. Messages for
// other targets are ignored. Calls must be made in wire order.
func (l *Lobby) HandleMessage(target, from, text string) {
	if !strings.EqualFold(target, l.channel) {
		return
	}
	l.Do(func(st *State) {
		l.dispatch(st, st.Apply(l.ctx, from, text))
	})
}

// Subscribe registers a handler and returns a function that removes it
func (l *Lobby) Subscribe(fn Handler) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSub++
	id := l.nextSub
	l.subs = append(l.subs, subscription{id: id, fn: fn})
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, s := range l.subs {
			if s.id == id {
				l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
				return
			}
		}
	}
}

func (l *Lobby) dispatch(st *State, evs []Event) {
	if len(evs) == 0 {
		return
	}
	l.mu.Lock()
	subs := append([]subscription(nil), l.subs...)
	l.mu.Unlock()

	for _, ev := range evs {
		l.log.WithField("event", eventName(ev)).Trace("Lobby event")
		for _, s := range subs {
			s.fn(st, ev)
		}
	}
}

// Send queues a message to the room's channel
func (l *Lobby) Send(text string) <-chan struct{} {
	return l.sender.Send(l.channel, text)
}

// Command implements Commander for the state machine
func (l *Lobby) Command(text string) {
	l.Send(text)
}

// Snapshot returns the latest listing view. Safe from any goroutine.
func (l *Lobby) Snapshot() domain.LobbySnapshot {
	return *l.snapshot.Load()
}

func (l *Lobby) publish() {
	snap := l.state.Snapshot()
	l.snapshot.Store(&snap)
}

// Close marks the lobby closed, notifies handlers once, and stops the goroutine
func (l *Lobby) Close() {
	queued := l.Do(func(st *State) {
		if st.Status != StatusClosed {
			st.Status = StatusClosed
			l.dispatch(st, []Event{Closed{}})
		}
		l.cancel()
	})
	if !queued {
		l.cancel()
	}
}

func eventName(ev Event) string {
	switch ev.(type) {
	case Joined:
		return "joined"
	case MatchStarted:
		return "match_started"
	case MatchFinished:
		return "match_finished"
	case MatchAborted:
		return "match_aborted"
	case AllReady:
		return "all_ready"
	case Settings:
		return "settings"
	case Score:
		return "score"
	case PlayerJoined:
		return "player_joined"
	case PlayerLeft:
		return "player_left"
	case BeatmapChanged:
		return "beatmap_changed"
	case Closed:
		return "closed"
	case ChatMessage:
		return "chat"
	default:
		return "other"
	}
}
