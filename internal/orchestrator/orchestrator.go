// Package orchestrator keeps a pool of auto-hosted lobbies open and runs
// them: map rotation, votes, countdowns and idle cleanup.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ernie/lobbybot/internal/bancho"
	"github.com/ernie/lobbybot/internal/config"
	"github.com/ernie/lobbybot/internal/domain"
	"github.com/ernie/lobbybot/internal/lobby"
	"github.com/ernie/lobbybot/internal/metrics"
	"github.com/sirupsen/logrus"
)

// LobbyCreator opens new rooms
type LobbyCreator interface {
	CreateLobby(ctx context.Context, title string) (*lobby.Lobby, error)
}

// Store is the persistence the orchestrator reads
type Store interface {
	MapSource
	GetBeatmap(ctx context.Context, id int64) (domain.Beatmap, error)
	GetByUsername(ctx context.Context, name string) (*domain.Player, error)
}

// Ranker reports a player's position among ranked players
type Ranker interface {
	Rank(ctx context.Context, p *domain.Player) (int, int, error)
}

// managed is the controller state of one pool lobby. Apart from the lobby
// pointer it is only touched on the lobby goroutine.
type managed struct {
	lobby       *lobby.Lobby
	votes       *VoteBox
	countdown   *Countdown
	banned      mapset.Set[string]
	history     *History
	idleToken   int
	nextMap     domain.Beatmap
	unsubscribe func()
}

// Orchestrator manages the lobby pool
type Orchestrator struct {
	cfg      config.PoolConfig
	fallback float64
	creator  LobbyCreator
	store    Store
	selector *Selector
	ranker   Ranker
	notifier domain.Notifier
	metrics  *metrics.Metrics
	log      *logrus.Entry

	ctx      context.Context
	mu       sync.Mutex
	pool     map[int64]*managed
	creating bool
	wg       sync.WaitGroup
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithRanker enables rank lookups for !rank
func WithRanker(r Ranker) Option {
	return func(o *Orchestrator) { o.ranker = r }
}

// WithNotifier sets where room listing changes are sent
func WithNotifier(n domain.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithMetrics enables pool gauges and vote counters
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithFallbackDifficulty sets the target difficulty of a lobby with no known players
func WithFallbackDifficulty(d float64) Option {
	return func(o *Orchestrator) { o.fallback = d }
}

// New creates an orchestrator. Call Start to open the initial lobbies.
func New(creator LobbyCreator, store Store, selector *Selector, cfg config.PoolConfig, log *logrus.Entry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		fallback: 100,
		creator:  creator,
		store:    store,
		selector: selector,
		notifier: domain.NopNotifier{},
		log:      log,
		ctx:      context.Background(),
		pool:     make(map[int64]*managed),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start opens lobbies until the pool holds min_lobbies
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	o.ctx = ctx
	o.mu.Unlock()

	for len(o.Pool()) < o.cfg.MinLobbies {
		if err := o.create(ctx); err != nil {
			return fmt.Errorf("opening initial lobbies: %w", err)
		}
	}
	o.log.WithField("lobbies", len(o.Pool())).Info("Lobby pool started")
	return nil
}

// Stop detaches from every pool lobby and waits for pending work. The
// lobbies stay open.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	pool := o.pool
	o.pool = make(map[int64]*managed)
	o.mu.Unlock()

	for _, m := range pool {
		m.unsubscribe()
		m.lobby.Do(func(*lobby.State) { m.countdown.Cancel() })
	}
	o.wg.Wait()
}

// Pool returns the pool lobbies ordered by id
func (o *Orchestrator) Pool() []*lobby.Lobby {
	o.mu.Lock()
	defer o.mu.Unlock()
	lobbies := make([]*lobby.Lobby, 0, len(o.pool))
	for _, m := range o.pool {
		lobbies = append(lobbies, m.lobby)
	}
	sort.Slice(lobbies, func(i, j int) bool { return lobbies[i].ID() < lobbies[j].ID() })
	return lobbies
}

// Snapshots returns the listing view of every pool lobby ordered by id
func (o *Orchestrator) Snapshots() []domain.LobbySnapshot {
	pool := o.Pool()
	out := make([]domain.LobbySnapshot, len(pool))
	for i, l := range pool {
		out[i] = l.Snapshot()
	}
	return out
}

// Adopt adds an already joined lobby to the pool
func (o *Orchestrator) Adopt(l *lobby.Lobby) {
	o.adopt(l)
}

func (o *Orchestrator) adopt(l *lobby.Lobby) *managed {
	m := &managed{
		lobby:   l,
		votes:   NewVoteBox(),
		banned:  mapset.NewThreadUnsafeSet[string](),
		history: o.selector.NewHistory(),
	}
	m.countdown = NewCountdown(o.cfg.Countdown, o.cfg.FinalCountdown,
		func(fn func()) bool { return l.Do(func(*lobby.State) { fn() }) },
		func(text string) { l.Send(text) },
		func() { l.Command("!mp start") },
	)

	o.mu.Lock()
	o.pool[l.ID()] = m
	o.mu.Unlock()

	m.unsubscribe = l.Subscribe(func(st *lobby.State, ev lobby.Event) {
		o.handle(m, st, ev)
	})
	o.log.WithField("lobby_id", l.ID()).Info("Lobby added to pool")
	o.updateMetrics(nil)
	return m
}

func (o *Orchestrator) create(ctx context.Context) error {
	l, err := o.creator.CreateLobby(ctx, o.cfg.LobbyTitle)
	if err != nil {
		return err
	}
	m := o.adopt(l)
	l.Do(func(st *lobby.State) {
		o.rotate(m, st)
		o.upsert(st)
	})
	return nil
}

// grow opens one more lobby in the background unless one is being opened
func (o *Orchestrator) grow() {
	o.mu.Lock()
	if o.creating {
		o.mu.Unlock()
		return
	}
	o.creating = true
	ctx := o.ctx
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			o.creating = false
			o.mu.Unlock()
		}()

		err := o.create(ctx)
		switch {
		case errors.Is(err, bancho.ErrTooManyLobbies):
			o.log.Warn("Pool is full but the lobby limit is reached")
		case err != nil:
			o.log.WithError(err).Error("Failed to open lobby")
		}
	}()
}

func (o *Orchestrator) handle(m *managed, st *lobby.State, ev lobby.Event) {
	switch ev := ev.(type) {
	case lobby.Joined, lobby.RoomNameChanged:
		o.upsert(st)

	case lobby.PlayerJoined:
		m.idleToken++
		if m.banned.Contains(domain.NormalizeName(ev.Player.Username)) {
			o.log.WithField("player", ev.Player.Username).Info("Kicking banned player")
			kick(m, ev.Player.Username)
		}
		o.upsert(st)
		if o.updateMetrics(st) == 0 {
			o.grow()
		}

	case lobby.PlayerLeft:
		m.votes.Leave(domain.NormalizeName(ev.Player.Username))
		if len(st.Roster) < 2 && m.countdown.Cancel() {
			m.lobby.Send("Not enough players left, match start cancelled.")
		}
		o.upsert(st)
		if o.updateMetrics(st) == 0 {
			o.grow()
		}
		if len(st.Roster) == 0 {
			m.idleToken++
			o.checkIdle(m, st, m.idleToken)
		}

	case lobby.BeatmapChanged:
		m.votes.ClearSkip()
		o.applyDifficulty(m, st, ev.ID)
		o.upsert(st)

	case lobby.AllReady:
		m.countdown.Start(len(st.Roster))

	case lobby.MatchStarted:
		m.countdown.Cancel()
		m.votes.ClearAbort()
		o.upsert(st)

	case lobby.MatchFinished, lobby.MatchAborted:
		m.votes.ClearAbort()
		o.rotate(m, st)
		o.upsert(st)

	case lobby.ChatMessage:
		o.command(m, st, ev)

	case lobby.Closed:
		o.remove(m)
	}
}

// checkIdle closes an empty lobby when the rest of the pool has room to
// spare, otherwise it refreshes the map and looks again later. A newer
// token, a joining player or leaving the pool ends the loop.
func (o *Orchestrator) checkIdle(m *managed, st *lobby.State, token int) {
	if token != m.idleToken || len(st.Roster) > 0 || !o.inPool(m) {
		return
	}

	if o.emptyElsewhere(m) > o.cfg.IdleSlack {
		o.log.WithField("lobby_id", st.ID).Info("Closing idle lobby")
		m.lobby.Command("!mp close")
		o.remove(m)
		return
	}

	o.rotate(m, st)
	time.AfterFunc(o.cfg.IdleRecheck, func() {
		m.lobby.Do(func(st *lobby.State) { o.checkIdle(m, st, token) })
	})
}

// rotate picks a map for the lobby's current players and switches to it
func (o *Orchestrator) rotate(m *managed, st *lobby.State) {
	median := Median(st.Players(), o.fallback)
	bm, err := o.selector.Pick(m.lobby.Context(), median, m.history)
	if err != nil {
		o.metrics.MapSkipped()
		o.log.WithError(err).WithFields(logrus.Fields{
			"lobby_id": st.ID,
			"median":   median,
		}).Warn("Map rotation skipped")
		return
	}

	m.nextMap = bm
	m.lobby.Command(fmt.Sprintf("!mp map %d 0", bm.ID))
	m.lobby.Send(fmt.Sprintf("Next map: %s (difficulty %.0f). Type !skip to vote for another.", bm.Name, bm.Difficulty))
}

// applyDifficulty records the difficulty of the map now loaded in the room
func (o *Orchestrator) applyDifficulty(m *managed, st *lobby.State, beatmapID int64) {
	if m.nextMap.ID == beatmapID {
		st.Difficulty = m.nextMap.Difficulty
		return
	}
	bm, err := o.store.GetBeatmap(m.lobby.Context(), beatmapID)
	if err != nil {
		o.log.WithError(err).WithField("beatmap_id", beatmapID).Debug("Beatmap not in pool")
		return
	}
	st.Difficulty = bm.Difficulty
}

func (o *Orchestrator) upsert(st *lobby.State) {
	if err := o.notifier.NotifyRoomListingUpsert(o.context(), st.Snapshot()); err != nil {
		o.log.WithError(err).Warn("Failed to send room listing")
	}
}

func (o *Orchestrator) remove(m *managed) {
	id := m.lobby.ID()
	o.mu.Lock()
	if o.pool[id] != m {
		o.mu.Unlock()
		return
	}
	delete(o.pool, id)
	o.mu.Unlock()

	m.unsubscribe()
	m.countdown.Cancel()
	o.updateMetrics(nil)
	o.log.WithField("lobby_id", id).Info("Lobby removed from pool")
	if err := o.notifier.NotifyRoomListingRemove(o.context(), id); err != nil {
		o.log.WithError(err).Warn("Failed to send room removal")
	}
}

func (o *Orchestrator) context() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ctx
}

func (o *Orchestrator) inPool(m *managed) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pool[m.lobby.ID()] == m
}

// updateMetrics returns the free slots across the pool. current is the
// state of the lobby running the caller; its published snapshot may lag.
func (o *Orchestrator) updateMetrics(current *lobby.State) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	empty := 0
	for id, m := range o.pool {
		empty += freeSlots(m, current, id)
	}
	o.metrics.SetPool(len(o.pool), empty)
	return empty
}

// emptyElsewhere returns the free slots of every pool lobby except m
func (o *Orchestrator) emptyElsewhere(m *managed) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	empty := 0
	for id, other := range o.pool {
		if other != m {
			empty += freeSlots(other, nil, id)
		}
	}
	return empty
}

func freeSlots(m *managed, current *lobby.State, id int64) int {
	if current != nil && current.ID == id {
		return domain.LobbyCapacity - len(current.Roster)
	}
	return domain.LobbyCapacity - m.lobby.Snapshot().Players
}
