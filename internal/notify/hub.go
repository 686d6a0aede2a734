// Package notify delivers presentation notifications to websocket clients
// and to NATS subscribers.
package notify

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ernie/lobbybot/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// clientIP extracts the real client IP, checking proxy headers first
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
}

// Hub broadcasts notifications to websocket clients. New clients first
// receive the current room listing.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex

	roomsMu sync.Mutex
	rooms   map[int64]domain.LobbySnapshot

	now func() time.Time
	log *logrus.Entry
}

func NewHub(log *logrus.Entry) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		rooms:      make(map[int64]domain.LobbySnapshot),
		now:        time.Now,
		log:        log,
	}
}

// Run serves the hub until ctx is done, then disconnects every client
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			for _, data := range h.listing() {
				select {
				case c.send <- data:
				default:
				}
			}
			h.log.WithFields(logrus.Fields{"remote": c.remoteAddr, "clients": n}).Debug("Websocket client connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.WithFields(logrus.Fields{"remote": c.remoteAddr, "clients": n}).Debug("Websocket client disconnected")

		case message := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					// Slow client
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// listing returns upsert events for every known room, ordered by id
func (h *Hub) listing() [][]byte {
	h.roomsMu.Lock()
	rooms := make([]domain.LobbySnapshot, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.roomsMu.Unlock()
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })

	out := make([][]byte, 0, len(rooms))
	for _, r := range rooms {
		if data, err := h.encode(domain.EventRoomUpsert, r); err == nil {
			out = append(out, data)
		}
	}
	return out
}

func (h *Hub) encode(eventType string, data any) ([]byte, error) {
	return json.Marshal(domain.Event{Type: eventType, Timestamp: h.now(), Data: data})
}

// Broadcast sends an event to all connected clients
func (h *Hub) Broadcast(eventType string, data any) {
	msg, err := h.encode(eventType, data)
	if err != nil {
		h.log.WithError(err).Error("Failed to encode event")
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.log.WithField("event", eventType).Warn("Broadcast channel full, dropping event")
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) NotifyTierChange(_ context.Context, playerID int64, oldTier, newTier string) error {
	h.Broadcast(domain.EventTierChange, domain.TierChangeEvent{PlayerID: playerID, OldTier: oldTier, NewTier: newTier})
	return nil
}

func (h *Hub) NotifyRoomListingUpsert(_ context.Context, snapshot domain.LobbySnapshot) error {
	h.roomsMu.Lock()
	h.rooms[snapshot.ID] = snapshot
	h.roomsMu.Unlock()
	h.Broadcast(domain.EventRoomUpsert, snapshot)
	return nil
}

func (h *Hub) NotifyRoomListingRemove(_ context.Context, lobbyID int64) error {
	h.roomsMu.Lock()
	delete(h.rooms, lobbyID)
	h.roomsMu.Unlock()
	h.Broadcast(domain.EventRoomRemoved, domain.RoomRemovedEvent{LobbyID: lobbyID})
	return nil
}

// ServeHTTP upgrades the request to a websocket feed
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	c := &client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, 256),
		remoteAddr: clientIP(r),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump only watches for the close; clients never send anything useful
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				c.hub.log.WithError(err).Debug("Websocket read failed")
			}
			return
		}
	}
}

// writePump sends queued events, one JSON document per line
func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch whatever else is queued
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
