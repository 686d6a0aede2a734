package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ernie/lobbybot/internal/domain"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// NATSPublisher publishes notifications as JSON on
// <prefix>.tier_change, <prefix>.rooms.upsert and <prefix>.rooms.remove.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	now    func() time.Time
}

// ConnectNATS connects to the server at url
func ConnectNATS(url, prefix string, log *logrus.Entry) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("lobbybot"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return &NATSPublisher{conn: conn, prefix: prefix, now: time.Now}, nil
}

// Close flushes pending messages and closes the connection
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

func (p *NATSPublisher) publish(subject, eventType string, data any) error {
	msg, err := json.Marshal(domain.Event{Type: eventType, Timestamp: p.now(), Data: data})
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := p.conn.Publish(p.prefix+"."+subject, msg); err != nil {
		return fmt.Errorf("publishing %s: %w", subject, err)
	}
	return nil
}

func (p *NATSPublisher) NotifyTierChange(_ context.Context, playerID int64, oldTier, newTier string) error {
	return p.publish("tier_change", domain.EventTierChange,
		domain.TierChangeEvent{PlayerID: playerID, OldTier: oldTier, NewTier: newTier})
}

func (p *NATSPublisher) NotifyRoomListingUpsert(_ context.Context, snapshot domain.LobbySnapshot) error {
	return p.publish("rooms.upsert", domain.EventRoomUpsert, snapshot)
}

func (p *NATSPublisher) NotifyRoomListingRemove(_ context.Context, lobbyID int64) error {
	return p.publish("rooms.remove", domain.EventRoomRemoved, domain.RoomRemovedEvent{LobbyID: lobbyID})
}
