package domain

import (
	"context"
	"errors"
	"time"
)

// Notification event types
const (
	EventTierChange  = "tier_change"
	EventRoomUpsert  = "room_upsert"
	EventRoomRemoved = "room_removed"
)

// Event is a notification sent to presentation collaborators
type Event struct {
	Type      string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// TierChangeEvent is sent when a player's rank tier changes
type TierChangeEvent struct {
	PlayerID int64  `json:"player_id"`
	OldTier  string `json:"old_tier"`
	NewTier  string `json:"new_tier"`
}

// RoomRemovedEvent is sent when a pool lobby is closed
type RoomRemovedEvent struct {
	LobbyID int64 `json:"lobby_id"`
}

// Notifier receives presentation notifications. The core does not know how
// they are rendered.
type Notifier interface {
	NotifyTierChange(ctx context.Context, playerID int64, oldTier, newTier string) error
	NotifyRoomListingUpsert(ctx context.Context, snapshot LobbySnapshot) error
	NotifyRoomListingRemove(ctx context.Context, lobbyID int64) error
}

// NopNotifier drops every notification
type NopNotifier struct{}

func (NopNotifier) NotifyTierChange(context.Context, int64, string, string) error { return nil }
func (NopNotifier) NotifyRoomListingUpsert(context.Context, LobbySnapshot) error  { return nil }
func (NopNotifier) NotifyRoomListingRemove(context.Context, int64) error          { return nil }

// MultiNotifier fans a notification out to several notifiers
type MultiNotifier []Notifier

func (m MultiNotifier) NotifyTierChange(ctx context.Context, playerID int64, oldTier, newTier string) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.NotifyTierChange(ctx, playerID, oldTier, newTier))
	}
	return errors.Join(errs...)
}

func (m MultiNotifier) NotifyRoomListingUpsert(ctx context.Context, snapshot LobbySnapshot) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.NotifyRoomListingUpsert(ctx, snapshot))
	}
	return errors.Join(errs...)
}

func (m MultiNotifier) NotifyRoomListingRemove(ctx context.Context, lobbyID int64) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.NotifyRoomListingRemove(ctx, lobbyID))
	}
	return errors.Join(errs...)
}
