// Package room coordinates call room lifecycle: ending rooms, notifying the
// remaining partner, and re-queueing users who skip.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
)

// End reasons carried in partner notifications.
const (
	ReasonEnded        = "ended"        // partner ended the call on purpose
	ReasonSkipped      = "skipped"      // partner skipped to the next match
	ReasonDisconnected = "disconnected" // partner's connection dropped
)

// Notice is the lifecycle event published to the remaining participant on
// room.notify.<user_id>.
type Notice struct {
	Type   string `json:"type"` // "partner_left"
	RoomID string `json:"room_id"`
	Reason string `json:"reason"`
}

// Ender is the persistence surface the manager needs. Implemented by
// store.Store.
type Ender interface {
	EndRoom(ctx context.Context, roomID, byUserID string) (partnerID string, err error)
}

// Notifier pushes lifecycle events to connected users. Implemented by
// messaging.NATSClient.
type Notifier interface {
	PublishRoomNotify(userID string, data []byte) error
	PublishMatchRequest(data []byte) error
}

// Manager ends rooms and fans out the consequences.
type Manager struct {
	store    Ender
	notifier Notifier
}

// NewManager creates a room lifecycle manager.
func NewManager(store Ender, notifier Notifier) *Manager {
	return &Manager{store: store, notifier: notifier}
}

// End terminates a room on behalf of byUserID and notifies the partner with
// the given reason. Ending an already ended room is a no-op. The partner
// notification is best effort: the partner may be connected to another server
// or already gone.
func (m *Manager) End(ctx context.Context, roomID, byUserID, reason string) error {
	partnerID, err := m.store.EndRoom(ctx, roomID, byUserID)
	if err != nil {
		return err
	}
	if partnerID == "" {
		return nil
	}

	notice := Notice{Type: "partner_left", RoomID: roomID, Reason: reason}
	data, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("room: marshal notice: %w", err)
	}
	if err := m.notifier.PublishRoomNotify(partnerID, data); err != nil {
		log.Printf("[room] notify partner %s for room %s: %v", partnerID, roomID, err)
	}
	return nil
}

// Skip ends the room with the skipped reason and immediately re-queues the
// skipper for a new match. The room is fully released before the queue
// request goes out, so the skipper cannot be paired back into it.
func (m *Manager) Skip(ctx context.Context, roomID, byUserID string) error {
	if err := m.End(ctx, roomID, byUserID, ReasonSkipped); err != nil {
		return err
	}

	req, err := json.Marshal(struct {
		UserID string `json:"user_id"`
	}{UserID: byUserID})
	if err != nil {
		return fmt.Errorf("room: marshal requeue: %w", err)
	}
	if err := m.notifier.PublishMatchRequest(req); err != nil {
		return fmt.Errorf("room: requeue after skip: %w", err)
	}
	return nil
}

// EndOnDisconnect ends whatever room the user is in after their connection
// drops. Errors other than a genuine failure are swallowed: the user being in
// no room is the common case.
func (m *Manager) EndOnDisconnect(ctx context.Context, roomID, userID string) {
	if roomID == "" {
		return
	}
	if err := m.End(ctx, roomID, userID, ReasonDisconnected); err != nil {
		log.Printf("[room] end on disconnect user=%s room=%s: %v", userID, roomID, err)
	}
}
