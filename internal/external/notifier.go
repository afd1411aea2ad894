package external

import (
	"encoding/json"
	"log"
	"time"
)

// Event types published to the notification dispatcher.
const (
	EventLike      = "like"
	EventMatchMade = "match_made"
	EventCallEnded = "call_ended"
)

// NotifyEvent is the fire-and-forget payload consumed by the notification
// dispatcher outside this system.
type NotifyEvent struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	TargetID  string    `json:"target_id,omitempty"`
	RoomID    string    `json:"room_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventPublisher is the messaging surface the notifier needs. Implemented by
// messaging.NATSClient.
type EventPublisher interface {
	PublishNotifyEvent(data []byte) error
}

// Notifier emits events toward the notification dispatcher. Every publish is
// best effort: a down dispatcher never affects call flow.
type Notifier struct {
	pub EventPublisher
}

// NewNotifier creates a notifier over the given publisher.
func NewNotifier(pub EventPublisher) *Notifier {
	return &Notifier{pub: pub}
}

// Like reports that userID liked targetID during a call.
func (n *Notifier) Like(userID, targetID, roomID string) {
	n.emit(NotifyEvent{Type: EventLike, UserID: userID, TargetID: targetID, RoomID: roomID})
}

// MatchMade reports a completed pairing.
func (n *Notifier) MatchMade(userA, userB, roomID string) {
	n.emit(NotifyEvent{Type: EventMatchMade, UserID: userA, TargetID: userB, RoomID: roomID})
}

// CallEnded reports a finished call.
func (n *Notifier) CallEnded(userID, roomID string) {
	n.emit(NotifyEvent{Type: EventCallEnded, UserID: userID, RoomID: roomID})
}

func (n *Notifier) emit(ev NotifyEvent) {
	ev.Timestamp = time.Now().UTC()
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[external] marshal notify event: %v", err)
		return
	}
	if err := n.pub.PublishNotifyEvent(data); err != nil {
		log.Printf("[external] publish notify event type=%s: %v", ev.Type, err)
	}
}
