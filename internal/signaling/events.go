// Package signaling implements the scoped message relay between the two
// participants of a room. Descriptions and candidates are persisted first and
// then pushed; delivery is at-least-once, so every consumer deduplicates by
// message id. The relay never interprets payloads.
package signaling

import "encoding/json"

// Event kinds carried over the relay. Offer/answer/ready/bye are session
// description traffic; candidate carries one ICE candidate.
const (
	KindOffer     = "offer"
	KindAnswer    = "answer"
	KindReady     = "ready"
	KindBye       = "bye"
	KindCandidate = "candidate"
)

// Event is the wire envelope shared by the push and poll transports. IDs are
// monotonically increasing per stream (signal ids and candidate ids are
// independent sequences).
type Event struct {
	ID        int64           `json:"id"`
	RoomID    string          `json:"room_id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Kind      string          `json:"kind"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate string          `json:"candidate,omitempty"`
}

// IsCandidate reports whether the event carries an ICE candidate rather than
// a session description.
func (e Event) IsCandidate() bool {
	return e.Kind == KindCandidate
}

// Channel is the client-side handle to a room's signaling relay, bound to one
// local user and their partner. Negotiation consumes events from Events and
// produces outbound traffic through the Send methods. Close releases the
// subscription or poll loop; Events is closed afterwards.
type Channel interface {
	SendSignal(kind string, sdp json.RawMessage) error
	SendCandidate(candidate string) error
	Events() <-chan Event
	Close() error
}
