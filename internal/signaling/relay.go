package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
)

// Persister is the slice of the store the relay needs: durable, ordered
// signaling rows scoped to a room's participants.
type Persister interface {
	InsertSignal(ctx context.Context, roomID, from, to, kind string, payload json.RawMessage) (int64, error)
	InsertCandidate(ctx context.Context, roomID, from, to, candidate string) (int64, error)
	SignalsAfter(ctx context.Context, roomID, toUserID string, afterID int64) ([]StoredSignal, error)
	CandidatesAfter(ctx context.Context, roomID, toUserID string, afterID int64) ([]StoredCandidate, error)
}

// StoredSignal is the persisted form of a description message, as returned by
// the store.
type StoredSignal struct {
	ID         int64
	RoomID     string
	FromUserID string
	ToUserID   string
	Kind       string
	Payload    json.RawMessage
}

// StoredCandidate is the persisted form of an ICE candidate.
type StoredCandidate struct {
	ID         int64
	RoomID     string
	FromUserID string
	ToUserID   string
	Candidate  string
}

// Publisher pushes a serialized Event to one participant of a room. A push
// failure is not fatal: the row is already persisted, so the poll fallback
// still delivers it.
type Publisher interface {
	PublishRoomSignal(roomID, userID string, data []byte) error
}

// Relay is the persist-and-notify send side. It writes every message to the
// store (the source of truth) and then best-effort pushes it to the
// recipient.
type Relay struct {
	persister Persister
	publisher Publisher
}

// NewRelay creates a Relay over the given store slice and push publisher.
// publisher may be nil, leaving only the poll path.
func NewRelay(persister Persister, publisher Publisher) *Relay {
	return &Relay{persister: persister, publisher: publisher}
}

// SendSignal persists a session description message for the recipient and
// pushes it. Returns the persisted event so callers can echo the id.
func (r *Relay) SendSignal(ctx context.Context, roomID, from, to, kind string, sdp json.RawMessage) (Event, error) {
	id, err := r.persister.InsertSignal(ctx, roomID, from, to, kind, sdp)
	if err != nil {
		return Event{}, fmt.Errorf("signaling: send signal: %w", err)
	}

	ev := Event{ID: id, RoomID: roomID, From: from, To: to, Kind: kind, SDP: sdp}
	r.push(roomID, to, ev)
	return ev, nil
}

// SendCandidate persists an ICE candidate for the recipient and pushes it.
func (r *Relay) SendCandidate(ctx context.Context, roomID, from, to, candidate string) (Event, error) {
	id, err := r.persister.InsertCandidate(ctx, roomID, from, to, candidate)
	if err != nil {
		return Event{}, fmt.Errorf("signaling: send candidate: %w", err)
	}

	ev := Event{ID: id, RoomID: roomID, From: from, To: to, Kind: KindCandidate, Candidate: candidate}
	r.push(roomID, to, ev)
	return ev, nil
}

// Poll returns all persisted events for the recipient past the given
// watermarks, descriptions first, both streams in persisted order.
func (r *Relay) Poll(ctx context.Context, roomID, userID string, afterSignal, afterCandidate int64) ([]Event, error) {
	signals, err := r.persister.SignalsAfter(ctx, roomID, userID, afterSignal)
	if err != nil {
		return nil, fmt.Errorf("signaling: poll signals: %w", err)
	}
	candidates, err := r.persister.CandidatesAfter(ctx, roomID, userID, afterCandidate)
	if err != nil {
		return nil, fmt.Errorf("signaling: poll candidates: %w", err)
	}

	out := make([]Event, 0, len(signals)+len(candidates))
	for _, s := range signals {
		out = append(out, Event{
			ID: s.ID, RoomID: s.RoomID, From: s.FromUserID, To: s.ToUserID,
			Kind: s.Kind, SDP: s.Payload,
		})
	}
	for _, c := range candidates {
		out = append(out, Event{
			ID: c.ID, RoomID: c.RoomID, From: c.FromUserID, To: c.ToUserID,
			Kind: KindCandidate, Candidate: c.Candidate,
		})
	}
	return out, nil
}

func (r *Relay) push(roomID, to string, ev Event) {
	if r.publisher == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[signaling] marshal push event: %v", err)
		return
	}
	if err := r.publisher.PublishRoomSignal(roomID, to, data); err != nil {
		// Non-fatal: the poll path still delivers the persisted row.
		log.Printf("[signaling] push to room=%s user=%s failed: %v", roomID, to, err)
	}
}
