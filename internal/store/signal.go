package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Signal kinds persisted in signal_messages.kind.
const (
	KindOffer  = "offer"
	KindAnswer = "answer"
	KindReady  = "ready"
	KindBye    = "bye"
)

// SignalMessage mirrors one row of the signal_messages table. Rows are
// ordered by id; recipients deduplicate by id.
type SignalMessage struct {
	ID         int64
	RoomID     string
	FromUserID string
	ToUserID   string
	Kind       string
	Payload    json.RawMessage
	CreatedAt  time.Time
}

// IceCandidate mirrors one row of the ice_candidates table.
type IceCandidate struct {
	ID         int64
	RoomID     string
	FromUserID string
	ToUserID   string
	Candidate  string
	CreatedAt  time.Time
}

// InsertSignal persists a session description message and returns its id.
// The sender must be a participant of the room and the recipient must be the
// other participant; anything else is ErrNotParticipant so a third party can
// never write into someone else's room.
func (s *Store) InsertSignal(ctx context.Context, roomID, from, to, kind string, payload json.RawMessage) (int64, error) {
	if err := s.checkParticipants(ctx, roomID, from, to); err != nil {
		return 0, err
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO signal_messages (room_id, from_user_id, to_user_id, kind, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		roomID, from, to, kind, payload).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: insert signal: %w", err)
	}
	return id, nil
}

// InsertCandidate persists an ICE candidate and returns its id. The same
// participant scoping as InsertSignal applies.
func (s *Store) InsertCandidate(ctx context.Context, roomID, from, to, candidate string) (int64, error) {
	if err := s.checkParticipants(ctx, roomID, from, to); err != nil {
		return 0, err
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ice_candidates (room_id, from_user_id, to_user_id, candidate)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		roomID, from, to, candidate).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: insert candidate: %w", err)
	}
	return id, nil
}

// SignalsAfter returns the recipient's signal messages with id greater than
// afterID, in persisted order.
func (s *Store) SignalsAfter(ctx context.Context, roomID, toUserID string, afterID int64) ([]SignalMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, from_user_id, to_user_id, kind, payload, created_at
		FROM signal_messages
		WHERE room_id = $1 AND to_user_id = $2 AND id > $3
		ORDER BY id ASC`,
		roomID, toUserID, afterID)
	if err != nil {
		return nil, fmt.Errorf("store: signals after: %w", err)
	}
	defer rows.Close()

	var out []SignalMessage
	for rows.Next() {
		var m SignalMessage
		if err := rows.Scan(&m.ID, &m.RoomID, &m.FromUserID, &m.ToUserID, &m.Kind, &m.Payload, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: signal scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CandidatesAfter returns the recipient's ICE candidates with id greater than
// afterID, in persisted order.
func (s *Store) CandidatesAfter(ctx context.Context, roomID, toUserID string, afterID int64) ([]IceCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, from_user_id, to_user_id, candidate, created_at
		FROM ice_candidates
		WHERE room_id = $1 AND to_user_id = $2 AND id > $3
		ORDER BY id ASC`,
		roomID, toUserID, afterID)
	if err != nil {
		return nil, fmt.Errorf("store: candidates after: %w", err)
	}
	defer rows.Close()

	var out []IceCandidate
	for rows.Next() {
		var c IceCandidate
		if err := rows.Scan(&c.ID, &c.RoomID, &c.FromUserID, &c.ToUserID, &c.Candidate, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: candidate scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PurgeSignalHistory deletes signaling rows belonging to rooms that ended
// before the retention cutoff. Ending a room never deletes its history
// immediately; this housekeeping pass does it later.
func (s *Store) PurgeSignalHistory(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := fmt.Sprintf("%f seconds", retention.Seconds())

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM ice_candidates
		WHERE room_id IN (
			SELECT id FROM rooms
			WHERE status = 'ended' AND ended_at <= now() - $1::interval
		)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: purge candidates: %w", err)
	}
	purged, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `
		DELETE FROM signal_messages
		WHERE room_id IN (
			SELECT id FROM rooms
			WHERE status = 'ended' AND ended_at <= now() - $1::interval
		)`, cutoff)
	if err != nil {
		return purged, fmt.Errorf("store: purge signals: %w", err)
	}
	n, _ := res.RowsAffected()
	return purged + n, nil
}

// checkParticipants validates that from and to are the two participants of
// the room.
func (s *Store) checkParticipants(ctx context.Context, roomID, from, to string) error {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.IsParticipant(from) || !room.IsParticipant(to) || from == to {
		return ErrNotParticipant
	}
	return nil
}
