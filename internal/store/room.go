package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Room status values.
const (
	RoomWaiting = "waiting"
	RoomActive  = "active"
	RoomEnded   = "ended"
)

// Room mirrors one row of the rooms table.
type Room struct {
	ID        string
	User1ID   string
	User2ID   sql.NullString
	Status    string
	CreatedAt time.Time
	EndedAt   sql.NullTime
}

// Partner returns the other participant's id, or "" if userID is not a
// participant.
func (r *Room) Partner(userID string) string {
	if r.User1ID == userID {
		return r.User2ID.String
	}
	if r.User2ID.Valid && r.User2ID.String == userID {
		return r.User1ID
	}
	return ""
}

// IsParticipant reports whether userID belongs to the room.
func (r *Room) IsParticipant(userID string) bool {
	return r.User1ID == userID || (r.User2ID.Valid && r.User2ID.String == userID)
}

// GetRoom fetches a room by id.
func (s *Store) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	var r Room
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user1_id, user2_id, status, created_at, ended_at
		FROM rooms
		WHERE id = $1`, roomID).
		Scan(&r.ID, &r.User1ID, &r.User2ID, &r.Status, &r.CreatedAt, &r.EndedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get room: %w", err)
	}
	return &r, nil
}

// openRoomFor returns the id and partner of the user's non-ended room, or ""
// when the user has none.
func (s *Store) openRoomFor(ctx context.Context, userID string) (roomID, partnerID string, err error) {
	var r Room
	err = s.db.QueryRowContext(ctx, `
		SELECT id, user1_id, user2_id, status, created_at, ended_at
		FROM rooms
		WHERE status <> 'ended' AND (user1_id = $1 OR user2_id = $1)`, userID).
		Scan(&r.ID, &r.User1ID, &r.User2ID, &r.Status, &r.CreatedAt, &r.EndedAt)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("store: open room lookup: %w", err)
	}
	return r.ID, r.Partner(userID), nil
}

// OpenRoomFor is the exported variant of openRoomFor. Returns nil when the
// user has no non-ended room.
func (s *Store) OpenRoomFor(ctx context.Context, userID string) (*Room, error) {
	roomID, _, err := s.openRoomFor(ctx, userID)
	if err != nil || roomID == "" {
		return nil, err
	}
	return s.GetRoom(ctx, roomID)
}

// EndRoom transitions a room to ended. Only a participant may end a room;
// ending an already-ended room is an idempotent no-op. On success the
// partner's id is returned so the caller can notify them.
func (s *Store) EndRoom(ctx context.Context, roomID, byUserID string) (partnerID string, err error) {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return "", err
	}
	if !room.IsParticipant(byUserID) {
		return "", ErrNotParticipant
	}
	if room.Status == RoomEnded {
		return room.Partner(byUserID), nil
	}

	// The status guard makes concurrent EndRoom calls race-safe: only one
	// update wins, the other is the idempotent no-op.
	if _, err := s.db.ExecContext(ctx, `
		UPDATE rooms
		SET status = 'ended', ended_at = now()
		WHERE id = $1 AND status <> 'ended'`, roomID); err != nil {
		return "", fmt.Errorf("store: end room: %w", err)
	}

	// Matched queue entries referencing this room are consumed.
	if err := s.ReleaseConsumedEntries(ctx, roomID); err != nil {
		return "", err
	}

	return room.Partner(byUserID), nil
}

// ExpireAbandonedRooms ends active rooms older than maxAge. This is the
// safety net for rooms whose participants both vanished without hanging up.
func (s *Store) ExpireAbandonedRooms(ctx context.Context, maxAge time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rooms
		SET status = 'ended', ended_at = now()
		WHERE status <> 'ended'
		  AND created_at <= now() - $1::interval`,
		fmt.Sprintf("%f seconds", maxAge.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("store: expire rooms: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: expire rooms rows: %w", err)
	}
	return int(n), nil
}

// ActiveRoomCount returns the number of non-ended rooms, for metrics.
func (s *Store) ActiveRoomCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM rooms WHERE status = 'active'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: active room count: %w", err)
	}
	return n, nil
}
