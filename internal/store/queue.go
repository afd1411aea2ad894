package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue entry status values.
const (
	EntryWaiting = "waiting"
	EntryMatched = "matched"
)

// QueueEntry mirrors one row of the queue_entries table.
type QueueEntry struct {
	UserID        string
	Status        string
	RoomID        sql.NullString
	MatchedUserID sql.NullString
	EnqueuedAt    time.Time
}

// EnqueueResult is the outcome of an Enqueue or pairing attempt. On an
// immediate match, PartnerWaited is how long the partner's entry sat in the
// queue.
type EnqueueResult struct {
	Matched       bool
	RoomID        string
	PartnerID     string
	PartnerWaited time.Duration
}

// Pair describes a completed pairing between two queue entries. UserA is the
// user whose entry was waiting longest; Waited is that entry's queue time.
type Pair struct {
	RoomID string
	UserA  string
	UserB  string
	Waited time.Duration
}

// Enqueue admits a user to the matchmaking queue and attempts to pair them
// immediately. The pairing runs in a single transaction:
//
//  1. If the user's own entry was already consumed by a concurrent pairing,
//     the existing match is returned (retried requests are idempotent).
//  2. One eligible waiting entry is selected oldest-first with
//     FOR UPDATE SKIP LOCKED, so concurrent callers never pick the same
//     partner and never block each other.
//  3. If a partner is found, an active room is created and both entries are
//     marked matched with cross-references.
//  4. Otherwise the caller is inserted (or kept) as waiting and must await a
//     match notification.
//
// A user who still has a non-ended room gets *AlreadyInRoomError instead of
// a queue entry.
func (s *Store) Enqueue(ctx context.Context, userID string) (EnqueueResult, error) {
	var res EnqueueResult

	if room, partner, err := s.openRoomFor(ctx, userID); err != nil {
		return res, err
	} else if room != "" {
		return res, &AlreadyInRoomError{RoomID: room, PartnerID: partner}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("store: enqueue begin: %w", err)
	}
	defer tx.Rollback()

	// Lock our own entry first. A concurrent pairing may have consumed it
	// between the caller's last poll and now.
	var ownStatus, ownRoom, ownPartner sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT status, room_id, matched_user_id
		FROM queue_entries
		WHERE user_id = $1
		FOR UPDATE`, userID).Scan(&ownStatus, &ownRoom, &ownPartner)
	if err != nil && err != sql.ErrNoRows {
		return res, fmt.Errorf("store: enqueue self lock: %w", err)
	}
	if ownStatus.Valid && ownStatus.String == EntryMatched {
		// Entry was consumed by a partner's pairing; hand back the match and
		// remove the entry now that it has been observed.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM queue_entries WHERE user_id = $1`, userID); err != nil {
			return res, fmt.Errorf("store: enqueue consume: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return res, fmt.Errorf("store: enqueue commit: %w", err)
		}
		return EnqueueResult{Matched: true, RoomID: ownRoom.String, PartnerID: ownPartner.String}, nil
	}

	partnerID, waited, ok, err := s.lockEligiblePartner(ctx, tx, userID)
	if err != nil {
		return res, err
	}

	if !ok {
		// No partner available: keep (or create) the waiting entry. An entry
		// that already exists keeps its enqueued_at so the queue stays FIFO.
		if !ownStatus.Valid {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO queue_entries (user_id, status, enqueued_at)
				VALUES ($1, 'waiting', now())`, userID); err != nil {
				return res, fmt.Errorf("store: enqueue insert: %w", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return res, fmt.Errorf("store: enqueue commit: %w", err)
		}
		return EnqueueResult{Matched: false}, nil
	}

	roomID, err := s.pairLocked(ctx, tx, partnerID, userID, ownStatus.Valid)
	if err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("store: enqueue commit: %w", err)
	}
	return EnqueueResult{Matched: true, RoomID: roomID, PartnerID: partnerID, PartnerWaited: waited}, nil
}

// lockEligiblePartner selects and locks one waiting entry that is old enough
// to be matched, skipping rows locked by concurrent pairing attempts.
func (s *Store) lockEligiblePartner(ctx context.Context, tx *sql.Tx, excludeUserID string) (string, time.Duration, bool, error) {
	var (
		partnerID     string
		waitedSeconds float64
	)
	err := tx.QueryRowContext(ctx, `
		SELECT user_id, EXTRACT(EPOCH FROM (now() - enqueued_at))
		FROM queue_entries
		WHERE status = 'waiting'
		  AND user_id <> $1
		  AND enqueued_at <= now() - $2::interval
		ORDER BY enqueued_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		excludeUserID, fmt.Sprintf("%f seconds", s.graceWindow.Seconds())).Scan(&partnerID, &waitedSeconds)
	if err == sql.ErrNoRows {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("store: partner select: %w", err)
	}
	return partnerID, time.Duration(waitedSeconds * float64(time.Second)), true, nil
}

// pairLocked creates the active room and marks both entries matched. The
// partner's row must already be locked by the caller's transaction.
func (s *Store) pairLocked(ctx context.Context, tx *sql.Tx, waitingUserID, callerUserID string, callerHasEntry bool) (string, error) {
	roomID := uuid.New().String()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rooms (id, user1_id, user2_id, status)
		VALUES ($1, $2, $3, 'active')`,
		roomID, waitingUserID, callerUserID); err != nil {
		return "", fmt.Errorf("store: create room: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_entries
		SET status = 'matched', room_id = $2, matched_user_id = $3
		WHERE user_id = $1`,
		waitingUserID, roomID, callerUserID); err != nil {
		return "", fmt.Errorf("store: mark partner matched: %w", err)
	}

	if callerHasEntry {
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_entries
			SET status = 'matched', room_id = $2, matched_user_id = $3
			WHERE user_id = $1`,
			callerUserID, roomID, waitingUserID); err != nil {
			return "", fmt.Errorf("store: mark caller matched: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO queue_entries (user_id, status, room_id, matched_user_id)
			VALUES ($1, 'matched', $2, $3)`,
			callerUserID, roomID, waitingUserID); err != nil {
			return "", fmt.Errorf("store: insert caller matched: %w", err)
		}
	}

	return roomID, nil
}

// PairOldestWaiting attempts to pair the two oldest eligible waiting entries
// with each other. It is called by the matcher's sweep loop so that two users
// who enqueued within the same grace window still get paired once both
// entries are old enough. Returns nil when fewer than two eligible entries
// exist.
func (s *Store) PairOldestWaiting(ctx context.Context) (*Pair, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: sweep begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT user_id, EXTRACT(EPOCH FROM (now() - enqueued_at))
		FROM queue_entries
		WHERE status = 'waiting'
		  AND enqueued_at <= now() - $1::interval
		ORDER BY enqueued_at ASC
		LIMIT 2
		FOR UPDATE SKIP LOCKED`,
		fmt.Sprintf("%f seconds", s.graceWindow.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("store: sweep select: %w", err)
	}

	var (
		users  []string
		waited []float64
	)
	for rows.Next() {
		var (
			uid string
			w   float64
		)
		if err := rows.Scan(&uid, &w); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: sweep scan: %w", err)
		}
		users = append(users, uid)
		waited = append(waited, w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: sweep rows: %w", err)
	}

	if len(users) < 2 {
		return nil, nil
	}

	roomID, err := s.pairLocked(ctx, tx, users[0], users[1], true)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: sweep commit: %w", err)
	}
	return &Pair{
		RoomID: roomID,
		UserA:  users[0],
		UserB:  users[1],
		Waited: time.Duration(waited[0] * float64(time.Second)),
	}, nil
}

// LeaveQueue removes a waiting (not yet matched) entry. Removing an entry
// that is already matched is refused so a match is never silently lost.
func (s *Store) LeaveQueue(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM queue_entries
		WHERE user_id = $1 AND status = 'waiting'`, userID)
	if err != nil {
		return fmt.Errorf("store: leave queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: leave queue rows: %w", err)
	}
	if n == 0 {
		return ErrNotQueued
	}
	return nil
}

// ExpireWaiting removes waiting entries older than maxWait and returns the
// affected user ids so the matcher can push a "no partners" notification.
func (s *Store) ExpireWaiting(ctx context.Context, maxWait time.Duration) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM queue_entries
		WHERE status = 'waiting'
		  AND enqueued_at <= now() - $1::interval
		RETURNING user_id`,
		fmt.Sprintf("%f seconds", maxWait.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("store: expire waiting: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("store: expire scan: %w", err)
		}
		users = append(users, uid)
	}
	return users, rows.Err()
}

// ReleaseConsumedEntries deletes matched entries for a room once both sides
// have been notified. Matched entries are consumed exactly once; this is the
// removal half of that contract.
func (s *Store) ReleaseConsumedEntries(ctx context.Context, roomID string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM queue_entries
		WHERE status = 'matched' AND room_id = $1`, roomID); err != nil {
		return fmt.Errorf("store: release entries: %w", err)
	}
	return nil
}

// QueueDepth returns the number of waiting entries, for metrics.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM queue_entries WHERE status = 'waiting'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: queue depth: %w", err)
	}
	return n, nil
}
