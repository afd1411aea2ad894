package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour

	// Status constants for the session state machine.
	StatusIdle      = "idle"
	StatusSearching = "searching"
	StatusInCall    = "in_call"
)

// Session represents a user's session state stored in Redis.
type Session struct {
	UserID      string `redis:"user_id"`
	Status      string `redis:"status"`       // idle | searching | in_call
	RoomID      string `redis:"room_id"`      // empty if not in a call
	Server      string `redis:"server"`       // which signaling server instance
	DisplayName string `redis:"display_name"` // profile name shown to the partner
	CreatedAt   int64  `redis:"created_at"`   // unix timestamp
	LastActive  int64  `redis:"last_active"`  // unix timestamp
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this signaling server instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create stores a new session in Redis with idle status and 1h TTL.
func (s *Store) Create(ctx context.Context, userID, displayName string) error {
	key := SessionPrefix + userID
	now := time.Now().Unix()

	session := map[string]interface{}{
		"user_id":      userID,
		"status":       StatusIdle,
		"room_id":      "",
		"server":       s.serverName,
		"display_name": displayName,
		"created_at":   now,
		"last_active":  now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, userID string) (*Session, error) {
	key := SessionPrefix + userID
	var session Session
	err := s.client.HGetAll(ctx, key).Scan(&session)
	if err != nil {
		return nil, err
	}
	if session.UserID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// UpdateStatus updates the session status and refreshes the TTL.
func (s *Store) UpdateStatus(ctx context.Context, userID string, status string) error {
	key := SessionPrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "status", status, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetRoomID sets the active room ID for the session and marks status as in_call.
func (s *Store) SetRoomID(ctx context.Context, userID string, roomID string) error {
	key := SessionPrefix + userID
	return s.client.HSet(ctx, key, "room_id", roomID, "status", StatusInCall, "last_active", time.Now().Unix()).Err()
}

// ClearRoomID removes the active room ID and resets status to idle.
func (s *Store) ClearRoomID(ctx context.Context, userID string) error {
	key := SessionPrefix + userID
	return s.client.HSet(ctx, key, "room_id", "", "status", StatusIdle, "last_active", time.Now().Unix()).Err()
}

// SetDisplayName stores the profile display name for the session.
func (s *Store) SetDisplayName(ctx context.Context, userID string, displayName string) error {
	key := SessionPrefix + userID
	return s.client.HSet(ctx, key, "display_name", displayName).Err()
}

// RefreshTTL extends the session's TTL.
func (s *Store) RefreshTTL(ctx context.Context, userID string) error {
	key := SessionPrefix + userID
	return s.client.Expire(ctx, key, SessionTTL).Err()
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, userID string) error {
	key := SessionPrefix + userID
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
