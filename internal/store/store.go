// Package store provides PostgreSQL-backed storage for the matchmaking queue,
// rooms, and persisted signaling traffic. The pairing transaction lives here:
// it is the single place where two waiting users become a room, and it relies
// on SELECT ... FOR UPDATE SKIP LOCKED so that concurrent pairing attempts
// never double-book a queue entry.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Sentinel errors returned by store operations.
var (
	ErrRoomNotFound   = errors.New("store: room not found")
	ErrNotParticipant = errors.New("store: user is not a room participant")
	ErrNotQueued      = errors.New("store: no waiting queue entry for user")
)

// AlreadyInRoomError is returned by Enqueue when the user still has a
// non-ended room. The caller should redirect the user to that room instead
// of queueing them again.
type AlreadyInRoomError struct {
	RoomID    string
	PartnerID string
}

func (e *AlreadyInRoomError) Error() string {
	return fmt.Sprintf("store: user already in room %s", e.RoomID)
}

// Store wraps the database handle for all matchmaking and signaling tables.
type Store struct {
	db *sql.DB

	// graceWindow is how old a waiting entry must be before it is eligible
	// to be matched. Guards against pairing a user with a just-abandoned
	// entry of their own across rapid re-entries.
	graceWindow time.Duration
}

// Config holds store tuning parameters.
type Config struct {
	GraceWindow time.Duration // eligibility age for waiting entries
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{GraceWindow: 1 * time.Second}
}

// Open connects to PostgreSQL, verifies the connection, and returns a Store.
func Open(databaseURL string, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	db.SetMaxOpenConns(32)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	return New(db, cfg), nil
}

// New wraps an existing database handle. Used by tests that manage their own
// connection.
func New(db *sql.DB, cfg Config) *Store {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultConfig().GraceWindow
	}
	return &Store{db: db, graceWindow: cfg.GraceWindow}
}

// Migrate applies all pending schema migrations from the embedded files.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}

	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for integration tests.
func (s *Store) DB() *sql.DB {
	return s.db
}
