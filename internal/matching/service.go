// Package matching is the background service that pairs waiting users into
// call rooms. It consumes queue requests over NATS, drives the database-backed
// queue, and publishes match results back to the signaling servers.
package matching

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/meetcam/video-app/internal/metrics"
	"github.com/meetcam/video-app/internal/store"
)

// QueueStore is the persistence surface the matcher needs. Implemented by
// store.Store.
type QueueStore interface {
	Enqueue(ctx context.Context, userID string) (store.EnqueueResult, error)
	LeaveQueue(ctx context.Context, userID string) error
	PairOldestWaiting(ctx context.Context) (*store.Pair, error)
	ExpireWaiting(ctx context.Context, maxWait time.Duration) ([]string, error)
	QueueDepth(ctx context.Context) (int, error)
	ExpireAbandonedRooms(ctx context.Context, maxAge time.Duration) (int, error)
	PurgeSignalHistory(ctx context.Context, retention time.Duration) (int64, error)
	ActiveRoomCount(ctx context.Context) (int, error)
}

// Subscriber receives queue requests from the signaling servers. Implemented
// by messaging.NATSClient.
type Subscriber interface {
	SubscribeMatchRequest(handler func(data []byte)) error
	SubscribeMatchCancel(handler func(data []byte)) error
}

// NameResolver maps a user ID to a display name shown to the matched partner.
// Returning an empty string falls back to an anonymous placeholder.
type NameResolver func(ctx context.Context, userID string) string

// MatchNotifier receives fire-and-forget events about completed pairings.
// Implemented by external.Notifier.
type MatchNotifier interface {
	MatchMade(userA, userB, roomID string)
}

// Config holds the matcher's timing parameters.
type Config struct {
	SweepInterval   time.Duration // how often to pair grace-deferred entries
	QueueTimeout    time.Duration // server-owned no-partner timeout
	ExpireInterval  time.Duration // how often the no-partner timeout is checked
	RoomMaxAge      time.Duration // abandoned rooms older than this are ended
	SignalRetention time.Duration // signal history of ended rooms kept this long
	CleanupInterval time.Duration // how often housekeeping runs
}

// DefaultConfig returns the production timing parameters.
func DefaultConfig() Config {
	return Config{
		SweepInterval:   250 * time.Millisecond,
		QueueTimeout:    120 * time.Second,
		ExpireInterval:  5 * time.Second,
		RoomMaxAge:      2 * time.Hour,
		SignalRetention: 24 * time.Hour,
		CleanupInterval: time.Minute,
	}
}

// MatchRequest is the NATS payload sent by a signaling server when a user
// joins the queue.
type MatchRequest struct {
	UserID string `json:"user_id"`
}

// CancelRequest is the NATS payload sent when a user cancels the wait.
type CancelRequest struct {
	UserID string `json:"user_id"`
}

// Service is the background matching service. Pairing itself is atomic at the
// database level, so multiple matcher instances can run concurrently.
type Service struct {
	config  Config
	queue   QueueStore
	pub     Publisher
	sub     Subscriber
	resolve NameResolver
	notify  MatchNotifier
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewService creates a matching service. resolve may be nil, in which case
// partners are reported with an empty display name.
func NewService(config Config, queue QueueStore, pub Publisher, sub Subscriber, resolve NameResolver) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		config:  config,
		queue:   queue,
		pub:     pub,
		sub:     sub,
		resolve: resolve,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetNotifier routes pairing events to the notification dispatcher. Must be
// called before Start; nil disables dispatcher events.
func (s *Service) SetNotifier(n MatchNotifier) {
	s.notify = n
}

// Start subscribes to NATS subjects and starts the sweep and cleanup loops.
func (s *Service) Start() error {
	if err := s.sub.SubscribeMatchRequest(s.handleMatchRequest); err != nil {
		return err
	}
	if err := s.sub.SubscribeMatchCancel(s.handleCancelRequest); err != nil {
		return err
	}

	go s.sweepLoop()
	go s.expireLoop()
	go s.cleanupLoop()

	log.Println("[matcher] service started")
	return nil
}

// Stop gracefully shuts down the matching service.
func (s *Service) Stop() {
	s.cancel()
	log.Println("[matcher] service stopped")
}

func (s *Service) handleMatchRequest(data []byte) {
	var req MatchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("[matcher] invalid match request: %v", err)
		return
	}

	res, err := s.queue.Enqueue(s.ctx, req.UserID)
	if err != nil {
		var already *store.AlreadyInRoomError
		if errors.As(err, &already) {
			// The user still has an open room (e.g., reconnect after a
			// dropped connection). Redirect them back into it instead of
			// queueing a second match.
			s.publishRejoin(req.UserID, already.RoomID, already.PartnerID)
			return
		}
		log.Printf("[matcher] enqueue %s: %v", req.UserID, err)
		return
	}

	if res.Matched {
		metrics.MatchDuration.Observe(res.PartnerWaited.Seconds())
		s.publishMatch(res.RoomID, req.UserID, res.PartnerID)
		return
	}

	depth, _ := s.queue.QueueDepth(s.ctx)
	metrics.MatchQueueSize.Set(float64(depth))
	log.Printf("[matcher] enqueued %s (queue depth: %d)", req.UserID, depth)
}

func (s *Service) handleCancelRequest(data []byte) {
	var req CancelRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("[matcher] invalid cancel request: %v", err)
		return
	}

	if err := s.queue.LeaveQueue(s.ctx, req.UserID); err != nil {
		if !errors.Is(err, store.ErrNotQueued) {
			log.Printf("[matcher] cancel %s: %v", req.UserID, err)
		}
		return
	}

	log.Printf("[matcher] dequeued %s (cancelled)", req.UserID)
}

// sweepLoop pairs entries that were deferred by the grace window. Each tick
// drains all currently pairable entries.
func (s *Service) sweepLoop() {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Println("[matcher] sweep loop stopped")
			return
		case <-ticker.C:
			for {
				pair, err := s.queue.PairOldestWaiting(s.ctx)
				if err != nil {
					log.Printf("[matcher] sweep: %v", err)
					break
				}
				if pair == nil {
					break
				}
				metrics.MatchDuration.Observe(pair.Waited.Seconds())
				s.publishMatch(pair.RoomID, pair.UserA, pair.UserB)
			}
		}
	}
}

// expireLoop enforces the no-partner timeout. It ticks much faster than the
// housekeeping loop so a waiter is told "no partner" close to the configured
// limit rather than up to a full housekeeping interval late.
func (s *Service) expireLoop() {
	ticker := time.NewTicker(s.config.ExpireInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Println("[matcher] expire loop stopped")
			return
		case <-ticker.C:
			s.expireTimedOut()
		}
	}
}

func (s *Service) expireTimedOut() {
	expired, err := s.queue.ExpireWaiting(s.ctx, s.config.QueueTimeout)
	if err != nil {
		log.Printf("[matcher] expire waiting: %v", err)
		return
	}
	for _, userID := range expired {
		if err := publishTimeout(s.pub, userID); err != nil {
			log.Printf("[matcher] %v", err)
		}
		log.Printf("[matcher] timeout for %s (%s)", userID, s.config.QueueTimeout)
	}
}

// cleanupLoop ends abandoned rooms, purges old signal history, and refreshes
// the queue gauges.
func (s *Service) cleanupLoop() {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Println("[matcher] cleanup loop stopped")
			return
		case <-ticker.C:
			s.runCleanup()
		}
	}
}

func (s *Service) runCleanup() {
	ended, err := s.queue.ExpireAbandonedRooms(s.ctx, s.config.RoomMaxAge)
	if err != nil {
		log.Printf("[matcher] expire rooms: %v", err)
	} else if ended > 0 {
		log.Printf("[matcher] ended %d abandoned rooms", ended)
	}

	if _, err := s.queue.PurgeSignalHistory(s.ctx, s.config.SignalRetention); err != nil {
		log.Printf("[matcher] purge signals: %v", err)
	}

	if depth, err := s.queue.QueueDepth(s.ctx); err == nil {
		metrics.MatchQueueSize.Set(float64(depth))
	}
	if active, err := s.queue.ActiveRoomCount(s.ctx); err == nil {
		metrics.ActiveRooms.Set(float64(active))
	}
}

func (s *Service) publishMatch(roomID, userA, userB string) {
	nameA, nameB := s.resolveName(userA), s.resolveName(userB)
	if err := publishPair(s.pub, roomID, userA, userB, nameA, nameB); err != nil {
		log.Printf("[matcher] %v", err)
	}
	if s.notify != nil {
		s.notify.MatchMade(userA, userB, roomID)
	}
}

// publishRejoin sends a single-sided match result pointing at an existing room.
func (s *Service) publishRejoin(userID, roomID, partnerID string) {
	msg := MatchResult{
		RoomID:      roomID,
		PartnerID:   partnerID,
		PartnerName: s.resolveName(partnerID),
		Initiator:   userID < partnerID,
		Rejoin:      true,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[matcher] marshal rejoin for %s: %v", userID, err)
		return
	}
	if err := s.pub.PublishMatchFound(userID, data); err != nil {
		log.Printf("[matcher] publish rejoin for %s: %v", userID, err)
	}
	log.Printf("[matcher] rejoin published: room=%s user=%s", roomID, userID)
}

func (s *Service) resolveName(userID string) string {
	if s.resolve == nil {
		return ""
	}
	return s.resolve(s.ctx, userID)
}
