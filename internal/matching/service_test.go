package matching

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/meetcam/video-app/internal/store"
)

// fakeQueue is an in-memory QueueStore for driving the service without a
// database.
type fakeQueue struct {
	mu        sync.Mutex
	waiting   []string
	openRooms map[string]*store.AlreadyInRoomError // user -> open room redirect
	enqueue   func(userID string) (store.EnqueueResult, error)
	pairs     []store.Pair
	expired   []string
}

func (f *fakeQueue) Enqueue(_ context.Context, userID string) (store.EnqueueResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if redirect, ok := f.openRooms[userID]; ok {
		return store.EnqueueResult{}, redirect
	}
	if f.enqueue != nil {
		return f.enqueue(userID)
	}
	f.waiting = append(f.waiting, userID)
	return store.EnqueueResult{}, nil
}

func (f *fakeQueue) LeaveQueue(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, id := range f.waiting {
		if id == userID {
			f.waiting = append(f.waiting[:i], f.waiting[i+1:]...)
			return nil
		}
	}
	return store.ErrNotQueued
}

func (f *fakeQueue) PairOldestWaiting(context.Context) (*store.Pair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pairs) == 0 {
		return nil, nil
	}
	p := f.pairs[0]
	f.pairs = f.pairs[1:]
	return &p, nil
}

func (f *fakeQueue) ExpireWaiting(context.Context, time.Duration) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.expired
	f.expired = nil
	return out, nil
}

func (f *fakeQueue) QueueDepth(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiting), nil
}

func (f *fakeQueue) ExpireAbandonedRooms(context.Context, time.Duration) (int, error) {
	return 0, nil
}

func (f *fakeQueue) PurgeSignalHistory(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeQueue) ActiveRoomCount(context.Context) (int, error) {
	return 0, nil
}

// fakePublisher records published match results per user.
type fakePublisher struct {
	mu      sync.Mutex
	results map[string][]MatchResult
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{results: make(map[string][]MatchResult)}
}

func (p *fakePublisher) PublishMatchFound(userID string, data []byte) error {
	var res MatchResult
	if err := json.Unmarshal(data, &res); err != nil {
		return err
	}
	p.mu.Lock()
	p.results[userID] = append(p.results[userID], res)
	p.mu.Unlock()
	return nil
}

func (p *fakePublisher) resultsFor(userID string) []MatchResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.results[userID]
}

func newTestService(queue QueueStore, pub Publisher) *Service {
	return NewService(DefaultConfig(), queue, pub, nil, func(_ context.Context, userID string) string {
		return "name-" + userID
	})
}

func TestHandleMatchRequest_ImmediateMatchNotifiesBothSides(t *testing.T) {
	queue := &fakeQueue{
		enqueue: func(string) (store.EnqueueResult, error) {
			return store.EnqueueResult{Matched: true, RoomID: "room-1", PartnerID: "alice"}, nil
		},
	}
	pub := newFakePublisher()
	svc := newTestService(queue, pub)

	data, _ := json.Marshal(MatchRequest{UserID: "bob"})
	svc.handleMatchRequest(data)

	bob := pub.resultsFor("bob")
	alice := pub.resultsFor("alice")
	if len(bob) != 1 || len(alice) != 1 {
		t.Fatalf("expected one result per side, got bob=%d alice=%d", len(bob), len(alice))
	}
	if bob[0].RoomID != "room-1" || bob[0].PartnerID != "alice" {
		t.Errorf("bad result for bob: %+v", bob[0])
	}
	if alice[0].PartnerID != "bob" || alice[0].PartnerName != "name-bob" {
		t.Errorf("bad result for alice: %+v", alice[0])
	}
}

func TestHandleMatchRequest_InitiatorIsSmallerUserID(t *testing.T) {
	queue := &fakeQueue{
		enqueue: func(string) (store.EnqueueResult, error) {
			return store.EnqueueResult{Matched: true, RoomID: "room-1", PartnerID: "alice"}, nil
		},
	}
	pub := newFakePublisher()
	svc := newTestService(queue, pub)

	data, _ := json.Marshal(MatchRequest{UserID: "bob"})
	svc.handleMatchRequest(data)

	if !pub.resultsFor("alice")[0].Initiator {
		t.Error("alice sorts first and must be the initiator")
	}
	if pub.resultsFor("bob")[0].Initiator {
		t.Error("bob must not be the initiator")
	}
}

func TestHandleMatchRequest_OpenRoomRedirects(t *testing.T) {
	queue := &fakeQueue{
		openRooms: map[string]*store.AlreadyInRoomError{
			"bob": {RoomID: "room-9", PartnerID: "alice"},
		},
	}
	pub := newFakePublisher()
	svc := newTestService(queue, pub)

	data, _ := json.Marshal(MatchRequest{UserID: "bob"})
	svc.handleMatchRequest(data)

	results := pub.resultsFor("bob")
	if len(results) != 1 {
		t.Fatalf("expected one redirect result, got %d", len(results))
	}
	if !results[0].Rejoin || results[0].RoomID != "room-9" {
		t.Errorf("expected rejoin into room-9, got %+v", results[0])
	}
	// The partner is not re-notified: their state did not change.
	if len(pub.resultsFor("alice")) != 0 {
		t.Error("partner must not receive a result on rejoin")
	}
}

func TestHandleCancelRequest_RemovesWaitingUser(t *testing.T) {
	queue := &fakeQueue{}
	pub := newFakePublisher()
	svc := newTestService(queue, pub)

	data, _ := json.Marshal(MatchRequest{UserID: "bob"})
	svc.handleMatchRequest(data)

	cancel, _ := json.Marshal(CancelRequest{UserID: "bob"})
	svc.handleCancelRequest(cancel)

	depth, _ := queue.QueueDepth(context.Background())
	if depth != 0 {
		t.Errorf("expected empty queue after cancel, got depth %d", depth)
	}

	// Cancelling again is a no-op, not an error.
	svc.handleCancelRequest(cancel)
}

func TestSweep_PublishesDeferredPairs(t *testing.T) {
	queue := &fakeQueue{
		pairs: []store.Pair{
			{RoomID: "room-1", UserA: "alice", UserB: "bob"},
			{RoomID: "room-2", UserA: "carol", UserB: "dave"},
		},
	}
	pub := newFakePublisher()
	svc := newTestService(queue, pub)

	// Drain manually, the way one sweep tick does.
	for {
		pair, err := queue.PairOldestWaiting(context.Background())
		if err != nil {
			t.Fatalf("sweep: %v", err)
		}
		if pair == nil {
			break
		}
		svc.publishMatch(pair.RoomID, pair.UserA, pair.UserB)
	}

	for _, user := range []string{"alice", "bob", "carol", "dave"} {
		if len(pub.resultsFor(user)) != 1 {
			t.Errorf("expected one result for %s, got %d", user, len(pub.resultsFor(user)))
		}
	}
	if pub.resultsFor("carol")[0].RoomID != "room-2" {
		t.Errorf("carol paired into wrong room: %+v", pub.resultsFor("carol")[0])
	}
}

func TestExpire_PublishesTimeouts(t *testing.T) {
	queue := &fakeQueue{expired: []string{"alice", "bob"}}
	pub := newFakePublisher()
	svc := newTestService(queue, pub)

	svc.expireTimedOut()

	for _, user := range []string{"alice", "bob"} {
		results := pub.resultsFor(user)
		if len(results) != 1 || !results[0].Timeout {
			t.Errorf("expected timeout result for %s, got %+v", user, results)
		}
	}

	// A second run finds nothing new.
	svc.expireTimedOut()
	if len(pub.resultsFor("alice")) != 1 {
		t.Error("timeout must not be re-published")
	}
}

func TestDefaultConfig_ExpireCheckTighterThanTimeout(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ExpireInterval <= 0 || cfg.ExpireInterval > cfg.QueueTimeout/10 {
		t.Errorf("expire interval %s is too coarse for a %s timeout", cfg.ExpireInterval, cfg.QueueTimeout)
	}
}

// fakeMatchNotifier records pairing events the way external.Notifier would
// forward them to the dispatcher.
type fakeMatchNotifier struct {
	mu    sync.Mutex
	pairs []string
}

func (n *fakeMatchNotifier) MatchMade(userA, userB, roomID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pairs = append(n.pairs, userA+"+"+userB+"@"+roomID)
}

func TestPublishMatch_EmitsMatchMadeEvent(t *testing.T) {
	queue := &fakeQueue{
		enqueue: func(string) (store.EnqueueResult, error) {
			return store.EnqueueResult{Matched: true, RoomID: "room-1", PartnerID: "alice"}, nil
		},
	}
	pub := newFakePublisher()
	svc := newTestService(queue, pub)
	notify := &fakeMatchNotifier{}
	svc.SetNotifier(notify)

	data, _ := json.Marshal(MatchRequest{UserID: "bob"})
	svc.handleMatchRequest(data)

	if len(notify.pairs) != 1 || notify.pairs[0] != "bob+alice@room-1" {
		t.Errorf("expected one match_made event for the pair, got %v", notify.pairs)
	}

	// Rejoin redirects are not new pairings and must not emit events.
	queue.openRooms = map[string]*store.AlreadyInRoomError{
		"bob": {RoomID: "room-1", PartnerID: "alice"},
	}
	svc.handleMatchRequest(data)
	if len(notify.pairs) != 1 {
		t.Errorf("rejoin must not emit a pairing event, got %v", notify.pairs)
	}
}
