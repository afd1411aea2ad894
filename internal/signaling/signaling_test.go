package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakePersister is an in-memory Persister with monotonically increasing ids
// per stream.
type fakePersister struct {
	mu         sync.Mutex
	signals    []StoredSignal
	candidates []StoredCandidate
}

func (f *fakePersister) InsertSignal(_ context.Context, roomID, from, to, kind string, payload json.RawMessage) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := int64(len(f.signals) + 1)
	f.signals = append(f.signals, StoredSignal{ID: id, RoomID: roomID, FromUserID: from, ToUserID: to, Kind: kind, Payload: payload})
	return id, nil
}

func (f *fakePersister) InsertCandidate(_ context.Context, roomID, from, to, candidate string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := int64(len(f.candidates) + 1)
	f.candidates = append(f.candidates, StoredCandidate{ID: id, RoomID: roomID, FromUserID: from, ToUserID: to, Candidate: candidate})
	return id, nil
}

func (f *fakePersister) SignalsAfter(_ context.Context, roomID, to string, afterID int64) ([]StoredSignal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []StoredSignal
	for _, s := range f.signals {
		if s.RoomID == roomID && s.ToUserID == to && s.ID > afterID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakePersister) CandidatesAfter(_ context.Context, roomID, to string, afterID int64) ([]StoredCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []StoredCandidate
	for _, c := range f.candidates {
		if c.RoomID == roomID && c.ToUserID == to && c.ID > afterID {
			out = append(out, c)
		}
	}
	return out, nil
}

// recordingPublisher captures pushed events.
type recordingPublisher struct {
	mu     sync.Mutex
	pushed []Event
}

func (p *recordingPublisher) PublishRoomSignal(roomID, userID string, data []byte) error {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	p.mu.Lock()
	p.pushed = append(p.pushed, ev)
	p.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// Relay (send side)
// ---------------------------------------------------------------------------

func TestRelay_PersistsThenPushes(t *testing.T) {
	persister := &fakePersister{}
	publisher := &recordingPublisher{}
	relay := NewRelay(persister, publisher)

	ev, err := relay.SendSignal(context.Background(), "room-1", "a", "b", KindOffer, []byte(`{"type":"offer"}`))
	if err != nil {
		t.Fatalf("send signal: %v", err)
	}
	if ev.ID != 1 {
		t.Errorf("expected id 1, got %d", ev.ID)
	}
	if len(persister.signals) != 1 {
		t.Fatalf("expected 1 persisted signal, got %d", len(persister.signals))
	}
	if len(publisher.pushed) != 1 || publisher.pushed[0].Kind != KindOffer {
		t.Fatalf("expected one pushed offer, got %+v", publisher.pushed)
	}
}

func TestRelay_NilPublisherStillPersists(t *testing.T) {
	persister := &fakePersister{}
	relay := NewRelay(persister, nil)

	if _, err := relay.SendCandidate(context.Background(), "room-1", "a", "b", "candidate:1"); err != nil {
		t.Fatalf("send candidate: %v", err)
	}
	if len(persister.candidates) != 1 {
		t.Fatalf("expected persisted candidate, got %d", len(persister.candidates))
	}
}

func TestRelay_PollReturnsBothStreams(t *testing.T) {
	persister := &fakePersister{}
	relay := NewRelay(persister, nil)
	ctx := context.Background()

	relay.SendSignal(ctx, "room-1", "a", "b", KindOffer, []byte(`{}`))
	relay.SendCandidate(ctx, "room-1", "a", "b", "candidate:1")
	relay.SendCandidate(ctx, "room-1", "a", "b", "candidate:2")
	// Traffic to the other participant must not leak into b's poll.
	relay.SendSignal(ctx, "room-1", "b", "a", KindAnswer, []byte(`{}`))

	events, err := relay.Poll(ctx, "room-1", "b", 0, 0)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events for b, got %d", len(events))
	}
	if events[0].Kind != KindOffer {
		t.Errorf("expected descriptions first, got %s", events[0].Kind)
	}
}

// ---------------------------------------------------------------------------
// Push receiver
// ---------------------------------------------------------------------------

type fakeSubscriber struct {
	mu      sync.Mutex
	handler func(data []byte)
	unsubs  int
}

func (f *fakeSubscriber) SubscribeRoomSignal(_, _ string, handler func(data []byte)) error {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
	return nil
}

func (f *fakeSubscriber) UnsubscribeRoomSignal(string) error {
	f.mu.Lock()
	f.unsubs++
	f.mu.Unlock()
	return nil
}

func (f *fakeSubscriber) emit(t *testing.T, ev Event) {
	t.Helper()
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(data)
}

func decodeEvent(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}

func TestPushReceiver_DeduplicatesRedelivery(t *testing.T) {
	sub := &fakeSubscriber{}
	r, err := NewPushReceiver(sub, decodeEvent, "room-1", "b")
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}
	defer r.Close()

	ev := Event{ID: 1, RoomID: "room-1", From: "a", To: "b", Kind: KindOffer}
	sub.emit(t, ev)
	sub.emit(t, ev) // at-least-once redelivery
	sub.emit(t, Event{ID: 1, Kind: KindCandidate, Candidate: "candidate:1"}) // independent id space

	got := drainEvents(t, r.Events(), 2)
	if got[0].Kind != KindOffer || got[1].Kind != KindCandidate {
		t.Errorf("unexpected events: %+v", got)
	}

	select {
	case ev := <-r.Events():
		t.Errorf("unexpected extra event: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPushReceiver_CloseUnsubscribes(t *testing.T) {
	sub := &fakeSubscriber{}
	r, err := NewPushReceiver(sub, decodeEvent, "room-1", "b")
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("double close: %v", err)
	}
	if sub.unsubs == 0 {
		t.Error("expected unsubscribe on close")
	}

	// Late deliveries after close are dropped, not panicking on a closed
	// channel.
	sub.emit(t, Event{ID: 9, Kind: KindOffer})
}

// ---------------------------------------------------------------------------
// Poll receiver
// ---------------------------------------------------------------------------

func TestPollReceiver_WatermarksAndOrder(t *testing.T) {
	persister := &fakePersister{}
	relay := NewRelay(persister, nil)
	ctx := context.Background()

	relay.SendSignal(ctx, "room-1", "a", "b", KindOffer, []byte(`{}`))
	relay.SendCandidate(ctx, "room-1", "a", "b", "candidate:1")
	relay.SendCandidate(ctx, "room-1", "a", "b", "candidate:2")

	fetch := func(ctx context.Context, afterSignal, afterCandidate int64) ([]Event, error) {
		return relay.Poll(ctx, "room-1", "b", afterSignal, afterCandidate)
	}

	r := NewPollReceiver(fetch, 5*time.Millisecond)
	defer r.Close()

	got := drainEvents(t, r.Events(), 3)
	if got[1].Candidate != "candidate:1" || got[2].Candidate != "candidate:2" {
		t.Errorf("candidates out of order: %+v", got)
	}

	// New traffic after the first rounds is picked up past the watermark,
	// and old rows are not redelivered.
	relay.SendSignal(ctx, "room-1", "a", "b", KindAnswer, []byte(`{}`))
	more := drainEvents(t, r.Events(), 1)
	if more[0].Kind != KindAnswer {
		t.Errorf("expected answer, got %+v", more[0])
	}
}

func TestPollReceiver_CloseStopsLoop(t *testing.T) {
	fetch := func(context.Context, int64, int64) ([]Event, error) {
		return nil, nil
	}
	r := NewPollReceiver(fetch, time.Millisecond)

	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Events channel must be closed once the loop exits.
	if _, ok := <-r.Events(); ok {
		t.Error("expected closed events channel")
	}
}

func drainEvents(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("events channel closed after %d of %d events", len(out), n)
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(out))
		}
	}
	return out
}
