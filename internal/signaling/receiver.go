package signaling

import (
	"context"
	"log"
	"sync"
	"time"
)

// dedup tracks processed event ids per stream so at-least-once delivery
// becomes at-most-once consumption. Signal ids and candidate ids are
// independent sequences, hence two sets.
type dedup struct {
	signals    map[int64]struct{}
	candidates map[int64]struct{}
}

func newDedup() *dedup {
	return &dedup{
		signals:    make(map[int64]struct{}),
		candidates: make(map[int64]struct{}),
	}
}

// admit reports whether the event is new, recording it if so.
func (d *dedup) admit(ev Event) bool {
	set := d.signals
	if ev.IsCandidate() {
		set = d.candidates
	}
	if _, seen := set[ev.ID]; seen {
		return false
	}
	set[ev.ID] = struct{}{}
	return true
}

// PushReceiver adapts a push subscription (NATS in production) into the
// deduplicated event stream consumed by negotiation.
type PushReceiver struct {
	events chan Event

	mu     sync.Mutex
	seen   *dedup
	closed bool

	unsubscribe func() error
}

// Subscriber is the push side the receiver binds to. SubscribeRoomSignal must
// invoke the handler for every raw event published to (roomID, userID);
// UnsubscribeRoomSignal tears the subscription down.
type Subscriber interface {
	SubscribeRoomSignal(roomID, userID string, handler func(data []byte)) error
	UnsubscribeRoomSignal(userID string) error
}

// Decoder turns raw push bytes into an Event. Split out so the WS client and
// the NATS consumer can share the receiver.
type Decoder func(data []byte) (Event, error)

// NewPushReceiver subscribes userID to the room's push channel and returns
// the receiver. Buffered so a slow consumer does not stall the subscription
// callback; negotiation drains promptly.
func NewPushReceiver(sub Subscriber, decode Decoder, roomID, userID string) (*PushReceiver, error) {
	r := &PushReceiver{
		events: make(chan Event, 64),
		seen:   newDedup(),
	}
	r.unsubscribe = func() error { return sub.UnsubscribeRoomSignal(userID) }

	err := sub.SubscribeRoomSignal(roomID, userID, func(data []byte) {
		ev, err := decode(data)
		if err != nil {
			log.Printf("[signaling] decode push event: %v", err)
			return
		}
		r.deliver(ev)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *PushReceiver) deliver(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || !r.seen.admit(ev) {
		return
	}
	select {
	case r.events <- ev:
	default:
		log.Printf("[signaling] push receiver buffer full, dropping event id=%d kind=%s", ev.ID, ev.Kind)
	}
}

// Events returns the deduplicated event stream.
func (r *PushReceiver) Events() <-chan Event {
	return r.events
}

// Close unsubscribes and closes the event stream. Safe to call twice.
func (r *PushReceiver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()
	return r.unsubscribe()
}

// Fetcher is the poll side: return all events past the two watermarks, in
// persisted order. Implemented by Relay.Poll on the server and by the WS
// poll_signals round-trip on clients.
type Fetcher func(ctx context.Context, afterSignal, afterCandidate int64) ([]Event, error)

// PollReceiver is the poll fallback transport: a tight-interval loop against
// persisted rows. It maintains per-stream watermarks, deduplicates, and
// preserves persisted order.
type PollReceiver struct {
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
}

// DefaultPollInterval keeps negotiation latency acceptable on the fallback
// path.
const DefaultPollInterval = 50 * time.Millisecond

// NewPollReceiver starts the poll loop. Transient fetch errors are logged and
// retried on the next tick; they are never surfaced to the consumer.
func NewPollReceiver(fetch Fetcher, interval time.Duration) *PollReceiver {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &PollReceiver{
		events: make(chan Event, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go r.loop(ctx, fetch, interval)
	return r
}

func (r *PollReceiver) loop(ctx context.Context, fetch Fetcher, interval time.Duration) {
	defer close(r.done)
	defer close(r.events)

	seen := newDedup()
	var signalMark, candidateMark int64

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		events, err := fetch(ctx, signalMark, candidateMark)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[signaling] poll fetch: %v", err)
			continue
		}

		for _, ev := range events {
			if ev.IsCandidate() {
				if ev.ID > candidateMark {
					candidateMark = ev.ID
				}
			} else if ev.ID > signalMark {
				signalMark = ev.ID
			}

			if !seen.admit(ev) {
				continue
			}
			select {
			case r.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Events returns the deduplicated event stream.
func (r *PollReceiver) Events() <-chan Event {
	return r.events
}

// Close stops the poll loop and waits for it to exit.
func (r *PollReceiver) Close() error {
	r.cancel()
	<-r.done
	return nil
}
