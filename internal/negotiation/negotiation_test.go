package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meetcam/video-app/internal/signaling"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type sentSignal struct {
	Kind string
	SDP  json.RawMessage
}

// fakeChannel records outbound traffic and lets the test inject inbound
// events.
type fakeChannel struct {
	mu         sync.Mutex
	signals    []sentSignal
	candidates []string
	events     chan signaling.Event
	closeOnce  sync.Once
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan signaling.Event, 32)}
}

func (c *fakeChannel) SendSignal(kind string, sdp json.RawMessage) error {
	c.mu.Lock()
	c.signals = append(c.signals, sentSignal{Kind: kind, SDP: sdp})
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) SendCandidate(candidate string) error {
	c.mu.Lock()
	c.candidates = append(c.candidates, candidate)
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Events() <-chan signaling.Event { return c.events }

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.events)
	})
	return nil
}

func (c *fakeChannel) sentKinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]string, len(c.signals))
	for i, s := range c.signals {
		kinds[i] = s.Kind
	}
	return kinds
}

// waitForSignal blocks until the channel has recorded a signal of the given
// kind.
func (c *fakeChannel) waitForSignal(t *testing.T, kind string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, k := range c.sentKinds() {
			if k == kind {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no %q signal sent; got %v", kind, c.sentKinds())
}

// fakePeer is an in-memory PeerConn that records negotiation calls.
type fakePeer struct {
	mu         sync.Mutex
	offers     []bool // iceRestart flag per CreateOffer
	answers    int
	remote     []string // kinds passed to SetRemoteDescription
	candidates []string
	closed     bool
	onConn     func(ConnState)
}

func (p *fakePeer) CreateOffer(iceRestart bool) (json.RawMessage, error) {
	p.mu.Lock()
	p.offers = append(p.offers, iceRestart)
	p.mu.Unlock()
	return json.RawMessage(`{"type":"offer"}`), nil
}

func (p *fakePeer) CreateAnswer() (json.RawMessage, error) {
	p.mu.Lock()
	p.answers++
	p.mu.Unlock()
	return json.RawMessage(`{"type":"answer"}`), nil
}

func (p *fakePeer) SetRemoteDescription(kind string, _ json.RawMessage) error {
	p.mu.Lock()
	p.remote = append(p.remote, kind)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) AddICECandidate(candidate string) error {
	p.mu.Lock()
	p.candidates = append(p.candidates, candidate)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(string)) {}

func (p *fakePeer) OnConnectionStateChange(fn func(ConnState)) {
	p.mu.Lock()
	p.onConn = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) connState(state ConnState) {
	p.mu.Lock()
	fn := p.onConn
	p.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (p *fakePeer) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.candidates...)
}

// harness runs a negotiator in the background.
type harness struct {
	n       *Negotiator
	channel *fakeChannel
	peer    *fakePeer
	result  chan error
	cancel  context.CancelFunc
}

func startNegotiator(t *testing.T, initiator bool, tweak func(*Config)) *harness {
	t.Helper()
	channel := newFakeChannel()
	peer := &fakePeer{}

	config := Config{
		RoomID:    "room-1",
		UserID:    "alice",
		PartnerID: "bob",
		Initiator: initiator,
	}
	if tweak != nil {
		tweak(&config)
	}

	n := New(config, channel, func(context.Context) (PeerConn, error) {
		return peer, nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	result := make(chan error, 1)
	go func() { result <- n.Run(ctx) }()

	// The ready announcement marks the event loop as about to start.
	channel.waitForSignal(t, signaling.KindReady)

	return &harness{n: n, channel: channel, peer: peer, result: result, cancel: cancel}
}

func (h *harness) inject(ev signaling.Event) {
	h.channel.events <- ev
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("negotiator did not terminate")
		return nil
	}
}

// ---------------------------------------------------------------------------
// Happy paths
// ---------------------------------------------------------------------------

func TestInitiator_OffersAfterPartnerReady(t *testing.T) {
	h := startNegotiator(t, true, nil)

	h.inject(signaling.Event{ID: 1, Kind: signaling.KindReady})
	h.channel.waitForSignal(t, signaling.KindOffer)

	h.inject(signaling.Event{ID: 2, Kind: signaling.KindAnswer, SDP: json.RawMessage(`{}`)})
	h.peer.connState(ConnConnected)

	waitForState(t, h.n, StateConnected)

	h.n.End()
	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	h.channel.waitForSignal(t, signaling.KindBye)

	if got := h.peer.remote; len(got) != 1 || got[0] != signaling.KindAnswer {
		t.Errorf("expected one remote answer, got %v", got)
	}
}

func TestResponder_AnswersOffer(t *testing.T) {
	h := startNegotiator(t, false, nil)

	h.inject(signaling.Event{ID: 1, Kind: signaling.KindReady})
	h.inject(signaling.Event{ID: 2, Kind: signaling.KindOffer, SDP: json.RawMessage(`{}`)})

	h.channel.waitForSignal(t, signaling.KindAnswer)
	h.peer.connState(ConnConnected)
	waitForState(t, h.n, StateConnected)

	h.inject(signaling.Event{ID: 3, Kind: signaling.KindBye})
	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.n.State() != StateEnded {
		t.Errorf("expected ended, got %s", h.n.State())
	}
}

func TestResponder_OfferAloneImpliesReady(t *testing.T) {
	// The offer can overtake the ready on the poll path; it must not be
	// rejected and it must disarm the ready deadline.
	h := startNegotiator(t, false, func(c *Config) {
		c.PartnerReadyTimeout = 100 * time.Millisecond
	})

	h.inject(signaling.Event{ID: 1, Kind: signaling.KindOffer, SDP: json.RawMessage(`{}`)})
	h.channel.waitForSignal(t, signaling.KindAnswer)

	// Outlive the ready deadline: no timeout may fire.
	time.Sleep(200 * time.Millisecond)
	if h.n.State() == StateFailed {
		t.Fatal("ready timeout fired despite received offer")
	}

	h.inject(signaling.Event{ID: 2, Kind: signaling.KindBye})
	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Candidate handling
// ---------------------------------------------------------------------------

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	h := startNegotiator(t, false, nil)

	// Candidates arrive before the offer.
	h.inject(signaling.Event{ID: 1, Kind: signaling.KindCandidate, Candidate: "candidate:1 udp"})
	h.inject(signaling.Event{ID: 2, Kind: signaling.KindCandidate, Candidate: "candidate:2 tcp"})
	h.inject(signaling.Event{ID: 3, Kind: signaling.KindOffer, SDP: json.RawMessage(`{}`)})
	h.channel.waitForSignal(t, signaling.KindAnswer)

	// Applied in arrival order, only after the remote description landed.
	applied := h.peer.appliedCandidates()
	if len(applied) != 2 || applied[0] != "candidate:1 udp" || applied[1] != "candidate:2 tcp" {
		t.Errorf("unexpected candidate order: %v", applied)
	}

	// A late candidate applies immediately.
	h.inject(signaling.Event{ID: 4, Kind: signaling.KindCandidate, Candidate: "candidate:3 udp"})
	h.inject(signaling.Event{ID: 5, Kind: signaling.KindBye})
	h.wait(t)

	applied = h.peer.appliedCandidates()
	if len(applied) != 3 || applied[2] != "candidate:3 udp" {
		t.Errorf("late candidate not applied: %v", applied)
	}
}

func TestDuplicateCandidatesDropped(t *testing.T) {
	h := startNegotiator(t, false, nil)

	h.inject(signaling.Event{ID: 1, Kind: signaling.KindOffer, SDP: json.RawMessage(`{}`)})
	h.channel.waitForSignal(t, signaling.KindAnswer)

	// Same candidate redelivered with cosmetic framing differences.
	h.inject(signaling.Event{ID: 2, Kind: signaling.KindCandidate, Candidate: "candidate:1 udp"})
	h.inject(signaling.Event{ID: 3, Kind: signaling.KindCandidate, Candidate: "  candidate:1 udp  "})
	h.inject(signaling.Event{ID: 4, Kind: signaling.KindCandidate, Candidate: "a=candidate:1 udp"})
	h.inject(signaling.Event{ID: 5, Kind: signaling.KindBye})
	h.wait(t)

	if applied := h.peer.appliedCandidates(); len(applied) != 1 {
		t.Errorf("expected one applied candidate, got %v", applied)
	}
}

// ---------------------------------------------------------------------------
// Glare
// ---------------------------------------------------------------------------

func TestGlare_InitiatorIgnoresIncomingOffer(t *testing.T) {
	h := startNegotiator(t, true, nil)

	h.inject(signaling.Event{ID: 1, Kind: signaling.KindReady})
	h.channel.waitForSignal(t, signaling.KindOffer)

	// A rogue offer arrives while ours is outstanding.
	h.inject(signaling.Event{ID: 2, Kind: signaling.KindOffer, SDP: json.RawMessage(`{}`)})
	h.inject(signaling.Event{ID: 3, Kind: signaling.KindAnswer, SDP: json.RawMessage(`{}`)})
	h.peer.connState(ConnConnected)
	waitForState(t, h.n, StateConnected)

	h.n.End()
	h.wait(t)

	// The incoming offer was never installed; only our answer was.
	for _, kind := range h.peer.remote {
		if kind == signaling.KindOffer {
			t.Errorf("initiator must not install remote offer during glare, remote=%v", h.peer.remote)
		}
	}
	if h.peer.answers != 0 {
		t.Errorf("initiator must not answer during glare")
	}
}

// ---------------------------------------------------------------------------
// Timeouts and reconnection
// ---------------------------------------------------------------------------

func TestPartnerReadyTimeout(t *testing.T) {
	h := startNegotiator(t, true, func(c *Config) {
		c.PartnerReadyTimeout = 30 * time.Millisecond
	})

	if err := h.wait(t); !errors.Is(err, ErrPartnerReadyTimeout) {
		t.Errorf("expected ErrPartnerReadyTimeout, got %v", err)
	}
	if h.n.State() != StateFailed {
		t.Errorf("expected failed, got %s", h.n.State())
	}
	if !h.peer.closed {
		t.Error("peer must be closed on timeout")
	}
}

func TestAnswerTimeout(t *testing.T) {
	h := startNegotiator(t, true, func(c *Config) {
		c.AnswerTimeout = 30 * time.Millisecond
	})

	h.inject(signaling.Event{ID: 1, Kind: signaling.KindReady})
	h.channel.waitForSignal(t, signaling.KindOffer)

	if err := h.wait(t); !errors.Is(err, ErrAnswerTimeout) {
		t.Errorf("expected ErrAnswerTimeout, got %v", err)
	}
}

func TestDisconnectGraceThenRestartOffer(t *testing.T) {
	h := startNegotiator(t, true, func(c *Config) {
		c.DisconnectedGrace = 20 * time.Millisecond
	})

	h.inject(signaling.Event{ID: 1, Kind: signaling.KindReady})
	h.channel.waitForSignal(t, signaling.KindOffer)
	h.inject(signaling.Event{ID: 2, Kind: signaling.KindAnswer, SDP: json.RawMessage(`{}`)})
	h.peer.connState(ConnConnected)
	waitForState(t, h.n, StateConnected)

	h.peer.connState(ConnDisconnected)
	waitForState(t, h.n, StateReconnecting)

	// The second offer carries the restart flag.
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.peer.mu.Lock()
		n := len(h.peer.offers)
		h.peer.mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no restart offer sent")
		}
		time.Sleep(time.Millisecond)
	}
	h.peer.mu.Lock()
	restart := h.peer.offers[1]
	h.peer.mu.Unlock()
	if !restart {
		t.Error("second offer must request an ICE restart")
	}

	// Recovery cancels the failure path.
	h.inject(signaling.Event{ID: 3, Kind: signaling.KindAnswer, SDP: json.RawMessage(`{}`)})
	h.peer.connState(ConnConnected)
	waitForState(t, h.n, StateConnected)

	h.n.End()
	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRestartBudgetExhausted(t *testing.T) {
	h := startNegotiator(t, true, func(c *Config) {
		c.MaxICERestarts = 2
		c.AnswerTimeout = 10 * time.Second
	})

	h.inject(signaling.Event{ID: 1, Kind: signaling.KindReady})
	h.channel.waitForSignal(t, signaling.KindOffer)
	h.inject(signaling.Event{ID: 2, Kind: signaling.KindAnswer, SDP: json.RawMessage(`{}`)})
	h.peer.connState(ConnConnected)
	waitForState(t, h.n, StateConnected)

	// Each failure burns one restart; connected resets are not reached.
	h.peer.connState(ConnFailed)
	h.peer.connState(ConnFailed)
	h.peer.connState(ConnFailed)

	if err := h.wait(t); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("expected ErrConnectionFailed, got %v", err)
	}
	if !h.peer.closed {
		t.Error("peer must be closed after giving up")
	}
}

func TestContextCancelEndsCleanly(t *testing.T) {
	h := startNegotiator(t, true, nil)

	h.cancel()
	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.n.State() != StateEnded {
		t.Errorf("expected ended, got %s", h.n.State())
	}
	if !h.peer.closed {
		t.Error("peer must be closed on cancellation")
	}
	h.channel.mu.Lock()
	closed := h.channel.closed
	h.channel.mu.Unlock()
	if !closed {
		t.Error("signaling channel must be closed on cancellation")
	}
}

func waitForState(t *testing.T, n *Negotiator, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state never reached %s, at %s", want, n.State())
}
