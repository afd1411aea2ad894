// Package negotiation drives the WebRTC offer/answer exchange for one call.
// It owns the per-call state machine: acquiring media, creating the peer
// connection, exchanging descriptions and ICE candidates over the signaling
// channel, and recovering from transient connection loss with ICE restarts.
package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/meetcam/video-app/internal/metrics"
	"github.com/meetcam/video-app/internal/signaling"
)

// State is the negotiation lifecycle state.
type State string

const (
	StateIdle               State = "idle"
	StateRequestingMedia    State = "requesting_media"
	StateCreatingConnection State = "creating_connection"
	StateNegotiating        State = "negotiating"
	StateConnected          State = "connected"
	StateReconnecting       State = "reconnecting"
	StateEnded              State = "ended"
	StateFailed             State = "failed"
)

// ConnState mirrors the peer connection state reported by the WebRTC stack.
type ConnState string

const (
	ConnNew          ConnState = "new"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// Terminal outcomes.
var (
	ErrMediaFailed         = errors.New("negotiation: media acquisition failed")
	ErrPartnerReadyTimeout = errors.New("negotiation: partner never became ready")
	ErrAnswerTimeout       = errors.New("negotiation: no answer within deadline")
	ErrConnectionFailed    = errors.New("negotiation: connection failed after restarts")
)

// PeerConn is the slice of a WebRTC peer connection the negotiator needs.
// Implemented by webrtcpeer.Peer over pion.
type PeerConn interface {
	// CreateOffer produces a local offer and installs it as the local
	// description. With iceRestart set, the offer carries new ICE credentials.
	CreateOffer(iceRestart bool) (json.RawMessage, error)

	// CreateAnswer produces a local answer to the current remote offer and
	// installs it as the local description.
	CreateAnswer() (json.RawMessage, error)

	// SetRemoteDescription installs the partner's description. kind is
	// "offer" or "answer".
	SetRemoteDescription(kind string, sdp json.RawMessage) error

	// AddICECandidate applies a remote ICE candidate. The negotiator only
	// calls this once a remote description is installed.
	AddICECandidate(candidate string) error

	// OnICECandidate registers the trickle callback for local candidates.
	// The callback receives an empty string when gathering completes.
	OnICECandidate(fn func(candidate string))

	// OnConnectionStateChange registers the connection state callback.
	OnConnectionStateChange(fn func(state ConnState))

	Close() error
}

// PeerFactory acquires local media and builds a peer connection with the
// tracks attached. Called once per negotiation attempt.
type PeerFactory func(ctx context.Context) (PeerConn, error)

// Config identifies the call and tunes the negotiation deadlines. Zero
// durations fall back to the defaults.
type Config struct {
	RoomID    string
	UserID    string
	PartnerID string

	// Initiator marks the side that creates offers. The matcher assigns it
	// to the participant with the lexicographically smaller user ID so both
	// sides agree without a round trip.
	Initiator bool

	PartnerReadyTimeout time.Duration // wait for the partner's ready signal
	AnswerTimeout       time.Duration // wait for an answer after offering
	DisconnectedGrace   time.Duration // transient disconnect tolerance
	MaxICERestarts      int
}

func (c *Config) applyDefaults() {
	if c.PartnerReadyTimeout <= 0 {
		c.PartnerReadyTimeout = 10 * time.Second
	}
	if c.AnswerTimeout <= 0 {
		c.AnswerTimeout = 30 * time.Second
	}
	if c.DisconnectedGrace <= 0 {
		c.DisconnectedGrace = 5 * time.Second
	}
	if c.MaxICERestarts <= 0 {
		c.MaxICERestarts = 3
	}
}

// Negotiator runs the state machine for a single call. Create one per match,
// call Run, and discard it afterwards.
type Negotiator struct {
	config  Config
	channel signaling.Channel
	newPeer PeerFactory

	mu           sync.Mutex
	state        State
	peer         PeerConn
	partnerReady bool
	offerPending bool // local offer sent, awaiting answer
	remoteSet    bool // remote description installed
	restarts     int
	connectedAt  time.Time

	// Remote candidates that arrived before the remote description. Flushed
	// in arrival order once it lands.
	buffered []string
	seen     map[string]struct{}

	readyTimer  *time.Timer
	answerTimer *time.Timer
	graceTimer  *time.Timer

	onState func(State)

	done     chan struct{}
	doneOnce sync.Once
	result   error

	startedAt time.Time
}

// New creates a negotiator for one call. onState may be nil; when set it is
// called on every state transition (used by the quality monitor and UI).
func New(config Config, channel signaling.Channel, newPeer PeerFactory, onState func(State)) *Negotiator {
	config.applyDefaults()
	return &Negotiator{
		config:  config,
		channel: channel,
		newPeer: newPeer,
		state:   StateIdle,
		seen:    make(map[string]struct{}),
		onState: onState,
		done:    make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Run drives the negotiation to a terminal state. It returns nil when the
// call ended normally (partner bye, local End, or context cancellation) and
// a terminal error otherwise. Cleanup of the peer connection and signaling
// channel is guaranteed on every exit path.
func (n *Negotiator) Run(ctx context.Context) error {
	n.startedAt = time.Now()
	defer n.cleanup()

	n.setState(StateRequestingMedia)
	peer, err := n.newPeer(ctx)
	if err != nil {
		n.terminate(StateFailed, fmt.Errorf("%w: %v", ErrMediaFailed, err))
		return n.result
	}

	n.mu.Lock()
	n.peer = peer
	n.mu.Unlock()

	n.setState(StateCreatingConnection)
	peer.OnICECandidate(n.handleLocalCandidate)
	peer.OnConnectionStateChange(n.handleConnState)

	// Announce readiness and arm the partner-ready deadline. The initiator
	// offers as soon as both sides are ready; the responder just waits for
	// the offer.
	if err := n.channel.SendSignal(signaling.KindReady, nil); err != nil {
		n.terminate(StateFailed, fmt.Errorf("negotiation: send ready: %w", err))
		return n.result
	}
	n.setState(StateNegotiating)

	n.mu.Lock()
	n.readyTimer = time.AfterFunc(n.config.PartnerReadyTimeout, func() {
		n.terminate(StateFailed, ErrPartnerReadyTimeout)
	})
	n.mu.Unlock()

	for {
		select {
		case <-n.done:
			return n.result
		case <-ctx.Done():
			n.terminate(StateEnded, nil)
			return n.result
		case ev, ok := <-n.channel.Events():
			if !ok {
				n.terminate(StateEnded, nil)
				return n.result
			}
			n.handleEvent(ev)
		}
	}
}

// End hangs up: it tells the partner goodbye and terminates the negotiation
// normally. Safe to call from any state and any goroutine.
func (n *Negotiator) End() {
	// Best effort: the partner may already be gone.
	if err := n.channel.SendSignal(signaling.KindBye, nil); err != nil {
		log.Printf("[negotiation] room=%s send bye: %v", n.config.RoomID, err)
	}
	n.terminate(StateEnded, nil)
}

// handleEvent routes one inbound signaling event.
func (n *Negotiator) handleEvent(ev signaling.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch {
	case ev.Kind == signaling.KindReady:
		n.partnerReady = true
		n.stopTimer(&n.readyTimer)
		if n.config.Initiator && !n.offerPending && !n.remoteSet {
			n.sendOfferLocked(false)
		}

	case ev.Kind == signaling.KindOffer:
		n.handleOfferLocked(ev.SDP)

	case ev.Kind == signaling.KindAnswer:
		n.handleAnswerLocked(ev.SDP)

	case ev.IsCandidate():
		n.handleRemoteCandidateLocked(ev.Candidate)

	case ev.Kind == signaling.KindBye:
		n.mu.Unlock()
		n.terminate(StateEnded, nil)
		n.mu.Lock()
	}
}

// sendOfferLocked creates and sends an offer. Caller holds n.mu.
func (n *Negotiator) sendOfferLocked(iceRestart bool) {
	sdp, err := n.peer.CreateOffer(iceRestart)
	if err != nil {
		n.failLocked(fmt.Errorf("negotiation: create offer: %w", err))
		return
	}
	if err := n.channel.SendSignal(signaling.KindOffer, sdp); err != nil {
		n.failLocked(fmt.Errorf("negotiation: send offer: %w", err))
		return
	}
	n.offerPending = true
	n.stopTimer(&n.answerTimer)
	n.answerTimer = time.AfterFunc(n.config.AnswerTimeout, func() {
		n.terminate(StateFailed, ErrAnswerTimeout)
	})
	log.Printf("[negotiation] room=%s offer sent (restart=%t)", n.config.RoomID, iceRestart)
}

// handleOfferLocked installs a remote offer and answers it. When both sides
// hold an outstanding offer (glare), the initiator ignores the incoming one;
// the responder accepts it and abandons its own. Caller holds n.mu.
func (n *Negotiator) handleOfferLocked(sdp json.RawMessage) {
	// An offer implies the partner is past its ready announcement.
	n.partnerReady = true
	n.stopTimer(&n.readyTimer)

	if n.offerPending && n.config.Initiator {
		log.Printf("[negotiation] room=%s glare: ignoring offer from responder", n.config.RoomID)
		return
	}
	n.offerPending = false
	n.stopTimer(&n.answerTimer)

	if err := n.peer.SetRemoteDescription(signaling.KindOffer, sdp); err != nil {
		n.failLocked(fmt.Errorf("negotiation: set remote offer: %w", err))
		return
	}
	n.remoteSet = true
	n.flushCandidatesLocked()

	answer, err := n.peer.CreateAnswer()
	if err != nil {
		n.failLocked(fmt.Errorf("negotiation: create answer: %w", err))
		return
	}
	if err := n.channel.SendSignal(signaling.KindAnswer, answer); err != nil {
		n.failLocked(fmt.Errorf("negotiation: send answer: %w", err))
		return
	}
	log.Printf("[negotiation] room=%s offer answered", n.config.RoomID)
}

// handleAnswerLocked completes a pending offer. Answers without a pending
// offer are stale (e.g., after glare resolution) and dropped. Caller holds
// n.mu.
func (n *Negotiator) handleAnswerLocked(sdp json.RawMessage) {
	if !n.offerPending {
		log.Printf("[negotiation] room=%s dropping stale answer", n.config.RoomID)
		return
	}
	n.offerPending = false
	n.stopTimer(&n.answerTimer)

	if err := n.peer.SetRemoteDescription(signaling.KindAnswer, sdp); err != nil {
		n.failLocked(fmt.Errorf("negotiation: set remote answer: %w", err))
		return
	}
	n.remoteSet = true
	n.flushCandidatesLocked()
	log.Printf("[negotiation] room=%s answer applied", n.config.RoomID)
}

// handleRemoteCandidateLocked dedups and applies or buffers a remote ICE
// candidate. Candidates arriving before the remote description are buffered
// in arrival order. Caller holds n.mu.
func (n *Negotiator) handleRemoteCandidateLocked(candidate string) {
	key := normalizeCandidate(candidate)
	if key == "" {
		return
	}
	if _, dup := n.seen[key]; dup {
		return
	}
	n.seen[key] = struct{}{}

	if !n.remoteSet {
		n.buffered = append(n.buffered, candidate)
		return
	}
	if err := n.peer.AddICECandidate(candidate); err != nil {
		log.Printf("[negotiation] room=%s add candidate: %v", n.config.RoomID, err)
	}
}

// flushCandidatesLocked applies all buffered candidates in arrival order.
// Caller holds n.mu.
func (n *Negotiator) flushCandidatesLocked() {
	for _, candidate := range n.buffered {
		if err := n.peer.AddICECandidate(candidate); err != nil {
			log.Printf("[negotiation] room=%s flush candidate: %v", n.config.RoomID, err)
		}
	}
	n.buffered = nil
}

// handleLocalCandidate trickles a local candidate to the partner.
func (n *Negotiator) handleLocalCandidate(candidate string) {
	if candidate == "" {
		return // gathering complete marker
	}
	if err := n.channel.SendCandidate(candidate); err != nil {
		log.Printf("[negotiation] room=%s send candidate: %v", n.config.RoomID, err)
	}
}

// handleConnState reacts to peer connection state changes: a transient
// disconnect gets a grace period, a hard failure triggers an immediate ICE
// restart, and too many restarts end the call.
func (n *Negotiator) handleConnState(state ConnState) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == StateEnded || n.state == StateFailed {
		return
	}

	switch state {
	case ConnConnected:
		n.stopTimer(&n.graceTimer)
		first := n.connectedAt.IsZero()
		n.connectedAt = time.Now()
		n.restarts = 0
		n.setStateLocked(StateConnected)
		if first {
			metrics.CallSetupDuration.Observe(time.Since(n.startedAt).Seconds())
			metrics.NegotiationOutcomes.WithLabelValues("connected").Inc()
		}
		log.Printf("[negotiation] room=%s connected", n.config.RoomID)

	case ConnDisconnected:
		if n.graceTimer != nil {
			return // grace already running
		}
		log.Printf("[negotiation] room=%s disconnected, grace %s", n.config.RoomID, n.config.DisconnectedGrace)
		n.graceTimer = time.AfterFunc(n.config.DisconnectedGrace, func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			n.graceTimer = nil
			n.restartLocked()
		})

	case ConnFailed:
		n.stopTimer(&n.graceTimer)
		n.restartLocked()

	case ConnClosed:
		n.mu.Unlock()
		n.terminate(StateEnded, nil)
		n.mu.Lock()
	}
}

// restartLocked attempts an ICE restart, giving up after the configured
// budget. The initiator drives the restart offer; the responder transitions
// to reconnecting and waits for it. Caller holds n.mu.
func (n *Negotiator) restartLocked() {
	if n.state == StateEnded || n.state == StateFailed {
		return
	}
	n.restarts++
	if n.restarts > n.config.MaxICERestarts {
		n.failLocked(ErrConnectionFailed)
		return
	}
	metrics.IceRestartsTotal.Inc()
	n.setStateLocked(StateReconnecting)
	log.Printf("[negotiation] room=%s ICE restart %d/%d", n.config.RoomID, n.restarts, n.config.MaxICERestarts)

	if n.config.Initiator {
		n.sendOfferLocked(true)
		return
	}

	// Responder: wait for the initiator's restart offer with the same
	// deadline an offer would get.
	n.stopTimer(&n.answerTimer)
	n.answerTimer = time.AfterFunc(n.config.AnswerTimeout, func() {
		n.terminate(StateFailed, ErrConnectionFailed)
	})
}

// failLocked terminates with a failure. Caller holds n.mu.
func (n *Negotiator) failLocked(err error) {
	n.mu.Unlock()
	n.terminate(StateFailed, err)
	n.mu.Lock()
}

// terminate moves to a terminal state exactly once and unblocks Run.
func (n *Negotiator) terminate(state State, err error) {
	n.doneOnce.Do(func() {
		n.mu.Lock()
		n.result = err
		n.setStateLocked(state)
		n.mu.Unlock()

		switch {
		case err == nil:
			// Normal end is recorded by the caller's room teardown.
		case errors.Is(err, ErrPartnerReadyTimeout) || errors.Is(err, ErrAnswerTimeout):
			metrics.NegotiationOutcomes.WithLabelValues("timeout").Inc()
		default:
			metrics.NegotiationOutcomes.WithLabelValues("failed").Inc()
		}

		close(n.done)
	})
}

// cleanup releases every resource the negotiation holds. Runs exactly once,
// on every Run exit path.
func (n *Negotiator) cleanup() {
	n.terminate(StateEnded, nil) // no-op if already terminal

	n.mu.Lock()
	n.stopTimer(&n.readyTimer)
	n.stopTimer(&n.answerTimer)
	n.stopTimer(&n.graceTimer)
	peer := n.peer
	n.peer = nil
	n.buffered = nil
	n.mu.Unlock()

	if peer != nil {
		if err := peer.Close(); err != nil {
			log.Printf("[negotiation] room=%s close peer: %v", n.config.RoomID, err)
		}
	}
	n.channel.Close()
}

func (n *Negotiator) setState(state State) {
	n.mu.Lock()
	n.setStateLocked(state)
	n.mu.Unlock()
}

// setStateLocked records a transition and fires the observer. Caller holds
// n.mu.
func (n *Negotiator) setStateLocked(state State) {
	if n.state == state {
		return
	}
	n.state = state
	if n.onState != nil {
		go n.onState(state)
	}
}

func (n *Negotiator) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// normalizeCandidate reduces a candidate line to its comparable form so
// redelivered copies are recognized regardless of framing differences.
func normalizeCandidate(candidate string) string {
	c := strings.TrimSpace(candidate)
	c = strings.TrimSuffix(c, "\r\n")
	c = strings.TrimPrefix(c, "a=")
	return c
}
