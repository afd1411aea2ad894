// Command callprobe runs one real call against a running MeetCam stack: it
// connects two probe users over WebSocket, queues both, negotiates a WebRTC
// session between them with synthetic media, holds the call while sampling
// connection quality, and hangs up.
//
// Usage:
//
//	go run ./cmd/callprobe/ [-url ws://localhost:8080/ws] [-hold 10s] [-timeout 90s]
//
// Exit code 0 when both probes reached a connected call, 1 otherwise.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/meetcam/video-app/internal/auth"
	"github.com/meetcam/video-app/internal/external"
	"github.com/meetcam/video-app/internal/negotiation"
	"github.com/meetcam/video-app/internal/protocol"
	"github.com/meetcam/video-app/internal/quality"
	"github.com/meetcam/video-app/internal/signaling"
	"github.com/meetcam/video-app/internal/webrtcpeer"
)

// ---------------------------------------------------------------------------
// Probe client
// ---------------------------------------------------------------------------

// probeClient is a minimal WebSocket client speaking the signaling protocol.
// Incoming messages are dispatched by type to registered handlers from a
// single read loop goroutine.
type probeClient struct {
	conn      net.Conn
	userID    string
	mu        sync.Mutex
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
}

// dialProbe connects and authenticates one probe user. The token travels as a
// query parameter, same as a browser client that cannot set headers on the
// upgrade request.
func dialProbe(ctx context.Context, wsURL, token, userID string) (*probeClient, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &probeClient{
		conn:     conn,
		userID:   userID,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// send writes one JSON message. Goroutine-safe.
func (c *probeClient) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// on registers the handler for a server message type. Handlers run on the
// read loop goroutine and receive the raw JSON of the whole message.
func (c *probeClient) on(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

func (c *probeClient) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			log.Printf("[%s] read: %v", c.userID, err)
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}
		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(data)
		}
	}
}

func (c *probeClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// ---------------------------------------------------------------------------
// Signaling channel over the probe connection
// ---------------------------------------------------------------------------

// probeChannel adapts the WebSocket protocol to the signaling.Channel the
// negotiator consumes. It merges the push events with a slow poll fallback
// and deduplicates by watermark: both streams deliver in id order, so
// anything at or below the last seen id is a redelivery.
type probeChannel struct {
	client    *probeClient
	roomID    string
	partnerID string

	mu            sync.Mutex
	lastSignal    int64
	lastCandidate int64
	closed        bool
	events        chan signaling.Event

	pollCancel context.CancelFunc
}

var _ signaling.Channel = (*probeChannel)(nil)

func newProbeChannel(client *probeClient, roomID, partnerID string) *probeChannel {
	ch := &probeChannel{
		client:    client,
		roomID:    roomID,
		partnerID: partnerID,
		events:    make(chan signaling.Event, 64),
	}

	client.on(protocol.TypeSignalRecv, func(data json.RawMessage) {
		var m protocol.ServerSignalMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		ch.deliver(signaling.Event{ID: m.ID, RoomID: m.RoomID, From: m.From, Kind: m.Kind, SDP: m.SDP})
	})
	client.on(protocol.TypeCandidateRecv, func(data json.RawMessage) {
		var m protocol.ServerCandidateMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		ch.deliver(signaling.Event{ID: m.ID, RoomID: m.RoomID, From: m.From, Kind: signaling.KindCandidate, Candidate: m.Candidate})
	})
	client.on(protocol.TypeSignalBatch, func(data json.RawMessage) {
		var m protocol.SignalBatchMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		for _, s := range m.Signals {
			ch.deliver(signaling.Event{ID: s.ID, RoomID: s.RoomID, From: s.From, Kind: s.Kind, SDP: s.SDP})
		}
		for _, cand := range m.Candidates {
			ch.deliver(signaling.Event{ID: cand.ID, RoomID: cand.RoomID, From: cand.From, Kind: signaling.KindCandidate, Candidate: cand.Candidate})
		}
	})

	pollCtx, cancel := context.WithCancel(context.Background())
	ch.pollCancel = cancel
	go ch.pollLoop(pollCtx)

	return ch
}

// pollLoop is the safety net for lost pushes: every couple of seconds it asks
// the server for everything past the watermarks.
func (ch *probeChannel) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ch.mu.Lock()
			afterSignal, afterCandidate := ch.lastSignal, ch.lastCandidate
			ch.mu.Unlock()
			ch.client.send(protocol.PollSignalsMsg{
				Type:           protocol.TypePollSignals,
				RoomID:         ch.roomID,
				AfterSignal:    afterSignal,
				AfterCandidate: afterCandidate,
			})
		}
	}
}

func (ch *probeChannel) deliver(ev signaling.Event) {
	if ev.RoomID != ch.roomID {
		return
	}
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	if ev.IsCandidate() {
		if ev.ID <= ch.lastCandidate {
			ch.mu.Unlock()
			return
		}
		ch.lastCandidate = ev.ID
	} else {
		if ev.ID <= ch.lastSignal {
			ch.mu.Unlock()
			return
		}
		ch.lastSignal = ev.ID
	}

	// Non-blocking send, still under the lock so Close cannot slip in
	// between the closed check and the send.
	select {
	case ch.events <- ev:
	default:
		log.Printf("[%s] event buffer full, dropping %s id=%d", ch.client.userID, ev.Kind, ev.ID)
	}
	ch.mu.Unlock()
}

func (ch *probeChannel) SendSignal(kind string, sdp json.RawMessage) error {
	return ch.client.send(protocol.SignalMsg{
		Type:   protocol.TypeSignal,
		RoomID: ch.roomID,
		To:     ch.partnerID,
		Kind:   kind,
		SDP:    sdp,
	})
}

func (ch *probeChannel) SendCandidate(candidate string) error {
	return ch.client.send(protocol.CandidateMsg{
		Type:      protocol.TypeCandidate,
		RoomID:    ch.roomID,
		To:        ch.partnerID,
		Candidate: candidate,
	})
}

func (ch *probeChannel) Events() <-chan signaling.Event {
	return ch.events
}

func (ch *probeChannel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil
	}
	ch.closed = true
	ch.pollCancel()
	close(ch.events)
	return nil
}

// ---------------------------------------------------------------------------
// Probe run
// ---------------------------------------------------------------------------

// matchInfo is delivered once a probe user has been paired.
type matchInfo struct {
	roomID    string
	partnerID string
	initiator bool
}

// runProbe takes one user through the whole journey: queue, match, negotiate,
// hold, hang up. It returns nil only if the call reached connected state.
func runProbe(ctx context.Context, wsURL string, minter *auth.Verifier, userID, displayName string, iceConfig func(context.Context) string, hold time.Duration) error {
	token, err := minter.Mint(userID, displayName)
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}

	client, err := dialProbe(ctx, wsURL, token, userID)
	if err != nil {
		return err
	}
	defer client.close()

	matchCh := make(chan matchInfo, 1)
	failCh := make(chan error, 2)

	client.on(protocol.TypeMatchFound, func(data json.RawMessage) {
		var m protocol.MatchFoundMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		select {
		case matchCh <- matchInfo{roomID: m.RoomID, partnerID: m.PartnerID, initiator: m.Initiator}:
		default:
		}
	})
	client.on(protocol.TypeNoPartners, func(data json.RawMessage) {
		failCh <- fmt.Errorf("no partners found before the queue timeout")
	})
	client.on(protocol.TypeError, func(data json.RawMessage) {
		var m protocol.ErrorMsg
		json.Unmarshal(data, &m)
		log.Printf("[%s] server error code=%s: %s", userID, m.Code, m.Message)
	})

	if err := client.send(protocol.JoinQueueMsg{Type: protocol.TypeJoinQueue}); err != nil {
		return fmt.Errorf("join queue: %w", err)
	}

	var match matchInfo
	select {
	case <-ctx.Done():
		return fmt.Errorf("no match before deadline")
	case err := <-failCh:
		return err
	case match = <-matchCh:
	}
	log.Printf("[%s] matched: room=%s partner=%s initiator=%v", userID, match.roomID, match.partnerID, match.initiator)

	channel := newProbeChannel(client, match.roomID, match.partnerID)

	// Traversal config is fetched per call attempt; an empty result means
	// the built-in STUN fallback.
	servers, err := webrtcpeer.ParseICEServersJSON(iceConfig(ctx))
	if err != nil {
		return fmt.Errorf("ice servers: %w", err)
	}

	var (
		peerMu sync.Mutex
		peer   *webrtcpeer.Peer
	)
	factory := func(ctx context.Context) (negotiation.PeerConn, error) {
		p, err := webrtcpeer.New(servers, &webrtcpeer.SyntheticSource{StreamID: "probe-" + userID})
		if err != nil {
			return nil, err
		}
		peerMu.Lock()
		peer = p
		peerMu.Unlock()
		return p, nil
	}

	connected := make(chan struct{}, 1)
	neg := negotiation.New(negotiation.Config{
		RoomID:    match.roomID,
		UserID:    userID,
		PartnerID: match.partnerID,
		Initiator: match.initiator,
	}, channel, factory, func(state negotiation.State) {
		log.Printf("[%s] state=%s", userID, state)
		if state == negotiation.StateConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})

	runErr := make(chan error, 1)
	go func() { runErr <- neg.Run(ctx) }()

	select {
	case <-ctx.Done():
		neg.End()
		<-runErr
		return fmt.Errorf("negotiation did not connect before deadline")
	case err := <-runErr:
		if err == nil {
			err = fmt.Errorf("call ended before reaching connected state")
		}
		return err
	case <-connected:
	}

	// Call is up: watch quality while holding it open.
	peerMu.Lock()
	p := peer
	peerMu.Unlock()
	monitor := quality.NewMonitor(p, quality.DefaultInterval, func(level quality.Level) {
		log.Printf("[%s] quality=%s", userID, level)
	})
	monitor.Start(ctx)

	select {
	case <-ctx.Done():
	case <-time.After(hold):
	case err := <-runErr:
		monitor.Stop()
		if err != nil {
			return fmt.Errorf("call dropped: %w", err)
		}
		// Partner hung up first; the call still connected, so the probe passed.
		log.Printf("[%s] partner ended the call", userID)
		return nil
	}
	monitor.Stop()
	log.Printf("[%s] final quality=%s", userID, monitor.Level())

	// Hang up. The initiator ends the room server-side; both end the local
	// negotiation.
	if match.initiator {
		client.send(protocol.EndRoomMsg{Type: protocol.TypeEndRoom, RoomID: match.roomID})
	}
	neg.End()
	if err := <-runErr; err != nil {
		return fmt.Errorf("call teardown: %w", err)
	}
	return nil
}

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "JWT signing secret (defaults to $JWT_SECRET)")
	iceServers := flag.String("ice", os.Getenv("ICE_SERVERS"), "ICE servers JSON (defaults to $ICE_SERVERS, else public STUN)")
	iceURL := flag.String("ice-url", os.Getenv("ICE_CONFIG_URL"), "Traversal config service base URL (defaults to $ICE_CONFIG_URL)")
	hold := flag.Duration("hold", 10*time.Second, "How long to hold the connected call")
	timeout := flag.Duration("timeout", 90*time.Second, "Global probe timeout")
	flag.Parse()

	if *secret == "" {
		log.Fatal("a JWT secret is required (-secret or $JWT_SECRET)")
	}

	minter := auth.NewVerifier(*secret)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// Literal -ice JSON wins; otherwise ask the config service, falling back
	// to the default STUN set when neither is available.
	iceClient := external.NewICEClient(*iceURL)
	iceConfig := func(ctx context.Context) string {
		if *iceServers != "" {
			return *iceServers
		}
		return iceClient.Config(ctx)
	}

	suffix := uuid.New().String()[:8]
	userA := "probe-a-" + suffix
	userB := "probe-b-" + suffix

	fmt.Println("=== MeetCam call probe ===")
	fmt.Printf("server: %s  users: %s, %s\n\n", *wsURL, userA, userB)

	errs := make(chan error, 2)
	go func() { errs <- runProbe(ctx, *wsURL, minter, userA, "Probe A", iceConfig, *hold) }()
	go func() { errs <- runProbe(ctx, *wsURL, minter, userB, "Probe B", iceConfig, *hold) }()

	failed := false
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			log.Printf("probe failed: %v", err)
			failed = true
		}
	}

	if failed {
		fmt.Println("\nRESULT: FAIL")
		os.Exit(1)
	}
	fmt.Println("\nRESULT: PASS")
}
