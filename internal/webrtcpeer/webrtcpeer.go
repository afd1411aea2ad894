// Package webrtcpeer adapts a pion PeerConnection to the negotiation and
// quality packages. It owns description marshalling (browser-compatible
// {"type","sdp"} JSON), local track attachment, and RTP statistics sampling.
package webrtcpeer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/meetcam/video-app/internal/negotiation"
	"github.com/meetcam/video-app/internal/quality"
)

// MediaSource supplies the local tracks attached to a peer connection.
type MediaSource interface {
	Tracks() ([]webrtc.TrackLocal, error)
}

// Peer wraps a pion PeerConnection behind negotiation.PeerConn and
// quality.StatsProvider.
type Peer struct {
	pc *webrtc.PeerConnection

	mu     sync.Mutex
	closed bool
}

var (
	_ negotiation.PeerConn  = (*Peer)(nil)
	_ quality.StatsProvider = (*Peer)(nil)
)

// New builds a peer connection with the given ICE servers and attaches every
// track from the media source. A nil media source yields a receive-only peer.
func New(iceServers []webrtc.ICEServer, media MediaSource) (*Peer, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: iceServers,
	})
	if err != nil {
		return nil, fmt.Errorf("webrtcpeer: new peer connection: %w", err)
	}

	if media != nil {
		tracks, err := media.Tracks()
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("webrtcpeer: media tracks: %w", err)
		}
		for _, track := range tracks {
			if _, err := pc.AddTrack(track); err != nil {
				pc.Close()
				return nil, fmt.Errorf("webrtcpeer: add track %s: %w", track.ID(), err)
			}
		}
	}

	return &Peer{pc: pc}, nil
}

// description is the browser-compatible JSON form of a session description.
type description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// CreateOffer produces a local offer and installs it as the local
// description. With iceRestart set, the offer carries fresh ICE credentials.
func (p *Peer) CreateOffer(iceRestart bool) (json.RawMessage, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}

	offer, err := p.pc.CreateOffer(opts)
	if err != nil {
		return nil, fmt.Errorf("webrtcpeer: create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("webrtcpeer: set local offer: %w", err)
	}
	return json.Marshal(description{Type: "offer", SDP: offer.SDP})
}

// CreateAnswer answers the current remote offer and installs the answer as
// the local description.
func (p *Peer) CreateAnswer() (json.RawMessage, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("webrtcpeer: create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("webrtcpeer: set local answer: %w", err)
	}
	return json.Marshal(description{Type: "answer", SDP: answer.SDP})
}

// SetRemoteDescription installs the partner's description.
func (p *Peer) SetRemoteDescription(kind string, sdp json.RawMessage) error {
	var desc description
	if err := json.Unmarshal(sdp, &desc); err != nil {
		return fmt.Errorf("webrtcpeer: decode %s: %w", kind, err)
	}

	sdpType := webrtc.NewSDPType(desc.Type)
	if sdpType == webrtc.SDPTypeUnknown {
		// Fall back to the signal kind for descriptions without a type field.
		sdpType = webrtc.NewSDPType(kind)
	}

	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: sdpType,
		SDP:  desc.SDP,
	}); err != nil {
		return fmt.Errorf("webrtcpeer: set remote %s: %w", kind, err)
	}
	return nil
}

// AddICECandidate applies a remote ICE candidate.
func (p *Peer) AddICECandidate(candidate string) error {
	if err := p.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate}); err != nil {
		return fmt.Errorf("webrtcpeer: add candidate: %w", err)
	}
	return nil
}

// OnICECandidate registers the trickle callback. The callback receives the
// candidate line, or an empty string when gathering completes.
func (p *Peer) OnICECandidate(fn func(candidate string)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn("")
			return
		}
		fn(c.ToJSON().Candidate)
	})
}

// OnConnectionStateChange registers the connection state callback, mapped to
// the negotiation package's state names.
func (p *Peer) OnConnectionStateChange(fn func(state negotiation.ConnState)) {
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fn(mapConnState(state))
	})
}

// OnTrack registers the remote track callback for consumers that render or
// measure inbound media.
func (p *Peer) OnTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	p.pc.OnTrack(fn)
}

// Sample reads the inbound RTP counters for the quality monitor. All inbound
// streams (audio and video) are aggregated.
func (p *Peer) Sample() (quality.Sample, error) {
	var sample quality.Sample

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return sample, fmt.Errorf("webrtcpeer: connection closed")
	}
	p.mu.Unlock()

	stats := p.pc.GetStats()
	for _, report := range stats {
		if inbound, ok := report.(webrtc.InboundRTPStreamStats); ok {
			sample.PacketsReceived += int64(inbound.PacketsReceived)
			sample.PacketsLost += int64(inbound.PacketsLost)
		}
	}
	return sample, nil
}

// Close tears down the peer connection.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	return p.pc.Close()
}

func mapConnState(state webrtc.PeerConnectionState) negotiation.ConnState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return negotiation.ConnNew
	case webrtc.PeerConnectionStateConnecting:
		return negotiation.ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return negotiation.ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return negotiation.ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return negotiation.ConnFailed
	default:
		return negotiation.ConnClosed
	}
}
