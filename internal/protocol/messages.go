// Package protocol defines the WebSocket message types and structures used for
// communication between the client and the signaling server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinQueue   = "join_queue"
	TypeCancelQueue = "cancel_queue"
	TypeSignal      = "signal"
	TypeCandidate   = "candidate"
	TypePollSignals = "poll_signals"
	TypeEndRoom     = "end_room"
	TypeSkip        = "skip"
	TypeLikePartner = "like_partner"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated = "session_created"
	TypeQueueJoined    = "queue_joined"
	TypeMatchFound     = "match_found"
	TypeNoPartners     = "no_partners"
	TypeSignalRecv     = "signal_recv"
	TypeCandidateRecv  = "candidate_recv"
	TypeSignalBatch    = "signal_batch"
	TypePartnerLeft    = "partner_left"
	TypeRoomEnded      = "room_ended"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Error codes carried by ErrorMsg. These mirror the server's admission and
// authorization failure modes.
const (
	CodeNotAuthenticated = "not_authenticated"
	CodeAlreadyInRoom    = "already_in_room"
	CodeRoomNotFound     = "room_not_found"
	CodeForbidden        = "forbidden"
	CodeRateLimited      = "rate_limited"
	CodeInvalidMessage   = "invalid_message"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinQueueMsg is sent by the client to enter the matchmaking queue.
type JoinQueueMsg struct {
	Type string `json:"type"`
}

// CancelQueueMsg is sent by the client to leave the matchmaking queue before
// a partner is found.
type CancelQueueMsg struct {
	Type string `json:"type"`
}

// SignalMsg carries a session description (offer or answer) to the partner in
// a room. SDP is the opaque description envelope; the server never inspects it.
type SignalMsg struct {
	Type   string          `json:"type"`
	RoomID string          `json:"room_id"`
	To     string          `json:"to"`
	Kind   string          `json:"kind"` // "offer" | "answer" | "ready" | "bye"
	SDP    json.RawMessage `json:"sdp,omitempty"`
}

// CandidateMsg carries one ICE candidate to the partner in a room.
type CandidateMsg struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	To        string `json:"to"`
	Candidate string `json:"candidate"`
}

// PollSignalsMsg asks the server for all undelivered signaling rows after the
// given watermarks. It is the poll fallback for clients whose push channel is
// unavailable.
type PollSignalsMsg struct {
	Type           string `json:"type"`
	RoomID         string `json:"room_id"`
	AfterSignal    int64  `json:"after_signal"`
	AfterCandidate int64  `json:"after_candidate"`
}

// EndRoomMsg is sent by the client to hang up and end the room.
type EndRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// SkipMsg ends the current room and immediately re-enters the matchmaking
// queue.
type SkipMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// LikePartnerMsg records a "like" for the current partner. It is forwarded
// fire-and-forget to the external notification dispatcher.
type LikePartnerMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new session is established.
type SessionCreatedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// QueueJoinedMsg confirms the client has entered the matchmaking queue.
// Timeout is the server-owned no-partner timeout in seconds.
type QueueJoinedMsg struct {
	Type    string `json:"type"`
	Timeout int    `json:"timeout"`
}

// MatchFoundMsg is sent when a partner has been paired with this client.
// Initiator tells the client whether it creates the offer; both sides derive
// the same answer from id comparison, the flag just saves the lookup.
type MatchFoundMsg struct {
	Type        string `json:"type"`
	RoomID      string `json:"room_id"`
	PartnerID   string `json:"partner_id"`
	PartnerName string `json:"partner_name,omitempty"`
	Initiator   bool   `json:"initiator"`
}

// NoPartnersMsg is sent when the queue wait exceeded the server timeout
// without finding a partner. Distinct from any transport failure.
type NoPartnersMsg struct {
	Type    string `json:"type"`
	Waited  int    `json:"waited"` // seconds spent waiting
	Message string `json:"message,omitempty"`
}

// ServerSignalMsg relays a persisted session description to the recipient.
type ServerSignalMsg struct {
	Type   string          `json:"type"`
	ID     int64           `json:"id"`
	RoomID string          `json:"room_id"`
	From   string          `json:"from"`
	Kind   string          `json:"kind"`
	SDP    json.RawMessage `json:"sdp,omitempty"`
}

// ServerCandidateMsg relays a persisted ICE candidate to the recipient.
type ServerCandidateMsg struct {
	Type      string `json:"type"`
	ID        int64  `json:"id"`
	RoomID    string `json:"room_id"`
	From      string `json:"from"`
	Candidate string `json:"candidate"`
}

// SignalBatchMsg is the poll_signals response: every undelivered signal and
// candidate after the requested watermarks, in persisted order.
type SignalBatchMsg struct {
	Type       string               `json:"type"`
	RoomID     string               `json:"room_id"`
	Signals    []ServerSignalMsg    `json:"signals"`
	Candidates []ServerCandidateMsg `json:"candidates"`
}

// PartnerLeftMsg is sent when the partner ended the room, skipped, or
// disconnected.
type PartnerLeftMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// RoomEndedMsg confirms the caller's own end_room / skip request.
type RoomEndedMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// RateLimitedMsg is sent when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinQueue:
		var m JoinQueueMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCancelQueue:
		var m CancelQueueMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSignal:
		var m SignalMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCandidate:
		var m CandidateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePollSignals:
		var m PollSignalsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEndRoom:
		var m EndRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSkip:
		var m SkipMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLikePartner:
		var m LikePartnerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
