// Package protocol defines the wire formats shared by the rendezvous server
// and the session manager: the HTTP request/response bodies, the signaling
// relay frames, and the peer-to-peer data channel frames.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ValidRoomID reports whether s is a canonical lowercase 36-character UUID.
func ValidRoomID(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.String() == s
}

// NewRoomID returns a fresh room identifier in canonical form.
func NewRoomID() string {
	return uuid.NewString()
}

// NewPeerID returns a fresh peer identifier in canonical form.
func NewPeerID() string {
	return uuid.NewString()
}

// -----------------------------------------------------------------------------
// Signaling relay frames
// -----------------------------------------------------------------------------

// Relay frame types the server originates. Every other frame is relayed
// opaquely, routed by its "to" field.
const (
	SignalPeers      = "peers"
	SignalPeerJoined = "peer-joined"
	SignalPeerLeft   = "peer-left"
)

// Frame types peers exchange through the relay during transport negotiation.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
)

// SignalFrame is the envelope for relay traffic. Server-originated frames
// fill You/Peers/PeerID; peer-originated frames fill To (and the relay
// augments From on delivery). Negotiation frames add the SDP or candidate
// fields.
type SignalFrame struct {
	Type   string   `json:"type"`
	To     string   `json:"to,omitempty"`
	From   string   `json:"from,omitempty"`
	You    string   `json:"you,omitempty"`
	Peers  []string `json:"peers,omitempty"`
	PeerID string   `json:"peerId,omitempty"`

	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// -----------------------------------------------------------------------------
// Peer-to-peer data channel frames
// -----------------------------------------------------------------------------

// Data channel frame types. Auth frames must complete in both directions
// before any sync frame is legal.
const (
	FrameAuthChallenge = "auth-challenge"
	FrameAuthResponse  = "auth-response"
	FrameAuthSuccess   = "auth-success"
	FrameSyncRequest   = "yjs-sync-request"
	FrameSyncResponse  = "yjs-sync-response"
	FrameUpdate        = "yjs-update"
)

// ChannelFrame is one message on the ordered reliable data channel.
// Challenge, Response and Update carry base64-encoded bytes.
type ChannelFrame struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge,omitempty"`
	Response  string `json:"response,omitempty"`
	Update    string `json:"update,omitempty"`
}

// MarshalChannelFrame serializes a frame for the data channel.
func MarshalChannelFrame(f ChannelFrame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal channel frame: %w", err)
	}
	return data, nil
}

// UnmarshalChannelFrame deserializes a data channel message. A frame with an
// unknown or empty type is a protocol violation.
func UnmarshalChannelFrame(data []byte) (ChannelFrame, error) {
	var f ChannelFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return ChannelFrame{}, fmt.Errorf("%w: malformed channel frame", ErrProtocolViolation)
	}
	switch f.Type {
	case FrameAuthChallenge, FrameAuthResponse, FrameAuthSuccess,
		FrameSyncRequest, FrameSyncResponse, FrameUpdate:
		return f, nil
	default:
		return ChannelFrame{}, fmt.Errorf("%w: unknown frame type %q", ErrProtocolViolation, f.Type)
	}
}

// IsAuthFrame reports whether t is one of the authentication frame types.
func IsAuthFrame(t string) bool {
	switch t {
	case FrameAuthChallenge, FrameAuthResponse, FrameAuthSuccess:
		return true
	}
	return false
}

// -----------------------------------------------------------------------------
// HTTP bodies
// -----------------------------------------------------------------------------

// InviteRequest is the body of POST /invite.
type InviteRequest struct {
	RoomID string `json:"roomId"`
}

// InviteResponse carries the freshly minted share code.
type InviteResponse struct {
	Code      string `json:"code"`
	ExpiresIn int    `json:"expiresIn"`
}

// JoinResponse is the body of a successful POST /join/<code>.
type JoinResponse struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

// AnnounceRequest is the body of POST /room/<uuid>/announce.
type AnnounceRequest struct {
	PeerID        string   `json:"peerId"`
	SDPOffer      string   `json:"sdpOffer,omitempty"`
	ICECandidates []string `json:"iceCandidates,omitempty"`
}

// AnnounceResponse acknowledges a presence refresh.
type AnnounceResponse struct {
	Success   bool `json:"success"`
	ExpiresIn int  `json:"expiresIn"`
}

// PresenceRecord is one live peer in a GET /room/<uuid>/peers response.
type PresenceRecord struct {
	PeerID        string   `json:"peerId"`
	SDPOffer      string   `json:"sdpOffer,omitempty"`
	ICECandidates []string `json:"iceCandidates,omitempty"`
	LastSeen      int64    `json:"lastSeen"`
}

// PeersResponse is the body of GET /room/<uuid>/peers.
type PeersResponse struct {
	RoomID string           `json:"roomId"`
	Peers  []PresenceRecord `json:"peers"`
	Count  int              `json:"count"`
}

// ErrorResponse is the body of every non-2xx HTTP response.
type ErrorResponse struct {
	Error string `json:"error"`
}
