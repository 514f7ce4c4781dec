package session

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/roomsync/roomsync/crypto"
	"github.com/roomsync/roomsync/protocol"
)

// frameSender abstracts the data channel so the handshake is testable
// without a live transport.
type frameSender interface {
	sendFrame(f protocol.ChannelFrame) error
}

// handshake runs the mutual zero-knowledge authentication over one
// transport. Exactly one challenge is in flight in each direction: ours,
// sent on channel open, and theirs, which we answer on receipt.
//
// The transport is authenticated only when both direction bits are set:
// remoteVerified (the peer answered our challenge correctly, checked by our
// own Verify, which is the security root) and localAccepted (the peer told
// us it accepted our answer; advisory, but required before we send data so
// the remote is never handed frames it would reject).
type handshake struct {
	authKey []byte

	outChallenge   []byte
	sawChallenge   bool
	responded      bool
	remoteVerified bool
	localAccepted  bool
}

func newHandshake(authKey []byte) *handshake {
	return &handshake{authKey: authKey}
}

// begin sends our challenge. Called once when the channel opens.
func (h *handshake) begin(s frameSender) error {
	challenge, err := crypto.NewChallenge()
	if err != nil {
		return err
	}
	h.outChallenge = challenge
	return s.sendFrame(protocol.ChannelFrame{
		Type:      protocol.FrameAuthChallenge,
		Challenge: base64.StdEncoding.EncodeToString(challenge),
	})
}

// authenticated reports whether both directions are verified.
func (h *handshake) authenticated() bool {
	return h.remoteVerified && h.localAccepted
}

// handleFrame advances the state machine on one received auth frame. Any
// deviation from the expected exchange is a protocol violation and the
// caller must close the transport.
func (h *handshake) handleFrame(f protocol.ChannelFrame, s frameSender) error {
	switch f.Type {
	case protocol.FrameAuthChallenge:
		return h.handleChallenge(f, s)
	case protocol.FrameAuthResponse:
		return h.handleResponse(f, s)
	case protocol.FrameAuthSuccess:
		return h.handleSuccess()
	default:
		return fmt.Errorf("%w: frame %q before authentication", protocol.ErrProtocolViolation, f.Type)
	}
}

func (h *handshake) handleChallenge(f protocol.ChannelFrame, s frameSender) error {
	if h.sawChallenge {
		return fmt.Errorf("%w: second inbound challenge", protocol.ErrProtocolViolation)
	}
	challenge, err := base64.StdEncoding.DecodeString(f.Challenge)
	if err != nil || len(challenge) != crypto.ChallengeSize {
		return fmt.Errorf("%w: malformed challenge", protocol.ErrProtocolViolation)
	}
	h.sawChallenge = true
	h.responded = true
	return s.sendFrame(protocol.ChannelFrame{
		Type:      protocol.FrameAuthResponse,
		Challenge: f.Challenge,
		Response:  base64.StdEncoding.EncodeToString(crypto.Sign(challenge, h.authKey)),
	})
}

func (h *handshake) handleResponse(f protocol.ChannelFrame, s frameSender) error {
	if h.outChallenge == nil || h.remoteVerified {
		return fmt.Errorf("%w: unsolicited response", protocol.ErrProtocolViolation)
	}
	echoed, err := base64.StdEncoding.DecodeString(f.Challenge)
	if err != nil {
		return fmt.Errorf("%w: malformed response", protocol.ErrProtocolViolation)
	}
	// The response must answer the challenge we actually sent. Accepting a
	// signature over any other value would let an attacker replay material
	// it observed elsewhere.
	if subtle.ConstantTimeCompare(echoed, h.outChallenge) != 1 {
		return fmt.Errorf("%w: response for unknown challenge", protocol.ErrProtocolViolation)
	}
	response, err := base64.StdEncoding.DecodeString(f.Response)
	if err != nil {
		return fmt.Errorf("%w: malformed response", protocol.ErrProtocolViolation)
	}
	if !crypto.Verify(h.outChallenge, response, h.authKey) {
		return fmt.Errorf("%w: challenge verification failed", protocol.ErrProtocolViolation)
	}
	h.remoteVerified = true
	return s.sendFrame(protocol.ChannelFrame{Type: protocol.FrameAuthSuccess})
}

func (h *handshake) handleSuccess() error {
	if !h.responded {
		return fmt.Errorf("%w: success before we responded", protocol.ErrProtocolViolation)
	}
	h.localAccepted = true
	return nil
}
