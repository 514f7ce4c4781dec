package session

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/roomsync/roomsync/crypto"
	"github.com/roomsync/roomsync/protocol"
)

// frameRecorder captures outbound frames for inspection.
type frameRecorder struct {
	frames []protocol.ChannelFrame
}

func (r *frameRecorder) sendFrame(f protocol.ChannelFrame) error {
	r.frames = append(r.frames, f)
	return nil
}

func (r *frameRecorder) last(t *testing.T) protocol.ChannelFrame {
	t.Helper()
	if len(r.frames) == 0 {
		t.Fatal("no frames sent")
	}
	return r.frames[len(r.frames)-1]
}

func testKeys(password string) crypto.RoomKeys {
	return crypto.DeriveRoomKeys([]byte(password), "550e8400-e29b-41d4-a716-446655440000")
}

// drive delivers a frame from one handshake's recorder to the other side.
func drive(t *testing.T, to *handshake, f protocol.ChannelFrame, out frameSender) {
	t.Helper()
	if err := to.handleFrame(f, out); err != nil {
		t.Fatalf("handleFrame(%s) failed: %v", f.Type, err)
	}
}

func TestHandshakeMutualSuccess(t *testing.T) {
	keys := testKeys("correct horse")
	a := newHandshake(keys.Auth)
	b := newHandshake(keys.Auth)
	aOut := &frameRecorder{}
	bOut := &frameRecorder{}

	if err := a.begin(aOut); err != nil {
		t.Fatal(err)
	}
	if err := b.begin(bOut); err != nil {
		t.Fatal(err)
	}

	aChallenge := aOut.last(t)
	bChallenge := bOut.last(t)

	// Deliver challenges both ways; each side responds.
	drive(t, b, aChallenge, bOut)
	drive(t, a, bChallenge, aOut)

	bResponse := bOut.last(t)
	aResponse := aOut.last(t)
	if bResponse.Type != protocol.FrameAuthResponse || aResponse.Type != protocol.FrameAuthResponse {
		t.Fatalf("expected responses, got %s and %s", bResponse.Type, aResponse.Type)
	}

	// Deliver responses; each side verifies and emits auth-success.
	drive(t, a, bResponse, aOut)
	drive(t, b, aResponse, bOut)

	if !a.remoteVerified || !b.remoteVerified {
		t.Fatal("both sides should have verified their counterpart")
	}
	if a.authenticated() || b.authenticated() {
		t.Fatal("not authenticated until auth-success arrives")
	}

	// Both recorders now end with their side's auth-success; deliver them.
	aSuccess := aOut.last(t)
	bSuccess := bOut.last(t)
	drive(t, a, bSuccess, aOut)
	drive(t, b, aSuccess, bOut)

	if !a.authenticated() {
		t.Error("a should be authenticated")
	}
	if !b.authenticated() {
		t.Error("b should be authenticated")
	}
}

func TestHandshakeWrongPassword(t *testing.T) {
	right := newHandshake(testKeys("correct horse").Auth)
	wrong := newHandshake(testKeys("battery staple").Auth)
	rightOut := &frameRecorder{}
	wrongOut := &frameRecorder{}

	if err := right.begin(rightOut); err != nil {
		t.Fatal(err)
	}

	// The impostor answers our challenge under the wrong key.
	drive(t, wrong, rightOut.last(t), wrongOut)
	response := wrongOut.last(t)

	err := right.handleFrame(response, rightOut)
	if !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	if right.remoteVerified || right.authenticated() {
		t.Error("wrong password must not authenticate")
	}

	// No data frame was ever sent: only challenge went out.
	for _, f := range rightOut.frames {
		if !protocol.IsAuthFrame(f.Type) {
			t.Errorf("non-auth frame %s sent during failed handshake", f.Type)
		}
	}
}

func TestHandshakeRejectsMismatchedChallenge(t *testing.T) {
	keys := testKeys("correct horse")
	h := newHandshake(keys.Auth)
	out := &frameRecorder{}
	if err := h.begin(out); err != nil {
		t.Fatal(err)
	}

	// A valid signature over a challenge we never sent must be rejected.
	other, err := crypto.NewChallenge()
	if err != nil {
		t.Fatal(err)
	}
	forged := protocol.ChannelFrame{
		Type:      protocol.FrameAuthResponse,
		Challenge: base64.StdEncoding.EncodeToString(other),
		Response:  base64.StdEncoding.EncodeToString(crypto.Sign(other, keys.Auth)),
	}

	if err := h.handleFrame(forged, out); !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Errorf("expected protocol violation for unsolicited signature, got %v", err)
	}
}

func TestHandshakeRejectsSecondChallenge(t *testing.T) {
	keys := testKeys("pw")
	h := newHandshake(keys.Auth)
	out := &frameRecorder{}

	challenge, err := crypto.NewChallenge()
	if err != nil {
		t.Fatal(err)
	}
	frame := protocol.ChannelFrame{
		Type:      protocol.FrameAuthChallenge,
		Challenge: base64.StdEncoding.EncodeToString(challenge),
	}

	if err := h.handleFrame(frame, out); err != nil {
		t.Fatal(err)
	}
	if err := h.handleFrame(frame, out); !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Errorf("expected violation on second challenge, got %v", err)
	}
}

func TestHandshakeRejectsEarlySuccess(t *testing.T) {
	h := newHandshake(testKeys("pw").Auth)
	out := &frameRecorder{}

	err := h.handleFrame(protocol.ChannelFrame{Type: protocol.FrameAuthSuccess}, out)
	if !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Errorf("expected violation for success before response, got %v", err)
	}
}

func TestHandshakeRejectsDataFrame(t *testing.T) {
	h := newHandshake(testKeys("pw").Auth)
	out := &frameRecorder{}

	err := h.handleFrame(protocol.ChannelFrame{Type: protocol.FrameUpdate, Update: "AAAA"}, out)
	if !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Errorf("expected violation for data frame before auth, got %v", err)
	}
}

func TestHandshakeRejectsMalformedChallenge(t *testing.T) {
	out := &frameRecorder{}

	for _, bad := range []string{"", "!!!", base64.StdEncoding.EncodeToString([]byte("short"))} {
		h := newHandshake(testKeys("pw").Auth)
		err := h.handleFrame(protocol.ChannelFrame{
			Type:      protocol.FrameAuthChallenge,
			Challenge: bad,
		}, out)
		if !errors.Is(err, protocol.ErrProtocolViolation) {
			t.Errorf("challenge %q: expected violation, got %v", bad, err)
		}
	}
}
