package protocol

import (
	"encoding/base64"
	"errors"
	"testing"
)

func TestValidRoomID(t *testing.T) {
	if !ValidRoomID("550e8400-e29b-41d4-a716-446655440000") {
		t.Error("canonical UUID rejected")
	}

	for _, bad := range []string{
		"",
		"not-a-uuid",
		"550E8400-E29B-41D4-A716-446655440000", // uppercase is not canonical
		"550e8400e29b41d4a716446655440000",     // no dashes
	} {
		if ValidRoomID(bad) {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestNewRoomIDCanonical(t *testing.T) {
	id := NewRoomID()
	if !ValidRoomID(id) {
		t.Errorf("generated room id %q is not canonical", id)
	}
}

func TestChannelFrameRoundTrip(t *testing.T) {
	challenge := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	data, err := MarshalChannelFrame(ChannelFrame{
		Type:      FrameAuthChallenge,
		Challenge: challenge,
	})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	f, err := UnmarshalChannelFrame(data)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if f.Type != FrameAuthChallenge || f.Challenge != challenge {
		t.Errorf("round trip mismatch: %+v", f)
	}
}

func TestUnmarshalChannelFrameRejectsUnknown(t *testing.T) {
	for _, raw := range []string{
		`{"type":"yjs-delete"}`,
		`{"type":""}`,
		`{}`,
		`not json`,
	} {
		_, err := UnmarshalChannelFrame([]byte(raw))
		if !errors.Is(err, ErrProtocolViolation) {
			t.Errorf("frame %q: expected protocol violation, got %v", raw, err)
		}
	}
}

func TestIsAuthFrame(t *testing.T) {
	for _, ft := range []string{FrameAuthChallenge, FrameAuthResponse, FrameAuthSuccess} {
		if !IsAuthFrame(ft) {
			t.Errorf("%s should be an auth frame", ft)
		}
	}
	for _, ft := range []string{FrameSyncRequest, FrameSyncResponse, FrameUpdate, "other"} {
		if IsAuthFrame(ft) {
			t.Errorf("%s should not be an auth frame", ft)
		}
	}
}
