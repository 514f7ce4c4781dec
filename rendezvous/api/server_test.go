package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/roomsync/roomsync/protocol"
	"github.com/roomsync/roomsync/rendezvous/store"
)

const testRoom = "550e8400-e29b-41d4-a716-446655440000"
const testPeer = "7c9e6679-7425-40de-944b-e07fc1f90ae7"

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(":0", opts, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return out
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeJSON[map[string]string](t, resp)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestInviteAndJoin(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	resp := postJSON(t, ts.URL+"/invite", protocol.InviteRequest{RoomID: testRoom})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	invite := decodeJSON[protocol.InviteResponse](t, resp)
	if len(invite.Code) != 9 || invite.Code[4] != '-' {
		t.Fatalf("malformed share code %q", invite.Code)
	}
	if invite.ExpiresIn != 300 {
		t.Errorf("expected expiresIn 300, got %d", invite.ExpiresIn)
	}

	// First redemption succeeds.
	resp = postJSON(t, ts.URL+"/join/"+invite.Code, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join: expected 200, got %d", resp.StatusCode)
	}
	join := decodeJSON[protocol.JoinResponse](t, resp)
	if join.RoomID != testRoom {
		t.Errorf("expected room %s, got %s", testRoom, join.RoomID)
	}

	// The code is single use.
	resp = postJSON(t, ts.URL+"/join/"+invite.Code, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second join: expected 404, got %d", resp.StatusCode)
	}
}

func TestJoinIsCaseInsensitive(t *testing.T) {
	s, ts := newTestServer(t, Options{})
	s.Store().PutInvite("ABCD-WXYZ", testRoom, 300*time.Second)

	resp := postJSON(t, ts.URL+"/join/abcd-wxyz", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("lowercase join: expected 200, got %d", resp.StatusCode)
	}
}

func TestInviteRejectsBadRoomID(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	for _, roomID := range []string{"", "not-a-uuid", "550E8400-E29B-41D4-A716-446655440000"} {
		resp := postJSON(t, ts.URL+"/invite", protocol.InviteRequest{RoomID: roomID})
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("room %q: expected 400, got %d", roomID, resp.StatusCode)
		}
	}
}

func TestJoinRejectsMalformedCode(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	resp := postJSON(t, ts.URL+"/join/tooshort", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed code, got %d", resp.StatusCode)
	}
}

func TestAnnounceAndListPeers(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	resp := postJSON(t, ts.URL+"/room/"+testRoom+"/announce", protocol.AnnounceRequest{
		PeerID:   testPeer,
		SDPOffer: "mock-sdp",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("announce: expected 200, got %d", resp.StatusCode)
	}
	ack := decodeJSON[protocol.AnnounceResponse](t, resp)
	if !ack.Success || ack.ExpiresIn != 120 {
		t.Errorf("unexpected announce ack: %+v", ack)
	}

	getResp, err := http.Get(ts.URL + "/room/" + testRoom + "/peers")
	if err != nil {
		t.Fatalf("GET peers failed: %v", err)
	}
	peers := decodeJSON[protocol.PeersResponse](t, getResp)
	if peers.Count != 1 || len(peers.Peers) != 1 {
		t.Fatalf("expected one peer, got %+v", peers)
	}
	if peers.Peers[0].PeerID != testPeer || peers.Peers[0].SDPOffer != "mock-sdp" {
		t.Errorf("unexpected peer record: %+v", peers.Peers[0])
	}
	if peers.Peers[0].LastSeen == 0 {
		t.Error("lastSeen not stamped")
	}
}

func TestAnnounceRejectsBadPeerID(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	resp := postJSON(t, ts.URL+"/room/"+testRoom+"/announce", protocol.AnnounceRequest{
		PeerID: "not-a-uuid",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestRateLimit(t *testing.T) {
	_, ts := newTestServer(t, Options{RequestsPerMinute: 5})

	for i := 0; i < 5; i++ {
		resp := postJSON(t, ts.URL+"/invite", protocol.InviteRequest{RoomID: testRoom})
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, resp.StatusCode)
		}
	}

	resp := postJSON(t, ts.URL+"/invite", protocol.InviteRequest{RoomID: testRoom})
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429 after budget, got %d", resp.StatusCode)
	}
}

func TestRateLimitedInviteHasNoSideEffect(t *testing.T) {
	s, ts := newTestServer(t, Options{RequestsPerMinute: 1})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/invite", protocol.InviteRequest{RoomID: testRoom})
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}

	// No invite was persisted for the rejected request: once every TTL has
	// passed, an empty prune proves the store never held one.
	mem, ok := s.Store().(*store.MemoryStore)
	if !ok {
		t.Fatal("expected memory store")
	}
	mem.SetClock(func() time.Time { return time.Now().Add(301 * time.Second) })
	if got := mem.PruneStale(); got != 0 {
		t.Errorf("expected no stored invite, pruned %d record(s)", got)
	}
}

func TestUnknownRoute(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	resp, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestSignalRequiresUpgrade(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	resp, err := http.Get(ts.URL + "/room/" + testRoom + "/signal")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("expected 426, got %d", resp.StatusCode)
	}
}

func TestConcurrentJoinExactlyOne(t *testing.T) {
	s, ts := newTestServer(t, Options{RequestsPerMinute: 1000})
	s.Store().PutInvite("QRST-2345", testRoom, 300*time.Second)

	const workers = 16
	results := make(chan int, workers)
	for i := 0; i < workers; i++ {
		go func() {
			resp, err := http.Post(fmt.Sprintf("%s/join/QRST-2345", ts.URL), "application/json", nil)
			if err != nil {
				results <- 0
				return
			}
			resp.Body.Close()
			results <- resp.StatusCode
		}()
	}

	successes := 0
	for i := 0; i < workers; i++ {
		if <-results == http.StatusOK {
			successes++
		}
	}
	if successes != 1 {
		t.Errorf("expected exactly one successful join, got %d", successes)
	}
}
