package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roomsync/roomsync/protocol"
)

// Client talks to the rendezvous server's HTTP surface. Every request
// carries the configured deadline. Errors map onto the shared taxonomy so
// the session can pick a retry policy without inspecting status codes.
type Client struct {
	baseURL  string
	http     *http.Client
	deadline time.Duration
}

// NewClient creates a rendezvous client for baseURL (e.g.
// "https://rendezvous.example.org").
func NewClient(baseURL string, deadline time.Duration) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{},
		deadline: deadline,
	}
}

// CreateInvite asks the server to mint a one-time share code for roomID.
func (c *Client) CreateInvite(ctx context.Context, roomID string) (string, error) {
	var resp protocol.InviteResponse
	err := c.do(ctx, http.MethodPost, "/invite", protocol.InviteRequest{RoomID: roomID}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Code, nil
}

// Join redeems a share code and returns the room it unlocked.
func (c *Client) Join(ctx context.Context, code string) (string, error) {
	var resp protocol.JoinResponse
	err := c.do(ctx, http.MethodPost, "/join/"+code, nil, &resp)
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

// Announce refreshes this peer's presence record in roomID.
func (c *Client) Announce(ctx context.Context, roomID, peerID string) error {
	var resp protocol.AnnounceResponse
	return c.do(ctx, http.MethodPost, "/room/"+roomID+"/announce",
		protocol.AnnounceRequest{PeerID: peerID}, &resp)
}

// ListPeers returns the unexpired presence records for roomID.
func (c *Client) ListPeers(ctx context.Context, roomID string) ([]protocol.PresenceRecord, error) {
	var resp protocol.PeersResponse
	err := c.do(ctx, http.MethodGet, "/room/"+roomID+"/peers", nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Peers, nil
}

// DialSignal opens the signaling relay for roomID.
func (c *Client) DialSignal(ctx context.Context, roomID string) (*websocket.Conn, error) {
	wsURL := c.baseURL + "/room/" + roomID + "/signal"
	if strings.HasPrefix(wsURL, "https") {
		wsURL = "wss" + strings.TrimPrefix(wsURL, "https")
	} else {
		wsURL = "ws" + strings.TrimPrefix(wsURL, "http")
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: relay", protocol.ErrRateLimited)
		}
		return nil, fmt.Errorf("%w: relay dial: %v", protocol.ErrTransient, err)
	}
	return conn, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", protocol.ErrFatal, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", protocol.ErrFatal, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", protocol.ErrTransient, err)
		}
		return nil
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", protocol.ErrInvalidArgument, readError(resp.Body))
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", protocol.ErrNotFound, readError(resp.Body))
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", protocol.ErrRateLimited, readError(resp.Body))
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: server status %d", protocol.ErrTransient, resp.StatusCode)
	default:
		return fmt.Errorf("%w: unexpected status %d", protocol.ErrTransient, resp.StatusCode)
	}
}

func readError(r io.Reader) string {
	var e protocol.ErrorResponse
	if err := json.NewDecoder(r).Decode(&e); err != nil || e.Error == "" {
		return "no detail"
	}
	return e.Error
}
