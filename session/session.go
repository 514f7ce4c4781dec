// Package session implements the per-room replication manager: rendezvous
// interaction, peer transport lifecycle, mutual authentication, and CRDT
// update exchange with authenticated remotes.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/roomsync/roomsync/crdt"
	"github.com/roomsync/roomsync/crypto"
	"github.com/roomsync/roomsync/protocol"
)

// Status is the user-visible session state.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusSyncing
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusSyncing:
		return "syncing"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// StatusHandler observes session transitions. err is non-nil only for
// StatusError.
type StatusHandler func(status Status, err error)

// Session replicates one room's document with its peers. All state lives on
// a single run loop; callbacks from the network and from timers post events
// into it, so handlers never race. One Session instance per actively synced
// room; instances share nothing.
type Session struct {
	cfg    Config
	roomID string
	doc    crdt.Document
	client *Client
	log    *zap.Logger

	onStatus            StatusHandler
	onPeerAuthenticated func(peerID string)
	onPeerDisconnected  func(peerID string)

	// settingEngine overrides pion's defaults. Test hook.
	settingEngine *webrtc.SettingEngine

	events   chan func()
	loopDone chan struct{}

	mu      sync.Mutex
	started bool
	status  Status

	// Loop-owned state below; only Start and the run loop touch it.
	ctx    context.Context
	cancel context.CancelFunc

	keys       crypto.RoomKeys
	announceID string
	relayID    string
	relay      *websocket.Conn
	relayGen   int
	peers      map[string]*remotePeer

	reconnectDelay   time.Duration
	announceFailures int
	announceResumeAt time.Time
}

// New creates a session for roomID replicating doc. The session does not
// touch the network until Start.
func New(cfg Config, roomID string, doc crdt.Document, log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	if cfg.RendezvousBaseURL == "" {
		return nil, fmt.Errorf("%w: rendezvous base url required", protocol.ErrFatal)
	}
	if !protocol.ValidRoomID(roomID) {
		return nil, fmt.Errorf("%w: malformed room id", protocol.ErrInvalidArgument)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: document required", protocol.ErrFatal)
	}
	return &Session{
		cfg:      cfg,
		roomID:   roomID,
		doc:      doc,
		client:   NewClient(cfg.RendezvousBaseURL, cfg.RequestDeadline),
		log:      log.With(zap.String("room_id", roomID)),
		events:   make(chan func(), 64),
		loopDone: make(chan struct{}),
		peers:    make(map[string]*remotePeer),
	}, nil
}

// OnStatus registers the status observer. Set before Start.
func (s *Session) OnStatus(h StatusHandler) { s.onStatus = h }

// OnPeerAuthenticated registers the peer-connected observer. Set before
// Start.
func (s *Session) OnPeerAuthenticated(h func(peerID string)) { s.onPeerAuthenticated = h }

// OnPeerDisconnected registers the peer-disconnected observer. Set before
// Start.
func (s *Session) OnPeerDisconnected(h func(peerID string)) { s.onPeerDisconnected = h }

// Status returns the current session status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(status Status, err error) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	if s.onStatus != nil {
		s.onStatus(status, err)
	}
	if err != nil {
		s.log.Warn("session error", zap.Stringer("status", status), zap.Error(err))
	} else {
		s.log.Info("session status", zap.Stringer("status", status))
	}
}

// Start derives the room keys, announces presence, opens the signaling
// relay and begins syncing. It blocks through setup: on return the session
// is Syncing, or the returned error explains why it is not.
//
// Key derivation runs here, on the caller's goroutine, so the run loop is
// never blocked by the ~100 ms PBKDF2 cost.
func (s *Session) Start(ctx context.Context, password []byte) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("%w: session already started", protocol.ErrFatal)
	}
	s.started = true
	s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.setStatus(StatusConnecting, nil)

	if len(password) == 0 {
		err := fmt.Errorf("%w: empty password", crypto.ErrCrypto)
		s.failSetup(err)
		return err
	}

	s.keys = crypto.RoomKeys{
		Auth:    crypto.DeriveKeyIter(password, []byte(s.roomID), crypto.PurposeAuth, s.cfg.PBKDF2Iterations),
		Encrypt: crypto.DeriveKeyIter(password, []byte(s.roomID), crypto.PurposeEncrypt, s.cfg.PBKDF2Iterations),
	}
	s.announceID = protocol.NewPeerID()
	s.reconnectDelay = s.cfg.ReconnectBackoff

	if err := s.client.Announce(s.ctx, s.roomID, s.announceID); err != nil {
		s.failSetup(err)
		return err
	}

	conn, err := s.client.DialSignal(s.ctx, s.roomID)
	if err != nil {
		s.failSetup(err)
		return err
	}
	s.relay = conn

	go s.run()
	go s.readRelay(conn, 0)

	s.setStatus(StatusSyncing, nil)
	return nil
}

func (s *Session) failSetup(err error) {
	s.setStatus(StatusError, err)
	s.keys.Zero()
	s.cancel()
	close(s.loopDone)
}

// Stop tears the session down from any state: timers cancelled, relay and
// transports closed with no trailing frames, derived keys zeroed. The
// session ends Idle.
func (s *Session) Stop() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		s.setStatus(StatusIdle, nil)
		return
	}
	s.cancel()
	<-s.loopDone
	s.setStatus(StatusIdle, nil)
}

// post schedules fn on the run loop. Events posted after shutdown are
// dropped.
func (s *Session) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.ctx.Done():
	}
}

func (s *Session) run() {
	defer close(s.loopDone)

	announce := time.NewTicker(s.cfg.AnnounceInterval)
	defer announce.Stop()
	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return
		case fn := <-s.events:
			fn()
		case <-announce.C:
			s.kickAnnounce()
		case <-poll.C:
			s.kickPoll()
		}
	}
}

func (s *Session) shutdown() {
	if s.relay != nil {
		s.relay.Close()
		s.relay = nil
	}
	for _, p := range s.peers {
		s.closePeer(p, nil)
	}
	s.keys.Zero()
}

// -----------------------------------------------------------------------------
// Rendezvous interaction
// -----------------------------------------------------------------------------

// kickAnnounce refreshes presence off-loop; the result is handled back on
// the loop.
func (s *Session) kickAnnounce() {
	if !s.announceResumeAt.IsZero() && time.Now().Before(s.announceResumeAt) {
		return
	}
	s.announceResumeAt = time.Time{}

	go func() {
		err := s.client.Announce(s.ctx, s.roomID, s.announceID)
		s.post(func() { s.handleAnnounceResult(err) })
	}()
}

// maxAnnounceFailures is how many consecutive rate-limited announcements we
// tolerate before pausing for a full interval.
const maxAnnounceFailures = 3

func (s *Session) handleAnnounceResult(err error) {
	if err == nil {
		s.announceFailures = 0
		return
	}
	if isRateLimited(err) {
		s.announceFailures++
		if s.announceFailures >= maxAnnounceFailures {
			s.announceFailures = 0
			s.announceResumeAt = time.Now().Add(s.cfg.AnnounceInterval)
			s.log.Warn("rendezvous rate limiting sustained, pausing announcements",
				zap.Time("resume_at", s.announceResumeAt))
		}
		return
	}
	s.log.Warn("presence announcement failed", zap.Error(err))
}

// kickPoll fetches the presence list as a belt-and-braces check alongside
// the relay's push events. Polled peers are reconciled against represented
// transports only; connection initiation stays with relay discovery, which
// is the only source of routable relay ids.
func (s *Session) kickPoll() {
	go func() {
		recs, err := s.client.ListPeers(s.ctx, s.roomID)
		s.post(func() { s.handlePollResult(recs, err) })
	}()
}

func (s *Session) handlePollResult(recs []protocol.PresenceRecord, err error) {
	if err != nil {
		if isRateLimited(err) {
			s.log.Debug("presence poll rate limited")
		} else {
			s.log.Debug("presence poll failed", zap.Error(err))
		}
		return
	}
	s.log.Debug("presence poll",
		zap.Int("announced", len(recs)),
		zap.Int("transports", len(s.peers)))
}

func isRateLimited(err error) bool {
	return errors.Is(err, protocol.ErrRateLimited)
}

// -----------------------------------------------------------------------------
// Relay lifecycle
// -----------------------------------------------------------------------------

func (s *Session) readRelay(conn *websocket.Conn, gen int) {
	for {
		var f protocol.SignalFrame
		if err := conn.ReadJSON(&f); err != nil {
			s.post(func() { s.handleRelayClosed(gen) })
			return
		}
		frame := f
		s.post(func() { s.handleSignalFrame(frame) })
	}
}

func (s *Session) handleSignalFrame(f protocol.SignalFrame) {
	switch f.Type {
	case protocol.SignalPeers:
		s.relayID = f.You
		s.log.Debug("relay registered",
			zap.String("relay_id", s.relayID),
			zap.Int("peers", len(f.Peers)))
		for _, id := range f.Peers {
			s.considerPeer(id)
		}
	case protocol.SignalPeerJoined:
		s.considerPeer(f.PeerID)
	case protocol.SignalPeerLeft:
		// Authenticated transports outlive the remote's relay connection;
		// negotiating ones are reaped by their budget timer.
		s.log.Debug("relay peer left", zap.String("peer_id", f.PeerID))
	case protocol.SignalOffer:
		s.handleOffer(f.From, f.SDP)
	case protocol.SignalAnswer:
		s.handleAnswer(f.From, f.SDP)
	case protocol.SignalCandidate:
		s.handleCandidate(f.From, f)
	default:
		// Unknown relayed frames are dropped, mirroring the relay's own
		// tolerance for unknown fields.
	}
}

// handleRelayClosed schedules a reconnect with jittered exponential
// backoff. Reconnection is a resume: authenticated transports continue
// untouched, and the relay simply assigns us a fresh id on return.
func (s *Session) handleRelayClosed(gen int) {
	if gen != s.relayGen || s.ctx.Err() != nil {
		return
	}
	if s.relay != nil {
		s.relay.Close()
		s.relay = nil
	}

	delay := s.reconnectDelay + time.Duration(rand.Int63n(int64(s.reconnectDelay/2)+1))
	s.reconnectDelay *= 2
	if s.reconnectDelay > s.cfg.ReconnectBackoffMax {
		s.reconnectDelay = s.cfg.ReconnectBackoffMax
	}
	s.log.Info("relay closed, reconnecting", zap.Duration("delay", delay))

	time.AfterFunc(delay, func() {
		s.post(func() { s.reconnectRelay(gen) })
	})
}

func (s *Session) reconnectRelay(gen int) {
	if gen != s.relayGen || s.ctx.Err() != nil {
		return
	}
	go func() {
		conn, err := s.client.DialSignal(s.ctx, s.roomID)
		s.post(func() {
			if gen != s.relayGen || s.ctx.Err() != nil {
				if err == nil {
					conn.Close()
				}
				return
			}
			if err != nil {
				s.handleRelayClosed(gen)
				return
			}
			s.relay = conn
			s.relayGen++
			s.reconnectDelay = s.cfg.ReconnectBackoff
			go s.readRelay(conn, s.relayGen)
			s.log.Info("relay reconnected")
		})
	}()
}

// sendSignal writes one frame to the relay. Loop-only.
func (s *Session) sendSignal(f protocol.SignalFrame) {
	if s.relay == nil {
		s.log.Debug("dropping signal, relay down", zap.String("type", f.Type))
		return
	}
	if err := s.relay.WriteJSON(f); err != nil {
		s.log.Debug("signal write failed", zap.Error(err))
	}
}
