// Package api implements the rendezvous server's HTTP surface and its
// per-room signaling relay. The server is a bulletin board: it stores room
// identifiers, share codes and ephemeral connection metadata, and relays
// opaque signaling frames. It never sees passwords or document content.
package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/roomsync/roomsync/crypto"
	"github.com/roomsync/roomsync/protocol"
	"github.com/roomsync/roomsync/rendezvous/store"
)

// Options bundles the server's tunables. Zero values fall back to the
// defaults below.
type Options struct {
	ShareCodeTTL       time.Duration
	PeerTTL            time.Duration
	RequestsPerMinute  int
	MaxRelayConnsPerIP int
	PruneInterval      time.Duration
}

const (
	defaultShareCodeTTL       = 300 * time.Second
	defaultPeerTTL            = 120 * time.Second
	defaultRequestsPerMinute  = 100
	defaultMaxRelayConnsPerIP = 32
	defaultPruneInterval      = 10 * time.Second

	rateLimitWindow = time.Minute
)

func (o Options) withDefaults() Options {
	if o.ShareCodeTTL == 0 {
		o.ShareCodeTTL = defaultShareCodeTTL
	}
	if o.PeerTTL == 0 {
		o.PeerTTL = defaultPeerTTL
	}
	if o.RequestsPerMinute == 0 {
		o.RequestsPerMinute = defaultRequestsPerMinute
	}
	if o.MaxRelayConnsPerIP == 0 {
		o.MaxRelayConnsPerIP = defaultMaxRelayConnsPerIP
	}
	if o.PruneInterval == 0 {
		o.PruneInterval = defaultPruneInterval
	}
	return o
}

// Server represents the rendezvous server.
type Server struct {
	addr     string
	opts     Options
	store    store.Store
	log      *zap.Logger
	upgrader websocket.Upgrader
	relay    *relay
}

// NewServer creates a new rendezvous server listening on addr.
func NewServer(addr string, opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	opts = opts.withDefaults()
	s := &Server{
		addr:  addr,
		opts:  opts,
		store: store.NewMemoryStore(),
		log:   log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.relay = newRelay(log, opts.MaxRelayConnsPerIP)
	return s
}

// Store exposes the backing store. Test hook.
func (s *Server) Store() store.Store { return s.store }

// Start begins the server listening loop.
func (s *Server) Start() error {
	go s.RunPruneLoop()

	s.log.Info("rendezvous server starting", zap.String("addr", s.addr))
	return http.ListenAndServe(s.addr, s.Handler())
}

// RunPruneLoop sweeps expired records on an interval. Start runs it
// automatically; callers embedding Handler in their own http.Server run it
// themselves.
func (s *Server) RunPruneLoop() {
	ticker := time.NewTicker(s.opts.PruneInterval)
	defer ticker.Stop()

	for range ticker.C {
		if pruned := s.store.PruneStale(); pruned > 0 {
			s.log.Debug("pruned stale records", zap.Int("count", pruned))
		}
	}
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/invite", s.handleCreateInvite).Methods(http.MethodPost)
	r.HandleFunc("/join/{code}", s.handleJoin).Methods(http.MethodPost)
	r.HandleFunc("/room/{roomId}/announce", s.handleAnnounce).Methods(http.MethodPost)
	r.HandleFunc("/room/{roomId}/peers", s.handleListPeers).Methods(http.MethodGet)
	r.HandleFunc("/room/{roomId}/signal", s.handleSignal).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.Use(s.corsMiddleware, s.rateLimitMiddleware)
	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware gates every HTTP request by the per-IP budget before
// any side effect. Relay upgrades hold a connection instead of spending
// requests, so they are capped separately in the relay.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}
		if !s.store.Allow(clientIP(r), s.opts.RequestsPerMinute, rateLimitWindow) {
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	var req protocol.InviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !protocol.ValidRoomID(req.RoomID) {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}

	code, err := s.mintShareCode()
	if err != nil {
		s.log.Error("share code generation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "transient failure")
		return
	}

	s.store.PutInvite(code, req.RoomID, s.opts.ShareCodeTTL)
	s.log.Info("invite created",
		zap.String("room_id", req.RoomID),
		zap.String("ip", clientIP(r)))

	writeJSON(w, http.StatusOK, protocol.InviteResponse{
		Code:      code,
		ExpiresIn: int(s.opts.ShareCodeTTL.Seconds()),
	})
}

// mintShareCode generates a code that does not collide with any unexpired
// invite.
func (s *Server) mintShareCode() (string, error) {
	for {
		code, err := crypto.NewShareCode()
		if err != nil {
			return "", err
		}
		if !s.store.HasInvite(code) {
			return code, nil
		}
	}
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	code, ok := crypto.NormalizeShareCode(mux.Vars(r)["code"])
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid share code")
		return
	}

	roomID, ok := s.store.RedeemInvite(code)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown or expired share code")
		return
	}

	s.log.Info("invite redeemed", zap.String("room_id", roomID))
	writeJSON(w, http.StatusOK, protocol.JoinResponse{
		RoomID:  roomID,
		Message: "joined room",
	})
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	if !protocol.ValidRoomID(roomID) {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}

	var req protocol.AnnounceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !protocol.ValidRoomID(req.PeerID) {
		writeError(w, http.StatusBadRequest, "invalid peer id")
		return
	}

	s.store.UpsertPresence(roomID, protocol.PresenceRecord{
		PeerID:        req.PeerID,
		SDPOffer:      req.SDPOffer,
		ICECandidates: req.ICECandidates,
	}, s.opts.PeerTTL)

	writeJSON(w, http.StatusOK, protocol.AnnounceResponse{
		Success:   true,
		ExpiresIn: int(s.opts.PeerTTL.Seconds()),
	})
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	if !protocol.ValidRoomID(roomID) {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}

	peers := s.store.ListPresence(roomID)
	writeJSON(w, http.StatusOK, protocol.PeersResponse{
		RoomID: roomID,
		Peers:  peers,
		Count:  len(peers),
	})
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	if !protocol.ValidRoomID(roomID) {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		writeError(w, http.StatusUpgradeRequired, "websocket upgrade required")
		return
	}

	ip := clientIP(r)
	if !s.relay.reserve(ip) {
		writeError(w, http.StatusTooManyRequests, "too many relay connections")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.relay.release(ip)
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s.relay.serve(roomID, ip, conn)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Status is committed; an encode failure here is unrecoverable.
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: msg})
}
