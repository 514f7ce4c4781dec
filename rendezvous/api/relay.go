package api

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/roomsync/roomsync/protocol"
)

// relay tracks the live signaling connections per room and routes frames
// between them. A room is the unit of serialization: every membership change
// and frame delivery for a room happens under that room's lock, so members
// observe joins, leaves and relayed frames in a consistent order.
type relay struct {
	log *zap.Logger

	mu    sync.Mutex
	rooms map[string]*relayRoom

	ipMu     sync.Mutex
	ipConns  map[string]int
	maxPerIP int
}

type relayRoom struct {
	mu      sync.Mutex
	clients map[string]*relayClient
}

// relayClient is one websocket member of a room. Writes are serialized per
// connection; gorilla/websocket forbids concurrent writers.
type relayClient struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *relayClient) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *relayClient) sendFrame(f protocol.SignalFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return c.send(data)
}

func newRelay(log *zap.Logger, maxPerIP int) *relay {
	return &relay{
		log:      log,
		rooms:    make(map[string]*relayRoom),
		ipConns:  make(map[string]int),
		maxPerIP: maxPerIP,
	}
}

// reserve claims a relay connection slot for ip.
func (rl *relay) reserve(ip string) bool {
	rl.ipMu.Lock()
	defer rl.ipMu.Unlock()
	if rl.ipConns[ip] >= rl.maxPerIP {
		return false
	}
	rl.ipConns[ip]++
	return true
}

func (rl *relay) release(ip string) {
	rl.ipMu.Lock()
	defer rl.ipMu.Unlock()
	if rl.ipConns[ip] <= 1 {
		delete(rl.ipConns, ip)
	} else {
		rl.ipConns[ip]--
	}
}

func (rl *relay) room(roomID string) *relayRoom {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	room, ok := rl.rooms[roomID]
	if !ok {
		room = &relayRoom{clients: make(map[string]*relayClient)}
		rl.rooms[roomID] = room
	}
	return room
}

func (rl *relay) dropRoomIfEmpty(roomID string, room *relayRoom) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	room.mu.Lock()
	empty := len(room.clients) == 0
	room.mu.Unlock()
	if empty {
		delete(rl.rooms, roomID)
	}
}

// serve runs the relay lifecycle for one connection: register with a fresh
// server-assigned peer id, announce the membership, then route frames until
// the connection closes. The caller has already reserved the IP slot.
func (rl *relay) serve(roomID, ip string, conn *websocket.Conn) {
	defer rl.release(ip)
	defer conn.Close()

	client := &relayClient{
		id:   protocol.NewPeerID(),
		conn: conn,
	}
	room := rl.room(roomID)

	// Registered: tell the new client who is here, tell the others who
	// arrived.
	room.mu.Lock()
	existing := make([]string, 0, len(room.clients))
	for id := range room.clients {
		existing = append(existing, id)
	}
	room.clients[client.id] = client

	if err := client.sendFrame(protocol.SignalFrame{
		Type:  protocol.SignalPeers,
		Peers: existing,
		You:   client.id,
	}); err != nil {
		delete(room.clients, client.id)
		room.mu.Unlock()
		rl.dropRoomIfEmpty(roomID, room)
		return
	}
	for _, other := range room.clients {
		if other.id == client.id {
			continue
		}
		other.sendFrame(protocol.SignalFrame{
			Type:   protocol.SignalPeerJoined,
			PeerID: client.id,
		})
	}
	room.mu.Unlock()

	rl.log.Info("relay peer joined",
		zap.String("room_id", roomID),
		zap.String("peer_id", client.id))

	rl.readLoop(room, client)

	// Closed: evict and announce the departure.
	room.mu.Lock()
	delete(room.clients, client.id)
	for _, other := range room.clients {
		other.sendFrame(protocol.SignalFrame{
			Type:   protocol.SignalPeerLeft,
			PeerID: client.id,
		})
	}
	room.mu.Unlock()
	rl.dropRoomIfEmpty(roomID, room)

	rl.log.Info("relay peer left",
		zap.String("room_id", roomID),
		zap.String("peer_id", client.id))
}

// readLoop routes inbound frames until the connection fails. Frames are
// passed through opaquely: only "to" is read, and "from" is stamped with the
// sender's assigned id. Malformed frames and frames without a routable "to"
// are silently dropped.
func (rl *relay) readLoop(room *relayRoom, client *relayClient) {
	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		to, ok := frame["to"].(string)
		if !ok || to == "" {
			continue
		}
		frame["from"] = client.id

		out, err := json.Marshal(frame)
		if err != nil {
			continue
		}

		room.mu.Lock()
		target, ok := room.clients[to]
		if !ok {
			room.mu.Unlock()
			continue
		}
		err = target.send(out)
		room.mu.Unlock()
		if err != nil {
			rl.log.Debug("relay delivery failed",
				zap.String("to", to),
				zap.Error(err))
		}
	}
}
