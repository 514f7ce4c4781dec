// Package store holds the rendezvous server's only state: expiring invite
// records, expiring presence records, and sliding-window rate limit
// counters. Nothing here is durable.
package store

import (
	"sync"
	"time"

	"github.com/roomsync/roomsync/protocol"
)

// Store defines the expiring key-value operations the API layer needs.
// (Interface useful for mocking or swapping backends later)
type Store interface {
	// PutInvite stores code -> roomID with the given TTL.
	PutInvite(code, roomID string, ttl time.Duration)

	// HasInvite reports whether code maps to an unexpired invite.
	HasInvite(code string) bool

	// RedeemInvite atomically reads and deletes the invite for code. Exactly
	// one of two concurrent redemptions observes ok == true. An expired
	// invite behaves like one that never existed.
	RedeemInvite(code string) (roomID string, ok bool)

	// UpsertPresence overwrites the presence record for rec.PeerID in
	// roomID, stamping LastSeen with the store clock.
	UpsertPresence(roomID string, rec protocol.PresenceRecord, ttl time.Duration)

	// ListPresence returns all unexpired presence records in roomID.
	// Expired records are filtered even if not yet pruned.
	ListPresence(roomID string) []protocol.PresenceRecord

	// Allow reports whether one more request from ip fits within limit
	// requests per sliding window, and records it only if it does.
	Allow(ip string, limit int, window time.Duration) bool

	// PruneStale drops expired invites, presence records and rate-limit
	// history. Returns the number of invite and presence records removed;
	// dropped rate-limit history is not counted.
	PruneStale() int
}

type inviteEntry struct {
	roomID    string
	expiresAt time.Time
}

type presenceEntry struct {
	rec       protocol.PresenceRecord
	expiresAt time.Time
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu       sync.Mutex
	invites  map[string]inviteEntry
	rooms    map[string]map[string]presenceEntry
	requests map[string][]time.Time

	// now is swappable so TTL behavior is testable.
	now func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invites:  make(map[string]inviteEntry),
		rooms:    make(map[string]map[string]presenceEntry),
		requests: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// SetClock replaces the store's time source. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) PutInvite(code, roomID string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invites[code] = inviteEntry{
		roomID:    roomID,
		expiresAt: s.now().Add(ttl),
	}
}

func (s *MemoryStore) HasInvite(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.invites[code]
	return ok && s.now().Before(entry.expiresAt)
}

func (s *MemoryStore) RedeemInvite(code string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.invites[code]
	if !ok {
		return "", false
	}
	delete(s.invites, code)
	if !s.now().Before(entry.expiresAt) {
		return "", false
	}
	return entry.roomID, true
}

func (s *MemoryStore) UpsertPresence(roomID string, rec protocol.PresenceRecord, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec.LastSeen = now.UnixMilli()

	room, ok := s.rooms[roomID]
	if !ok {
		room = make(map[string]presenceEntry)
		s.rooms[roomID] = room
	}
	room[rec.PeerID] = presenceEntry{
		rec:       rec,
		expiresAt: now.Add(ttl),
	}
}

func (s *MemoryStore) ListPresence(roomID string) []protocol.PresenceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var peers []protocol.PresenceRecord
	now := s.now()
	for _, entry := range s.rooms[roomID] {
		if now.Before(entry.expiresAt) {
			peers = append(peers, entry.rec)
		}
	}
	return peers
}

func (s *MemoryStore) Allow(ip string, limit int, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-window)

	history := s.requests[ip]
	kept := history[:0]
	for _, t := range history {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= limit {
		s.requests[ip] = kept
		return false
	}
	s.requests[ip] = append(kept, now)
	return true
}

func (s *MemoryStore) PruneStale() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	pruned := 0

	for code, entry := range s.invites {
		if !now.Before(entry.expiresAt) {
			delete(s.invites, code)
			pruned++
		}
	}

	for roomID, room := range s.rooms {
		for peerID, entry := range room {
			if !now.Before(entry.expiresAt) {
				delete(room, peerID)
				pruned++
			}
		}
		if len(room) == 0 {
			delete(s.rooms, roomID)
		}
	}

	for ip, history := range s.requests {
		if len(history) == 0 || !history[len(history)-1].After(now.Add(-time.Minute)) {
			delete(s.requests, ip)
		}
	}

	return pruned
}
