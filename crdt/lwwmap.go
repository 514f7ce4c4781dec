package crdt

import (
	"encoding/json"
	"fmt"
	"sync"
)

// entry is one register of the map. Ordering is (Clock, Actor) so concurrent
// writes resolve identically everywhere.
type entry struct {
	Value string `json:"value"`
	Clock uint64 `json:"clock"`
	Actor string `json:"actor"`
}

func (e entry) wins(other entry) bool {
	if e.Clock != other.Clock {
		return e.Clock > other.Clock
	}
	return e.Actor > other.Actor
}

// Map is a last-writer-wins map of string keys to string values. Its encoded
// state doubles as its update format, which makes merges trivially
// commutative and idempotent. All operations are serialized internally.
type Map struct {
	mu      sync.Mutex
	actor   string
	clock   uint64
	entries map[string]entry

	subsMu sync.Mutex
	subs   map[int]UpdateHandler
	nextID int
}

// NewMap creates an empty map. actor is the local replica identity used for
// tie-breaking.
func NewMap(actor string) *Map {
	return &Map{
		actor:   actor,
		entries: make(map[string]entry),
		subs:    make(map[int]UpdateHandler),
	}
}

// Set writes key locally and notifies subscribers with an empty origin.
func (m *Map) Set(key, value string) {
	m.mu.Lock()
	m.clock++
	e := entry{Value: value, Clock: m.clock, Actor: m.actor}
	m.entries[key] = e
	update := m.encodeLocked(map[string]entry{key: e})
	m.mu.Unlock()

	m.notify(update, "")
}

// Get returns the value for key.
func (m *Map) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e.Value, ok
}

// Len returns the number of keys.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Snapshot returns a plain copy of the current key-value pairs.
func (m *Map) Snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.entries))
	for k, e := range m.entries {
		out[k] = e.Value
	}
	return out
}

// EncodeState implements Document.
func (m *Map) EncodeState() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.encodeLocked(m.entries)
}

func (m *Map) encodeLocked(entries map[string]entry) []byte {
	data, err := json.Marshal(entries)
	if err != nil {
		// A map of plain structs always marshals.
		panic(err)
	}
	return data
}

// ApplyUpdate implements Document. Entries that lose the (Clock, Actor)
// comparison are ignored, so replays and reordered deliveries are harmless.
func (m *Map) ApplyUpdate(update []byte, origin string) error {
	var incoming map[string]entry
	if err := json.Unmarshal(update, &incoming); err != nil {
		return fmt.Errorf("failed to decode update: %w", err)
	}

	m.mu.Lock()
	changed := make(map[string]entry)
	for key, in := range incoming {
		cur, ok := m.entries[key]
		if ok && !in.wins(cur) {
			continue
		}
		m.entries[key] = in
		changed[key] = in
		if in.Clock > m.clock {
			m.clock = in.Clock
		}
	}
	if len(changed) == 0 {
		m.mu.Unlock()
		return nil
	}
	delta := m.encodeLocked(changed)
	m.mu.Unlock()

	m.notify(delta, origin)
	return nil
}

// Subscribe implements Document.
func (m *Map) Subscribe(h UpdateHandler) func() {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = h
	return func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		delete(m.subs, id)
	}
}

func (m *Map) notify(update []byte, origin string) {
	m.subsMu.Lock()
	handlers := make([]UpdateHandler, 0, len(m.subs))
	for _, h := range m.subs {
		handlers = append(handlers, h)
	}
	m.subsMu.Unlock()

	for _, h := range handlers {
		h(update, origin)
	}
}
