// Package broadcast maps lobby IDs to the set of live connections that
// should receive that lobby's roster updates. It is a pure fan-out
// primitive: it knows nothing about users or the roster store.
package broadcast

import (
	"sync"

	"github.com/google/uuid"
)

// Emitter delivers a single event to a single connection. Implemented by
// the websocket layer; delivery is at-most-once with no retry here.
type Emitter interface {
	EmitTo(connID uuid.UUID, event string, payload any)
}

// Manager tracks broadcast group membership per lobby.
type Manager struct {
	mu      sync.Mutex
	groups  map[string]map[uuid.UUID]struct{} // lobbyID -> connection set
	emitter Emitter
}

// NewManager returns a Manager that fans out through the given emitter.
func NewManager(emitter Emitter) *Manager {
	return &Manager{
		groups:  make(map[string]map[uuid.UUID]struct{}),
		emitter: emitter,
	}
}

// JoinGroup adds a connection to a lobby's group. Idempotent.
func (m *Manager) JoinGroup(lobbyID string, connID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[lobbyID]
	if !ok {
		g = make(map[uuid.UUID]struct{})
		m.groups[lobbyID] = g
	}
	g[connID] = struct{}{}
}

// LeaveGroup removes a connection from a lobby's group. Idempotent; the
// group map entry is dropped once empty.
func (m *Manager) LeaveGroup(lobbyID string, connID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[lobbyID]
	if !ok {
		return
	}
	delete(g, connID)
	if len(g) == 0 {
		delete(m.groups, lobbyID)
	}
}

// Broadcast sends the event to every connection currently in the lobby's
// group. An empty or unknown group is a silent no-op; this happens
// transiently between the last member leaving and the lobby being deleted.
func (m *Manager) Broadcast(lobbyID string, event string, payload any) {
	m.mu.Lock()
	conns := make([]uuid.UUID, 0, len(m.groups[lobbyID]))
	for connID := range m.groups[lobbyID] {
		conns = append(conns, connID)
	}
	m.mu.Unlock()

	for _, connID := range conns {
		m.emitter.EmitTo(connID, event, payload)
	}
}

// GroupSize reports how many connections are in a lobby's group. Used by
// tests and diagnostics.
func (m *Manager) GroupSize(lobbyID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.groups[lobbyID])
}
