// internal/roster/memory.go
package roster

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/bchamberlain/muster/internal/models"
)

// Memory is an in-memory Store. It exists for tests and for running the
// server without Postgres; it honors the same contract as the Postgres
// store, including one-lobby-per-user and delete-on-empty.
type Memory struct {
	mu      sync.Mutex
	users   map[uuid.UUID]*models.User
	byName  map[string]uuid.UUID
	lobbies map[string]*models.Lobby
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:   make(map[uuid.UUID]*models.User),
		byName:  make(map[string]uuid.UUID),
		lobbies: make(map[string]*models.Lobby),
	}
}

func (m *Memory) CreateUser(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.byName[u.Username]; taken {
		return ErrUsernameTaken
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	cp := *u
	m.users[cp.ID] = &cp
	m.byName[cp.Username] = cp.ID
	return nil
}

func (m *Memory) GetUser(_ context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byName[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *m.users[id]
	return &cp, nil
}

func (m *Memory) CreateLobby(_ context.Context, lobbyID string, hostID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.lobbies[lobbyID]; exists {
		return ErrLobbyExists
	}
	host, ok := m.users[hostID]
	if !ok {
		return ErrUserNotFound
	}
	if host.InLobby() {
		return ErrUserAlreadyInLobby
	}

	m.lobbies[lobbyID] = &models.Lobby{
		ID:         lobbyID,
		HostUserID: hostID,
		Members:    []uuid.UUID{hostID},
	}
	host.CurrentLobbyID = lobbyID
	return nil
}

func (m *Memory) AddMember(_ context.Context, lobbyID string, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lob, ok := m.lobbies[lobbyID]
	if !ok {
		return ErrLobbyNotFound
	}
	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	if u.InLobby() {
		return ErrUserAlreadyInLobby
	}

	lob.Members = append(lob.Members, userID)
	u.CurrentLobbyID = lobbyID
	return nil
}

func (m *Memory) RemoveMember(_ context.Context, lobbyID string, userID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lob, ok := m.lobbies[lobbyID]
	if !ok {
		return false, ErrLobbyNotFound
	}

	idx := -1
	for i, id := range lob.Members {
		if id == userID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, ErrUserNotInLobby
	}

	lob.Members = append(lob.Members[:idx], lob.Members[idx+1:]...)
	if u, ok := m.users[userID]; ok {
		u.CurrentLobbyID = ""
	}

	if len(lob.Members) == 0 {
		delete(m.lobbies, lobbyID)
		return true, nil
	}
	return false, nil
}

func (m *Memory) Members(_ context.Context, lobbyID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lob, ok := m.lobbies[lobbyID]
	if !ok {
		return nil, ErrLobbyNotFound
	}

	names := make([]string, 0, len(lob.Members))
	for _, id := range lob.Members {
		u, ok := m.users[id]
		if !ok {
			// Membership row without a user row; skip rather than fail the read.
			continue
		}
		names = append(names, u.Username)
	}
	return names, nil
}
