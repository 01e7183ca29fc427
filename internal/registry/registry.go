// Package registry tracks which authenticated user is behind each live
// connection. Entries are created by the login event and destroyed on
// connection close; the registry never touches roster state.
package registry

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrNotAuthenticated is returned when a connection has no bound user.
var ErrNotAuthenticated = errors.New("user not authenticated")

// Registry is the in-memory connection→user binding. A connection is bound
// to at most one user at a time; a later login on the same connection
// overwrites the earlier binding.
type Registry struct {
	mu       sync.Mutex
	bindings map[uuid.UUID]uuid.UUID // connectionID -> userID
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		bindings: make(map[uuid.UUID]uuid.UUID),
	}
}

// Bind records the authenticated user for a connection, overwriting any
// prior binding for that connection.
func (r *Registry) Bind(connID, userID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[connID] = userID
}

// Resolve returns the user bound to the connection, or ErrNotAuthenticated.
func (r *Registry) Resolve(connID uuid.UUID) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.bindings[connID]
	if !ok {
		return uuid.Nil, ErrNotAuthenticated
	}
	return userID, nil
}

// Unbind removes the connection's binding and returns the previously bound
// user, if any. Idempotent: a second call reports ok=false.
func (r *Registry) Unbind(connID uuid.UUID) (userID uuid.UUID, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok = r.bindings[connID]
	delete(r.bindings, connID)
	return userID, ok
}

// Len reports the number of live bindings. Used by tests and diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bindings)
}
