// internal/models/lobby.go
package models

import "github.com/google/uuid"

// Lobby represents a row in the lobbies table. The ID is chosen by the
// creating client and is unique while the lobby exists. A lobby exists
// if and only if it has at least one member; the row is deleted when the
// last member leaves.
type Lobby struct {
	ID         string    `json:"id"`
	HostUserID uuid.UUID `json:"host_user_id"`

	// Members holds member user IDs in join order. Join order is kept so
	// roster broadcasts are stable for clients.
	Members []uuid.UUID `json:"members"`
}
