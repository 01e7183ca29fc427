package models

import "github.com/google/uuid"

// User is a row in the users table. CurrentLobbyID is the reverse pointer
// into lobby membership: empty string means the user is in no lobby.
type User struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Password string    `json:"password,omitempty"`

	// CurrentLobbyID mirrors the lobby_members table. A user belongs to
	// zero or one lobbies at any instant; membership rows are authoritative
	// and this field is rebuilt from them on startup.
	CurrentLobbyID string `json:"current_lobby_id,omitempty"`
}

// InLobby reports whether the user currently belongs to a lobby.
func (u *User) InLobby() bool {
	return u.CurrentLobbyID != ""
}
