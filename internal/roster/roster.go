// Package roster is the persistent membership store: which users exist,
// which lobbies exist, and who is in them. It keeps two views of the same
// truth consistent — the lobby member sets and each user's current-lobby
// pointer — and guarantees a lobby row exists iff it has at least one member.
package roster

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/bchamberlain/muster/internal/models"
)

// Error kinds surfaced by Store implementations. Callers discriminate with
// errors.Is; anything else is a transport/driver failure wrapped in
// ErrWriteFailed.
var (
	ErrLobbyNotFound      = errors.New("lobby not found")
	ErrLobbyExists        = errors.New("lobby already exists")
	ErrUserAlreadyInLobby = errors.New("user already in lobby")
	ErrUserNotInLobby     = errors.New("user not in lobby")
	ErrUserNotFound       = errors.New("user not found")
	ErrUsernameTaken      = errors.New("username already exists")
	ErrWriteFailed        = errors.New("store write failed")
)

// Store is the persistence boundary for users and lobby membership.
//
// Each mutation is atomic with respect to concurrent mutations touching the
// same lobby or user: the member-set write and the user-pointer write land
// together or not at all. Serialization of conflicting operations beyond
// that atomicity is the coordinator's job.
type Store interface {
	// CreateUser inserts a new user. The username must be unique; the ID is
	// assigned here if the caller left it zero. Fails with ErrUsernameTaken.
	CreateUser(ctx context.Context, u *models.User) error

	// GetUser fetches a user by ID. Fails with ErrUserNotFound.
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)

	// GetUserByUsername fetches a user by display name. Fails with ErrUserNotFound.
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)

	// CreateLobby creates a lobby and joins the host to it as one logical
	// operation; a host-less lobby is never observable. Fails with
	// ErrLobbyExists if the ID is taken, ErrUserAlreadyInLobby if the host
	// is already in some lobby.
	CreateLobby(ctx context.Context, lobbyID string, hostID uuid.UUID) error

	// AddMember adds userID to the lobby and points the user at it. Fails
	// with ErrLobbyNotFound, ErrUserNotFound, or ErrUserAlreadyInLobby
	// (already a member here, or a member somewhere else — no auto-leave).
	AddMember(ctx context.Context, lobbyID string, userID uuid.UUID) error

	// RemoveMember removes userID from the lobby and clears the user's
	// pointer. When the last member leaves the lobby row is deleted and
	// deleted reports true; this is the only deletion path. Fails with
	// ErrLobbyNotFound or ErrUserNotInLobby.
	RemoveMember(ctx context.Context, lobbyID string, userID uuid.UUID) (deleted bool, err error)

	// Members returns the lobby's member usernames in join order. A member
	// whose user row is missing is skipped rather than failing the read.
	// Fails with ErrLobbyNotFound.
	Members(ctx context.Context, lobbyID string) ([]string, error)
}
