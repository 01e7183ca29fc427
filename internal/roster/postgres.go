// internal/roster/postgres.go
package roster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bchamberlain/muster/internal/models"
)

// uniqueViolation is the Postgres error code for duplicate key violations.
const uniqueViolation = "23505"

// Postgres is the durable Store, backed by pgx. Multi-row mutations
// (member set + user pointer) run inside a single transaction so a crash
// between steps can never leave the two views disagreeing.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pool for the given DSN and verifies it with a ping.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the underlying pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// EnsureSchema creates the tables if they do not exist. The UNIQUE
// constraint on lobby_members.user_id enforces one-lobby-per-user at the
// storage layer, independent of the coordinator's serialization.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	q := `
	CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password TEXT NOT NULL,
		current_lobby_id TEXT
	);
	CREATE TABLE IF NOT EXISTS lobbies (
		id TEXT PRIMARY KEY,
		host_user_id UUID NOT NULL REFERENCES users(id)
	);
	CREATE TABLE IF NOT EXISTS lobby_members (
		lobby_id TEXT NOT NULL REFERENCES lobbies(id) ON DELETE CASCADE,
		user_id UUID NOT NULL REFERENCES users(id),
		joined_at BIGINT GENERATED ALWAYS AS IDENTITY,
		PRIMARY KEY (lobby_id, user_id),
		UNIQUE (user_id)
	);
	`
	if _, err := p.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Reconcile rebuilds each user's current_lobby_id from the authoritative
// lobby_members rows and drops lobbies left without members. Run once at
// startup: a crash between the two writes of an old-style mutation can
// leave a stale pointer, and membership rows are the source of truth.
func (p *Postgres) Reconcile(ctx context.Context) error {
	return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM lobbies l
			WHERE NOT EXISTS (SELECT 1 FROM lobby_members m WHERE m.lobby_id = l.id)
		`); err != nil {
			return fmt.Errorf("prune empty lobbies: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE users u SET current_lobby_id = m.lobby_id
			FROM lobby_members m
			WHERE m.user_id = u.id AND u.current_lobby_id IS DISTINCT FROM m.lobby_id
		`); err != nil {
			return fmt.Errorf("rebuild lobby pointers: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE users u SET current_lobby_id = NULL
			WHERE u.current_lobby_id IS NOT NULL
			  AND NOT EXISTS (SELECT 1 FROM lobby_members m WHERE m.user_id = u.id)
		`); err != nil {
			return fmt.Errorf("clear stale lobby pointers: %w", err)
		}
		return nil
	})
}

func (p *Postgres) CreateUser(ctx context.Context, u *models.User) error {
	if u.ID == uuid.Nil {
		id, err := uuid.NewRandom()
		if err != nil {
			return fmt.Errorf("generate user id: %w", err)
		}
		u.ID = id
	}

	q := `INSERT INTO users (id, username, password) VALUES ($1, $2, $3)`
	_, err := p.pool.Exec(ctx, q, u.ID, u.Username, u.Password)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrUsernameTaken
		}
		return fmt.Errorf("%w: insert user: %v", ErrWriteFailed, err)
	}
	return nil
}

func (p *Postgres) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	var current *string
	q := `SELECT id, username, password, current_lobby_id FROM users WHERE id = $1`
	err := p.pool.QueryRow(ctx, q, id).Scan(&u.ID, &u.Username, &u.Password, &current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if current != nil {
		u.CurrentLobbyID = *current
	}
	return &u, nil
}

func (p *Postgres) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	var current *string
	q := `SELECT id, username, password, current_lobby_id FROM users WHERE username = $1`
	err := p.pool.QueryRow(ctx, q, username).Scan(&u.ID, &u.Username, &u.Password, &current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by username: %w", err)
	}
	if current != nil {
		u.CurrentLobbyID = *current
	}
	return &u, nil
}

func (p *Postgres) CreateLobby(ctx context.Context, lobbyID string, hostID uuid.UUID) error {
	return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO lobbies (id, host_user_id) VALUES ($1, $2)`, lobbyID, hostID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return ErrLobbyExists
			}
			return fmt.Errorf("%w: insert lobby: %v", ErrWriteFailed, err)
		}
		// Host joins in the same transaction; a host-less lobby is never visible.
		return p.addMemberTx(ctx, tx, lobbyID, hostID)
	})
}

func (p *Postgres) AddMember(ctx context.Context, lobbyID string, userID uuid.UUID) error {
	return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var exists int
		err := tx.QueryRow(ctx, `SELECT 1 FROM lobbies WHERE id = $1 FOR UPDATE`, lobbyID).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrLobbyNotFound
		}
		if err != nil {
			return fmt.Errorf("lock lobby: %w", err)
		}
		return p.addMemberTx(ctx, tx, lobbyID, userID)
	})
}

// addMemberTx inserts the membership row and sets the user's pointer within
// the caller's transaction. The caller has already verified the lobby exists.
func (p *Postgres) addMemberTx(ctx context.Context, tx pgx.Tx, lobbyID string, userID uuid.UUID) error {
	var current *string
	err := tx.QueryRow(ctx, `SELECT current_lobby_id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("lock user: %w", err)
	}
	if current != nil {
		return ErrUserAlreadyInLobby
	}

	_, err = tx.Exec(ctx, `INSERT INTO lobby_members (lobby_id, user_id) VALUES ($1, $2)`, lobbyID, userID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrUserAlreadyInLobby
		}
		return fmt.Errorf("%w: insert member: %v", ErrWriteFailed, err)
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET current_lobby_id = $1 WHERE id = $2`, lobbyID, userID); err != nil {
		return fmt.Errorf("%w: set lobby pointer: %v", ErrWriteFailed, err)
	}
	return nil
}

func (p *Postgres) RemoveMember(ctx context.Context, lobbyID string, userID uuid.UUID) (bool, error) {
	deleted := false
	err := pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var exists int
		err := tx.QueryRow(ctx, `SELECT 1 FROM lobbies WHERE id = $1 FOR UPDATE`, lobbyID).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrLobbyNotFound
		}
		if err != nil {
			return fmt.Errorf("lock lobby: %w", err)
		}

		tag, err := tx.Exec(ctx, `DELETE FROM lobby_members WHERE lobby_id = $1 AND user_id = $2`, lobbyID, userID)
		if err != nil {
			return fmt.Errorf("%w: delete member: %v", ErrWriteFailed, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrUserNotInLobby
		}

		if _, err := tx.Exec(ctx, `UPDATE users SET current_lobby_id = NULL WHERE id = $1`, userID); err != nil {
			return fmt.Errorf("%w: clear lobby pointer: %v", ErrWriteFailed, err)
		}

		var remaining int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM lobby_members WHERE lobby_id = $1`, lobbyID).Scan(&remaining); err != nil {
			return fmt.Errorf("count members: %w", err)
		}
		if remaining == 0 {
			if _, err := tx.Exec(ctx, `DELETE FROM lobbies WHERE id = $1`, lobbyID); err != nil {
				return fmt.Errorf("%w: delete empty lobby: %v", ErrWriteFailed, err)
			}
			deleted = true
		}
		return nil
	})
	return deleted, err
}

func (p *Postgres) Members(ctx context.Context, lobbyID string) ([]string, error) {
	var exists int
	err := p.pool.QueryRow(ctx, `SELECT 1 FROM lobbies WHERE id = $1`, lobbyID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLobbyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lobby: %w", err)
	}

	// Inner join drops membership rows whose user record is missing: the
	// read path must not fail on a dangling member.
	rows, err := p.pool.Query(ctx, `
		SELECT u.username
		FROM lobby_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.lobby_id = $1
		ORDER BY m.joined_at
	`, lobbyID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
