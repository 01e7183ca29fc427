// Package coordinator orchestrates lobby membership changes. It resolves
// the acting user through the connection registry, applies the mutation to
// the roster store under per-lobby and per-user serialization, updates the
// broadcast group, and pushes the new roster to the lobby.
package coordinator

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bchamberlain/muster/internal/broadcast"
	"github.com/bchamberlain/muster/internal/journal"
	"github.com/bchamberlain/muster/internal/registry"
	"github.com/bchamberlain/muster/internal/roster"
)

// EventUpdateLobby carries the full current roster, never a delta; clients
// replace their view on receipt.
const EventUpdateLobby = "updateLobby"

// Coordinator ties the connection registry, the roster store, and the
// broadcast group manager together. All failures are returned to the
// caller for per-connection reporting; no failure here affects other
// connections.
type Coordinator struct {
	store   roster.Store
	reg     *registry.Registry
	groups  *broadcast.Manager
	journal *journal.Journal
	logger  *logrus.Logger
	locks   *keyedMutex
}

// New builds a Coordinator. journal may be nil to disable event journaling.
func New(store roster.Store, reg *registry.Registry, groups *broadcast.Manager, j *journal.Journal, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		store:   store,
		reg:     reg,
		groups:  groups,
		journal: j,
		logger:  logger,
		locks:   newKeyedMutex(),
	}
}

func lobbyKey(lobbyID string) string  { return "lobby:" + lobbyID }
func userKey(userID uuid.UUID) string { return "user:" + userID.String() }

// Login binds a connection to an authenticated user. A later login on the
// same connection overwrites the earlier binding. The user must exist.
func (c *Coordinator) Login(ctx context.Context, connID, userID uuid.UUID) error {
	if _, err := c.store.GetUser(ctx, userID); err != nil {
		return err
	}
	c.reg.Bind(connID, userID)
	c.logger.WithFields(logrus.Fields{
		"conn": connID,
		"user": userID,
	}).Info("connection authenticated")
	return nil
}

// CreateLobby creates a lobby with the connection's user as host, joins the
// connection to the lobby's broadcast group, and broadcasts the roster.
// On any failure nothing is joined and nothing is broadcast.
func (c *Coordinator) CreateLobby(ctx context.Context, connID uuid.UUID, lobbyID string) error {
	userID, err := c.reg.Resolve(connID)
	if err != nil {
		return err
	}

	unlock := c.locks.lock(lobbyKey(lobbyID), userKey(userID))
	defer unlock()

	if err := c.store.CreateLobby(ctx, lobbyID, userID); err != nil {
		return err
	}

	c.groups.JoinGroup(lobbyID, connID)
	c.broadcastRoster(ctx, lobbyID)
	c.appendEvent(ctx, journal.Event{LobbyID: lobbyID, UserID: userID, Action: journal.ActionCreate})

	c.logger.WithFields(logrus.Fields{
		"lobby": lobbyID,
		"user":  userID,
	}).Info("lobby created")
	return nil
}

// JoinLobby adds the connection's user to an existing lobby, joins the
// broadcast group, and broadcasts the enlarged roster.
func (c *Coordinator) JoinLobby(ctx context.Context, connID uuid.UUID, lobbyID string) error {
	userID, err := c.reg.Resolve(connID)
	if err != nil {
		return err
	}

	unlock := c.locks.lock(lobbyKey(lobbyID), userKey(userID))
	defer unlock()

	if err := c.store.AddMember(ctx, lobbyID, userID); err != nil {
		return err
	}

	c.groups.JoinGroup(lobbyID, connID)
	c.broadcastRoster(ctx, lobbyID)
	c.appendEvent(ctx, journal.Event{LobbyID: lobbyID, UserID: userID, Action: journal.ActionJoin})

	c.logger.WithFields(logrus.Fields{
		"lobby": lobbyID,
		"user":  userID,
	}).Info("user joined lobby")
	return nil
}

// LeaveLobby removes the connection's user from the lobby, removes the
// connection from the broadcast group, and broadcasts the shrunken roster
// to the remaining members. If the lobby emptied out it was deleted and
// nothing is broadcast.
func (c *Coordinator) LeaveLobby(ctx context.Context, connID uuid.UUID, lobbyID string) error {
	userID, err := c.reg.Resolve(connID)
	if err != nil {
		return err
	}

	unlock := c.locks.lock(lobbyKey(lobbyID), userKey(userID))
	defer unlock()

	return c.leaveLocked(ctx, connID, userID, lobbyID)
}

// leaveLocked applies a leave for a user whose lobby and user keys are held
// by the caller.
func (c *Coordinator) leaveLocked(ctx context.Context, connID, userID uuid.UUID, lobbyID string) error {
	deleted, err := c.store.RemoveMember(ctx, lobbyID, userID)
	if err != nil {
		return err
	}

	c.groups.LeaveGroup(lobbyID, connID)
	if deleted {
		c.appendEvent(ctx, journal.Event{LobbyID: lobbyID, UserID: userID, Action: journal.ActionDelete})
		c.logger.WithField("lobby", lobbyID).Info("lobby deleted, last member left")
	} else {
		c.broadcastRoster(ctx, lobbyID)
	}
	c.appendEvent(ctx, journal.Event{LobbyID: lobbyID, UserID: userID, Action: journal.ActionLeave})

	c.logger.WithFields(logrus.Fields{
		"lobby": lobbyID,
		"user":  userID,
	}).Info("user left lobby")
	return nil
}

// Disconnect handles a transport-generated connection close. If the bound
// user is in a lobby, the equivalent of a leave is applied server-side;
// failures are logged, never surfaced, because no connection remains to
// receive them. The registry binding is removed regardless.
func (c *Coordinator) Disconnect(ctx context.Context, connID uuid.UUID) {
	defer c.reg.Unbind(connID)

	userID, err := c.reg.Resolve(connID)
	if err != nil {
		// Never authenticated; nothing to clean up beyond the unbind.
		return
	}

	for {
		u, err := c.store.GetUser(ctx, userID)
		if err != nil {
			c.logger.WithField("user", userID).Warnf("disconnect cleanup: %v", err)
			return
		}
		if !u.InLobby() {
			return
		}
		lobbyID := u.CurrentLobbyID

		unlock := c.locks.lock(lobbyKey(lobbyID), userKey(userID))

		// The user's lobby may have changed between the read and the lock;
		// if so, retry against the fresh pointer.
		u2, err := c.store.GetUser(ctx, userID)
		if err != nil || u2.CurrentLobbyID != lobbyID {
			unlock()
			if err != nil {
				c.logger.WithField("user", userID).Warnf("disconnect cleanup: %v", err)
				return
			}
			continue
		}

		err = c.leaveLocked(ctx, connID, userID, lobbyID)
		unlock()
		if errors.Is(err, roster.ErrUserNotInLobby) || errors.Is(err, roster.ErrLobbyNotFound) {
			// A concurrent leave won the race; already resolved.
			return
		}
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"lobby": lobbyID,
				"user":  userID,
			}).Warnf("disconnect cleanup: %v", err)
		}
		return
	}
}

// broadcastRoster pushes the full current member list to the lobby's group.
// Callers hold the lobby key, so no connection can observe a roster that
// misses its own completed join or still carries its completed leave.
func (c *Coordinator) broadcastRoster(ctx context.Context, lobbyID string) {
	members, err := c.store.Members(ctx, lobbyID)
	if err != nil {
		// Read-path failure after a successful mutation; the next mutation's
		// broadcast resynchronizes clients.
		c.logger.WithField("lobby", lobbyID).Warnf("roster read for broadcast: %v", err)
		return
	}
	c.groups.Broadcast(lobbyID, EventUpdateLobby, map[string]interface{}{
		"lobbyId": lobbyID,
		"members": members,
	})
}

func (c *Coordinator) appendEvent(ctx context.Context, ev journal.Event) {
	if err := c.journal.Append(ctx, ev); err != nil {
		c.logger.WithFields(logrus.Fields{
			"lobby":  ev.LobbyID,
			"action": ev.Action,
		}).Warnf("journal append: %v", err)
	}
}
