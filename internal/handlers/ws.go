// internal/handlers/ws.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bchamberlain/muster/internal/auth"
	"github.com/bchamberlain/muster/internal/coordinator"
	"github.com/bchamberlain/muster/internal/registry"
	"github.com/bchamberlain/muster/internal/roster"
)

// clientMessage is the shape of every inbound websocket frame.
type clientMessage struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	LobbyID string `json:"lobbyId,omitempty"`
}

// wsConn is one live websocket connection. Outbound messages flow through
// out so the write pump is the only goroutine touching the socket writer.
type wsConn struct {
	id     uuid.UUID
	out    chan map[string]interface{}
	cancel context.CancelFunc
}

// write pushes a message onto the connection's outbound channel without
// blocking. A full or closed channel drops the message; the next roster
// broadcast supersedes anything dropped.
func (c *wsConn) write(logger *logrus.Logger, msg map[string]interface{}) {
	select {
	case c.out <- msg:
	default:
		msgType, _ := msg["type"].(string)
		logger.WithField("conn", c.id).Warnf("outbound channel full, dropped %q message", msgType)
	}
}

// WSServer owns the live websocket connections and implements
// broadcast.Emitter for the group manager.
type WSServer struct {
	mu     sync.Mutex
	conns  map[uuid.UUID]*wsConn
	logger *logrus.Logger
}

// NewWSServer returns a WSServer with no connections.
func NewWSServer(logger *logrus.Logger) *WSServer {
	return &WSServer{
		conns:  make(map[uuid.UUID]*wsConn),
		logger: logger,
	}
}

// EmitTo delivers one event to one connection, at most once, no retry.
// Unknown connections are ignored: a mutation may complete after its
// connection has already closed and been deregistered.
func (s *WSServer) EmitTo(connID uuid.UUID, event string, payload any) {
	s.mu.Lock()
	conn, ok := s.conns[connID]
	s.mu.Unlock()
	if !ok {
		return
	}

	msg := map[string]interface{}{"type": event}
	if fields, ok := payload.(map[string]interface{}); ok {
		for k, v := range fields {
			msg[k] = v
		}
	} else if payload != nil {
		msg["payload"] = payload
	}
	conn.write(s.logger, msg)
}

func (s *WSServer) register(conn *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn.id] = conn
}

func (s *WSServer) deregister(connID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, connID)
}

// Handler upgrades requests on the lobby websocket endpoint and runs the
// per-connection event loop against the coordinator.
func (s *WSServer) Handler(coord *coordinator.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"lobby"},
			OriginPatterns: []string{"*"}, // Adjust in production
		})
		if err != nil {
			s.logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != "lobby" {
			c.Close(websocket.StatusPolicyViolation, "client must speak the lobby subprotocol")
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		conn := &wsConn{
			id:     uuid.New(),
			out:    make(chan map[string]interface{}, 16),
			cancel: cancel,
		}
		s.register(conn)
		s.logger.WithFields(logrus.Fields{
			"conn":   conn.id,
			"remote": r.RemoteAddr,
		}).Info("websocket connected")

		go s.writePump(ctx, c, conn)
		s.readPump(ctx, c, conn, coord)

		// The request context is canceled once the connection drops, but the
		// implicit leave must still run to completion; detach it.
		cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), 10*time.Second)
		coord.Disconnect(cleanupCtx, conn.id)
		cancelCleanup()

		s.deregister(conn.id)
		conn.cancel()
		s.logger.WithField("conn", conn.id).Info("websocket disconnected")
	}
}

// readPump consumes frames until the connection closes or errors out.
func (s *WSServer) readPump(ctx context.Context, c *websocket.Conn, conn *wsConn, coord *coordinator.Coordinator) {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				return
			}
			if !strings.Contains(err.Error(), "context canceled") {
				s.logger.WithField("conn", conn.id).Warnf("read error: %v", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.WithField("conn", conn.id).Warnf("invalid json: %v", err)
			conn.write(s.logger, map[string]interface{}{
				"type":    "lobbyError",
				"kind":    "BadRequest",
				"message": "invalid JSON payload",
			})
			continue
		}

		s.dispatch(ctx, conn, coord, msg)
	}
}

// dispatch routes one client message to the coordinator. Every failure is
// reported back to this connection only; nothing here can crash the loop.
func (s *WSServer) dispatch(ctx context.Context, conn *wsConn, coord *coordinator.Coordinator, msg clientMessage) {
	switch msg.Type {
	case "login":
		sub, err := auth.VerifyToken(msg.Token)
		if err != nil {
			s.emitError(conn, "NotAuthenticated", "invalid session token")
			return
		}
		userID, err := uuid.Parse(sub)
		if err != nil {
			s.emitError(conn, "NotAuthenticated", "invalid user id in token")
			return
		}
		if err := coord.Login(ctx, conn.id, userID); err != nil {
			s.reportError(conn, err)
		}

	case "createLobby":
		if msg.LobbyID == "" {
			s.emitError(conn, "BadRequest", "missing lobbyId")
			return
		}
		if err := coord.CreateLobby(ctx, conn.id, msg.LobbyID); err != nil {
			s.reportError(conn, err)
		}

	case "joinLobby":
		if msg.LobbyID == "" {
			s.emitError(conn, "BadRequest", "missing lobbyId")
			return
		}
		if err := coord.JoinLobby(ctx, conn.id, msg.LobbyID); err != nil {
			if errors.Is(err, roster.ErrLobbyNotFound) {
				// Legacy event shape for joins against unknown lobbies.
				conn.write(s.logger, map[string]interface{}{"type": "lobbyNotFound"})
				return
			}
			s.reportError(conn, err)
		}

	case "leaveLobby":
		if msg.LobbyID == "" {
			s.emitError(conn, "BadRequest", "missing lobbyId")
			return
		}
		if err := coord.LeaveLobby(ctx, conn.id, msg.LobbyID); err != nil {
			s.reportError(conn, err)
		}

	default:
		s.emitError(conn, "BadRequest", "unknown message type")
	}
}

// reportError translates a coordinator error into a lobbyError event for
// the originating connection.
func (s *WSServer) reportError(conn *wsConn, err error) {
	s.emitError(conn, errorKind(err), err.Error())
}

func (s *WSServer) emitError(conn *wsConn, kind, message string) {
	conn.write(s.logger, map[string]interface{}{
		"type":    "lobbyError",
		"kind":    kind,
		"message": message,
	})
}

// errorKind tags an error with its wire-visible kind.
func errorKind(err error) string {
	switch {
	case errors.Is(err, registry.ErrNotAuthenticated):
		return "NotAuthenticated"
	case errors.Is(err, roster.ErrLobbyNotFound):
		return "LobbyNotFound"
	case errors.Is(err, roster.ErrLobbyExists):
		return "LobbyAlreadyExists"
	case errors.Is(err, roster.ErrUserAlreadyInLobby):
		return "UserAlreadyInLobby"
	case errors.Is(err, roster.ErrUserNotInLobby):
		return "UserNotInLobby"
	case errors.Is(err, roster.ErrUserNotFound):
		return "UserNotFound"
	case errors.Is(err, roster.ErrWriteFailed):
		return "StoreWriteFailed"
	default:
		return "Internal"
	}
}

// writePump serializes all outbound frames for one connection.
func (s *WSServer) writePump(ctx context.Context, c *websocket.Conn, conn *wsConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-conn.out:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.WithField("conn", conn.id).Warnf("marshal outbound: %v", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = c.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.WithField("conn", conn.id).Warnf("write error: %v", err)
				return
			}
		}
	}
}
