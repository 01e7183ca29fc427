// internal/handlers/user.go
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/bchamberlain/muster/internal/auth"
	"github.com/bchamberlain/muster/internal/models"
	"github.com/bchamberlain/muster/internal/roster"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	UserID   string `json:"userID"`
	Token    string `json:"token"`
	Username string `json:"username"`
	Success  bool   `json:"success"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// SignupHandler creates a user and returns a session token.
func SignupHandler(store roster.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req credentialsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid payload"})
			return
		}
		if req.Username == "" || req.Password == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "username and password required"})
			return
		}

		hash, err := auth.HashPassword(req.Password, auth.Params)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "error creating user"})
			return
		}

		user := models.User{
			Username: req.Username,
			Password: hash,
		}
		if err := store.CreateUser(r.Context(), &user); err != nil {
			if errors.Is(err, roster.ErrUsernameTaken) {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "username already exists"})
				return
			}
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "error creating user"})
			return
		}

		token, err := auth.CreateToken(user.ID.String())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "error issuing token"})
			return
		}
		writeJSON(w, http.StatusOK, authResponse{
			UserID:   user.ID.String(),
			Token:    token,
			Username: user.Username,
			Success:  true,
		})
	}
}

// LoginHandler verifies credentials and returns a session token.
func LoginHandler(store roster.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req credentialsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid payload"})
			return
		}

		user, err := store.GetUserByUsername(r.Context(), req.Username)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user not found"})
			return
		}

		match, err := auth.VerifyPassword(req.Password, user.Password)
		if err != nil || !match {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid password"})
			return
		}

		token, err := auth.CreateToken(user.ID.String())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "error issuing token"})
			return
		}
		writeJSON(w, http.StatusOK, authResponse{
			UserID:   user.ID.String(),
			Token:    token,
			Username: user.Username,
			Success:  true,
		})
	}
}

// RefreshLoginHandler re-validates a bearer token and returns the user's
// identity, so a client can restore a session without re-entering
// credentials.
func RefreshLoginHandler(store roster.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "no token provided"})
			return
		}

		sub, err := auth.VerifyToken(token)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid token"})
			return
		}
		userID, err := uuid.Parse(sub)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid token"})
			return
		}

		user, err := store.GetUser(r.Context(), userID)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user not found"})
			return
		}
		writeJSON(w, http.StatusOK, authResponse{
			UserID:   user.ID.String(),
			Token:    token,
			Username: user.Username,
			Success:  true,
		})
	}
}

func bearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
