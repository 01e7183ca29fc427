// internal/handlers/user_test.go
package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bchamberlain/muster/internal/auth"
	"github.com/bchamberlain/muster/internal/roster"
)

func signup(t *testing.T, store roster.Store, username, password string) authResponse {
	t.Helper()
	body := map[string]string{"username": username, "password": password}
	data, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", "/api/signup", bytes.NewBuffer(data))
	w := httptest.NewRecorder()

	SignupHandler(store).ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("signup: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp authResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode signup response: %v", err)
	}
	return resp
}

func TestSignupIssuesUsableToken(t *testing.T) {
	if err := auth.Init(); err != nil {
		t.Fatalf("auth init: %v", err)
	}
	store := roster.NewMemory()

	resp := signup(t, store, "alice", "hunter2")
	if !resp.Success || resp.Username != "alice" || resp.Token == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	sub, err := auth.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify issued token: %v", err)
	}
	if sub != resp.UserID {
		t.Fatalf("token sub %q does not match userID %q", sub, resp.UserID)
	}
}

func TestSignupDuplicateUsername(t *testing.T) {
	if err := auth.Init(); err != nil {
		t.Fatalf("auth init: %v", err)
	}
	store := roster.NewMemory()
	signup(t, store, "alice", "hunter2")

	data, _ := json.Marshal(map[string]string{"username": "alice", "password": "other"})
	req := httptest.NewRequest("POST", "/api/signup", bytes.NewBuffer(data))
	w := httptest.NewRecorder()
	SignupHandler(store).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestLoginVerifiesPassword(t *testing.T) {
	if err := auth.Init(); err != nil {
		t.Fatalf("auth init: %v", err)
	}
	store := roster.NewMemory()
	signup(t, store, "alice", "hunter2")

	data, _ := json.Marshal(map[string]string{"username": "alice", "password": "hunter2"})
	req := httptest.NewRequest("POST", "/api/login", bytes.NewBuffer(data))
	w := httptest.NewRecorder()
	LoginHandler(store).ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	data, _ = json.Marshal(map[string]string{"username": "alice", "password": "wrong"})
	req = httptest.NewRequest("POST", "/api/login", bytes.NewBuffer(data))
	w = httptest.NewRecorder()
	LoginHandler(store).ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("wrong password: expected 400, got %d", w.Code)
	}
}

func TestRefreshLogin(t *testing.T) {
	if err := auth.Init(); err != nil {
		t.Fatalf("auth init: %v", err)
	}
	store := roster.NewMemory()
	created := signup(t, store, "alice", "hunter2")

	req := httptest.NewRequest("POST", "/api/refreshlogin", nil)
	req.Header.Set("Authorization", "Bearer "+created.Token)
	w := httptest.NewRecorder()
	RefreshLoginHandler(store).ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp authResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.UserID != created.UserID || resp.Username != "alice" {
		t.Fatalf("unexpected refresh response: %+v", resp)
	}

	// Missing token.
	req = httptest.NewRequest("POST", "/api/refreshlogin", nil)
	w = httptest.NewRecorder()
	RefreshLoginHandler(store).ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("no token: expected 400, got %d", w.Code)
	}
}
