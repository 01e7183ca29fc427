package coordinator

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bchamberlain/muster/internal/broadcast"
	"github.com/bchamberlain/muster/internal/models"
	"github.com/bchamberlain/muster/internal/registry"
	"github.com/bchamberlain/muster/internal/roster"
)

type recordedEvent struct {
	Event   string
	Payload map[string]interface{}
}

type fakeEmitter struct {
	mu     sync.Mutex
	events map[uuid.UUID][]recordedEvent
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{events: make(map[uuid.UUID][]recordedEvent)}
}

func (f *fakeEmitter) EmitTo(connID uuid.UUID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fields, _ := payload.(map[string]interface{})
	f.events[connID] = append(f.events[connID], recordedEvent{Event: event, Payload: fields})
}

// rosters returns the member lists of every updateLobby event delivered to
// the connection, in order.
func (f *fakeEmitter) rosters(connID uuid.UUID) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out [][]string
	for _, ev := range f.events[connID] {
		if ev.Event != EventUpdateLobby {
			continue
		}
		members, _ := ev.Payload["members"].([]string)
		out = append(out, members)
	}
	return out
}

type testEnv struct {
	store *roster.Memory
	reg   *registry.Registry
	fe    *fakeEmitter
	coord *Coordinator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := roster.NewMemory()
	reg := registry.New()
	fe := newFakeEmitter()
	groups := broadcast.NewManager(fe)

	return &testEnv{
		store: store,
		reg:   reg,
		fe:    fe,
		coord: New(store, reg, groups, nil, logger),
	}
}

// connect creates a user and a logged-in connection for them, returning
// both IDs.
func (e *testEnv) connect(t *testing.T, username string) (connID, userID uuid.UUID) {
	t.Helper()
	u := models.User{Username: username, Password: "hash"}
	if err := e.store.CreateUser(context.Background(), &u); err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	connID = uuid.New()
	if err := e.coord.Login(context.Background(), connID, u.ID); err != nil {
		t.Fatalf("login %s: %v", username, err)
	}
	return connID, u.ID
}

func equalRoster(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestLoginUnknownUser(t *testing.T) {
	e := newTestEnv(t)
	err := e.coord.Login(context.Background(), uuid.New(), uuid.New())
	if !errors.Is(err, roster.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestMutationsRequireAuthentication(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	connID := uuid.New()

	if err := e.coord.CreateLobby(ctx, connID, "abc"); !errors.Is(err, registry.ErrNotAuthenticated) {
		t.Fatalf("create: expected ErrNotAuthenticated, got %v", err)
	}
	if err := e.coord.JoinLobby(ctx, connID, "abc"); !errors.Is(err, registry.ErrNotAuthenticated) {
		t.Fatalf("join: expected ErrNotAuthenticated, got %v", err)
	}
	if err := e.coord.LeaveLobby(ctx, connID, "abc"); !errors.Is(err, registry.ErrNotAuthenticated) {
		t.Fatalf("leave: expected ErrNotAuthenticated, got %v", err)
	}
}

func TestCreateLobbyBroadcastsHostRoster(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	conn, _ := e.connect(t, "alice")

	if err := e.coord.CreateLobby(ctx, conn, "abc"); err != nil {
		t.Fatalf("create: %v", err)
	}

	rosters := e.fe.rosters(conn)
	if len(rosters) != 1 || !equalRoster(rosters[0], []string{"alice"}) {
		t.Fatalf("expected one [alice] roster, got %v", rosters)
	}
}

func TestCreateLobbyDuplicateLeavesCreatorOutside(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	connA, _ := e.connect(t, "hostA")
	connB, userB := e.connect(t, "hostB")

	if err := e.coord.CreateLobby(ctx, connA, "l1"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := e.coord.CreateLobby(ctx, connB, "l1"); !errors.Is(err, roster.ErrLobbyExists) {
		t.Fatalf("expected ErrLobbyExists, got %v", err)
	}

	// Failed create joins nothing: hostB is not in the broadcast group and
	// receives none of l1's subsequent broadcasts.
	if len(e.fe.rosters(connB)) != 0 {
		t.Fatalf("hostB received broadcasts: %v", e.fe.rosters(connB))
	}
	u, _ := e.store.GetUser(ctx, userB)
	if u.InLobby() {
		t.Fatalf("hostB joined a lobby: %q", u.CurrentLobbyID)
	}
}

func TestJoinUnknownLobby(t *testing.T) {
	e := newTestEnv(t)
	conn, _ := e.connect(t, "alice")
	err := e.coord.JoinLobby(context.Background(), conn, "ghost")
	if !errors.Is(err, roster.ErrLobbyNotFound) {
		t.Fatalf("expected ErrLobbyNotFound, got %v", err)
	}
	if len(e.fe.rosters(conn)) != 0 {
		t.Fatal("failed join must not produce a broadcast to the caller")
	}
}

func TestConcurrentJoinsBothSucceed(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	hostConn, _ := e.connect(t, "host")
	conn1, _ := e.connect(t, "u1")
	conn2, _ := e.connect(t, "u2")

	if err := e.coord.CreateLobby(ctx, hostConn, "race"); err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); errs[0] = e.coord.JoinLobby(ctx, conn1, "race") }()
	go func() { defer wg.Done(); errs[1] = e.coord.JoinLobby(ctx, conn2, "race") }()
	wg.Wait()

	if errs[0] != nil || errs[1] != nil {
		t.Fatalf("joins failed: %v, %v", errs[0], errs[1])
	}

	members, err := e.store.Members(ctx, "race")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("expected 3 members, got %v", members)
	}

	// The host saw the create broadcast plus one broadcast per join, and the
	// last one reflects the full final roster.
	rosters := e.fe.rosters(hostConn)
	if len(rosters) != 3 {
		t.Fatalf("expected 3 broadcasts to host, got %d", len(rosters))
	}
	if len(rosters[2]) != 3 {
		t.Fatalf("final roster incomplete: %v", rosters[2])
	}
}

func TestJoinWhileInAnotherLobby(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	connA, _ := e.connect(t, "alice")
	connB, userB := e.connect(t, "bob")

	if err := e.coord.CreateLobby(ctx, connA, "l1"); err != nil {
		t.Fatalf("create l1: %v", err)
	}
	if err := e.coord.CreateLobby(ctx, connB, "l2"); err != nil {
		t.Fatalf("create l2: %v", err)
	}

	if err := e.coord.JoinLobby(ctx, connB, "l1"); !errors.Is(err, roster.ErrUserAlreadyInLobby) {
		t.Fatalf("expected ErrUserAlreadyInLobby, got %v", err)
	}

	l1, _ := e.store.Members(ctx, "l1")
	l2, _ := e.store.Members(ctx, "l2")
	if !equalRoster(l1, []string{"alice"}) || !equalRoster(l2, []string{"bob"}) {
		t.Fatalf("failed join mutated state: l1=%v l2=%v", l1, l2)
	}
	u, _ := e.store.GetUser(ctx, userB)
	if u.CurrentLobbyID != "l2" {
		t.Fatalf("bob's pointer changed: %q", u.CurrentLobbyID)
	}
}

func TestLeaveStopsDeliveryToLeaver(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	connA, _ := e.connect(t, "alice")
	connB, _ := e.connect(t, "bob")

	if err := e.coord.CreateLobby(ctx, connA, "abc"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := e.coord.JoinLobby(ctx, connB, "abc"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := e.coord.LeaveLobby(ctx, connB, "abc"); err != nil {
		t.Fatalf("leave: %v", err)
	}

	// bob saw his own join but not the roster broadcast after his leave.
	bobRosters := e.fe.rosters(connB)
	if len(bobRosters) != 1 || !equalRoster(bobRosters[0], []string{"alice", "bob"}) {
		t.Fatalf("unexpected rosters for bob: %v", bobRosters)
	}

	// alice saw all three states.
	aliceRosters := e.fe.rosters(connA)
	if len(aliceRosters) != 3 || !equalRoster(aliceRosters[2], []string{"alice"}) {
		t.Fatalf("unexpected rosters for alice: %v", aliceRosters)
	}
}

func TestDisconnectSoleMemberDeletesLobby(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	conn, userID := e.connect(t, "alice")

	if err := e.coord.CreateLobby(ctx, conn, "abc"); err != nil {
		t.Fatalf("create: %v", err)
	}

	e.coord.Disconnect(ctx, conn)

	if _, err := e.store.Members(ctx, "abc"); !errors.Is(err, roster.ErrLobbyNotFound) {
		t.Fatalf("expected lobby deleted, got %v", err)
	}
	// No broadcast for the deletion itself: only the create roster was sent.
	if len(e.fe.rosters(conn)) != 1 {
		t.Fatalf("unexpected broadcasts: %v", e.fe.rosters(conn))
	}
	// Registry cleanup always proceeds.
	if _, err := e.reg.Resolve(conn); !errors.Is(err, registry.ErrNotAuthenticated) {
		t.Fatalf("binding survived disconnect: %v", err)
	}
	u, _ := e.store.GetUser(ctx, userID)
	if u.InLobby() {
		t.Fatalf("pointer survived disconnect: %q", u.CurrentLobbyID)
	}
}

func TestDisconnectUnauthenticatedIsNoOp(t *testing.T) {
	e := newTestEnv(t)
	e.coord.Disconnect(context.Background(), uuid.New())
}

func TestDisconnectRacingLeave(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	connA, _ := e.connect(t, "alice")
	connB, userB := e.connect(t, "bob")

	if err := e.coord.CreateLobby(ctx, connA, "abc"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := e.coord.JoinLobby(ctx, connB, "abc"); err != nil {
		t.Fatalf("join: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		// The explicit leave may lose the race to the disconnect cleanup.
		_ = e.coord.LeaveLobby(ctx, connB, "abc")
	}()
	go func() {
		defer wg.Done()
		e.coord.Disconnect(ctx, connB)
	}()
	wg.Wait()

	// Exactly one removal applied: alice remains, bob is out everywhere.
	members, err := e.store.Members(ctx, "abc")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if !equalRoster(members, []string{"alice"}) {
		t.Fatalf("expected [alice], got %v", members)
	}
	u, _ := e.store.GetUser(ctx, userB)
	if u.InLobby() {
		t.Fatalf("bob still pointed at a lobby: %q", u.CurrentLobbyID)
	}
}

// TestLifecycleScenario walks the full create/join/disconnect/leave story
// and checks every broadcast along the way.
func TestLifecycleScenario(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	aliceConn, _ := e.connect(t, "alice")
	bobConn, _ := e.connect(t, "bob")

	if err := e.coord.CreateLobby(ctx, aliceConn, "abc"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := e.coord.JoinLobby(ctx, bobConn, "abc"); err != nil {
		t.Fatalf("join: %v", err)
	}

	e.coord.Disconnect(ctx, aliceConn)

	// Lobby survives with bob as its only member.
	members, err := e.store.Members(ctx, "abc")
	if err != nil {
		t.Fatalf("members after disconnect: %v", err)
	}
	if !equalRoster(members, []string{"bob"}) {
		t.Fatalf("expected [bob], got %v", members)
	}

	if err := e.coord.LeaveLobby(ctx, bobConn, "abc"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if _, err := e.store.Members(ctx, "abc"); !errors.Is(err, roster.ErrLobbyNotFound) {
		t.Fatalf("expected lobby deleted, got %v", err)
	}

	wantBob := [][]string{
		{"alice", "bob"}, // his join
		{"bob"},          // alice's disconnect
	}
	gotBob := e.fe.rosters(bobConn)
	if len(gotBob) != len(wantBob) {
		t.Fatalf("expected %v, got %v", wantBob, gotBob)
	}
	for i := range wantBob {
		if !equalRoster(gotBob[i], wantBob[i]) {
			t.Fatalf("expected %v, got %v", wantBob, gotBob)
		}
	}

	wantAlice := [][]string{
		{"alice"},
		{"alice", "bob"},
	}
	gotAlice := e.fe.rosters(aliceConn)
	if len(gotAlice) != len(wantAlice) {
		t.Fatalf("expected %v, got %v", wantAlice, gotAlice)
	}
	for i := range wantAlice {
		if !equalRoster(gotAlice[i], wantAlice[i]) {
			t.Fatalf("expected %v, got %v", wantAlice, gotAlice)
		}
	}
}

func TestCrossLobbyOperationsDoNotInterfere(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	const lobbies = 8
	var wg sync.WaitGroup
	for i := 0; i < lobbies; i++ {
		hostConn, _ := e.connect(t, "host"+uuid.NewString()[:8])
		lobbyID := "lobby-" + uuid.NewString()[:8]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.coord.CreateLobby(ctx, hostConn, lobbyID); err != nil {
				t.Errorf("create %s: %v", lobbyID, err)
				return
			}
			if err := e.coord.LeaveLobby(ctx, hostConn, lobbyID); err != nil {
				t.Errorf("leave %s: %v", lobbyID, err)
			}
		}()
	}
	wg.Wait()
}
