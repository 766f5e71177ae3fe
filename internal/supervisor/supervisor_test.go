package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hivelink/hivelink/internal/bus"
	"github.com/hivelink/hivelink/internal/engine"
	"github.com/hivelink/hivelink/internal/registry"
	"github.com/hivelink/hivelink/internal/store"
	"github.com/hivelink/hivelink/internal/workspace"
	"go.uber.org/zap"
)

// fakeSession stands in for a protocol engine session. Tests drive the
// supervisor by emitting events through the sink captured at open time.
type fakeSession struct {
	mu          sync.Mutex
	sink        engine.Sink
	connectErr  error
	connects    int
	logouts     int
	disconnects int
	serverMsgID string
}

func (f *fakeSession) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeSession) SendText(_ context.Context, _ string, _ string) (string, error) {
	if f.serverMsgID == "" {
		return "SRV", nil
	}
	return f.serverMsgID, nil
}

func (f *fakeSession) Logout(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return nil
}

func (f *fakeSession) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeSession) IsLoggedIn() bool { return true }
func (f *fakeSession) Identity() string { return "" }

func (f *fakeSession) emit(evt engine.Event) { f.sink(evt) }

type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
	err      error
}

func (f *fakeFactory) open(_ context.Context, _ string, sink engine.Sink) (engine.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSession{sink: sink}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeFactory) last() *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestSupervisor(t *testing.T, f *fakeFactory) (*Supervisor, *bus.Bus, string) {
	t.Helper()
	dataDir := t.TempDir()
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	s := New(registry.New(), testDB(t), b, f.open, Options{
		DataDir:              dataDir,
		MaxReconnectAttempts: 2,
		ReconnectDelay:       10 * time.Millisecond,
	}, logger)
	return s, b, dataDir
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartIdempotentWhileConnecting(t *testing.T) {
	f := &fakeFactory{}
	s, _, _ := newTestSupervisor(t, f)

	if err := s.Start(context.Background(), "w1"); err != nil {
		t.Fatal(err)
	}
	// Second start while connecting must not open a second session.
	if err := s.Start(context.Background(), "w1"); err != nil {
		t.Fatal(err)
	}
	if f.count() != 1 {
		t.Errorf("factory opened %d sessions, want 1", f.count())
	}

	// Same once connected.
	f.last().emit(engine.Opened{Identity: "5551234"})
	if err := s.Start(context.Background(), "w1"); err != nil {
		t.Fatal(err)
	}
	if f.count() != 1 {
		t.Errorf("factory opened %d sessions after connected, want 1", f.count())
	}
}

func TestPairingChallengeTransitionsToWaitingQR(t *testing.T) {
	f := &fakeFactory{}
	s, b, _ := newTestSupervisor(t, f)
	ch, unsub := b.Subscribe("instance.qr_updated", 10)
	defer unsub()

	if err := s.Start(context.Background(), "w1"); err != nil {
		t.Fatal(err)
	}
	// A previous identity must be cleared by a fresh challenge.
	f.last().emit(engine.Opened{Identity: "5551234"})
	f.last().emit(engine.PairingCode{Code: "XYZ"})

	inst := s.Status("w1")
	if inst.Status != registry.StatusWaitingQR {
		t.Errorf("status = %q, want waiting_qr", inst.Status)
	}
	if inst.PairingCode == "" {
		t.Error("pairing code should be set")
	}
	if inst.Identity != "" {
		t.Errorf("identity = %q, want cleared", inst.Identity)
	}

	select {
	case evt := <-ch:
		payload, ok := evt.Payload.(QRUpdatedPayload)
		if !ok || payload.QR == "" {
			t.Errorf("payload = %#v, want rendered QR", evt.Payload)
		}
	default:
		t.Error("expected instance.qr_updated broadcast")
	}
}

func TestOpenedResetsAttemptsAndSetsLastSeen(t *testing.T) {
	f := &fakeFactory{}
	s, _, _ := newTestSupervisor(t, f)

	if err := s.Start(context.Background(), "w1"); err != nil {
		t.Fatal(err)
	}
	f.last().emit(engine.Closed{Reason: engine.ReasonConnectionLost})
	waitFor(t, "reconnect session", func() bool { return f.count() == 2 })

	if got := s.Status("w1").ReconnectAttempts; got != 1 {
		t.Errorf("attempts after transient close = %d, want 1", got)
	}

	f.last().emit(engine.Opened{Identity: "5551234"})
	inst := s.Status("w1")
	if inst.Status != registry.StatusConnected {
		t.Errorf("status = %q, want connected", inst.Status)
	}
	if inst.ReconnectAttempts != 0 {
		t.Errorf("attempts = %d, want 0 after connect", inst.ReconnectAttempts)
	}
	if inst.LastSeen.IsZero() {
		t.Error("LastSeen should be set")
	}
	if inst.PairingCode != "" {
		t.Error("pairing code should be cleared once connected")
	}
}

func TestReconnectBoundedByMaxAttempts(t *testing.T) {
	f := &fakeFactory{}
	s, b, _ := newTestSupervisor(t, f)
	ch, unsub := b.Subscribe("instance.disconnected", 10)
	defer unsub()

	if err := s.Start(context.Background(), "w1"); err != nil {
		t.Fatal(err)
	}

	// Two transient closes are retried, the third exhausts the cap (max=2).
	f.last().emit(engine.Closed{Reason: engine.ReasonConnectionLost})
	waitFor(t, "first retry", func() bool { return f.count() == 2 })
	f.last().emit(engine.Closed{Reason: engine.ReasonConnectionLost})
	waitFor(t, "second retry", func() bool { return f.count() == 3 })
	f.last().emit(engine.Closed{Reason: engine.ReasonConnectionLost})

	waitFor(t, "terminal disconnect", func() bool {
		return s.Status("w1").Status == registry.StatusDisconnected
	})

	evt := <-ch
	payload, ok := evt.Payload.(DisconnectedPayload)
	if !ok || payload.Reason != ReasonConnectionLost {
		t.Errorf("payload = %#v, want reason connection_lost", evt.Payload)
	}

	// No further automatic start.
	time.Sleep(50 * time.Millisecond)
	if f.count() != 3 {
		t.Errorf("factory opened %d sessions, want 3 (no retries past the cap)", f.count())
	}
}

func TestLogoutWipesCredentialsAndStopsRetrying(t *testing.T) {
	f := &fakeFactory{}
	s, b, dataDir := newTestSupervisor(t, f)
	ch, unsub := b.Subscribe("instance.disconnected", 10)
	defer unsub()

	if err := s.Start(context.Background(), "w1"); err != nil {
		t.Fatal(err)
	}
	f.last().emit(engine.Opened{Identity: "5551234"})

	if err := workspace.EnsureDir(dataDir, "w1"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(workspace.CredentialDBPath(dataDir, "w1"), []byte("creds"), 0600); err != nil {
		t.Fatal(err)
	}

	f.last().emit(engine.Closed{Reason: engine.ReasonLoggedOut})

	inst := s.Status("w1")
	if inst.Status != registry.StatusDisconnected {
		t.Errorf("status = %q, want disconnected", inst.Status)
	}
	if inst.Identity != "" {
		t.Errorf("identity = %q, want cleared", inst.Identity)
	}
	if workspace.HasCredentials(dataDir, "w1") {
		t.Error("credentials should be wiped on logout")
	}

	evt := <-ch
	payload, ok := evt.Payload.(DisconnectedPayload)
	if !ok || payload.Reason != ReasonLoggedOut {
		t.Errorf("payload = %#v, want reason logged_out", evt.Payload)
	}

	// No reconnect is scheduled for an explicit logout.
	time.Sleep(50 * time.Millisecond)
	if f.count() != 1 {
		t.Errorf("factory opened %d sessions, want 1", f.count())
	}
}

func TestDisconnectOnNeverStartedWorkspaceIsNoop(t *testing.T) {
	f := &fakeFactory{}
	s, b, _ := newTestSupervisor(t, f)
	ch, unsub := b.Subscribe("instance.", 10)
	defer unsub()

	if err := s.Disconnect(context.Background(), "w1"); err != nil {
		t.Fatal(err)
	}
	if got := s.Status("w1").Status; got != registry.StatusDisconnected {
		t.Errorf("status = %q, want disconnected", got)
	}
	if len(ch) != 0 {
		t.Error("no-op disconnect should not broadcast")
	}
}

func TestDisconnectLogsOutAndCancelsRetry(t *testing.T) {
	f := &fakeFactory{}
	s, _, _ := newTestSupervisor(t, f)

	if err := s.Start(context.Background(), "w1"); err != nil {
		t.Fatal(err)
	}
	sess := f.last()
	sess.emit(engine.Opened{Identity: "5551234"})
	sess.emit(engine.Closed{Reason: engine.ReasonConnectionLost})

	// Disconnect before the retry timer fires.
	if err := s.Disconnect(context.Background(), "w1"); err != nil {
		t.Fatal(err)
	}
	if got := s.Status("w1").Status; got != registry.StatusDisconnected {
		t.Errorf("status = %q, want disconnected", got)
	}
	if sess.logouts != 1 {
		t.Errorf("logouts = %d, want 1", sess.logouts)
	}

	// The cancelled retry must not resurrect the session.
	time.Sleep(50 * time.Millisecond)
	if f.count() != 1 {
		t.Errorf("factory opened %d sessions, want 1 (retry cancelled)", f.count())
	}
}

func TestStaleSessionEventsAreDropped(t *testing.T) {
	f := &fakeFactory{}
	s, _, _ := newTestSupervisor(t, f)

	if err := s.Start(context.Background(), "w1"); err != nil {
		t.Fatal(err)
	}
	old := f.last()

	if err := s.Disconnect(context.Background(), "w1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background(), "w1"); err != nil {
		t.Fatal(err)
	}

	// A late event from the superseded session must not flip the state.
	old.emit(engine.Opened{Identity: "5550000"})
	if got := s.Status("w1").Status; got != registry.StatusConnecting {
		t.Errorf("status = %q, want connecting (stale event ignored)", got)
	}
}

func TestSetupFailureSetsErrorStatus(t *testing.T) {
	f := &fakeFactory{err: os.ErrPermission}
	s, _, _ := newTestSupervisor(t, f)

	if err := s.Start(context.Background(), "w1"); err == nil {
		t.Fatal("Start should propagate setup failure")
	}
	if got := s.Status("w1").Status; got != registry.StatusError {
		t.Errorf("status = %q, want error", got)
	}

	// Error status is not retried automatically, but a fresh start clears it.
	f.mu.Lock()
	f.err = nil
	f.mu.Unlock()
	if err := s.Start(context.Background(), "w1"); err != nil {
		t.Fatal(err)
	}
	if got := s.Status("w1").Status; got != registry.StatusConnecting {
		t.Errorf("status = %q, want connecting", got)
	}
}

func TestRestoreAllReconnectsPersistedSessions(t *testing.T) {
	f := &fakeFactory{}
	dataDir := t.TempDir()
	db := testDB(t)
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	s := New(registry.New(), db, b, f.open, Options{
		DataDir:              dataDir,
		MaxReconnectAttempts: 2,
		ReconnectDelay:       10 * time.Millisecond,
	}, logger)

	// Three persisted workspaces: connected with creds, connected without
	// creds, and one that disconnected cleanly.
	for i, rec := range []store.InstanceRecord{
		{WorkspaceID: "w1", Status: "connected", Identity: "5551111"},
		{WorkspaceID: "w2", Status: "connected", Identity: "5552222"},
		{WorkspaceID: "w3", Status: "disconnected"},
	} {
		if err := db.UpsertInstance(&rec); err != nil {
			t.Fatalf("seed %s: %v", strconv.Itoa(i), err)
		}
	}
	if err := workspace.EnsureDir(dataDir, "w1"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(workspace.CredentialDBPath(dataDir, "w1"), []byte("creds"), 0600); err != nil {
		t.Fatal(err)
	}

	s.RestoreAll(context.Background())

	if f.count() != 1 {
		t.Fatalf("factory opened %d sessions, want 1 (only w1 has credentials)", f.count())
	}
	if got := s.Status("w1").Status; got != registry.StatusConnecting {
		t.Errorf("w1 status = %q, want connecting", got)
	}
	if got := s.Status("w2").Status; got != registry.StatusDisconnected {
		t.Errorf("w2 status = %q, want disconnected (skipped)", got)
	}

	// Once the engine confirms, the persisted mirror reflects connected.
	f.last().emit(engine.Opened{Identity: "5551111"})
	rec, err := db.GetInstance("w1")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.Status != "connected" || rec.Identity != "5551111" {
		t.Errorf("persisted record = %+v, want connected/5551111", rec)
	}
}

func TestWorkspacesAreIndependent(t *testing.T) {
	f := &fakeFactory{}
	s, _, _ := newTestSupervisor(t, f)

	if err := s.Start(context.Background(), "w1"); err != nil {
		t.Fatal(err)
	}
	w1sess := f.last()
	if err := s.Start(context.Background(), "w2"); err != nil {
		t.Fatal(err)
	}
	w2sess := f.last()

	w1sess.emit(engine.Opened{Identity: "5551111"})
	w2sess.emit(engine.Closed{Reason: engine.ReasonLoggedOut})

	if got := s.Status("w1").Status; got != registry.StatusConnected {
		t.Errorf("w1 status = %q, want connected (w2 failure must not leak)", got)
	}
	if got := s.Status("w2").Status; got != registry.StatusDisconnected {
		t.Errorf("w2 status = %q, want disconnected", got)
	}
}
