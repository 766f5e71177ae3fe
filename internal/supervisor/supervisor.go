// Package supervisor owns the per-workspace connection state machine:
// starting sessions, pairing, bounded reconnection, logout teardown and
// restore after restart. It is the only writer of the instance registry.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hivelink/hivelink/internal/bus"
	"github.com/hivelink/hivelink/internal/engine"
	"github.com/hivelink/hivelink/internal/registry"
	"github.com/hivelink/hivelink/internal/store"
	"github.com/hivelink/hivelink/internal/workspace"
	"go.uber.org/zap"
)

// Disconnect reasons surfaced in broadcast payloads.
const (
	ReasonLoggedOut      = "logged_out"
	ReasonConnectionLost = "connection_lost"
	ReasonUserRequested  = "user_requested"
)

// Options tunes the supervisor's reconnection policy and storage layout.
type Options struct {
	DataDir              string
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
}

// Supervisor drives every workspace's connection lifecycle.
type Supervisor struct {
	registry *registry.Registry
	db       *store.DB
	bus      *bus.Bus
	factory  engine.Factory
	logger   *zap.Logger
	opts     Options

	mu      sync.Mutex
	workers map[string]*worker
}

// worker serializes all mutations for one workspace. The epoch counter
// fences out events from superseded engine sessions: every teardown
// bumps it, and callbacks created for an older epoch are discarded.
type worker struct {
	mu      sync.Mutex
	session engine.Session
	retry   *time.Timer
	epoch   uint64
}

// New creates a supervisor. Sessions are opened through factory so tests
// can substitute a fake engine.
func New(reg *registry.Registry, db *store.DB, b *bus.Bus, factory engine.Factory, opts Options, logger *zap.Logger) *Supervisor {
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 5
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	return &Supervisor{
		registry: reg,
		db:       db,
		bus:      b,
		factory:  factory,
		logger:   logger,
		opts:     opts,
		workers:  make(map[string]*worker),
	}
}

func (s *Supervisor) worker(workspaceID string) *worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workspaceID]
	if !ok {
		w = &worker{}
		s.workers[workspaceID] = w
	}
	return w
}

// Start opens a session for the workspace. Idempotent: when the
// workspace is already connecting or connected it returns immediately
// without opening a second connection.
func (s *Supervisor) Start(ctx context.Context, workspaceID string) error {
	w := s.worker(workspaceID)
	w.mu.Lock()
	defer w.mu.Unlock()

	status := s.registry.Get(workspaceID).Status
	if status == registry.StatusConnecting || status == registry.StatusConnected {
		return nil
	}
	return s.startLocked(ctx, w, workspaceID)
}

// startLocked opens a fresh session. Caller holds w.mu.
func (s *Supervisor) startLocked(ctx context.Context, w *worker, workspaceID string) error {
	w.cancelRetry()
	s.teardownLocked(w)

	snap := s.registry.Update(workspaceID, func(inst *registry.Instance) {
		inst.Status = registry.StatusConnecting
		inst.PairingCode = ""
	})
	s.persist(snap)

	epoch := w.epoch
	sess, err := s.factory(ctx, workspaceID, func(evt engine.Event) {
		s.handleEngineEvent(workspaceID, epoch, evt)
	})
	if err != nil {
		s.logger.Error("session setup failed", zap.String("workspace", workspaceID), zap.Error(err))
		s.persist(s.registry.Update(workspaceID, func(inst *registry.Instance) {
			inst.Status = registry.StatusError
		}))
		return fmt.Errorf("open session: %w", err)
	}
	w.session = sess

	if err := sess.Connect(); err != nil {
		s.logger.Error("connect failed", zap.String("workspace", workspaceID), zap.Error(err))
		s.teardownLocked(w)
		s.persist(s.registry.Update(workspaceID, func(inst *registry.Instance) {
			inst.Status = registry.StatusError
		}))
		return fmt.Errorf("connect: %w", err)
	}

	s.logger.Info("session starting", zap.String("workspace", workspaceID))
	return nil
}

// teardownLocked drops the live handle, fencing out its late events.
// Caller holds w.mu.
func (s *Supervisor) teardownLocked(w *worker) {
	w.epoch++
	if w.session != nil {
		w.session.Disconnect()
		w.session = nil
	}
}

func (w *worker) cancelRetry() {
	if w.retry != nil {
		w.retry.Stop()
		w.retry = nil
	}
}

// handleEngineEvent is the sole mutation path driven by the protocol
// engine. Events carrying a stale epoch belong to a superseded session
// and are dropped.
func (s *Supervisor) handleEngineEvent(workspaceID string, epoch uint64, evt engine.Event) {
	w := s.worker(workspaceID)
	w.mu.Lock()
	defer w.mu.Unlock()

	if epoch != w.epoch {
		return
	}

	switch e := evt.(type) {
	case engine.PairingCode:
		s.onPairingCode(workspaceID, e)
	case engine.Opened:
		s.onOpened(workspaceID, e)
	case engine.Closed:
		s.onClosed(w, workspaceID, e)
	case engine.Inbound:
		s.bus.Publish(bus.Event{
			Kind:        "engine.message",
			WorkspaceID: workspaceID,
			Timestamp:   time.Now(),
			Payload:     e,
		})
	case engine.StatusUpdate:
		s.bus.Publish(bus.Event{
			Kind:        "engine.receipt",
			WorkspaceID: workspaceID,
			Timestamp:   time.Now(),
			Payload:     e,
		})
	}
}

func (s *Supervisor) onPairingCode(workspaceID string, e engine.PairingCode) {
	rendered := renderPairingCode(e.Code)
	snap := s.registry.Update(workspaceID, func(inst *registry.Instance) {
		inst.Status = registry.StatusWaitingQR
		inst.PairingCode = rendered
		inst.Identity = ""
	})
	s.persist(snap)
	s.logger.Info("pairing challenge issued", zap.String("workspace", workspaceID))
	s.publish(workspaceID, "instance.qr_updated", QRUpdatedPayload{QR: rendered})
}

func (s *Supervisor) onOpened(workspaceID string, e engine.Opened) {
	snap := s.registry.Update(workspaceID, func(inst *registry.Instance) {
		inst.Status = registry.StatusConnected
		inst.PairingCode = ""
		inst.Identity = e.Identity
		inst.LastSeen = time.Now()
		inst.ReconnectAttempts = 0
	})
	s.persist(snap)
	s.logger.Info("connection opened", zap.String("workspace", workspaceID), zap.String("identity", e.Identity))
	s.publish(workspaceID, "instance.connected", ConnectedPayload{Identity: e.Identity})
}

func (s *Supervisor) onClosed(w *worker, workspaceID string, e engine.Closed) {
	if e.Reason == engine.ReasonLoggedOut {
		s.teardownLocked(w)
		if err := workspace.WipeCredentials(s.opts.DataDir, workspaceID); err != nil {
			s.logger.Warn("credential wipe failed", zap.String("workspace", workspaceID), zap.Error(err))
		}
		snap := s.registry.Update(workspaceID, func(inst *registry.Instance) {
			inst.Status = registry.StatusDisconnected
			inst.PairingCode = ""
			inst.Identity = ""
			inst.ReconnectAttempts = 0
		})
		s.persist(snap)
		s.logger.Warn("logged out by account, credentials wiped", zap.String("workspace", workspaceID))
		s.publish(workspaceID, "instance.disconnected", DisconnectedPayload{Reason: ReasonLoggedOut})
		return
	}

	attempts := s.registry.Get(workspaceID).ReconnectAttempts
	if attempts < s.opts.MaxReconnectAttempts {
		snap := s.registry.Update(workspaceID, func(inst *registry.Instance) {
			inst.Status = registry.StatusConnecting
			inst.ReconnectAttempts++
		})
		s.persist(snap)
		s.logger.Warn("connection closed, scheduling reconnect",
			zap.String("workspace", workspaceID),
			zap.Int("attempt", snap.ReconnectAttempts),
			zap.Duration("delay", s.opts.ReconnectDelay))
		w.cancelRetry()
		w.retry = time.AfterFunc(s.opts.ReconnectDelay, func() {
			s.reconnect(workspaceID)
		})
		return
	}

	s.teardownLocked(w)
	snap := s.registry.Update(workspaceID, func(inst *registry.Instance) {
		inst.Status = registry.StatusDisconnected
		inst.PairingCode = ""
	})
	s.persist(snap)
	s.logger.Error("reconnect attempts exhausted", zap.String("workspace", workspaceID))
	s.publish(workspaceID, "instance.disconnected", DisconnectedPayload{Reason: ReasonConnectionLost})
}

// reconnect runs a scheduled retry. Unlike Start it bypasses the
// idempotency check, since the status was left at connecting by the
// close handler that scheduled it.
func (s *Supervisor) reconnect(workspaceID string) {
	w := s.worker(workspaceID)
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.retry == nil {
		// Cancelled by an explicit disconnect or start that won the race.
		return
	}
	w.retry = nil

	if err := s.startLocked(context.Background(), w, workspaceID); err != nil {
		s.logger.Error("scheduled reconnect failed", zap.String("workspace", workspaceID), zap.Error(err))
	}
}

// Status returns the in-memory view for a workspace; never-started
// workspaces read as disconnected.
func (s *Supervisor) Status(workspaceID string) registry.Instance {
	return s.registry.Get(workspaceID)
}

// Session returns the live engine handle for a connected workspace. The
// relay uses it for outbound sends.
func (s *Supervisor) Session(workspaceID string) (engine.Session, bool) {
	w := s.worker(workspaceID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session == nil {
		return nil, false
	}
	return w.session, true
}

// Disconnect performs the user-requested terminal close: logout, wipe
// credentials, clear registry state. A workspace with no live handle
// that is already disconnected is a no-op.
func (s *Supervisor) Disconnect(ctx context.Context, workspaceID string) error {
	w := s.worker(workspaceID)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.cancelRetry()

	if w.session == nil && s.registry.Get(workspaceID).Status == registry.StatusDisconnected {
		return nil
	}

	if w.session != nil {
		if err := w.session.Logout(ctx); err != nil {
			s.logger.Warn("logout failed", zap.String("workspace", workspaceID), zap.Error(err))
		}
	}
	s.teardownLocked(w)

	if err := workspace.WipeCredentials(s.opts.DataDir, workspaceID); err != nil {
		s.logger.Warn("credential wipe failed", zap.String("workspace", workspaceID), zap.Error(err))
	}

	snap := s.registry.Update(workspaceID, func(inst *registry.Instance) {
		inst.Status = registry.StatusDisconnected
		inst.PairingCode = ""
		inst.Identity = ""
		inst.ReconnectAttempts = 0
	})
	s.persist(snap)
	s.logger.Info("session disconnected by user", zap.String("workspace", workspaceID))
	s.publish(workspaceID, "instance.disconnected", DisconnectedPayload{Reason: ReasonUserRequested})
	return nil
}

// RestoreAll re-establishes every session that was connected before the
// last shutdown and still has credential material on disk. Best-effort:
// failures are logged and left to the normal close/retry path.
func (s *Supervisor) RestoreAll(ctx context.Context) {
	recs, err := s.db.ListInstancesByStatus(string(registry.StatusConnected))
	if err != nil {
		s.logger.Error("restore: list persisted instances", zap.Error(err))
		return
	}
	for _, rec := range recs {
		if !workspace.HasCredentials(s.opts.DataDir, rec.WorkspaceID) {
			s.logger.Warn("restore: credentials missing, skipping", zap.String("workspace", rec.WorkspaceID))
			continue
		}
		if err := s.Start(ctx, rec.WorkspaceID); err != nil {
			s.logger.Error("restore failed", zap.String("workspace", rec.WorkspaceID), zap.Error(err))
		}
	}
	if len(recs) > 0 {
		s.logger.Info("restore pass complete", zap.Int("candidates", len(recs)))
	}
}

// Shutdown disconnects every live handle without wiping credentials, so
// the next RestoreAll can bring the sessions back.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		w := s.worker(id)
		w.mu.Lock()
		w.cancelRetry()
		s.teardownLocked(w)
		w.mu.Unlock()
		s.registry.Delete(id)
	}
	s.logger.Info("supervisor stopped", zap.Int("workspaces", len(ids)))
}

func (s *Supervisor) persist(inst registry.Instance) {
	var lastSeen int64
	if !inst.LastSeen.IsZero() {
		lastSeen = inst.LastSeen.UnixMilli()
	}
	err := s.db.UpsertInstance(&store.InstanceRecord{
		WorkspaceID: inst.WorkspaceID,
		Status:      string(inst.Status),
		Identity:    inst.Identity,
		LastSeen:    lastSeen,
	})
	if err != nil {
		s.logger.Error("persist instance state", zap.String("workspace", inst.WorkspaceID), zap.Error(err))
	}
}

func (s *Supervisor) publish(workspaceID, kind string, payload any) {
	s.bus.Publish(bus.Event{
		Kind:        kind,
		WorkspaceID: workspaceID,
		Timestamp:   time.Now(),
		Payload:     payload,
	})
}
