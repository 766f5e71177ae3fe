// Package registry holds the in-memory source of truth for per-workspace
// connection state. The supervisor is the only writer; API handlers read
// concurrently through snapshot copies.
package registry

import (
	"sync"
	"time"
)

// Status is a workspace connection lifecycle state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusWaitingQR    Status = "waiting_qr"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Instance is the mutable state record for one workspace.
type Instance struct {
	WorkspaceID       string
	Status            Status
	PairingCode       string // rendered QR, set only in waiting_qr
	Identity          string // confirmed account id, set only once connected
	LastSeen          time.Time
	ReconnectAttempts int
}

// Registry maps workspace ids to instance records. Reads return copies so
// callers never observe partial mutations.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		instances: make(map[string]*Instance),
	}
}

// Get returns a snapshot of the workspace's instance. A workspace that was
// never started reads as disconnected, matching the API contract.
func (r *Registry) Get(workspaceID string) Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if inst, ok := r.instances[workspaceID]; ok {
		return *inst
	}
	return Instance{WorkspaceID: workspaceID, Status: StatusDisconnected}
}

// Update applies fn to the workspace's instance under the write lock,
// creating a disconnected record first if none exists. It returns a
// snapshot of the state after mutation.
func (r *Registry) Update(workspaceID string, fn func(*Instance)) Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[workspaceID]
	if !ok {
		inst = &Instance{WorkspaceID: workspaceID, Status: StatusDisconnected}
		r.instances[workspaceID] = inst
	}
	fn(inst)
	return *inst
}

// Delete clears the workspace's record.
func (r *Registry) Delete(workspaceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, workspaceID)
}

// Snapshot returns a copy of every known instance.
func (r *Registry) Snapshot() []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, *inst)
	}
	return out
}
