// Package registry implements the Sandbox Registry (C9): a process-wide
// tenantId -> sandbox record map under a single-writer discipline, grounded
// on fabric/hub.go's spokes/tenantIndex maps (an RWMutex-guarded map plus
// atomic per-entry fields for the hot counters external readers touch
// concurrently with registry writers).
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocx/controlplane/internal/sandboxrt"
)

// HibernationState mirrors the externally observed sandbox lifecycle state.
type HibernationState string

const (
	StateRunning HibernationState = "running"
	StatePaused  HibernationState = "paused"
	StateStopped HibernationState = "stopped"
)

// Sandbox is one tenant's registered sandbox record. LastActivity and
// PausedAt are atomic.Int64 (unix millis) since the Hub pattern this is
// grounded on touches hot counters without holding the registry's lock.
type Sandbox struct {
	TenantID     string
	Handle       sandboxrt.Handle
	IngressPort  int
	GatewayToken string // authoritative source: on-disk config, never handle labels

	state atomic.Value // HibernationState

	lastActivityMs atomic.Int64
	pausedAtMs     atomic.Int64
	registeredAt   time.Time
}

func newSandbox(tenantID string, handle sandboxrt.Handle, port int, token string, state HibernationState) *Sandbox {
	s := &Sandbox{TenantID: tenantID, Handle: handle, IngressPort: port, GatewayToken: token, registeredAt: time.Now()}
	s.lastActivityMs.Store(time.Now().UnixMilli())
	s.SetState(state)
	return s
}

// State returns the sandbox's current hibernation state.
func (s *Sandbox) State() HibernationState { return s.state.Load().(HibernationState) }

// SetState overwrites the hibernation state; PausedAt is stamped when
// transitioning into paused and cleared otherwise.
func (s *Sandbox) SetState(state HibernationState) {
	s.state.Store(state)
	if state == StatePaused {
		s.pausedAtMs.Store(time.Now().UnixMilli())
	} else {
		s.pausedAtMs.Store(0)
	}
}

// LastActivity returns the last-touched timestamp.
func (s *Sandbox) LastActivity() time.Time { return time.UnixMilli(s.lastActivityMs.Load()) }

// PausedAt returns the time the sandbox was paused, or the zero time if
// it isn't currently paused.
func (s *Sandbox) PausedAt() time.Time {
	ms := s.pausedAtMs.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// touch bumps LastActivity to now and marks the sandbox running.
func (s *Sandbox) touch() {
	s.lastActivityMs.Store(time.Now().UnixMilli())
	s.state.Store(StateRunning)
	s.pausedAtMs.Store(0)
}

// QuickStatus is a read-only snapshot for status endpoints.
type QuickStatus struct {
	TenantID     string
	State        HibernationState
	LastActivity time.Time
	PausedAt     time.Time
}

// Registry is the process-wide tenantId -> Sandbox map.
type Registry struct {
	mu      sync.RWMutex
	byTenant map[string]*Sandbox
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{byTenant: make(map[string]*Sandbox)}
}

// Get returns the sandbox registered for tenantID, if any.
func (r *Registry) Get(tenantID string) (*Sandbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byTenant[tenantID]
	return s, ok
}

// UpsertOnScan records or replaces a tenant's sandbox entry — the single
// write path used by the startup scan and by C10/C11 once they've
// confirmed a state transition against the runtime.
func (r *Registry) UpsertOnScan(tenantID string, handle sandboxrt.Handle, port int, gatewayToken string, state HibernationState) *Sandbox {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byTenant[tenantID]; ok {
		existing.Handle = handle
		existing.IngressPort = port
		existing.GatewayToken = gatewayToken
		existing.SetState(state)
		return existing
	}

	s := newSandbox(tenantID, handle, port, gatewayToken, state)
	r.byTenant[tenantID] = s
	return s
}

// Remove drops a tenant's entry — used when inspect reports "not found".
func (r *Registry) Remove(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byTenant, tenantID)
}

// TouchActivity marks a tenant's sandbox as just-used and running. It is a
// no-op, not an error, when the tenant isn't registered (a caller racing
// a not-yet-completed scan shouldn't fail on this).
func (r *Registry) TouchActivity(tenantID string) {
	r.mu.RLock()
	s, ok := r.byTenant[tenantID]
	r.mu.RUnlock()
	if ok {
		s.touch()
	}
}

// QuickStatus returns a point-in-time snapshot, or false if unregistered.
func (r *Registry) QuickStatus(tenantID string) (QuickStatus, bool) {
	r.mu.RLock()
	s, ok := r.byTenant[tenantID]
	r.mu.RUnlock()
	if !ok {
		return QuickStatus{}, false
	}
	return QuickStatus{
		TenantID:     s.TenantID,
		State:        s.State(),
		LastActivity: s.LastActivity(),
		PausedAt:     s.PausedAt(),
	}, true
}

// All returns every registered sandbox, for the hibernation scan and
// listing endpoints. Safe against concurrent Upsert/Remove of entries the
// snapshot doesn't already hold.
func (r *Registry) All() []*Sandbox {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Sandbox, 0, len(r.byTenant))
	for _, s := range r.byTenant {
		out = append(out, s)
	}
	return out
}

// Len reports how many tenants currently have a registered sandbox.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTenant)
}
