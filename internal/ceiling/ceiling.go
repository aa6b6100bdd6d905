// Package ceiling implements the Capability Ceiling Manager (C5): the
// per-agent permission upper bound and the human-in-the-loop escalation
// request workflow that lets an agent exceed it with approval.
//
// Grounded on the teacher's escrow/kill_switch.go: maps under an RWMutex,
// record-returning mutation methods.
package ceiling

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/controlplane/internal/apierr"
	"github.com/ocx/controlplane/internal/audit"
	"github.com/ocx/controlplane/internal/capability"
)

// Record is the ceiling currently in force for an agent.
type Record struct {
	AgentID string                  `json:"agentId"`
	Ceiling []capability.Permission `json:"ceiling"`
	SetBy   string                  `json:"setBy"`
	SetAt   time.Time               `json:"setAt"`
	Reason  string                  `json:"reason,omitempty"`
}

// EscalationStatus is the lifecycle state of an escalation request.
type EscalationStatus string

const (
	StatusPending  EscalationStatus = "pending"
	StatusApproved EscalationStatus = "approved"
	StatusDenied   EscalationStatus = "denied"
)

// EscalationRequest records an agent's ask to exceed its ceiling, split
// into the part already grantable and the part that needed approval.
type EscalationRequest struct {
	ID              string                  `json:"id"`
	AgentID         string                  `json:"agentId"`
	Resource        string                  `json:"resource"`
	RequestedScope  []capability.Permission `json:"requestedScope"`
	Grantable       []capability.Permission `json:"grantable"`
	Escalated       []capability.Permission `json:"escalated"`
	SubjectPub      string                  `json:"subjectPub"`
	ExpiresInSec    int                     `json:"expiresInSec"`
	MaxCalls        *int                    `json:"maxCalls,omitempty"`
	Status          EscalationStatus        `json:"status"`
	ApprovedBy      string                  `json:"approvedBy,omitempty"`
	ApprovedScope   []capability.Permission `json:"approvedScope,omitempty"`
	DeniedBy        string                  `json:"deniedBy,omitempty"`
	DenyReason      string                  `json:"denyReason,omitempty"`
	CreatedAt       time.Time               `json:"createdAt"`
	ResolvedAt      *time.Time              `json:"resolvedAt,omitempty"`
}

// Manager holds the per-agent ceiling table and the escalation request
// queue. Both are protected by the same mutex since escalation resolution
// frequently needs to read the current ceiling.
type Manager struct {
	mu          sync.RWMutex
	ceilings    map[string]*Record
	escalations map[string]*EscalationRequest
	logger      *slog.Logger
	audit       audit.Emitter
}

func NewManager() *Manager {
	return &Manager{
		ceilings:    make(map[string]*Record),
		escalations: make(map[string]*EscalationRequest),
		logger:      slog.Default().With("component", "ceiling-manager"),
		audit:       audit.NoopEmitter{},
	}
}

// SetAudit wires the structured audit sink every escalation decision and
// ceiling-exceeded denial emits to. Defaults to a no-op.
func (m *Manager) SetAudit(e audit.Emitter) {
	if e == nil {
		e = audit.NoopEmitter{}
	}
	m.audit = e
}

// SetCeiling assigns an explicit ceiling to an agent, overwriting any prior
// entry.
func (m *Manager) SetCeiling(agentID string, ceiling []capability.Permission, setBy, reason string) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := &Record{
		AgentID: agentID,
		Ceiling: ceiling,
		SetBy:   setBy,
		SetAt:   time.Now().UTC(),
		Reason:  reason,
	}
	m.ceilings[agentID] = rec
	m.logger.Info("ceiling set", "agentId", agentID, "setBy", setBy)
	return rec
}

// CeilingFor returns the ceiling in force for agentID, falling back to
// capability.DefaultCeiling when no explicit entry exists.
func (m *Manager) CeilingFor(agentID string) []capability.Permission {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.ceilings[agentID]; ok {
		return rec.Ceiling
	}
	return capability.DefaultCeiling
}

// ValidateAgentPermissions intersects requestedScope against the agent's
// ceiling. Elements strictly above the ceiling are "escalated"; if any
// exist, a ceiling_exceeded error carrying the structured fields is
// returned.
func (m *Manager) ValidateAgentPermissions(agentID string, requestedScope []capability.Permission) error {
	ceiling := m.CeilingFor(agentID)
	permitted, escalated := capability.CeilingPermits(ceiling, requestedScope)
	if permitted {
		return nil
	}
	m.audit.Emit(audit.TypeCapabilityDenied, "ceiling-manager", agentID, "", map[string]any{
		"requestedScope":       requestedScope,
		"ceiling":              ceiling,
		"escalatedPermissions": escalated,
	})
	return apierr.New(apierr.CeilingExceeded, "requested scope exceeds agent ceiling").WithFields(map[string]any{
		"agentId":              agentID,
		"requestedScope":       requestedScope,
		"ceiling":              ceiling,
		"escalatedPermissions": escalated,
	})
}

// CreateEscalationRequest partitions requestedScope into grantable and
// escalated parts against the agent's current ceiling and persists a
// pending request for human approval.
func (m *Manager) CreateEscalationRequest(agentID, resource string, requestedScope []capability.Permission, subjectPub string, expiresInSec int, maxCalls *int) (*EscalationRequest, error) {
	ceiling := m.CeilingFor(agentID)
	maxCeil := -1
	for _, c := range ceiling {
		if o := capability.Ord(c); o > maxCeil {
			maxCeil = o
		}
	}

	var grantable, escalated []capability.Permission
	for _, p := range requestedScope {
		if p == capability.PermWildcard {
			escalated = append(escalated, p)
			continue
		}
		if capability.Ord(p) <= maxCeil {
			grantable = append(grantable, p)
		} else {
			escalated = append(escalated, p)
		}
	}

	id := "esc_" + uuid.NewString()

	req := &EscalationRequest{
		ID:             id,
		AgentID:        agentID,
		Resource:       resource,
		RequestedScope: requestedScope,
		Grantable:      grantable,
		Escalated:      escalated,
		SubjectPub:     subjectPub,
		ExpiresInSec:   expiresInSec,
		MaxCalls:       maxCalls,
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
	}

	m.mu.Lock()
	m.escalations[id] = req
	m.mu.Unlock()

	m.audit.Emit(audit.TypeEscalationRequested, "ceiling-manager", agentID, "", map[string]any{
		"escalationId":   id,
		"resource":       resource,
		"requestedScope": requestedScope,
		"escalated":      escalated,
	})

	return req, nil
}

// ApproveEscalationRequest marks a pending request approved and returns the
// full approved scope (grantable ∪ escalated).
func (m *Manager) ApproveEscalationRequest(id, humanID string) (*EscalationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.escalations[id]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "escalation request not found")
	}
	if req.Status != StatusPending {
		return nil, apierr.New(apierr.InvalidInput, fmt.Sprintf("escalation request already %s", req.Status))
	}

	now := time.Now().UTC()
	req.Status = StatusApproved
	req.ApprovedBy = humanID
	req.ApprovedScope = append(append([]capability.Permission{}, req.Grantable...), req.Escalated...)
	req.ResolvedAt = &now

	m.logger.Info("escalation request approved", "id", id, "agentId", req.AgentID, "by", humanID)
	m.audit.Emit(audit.TypeEscalationApproved, "ceiling-manager", req.AgentID, "", map[string]any{
		"escalationId":  id,
		"approvedBy":    humanID,
		"approvedScope": req.ApprovedScope,
	})
	return req, nil
}

// DenyEscalationRequest marks a pending request denied.
func (m *Manager) DenyEscalationRequest(id, humanID, reason string) (*EscalationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.escalations[id]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "escalation request not found")
	}
	if req.Status != StatusPending {
		return nil, apierr.New(apierr.InvalidInput, fmt.Sprintf("escalation request already %s", req.Status))
	}

	now := time.Now().UTC()
	req.Status = StatusDenied
	req.DeniedBy = humanID
	req.DenyReason = reason
	req.ResolvedAt = &now

	m.logger.Info("escalation request denied", "id", id, "agentId", req.AgentID, "by", humanID, "reason", reason)
	m.audit.Emit(audit.TypeEscalationDenied, "ceiling-manager", req.AgentID, "", map[string]any{
		"escalationId": id,
		"deniedBy":     humanID,
		"reason":       reason,
	})
	return req, nil
}

// GetEscalationRequest looks up a request by id.
func (m *Manager) GetEscalationRequest(id string) (*EscalationRequest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.escalations[id]
	return req, ok
}
