package ceiling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/controlplane/internal/apierr"
	"github.com/ocx/controlplane/internal/capability"
)

func TestManager_DefaultCeilingAppliesWhenUnset(t *testing.T) {
	m := NewManager()
	assert.Equal(t, capability.DefaultCeiling, m.CeilingFor("agent-1"))
}

func TestManager_ValidateAgentPermissions_WithinCeilingPasses(t *testing.T) {
	m := NewManager()
	m.SetCeiling("agent-1", []capability.Permission{capability.PermRead, capability.PermList, capability.PermWrite}, "admin", "")

	err := m.ValidateAgentPermissions("agent-1", []capability.Permission{capability.PermRead, capability.PermWrite})
	assert.NoError(t, err)
}

func TestManager_ValidateAgentPermissions_AboveCeilingFails(t *testing.T) {
	m := NewManager()
	m.SetCeiling("agent-1", []capability.Permission{capability.PermRead}, "admin", "")

	err := m.ValidateAgentPermissions("agent-1", []capability.Permission{capability.PermRead, capability.PermDelete})
	require.Error(t, err)
	kind, ok := apierr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CeilingExceeded, kind)
}

func TestManager_EscalationWorkflow_ApprovedGrantsFullScope(t *testing.T) {
	m := NewManager()
	m.SetCeiling("agent-1", []capability.Permission{capability.PermRead, capability.PermList}, "admin", "")

	req, err := m.CreateEscalationRequest("agent-1", "google-calendar",
		[]capability.Permission{capability.PermRead, capability.PermDelete}, "subject-pub", 3600, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, req.Status)
	assert.Contains(t, req.Grantable, capability.PermRead)
	assert.Contains(t, req.Escalated, capability.PermDelete)

	approved, err := m.ApproveEscalationRequest(req.ID, "human-1")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	assert.ElementsMatch(t, []capability.Permission{capability.PermRead, capability.PermDelete}, approved.ApprovedScope)
}

func TestManager_EscalationWorkflow_DenyMarksStatus(t *testing.T) {
	m := NewManager()
	req, err := m.CreateEscalationRequest("agent-1", "res", []capability.Permission{capability.PermAdmin}, "pub", 60, nil)
	require.NoError(t, err)

	denied, err := m.DenyEscalationRequest(req.ID, "human-1", "too risky")
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, denied.Status)
	assert.Equal(t, "too risky", denied.DenyReason)
}

func TestManager_EscalationWorkflow_CannotResolveTwice(t *testing.T) {
	m := NewManager()
	req, err := m.CreateEscalationRequest("agent-1", "res", []capability.Permission{capability.PermAdmin}, "pub", 60, nil)
	require.NoError(t, err)

	_, err = m.ApproveEscalationRequest(req.ID, "human-1")
	require.NoError(t, err)

	_, err = m.ApproveEscalationRequest(req.ID, "human-1")
	assert.Error(t, err)
}

func TestManager_GetEscalationRequest_UnknownIDNotFound(t *testing.T) {
	m := NewManager()
	_, ok := m.GetEscalationRequest("esc_nonexistent")
	assert.False(t, ok)
}
