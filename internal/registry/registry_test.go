package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/controlplane/internal/sandboxrt"
)

func TestRegistry_UpsertThenGet(t *testing.T) {
	r := New()
	r.UpsertOnScan("tenant-a", sandboxrt.Handle("c1"), 8080, "tok", StateRunning)

	s, ok := r.Get("tenant-a")
	require.True(t, ok)
	assert.Equal(t, sandboxrt.Handle("c1"), s.Handle)
	assert.Equal(t, StateRunning, s.State())
}

func TestRegistry_TouchActivity_SetsRunningAndClearsPausedAt(t *testing.T) {
	r := New()
	s := r.UpsertOnScan("tenant-a", sandboxrt.Handle("c1"), 8080, "tok", StatePaused)
	require.False(t, s.PausedAt().IsZero())

	r.TouchActivity("tenant-a")

	assert.Equal(t, StateRunning, s.State())
	assert.True(t, s.PausedAt().IsZero())
	assert.WithinDuration(t, s.LastActivity(), s.LastActivity(), 0)
}

func TestRegistry_TouchActivity_UnregisteredTenantIsNoop(t *testing.T) {
	r := New()
	assert.NotPanics(t, func() { r.TouchActivity("ghost") })
}

func TestRegistry_Remove(t *testing.T) {
	r := New()
	r.UpsertOnScan("tenant-a", sandboxrt.Handle("c1"), 8080, "tok", StateRunning)
	r.Remove("tenant-a")

	_, ok := r.Get("tenant-a")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_UpsertOnScan_ReplacesExistingEntry(t *testing.T) {
	r := New()
	r.UpsertOnScan("tenant-a", sandboxrt.Handle("c1"), 8080, "tok-1", StateRunning)
	r.UpsertOnScan("tenant-a", sandboxrt.Handle("c2"), 9090, "tok-2", StatePaused)

	s, ok := r.Get("tenant-a")
	require.True(t, ok)
	assert.Equal(t, sandboxrt.Handle("c2"), s.Handle)
	assert.Equal(t, 9090, s.IngressPort)
	assert.Equal(t, StatePaused, s.State())
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_QuickStatus_ReportsUnregistered(t *testing.T) {
	r := New()
	_, ok := r.QuickStatus("missing")
	assert.False(t, ok)
}
