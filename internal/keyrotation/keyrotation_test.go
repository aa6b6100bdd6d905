package keyrotation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/controlplane/internal/cryptoid"
)

type fakeNotifier struct {
	notified []RotationNotification
}

func (f *fakeNotifier) NotifyKeyRotation(n RotationNotification) error {
	f.notified = append(f.notified, n)
	return nil
}

type testClaims struct {
	ID string `json:"id"`
}

func TestManager_Rotate_PromotesNewIdentity(t *testing.T) {
	notifier := &fakeNotifier{}
	m, err := NewManager(notifier)
	require.NoError(t, err)

	oldIdentity := m.Current()

	notif, err := m.Rotate(1, "scheduled rotation", []string{"cap-1", "cap-2"})
	require.NoError(t, err)

	newIdentity := m.Current()
	assert.NotEqual(t, oldIdentity.KeyID, newIdentity.KeyID)
	assert.Equal(t, oldIdentity.Version+1, newIdentity.Version)
	assert.Equal(t, oldIdentity.KeyID, notif.OldKeyID)
	assert.Equal(t, newIdentity.KeyID, notif.NewKeyID)
	assert.Len(t, notifier.notified, 1)
}

func TestManager_Rotate_DefaultsTransitionHours(t *testing.T) {
	m, err := NewManager(nil)
	require.NoError(t, err)

	before := time.Now().UTC()
	notif, err := m.Rotate(0, "", nil)
	require.NoError(t, err)

	assert.WithinDuration(t, before.Add(defaultTransitionHours*time.Hour), notif.TransitionEndsAt, time.Minute)
}

func TestManager_VerifyWithAnyValidKey_AcceptsOldKeyDuringTransition(t *testing.T) {
	m, err := NewManager(nil)
	require.NoError(t, err)
	oldIdentity := m.Current()

	claims := testClaims{ID: "cap-1"}
	sigBytes, err := cryptoid.Sign(claims, oldIdentity.SignPriv)
	require.NoError(t, err)

	_, err = m.Rotate(24, "test", nil)
	require.NoError(t, err)

	result, err := m.VerifyWithAnyValidKey(claims, sigBytes)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, oldIdentity.Version, result.KeyVersion)
}

func TestManager_VerifyWithAnyValidKey_RejectsAfterTransitionCompletes(t *testing.T) {
	m, err := NewManager(nil)
	require.NoError(t, err)
	oldIdentity := m.Current()

	claims := testClaims{ID: "cap-1"}
	sigBytes, err := cryptoid.Sign(claims, oldIdentity.SignPriv)
	require.NoError(t, err)

	_, err = m.Rotate(24, "test", nil)
	require.NoError(t, err)
	require.NoError(t, m.CompleteTransition())

	result, err := m.VerifyWithAnyValidKey(claims, sigBytes)
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestManager_CompleteTransition_ErrorsWithoutActiveTransition(t *testing.T) {
	m, err := NewManager(nil)
	require.NoError(t, err)
	assert.Error(t, m.CompleteTransition())
}

func TestIdentifyCapabilitiesNeedingReissue_FiltersRevokedExpiredAndNewerSigners(t *testing.T) {
	now := time.Now().UTC()
	grants := []Grant{
		{CapabilityID: "a", Revoked: false, ExpiresAt: now.Add(time.Hour), SignerVersion: 1},
		{CapabilityID: "b", Revoked: true, ExpiresAt: now.Add(time.Hour), SignerVersion: 1},
		{CapabilityID: "c", Revoked: false, ExpiresAt: now.Add(-time.Hour), SignerVersion: 1},
		{CapabilityID: "d", Revoked: false, ExpiresAt: now.Add(time.Hour), SignerVersion: 2},
	}

	out := IdentifyCapabilitiesNeedingReissue(grants, 1, now)
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].CapabilityID)
}
