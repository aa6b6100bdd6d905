package vault

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/controlplane/internal/apierr"
	"github.com/ocx/controlplane/internal/capability"
	"github.com/ocx/controlplane/internal/cryptoid"
	"github.com/ocx/controlplane/internal/snapshot"
)

func testConfig(t *testing.T) Config {
	dir := t.TempDir()
	return Config{
		Path:            filepath.Join(dir, "vault.json"),
		KDFAlgorithm:    "argon2id",
		AEADAlgorithm:   "xchacha20-poly1305",
		SessionTimeoutS: 3600,
		Argon2Time:      1,
		Argon2MemoryKB:  8 * 1024,
		Argon2Threads:   1,
	}
}

func newUnlockedVault(t *testing.T) *Vault {
	t.Helper()
	v := New(testConfig(t), nil)
	require.NoError(t, v.Initialize("correct horse battery staple"))
	return v
}

func TestVault_InitializeThenUnlock_RoundTrips(t *testing.T) {
	cfg := testConfig(t)
	v := New(cfg, nil)
	require.NoError(t, v.Initialize("hunter2-hunter2"))
	require.NoError(t, v.SetIntegration("github", Integration{Email: "a@example.com"}))
	v.Lock()
	assert.Equal(t, StateLocked, v.Status())

	v2 := New(cfg, nil)
	require.NoError(t, v2.Unlock("hunter2-hunter2"))
	integ, err := v2.GetIntegration("github")
	require.NoError(t, err)
	require.NotNil(t, integ)
	assert.Equal(t, "a@example.com", integ.Email)
}

func TestVault_Initialize_FailsIfAlreadyInitialized(t *testing.T) {
	cfg := testConfig(t)
	v := New(cfg, nil)
	require.NoError(t, v.Initialize("pw"))

	v2 := New(cfg, nil)
	err := v2.Initialize("pw")
	kind, ok := apierr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apierr.AlreadyExists, kind)
}

func TestVault_Unlock_RejectsWrongPassword(t *testing.T) {
	cfg := testConfig(t)
	v := New(cfg, nil)
	require.NoError(t, v.Initialize("correct-password"))
	v.Lock()

	v2 := New(cfg, nil)
	err := v2.Unlock("wrong-password")
	kind, ok := apierr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apierr.InvalidPassword, kind)
}

func TestVault_OperationsRequireUnlocked(t *testing.T) {
	cfg := testConfig(t)
	v := New(cfg, nil)
	require.NoError(t, v.Initialize("pw"))
	v.Lock()

	_, err := v.GetIntegration("github")
	kind, ok := apierr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apierr.VaultLocked, kind)
}

func TestVault_FilePermissionsAreRestrictive(t *testing.T) {
	cfg := testConfig(t)
	v := New(cfg, nil)
	require.NoError(t, v.Initialize("pw"))

	info, err := os.Stat(cfg.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestVault_IssueCapability_LiveTier_ExecutesSuccessfully(t *testing.T) {
	v := newUnlockedVault(t)
	require.NoError(t, v.SetIntegration("github", Integration{AccessToken: "ghp_abc123"}))

	subjectSignPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	res, err := v.IssueCapability(subjectSignPub, "github", []capability.Permission{capability.PermRead}, 3600, IssueOpts{})
	require.NoError(t, err)
	require.NotEmpty(t, res.Token)
	assert.Nil(t, res.Snapshot)

	execRes, err := v.ExecuteCapability(res.Token, capability.PermRead, nil)
	require.NoError(t, err)
	assert.Equal(t, "ghp_abc123", execRes.Integration.AccessToken)
}

func TestVault_ExecuteCapability_RejectsOutOfScopeOperation(t *testing.T) {
	v := newUnlockedVault(t)
	require.NoError(t, v.SetIntegration("github", Integration{AccessToken: "tok"}))
	subjectSignPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	res, err := v.IssueCapability(subjectSignPub, "github", []capability.Permission{capability.PermRead}, 3600, IssueOpts{})
	require.NoError(t, err)

	_, err = v.ExecuteCapability(res.Token, capability.PermDelete, nil)
	kind, ok := apierr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apierr.ScopeDenied, kind)
}

func TestVault_ExecuteCapability_RejectsAfterRevoke(t *testing.T) {
	v := newUnlockedVault(t)
	require.NoError(t, v.SetIntegration("github", Integration{AccessToken: "tok"}))
	subjectSignPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	res, err := v.IssueCapability(subjectSignPub, "github", []capability.Permission{capability.PermRead}, 3600, IssueOpts{})
	require.NoError(t, err)

	require.NoError(t, v.RevokeCapability(res.ID, "no longer needed"))

	_, err = v.ExecuteCapability(res.Token, capability.PermRead, nil)
	kind, ok := apierr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apierr.Revoked, kind)
}

func TestVault_ExecuteCapability_RejectsExpiredToken(t *testing.T) {
	v := newUnlockedVault(t)
	require.NoError(t, v.SetIntegration("github", Integration{AccessToken: "tok"}))
	subjectSignPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	res, err := v.IssueCapability(subjectSignPub, "github", []capability.Permission{capability.PermRead}, -1, IssueOpts{})
	require.NoError(t, err)

	_, err = v.ExecuteCapability(res.Token, capability.PermRead, nil)
	kind, ok := apierr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apierr.Expired, kind)
}

func TestVault_IssueCapability_CachedTier_ProducesDecryptableSnapshot(t *testing.T) {
	v := newUnlockedVault(t)
	require.NoError(t, v.SetIntegration("slack", Integration{AccessToken: "xoxb-123"}))

	subjectSignPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	// The ECDH shared secret is symmetric, so a raw X25519 keypair stands
	// in here for the subject's own long-lived encryption identity.
	subjectEncPriv, subjectEncPub, err := cryptoid.GenerateX25519()
	require.NoError(t, err)

	res, err := v.IssueCapability(subjectSignPub, "slack", []capability.Permission{capability.PermRead}, 3600, IssueOpts{
		Tier:                 capability.TierCached,
		SubjectEncryptionKey: subjectEncPub,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Snapshot)

	valid, err := snapshot.Verify(*res.Snapshot)
	require.NoError(t, err)
	assert.True(t, valid)

	data := decryptSnapshotWithSubjectKey(t, *res.Snapshot, subjectEncPriv)
	assert.Equal(t, "xoxb-123", data["accessToken"])
}

func TestVault_StoreReceivedCapability_RejectsExpired(t *testing.T) {
	v := newUnlockedVault(t)
	issuerSignPub, issuerSignPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	claims := capability.Claims{
		V: 1, ID: "cap_ext1", Iss: base64.StdEncoding.EncodeToString(issuerSignPub), Sub: "sub",
		Resource: "gmail", Scope: []capability.Permission{capability.PermRead},
		Iat: time.Now().UnixMilli(), Exp: time.Now().Add(-time.Hour).UnixMilli(),
	}
	token, err := capability.Encode(claims, issuerSignPriv)
	require.NoError(t, err)

	err = v.StoreReceivedCapability(token, "")
	kind, ok := apierr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apierr.Expired, kind)
}

// decryptSnapshotWithSubjectKey replicates DecryptCachedSnapshot's ECDH+KDF+
// AEAD-open from the subject's side, to check IssueCapability's CACHED
// output independent of the issuing vault's own decrypt path.
func decryptSnapshotWithSubjectKey(t *testing.T, snap snapshot.Snapshot, subjectEncPriv []byte) map[string]any {
	t.Helper()
	ephemeralPub, err := base64.StdEncoding.DecodeString(snap.EphemeralPub)
	require.NoError(t, err)

	shared, err := cryptoid.ECDH(subjectEncPriv, ephemeralPub)
	require.NoError(t, err)
	key := cryptoid.DeriveKey(shared, nil, []byte("ocx-cached-snapshot"))

	blobJSON, err := base64.StdEncoding.DecodeString(snap.EncryptedData)
	require.NoError(t, err)
	var blob SealedBlob
	require.NoError(t, json.Unmarshal(blobJSON, &blob))

	plaintext, err := Open(blob, key, nil)
	require.NoError(t, err)

	var data map[string]any
	require.NoError(t, json.Unmarshal(plaintext, &data))
	return data
}
