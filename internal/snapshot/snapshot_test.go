package snapshot

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/controlplane/internal/cryptoid"
)

func makeSignedSnapshot(t *testing.T, capabilityID string, expiresAt time.Time) (Snapshot, *cryptoid.Identity) {
	t.Helper()
	id, err := cryptoid.Generate(1, 1000)
	require.NoError(t, err)

	encryptedData := base64.StdEncoding.EncodeToString([]byte("opaque-ciphertext"))
	ephemeralPub := base64.StdEncoding.EncodeToString(id.EncPub)

	sig, err := Sign(capabilityID, encryptedData, ephemeralPub, id.SignPriv)
	require.NoError(t, err)

	return Snapshot{
		CapabilityID:  capabilityID,
		EncryptedData: encryptedData,
		EphemeralPub:  ephemeralPub,
		IssuerPub:     base64.StdEncoding.EncodeToString(id.SignPub),
		Sig:           base64.StdEncoding.EncodeToString(sig),
		ExpiresAt:     expiresAt,
	}, id
}

func TestStore_PutThenGet_RoundTrip(t *testing.T) {
	store := NewStore(NewMemoryBackend())
	snap, _ := makeSignedSnapshot(t, "cap-1", time.Now().Add(time.Hour))

	require.NoError(t, store.Put(context.Background(), snap))

	got, err := store.Get(context.Background(), "cap-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, snap.EncryptedData, got.EncryptedData)
}

func TestStore_Put_RejectsInvalidSignature(t *testing.T) {
	store := NewStore(NewMemoryBackend())
	snap, _ := makeSignedSnapshot(t, "cap-1", time.Now().Add(time.Hour))
	snap.EncryptedData = base64.StdEncoding.EncodeToString([]byte("tampered"))

	err := store.Put(context.Background(), snap)
	assert.Error(t, err)
}

func TestStore_Put_RejectsAlreadyExpired(t *testing.T) {
	store := NewStore(NewMemoryBackend())
	snap, _ := makeSignedSnapshot(t, "cap-1", time.Now().Add(-time.Hour))

	err := store.Put(context.Background(), snap)
	assert.Error(t, err)
}

func TestStore_Get_ReturnsNilForExpiredEntry(t *testing.T) {
	backend := NewMemoryBackend()
	store := NewStore(backend)
	snap, _ := makeSignedSnapshot(t, "cap-1", time.Now().Add(time.Hour))
	require.NoError(t, store.Put(context.Background(), snap))

	// simulate expiry by writing directly to the backend with a past expiresAt
	snap.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, backend.Put(context.Background(), snap))

	got, err := store.Get(context.Background(), "cap-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_Put_OverwritesExistingSnapshot(t *testing.T) {
	store := NewStore(NewMemoryBackend())
	snap1, id := makeSignedSnapshot(t, "cap-1", time.Now().Add(time.Hour))
	require.NoError(t, store.Put(context.Background(), snap1))

	encryptedData := base64.StdEncoding.EncodeToString([]byte("newer-ciphertext"))
	ephemeralPub := snap1.EphemeralPub
	sig, err := Sign("cap-1", encryptedData, ephemeralPub, id.SignPriv)
	require.NoError(t, err)
	snap2 := Snapshot{
		CapabilityID:  "cap-1",
		EncryptedData: encryptedData,
		EphemeralPub:  ephemeralPub,
		IssuerPub:     snap1.IssuerPub,
		Sig:           base64.StdEncoding.EncodeToString(sig),
		ExpiresAt:     time.Now().Add(time.Hour),
	}
	require.NoError(t, store.Put(context.Background(), snap2))

	got, err := store.Get(context.Background(), "cap-1")
	require.NoError(t, err)
	assert.Equal(t, encryptedData, got.EncryptedData)
}

func TestStore_Delete_IsIdempotent(t *testing.T) {
	store := NewStore(NewMemoryBackend())
	assert.NoError(t, store.Delete(context.Background(), "cap-absent"))
	assert.NoError(t, store.Delete(context.Background(), "cap-absent"))
}

func TestStore_Cleanup_RemovesExpiredEntries(t *testing.T) {
	backend := NewMemoryBackend()
	store := NewStore(backend)
	snap, _ := makeSignedSnapshot(t, "cap-1", time.Now().Add(time.Hour))
	require.NoError(t, store.Put(context.Background(), snap))

	snap.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, backend.Put(context.Background(), snap))

	removed, err := store.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}
