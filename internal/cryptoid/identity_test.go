package cryptoid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClaims struct {
	ID       string   `json:"id"`
	Resource string   `json:"resource"`
	Scope    []string `json:"scope"`
}

func TestGenerate_ProducesCorrectKeyLengths(t *testing.T) {
	id, err := Generate(1, 1000)
	require.NoError(t, err)
	assert.Len(t, id.SignPub, SignPublicKeySize)
	assert.Len(t, id.EncPub, EncPublicKeySize)
	assert.NotEmpty(t, id.KeyID)
}

func TestSignVerify_RoundTrip(t *testing.T) {
	id, err := Generate(1, 1000)
	require.NoError(t, err)

	claims := testClaims{ID: "cap-1", Resource: "google-calendar", Scope: []string{"read", "list"}}
	sig, err := Sign(claims, id.SignPriv)
	require.NoError(t, err)
	assert.Len(t, sig, SignatureSize)

	valid, err := Verify(claims, sig, id.SignPub)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestSign_IsDeterministic(t *testing.T) {
	id, err := Generate(1, 1000)
	require.NoError(t, err)

	claims := testClaims{ID: "cap-1", Resource: "x", Scope: []string{"read"}}
	sig1, err := Sign(claims, id.SignPriv)
	require.NoError(t, err)
	sig2, err := Sign(claims, id.SignPriv)
	require.NoError(t, err)

	assert.Equal(t, sig1, sig2, "Ed25519 signing must be deterministic for identical inputs")
}

func TestVerify_TamperedClaimsFail(t *testing.T) {
	id, err := Generate(1, 1000)
	require.NoError(t, err)

	claims := testClaims{ID: "cap-1", Resource: "x", Scope: []string{"read"}}
	sig, err := Sign(claims, id.SignPriv)
	require.NoError(t, err)

	tampered := testClaims{ID: "cap-1", Resource: "x", Scope: []string{"read", "write", "admin"}}
	valid, err := Verify(tampered, sig, id.SignPub)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestVerify_RejectsMalformedLengths(t *testing.T) {
	claims := testClaims{ID: "x"}

	_, err := Verify(claims, make([]byte, 10), make([]byte, SignPublicKeySize))
	assert.Error(t, err, "wrong signature length must be rejected without verifying")

	_, err = Verify(claims, make([]byte, SignatureSize), make([]byte, 10))
	assert.Error(t, err, "wrong public key length must be rejected without verifying")
}

func TestECDH_BothSidesAgree(t *testing.T) {
	a, err := Generate(1, 1000)
	require.NoError(t, err)
	b, err := Generate(1, 1000)
	require.NoError(t, err)

	secretA, err := ECDH(a.EncPriv, b.EncPub)
	require.NoError(t, err)
	secretB, err := ECDH(b.EncPriv, a.EncPub)
	require.NoError(t, err)

	assert.Equal(t, secretA, secretB)
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual([]byte("token123"), []byte("token123")))
	assert.False(t, ConstantTimeEqual([]byte("token123"), []byte("token124")))
	assert.False(t, ConstantTimeEqual([]byte("short"), []byte("longertoken")))
}
