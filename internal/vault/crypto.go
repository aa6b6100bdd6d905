package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// KDFParams describes which key derivation function produced a vault's key
// and with what parameters, so the same parameters can be replayed on
// unlock.
type KDFParams struct {
	Algo       string `json:"algo"` // "argon2id" or "scrypt"
	Salt       []byte `json:"salt"`
	Time       uint32 `json:"time,omitempty"`    // argon2id iterations
	MemoryKB   uint32 `json:"memoryKb,omitempty"`
	Threads    uint8  `json:"threads,omitempty"`
	ScryptN    int    `json:"scryptN,omitempty"`
	ScryptR    int    `json:"scryptR,omitempty"`
	ScryptP    int    `json:"scryptP,omitempty"`
}

const derivedKeySize = 32

// DeriveKey runs the KDF named by params.Algo against password, reproducing
// the exact parameters used at initialize time.
func DeriveKey(password string, params KDFParams) ([]byte, error) {
	switch params.Algo {
	case "argon2id":
		return argon2.IDKey([]byte(password), params.Salt, params.Time, params.MemoryKB, params.Threads, derivedKeySize), nil
	case "scrypt":
		n, r, p := params.ScryptN, params.ScryptR, params.ScryptP
		if n == 0 {
			n = 1 << 15
		}
		if r == 0 {
			r = 8
		}
		if p == 0 {
			p = 1
		}
		return scrypt.Key([]byte(password), params.Salt, n, r, p, derivedKeySize)
	default:
		return nil, fmt.Errorf("vault: unknown kdf algorithm %q", params.Algo)
	}
}

// NewKDFParams builds fresh KDF parameters for a new vault, with a random
// 32-byte salt, per algo using the supplied cost parameters.
func NewKDFParams(algo string, argon2Time, argon2MemoryKB uint32, argon2Threads uint8) (KDFParams, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return KDFParams{}, fmt.Errorf("vault: generate salt: %w", err)
	}
	switch algo {
	case "argon2id":
		return KDFParams{Algo: "argon2id", Salt: salt, Time: argon2Time, MemoryKB: argon2MemoryKB, Threads: argon2Threads}, nil
	case "scrypt":
		return KDFParams{Algo: "scrypt", Salt: salt, ScryptN: 1 << 15, ScryptR: 8, ScryptP: 1}, nil
	default:
		return KDFParams{}, fmt.Errorf("vault: unknown kdf algorithm %q", algo)
	}
}

// SealedBlob is the AEAD-at-rest wire format: {aead, nonce, ct} where ct
// carries the Go AEAD's appended authentication tag (the spec's {nonce,
// ct, tag} triple collapsed into Go's standard Seal/Open convention).
type SealedBlob struct {
	AEAD  string `json:"aead"` // "xchacha20-poly1305" or "aes-256-gcm"
	Nonce []byte `json:"nonce"`
	CT    []byte `json:"ct"`
}

// Seal encrypts plaintext under key using the named AEAD, generating a
// fresh random nonce of the correct size for that construction.
func Seal(aeadName string, key, plaintext, aad []byte) (SealedBlob, error) {
	aead, err := newAEAD(aeadName, key)
	if err != nil {
		return SealedBlob{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return SealedBlob{}, fmt.Errorf("vault: generate nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)
	return SealedBlob{AEAD: aeadName, Nonce: nonce, CT: ct}, nil
}

// Open decrypts a SealedBlob. Any authentication failure (including a
// wrong key) returns an error without side effects — callers translate
// this into "unlock=false" rather than partial decryption.
func Open(blob SealedBlob, key, aad []byte) ([]byte, error) {
	aead, err := newAEAD(blob.AEAD, key)
	if err != nil {
		return nil, err
	}
	if len(blob.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("vault: nonce size mismatch for %s", blob.AEAD)
	}
	pt, err := aead.Open(nil, blob.Nonce, blob.CT, aad)
	if err != nil {
		return nil, fmt.Errorf("vault: authentication failed: %w", err)
	}
	return pt, nil
}

// newAEAD constructs the cipher.AEAD for the named construction. Both
// "xchacha20-poly1305" (the vault's default for new writes) and
// "aes-256-gcm" (legacy vaults, per the design notes' dual-read
// requirement) must remain decryptable indefinitely.
func newAEAD(name string, key []byte) (cipher.AEAD, error) {
	switch name {
	case "xchacha20-poly1305":
		return chacha20poly1305.NewX(key)
	case "aes-256-gcm":
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("vault: aes cipher: %w", err)
		}
		return cipher.NewGCM(block)
	default:
		return nil, fmt.Errorf("vault: unknown aead construction %q", name)
	}
}

// ZeroBytes overwrites a key buffer in place, used by Lock() to scrub the
// derived key from memory rather than relying on GC.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
