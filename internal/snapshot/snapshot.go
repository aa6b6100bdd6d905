// Package snapshot implements the cached-snapshot store (C4): an
// end-to-end encrypted blob keyed by capability id, produced by an issuer's
// vault so a subject can decrypt it offline while the issuer sandbox is
// stopped.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/ocx/controlplane/internal/apierr"
	"github.com/ocx/controlplane/internal/cryptoid"
)

// Snapshot is the opaque encrypted payload handed to a subject for offline
// decryption: issuer never sees it again after store.
type Snapshot struct {
	CapabilityID   string    `json:"capabilityId"`
	EncryptedData  string    `json:"encryptedData"` // base64 ciphertext, opaque to the store
	EphemeralPub   string    `json:"ephemeralPub"`  // base64 X25519 ephemeral public key
	IssuerPub      string    `json:"issuerPub"`     // base64 Ed25519 issuer signing public key
	SubjectPub     string    `json:"subjectPub,omitempty"` // base64 recipient signing public key, for list-by-recipient
	Sig            string    `json:"sig"`           // base64 Ed25519 signature
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// signedFields is what the issuer's signature covers, concatenated per
// §4.11: capabilityId:encryptedData:ephemeralPub.
func signedFields(capabilityID, encryptedData, ephemeralPub string) []byte {
	return []byte(capabilityID + ":" + encryptedData + ":" + ephemeralPub)
}

// Sign produces the issuer's signature over a to-be-stored snapshot.
func Sign(capabilityID, encryptedData, ephemeralPub string, signPriv []byte) ([]byte, error) {
	return cryptoid.SignRaw(signedFields(capabilityID, encryptedData, ephemeralPub), signPriv)
}

// Verify checks a snapshot's signature under its declared issuerPub.
func Verify(s Snapshot) (bool, error) {
	issuerPub, err := base64.StdEncoding.DecodeString(s.IssuerPub)
	if err != nil {
		return false, fmt.Errorf("snapshot: malformed issuerPub: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(s.Sig)
	if err != nil {
		return false, fmt.Errorf("snapshot: malformed sig: %w", err)
	}
	return cryptoid.VerifyRaw(signedFields(s.CapabilityID, s.EncryptedData, s.EphemeralPub), sig, issuerPub)
}

// Backend persists snapshots by capability id.
type Backend interface {
	Put(ctx context.Context, s Snapshot) error
	Get(ctx context.Context, capabilityID string) (*Snapshot, bool, error)
	Delete(ctx context.Context, capabilityID string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	All(ctx context.Context) ([]Snapshot, error)
}

// Store is the C4 Snapshot Store: validates on store, applies overwrite
// semantics keyed by capability id, and treats expired entries as absent.
type Store struct {
	backend Backend
}

func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Put validates required fields, verifies the issuer's signature, rejects
// already-expired snapshots, and overwrites any prior snapshot for the
// same capability id.
func (s *Store) Put(ctx context.Context, snap Snapshot) error {
	if snap.CapabilityID == "" || snap.EncryptedData == "" || snap.EphemeralPub == "" || snap.IssuerPub == "" || snap.Sig == "" {
		return apierr.New(apierr.InvalidInput, "snapshot missing required fields")
	}
	if !snap.ExpiresAt.After(time.Now().UTC()) {
		return apierr.New(apierr.Expired, "snapshot already expired at store time")
	}

	valid, err := Verify(snap)
	if err != nil {
		return apierr.Wrap(apierr.InvalidSignature, "snapshot signature verification error", err)
	}
	if !valid {
		return apierr.New(apierr.InvalidSignature, "snapshot signature invalid")
	}

	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	return s.backend.Put(ctx, snap)
}

// Get returns nil if the snapshot is absent or has expired.
func (s *Store) Get(ctx context.Context, capabilityID string) (*Snapshot, error) {
	snap, ok, err := s.backend.Get(ctx, capabilityID)
	if err != nil {
		return nil, fmt.Errorf("snapshot: get: %w", err)
	}
	if !ok {
		return nil, nil
	}
	if !snap.ExpiresAt.After(time.Now().UTC()) {
		return nil, nil
	}
	return snap, nil
}

// Delete is idempotent: deleting an absent capability id is not an error.
func (s *Store) Delete(ctx context.Context, capabilityID string) error {
	return s.backend.Delete(ctx, capabilityID)
}

// Cleanup sweeps expired entries and returns the count removed.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	return s.backend.DeleteExpired(ctx, time.Now().UTC())
}

// List returns every unexpired snapshot addressed to recipientPublicKey.
// The relay (C14) is the only caller and has already verified the
// recipient's signature before calling this.
func (s *Store) List(ctx context.Context, recipientPublicKey string) ([]Snapshot, error) {
	all, err := s.backend.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list: %w", err)
	}
	now := time.Now().UTC()
	out := make([]Snapshot, 0, len(all))
	for _, snap := range all {
		if snap.SubjectPub == recipientPublicKey && snap.ExpiresAt.After(now) {
			out = append(out, snap)
		}
	}
	return out, nil
}

// --- Postgres-backed implementation, same shape as revocation.PostgresBackend ---

type PostgresBackend struct {
	db *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot: ping postgres: %w", err)
	}
	b := &PostgresBackend{db: db}
	if err := b.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *PostgresBackend) ensureSchema() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS cached_snapshots (
			capability_id TEXT PRIMARY KEY,
			encrypted_data TEXT NOT NULL,
			ephemeral_pub TEXT NOT NULL,
			issuer_pub TEXT NOT NULL,
			subject_pub TEXT NOT NULL DEFAULT '',
			sig TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`)
	return err
}

func (b *PostgresBackend) Put(ctx context.Context, s Snapshot) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO cached_snapshots (capability_id, encrypted_data, ephemeral_pub, issuer_pub, subject_pub, sig, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (capability_id) DO UPDATE SET
			encrypted_data = EXCLUDED.encrypted_data,
			ephemeral_pub = EXCLUDED.ephemeral_pub,
			issuer_pub = EXCLUDED.issuer_pub,
			subject_pub = EXCLUDED.subject_pub,
			sig = EXCLUDED.sig,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at`,
		s.CapabilityID, s.EncryptedData, s.EphemeralPub, s.IssuerPub, s.SubjectPub, s.Sig, s.CreatedAt, s.ExpiresAt)
	return err
}

func (b *PostgresBackend) Get(ctx context.Context, capabilityID string) (*Snapshot, bool, error) {
	var s Snapshot
	err := b.db.QueryRowContext(ctx, `
		SELECT capability_id, encrypted_data, ephemeral_pub, issuer_pub, subject_pub, sig, created_at, expires_at
		FROM cached_snapshots WHERE capability_id = $1`, capabilityID).
		Scan(&s.CapabilityID, &s.EncryptedData, &s.EphemeralPub, &s.IssuerPub, &s.SubjectPub, &s.Sig, &s.CreatedAt, &s.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &s, true, nil
}

func (b *PostgresBackend) All(ctx context.Context) ([]Snapshot, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT capability_id, encrypted_data, ephemeral_pub, issuer_pub, subject_pub, sig, created_at, expires_at
		FROM cached_snapshots`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		if err := rows.Scan(&s.CapabilityID, &s.EncryptedData, &s.EphemeralPub, &s.IssuerPub, &s.SubjectPub, &s.Sig, &s.CreatedAt, &s.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) Delete(ctx context.Context, capabilityID string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM cached_snapshots WHERE capability_id = $1`, capabilityID)
	return err
}

func (b *PostgresBackend) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM cached_snapshots WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (b *PostgresBackend) Close() error { return b.db.Close() }

// --- In-memory fallback ---

type MemoryBackend struct {
	mu   sync.Mutex
	data map[string]Snapshot
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]Snapshot)}
}

func (b *MemoryBackend) Put(ctx context.Context, s Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[s.CapabilityID] = s
	return nil
}

func (b *MemoryBackend) Get(ctx context.Context, capabilityID string) (*Snapshot, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.data[capabilityID]
	if !ok {
		return nil, false, nil
	}
	return &s, true, nil
}

func (b *MemoryBackend) Delete(ctx context.Context, capabilityID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, capabilityID)
	return nil
}

func (b *MemoryBackend) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for id, s := range b.data {
		if !s.ExpiresAt.After(now) {
			delete(b.data, id)
			removed++
		}
	}
	return removed, nil
}

func (b *MemoryBackend) All(ctx context.Context) ([]Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Snapshot, 0, len(b.data))
	for _, s := range b.data {
		out = append(out, s)
	}
	return out, nil
}
