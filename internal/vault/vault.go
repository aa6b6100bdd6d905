// Package vault implements the Container-Side Secret Store & Capability
// Engine (C7): a per-sandbox encrypted credential vault that issues,
// verifies, executes, and revokes capability tokens, and produces
// pre-encrypted cached snapshots for offline cross-sandbox access.
//
// Grounded on the teacher's federation/crypto.go (re-keyed onto
// Ed25519+X25519 via internal/cryptoid) and multitenancy/tenant_manager.go's
// single-writer-wrapping-a-client shape, generalized here to a single
// writer wrapping the on-disk vault file.
package vault

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ocx/controlplane/internal/apierr"
	"github.com/ocx/controlplane/internal/audit"
	"github.com/ocx/controlplane/internal/capability"
	"github.com/ocx/controlplane/internal/cryptoid"
	"github.com/ocx/controlplane/internal/keyrotation"
	"github.com/ocx/controlplane/internal/revocation"
)

// State is the vault's lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateLocked        State = "locked"
	StateUnlocked       State = "unlocked"
)

// Integration is an upserted third-party credential record.
type Integration struct {
	Provider     string         `json:"provider"`
	AccessToken  string         `json:"accessToken,omitempty"`
	RefreshToken string         `json:"refreshToken,omitempty"`
	APIKey       string         `json:"apiKey,omitempty"`
	Email        string         `json:"email,omitempty"`
	ExpiresAt    *time.Time     `json:"expiresAt,omitempty"`
	Scopes       []string       `json:"scopes,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Grant is a capability the vault has issued and must enforce limits for.
type Grant struct {
	ID        string               `json:"id"`
	Claims    capability.Claims    `json:"claims"`
	Token     string               `json:"token"`
	Revoked   bool                 `json:"revoked"`
	CallCount int                  `json:"callCount"`
	CreatedAt time.Time            `json:"createdAt"`
}

// ReceivedCapability is a capability token issued by another vault and
// stored here so this vault can present it later.
type ReceivedCapability struct {
	Claims    capability.Claims `json:"claims"`
	Sig       []byte            `json:"sig"`
	AudHint   string            `json:"audHint,omitempty"`
	StoredAt  time.Time         `json:"storedAt"`
}

// record is the plaintext payload encrypted at rest.
type record struct {
	APIKeys      map[string]string               `json:"apiKeys"`
	Integrations map[string]*Integration          `json:"integrations"`
	Grants       map[string]*Grant                `json:"grants"`
	Capabilities map[string]*ReceivedCapability    `json:"capabilities"`
	KeyRotation  keyrotation.State                `json:"keyRotationState"`
}

func newEmptyRecord(rotationState keyrotation.State) *record {
	return &record{
		APIKeys:      make(map[string]string),
		Integrations: make(map[string]*Integration),
		Grants:       make(map[string]*Grant),
		Capabilities: make(map[string]*ReceivedCapability),
		KeyRotation:  rotationState,
	}
}

// fileFormat is the on-disk vault file.
type fileFormat struct {
	Version int        `json:"version"`
	KDF     KDFParams  `json:"kdf"`
	Blob    SealedBlob `json:"blob"`
}

// RelayNotifier is the narrow surface the vault needs from the relay
// client (C8) to distribute key-rotation notices and revocation requests.
// Nil is accepted: the vault then records intent locally without
// distributing it, matching the "relay unavailable" degraded path.
type RelayNotifier interface {
	keyrotation.Notifier
	SubmitRevocation(req revocation.RevokeRequest) error
}

// Vault is the process-local secret store for one sandbox.
type Vault struct {
	mu     sync.Mutex
	path   string
	state  State

	kdfAlgo  string
	aeadAlgo string
	argon2Time, argon2MemoryKB uint32
	argon2Threads              uint8
	sessionTimeout             time.Duration

	kdfParams KDFParams
	key       []byte
	rec       *record
	rotation  *keyrotation.Manager

	unlockTimer *time.Timer
	relay       RelayNotifier
	logger      *slog.Logger
	audit       audit.Emitter
}

// Config bundles the cryptographic parameters a Vault is constructed with,
// taken from internal/config.VaultConfig.
type Config struct {
	Path            string
	KDFAlgorithm    string
	AEADAlgorithm   string
	SessionTimeoutS int
	Argon2Time      int
	Argon2MemoryKB  int
	Argon2Threads   int
}

// New constructs a Vault bound to a file path, uninitialized until
// Initialize or Unlock succeeds.
func New(cfg Config, relay RelayNotifier) *Vault {
	timeout := time.Duration(cfg.SessionTimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Vault{
		path:           cfg.Path,
		state:          StateUninitialized,
		kdfAlgo:        cfg.KDFAlgorithm,
		aeadAlgo:       cfg.AEADAlgorithm,
		argon2Time:     uint32(cfg.Argon2Time),
		argon2MemoryKB: uint32(cfg.Argon2MemoryKB),
		argon2Threads:  uint8(cfg.Argon2Threads),
		sessionTimeout: timeout,
		relay:          relay,
		logger:         slog.Default().With("component", "vault"),
		audit:          audit.NoopEmitter{},
	}
}

// SetAudit wires the structured audit sink every capability issue/execute/
// revoke emits to. Defaults to a no-op.
func (v *Vault) SetAudit(e audit.Emitter) {
	if e == nil {
		e = audit.NoopEmitter{}
	}
	v.audit = e
}

// Status reports the vault's lifecycle state without requiring it to be
// unlocked.
func (v *Vault) Status() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == StateUninitialized {
		if _, err := os.Stat(v.path); err == nil {
			return StateLocked
		}
	}
	return v.state
}

// Initialize creates a fresh identity, empty integrations/grants/
// capabilities, a random salt, and atomically writes the vault file with
// 0600 permissions.
func (v *Vault) Initialize(password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := os.Stat(v.path); err == nil {
		return apierr.New(apierr.AlreadyExists, "vault already initialized")
	}

	rotation, err := keyrotation.NewManager(v.relay)
	if err != nil {
		return fmt.Errorf("vault: initialize identity: %w", err)
	}

	kdfParams, err := NewKDFParams(v.kdfAlgo, v.argon2Time, v.argon2MemoryKB, v.argon2Threads)
	if err != nil {
		return fmt.Errorf("vault: build kdf params: %w", err)
	}
	key, err := DeriveKey(password, kdfParams)
	if err != nil {
		return fmt.Errorf("vault: derive key: %w", err)
	}

	rec := newEmptyRecord(rotation.Export())
	if err := v.writeRecord(rec, kdfParams, key); err != nil {
		return err
	}

	v.kdfParams = kdfParams
	v.key = key
	v.rec = rec
	v.rotation = rotation
	v.state = StateUnlocked
	v.resetTimerLocked()
	return nil
}

// Unlock derives the key from the stored KDF parameters and the supplied
// password, then verifies by decrypting. Any decryption failure (wrong
// password, corrupted file) returns an error without side effects.
func (v *Vault) Unlock(password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	data, err := os.ReadFile(v.path)
	if err != nil {
		return apierr.Wrap(apierr.NotFound, "vault file not found", err)
	}
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return apierr.Wrap(apierr.InvalidInput, "corrupt vault file", err)
	}

	key, err := DeriveKey(password, ff.KDF)
	if err != nil {
		return fmt.Errorf("vault: derive key: %w", err)
	}

	plaintext, err := Open(ff.Blob, key, nil)
	if err != nil {
		return apierr.New(apierr.InvalidPassword, "incorrect vault password")
	}

	var rec record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return apierr.Wrap(apierr.InvalidInput, "corrupt vault plaintext", err)
	}

	v.kdfParams = ff.KDF
	v.key = key
	v.rec = &rec
	v.rotation = keyrotation.RestoreManager(rec.KeyRotation, v.relay)
	v.state = StateUnlocked
	v.resetTimerLocked()
	return nil
}

// Extend resets the unlock session timeout.
func (v *Vault) Extend() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != StateUnlocked {
		return apierr.New(apierr.VaultLocked, "vault is locked")
	}
	v.resetTimerLocked()
	return nil
}

// Lock securely zeroes the derived key and clears the in-memory record.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lockLocked()
}

func (v *Vault) lockLocked() {
	if v.unlockTimer != nil {
		v.unlockTimer.Stop()
	}
	ZeroBytes(v.key)
	v.key = nil
	v.rec = nil
	v.rotation = nil
	v.state = StateLocked
}

func (v *Vault) resetTimerLocked() {
	if v.unlockTimer != nil {
		v.unlockTimer.Stop()
	}
	v.unlockTimer = time.AfterFunc(v.sessionTimeout, func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		if v.state == StateUnlocked {
			v.lockLocked()
			v.logger.Info("vault session expired, auto-locked")
		}
	})
}

// requireUnlocked returns the current record+rotation manager or a
// vault_locked error. Callers must hold v.mu.
func (v *Vault) requireUnlockedLocked() (*record, *keyrotation.Manager, error) {
	if v.state != StateUnlocked {
		return nil, nil, apierr.New(apierr.VaultLocked, "vault is locked")
	}
	return v.rec, v.rotation, nil
}

// persistLocked re-seals and writes the current record. Callers must hold
// v.mu and have already confirmed the vault is unlocked.
func (v *Vault) persistLocked() error {
	v.rec.KeyRotation = v.rotation.Export()
	return v.writeRecord(v.rec, v.kdfParams, v.key)
}

// writeRecord seals rec under key and atomically replaces the vault file.
func (v *Vault) writeRecord(rec *record, kdfParams KDFParams, key []byte) error {
	plaintext, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("vault: marshal record: %w", err)
	}

	blob, err := Seal(v.aeadAlgo, key, plaintext, nil)
	if err != nil {
		return fmt.Errorf("vault: seal record: %w", err)
	}

	ff := fileFormat{Version: 1, KDF: kdfParams, Blob: blob}
	data, err := json.Marshal(ff)
	if err != nil {
		return fmt.Errorf("vault: marshal file: %w", err)
	}

	dir := filepath.Dir(v.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("vault: create vault dir: %w", err)
		}
	}

	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("vault: write temp file: %w", err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		return fmt.Errorf("vault: rename into place: %w", err)
	}
	return nil
}

// --- integrations ---

// SetIntegration upserts an integration record. Requires the vault to be
// unlocked.
func (v *Vault) SetIntegration(provider string, integ Integration) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, _, err := v.requireUnlockedLocked()
	if err != nil {
		return err
	}
	integ.Provider = provider
	rec.Integrations[provider] = &integ
	return v.persistLocked()
}

// GetIntegration returns nil if absent, the full record otherwise.
func (v *Vault) GetIntegration(provider string) (*Integration, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, _, err := v.requireUnlockedLocked()
	if err != nil {
		return nil, err
	}
	integ, ok := rec.Integrations[provider]
	if !ok {
		return nil, nil
	}
	return integ, nil
}

// RemoveIntegration is idempotent.
func (v *Vault) RemoveIntegration(provider string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, _, err := v.requireUnlockedLocked()
	if err != nil {
		return err
	}
	delete(rec.Integrations, provider)
	return v.persistLocked()
}

// IntegrationSummary is the reduced shape listIntegrations returns.
type IntegrationSummary struct {
	Provider  string     `json:"provider"`
	Email     string     `json:"email,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// ListIntegrations returns a summary of every stored integration.
func (v *Vault) ListIntegrations() ([]IntegrationSummary, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, _, err := v.requireUnlockedLocked()
	if err != nil {
		return nil, err
	}
	out := make([]IntegrationSummary, 0, len(rec.Integrations))
	for _, integ := range rec.Integrations {
		out = append(out, IntegrationSummary{Provider: integ.Provider, Email: integ.Email, ExpiresAt: integ.ExpiresAt})
	}
	return out, nil
}

// SetApiKey stores an API key alongside integrations; zero-knowledge with
// respect to the relay and control plane, since it never leaves this
// vault's encrypted file.
func (v *Vault) SetApiKey(provider, key string, meta map[string]any) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, _, err := v.requireUnlockedLocked()
	if err != nil {
		return err
	}
	integ, ok := rec.Integrations[provider]
	if !ok {
		integ = &Integration{Provider: provider}
		rec.Integrations[provider] = integ
	}
	integ.APIKey = key
	if meta != nil {
		integ.Metadata = meta
	}
	rec.APIKeys[provider] = key
	return v.persistLocked()
}

// identityBase64 returns the vault's current signing public key, base64
// encoded, for use as the `iss` claim.
func (v *Vault) identityBase64Locked() string {
	return base64.StdEncoding.EncodeToString(v.rotation.Current().SignPub)
}
