// Package keyrotation implements the Key Rotation Manager (C6): versioned
// signing+encryption identity rotation with a transition window during
// which both the old and new key verify, a signed rotation notification
// for the relay to distribute, and capability re-issuance candidate
// listing. It does not rotate the vault's password-derived encryption key,
// and neither does internal/vault.
//
// Grounded on the teacher's federation/handshake.go for the
// multi-step, sequentially-numbered protocol shape (steps logged in
// order) and federation/crypto.go for the sign/verify primitives, here
// re-keyed onto internal/cryptoid's Ed25519+X25519 identity.
package keyrotation

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/controlplane/internal/apierr"
	"github.com/ocx/controlplane/internal/audit"
	"github.com/ocx/controlplane/internal/cryptoid"
)

const defaultTransitionHours = 24

// ArchivedKey is a signing identity that has fully rolled off: its
// transition window closed and it no longer verifies anything new.
type ArchivedKey struct {
	Identity    *cryptoid.Identity `json:"identity"`
	ArchivedAt  time.Time          `json:"archivedAt"`
}

// RotationNotification is the signed broadcast a rotation emits so every
// holder of a capability under the old key learns about the new one
// before the transition window closes.
type RotationNotification struct {
	Type                  string    `json:"type"`
	OldKeyID              string    `json:"oldKeyId"`
	NewKeyID              string    `json:"newKeyId"`
	NewPub                string    `json:"newPub"`    // base64 Ed25519 signing public key
	NewEncPub             string    `json:"newEncPub"` // base64 X25519 encryption public key
	TransitionEndsAt      time.Time `json:"transitionEndsAt"`
	AffectedCapabilityIDs []string  `json:"affectedCapabilityIds"`
	Timestamp             int64     `json:"timestamp"`
	Sig                   string    `json:"sig"`
}

// signedNotificationFields is what the signature covers: the notification
// with sig stripped.
type signedNotificationFields struct {
	Type                  string    `json:"type"`
	OldKeyID              string    `json:"oldKeyId"`
	NewKeyID              string    `json:"newKeyId"`
	NewPub                string    `json:"newPub"`
	NewEncPub             string    `json:"newEncPub"`
	TransitionEndsAt      time.Time `json:"transitionEndsAt"`
	AffectedCapabilityIDs []string  `json:"affectedCapabilityIds"`
	Timestamp             int64     `json:"timestamp"`
}

// Notifier distributes a signed rotation notice; in production this is the
// relay client (C8), which broadcasts to every healthy relay.
type Notifier interface {
	NotifyKeyRotation(n RotationNotification) error
}

// Manager owns the live signing/encryption identity, the previous identity
// during its transition window, and the archive of fully-rolled-off keys.
type Manager struct {
	mu       sync.RWMutex
	current  *cryptoid.Identity
	previous *cryptoid.Identity

	transitionStartedAt *time.Time
	transitionEndsAt    *time.Time

	archivedKeys []ArchivedKey
	notifier     Notifier
	logger       *slog.Logger
	audit        audit.Emitter
}

// NewManager seeds the manager with an initial version-1 identity.
func NewManager(notifier Notifier) (*Manager, error) {
	id, err := cryptoid.Generate(1, time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("keyrotation: generate initial identity: %w", err)
	}
	return &Manager{
		current:  id,
		notifier: notifier,
		logger:   slog.Default().With("component", "key-rotation-manager"),
		audit:    audit.NoopEmitter{},
	}, nil
}

// SetAudit wires the structured audit sink every rotation emits to.
// Defaults to a no-op.
func (m *Manager) SetAudit(e audit.Emitter) {
	if e == nil {
		e = audit.NoopEmitter{}
	}
	m.audit = e
}

// Current returns the live signing+encryption identity.
func (m *Manager) Current() *cryptoid.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// State is the exportable snapshot of a Manager, persisted as part of the
// vault file's plaintext record so rotation state survives a restart.
type State struct {
	Current             *cryptoid.Identity `json:"current"`
	Previous             *cryptoid.Identity `json:"previous,omitempty"`
	TransitionStartedAt *time.Time         `json:"transitionStartedAt,omitempty"`
	TransitionEndsAt     *time.Time         `json:"transitionEndsAt,omitempty"`
	ArchivedKeys         []ArchivedKey      `json:"archivedKeys"`
}

// Export captures the manager's current state for persistence.
func (m *Manager) Export() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return State{
		Current:             m.current,
		Previous:             m.previous,
		TransitionStartedAt: m.transitionStartedAt,
		TransitionEndsAt:     m.transitionEndsAt,
		ArchivedKeys:         m.archivedKeys,
	}
}

// RestoreManager builds a Manager from a previously exported State, e.g.
// when unlocking a vault written by an earlier process.
func RestoreManager(state State, notifier Notifier) *Manager {
	return &Manager{
		current:             state.Current,
		previous:             state.Previous,
		transitionStartedAt: state.TransitionStartedAt,
		transitionEndsAt:     state.TransitionEndsAt,
		archivedKeys:         state.ArchivedKeys,
		notifier:             notifier,
		logger:               slog.Default().With("component", "key-rotation-manager"),
		audit:                audit.NoopEmitter{},
	}
}

// Rotate generates a new versioned identity, archives the current one as
// the transition-active "previous" key, promotes the new identity to
// current, and emits a signed notification under the NEW key.
func (m *Manager) Rotate(transitionHours int, reason string, affectedCapabilityIDs []string) (*RotationNotification, error) {
	if transitionHours <= 0 {
		transitionHours = defaultTransitionHours
	}

	m.mu.Lock()
	oldIdentity := m.current

	// Step 1: generate new versioned identity.
	newIdentity, err := cryptoid.Generate(oldIdentity.Version+1, time.Now().UnixMilli())
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("keyrotation: generate new identity: %w", err)
	}

	// Step 2: archive current as transition-active.
	now := time.Now().UTC()
	endsAt := now.Add(time.Duration(transitionHours) * time.Hour)
	m.previous = oldIdentity
	m.transitionStartedAt = &now
	m.transitionEndsAt = &endsAt

	// Step 3: promote new identity to current.
	m.current = newIdentity
	m.mu.Unlock()

	m.logger.Info("key rotated", "reason", reason, "oldKeyId", oldIdentity.KeyID, "newKeyId", newIdentity.KeyID, "transitionEndsAt", endsAt)

	// Step 4: emit signed notification under the new key.
	notif := signedNotificationFields{
		Type:                  "key_rotation",
		OldKeyID:              oldIdentity.KeyID,
		NewKeyID:              newIdentity.KeyID,
		NewPub:                base64.StdEncoding.EncodeToString(newIdentity.SignPub),
		NewEncPub:             base64.StdEncoding.EncodeToString(newIdentity.EncPub),
		TransitionEndsAt:      endsAt,
		AffectedCapabilityIDs: affectedCapabilityIDs,
		Timestamp:             time.Now().UnixMilli(),
	}
	sig, err := cryptoid.Sign(notif, newIdentity.SignPriv)
	if err != nil {
		return nil, fmt.Errorf("keyrotation: sign rotation notification: %w", err)
	}

	out := RotationNotification{
		Type:                  notif.Type,
		OldKeyID:              notif.OldKeyID,
		NewKeyID:              notif.NewKeyID,
		NewPub:                notif.NewPub,
		NewEncPub:             notif.NewEncPub,
		TransitionEndsAt:      notif.TransitionEndsAt,
		AffectedCapabilityIDs: notif.AffectedCapabilityIDs,
		Timestamp:             notif.Timestamp,
		Sig:                   base64.StdEncoding.EncodeToString(sig),
	}

	if m.notifier != nil {
		if err := m.notifier.NotifyKeyRotation(out); err != nil {
			m.logger.Error("rotation notification distribution failed", "error", err)
		}
	}

	m.audit.Emit(audit.TypeKeyRotated, "key-rotation-manager", newIdentity.KeyID, "", map[string]any{
		"oldKeyId":              oldIdentity.KeyID,
		"newKeyId":              newIdentity.KeyID,
		"reason":                reason,
		"transitionEndsAt":      endsAt,
		"affectedCapabilityIds": affectedCapabilityIDs,
	})

	return &out, nil
}

// CompleteTransition archives the previous key and clears the transition
// window, ending its acceptance for new verifications.
func (m *Manager) CompleteTransition() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.previous == nil {
		return apierr.New(apierr.InvalidInput, "no transition in progress")
	}

	m.archivedKeys = append(m.archivedKeys, ArchivedKey{
		Identity:   m.previous,
		ArchivedAt: time.Now().UTC(),
	})
	m.previous = nil
	m.transitionStartedAt = nil
	m.transitionEndsAt = nil
	return nil
}

// InTransition reports whether a previous key is still within its
// transition window.
func (m *Manager) InTransition() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.previous != nil && m.transitionEndsAt != nil && m.transitionEndsAt.After(time.Now().UTC())
}

// VerifyResult is returned by VerifyWithAnyValidKey.
type VerifyResult struct {
	Valid      bool
	KeyVersion int
	KeyID      string
}

// VerifyWithAnyValidKey checks a signature against the current key and,
// while a transition is active, the previous key — so capabilities issued
// just before a rotation keep verifying until the window closes.
func (m *Manager) VerifyWithAnyValidKey(claims any, sig []byte) (VerifyResult, error) {
	m.mu.RLock()
	current := m.current
	previous := m.previous
	transitionActive := m.previous != nil && m.transitionEndsAt != nil && m.transitionEndsAt.After(time.Now().UTC())
	m.mu.RUnlock()

	valid, err := cryptoid.Verify(claims, sig, current.SignPub)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("keyrotation: verify under current key: %w", err)
	}
	if valid {
		return VerifyResult{Valid: true, KeyVersion: current.Version, KeyID: current.KeyID}, nil
	}

	if transitionActive {
		valid, err = cryptoid.Verify(claims, sig, previous.SignPub)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("keyrotation: verify under previous key: %w", err)
		}
		if valid {
			return VerifyResult{Valid: true, KeyVersion: previous.Version, KeyID: previous.KeyID}, nil
		}
	}

	return VerifyResult{Valid: false}, nil
}

// Grant is the minimal shape of an issued capability the reissue scan
// needs: enough to tell whether it is still live and who signed it.
type Grant struct {
	CapabilityID string
	Revoked      bool
	ExpiresAt    time.Time
	SignerKeyID  string
	SignerVersion int
}

// IdentifyCapabilitiesNeedingReissue filters grants that are non-revoked,
// non-expired, and were signed by a key version at or below oldKeyVersion —
// candidates the issuer should re-sign under the new key before the
// transition window closes.
func IdentifyCapabilitiesNeedingReissue(grants []Grant, oldKeyVersion int, now time.Time) []Grant {
	var out []Grant
	for _, g := range grants {
		if g.Revoked {
			continue
		}
		if !g.ExpiresAt.After(now) {
			continue
		}
		if g.SignerVersion <= oldKeyVersion {
			out = append(out, g)
		}
	}
	return out
}
