package vault

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/controlplane/internal/apierr"
	"github.com/ocx/controlplane/internal/audit"
	"github.com/ocx/controlplane/internal/capability"
	"github.com/ocx/controlplane/internal/cryptoid"
	"github.com/ocx/controlplane/internal/revocation"
	"github.com/ocx/controlplane/internal/snapshot"
)

// IssueOpts carries the optional parameters to IssueCapability.
type IssueOpts struct {
	Tier                 capability.Tier
	Constraints          *capability.Constraints
	Aud                  string
	SubjectEncryptionKey []byte // required when Tier == CACHED
}

// IssueResult is what IssueCapability returns: the wire token, and for a
// CACHED tier capability, the pre-encrypted snapshot.
type IssueResult struct {
	ID       string
	Token    string
	Snapshot *snapshot.Snapshot
}

// IssueCapability mints a signed, scoped, bounded capability token for
// subjectSignPub. For opts.Tier == CACHED, a snapshot is generated
// immediately and marked pending-push to the relay.
func (v *Vault) IssueCapability(subjectSignPub []byte, resource string, scope []capability.Permission, expiresInSec int, opts IssueOpts) (*IssueResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, rotation, err := v.requireUnlockedLocked()
	if err != nil {
		return nil, err
	}

	id := "cap_" + uuid.NewString()
	now := time.Now().UTC()
	current := rotation.Current()

	claims := capability.Claims{
		V:           1,
		ID:          id,
		Iss:         base64.StdEncoding.EncodeToString(current.SignPub),
		Sub:         base64.StdEncoding.EncodeToString(subjectSignPub),
		Resource:    resource,
		Scope:       scope,
		Iat:         now.UnixMilli(),
		Exp:         now.Add(time.Duration(expiresInSec) * time.Second).UnixMilli(),
		Constraints: opts.Constraints,
		Tier:        opts.Tier,
		Aud:         opts.Aud,
	}
	if claims.Tier == "" {
		claims.Tier = capability.TierLive
	}

	token, err := capability.Encode(claims, current.SignPriv)
	if err != nil {
		return nil, fmt.Errorf("vault: encode capability token: %w", err)
	}

	grant := &Grant{
		ID:        id,
		Claims:    claims,
		Token:     token,
		CreatedAt: now,
	}
	rec.Grants[id] = grant

	result := &IssueResult{ID: id, Token: token}

	if claims.Tier == capability.TierCached {
		if len(opts.SubjectEncryptionKey) != cryptoid.EncPublicKeySize {
			return nil, apierr.New(apierr.InvalidInput, "subjectEncryptionKey required and must be 32 bytes for CACHED tier")
		}
		snap, err := v.buildSnapshotLocked(rec, id, resource, opts.SubjectEncryptionKey, claims.Exp)
		if err != nil {
			return nil, err
		}
		result.Snapshot = snap
	}

	if err := v.persistLocked(); err != nil {
		return nil, err
	}

	v.audit.Emit(audit.TypeCapabilityIssued, "vault", id, "", map[string]any{
		"resource": resource,
		"scope":    scope,
		"tier":     claims.Tier,
	})

	return result, nil
}

// buildSnapshotLocked derives a one-time ECDH key with the subject,
// encrypts the resource's current credential under it, and signs the
// result under the vault's own identity. Callers must hold v.mu.
func (v *Vault) buildSnapshotLocked(rec *record, capabilityID, resource string, subjectEncPub []byte, expiresAtMs int64) (*snapshot.Snapshot, error) {
	integ, ok := rec.Integrations[resource]
	if !ok {
		return nil, apierr.New(apierr.NotFound, fmt.Sprintf("no integration stored for resource %q", resource))
	}

	payload, err := json.Marshal(integ)
	if err != nil {
		return nil, fmt.Errorf("vault: marshal snapshot payload: %w", err)
	}

	ephemeralPriv, ephemeralPub, err := cryptoid.GenerateX25519()
	if err != nil {
		return nil, fmt.Errorf("vault: generate ephemeral key: %w", err)
	}
	shared, err := cryptoid.ECDH(ephemeralPriv, subjectEncPub)
	if err != nil {
		return nil, fmt.Errorf("vault: ECDH for snapshot: %w", err)
	}
	symKey := cryptoid.DeriveKey(shared, nil, []byte("ocx-cached-snapshot"))

	blob, err := Seal("xchacha20-poly1305", symKey, payload, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: seal snapshot: %w", err)
	}
	blobJSON, err := json.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("vault: marshal sealed blob: %w", err)
	}

	current := v.rotation.Current()
	encryptedData := base64.StdEncoding.EncodeToString(blobJSON)
	ephemeralPubB64 := base64.StdEncoding.EncodeToString(ephemeralPub)
	issuerPubB64 := base64.StdEncoding.EncodeToString(current.SignPub)

	sig, err := snapshot.Sign(capabilityID, encryptedData, ephemeralPubB64, current.SignPriv)
	if err != nil {
		return nil, fmt.Errorf("vault: sign snapshot: %w", err)
	}

	return &snapshot.Snapshot{
		CapabilityID:  capabilityID,
		EncryptedData: encryptedData,
		EphemeralPub:  ephemeralPubB64,
		IssuerPub:     issuerPubB64,
		Sig:           base64.StdEncoding.EncodeToString(sig),
		CreatedAt:     time.Now().UTC(),
		ExpiresAt:     time.UnixMilli(expiresAtMs),
	}, nil
}

// ExecuteResult is what ExecuteCapability returns on success.
type ExecuteResult struct {
	Integration *Integration `json:"integration"`
}

// ExecuteCapability decodes and verifies token, enforces exp/aud/revoked/
// scope/maxCalls, then dereferences the local credential for the grant's
// resource.
func (v *Vault) ExecuteCapability(token string, operation capability.Permission, params map[string]any) (*ExecuteResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, rotation, err := v.requireUnlockedLocked()
	if err != nil {
		return nil, err
	}

	claims, sig, err := capability.Decode(token)
	if err != nil {
		return nil, err
	}

	verifyResult, err := rotation.VerifyWithAnyValidKey(claims, sig)
	if err != nil {
		return nil, fmt.Errorf("vault: verify capability signature: %w", err)
	}
	if !verifyResult.Valid {
		return nil, apierr.New(apierr.InvalidSignature, "capability signature invalid")
	}

	if time.Now().UTC().After(time.UnixMilli(claims.Exp)) {
		return nil, apierr.New(apierr.Expired, "capability expired")
	}

	if claims.Aud != "" && claims.Aud != v.identityBase64Locked() {
		return nil, apierr.New(apierr.NotForMe, "capability audience does not match this vault")
	}

	grant, ok := rec.Grants[claims.ID]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "capability was not issued by this vault")
	}
	if grant.Revoked {
		v.audit.Emit(audit.TypeCapabilityDenied, "vault", claims.ID, "", map[string]any{"reason": "revoked", "operation": operation})
		return nil, apierr.New(apierr.Revoked, "capability has been revoked")
	}

	if !capability.ScopeAllows(claims.Scope, operation) {
		v.audit.Emit(audit.TypeCapabilityDenied, "vault", claims.ID, "", map[string]any{"reason": "scope_denied", "operation": operation})
		return nil, apierr.New(apierr.ScopeDenied, fmt.Sprintf("operation %q not in capability scope", operation))
	}

	if claims.Constraints != nil && claims.Constraints.MaxCalls > 0 && grant.CallCount >= claims.Constraints.MaxCalls {
		return nil, apierr.New(apierr.CallLimitExceeded, "capability call limit exceeded")
	}

	integ, ok := rec.Integrations[claims.Resource]
	if !ok {
		return nil, apierr.New(apierr.NotFound, fmt.Sprintf("no integration stored for resource %q", claims.Resource))
	}

	grant.CallCount++
	if err := v.persistLocked(); err != nil {
		return nil, err
	}

	v.audit.Emit(audit.TypeCapabilityExecuted, "vault", claims.ID, "", map[string]any{
		"resource":  claims.Resource,
		"operation": operation,
		"callCount": grant.CallCount,
	})

	return &ExecuteResult{Integration: integ}, nil
}

// revocationRequestPayload is signed when revoking a capability, matching
// the Revocation Service's expected {action:"revoke", ...} shape.
type revocationRequestPayload struct {
	Action         string `json:"action"`
	CapabilityID   string `json:"capabilityId"`
	RevokedBy      string `json:"revokedBy"`
	Reason         string `json:"reason,omitempty"`
	OriginalExpiry *int64 `json:"originalExpiry,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// RevokeCapability marks a grant revoked, signs a revocation request, and
// submits it via the relay. If no relay is configured or the submission
// fails, the failure is logged and the grant stays revoked here; the
// request is not queued or resubmitted.
func (v *Vault) RevokeCapability(id, reason string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, rotation, err := v.requireUnlockedLocked()
	if err != nil {
		return err
	}

	grant, ok := rec.Grants[id]
	if !ok {
		return apierr.New(apierr.NotFound, "capability not found")
	}
	grant.Revoked = true
	if err := v.persistLocked(); err != nil {
		return err
	}

	current := rotation.Current()
	originalExpiry := grant.Claims.Exp
	now := time.Now().UnixMilli()
	payload := revocationRequestPayload{
		Action:         "revoke",
		CapabilityID:   id,
		RevokedBy:      base64.StdEncoding.EncodeToString(current.SignPub),
		Reason:         reason,
		OriginalExpiry: &originalExpiry,
		Timestamp:      now,
	}
	sig, err := cryptoid.Sign(payload, current.SignPriv)
	if err != nil {
		return fmt.Errorf("vault: sign revocation request: %w", err)
	}

	req := revocation.RevokeRequest{
		Action:         payload.Action,
		CapabilityID:   payload.CapabilityID,
		RevokedBy:      payload.RevokedBy,
		Reason:         payload.Reason,
		OriginalExpiry: payload.OriginalExpiry,
		Timestamp:      payload.Timestamp,
		Sig:            base64.StdEncoding.EncodeToString(sig),
	}

	if v.relay != nil {
		if submitErr := v.relay.SubmitRevocation(req); submitErr != nil {
			v.logger.Warn("revocation submit to relay failed, revoked locally only", "capabilityId", id, "error", submitErr)
		}
	} else {
		v.logger.Warn("no relay configured, revocation recorded locally only", "capabilityId", id)
	}

	v.audit.Emit(audit.TypeCapabilityRevoked, "vault", id, "", map[string]any{"reason": reason})

	return nil
}

// StoreReceivedCapability verifies a capability issued by another vault
// and persists it for later presentation.
func (v *Vault) StoreReceivedCapability(token, audHint string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, _, err := v.requireUnlockedLocked()
	if err != nil {
		return err
	}

	claims, sig, err := capability.Decode(token)
	if err != nil {
		return err
	}

	issPub, err := base64.StdEncoding.DecodeString(claims.Iss)
	if err != nil {
		return apierr.Wrap(apierr.InvalidInput, "malformed issuer public key", err)
	}
	valid, err := cryptoid.Verify(claims, sig, issPub)
	if err != nil {
		return apierr.Wrap(apierr.InvalidSignature, "issuer signature verification error", err)
	}
	if !valid {
		return apierr.New(apierr.InvalidSignature, "issuer signature invalid")
	}

	if time.Now().UTC().After(time.UnixMilli(claims.Exp)) {
		return apierr.New(apierr.Expired, "capability already expired")
	}

	rec.Capabilities[claims.ID] = &ReceivedCapability{
		Claims:   claims,
		Sig:      sig,
		AudHint:  audHint,
		StoredAt: time.Now().UTC(),
	}
	return v.persistLocked()
}

// DecryptedSnapshot is what DecryptCachedSnapshot returns.
type DecryptedSnapshot struct {
	Data        map[string]any
	StalenessMs int64
}

// DecryptCachedSnapshot derives the shared key via ECDH with the
// snapshot's ephemeral public key and this vault's encryption private
// key, then AEAD-decrypts the payload.
func (v *Vault) DecryptCachedSnapshot(snap snapshot.Snapshot) (*DecryptedSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	_, rotation, err := v.requireUnlockedLocked()
	if err != nil {
		return nil, err
	}

	valid, err := snapshot.Verify(snap)
	if err != nil {
		return nil, apierr.Wrap(apierr.InvalidSignature, "snapshot signature verification error", err)
	}
	if !valid {
		return nil, apierr.New(apierr.InvalidSignature, "snapshot signature invalid")
	}

	ephemeralPub, err := base64.StdEncoding.DecodeString(snap.EphemeralPub)
	if err != nil {
		return nil, apierr.Wrap(apierr.InvalidInput, "malformed ephemeral public key", err)
	}

	current := rotation.Current()
	shared, err := cryptoid.ECDH(current.EncPriv, ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("vault: ECDH for snapshot decrypt: %w", err)
	}
	symKey := cryptoid.DeriveKey(shared, nil, []byte("ocx-cached-snapshot"))

	blobJSON, err := base64.StdEncoding.DecodeString(snap.EncryptedData)
	if err != nil {
		return nil, apierr.Wrap(apierr.InvalidInput, "malformed snapshot ciphertext encoding", err)
	}
	var blob SealedBlob
	if err := json.Unmarshal(blobJSON, &blob); err != nil {
		return nil, apierr.Wrap(apierr.InvalidInput, "malformed sealed blob", err)
	}

	plaintext, err := Open(blob, symKey, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.InvalidSignature, "snapshot decryption failed", err)
	}

	var data map[string]any
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("vault: unmarshal snapshot payload: %w", err)
	}

	return &DecryptedSnapshot{
		Data:        data,
		StalenessMs: time.Now().UTC().Sub(snap.CreatedAt).Milliseconds(),
	}, nil
}
