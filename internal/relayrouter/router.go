// Package relayrouter implements the Relay Router (C14): the HTTP service
// that accepts capability-enforced envelopes from one sandbox and delivers
// them to another, consulting the Revocation Store (C3) before every
// delivery and triggering a wake (C11) when the target is hibernating.
//
// Grounded on fabric/hub.go's Route() fallback chain (direct route, then
// capability-based, then broadcast, then federated) generalized here to
// the spec's own priority order: an open websocket to the target, else an
// HTTPS callback, else enqueue for later pickup. Endpoint shapes and the
// register/forward/send/pending/ack/snapshots/revoke surface are grounded
// on §6.5-6.8 and mirror relayclient's wire types exactly so client and
// server never drift.
package relayrouter

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ocx/controlplane/internal/apierr"
	"github.com/ocx/controlplane/internal/capability"
	"github.com/ocx/controlplane/internal/cryptoid"
	"github.com/ocx/controlplane/internal/keyrotation"
	"github.com/ocx/controlplane/internal/registry"
	"github.com/ocx/controlplane/internal/relayclient"
	"github.com/ocx/controlplane/internal/snapshot"
	"github.com/ocx/controlplane/internal/wake"
)

// maxClockSkew bounds how far a snapshot-list request's timestamp may
// drift from server time before its signature is rejected as stale or
// forged-in-advance. Mirrors revocation.Service's own tolerance for the
// same class of signed, timestamp-bound request.
const maxClockSkew = 5 * time.Minute

// RevocationChecker is the subset of revocation.Service the router needs.
// Kept as an interface so tests don't need a live Store/debounced save loop.
// *revocation.Service satisfies it directly, so the relay's own /relay/revoke,
// /relay/revocation/{id} and /relay/check-revocations endpoints delegate
// straight to C3's existing handlers instead of reimplementing them.
type RevocationChecker interface {
	ShouldBlock(capabilityID string) bool
	HandleRevoke(w http.ResponseWriter, r *http.Request)
	HandleCheck(w http.ResponseWriter, r *http.Request)
	HandleBatchCheck(w http.ResponseWriter, r *http.Request)
}

// Waker is the subset of wake.Coordinator the router needs: a full Wake
// call (not just WakeTenant) since the response must report whether a
// wake was actually triggered versus the target already being up.
type Waker interface {
	Wake(ctx context.Context, tenantID string, reason wake.Reason) (wake.Result, error)
}

// Service implements the Relay Router's HTTP surface.
type Service struct {
	registry    *registry.Registry
	revocations RevocationChecker
	snapshots   *snapshot.Store
	waker       Waker

	regs     *registrationStore
	conns    *connRegistry
	pending  *pendingQueue
	keyHist  *keyHistoryStore

	callbackClient *http.Client
	logger         *slog.Logger
}

// New builds a Relay Router. waker may be nil, in which case delivery to a
// target that is not running fails with relay_unreachable. snapshots is
// used without a nil check by the snapshot endpoints, so it must be non-nil
// wherever those endpoints are served.
func New(reg *registry.Registry, revocations RevocationChecker, snapshots *snapshot.Store, waker Waker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry:       reg,
		revocations:    revocations,
		snapshots:      snapshots,
		waker:          waker,
		regs:           newRegistrationStore(),
		conns:          newConnRegistry(),
		pending:        newPendingQueue(),
		keyHist:        newKeyHistoryStore(),
		callbackClient: &http.Client{Timeout: callbackTimeout},
		logger:         logger,
	}
}

// RegisterRoutes attaches the full §6.5-6.8 HTTP surface to r, plus the
// websocket connect endpoint the "websocket" delivery method needs.
func (s *Service) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/relay/registry/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/relay/registry/{containerId}", s.handleUpdate).Methods(http.MethodPut)
	r.HandleFunc("/relay/registry/{containerId}", s.handleLookup).Methods(http.MethodGet)
	r.HandleFunc("/relay/connect", s.handleConnectRoute).Methods(http.MethodGet)

	r.HandleFunc("/relay/forward", s.handleForward).Methods(http.MethodPost)
	r.HandleFunc("/relay/send", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/relay/messages/pending", s.handlePending).Methods(http.MethodGet)
	r.HandleFunc("/relay/messages/ack", s.handleAck).Methods(http.MethodPost)

	r.HandleFunc("/relay/snapshots", s.handleSnapshotPut).Methods(http.MethodPost)
	r.HandleFunc("/relay/snapshots/list", s.handleSnapshotList).Methods(http.MethodPost)
	r.HandleFunc("/relay/snapshots/{capabilityId}", s.handleSnapshotGet).Methods(http.MethodGet)
	r.HandleFunc("/relay/snapshots/{capabilityId}", s.handleSnapshotDelete).Methods(http.MethodDelete)

	r.HandleFunc("/relay/revoke", s.handleRevoke).Methods(http.MethodPost)
	r.HandleFunc("/relay/revocation/{capabilityId}", s.handleRevocationCheck).Methods(http.MethodGet)
	r.HandleFunc("/relay/check-revocations", s.handleCheckRevocations).Methods(http.MethodPost)

	r.HandleFunc("/relay/key-rotation", s.handleKeyRotation).Methods(http.MethodPost)
	r.HandleFunc("/relay/keys/{containerId}/history", s.handleKeyHistory).Methods(http.MethodGet)
}

// --- auth ---

// authenticate validates the bearer token against the caller's own
// registered GatewayToken (§6.10: constant time, length mismatch
// short-circuits to false) and returns the authenticated container id.
func (s *Service) authenticate(r *http.Request) (string, error) {
	containerID := r.Header.Get("X-Container-Id")
	if containerID == "" {
		return "", apierr.New(apierr.InvalidInput, "X-Container-Id header required")
	}
	sb, ok := s.registry.Get(containerID)
	if !ok {
		return "", apierr.New(apierr.NotFound, "unknown container")
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(sb.GatewayToken)) != 1 {
		return "", apierr.New(apierr.AuthFailed, "invalid bearer token")
	}
	return containerID, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status, body := apierr.StatusAndBody(err)
	writeJSON(w, status, body)
}

// --- registration ---

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	containerID, err := s.authenticate(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	var req relayclient.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apierr.New(apierr.InvalidInput, "malformed register request body"))
		return
	}
	if req.PublicKey == "" || req.Challenge == "" || req.Signature == "" {
		writeErr(w, apierr.New(apierr.InvalidInput, "publicKey, challenge and signature are required"))
		return
	}

	signPub, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil {
		writeErr(w, apierr.Wrap(apierr.InvalidInput, "publicKey must be base64", err))
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		writeErr(w, apierr.Wrap(apierr.InvalidInput, "signature must be base64", err))
		return
	}
	valid, err := cryptoid.VerifyRaw([]byte(req.Challenge), sig, signPub)
	if err != nil || !valid {
		writeErr(w, apierr.New(apierr.InvalidSignature, "challenge signature does not verify under publicKey"))
		return
	}

	now := time.Now().UTC()
	s.regs.put(Registration{
		ContainerID:         containerID,
		PublicKey:           req.PublicKey,
		EncryptionPublicKey: req.EncryptionPublicKey,
		CallbackURL:         req.CallbackURL,
		RegisteredAt:        now,
		UpdatedAt:           now,
	})

	writeJSON(w, http.StatusOK, map[string]any{"registered": true, "containerId": containerID})
}

func (s *Service) handleUpdate(w http.ResponseWriter, r *http.Request) {
	containerID, err := s.authenticate(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	pathID := mux.Vars(r)["containerId"]
	if pathID != containerID {
		writeErr(w, apierr.New(apierr.AuthFailed, "cannot update another container's registration"))
		return
	}

	reg, ok := s.regs.get(containerID)
	if !ok {
		writeErr(w, apierr.New(apierr.NotFound, "container not registered"))
		return
	}

	var body struct {
		CallbackURL         *string `json:"callbackUrl"`
		EncryptionPublicKey *string `json:"encryptionPublicKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, apierr.New(apierr.InvalidInput, "malformed update request body"))
		return
	}
	if body.CallbackURL != nil {
		reg.CallbackURL = *body.CallbackURL
	}
	if body.EncryptionPublicKey != nil {
		reg.EncryptionPublicKey = *body.EncryptionPublicKey
	}
	reg.UpdatedAt = time.Now().UTC()
	s.regs.put(reg)

	writeJSON(w, http.StatusOK, map[string]any{"updated": true})
}

func (s *Service) handleLookup(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		writeErr(w, err)
		return
	}
	containerID := mux.Vars(r)["containerId"]
	reg, ok := s.regs.get(containerID)
	if !ok {
		writeErr(w, apierr.New(apierr.NotFound, "container not registered"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"containerId":         reg.ContainerID,
		"publicKey":           reg.PublicKey,
		"encryptionPublicKey": reg.EncryptionPublicKey,
		"callbackUrl":         reg.CallbackURL,
	})
}

func (s *Service) handleConnectRoute(w http.ResponseWriter, r *http.Request) {
	containerID, err := s.authenticate(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.HandleConnect(w, r, containerID)
}

// --- forward / send ---

// verifiedCapability holds the decoded, verified claim set and the
// capability id the revocation check and audit log key off.
type verifiedCapability struct {
	claims capability.Claims
}

// verifyCapability implements §4.13 step 2 in full: decode, verify the
// Ed25519 signature embedded in the token (self-certifying — the token
// carries its own issuer key), enforce expiry, enforce audience, and
// apply rotation-aware acceptance against any registration this relay
// knows for the issuer key.
func (s *Service) verifyCapability(token, targetContainerID string, now time.Time) (verifiedCapability, error) {
	claims, sig, err := capability.Decode(token)
	if err != nil {
		return verifiedCapability{}, err
	}

	issPub, err := base64.StdEncoding.DecodeString(claims.Iss)
	if err != nil {
		return verifiedCapability{}, apierr.Wrap(apierr.InvalidInput, "malformed issuer key", err)
	}
	valid, err := capability.VerifySignature(claims, sig, issPub)
	if err != nil {
		return verifiedCapability{}, apierr.Wrap(apierr.InvalidSignature, "capability signature verification error", err)
	}
	if !valid {
		return verifiedCapability{}, apierr.New(apierr.InvalidSignature, "capability signature invalid")
	}
	if !s.regs.acceptIssuerKey(claims.Iss, now) {
		return verifiedCapability{}, apierr.New(apierr.InvalidSignature, "issuer key superseded by rotation")
	}

	if claims.Exp != 0 && now.After(time.UnixMilli(claims.Exp)) {
		return verifiedCapability{}, apierr.New(apierr.Expired, "capability expired")
	}
	if claims.Aud != "" && claims.Aud != targetContainerID {
		return verifiedCapability{}, apierr.New(apierr.ScopeDenied, "capability audience does not match target container")
	}

	return verifiedCapability{claims: claims}, nil
}

// deliver implements §4.13 steps 4-6: resolve the target, wake it if
// hibernating, and attempt delivery in priority order (websocket, then
// callback, then enqueue). It never inspects or logs payload bytes.
func (s *Service) deliver(ctx context.Context, fromContainerID, toContainerID, capabilityID, payload string) (*relayclient.ForwardResult, error) {
	wakeTriggered := false
	if status, ok := s.registry.QuickStatus(toContainerID); ok && status.State != registry.StateRunning {
		if s.waker == nil {
			return nil, apierr.New(apierr.RelayUnreachable, "target is hibernating and no wake coordinator is configured")
		}
		result, err := s.waker.Wake(ctx, toContainerID, wake.ReasonOnRequest)
		if err != nil {
			return nil, apierr.Wrap(apierr.RelayUnreachable, "failed to wake target container", err)
		}
		wakeTriggered = result.Status == "awoke"
	}

	messageID := uuid.NewString()
	env := deliveredEnvelope{
		MessageID: messageID,
		From:      fromContainerID,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}

	s.logger.Info("relay router: delivering", "messageId", messageID, "capabilityId", capabilityID, "from", fromContainerID, "to", toContainerID, "size", len(payload), "wakeTriggered", wakeTriggered)

	if s.conns.deliver(toContainerID, env) {
		return &relayclient.ForwardResult{MessageID: messageID, CapabilityID: capabilityID, Status: "delivered", DeliveryMethod: "websocket", WakeTriggered: wakeTriggered}, nil
	}

	if reg, ok := s.regs.get(toContainerID); ok && reg.CallbackURL != "" {
		if s.deliverCallback(ctx, reg.CallbackURL, env) {
			return &relayclient.ForwardResult{MessageID: messageID, CapabilityID: capabilityID, Status: "delivered", DeliveryMethod: "callback", WakeTriggered: wakeTriggered}, nil
		}
	}

	s.pending.enqueueWithID(messageID, toContainerID, fromContainerID, payload)
	return &relayclient.ForwardResult{MessageID: messageID, CapabilityID: capabilityID, Status: "queued", DeliveryMethod: "pending", WakeTriggered: wakeTriggered}, nil
}

func (s *Service) handleForward(w http.ResponseWriter, r *http.Request) {
	fromContainerID, err := s.authenticate(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	var req relayclient.ForwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apierr.New(apierr.InvalidInput, "malformed forward request body"))
		return
	}
	if req.ToContainerID == "" || req.CapabilityToken == "" {
		writeErr(w, apierr.New(apierr.InvalidInput, "toContainerId and capabilityToken are required"))
		return
	}

	vc, err := s.verifyCapability(req.CapabilityToken, req.ToContainerID, time.Now().UTC())
	if err != nil {
		writeErr(w, err)
		return
	}

	// Revocation check happens after signature/expiry verification but
	// before delivery, per §5's ordering guarantee.
	if s.revocations != nil && s.revocations.ShouldBlock(vc.claims.ID) {
		writeErr(w, apierr.New(apierr.Revoked, "capability has been revoked"))
		return
	}

	result, err := s.deliver(r.Context(), fromContainerID, req.ToContainerID, vc.claims.ID, req.EncryptedPayload)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleSend is the non-capability-enforced path: no token to verify or
// revoke-check, otherwise identical delivery priority chain.
func (s *Service) handleSend(w http.ResponseWriter, r *http.Request) {
	fromContainerID, err := s.authenticate(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	var req relayclient.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apierr.New(apierr.InvalidInput, "malformed send request body"))
		return
	}
	if req.ToContainerID == "" {
		writeErr(w, apierr.New(apierr.InvalidInput, "toContainerId is required"))
		return
	}

	result, err := s.deliver(r.Context(), fromContainerID, req.ToContainerID, "", req.EncryptedPayload)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- pending / ack ---

func (s *Service) handlePending(w http.ResponseWriter, r *http.Request) {
	containerID, err := s.authenticate(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	if ack := r.URL.Query()["ack"]; len(ack) > 0 {
		s.pending.ack(containerID, ack)
	}

	msgs := s.pending.list(containerID, limit)
	out := make([]relayclient.PendingMessage, len(msgs))
	for i, m := range msgs {
		out[i] = relayclient.PendingMessage{ID: m.ID, From: m.From, Payload: m.Payload, Size: m.Size, Timestamp: m.Timestamp}
	}
	writeJSON(w, http.StatusOK, relayclient.PendingResult{Count: len(out), Messages: out})
}

func (s *Service) handleAck(w http.ResponseWriter, r *http.Request) {
	containerID, err := s.authenticate(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	var body struct {
		MessageIDs []string `json:"messageIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, apierr.New(apierr.InvalidInput, "malformed ack request body"))
		return
	}
	s.pending.ack(containerID, body.MessageIDs)
	writeJSON(w, http.StatusOK, map[string]any{"acked": len(body.MessageIDs)})
}

// --- snapshots (proxy to the Snapshot Store, C4) ---

func (s *Service) handleSnapshotPut(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		writeErr(w, err)
		return
	}
	var snap snapshot.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeErr(w, apierr.New(apierr.InvalidInput, "malformed snapshot body"))
		return
	}
	if err := s.snapshots.Put(r.Context(), snap); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stored": true})
}

func (s *Service) handleSnapshotGet(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		writeErr(w, err)
		return
	}
	id := mux.Vars(r)["capabilityId"]
	snap, err := s.snapshots.Get(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if snap == nil {
		writeErr(w, apierr.New(apierr.NotFound, "snapshot absent or expired"))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Service) handleSnapshotDelete(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		writeErr(w, err)
		return
	}
	id := mux.Vars(r)["capabilityId"]
	if err := s.snapshots.Delete(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Service) handleSnapshotList(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RecipientPublicKey string `json:"recipientPublicKey"`
		Signature          string `json:"signature"`
		Timestamp          int64  `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, apierr.New(apierr.InvalidInput, "malformed snapshot list body"))
		return
	}
	recipientPub, err := base64.StdEncoding.DecodeString(body.RecipientPublicKey)
	if err != nil {
		writeErr(w, apierr.Wrap(apierr.InvalidInput, "recipientPublicKey must be base64", err))
		return
	}
	sig, err := base64.StdEncoding.DecodeString(body.Signature)
	if err != nil {
		writeErr(w, apierr.Wrap(apierr.InvalidInput, "signature must be base64", err))
		return
	}
	skew := time.Now().UTC().Sub(time.UnixMilli(body.Timestamp)).Abs()
	if skew > maxClockSkew {
		writeErr(w, apierr.New(apierr.Expired, fmt.Sprintf("snapshot list request timestamp outside clock skew tolerance (%s)", skew)))
		return
	}
	valid, err := cryptoid.VerifyRaw([]byte(strconv.FormatInt(body.Timestamp, 10)), sig, recipientPub)
	if err != nil || !valid {
		writeErr(w, apierr.New(apierr.InvalidSignature, "snapshot list signature invalid"))
		return
	}

	all, err := s.snapshots.List(r.Context(), body.RecipientPublicKey)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": all})
}

// --- revocation (delegates to the Revocation Service, C3) ---

func (s *Service) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if s.revocations == nil {
		writeErr(w, apierr.New(apierr.NotFound, "no revocation service configured"))
		return
	}
	s.revocations.HandleRevoke(w, r)
}

func (s *Service) handleRevocationCheck(w http.ResponseWriter, r *http.Request) {
	if s.revocations == nil {
		writeErr(w, apierr.New(apierr.NotFound, "no revocation service configured"))
		return
	}
	s.revocations.HandleCheck(w, r)
}

func (s *Service) handleCheckRevocations(w http.ResponseWriter, r *http.Request) {
	if s.revocations == nil {
		writeErr(w, apierr.New(apierr.NotFound, "no revocation service configured"))
		return
	}
	s.revocations.HandleBatchCheck(w, r)
}

// --- key rotation ---

// signedRotationFields mirrors keyrotation's unexported signedNotificationFields
// exactly (same fields, same json tags, same order): the signature covers
// the notification with Sig absent entirely, not zeroed, so verification
// must canonicalize the identical shape the signer used.
type signedRotationFields struct {
	Type                  string    `json:"type"`
	OldKeyID              string    `json:"oldKeyId"`
	NewKeyID              string    `json:"newKeyId"`
	NewPub                string    `json:"newPub"`
	NewEncPub             string    `json:"newEncPub"`
	TransitionEndsAt      time.Time `json:"transitionEndsAt"`
	AffectedCapabilityIDs []string  `json:"affectedCapabilityIds"`
	Timestamp             int64     `json:"timestamp"`
}

func (s *Service) handleKeyRotation(w http.ResponseWriter, r *http.Request) {
	containerID, err := s.authenticate(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	var notif keyrotation.RotationNotification
	if err := json.NewDecoder(r.Body).Decode(&notif); err != nil {
		writeErr(w, apierr.New(apierr.InvalidInput, "malformed rotation notification body"))
		return
	}

	newPub, err := base64.StdEncoding.DecodeString(notif.NewPub)
	if err != nil {
		writeErr(w, apierr.Wrap(apierr.InvalidInput, "malformed newPub", err))
		return
	}
	sig, err := base64.StdEncoding.DecodeString(notif.Sig)
	if err != nil {
		writeErr(w, apierr.Wrap(apierr.InvalidInput, "malformed sig", err))
		return
	}
	// keyrotation.Manager signs a fields-only struct with no Sig field at
	// all (not this RotationNotification with Sig blanked out), so the
	// verified payload must mirror that exact shape and field order.
	unsigned := signedRotationFields{
		Type:                  notif.Type,
		OldKeyID:              notif.OldKeyID,
		NewKeyID:              notif.NewKeyID,
		NewPub:                notif.NewPub,
		NewEncPub:             notif.NewEncPub,
		TransitionEndsAt:      notif.TransitionEndsAt,
		AffectedCapabilityIDs: notif.AffectedCapabilityIDs,
		Timestamp:             notif.Timestamp,
	}
	valid, err := cryptoid.Verify(unsigned, sig, newPub)
	if err != nil || !valid {
		writeErr(w, apierr.New(apierr.InvalidSignature, "rotation notification signature invalid"))
		return
	}

	reg, ok := s.regs.get(containerID)
	if ok && reg.PublicKey != "" {
		if cryptoid.KeyID(mustDecodeB64(reg.PublicKey)) != notif.OldKeyID {
			writeErr(w, apierr.New(apierr.InvalidInput, "oldKeyId does not match container's registered key"))
			return
		}
	}

	now := time.Now().UTC()
	s.regs.applyRotation(containerID, notif.NewPub, notif.TransitionEndsAt, now)
	s.keyHist.record(containerID, notif)

	writeJSON(w, http.StatusOK, map[string]any{"accepted": true})
}

func (s *Service) handleKeyHistory(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		writeErr(w, err)
		return
	}
	containerID := mux.Vars(r)["containerId"]
	writeJSON(w, http.StatusOK, map[string]any{"history": s.keyHist.list(containerID)})
}

func mustDecodeB64(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}
