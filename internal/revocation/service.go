package revocation

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/ocx/controlplane/internal/apierr"
	"github.com/ocx/controlplane/internal/audit"
	"github.com/ocx/controlplane/internal/cryptoid"
)

// maxClockSkew bounds how far a revoke request's timestamp may drift from
// server time before it is rejected as stale or forged-in-advance.
const maxClockSkew = 5 * time.Minute

// RevokeRequest is the signed payload a revoker submits. The signature
// covers exactly these fields (action pinned to "revoke") under RevokedBy,
// the base64 signing public key of the revoker.
type RevokeRequest struct {
	Action         string  `json:"action"`
	CapabilityID   string  `json:"capabilityId"`
	RevokedBy      string  `json:"revokedBy"`
	Reason         string  `json:"reason,omitempty"`
	OriginalExpiry *int64  `json:"originalExpiry,omitempty"` // unix millis
	Timestamp      int64   `json:"timestamp"`                // unix millis
	Sig            string  `json:"sig"`                      // base64 signature, detached
}

// signedPayload is what the signature actually covers: the request with sig
// stripped out, so that Verify recomputes the same bytes the signer did.
type signedPayload struct {
	Action         string `json:"action"`
	CapabilityID   string `json:"capabilityId"`
	RevokedBy      string `json:"revokedBy"`
	Reason         string `json:"reason,omitempty"`
	OriginalExpiry *int64 `json:"originalExpiry,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// Service exposes the HTTP surface for revocation: submitting signed revoke
// requests and checking revocation status, backed by a Store.
type Service struct {
	store *Store
	now   func() time.Time
	audit audit.Emitter
}

// NewService constructs a Service. now defaults to time.Now when nil, and
// is overridable in tests for deterministic clock-skew assertions.
func NewService(store *Store, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, now: now, audit: audit.NoopEmitter{}}
}

// SetAudit wires the structured audit sink every successful revocation
// emits to. Defaults to a no-op.
func (s *Service) SetAudit(e audit.Emitter) {
	if e == nil {
		e = audit.NoopEmitter{}
	}
	s.audit = e
}

// HandleRevoke verifies and applies a signed revocation request.
// POST /v1/revocations
func (s *Service) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apierr.New(apierr.InvalidInput, "malformed revoke request body"))
		return
	}

	if err := s.verifyRevokeRequest(req); err != nil {
		writeErr(w, err)
		return
	}

	var expiry *time.Time
	if req.OriginalExpiry != nil {
		t := time.UnixMilli(*req.OriginalExpiry)
		expiry = &t
	}

	if err := s.store.Revoke(r.Context(), req.CapabilityID, req.RevokedBy, req.Reason, expiry); err != nil {
		writeErr(w, apierr.Wrap(apierr.InvalidInput, "revoke failed", err))
		return
	}

	s.audit.Emit(audit.TypeCapabilityRevoked, "revocation-service", req.CapabilityID, "", map[string]any{
		"revokedBy": req.RevokedBy,
		"reason":    req.Reason,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"revoked": true, "capabilityId": req.CapabilityID})
}

// verifyRevokeRequest checks required fields, clock skew, and the Ed25519
// signature over the pinned {action:"revoke", ...} payload.
func (s *Service) verifyRevokeRequest(req RevokeRequest) error {
	if req.Action != "revoke" {
		return apierr.New(apierr.InvalidInput, "action must be \"revoke\"")
	}
	if req.CapabilityID == "" || req.RevokedBy == "" || req.Sig == "" {
		return apierr.New(apierr.InvalidInput, "capabilityId, revokedBy and sig are required")
	}
	if req.Timestamp == 0 {
		return apierr.New(apierr.InvalidInput, "timestamp is required")
	}

	skew := s.now().UTC().Sub(time.UnixMilli(req.Timestamp)).Abs()
	if skew > maxClockSkew {
		return apierr.New(apierr.Expired, fmt.Sprintf("revoke request timestamp outside clock skew tolerance (%s)", skew))
	}

	signPub, err := base64.StdEncoding.DecodeString(req.RevokedBy)
	if err != nil {
		return apierr.Wrap(apierr.InvalidInput, "revokedBy must be base64", err)
	}
	sig, err := base64.StdEncoding.DecodeString(req.Sig)
	if err != nil {
		return apierr.Wrap(apierr.InvalidInput, "sig must be base64", err)
	}

	payload := signedPayload{
		Action:         req.Action,
		CapabilityID:   req.CapabilityID,
		RevokedBy:      req.RevokedBy,
		Reason:         req.Reason,
		OriginalExpiry: req.OriginalExpiry,
		Timestamp:      req.Timestamp,
	}
	valid, err := cryptoid.Verify(payload, sig, signPub)
	if err != nil {
		return apierr.Wrap(apierr.InvalidSignature, "signature verification error", err)
	}
	if !valid {
		return apierr.New(apierr.InvalidSignature, "revoke request signature invalid")
	}
	return nil
}

// HandleCheck answers whether a single capability id is revoked.
// GET /v1/revocations/{capabilityId}
func (s *Service) HandleCheck(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["capabilityId"]
	result := s.store.IsRevoked(id)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"capabilityId": id,
		"revoked":      result.Revoked,
		"source":       result.Source,
		"record":       result.Record,
	})
}

// BatchCheckRequest carries multiple capability ids for one round trip.
type BatchCheckRequest struct {
	CapabilityIDs []string `json:"capabilityIds"`
}

// HandleBatchCheck answers revocation status for many ids at once.
// POST /v1/revocations/check
func (s *Service) HandleBatchCheck(w http.ResponseWriter, r *http.Request) {
	var req BatchCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apierr.New(apierr.InvalidInput, "malformed batch check body"))
		return
	}

	results := make(map[string]LookupResult, len(req.CapabilityIDs))
	for _, id := range req.CapabilityIDs {
		results[id] = s.store.IsRevoked(id)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"results": results})
}

// ShouldBlock is the single-id guard the relay (C14) consults before
// forwarding a message under a capability.
func (s *Service) ShouldBlock(capabilityID string) bool {
	return s.store.IsRevoked(capabilityID).Revoked
}

// ShouldBlockAny reports whether any of the given capability ids are
// revoked, short-circuiting on the first hit.
func (s *Service) ShouldBlockAny(capabilityIDs []string) bool {
	for _, id := range capabilityIDs {
		if s.store.IsRevoked(id).Revoked {
			return true
		}
	}
	return false
}

// RegisterRoutes attaches the revocation HTTP surface to r.
func (s *Service) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/revocations", s.HandleRevoke).Methods(http.MethodPost)
	r.HandleFunc("/v1/revocations/check", s.HandleBatchCheck).Methods(http.MethodPost)
	r.HandleFunc("/v1/revocations/{capabilityId}", s.HandleCheck).Methods(http.MethodGet)
}

func writeErr(w http.ResponseWriter, err error) {
	status, body := apierr.StatusAndBody(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
