package revocation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/controlplane/internal/cryptoid"
)

func newTestService(t *testing.T) (*Service, *cryptoid.Identity) {
	t.Helper()
	store := newTestStore(t)
	id, err := cryptoid.Generate(1, 1000)
	require.NoError(t, err)
	return NewService(store, func() time.Time { return time.UnixMilli(1_000_000) }), id
}

func signRevoke(t *testing.T, id *cryptoid.Identity, req RevokeRequest) RevokeRequest {
	t.Helper()
	payload := signedPayload{
		Action:         req.Action,
		CapabilityID:   req.CapabilityID,
		RevokedBy:      req.RevokedBy,
		Reason:         req.Reason,
		OriginalExpiry: req.OriginalExpiry,
		Timestamp:      req.Timestamp,
	}
	sig, err := cryptoid.Sign(payload, id.SignPriv)
	require.NoError(t, err)
	req.Sig = base64.StdEncoding.EncodeToString(sig)
	return req
}

func TestService_HandleRevoke_AcceptsValidSignedRequest(t *testing.T) {
	svc, id := newTestService(t)
	req := RevokeRequest{
		Action:       "revoke",
		CapabilityID: "cap-1",
		RevokedBy:    base64.StdEncoding.EncodeToString(id.SignPub),
		Timestamp:    1_000_000,
	}
	req = signRevoke(t, id, req)

	body, _ := json.Marshal(req)
	r := httptest.NewRequest(http.MethodPost, "/v1/revocations", bytes.NewReader(body))
	w := httptest.NewRecorder()
	svc.HandleRevoke(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, svc.ShouldBlock("cap-1"))
}

func TestService_HandleRevoke_RejectsTamperedSignature(t *testing.T) {
	svc, id := newTestService(t)
	req := RevokeRequest{
		Action:       "revoke",
		CapabilityID: "cap-1",
		RevokedBy:    base64.StdEncoding.EncodeToString(id.SignPub),
		Timestamp:    1_000_000,
	}
	req = signRevoke(t, id, req)
	req.CapabilityID = "cap-2" // tamper after signing

	body, _ := json.Marshal(req)
	r := httptest.NewRequest(http.MethodPost, "/v1/revocations", bytes.NewReader(body))
	w := httptest.NewRecorder()
	svc.HandleRevoke(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, svc.ShouldBlock("cap-2"))
}

func TestService_HandleRevoke_RejectsStaleTimestamp(t *testing.T) {
	svc, id := newTestService(t)
	req := RevokeRequest{
		Action:       "revoke",
		CapabilityID: "cap-1",
		RevokedBy:    base64.StdEncoding.EncodeToString(id.SignPub),
		Timestamp:    1_000_000 - int64(10*time.Minute/time.Millisecond),
	}
	req = signRevoke(t, id, req)

	body, _ := json.Marshal(req)
	r := httptest.NewRequest(http.MethodPost, "/v1/revocations", bytes.NewReader(body))
	w := httptest.NewRecorder()
	svc.HandleRevoke(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestService_HandleRevoke_RejectsMissingFields(t *testing.T) {
	svc, _ := newTestService(t)
	body, _ := json.Marshal(RevokeRequest{Action: "revoke"})
	r := httptest.NewRequest(http.MethodPost, "/v1/revocations", bytes.NewReader(body))
	w := httptest.NewRecorder()
	svc.HandleRevoke(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestService_HandleCheck_ReturnsRevocationStatus(t *testing.T) {
	svc, id := newTestService(t)
	require.NoError(t, svc.store.Revoke(context.Background(), "cap-1", base64.StdEncoding.EncodeToString(id.SignPub), "", nil))

	router := mux.NewRouter()
	svc.RegisterRoutes(router)

	r := httptest.NewRequest(http.MethodGet, "/v1/revocations/cap-1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["revoked"])
}

func TestService_HandleBatchCheck(t *testing.T) {
	svc, id := newTestService(t)
	require.NoError(t, svc.store.Revoke(context.Background(), "cap-1", base64.StdEncoding.EncodeToString(id.SignPub), "", nil))

	body, _ := json.Marshal(BatchCheckRequest{CapabilityIDs: []string{"cap-1", "cap-unknown"}})
	r := httptest.NewRequest(http.MethodPost, "/v1/revocations/check", bytes.NewReader(body))
	w := httptest.NewRecorder()
	svc.HandleBatchCheck(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, svc.ShouldBlockAny([]string{"cap-unknown", "cap-1"}))
	assert.False(t, svc.ShouldBlockAny([]string{"cap-unknown", "cap-other"}))
}
