package relayrouter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/controlplane/internal/capability"
	"github.com/ocx/controlplane/internal/cryptoid"
	"github.com/ocx/controlplane/internal/keyrotation"
	"github.com/ocx/controlplane/internal/registry"
	"github.com/ocx/controlplane/internal/revocation"
	"github.com/ocx/controlplane/internal/sandboxrt"
	"github.com/ocx/controlplane/internal/snapshot"
	"github.com/ocx/controlplane/internal/wake"
)

// fakeWaker lets tests assert whether Wake was actually invoked without
// standing up a real Coordinator/runtime.
type fakeWaker struct {
	called bool
	result wake.Result
	err    error
}

func (f *fakeWaker) Wake(ctx context.Context, tenantID string, reason wake.Reason) (wake.Result, error) {
	f.called = true
	return f.result, f.err
}

func newTestRevocationService(t *testing.T) *revocation.Service {
	t.Helper()
	backend := revocation.NewMemoryBackend()
	store, err := revocation.NewStore(context.Background(), backend, 1000, 0.001, 20*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return revocation.NewService(store, nil)
}

// testHarness bundles a Service with everything a test needs to register a
// sandbox, register it with the relay, and sign capability tokens for it.
type testHarness struct {
	svc      *Service
	reg      *registry.Registry
	waker    *fakeWaker
	server   *httptest.Server
	identity *cryptoid.Identity
}

func newTestHarness(t *testing.T, containerID, gatewayToken string) *testHarness {
	t.Helper()
	reg := registry.New()
	reg.UpsertOnScan(containerID, sandboxrt.Handle(containerID), 0, gatewayToken, registry.StateRunning)

	revSvc := newTestRevocationService(t)
	snapStore := snapshot.NewStore(snapshot.NewMemoryBackend())
	waker := &fakeWaker{result: wake.Result{Status: "awoke"}}

	svc := New(reg, revSvc, snapStore, waker, slog.Default())

	r := mux.NewRouter()
	svc.RegisterRoutes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	id, err := cryptoid.Generate(1, time.Now().UnixMilli())
	require.NoError(t, err)

	return &testHarness{svc: svc, reg: reg, waker: waker, server: server, identity: id}
}

func (h *testHarness) do(t *testing.T, method, path, containerID, token string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.server.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("X-Container-Id", containerID)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.server.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func registerContainer(t *testing.T, h *testHarness, containerID, token string) {
	t.Helper()
	challenge := "challenge-" + containerID
	sig, err := cryptoid.SignRaw([]byte(challenge), h.identity.SignPriv)
	require.NoError(t, err)

	resp := h.do(t, http.MethodPost, "/relay/registry/register", containerID, token, map[string]any{
		"publicKey": base64.StdEncoding.EncodeToString(h.identity.SignPub),
		"challenge": challenge,
		"signature": base64.StdEncoding.EncodeToString(sig),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func signCapability(t *testing.T, issuer *cryptoid.Identity, claims capability.Claims) string {
	t.Helper()
	claims.Iss = base64.StdEncoding.EncodeToString(issuer.SignPub)
	token, err := capability.Encode(claims, issuer.SignPriv)
	require.NoError(t, err)
	return token
}

func TestRegisterLookupUpdateRoundTrip(t *testing.T) {
	h := newTestHarness(t, "c1", "tok-1")
	registerContainer(t, h, "c1", "tok-1")

	resp := h.do(t, http.MethodGet, "/relay/registry/c1", "c1", "tok-1", nil)
	body := decodeBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "c1", body["containerId"])
	assert.Equal(t, base64.StdEncoding.EncodeToString(h.identity.SignPub), body["publicKey"])

	resp = h.do(t, http.MethodPut, "/relay/registry/c1", "c1", "tok-1", map[string]any{
		"callbackUrl": "https://example.test/callback",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = h.do(t, http.MethodGet, "/relay/registry/c1", "c1", "tok-1", nil)
	body = decodeBody(t, resp)
	assert.Equal(t, "https://example.test/callback", body["callbackUrl"])
}

func TestHandleForward_DeliversOverWebsocket(t *testing.T) {
	h := newTestHarness(t, "sender", "tok-sender")
	h.reg.UpsertOnScan("recipient", sandboxrt.Handle("recipient"), 0, "tok-recipient", registry.StateRunning)
	registerContainer(t, h, "sender", "tok-sender")

	wsURL := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/relay/connect"
	hdr := http.Header{}
	hdr.Set("X-Container-Id", "recipient")
	hdr.Set("Authorization", "Bearer tok-recipient")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, hdr)
	require.NoError(t, err)
	defer conn.Close()

	// Give the server a moment to register the connection before forwarding.
	time.Sleep(20 * time.Millisecond)

	claims := capability.Claims{
		V: 1, ID: "cap-1", Sub: "sender", Resource: "res", Scope: []capability.Permission{capability.PermRead},
		Iat: time.Now().UnixMilli(), Exp: time.Now().Add(time.Hour).UnixMilli(),
	}
	token := signCapability(t, h.identity, claims)

	resp := h.do(t, http.MethodPost, "/relay/forward", "sender", "tok-sender", map[string]any{
		"toContainerId":   "recipient",
		"capabilityToken": token,
		"encryptedPayload": "ciphertext",
	})
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "delivered", body["status"])
	assert.Equal(t, "websocket", body["deliveryMethod"])

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env deliveredEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "sender", env.From)
	assert.Equal(t, "ciphertext", env.Payload)
}

func TestHandleForward_FallsBackToCallback(t *testing.T) {
	received := make(chan deliveredEnvelope, 1)
	cbServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env deliveredEnvelope
		json.NewDecoder(r.Body).Decode(&env)
		received <- env
		w.WriteHeader(http.StatusOK)
	}))
	defer cbServer.Close()

	h := newTestHarness(t, "sender", "tok-sender")
	h.reg.UpsertOnScan("recipient", sandboxrt.Handle("recipient"), 0, "tok-recipient", registry.StateRunning)
	registerContainer(t, h, "sender", "tok-sender")

	recipientID, err := cryptoid.Generate(1, time.Now().UnixMilli())
	require.NoError(t, err)
	challenge := "challenge-recipient"
	sig, err := cryptoid.SignRaw([]byte(challenge), recipientID.SignPriv)
	require.NoError(t, err)
	resp := h.do(t, http.MethodPost, "/relay/registry/register", "recipient", "tok-recipient", map[string]any{
		"publicKey":   base64.StdEncoding.EncodeToString(recipientID.SignPub),
		"challenge":   challenge,
		"signature":   base64.StdEncoding.EncodeToString(sig),
		"callbackUrl": cbServer.URL,
	})
	resp.Body.Close()
	resp = h.do(t, http.MethodPut, "/relay/registry/recipient", "recipient", "tok-recipient", map[string]any{
		"callbackUrl": cbServer.URL,
	})
	resp.Body.Close()

	claims := capability.Claims{
		V: 1, ID: "cap-2", Sub: "sender", Resource: "res", Scope: []capability.Permission{capability.PermRead},
		Iat: time.Now().UnixMilli(), Exp: time.Now().Add(time.Hour).UnixMilli(),
	}
	token := signCapability(t, h.identity, claims)

	resp = h.do(t, http.MethodPost, "/relay/forward", "sender", "tok-sender", map[string]any{
		"toContainerId":    "recipient",
		"capabilityToken":  token,
		"encryptedPayload": "ciphertext-2",
	})
	body := decodeBody(t, resp)
	assert.Equal(t, "delivered", body["status"])
	assert.Equal(t, "callback", body["deliveryMethod"])

	select {
	case env := <-received:
		assert.Equal(t, "ciphertext-2", env.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("callback never received")
	}
}

func TestHandleForward_FallsBackToPendingAndAcks(t *testing.T) {
	h := newTestHarness(t, "sender", "tok-sender")
	h.reg.UpsertOnScan("recipient", sandboxrt.Handle("recipient"), 0, "tok-recipient", registry.StateRunning)
	registerContainer(t, h, "sender", "tok-sender")

	claims := capability.Claims{
		V: 1, ID: "cap-3", Sub: "sender", Resource: "res", Scope: []capability.Permission{capability.PermRead},
		Iat: time.Now().UnixMilli(), Exp: time.Now().Add(time.Hour).UnixMilli(),
	}
	token := signCapability(t, h.identity, claims)

	resp := h.do(t, http.MethodPost, "/relay/forward", "sender", "tok-sender", map[string]any{
		"toContainerId":    "recipient",
		"capabilityToken":  token,
		"encryptedPayload": "ciphertext-3",
	})
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "pending", body["deliveryMethod"])
	messageID, _ := body["messageId"].(string)
	require.NotEmpty(t, messageID)

	resp = h.do(t, http.MethodGet, "/relay/messages/pending", "recipient", "tok-recipient", nil)
	pending := decodeBody(t, resp)
	assert.EqualValues(t, 1, pending["count"])

	resp = h.do(t, http.MethodPost, "/relay/messages/ack", "recipient", "tok-recipient", map[string]any{
		"messageIds": []string{messageID},
	})
	ackBody := decodeBody(t, resp)
	assert.EqualValues(t, 1, ackBody["acked"])

	resp = h.do(t, http.MethodGet, "/relay/messages/pending", "recipient", "tok-recipient", nil)
	pending = decodeBody(t, resp)
	assert.EqualValues(t, 0, pending["count"])
}

func TestHandleForward_RejectsRevokedCapability(t *testing.T) {
	h := newTestHarness(t, "sender", "tok-sender")
	h.reg.UpsertOnScan("recipient", sandboxrt.Handle("recipient"), 0, "tok-recipient", registry.StateRunning)
	registerContainer(t, h, "sender", "tok-sender")

	claims := capability.Claims{
		V: 1, ID: "cap-revoked", Sub: "sender", Resource: "res", Scope: []capability.Permission{capability.PermRead},
		Iat: time.Now().UnixMilli(), Exp: time.Now().Add(time.Hour).UnixMilli(),
	}
	token := signCapability(t, h.identity, claims)

	revokeReq := map[string]any{
		"action":       "revoke",
		"capabilityId": "cap-revoked",
		"revokedBy":    base64.StdEncoding.EncodeToString(h.identity.SignPub),
		"timestamp":    time.Now().UnixMilli(),
	}
	sig := signRevokePayload(t, h.identity, revokeReq)
	revokeReq["sig"] = sig
	data, _ := json.Marshal(revokeReq)
	revokeResp, err := http.Post(h.server.URL+"/relay/revoke", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, revokeResp.StatusCode)
	revokeResp.Body.Close()

	resp := h.do(t, http.MethodPost, "/relay/forward", "sender", "tok-sender", map[string]any{
		"toContainerId":    "recipient",
		"capabilityToken":  token,
		"encryptedPayload": "ciphertext",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "revoked", body["error"])
}

// signRevokePayload mirrors revocation.Service's pinned {action,...} payload
// shape closely enough for this test's purposes: field presence and order
// only need to match what verifyRevokeRequest recomputes.
func signRevokePayload(t *testing.T, id *cryptoid.Identity, req map[string]any) string {
	t.Helper()
	payload := struct {
		Action       string `json:"action"`
		CapabilityID string `json:"capabilityId"`
		RevokedBy    string `json:"revokedBy"`
		Timestamp    int64  `json:"timestamp"`
	}{
		Action:       req["action"].(string),
		CapabilityID: req["capabilityId"].(string),
		RevokedBy:    req["revokedBy"].(string),
		Timestamp:    req["timestamp"].(int64),
	}
	sig, err := cryptoid.Sign(payload, id.SignPriv)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

func TestHandleForward_RejectsExpiredCapability(t *testing.T) {
	h := newTestHarness(t, "sender", "tok-sender")
	h.reg.UpsertOnScan("recipient", sandboxrt.Handle("recipient"), 0, "tok-recipient", registry.StateRunning)
	registerContainer(t, h, "sender", "tok-sender")

	claims := capability.Claims{
		V: 1, ID: "cap-expired", Sub: "sender", Resource: "res", Scope: []capability.Permission{capability.PermRead},
		Iat: time.Now().Add(-2 * time.Hour).UnixMilli(), Exp: time.Now().Add(-time.Hour).UnixMilli(),
	}
	token := signCapability(t, h.identity, claims)

	resp := h.do(t, http.MethodPost, "/relay/forward", "sender", "tok-sender", map[string]any{
		"toContainerId":    "recipient",
		"capabilityToken":  token,
		"encryptedPayload": "ciphertext",
	})
	body := decodeBody(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "expired", body["error"])
}

func TestHandleForward_RejectsWrongAudience(t *testing.T) {
	h := newTestHarness(t, "sender", "tok-sender")
	h.reg.UpsertOnScan("recipient", sandboxrt.Handle("recipient"), 0, "tok-recipient", registry.StateRunning)
	registerContainer(t, h, "sender", "tok-sender")

	claims := capability.Claims{
		V: 1, ID: "cap-aud", Sub: "sender", Resource: "res", Scope: []capability.Permission{capability.PermRead},
		Iat: time.Now().UnixMilli(), Exp: time.Now().Add(time.Hour).UnixMilli(), Aud: "someone-else",
	}
	token := signCapability(t, h.identity, claims)

	resp := h.do(t, http.MethodPost, "/relay/forward", "sender", "tok-sender", map[string]any{
		"toContainerId":    "recipient",
		"capabilityToken":  token,
		"encryptedPayload": "ciphertext",
	})
	body := decodeBody(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "scope_denied", body["error"])
}

func TestHandleForward_WakesHibernatingTarget(t *testing.T) {
	h := newTestHarness(t, "sender", "tok-sender")
	h.reg.UpsertOnScan("recipient", sandboxrt.Handle("recipient"), 0, "tok-recipient", registry.StatePaused)
	registerContainer(t, h, "sender", "tok-sender")

	claims := capability.Claims{
		V: 1, ID: "cap-wake", Sub: "sender", Resource: "res", Scope: []capability.Permission{capability.PermRead},
		Iat: time.Now().UnixMilli(), Exp: time.Now().Add(time.Hour).UnixMilli(),
	}
	token := signCapability(t, h.identity, claims)

	resp := h.do(t, http.MethodPost, "/relay/forward", "sender", "tok-sender", map[string]any{
		"toContainerId":    "recipient",
		"capabilityToken":  token,
		"encryptedPayload": "ciphertext",
	})
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, h.waker.called)
	assert.Equal(t, true, body["wakeTriggered"])
}

// rotate posts a signed key-rotation notice for containerID from oldIdentity
// to newIdentity, with the given transition deadline.
func rotate(t *testing.T, h *testHarness, containerID, token string, oldIdentity, newIdentity *cryptoid.Identity, transitionEndsAt time.Time) {
	t.Helper()
	fields := signedRotationFields{
		Type: "key_rotation", OldKeyID: oldIdentity.KeyID, NewKeyID: newIdentity.KeyID,
		NewPub:           base64.StdEncoding.EncodeToString(newIdentity.SignPub),
		NewEncPub:        base64.StdEncoding.EncodeToString(newIdentity.EncPub),
		TransitionEndsAt: transitionEndsAt, Timestamp: time.Now().UnixMilli(),
	}
	sig, err := cryptoid.Sign(fields, newIdentity.SignPriv)
	require.NoError(t, err)

	notif := keyrotation.RotationNotification{
		Type: fields.Type, OldKeyID: fields.OldKeyID, NewKeyID: fields.NewKeyID, NewPub: fields.NewPub,
		NewEncPub: fields.NewEncPub, TransitionEndsAt: fields.TransitionEndsAt, Timestamp: fields.Timestamp,
		Sig: base64.StdEncoding.EncodeToString(sig),
	}
	resp := h.do(t, http.MethodPost, "/relay/key-rotation", containerID, token, notif)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestRotationAwareAcceptance_WithinTransitionWindow(t *testing.T) {
	h := newTestHarness(t, "sender", "tok-sender")
	h.reg.UpsertOnScan("recipient", sandboxrt.Handle("recipient"), 0, "tok-recipient", registry.StateRunning)
	registerContainer(t, h, "sender", "tok-sender")

	oldIdentity := h.identity
	newIdentity, err := cryptoid.Generate(2, time.Now().UnixMilli())
	require.NoError(t, err)

	oldClaims := capability.Claims{
		V: 1, ID: "cap-old-1", Sub: "sender", Resource: "res", Scope: []capability.Permission{capability.PermRead},
		Iat: time.Now().UnixMilli(), Exp: time.Now().Add(time.Hour).UnixMilli(),
	}
	oldToken := signCapability(t, oldIdentity, oldClaims)

	rotate(t, h, "sender", "tok-sender", oldIdentity, newIdentity, time.Now().Add(time.Hour))

	resp := h.do(t, http.MethodPost, "/relay/forward", "sender", "tok-sender", map[string]any{
		"toContainerId": "recipient", "capabilityToken": oldToken, "encryptedPayload": "x",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode, "superseded key within transition window must still be accepted")
	resp.Body.Close()

	resp = h.do(t, http.MethodGet, "/relay/keys/sender/history", "sender", "tok-sender", nil)
	histBody := decodeBody(t, resp)
	history, ok := histBody["history"].([]any)
	require.True(t, ok)
	assert.Len(t, history, 1)
}

func TestRotationAwareAcceptance_OutsideTransitionWindow(t *testing.T) {
	h := newTestHarness(t, "sender", "tok-sender")
	h.reg.UpsertOnScan("recipient", sandboxrt.Handle("recipient"), 0, "tok-recipient", registry.StateRunning)
	registerContainer(t, h, "sender", "tok-sender")

	oldIdentity := h.identity
	newIdentity, err := cryptoid.Generate(2, time.Now().UnixMilli())
	require.NoError(t, err)

	oldClaims := capability.Claims{
		V: 1, ID: "cap-old-2", Sub: "sender", Resource: "res", Scope: []capability.Permission{capability.PermRead},
		Iat: time.Now().UnixMilli(), Exp: time.Now().Add(time.Hour).UnixMilli(),
	}
	oldToken := signCapability(t, oldIdentity, oldClaims)

	rotate(t, h, "sender", "tok-sender", oldIdentity, newIdentity, time.Now().Add(-time.Minute))

	resp := h.do(t, http.MethodPost, "/relay/forward", "sender", "tok-sender", map[string]any{
		"toContainerId": "recipient", "capabilityToken": oldToken, "encryptedPayload": "x",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "superseded key past its transition window must be rejected")
}

func TestSnapshotCRUDAndList(t *testing.T) {
	h := newTestHarness(t, "issuer", "tok-issuer")

	recipient, err := cryptoid.Generate(1, time.Now().UnixMilli())
	require.NoError(t, err)

	ephemeralPriv, ephemeralPub, err := cryptoid.GenerateX25519()
	require.NoError(t, err)
	_ = ephemeralPriv
	sig, err := snapshot.Sign("cap-snap", "ciphertext", base64.StdEncoding.EncodeToString(ephemeralPub), h.identity.SignPriv)
	require.NoError(t, err)

	snap := snapshot.Snapshot{
		CapabilityID:  "cap-snap",
		EncryptedData: "ciphertext",
		EphemeralPub:  base64.StdEncoding.EncodeToString(ephemeralPub),
		IssuerPub:     base64.StdEncoding.EncodeToString(h.identity.SignPub),
		SubjectPub:    base64.StdEncoding.EncodeToString(recipient.SignPub),
		Sig:           base64.StdEncoding.EncodeToString(sig),
		ExpiresAt:     time.Now().Add(time.Hour),
	}

	resp := h.do(t, http.MethodPost, "/relay/snapshots", "issuer", "tok-issuer", snap)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = h.do(t, http.MethodGet, "/relay/snapshots/cap-snap", "issuer", "tok-issuer", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	listTimestamp := time.Now().UnixMilli()
	listSig, err := cryptoid.SignRaw([]byte(itoa(listTimestamp)), recipient.SignPriv)
	require.NoError(t, err)
	listResp, err := http.Post(h.server.URL+"/relay/snapshots/list", "application/json", bytes.NewReader(mustJSON(t, map[string]any{
		"recipientPublicKey": base64.StdEncoding.EncodeToString(recipient.SignPub),
		"signature":          base64.StdEncoding.EncodeToString(listSig),
		"timestamp":          listTimestamp,
	})))
	require.NoError(t, err)
	listBody := decodeBody(t, listResp)
	snaps, ok := listBody["snapshots"].([]any)
	require.True(t, ok)
	assert.Len(t, snaps, 1)

	resp = h.do(t, http.MethodDelete, "/relay/snapshots/cap-snap", "issuer", "tok-issuer", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = h.do(t, http.MethodGet, "/relay/snapshots/cap-snap", "issuer", "tok-issuer", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRevocationDelegation(t *testing.T) {
	h := newTestHarness(t, "issuer", "tok-issuer")

	revokeReq := map[string]any{
		"action":       "revoke",
		"capabilityId": "cap-del",
		"revokedBy":    base64.StdEncoding.EncodeToString(h.identity.SignPub),
		"timestamp":    time.Now().UnixMilli(),
	}
	revokeReq["sig"] = signRevokePayload(t, h.identity, revokeReq)
	resp, err := http.Post(h.server.URL+"/relay/revoke", "application/json", bytes.NewReader(mustJSON(t, revokeReq)))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	checkResp, err := http.Get(h.server.URL + "/relay/revocation/cap-del")
	require.NoError(t, err)
	checkBody := decodeBody(t, checkResp)
	assert.Equal(t, true, checkBody["revoked"])

	batchResp, err := http.Post(h.server.URL+"/relay/check-revocations", "application/json", bytes.NewReader(mustJSON(t, map[string]any{
		"capabilityIds": []string{"cap-del", "cap-unknown"},
	})))
	require.NoError(t, err)
	batchBody := decodeBody(t, batchResp)
	results, ok := batchBody["results"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, results, 2)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
