// Package relayclient implements the Relay Client / Multi-Relay Client (C8):
// a single-relay HTTP client with bounded retry, and a multi-relay
// composition that adds per-relay circuit breakers, health-checked
// failover, and broadcast-vs-failover semantics per operation.
//
// Grounded on the teacher's webhooks/dispatcher.go for the outbound
// http.Client + http.NewRequest + exponential-backoff-retry shape, and
// internal/circuitbreaker/breaker.go (adapted directly, see
// DefaultRelayConfig) for the per-relay trip/reset state machine.
package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ocx/controlplane/internal/apierr"
	"github.com/ocx/controlplane/internal/keyrotation"
	"github.com/ocx/controlplane/internal/revocation"
	"github.com/ocx/controlplane/internal/snapshot"
)

const defaultRequestTimeout = 5 * time.Second

// Config is one relay endpoint's client configuration.
type Config struct {
	Name       string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int // bounded exponential backoff: 100ms * 2^attempt between tries
}

// SingleClient wraps one relay's HTTP endpoints (§6.8) with per-request
// timeout and bounded exponential backoff retry.
type SingleClient struct {
	cfg  Config
	http *http.Client
}

// NewSingleClient builds a client for one relay, applying the spec's
// defaults (5s timeout, 2 retries) when unset.
func NewSingleClient(cfg Config) *SingleClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	return &SingleClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *SingleClient) Name() string { return c.cfg.Name }

// --- wire shapes ---

type RegisterRequest struct {
	PublicKey           string `json:"publicKey"`
	EncryptionPublicKey string `json:"encryptionPublicKey,omitempty"`
	CallbackURL         string `json:"callbackUrl,omitempty"`
	Challenge           string `json:"challenge"`
	Signature           string `json:"signature"`
}

type ForwardRequest struct {
	ToContainerID   string `json:"toContainerId"`
	CapabilityToken string `json:"capabilityToken"`
	EncryptedPayload string `json:"encryptedPayload"`
	Nonce           string `json:"nonce,omitempty"`
	Signature       string `json:"signature,omitempty"`
}

type ForwardResult struct {
	MessageID      string `json:"messageId"`
	CapabilityID   string `json:"capabilityId"`
	Status         string `json:"status"` // delivered | queued
	DeliveryMethod string `json:"deliveryMethod"` // websocket | callback | pending
	WakeTriggered  bool   `json:"wakeTriggered"`
}

type SendRequest struct {
	ToContainerID    string `json:"toContainerId"`
	EncryptedPayload string `json:"encryptedPayload"`
	Nonce            string `json:"nonce,omitempty"`
	Signature        string `json:"signature,omitempty"`
}

type PendingMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Payload   string `json:"payload"`
	Size      int    `json:"size"`
	Timestamp int64  `json:"timestamp"`
}

type PendingResult struct {
	Count    int              `json:"count"`
	Messages []PendingMessage `json:"messages"`
}

type snapshotListRequest struct {
	RecipientPublicKey string `json:"recipientPublicKey"`
	Signature          string `json:"signature"`
	Timestamp          int64  `json:"timestamp"`
}

// authHeaders carries the two headers every sandbox-authenticated relay
// call needs: the bearer token and the calling container's id.
type authHeaders struct {
	BearerToken string
	ContainerID string
}

func (h authHeaders) apply(req *http.Request) {
	if h.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.BearerToken)
	}
	if h.ContainerID != "" {
		req.Header.Set("X-Container-Id", h.ContainerID)
	}
}

// Register proves possession of the registering sandbox's signing key by
// signing a caller-supplied challenge and submitting it alongside the
// public keys and optional callback URL.
func (c *SingleClient) Register(ctx context.Context, req RegisterRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/relay/registry/register", authHeaders{}, req, nil)
}

// Forward submits a capability-enforced envelope for delivery.
func (c *SingleClient) Forward(ctx context.Context, auth authHeaders, req ForwardRequest) (*ForwardResult, error) {
	var out ForwardResult
	if err := c.doJSON(ctx, http.MethodPost, "/relay/forward", auth, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Send submits a simple, non-capability-enforced envelope.
func (c *SingleClient) Send(ctx context.Context, auth authHeaders, req SendRequest) (*ForwardResult, error) {
	var out ForwardResult
	if err := c.doJSON(ctx, http.MethodPost, "/relay/send", auth, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pending lists undelivered messages addressed to the caller's container.
func (c *SingleClient) Pending(ctx context.Context, auth authHeaders, limit int, ack []string) (*PendingResult, error) {
	path := fmt.Sprintf("/relay/messages/pending?limit=%d", limit)
	for _, id := range ack {
		path += "&ack=" + id
	}
	var out PendingResult
	if err := c.doJSON(ctx, http.MethodGet, path, auth, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ack acknowledges delivered messages so the relay can drop them.
func (c *SingleClient) Ack(ctx context.Context, auth authHeaders, messageIDs []string) error {
	body := struct {
		MessageIDs []string `json:"messageIds"`
	}{MessageIDs: messageIDs}
	return c.doJSON(ctx, http.MethodPost, "/relay/messages/ack", auth, body, nil)
}

// SubmitRevocation signs and submits a revocation request (§4.10),
// implementing vault.RelayNotifier's revocation half.
func (c *SingleClient) SubmitRevocation(ctx context.Context, req revocation.RevokeRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/relay/revoke", authHeaders{}, req, nil)
}

// CheckRevocations batch-checks capability ids against the relay's
// revocation store.
func (c *SingleClient) CheckRevocations(ctx context.Context, capabilityIDs []string) (map[string]revocation.LookupResult, error) {
	body := revocation.BatchCheckRequest{CapabilityIDs: capabilityIDs}
	var out struct {
		Results map[string]revocation.LookupResult `json:"results"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/relay/check-revocations", authHeaders{}, body, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// StoreSnapshot pushes a cached-capability snapshot to the relay.
func (c *SingleClient) StoreSnapshot(ctx context.Context, snap snapshot.Snapshot) error {
	return c.doJSON(ctx, http.MethodPost, "/relay/snapshots", authHeaders{}, snap, nil)
}

// GetSnapshot retrieves a snapshot by capability id; returns (nil, nil) on
// a 404 (absent or expired), matching the store's null-return convention.
func (c *SingleClient) GetSnapshot(ctx context.Context, capabilityID string) (*snapshot.Snapshot, error) {
	var out snapshot.Snapshot
	err := c.doJSON(ctx, http.MethodGet, "/relay/snapshots/"+capabilityID, authHeaders{}, nil, &out)
	if err != nil {
		if kind, ok := apierr.KindOf(err); ok && kind == apierr.NotFound {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

// DeleteSnapshot is idempotent.
func (c *SingleClient) DeleteSnapshot(ctx context.Context, capabilityID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/relay/snapshots/"+capabilityID, authHeaders{}, nil, nil)
}

// ListSnapshots lists every snapshot addressed to recipientPublicKey,
// authenticated by a signature over the request's own timestamp.
func (c *SingleClient) ListSnapshots(ctx context.Context, recipientPublicKey, signature string, timestamp int64) ([]snapshot.Snapshot, error) {
	body := snapshotListRequest{RecipientPublicKey: recipientPublicKey, Signature: signature, Timestamp: timestamp}
	var out struct {
		Snapshots []snapshot.Snapshot `json:"snapshots"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/relay/snapshots/list", authHeaders{}, body, &out); err != nil {
		return nil, err
	}
	return out.Snapshots, nil
}

// NotifyKeyRotation implements keyrotation.Notifier by broadcasting the
// signed rotation notice to this relay.
func (c *SingleClient) NotifyKeyRotation(n keyrotation.RotationNotification) error {
	return c.doJSON(context.Background(), http.MethodPost, "/relay/key-rotation", authHeaders{}, n, nil)
}

// Health probes the relay's health endpoint and returns the observed
// round-trip latency.
func (c *SingleClient) Health(ctx context.Context) (latencyMs int64, err error) {
	start := time.Now()
	err = c.doJSON(ctx, http.MethodGet, "/health", authHeaders{}, nil, nil)
	return time.Since(start).Milliseconds(), err
}

// doJSON performs one relay call with bounded exponential backoff retry
// (100ms * 2^attempt between tries, cfg.MaxRetries retries beyond the
// first attempt). Non-transient failures (HTTP 4xx) are not retried.
func (c *SingleClient) doJSON(ctx context.Context, method, path string, auth authHeaders, reqBody, respBody any) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond * (1 << uint(attempt-1))):
			}
		}

		err := c.attempt(ctx, method, path, auth, reqBody, respBody)
		if err == nil {
			return nil
		}
		lastErr = err

		if kind, ok := apierr.KindOf(err); ok && !apierr.Retryable(&apierr.Error{Kind: kind}) {
			return err
		}
	}
	return lastErr
}

func (c *SingleClient) attempt(ctx context.Context, method, path string, auth authHeaders, reqBody, respBody any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("relayclient: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("relayclient: build request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	auth.apply(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.RelayUnreachable, fmt.Sprintf("relay %q unreachable", c.cfg.Name), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apierr.Wrap(apierr.RelayUnreachable, "reading relay response", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorBody(resp.StatusCode, data)
	}

	if respBody != nil && len(data) > 0 {
		if err := json.Unmarshal(data, respBody); err != nil {
			return fmt.Errorf("relayclient: decode response: %w", err)
		}
	}
	return nil
}

func parseErrorBody(status int, data []byte) error {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		if status >= 500 {
			return apierr.New(apierr.RelayUnreachable, fmt.Sprintf("relay returned status %d", status))
		}
		return apierr.New(apierr.InvalidInput, fmt.Sprintf("relay returned status %d", status))
	}
	return apierr.New(apierr.Kind(body.Error), body.Message)
}
