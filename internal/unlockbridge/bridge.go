// Package unlockbridge implements the Unlock Bridge (C13): a full-duplex
// opaque frame relay between an admin's browser and a sandbox's internal
// vault-unlock endpoint. Grounded directly on fabric/websocket.go's upgrader
// (origin-checked), ping/pong keepalive goroutine, and read-loop-plus-
// deferred-cleanup shape — the structure is reused near-verbatim, only the
// message handling changes from "parse and route" to "forward untouched".
package unlockbridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocx/controlplane/internal/apierr"
	"github.com/ocx/controlplane/internal/registry"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// frame is one opaque websocket message, queued between the client reader
// and the upstream writer so none are dropped while the upstream dial is
// still in flight.
type frame struct {
	mt      int
	payload []byte
}

// Waker is the subset of wake.Coordinator the bridge needs. Kept as an
// interface so tests don't need a real sandboxrt.Runtime.
type Waker interface {
	WakeTenant(ctx context.Context, tenantID string) error
}

// Bridge upgrades admin unlock requests and forwards opaque frames to the
// target sandbox's internal unlock endpoint.
type Bridge struct {
	registry    *registry.Registry
	waker       Waker
	adminToken  string
	upgrader    websocket.Upgrader
	logger      *slog.Logger
	dial        func(ctx context.Context, urlStr string) (*websocket.Conn, error)
}

// New builds an Unlock Bridge. adminToken is the shared admin bearer token
// (config.AdminConfig.Token); dial defaults to a real websocket dial and is
// overridable in tests.
func New(reg *registry.Registry, waker Waker, adminToken string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		registry:   reg,
		waker:      waker,
		adminToken: adminToken,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     buildCheckOrigin(),
		},
	}
	b.dial = func(ctx context.Context, urlStr string) (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, urlStr, nil)
		return conn, err
	}
	return b
}

// buildCheckOrigin mirrors fabric/websocket.go's production allowlist.
func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("OCX_ENV")
	allowedRaw := os.Getenv("OCX_ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		return func(r *http.Request) bool {
			return allowed[r.Header.Get("Origin")]
		}
	}
	return func(r *http.Request) bool { return true }
}

// authenticate checks the admin bearer token in constant time and that
// tenantID is registered. It does not itself wake the sandbox.
func (b *Bridge) authenticate(r *http.Request, tenantID string) error {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(b.adminToken)) != 1 {
		return apierr.New(apierr.AuthFailed, "invalid admin token")
	}
	if _, ok := b.registry.Get(tenantID); !ok {
		return apierr.New(apierr.NotFound, fmt.Sprintf("unknown tenant %q", tenantID))
	}
	return nil
}

// HandleUnlock handles GET /api/containers/{tenantId}/unlock. tenantID is
// supplied by the router (path param extraction is the router's job, not
// this handler's).
func (b *Bridge) HandleUnlock(w http.ResponseWriter, r *http.Request, tenantID string) {
	if err := b.authenticate(r, tenantID); err != nil {
		status, body := apierr.StatusAndBody(err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
		return
	}

	ctx := r.Context()
	if err := b.waker.WakeTenant(ctx, tenantID); err != nil {
		b.logger.Warn("unlock bridge: wake failed", "tenantId", tenantID, "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	sb, ok := b.registry.Get(tenantID)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	clientConn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("unlock bridge: upgrade failed", "tenantId", tenantID, "error", err)
		return
	}

	upstreamURL := (&url.URL{
		Scheme: "ws",
		Host:   fmt.Sprintf("127.0.0.1:%d", sb.IngressPort),
		Path:   "/vault/ws",
	}).String()

	// Frames from the browser can arrive the instant the upgrade completes,
	// before the upstream dial below finishes. queue buffers those so they
	// are flushed to the upstream in FIFO order once it's connected, instead
	// of being dropped.
	queue := make(chan frame, 256)
	go func() {
		defer close(queue)
		for {
			mt, payload, err := clientConn.ReadMessage()
			if err != nil {
				return
			}
			queue <- frame{mt, payload}
		}
	}()

	upstreamConn, err := b.dial(ctx, upstreamURL)
	if err != nil {
		b.logger.Warn("unlock bridge: upstream dial failed", "tenantId", tenantID, "error", err)
		clientConn.Close()
		return
	}

	b.relay(tenantID, clientConn, upstreamConn, queue)
}

// relay forwards opaque binary frames in both directions until either side
// closes, then tears down both. Payload bytes are never parsed or logged.
// clientFrames is the FIFO queue of frames already read from the browser
// (including any buffered while the upstream dial was in flight).
func (b *Bridge) relay(tenantID string, client, upstream *websocket.Conn, clientFrames <-chan frame) {
	done := make(chan struct{})
	closeOnce := make(chan struct{})
	teardown := func() {
		select {
		case <-closeOnce:
		default:
			close(closeOnce)
			client.Close()
			upstream.Close()
		}
	}
	defer teardown()

	go b.keepAlive(client, done)
	go b.keepAlive(upstream, done)
	defer close(done)

	go func() {
		defer teardown()
		for f := range clientFrames {
			upstream.SetWriteDeadline(time.Now().Add(writeWait))
			if err := upstream.WriteMessage(f.mt, f.payload); err != nil {
				return
			}
		}
	}()

	for {
		mt, payload, err := upstream.ReadMessage()
		if err != nil {
			return
		}
		b.registry.TouchActivity(tenantID)
		client.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.WriteMessage(mt, payload); err != nil {
			return
		}
	}
}

func (b *Bridge) keepAlive(conn *websocket.Conn, done chan struct{}) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
