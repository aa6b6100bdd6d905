package unlockbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/controlplane/internal/registry"
)

type fakeWaker struct {
	err error
}

func (f *fakeWaker) WakeTenant(ctx context.Context, tenantID string) error { return f.err }

// newUpstream starts a bare websocket server that echoes every frame back,
// standing in for the sandbox's internal /vault/ws endpoint.
func newUpstream(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			mt, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, payload); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newBridgeServer(t *testing.T, reg *registry.Registry, waker Waker, adminToken string, dial func(ctx context.Context, u string) (*websocket.Conn, error)) *httptest.Server {
	b := New(reg, waker, adminToken, nil)
	if dial != nil {
		b.dial = dial
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.HandleUnlock(w, r, "tenant-a")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestBridge_RejectsWrongAdminToken(t *testing.T) {
	reg := registry.New()
	reg.UpsertOnScan("tenant-a", "c1", 8080, "tok", registry.StateRunning)
	srv := newBridgeServer(t, reg, &fakeWaker{}, "correct-token", nil)

	header := http.Header{"Authorization": {"Bearer wrong-token"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBridge_RejectsUnknownTenant(t *testing.T) {
	reg := registry.New() // tenant-a never registered
	srv := newBridgeServer(t, reg, &fakeWaker{}, "tok", nil)

	header := http.Header{"Authorization": {"Bearer tok"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBridge_ForwardsFramesBothWays(t *testing.T) {
	upstream := newUpstream(t)
	upstreamWS := wsURL(upstream.URL)

	reg := registry.New()
	reg.UpsertOnScan("tenant-a", "c1", 8080, "tok", registry.StateRunning)

	dial := func(ctx context.Context, u string) (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, upstreamWS, nil)
		return conn, err
	}
	srv := newBridgeServer(t, reg, &fakeWaker{}, "tok", dial)

	header := http.Header{"Authorization": {"Bearer tok"}}
	client, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), header)
	require.NoError(t, err)
	_ = resp
	defer client.Close()

	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte("hello-sandbox")))
	mt, payload, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, "hello-sandbox", string(payload))
}

func TestBridge_TouchesActivityOnInboundFrame(t *testing.T) {
	upstream := newUpstream(t)
	upstreamWS := wsURL(upstream.URL)

	reg := registry.New()
	sb := reg.UpsertOnScan("tenant-a", "c1", 8080, "tok", registry.StateRunning)
	_ = sb
	reg.TouchActivity("tenant-a")
	before, _ := reg.QuickStatus("tenant-a")

	dial := func(ctx context.Context, u string) (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, upstreamWS, nil)
		return conn, err
	}
	srv := newBridgeServer(t, reg, &fakeWaker{}, "tok", dial)

	header := http.Header{"Authorization": {"Bearer tok"}}
	client, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), header)
	require.NoError(t, err)
	defer client.Close()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte("x")))
	_, _, err = client.ReadMessage() // wait for the echo round-trip
	require.NoError(t, err)

	after, ok := reg.QuickStatus("tenant-a")
	require.True(t, ok)
	assert.True(t, after.LastActivity.After(before.LastActivity) || after.LastActivity.Equal(before.LastActivity))
}

func TestBridge_WakeFailureReturnsServiceUnavailable(t *testing.T) {
	reg := registry.New()
	reg.UpsertOnScan("tenant-a", "c1", 8080, "tok", registry.StatePaused)
	srv := newBridgeServer(t, reg, &fakeWaker{err: assertErr{}}, "tok", nil)

	header := http.Header{"Authorization": {"Bearer tok"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

type assertErr struct{}

func (assertErr) Error() string { return "wake failed" }
