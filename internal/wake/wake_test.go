package wake

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/controlplane/internal/registry"
	"github.com/ocx/controlplane/internal/sandboxrt"
)

type fakeRuntime struct {
	mu       sync.Mutex
	states   map[sandboxrt.Handle]sandboxrt.State
	unpauses int
	starts   int
	delay    time.Duration
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{states: make(map[sandboxrt.Handle]sandboxrt.State)}
}

func (f *fakeRuntime) Name() string { return "fake" }
func (f *fakeRuntime) Create(ctx context.Context, image, name string, limits sandboxrt.Limits) (sandboxrt.Handle, error) {
	return "", nil
}
func (f *fakeRuntime) Start(ctx context.Context, h sandboxrt.Handle) error {
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.states[h] = sandboxrt.StateRunning
	f.mu.Unlock()
	return nil
}
func (f *fakeRuntime) Pause(ctx context.Context, h sandboxrt.Handle) error { return nil }
func (f *fakeRuntime) Unpause(ctx context.Context, h sandboxrt.Handle) error {
	f.mu.Lock()
	f.unpauses++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.states[h] = sandboxrt.StateRunning
	f.mu.Unlock()
	return nil
}
func (f *fakeRuntime) Stop(ctx context.Context, h sandboxrt.Handle, graceSec int) error { return nil }
func (f *fakeRuntime) Inspect(ctx context.Context, h sandboxrt.Handle) (sandboxrt.Inspection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sandboxrt.Inspection{State: f.states[h]}, nil
}
func (f *fakeRuntime) Update(ctx context.Context, h sandboxrt.Handle, limits sandboxrt.Limits) error {
	return nil
}
func (f *fakeRuntime) Stats(ctx context.Context, h sandboxrt.Handle) (sandboxrt.Stats, error) {
	return sandboxrt.Stats{}, nil
}
func (f *fakeRuntime) Exec(ctx context.Context, h sandboxrt.Handle, argv []string, timeout time.Duration) (sandboxrt.ExecResult, error) {
	return sandboxrt.ExecResult{}, nil
}
func (f *fakeRuntime) List(ctx context.Context, namePrefix string) ([]sandboxrt.Handle, error) {
	return nil, nil
}
func (f *fakeRuntime) ListNamed(ctx context.Context, namePrefix string) ([]sandboxrt.NamedHandle, error) {
	return nil, nil
}

func (f *fakeRuntime) setState(h sandboxrt.Handle, s sandboxrt.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[h] = s
}

func portOf(t *testing.T, srv *httptest.Server) int {
	addr := srv.Listener.Addr().String()
	_, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	p, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return p
}

func TestCoordinator_FastPath_AlreadyRunning(t *testing.T) {
	reg := registry.New()
	reg.UpsertOnScan("tenant-a", "c1", 8080, "tok", registry.StateRunning)

	c := New(Config{}, reg, newFakeRuntime(), NoopLock{}, NewMetrics(), nil)
	res, err := c.Wake(t.Context(), "tenant-a", ReasonOnRequest)

	require.NoError(t, err)
	assert.Equal(t, "already-running", res.Status)
	assert.Equal(t, int64(0), res.WakeTimeMs)
}

func TestCoordinator_WakesPausedSandbox(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	port := portOf(t, srv)

	reg := registry.New()
	reg.UpsertOnScan("tenant-a", "c1", port, "tok", registry.StatePaused)
	rt := newFakeRuntime()
	rt.setState("c1", sandboxrt.StatePaused)

	c := New(Config{Timeout: 2 * time.Second, HealthTimeout: time.Second}, reg, rt, NoopLock{}, NewMetrics(), nil)
	res, err := c.Wake(t.Context(), "tenant-a", ReasonDirect)

	require.NoError(t, err)
	assert.Equal(t, "awoke", res.Status)
	assert.Equal(t, 1, rt.unpauses)

	status, ok := reg.QuickStatus("tenant-a")
	require.True(t, ok)
	assert.Equal(t, registry.StateRunning, status.State)
}

func TestCoordinator_ConcurrentWakesDedupToOneUnpause(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	port := portOf(t, srv)

	reg := registry.New()
	reg.UpsertOnScan("tenant-a", "c1", port, "tok", registry.StatePaused)
	rt := newFakeRuntime()
	rt.setState("c1", sandboxrt.StatePaused)
	rt.delay = 50 * time.Millisecond

	c := New(Config{Timeout: 2 * time.Second, HealthTimeout: time.Second}, reg, rt, NoopLock{}, NewMetrics(), nil)

	var wg sync.WaitGroup
	results := make([]Result, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Wake(t.Context(), "tenant-a", ReasonReconnect)
			results[i] = res
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "awoke", results[i].Status)
	}
	assert.Equal(t, 1, rt.unpauses, "concurrent wakes for the same tenant must dedup to one unpause")
}

func TestCoordinator_HealthTimeoutIsNonFatal(t *testing.T) {
	reg := registry.New()
	reg.UpsertOnScan("tenant-a", "c1", 1, "tok", registry.StateStopped) // nothing listens on port 1
	rt := newFakeRuntime()
	rt.setState("c1", sandboxrt.StateStopped)

	c := New(Config{Timeout: 2 * time.Second, HealthTimeout: 100 * time.Millisecond, HealthPoll: 20 * time.Millisecond}, reg, rt, NoopLock{}, NewMetrics(), nil)
	res, err := c.Wake(t.Context(), "tenant-a", ReasonOnRequest)

	require.NoError(t, err)
	assert.Equal(t, "awoke", res.Status)
	assert.Equal(t, 1, rt.starts)
}

func TestCoordinator_MissingTenantFails(t *testing.T) {
	reg := registry.New()
	c := New(Config{}, reg, newFakeRuntime(), NoopLock{}, NewMetrics(), nil)

	_, err := c.Wake(t.Context(), "ghost", ReasonOnRequest)
	assert.Error(t, err)
}
