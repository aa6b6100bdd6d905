// Package wake implements the Wake Coordinator (C11): deduplicated,
// health-gated sandbox wake with bounded concurrency. Grounded on
// fabric/hub.go's single-goroutine-does-the-work-while-others-wait shape
// (Route()'s callers all block on the same in-flight delivery) and on
// circuitbreaker's generation-counter idea, adapted here into a per-tenant
// shared future: a wake started by one caller is the wake every concurrent
// caller for that tenant observes.
package wake

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ocx/controlplane/internal/registry"
	"github.com/ocx/controlplane/internal/sandboxrt"
)

// Reason is why a wake was requested.
type Reason string

const (
	ReasonOnRequest Reason = "on-request"
	ReasonDirect    Reason = "direct"
	ReasonReconnect Reason = "reconnect"
)

const (
	statusAlreadyRunning = "already_running"
	statusAwoke          = "awoke"
	statusFailed         = "failed"
	statusTimeout        = "timeout"
)

const (
	defaultTimeout       = 30 * time.Second
	defaultHealthTimeout = 5 * time.Second
	defaultHealthPoll    = 200 * time.Millisecond
	defaultLockTTL       = 45 * time.Second
)

// Result is the outcome of a Wake call.
type Result struct {
	Status     string // "already-running" or "awoke", matching the public contract
	WakeTimeMs int64
}

// Config controls the coordinator's timeouts.
type Config struct {
	Timeout       time.Duration
	HealthTimeout time.Duration
	HealthPoll    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = defaultHealthTimeout
	}
	if c.HealthPoll <= 0 {
		c.HealthPoll = defaultHealthPoll
	}
	return c
}

// future is the single shared outcome of one exclusive wake attempt.
type future struct {
	done    chan struct{}
	waiters int
	result  Result
	err     error
}

// Coordinator deduplicates concurrent wake requests per tenant and races the
// underlying unpause/start against a timeout plus a health probe.
type Coordinator struct {
	cfg      Config
	registry *registry.Registry
	runtime  sandboxrt.Runtime
	lock     Lock
	metrics  *Metrics
	logger   *slog.Logger
	http     *http.Client

	mu        sync.Mutex
	inFlight  map[string]*future
}

// New builds a Wake Coordinator. lock may be NoopLock{} for single-replica
// deployments; metrics and logger default when nil.
func New(cfg Config, reg *registry.Registry, rt sandboxrt.Runtime, lock Lock, metrics *Metrics, logger *slog.Logger) *Coordinator {
	if lock == nil {
		lock = NoopLock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:      cfg.withDefaults(),
		registry: reg,
		runtime:  rt,
		lock:     lock,
		metrics:  metrics,
		logger:   logger,
		http:     &http.Client{Timeout: 2 * time.Second},
		inFlight: make(map[string]*future),
	}
}

// Wake ensures tenantID's sandbox is running and passes its health probe,
// deduplicating concurrent callers onto a single underlying attempt.
func (c *Coordinator) Wake(ctx context.Context, tenantID string, reason Reason) (Result, error) {
	if status, ok := c.registry.QuickStatus(tenantID); ok && status.State == registry.StateRunning {
		c.registry.TouchActivity(tenantID)
		c.metrics.recordOutcome(string(reason), statusAlreadyRunning, 0)
		return Result{Status: "already-running", WakeTimeMs: 0}, nil
	}

	c.mu.Lock()
	if f, ok := c.inFlight[tenantID]; ok {
		f.waiters++
		c.mu.Unlock()
		return c.await(ctx, f)
	}

	f := &future{done: make(chan struct{})}
	c.inFlight[tenantID] = f
	c.mu.Unlock()

	c.runExclusive(ctx, tenantID, reason, f)
	return c.await(ctx, f)
}

// WakeTenant is Wake with reason "direct" and the result discarded, for
// callers (like the Unlock Bridge) that only care whether the sandbox is
// now up, not how it got there.
func (c *Coordinator) WakeTenant(ctx context.Context, tenantID string) error {
	_, err := c.Wake(ctx, tenantID, ReasonDirect)
	return err
}

func (c *Coordinator) await(ctx context.Context, f *future) (Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// runExclusive performs the single underlying wake attempt and fulfils f for
// every waiter, then removes the in-flight entry regardless of outcome.
func (c *Coordinator) runExclusive(ctx context.Context, tenantID string, reason Reason, f *future) {
	defer func() {
		c.mu.Lock()
		delete(c.inFlight, tenantID)
		c.mu.Unlock()
		close(f.done)
	}()

	if c.metrics != nil {
		c.metrics.WakeInFlight.Inc()
		defer c.metrics.WakeInFlight.Dec()
	}

	token, acquired, lockErr := c.lock.TryAcquire(ctx, tenantID, defaultLockTTL)
	if lockErr == nil && acquired {
		defer func() {
			if err := c.lock.Release(context.Background(), tenantID, token); err != nil {
				c.logger.Warn("wake: failed to release dedup lock", "tenantId", tenantID, "error", err)
			}
		}()
	} else if lockErr != nil {
		c.logger.Warn("wake: dedup lock unavailable, proceeding without cross-replica dedup", "tenantId", tenantID, "error", lockErr)
	}

	start := time.Now()
	wakeCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	sb, ok := c.registry.Get(tenantID)
	if !ok {
		f.err = fmt.Errorf("wake: tenant %q has no registered sandbox", tenantID)
		c.metrics.recordOutcome(string(reason), statusFailed, time.Since(start).Seconds())
		return
	}

	if err := c.bringUp(wakeCtx, sb); err != nil {
		f.err = fmt.Errorf("wake: %w", err)
		status := statusFailed
		if wakeCtx.Err() != nil {
			status = statusTimeout
		}
		c.metrics.recordOutcome(string(reason), status, time.Since(start).Seconds())
		return
	}

	sb.SetState(registry.StateRunning)
	c.registry.TouchActivity(tenantID)

	healthy := c.probeHealth(ctx, sb)
	if !healthy {
		c.logger.Warn("wake: health probe timed out, sandbox state is running but readiness unconfirmed", "tenantId", tenantID)
	}

	elapsed := time.Since(start)
	f.result = Result{Status: "awoke", WakeTimeMs: elapsed.Milliseconds()}
	c.metrics.recordOutcome(string(reason), statusAwoke, elapsed.Seconds())
}

// bringUp races the underlying unpause/start against wakeCtx's deadline,
// polling Inspect until the sandbox is observed running.
func (c *Coordinator) bringUp(ctx context.Context, sb *registry.Sandbox) error {
	insp, err := c.runtime.Inspect(ctx, sb.Handle)
	if err != nil {
		return fmt.Errorf("inspect before wake: %w", err)
	}

	switch insp.State {
	case sandboxrt.StateRunning:
		return nil
	case sandboxrt.StatePaused:
		if err := c.runtime.Unpause(ctx, sb.Handle); err != nil {
			return fmt.Errorf("unpause: %w", err)
		}
	case sandboxrt.StateStopped:
		if err := c.runtime.Start(ctx, sb.Handle); err != nil {
			return fmt.Errorf("start: %w", err)
		}
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			insp, err := c.runtime.Inspect(ctx, sb.Handle)
			if err != nil {
				return fmt.Errorf("inspect during wake: %w", err)
			}
			if insp.State == sandboxrt.StateRunning {
				return nil
			}
		}
	}
}

// probeHealth polls the sandbox's /health endpoint every HealthPoll until it
// returns 2xx or HealthTimeout elapses. A timeout here is non-fatal: the
// caller still reports "awoke" since the underlying state is running.
func (c *Coordinator) probeHealth(ctx context.Context, sb *registry.Sandbox) bool {
	deadline := time.Now().Add(c.cfg.HealthTimeout)
	url := fmt.Sprintf("http://127.0.0.1:%d/health", sb.IngressPort)

	for time.Now().Before(deadline) {
		if c.checkHealthOnce(ctx, url, sb.GatewayToken) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.cfg.HealthPoll):
		}
	}
	return false
}

func (c *Coordinator) checkHealthOnce(ctx context.Context, url, gatewayToken string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("X-Gateway-Token", gatewayToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
