package relayclient

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocx/controlplane/internal/apierr"
	"github.com/ocx/controlplane/internal/circuitbreaker"
	"github.com/ocx/controlplane/internal/keyrotation"
	"github.com/ocx/controlplane/internal/revocation"
	"github.com/ocx/controlplane/internal/snapshot"
)

// Strategy picks the order single-relay clients are tried in.
type Strategy string

const (
	StrategyPrimary    Strategy = "primary"
	StrategyRoundRobin Strategy = "round-robin"
	StrategyLatency    Strategy = "latency"
)

const defaultHealthCheckInterval = 30 * time.Second

type relayEntry struct {
	client  *SingleClient
	breaker *circuitbreaker.CircuitBreaker

	mu        sync.Mutex
	latencyMs int64
}

// MultiConfig bundles the multi-relay client's composition settings.
type MultiConfig struct {
	Strategy            Strategy
	CircuitThreshold    uint32
	CircuitResetSec     int
	HealthCheckSec      int
	ForceTryWhenAllOpen bool
}

// MultiClient composes N single-relay clients with per-relay circuit
// breakers, health-checked failover, and broadcast-vs-failover semantics.
type MultiClient struct {
	cfg     MultiConfig
	entries []*relayEntry

	mu         sync.Mutex
	rrCursor   uint64
	healthStop chan struct{}
}

// NewMultiClient wires one relayEntry per supplied single-relay client,
// each with its own circuit breaker per DefaultRelayConfig.
func NewMultiClient(clients []*SingleClient, cfg MultiConfig) *MultiClient {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyPrimary
	}
	resetInterval := time.Duration(cfg.CircuitResetSec) * time.Second

	entries := make([]*relayEntry, 0, len(clients))
	for _, c := range clients {
		breaker := circuitbreaker.New(circuitbreaker.DefaultRelayConfig(c.Name(), cfg.CircuitThreshold, resetInterval))
		entries = append(entries, &relayEntry{client: c, breaker: breaker})
	}

	return &MultiClient{cfg: cfg, entries: entries}
}

// StartHealthChecks launches a background ticker probing every relay's
// /health endpoint (default 30s) and recording observed latency, used by
// the "latency" strategy to order relays. Call Stop to end it.
func (m *MultiClient) StartHealthChecks(ctx context.Context) {
	interval := time.Duration(m.cfg.HealthCheckSec) * time.Second
	if interval <= 0 {
		interval = defaultHealthCheckInterval
	}

	m.mu.Lock()
	if m.healthStop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.healthStop = stop
	m.mu.Unlock()

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				m.probeAll(ctx)
			}
		}
	}()
}

// Stop ends the background health-check loop, if running.
func (m *MultiClient) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.healthStop != nil {
		close(m.healthStop)
		m.healthStop = nil
	}
}

func (m *MultiClient) probeAll(ctx context.Context) {
	for _, e := range m.entries {
		e := e
		go func() {
			hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			latency, err := e.client.Health(hctx)
			if err == nil {
				e.mu.Lock()
				e.latencyMs = latency
				e.mu.Unlock()
			}
		}()
	}
}

// orderedEntries returns the relay entries in the order this strategy
// should try them.
func (m *MultiClient) orderedEntries() []*relayEntry {
	switch m.cfg.Strategy {
	case StrategyRoundRobin:
		n := len(m.entries)
		if n == 0 {
			return nil
		}
		start := atomic.AddUint64(&m.rrCursor, 1) % uint64(n)
		out := make([]*relayEntry, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, m.entries[(int(start)+i)%n])
		}
		return out
	case StrategyLatency:
		out := make([]*relayEntry, len(m.entries))
		copy(out, m.entries)
		sort.Slice(out, func(i, j int) bool {
			out[i].mu.Lock()
			li := out[i].latencyMs
			out[i].mu.Unlock()
			out[j].mu.Lock()
			lj := out[j].latencyMs
			out[j].mu.Unlock()
			return li < lj
		})
		return out
	default: // primary
		out := make([]*relayEntry, len(m.entries))
		copy(out, m.entries)
		return out
	}
}

// aggregatedError composes a per-relay failure summary when every relay
// attempted for an operation failed.
func aggregatedError(attempted map[string]error) error {
	parts := make([]string, 0, len(attempted))
	for name, err := range attempted {
		parts = append(parts, fmt.Sprintf("%s: %v", name, err))
	}
	sort.Strings(parts)
	return apierr.New(apierr.RelayUnreachable, "all relays failed: "+strings.Join(parts, "; "))
}

// readLike tries relays in strategy order until one succeeds, routing each
// attempt through that relay's circuit breaker. When every circuit is open
// and ForceTryWhenAllOpen is set, it tries anyway in order; otherwise it
// fails fast with a circuit_open error. When every relay tried fails, it
// returns an aggregated error naming each one.
func readLike[T any](m *MultiClient, op func(*SingleClient) (T, error)) (T, error) {
	var zero T
	entries := m.orderedEntries()
	if len(entries) == 0 {
		return zero, apierr.New(apierr.RelayUnreachable, "no relays configured")
	}

	attempted := make(map[string]error)
	anyClosed := false
	for _, e := range entries {
		if e.breaker.State() == circuitbreaker.StateOpen {
			continue
		}
		anyClosed = true
		result, err := circuitbreaker.ExecuteWithFallback(e.breaker, func() (T, error) {
			return op(e.client)
		}, func(err error) (T, error) {
			return zero, err
		})
		if err == nil {
			return result, nil
		}
		attempted[e.client.Name()] = err
	}

	if !anyClosed && !m.cfg.ForceTryWhenAllOpen {
		return zero, apierr.New(apierr.CircuitOpen, "every relay circuit is open")
	}

	if !anyClosed && m.cfg.ForceTryWhenAllOpen {
		for _, e := range entries {
			result, err := op(e.client)
			if err == nil {
				return result, nil
			}
			attempted[e.client.Name()] = err
		}
	}

	return zero, aggregatedError(attempted)
}

// broadcastLike fans out to every relay whose circuit is closed (or all
// relays if ForceTryWhenAllOpen and every circuit is open), and reports
// success if at least one attempt succeeds.
func broadcastLike(m *MultiClient, op func(*SingleClient) error) error {
	entries := m.orderedEntries()
	if len(entries) == 0 {
		return apierr.New(apierr.RelayUnreachable, "no relays configured")
	}

	type outcome struct {
		name string
		err  error
	}
	results := make(chan outcome, len(entries))

	forced := m.cfg.ForceTryWhenAllOpen
	for _, e := range entries {
		if e.breaker.State() != circuitbreaker.StateOpen {
			forced = false
		}
	}

	dispatched := 0
	for _, e := range entries {
		if e.breaker.State() == circuitbreaker.StateOpen && !forced {
			continue
		}
		dispatched++
		e := e
		go func() {
			if forced {
				results <- outcome{name: e.client.Name(), err: op(e.client)}
				return
			}
			_, err := circuitbreaker.ExecuteWithFallback(e.breaker, func() (struct{}, error) {
				return struct{}{}, op(e.client)
			}, func(err error) (struct{}, error) {
				return struct{}{}, err
			})
			results <- outcome{name: e.client.Name(), err: err}
		}()
	}

	if dispatched == 0 {
		return apierr.New(apierr.CircuitOpen, "every relay circuit is open")
	}

	attempted := make(map[string]error)
	succeeded := false
	for i := 0; i < dispatched; i++ {
		o := <-results
		if o.err == nil {
			succeeded = true
		} else {
			attempted[o.name] = o.err
		}
	}

	if succeeded {
		return nil
	}
	return aggregatedError(attempted)
}

// --- public surface: read-like ops fail over in strategy order ---

func (m *MultiClient) Forward(ctx context.Context, auth authHeaders, req ForwardRequest) (*ForwardResult, error) {
	return readLike(m, func(c *SingleClient) (*ForwardResult, error) { return c.Forward(ctx, auth, req) })
}

func (m *MultiClient) Send(ctx context.Context, auth authHeaders, req SendRequest) (*ForwardResult, error) {
	return readLike(m, func(c *SingleClient) (*ForwardResult, error) { return c.Send(ctx, auth, req) })
}

func (m *MultiClient) Pending(ctx context.Context, auth authHeaders, limit int, ack []string) (*PendingResult, error) {
	return readLike(m, func(c *SingleClient) (*PendingResult, error) { return c.Pending(ctx, auth, limit, ack) })
}

func (m *MultiClient) Ack(ctx context.Context, auth authHeaders, messageIDs []string) error {
	_, err := readLike(m, func(c *SingleClient) (struct{}, error) { return struct{}{}, c.Ack(ctx, auth, messageIDs) })
	return err
}

func (m *MultiClient) CheckRevocations(ctx context.Context, capabilityIDs []string) (map[string]revocation.LookupResult, error) {
	return readLike(m, func(c *SingleClient) (map[string]revocation.LookupResult, error) {
		return c.CheckRevocations(ctx, capabilityIDs)
	})
}

func (m *MultiClient) GetSnapshot(ctx context.Context, capabilityID string) (*snapshot.Snapshot, error) {
	return readLike(m, func(c *SingleClient) (*snapshot.Snapshot, error) { return c.GetSnapshot(ctx, capabilityID) })
}

func (m *MultiClient) ListSnapshots(ctx context.Context, recipientPublicKey, signature string, timestamp int64) ([]snapshot.Snapshot, error) {
	return readLike(m, func(c *SingleClient) ([]snapshot.Snapshot, error) {
		return c.ListSnapshots(ctx, recipientPublicKey, signature, timestamp)
	})
}

// --- public surface: broadcast-like ops fan out, success if any succeeds ---

func (m *MultiClient) Register(ctx context.Context, req RegisterRequest) error {
	return broadcastLike(m, func(c *SingleClient) error { return c.Register(ctx, req) })
}

func (m *MultiClient) StoreSnapshot(ctx context.Context, snap snapshot.Snapshot) error {
	return broadcastLike(m, func(c *SingleClient) error { return c.StoreSnapshot(ctx, snap) })
}

func (m *MultiClient) DeleteSnapshot(ctx context.Context, capabilityID string) error {
	return broadcastLike(m, func(c *SingleClient) error { return c.DeleteSnapshot(ctx, capabilityID) })
}

// SubmitRevocation implements vault.RelayNotifier: the vault has already
// signed req with its own key, so this just broadcasts it to every healthy
// relay so the block takes effect everywhere, not just on whichever relay
// happens to be primary.
func (m *MultiClient) SubmitRevocation(req revocation.RevokeRequest) error {
	return broadcastLike(m, func(c *SingleClient) error {
		return c.SubmitRevocation(context.Background(), req)
	})
}

// NotifyKeyRotation implements keyrotation.Notifier: broadcasts the signed
// rotation notice to every healthy relay.
func (m *MultiClient) NotifyKeyRotation(n keyrotation.RotationNotification) error {
	return broadcastLike(m, func(c *SingleClient) error { return c.NotifyKeyRotation(n) })
}

// HealthStatus reports each relay's current circuit breaker state.
func (m *MultiClient) HealthStatus() (string, map[string]string) {
	statuses := make(map[string]string, len(m.entries))
	healthy := true
	for _, e := range m.entries {
		state := e.breaker.State()
		statuses[e.client.Name()] = state.String()
		if state == circuitbreaker.StateOpen {
			healthy = false
		}
	}
	if healthy {
		return "HEALTHY", statuses
	}
	return "DEGRADED", statuses
}
