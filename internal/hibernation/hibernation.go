// Package hibernation implements the Hibernation Controller (C10): a
// periodic scan that pauses idle sandboxes and stops long-paused ones,
// grounded on cmd/api/main.go's background-ticker wiring pattern.
package hibernation

import (
	"context"
	"log/slog"
	"time"

	"github.com/ocx/controlplane/internal/registry"
	"github.com/ocx/controlplane/internal/sandboxrt"
)

const (
	defaultInterval   = 60 * time.Second
	defaultPauseAfter = 30 * time.Minute
	defaultStopAfter  = 4 * time.Hour
)

// Config controls the controller's scan interval and idle thresholds.
type Config struct {
	Interval   time.Duration
	PauseAfter time.Duration
	StopAfter  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.PauseAfter <= 0 {
		c.PauseAfter = defaultPauseAfter
	}
	if c.StopAfter <= 0 {
		c.StopAfter = defaultStopAfter
	}
	return c
}

// Controller periodically reconciles every registered sandbox's actual
// runtime state against its recorded activity.
type Controller struct {
	cfg      Config
	registry *registry.Registry
	runtime  sandboxrt.Runtime
	logger   *slog.Logger

	stop chan struct{}
}

// New builds a hibernation controller. logger defaults to slog.Default()
// when nil.
func New(cfg Config, reg *registry.Registry, rt sandboxrt.Runtime, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{cfg: cfg.withDefaults(), registry: reg, runtime: rt, logger: logger}
}

// Start runs the scan loop until ctx is done or Stop is called.
func (c *Controller) Start(ctx context.Context) {
	c.stop = make(chan struct{})
	ticker := time.NewTicker(c.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.Scan(ctx)
			}
		}
	}()
}

// Stop ends the scan loop.
func (c *Controller) Stop() {
	if c.stop != nil {
		close(c.stop)
	}
}

// Scan runs one reconciliation pass over every registered sandbox. It is
// exported so tests and the admin API can trigger an out-of-band pass.
func (c *Controller) Scan(ctx context.Context) {
	now := time.Now()
	for _, sb := range c.registry.All() {
		c.reconcileOne(ctx, sb, now)
	}
}

func (c *Controller) reconcileOne(ctx context.Context, sb *registry.Sandbox, now time.Time) {
	insp, err := c.runtime.Inspect(ctx, sb.Handle)
	if err != nil {
		var nf *sandboxrt.NotFoundError
		if isNotFound(err, &nf) {
			c.registry.Remove(sb.TenantID)
			c.logger.Info("hibernation: sandbox vanished from runtime, removed from registry", "tenantId", sb.TenantID)
		} else {
			c.logger.Warn("hibernation: inspect failed", "tenantId", sb.TenantID, "error", err)
		}
		return
	}

	switch insp.State {
	case sandboxrt.StateStopped:
		sb.SetState(registry.StateStopped)
		return
	case sandboxrt.StatePaused:
		pauseDuration := c.cfg.StopAfter - c.cfg.PauseAfter
		if pauseDuration < 0 {
			pauseDuration = 0
		}
		if now.Sub(sb.PausedAt()) > pauseDuration {
			if err := c.runtime.Stop(ctx, sb.Handle, 10); err != nil {
				c.logger.Warn("hibernation: stop failed", "tenantId", sb.TenantID, "error", err)
				return
			}
			sb.SetState(registry.StateStopped)
			c.logger.Info("hibernation: stopped long-paused sandbox", "tenantId", sb.TenantID)
		}
		return
	case sandboxrt.StateRunning:
		if now.Sub(sb.LastActivity()) > c.cfg.PauseAfter {
			if err := c.runtime.Pause(ctx, sb.Handle); err != nil {
				c.logger.Warn("hibernation: pause failed", "tenantId", sb.TenantID, "error", err)
				return
			}
			sb.SetState(registry.StatePaused)
			c.logger.Info("hibernation: paused idle sandbox", "tenantId", sb.TenantID)
		}
	}
}

func isNotFound(err error, target **sandboxrt.NotFoundError) bool {
	nf, ok := err.(*sandboxrt.NotFoundError)
	if ok {
		*target = nf
	}
	return ok
}
