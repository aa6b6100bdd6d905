// Package governor implements the Resource Governor (C12): per-plan limit
// application and per-tenant cost-tracking session accounting. Grounded on
// ghostpool/pool_backend.go's resource-limit fields, generalized from a
// single fixed tier to the three-tier plan schedule in internal/config.
package governor

import (
	"context"
	"fmt"
	"time"

	"github.com/ocx/controlplane/internal/apierr"
	"github.com/ocx/controlplane/internal/config"
	"github.com/ocx/controlplane/internal/registry"
	"github.com/ocx/controlplane/internal/sandboxrt"
)

// Governor applies plan-tier resource limits and tracks billable sessions.
type Governor struct {
	registry *registry.Registry
	runtime  sandboxrt.Runtime
	plans    config.PlansConfig
	cost     CostBackend
}

// New builds a Resource Governor.
func New(reg *registry.Registry, rt sandboxrt.Runtime, plans config.PlansConfig, cost CostBackend) *Governor {
	return &Governor{registry: reg, runtime: rt, plans: plans, cost: cost}
}

// PlanLimits resolves a plan name to its configured resource limits.
func (g *Governor) PlanLimits(plan string) (config.PlanLimits, error) {
	switch plan {
	case "free":
		return g.plans.Free, nil
	case "pro":
		return g.plans.Pro, nil
	case "enterprise":
		return g.plans.Enterprise, nil
	default:
		return config.PlanLimits{}, apierr.New(apierr.InvalidInput, fmt.Sprintf("unknown plan %q", plan))
	}
}

func toRuntimeLimits(l config.PlanLimits) sandboxrt.Limits {
	return sandboxrt.Limits{
		MemBytes:  l.MemBytes,
		SwapBytes: l.SwapBytes,
		CPUShares: l.CPUShares,
		CPUQuota:  l.CPUQuota,
		CPUPeriod: l.CPUPeriod,
		PidsLimit: l.PidsLimit,
	}
}

// UpdateLimits pushes plan's resource limits to tenantID's sandbox. The
// sandbox must be observed running; anything else is a structured
// must_be_running failure rather than a silent no-op.
func (g *Governor) UpdateLimits(ctx context.Context, tenantID, plan string) error {
	sb, ok := g.registry.Get(tenantID)
	if !ok {
		return apierr.New(apierr.NotFound, fmt.Sprintf("no registered sandbox for tenant %q", tenantID))
	}

	insp, err := g.runtime.Inspect(ctx, sb.Handle)
	if err != nil {
		return fmt.Errorf("governor: inspect: %w", err)
	}
	if insp.State != sandboxrt.StateRunning {
		return apierr.New(apierr.MustBeRunning, fmt.Sprintf("tenant %q sandbox is not running", tenantID))
	}

	limits, err := g.PlanLimits(plan)
	if err != nil {
		return err
	}
	if err := g.runtime.Update(ctx, sb.Handle, toRuntimeLimits(limits)); err != nil {
		return fmt.Errorf("governor: update limits: %w", err)
	}
	return nil
}

// Stats reports the sandbox's current resource usage.
func (g *Governor) Stats(ctx context.Context, tenantID string) (sandboxrt.Stats, error) {
	sb, ok := g.registry.Get(tenantID)
	if !ok {
		return sandboxrt.Stats{}, apierr.New(apierr.NotFound, fmt.Sprintf("no registered sandbox for tenant %q", tenantID))
	}
	return g.runtime.Stats(ctx, sb.Handle)
}

// OnWake opens a billable session for tenantID. Called when a sandbox
// transitions into running (wake or fresh start).
func (g *Governor) OnWake(ctx context.Context, tenantID string) error {
	return g.cost.OpenSession(ctx, tenantID, time.Now().UTC())
}

// OnIdle closes tenantID's open session, if any, accumulating its duration.
// Called on pause or stop.
func (g *Governor) OnIdle(ctx context.Context, tenantID string) error {
	return g.cost.CloseSession(ctx, tenantID, time.Now().UTC())
}

// CalculateCost returns the accrued cost in USD for tenantID under plan,
// including any currently-open session's elapsed time.
func (g *Governor) CalculateCost(ctx context.Context, tenantID, plan string) (float64, error) {
	limits, err := g.PlanLimits(plan)
	if err != nil {
		return 0, err
	}

	rec, err := g.cost.Get(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("governor: cost lookup: %w", err)
	}

	totalMs := rec.TotalRuntimeMs
	if rec.CurrentSessionStart != nil {
		totalMs += time.Since(*rec.CurrentSessionStart).Milliseconds()
	}

	hours := float64(totalMs) / 3_600_000.0
	return hours * limits.HourlyRateUS, nil
}
