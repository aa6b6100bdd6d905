package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ocx/controlplane/internal/sandboxrt"
)

// sandboxConfig is the on-disk JSON config file (§6.2) the scan reads for
// the authoritative gateway token and ingress port — handle labels are
// never trusted, since a tenant's own agent could spoof them.
type sandboxConfig struct {
	GatewayToken string `json:"gatewayToken"`
	IngressPort  int    `json:"ingressPort"`
}

func readSandboxConfig(dataDir, tenantID string) (sandboxConfig, error) {
	path := filepath.Join(dataDir, tenantID, "workspace", ".ocmt", "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return sandboxConfig{}, fmt.Errorf("registry: read sandbox config for %q: %w", tenantID, err)
	}
	var cfg sandboxConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return sandboxConfig{}, fmt.Errorf("registry: parse sandbox config for %q: %w", tenantID, err)
	}
	return cfg, nil
}

// Scan enumerates handles whose name begins with namePrefix, rebuilds the
// registry from external inspection, and re-reads each sandbox's gateway
// token from its on-disk config rather than from runtime labels.
// Handle names are expected in the form "<namePrefix><tenantId>".
func Scan(ctx context.Context, rt sandboxrt.Runtime, reg *Registry, dataDir, namePrefix string) error {
	named, err := rt.ListNamed(ctx, namePrefix)
	if err != nil {
		return fmt.Errorf("registry: scan list: %w", err)
	}

	for _, n := range named {
		tenantID := n.Name[len(namePrefix):]
		if tenantID == "" {
			continue
		}

		insp, err := rt.Inspect(ctx, n.Handle)
		if err != nil {
			slog.Warn("registry: scan inspect failed, skipping", "tenantId", tenantID, "error", err)
			continue
		}

		cfg, err := readSandboxConfig(dataDir, tenantID)
		if err != nil {
			slog.Warn("registry: scan could not read sandbox config, skipping", "tenantId", tenantID, "error", err)
			continue
		}

		reg.UpsertOnScan(tenantID, n.Handle, cfg.IngressPort, cfg.GatewayToken, toHibernationState(insp.State))
	}
	return nil
}

func toHibernationState(s sandboxrt.State) HibernationState {
	switch s {
	case sandboxrt.StateRunning:
		return StateRunning
	case sandboxrt.StatePaused:
		return StatePaused
	default:
		return StateStopped
	}
}
