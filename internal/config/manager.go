package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// TenantOverride captures the handful of per-tenant knobs that legitimately
// vary across tenants: plan tier and, for staged relay migrations, a
// tenant-pinned relay URL list.
type TenantOverride struct {
	Plan      string   `yaml:"plan"`
	RelayURLs []string `yaml:"relay_urls"`
}

// TenantsConfig holds the map of tenant overrides.
type TenantsConfig struct {
	Tenants map[string]TenantOverride `yaml:"tenants"`
}

// Manager resolves the effective plan limits and relay URL list for a given
// tenant, layering tenant overrides on top of the global config.
type Manager struct {
	globalConfig  *Config
	tenantConfigs map[string]TenantOverride
	mu            sync.RWMutex
}

// NewManager loads both the master config and a tenant-overrides file.
func NewManager(masterPath, tenantsPath string) (*Manager, error) {
	master, err := LoadConfig(masterPath)
	if err != nil {
		return nil, err
	}
	master.applyEnvOverrides()

	f, err := os.Open(tenantsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{globalConfig: master, tenantConfigs: make(map[string]TenantOverride)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var tc TenantsConfig
	if err := yaml.NewDecoder(f).Decode(&tc); err != nil {
		return nil, err
	}

	return &Manager{
		globalConfig:  master,
		tenantConfigs: tc.Tenants,
	}, nil
}

// PlanFor returns the effective plan name for a tenant, defaulting to "free".
func (m *Manager) PlanFor(tenantID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if override, ok := m.tenantConfigs[tenantID]; ok && override.Plan != "" {
		return override.Plan
	}
	return "free"
}

// RelayURLsFor returns the effective relay URL list for a tenant, falling
// back to the global relay configuration.
func (m *Manager) RelayURLsFor(tenantID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if override, ok := m.tenantConfigs[tenantID]; ok && len(override.RelayURLs) > 0 {
		return override.RelayURLs
	}
	return m.globalConfig.Relay.URLs
}

// Global returns the underlying global config.
func (m *Manager) Global() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.globalConfig
}
