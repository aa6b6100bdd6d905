package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Control plane configuration with environment overrides
// =============================================================================

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Sandbox     SandboxConfig     `yaml:"sandbox"`
	Hibernation HibernationConfig `yaml:"hibernation"`
	Wake        WakeConfig        `yaml:"wake"`
	Plans       PlansConfig       `yaml:"plans"`
	Vault       VaultConfig       `yaml:"vault"`
	KeyRotation KeyRotationConfig `yaml:"key_rotation"`
	Bloom       BloomConfig       `yaml:"bloom"`
	Relay       RelayConfig       `yaml:"relay"`
	PubSub      PubSubConfig      `yaml:"pubsub"`
	CloudTasks  CloudTasksConfig  `yaml:"cloud_tasks"`
	Redis       RedisConfig       `yaml:"redis"`
	Admin       AdminConfig       `yaml:"admin"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	Interface        string   `yaml:"interface"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// DatabaseConfig holds the Postgres DSN for the revocation, snapshot and
// cost stores, the per-tenant data directory, and the sandbox name prefix.
// The Supabase settings are loaded from file and environment; no component
// reads them.
type DatabaseConfig struct {
	PostgresDSN     string         `yaml:"postgres_dsn"`
	Supabase        SupabaseConfig `yaml:"supabase"`
	DataDir         string         `yaml:"data_dir"`
	SandboxPrefix   string         `yaml:"sandbox_prefix"`
}

type SupabaseConfig struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`
}

// SandboxConfig governs the runtime adapter and per-tenant workspace layout.
type SandboxConfig struct {
	RuntimeImage   string `yaml:"runtime_image"`
	GvisorRuntime  string `yaml:"gvisor_runtime"` // "" disables gVisor
	IngressPortMin int    `yaml:"ingress_port_min"`
	IngressPortMax int    `yaml:"ingress_port_max"`
}

type HibernationConfig struct {
	ScanIntervalSec int `yaml:"scan_interval_sec"`
	PauseAfterSec   int `yaml:"pause_after_sec"`
	StopAfterSec    int `yaml:"stop_after_sec"`
}

type WakeConfig struct {
	TimeoutSec       int `yaml:"timeout_sec"`
	HealthTimeoutSec int `yaml:"health_timeout_sec"`
	HealthPollMs     int `yaml:"health_poll_ms"`
}

type PlansConfig struct {
	Free       PlanLimits `yaml:"free"`
	Pro        PlanLimits `yaml:"pro"`
	Enterprise PlanLimits `yaml:"enterprise"`
}

type PlanLimits struct {
	MemBytes     int64   `yaml:"mem_bytes"`
	SwapBytes    int64   `yaml:"swap_bytes"`
	CPUShares    int64   `yaml:"cpu_shares"`
	CPUQuota     int64   `yaml:"cpu_quota"`
	CPUPeriod    int64   `yaml:"cpu_period"`
	PidsLimit    int64   `yaml:"pids_limit"`
	HourlyRateUS float64 `yaml:"hourly_rate_usd"`
}

type VaultConfig struct {
	KDFAlgorithm    string `yaml:"kdf_algorithm"` // "argon2id" or "scrypt"
	AEADAlgorithm   string `yaml:"aead_algorithm"` // "xchacha20-poly1305" or "aes-256-gcm"
	SessionTimeoutS int    `yaml:"session_timeout_sec"`
	Argon2Time      int    `yaml:"argon2_time"`
	Argon2MemoryKB  int    `yaml:"argon2_memory_kb"`
	Argon2Threads   int    `yaml:"argon2_threads"`
}

type KeyRotationConfig struct {
	DefaultTransitionHours int `yaml:"default_transition_hours"`
}

type BloomConfig struct {
	ExpectedItems   int     `yaml:"expected_items"`
	FalsePositiveP  float64 `yaml:"false_positive_rate"`
	CleanupInterval int     `yaml:"cleanup_interval_sec"`
	SaveDebounceMs  int     `yaml:"save_debounce_ms"`
}

type RelayConfig struct {
	URLs                 []string `yaml:"urls"`
	Strategy             string   `yaml:"strategy"` // primary | round-robin | latency
	RequestTimeoutSec    int      `yaml:"request_timeout_sec"`
	MaxRetries           int      `yaml:"max_retries"`
	CircuitThreshold     int      `yaml:"circuit_threshold"`
	CircuitResetSec      int      `yaml:"circuit_reset_sec"`
	HealthCheckSec       int      `yaml:"health_check_sec"`
	ClockSkewToleranceS  int      `yaml:"clock_skew_tolerance_sec"`
	ForceTryWhenAllOpen  bool     `yaml:"force_try_when_all_open"`
}

// PubSubConfig for the cross-instance revocation/key-rotation fanout bus.
type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
	Enabled   bool   `yaml:"enabled"`
}

// CloudTasksConfig holds Cloud Tasks queue settings. They are loaded and
// defaulted here; no component enqueues tasks with them.
type CloudTasksConfig struct {
	ProjectID  string `yaml:"project_id"`
	LocationID string `yaml:"location_id"`
	QueueID    string `yaml:"queue_id"`
	Enabled    bool   `yaml:"enabled"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AdminConfig holds the shared admin bearer token used by the Unlock Bridge.
type AdminConfig struct {
	Token string `yaml:"token"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// Reset clears the singleton. Tests use this to rebuild config between cases.
func Reset() {
	instance = nil
	once = sync.Once{}
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("OCX_ENV", c.Server.Env)
	c.Server.Interface = getEnv("OCX_INTERFACE", c.Server.Interface)
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	c.Database.PostgresDSN = getEnv("POSTGRES_DSN", c.Database.PostgresDSN)
	c.Database.Supabase.URL = getEnv("SUPABASE_URL", c.Database.Supabase.URL)
	c.Database.Supabase.ServiceKey = getEnv("SUPABASE_SERVICE_KEY", c.Database.Supabase.ServiceKey)
	c.Database.DataDir = getEnv("DATA_DIR", c.Database.DataDir)
	c.Database.SandboxPrefix = getEnv("SANDBOX_PREFIX", c.Database.SandboxPrefix)

	c.Sandbox.RuntimeImage = getEnv("SANDBOX_RUNTIME_IMAGE", c.Sandbox.RuntimeImage)
	c.Sandbox.GvisorRuntime = getEnv("SANDBOX_GVISOR_RUNTIME", c.Sandbox.GvisorRuntime)
	if v := getEnvInt("SANDBOX_INGRESS_PORT_MIN", 0); v > 0 {
		c.Sandbox.IngressPortMin = v
	}
	if v := getEnvInt("SANDBOX_INGRESS_PORT_MAX", 0); v > 0 {
		c.Sandbox.IngressPortMax = v
	}

	if v := getEnvInt("HIBERNATION_SCAN_INTERVAL_SEC", 0); v > 0 {
		c.Hibernation.ScanIntervalSec = v
	}
	if v := getEnvInt("HIBERNATION_PAUSE_AFTER_SEC", 0); v > 0 {
		c.Hibernation.PauseAfterSec = v
	}
	if v := getEnvInt("HIBERNATION_STOP_AFTER_SEC", 0); v > 0 {
		c.Hibernation.StopAfterSec = v
	}

	if v := getEnvInt("WAKE_TIMEOUT_SEC", 0); v > 0 {
		c.Wake.TimeoutSec = v
	}
	if v := getEnvInt("WAKE_HEALTH_TIMEOUT_SEC", 0); v > 0 {
		c.Wake.HealthTimeoutSec = v
	}
	if v := getEnvInt("WAKE_HEALTH_POLL_MS", 0); v > 0 {
		c.Wake.HealthPollMs = v
	}

	c.Vault.KDFAlgorithm = getEnv("VAULT_KDF_ALGORITHM", c.Vault.KDFAlgorithm)
	c.Vault.AEADAlgorithm = getEnv("VAULT_AEAD_ALGORITHM", c.Vault.AEADAlgorithm)
	if v := getEnvInt("VAULT_SESSION_TIMEOUT_SEC", 0); v > 0 {
		c.Vault.SessionTimeoutS = v
	}
	if v := getEnvInt("VAULT_ARGON2_TIME", 0); v > 0 {
		c.Vault.Argon2Time = v
	}
	if v := getEnvInt("VAULT_ARGON2_MEMORY_KB", 0); v > 0 {
		c.Vault.Argon2MemoryKB = v
	}
	if v := getEnvInt("VAULT_ARGON2_THREADS", 0); v > 0 {
		c.Vault.Argon2Threads = v
	}

	if v := getEnvInt("KEY_ROTATION_TRANSITION_HOURS", 0); v > 0 {
		c.KeyRotation.DefaultTransitionHours = v
	}

	if v := getEnvInt("BLOOM_EXPECTED_ITEMS", 0); v > 0 {
		c.Bloom.ExpectedItems = v
	}
	if v := getEnvFloat("BLOOM_FALSE_POSITIVE_RATE", 0); v > 0 {
		c.Bloom.FalsePositiveP = v
	}
	if v := getEnvInt("BLOOM_CLEANUP_INTERVAL_SEC", 0); v > 0 {
		c.Bloom.CleanupInterval = v
	}
	if v := getEnvInt("BLOOM_SAVE_DEBOUNCE_MS", 0); v > 0 {
		c.Bloom.SaveDebounceMs = v
	}

	if urls := getEnv("RELAY_URLS", ""); urls != "" {
		c.Relay.URLs = splitCSV(urls)
	}
	c.Relay.Strategy = getEnv("RELAY_STRATEGY", c.Relay.Strategy)
	if v := getEnvInt("RELAY_REQUEST_TIMEOUT_SEC", 0); v > 0 {
		c.Relay.RequestTimeoutSec = v
	}
	if v := getEnvInt("RELAY_MAX_RETRIES", -1); v >= 0 {
		c.Relay.MaxRetries = v
	}
	if v := getEnvInt("RELAY_CIRCUIT_THRESHOLD", 0); v > 0 {
		c.Relay.CircuitThreshold = v
	}
	if v := getEnvInt("RELAY_CIRCUIT_RESET_SEC", 0); v > 0 {
		c.Relay.CircuitResetSec = v
	}
	if v := getEnvInt("RELAY_HEALTH_CHECK_SEC", 0); v > 0 {
		c.Relay.HealthCheckSec = v
	}
	if v := getEnvInt("RELAY_CLOCK_SKEW_TOLERANCE_SEC", 0); v > 0 {
		c.Relay.ClockSkewToleranceS = v
	}
	c.Relay.ForceTryWhenAllOpen = getEnvBool("RELAY_FORCE_TRY_WHEN_ALL_OPEN", c.Relay.ForceTryWhenAllOpen)

	if projectID := getEnv("GCP_PROJECT_ID", ""); projectID != "" {
		c.PubSub.ProjectID = projectID
		c.CloudTasks.ProjectID = projectID
	}
	c.PubSub.TopicID = getEnv("PUBSUB_TOPIC_ID", c.PubSub.TopicID)
	c.PubSub.Enabled = getEnvBool("PUBSUB_ENABLED", c.PubSub.Enabled)

	c.CloudTasks.LocationID = getEnv("CLOUD_TASKS_LOCATION", c.CloudTasks.LocationID)
	c.CloudTasks.QueueID = getEnv("CLOUD_TASKS_QUEUE", c.CloudTasks.QueueID)
	c.CloudTasks.Enabled = getEnvBool("CLOUD_TASKS_ENABLED", c.CloudTasks.Enabled)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	if v := getEnvInt("REDIS_DB", 0); v > 0 {
		c.Redis.DB = v
	}

	c.Admin.Token = getEnv("ADMIN_TOKEN", c.Admin.Token)

	c.applyDefaults()
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}

	if c.Database.DataDir == "" {
		c.Database.DataDir = "/var/lib/ocx-sandboxes"
	}
	if c.Database.SandboxPrefix == "" {
		c.Database.SandboxPrefix = "ocx-sandbox-"
	}

	if c.Sandbox.RuntimeImage == "" {
		c.Sandbox.RuntimeImage = "ocx/sandbox-agent:latest"
	}
	if c.Sandbox.IngressPortMin == 0 {
		c.Sandbox.IngressPortMin = 20000
	}
	if c.Sandbox.IngressPortMax == 0 {
		c.Sandbox.IngressPortMax = 29999
	}

	if c.Hibernation.ScanIntervalSec == 0 {
		c.Hibernation.ScanIntervalSec = 60
	}
	if c.Hibernation.PauseAfterSec == 0 {
		c.Hibernation.PauseAfterSec = int((30 * time.Minute).Seconds())
	}
	if c.Hibernation.StopAfterSec == 0 {
		c.Hibernation.StopAfterSec = int((4 * time.Hour).Seconds())
	}

	if c.Wake.TimeoutSec == 0 {
		c.Wake.TimeoutSec = 30
	}
	if c.Wake.HealthTimeoutSec == 0 {
		c.Wake.HealthTimeoutSec = 5
	}
	if c.Wake.HealthPollMs == 0 {
		c.Wake.HealthPollMs = 200
	}

	if c.Plans.Free.MemBytes == 0 {
		c.Plans = defaultPlans()
	}

	if c.Vault.KDFAlgorithm == "" {
		c.Vault.KDFAlgorithm = "argon2id"
	}
	if c.Vault.AEADAlgorithm == "" {
		c.Vault.AEADAlgorithm = "xchacha20-poly1305"
	}
	if c.Vault.SessionTimeoutS == 0 {
		c.Vault.SessionTimeoutS = int((30 * time.Minute).Seconds())
	}
	if c.Vault.Argon2Time == 0 {
		c.Vault.Argon2Time = 1
	}
	if c.Vault.Argon2MemoryKB == 0 {
		c.Vault.Argon2MemoryKB = 64 * 1024
	}
	if c.Vault.Argon2Threads == 0 {
		c.Vault.Argon2Threads = 4
	}

	if c.KeyRotation.DefaultTransitionHours == 0 {
		c.KeyRotation.DefaultTransitionHours = 24
	}

	if c.Bloom.ExpectedItems == 0 {
		c.Bloom.ExpectedItems = 100_000
	}
	if c.Bloom.FalsePositiveP == 0 {
		c.Bloom.FalsePositiveP = 0.001
	}
	if c.Bloom.CleanupInterval == 0 {
		c.Bloom.CleanupInterval = 3600
	}
	if c.Bloom.SaveDebounceMs == 0 {
		c.Bloom.SaveDebounceMs = 1000
	}

	if len(c.Relay.URLs) == 0 {
		c.Relay.URLs = []string{"http://localhost:8090"}
	}
	if c.Relay.Strategy == "" {
		c.Relay.Strategy = "primary"
	}
	if c.Relay.RequestTimeoutSec == 0 {
		c.Relay.RequestTimeoutSec = 5
	}
	if c.Relay.MaxRetries == 0 {
		c.Relay.MaxRetries = 2
	}
	if c.Relay.CircuitThreshold == 0 {
		c.Relay.CircuitThreshold = 3
	}
	if c.Relay.CircuitResetSec == 0 {
		c.Relay.CircuitResetSec = 60
	}
	if c.Relay.HealthCheckSec == 0 {
		c.Relay.HealthCheckSec = 30
	}
	if c.Relay.ClockSkewToleranceS == 0 {
		c.Relay.ClockSkewToleranceS = 300
	}

	if c.PubSub.TopicID == "" {
		c.PubSub.TopicID = "ocx-capability-events"
	}
	if c.CloudTasks.LocationID == "" {
		c.CloudTasks.LocationID = "us-central1"
	}
	if c.CloudTasks.QueueID == "" {
		c.CloudTasks.QueueID = "ocx-snapshot-retry"
	}
}

func defaultPlans() PlansConfig {
	return PlansConfig{
		Free: PlanLimits{
			MemBytes: 256 * 1024 * 1024, SwapBytes: 0,
			CPUShares: 256, CPUQuota: 25_000, CPUPeriod: 100_000,
			PidsLimit: 64, HourlyRateUS: 0,
		},
		Pro: PlanLimits{
			MemBytes: 1024 * 1024 * 1024, SwapBytes: 256 * 1024 * 1024,
			CPUShares: 1024, CPUQuota: 100_000, CPUPeriod: 100_000,
			PidsLimit: 256, HourlyRateUS: 0.08,
		},
		Enterprise: PlanLimits{
			MemBytes: 4096 * 1024 * 1024, SwapBytes: 1024 * 1024 * 1024,
			CPUShares: 4096, CPUQuota: 400_000, CPUPeriod: 100_000,
			PidsLimit: 1024, HourlyRateUS: 0.25,
		},
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}

func (c *Config) PlanLimits(plan string) PlanLimits {
	switch plan {
	case "pro":
		return c.Plans.Pro
	case "enterprise":
		return c.Plans.Enterprise
	default:
		return c.Plans.Free
	}
}

func (c *Config) PauseAfter() time.Duration {
	return time.Duration(c.Hibernation.PauseAfterSec) * time.Second
}

func (c *Config) StopAfter() time.Duration {
	return time.Duration(c.Hibernation.StopAfterSec) * time.Second
}
