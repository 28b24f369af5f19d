// Package config handles loading and validating scriptbox configuration.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for scriptbox.
type Config struct {
	LogLevel      string               `json:"log_level,omitempty" yaml:"log_level,omitempty"` // debug, info (default), warn, error.
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`   // Default: ~/.scriptbox/data. Override: SCRIPTBOX_DATA_DIR env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`     // nil = SQLite under DataDir.
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Security      SecurityConfig       `json:"security" yaml:"security"`
	Queue         QueueConfig          `json:"queue" yaml:"queue"`
	Sweeper       *SweeperConfig       `json:"sweeper,omitempty" yaml:"sweeper,omitempty"` // nil = sweeper enabled with defaults.
	HTTP          HTTPConfig           `json:"http" yaml:"http"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default), "postgres" or "memory".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/scriptbox.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: SCRIPTBOX_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// SandboxConfig sets the per-execution ceilings of the script engine.
type SandboxConfig struct {
	TimeoutSeconds int      `json:"timeout_seconds" yaml:"timeout_seconds"`               // Default: 300
	MaxStatements  int      `json:"max_statements" yaml:"max_statements"`                 // Default: 10000
	MaxCallDepth   int      `json:"max_call_depth" yaml:"max_call_depth"`                 // Default: 50
	MaxLogLines    int      `json:"max_log_lines" yaml:"max_log_lines"`                   // Default: 100
	EntryPoints    []string `json:"entry_points,omitempty" yaml:"entry_points,omitempty"` // Default: process, execute, run, main, processData
}

// Timeout returns the wall-clock ceiling of one execution.
func (s SandboxConfig) Timeout() time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}

// PatternRule is a user-supplied validator rule.
type PatternRule struct {
	Name          string `json:"name" yaml:"name"`
	Pattern       string `json:"pattern,omitempty" yaml:"pattern,omitempty"` // Regexp. Empty = literal name.
	CaseSensitive bool   `json:"case_sensitive,omitempty" yaml:"case_sensitive,omitempty"`
}

// SecurityConfig tunes the static script validator. Zero thresholds keep the built-in defaults.
type SecurityConfig struct {
	ReplaceDefaults   bool          `json:"replace_defaults" yaml:"replace_defaults"` // Drop the built-in pattern tables.
	Forbidden         []PatternRule `json:"forbidden,omitempty" yaml:"forbidden,omitempty"`
	Suspicious        []PatternRule `json:"suspicious,omitempty" yaml:"suspicious,omitempty"`
	MaxUnboundedLoops int           `json:"max_unbounded_loops" yaml:"max_unbounded_loops"`
	MaxCountedLoops   int           `json:"max_counted_loops" yaml:"max_counted_loops"`
	MaxLines          int           `json:"max_lines" yaml:"max_lines"`
	MaxLoopDepth      int           `json:"max_loop_depth" yaml:"max_loop_depth"`
	MaxFunctions      int           `json:"max_functions" yaml:"max_functions"`
}

// QueueConfig selects how execution jobs reach the runner.
type QueueConfig struct {
	Driver     string       `json:"driver" yaml:"driver"`           // "local" (default) or "redis".
	Workers    int          `json:"workers" yaml:"workers"`         // Default: 4
	BufferSize int          `json:"buffer_size" yaml:"buffer_size"` // Local queue capacity. Default: 256
	Redis      *RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
}

// QueueDriver returns the configured driver, defaulting to "local".
func (q QueueConfig) QueueDriver() string {
	if q.Driver != "" {
		return q.Driver
	}
	return "local"
}

// WorkerCount returns the number of concurrent job handlers.
func (q QueueConfig) WorkerCount() int {
	if q.Workers > 0 {
		return q.Workers
	}
	return 4
}

// Capacity returns the local queue buffer size.
func (q QueueConfig) Capacity() int {
	if q.BufferSize > 0 {
		return q.BufferSize
	}
	return 256
}

// RedisConfig holds Redis connection settings for the redis queue driver.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"` // Override: SCRIPTBOX_REDIS_ADDR env var.
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db" yaml:"db"`
	Key      string `json:"key,omitempty" yaml:"key,omitempty"` // Default: scriptbox:executions
}

// ListKey returns the Redis list used as the job queue.
func (r *RedisConfig) ListKey() string {
	if r != nil && r.Key != "" {
		return r.Key
	}
	return "scriptbox:executions"
}

// SweeperConfig configures recovery of stuck executions.
type SweeperConfig struct {
	Enabled             bool   `json:"enabled" yaml:"enabled"`
	Schedule            string `json:"schedule" yaml:"schedule"`                           // Cron spec. Default: "@every 1m"
	GraceSeconds        int    `json:"grace_seconds" yaml:"grace_seconds"`                 // Added to the sandbox timeout. Default: 60
	RequeueAfterSeconds int    `json:"requeue_after_seconds" yaml:"requeue_after_seconds"` // Default: 120
}

// IsEnabled reports whether the sweeper should run. A nil config means enabled.
func (s *SweeperConfig) IsEnabled() bool {
	return s == nil || s.Enabled
}

// Spec returns the cron schedule.
func (s *SweeperConfig) Spec() string {
	if s != nil && s.Schedule != "" {
		return s.Schedule
	}
	return "@every 1m"
}

// Grace returns the slack added to the sandbox timeout before a Running record is abandoned.
func (s *SweeperConfig) Grace() time.Duration {
	if s != nil && s.GraceSeconds > 0 {
		return time.Duration(s.GraceSeconds) * time.Second
	}
	return time.Minute
}

// RequeueAfter returns how long a Pending record may wait before it is enqueued again.
func (s *SweeperConfig) RequeueAfter() time.Duration {
	if s != nil && s.RequeueAfterSeconds > 0 {
		return time.Duration(s.RequeueAfterSeconds) * time.Second
	}
	return 2 * time.Minute
}

// HTTPConfig configures the HTTP API gateway.
type HTTPConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080"
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeys             map[string]string `json:"api_keys" yaml:"api_keys"` // API key → user ID. Extra key: SCRIPTBOX_API_KEY env var.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address.
func (h HTTPConfig) Addr() string {
	if h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// RateLimitConfig configures per-user rate limiting for the HTTP gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "scriptbox"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB    bool `json:"include_db" yaml:"include_db"`
	IncludeQueue bool `json:"include_queue" yaml:"include_queue"`
}

// Default returns a configuration usable without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	if cfg.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DataDir = filepath.Join(home, ".scriptbox", "data")
		}
	}
	return cfg
}

// DefaultConfigPath returns the path used when SCRIPTBOX_CONFIG is unset.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/scriptbox.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".scriptbox", "config.yaml")
}

// Load reads the config file at path (JSON, or YAML by extension), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()

	// Resolve DataDir default.
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".scriptbox", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnv applies environment overrides; env vars take precedence over config values.
func (c *Config) applyEnv() {
	if v := os.Getenv("SCRIPTBOX_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SCRIPTBOX_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SCRIPTBOX_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("SCRIPTBOX_REDIS_ADDR"); v != "" {
		if c.Queue.Redis == nil {
			c.Queue.Redis = &RedisConfig{}
		}
		c.Queue.Redis.Addr = v
	}
	if v := os.Getenv("SCRIPTBOX_API_KEY"); v != "" {
		if c.HTTP.APIKeys == nil {
			c.HTTP.APIKeys = make(map[string]string)
		}
		c.HTTP.APIKeys[v] = "default"
	}
}

func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".scriptbox", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "scriptbox.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

// Level maps LogLevel to a slog level. Unknown values mean info.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) validate() error {
	switch c.StorageDriverName() {
	case "sqlite", "memory":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set SCRIPTBOX_DB_DSN env var)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite, postgres or memory)", c.Storage.Driver)
	}

	if c.Sandbox.TimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.timeout_seconds must not be negative")
	}
	if c.Sandbox.MaxStatements < 0 {
		return fmt.Errorf("sandbox.max_statements must not be negative")
	}
	if c.Sandbox.MaxCallDepth < 0 {
		return fmt.Errorf("sandbox.max_call_depth must not be negative")
	}
	for i, name := range c.Sandbox.EntryPoints {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("sandbox.entry_points[%d] is empty", i)
		}
	}

	for i, r := range c.Security.Forbidden {
		if r.Name == "" {
			return fmt.Errorf("security.forbidden[%d].name is required", i)
		}
	}
	for i, r := range c.Security.Suspicious {
		if r.Name == "" {
			return fmt.Errorf("security.suspicious[%d].name is required", i)
		}
	}

	switch c.Queue.QueueDriver() {
	case "local":
	case "redis":
		if c.Queue.Redis == nil || c.Queue.Redis.Addr == "" {
			return fmt.Errorf("queue.redis.addr is required for the redis driver (set SCRIPTBOX_REDIS_ADDR env var)")
		}
	default:
		return fmt.Errorf("queue.driver %q is not supported (use local or redis)", c.Queue.Driver)
	}
	if c.Queue.Workers < 0 {
		return fmt.Errorf("queue.workers must not be negative")
	}

	if c.HTTP.RateLimit.RequestsPerMinute < 0 || c.HTTP.RateLimit.BurstSize < 0 {
		return fmt.Errorf("http.rate_limit values must not be negative")
	}
	if c.HTTP.Enabled && len(c.HTTP.APIKeys) == 0 {
		return fmt.Errorf("http.api_keys must contain at least one key when http is enabled (or set SCRIPTBOX_API_KEY)")
	}
	return nil
}
