// Package config provides configuration management for the gateway.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "CLAUDE_API_"

// Config holds all gateway settings. Zero values are filled from Default()
// before a file or environment override is applied.
type Config struct {
	// Server
	ListenAddr         string   `yaml:"listen_addr"`
	APIKeys            []string `yaml:"api_keys"`
	MaxRequestBodySize int64    `yaml:"max_request_body_size"`

	// Engine defaults
	DefaultModel            string `yaml:"default_model"`
	DefaultMaxTurns         int    `yaml:"default_max_turns"`
	DefaultTimeoutSeconds   int    `yaml:"default_timeout"`
	DefaultPermissionMode   string `yaml:"default_permission_mode"`
	DefaultWorkingDirectory string `yaml:"default_working_directory"`

	// Directory sandboxing
	AllowedDirectories []string `yaml:"allowed_directories"`

	// Session store
	SessionCacheMaxSize int           `yaml:"session_cache_maxsize"`
	SessionCacheTTL     time.Duration `yaml:"session_cache_ttl"`
	SessionDBPath       string        `yaml:"session_db_path"` // empty disables persistence

	// Retry
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	RetryMinWait     time.Duration `yaml:"retry_min_wait"`
	RetryMaxWait     time.Duration `yaml:"retry_max_wait"`
	RetryMultiplier  float64       `yaml:"retry_multiplier"`
	RetryJitterMax   time.Duration `yaml:"retry_jitter_max"`

	// Rate limiting
	RateLimitPerSecond float64 `yaml:"rate_limit_requests_per_second"`
	RateLimitBurst     int     `yaml:"rate_limit_burst_size"`

	// Circuit breaker
	BreakerFailureThreshold int           `yaml:"circuit_breaker_failure_threshold"`
	BreakerSuccessThreshold int           `yaml:"circuit_breaker_success_threshold"`
	BreakerTimeout          time.Duration `yaml:"circuit_breaker_timeout"`

	// Shutdown and streaming
	ShutdownTimeout         time.Duration `yaml:"shutdown_timeout"`
	GeneratorCleanupTimeout time.Duration `yaml:"generator_cleanup_timeout"`
	MessageStallTimeout     time.Duration `yaml:"message_stall_timeout"`

	// Logging
	LogLevel string `yaml:"log_level"`

	// Alerting
	AlertWebhookURL     string        `yaml:"alert_webhook_url"` // empty disables alerting
	AlertWebhookTimeout time.Duration `yaml:"alert_webhook_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:         ":8080",
		MaxRequestBodySize: 150_000,

		DefaultModel:            "claude-sonnet-4-20250514",
		DefaultMaxTurns:         20,
		DefaultTimeoutSeconds:   300,
		DefaultPermissionMode:   "acceptEdits",
		DefaultWorkingDirectory: "/workspace",
		AllowedDirectories:      []string{"/workspace"},

		SessionCacheMaxSize: 1000,
		SessionCacheTTL:     time.Hour,

		RetryMaxAttempts: 3,
		RetryMinWait:     time.Second,
		RetryMaxWait:     10 * time.Second,
		RetryMultiplier:  2.0,
		RetryJitterMax:   time.Second,

		RateLimitPerSecond: 10.0,
		RateLimitBurst:     20,

		BreakerFailureThreshold: 5,
		BreakerSuccessThreshold: 2,
		BreakerTimeout:          30 * time.Second,

		ShutdownTimeout:         30 * time.Second,
		GeneratorCleanupTimeout: 5 * time.Second,
		MessageStallTimeout:     60 * time.Second,

		LogLevel:            "info",
		AlertWebhookTimeout: 5 * time.Second,
	}
}

// DataDir returns the gateway data directory (~/.claude-code-api).
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".claude-code-api")
}

// SettingsPath returns the default config file location.
func SettingsPath() string {
	return filepath.Join(DataDir(), "config.yaml")
}

// EnsureDataDir creates the data directory if missing.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0o755)
}

// rawConfig mirrors Config with string duration fields. yaml.v3 has no
// native decoding for "30s" style values.
type rawConfig struct {
	ListenAddr         string   `yaml:"listen_addr"`
	APIKeys            []string `yaml:"api_keys"`
	MaxRequestBodySize int64    `yaml:"max_request_body_size"`

	DefaultModel            string `yaml:"default_model"`
	DefaultMaxTurns         int    `yaml:"default_max_turns"`
	DefaultTimeoutSeconds   int    `yaml:"default_timeout"`
	DefaultPermissionMode   string `yaml:"default_permission_mode"`
	DefaultWorkingDirectory string `yaml:"default_working_directory"`

	AllowedDirectories []string `yaml:"allowed_directories"`

	SessionCacheMaxSize int    `yaml:"session_cache_maxsize"`
	SessionCacheTTL     string `yaml:"session_cache_ttl"`
	SessionDBPath       string `yaml:"session_db_path"`

	RetryMaxAttempts int     `yaml:"retry_max_attempts"`
	RetryMinWait     string  `yaml:"retry_min_wait"`
	RetryMaxWait     string  `yaml:"retry_max_wait"`
	RetryMultiplier  float64 `yaml:"retry_multiplier"`
	RetryJitterMax   string  `yaml:"retry_jitter_max"`

	RateLimitPerSecond float64 `yaml:"rate_limit_requests_per_second"`
	RateLimitBurst     int     `yaml:"rate_limit_burst_size"`

	BreakerFailureThreshold int    `yaml:"circuit_breaker_failure_threshold"`
	BreakerSuccessThreshold int    `yaml:"circuit_breaker_success_threshold"`
	BreakerTimeout          string `yaml:"circuit_breaker_timeout"`

	ShutdownTimeout         string `yaml:"shutdown_timeout"`
	GeneratorCleanupTimeout string `yaml:"generator_cleanup_timeout"`
	MessageStallTimeout     string `yaml:"message_stall_timeout"`

	LogLevel string `yaml:"log_level"`

	AlertWebhookURL     string `yaml:"alert_webhook_url"`
	AlertWebhookTimeout string `yaml:"alert_webhook_timeout"`
}

// UnmarshalYAML decodes through rawConfig so duration keys accept Go
// duration syntax. Keys absent from the document keep their current values.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	raw := rawConfig{
		ListenAddr:         c.ListenAddr,
		APIKeys:            c.APIKeys,
		MaxRequestBodySize: c.MaxRequestBodySize,

		DefaultModel:            c.DefaultModel,
		DefaultMaxTurns:         c.DefaultMaxTurns,
		DefaultTimeoutSeconds:   c.DefaultTimeoutSeconds,
		DefaultPermissionMode:   c.DefaultPermissionMode,
		DefaultWorkingDirectory: c.DefaultWorkingDirectory,

		AllowedDirectories: c.AllowedDirectories,

		SessionCacheMaxSize: c.SessionCacheMaxSize,
		SessionCacheTTL:     c.SessionCacheTTL.String(),
		SessionDBPath:       c.SessionDBPath,

		RetryMaxAttempts: c.RetryMaxAttempts,
		RetryMinWait:     c.RetryMinWait.String(),
		RetryMaxWait:     c.RetryMaxWait.String(),
		RetryMultiplier:  c.RetryMultiplier,
		RetryJitterMax:   c.RetryJitterMax.String(),

		RateLimitPerSecond: c.RateLimitPerSecond,
		RateLimitBurst:     c.RateLimitBurst,

		BreakerFailureThreshold: c.BreakerFailureThreshold,
		BreakerSuccessThreshold: c.BreakerSuccessThreshold,
		BreakerTimeout:          c.BreakerTimeout.String(),

		ShutdownTimeout:         c.ShutdownTimeout.String(),
		GeneratorCleanupTimeout: c.GeneratorCleanupTimeout.String(),
		MessageStallTimeout:     c.MessageStallTimeout.String(),

		LogLevel: c.LogLevel,

		AlertWebhookURL:     c.AlertWebhookURL,
		AlertWebhookTimeout: c.AlertWebhookTimeout.String(),
	}

	if err := node.Decode(&raw); err != nil {
		return err
	}

	c.ListenAddr = raw.ListenAddr
	c.APIKeys = raw.APIKeys
	c.MaxRequestBodySize = raw.MaxRequestBodySize
	c.DefaultModel = raw.DefaultModel
	c.DefaultMaxTurns = raw.DefaultMaxTurns
	c.DefaultTimeoutSeconds = raw.DefaultTimeoutSeconds
	c.DefaultPermissionMode = raw.DefaultPermissionMode
	c.DefaultWorkingDirectory = raw.DefaultWorkingDirectory
	c.AllowedDirectories = raw.AllowedDirectories
	c.SessionCacheMaxSize = raw.SessionCacheMaxSize
	c.SessionDBPath = raw.SessionDBPath
	c.RetryMaxAttempts = raw.RetryMaxAttempts
	c.RetryMultiplier = raw.RetryMultiplier
	c.RateLimitPerSecond = raw.RateLimitPerSecond
	c.RateLimitBurst = raw.RateLimitBurst
	c.BreakerFailureThreshold = raw.BreakerFailureThreshold
	c.BreakerSuccessThreshold = raw.BreakerSuccessThreshold
	c.LogLevel = raw.LogLevel
	c.AlertWebhookURL = raw.AlertWebhookURL

	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"session_cache_ttl", raw.SessionCacheTTL, &c.SessionCacheTTL},
		{"retry_min_wait", raw.RetryMinWait, &c.RetryMinWait},
		{"retry_max_wait", raw.RetryMaxWait, &c.RetryMaxWait},
		{"retry_jitter_max", raw.RetryJitterMax, &c.RetryJitterMax},
		{"circuit_breaker_timeout", raw.BreakerTimeout, &c.BreakerTimeout},
		{"shutdown_timeout", raw.ShutdownTimeout, &c.ShutdownTimeout},
		{"generator_cleanup_timeout", raw.GeneratorCleanupTimeout, &c.GeneratorCleanupTimeout},
		{"message_stall_timeout", raw.MessageStallTimeout, &c.MessageStallTimeout},
		{"alert_webhook_timeout", raw.AlertWebhookTimeout, &c.AlertWebhookTimeout},
	}
	for _, f := range durations {
		d, err := time.ParseDuration(f.val)
		if err != nil {
			return fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = d
	}
	return nil
}

// Load reads the config file at path (SettingsPath() when empty), overlays
// environment variables, and validates the result. A missing file is not an
// error; defaults plus environment apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = SettingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults apply.
	default:
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays CLAUDE_API_* environment variables onto the config.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvPrefix + "LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv(EnvPrefix + "KEYS"); v != "" {
		c.APIKeys = splitList(v)
	}
	if v := os.Getenv(EnvPrefix + "DEFAULT_MODEL"); v != "" {
		c.DefaultModel = v
	}
	if v := os.Getenv(EnvPrefix + "DEFAULT_WORKING_DIRECTORY"); v != "" {
		c.DefaultWorkingDirectory = v
	}
	if v := os.Getenv(EnvPrefix + "ALLOWED_DIRECTORIES"); v != "" {
		c.AllowedDirectories = splitList(v)
	}
	if v := os.Getenv(EnvPrefix + "SESSION_DB_PATH"); v != "" {
		c.SessionDBPath = v
	}
	if v := os.Getenv(EnvPrefix + "ALERT_WEBHOOK_URL"); v != "" {
		c.AlertWebhookURL = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvPrefix + "RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.RateLimitPerSecond = f
		}
	}
	if v := os.Getenv(EnvPrefix + "RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.RateLimitBurst = n
		}
	}
	if v := os.Getenv(EnvPrefix + "SESSION_CACHE_MAXSIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.SessionCacheMaxSize = n
		}
	}
	if v := os.Getenv(EnvPrefix + "SESSION_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.SessionCacheTTL = d
		}
	}
	if v := os.Getenv(EnvPrefix + "SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.ShutdownTimeout = d
		}
	}
	if v := os.Getenv(EnvPrefix + "MESSAGE_STALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.MessageStallTimeout = d
		}
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.SessionCacheMaxSize <= 0 {
		return fmt.Errorf("session_cache_maxsize must be positive")
	}
	if c.SessionCacheTTL <= 0 {
		return fmt.Errorf("session_cache_ttl must be positive")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("retry_max_attempts must be at least 1")
	}
	if c.RetryMultiplier < 1 {
		return fmt.Errorf("retry_multiplier must be >= 1")
	}
	if c.RateLimitPerSecond <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	if c.BreakerFailureThreshold <= 0 || c.BreakerSuccessThreshold <= 0 {
		return fmt.Errorf("circuit breaker thresholds must be positive")
	}
	if c.MessageStallTimeout <= 0 {
		return fmt.Errorf("message_stall_timeout must be positive")
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
