package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RoutingRuleSeed describes a routing rule declared in config.yaml.
// Operators can override the built-in seed rules (or add more) this way;
// every entry is upserted by rule_id at each startup, so it replaces any
// row with the same rule_id, including one edited through the API.
type RoutingRuleSeed struct {
	RuleID     string `yaml:"rule_id"`
	Priority   int    `yaml:"priority"`
	Condition  string `yaml:"condition"`
	AgentID    string `yaml:"agent_id"`
	Disabled   bool   `yaml:"disabled"`
}

// CORSConfig controls the Gateway's CORS middleware.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig controls the Gateway's token-bucket request limiter.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// Config holds the task hub's runtime configuration, loaded from
// config.yaml with env-var overrides layered on top.
type Config struct {
	HomeDir string `yaml:"-"`

	// SecretKey signs and verifies HMAC task submissions. Loaded only
	// from the SECRET_KEY env var — never persisted to config.yaml.
	SecretKey string `yaml:"-"`

	DBPath     string `yaml:"db_path"`
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`

	// DefaultLeaseSeconds is the lease duration granted to every task on
	// dispatch (NextForAgent).
	DefaultLeaseSeconds int `yaml:"default_lease_seconds"`

	// SweepIntervalSeconds is the Lease Sweeper's tick interval.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`

	// AgingIntervalSeconds is the Priority Ager's tick interval.
	AgingIntervalSeconds int `yaml:"aging_interval_seconds"`
	// AgingThresholdSeconds is how long a task must sit PENDING before its
	// priority is bumped.
	AgingThresholdSeconds int `yaml:"aging_threshold_seconds"`
	// AgingStep is how much priority increases per aging pass.
	AgingStep int `yaml:"aging_step"`
	// MaxPriority caps priority aging.
	MaxPriority int `yaml:"max_priority"`

	MaxRetries int `yaml:"max_retries"`

	// SignatureMaxSkewSeconds bounds how stale an HMAC-signed submission's
	// timestamp may be before it is rejected.
	SignatureMaxSkewSeconds int `yaml:"signature_max_skew_seconds"`

	OTel       OTelConfig      `yaml:"otel"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	CORS       CORSConfig      `yaml:"cors"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`

	RoutingRules []RoutingRuleSeed `yaml:"routing_rules"`

	NeedsGenesis bool `yaml:"-"`
}

// OTelConfig mirrors otelx.Config's yaml shape so config.yaml can configure
// tracing/metrics without internal/config importing internal/otelx.
type OTelConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// PrometheusConfig controls the /metrics scrape endpoint.
type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config, used to log a
// single line identifying the effective configuration at startup without
// echoing the secret key.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "listen=%s|db=%s|log=%s|lease=%d|sweep=%d|aging=%d/%d/%d/%d|retries=%d",
		c.ListenAddr, c.DBPath, c.LogLevel, c.DefaultLeaseSeconds,
		c.SweepIntervalSeconds, c.AgingIntervalSeconds, c.AgingThresholdSeconds,
		c.AgingStep, c.MaxPriority, c.MaxRetries)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		DBPath:                  "./taskhub.db",
		ListenAddr:               "127.0.0.1:8780",
		LogLevel:                 "info",
		DefaultLeaseSeconds:      60,
		SweepIntervalSeconds:     10,
		AgingIntervalSeconds:     60,
		AgingThresholdSeconds:    300,
		AgingStep:                1,
		MaxPriority:              3,
		MaxRetries:               5,
		SignatureMaxSkewSeconds:  300,
		Prometheus:               PrometheusConfig{Enabled: true, Path: "/metrics"},
		CORS:                     CORSConfig{Enabled: false},
		RateLimit:                RateLimitConfig{Enabled: true, RequestsPerMinute: 600, BurstSize: 60},
	}
}

// HomeDir resolves the directory holding config.yaml and the SQLite file,
// honoring the A2A_TASKHUB_HOME override for tests and multi-instance runs.
func HomeDir() string {
	if override := os.Getenv("A2A_TASKHUB_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".a2a-taskhub")
}

// Load reads config.yaml (creating HomeDir if needed) and applies env
// overrides, including SECRET_KEY. It does not reject an empty
// SECRET_KEY; the caller checks for it.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create task hub home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = "./taskhub.db"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8780"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DefaultLeaseSeconds <= 0 {
		cfg.DefaultLeaseSeconds = 60
	}
	if cfg.SweepIntervalSeconds <= 0 {
		cfg.SweepIntervalSeconds = 10
	}
	if cfg.AgingIntervalSeconds <= 0 {
		cfg.AgingIntervalSeconds = 60
	}
	if cfg.AgingThresholdSeconds <= 0 {
		cfg.AgingThresholdSeconds = 300
	}
	if cfg.AgingStep <= 0 {
		cfg.AgingStep = 1
	}
	if cfg.MaxPriority <= 0 {
		cfg.MaxPriority = 3
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.SignatureMaxSkewSeconds <= 0 {
		cfg.SignatureMaxSkewSeconds = 300
	}
	if strings.TrimSpace(cfg.Prometheus.Path) == "" {
		cfg.Prometheus.Path = "/metrics"
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.SecretKey = os.Getenv("SECRET_KEY")

	if raw := os.Getenv("A2A_TASKHUB_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("A2A_TASKHUB_LISTEN_ADDR"); raw != "" {
		cfg.ListenAddr = raw
	}
	if raw := os.Getenv("A2A_TASKHUB_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("A2A_TASKHUB_DEFAULT_LEASE_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DefaultLeaseSeconds = v
		}
	}
	if raw := os.Getenv("A2A_TASKHUB_SWEEP_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.SweepIntervalSeconds = v
		}
	}
	if raw := os.Getenv("A2A_TASKHUB_AGING_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.AgingIntervalSeconds = v
		}
	}
	if raw := os.Getenv("A2A_TASKHUB_MAX_RETRIES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxRetries = v
		}
	}
}
