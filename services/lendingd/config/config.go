package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListen         = ":8080"
	defaultJWTSecretEnv   = "LENDING_JWT_SECRET"
	defaultAuditDSNEnv    = "LENDING_AUDIT_DSN"
	defaultServiceName    = "lendingd"
	defaultPriceMaxAge    = time.Hour
	defaultRequestsPerMin = 120
	defaultBurst          = 20
)

// Config captures the runtime settings for the lending daemon.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"environment"`
	LogLevel      string          `yaml:"log_level"`
	LogFile       LogFileConfig   `yaml:"log_file"`
	DataDir       string          `yaml:"data_dir"`
	GenesisPath   string          `yaml:"genesis"`
	TLS           TLSConfig       `yaml:"tls"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Pricing       PricingConfig   `yaml:"pricing"`
	Swap          SwapConfig      `yaml:"swap"`
	Audit         AuditConfig     `yaml:"audit"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
	ShutdownGrace time.Duration   `yaml:"shutdown_grace"`
}

// LogFileConfig mirrors JSON logs into a size-rotated file. An empty path
// keeps logging on stdout only.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// TLSConfig describes the TLS material for the HTTP server.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuthConfig configures HS256 bearer tokens. The secret is read from
// SecretEnv when Secret is empty.
type AuthConfig struct {
	Secret    string        `yaml:"jwt_secret"`
	SecretEnv string        `yaml:"jwt_secret_env"`
	Issuer    string        `yaml:"issuer"`
	Audience  string        `yaml:"audience"`
	ClockSkew time.Duration `yaml:"clock_skew"`
}

// RateLimitConfig bounds requests per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// PricingConfig tunes the price router guards.
type PricingConfig struct {
	MaxAge              time.Duration `yaml:"max_age"`
	CautionDeviationBps uint32        `yaml:"caution_deviation_bps"`
	BadDeviationBps     uint32        `yaml:"bad_deviation_bps"`
}

// SwapConfig enables liquidate-and-swap through the oracle swapper. Venue is
// the bech32 account that settles swaps.
type SwapConfig struct {
	Enabled bool   `yaml:"enabled"`
	Venue   string `yaml:"venue"`
	FeeBps  uint64 `yaml:"fee_bps"`
}

// AuditConfig selects the audit log database. An empty driver disables it.
type AuditConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	DSNEnv string `yaml:"dsn_env"`
}

// TelemetryConfig configures OTLP trace export. Metrics are scraped from
// /metrics instead.
type TelemetryConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	ServiceName string            `yaml:"service_name"`
	Traces      bool              `yaml:"traces"`
	SampleRatio float64           `yaml:"sample_ratio"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{ListenAddress: defaultListen}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFile.Path = strings.TrimSpace(cfg.LogFile.Path)
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	cfg.GenesisPath = strings.TrimSpace(cfg.GenesisPath)
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	cfg.TLS.normalize()
	cfg.Auth.normalize()
	cfg.RateLimit.normalize()
	if cfg.Pricing.MaxAge <= 0 {
		cfg.Pricing.MaxAge = defaultPriceMaxAge
	}
	cfg.Swap.Venue = strings.TrimSpace(cfg.Swap.Venue)
	cfg.Audit.normalize()
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
	if strings.TrimSpace(cfg.Telemetry.ServiceName) == "" {
		cfg.Telemetry.ServiceName = defaultServiceName
	}
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if cfg.GenesisPath == "" {
		return fmt.Errorf("genesis: path required")
	}
	switch cfg.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level: unsupported level %q", cfg.LogLevel)
	}
	if cfg.LogFile.MaxSizeMB < 0 || cfg.LogFile.MaxBackups < 0 || cfg.LogFile.MaxAgeDays < 0 {
		return fmt.Errorf("log_file: limits must not be negative")
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if cfg.Auth.Secret == "" {
		return fmt.Errorf("auth: jwt secret required (set jwt_secret or $%s)", cfg.Auth.SecretEnv)
	}
	if cfg.Pricing.BadDeviationBps != 0 && cfg.Pricing.BadDeviationBps < cfg.Pricing.CautionDeviationBps {
		return fmt.Errorf("pricing: bad_deviation_bps below caution_deviation_bps")
	}
	if cfg.Swap.Enabled && cfg.Swap.FeeBps >= 10_000 {
		return fmt.Errorf("swap: fee_bps must be below 10000")
	}
	if err := cfg.Audit.validate(); err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0,1]")
	}
	return nil
}

func (cfg *TLSConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.CertPath = strings.TrimSpace(cfg.CertPath)
	cfg.KeyPath = strings.TrimSpace(cfg.KeyPath)
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	return nil
}

// Enabled reports whether the server should terminate TLS itself.
func (cfg TLSConfig) Enabled() bool {
	return cfg.CertPath != "" && cfg.KeyPath != ""
}

func (cfg *AuthConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.SecretEnv = strings.TrimSpace(cfg.SecretEnv)
	if cfg.SecretEnv == "" {
		cfg.SecretEnv = defaultJWTSecretEnv
	}
	cfg.Secret = strings.TrimSpace(cfg.Secret)
	if cfg.Secret == "" {
		cfg.Secret = strings.TrimSpace(os.Getenv(cfg.SecretEnv))
	}
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	cfg.Audience = strings.TrimSpace(cfg.Audience)
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
}

func (cfg *RateLimitConfig) normalize() {
	if cfg == nil {
		return
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRequestsPerMin
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
}

func (cfg *AuditConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	cfg.DSNEnv = strings.TrimSpace(cfg.DSNEnv)
	if cfg.DSNEnv == "" {
		cfg.DSNEnv = defaultAuditDSNEnv
	}
	cfg.DSN = strings.TrimSpace(cfg.DSN)
	if cfg.DSN == "" && cfg.Driver != "" {
		cfg.DSN = strings.TrimSpace(os.Getenv(cfg.DSNEnv))
	}
}

func (cfg AuditConfig) validate() error {
	switch cfg.Driver {
	case "":
		return nil
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return fmt.Errorf("dsn required for driver %s (set dsn or $%s)", cfg.Driver, cfg.DSNEnv)
	}
	return nil
}
