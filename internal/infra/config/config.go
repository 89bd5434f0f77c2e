package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"maestro/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logger      LoggerConfig      `yaml:"logger"`
	Tracer      TracerConfig      `yaml:"tracer"`
	Storage     StorageConfig     `yaml:"storage"`
	Quota       QuotaConfig       `yaml:"quota"`
	Matcher     MatcherConfig     `yaml:"matcher"`
	Providers   []ProviderConfig  `yaml:"providers"`
	Classifier  ClassifierConfig  `yaml:"classifier"`
	Generator   GeneratorConfig   `yaml:"generator"`
	Pricing     []PricingTier     `yaml:"pricing"`
	History     HistoryConfig     `yaml:"history"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// ServerConfig holds gateway HTTP settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// RatePerSecond / RateBurst configure the per-user transport limiter
	// (distinct from the quota ledger, which governs paid usage).
	RatePerSecond float64 `yaml:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout, noop
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	Path string `yaml:"path"` // SQLite database path
}

// QuotaConfig holds the default limit set for callers without an override key.
type QuotaConfig struct {
	Limits domain.QuotaLimits `yaml:"limits"`
}

// MatcherConfig holds the tunable classification thresholds. The numeric
// cutoffs are configuration, not contracts.
type MatcherConfig struct {
	// MatchThreshold and WeakThreshold band the fallback matcher's
	// confidence into match / weak match / no match.
	MatchThreshold float64 `yaml:"match_threshold"`
	WeakThreshold  float64 `yaml:"weak_threshold"`
	// FallbackCap caps fallback confidence below the oracle's ceiling.
	FallbackCap float64 `yaml:"fallback_cap"`
	// OracleFloor / OracleCeiling band the oracle's confidence for
	// skill-covered matches (encoded in the classification instructions).
	OracleFloor   float64 `yaml:"oracle_floor"`
	OracleCeiling float64 `yaml:"oracle_ceiling"`
}

// ProviderConfig describes one model backend.
type ProviderConfig struct {
	Name    string        `yaml:"name"`
	Type    string        `yaml:"type"` // openai, ollama, bedrock
	Model   string        `yaml:"model"`
	APIKey  string        `yaml:"api_key"` // may be ENC[...]
	BaseURL string        `yaml:"base_url"`
	Region  string        `yaml:"region"` // bedrock only
	Timeout time.Duration `yaml:"timeout"`
}

// ClassifierConfig selects the classification oracle and its breaker.
type ClassifierConfig struct {
	Provider string               `yaml:"provider"`
	Breaker  CircuitBreakerConfig `yaml:"breaker"`
}

// CircuitBreakerConfig configures the classifier circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// GeneratorConfig selects the answer backends.
type GeneratorConfig struct {
	Default  string   `yaml:"default"`
	Failover []string `yaml:"failover,omitempty"` // ordered backup providers
}

// PricingTier maps a model prefix to its rate triple (USD per 1M tokens).
type PricingTier struct {
	ModelPrefix string  `yaml:"model_prefix"`
	InputRate   float64 `yaml:"input_rate"`
	OutputRate  float64 `yaml:"output_rate"`
	CachedRate  float64 `yaml:"cached_rate"`
}

// HistoryConfig bounds conversation history passed to the generator.
type HistoryConfig struct {
	MaxMessages int `yaml:"max_messages"`
}

// MaintenanceConfig holds the store pruning schedule.
type MaintenanceConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Schedule            string `yaml:"schedule"` // cron spec
	QuotaRetentionDays  int    `yaml:"quota_retention_days"`
	ConversationTTLDays int    `yaml:"conversation_ttl_days"`
}

// Defaults returns a Config with conservative defaults applied.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          ":8080",
			RatePerSecond: 5,
			RateBurst:     10,
		},
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
		Tracer: TracerConfig{Enabled: false, Exporter: "noop"},
		Storage: StorageConfig{
			Path: "maestro.db",
		},
		Quota: QuotaConfig{
			Limits: domain.QuotaLimits{
				MaxTokensPerWindow: 10000,
				MaxRequestsPerHour: 20,
				MaxCostPerWindow:   1.0,
			},
		},
		Matcher: MatcherConfig{
			MatchThreshold: 0.4,
			WeakThreshold:  0.2,
			FallbackCap:    0.7,
			OracleFloor:    0.80,
			OracleCeiling:  0.95,
		},
		Generator: GeneratorConfig{Default: "openai"},
		Pricing: []PricingTier{
			{ModelPrefix: "gpt-4", InputRate: 2.50, OutputRate: 10.00, CachedRate: 1.25},
			{ModelPrefix: "gpt-3.5", InputRate: 0.50, OutputRate: 1.50, CachedRate: 0.25},
			{ModelPrefix: "claude", InputRate: 3.00, OutputRate: 15.00, CachedRate: 0.30},
			{ModelPrefix: "", InputRate: 1.00, OutputRate: 3.00, CachedRate: 0.50},
		},
		History: HistoryConfig{MaxMessages: 20},
		Maintenance: MaintenanceConfig{
			Enabled:             true,
			Schedule:            "0 3 * * *",
			QuotaRetentionDays:  30,
			ConversationTTLDays: 90,
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("MAESTRO_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps MAESTRO_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MAESTRO_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("MAESTRO_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("MAESTRO_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("MAESTRO_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("MAESTRO_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("MAESTRO_GENERATOR_DEFAULT"); v != "" {
		cfg.Generator.Default = v
	}
	for i := range cfg.Providers {
		// Per-provider key override: MAESTRO_PROVIDER_<NAME>_API_KEY.
		envKey := "MAESTRO_PROVIDER_" + envName(cfg.Providers[i].Name) + "_API_KEY"
		if v := os.Getenv(envKey); v != "" {
			cfg.Providers[i].APIKey = v
		}
	}
}

func envName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
			out = append(out, c-('a'-'A'))
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
