package config

import (
	"fmt"
	"strings"
)

var validProviderTypes = map[string]bool{
	"openai":  true,
	"ollama":  true,
	"bedrock": true,
}

// Validate checks config consistency. It is called by Load after defaults,
// env overrides, and secret decryption are applied.
func Validate(cfg *Config) error {
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logger.level: unknown level %q", cfg.Logger.Level)
	}

	if cfg.Quota.Limits.MaxTokensPerWindow < 0 {
		return fmt.Errorf("quota.limits.max_tokens_per_window must be >= 0")
	}
	if cfg.Quota.Limits.MaxRequestsPerHour < 0 {
		return fmt.Errorf("quota.limits.max_requests_per_hour must be >= 0")
	}
	if cfg.Quota.Limits.MaxCostPerWindow < 0 {
		return fmt.Errorf("quota.limits.max_cost_per_window must be >= 0")
	}

	m := cfg.Matcher
	for name, v := range map[string]float64{
		"match_threshold": m.MatchThreshold,
		"weak_threshold":  m.WeakThreshold,
		"fallback_cap":    m.FallbackCap,
		"oracle_floor":    m.OracleFloor,
		"oracle_ceiling":  m.OracleCeiling,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("matcher.%s: %.2f outside [0,1]", name, v)
		}
	}
	if m.WeakThreshold > m.MatchThreshold {
		return fmt.Errorf("matcher.weak_threshold must not exceed matcher.match_threshold")
	}
	if m.OracleFloor > m.OracleCeiling {
		return fmt.Errorf("matcher.oracle_floor must not exceed matcher.oracle_ceiling")
	}

	names := map[string]bool{}
	for _, p := range cfg.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers: name is required")
		}
		if names[p.Name] {
			return fmt.Errorf("providers: duplicate name %q", p.Name)
		}
		names[p.Name] = true
		if !validProviderTypes[p.Type] {
			return fmt.Errorf("provider %q: unknown type %q", p.Name, p.Type)
		}
	}

	if cfg.Classifier.Provider != "" && !names[cfg.Classifier.Provider] {
		return fmt.Errorf("classifier.provider: unknown provider %q", cfg.Classifier.Provider)
	}
	if cfg.Generator.Default != "" && len(names) > 0 && !names[cfg.Generator.Default] {
		return fmt.Errorf("generator.default: unknown provider %q", cfg.Generator.Default)
	}
	for _, f := range cfg.Generator.Failover {
		if !names[f] {
			return fmt.Errorf("generator.failover: unknown provider %q", f)
		}
	}

	if cfg.History.MaxMessages < 0 {
		return fmt.Errorf("history.max_messages must be >= 0")
	}
	return nil
}
