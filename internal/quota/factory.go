package quota

import (
	"fmt"

	"genie-hub-backend/internal/config"
)

// NewStoreFromConfig creates the configured counter backend.
func NewStoreFromConfig(cfg config.QuotaStoreConfig) (Store, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewMemoryStore(), nil
	case "sqlite", "postgres":
		return OpenSQLStore(cfg.Backend, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported quota backend: %s", cfg.Backend)
	}
}

// ConfigFromRateLimit maps the conversation ceilings to limiter rules.
func ConfigFromRateLimit(rl config.RateLimitConfig) *Config {
	return &Config{
		Enabled: rl.Enabled,
		Rules: map[Scope][]Rule{
			ScopeIP: {
				{Window: WindowHour, Limit: rl.IPHourlyLimit},
				{Window: WindowDay, Limit: rl.IPDailyLimit},
			},
			ScopeEmail: {
				{Window: WindowHour, Limit: rl.EmailHourlyLimit},
				{Window: WindowDay, Limit: rl.EmailDailyLimit},
			},
		},
	}
}

// NewLimiterFromConfig wires a limiter for the conversation ceilings.
func NewLimiterFromConfig(rl config.RateLimitConfig, store Store, opts ...Option) (*DefaultLimiter, error) {
	return NewLimiter(ConfigFromRateLimit(rl), store, opts...)
}
