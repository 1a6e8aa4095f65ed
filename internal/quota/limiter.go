package quota

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultLimiter implements Limiter on top of a Store.
type DefaultLimiter struct {
	config *Config
	store  Store
	now    func() time.Time
	mu     sync.RWMutex
}

type Option func(*DefaultLimiter)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *DefaultLimiter) {
		l.now = now
	}
}

func NewLimiter(cfg *Config, store Store, opts ...Option) (*DefaultLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid quota config: %w", err)
	}

	if store == nil {
		return nil, fmt.Errorf("store is required")
	}

	l := &DefaultLimiter{
		config: cfg,
		store:  store,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Rules returns the rules configured for a scope.
func (l *DefaultLimiter) Rules(scope Scope) []Rule {
	return l.config.Rules[scope]
}

// Enabled reports whether limits are enforced at all.
func (l *DefaultLimiter) Enabled() bool {
	return l.config.Enabled
}

func (l *DefaultLimiter) Check(ctx context.Context, scope Scope, identifier string) (*CheckResult, error) {
	if !l.config.Enabled {
		return &CheckResult{Allowed: true}, nil
	}
	if identifier == "" {
		return nil, ErrInvalidIdentifier
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.evaluate(ctx, scope, identifier, 1)
}

func (l *DefaultLimiter) Record(ctx context.Context, scope Scope, identifier string, amount int64) error {
	if !l.config.Enabled {
		return nil
	}
	if identifier == "" {
		return ErrInvalidIdentifier
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.record(ctx, scope, identifier, amount)
}

func (l *DefaultLimiter) CheckAndRecord(ctx context.Context, scope Scope, identifier string, amount int64) (*CheckResult, error) {
	if !l.config.Enabled {
		return &CheckResult{Allowed: true}, nil
	}
	if identifier == "" {
		return nil, ErrInvalidIdentifier
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	result, err := l.evaluate(ctx, scope, identifier, amount)
	if err != nil {
		return nil, err
	}
	if !result.Allowed {
		return result, nil
	}

	if err := l.record(ctx, scope, identifier, amount); err != nil {
		return nil, fmt.Errorf("failed to record usage: %w", err)
	}

	// Re-read so the caller sees post-record counts.
	return l.evaluate(ctx, scope, identifier, 0)
}

func (l *DefaultLimiter) GetUsage(ctx context.Context, scope Scope, identifier string) ([]Usage, error) {
	if !l.config.Enabled {
		return []Usage{}, nil
	}
	if identifier == "" {
		return nil, ErrInvalidIdentifier
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	result, err := l.evaluate(ctx, scope, identifier, 0)
	if err != nil {
		return nil, err
	}
	return result.Usages, nil
}

func (l *DefaultLimiter) Reset(ctx context.Context, scope Scope, identifier string) error {
	if identifier == "" {
		return ErrInvalidIdentifier
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.store.DeleteUsage(ctx, scope, identifier)
}

func (l *DefaultLimiter) ResetExpired(ctx context.Context, before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.store.DeleteExpired(ctx, before)
}

// evaluate reads every window of the scope and reports whether adding
// amount would stay within all limits. amount 0 only reports usage.
func (l *DefaultLimiter) evaluate(ctx context.Context, scope Scope, identifier string, amount int64) (*CheckResult, error) {
	rules := l.config.Rules[scope]
	result := &CheckResult{
		Allowed: true,
		Usages:  make([]Usage, 0, len(rules)),
	}

	now := l.now()
	var earliestRetry time.Time

	for _, rule := range rules {
		current, windowEnd, err := l.store.GetUsage(ctx, scope, identifier, rule.Window, now)
		if err != nil {
			return nil, fmt.Errorf("failed to get usage for %s/%s: %w", scope, rule.Window, err)
		}

		remaining := rule.Limit - current
		if remaining < 0 {
			remaining = 0
		}

		result.Usages = append(result.Usages, Usage{
			Window:    rule.Window,
			Current:   current,
			Limit:     rule.Limit,
			WindowEnd: windowEnd,
			Remaining: remaining,
		})

		if amount > 0 && current+amount > rule.Limit {
			if result.Allowed {
				result.Allowed = false
				result.Exceeded = rule.Window
				result.Reason = fmt.Sprintf("%s %s limit reached (%d/%d)", scope, rule.Window, current, rule.Limit)
			}
			if earliestRetry.IsZero() || windowEnd.Before(earliestRetry) {
				earliestRetry = windowEnd
			}
		}
	}

	if !result.Allowed {
		retry := earliestRetry.Sub(now)
		if retry > 0 {
			result.RetryAfter = &retry
		}
	}

	return result, nil
}

func (l *DefaultLimiter) record(ctx context.Context, scope Scope, identifier string, amount int64) error {
	if amount <= 0 {
		return nil
	}

	now := l.now()
	for _, rule := range l.config.Rules[scope] {
		if _, _, err := l.store.IncrementUsage(ctx, scope, identifier, rule.Window, amount, now); err != nil {
			return fmt.Errorf("failed to increment usage for %s/%s: %w", scope, rule.Window, err)
		}
	}
	return nil
}
