package quota

import (
	"fmt"
	"time"
)

// Scope identifies what a counter is keyed by.
type Scope string

const (
	ScopeIP    Scope = "ip"
	ScopeEmail Scope = "email"
)

// ParseScope converts a path or config value to a Scope.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeIP, ScopeEmail:
		return Scope(s), nil
	}
	return "", fmt.Errorf("%w: unknown scope %q", ErrInvalidIdentifier, s)
}

// TimeWindow is the length of a counting window.
type TimeWindow string

const (
	WindowHour TimeWindow = "hour"
	WindowDay  TimeWindow = "day"
)

// Duration returns the duration for the time window
func (w TimeWindow) Duration() time.Duration {
	switch w {
	case WindowDay:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// Rule caps the number of recorded uses inside one window.
type Rule struct {
	Window TimeWindow `json:"window"`
	Limit  int64      `json:"limit"`
}

// Config is the limiter configuration. Scopes without rules are unlimited.
type Config struct {
	Enabled bool
	Rules   map[Scope][]Rule
}

func (c *Config) Validate() error {
	if c == nil {
		return NewValidationError("config", "is nil")
	}
	if !c.Enabled {
		return nil
	}
	for scope, rules := range c.Rules {
		if _, err := ParseScope(string(scope)); err != nil {
			return NewValidationError("scope", err.Error())
		}
		seen := make(map[TimeWindow]bool)
		for _, r := range rules {
			if r.Window != WindowHour && r.Window != WindowDay {
				return NewValidationError("window", fmt.Sprintf("unsupported window %q", r.Window))
			}
			if r.Limit <= 0 {
				return NewValidationError("limit", fmt.Sprintf("%s/%s limit must be positive", scope, r.Window))
			}
			if seen[r.Window] {
				return NewValidationError("window", fmt.Sprintf("duplicate %s rule for %s", r.Window, scope))
			}
			seen[r.Window] = true
		}
	}
	return nil
}

// Usage represents current usage for a specific window.
type Usage struct {
	Window    TimeWindow `json:"window"`
	Current   int64      `json:"current"`
	Limit     int64      `json:"limit"`
	WindowEnd time.Time  `json:"window_end"`
	Remaining int64      `json:"remaining"`
}

// CheckResult represents the result of a quota check.
type CheckResult struct {
	Allowed bool    `json:"allowed"`
	Reason  string  `json:"reason,omitempty"`
	Usages  []Usage `json:"usages"`
	// Exceeded is the first window that denied the request.
	Exceeded   TimeWindow     `json:"exceeded,omitempty"`
	RetryAfter *time.Duration `json:"retry_after,omitempty"`
}

// GetUsage returns usage for a window, or nil when the scope has no such rule.
func (r *CheckResult) GetUsage(window TimeWindow) *Usage {
	for i := range r.Usages {
		if r.Usages[i].Window == window {
			return &r.Usages[i]
		}
	}
	return nil
}
