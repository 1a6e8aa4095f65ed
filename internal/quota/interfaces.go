package quota

import (
	"context"
	"time"
)

// Limiter enforces the configured rules. Implementations are safe for
// concurrent use.
type Limiter interface {
	// Check reports whether one more use would fit, without recording it.
	Check(ctx context.Context, scope Scope, identifier string) (*CheckResult, error)

	// Record adds amount to every window of the scope.
	Record(ctx context.Context, scope Scope, identifier string, amount int64) error

	// CheckAndRecord records amount only when it fits in every window.
	CheckAndRecord(ctx context.Context, scope Scope, identifier string, amount int64) (*CheckResult, error)

	// GetUsage returns the current usage for every window of the scope.
	GetUsage(ctx context.Context, scope Scope, identifier string) ([]Usage, error)

	// Reset drops all counters of an identifier.
	Reset(ctx context.Context, scope Scope, identifier string) error

	// ResetExpired removes records whose window ended before the given time.
	ResetExpired(ctx context.Context, before time.Time) (int64, error)
}

// Store persists counters. now is passed in so that window expiry follows
// the limiter's clock.
type Store interface {
	// GetUsage returns the amount and window end. An absent or expired
	// record reads as zero with a window starting at now.
	GetUsage(ctx context.Context, scope Scope, identifier string, window TimeWindow, now time.Time) (int64, time.Time, error)

	// IncrementUsage adds amount, opening a new window when none is live.
	IncrementUsage(ctx context.Context, scope Scope, identifier string, window TimeWindow, amount int64, now time.Time) (int64, time.Time, error)

	// DeleteUsage deletes all records for an identifier.
	DeleteUsage(ctx context.Context, scope Scope, identifier string) error

	// DeleteExpired deletes records whose window ended before the given time
	// and returns how many were removed.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

var (
	_ Limiter = (*DefaultLimiter)(nil)
	_ Store   = (*MemoryStore)(nil)
	_ Store   = (*SQLStore)(nil)
)
