package quota

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func ipRules(hourly, daily int64) *Config {
	return &Config{
		Enabled: true,
		Rules: map[Scope][]Rule{
			ScopeIP: {
				{Window: WindowHour, Limit: hourly},
				{Window: WindowDay, Limit: daily},
			},
		},
	}
}

func newTestLimiter(t *testing.T, cfg *Config, store Store) (*DefaultLimiter, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	limiter, err := NewLimiter(cfg, store, WithClock(clock.Now))
	require.NoError(t, err)
	return limiter, clock
}

func TestLimiter_HourlyLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t, ipRules(2, 5), NewMemoryStore())
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		result, err := limiter.CheckAndRecord(ctx, ScopeIP, "198.51.100.1", 1)
		require.NoError(t, err)
		assert.True(t, result.Allowed, "request %d", i)
		assert.Equal(t, int64(i), result.GetUsage(WindowHour).Current)
	}

	result, err := limiter.CheckAndRecord(ctx, ScopeIP, "198.51.100.1", 1)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, WindowHour, result.Exceeded)
	require.NotNil(t, result.RetryAfter)
	assert.Equal(t, time.Hour, *result.RetryAfter)

	// The denied request was not recorded.
	usage := result.GetUsage(WindowDay)
	require.NotNil(t, usage)
	assert.Equal(t, int64(2), usage.Current)
	assert.Equal(t, int64(3), usage.Remaining)
}

func TestLimiter_WindowExpiry(t *testing.T) {
	limiter, clock := newTestLimiter(t, ipRules(2, 3), NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := limiter.CheckAndRecord(ctx, ScopeIP, "ip", 1)
		require.NoError(t, err)
	}

	clock.Advance(61 * time.Minute)

	result, err := limiter.CheckAndRecord(ctx, ScopeIP, "ip", 1)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, int64(1), result.GetUsage(WindowHour).Current)
	assert.Equal(t, int64(3), result.GetUsage(WindowDay).Current)

	// Daily ceiling is now the binding one.
	clock.Advance(61 * time.Minute)
	result, err = limiter.Check(ctx, ScopeIP, "ip")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, WindowDay, result.Exceeded)
}

func TestLimiter_CheckDoesNotRecord(t *testing.T) {
	limiter, _ := newTestLimiter(t, ipRules(1, 1), NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := limiter.Check(ctx, ScopeIP, "ip")
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.Equal(t, int64(0), result.GetUsage(WindowHour).Current)
	}
}

func TestLimiter_Disabled(t *testing.T) {
	limiter, _ := newTestLimiter(t, &Config{Enabled: false}, NewMemoryStore())

	result, err := limiter.CheckAndRecord(context.Background(), ScopeIP, "", 1)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Empty(t, result.Usages)
}

func TestLimiter_EmptyIdentifier(t *testing.T) {
	limiter, _ := newTestLimiter(t, ipRules(1, 1), NewMemoryStore())

	_, err := limiter.Check(context.Background(), ScopeIP, "")
	assert.True(t, errors.Is(err, ErrInvalidIdentifier))
}

func TestLimiter_ScopesAreIndependent(t *testing.T) {
	cfg := ipRules(1, 1)
	cfg.Rules[ScopeEmail] = []Rule{{Window: WindowHour, Limit: 1}}
	limiter, _ := newTestLimiter(t, cfg, NewMemoryStore())
	ctx := context.Background()

	_, err := limiter.CheckAndRecord(ctx, ScopeIP, "same", 1)
	require.NoError(t, err)

	result, err := limiter.CheckAndRecord(ctx, ScopeEmail, "same", 1)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestLimiter_ResetAndExpire(t *testing.T) {
	store := NewMemoryStore()
	limiter, clock := newTestLimiter(t, ipRules(1, 1), store)
	ctx := context.Background()

	_, err := limiter.CheckAndRecord(ctx, ScopeIP, "a", 1)
	require.NoError(t, err)
	_, err = limiter.CheckAndRecord(ctx, ScopeIP, "b", 1)
	require.NoError(t, err)
	assert.Equal(t, 4, store.Size())

	require.NoError(t, limiter.Reset(ctx, ScopeIP, "a"))
	assert.Equal(t, 2, store.Size())

	clock.Advance(2 * time.Hour)
	removed, err := limiter.ResetExpired(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.Equal(t, 1, store.Size())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"zero limit", &Config{Enabled: true, Rules: map[Scope][]Rule{ScopeIP: {{Window: WindowHour, Limit: 0}}}}},
		{"bad window", &Config{Enabled: true, Rules: map[Scope][]Rule{ScopeIP: {{Window: "week", Limit: 1}}}}},
		{"bad scope", &Config{Enabled: true, Rules: map[Scope][]Rule{"user": {{Window: WindowHour, Limit: 1}}}}},
		{"duplicate window", &Config{Enabled: true, Rules: map[Scope][]Rule{ScopeIP: {
			{Window: WindowHour, Limit: 1}, {Window: WindowHour, Limit: 2},
		}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var verr *ValidationError
			assert.True(t, errors.As(tt.cfg.Validate(), &verr))
		})
	}
}

func TestSQLStore_SQLite(t *testing.T) {
	store, err := OpenSQLStore("sqlite", filepath.Join(t.TempDir(), "quota.db"))
	require.NoError(t, err)
	defer store.Close()

	limiter, clock := newTestLimiter(t, ipRules(2, 3), store)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		result, err := limiter.CheckAndRecord(ctx, ScopeIP, "203.0.113.9", 1)
		require.NoError(t, err)
		require.True(t, result.Allowed)
		assert.Equal(t, int64(i), result.GetUsage(WindowHour).Current)
	}

	result, err := limiter.CheckAndRecord(ctx, ScopeIP, "203.0.113.9", 1)
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	clock.Advance(90 * time.Minute)
	result, err = limiter.CheckAndRecord(ctx, ScopeIP, "203.0.113.9", 1)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, int64(1), result.GetUsage(WindowHour).Current)
	assert.Equal(t, int64(3), result.GetUsage(WindowDay).Current)

	removed, err := store.DeleteExpired(ctx, clock.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	require.NoError(t, limiter.Reset(ctx, ScopeIP, "203.0.113.9"))
	usages, err := limiter.GetUsage(ctx, ScopeIP, "203.0.113.9")
	require.NoError(t, err)
	for _, u := range usages {
		assert.Equal(t, int64(0), u.Current)
	}
}

func TestSQLStore_Rebind(t *testing.T) {
	s := &SQLStore{dialect: "postgres"}
	assert.Equal(t, "DELETE FROM t WHERE a = $1 AND b = $2", s.rebind("DELETE FROM t WHERE a = ? AND b = ?"))

	s.dialect = "sqlite"
	assert.Equal(t, "a = ?", s.rebind("a = ?"))
}

func TestParseScope(t *testing.T) {
	scope, err := ParseScope("email")
	require.NoError(t, err)
	assert.Equal(t, ScopeEmail, scope)

	_, err = ParseScope("session")
	assert.Error(t, err)
}
