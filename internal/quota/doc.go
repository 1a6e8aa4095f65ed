// Package quota implements windowed conversation counters.
//
// Counters are kept per scope (ip or email) and per time window (hour or
// day). A window starts with the first recorded use and ends one window
// duration later; once it has ended the counter reads as zero and the next
// record opens a fresh window.
//
//	store := quota.NewMemoryStore()
//	limiter, err := quota.NewLimiter(&quota.Config{
//	    Enabled: true,
//	    Rules: map[quota.Scope][]quota.Rule{
//	        quota.ScopeIP: {{Window: quota.WindowHour, Limit: 2}, {Window: quota.WindowDay, Limit: 5}},
//	    },
//	}, store)
//
//	result, err := limiter.CheckAndRecord(ctx, quota.ScopeIP, "203.0.113.7", 1)
//	if !result.Allowed {
//	    // result.Reason, result.RetryAfter
//	}
//
// Backends: memory (single instance), sqlite and postgres through
// database/sql.
package quota
