package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Times are stored as unix milliseconds so both dialects compare them the
// same way.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS conversation_quotas (
    scope VARCHAR(16) NOT NULL,
    identifier VARCHAR(320) NOT NULL,
    time_window VARCHAR(16) NOT NULL,
    amount BIGINT NOT NULL DEFAULT 0,
    window_end BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (scope, identifier, time_window)
)`,
	`CREATE INDEX IF NOT EXISTS idx_conversation_quotas_window_end ON conversation_quotas(window_end)`,
}

const (
	selectUsageSQL = `SELECT amount, window_end FROM conversation_quotas
WHERE scope = ? AND identifier = ? AND time_window = ?`

	incrementUsageSQL = `INSERT INTO conversation_quotas (scope, identifier, time_window, amount, window_end, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (scope, identifier, time_window) DO UPDATE SET
    amount = CASE WHEN conversation_quotas.window_end > excluded.updated_at
        THEN conversation_quotas.amount + excluded.amount ELSE excluded.amount END,
    window_end = CASE WHEN conversation_quotas.window_end > excluded.updated_at
        THEN conversation_quotas.window_end ELSE excluded.window_end END,
    updated_at = excluded.updated_at
RETURNING amount, window_end`

	deleteUsageSQL   = `DELETE FROM conversation_quotas WHERE scope = ? AND identifier = ?`
	deleteExpiredSQL = `DELETE FROM conversation_quotas WHERE window_end < ?`
)

// SQLStore is a Store on database/sql. Supported dialects: sqlite, postgres.
type SQLStore struct {
	db      *sql.DB
	dialect string
	ownsDB  bool
}

// OpenSQLStore opens a connection for the dialect and initialises the schema.
// The returned store closes the connection on Close.
func OpenSQLStore(dialect, dsn string) (*SQLStore, error) {
	driver, err := driverName(dialect)
	if err != nil {
		return nil, err
	}

	if dialect == "sqlite" && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("%w: create sqlite dir: %v", ErrStoreUnavailable, err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStoreUnavailable, dialect, err)
	}
	if dialect == "sqlite" {
		// One writer at a time avoids SQLITE_BUSY under concurrent requests.
		db.SetMaxOpenConns(1)
	}

	s, err := NewSQLStore(db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewSQLStore wraps an existing connection. The connection is not closed by
// Close since it may be shared.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if _, err := driverName(dialect); err != nil {
		return nil, err
	}

	s := &SQLStore{
		db:      db,
		dialect: dialect,
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func driverName(dialect string) (string, error) {
	switch dialect {
	case "sqlite":
		return "sqlite", nil
	case "postgres":
		return "postgres", nil
	}
	return "", fmt.Errorf("unsupported dialect: %s (supported: sqlite, postgres)", dialect)
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return nil
}

// rebind turns ? placeholders into $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) GetUsage(ctx context.Context, scope Scope, identifier string, window TimeWindow, now time.Time) (int64, time.Time, error) {
	var amount, windowEnd int64
	err := s.db.QueryRowContext(ctx, s.rebind(selectUsageSQL), string(scope), identifier, string(window)).Scan(&amount, &windowEnd)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, now.Add(window.Duration()), nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: query usage: %v", ErrStoreUnavailable, err)
	}

	end := time.UnixMilli(windowEnd)
	if !end.After(now) {
		return 0, now.Add(window.Duration()), nil
	}
	return amount, end, nil
}

func (s *SQLStore) IncrementUsage(ctx context.Context, scope Scope, identifier string, window TimeWindow, amount int64, now time.Time) (int64, time.Time, error) {
	newEnd := now.Add(window.Duration())

	var total, windowEnd int64
	err := s.db.QueryRowContext(ctx, s.rebind(incrementUsageSQL),
		string(scope), identifier, string(window), amount, newEnd.UnixMilli(), now.UnixMilli(),
	).Scan(&total, &windowEnd)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: increment usage: %v", ErrStoreUnavailable, err)
	}

	return total, time.UnixMilli(windowEnd), nil
}

func (s *SQLStore) DeleteUsage(ctx context.Context, scope Scope, identifier string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(deleteUsageSQL), string(scope), identifier); err != nil {
		return fmt.Errorf("%w: delete usage: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *SQLStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(deleteExpiredSQL), before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("%w: delete expired: %v", ErrStoreUnavailable, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (s *SQLStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// Dialect returns the SQL dialect.
func (s *SQLStore) Dialect() string {
	return s.dialect
}
