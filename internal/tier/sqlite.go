package tier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a local persistent tier: typically the conversational layer
// between the in-process cache and the durable store, but it can also serve
// as the durable system of record in single-node deployments.
type SQLite struct {
	db     *sql.DB
	kind   Kind
	logger *slog.Logger
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_expires ON entries(expires_at) WHERE expires_at IS NOT NULL;
`

// NewSQLite opens (creating if needed) the store at path, serving at the
// given tier kind.
func NewSQLite(path string, kind Kind, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("tier: create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("tier: open sqlite: %w", err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tier: apply sqlite schema: %w", err)
	}
	return &SQLite{db: db, kind: kind, logger: logger}, nil
}

func (s *SQLite) Kind() Kind   { return s.kind }
func (s *SQLite) Name() string { return "sqlite" }

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		value     []byte
		expiresAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM entries WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("tier: sqlite get: %w", err)
	}
	if expiresAt.Valid && time.Now().UnixMilli() >= expiresAt.Int64 {
		// Lazy expiry: the row is already dead, remove it on the way out.
		if _, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key); err != nil {
			s.logger.Warn("sqlite: delete expired entry", "key", key, "error", err)
		}
		return nil, ErrMiss
	}
	return value, nil
}

func (s *SQLite) Put(ctx context.Context, key string, value []byte, opts PutOptions) error {
	now := time.Now()
	var expiresAt any
	if opts.TTL > 0 {
		expiresAt = now.Add(opts.TTL).UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entries (key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value      = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		key, value, expiresAt, now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("tier: sqlite put: %w", err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("tier: sqlite delete: %w", err)
	}
	return nil
}

// PurgeExpired removes all dead rows, returning how many were dropped.
func (s *SQLite) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM entries WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("tier: sqlite purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLite) Healthy(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("tier: sqlite unhealthy: %w", err)
	}
	return nil
}

func (s *SQLite) Close(ctx context.Context) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("tier: close sqlite: %w", err)
	}
	return nil
}
