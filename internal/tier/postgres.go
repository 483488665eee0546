package tier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

// Postgres is the durable tier: the system of record every write lands in
// synchronously. Entries may carry an embedding column used to hydrate the
// semantic index.
type Postgres struct {
	pool   *pgxpool.Pool
	dims   int
	logger *slog.Logger
}

// NewPostgres connects a pgx pool to the durable store and ensures the
// schema. dims is the embedding dimensionality; rows without embeddings
// store NULL.
func NewPostgres(ctx context.Context, dsn string, dims int, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("tier: parse postgres DSN: %w", err)
	}
	// Register pgvector types on each new connection. Best-effort: the
	// extension may not exist until the schema below creates it; later
	// connections pick the types up.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("postgres: pgvector types not registered yet", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tier: create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("tier: ping postgres: %w", err)
	}

	p := &Postgres{pool: pool, dims: dims, logger: logger}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		// Managed offerings often pre-install the extension and deny the
		// statement; the table creation below decides whether that matters.
		p.logger.Debug("postgres: create vector extension", "error", err)
	}
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS entries (
			key        text PRIMARY KEY,
			value      bytea NOT NULL,
			embedding  vector(%d),
			expires_at timestamptz,
			updated_at timestamptz NOT NULL DEFAULT now()
		)`, p.dims))
	if err != nil {
		return fmt.Errorf("tier: ensure postgres schema: %w", err)
	}
	return nil
}

func (p *Postgres) Kind() Kind   { return KindDurable }
func (p *Postgres) Name() string { return "postgres" }

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.pool.QueryRow(ctx, `
		SELECT value FROM entries
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("tier: postgres get: %w", err)
	}
	return value, nil
}

// Put upserts the entry. Concurrent writers to the same key resolve
// last-writer-wins at this tier.
func (p *Postgres) Put(ctx context.Context, key string, value []byte, opts PutOptions) error {
	var embedding any
	if len(opts.Embedding) > 0 {
		embedding = pgvector.NewVector(opts.Embedding)
	}

	err := withSerializationRetry(ctx, 3, func() error {
		var err error
		if opts.TTL > 0 {
			_, err = p.pool.Exec(ctx, `
				INSERT INTO entries (key, value, embedding, expires_at, updated_at)
				VALUES ($1, $2, $3, now() + $4, now())
				ON CONFLICT (key) DO UPDATE SET
					value      = excluded.value,
					embedding  = excluded.embedding,
					expires_at = excluded.expires_at,
					updated_at = excluded.updated_at`,
				key, value, embedding, opts.TTL)
		} else {
			_, err = p.pool.Exec(ctx, `
				INSERT INTO entries (key, value, embedding, expires_at, updated_at)
				VALUES ($1, $2, $3, NULL, now())
				ON CONFLICT (key) DO UPDATE SET
					value      = excluded.value,
					embedding  = excluded.embedding,
					expires_at = excluded.expires_at,
					updated_at = excluded.updated_at`,
				key, value, embedding)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("tier: postgres put: %w", err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("tier: postgres delete: %w", err)
	}
	return nil
}

// Embedding returns the stored embedding for key, or ErrMiss when the key
// is absent or carries none. Used to rebuild the semantic index.
func (p *Postgres) Embedding(ctx context.Context, key string) ([]float32, error) {
	var vec *pgvector.Vector
	err := p.pool.QueryRow(ctx, `
		SELECT embedding FROM entries
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		key,
	).Scan(&vec)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("tier: postgres embedding: %w", err)
	}
	if vec == nil {
		return nil, ErrMiss
	}
	return vec.Slice(), nil
}

func (p *Postgres) Healthy(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("tier: postgres unhealthy: %w", err)
	}
	return nil
}

func (p *Postgres) Close(ctx context.Context) error {
	p.pool.Close()
	return nil
}
