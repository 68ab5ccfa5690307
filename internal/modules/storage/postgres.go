package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend is a Backend implementation over a pgxpool.Pool, grounded
// on internal/database/postgres/pool.go's pgxpool.ParseConfig +
// pgxpool.NewWithConfig connect sequence, narrowed to this shim's single
// table and no transaction/health-checker machinery of its own (the
// orchestrator's health poll covers that at a higher level).
type PostgresBackend struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresBackend(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dsn == "" {
		return nil, fmt.Errorf("storage: postgres dsn cannot be empty")
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("storage: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping postgres: %w", err)
	}

	b := &PostgresBackend{pool: pool, logger: logger}
	if err := b.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("postgres storage backend initialized")
	return b, nil
}

func (b *PostgresBackend) initSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	handle TEXT PRIMARY KEY,
	camera_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	persisted_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_persisted_at ON artifacts(persisted_at);
`
	if _, err := b.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("storage: init postgres schema: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Save(ctx context.Context, rec Record) error {
	const q = `
INSERT INTO artifacts (handle, camera_id, kind, size_bytes, persisted_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (handle) DO UPDATE SET camera_id = excluded.camera_id, kind = excluded.kind,
	size_bytes = excluded.size_bytes, persisted_at = excluded.persisted_at
`
	_, err := b.pool.Exec(ctx, q, rec.Handle, rec.CameraID, rec.Kind, rec.SizeBytes, rec.PersistedAt)
	if err != nil {
		return fmt.Errorf("storage: save artifact: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Get(ctx context.Context, handle string) (Record, bool, error) {
	const q = `SELECT handle, camera_id, kind, size_bytes, persisted_at FROM artifacts WHERE handle = $1`
	row := b.pool.QueryRow(ctx, q, handle)

	var rec Record
	if err := row.Scan(&rec.Handle, &rec.CameraID, &rec.Kind, &rec.SizeBytes, &rec.PersistedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("storage: get artifact: %w", err)
	}
	return rec, true, nil
}

func (b *PostgresBackend) List(ctx context.Context, limit int) ([]Record, error) {
	q := `SELECT handle, camera_id, kind, size_bytes, persisted_at FROM artifacts ORDER BY persisted_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := b.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list artifacts: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Handle, &rec.CameraID, &rec.Kind, &rec.SizeBytes, &rec.PersistedAt); err != nil {
			return nil, fmt.Errorf("storage: scan artifact: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	const q = `DELETE FROM artifacts WHERE persisted_at < $1`
	tag, err := b.pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: delete older than: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}
