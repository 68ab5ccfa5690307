package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	// Pure Go SQLite driver (no CGO, easier cross-compilation).
	_ "modernc.org/sqlite"
)

// SQLiteBackend is a Backend implementation over a local SQLite file,
// grounded on internal/storage/sqlite/sqlite_storage.go: WAL mode,
// 0700/0600 directory/file permissions, a small schema created inline on
// open rather than through a migration runner (per spec.md §6's "no
// external migration tooling" scope — dropped pressly/goose, see DESIGN.md).
type SQLiteBackend struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteBackend(ctx context.Context, path string, logger *slog.Logger) (*SQLiteBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, fmt.Errorf("storage: sqlite path cannot be empty")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("storage: create sqlite directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: sqlite ping: %w", err)
	}

	b := &SQLiteBackend{db: db, logger: logger}
	if err := b.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	_ = os.Chmod(path, 0600)

	logger.Info("sqlite storage backend initialized", "path", path, "wal_mode", true)
	return b, nil
}

func (b *SQLiteBackend) initSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	handle TEXT PRIMARY KEY,
	camera_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	persisted_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_persisted_at ON artifacts(persisted_at);
`
	if _, err := b.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("storage: init sqlite schema: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Save(ctx context.Context, rec Record) error {
	const q = `
INSERT INTO artifacts (handle, camera_id, kind, size_bytes, persisted_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(handle) DO UPDATE SET camera_id=excluded.camera_id, kind=excluded.kind,
	size_bytes=excluded.size_bytes, persisted_at=excluded.persisted_at
`
	_, err := b.db.ExecContext(ctx, q, rec.Handle, rec.CameraID, rec.Kind, rec.SizeBytes, rec.PersistedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("storage: save artifact: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Get(ctx context.Context, handle string) (Record, bool, error) {
	const q = `SELECT handle, camera_id, kind, size_bytes, persisted_at FROM artifacts WHERE handle = ?`
	row := b.db.QueryRowContext(ctx, q, handle)

	var rec Record
	var persistedAtMS int64
	if err := row.Scan(&rec.Handle, &rec.CameraID, &rec.Kind, &rec.SizeBytes, &persistedAtMS); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("storage: get artifact: %w", err)
	}
	rec.PersistedAt = time.UnixMilli(persistedAtMS)
	return rec, true, nil
}

func (b *SQLiteBackend) List(ctx context.Context, limit int) ([]Record, error) {
	q := `SELECT handle, camera_id, kind, size_bytes, persisted_at FROM artifacts ORDER BY persisted_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list artifacts: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var persistedAtMS int64
		if err := rows.Scan(&rec.Handle, &rec.CameraID, &rec.Kind, &rec.SizeBytes, &persistedAtMS); err != nil {
			return nil, fmt.Errorf("storage: scan artifact: %w", err)
		}
		rec.PersistedAt = time.UnixMilli(persistedAtMS)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	const q = `DELETE FROM artifacts WHERE persisted_at < ?`
	res, err := b.db.ExecContext(ctx, q, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("storage: delete older than: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
