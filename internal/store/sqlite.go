package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nidhogg/nuka-memory/internal/consolidation"
	"github.com/nidhogg/nuka-memory/internal/memory"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS consolidation_history (
    cycle_id   TEXT PRIMARY KEY,
    kind       TEXT    NOT NULL,
    started_at INTEGER NOT NULL,
    durations  TEXT    NOT NULL DEFAULT '{}',
    counts     TEXT    NOT NULL DEFAULT '{}',
    partial    INTEGER NOT NULL DEFAULT 0,
    error      TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_consolidation_history_started
    ON consolidation_history (started_at DESC);
`

// SQLiteStore keeps consolidation history in a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// The path ":memory:" opens a private in-memory database.
func OpenSQLite(path string, logger *zap.Logger) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Every connection to ":memory:" is its own database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	logger.Info("SQLite history opened", zap.String("path", path))
	return &SQLiteStore{db: db, path: path, logger: logger}, nil
}

// AppendHistory inserts one record.
func (s *SQLiteStore) AppendHistory(ctx context.Context, rec consolidation.HistoryRecord) error {
	durations, counts, err := encodeMaps(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO consolidation_history (cycle_id, kind, started_at, durations, counts, partial, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.CycleID, rec.Kind, rec.StartedAt.UnixNano(), string(durations), string(counts), rec.Partial, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("append history %s: %w: %v", rec.CycleID, memory.ErrStorage, err)
	}
	return nil
}

// ListHistory returns up to limit records, newest first. A limit <= 0 returns all.
func (s *SQLiteStore) ListHistory(ctx context.Context, limit int) ([]consolidation.HistoryRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT cycle_id, kind, started_at, durations, counts, partial, error
		FROM consolidation_history
		ORDER BY started_at DESC, cycle_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w: %v", memory.ErrStorage, err)
	}
	defer rows.Close()

	var out []consolidation.HistoryRecord
	for rows.Next() {
		var (
			rec               consolidation.HistoryRecord
			started           int64
			durations, counts string
		)
		if err := rows.Scan(&rec.CycleID, &rec.Kind, &started, &durations, &counts, &rec.Partial, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		rec.StartedAt = time.Unix(0, started).UTC()
		if err := decodeMaps(&rec, []byte(durations), []byte(counts)); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list history: %w: %v", memory.ErrStorage, err)
	}
	return out, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
