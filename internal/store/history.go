package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/consolidation"
	"github.com/nidhogg/nuka-memory/internal/memory"
)

// AppendHistory inserts one consolidation record. Records are never updated;
// appending the same cycle id twice fails.
func (s *Store) AppendHistory(ctx context.Context, rec consolidation.HistoryRecord) error {
	durations, counts, err := encodeMaps(rec)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO consolidation_history (cycle_id, kind, started_at, durations, counts, partial, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.CycleID, rec.Kind, rec.StartedAt, durations, counts, rec.Partial, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("append history %s: %w: %v", rec.CycleID, memory.ErrStorage, err)
	}
	s.logger.Debug("history appended", zap.String("cycle", rec.CycleID), zap.String("kind", rec.Kind))
	return nil
}

// ListHistory returns up to limit records, newest first. A limit <= 0 returns all.
func (s *Store) ListHistory(ctx context.Context, limit int) ([]consolidation.HistoryRecord, error) {
	query := `
		SELECT cycle_id, kind, started_at, durations, counts, partial, error
		FROM consolidation_history
		ORDER BY started_at DESC, cycle_id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w: %v", memory.ErrStorage, err)
	}
	defer rows.Close()

	var out []consolidation.HistoryRecord
	for rows.Next() {
		var (
			rec               consolidation.HistoryRecord
			durations, counts []byte
		)
		if err := rows.Scan(&rec.CycleID, &rec.Kind, &rec.StartedAt, &durations, &counts, &rec.Partial, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if err := decodeMaps(&rec, durations, counts); err != nil {
			return nil, err
		}
		rec.StartedAt = rec.StartedAt.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list history: %w: %v", memory.ErrStorage, err)
	}
	return out, nil
}

// Durations are stored as nanosecond integers.
func encodeMaps(rec consolidation.HistoryRecord) (durations, counts []byte, err error) {
	if durations, err = json.Marshal(nonNilDurations(rec.Durations)); err != nil {
		return nil, nil, fmt.Errorf("marshal durations: %w", err)
	}
	if counts, err = json.Marshal(nonNilCounts(rec.Counts)); err != nil {
		return nil, nil, fmt.Errorf("marshal counts: %w", err)
	}
	return durations, counts, nil
}

func decodeMaps(rec *consolidation.HistoryRecord, durations, counts []byte) error {
	rec.Durations = map[string]time.Duration{}
	rec.Counts = map[string]int{}
	if len(durations) > 0 {
		if err := json.Unmarshal(durations, &rec.Durations); err != nil {
			return fmt.Errorf("unmarshal durations of %s: %w", rec.CycleID, err)
		}
	}
	if len(counts) > 0 {
		if err := json.Unmarshal(counts, &rec.Counts); err != nil {
			return fmt.Errorf("unmarshal counts of %s: %w", rec.CycleID, err)
		}
	}
	return nil
}

func nonNilDurations(m map[string]time.Duration) map[string]time.Duration {
	if m == nil {
		return map[string]time.Duration{}
	}
	return m
}

func nonNilCounts(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}
