package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dbpkg "github.com/essl-labs/attendgate/internal/db"

	"github.com/essl-labs/attendgate/internal/attend/store"
)

type LogStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewLogStore(db *sql.DB, writer *dbpkg.Worker) *LogStore {
	return &LogStore{db: db, writer: writer}
}

func (s *LogStore) Append(ctx context.Context, e store.LogEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO gateway_logs(at_ms, level, message, device_id)
VALUES (?, ?, ?, ?);
`, e.At.UTC().UnixMilli(), e.Level, e.Message, e.DeviceID); err != nil {
			return fmt.Errorf("Append log: %w", err)
		}
		return nil
	})
}

func (s *LogStore) Recent(ctx context.Context, limit int) ([]store.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	// Newest-first query, then reversed so callers get newest last.
	rows, err := s.db.QueryContext(ctx, `
SELECT at_ms, level, message, device_id
FROM gateway_logs
ORDER BY at_ms DESC, id DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("Recent logs: %w", err)
	}
	defer rows.Close()

	var out []store.LogEntry
	for rows.Next() {
		var (
			e    store.LogEntry
			atMs int64
		)
		if err := rows.Scan(&atMs, &e.Level, &e.Message, &e.DeviceID); err != nil {
			return nil, fmt.Errorf("Recent scan: %w", err)
		}
		e.At = time.UnixMilli(atMs).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// PruneOlderThan deletes log rows before cutoff, using idx_logs_time for
// the range scan. Returns the number of rows deleted.
func (s *LogStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoffMs := cutoff.UTC().UnixMilli()

	var deleted int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM gateway_logs WHERE at_ms < ?;
`, cutoffMs)
		if err != nil {
			return fmt.Errorf("PruneOlderThan: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}
