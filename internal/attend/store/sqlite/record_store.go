package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dbpkg "github.com/essl-labs/attendgate/internal/db"

	"github.com/essl-labs/attendgate/internal/attend/store"
	"github.com/essl-labs/attendgate/internal/attend/types"
)

type RecordStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewRecordStore(db *sql.DB, writer *dbpkg.Worker) *RecordStore {
	return &RecordStore{db: db, writer: writer}
}

// InsertIfAbsent relies on the unique identity index: INSERT OR IGNORE
// reports zero affected rows for a duplicate, so the existence check and
// the insert are one atomic statement.
func (s *RecordStore) InsertIfAbsent(ctx context.Context, ev types.AttendanceEvent) (bool, error) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}

	// A device row must exist for the FK; events can arrive for a device
	// the registry has not persisted yet (e.g. memory/sqlite mixed runs).
	nowMs := ev.ReceivedAt.UTC().UnixMilli()

	var inserted bool
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO devices(device_id, first_seen_at_ms, last_seen_at_ms)
VALUES (?, ?, ?);
`, ev.DeviceID, nowMs, nowMs); err != nil {
			return fmt.Errorf("InsertIfAbsent ensure device: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO attendance_events(
  device_id, user_id, ts, status_code, status,
  verification, work_code, received_at_ms, raw_line
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
			ev.DeviceID, ev.UserID, ev.Timestamp, ev.StatusCode, string(ev.Status),
			ev.Verification, ev.WorkCode, nowMs, ev.RawLine,
		)
		if err != nil {
			return fmt.Errorf("InsertIfAbsent insert: %w", err)
		}
		affected, _ := res.RowsAffected()
		inserted = affected > 0
		return nil
	})
	return inserted, err
}

func (s *RecordStore) Query(ctx context.Context, f store.RecordFilter) ([]types.AttendanceEvent, error) {
	q := `
SELECT device_id, user_id, ts, status_code, status,
       verification, work_code, received_at_ms, raw_line
FROM attendance_events
WHERE 1=1`
	args := []any{}

	if f.DeviceID != "" {
		q += " AND device_id = ?"
		args = append(args, f.DeviceID)
	}
	if f.UserID != "" {
		q += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if f.From != "" {
		q += " AND ts >= ?"
		args = append(args, f.From)
	}
	if f.To != "" {
		q += " AND ts <= ?"
		args = append(args, f.To)
	}

	q += " ORDER BY ts"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			q += " OFFSET ?"
			args = append(args, f.Offset)
		}
	} else if f.Offset > 0 {
		q += " LIMIT -1 OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q+";", args...)
	if err != nil {
		return nil, fmt.Errorf("Query records: %w", err)
	}
	defer rows.Close()

	out := []types.AttendanceEvent{}
	for rows.Next() {
		var (
			ev     types.AttendanceEvent
			status string
			recvMs int64
		)
		if err := rows.Scan(
			&ev.DeviceID, &ev.UserID, &ev.Timestamp, &ev.StatusCode, &status,
			&ev.Verification, &ev.WorkCode, &recvMs, &ev.RawLine,
		); err != nil {
			return nil, fmt.Errorf("Query scan: %w", err)
		}
		ev.Status = types.Status(status)
		ev.ReceivedAt = time.UnixMilli(recvMs).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *RecordStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attendance_events;`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("Count: %w", err)
	}
	return n, nil
}

func (s *RecordStore) CountMatching(ctx context.Context, prefix string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attendance_events WHERE ts LIKE ? || '%';`, prefix,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("CountMatching: %w", err)
	}
	return n, nil
}

func (s *RecordStore) DistinctUsers(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT user_id) FROM attendance_events;`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("DistinctUsers: %w", err)
	}
	return n, nil
}
