package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/essl-labs/attendgate/internal/db"

	"github.com/essl-labs/attendgate/internal/attend/store"
	"github.com/essl-labs/attendgate/internal/attend/types"
)

type DeviceStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewDeviceStore(db *sql.DB, writer *dbpkg.Worker) *DeviceStore {
	return &DeviceStore{db: db, writer: writer}
}

func (s *DeviceStore) Touch(ctx context.Context, deviceID, ip string, facts map[string]string, t time.Time) (types.Device, error) {
	deviceID = strings.TrimSpace(deviceID)
	if t.IsZero() {
		t = time.Now().UTC()
	}
	ms := t.UTC().UnixMilli()

	var out types.Device
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO devices(
  device_id, first_seen_at_ms, last_seen_at_ms
) VALUES (?, ?, ?);
`, deviceID, ms, ms); err != nil {
			return fmt.Errorf("Touch insert device: %w", err)
		}

		// Param merge is last-write-wins per key; read-modify-write is
		// safe because all writes pass through the single worker.
		var paramsJSON string
		if err := tx.QueryRowContext(ctx,
			`SELECT params_json FROM devices WHERE device_id = ?;`, deviceID,
		).Scan(&paramsJSON); err != nil {
			return fmt.Errorf("Touch read params: %w", err)
		}

		params := map[string]string{}
		if paramsJSON != "" {
			if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
				params = map[string]string{}
			}
		}
		for k, v := range facts {
			params[k] = v
		}
		merged, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("Touch marshal params: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE devices
SET last_seen_at_ms = ?,
    comms_count = comms_count + 1,
    ip_address = CASE WHEN ? != '' THEN ? ELSE ip_address END,
    params_json = ?
WHERE device_id = ?;
`, ms, ip, ip, string(merged), deviceID); err != nil {
			return fmt.Errorf("Touch update device: %w", err)
		}

		d, err := scanDevice(tx.QueryRowContext(ctx, selectDevice+`WHERE device_id = ?;`, deviceID))
		if err != nil {
			return fmt.Errorf("Touch read back: %w", err)
		}
		out = d
		return nil
	})
	return out, err
}

func (s *DeviceStore) MergeFacts(ctx context.Context, deviceID string, facts map[string]string) error {
	if len(facts) == 0 {
		return nil
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var paramsJSON string
		err := tx.QueryRowContext(ctx,
			`SELECT params_json FROM devices WHERE device_id = ?;`, deviceID,
		).Scan(&paramsJSON)
		if err == sql.ErrNoRows {
			return store.ErrDeviceNotFound
		}
		if err != nil {
			return fmt.Errorf("MergeFacts read params: %w", err)
		}

		params := map[string]string{}
		if paramsJSON != "" {
			if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
				params = map[string]string{}
			}
		}
		for k, v := range facts {
			params[k] = v
		}
		merged, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("MergeFacts marshal params: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE devices SET params_json = ? WHERE device_id = ?;
`, string(merged), deviceID); err != nil {
			return fmt.Errorf("MergeFacts update: %w", err)
		}
		return nil
	})
}

const selectDevice = `
SELECT device_id, display_name, ip_address, first_seen_at_ms, last_seen_at_ms,
       record_count, comms_count, params_json
FROM devices
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (types.Device, error) {
	var (
		d          types.Device
		firstMs    int64
		lastMs     int64
		paramsJSON string
	)
	if err := row.Scan(
		&d.DeviceID, &d.DisplayName, &d.IPAddress, &firstMs, &lastMs,
		&d.RecordCount, &d.CommsCount, &paramsJSON,
	); err != nil {
		return types.Device{}, err
	}

	d.FirstSeenAt = time.UnixMilli(firstMs).UTC()
	d.LastSeenAt = time.UnixMilli(lastMs).UTC()
	d.Params = map[string]string{}
	_ = json.Unmarshal([]byte(paramsJSON), &d.Params)
	return d, nil
}

func (s *DeviceStore) Get(ctx context.Context, deviceID string) (types.Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, selectDevice+`WHERE device_id = ?;`, deviceID))
	if err == sql.ErrNoRows {
		return types.Device{}, store.ErrDeviceNotFound
	}
	if err != nil {
		return types.Device{}, fmt.Errorf("Get device: %w", err)
	}
	return d, nil
}

func (s *DeviceStore) List(ctx context.Context) ([]types.Device, error) {
	rows, err := s.db.QueryContext(ctx, selectDevice+`ORDER BY device_id;`)
	if err != nil {
		return nil, fmt.Errorf("List devices: %w", err)
	}
	defer rows.Close()

	var out []types.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("List scan: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *DeviceStore) AddRecordCount(ctx context.Context, deviceID string, n int64) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE devices SET record_count = record_count + ? WHERE device_id = ?;
`, n, deviceID)
		if err != nil {
			return fmt.Errorf("AddRecordCount: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return store.ErrDeviceNotFound
		}
		return nil
	})
}

func (s *DeviceStore) SetDisplayName(ctx context.Context, deviceID, name string) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE devices SET display_name = ? WHERE device_id = ?;
`, name, deviceID)
		if err != nil {
			return fmt.Errorf("SetDisplayName: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return store.ErrDeviceNotFound
		}
		return nil
	})
}
