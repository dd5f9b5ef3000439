package store

import (
	"context"
	"errors"
	"time"

	"github.com/essl-labs/attendgate/internal/attend/types"
)

var ErrDeviceNotFound = errors.New("device not found")

// DeviceStore persists the device aggregate. Rows are created on first
// contact and never deleted; offline is computed at read time from
// LastSeenAt, so no store-side liveness state exists.
type DeviceStore interface {
	// Touch upserts the device: bumps LastSeenAt and CommsCount, sets the
	// IP only when non-empty, and merges facts into the param bag with
	// last-write-wins per key. Returns the post-touch aggregate.
	Touch(ctx context.Context, deviceID, ip string, facts map[string]string, t time.Time) (types.Device, error)

	// MergeFacts folds facts into the param bag with last-write-wins per
	// key, without bumping liveness or the comms counter. For facts that
	// surface after the touch that created the device, e.g. identity
	// lines inside a push body.
	MergeFacts(ctx context.Context, deviceID string, facts map[string]string) error

	Get(ctx context.Context, deviceID string) (types.Device, error)
	List(ctx context.Context) ([]types.Device, error)

	// AddRecordCount adds n to the device's monotonically increasing
	// accepted-record counter.
	AddRecordCount(ctx context.Context, deviceID string, n int64) error

	SetDisplayName(ctx context.Context, deviceID, name string) error
}
