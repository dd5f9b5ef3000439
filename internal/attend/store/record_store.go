package store

import (
	"context"

	"github.com/essl-labs/attendgate/internal/attend/types"
)

// RecordFilter narrows a record query. Zero values mean "any". From/To are
// compared against the normalized device-local timestamp string, which is
// lexicographically ordered for the device's date-first layout.
type RecordFilter struct {
	DeviceID string
	UserID   string
	From     string
	To       string
	Limit    int
	Offset   int
}

// RecordStore owns the attendance history. InsertIfAbsent must be atomic
// with respect to concurrent inserts of the same identity key: rapid
// retransmissions race, and the store is where that race resolves.
type RecordStore interface {
	// InsertIfAbsent persists the event unless one with an equal identity
	// key already exists. Returns false (and no mutation) for duplicates.
	InsertIfAbsent(ctx context.Context, ev types.AttendanceEvent) (bool, error)

	Query(ctx context.Context, f RecordFilter) ([]types.AttendanceEvent, error)
	Count(ctx context.Context) (int64, error)

	// CountMatching counts events with a timestamp beginning with prefix
	// (e.g. a "2025-01-01" day prefix).
	CountMatching(ctx context.Context, prefix string) (int64, error)

	DistinctUsers(ctx context.Context) (int64, error)
}
