package store

import (
	"context"
	"time"
)

// LogEntry is one line of the gateway's device-visible audit trail.
// DeviceID is empty for entries not tied to a particular terminal.
type LogEntry struct {
	At       time.Time `json:"at"`
	Level    string    `json:"level"`
	Message  string    `json:"message"`
	DeviceID string    `json:"device_id,omitempty"`
}

// LogStore keeps a bounded history of audit entries for the operator log
// panel. Retention is the store's job: the memory backend caps by count,
// the durable backend is swept by the retention pruner.
type LogStore interface {
	Append(ctx context.Context, e LogEntry) error

	// Recent returns up to limit entries, newest last.
	Recent(ctx context.Context, limit int) ([]LogEntry, error)

	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
