package memory

import (
	"context"
	"sync"
	"time"

	"github.com/essl-labs/attendgate/internal/attend/store"
)

// defaultLogCap bounds the in-memory audit trail. Oldest entries are
// dropped first once the cap is reached.
const defaultLogCap = 5000

// LogStore is a ring-buffered audit log for tests and dev runs.
type LogStore struct {
	mu      sync.Mutex
	entries []store.LogEntry
	cap     int
}

func NewLogStore() *LogStore {
	return &LogStore{cap: defaultLogCap}
}

// NewLogStoreWithCap is a test hook for exercising the ring bound.
func NewLogStoreWithCap(cap int) *LogStore {
	if cap <= 0 {
		cap = defaultLogCap
	}
	return &LogStore{cap: cap}
}

func (s *LogStore) Append(_ context.Context, e store.LogEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, e)
	if len(s.entries) > s.cap {
		s.entries = s.entries[len(s.entries)-s.cap:]
	}
	return nil
}

func (s *LogStore) Recent(_ context.Context, limit int) ([]store.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]store.LogEntry, n)
	copy(out, s.entries[len(s.entries)-n:])
	return out, nil
}

func (s *LogStore) PruneOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	var pruned int64
	for _, e := range s.entries {
		if e.At.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return pruned, nil
}
