package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/essl-labs/attendgate/internal/attend/store"
	"github.com/essl-labs/attendgate/internal/attend/types"
)

// RecordStore is an in-memory attendance history. The identity-key set
// gives O(1) duplicate checks regardless of history size; check and insert
// happen under one lock so concurrent retransmissions cannot both land.
type RecordStore struct {
	mu     sync.RWMutex
	events []types.AttendanceEvent
	keys   map[string]struct{}
}

func NewRecordStore() *RecordStore {
	return &RecordStore{keys: make(map[string]struct{})}
}

func (s *RecordStore) InsertIfAbsent(_ context.Context, ev types.AttendanceEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ev.Key()
	if _, dup := s.keys[key]; dup {
		return false, nil
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	s.keys[key] = struct{}{}
	s.events = append(s.events, ev)
	return true, nil
}

func (s *RecordStore) Query(_ context.Context, f store.RecordFilter) ([]types.AttendanceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.AttendanceEvent, 0)
	for _, ev := range s.events {
		if !matches(ev, f) {
			continue
		}
		out = append(out, ev)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []types.AttendanceEvent{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(ev types.AttendanceEvent, f store.RecordFilter) bool {
	if f.DeviceID != "" && ev.DeviceID != f.DeviceID {
		return false
	}
	if f.UserID != "" && ev.UserID != f.UserID {
		return false
	}
	if f.From != "" && ev.Timestamp < f.From {
		return false
	}
	if f.To != "" && ev.Timestamp > f.To {
		return false
	}
	return true
}

func (s *RecordStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.events)), nil
}

func (s *RecordStore) CountMatching(_ context.Context, prefix string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, ev := range s.events {
		if strings.HasPrefix(ev.Timestamp, prefix) {
			n++
		}
	}
	return n, nil
}

func (s *RecordStore) DistinctUsers(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make(map[string]struct{}, len(s.events))
	for _, ev := range s.events {
		users[ev.UserID] = struct{}{}
	}
	return int64(len(users)), nil
}
