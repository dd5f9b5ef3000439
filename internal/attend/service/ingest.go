package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/essl-labs/attendgate/internal/attend/protocol"
	"github.com/essl-labs/attendgate/internal/attend/store"
	"github.com/essl-labs/attendgate/internal/attend/types"
)

// IngestResult summarizes one batch of pushed lines.
type IngestResult struct {
	Accepted   int
	Duplicates int
	Malformed  int
	// Facts are KEY=VALUE identity/config lines harvested from the body,
	// ready to merge into the device's param bag.
	Facts map[string]string
}

// IngestService feeds pushed payload lines through the parser, rejects
// duplicate events, and persists the rest. A burst of accepted events
// re-arms the full-history fetch, since the terminal paginates its backlog
// across multiple pushes.
type IngestService struct {
	records        store.RecordStore
	registry       *DeviceRegistry
	dispatcher     *CommandDispatcher
	sink           *LogSink
	burstThreshold int
}

func NewIngestService(
	records store.RecordStore,
	registry *DeviceRegistry,
	dispatcher *CommandDispatcher,
	sink *LogSink,
	burstThreshold int,
) *IngestService {
	if burstThreshold <= 0 {
		burstThreshold = 20
	}
	return &IngestService{
		records:        records,
		registry:       registry,
		dispatcher:     dispatcher,
		sink:           sink,
		burstThreshold: burstThreshold,
	}
}

// IngestBody processes a newline-separated push body for one device, in
// line order. It never fails the caller: malformed lines are skipped and
// persistence errors are logged — the device stream must keep flowing, and
// the wire offers no way to report errors back anyway.
func (s *IngestService) IngestBody(ctx context.Context, deviceID, body string) IngestResult {
	res := IngestResult{Facts: map[string]string{}}
	now := time.Now().UTC()

	for _, line := range splitLines(body) {
		if strings.TrimSpace(line) == "" {
			continue
		}

		p := protocol.ParseLine(line)
		switch p.Kind {
		case protocol.LineIdentity:
			res.Facts[p.Identity.Key] = p.Identity.Value

		case protocol.LineEvent:
			c := p.Event
			ev := types.AttendanceEvent{
				DeviceID:     deviceID,
				UserID:       c.UserID,
				Timestamp:    c.Timestamp,
				StatusCode:   c.StatusCode,
				Status:       c.Status(),
				Verification: c.Verification,
				WorkCode:     c.WorkCode,
				ReceivedAt:   now,
				RawLine:      c.RawLine,
			}

			inserted, err := s.records.InsertIfAbsent(ctx, ev)
			if err != nil {
				// Availability over durability: keep serving from memory
				// state and let the next batch retry persistence.
				s.sink.Logger().Error("event persist failed",
					zap.String("device_id", deviceID),
					zap.String("user_id", ev.UserID),
					zap.Error(err))
				continue
			}
			if !inserted {
				res.Duplicates++
				s.sink.Debug(ctx, "duplicate event skipped: user "+ev.UserID, deviceID)
				continue
			}
			res.Accepted++

		case protocol.LineUnrecognized:
			res.Malformed++
			s.sink.Debug(ctx, "unrecognized line: "+truncate(line, 120), deviceID)
		}
	}

	if res.Accepted > 0 {
		if err := s.registry.NoteRecords(ctx, deviceID, int64(res.Accepted)); err != nil {
			s.sink.Logger().Error("record count update failed",
				zap.String("device_id", deviceID), zap.Error(err))
		}
	}

	// A batch this large usually means the terminal is paging out history;
	// ask for the rest.
	if res.Accepted > s.burstThreshold {
		s.dispatcher.Enqueue(ctx, deviceID, types.CmdFetchAll)
		s.sink.Info(ctx, "large batch received, re-queued full fetch", deviceID)
	}

	return res
}

func splitLines(body string) []string {
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, "\r")
	}
	return lines
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
