package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/essl-labs/attendgate/internal/attend/types"
)

// fetchAllRepeat bounds how many full-fetch entries a force-fetch sequence
// queues. The terminal paginates history across polls, so a few repeats
// help; an unbounded tail would pile up if the device stops polling.
const fetchAllRepeat = 3

// CommandDispatcher owns every device's outbound FIFO. Delivery is
// at-most-once: Poll removes the head whether or not the terminal acts on
// it — the protocol has no acknowledgement channel, so retries belong to
// the autonomous poller, not here.
type CommandDispatcher struct {
	mu     sync.Mutex
	queues map[string][]types.CommandQueueEntry
	sink   *LogSink
}

func NewCommandDispatcher(sink *LogSink) *CommandDispatcher {
	return &CommandDispatcher{
		queues: make(map[string][]types.CommandQueueEntry),
		sink:   sink,
	}
}

// Enqueue appends a command to the device's FIFO and returns the entry.
func (d *CommandDispatcher) Enqueue(ctx context.Context, deviceID, command string) types.CommandQueueEntry {
	entry := types.CommandQueueEntry{
		ID:         uuid.NewString(),
		Command:    command,
		EnqueuedAt: time.Now().UTC(),
	}

	d.mu.Lock()
	d.queues[deviceID] = append(d.queues[deviceID], entry)
	d.mu.Unlock()

	d.sink.Debug(ctx, "queued command: "+command, deviceID)
	return entry
}

// Poll pops and returns the head of the device's queue. With an empty
// queue it returns the default opcode without mutating state — the
// protocol requires some command string on every poll.
func (d *CommandDispatcher) Poll(ctx context.Context, deviceID string) (command string, queued bool) {
	d.mu.Lock()
	q := d.queues[deviceID]
	if len(q) == 0 {
		d.mu.Unlock()
		return types.CmdFetchRecent, false
	}
	head := q[0]
	d.queues[deviceID] = q[1:]
	d.mu.Unlock()

	d.sink.Info(ctx, "delivering command: "+head.Command, deviceID)
	return head.Command, true
}

// Pending returns a copy of the device's undelivered entries in order.
func (d *CommandDispatcher) Pending(deviceID string) []types.CommandQueueEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[deviceID]
	out := make([]types.CommandQueueEntry, len(q))
	copy(out, q)
	return out
}

func (d *CommandDispatcher) Len(deviceID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues[deviceID])
}

// Clear drops all undelivered entries for the device and returns how many
// were dropped. Delivered commands cannot be cancelled.
func (d *CommandDispatcher) Clear(ctx context.Context, deviceID string) int {
	d.mu.Lock()
	n := len(d.queues[deviceID])
	delete(d.queues, deviceID)
	d.mu.Unlock()

	if n > 0 {
		d.sink.Info(ctx, "cleared command queue", deviceID)
	}
	return n
}

// ForceFullFetch atomically replaces the device's queue with the
// aggressive retrieval sequence: an immediate full-history fetch, then the
// identity query, option query and push-mode enablement, then a bounded
// run of further full fetches for the paginated remainder.
func (d *CommandDispatcher) ForceFullFetch(ctx context.Context, deviceID string) []types.CommandQueueEntry {
	seq := []string{
		types.CmdFetchAll,
		types.CmdQueryInfo,
		types.CmdQueryOptions,
		types.CmdEnablePush,
	}
	for i := 0; i < fetchAllRepeat-1; i++ {
		seq = append(seq, types.CmdFetchAll)
	}

	now := time.Now().UTC()
	entries := make([]types.CommandQueueEntry, 0, len(seq))
	for _, cmd := range seq {
		entries = append(entries, types.CommandQueueEntry{
			ID:         uuid.NewString(),
			Command:    cmd,
			EnqueuedAt: now,
		})
	}

	d.mu.Lock()
	d.queues[deviceID] = entries
	d.mu.Unlock()

	d.sink.Info(ctx, "force full fetch queued", deviceID)

	out := make([]types.CommandQueueEntry, len(entries))
	copy(out, entries)
	return out
}
