package types

import "time"

// Terminal opcodes. These are vendor command strings understood by iClock
// firmware and are passed to the device verbatim; the gateway attaches no
// semantics beyond queueing them.
const (
	// CmdFetchRecent is the baseline incremental fetch and the default
	// answer to a poll with an empty queue — the protocol demands some
	// command string on every poll.
	CmdFetchRecent = "GET ATTLOG"

	// CmdFetchAll asks the terminal for its entire stored history. The
	// terminal paginates the result across multiple pushes.
	CmdFetchAll = "GET ATTLOG ALL"

	CmdQueryInfo    = "INFO"
	CmdQueryOptions = "GET OPTIONS"
	CmdEnablePush   = "SET OPTION RTLOG=1"
)

// CommandQueueEntry is one queued opcode awaiting delivery on the device's
// next poll. Delivery is at-most-once: once popped, the entry is gone
// whether or not the terminal acted on it.
type CommandQueueEntry struct {
	ID         string    `json:"id"`
	Command    string    `json:"command"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
