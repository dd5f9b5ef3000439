package types

import (
	"fmt"
	"time"
)

// Status is the human-readable category a terminal's numeric status code
// maps to. Terminals are allowed to send undocumented codes (extended
// access-control firmware does), so the mapping is total: anything outside
// the documented set becomes StatusUnknown.
type Status string

const (
	StatusCheckIn     Status = "check-in"
	StatusCheckOut    Status = "check-out"
	StatusBreakOut    Status = "break-out"
	StatusBreakIn     Status = "break-in"
	StatusOvertimeIn  Status = "overtime-in"
	StatusOvertimeOut Status = "overtime-out"
	StatusError       Status = "error"
	StatusUnknown     Status = "unknown"
)

var statusByCode = map[string]Status{
	"0":   StatusCheckIn,
	"1":   StatusCheckOut,
	"2":   StatusBreakOut,
	"3":   StatusBreakIn,
	"4":   StatusOvertimeIn,
	"5":   StatusOvertimeOut,
	"255": StatusError,
}

// StatusFromCode maps a raw status code to its category. Never fails.
func StatusFromCode(code string) Status {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return StatusUnknown
}

// AttendanceEvent is an immutable attendance fact as reported by a terminal.
// Timestamp is the device-local date-time string with the date/time
// separator normalized; the device's own format is otherwise authoritative
// and is not reinterpreted server-side.
type AttendanceEvent struct {
	DeviceID     string    `json:"device_id"`
	UserID       string    `json:"user_id"`
	Timestamp    string    `json:"timestamp"`
	StatusCode   string    `json:"status_code"`
	Status       Status    `json:"status"`
	Verification string    `json:"verification,omitempty"`
	WorkCode     string    `json:"work_code,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
	RawLine      string    `json:"raw_line"`
}

// Key returns the event's identity key. Two events with equal keys are the
// same occurrence; the store keeps only the first.
func (e AttendanceEvent) Key() string {
	return fmt.Sprintf("%s\x1f%s\x1f%s\x1f%s", e.DeviceID, e.UserID, e.Timestamp, e.StatusCode)
}
