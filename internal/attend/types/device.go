package types

import "time"

// Device is the mutable aggregate for one physical terminal. DeviceID is
// the serial number when known, otherwise a key synthesized from the source
// IP. Devices are created on first contact and never deleted; offline is a
// derived state, not a lifecycle transition.
type Device struct {
	DeviceID    string            `json:"device_id"`
	DisplayName string            `json:"display_name,omitempty"`
	IPAddress   string            `json:"ip_address,omitempty"`
	FirstSeenAt time.Time         `json:"first_seen_at"`
	LastSeenAt  time.Time         `json:"last_seen_at"`
	RecordCount int64             `json:"record_count"`
	CommsCount  int64             `json:"comms_count"`
	Params      map[string]string `json:"params,omitempty"`
}

// Online reports whether the device has been heard from within threshold.
func (d Device) Online(now time.Time, threshold time.Duration) bool {
	return !d.LastSeenAt.IsZero() && now.Sub(d.LastSeenAt) < threshold
}
