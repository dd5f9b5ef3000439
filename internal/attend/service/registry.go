package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/essl-labs/attendgate/internal/attend/store"
	"github.com/essl-labs/attendgate/internal/attend/types"
)

// DeviceRegistry owns the device aggregates. All mutation goes through the
// registry so per-device state is never written from two paths at once.
type DeviceRegistry struct {
	store        store.DeviceStore
	sink         *LogSink
	offlineAfter time.Duration
}

func NewDeviceRegistry(st store.DeviceStore, sink *LogSink, offlineAfter time.Duration) *DeviceRegistry {
	if offlineAfter <= 0 {
		offlineAfter = 120 * time.Second
	}
	return &DeviceRegistry{store: st, sink: sink, offlineAfter: offlineAfter}
}

// Touch records a device contact: upserts the aggregate, bumps liveness and
// the comms counter, and merges any harvested facts. A first contact from
// an unseen device creates its record.
func (r *DeviceRegistry) Touch(ctx context.Context, deviceID, ip string, facts map[string]string) (types.Device, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return types.Device{}, fmt.Errorf("touch: empty device id")
	}

	before, getErr := r.store.Get(ctx, deviceID)
	firstContact := errors.Is(getErr, store.ErrDeviceNotFound)

	d, err := r.store.Touch(ctx, deviceID, ip, facts, time.Now().UTC())
	if err != nil {
		return types.Device{}, fmt.Errorf("touch %s: %w", deviceID, err)
	}

	if firstContact {
		r.sink.Info(ctx, "device registered: "+deviceID, deviceID)
	} else if getErr == nil && !before.Online(time.Now().UTC(), r.offlineAfter) {
		// Device came back after a silence long enough to count as offline.
		// A failed read proves nothing about prior liveness, so it logs no
		// comeback.
		r.sink.Info(ctx, "device back online: "+deviceID, deviceID)
	}

	return d, nil
}

// MergeFacts folds harvested facts into the device's param bag without
// counting a contact. Used when facts surface after the touch that already
// registered the request, e.g. identity lines inside a push body.
func (r *DeviceRegistry) MergeFacts(ctx context.Context, deviceID string, facts map[string]string) error {
	if len(facts) == 0 {
		return nil
	}
	return r.store.MergeFacts(ctx, deviceID, facts)
}

func (r *DeviceRegistry) Get(ctx context.Context, deviceID string) (types.Device, error) {
	return r.store.Get(ctx, deviceID)
}

func (r *DeviceRegistry) List(ctx context.Context) ([]types.Device, error) {
	return r.store.List(ctx)
}

// NoteRecords adds n accepted events to the device's record counter.
func (r *DeviceRegistry) NoteRecords(ctx context.Context, deviceID string, n int64) error {
	if n <= 0 {
		return nil
	}
	return r.store.AddRecordCount(ctx, deviceID, n)
}

func (r *DeviceRegistry) Rename(ctx context.Context, deviceID, name string) error {
	return r.store.SetDisplayName(ctx, deviceID, strings.TrimSpace(name))
}

// OfflineAfter is the staleness threshold liveness derives from.
func (r *DeviceRegistry) OfflineAfter() time.Duration { return r.offlineAfter }

// Online evaluates liveness for a device snapshot at the current time.
func (r *DeviceRegistry) Online(d types.Device) bool {
	return d.Online(time.Now().UTC(), r.offlineAfter)
}
