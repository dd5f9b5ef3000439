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

type DeviceStore struct {
	mu      sync.RWMutex
	devices map[string]*types.Device
}

func NewDeviceStore() *DeviceStore {
	return &DeviceStore{devices: make(map[string]*types.Device)}
}

func (s *DeviceStore) Touch(_ context.Context, deviceID, ip string, facts map[string]string, t time.Time) (types.Device, error) {
	deviceID = strings.TrimSpace(deviceID)
	if t.IsZero() {
		t = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok {
		d = &types.Device{
			DeviceID:    deviceID,
			FirstSeenAt: t,
			Params:      make(map[string]string),
		}
		s.devices[deviceID] = d
	}

	d.LastSeenAt = t
	d.CommsCount++
	if ip != "" {
		d.IPAddress = ip
	}
	for k, v := range facts {
		d.Params[k] = v
	}

	return snapshot(d), nil
}

func (s *DeviceStore) MergeFacts(_ context.Context, deviceID string, facts map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return store.ErrDeviceNotFound
	}
	for k, v := range facts {
		d.Params[k] = v
	}
	return nil
}

func (s *DeviceStore) Get(_ context.Context, deviceID string) (types.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return types.Device{}, store.ErrDeviceNotFound
	}
	return snapshot(d), nil
}

func (s *DeviceStore) List(_ context.Context) ([]types.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, snapshot(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *DeviceStore) AddRecordCount(_ context.Context, deviceID string, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return store.ErrDeviceNotFound
	}
	d.RecordCount += n
	return nil
}

func (s *DeviceStore) SetDisplayName(_ context.Context, deviceID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return store.ErrDeviceNotFound
	}
	d.DisplayName = name
	return nil
}

// snapshot copies the aggregate so callers never share the store's maps.
func snapshot(d *types.Device) types.Device {
	out := *d
	out.Params = make(map[string]string, len(d.Params))
	for k, v := range d.Params {
		out.Params[k] = v
	}
	return out
}
