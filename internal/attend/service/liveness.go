package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LivenessSweeper periodically compares every device's last contact
// against the offline threshold and emits exactly one log event per
// online-to-offline edge. Liveness itself is computed at read time; the
// sweep exists only so the transition is observed and logged once.
type LivenessSweeper struct {
	registry *DeviceRegistry
	sink     *LogSink
	interval time.Duration

	mu     sync.Mutex
	online map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewLivenessSweeper(reg *DeviceRegistry, sink *LogSink, interval time.Duration) *LivenessSweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &LivenessSweeper{
		registry: reg,
		sink:     sink,
		interval: interval,
		online:   make(map[string]bool),
		done:     make(chan struct{}),
	}
}

func (s *LivenessSweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
	s.sink.Logger().Info("liveness sweeper started", zap.Duration("interval", s.interval))
}

func (s *LivenessSweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *LivenessSweeper) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx, time.Now().UTC())
		}
	}
}

// Sweep runs one pass. Exposed so tests can drive deterministic time.
func (s *LivenessSweeper) Sweep(ctx context.Context, now time.Time) {
	devices, err := s.registry.List(ctx)
	if err != nil {
		s.sink.Logger().Error("liveness sweep list failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range devices {
		on := d.Online(now, s.registry.OfflineAfter())
		was, seen := s.online[d.DeviceID]
		s.online[d.DeviceID] = on

		// Only the online->offline edge is log-worthy here; comebacks are
		// logged by the registry on the next contact.
		if seen && was && !on {
			s.sink.Warn(ctx, "device connection lost: "+d.DeviceID, d.DeviceID)
		}
	}
}
