package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/essl-labs/attendgate/internal/attend/types"
)

// PollerConfig holds the parameters for NewAutonomousPoller.
type PollerConfig struct {
	// Interval is how often the poller inspects device and queue state.
	// Defaults to 15s.
	Interval time.Duration

	// FetchGrace is how long a fetch campaign waits for new records before
	// re-arming the full-fetch opcode. Defaults to 60s.
	FetchGrace time.Duration

	// FetchMaxAttempts bounds a campaign's full-fetch enqueues. Defaults
	// to 5.
	FetchMaxAttempts int
}

// fetchCampaign tracks one bounded full-history retrieval attempt. It ends
// on success (the device's record count moved past the baseline) or when
// the attempt budget runs out.
type fetchCampaign struct {
	startedAt     time.Time
	lastAttemptAt time.Time
	attempts      int
	baseline      int64
}

// AutonomousPoller is the single background loop that keeps reachable
// terminals busy: it arms the initialization sequence for newly active
// devices, keeps an incremental fetch queued so polling never idles, and
// drives bounded full-fetch retry campaigns. It only mutates queue state —
// actual delivery happens lazily on the device's own next poll, so this
// loop never blocks on device I/O.
type AutonomousPoller struct {
	registry   *DeviceRegistry
	dispatcher *CommandDispatcher
	sink       *LogSink
	cfg        PollerConfig

	mu          sync.Mutex
	initialized map[string]bool
	campaigns   map[string]*fetchCampaign

	cancel context.CancelFunc
	done   chan struct{}
}

func NewAutonomousPoller(reg *DeviceRegistry, disp *CommandDispatcher, sink *LogSink, cfg PollerConfig) *AutonomousPoller {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.FetchGrace <= 0 {
		cfg.FetchGrace = 60 * time.Second
	}
	if cfg.FetchMaxAttempts <= 0 {
		cfg.FetchMaxAttempts = 5
	}
	return &AutonomousPoller{
		registry:    reg,
		dispatcher:  disp,
		sink:        sink,
		cfg:         cfg,
		initialized: make(map[string]bool),
		campaigns:   make(map[string]*fetchCampaign),
		done:        make(chan struct{}),
	}
}

// Start begins the background loop. The loop exits when ctx is cancelled
// or Stop is called.
func (p *AutonomousPoller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)
	p.sink.Logger().Info("autonomous poller started",
		zap.Duration("interval", p.cfg.Interval),
		zap.Duration("fetch_grace", p.cfg.FetchGrace),
		zap.Int("fetch_max_attempts", p.cfg.FetchMaxAttempts))
}

// Stop signals the loop to exit and waits for it to finish.
func (p *AutonomousPoller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

func (p *AutonomousPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx, time.Now().UTC())
		}
	}
}

// Tick runs one inspection pass. Exposed so tests can drive deterministic
// time without the ticker.
func (p *AutonomousPoller) Tick(ctx context.Context, now time.Time) {
	devices, err := p.registry.List(ctx)
	if err != nil {
		p.sink.Logger().Error("poller device list failed", zap.Error(err))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, d := range devices {
		if !d.Online(now, p.registry.OfflineAfter()) {
			continue
		}

		id := d.DeviceID

		if !p.initialized[id] {
			if p.dispatcher.Len(id) > 0 {
				// Something is already driving this device; try again
				// once its queue drains.
				continue
			}
			p.enqueueInitSequence(ctx, id)
			p.campaigns[id] = &fetchCampaign{
				startedAt:     now,
				lastAttemptAt: now,
				attempts:      1,
				baseline:      d.RecordCount,
			}
			p.initialized[id] = true
			p.sink.Info(ctx, "initialization sequence queued", id)
			continue
		}

		if c, ok := p.campaigns[id]; ok {
			p.stepCampaign(ctx, id, d.RecordCount, c, now)
			continue
		}

		// Reachable, idle, nothing in flight: keep the terminal polling
		// usefully with an incremental fetch.
		if p.dispatcher.Len(id) == 0 {
			p.dispatcher.Enqueue(ctx, id, types.CmdFetchRecent)
		}
	}
}

func (p *AutonomousPoller) enqueueInitSequence(ctx context.Context, deviceID string) {
	for _, cmd := range []string{
		types.CmdQueryInfo,
		types.CmdQueryOptions,
		types.CmdEnablePush,
		types.CmdFetchAll,
	} {
		p.dispatcher.Enqueue(ctx, deviceID, cmd)
	}
}

// stepCampaign advances one fetch campaign: success once records moved,
// re-arm after the grace period, exhaustion at the attempt ceiling.
func (p *AutonomousPoller) stepCampaign(ctx context.Context, deviceID string, recordCount int64, c *fetchCampaign, now time.Time) {
	if recordCount > c.baseline {
		delete(p.campaigns, deviceID)
		p.sink.Info(ctx, fmt.Sprintf("full fetch yielded records after %d attempt(s)", c.attempts), deviceID)
		return
	}

	if now.Sub(c.lastAttemptAt) < p.cfg.FetchGrace {
		return
	}

	if c.attempts >= p.cfg.FetchMaxAttempts {
		delete(p.campaigns, deviceID)
		p.sink.Warn(ctx, fmt.Sprintf("full fetch campaign exhausted after %d attempts", c.attempts), deviceID)
		return
	}

	p.dispatcher.Enqueue(ctx, deviceID, types.CmdFetchAll)
	c.attempts++
	c.lastAttemptAt = now
}

// ArmCampaign starts (or restarts) a fetch campaign for a device, taking
// the current record count as the success baseline. Used by the operator
// force-fetch path.
func (p *AutonomousPoller) ArmCampaign(ctx context.Context, deviceID string) {
	var baseline int64
	if d, err := p.registry.Get(ctx, deviceID); err == nil {
		baseline = d.RecordCount
	}

	now := time.Now().UTC()
	p.mu.Lock()
	p.campaigns[deviceID] = &fetchCampaign{
		startedAt:     now,
		lastAttemptAt: now,
		attempts:      1,
		baseline:      baseline,
	}
	p.initialized[deviceID] = true
	p.mu.Unlock()
}
