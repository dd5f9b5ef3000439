package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/essl-labs/attendgate/internal/attend/store"
)

// LogRetention periodically deletes audit-log entries older than a
// configurable retention period, keeping the raw-line/log history bounded
// instead of growing forever.
//
// A retention of 0 disables pruning entirely.
type LogRetention struct {
	store     store.LogStore
	retention time.Duration
	interval  time.Duration
	logger    *zap.Logger
	cancel    context.CancelFunc
	done      chan struct{}
}

// RetentionConfig holds the parameters for NewLogRetention.
type RetentionConfig struct {
	// RetentionDays is how many days of log history to keep. 0 means keep
	// everything (the loop will not start).
	RetentionDays int

	// IntervalHours is how often the pruner runs. Defaults to 6.
	IntervalHours int
}

// NewLogRetention creates the pruner but does not start it. Call Start to
// begin the background loop.
func NewLogRetention(st store.LogStore, cfg RetentionConfig, logger *zap.Logger) *LogRetention {
	interval := time.Duration(cfg.IntervalHours) * time.Hour
	if interval <= 0 {
		interval = 6 * time.Hour
	}

	return &LogRetention{
		store:     st,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		interval:  interval,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start begins the background pruning loop. It runs an immediate prune on
// startup, then repeats on the configured interval. The loop exits when
// ctx is cancelled or Stop is called.
func (p *LogRetention) Start(ctx context.Context) {
	if p.retention <= 0 {
		p.logger.Info("log retention disabled (retention=0)")
		close(p.done)
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)

	go p.loop(ctx)

	p.logger.Info("log retention started",
		zap.Int("retention_days", int(p.retention.Hours()/24)),
		zap.Int("interval_hours", int(p.interval.Hours())))
}

// Stop signals the pruner to exit and waits for it to finish.
func (p *LogRetention) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

func (p *LogRetention) loop(ctx context.Context) {
	defer close(p.done)

	// Run immediately on startup to clean up any backlog.
	p.prune(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *LogRetention) prune(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-p.retention)
	deleted, err := p.store.PruneOlderThan(ctx, cutoff)
	if err != nil {
		p.logger.Error("log prune failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		p.logger.Info("log prune",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff))
	}
}
