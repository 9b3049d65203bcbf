// Package scheduler decides when sync passes run: shortly after the device
// comes online, and on a fixed interval while it stays online.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"offline-sync/internal/engine"
	"offline-sync/internal/network"
)

// Syncer runs a sync pass.
type Syncer interface {
	SyncNow(ctx context.Context) engine.Outcome
}

// Monitor is the connectivity source the scheduler listens to.
type Monitor interface {
	IsOnline() bool
	Subscribe(fn func(network.Status)) (unsubscribe func())
}

type Scheduler struct {
	syncer   Syncer
	monitor  Monitor
	interval time.Duration
	settle   time.Duration
	logger   *slog.Logger
}

// New builds a scheduler. A non-positive interval disables the periodic tick.
func New(syncer Syncer, monitor Monitor, interval, settle time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		syncer:   syncer,
		monitor:  monitor,
		interval: interval,
		settle:   settle,
		logger:   logger,
	}
}

// Run drives sync passes until ctx is cancelled. An online transition arms
// the settle timer; going offline before it fires disarms it, so a flapping
// connection does not start a pass per flap.
func (s *Scheduler) Run(ctx context.Context) error {
	changes := make(chan network.Status, 1)
	unsubscribe := s.monitor.Subscribe(func(st network.Status) {
		for {
			select {
			case changes <- st:
				return
			default:
				// keep only the latest status
				select {
				case <-changes:
				default:
				}
			}
		}
	})
	defer unsubscribe()

	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	settle := time.NewTimer(s.settle)
	defer settle.Stop()
	settleC := settle.C
	if !s.monitor.IsOnline() {
		settle.Stop()
		settleC = nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st := <-changes:
			settle.Stop()
			settleC = nil
			if st == network.Online {
				settle.Reset(s.settle)
				settleC = settle.C
			}
		case <-settleC:
			settleC = nil
			if s.monitor.IsOnline() {
				s.trigger(ctx, "online")
			}
		case <-tick:
			if s.monitor.IsOnline() {
				s.trigger(ctx, "interval")
			}
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context, reason string) {
	out := s.syncer.SyncNow(ctx)
	if out.Skipped {
		s.logger.Debug("scheduled sync skipped", "trigger", reason, "reason", out.Reason)
		return
	}
	s.logger.Debug("scheduled sync finished", "trigger", reason, "synced", out.Synced, "failed", out.Failed)
}
