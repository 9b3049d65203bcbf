// Package engine replays queued mutations against the remote service.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"offline-sync/internal/models"
	"offline-sync/internal/queue"
	"offline-sync/internal/remote"
	"offline-sync/internal/retry"
	"offline-sync/internal/telemetry"
)

// Reason explains a skipped pass.
type Reason string

const (
	ReasonOffline        Reason = "offline"
	ReasonAlreadySyncing Reason = "already_syncing"
)

// TypeOutcome summarizes one entity type within a pass.
type TypeOutcome struct {
	Eligible int `json:"eligible"`
	Calls    int `json:"calls"`
	Synced   int `json:"synced"`
	Failed   int `json:"failed"`
}

// Outcome is the result of one SyncAll call.
type Outcome struct {
	Skipped    bool                              `json:"skipped"`
	Reason     Reason                            `json:"reason,omitempty"`
	Synced     int                               `json:"synced"`
	Failed     int                               `json:"failed"`
	Compacted  int                               `json:"compacted"`
	PerType    map[models.EntityType]TypeOutcome `json:"per_type,omitempty"`
	StartedAt  time.Time                         `json:"started_at,omitempty"`
	FinishedAt time.Time                         `json:"finished_at,omitempty"`
}

// Connectivity is the part of the network monitor the engine consults.
type Connectivity interface {
	IsOnline() bool
}

type Options struct {
	Policy retry.Policy
	Logger *slog.Logger
	Now    func() time.Time
	// OnPassStart runs once the single-flight guard is taken.
	OnPassStart func()
	// OnPassComplete runs after the guard is released.
	OnPassComplete func(Outcome)
}

// Engine runs sync passes. At most one pass is in flight at a time; callers
// arriving while one runs get a skipped outcome rather than waiting.
type Engine struct {
	queues *queue.Set
	remote remote.Service
	net    Connectivity
	policy retry.Policy
	logger *slog.Logger
	now    func() time.Time

	onStart    func()
	onComplete func(Outcome)

	syncing atomic.Bool

	mu         sync.RWMutex
	lastSyncAt time.Time
}

func New(queues *queue.Set, svc remote.Service, net Connectivity, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Policy == (retry.Policy{}) {
		opts.Policy = retry.Default()
	}
	return &Engine{
		queues:     queues,
		remote:     svc,
		net:        net,
		policy:     opts.Policy,
		logger:     opts.Logger,
		now:        opts.Now,
		onStart:    opts.OnPassStart,
		onComplete: opts.OnPassComplete,
	}
}

func (e *Engine) IsSyncing() bool { return e.syncing.Load() }

// LastSyncAt is the finish time of the most recent pass that ran, zero if none.
func (e *Engine) LastSyncAt() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSyncAt
}

// RestoreLastSyncAt seeds the timestamp persisted by a previous process.
func (e *Engine) RestoreLastSyncAt(t time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.After(e.lastSyncAt) {
		e.lastSyncAt = t
	}
}

// SyncAll runs one pass over every entity type. It returns immediately
// with a skipped outcome when offline or when a pass is already running.
func (e *Engine) SyncAll(ctx context.Context) Outcome {
	if !e.net.IsOnline() {
		telemetry.SyncPasses.WithLabelValues(string(ReasonOffline)).Inc()
		return Outcome{Skipped: true, Reason: ReasonOffline}
	}
	if !e.syncing.CompareAndSwap(false, true) {
		telemetry.SyncPasses.WithLabelValues(string(ReasonAlreadySyncing)).Inc()
		return Outcome{Skipped: true, Reason: ReasonAlreadySyncing}
	}
	out := e.pass(ctx)
	telemetry.SyncPasses.WithLabelValues("completed").Inc()
	if e.onComplete != nil {
		e.onComplete(out)
	}
	return out
}

// pass owns the guard taken by SyncAll and releases it on return.
func (e *Engine) pass(ctx context.Context) Outcome {
	defer e.syncing.Store(false)
	telemetry.SyncInProgress.Set(1)
	defer telemetry.SyncInProgress.Set(0)
	if e.onStart != nil {
		e.onStart()
	}

	out := Outcome{
		StartedAt: e.now(),
		PerType:   make(map[models.EntityType]TypeOutcome),
	}
	profile := e.queues.Profile()

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, t := range e.queues.Types() {
		t := t
		q := e.queues.MustGet(t)
		ec := profile.For(t)
		g.Go(func() error {
			res := e.syncType(ctx, q, ec)
			mu.Lock()
			defer mu.Unlock()
			if res.Eligible > 0 {
				out.PerType[t] = res
			}
			out.Synced += res.Synced
			out.Failed += res.Failed
			return nil
		})
	}
	_ = g.Wait()

	out.Compacted = e.queues.CompactAll(ctx)
	out.FinishedAt = e.now()
	e.mu.Lock()
	e.lastSyncAt = out.FinishedAt
	e.mu.Unlock()

	e.logger.Info("sync pass complete",
		"synced", out.Synced,
		"failed", out.Failed,
		"compacted", out.Compacted,
		"duration", out.FinishedAt.Sub(out.StartedAt),
	)
	return out
}
