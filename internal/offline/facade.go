// Package offline is the application-facing entry point: it decides whether a
// mutation goes straight to the remote service or into the local queue, and
// exposes the status fields a UI renders.
package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"offline-sync/internal/engine"
	"offline-sync/internal/models"
	"offline-sync/internal/network"
	"offline-sync/internal/persist"
	"offline-sync/internal/queue"
	"offline-sync/internal/remote"
	"offline-sync/internal/retry"
	"offline-sync/internal/telemetry"
)

// LastSyncKey is where the finish time of the latest pass is persisted.
const LastSyncKey = "offline_meta:last_sync_at"

// Delivery says what happened to an enqueued mutation.
type Delivery string

const (
	DeliveryApplied Delivery = "applied"
	DeliveryQueued  Delivery = "queued"
)

type EnqueueResult struct {
	Delivery Delivery              `json:"delivery"`
	Record   models.MutationRecord `json:"record"`
	// DirectError is set when a direct attempt failed and the record was queued instead.
	DirectError string `json:"direct_error,omitempty"`
}

// Status is a point-in-time snapshot for UI shells.
type Status struct {
	Online         bool                               `json:"online"`
	Syncing        bool                               `json:"syncing"`
	PendingCount   int                                `json:"pending_count"`
	HasPendingData bool                               `json:"has_pending_data"`
	LastSyncAt     *time.Time                         `json:"last_sync_at,omitempty"`
	Profile        string                             `json:"profile"`
	Queues         map[models.EntityType]queue.Counts `json:"queues"`
}

// Connectivity is the part of the network monitor the facade needs.
type Connectivity interface {
	IsOnline() bool
	Subscribe(fn func(network.Status)) (unsubscribe func())
}

type Deps struct {
	Queues  *queue.Set
	Remote  remote.Service
	Network Connectivity
	// Store holds facade metadata such as the last sync time.
	Store  persist.Adapter
	Policy retry.Policy
	Logger *slog.Logger
	Now    func() time.Time
}

type Facade struct {
	queues *queue.Set
	remote remote.Service
	net    Connectivity
	store  persist.Adapter
	engine *engine.Engine
	logger *slog.Logger
	now    func() time.Time

	unwatch func()

	mu        sync.Mutex
	nextID    int
	listeners map[int]func(Status)
}

func New(d Deps) (*Facade, error) {
	if d.Queues == nil || d.Remote == nil || d.Network == nil || d.Store == nil {
		return nil, errors.New("offline: queues, remote, network and store are required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	f := &Facade{
		queues:    d.Queues,
		remote:    d.Remote,
		net:       d.Network,
		store:     d.Store,
		logger:    d.Logger,
		now:       d.Now,
		listeners: make(map[int]func(Status)),
	}
	f.engine = engine.New(d.Queues, d.Remote, d.Network, engine.Options{
		Policy:         d.Policy,
		Logger:         d.Logger,
		Now:            d.Now,
		OnPassStart:    f.changed,
		OnPassComplete: f.passComplete,
	})
	f.unwatch = d.Network.Subscribe(func(network.Status) { f.changed() })
	return f, nil
}

// Close detaches the facade from the network monitor.
func (f *Facade) Close() {
	if f.unwatch != nil {
		f.unwatch()
	}
}

// Load restores every queue and the last sync time from storage.
func (f *Facade) Load(ctx context.Context) {
	f.queues.LoadAll(ctx)
	raw, ok, err := f.store.Get(ctx, LastSyncKey)
	switch {
	case err != nil:
		f.logger.Warn("read last sync time", "err", err)
	case ok:
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			f.logger.Warn("ignoring unreadable last sync time", "value", raw, "err", err)
			break
		}
		f.engine.RestoreLastSyncAt(t)
	}
	f.logger.Info("offline queues loaded", "pending", f.queues.PendingCount())
}

func (f *Facade) IsOnline() bool  { return f.net.IsOnline() }
func (f *Facade) IsOffline() bool { return !f.net.IsOnline() }

// PendingCount counts records across all entity types that are not synced yet.
func (f *Facade) PendingCount() int   { return f.queues.PendingCount() }
func (f *Facade) HasPendingData() bool { return f.PendingCount() > 0 }
func (f *Facade) IsSyncing() bool      { return f.engine.IsSyncing() }

// LastSyncAt is zero until a pass has run.
func (f *Facade) LastSyncAt() time.Time { return f.engine.LastSyncAt() }

func (f *Facade) Status() Status {
	pending := f.queues.PendingCount()
	st := Status{
		Online:         f.net.IsOnline(),
		Syncing:        f.engine.IsSyncing(),
		PendingCount:   pending,
		HasPendingData: pending > 0,
		Profile:        f.queues.Profile().Name,
		Queues:         f.queues.Counts(),
	}
	if at := f.engine.LastSyncAt(); !at.IsZero() {
		st.LastSyncAt = &at
	}
	return st
}

// Queue exposes the queue for one entity type.
func (f *Facade) Queue(t models.EntityType) (*queue.MutationQueue, error) {
	return f.queues.Get(t)
}

// Enqueue is the write entry point. While online with no backlog for the
// payload's entity type the mutation is applied directly; otherwise, or when
// the direct call fails, it is queued. Only invalid input returns an error.
func (f *Facade) Enqueue(ctx context.Context, op models.Operation, payload models.Payload) (EnqueueResult, error) {
	rec, err := models.NewRecord(op, payload, f.now())
	if err != nil {
		return EnqueueResult{}, err
	}
	q, err := f.queues.Get(rec.EntityType)
	if err != nil {
		return EnqueueResult{}, err
	}
	entity := string(rec.EntityType)

	var res EnqueueResult
	if f.net.IsOnline() && q.PendingCount() == 0 {
		err := engine.Apply(ctx, f.remote, rec)
		if err == nil {
			rec.MarkSynced()
			telemetry.DirectApplied.WithLabelValues(entity).Inc()
			f.changed()
			return EnqueueResult{Delivery: DeliveryApplied, Record: rec}, nil
		}
		f.logger.Warn("direct apply failed, queueing", "entity", entity, "id", rec.ID, "err", err)
		res.DirectError = remote.Describe(err)
	}

	if err := q.Enqueue(ctx, rec); err != nil {
		return EnqueueResult{}, fmt.Errorf("queue %s: %w", entity, err)
	}
	telemetry.EnqueueCounter.WithLabelValues(entity).Inc()
	res.Delivery = DeliveryQueued
	res.Record = rec
	f.changed()
	return res, nil
}

// SyncNow runs a pass with the same contract as the automatic trigger.
func (f *Facade) SyncNow(ctx context.Context) engine.Outcome {
	return f.engine.SyncAll(ctx)
}

// RetryFailed resets matching failed records to pending with a fresh retry
// count, then runs a pass. A nil pred matches every failed record.
func (f *Facade) RetryFailed(ctx context.Context, pred retry.Predicate) (int, engine.Outcome) {
	n := 0
	for _, t := range f.queues.Types() {
		n += f.queues.MustGet(t).ResetFailed(ctx, pred)
	}
	if n > 0 {
		f.logger.Info("failed records reset for retry", "count", n)
		f.changed()
	}
	return n, f.SyncNow(ctx)
}

// PurgeFailed drops matching failed records of one entity type.
func (f *Facade) PurgeFailed(ctx context.Context, t models.EntityType, pred retry.Predicate) (int, error) {
	q, err := f.queues.Get(t)
	if err != nil {
		return 0, err
	}
	n := q.PurgeFailed(ctx, pred)
	if n > 0 {
		f.logger.Warn("failed records purged", "entity", t, "count", n)
		f.changed()
	}
	return n, nil
}

// ClearSyncedData compacts every queue.
func (f *Facade) ClearSyncedData(ctx context.Context) int {
	n := f.queues.CompactAll(ctx)
	if n > 0 {
		f.changed()
	}
	return n
}

// Subscribe registers fn for status snapshots after network changes,
// enqueues, and sync passes.
func (f *Facade) Subscribe(fn func(Status)) (unsubscribe func()) {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *Facade) passComplete(out engine.Outcome) {
	if !out.FinishedAt.IsZero() {
		ctx := context.Background()
		if err := f.store.Set(ctx, LastSyncKey, out.FinishedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			f.logger.Warn("persist last sync time", "err", err)
		}
	}
	f.changed()
}

func (f *Facade) changed() {
	f.mu.Lock()
	if len(f.listeners) == 0 {
		f.mu.Unlock()
		return
	}
	fns := make([]func(Status), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	st := f.Status()
	for _, fn := range fns {
		f.notify(fn, st)
	}
}

func (f *Facade) notify(fn func(Status), st Status) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("status listener panicked", "panic", r)
		}
	}()
	fn(st)
}
