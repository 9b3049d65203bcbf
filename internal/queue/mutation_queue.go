// Package queue keeps the durable, per-entity-type collections of mutations
// waiting to reach the remote service.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"offline-sync/internal/models"
	"offline-sync/internal/persist"
	"offline-sync/internal/telemetry"
)

const (
	keyPrefix = "offline_queue:"

	interruptedError = "sync interrupted"

	persistTimeout = 5 * time.Second
)

var (
	ErrDuplicateRecord = errors.New("duplicate record id")
	ErrWrongEntityType = errors.New("record belongs to another queue")
)

// StorageKey is the persistence key for an entity type's queue.
func StorageKey(t models.EntityType) string {
	return keyPrefix + string(t)
}

// Options tune a single queue.
type Options struct {
	// MaxLen caps the queue; 0 means unbounded. Oldest records are evicted first.
	MaxLen int
	Logger *slog.Logger
	Now    func() time.Time
}

// MutationQueue is the ordered collection of records for one entity type.
// Every change is written through to the adapter while the lock is held so
// storage never observes a half-applied update.
type MutationQueue struct {
	entity models.EntityType
	store  persist.Adapter
	maxLen int
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	records []models.MutationRecord
}

func New(entity models.EntityType, store persist.Adapter, opts Options) *MutationQueue {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MutationQueue{
		entity: entity,
		store:  store,
		maxLen: opts.MaxLen,
		logger: opts.Logger.With("entity", string(entity)),
		now:    opts.Now,
	}
}

func (q *MutationQueue) Entity() models.EntityType { return q.entity }

// MaxLen reports the configured cap, 0 when unbounded.
func (q *MutationQueue) MaxLen() int { return q.maxLen }

// Load replaces the in-memory collection with the persisted one. Missing or
// unreadable storage leaves the queue empty. Records left in syncing by a
// crash are marked failed so the retry policy picks them up again.
func (q *MutationQueue) Load(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = nil

	raw, ok, err := q.store.Get(ctx, StorageKey(q.entity))
	if err != nil {
		q.logger.Warn("queue load failed, starting empty", "err", err)
		return
	}
	if !ok || raw == "" {
		return
	}
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		q.logger.Warn("queue storage corrupt, starting empty", "err", err)
		return
	}

	seen := make(map[string]struct{}, len(items))
	dirty := false
	for i, item := range items {
		var rec models.MutationRecord
		if err := json.Unmarshal(item, &rec); err != nil {
			q.logger.Warn("skipping unreadable record", "index", i, "err", err)
			dirty = true
			continue
		}
		if rec.EntityType != q.entity {
			q.logger.Warn("skipping record of another type", "id", rec.ID, "type", rec.EntityType)
			dirty = true
			continue
		}
		if _, dup := seen[rec.ID]; dup {
			dirty = true
			continue
		}
		seen[rec.ID] = struct{}{}
		switch rec.Status {
		case models.StatusSyncing:
			rec.MarkFailed(interruptedError, q.now())
			dirty = true
		case models.StatusSynced:
			dirty = true
			continue
		}
		q.records = append(q.records, rec)
	}
	if q.evictLocked() > 0 {
		dirty = true
	}
	if dirty {
		_ = q.persistLocked(ctx)
	}
	q.updateGaugeLocked()
}

// Enqueue appends rec and writes the queue through. A storage failure is
// logged, not returned: the record is kept in memory either way.
func (q *MutationQueue) Enqueue(ctx context.Context, rec models.MutationRecord) error {
	if rec.EntityType != q.entity {
		return fmt.Errorf("%w: %s into %s", ErrWrongEntityType, rec.EntityType, q.entity)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.records {
		if q.records[i].ID == rec.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateRecord, rec.ID)
		}
	}
	q.records = append(q.records, rec.Clone())
	q.evictLocked()
	_ = q.persistLocked(ctx)
	q.updateGaugeLocked()
	return nil
}

func (q *MutationQueue) evictLocked() int {
	if q.maxLen <= 0 || len(q.records) <= q.maxLen {
		return 0
	}
	n := len(q.records) - q.maxLen
	q.records = append([]models.MutationRecord(nil), q.records[n:]...)
	telemetry.Evictions.WithLabelValues(string(q.entity)).Add(float64(n))
	q.logger.Debug("queue cap reached, dropped oldest records", "dropped", n, "cap", q.maxLen)
	return n
}

// Persist writes the current collection to storage.
func (q *MutationQueue) Persist(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.persistLocked(ctx)
}

// persistLocked writes through on a context detached from the caller's
// cancellation: once memory has changed, an aborted request or a shutdown
// must not leave storage behind it.
func (q *MutationQueue) persistLocked(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	key := StorageKey(q.entity)
	var err error
	if len(q.records) == 0 {
		err = q.store.Remove(ctx, key)
	} else {
		var data []byte
		data, err = json.Marshal(q.records)
		if err == nil {
			err = q.store.Set(ctx, key, string(data))
		}
	}
	if err != nil {
		telemetry.PersistFailures.WithLabelValues(string(q.entity)).Inc()
		q.logger.Warn("queue persist failed, keeping in-memory state", "err", err)
		return fmt.Errorf("persist %s queue: %w", q.entity, err)
	}
	return nil
}

func (q *MutationQueue) updateGaugeLocked() {
	telemetry.PendingGauge.WithLabelValues(string(q.entity)).Set(float64(q.pendingLocked()))
}

// Compact drops synced records and returns how many were removed.
func (q *MutationQueue) Compact(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.records[:0]
	removed := 0
	for _, rec := range q.records {
		if rec.Status == models.StatusSynced {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	q.records = kept
	if removed > 0 {
		_ = q.persistLocked(ctx)
	}
	q.updateGaugeLocked()
	return removed
}

// PendingCount counts records that have not reached the remote side yet,
// including those currently in flight.
func (q *MutationQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingLocked()
}

func (q *MutationQueue) pendingLocked() int {
	n := 0
	for i := range q.records {
		if q.records[i].IsPending() {
			n++
		}
	}
	return n
}

// Counts breaks the queue down by status.
type Counts struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Failed  int `json:"failed"`
	Synced  int `json:"synced"`
}

func (c Counts) Total() int { return c.Pending + c.Syncing + c.Failed + c.Synced }

func (q *MutationQueue) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()
	var c Counts
	for _, rec := range q.records {
		switch rec.Status {
		case models.StatusPending:
			c.Pending++
		case models.StatusSyncing:
			c.Syncing++
		case models.StatusFailed:
			c.Failed++
		case models.StatusSynced:
			c.Synced++
		}
	}
	return c
}

func (q *MutationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Records returns copies of all records in insertion order.
func (q *MutationQueue) Records() []models.MutationRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.MutationRecord, len(q.records))
	for i := range q.records {
		out[i] = q.records[i].Clone()
	}
	return out
}

func (q *MutationQueue) Get(id string) (models.MutationRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.records {
		if q.records[i].ID == id {
			return q.records[i].Clone(), true
		}
	}
	return models.MutationRecord{}, false
}

// Update applies fn to each named record still in the queue and persists
// once if any call reported a change. It returns the number changed.
func (q *MutationQueue) Update(ctx context.Context, ids []string, fn func(*models.MutationRecord) bool) int {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	changed := 0
	for i := range q.records {
		if _, ok := want[q.records[i].ID]; !ok {
			continue
		}
		if fn(&q.records[i]) {
			changed++
		}
	}
	if changed > 0 {
		_ = q.persistLocked(ctx)
		q.updateGaugeLocked()
	}
	return changed
}

// ResetFailed moves failed records matching pred back to pending with a
// zero retry count. A nil pred matches every failed record.
func (q *MutationQueue) ResetFailed(ctx context.Context, pred func(models.MutationRecord) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for i := range q.records {
		rec := &q.records[i]
		if rec.Status != models.StatusFailed || (pred != nil && !pred(*rec)) {
			continue
		}
		if rec.ResetForRetry() {
			n++
		}
	}
	if n > 0 {
		_ = q.persistLocked(ctx)
	}
	return n
}

// PurgeFailed drops failed records matching pred. This is the only way a
// record leaves the queue without reaching the remote side.
func (q *MutationQueue) PurgeFailed(ctx context.Context, pred func(models.MutationRecord) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.records[:0]
	n := 0
	for _, rec := range q.records {
		if rec.Status == models.StatusFailed && (pred == nil || pred(rec)) {
			n++
			continue
		}
		kept = append(kept, rec)
	}
	q.records = kept
	if n > 0 {
		q.logger.Info("purged failed records", "count", n)
		_ = q.persistLocked(ctx)
		q.updateGaugeLocked()
	}
	return n
}
