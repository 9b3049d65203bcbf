package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"offline-sync/internal/config"
	"offline-sync/internal/models"
	"offline-sync/internal/persist"
)

// Set holds one queue per entity type, configured from a client profile.
type Set struct {
	profile config.Profile
	order   []models.EntityType
	queues  map[models.EntityType]*MutationQueue
}

// NewSet builds a queue for every entity type. Caps come from the profile.
func NewSet(store persist.Adapter, profile config.Profile, logger *slog.Logger, now func() time.Time) *Set {
	s := &Set{
		profile: profile,
		order:   models.EntityTypes(),
		queues:  make(map[models.EntityType]*MutationQueue),
	}
	for _, t := range s.order {
		s.queues[t] = New(t, store, Options{
			MaxLen: profile.For(t).MaxLen,
			Logger: logger,
			Now:    now,
		})
	}
	return s
}

func (s *Set) Profile() config.Profile { return s.profile }

// Types lists entity types in a stable order.
func (s *Set) Types() []models.EntityType {
	return append([]models.EntityType(nil), s.order...)
}

// Get returns the queue for t.
func (s *Set) Get(t models.EntityType) (*MutationQueue, error) {
	q, ok := s.queues[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownEntityType, t)
	}
	return q, nil
}

// MustGet is Get for entity types already validated by the caller.
func (s *Set) MustGet(t models.EntityType) *MutationQueue {
	q, err := s.Get(t)
	if err != nil {
		panic(err)
	}
	return q
}

func (s *Set) LoadAll(ctx context.Context) {
	for _, t := range s.order {
		s.queues[t].Load(ctx)
	}
}

func (s *Set) PendingCount() int {
	n := 0
	for _, t := range s.order {
		n += s.queues[t].PendingCount()
	}
	return n
}

// CompactAll compacts every queue and returns the total removed.
func (s *Set) CompactAll(ctx context.Context) int {
	n := 0
	for _, t := range s.order {
		n += s.queues[t].Compact(ctx)
	}
	return n
}

// Counts reports per-type status counts for every queue.
func (s *Set) Counts() map[models.EntityType]Counts {
	out := make(map[models.EntityType]Counts, len(s.order))
	for _, t := range s.order {
		out[t] = s.queues[t].Counts()
	}
	return out
}
