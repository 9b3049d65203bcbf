package remote

import (
	"context"
	"fmt"
	"sync"

	"offline-sync/internal/models"
)

// Memory is an in-process system of record for development and tests.
// Inserts are not idempotent, so a repeated insert yields ErrAlreadyExists;
// keyed streams are upserted last-write-wins.
type Memory struct {
	mu    sync.Mutex
	rows  map[models.EntityType]map[string]models.Payload
	calls []Mutation
	fail  func(Mutation) error
}

func NewMemory() *Memory {
	return &Memory{rows: make(map[models.EntityType]map[string]models.Payload)}
}

// FailWith installs a hook consulted before every Apply; a non-nil result is
// returned instead of applying the mutation. Pass nil to clear it.
func (m *Memory) FailWith(fn func(Mutation) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

// Calls returns every mutation Apply has seen, including failed ones.
func (m *Memory) Calls() []Mutation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Mutation(nil), m.calls...)
}

// Row returns the stored payload for key.
func (m *Memory) Row(t models.EntityType, key string) (models.Payload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[t][key]
	return p, ok
}

// Len counts stored rows of type t.
func (m *Memory) Len(t models.EntityType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows[t])
}

func (m *Memory) Apply(ctx context.Context, mu Mutation) error {
	m.mu.Lock()
	m.calls = append(m.calls, mu)
	fail := m.fail
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Transient(err)
	}
	if fail != nil {
		if err := fail(mu); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if mu.Payload == nil {
		return Rejected(fmt.Errorf("%s: empty payload", mu.ID))
	}

	table := m.rows[mu.EntityType]
	if table == nil {
		table = make(map[string]models.Payload)
		m.rows[mu.EntityType] = table
	}
	key := mu.Payload.RecordKey()

	if sk, ok := mu.Payload.(models.StreamKeyed); ok && mu.Operation != models.OpDelete {
		if cur, exists := table[key]; exists {
			if prev, ok := cur.(models.StreamKeyed); ok && prev.StreamTime().After(sk.StreamTime()) {
				return nil
			}
		}
		table[key] = mu.Payload
		return nil
	}

	switch mu.Operation {
	case models.OpInsert:
		if _, exists := table[key]; exists {
			return ErrAlreadyExists
		}
		table[key] = mu.Payload
	case models.OpUpdate:
		if _, exists := table[key]; !exists {
			return Rejected(fmt.Errorf("%s %s: %w", mu.EntityType, key, ErrNotFound))
		}
		table[key] = mu.Payload
	case models.OpDelete:
		delete(table, key)
	default:
		return Rejected(fmt.Errorf("%w: %q", models.ErrInvalidOperation, mu.Operation))
	}
	return nil
}
