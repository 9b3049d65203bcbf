package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync/internal/models"
)

var t0 = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindTransient, KindOf(errors.New("connection reset")))
	assert.Equal(t, KindTransient, KindOf(Transient(errors.New("503"))))
	assert.Equal(t, KindRejected, KindOf(Rejected(errors.New("bad payload"))))
	assert.Equal(t, KindRejected, KindOf(fmt.Errorf("order o-1: %w", ErrNotFound)))
	assert.Equal(t, KindRejected, KindOf(fmt.Errorf("wrapped: %w", Rejected(errors.New("x")))))
}

func TestDescribePrefixesKind(t *testing.T) {
	assert.Equal(t, "transient: dial tcp: refused", Describe(errors.New("dial tcp: refused")))
	assert.Equal(t, "rejected: bad sku", Describe(Rejected(errors.New("bad sku"))))
}

func TestWithTimeoutMakesDeadlineTransient(t *testing.T) {
	slow := ServiceFunc(func(ctx context.Context, _ Mutation) error {
		<-ctx.Done()
		return ctx.Err()
	})
	svc := WithTimeout(slow, 20*time.Millisecond)

	start := time.Now()
	err := svc.Apply(context.Background(), Mutation{EntityType: models.EntityTransaction, Operation: models.OpInsert})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, KindTransient, KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, wrapped := WithTimeout(slow, 0).(*timeoutService)
	assert.False(t, wrapped, "zero timeout leaves the service unwrapped")
}

func TestMemoryServiceSemantics(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	order := models.OrderUpdatePayload{OrderID: "o-1", Status: "picked_up"}

	require.Error(t, m.Apply(ctx, Mutation{ID: "1", EntityType: models.EntityOrderUpdate, Operation: models.OpUpdate, Payload: order}))
	assert.Equal(t, KindRejected, KindOf(m.Apply(ctx, Mutation{ID: "1", EntityType: models.EntityOrderUpdate, Operation: models.OpUpdate, Payload: order})))

	require.NoError(t, m.Apply(ctx, Mutation{ID: "2", EntityType: models.EntityOrderUpdate, Operation: models.OpInsert, Payload: order}))
	assert.ErrorIs(t, m.Apply(ctx, Mutation{ID: "3", EntityType: models.EntityOrderUpdate, Operation: models.OpInsert, Payload: order}), ErrAlreadyExists)
	require.NoError(t, m.Apply(ctx, Mutation{ID: "4", EntityType: models.EntityOrderUpdate, Operation: models.OpDelete, Payload: order}))
	require.NoError(t, m.Apply(ctx, Mutation{ID: "5", EntityType: models.EntityOrderUpdate, Operation: models.OpDelete, Payload: order}))
	assert.Equal(t, 0, m.Len(models.EntityOrderUpdate))

	newer := models.LocationPayload{RiderID: "r-1", Latitude: 1, Timestamp: t0.Add(time.Minute)}
	older := models.LocationPayload{RiderID: "r-1", Latitude: 2, Timestamp: t0}
	require.NoError(t, m.Apply(ctx, Mutation{ID: "6", EntityType: models.EntityLocation, Operation: models.OpInsert, Payload: newer}))
	require.NoError(t, m.Apply(ctx, Mutation{ID: "7", EntityType: models.EntityLocation, Operation: models.OpInsert, Payload: older}))
	row, ok := m.Row(models.EntityLocation, "r-1")
	require.True(t, ok)
	assert.Equal(t, newer, row)

	m.FailWith(func(Mutation) error { return Transient(errors.New("offline")) })
	assert.Error(t, m.Apply(ctx, Mutation{ID: "8", EntityType: models.EntityOrderUpdate, Payload: order}))
	assert.Len(t, m.Calls(), 9)
}
