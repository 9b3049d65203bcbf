// Package remote talks to the system of record the queued mutations are
// replayed against.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"offline-sync/internal/models"
)

// Mutation is one write sent to the remote side.
type Mutation struct {
	ID         string
	EntityType models.EntityType
	Operation  models.Operation
	Payload    models.Payload
}

// FromRecord builds the mutation a queued record describes.
func FromRecord(rec models.MutationRecord) Mutation {
	return Mutation{
		ID:         rec.ID,
		EntityType: rec.EntityType,
		Operation:  rec.Operation,
		Payload:    rec.Payload,
	}
}

// Service applies mutations to the system of record.
type Service interface {
	Apply(ctx context.Context, m Mutation) error
}

// ServiceFunc adapts a function to Service.
type ServiceFunc func(ctx context.Context, m Mutation) error

func (f ServiceFunc) Apply(ctx context.Context, m Mutation) error { return f(ctx, m) }

var (
	// ErrAlreadyExists reports an insert the remote side has already applied.
	// Callers treat it as success.
	ErrAlreadyExists = errors.New("record already exists")
	ErrNotFound      = errors.New("record not found")
)

// Kind separates failures worth retrying from ones the remote refused.
type Kind string

const (
	KindTransient Kind = "transient"
	KindRejected  Kind = "rejected"
)

// Error is a classified remote failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func Transient(err error) error { return &Error{Kind: KindTransient, Err: err} }
func Rejected(err error) error  { return &Error{Kind: KindRejected, Err: err} }

// KindOf classifies err. Unclassified errors count as transient.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindRejected
	}
	return KindTransient
}

// Describe renders err for a record's last_error, prefixed by its kind.
func Describe(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return err.Error()
	}
	return fmt.Sprintf("%s: %v", KindOf(err), err)
}

type timeoutService struct {
	next    Service
	timeout time.Duration
}

// WithTimeout bounds every Apply call. A deadline hit is a transient failure.
func WithTimeout(next Service, d time.Duration) Service {
	if d <= 0 {
		return next
	}
	return &timeoutService{next: next, timeout: d}
}

func (s *timeoutService) Apply(ctx context.Context, m Mutation) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := s.next.Apply(ctx, m)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		var re *Error
		if !errors.As(err, &re) {
			return Transient(fmt.Errorf("apply %s %s: %w", m.Operation, m.EntityType, err))
		}
	}
	return err
}
