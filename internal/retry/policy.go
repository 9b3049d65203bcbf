package retry

import (
	"time"

	"offline-sync/internal/models"
)

const (
	DefaultBase = time.Second
	DefaultMax  = 60 * time.Second
)

// Policy computes capped exponential backoff for failed mutations.
// There is no attempt ceiling: a record keeps retrying at Max.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Default returns the 1s doubling, 60s capped policy.
func Default() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax}
}

// New fills zero values with defaults.
func New(base, max time.Duration) Policy {
	if base <= 0 {
		base = DefaultBase
	}
	if max <= 0 {
		max = DefaultMax
	}
	if max < base {
		max = base
	}
	return Policy{Base: base, Max: max}
}

// BackoffDelay returns min(2^retryCount * Base, Max).
func (p Policy) BackoffDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	wait := p.Base
	for i := 0; i < retryCount; i++ {
		if wait >= p.Max/2 {
			return p.Max
		}
		wait *= 2
	}
	if wait > p.Max {
		return p.Max
	}
	return wait
}

// IsEligible reports whether rec may be transmitted in a pass starting at now.
func (p Policy) IsEligible(rec models.MutationRecord, now time.Time) bool {
	switch rec.Status {
	case models.StatusPending:
		return true
	case models.StatusFailed:
		if rec.LastRetryAt == nil {
			return true
		}
		return now.Sub(*rec.LastRetryAt) >= p.BackoffDelay(rec.RetryCount)
	default:
		return false
	}
}

// BackoffDelay uses the default policy.
func BackoffDelay(retryCount int) time.Duration {
	return Default().BackoffDelay(retryCount)
}

// Predicate selects failed records for a manual retry.
type Predicate func(models.MutationRecord) bool

// AllFailed matches every failed record.
func AllFailed(models.MutationRecord) bool { return true }

// RetriedAtLeast matches records that already failed n or more times.
func RetriedAtLeast(n int) Predicate {
	return func(rec models.MutationRecord) bool {
		return rec.RetryCount >= n
	}
}
