package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status enumerates the lifecycle of a queued mutation.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

// Operation is the write applied to the remote system of record.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

var ErrInvalidOperation = errors.New("invalid operation")

// ParseOperation maps a caller supplied operation, defaulting to insert.
func ParseOperation(s string) (Operation, error) {
	switch Operation(strings.ToLower(strings.TrimSpace(s))) {
	case "", OpInsert:
		return OpInsert, nil
	case OpUpdate:
		return OpUpdate, nil
	case OpDelete:
		return OpDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, s)
	}
}

// MutationRecord is the persisted unit of deferred work.
type MutationRecord struct {
	ID          string
	EntityType  EntityType
	Operation   Operation
	Payload     Payload
	CreatedAt   time.Time
	Status      Status
	RetryCount  int
	LastError   string
	LastRetryAt *time.Time
}

// NewRecord builds a pending record for payload. An empty operation means insert.
func NewRecord(op Operation, payload Payload, now time.Time) (MutationRecord, error) {
	if payload == nil {
		return MutationRecord{}, errors.New("payload is required")
	}
	parsed, err := ParseOperation(string(op))
	if err != nil {
		return MutationRecord{}, err
	}
	if err := payload.Validate(); err != nil {
		return MutationRecord{}, fmt.Errorf("invalid %s payload: %w", payload.EntityType(), err)
	}
	return MutationRecord{
		ID:         NewRecordID(now),
		EntityType: payload.EntityType(),
		Operation:  parsed,
		Payload:    payload,
		CreatedAt:  now.UTC(),
		Status:     StatusPending,
	}, nil
}

// NewRecordID returns "<unix millis>-<random suffix>".
func NewRecordID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%d-%s", now.UnixMilli(), suffix[:12])
}

// IsPending reports whether the record still needs to reach the remote side.
func (r *MutationRecord) IsPending() bool {
	return r.Status != StatusSynced
}

// MarkSyncing moves a pending or failed record into flight.
func (r *MutationRecord) MarkSyncing() bool {
	if r.Status != StatusPending && r.Status != StatusFailed {
		return false
	}
	r.Status = StatusSyncing
	return true
}

// MarkSynced records a successful transmission.
func (r *MutationRecord) MarkSynced() bool {
	if r.Status == StatusSynced {
		return false
	}
	r.Status = StatusSynced
	r.LastError = ""
	return true
}

// MarkFailed records a failed attempt at now.
func (r *MutationRecord) MarkFailed(cause string, now time.Time) bool {
	if r.Status == StatusSynced {
		return false
	}
	at := now.UTC()
	r.Status = StatusFailed
	r.RetryCount++
	r.LastError = cause
	r.LastRetryAt = &at
	return true
}

// ResetForRetry gives a failed record a fresh start.
func (r *MutationRecord) ResetForRetry() bool {
	if r.Status != StatusFailed {
		return false
	}
	r.Status = StatusPending
	r.RetryCount = 0
	return true
}

// Clone returns a copy that shares no mutable state with r.
func (r MutationRecord) Clone() MutationRecord {
	if r.LastRetryAt != nil {
		at := *r.LastRetryAt
		r.LastRetryAt = &at
	}
	return r
}

type recordJSON struct {
	ID          string          `json:"id"`
	EntityType  EntityType      `json:"entity_type"`
	Operation   Operation       `json:"operation"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	Status      Status          `json:"status"`
	RetryCount  int             `json:"retry_count"`
	LastError   string          `json:"last_error,omitempty"`
	LastRetryAt *time.Time      `json:"last_retry_at,omitempty"`
}

// MarshalJSON writes the record with its payload inlined.
func (r MutationRecord) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(recordJSON{
		ID:          r.ID,
		EntityType:  r.EntityType,
		Operation:   r.Operation,
		Payload:     payload,
		CreatedAt:   r.CreatedAt,
		Status:      r.Status,
		RetryCount:  r.RetryCount,
		LastError:   r.LastError,
		LastRetryAt: r.LastRetryAt,
	})
}

// UnmarshalJSON decodes the payload variant selected by entity_type.
func (r *MutationRecord) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := DecodePayload(raw.EntityType, raw.Payload)
	if err != nil {
		return err
	}
	*r = MutationRecord{
		ID:          raw.ID,
		EntityType:  raw.EntityType,
		Operation:   raw.Operation,
		Payload:     payload,
		CreatedAt:   raw.CreatedAt,
		Status:      raw.Status,
		RetryCount:  raw.RetryCount,
		LastError:   raw.LastError,
		LastRetryAt: raw.LastRetryAt,
	}
	if r.Operation == "" {
		r.Operation = OpInsert
	}
	return nil
}
