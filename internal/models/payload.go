package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EntityType tags which payload variant a record carries.
type EntityType string

const (
	EntityTransaction   EntityType = "transaction"
	EntityLocation      EntityType = "location"
	EntityCheckpoint    EntityType = "checkpoint"
	EntityStockMovement EntityType = "stock_movement"
	EntityAttendance    EntityType = "attendance"
	EntityOrderUpdate   EntityType = "order_update"
)

var ErrUnknownEntityType = errors.New("unknown entity type")

// EntityTypes lists the closed set in a stable order.
func EntityTypes() []EntityType {
	return []EntityType{
		EntityTransaction,
		EntityLocation,
		EntityCheckpoint,
		EntityStockMovement,
		EntityAttendance,
		EntityOrderUpdate,
	}
}

// StreamKeyed reports whether payloads of type t implement StreamKeyed.
func (t EntityType) StreamKeyed() bool {
	return t == EntityLocation
}

// ParseEntityType validates s against the closed set.
func ParseEntityType(s string) (EntityType, error) {
	for _, t := range EntityTypes() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, s)
}

// Payload is implemented by every entity variant.
type Payload interface {
	EntityType() EntityType
	// RecordKey identifies the remote row the mutation targets.
	RecordKey() string
	Validate() error
}

// StreamKeyed payloads form a high-frequency stream where only the latest
// value per key matters.
type StreamKeyed interface {
	Payload
	StreamKey() string
	StreamTime() time.Time
}

// DecodePayload decodes raw into the variant for entityType.
func DecodePayload(entityType EntityType, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch entityType {
	case EntityTransaction:
		p, err = decodeInto[TransactionPayload](raw)
	case EntityLocation:
		p, err = decodeInto[LocationPayload](raw)
	case EntityCheckpoint:
		p, err = decodeInto[CheckpointPayload](raw)
	case EntityStockMovement:
		p, err = decodeInto[StockMovementPayload](raw)
	case EntityAttendance:
		p, err = decodeInto[AttendancePayload](raw)
	case EntityOrderUpdate:
		p, err = decodeInto[OrderUpdatePayload](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", entityType, err)
	}
	return p, nil
}

func decodeInto[T Payload](raw json.RawMessage) (Payload, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.New("empty payload")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// LineItem is a single product line of a sale.
type LineItem struct {
	SKU            string `json:"sku"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

// TransactionPayload is a POS sale.
type TransactionPayload struct {
	ID            string     `json:"id"`
	StoreID       string     `json:"store_id"`
	CashierID     string     `json:"cashier_id"`
	Items         []LineItem `json:"items"`
	TotalCents    int64      `json:"total_cents"`
	PaymentMethod string     `json:"payment_method"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

func (TransactionPayload) EntityType() EntityType { return EntityTransaction }
func (p TransactionPayload) RecordKey() string    { return p.ID }

func (p TransactionPayload) Validate() error {
	if p.ID == "" {
		return errors.New("id is required")
	}
	if p.StoreID == "" {
		return errors.New("store_id is required")
	}
	return nil
}

// LocationPayload is a rider position ping.
type LocationPayload struct {
	RiderID   string    `json:"rider_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	AccuracyM float64   `json:"accuracy_m,omitempty"`
	SpeedMPS  float64   `json:"speed_mps,omitempty"`
	Heading   float64   `json:"heading,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (LocationPayload) EntityType() EntityType  { return EntityLocation }
func (p LocationPayload) RecordKey() string     { return p.RiderID }
func (p LocationPayload) StreamKey() string     { return p.RiderID }
func (p LocationPayload) StreamTime() time.Time { return p.Timestamp }

func (p LocationPayload) Validate() error {
	if p.RiderID == "" {
		return errors.New("rider_id is required")
	}
	if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("coordinates out of range: %f,%f", p.Latitude, p.Longitude)
	}
	return nil
}

// CheckpointPayload marks a rider reaching a pickup, dropoff or waypoint.
type CheckpointPayload struct {
	ID        string    `json:"id"`
	RiderID   string    `json:"rider_id"`
	OrderID   string    `json:"order_id"`
	Kind      string    `json:"kind"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	ReachedAt time.Time `json:"reached_at"`
}

func (CheckpointPayload) EntityType() EntityType { return EntityCheckpoint }
func (p CheckpointPayload) RecordKey() string    { return p.ID }

func (p CheckpointPayload) Validate() error {
	if p.ID == "" {
		return errors.New("id is required")
	}
	switch p.Kind {
	case "pickup", "dropoff", "waypoint":
		return nil
	default:
		return fmt.Errorf("unknown checkpoint kind %q", p.Kind)
	}
}

// StockMovementPayload adjusts on-hand stock for one SKU.
type StockMovementPayload struct {
	ID      string    `json:"id"`
	StoreID string    `json:"store_id"`
	SKU     string    `json:"sku"`
	Delta   int       `json:"delta"`
	Reason  string    `json:"reason"`
	MovedAt time.Time `json:"moved_at"`
}

func (StockMovementPayload) EntityType() EntityType { return EntityStockMovement }
func (p StockMovementPayload) RecordKey() string    { return p.ID }

func (p StockMovementPayload) Validate() error {
	if p.ID == "" || p.SKU == "" {
		return errors.New("id and sku are required")
	}
	return nil
}

// AttendancePayload is an employee check-in or check-out.
type AttendancePayload struct {
	ID         string    `json:"id"`
	EmployeeID string    `json:"employee_id"`
	StoreID    string    `json:"store_id"`
	Kind       string    `json:"kind"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (AttendancePayload) EntityType() EntityType { return EntityAttendance }
func (p AttendancePayload) RecordKey() string    { return p.ID }

func (p AttendancePayload) Validate() error {
	if p.ID == "" || p.EmployeeID == "" {
		return errors.New("id and employee_id are required")
	}
	if p.Kind != "check_in" && p.Kind != "check_out" {
		return fmt.Errorf("unknown attendance kind %q", p.Kind)
	}
	return nil
}

// OrderUpdatePayload changes the status of a delivery order.
type OrderUpdatePayload struct {
	OrderID   string    `json:"order_id"`
	Status    string    `json:"status"`
	UpdatedBy string    `json:"updated_by"`
	Note      string    `json:"note,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (OrderUpdatePayload) EntityType() EntityType { return EntityOrderUpdate }
func (p OrderUpdatePayload) RecordKey() string    { return p.OrderID }

func (p OrderUpdatePayload) Validate() error {
	if p.OrderID == "" || p.Status == "" {
		return errors.New("order_id and status are required")
	}
	return nil
}
