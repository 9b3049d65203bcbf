package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"offline-sync/internal/models"
)

// Strategy selects how the engine transmits one entity type's records.
type Strategy string

const (
	StrategyPerRecord   Strategy = "per_record"
	StrategyBatch       Strategy = "batch"
	StrategyDedupLatest Strategy = "dedup_latest"
)

const (
	ProfileRider    = "rider"
	ProfilePOS      = "pos"
	ProfileCustomer = "customer"

	// DefaultLocationCap bounds the location queue when a profile sets no cap.
	DefaultLocationCap = 100
	defaultBatchSize   = 10
)

// EntityConfig is the per-type queue and sync setup of a client.
type EntityConfig struct {
	Type      models.EntityType `yaml:"type"`
	Strategy  Strategy          `yaml:"strategy"`
	MaxLen    int               `yaml:"max_len,omitempty"`
	BatchSize int               `yaml:"batch_size,omitempty"`
}

// Profile describes one client variant. Types the profile omits get the
// default setup: dedup-latest with the location cap for keyed streams,
// per-record without a cap for everything else.
type Profile struct {
	Name     string         `yaml:"name"`
	Entities []EntityConfig `yaml:"entities"`
}

// For returns the normalized setup for t.
func (p Profile) For(t models.EntityType) EntityConfig {
	for _, ec := range p.Entities {
		if ec.Type == t {
			return ec
		}
	}
	return normalize(EntityConfig{Type: t})
}

// Builtin returns one of the shipped client profiles.
func Builtin(name string) (Profile, error) {
	var p Profile
	switch name {
	case ProfileRider:
		p = Profile{Name: ProfileRider, Entities: []EntityConfig{
			{Type: models.EntityLocation, Strategy: StrategyDedupLatest, MaxLen: DefaultLocationCap},
			{Type: models.EntityCheckpoint, Strategy: StrategyPerRecord},
			{Type: models.EntityOrderUpdate, Strategy: StrategyPerRecord},
			{Type: models.EntityAttendance, Strategy: StrategyPerRecord},
		}}
	case ProfileCustomer:
		p = Profile{Name: ProfileCustomer, Entities: []EntityConfig{
			{Type: models.EntityOrderUpdate, Strategy: StrategyPerRecord},
			{Type: models.EntityTransaction, Strategy: StrategyPerRecord},
		}}
	case ProfilePOS:
		p = Profile{Name: ProfilePOS, Entities: []EntityConfig{
			{Type: models.EntityTransaction, Strategy: StrategyBatch, BatchSize: 10},
			{Type: models.EntityStockMovement, Strategy: StrategyBatch, BatchSize: 20},
			{Type: models.EntityAttendance, Strategy: StrategyPerRecord},
		}}
	default:
		return Profile{}, fmt.Errorf("unknown client profile %q", name)
	}
	return p.normalized()
}

// LoadProfile reads the YAML profile at cfg.ProfileFile, or the built-in
// named by cfg.ClientProfile when no file is set.
func LoadProfile(cfg Config) (Profile, error) {
	if cfg.ProfileFile == "" {
		return Builtin(cfg.ClientProfile)
	}
	data, err := os.ReadFile(cfg.ProfileFile)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile file: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes and validates a YAML profile. Unknown fields are rejected.
func ParseProfile(data []byte) (Profile, error) {
	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Profile{}, fmt.Errorf("parse profile: %w", err)
	}
	return p.normalized()
}

func (p Profile) normalized() (Profile, error) {
	if p.Name == "" {
		return Profile{}, errors.New("profile name is required")
	}
	seen := make(map[models.EntityType]bool, len(p.Entities))
	out := Profile{Name: p.Name, Entities: make([]EntityConfig, 0, len(p.Entities))}
	for _, ec := range p.Entities {
		if _, err := models.ParseEntityType(string(ec.Type)); err != nil {
			return Profile{}, fmt.Errorf("profile %s: %w", p.Name, err)
		}
		if seen[ec.Type] {
			return Profile{}, fmt.Errorf("profile %s: %s listed twice", p.Name, ec.Type)
		}
		seen[ec.Type] = true
		ec = normalize(ec)
		if err := ec.validate(); err != nil {
			return Profile{}, fmt.Errorf("profile %s: %w", p.Name, err)
		}
		out.Entities = append(out.Entities, ec)
	}
	return out, nil
}

func normalize(ec EntityConfig) EntityConfig {
	if ec.Strategy == "" {
		ec.Strategy = StrategyPerRecord
		if ec.Type.StreamKeyed() {
			ec.Strategy = StrategyDedupLatest
		}
	}
	if ec.Type == models.EntityLocation && ec.MaxLen == 0 {
		ec.MaxLen = DefaultLocationCap
	}
	if ec.Strategy == StrategyBatch && ec.BatchSize == 0 {
		ec.BatchSize = defaultBatchSize
	}
	return ec
}

func (ec EntityConfig) validate() error {
	switch ec.Strategy {
	case StrategyPerRecord, StrategyBatch:
	case StrategyDedupLatest:
		if !ec.Type.StreamKeyed() {
			return fmt.Errorf("%s: dedup_latest needs a keyed stream payload", ec.Type)
		}
	default:
		return fmt.Errorf("%s: unknown strategy %q", ec.Type, ec.Strategy)
	}
	if ec.MaxLen < 0 {
		return fmt.Errorf("%s: max_len must not be negative", ec.Type)
	}
	// only superseded stream positions may be dropped by a cap
	if ec.MaxLen > 0 && !ec.Type.StreamKeyed() {
		return fmt.Errorf("%s: max_len is only allowed on keyed stream types", ec.Type)
	}
	if ec.BatchSize < 0 {
		return fmt.Errorf("%s: batch_size must not be negative", ec.Type)
	}
	return nil
}
