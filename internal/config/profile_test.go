package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync/internal/models"
)

func TestBuiltinProfiles(t *testing.T) {
	rider, err := Builtin(ProfileRider)
	require.NoError(t, err)
	loc := rider.For(models.EntityLocation)
	assert.Equal(t, StrategyDedupLatest, loc.Strategy)
	assert.Equal(t, 100, loc.MaxLen)

	pos, err := Builtin(ProfilePOS)
	require.NoError(t, err)
	tx := pos.For(models.EntityTransaction)
	assert.Equal(t, StrategyBatch, tx.Strategy)
	assert.Equal(t, 10, tx.BatchSize)
	// omitted types still get a location cap
	assert.Equal(t, 100, pos.For(models.EntityLocation).MaxLen)
	assert.Equal(t, StrategyPerRecord, pos.For(models.EntityCheckpoint).Strategy)

	_, err = Builtin("kiosk")
	assert.Error(t, err)
}

func TestParseProfileFromYAML(t *testing.T) {
	doc := []byte(`
name: depot
entities:
  - type: location
    max_len: 25
  - type: stock_movement
    strategy: batch
`)
	p, err := ParseProfile(doc)
	require.NoError(t, err)
	assert.Equal(t, "depot", p.Name)

	loc := p.For(models.EntityLocation)
	assert.Equal(t, StrategyDedupLatest, loc.Strategy)
	assert.Equal(t, 25, loc.MaxLen)

	sm := p.For(models.EntityStockMovement)
	assert.Equal(t, StrategyBatch, sm.Strategy)
	assert.Equal(t, defaultBatchSize, sm.BatchSize)
}

func TestParseProfileRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"unknown field":    "name: x\nentities: []\nretries: 3\n",
		"missing name":     "entities: []\n",
		"unknown type":     "name: x\nentities:\n  - type: refund\n",
		"unknown strategy": "name: x\nentities:\n  - type: attendance\n    strategy: fanout\n",
		"dedup on sales":   "name: x\nentities:\n  - type: transaction\n    strategy: dedup_latest\n",
		"negative cap":     "name: x\nentities:\n  - type: checkpoint\n    max_len: -1\n",
		"duplicate type":   "name: x\nentities:\n  - type: checkpoint\n  - type: checkpoint\n",
		"cap on sales":     "name: x\nentities:\n  - type: transaction\n    max_len: 50\n",
		"cap on shifts":    "name: x\nentities:\n  - type: attendance\n    max_len: 10\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseProfile([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadProfilePrefersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: file\nentities: []\n"), 0o600))

	p, err := LoadProfile(Config{ClientProfile: ProfileRider, ProfileFile: path})
	require.NoError(t, err)
	assert.Equal(t, "file", p.Name)

	p, err = LoadProfile(Config{ClientProfile: ProfilePOS})
	require.NoError(t, err)
	assert.Equal(t, ProfilePOS, p.Name)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PERSIST_BACKEND", "sqlite")
	t.Setenv("PERSIST_COMPRESS", "true")
	t.Setenv("SETTLE_DELAY", "500ms")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := Load()
	assert.Equal(t, "sqlite", cfg.PersistBackend)
	assert.True(t, cfg.PersistCompress)
	assert.Equal(t, 500*time.Millisecond, cfg.SettleDelay)
	assert.Equal(t, 0, cfg.RedisDB)
	assert.Equal(t, time.Second, cfg.BackoffInitial)
	assert.Equal(t, time.Minute, cfg.BackoffMax)
	assert.Equal(t, 10*time.Second, cfg.RemoteTimeout)
}
