package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync/internal/api"
	"offline-sync/internal/config"
	"offline-sync/internal/models"
	"offline-sync/internal/network"
	"offline-sync/internal/offline"
	"offline-sync/internal/persist"
	"offline-sync/internal/queue"
	"offline-sync/internal/remote"
)

type daemon struct {
	url     string
	facade  *offline.Facade
	monitor *network.Monitor
	remote  *remote.Memory
}

// startDaemon serves a rider facade holding two queued pings and a checkpoint.
func startDaemon(t *testing.T) *daemon {
	t.Helper()
	profile, err := config.Builtin(config.ProfileRider)
	require.NoError(t, err)
	store := persist.NewMemory()
	d := &daemon{monitor: network.NewMonitor(nil, nil), remote: remote.NewMemory()}
	d.facade, err = offline.New(offline.Deps{
		Queues:  queue.NewSet(store, profile, nil, nil),
		Remote:  d.remote,
		Network: d.monitor,
		Store:   store,
	})
	require.NoError(t, err)
	t.Cleanup(d.facade.Close)

	ctx := context.Background()
	at := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		_, err := d.facade.Enqueue(ctx, models.OpInsert, models.LocationPayload{
			RiderID: "r-1", Latitude: 14.5, Longitude: 121.0, Timestamp: at.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
	_, err = d.facade.Enqueue(ctx, models.OpInsert, models.CheckpointPayload{ID: "cp-1", RiderID: "r-1", Kind: "pickup"})
	require.NoError(t, err)

	srv := httptest.NewServer(api.New(d.facade, d.monitor, nil, nil).Router())
	t.Cleanup(srv.Close)
	d.url = srv.URL
	return d
}

func run(t *testing.T, d *daemon, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--addr", d.url}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"stats", "inspect", "retry", "purge", "sync"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, "command %s should exist", name)
		assert.Equal(t, name, sub.Name())
	}
	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
}

func TestStatsText(t *testing.T) {
	d := startDaemon(t)
	out, err := run(t, d, "stats")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "stats", []byte(out))
}

func TestStatsJSON(t *testing.T) {
	d := startDaemon(t)
	out, err := run(t, d, "--format", "json", "stats")
	require.NoError(t, err)

	var st offline.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 3, st.PendingCount)
	assert.Equal(t, 2, st.Queues[models.EntityLocation].Pending)
}

func TestInvalidFormat(t *testing.T) {
	d := startDaemon(t)
	_, err := run(t, d, "--format", "yaml", "stats")
	assert.ErrorContains(t, err, "invalid format")
}

func TestInspectListsRecords(t *testing.T) {
	d := startDaemon(t)
	out, err := run(t, d, "inspect", "location")
	require.NoError(t, err)
	assert.Contains(t, out, "location: 2 pending, 2 total, cap 100")
	assert.Contains(t, out, "STATUS")

	_, err = run(t, d, "inspect", "parcel")
	assert.ErrorContains(t, err, "404")
}

func TestSyncRetryAndPurge(t *testing.T) {
	d := startDaemon(t)

	out, err := run(t, d, "sync")
	require.NoError(t, err)
	assert.Equal(t, "sync skipped: offline\n", out)

	d.monitor.Handle(network.Event{Connected: true, Reachable: network.ReachabilityReachable})
	d.remote.FailWith(func(m remote.Mutation) error {
		if m.EntityType == models.EntityCheckpoint {
			return remote.Rejected(remote.ErrNotFound)
		}
		return nil
	})
	out, err = run(t, d, "sync")
	require.NoError(t, err)
	assert.Equal(t, "synced 2, failed 1, compacted 2\n", out)

	out, err = run(t, d, "retry", "--min-retries", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "reset 0 failed record(s)")

	out, err = run(t, d, "purge", "checkpoint")
	require.NoError(t, err)
	assert.Equal(t, "purged 1 failed checkpoint record(s)\n", out)
	assert.Equal(t, 0, d.facade.PendingCount())
}
