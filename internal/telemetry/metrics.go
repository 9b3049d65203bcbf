package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "offline_enqueued_total", Help: "Mutations queued locally"}, []string{"entity"})
	DirectApplied    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "offline_direct_applied_total", Help: "Mutations applied remotely without queueing"}, []string{"entity"})
	SyncPasses       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "offline_sync_passes_total", Help: "Sync passes by result (completed, offline, already_syncing)"}, []string{"result"})
	RecordsSynced    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "offline_records_synced_total", Help: "Records confirmed by the remote service"}, []string{"entity"})
	RecordsFailed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "offline_records_failed_total", Help: "Failed sync attempts"}, []string{"entity"})
	PendingGauge     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "offline_pending_records", Help: "Records not yet synced"}, []string{"entity"})
	SyncInProgress   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "offline_sync_in_progress", Help: "1 while a sync pass runs"})
	Evictions        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "offline_evictions_total", Help: "Records dropped by a queue cap"}, []string{"entity"})
	PersistFailures  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "offline_persist_failures_total", Help: "Queue writes that failed and were kept in memory only"}, []string{"entity"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "offline_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			DirectApplied,
			SyncPasses,
			RecordsSynced,
			RecordsFailed,
			PendingGauge,
			SyncInProgress,
			Evictions,
			PersistFailures,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
