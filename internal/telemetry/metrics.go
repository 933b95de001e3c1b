// Package telemetry exposes Prometheus collectors for the coordination
// protocol and serves them on each process's internal metrics endpoint.
package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// LockAcquisitionsTotal counts lock-acquire outcomes, labeled by role and result.
	LockAcquisitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawl_lock_acquisitions_total",
		Help: "Lock acquisition attempts, labeled by role and outcome.",
	}, []string{"role", "outcome"})

	// LockRefreshFailuresTotal counts refresh calls that lost ownership.
	LockRefreshFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawl_lock_refresh_failures_total",
		Help: "Lock refreshes that detected lost or stolen ownership.",
	}, []string{"role"})

	// HeartbeatsTotal counts heartbeat writes, labeled by role.
	HeartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawl_heartbeats_total",
		Help: "Heartbeat writes to the coordinator.",
	}, []string{"role"})

	// ManagerTicksTotal counts Manager tick executions, labeled by outcome.
	ManagerTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawl_manager_ticks_total",
		Help: "Manager tick-loop executions, labeled by outcome.",
	}, []string{"outcome"})

	// PagesAssignedTotal counts pages handed out by the Manager, labeled by mode.
	PagesAssignedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawl_pages_assigned_total",
		Help: "Pages assigned to General workers, labeled by distribution mode.",
	}, []string{"mode"})

	// LiveWorkers tracks the current live-membership count per role.
	LiveWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crawl_live_workers",
		Help: "Workers whose heartbeat is within the liveness window.",
	}, []string{"role"})

	// BatchesCompletedTotal counts General-worker batches drained to completion.
	BatchesCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawl_batches_completed_total",
		Help: "Tab batches fully drained by Product workers.",
	})

	// TabsOpenedTotal counts tabs opened by General workers.
	TabsOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawl_tabs_opened_total",
		Help: "Listing tabs opened.",
	})

	// RebalancesTotal counts page moves between Product workers.
	RebalancesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawl_rebalances_total",
		Help: "Mid-batch page rebalances between Product workers.",
	})

	// RecordsUpsertedTotal counts records written through the store, labeled by status.
	RecordsUpsertedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawl_records_upserted_total",
		Help: "Listing records upserted, labeled by extraction outcome.",
	}, []string{"status"})

	// BatchWaitSeconds observes how long a General worker waits for a batch to drain.
	BatchWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crawl_batch_wait_seconds",
		Help:    "Time spent waiting for Product workers to drain a batch.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})
)

// Serve runs a /metrics endpoint on addr until an error occurs. Run it in
// its own goroutine; a listen failure is logged, never fatal.
func Serve(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("metrics server stopped", zap.String("addr", addr), zap.Error(err))
	}
}
