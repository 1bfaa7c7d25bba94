package metrics

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SyncRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftwire_sync_runs_total",
		Help: "Total sync runs by strategy",
	}, []string{"strategy"})
	SyncErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftwire_sync_errors_total",
		Help: "Sync runs aborted, by phase",
	}, []string{"phase"})
	SyncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "driftwire_sync_duration_seconds",
		Help:    "Sync duration seconds",
		Buckets: prometheus.DefBuckets,
	})
	ItemsStored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driftwire_items_stored_total",
		Help: "Posts written by sync runs",
	})
	ItemUpdateFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftwire_item_update_failures_total",
		Help: "Isolated per-item failures, by phase",
	}, []string{"phase"})
	APIRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftwire_api_retries_total",
		Help: "Total API retry attempts",
	}, []string{"endpoint"})
	DedupeShared = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driftwire_dedupe_shared_total",
		Help: "Requests served from an in-flight duplicate",
	})
	CachedEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "driftwire_cached_events",
		Help: "Events currently in the local cache",
	})
	CommandRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftwire_command_runs_total",
		Help: "CLI command invocations",
	}, []string{"cmd"})
	CommandErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftwire_command_errors_total",
		Help: "CLI command failures",
	}, []string{"cmd"})
)

func init() {
	prometheus.MustRegister(SyncRuns, SyncErrors, SyncDuration, ItemsStored,
		ItemUpdateFailures, APIRetries, DedupeShared, CachedEvents, CommandRuns, CommandErrors)
}

// StartServer starts a metrics HTTP server on addr (e.g., ":9090").
func StartServer(addr string) {
	if addr == "" {
		addr = os.Getenv("DRIFTWIRE_METRICS_ADDR")
	}
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	go func() { _ = http.ListenAndServe(addr, mux) }()
}

// ObserveSyncDuration records a run duration
func ObserveSyncDuration(start time.Time) {
	SyncDuration.Observe(time.Since(start).Seconds())
}

// IncAPIRetry increments the retry counter for an endpoint.
func IncAPIRetry(endpoint string) { APIRetries.WithLabelValues(endpoint).Inc() }

// IncItemFailure counts one isolated per-item failure.
func IncItemFailure(phase string) { ItemUpdateFailures.WithLabelValues(phase).Inc() }

// IncCommandRun counts a CLI command invocation.
func IncCommandRun(cmd string) { CommandRuns.WithLabelValues(cmd).Inc() }

// IncCommandError counts a failed CLI command.
func IncCommandError(cmd string) { CommandErrors.WithLabelValues(cmd).Inc() }
