package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestMetricsExposure(t *testing.T) {
	SyncRuns.WithLabelValues("full").Inc()
	SyncErrors.WithLabelValues("fetch").Inc()
	ItemsStored.Add(3)
	IncItemFailure("engagement")
	IncAPIRetry("/test")
	DedupeShared.Inc()
	CachedEvents.Set(7)
	IncCommandRun("sync")
	IncCommandError("sync")
	ObserveSyncDuration(time.Now().Add(-1500 * time.Millisecond))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status: %d", rec.Code)
	}
	body := rec.Body.String()
	for _, m := range []string{
		`driftwire_sync_runs_total{strategy="full"}`,
		`driftwire_sync_errors_total{phase="fetch"}`,
		"driftwire_sync_duration_seconds",
		"driftwire_items_stored_total",
		`driftwire_item_update_failures_total{phase="engagement"}`,
		"driftwire_api_retries_total",
		"driftwire_dedupe_shared_total",
		"driftwire_cached_events 7",
		`driftwire_command_runs_total{cmd="sync"}`,
		`driftwire_command_errors_total{cmd="sync"}`,
	} {
		if !strings.Contains(body, m) {
			t.Fatalf("expected metric %s in body", m)
		}
	}
}
