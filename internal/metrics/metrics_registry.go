package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var EventsObserved = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dscprotect_events_observed_total",
	Help: "Change events delivered to the engine",
}, []string{"category"})

var AttributionResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dscprotect_attribution_total",
	Help: "Attribution outcomes by result",
}, []string{"result"})

var AuditQueries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dscprotect_audit_queries_total",
	Help: "Audit trail queries issued, by source",
}, []string{"source"})

var BreachesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dscprotect_breaches_total",
	Help: "Threshold breaches detected",
}, []string{"category"})

var RemediationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dscprotect_remediation_total",
	Help: "Remediation outcomes by category and status",
}, []string{"category", "status"})

var PlatformCalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dscprotect_platform_calls_total",
	Help: "Mutation calls against the platform API",
}, []string{"route", "result"})

var CounterKeys = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "dscprotect_counter_keys",
	Help: "Live sliding window counter keys",
})

var ActiveLocks = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "dscprotect_active_locks",
	Help: "Temporary locks awaiting release",
})

var RoleBackups = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "dscprotect_role_backups",
	Help: "Role snapshots held in memory",
})

var HandlerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "dscprotect_handler_duration_seconds",
	Help:    "Time spent handling one change event",
	Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
}, []string{"category"})

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

var ComponentHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "dscprotect_component_healthy",
	Help: "1 when a background loop is beating on time",
}, []string{"component"})

var HostCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "dscprotect_host_cpu_percent",
	Help: "Host CPU usage sampled by the watchdog",
})

var HostMemoryPercent = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "dscprotect_host_memory_percent",
	Help: "Host memory usage sampled by the watchdog",
})

var ProcessMemoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "dscprotect_process_rss_bytes",
	Help: "Resident memory of this process",
})
