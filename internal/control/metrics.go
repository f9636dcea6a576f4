package control

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	syncp "github.com/njoerd114/pimsync/internal/sync"
)

// Metrics is the Prometheus view of sync runs and control requests. It
// implements [syncp.Observer].
type Metrics struct {
	reg *prometheus.Registry

	runs        *prometheus.CounterVec
	items       *prometheus.CounterVec
	conflicts   *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lastSuccess *prometheus.GaugeVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics registers the pimsync collectors on a fresh registry, together
// with the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pimsync_sync_runs_total",
			Help: "Sync runs by account, resource type, mode and outcome.",
		}, []string{"account", "resource", "mode", "outcome"}),
		items: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pimsync_sync_items_total",
			Help: "Items moved by sync runs, by direction.",
		}, []string{"account", "resource", "direction"}),
		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pimsync_sync_conflicts_total",
			Help: "Conflicts decided or deferred during sync runs.",
		}, []string{"account", "resource"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pimsync_sync_run_duration_seconds",
			Help:    "Wall time of finished sync runs.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"account", "resource", "mode"}),
		lastSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pimsync_sync_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run.",
		}, []string{"account", "resource"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pimsync_control_requests_total",
			Help: "Control API requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pimsync_control_request_duration_seconds",
			Help:    "Latency of control API requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// ObserveRun records one finished report row. Deduplicated rows only count
// as runs.
func (m *Metrics) ObserveRun(row syncp.ReportRow) {
	account, resource := row.AccountID, row.Resource.String()
	m.runs.WithLabelValues(account, resource, row.Mode.String(), row.Outcome.String()).Inc()
	if row.Outcome == syncp.OutcomeDeduplicated {
		return
	}

	for dir, n := range map[string]int{
		"collected":  row.Collected,
		"downloaded": row.Downloaded,
		"uploaded":   row.Uploaded,
		"deleted":    row.Deleted,
		"failed":     row.Failed,
	} {
		if n > 0 {
			m.items.WithLabelValues(account, resource, dir).Add(float64(n))
		}
	}
	if row.Conflicts > 0 {
		m.conflicts.WithLabelValues(account, resource).Add(float64(row.Conflicts))
	}
	m.duration.WithLabelValues(account, resource, row.Mode.String()).Observe(row.Elapsed.Seconds())
	if row.Outcome == syncp.OutcomeSucceeded {
		m.lastSuccess.WithLabelValues(account, resource).SetToCurrentTime()
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Middleware counts control requests by their chi route pattern.
func (m *Metrics) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := routePattern(r)
			m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
			m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// routePattern is read after routing so the pattern is known.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
