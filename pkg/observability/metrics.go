package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Lifecycle metrics
	PluginTransitionsTotal *prometheus.CounterVec
	PluginHookDuration     *prometheus.HistogramVec
	PluginsActive          prometheus.Gauge

	// Security metrics
	CapabilityDenialsTotal *prometheus.CounterVec
	GrantChangesTotal      *prometheus.CounterVec

	// Bridge metrics
	BridgeCallsTotal *prometheus.CounterVec

	// Renderer metrics
	RenderTotal    *prometheus.CounterVec
	RenderDuration *prometheus.HistogramVec

	// Submission metrics
	SubmissionsTotal       *prometheus.CounterVec
	PackageInspectDuration prometheus.Histogram
	SubmissionRateLimited  prometheus.Counter
	PublishedEventsDropped prometheus.Counter

	// Storage metrics
	StorageOperationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modulo_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modulo_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		PluginTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modulo_plugin_transitions_total",
				Help: "Total number of plugin lifecycle transitions",
			},
			[]string{"from", "to"},
		),
		PluginHookDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modulo_plugin_hook_duration_seconds",
				Help:    "Duration of plugin init, start and stop hooks",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30},
			},
			[]string{"hook", "outcome"},
		),
		PluginsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "modulo_plugins_active",
				Help: "Number of plugins in the ACTIVE state",
			},
		),

		CapabilityDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modulo_capability_denials_total",
				Help: "Total number of denied capability checks",
			},
			[]string{"plugin", "capability"},
		),
		GrantChangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modulo_capability_grant_changes_total",
				Help: "Total number of capability grants and revocations",
			},
			[]string{"action"},
		),

		BridgeCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modulo_bridge_calls_total",
				Help: "Total number of plugin API bridge calls",
			},
			[]string{"operation", "outcome"},
		),

		RenderTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modulo_render_total",
				Help: "Total number of render invocations",
			},
			[]string{"outcome"},
		),
		RenderDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modulo_render_duration_seconds",
				Help:    "Render duration in seconds",
				Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2, 5},
			},
			[]string{"outcome"},
		),

		SubmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modulo_submissions_total",
				Help: "Total number of submission status changes",
			},
			[]string{"status"},
		),
		PackageInspectDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "modulo_package_inspect_duration_seconds",
				Help:    "Plugin package inspection duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10},
			},
		),
		SubmissionRateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "modulo_submission_rate_limited_total",
				Help: "Total number of submissions rejected by the rate limiter",
			},
		),
		PublishedEventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "modulo_events_dropped_total",
				Help: "Total number of event channel messages dropped by overflow policy",
			},
		),

		StorageOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modulo_storage_operations_total",
				Help: "Total number of package storage operations",
			},
			[]string{"operation", "backend", "status"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PluginTransitionsTotal,
		m.PluginHookDuration,
		m.PluginsActive,
		m.CapabilityDenialsTotal,
		m.GrantChangesTotal,
		m.BridgeCallsTotal,
		m.RenderTotal,
		m.RenderDuration,
		m.SubmissionsTotal,
		m.PackageInspectDuration,
		m.SubmissionRateLimited,
		m.PublishedEventsDropped,
		m.StorageOperationsTotal,
	)

	return m
}

// RecordTransition counts a lifecycle transition and keeps the active gauge current
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.PluginTransitionsTotal.WithLabelValues(from, to).Inc()
	if to == "ACTIVE" {
		m.PluginsActive.Inc()
	}
	if from == "ACTIVE" {
		m.PluginsActive.Dec()
	}
}

// ObserveHook records how long a plugin hook ran
func (m *Metrics) ObserveHook(hook, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.PluginHookDuration.WithLabelValues(hook, outcome).Observe(d.Seconds())
}

// RecordDenial counts a denied capability check
func (m *Metrics) RecordDenial(pluginID, capability string) {
	if m == nil {
		return
	}
	m.CapabilityDenialsTotal.WithLabelValues(pluginID, capability).Inc()
}

// RecordGrantChange counts a grant or revoke
func (m *Metrics) RecordGrantChange(action string) {
	if m == nil {
		return
	}
	m.GrantChangesTotal.WithLabelValues(action).Inc()
}

// RecordBridgeCall counts a bridge call by operation and outcome
func (m *Metrics) RecordBridgeCall(operation, outcome string) {
	if m == nil {
		return
	}
	m.BridgeCallsTotal.WithLabelValues(operation, outcome).Inc()
}

// ObserveRender records a render invocation
func (m *Metrics) ObserveRender(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RenderTotal.WithLabelValues(outcome).Inc()
	m.RenderDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordSubmission counts a submission entering status
func (m *Metrics) RecordSubmission(status string) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(status).Inc()
}

// ObserveInspection records a package inspection
func (m *Metrics) ObserveInspection(d time.Duration) {
	if m == nil {
		return
	}
	m.PackageInspectDuration.Observe(d.Seconds())
}

// RecordRateLimited counts a rejected submission
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.SubmissionRateLimited.Inc()
}

// RecordDropped counts n dropped event messages
func (m *Metrics) RecordDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PublishedEventsDropped.Add(float64(n))
}

// RecordStorage counts a package storage operation
func (m *Metrics) RecordStorage(operation, backend string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.StorageOperationsTotal.WithLabelValues(operation, backend, status).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests. Routes are labelled by
// their mux path template so ids do not explode label cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler serves the registry in the Prometheus exposition format
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
