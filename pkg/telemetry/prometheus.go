package telemetry

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds the Prometheus metrics reported by the limiter, the
// credential cache, the side-effect gate and the HTTP surface. It satisfies
// the recorder interfaces those components accept.
type Collectors struct {
	admissions     *prometheus.CounterVec
	admissionKeys  prometheus.Gauge
	credentialHits prometheus.Counter
	refreshes      *prometheus.CounterVec
	decisions      *prometheus.CounterVec
	batches        prometheus.Gauge
	configReloads  *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewCollectors creates the collectors on a private registry.
func NewCollectors() *Collectors {
	registry := prometheus.NewRegistry()

	c := &Collectors{
		admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lumina_admissions_total",
				Help: "Admission checks by feature and outcome",
			},
			[]string{"feature", "outcome"},
		),
		admissionKeys: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lumina_admission_keys",
				Help: "Number of keys currently tracked by the admission limiter",
			},
		),
		credentialHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lumina_credential_cache_hits_total",
				Help: "Credential acquisitions served from cache",
			},
		),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lumina_credential_refreshes_total",
				Help: "Upstream credential refreshes by outcome",
			},
			[]string{"outcome"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lumina_side_effect_decisions_total",
				Help: "Side-effect gate decisions by effect and outcome",
			},
			[]string{"effect", "outcome"},
		),
		batches: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lumina_batches",
				Help: "Pipeline batches held in memory",
			},
		),
		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lumina_config_reloads_total",
				Help: "Configuration reload attempts by status",
			},
			[]string{"status"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lumina_generation_breaker_state",
				Help: "Generation circuit breaker state, 1 for the current state",
			},
			[]string{"state"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lumina_http_requests_total",
				Help: "HTTP requests by method, route and status code",
			},
			[]string{"method", "route", "status_code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lumina_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		registry: registry,
	}

	registry.MustRegister(
		c.admissions,
		c.admissionKeys,
		c.credentialHits,
		c.refreshes,
		c.decisions,
		c.batches,
		c.configReloads,
		c.breakerState,
		c.httpRequestsTotal,
		c.httpRequestDuration,
	)

	return c
}

// SetBreakerState marks state as the current generation breaker state.
func (c *Collectors) SetBreakerState(state string) {
	for _, s := range []string{"closed", "open", "half-open"} {
		v := 0.0
		if s == state {
			v = 1
		}
		c.breakerState.WithLabelValues(s).Set(v)
	}
}

// RecordAdmission records a limiter outcome.
func (c *Collectors) RecordAdmission(feature string, admitted bool) {
	c.admissions.WithLabelValues(feature, outcome(admitted, "admitted", "denied")).Inc()
}

// SetAdmissionKeys reports the number of tracked limiter keys.
func (c *Collectors) SetAdmissionKeys(n int) {
	c.admissionKeys.Set(float64(n))
}

// RecordCredentialHit records a cached credential being served.
func (c *Collectors) RecordCredentialHit() {
	c.credentialHits.Inc()
}

// RecordCredentialRefresh records an upstream refresh.
func (c *Collectors) RecordCredentialRefresh(success bool) {
	c.refreshes.WithLabelValues(outcome(success, "success", "failure")).Inc()
}

// RecordDecision records a side-effect gate decision.
func (c *Collectors) RecordDecision(effect string, allowed bool) {
	c.decisions.WithLabelValues(effect, outcome(allowed, "allowed", "denied")).Inc()
}

// SetBatches reports the number of batches held in memory.
func (c *Collectors) SetBatches(n int) {
	c.batches.Set(float64(n))
}

// RecordConfigReload records a configuration reload attempt.
func (c *Collectors) RecordConfigReload(status string) {
	c.configReloads.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records an HTTP request.
func (c *Collectors) RecordHTTPRequest(method, route, statusCode string, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// Middleware records request metrics. The route label comes from the
// ServeMux pattern that matched, so path parameters do not explode cardinality.
func (c *Collectors) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		c.RecordHTTPRequest(r.Method, route, strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

func outcome(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support http.Hijacker")
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
