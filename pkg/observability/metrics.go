package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Routing metrics
	RouteDecisionsTotal *prometheus.CounterVec
	RouteDenialsTotal   *prometheus.CounterVec
	EstimatedCost       *prometheus.HistogramVec

	// Ledger metrics
	LedgerMutationsTotal *prometheus.CounterVec
	LedgerCreditsTotal   *prometheus.CounterVec

	// Quota metrics
	QuotaChecksTotal *prometheus.CounterVec
	QuotaResetsTotal prometheus.Counter

	// Subscription metrics
	ProjectionUpdatesTotal *prometheus.CounterVec
	ReconcileRunsTotal     *prometheus.CounterVec

	// Storage metrics
	StoreRetriesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiermeter_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tiermeter_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tiermeter_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "path"},
		),

		// Routing metrics
		RouteDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiermeter_route_decisions_total",
				Help: "Total number of routing decisions by selected tier and complexity",
			},
			[]string{"tier", "complexity", "overridden"},
		),
		RouteDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiermeter_route_denials_total",
				Help: "Total number of routing requests denied",
			},
			[]string{"reason"},
		),
		EstimatedCost: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tiermeter_route_estimated_cost_credits",
				Help:    "Estimated request cost in credits",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
			},
			[]string{"tier"},
		),

		// Ledger metrics
		LedgerMutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiermeter_ledger_mutations_total",
				Help: "Total number of ledger mutations",
			},
			[]string{"kind", "status"},
		),
		LedgerCreditsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiermeter_ledger_credits_total",
				Help: "Total credits committed or refunded",
			},
			[]string{"kind"},
		),

		// Quota metrics
		QuotaChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiermeter_quota_checks_total",
				Help: "Total number of quota checks",
			},
			[]string{"feature", "result"},
		),
		QuotaResetsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tiermeter_quota_resets_total",
				Help: "Total number of quota period resets",
			},
		),

		// Subscription metrics
		ProjectionUpdatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiermeter_projection_updates_total",
				Help: "Total number of subscription projection updates",
			},
			[]string{"projection", "status"},
		),
		ReconcileRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiermeter_reconcile_runs_total",
				Help: "Total number of account reconciliations",
			},
			[]string{"status"},
		),

		// Storage metrics
		StoreRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiermeter_store_retries_total",
				Help: "Total number of retried storage operations",
			},
			[]string{"operation"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.RouteDecisionsTotal,
		m.RouteDenialsTotal,
		m.EstimatedCost,
		m.LedgerMutationsTotal,
		m.LedgerCreditsTotal,
		m.QuotaChecksTotal,
		m.QuotaResetsTotal,
		m.ProjectionUpdatesTotal,
		m.ReconcileRunsTotal,
		m.StoreRetriesTotal,
	)

	return m
}

// ObserveRoute records a routing decision. Safe on a nil receiver.
func (m *Metrics) ObserveRoute(tier, complexity string, overridden bool, cost float64) {
	if m == nil {
		return
	}
	m.RouteDecisionsTotal.WithLabelValues(tier, complexity, strconv.FormatBool(overridden)).Inc()
	m.EstimatedCost.WithLabelValues(tier).Observe(cost)
}

// ObserveDenial records a denied routing request
func (m *Metrics) ObserveDenial(reason string) {
	if m == nil {
		return
	}
	m.RouteDenialsTotal.WithLabelValues(reason).Inc()
}

// ObserveMutation records a ledger mutation attempt
func (m *Metrics) ObserveMutation(kind string, success bool, amount int64) {
	if m == nil {
		return
	}
	m.LedgerMutationsTotal.WithLabelValues(kind, statusLabel(success)).Inc()
	if success {
		m.LedgerCreditsTotal.WithLabelValues(kind).Add(float64(amount))
	}
}

// ObserveQuotaCheck records a quota check result
func (m *Metrics) ObserveQuotaCheck(feature string, allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "exhausted"
	}
	m.QuotaChecksTotal.WithLabelValues(feature, result).Inc()
}

// ObserveQuotaReset records a quota period rollover
func (m *Metrics) ObserveQuotaReset() {
	if m == nil {
		return
	}
	m.QuotaResetsTotal.Inc()
}

// ObserveProjection records the outcome of a single projection update
func (m *Metrics) ObserveProjection(projection string, success bool) {
	if m == nil {
		return
	}
	m.ProjectionUpdatesTotal.WithLabelValues(projection, statusLabel(success)).Inc()
}

// ObserveReconcile records the outcome of one account reconciliation
func (m *Metrics) ObserveReconcile(success bool) {
	if m == nil {
		return
	}
	m.ReconcileRunsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// ObserveRetry records a retried storage operation
func (m *Metrics) ObserveRetry(operation string) {
	if m == nil {
		return
	}
	m.StoreRetriesTotal.WithLabelValues(operation).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// routeLabel returns the mux path template so label cardinality stays bounded
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			path := routeLabel(r)
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, gatherer prometheus.Gatherer) {
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
