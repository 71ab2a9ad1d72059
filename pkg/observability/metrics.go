package observability

import (
	"database/sql"
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

	// Quota metrics
	QuotaDecisionsTotal  *prometheus.CounterVec
	QuotaRetriesTotal    prometheus.Counter
	ChatUsersCreated     prometheus.Counter

	// Verification metrics
	TokensIssuedTotal    prometheus.Counter
	TokenRedemptions     *prometheus.CounterVec
	TokensCleanedTotal   prometheus.Counter

	// Billing metrics
	CheckoutsTotal         *prometheus.CounterVec
	ProviderRequestsTotal  *prometheus.CounterVec
	ProviderRequestLatency *prometheus.HistogramVec
	WebhookEventsTotal     *prometheus.CounterVec
	TierTransitionsTotal   *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatquota_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatquota_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		QuotaDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatquota_quota_decisions_total",
				Help: "Question admission decisions by tier and outcome",
			},
			[]string{"tier", "outcome"},
		),
		QuotaRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatquota_quota_tx_retries_total",
				Help: "Quota transactions retried after a deadlock or serialization failure",
			},
		),
		ChatUsersCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatquota_chat_users_created_total",
				Help: "Chat users created on first contact",
			},
		),

		TokensIssuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatquota_verification_tokens_issued_total",
				Help: "Verification tokens issued",
			},
		),
		TokenRedemptions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatquota_verification_redemptions_total",
				Help: "Verification token redemptions by result",
			},
			[]string{"result"},
		),
		TokensCleanedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatquota_verification_tokens_cleaned_total",
				Help: "Expired verification tokens removed by the cleanup job",
			},
		),

		CheckoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatquota_checkouts_total",
				Help: "Checkout requests by outcome",
			},
			[]string{"outcome"},
		),
		ProviderRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatquota_provider_requests_total",
				Help: "Billing provider API calls",
			},
			[]string{"operation", "status"},
		),
		ProviderRequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatquota_provider_request_duration_seconds",
				Help:    "Billing provider API call duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatquota_webhook_events_total",
				Help: "Billing webhook deliveries by event and outcome",
			},
			[]string{"event", "outcome"},
		),
		TierTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatquota_tier_transitions_total",
				Help: "Chat user tier changes",
			},
			[]string{"from", "to", "source"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatquota_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatquota_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.QuotaDecisionsTotal,
		m.QuotaRetriesTotal,
		m.ChatUsersCreated,
		m.TokensIssuedTotal,
		m.TokenRedemptions,
		m.TokensCleanedTotal,
		m.CheckoutsTotal,
		m.ProviderRequestsTotal,
		m.ProviderRequestLatency,
		m.WebhookEventsTotal,
		m.TierTransitionsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// NewNopMetrics returns metrics registered against a throwaway registry.
// Services fall back to it when no metrics are injected.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// RecordDBStats copies connection pool stats into the database gauges
func (m *Metrics) RecordDBStats(stats sql.DBStats) {
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Requests are labelled by route template so token values never become labels.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
