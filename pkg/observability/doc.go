// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown for the
// chatquota service.
//
// # Logging
//
// Logger wraps logrus with a JSON formatter. Loggers travel in the request
// context; FromContext adds the request ID and chat user phone when present:
//
//	logger := observability.FromContext(ctx)
//	logger.WithField("subscription_id", id).Info("subscription activated")
//
// # Metrics
//
// NewMetrics registers the chatquota_* collectors (quota decisions, token
// redemptions, checkout outcomes, webhook events, tier transitions). HTTP
// traffic is labelled by gorilla/mux route template.
//
// # Health
//
// HealthChecker probes Postgres, Redis and any extra dependencies registered
// with AddCheck. Non-critical failures degrade, critical ones fail readiness.
package observability
