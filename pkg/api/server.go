package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/chatquota/pkg/httputil"
	"github.com/platinummonkey/chatquota/pkg/middleware"
	"github.com/platinummonkey/chatquota/pkg/observability"
)

// Services bundles the domain services behind the HTTP surface
type Services struct {
	Quota        QuotaService
	Profiles     ProfileService
	Checkout     CheckoutService
	Webhooks     WebhookService
	Verification VerificationService
}

// Config controls routing and the shared middleware stack
type Config struct {
	ChatAPIKey string
	// CheckoutLimiter throttles checkout per client IP; nil disables it
	CheckoutLimiter middleware.Limiter
	TokenLifetime   time.Duration

	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Registry *prometheus.Registry
	Health   *observability.HealthChecker
	// Tracing wraps the router with otelhttp spans
	Tracing bool
}

// Server represents our API server
type Server struct {
	router  *mux.Router
	handler http.Handler
}

// NewServer wires every handler group onto a gorilla/mux router
func NewServer(svc Services, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	s := &Server{router: mux.NewRouter()}

	if cfg.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(cfg.Metrics))
	}

	if cfg.Health != nil {
		s.router.HandleFunc("/health/live", cfg.Health.Liveness).Methods("GET")
		s.router.HandleFunc("/health/ready", cfg.Health.Readiness).Methods("GET")
	}
	if cfg.Registry != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(cfg.Registry)).Methods("GET")
	}

	apiKey := middleware.RequireAPIKey(cfg.ChatAPIKey)
	var checkoutLimit func(http.Handler) http.Handler
	if cfg.CheckoutLimiter != nil {
		checkoutLimit = middleware.RateLimit(cfg.CheckoutLimiter, middleware.ByClientIP)
	}

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	NewChatHandlers(svc.Quota, svc.Profiles, apiKey).RegisterRoutes(v1)
	NewBillingHandlers(svc.Checkout, svc.Webhooks, checkoutLimit).RegisterRoutes(v1)
	NewVerificationHandlers(svc.Verification, apiKey, cfg.TokenLifetime.String()).RegisterRoutes(v1)

	var handler http.Handler = s.router
	if cfg.Tracing {
		handler = observability.TracingMiddleware("chatquota")(handler)
	}
	s.handler = httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(cfg.Logger),
		httputil.LoggingMiddleware(cfg.Logger),
	)(handler)

	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Router exposes the underlying router for extra registrations
func (s *Server) Router() *mux.Router {
	return s.router
}
