// Package middleware provides HTTP middleware for internal caller
// authentication and rate limiting.
//
// RequireAPIKey guards the chat endpoints used by the messaging bot:
//
//	router.Use(middleware.RequireAPIKey(cfg.Security.ChatAPIKey))
//
// RateLimit throttles premium checkout attempts per client. NewLimiter picks
// a Redis fixed-window limiter when a client is configured so every instance
// shares the budget, and falls back to an in-memory token bucket otherwise:
//
//	limiter := middleware.NewLimiter(redisClient, middleware.CheckoutRateLimitConfig(10), "chatquota:checkout")
//	router.Handle("/billing/checkout", middleware.RateLimit(limiter, middleware.ByClientIP)(h))
//
// Limiter failures never block a request.
package middleware
