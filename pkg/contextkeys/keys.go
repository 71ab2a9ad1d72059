// Package contextkeys provides centralized context key definitions
//
// All context keys used across the service are defined here so that key
// usage stays discoverable.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/chatquota/pkg/contextkeys"
//	ctx = contextkeys.WithRequestID(ctx, id)
//	id := contextkeys.GetRequestID(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: Logger, webhook audit rows
	// Type: string
	RequestIDKey Key = "request_id"

	// PhoneKey contains the normalized phone of the chat user being served
	// Set by: chat handlers after normalization
	// Used by: Logger
	// Type: string
	PhoneKey Key = "phone"

	// LoggerKey contains *observability.Logger
	// Set by: httputil.LoggingMiddleware
	// Used by: Handlers and services that log with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"

	// ClientIPKey contains the caller address as seen by the API
	// Set by: httputil.RequestIDMiddleware
	// Used by: verification token issuance (audit only)
	// Type: string
	ClientIPKey Key = "client_ip"
)

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithPhone adds the chat user's phone to the context
func WithPhone(ctx context.Context, phone string) context.Context {
	return context.WithValue(ctx, PhoneKey, phone)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// WithClientIP adds the caller address to the context
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ClientIPKey, ip)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetPhone retrieves the chat user's phone from context
func GetPhone(ctx context.Context) string {
	if phone, ok := ctx.Value(PhoneKey).(string); ok {
		return phone
	}
	return ""
}

// GetClientIP retrieves the caller address from context
func GetClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(ClientIPKey).(string); ok {
		return ip
	}
	return ""
}
