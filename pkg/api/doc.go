// Package api exposes the quota, billing and verification services over HTTP.
//
// # Routes
//
// Chat endpoints are called by the messaging bot and require X-API-Key:
//
//	POST /api/v1/chat/validate-user      entitlement check, creates trial users
//	POST /api/v1/chat/register-message   counts one question
//	POST /api/v1/chat/update-user        profile actions
//
// Billing endpoints:
//
//	POST /api/v1/billing/checkout        premium checkout link (rate limited)
//	POST /api/v1/billing/webhook         provider notifications (asaas-access-token)
//
// Verification endpoints:
//
//	POST /api/v1/verification/tokens     issue and mail a token (X-API-Key)
//	GET  /api/v1/verification/{token}    redeem a token
//
// Operations: /health/live, /health/ready and /metrics.
//
// Errors are written with httputil.WriteAppError so typed errors from
// pkg/apperr map to consistent status codes.
package api
