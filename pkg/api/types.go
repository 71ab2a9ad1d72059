package api

import (
	"context"

	"github.com/platinummonkey/chatquota/pkg/billing"
	"github.com/platinummonkey/chatquota/pkg/chatusers"
	"github.com/platinummonkey/chatquota/pkg/quota"
	"github.com/platinummonkey/chatquota/pkg/verification"
)

// QuotaService is implemented by quota.Ledger
type QuotaService interface {
	Check(ctx context.Context, phone string) (*quota.Entitlement, error)
	RecordQuestion(ctx context.Context, phone, preview string) (*quota.Decision, error)
}

// ProfileService is implemented by chatusers.Service
type ProfileService interface {
	Apply(ctx context.Context, phone string, action chatusers.Action, payload chatusers.ActionPayload) (*chatusers.ChatUser, error)
}

// CheckoutService is implemented by billing.Orchestrator
type CheckoutService interface {
	StartCheckout(ctx context.Context, phone string) (*billing.Checkout, error)
}

// WebhookService is implemented by billing.WebhookProcessor
type WebhookService interface {
	Process(ctx context.Context, authToken string, body []byte) (billing.Ack, error)
}

// VerificationService is implemented by verification.Service
type VerificationService interface {
	IssueToken(ctx context.Context, accountID int64, ip, userAgent string) (*verification.Token, error)
	Redeem(ctx context.Context, value string) (*verification.Redemption, error)
}

// PhoneRequest identifies the chat user a call is about
type PhoneRequest struct {
	Phone string `json:"phone"`
}

// RegisterMessageRequest is the body of register-message
type RegisterMessageRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

// UpdateUserRequest is the body of update-user
type UpdateUserRequest struct {
	Phone  string `json:"phone"`
	Action string `json:"action"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Plan   string `json:"plan,omitempty"`
}

// IssueTokenRequest is the body of POST /verification/tokens
type IssueTokenRequest struct {
	AccountID int64 `json:"account_id"`
}

// IssueTokenResponse confirms a token was issued; the value itself only
// travels by email
type IssueTokenResponse struct {
	Status    string `json:"status"`
	AccountID int64  `json:"account_id"`
	ExpiresIn string `json:"expires_in,omitempty"`
}

// WebhookResponse acknowledges an accepted webhook delivery
type WebhookResponse struct {
	Status billing.Ack `json:"status"`
}
