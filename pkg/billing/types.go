package billing

import (
	"time"
)

// Status is the local state of a subscription
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusActive    Status = "ACTIVE"
	StatusOverdue   Status = "OVERDUE"
	StatusSuspended Status = "SUSPENDED"
	StatusRefunded  Status = "REFUNDED"
)

// Outstanding reports whether a new checkout must reuse this subscription
func (s Status) Outstanding() bool {
	return s == StatusPending || s == StatusActive
}

// Subscription is the local record of a provider subscription
type Subscription struct {
	ID                     int64      `json:"id"`
	ChatUserID             int64      `json:"chat_user_id"`
	ProviderCustomerID     string     `json:"provider_customer_id"`
	ProviderSubscriptionID string     `json:"provider_subscription_id"`
	Amount                 float64    `json:"amount"`
	Status                 Status     `json:"status"`
	Origin                 string     `json:"origin"`
	ExternalReference      string     `json:"external_reference"`
	NextDueDate            *time.Time `json:"next_due_date,omitempty"`
	CheckoutURL            string     `json:"checkout_url"`
	ActivatedAt            *time.Time `json:"activated_at,omitempty"`
	CancelledAt            *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// Checkout is returned to the user to complete the payment
type Checkout struct {
	CheckoutURL    string `json:"checkout_url"`
	SubscriptionID string `json:"subscription_id"`
	Reused         bool   `json:"reused"`
}

// Ack is how an accepted webhook delivery was handled
type Ack string

const (
	AckProcessed Ack = "processed"
	AckIgnored   Ack = "ignored"
	AckDuplicate Ack = "duplicate"
)

// Webhook event names sent by the provider
const (
	EventPaymentConfirmed = "PAYMENT_CONFIRMED"
	EventPaymentReceived  = "PAYMENT_RECEIVED"
	EventPaymentOverdue   = "PAYMENT_OVERDUE"
	EventPaymentRefunded  = "PAYMENT_REFUNDED"
)

// WebhookPayload is the subset of a provider notification that is used
type WebhookPayload struct {
	ID           string               `json:"id"`
	Event        string               `json:"event"`
	DateCreated  string               `json:"dateCreated,omitempty"`
	Payment      *WebhookPayment      `json:"payment,omitempty"`
	Subscription *WebhookSubscription `json:"subscription,omitempty"`
}

// WebhookPayment is the payment object of a notification
type WebhookPayment struct {
	ID           string  `json:"id"`
	Subscription string  `json:"subscription"`
	Status       string  `json:"status"`
	Value        float64 `json:"value"`
}

// WebhookSubscription is the subscription object of a notification
type WebhookSubscription struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// SubscriptionID returns the provider subscription the event refers to
func (p *WebhookPayload) SubscriptionID() string {
	if p.Payment != nil && p.Payment.Subscription != "" {
		return p.Payment.Subscription
	}
	if p.Subscription != nil {
		return p.Subscription.ID
	}
	return ""
}

// DedupKey identifies a delivery. The provider event id is preferred; older
// payloads without one fall back to the event, payment and subscription ids.
func (p *WebhookPayload) DedupKey() string {
	if p.ID != "" {
		return p.ID
	}
	paymentID := ""
	if p.Payment != nil {
		paymentID = p.Payment.ID
	}
	if paymentID == "" {
		return ""
	}
	return p.Event + ":" + paymentID + ":" + p.SubscriptionID()
}
