package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/chatquota/pkg/apperr"
)

// Querier is satisfied by *sql.DB and *sql.Tx
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const subscriptionColumns = `id, chat_user_id, provider_customer_id, provider_subscription_id, amount,
	status, origin, external_reference, next_due_date, checkout_url, activated_at, cancelled_at,
	created_at, updated_at`

// Event is an append-only audit record of a webhook delivery
type Event struct {
	ID             int64     `json:"id"`
	SubscriptionID int64     `json:"subscription_id"`
	EventID        *string   `json:"event_id,omitempty"`
	EventType      string    `json:"event_type"`
	PreviousStatus Status    `json:"previous_status"`
	NewStatus      Status    `json:"new_status"`
	Outcome        string    `json:"outcome"`
	RequestID      string    `json:"request_id"`
	ReceivedAt     time.Time `json:"received_at"`
}

// Store persists subscriptions and their events in PostgreSQL
type Store struct{}

// NewStore creates a subscription store
func NewStore() *Store {
	return &Store{}
}

func scanSubscription(row *sql.Row) (*Subscription, error) {
	var s Subscription
	err := row.Scan(
		&s.ID, &s.ChatUserID, &s.ProviderCustomerID, &s.ProviderSubscriptionID, &s.Amount,
		&s.Status, &s.Origin, &s.ExternalReference, &s.NextDueDate, &s.CheckoutURL, &s.ActivatedAt, &s.CancelledAt,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetOutstanding returns the PENDING or ACTIVE subscription of a user, or
// nil if there is none
func (s *Store) GetOutstanding(ctx context.Context, q Querier, chatUserID int64) (*Subscription, error) {
	sub, err := scanSubscription(q.QueryRowContext(ctx,
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE chat_user_id = $1 AND status IN ('PENDING', 'ACTIVE')",
		chatUserID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outstanding subscription: %w", err)
	}
	return sub, nil
}

// GetOutstandingExcept returns the PENDING or ACTIVE subscription of a user
// other than excludeID, or nil if there is none
func (s *Store) GetOutstandingExcept(ctx context.Context, q Querier, chatUserID, excludeID int64) (*Subscription, error) {
	sub, err := scanSubscription(q.QueryRowContext(ctx,
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE chat_user_id = $1 AND id <> $2 AND status IN ('PENDING', 'ACTIVE')",
		chatUserID, excludeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current subscription: %w", err)
	}
	return sub, nil
}

// GetByProviderID loads a subscription by its provider id without locking
func (s *Store) GetByProviderID(ctx context.Context, q Querier, providerID string) (*Subscription, error) {
	sub, err := scanSubscription(q.QueryRowContext(ctx,
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE provider_subscription_id = $1", providerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("subscription", providerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// LockByProviderID loads a subscription and holds its row lock until tx ends
func (s *Store) LockByProviderID(ctx context.Context, tx *sql.Tx, providerID string) (*Subscription, error) {
	sub, err := scanSubscription(tx.QueryRowContext(ctx,
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE provider_subscription_id = $1 FOR UPDATE", providerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("subscription", providerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock subscription: %w", err)
	}
	return sub, nil
}

// Insert creates a subscription record. A second outstanding record for the
// same user is rejected by a unique index; callers check IsUniqueViolation.
func (s *Store) Insert(ctx context.Context, q Querier, sub *Subscription) error {
	err := q.QueryRowContext(ctx, `
		INSERT INTO subscriptions (chat_user_id, provider_customer_id, provider_subscription_id, amount,
			status, origin, external_reference, next_due_date, checkout_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		sub.ChatUserID, sub.ProviderCustomerID, sub.ProviderSubscriptionID, sub.Amount,
		sub.Status, sub.Origin, sub.ExternalReference, sub.NextDueDate, sub.CheckoutURL,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

// UpdateStatus overwrites status and lifecycle timestamps of a locked record
func (s *Store) UpdateStatus(ctx context.Context, tx *sql.Tx, sub *Subscription, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = $2, activated_at = $3, cancelled_at = $4, updated_at = $5
		WHERE id = $1`,
		sub.ID, sub.Status, sub.ActivatedAt, sub.CancelledAt, now)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	sub.UpdatedAt = now
	return nil
}

// EventSeen reports whether a delivery with this event id was already recorded
// against its subscription
func (s *Store) EventSeen(ctx context.Context, q Querier, eventID string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM subscription_events WHERE event_id = $1 AND outcome IN ($2, $3))",
		eventID, outcomeApplied, outcomeSuperseded).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return exists, nil
}

// InsertEvent appends an audit record
func (s *Store) InsertEvent(ctx context.Context, q Querier, e *Event) error {
	err := q.QueryRowContext(ctx, `
		INSERT INTO subscription_events (subscription_id, event_id, event_type, previous_status,
			new_status, outcome, request_id, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		e.SubscriptionID, e.EventID, e.EventType, e.PreviousStatus, e.NewStatus, e.Outcome, e.RequestID, e.ReceivedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to insert subscription event: %w", err)
	}
	return nil
}
