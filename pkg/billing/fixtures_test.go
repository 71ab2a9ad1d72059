package billing

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/chatquota/pkg/chatusers"
)

var (
	fixedNow    = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	userColumns = []string{
		"id", "phone", "display_name", "email", "tier", "questions_asked", "question_limit",
		"active", "terms_accepted", "terms_accepted_at", "email_verified", "email_verified_at",
		"account_id", "first_question_at", "last_message_at", "created_at", "updated_at",
	}
	subscriptionColumnNames = []string{
		"id", "chat_user_id", "provider_customer_id", "provider_subscription_id", "amount",
		"status", "origin", "external_reference", "next_due_date", "checkout_url", "activated_at", "cancelled_at",
		"created_at", "updated_at",
	}
)

func userRow(tier chatusers.Tier, limit int) *sqlmock.Rows {
	return sqlmock.NewRows(userColumns).AddRow(
		int64(7), "+5511999990000", "", nil, string(tier), 10, limit,
		true, true, fixedNow, false, nil,
		nil, nil, nil, fixedNow, fixedNow,
	)
}

func subscriptionRow(status Status, checkoutURL string) *sqlmock.Rows {
	return sqlmock.NewRows(subscriptionColumnNames).AddRow(
		int64(3), int64(7), "cus_1", "sub_1", 29.90,
		string(status), "whatsapp", "chatquota_premium_7", nil, checkoutURL, nil, nil,
		fixedNow, fixedNow,
	)
}

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

type fakeProvider struct {
	mu            sync.Mutex
	customers     []CustomerRequest
	subscriptions []SubscriptionRequest
	invoiceURL    string
	createErr     error
	calls         atomic.Int32
	gate          chan struct{}
}

func (f *fakeProvider) CreateCustomer(ctx context.Context, req CustomerRequest) (*Customer, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customers = append(f.customers, req)
	return &Customer{ID: "cus_1", Name: req.Name, Email: req.Email}, nil
}

func (f *fakeProvider) CreateSubscription(ctx context.Context, req SubscriptionRequest) (*ProviderSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions = append(f.subscriptions, req)
	return &ProviderSubscription{ID: "sub_1", Customer: req.Customer, Status: "ACTIVE", InvoiceURL: f.invoiceURL}, nil
}

func (f *fakeProvider) GetSubscription(ctx context.Context, id string) (*ProviderSubscription, error) {
	return &ProviderSubscription{ID: id, Status: "ACTIVE"}, nil
}

func (f *fakeProvider) Ping(ctx context.Context) error {
	return nil
}
