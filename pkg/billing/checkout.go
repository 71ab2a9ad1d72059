package billing

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/chatquota/pkg/chatusers"
	"github.com/platinummonkey/chatquota/pkg/observability"
	"github.com/platinummonkey/chatquota/pkg/settings"
	"github.com/platinummonkey/chatquota/pkg/storage/postgres"
)

const (
	checkoutFallbackURL = "https://checkout.asaas.com/subscription/"
	placeholderDomain   = "whatsapp.placeholder"
	billingCycleDays    = 30
)

// OrchestratorConfig configures checkouts
type OrchestratorConfig struct {
	// SiteURL is the public site the provider redirects to after payment
	SiteURL string
}

// Orchestrator starts premium checkouts
type Orchestrator struct {
	db       *sql.DB
	users    *chatusers.Store
	store    *Store
	provider Provider
	settings *settings.Store
	metrics  *observability.Metrics
	cfg      OrchestratorConfig
	group    singleflight.Group
	now      func() time.Time
}

// NewOrchestrator creates a checkout orchestrator
func NewOrchestrator(db *sql.DB, users *chatusers.Store, store *Store, provider Provider, settingsStore *settings.Store, metrics *observability.Metrics, cfg OrchestratorConfig) *Orchestrator {
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	cfg.SiteURL = strings.TrimSuffix(cfg.SiteURL, "/")
	return &Orchestrator{
		db:       db,
		users:    users,
		store:    store,
		provider: provider,
		settings: settingsStore,
		metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
	}
}

// StartCheckout returns a checkout link for the user. An outstanding
// subscription is reused; otherwise a customer and subscription are created
// with the provider and recorded as PENDING. Concurrent calls for the same
// phone share one execution.
func (o *Orchestrator) StartCheckout(ctx context.Context, phone string) (*Checkout, error) {
	v, err, _ := o.group.Do(phone, func() (interface{}, error) {
		return o.startCheckout(ctx, phone)
	})
	if err != nil {
		o.metrics.CheckoutsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	checkout := v.(*Checkout)
	outcome := "created"
	if checkout.Reused {
		outcome = "reused"
	}
	o.metrics.CheckoutsTotal.WithLabelValues(outcome).Inc()
	return checkout, nil
}

func (o *Orchestrator) startCheckout(ctx context.Context, phone string) (*Checkout, error) {
	ctx, span := observability.StartSpan(ctx, "billing.StartCheckout")
	defer span.End()
	logger := observability.FromContext(ctx)

	user, err := o.users.GetByPhone(ctx, o.db, phone)
	if err != nil {
		return nil, err
	}

	existing, err := o.store.GetOutstanding(ctx, o.db, user.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return reuse(existing), nil
	}

	snap := o.settings.Current()
	failed := logger.WithFields(map[string]interface{}{
		"chat_user_id": user.ID,
		"amount":       snap.MonthlyPrice,
	})

	customer, err := o.provider.CreateCustomer(ctx, customerRequest(user))
	if err != nil {
		span.RecordError(err)
		failed.WithError(err).WithField("step", "create_customer").Error("checkout aborted, nothing recorded")
		return nil, err
	}

	nextDue := o.now().AddDate(0, 0, billingCycleDays)
	extRef := fmt.Sprintf("chatquota_premium_%d", user.ID)
	provSub, err := o.provider.CreateSubscription(ctx, SubscriptionRequest{
		Customer:          customer.ID,
		BillingType:       "UNDEFINED",
		Value:             snap.MonthlyPrice,
		NextDueDate:       nextDue.Format("2006-01-02"),
		Cycle:             "MONTHLY",
		Description:       "MultiBPO Premium - Acesso Ilimitado à IA Contábil",
		ExternalReference: extRef,
		Callback: &Callback{
			SuccessURL:   fmt.Sprintf("%s/m/premium/sucesso?user=%d", o.cfg.SiteURL, user.ID),
			AutoRedirect: true,
		},
		Fine:     Percentage{Value: 2.0, Type: "PERCENTAGE"},
		Interest: Percentage{Value: 1.0, Type: "PERCENTAGE"},
	})
	if err != nil {
		span.RecordError(err)
		failed.WithError(err).WithFields(map[string]interface{}{
			"step":                 "create_subscription",
			"provider_customer_id": customer.ID,
		}).Error("checkout aborted, nothing recorded")
		return nil, err
	}

	checkoutURL := provSub.InvoiceURL
	if checkoutURL == "" {
		checkoutURL = checkoutFallbackURL + provSub.ID
	}

	dueDate := time.Date(nextDue.Year(), nextDue.Month(), nextDue.Day(), 0, 0, 0, 0, time.UTC)
	sub := &Subscription{
		ChatUserID:             user.ID,
		ProviderCustomerID:     customer.ID,
		ProviderSubscriptionID: provSub.ID,
		Amount:                 snap.MonthlyPrice,
		Status:                 StatusPending,
		Origin:                 "whatsapp",
		ExternalReference:      extRef,
		NextDueDate:            &dueDate,
		CheckoutURL:            checkoutURL,
	}

	err = postgres.WithTx(ctx, o.db, nil, func(tx *sql.Tx) error {
		return o.store.Insert(ctx, tx, sub)
	})
	if postgres.IsUniqueViolation(err) {
		// Another instance recorded a checkout first; the provider subscription
		// created here stays orphaned in PENDING on the provider side.
		logger.WithField("provider_subscription_id", provSub.ID).
			Warn("concurrent checkout detected, reusing existing subscription")
		existing, rerr := o.store.GetOutstanding(ctx, o.db, user.ID)
		if rerr != nil {
			return nil, rerr
		}
		if existing != nil {
			return reuse(existing), nil
		}
	}
	if err != nil {
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"chat_user_id":             user.ID,
		"provider_subscription_id": provSub.ID,
	}).Info("checkout created")

	return &Checkout{CheckoutURL: checkoutURL, SubscriptionID: provSub.ID}, nil
}

// ProviderStatus fetches the provider's view of a subscription
func (o *Orchestrator) ProviderStatus(ctx context.Context, providerSubscriptionID string) (*ProviderSubscription, error) {
	return o.provider.GetSubscription(ctx, providerSubscriptionID)
}

// Ping checks provider connectivity
func (o *Orchestrator) Ping(ctx context.Context) error {
	return o.provider.Ping(ctx)
}

func reuse(sub *Subscription) *Checkout {
	url := sub.CheckoutURL
	if url == "" {
		url = checkoutFallbackURL + sub.ProviderSubscriptionID
	}
	return &Checkout{CheckoutURL: url, SubscriptionID: sub.ProviderSubscriptionID, Reused: true}
}

func customerRequest(u *chatusers.ChatUser) CustomerRequest {
	digits := chatusers.Digits(u.Phone)

	name := strings.TrimSpace(u.DisplayName)
	if name == "" {
		name = "Usuário " + u.Phone
	}
	email := digits + "@" + placeholderDomain
	if u.Email != nil && *u.Email != "" {
		email = *u.Email
	}

	return CustomerRequest{
		Name:              name,
		Email:             email,
		Phone:             u.Phone,
		MobilePhone:       u.Phone,
		ExternalReference: fmt.Sprintf("whatsapp_%d", u.ID),
	}
}
