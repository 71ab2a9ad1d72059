package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/platinummonkey/chatquota/pkg/apperr"
	"github.com/platinummonkey/chatquota/pkg/observability"
)

// DefaultAsaasBaseURL is the production API root
const DefaultAsaasBaseURL = "https://www.asaas.com/api/v3"

const maxErrorBody = 2048

// Provider is the payment provider used for checkouts
type Provider interface {
	CreateCustomer(ctx context.Context, req CustomerRequest) (*Customer, error)
	CreateSubscription(ctx context.Context, req SubscriptionRequest) (*ProviderSubscription, error)
	GetSubscription(ctx context.Context, id string) (*ProviderSubscription, error)
	Ping(ctx context.Context) error
}

// CustomerRequest creates a provider customer
type CustomerRequest struct {
	Name                 string `json:"name"`
	Email                string `json:"email"`
	Phone                string `json:"phone"`
	MobilePhone          string `json:"mobilePhone"`
	CpfCnpj              string `json:"cpfCnpj"`
	ExternalReference    string `json:"externalReference"`
	NotificationDisabled bool   `json:"notificationDisabled"`
}

// Customer is a provider customer
type Customer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Percentage is a fine or interest setting
type Percentage struct {
	Value float64 `json:"value"`
	Type  string  `json:"type"`
}

// Callback configures the redirect after payment
type Callback struct {
	SuccessURL   string `json:"successUrl"`
	AutoRedirect bool   `json:"autoRedirect"`
}

// SubscriptionRequest creates a recurring subscription
type SubscriptionRequest struct {
	Customer          string     `json:"customer"`
	BillingType       string     `json:"billingType"`
	Value             float64    `json:"value"`
	NextDueDate       string     `json:"nextDueDate"`
	Cycle             string     `json:"cycle"`
	Description       string     `json:"description"`
	ExternalReference string     `json:"externalReference"`
	Callback          *Callback  `json:"callback,omitempty"`
	Fine              Percentage `json:"fine"`
	Interest          Percentage `json:"interest"`
}

// ProviderSubscription is a subscription as reported by the provider
type ProviderSubscription struct {
	ID          string  `json:"id"`
	Customer    string  `json:"customer"`
	Status      string  `json:"status"`
	Value       float64 `json:"value"`
	NextDueDate string  `json:"nextDueDate"`
	InvoiceURL  string  `json:"invoiceUrl"`
}

// AsaasConfig configures the Asaas client
type AsaasConfig struct {
	APIKey    string
	BaseURL   string
	Timeout   time.Duration
	Transport http.RoundTripper
}

// AsaasClient calls the Asaas REST API
type AsaasClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
	retry   *RetryPolicy
	metrics *observability.Metrics
}

// NewAsaasClient creates a client. The transport is wrapped with tracing.
func NewAsaasClient(cfg AsaasConfig, metrics *observability.Metrics) *AsaasClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultAsaasBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &AsaasClient{
		// keys copied from the provider dashboard are sometimes quoted
		apiKey:  strings.Trim(cfg.APIKey, `'"`),
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: observability.InstrumentedTransport(cfg.Transport),
		},
		retry:   NewRetryPolicy(DefaultRetryConfig()),
		metrics: metrics,
	}
}

// CreateCustomer creates a customer. Not retried: the call is not idempotent.
func (c *AsaasClient) CreateCustomer(ctx context.Context, req CustomerRequest) (*Customer, error) {
	var out Customer
	if err := c.do(ctx, "create_customer", http.MethodPost, "/customers", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateSubscription creates a subscription. Not retried.
func (c *AsaasClient) CreateSubscription(ctx context.Context, req SubscriptionRequest) (*ProviderSubscription, error) {
	var out ProviderSubscription
	if err := c.do(ctx, "create_subscription", http.MethodPost, "/subscriptions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSubscription fetches a subscription, retrying transient failures
func (c *AsaasClient) GetSubscription(ctx context.Context, id string) (*ProviderSubscription, error) {
	var out ProviderSubscription
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		return c.do(ctx, "get_subscription", http.MethodGet, "/subscriptions/"+url.PathEscape(id), nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Ping verifies credentials and connectivity with a minimal listing
func (c *AsaasClient) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", http.MethodGet, "/customers?limit=1", nil, nil)
}

func (c *AsaasClient) do(ctx context.Context, operation, method, path string, body, out interface{}) (err error) {
	start := time.Now()
	status := "error"
	defer func() {
		c.metrics.ProviderRequestsTotal.WithLabelValues(operation, status).Inc()
		c.metrics.ProviderRequestLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", operation, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("access_token", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "chatquota/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return &apperr.ExternalProviderError{Operation: operation, Err: err}
	}
	defer resp.Body.Close()
	status = fmt.Sprintf("%d", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &apperr.ExternalProviderError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Body:       string(raw),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &apperr.ExternalProviderError{
			Operation: operation,
			Err:       fmt.Errorf("failed to decode response: %w", err),
		}
	}
	return nil
}
