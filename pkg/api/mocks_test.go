package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/chatquota/pkg/billing"
	"github.com/platinummonkey/chatquota/pkg/chatusers"
	"github.com/platinummonkey/chatquota/pkg/observability"
	"github.com/platinummonkey/chatquota/pkg/quota"
	"github.com/platinummonkey/chatquota/pkg/verification"
)

const testAPIKey = "test-key"

var errNotImplemented = errors.New("not implemented")

type mockQuota struct {
	checkFunc  func(ctx context.Context, phone string) (*quota.Entitlement, error)
	recordFunc func(ctx context.Context, phone, preview string) (*quota.Decision, error)
}

func (m *mockQuota) Check(ctx context.Context, phone string) (*quota.Entitlement, error) {
	if m.checkFunc != nil {
		return m.checkFunc(ctx, phone)
	}
	return nil, errNotImplemented
}

func (m *mockQuota) RecordQuestion(ctx context.Context, phone, preview string) (*quota.Decision, error) {
	if m.recordFunc != nil {
		return m.recordFunc(ctx, phone, preview)
	}
	return nil, errNotImplemented
}

type mockProfiles struct {
	applyFunc func(ctx context.Context, phone string, action chatusers.Action, payload chatusers.ActionPayload) (*chatusers.ChatUser, error)
}

func (m *mockProfiles) Apply(ctx context.Context, phone string, action chatusers.Action, payload chatusers.ActionPayload) (*chatusers.ChatUser, error) {
	if m.applyFunc != nil {
		return m.applyFunc(ctx, phone, action, payload)
	}
	return nil, errNotImplemented
}

type mockCheckout struct {
	startFunc func(ctx context.Context, phone string) (*billing.Checkout, error)
}

func (m *mockCheckout) StartCheckout(ctx context.Context, phone string) (*billing.Checkout, error) {
	if m.startFunc != nil {
		return m.startFunc(ctx, phone)
	}
	return nil, errNotImplemented
}

type mockWebhooks struct {
	processFunc func(ctx context.Context, authToken string, body []byte) (billing.Ack, error)
}

func (m *mockWebhooks) Process(ctx context.Context, authToken string, body []byte) (billing.Ack, error) {
	if m.processFunc != nil {
		return m.processFunc(ctx, authToken, body)
	}
	return "", errNotImplemented
}

type mockVerification struct {
	issueFunc  func(ctx context.Context, accountID int64, ip, userAgent string) (*verification.Token, error)
	redeemFunc func(ctx context.Context, value string) (*verification.Redemption, error)
}

func (m *mockVerification) IssueToken(ctx context.Context, accountID int64, ip, userAgent string) (*verification.Token, error) {
	if m.issueFunc != nil {
		return m.issueFunc(ctx, accountID, ip, userAgent)
	}
	return nil, errNotImplemented
}

func (m *mockVerification) Redeem(ctx context.Context, value string) (*verification.Redemption, error) {
	if m.redeemFunc != nil {
		return m.redeemFunc(ctx, value)
	}
	return nil, errNotImplemented
}

func newTestServer(svc Services, mutate ...func(*Config)) *Server {
	if svc.Quota == nil {
		svc.Quota = &mockQuota{}
	}
	if svc.Profiles == nil {
		svc.Profiles = &mockProfiles{}
	}
	if svc.Checkout == nil {
		svc.Checkout = &mockCheckout{}
	}
	if svc.Webhooks == nil {
		svc.Webhooks = &mockWebhooks{}
	}
	if svc.Verification == nil {
		svc.Verification = &mockVerification{}
	}
	cfg := Config{
		ChatAPIKey: testAPIKey,
		Logger:     observability.NewLogger(observability.ErrorLevel, io.Discard),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	return NewServer(svc, cfg)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func withKey() map[string]string {
	return map[string]string{"X-API-Key": testAPIKey}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(dest))
}
