package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/chatquota/pkg/apperr"
	"github.com/platinummonkey/chatquota/pkg/contextkeys"
	"github.com/platinummonkey/chatquota/pkg/httputil"
	"github.com/platinummonkey/chatquota/pkg/observability"
)

// MaxWebhookBody is the largest webhook payload accepted
const MaxWebhookBody = 64 << 10

// WebhookTokenHeader carries the shared secret configured at the provider
const WebhookTokenHeader = "asaas-access-token"

// BillingHandlers handles premium checkout and provider webhooks
type BillingHandlers struct {
	checkout        CheckoutService
	webhooks        WebhookService
	checkoutLimiter func(http.Handler) http.Handler
}

// NewBillingHandlers creates a new BillingHandlers. checkoutLimiter may be nil.
func NewBillingHandlers(checkout CheckoutService, webhooks WebhookService, checkoutLimiter func(http.Handler) http.Handler) *BillingHandlers {
	return &BillingHandlers{
		checkout:        checkout,
		webhooks:        webhooks,
		checkoutLimiter: checkoutLimiter,
	}
}

// RegisterRoutes registers billing routes
func (h *BillingHandlers) RegisterRoutes(router *mux.Router) {
	router.Handle("/billing/checkout", wrap(h.checkoutLimiter, h.startCheckout)).Methods("POST")
	router.HandleFunc("/billing/webhook", h.handleWebhook).Methods("POST")
}

// startCheckout handles POST /billing/checkout
func (h *BillingHandlers) startCheckout(w http.ResponseWriter, r *http.Request) {
	var req PhoneRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	phone, ok := normalizePhone(w, req.Phone)
	if !ok {
		return
	}
	ctx := contextkeys.WithPhone(r.Context(), phone)

	checkout, err := h.checkout.StartCheckout(ctx, phone)
	if err != nil {
		observability.FromContext(ctx).WithError(err).Error("checkout failed")
		httputil.WriteAppError(w, err)
		return
	}

	status := http.StatusCreated
	if checkout.Reused {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, checkout)
}

// handleWebhook handles POST /billing/webhook
func (h *BillingHandlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteErrorMessage(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		httputil.WriteBadRequest(w, "failed to read request body")
		return
	}

	ack, err := h.webhooks.Process(r.Context(), r.Header.Get(WebhookTokenHeader), body)
	if err != nil {
		if !apperr.IsAuthentication(err) {
			observability.FromContext(r.Context()).WithError(err).Warn("webhook rejected")
		}
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, WebhookResponse{Status: ack})
}
