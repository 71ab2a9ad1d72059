package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/chatquota/pkg/chatusers"
	"github.com/platinummonkey/chatquota/pkg/contextkeys"
	"github.com/platinummonkey/chatquota/pkg/httputil"
	"github.com/platinummonkey/chatquota/pkg/observability"
)

// ChatHandlers serves the endpoints used by the messaging bot
type ChatHandlers struct {
	quota    QuotaService
	profiles ProfileService
	guard    func(http.Handler) http.Handler
}

// NewChatHandlers creates a new ChatHandlers. guard wraps every route and is
// normally middleware.RequireAPIKey; nil leaves the routes open.
func NewChatHandlers(quota QuotaService, profiles ProfileService, guard func(http.Handler) http.Handler) *ChatHandlers {
	return &ChatHandlers{quota: quota, profiles: profiles, guard: guard}
}

// RegisterRoutes registers chat routes
func (h *ChatHandlers) RegisterRoutes(router *mux.Router) {
	router.Handle("/chat/validate-user", wrap(h.guard, h.validateUser)).Methods("POST")
	router.Handle("/chat/register-message", wrap(h.guard, h.registerMessage)).Methods("POST")
	router.Handle("/chat/update-user", wrap(h.guard, h.updateUser)).Methods("POST")
}

// validateUser handles POST /chat/validate-user
func (h *ChatHandlers) validateUser(w http.ResponseWriter, r *http.Request) {
	var req PhoneRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	phone, ok := normalizePhone(w, req.Phone)
	if !ok {
		return
	}
	ctx := contextkeys.WithPhone(r.Context(), phone)

	ent, err := h.quota.Check(ctx, phone)
	if err != nil {
		observability.FromContext(ctx).WithError(err).Error("validate-user failed")
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, ent)
}

// registerMessage handles POST /chat/register-message. A refused question
// is a normal 200 response carrying allowed=false and the upgrade prompt.
func (h *ChatHandlers) registerMessage(w http.ResponseWriter, r *http.Request) {
	var req RegisterMessageRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	phone, ok := normalizePhone(w, req.Phone)
	if !ok {
		return
	}
	ctx := contextkeys.WithPhone(r.Context(), phone)

	decision, err := h.quota.RecordQuestion(ctx, phone, req.Message)
	if err != nil {
		observability.FromContext(ctx).WithError(err).Error("register-message failed")
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, decision)
}

// updateUser handles POST /chat/update-user
func (h *ChatHandlers) updateUser(w http.ResponseWriter, r *http.Request) {
	var req UpdateUserRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	phone, ok := normalizePhone(w, req.Phone)
	if !ok {
		return
	}
	action, err := chatusers.ParseAction(req.Action)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	ctx := contextkeys.WithPhone(r.Context(), phone)

	user, err := h.profiles.Apply(ctx, phone, action, chatusers.ActionPayload{
		Name:  req.Name,
		Email: req.Email,
		Plan:  req.Plan,
	})
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, user)
}

func normalizePhone(w http.ResponseWriter, raw string) (string, bool) {
	phone, err := chatusers.NormalizePhone(raw)
	if err != nil {
		httputil.WriteAppError(w, err)
		return "", false
	}
	return phone, true
}

func wrap(mw func(http.Handler) http.Handler, fn http.HandlerFunc) http.Handler {
	if mw == nil {
		return fn
	}
	return mw(fn)
}
