package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/chatquota/pkg/apperr"
	"github.com/platinummonkey/chatquota/pkg/httputil"
	"github.com/platinummonkey/chatquota/pkg/verification"
)

// VerificationHandlers issues and redeems email verification tokens
type VerificationHandlers struct {
	service   VerificationService
	issueAuth func(http.Handler) http.Handler
	expiresIn string
}

// NewVerificationHandlers creates a new VerificationHandlers. issueAuth
// guards token issuance; redeeming is public. expiresIn is echoed to callers
// issuing tokens.
func NewVerificationHandlers(service VerificationService, issueAuth func(http.Handler) http.Handler, expiresIn string) *VerificationHandlers {
	return &VerificationHandlers{service: service, issueAuth: issueAuth, expiresIn: expiresIn}
}

// RegisterRoutes registers verification routes
func (h *VerificationHandlers) RegisterRoutes(router *mux.Router) {
	router.Handle("/verification/tokens", wrap(h.issueAuth, h.issueToken)).Methods("POST")
	router.HandleFunc("/verification/{token}", h.redeem).Methods("GET")
}

// issueToken handles POST /verification/tokens
func (h *VerificationHandlers) issueToken(w http.ResponseWriter, r *http.Request) {
	var req IssueTokenRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.AccountID <= 0 {
		httputil.WriteAppError(w, apperr.Validation("account_id", "account_id is required"))
		return
	}

	tok, err := h.service.IssueToken(r.Context(), req.AccountID, httputil.ClientIP(r), r.UserAgent())
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, IssueTokenResponse{
		Status:    "sent",
		AccountID: tok.AccountID,
		ExpiresIn: h.expiresIn,
	})
}

// redeem handles GET /verification/{token}. Every outcome carries the
// redemption body; expired and unknown tokens get 410 and 404.
func (h *VerificationHandlers) redeem(w http.ResponseWriter, r *http.Request) {
	value, ok := httputil.ParsePathStringOrError(w, r, "token")
	if !ok {
		return
	}

	red, err := h.service.Redeem(r.Context(), value)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, redemptionStatus(red.Result), red)
}

func redemptionStatus(res verification.Result) int {
	switch res {
	case verification.ResultExpired:
		return http.StatusGone
	case verification.ResultInvalidToken:
		return http.StatusNotFound
	default:
		return http.StatusOK
	}
}

