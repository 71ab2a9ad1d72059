package verification

import "time"

// Result is the outcome of redeeming a token. Expired and unknown tokens are
// results, not errors.
type Result string

const (
	ResultSuccess         Result = "success"
	ResultAlreadyVerified Result = "already_verified"
	ResultExpired         Result = "expired"
	ResultInvalidToken    Result = "invalid_token"
)

// Token is a verification token issued to an account
type Token struct {
	ID         int64      `json:"id"`
	AccountID  int64      `json:"account_id"`
	Value      string     `json:"-"`
	Verified   bool       `json:"verified"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	IPAddress  string     `json:"ip_address"`
	UserAgent  string     `json:"user_agent"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Expired reports whether the token is older than lifetime at now
func (t *Token) Expired(now time.Time, lifetime time.Duration) bool {
	return now.Sub(t.CreatedAt) > lifetime
}

// Redemption describes what a successful redeem changed
type Redemption struct {
	Result     Result `json:"result"`
	AccountID  int64  `json:"account_id,omitempty"`
	ChatUserID int64  `json:"chat_user_id,omitempty"`
	Upgraded   bool   `json:"upgraded"`
}
