package chatusers

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/platinummonkey/chatquota/pkg/apperr"
	"github.com/platinummonkey/chatquota/pkg/settings"
)

// Tier is the entitlement level of a chat user
type Tier string

const (
	TierTrial    Tier = "trial"
	TierVerified Tier = "verified"
	TierPremium  Tier = "premium"
)

// Unlimited is reported as the remaining question count for premium users.
// It is a plain large integer so callers can do arithmetic on it safely.
const Unlimited = math.MaxInt32

// ParseTier validates a tier name
func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierTrial, TierVerified, TierPremium:
		return t, nil
	}
	return "", apperr.Validation("tier", "unknown tier %q", s)
}

// rank orders tiers for upgrade checks
func (t Tier) rank() int {
	switch t {
	case TierVerified:
		return 1
	case TierPremium:
		return 2
	default:
		return 0
	}
}

// LimitFor returns the question ceiling stored for a tier. Premium has no
// ceiling; the verified limit is stored so a later downgrade starts from a
// sensible value.
func LimitFor(t Tier, snap settings.Snapshot) int {
	if t == TierTrial {
		return snap.TrialLimit
	}
	return snap.VerifiedLimit
}

// ChatUser is a phone-identified consumer of the assistant
type ChatUser struct {
	ID              int64      `json:"id"`
	Phone           string     `json:"phone"`
	DisplayName     string     `json:"display_name"`
	Email           *string    `json:"email,omitempty"`
	Tier            Tier       `json:"tier"`
	QuestionsAsked  int        `json:"questions_asked"`
	QuestionLimit   int        `json:"question_limit"`
	Active          bool       `json:"active"`
	TermsAccepted   bool       `json:"terms_accepted"`
	TermsAcceptedAt *time.Time `json:"terms_accepted_at,omitempty"`
	EmailVerified   bool       `json:"email_verified"`
	EmailVerifiedAt *time.Time `json:"email_verified_at,omitempty"`
	AccountID       *int64     `json:"account_id,omitempty"`
	FirstQuestionAt *time.Time `json:"first_question_at,omitempty"`
	LastMessageAt   *time.Time `json:"last_message_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// CanAsk reports whether one more question may be answered. The counter may
// reach exactly the limit; only a counter already at the limit is refused.
func (u *ChatUser) CanAsk() bool {
	if !u.Active {
		return false
	}
	if u.Tier == TierPremium {
		return true
	}
	return u.QuestionsAsked < u.QuestionLimit
}

// Remaining reports how many more questions the user may ask
func (u *ChatUser) Remaining() int {
	if u.Tier == TierPremium {
		return Unlimited
	}
	if r := u.QuestionLimit - u.QuestionsAsked; r > 0 {
		return r
	}
	return 0
}

// NeedsTerms reports whether the user still has to accept the terms
func (u *ChatUser) NeedsTerms() bool {
	return !u.TermsAccepted
}

// NeedsName reports whether the user still has to provide a display name
func (u *ChatUser) NeedsName() bool {
	return len([]rune(strings.TrimSpace(u.DisplayName))) < 2
}

var phonePattern = regexp.MustCompile(`^\+55\d{10,11}$`)

// NormalizePhone strips formatting, adds the Brazilian country code when it
// is missing and returns the number in +55DDNNNNNNNNN form
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return "", apperr.Validation("phone", "phone number is required")
	}
	if !strings.HasPrefix(digits, "55") {
		digits = "55" + digits
	}

	phone := "+" + digits
	if !phonePattern.MatchString(phone) {
		return "", apperr.Validation("phone", "invalid phone number %q", raw)
	}
	return phone, nil
}

// Digits returns the phone without the leading plus sign
func Digits(phone string) string {
	return strings.TrimPrefix(phone, "+")
}

// Transition describes a tier change for logging and metrics
type Transition struct {
	From   Tier
	To     Tier
	Source string
}

func (t Transition) String() string {
	return fmt.Sprintf("%s->%s (%s)", t.From, t.To, t.Source)
}
