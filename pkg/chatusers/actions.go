package chatusers

import (
	"context"
	"database/sql"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/platinummonkey/chatquota/pkg/apperr"
	"github.com/platinummonkey/chatquota/pkg/observability"
	"github.com/platinummonkey/chatquota/pkg/settings"
	"github.com/platinummonkey/chatquota/pkg/storage/postgres"
)

// Action is one of the profile updates the account layer may request
type Action int

const (
	ActionAcceptTerms Action = iota + 1
	ActionSetName
	ActionVerifyEmail
	ActionUpgradePlan
)

var actionTags = map[string]Action{
	"accept_terms": ActionAcceptTerms,
	"set_name":     ActionSetName,
	"verify_email": ActionVerifyEmail,
	"upgrade_plan": ActionUpgradePlan,
}

// ParseAction converts a wire tag into an Action. Unknown tags are rejected
// here, before any handler runs.
func ParseAction(tag string) (Action, error) {
	if a, ok := actionTags[strings.ToLower(strings.TrimSpace(tag))]; ok {
		return a, nil
	}
	return 0, apperr.Validation("action", "unknown action %q", tag)
}

func (a Action) String() string {
	for tag, v := range actionTags {
		if v == a {
			return tag
		}
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// ActionPayload carries the fields used by the different actions
type ActionPayload struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Plan  string `json:"plan,omitempty"`
}

// Service applies profile actions to chat users
type Service struct {
	db       *sql.DB
	store    *Store
	settings *settings.Store
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewService creates a chat user service
func NewService(db *sql.DB, store *Store, settingsStore *settings.Store, metrics *observability.Metrics) *Service {
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &Service{
		db:       db,
		store:    store,
		settings: settingsStore,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Get loads a user by normalized phone
func (s *Service) Get(ctx context.Context, phone string) (*ChatUser, error) {
	return s.store.GetByPhone(ctx, s.db, phone)
}

// Apply runs one action against the user identified by phone
func (s *Service) Apply(ctx context.Context, phone string, action Action, payload ActionPayload) (*ChatUser, error) {
	var handler func(ctx context.Context, tx *sql.Tx, u *ChatUser, payload ActionPayload) error
	switch action {
	case ActionAcceptTerms:
		handler = s.acceptTerms
	case ActionSetName:
		handler = s.setName
	case ActionVerifyEmail:
		handler = s.verifyEmail
	case ActionUpgradePlan:
		handler = s.upgradePlan
	default:
		return nil, apperr.Validation("action", "unsupported action %s", action)
	}

	var user *ChatUser
	err := postgres.WithTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		u, err := s.store.LockByPhone(ctx, tx, phone)
		if err != nil {
			return err
		}
		if err := handler(ctx, tx, u, payload); err != nil {
			return err
		}
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.FromContext(ctx).WithFields(map[string]interface{}{
		"action":  action.String(),
		"user_id": user.ID,
	}).Info("chat user updated")
	return user, nil
}

func (s *Service) acceptTerms(ctx context.Context, tx *sql.Tx, u *ChatUser, _ ActionPayload) error {
	if u.TermsAccepted {
		return nil
	}
	return s.store.AcceptTerms(ctx, tx, u, s.now())
}

func (s *Service) setName(ctx context.Context, tx *sql.Tx, u *ChatUser, payload ActionPayload) error {
	name := strings.TrimSpace(payload.Name)
	if len([]rune(name)) < 2 {
		return apperr.Validation("name", "name must have at least 2 characters")
	}
	if len([]rune(name)) > 200 {
		return apperr.Validation("name", "name must have at most 200 characters")
	}
	return s.store.SetDisplayName(ctx, tx, u, name)
}

func (s *Service) verifyEmail(ctx context.Context, tx *sql.Tx, u *ChatUser, payload ActionPayload) error {
	addr, err := mail.ParseAddress(strings.TrimSpace(payload.Email))
	if err != nil {
		return apperr.Validation("email", "invalid email address")
	}
	if err := s.store.MarkEmailVerified(ctx, tx, u, strings.ToLower(addr.Address), nil, s.now()); err != nil {
		return err
	}
	return s.promote(ctx, tx, u, "verify_email")
}

func (s *Service) upgradePlan(ctx context.Context, tx *sql.Tx, u *ChatUser, payload ActionPayload) error {
	tier, err := ParseTier(payload.Plan)
	if err != nil {
		return err
	}
	switch tier {
	case TierPremium:
		return apperr.Validation("plan", "premium is granted by payment confirmation only")
	case TierTrial:
		return apperr.Validation("plan", "cannot downgrade to trial")
	}
	return s.promote(ctx, tx, u, "upgrade_plan")
}

func (s *Service) promote(ctx context.Context, tx *sql.Tx, u *ChatUser, source string) error {
	from := u.Tier
	changed, err := s.store.PromoteToVerified(ctx, tx, u, s.settings.Current().VerifiedLimit)
	if err != nil {
		return err
	}
	if changed {
		s.metrics.TierTransitionsTotal.WithLabelValues(string(from), string(u.Tier), source).Inc()
	}
	return nil
}
