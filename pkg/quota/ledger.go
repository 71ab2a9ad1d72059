package quota

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/chatquota/pkg/apperr"
	"github.com/platinummonkey/chatquota/pkg/chatusers"
	"github.com/platinummonkey/chatquota/pkg/messaging"
	"github.com/platinummonkey/chatquota/pkg/observability"
	"github.com/platinummonkey/chatquota/pkg/settings"
	"github.com/platinummonkey/chatquota/pkg/storage/postgres"
)

// Unlimited is the remaining count reported for premium users
const Unlimited = chatusers.Unlimited

const (
	maxTxAttempts   = 3
	maxPreviewRunes = 500
)

// Decision outcomes used in metrics and the message audit
const (
	OutcomeAllowed  = "allowed"
	OutcomeRefused  = "refused"
	OutcomeDisabled = "disabled"
)

// Decision is the result of recording a question
type Decision struct {
	Allowed   bool              `json:"allowed"`
	Remaining int               `json:"remaining"`
	Tier      chatusers.Tier    `json:"tier"`
	Limit     int               `json:"limit"`
	Used      int               `json:"used"`
	NewUser   bool              `json:"new_user"`
	Prompt    *messaging.Prompt `json:"prompt,omitempty"`
}

// Entitlement is the read view used before a question is answered
type Entitlement struct {
	UserID     int64             `json:"user_id"`
	CanAsk     bool              `json:"can_ask"`
	Tier       chatusers.Tier    `json:"tier"`
	Remaining  int               `json:"remaining"`
	Limit      int               `json:"limit"`
	Used       int               `json:"used"`
	NewUser    bool              `json:"new_user"`
	NeedsTerms bool              `json:"needs_terms"`
	NeedsName  bool              `json:"needs_name"`
	Prompt     *messaging.Prompt `json:"prompt,omitempty"`
}

// Ledger owns the question counters
type Ledger struct {
	db       *sql.DB
	users    *chatusers.Store
	settings *settings.Store
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewLedger creates a quota ledger
func NewLedger(db *sql.DB, users *chatusers.Store, settingsStore *settings.Store, metrics *observability.Metrics) *Ledger {
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &Ledger{
		db:       db,
		users:    users,
		settings: settingsStore,
		metrics:  metrics,
		now:      time.Now,
	}
}

// CanAsk reports whether the user may ask one more question without
// changing any state. Unknown phones are entitled to the trial allowance.
func (l *Ledger) CanAsk(ctx context.Context, phone string) (bool, error) {
	snap := l.settings.Current()
	if !snap.ChatEnabled {
		return false, nil
	}

	u, err := l.users.GetByPhone(ctx, l.db, phone)
	if apperr.IsNotFound(err) {
		return snap.TrialLimit > 0, nil
	}
	if err != nil {
		return false, err
	}
	return u.CanAsk(), nil
}

// Check loads the user, creating it as a trial user on first contact, and
// reports its entitlement. Counters are not changed.
func (l *Ledger) Check(ctx context.Context, phone string) (*Entitlement, error) {
	snap := l.settings.Current()

	var (
		user    *chatusers.ChatUser
		created bool
	)
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		user, created, err = l.users.GetOrCreateLocked(ctx, tx, phone, snap.TrialLimit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load chat user: %w", err)
	}
	if created {
		l.metrics.ChatUsersCreated.Inc()
	}

	ent := &Entitlement{
		UserID:     user.ID,
		CanAsk:     user.CanAsk(),
		Tier:       user.Tier,
		Remaining:  user.Remaining(),
		Limit:      user.QuestionLimit,
		Used:       user.QuestionsAsked,
		NewUser:    created,
		NeedsTerms: user.NeedsTerms(),
		NeedsName:  user.NeedsName(),
	}

	if !snap.ChatEnabled {
		p := messaging.Disabled(snap)
		ent.CanAsk = false
		ent.Prompt = &p
	} else if !ent.CanAsk {
		p := messaging.Render(snap, string(user.Tier), true, user.Phone)
		ent.Prompt = &p
	}
	return ent, nil
}

// RecordQuestion decides whether the question may be answered and, if so,
// counts it. Refused questions are audited but never counted.
func (l *Ledger) RecordQuestion(ctx context.Context, phone, preview string) (*Decision, error) {
	ctx, span := observability.StartSpan(ctx, "quota.RecordQuestion")
	defer span.End()

	snap := l.settings.Current()
	preview = truncate(preview, maxPreviewRunes)

	var (
		decision Decision
		outcome  string
	)
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		decision = Decision{}
		now := l.now()

		user, created, err := l.users.GetOrCreateLocked(ctx, tx, phone, snap.TrialLimit)
		if err != nil {
			return err
		}
		decision.NewUser = created

		switch {
		case !snap.ChatEnabled:
			outcome = OutcomeDisabled
		case user.CanAsk():
			outcome = OutcomeAllowed
			if err := l.users.RecordQuestion(ctx, tx, user, now); err != nil {
				return err
			}
		default:
			outcome = OutcomeRefused
			if err := l.users.TouchLastMessage(ctx, tx, user, now); err != nil {
				return err
			}
		}

		if err := insertMessage(ctx, tx, user, preview, outcome == OutcomeAllowed, now); err != nil {
			return err
		}

		decision.Allowed = outcome == OutcomeAllowed
		decision.Tier = user.Tier
		decision.Limit = user.QuestionLimit
		decision.Used = user.QuestionsAsked
		decision.Remaining = user.Remaining()

		switch outcome {
		case OutcomeDisabled:
			p := messaging.Disabled(snap)
			decision.Prompt = &p
		case OutcomeRefused:
			p := messaging.Render(snap, string(user.Tier), true, user.Phone)
			decision.Prompt = &p
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to record question: %w", err)
	}

	if decision.NewUser {
		l.metrics.ChatUsersCreated.Inc()
	}
	l.metrics.QuotaDecisionsTotal.WithLabelValues(string(decision.Tier), outcome).Inc()

	observability.FromContext(ctx).WithFields(map[string]interface{}{
		"tier":      decision.Tier,
		"outcome":   outcome,
		"used":      decision.Used,
		"remaining": decision.Remaining,
	}).Debug("question recorded")

	return &decision, nil
}

func (l *Ledger) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return postgres.WithRetryableTx(ctx, l.db, postgres.ReadCommitted, maxTxAttempts,
		func(attempt int, err error) {
			l.metrics.QuotaRetriesTotal.Inc()
			observability.FromContext(ctx).WithError(err).WithField("attempt", attempt).
				Warn("quota transaction aborted, retrying")
		}, fn)
}

func insertMessage(ctx context.Context, tx *sql.Tx, u *chatusers.ChatUser, preview string, allowed bool, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (chat_user_id, preview, allowed, tier, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		u.ID, preview, allowed, u.Tier, now)
	if err != nil {
		return fmt.Errorf("failed to insert chat message: %w", err)
	}
	return nil
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
