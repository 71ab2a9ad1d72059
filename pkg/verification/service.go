package verification

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/chatquota/pkg/apperr"
	"github.com/platinummonkey/chatquota/pkg/async"
	"github.com/platinummonkey/chatquota/pkg/chatusers"
	"github.com/platinummonkey/chatquota/pkg/observability"
	"github.com/platinummonkey/chatquota/pkg/settings"
	"github.com/platinummonkey/chatquota/pkg/storage/postgres"
)

const (
	tokenBytes        = 48
	maxUserAgentRunes = 500
	mailTimeout       = 30 * time.Second
)

// Config configures the token service
type Config struct {
	Lifetime time.Duration
	BaseURL  string
}

// Service issues and redeems verification tokens
type Service struct {
	db       *sql.DB
	users    *chatusers.Store
	settings *settings.Store
	mailer   Mailer
	metrics  *observability.Metrics
	cfg      Config
	now      func() time.Time
}

// NewService creates a verification token service
func NewService(db *sql.DB, users *chatusers.Store, settingsStore *settings.Store, mailer Mailer, metrics *observability.Metrics, cfg Config) *Service {
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = time.Hour
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &Service{
		db:       db,
		users:    users,
		settings: settingsStore,
		mailer:   mailer,
		metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
	}
}

// IssueToken replaces any token of the account with a fresh one and mails
// the verification link. Delivery happens in the background and its failure
// is only logged.
func (s *Service) IssueToken(ctx context.Context, accountID int64, ip, userAgent string) (*Token, error) {
	value, err := newTokenValue()
	if err != nil {
		return nil, err
	}

	tok := &Token{
		AccountID: accountID,
		Value:     value,
		IPAddress: ip,
		UserAgent: truncate(userAgent, maxUserAgentRunes),
		CreatedAt: s.now(),
	}

	var email, name string
	err = postgres.WithTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		// the account row lock makes delete-then-insert atomic per account
		err := tx.QueryRowContext(ctx,
			"SELECT email, full_name FROM accounts WHERE id = $1 FOR UPDATE", accountID).Scan(&email, &name)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("account", fmt.Sprintf("%d", accountID))
		}
		if err != nil {
			return fmt.Errorf("failed to load account: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM verification_tokens WHERE account_id = $1", accountID); err != nil {
			return fmt.Errorf("failed to delete previous token: %w", err)
		}

		return tx.QueryRowContext(ctx, `
			INSERT INTO verification_tokens (account_id, token, ip_address, user_agent, created_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,
			tok.AccountID, tok.Value, tok.IPAddress, tok.UserAgent, tok.CreatedAt,
		).Scan(&tok.ID)
	})
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	s.metrics.TokensIssuedTotal.Inc()

	msg := verificationMessage(email, name, s.cfg.BaseURL+"/"+tok.Value)
	async.SafeGo(ctx, mailTimeout, "send_verification_email", func(ctx context.Context) error {
		if err := s.mailer.Send(ctx, msg); err != nil {
			return fmt.Errorf("failed to send verification email: %w", err)
		}
		return nil
	})

	return tok, nil
}

// Redeem consumes a token. Checks run in order: unknown, already verified,
// expired. Only a token passing all three changes any state.
func (s *Service) Redeem(ctx context.Context, value string) (*Redemption, error) {
	ctx, span := observability.StartSpan(ctx, "verification.Redeem")
	defer span.End()

	red, err := s.redeem(ctx, value)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.metrics.TokenRedemptions.WithLabelValues(string(red.Result)).Inc()
	return red, nil
}

func (s *Service) redeem(ctx context.Context, value string) (*Redemption, error) {
	if value == "" {
		return &Redemption{Result: ResultInvalidToken}, nil
	}

	tok, err := s.getToken(ctx, s.db, value, false)
	if err != nil {
		return nil, err
	}
	if result, done := s.precheck(tok); done {
		return &Redemption{Result: result}, nil
	}

	snap := s.settings.Current()
	red := &Redemption{AccountID: tok.AccountID}

	err = postgres.WithTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		tok, err := s.getToken(ctx, tx, value, true)
		if err != nil {
			return err
		}
		if result, done := s.precheck(tok); done {
			red.Result = result
			return nil
		}

		now := s.now()
		if _, err := tx.ExecContext(ctx,
			"UPDATE verification_tokens SET verified = TRUE, verified_at = $2 WHERE id = $1",
			tok.ID, now); err != nil {
			return fmt.Errorf("failed to mark token verified: %w", err)
		}

		var (
			email string
			phone *string
		)
		err = tx.QueryRowContext(ctx,
			"UPDATE accounts SET active = TRUE WHERE id = $1 RETURNING email, phone",
			tok.AccountID).Scan(&email, &phone)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("account", fmt.Sprintf("%d", tok.AccountID))
		}
		if err != nil {
			return fmt.Errorf("failed to activate account: %w", err)
		}

		userID, upgraded, err := s.upgradeChatUser(ctx, tx, tok.AccountID, strings.ToLower(email), phone, snap, now)
		if err != nil {
			return err
		}
		red.Result = ResultSuccess
		red.ChatUserID = userID
		red.Upgraded = upgraded
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to redeem token: %w", err)
	}

	if red.Result == ResultSuccess {
		observability.FromContext(ctx).WithFields(map[string]interface{}{
			"account_id":   red.AccountID,
			"chat_user_id": red.ChatUserID,
			"upgraded":     red.Upgraded,
		}).Info("email verified")
	}
	return red, nil
}

// upgradeChatUser links the verified account to its chat user and raises a
// trial user to verified. Premium users keep their tier. When no chat user
// exists yet one is created as verified if the account has a phone.
func (s *Service) upgradeChatUser(ctx context.Context, tx *sql.Tx, accountID int64, email string, rawPhone *string, snap settings.Snapshot, now time.Time) (int64, bool, error) {
	var phone string
	if rawPhone != nil && *rawPhone != "" {
		p, err := chatusers.NormalizePhone(*rawPhone)
		if err != nil {
			observability.FromContext(ctx).WithError(err).WithField("account_id", accountID).
				Warn("ignoring invalid account phone")
		} else {
			phone = p
		}
	}

	u, err := s.users.FindForIdentityLocked(ctx, tx, accountID, email, phone)
	if err != nil {
		return 0, false, err
	}

	if u == nil {
		if phone == "" {
			return 0, false, nil
		}
		u, err = s.users.Create(ctx, tx, &chatusers.ChatUser{
			Phone:           phone,
			Email:           &email,
			Tier:            chatusers.TierVerified,
			QuestionLimit:   snap.VerifiedLimit,
			EmailVerified:   true,
			EmailVerifiedAt: &now,
			AccountID:       &accountID,
		})
		if err != nil {
			return 0, false, err
		}
		if u == nil {
			return 0, false, apperr.Conflict("chat user %s was created concurrently", phone)
		}
		s.metrics.ChatUsersCreated.Inc()
		s.metrics.TierTransitionsTotal.WithLabelValues("none", string(chatusers.TierVerified), "verification").Inc()
		return u.ID, true, nil
	}

	if err := s.users.MarkEmailVerified(ctx, tx, u, email, &accountID, now); err != nil {
		return 0, false, err
	}
	from := u.Tier
	changed, err := s.users.PromoteToVerified(ctx, tx, u, snap.VerifiedLimit)
	if err != nil {
		return 0, false, err
	}
	if changed {
		s.metrics.TierTransitionsTotal.WithLabelValues(string(from), string(u.Tier), "verification").Inc()
	}
	return u.ID, changed, nil
}

func (s *Service) precheck(tok *Token) (Result, bool) {
	switch {
	case tok == nil:
		return ResultInvalidToken, true
	case tok.Verified:
		return ResultAlreadyVerified, true
	case tok.Expired(s.now(), s.cfg.Lifetime):
		return ResultExpired, true
	}
	return "", false
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Service) getToken(ctx context.Context, q querier, value string, lock bool) (*Token, error) {
	query := `SELECT id, account_id, token, verified, verified_at, ip_address, user_agent, created_at
		FROM verification_tokens WHERE token = $1`
	if lock {
		query += " FOR UPDATE"
	}

	var t Token
	err := q.QueryRowContext(ctx, query, value).Scan(
		&t.ID, &t.AccountID, &t.Value, &t.Verified, &t.VerifiedAt, &t.IPAddress, &t.UserAgent, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return &t, nil
}

// CleanupExpired deletes unverified tokens older than the lifetime
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.cfg.Lifetime)
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM verification_tokens WHERE verified = FALSE AND created_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted tokens: %w", err)
	}
	s.metrics.TokensCleanedTotal.Add(float64(n))
	return n, nil
}

func newTokenValue() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
