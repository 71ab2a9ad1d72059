package chatusers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/chatquota/pkg/apperr"
)

// Querier is satisfied by *sql.DB and *sql.Tx
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const userColumns = `id, phone, display_name, email, tier, questions_asked, question_limit,
	active, terms_accepted, terms_accepted_at, email_verified, email_verified_at,
	account_id, first_question_at, last_message_at, created_at, updated_at`

// Store persists chat users in PostgreSQL
type Store struct{}

// NewStore creates a chat user store
func NewStore() *Store {
	return &Store{}
}

func scanUser(row *sql.Row) (*ChatUser, error) {
	var u ChatUser
	err := row.Scan(
		&u.ID, &u.Phone, &u.DisplayName, &u.Email, &u.Tier, &u.QuestionsAsked, &u.QuestionLimit,
		&u.Active, &u.TermsAccepted, &u.TermsAcceptedAt, &u.EmailVerified, &u.EmailVerifiedAt,
		&u.AccountID, &u.FirstQuestionAt, &u.LastMessageAt, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetByPhone loads a user without locking
func (s *Store) GetByPhone(ctx context.Context, q Querier, phone string) (*ChatUser, error) {
	u, err := scanUser(q.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM chat_users WHERE phone = $1", phone))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("chat user", phone)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat user: %w", err)
	}
	return u, nil
}

// LockByPhone loads a user and holds its row lock until tx ends
func (s *Store) LockByPhone(ctx context.Context, tx *sql.Tx, phone string) (*ChatUser, error) {
	u, err := scanUser(tx.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM chat_users WHERE phone = $1 FOR UPDATE", phone))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("chat user", phone)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock chat user: %w", err)
	}
	return u, nil
}

// LockByID loads a user by primary key and holds its row lock until tx ends
func (s *Store) LockByID(ctx context.Context, tx *sql.Tx, id int64) (*ChatUser, error) {
	u, err := scanUser(tx.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM chat_users WHERE id = $1 FOR UPDATE", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("chat user", fmt.Sprintf("id=%d", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock chat user: %w", err)
	}
	return u, nil
}

// Create inserts a new user. It returns (nil, nil) if another transaction
// created the same phone first.
func (s *Store) Create(ctx context.Context, q Querier, u *ChatUser) (*ChatUser, error) {
	created, err := scanUser(q.QueryRowContext(ctx, `
		INSERT INTO chat_users (phone, display_name, email, tier, questions_asked, question_limit,
			active, email_verified, email_verified_at, account_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (phone) DO NOTHING
		RETURNING `+userColumns,
		u.Phone, u.DisplayName, u.Email, u.Tier, u.QuestionsAsked, u.QuestionLimit,
		u.EmailVerified, u.EmailVerifiedAt, u.AccountID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create chat user: %w", err)
	}
	return created, nil
}

// GetOrCreateLocked returns the user for phone with its row locked, creating
// it as a trial user when the phone has never been seen
func (s *Store) GetOrCreateLocked(ctx context.Context, tx *sql.Tx, phone string, trialLimit int) (*ChatUser, bool, error) {
	u, err := s.LockByPhone(ctx, tx, phone)
	if err == nil {
		return u, false, nil
	}
	if !apperr.IsNotFound(err) {
		return nil, false, err
	}

	u, err = s.Create(ctx, tx, &ChatUser{Phone: phone, Tier: TierTrial, QuestionLimit: trialLimit})
	if err != nil {
		return nil, false, err
	}
	if u != nil {
		return u, true, nil
	}

	// Lost the insert race; the winner's row is visible once it commits.
	u, err = s.LockByPhone(ctx, tx, phone)
	return u, false, err
}

// FindForIdentityLocked finds the user linked to an account, by account id,
// email or phone in that order of preference, and locks it
func (s *Store) FindForIdentityLocked(ctx context.Context, tx *sql.Tx, accountID int64, email, phone string) (*ChatUser, error) {
	u, err := scanUser(tx.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM chat_users
		WHERE account_id = $1
		   OR ($2 <> '' AND LOWER(email) = LOWER($2))
		   OR ($3 <> '' AND phone = $3)
		ORDER BY (account_id = $1) DESC NULLS LAST, (LOWER(email) = LOWER($2)) DESC NULLS LAST, id
		LIMIT 1
		FOR UPDATE`, accountID, email, phone))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find chat user for account: %w", err)
	}
	return u, nil
}

// RecordQuestion increments the counter of a locked user
func (s *Store) RecordQuestion(ctx context.Context, tx *sql.Tx, u *ChatUser, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE chat_users
		SET questions_asked = questions_asked + 1,
		    first_question_at = COALESCE(first_question_at, $2),
		    last_message_at = $2,
		    updated_at = $2
		WHERE id = $1`, u.ID, now)
	if err != nil {
		return fmt.Errorf("failed to record question: %w", err)
	}

	u.QuestionsAsked++
	if u.FirstQuestionAt == nil {
		u.FirstQuestionAt = &now
	}
	u.LastMessageAt = &now
	u.UpdatedAt = now
	return nil
}

// TouchLastMessage records activity for a refused question
func (s *Store) TouchLastMessage(ctx context.Context, tx *sql.Tx, u *ChatUser, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		"UPDATE chat_users SET last_message_at = $2, updated_at = $2 WHERE id = $1", u.ID, now); err != nil {
		return fmt.Errorf("failed to touch chat user: %w", err)
	}
	u.LastMessageAt = &now
	return nil
}

// SetTier overwrites tier and limit of a locked user. The question counter
// is never reset.
func (s *Store) SetTier(ctx context.Context, tx *sql.Tx, u *ChatUser, tier Tier, limit int) error {
	if _, err := tx.ExecContext(ctx,
		"UPDATE chat_users SET tier = $2, question_limit = $3, updated_at = NOW() WHERE id = $1",
		u.ID, tier, limit); err != nil {
		return fmt.Errorf("failed to set tier: %w", err)
	}
	u.Tier = tier
	u.QuestionLimit = limit
	return nil
}

// PromoteToVerified raises a trial user to verified. Verified and premium
// users are left untouched. It reports whether the tier changed.
func (s *Store) PromoteToVerified(ctx context.Context, tx *sql.Tx, u *ChatUser, verifiedLimit int) (bool, error) {
	if u.Tier.rank() >= TierVerified.rank() {
		return false, nil
	}
	if err := s.SetTier(ctx, tx, u, TierVerified, verifiedLimit); err != nil {
		return false, err
	}
	return true, nil
}

// MarkEmailVerified records a verified email and optional account link
func (s *Store) MarkEmailVerified(ctx context.Context, tx *sql.Tx, u *ChatUser, email string, accountID *int64, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE chat_users
		SET email = $2, email_verified = TRUE, email_verified_at = $3,
		    account_id = COALESCE($4, account_id), updated_at = $3
		WHERE id = $1`, u.ID, email, now, accountID); err != nil {
		return fmt.Errorf("failed to mark email verified: %w", err)
	}
	u.Email = &email
	u.EmailVerified = true
	u.EmailVerifiedAt = &now
	if accountID != nil {
		u.AccountID = accountID
	}
	return nil
}

// AcceptTerms records terms acceptance
func (s *Store) AcceptTerms(ctx context.Context, tx *sql.Tx, u *ChatUser, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		"UPDATE chat_users SET terms_accepted = TRUE, terms_accepted_at = $2, updated_at = $2 WHERE id = $1",
		u.ID, now); err != nil {
		return fmt.Errorf("failed to accept terms: %w", err)
	}
	u.TermsAccepted = true
	u.TermsAcceptedAt = &now
	return nil
}

// SetDisplayName updates the display name
func (s *Store) SetDisplayName(ctx context.Context, tx *sql.Tx, u *ChatUser, name string) error {
	if _, err := tx.ExecContext(ctx,
		"UPDATE chat_users SET display_name = $2, updated_at = NOW() WHERE id = $1", u.ID, name); err != nil {
		return fmt.Errorf("failed to set display name: %w", err)
	}
	u.DisplayName = name
	return nil
}
