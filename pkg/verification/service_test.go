package verification

import (
	"context"
	"database/sql"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/chatquota/pkg/apperr"
	"github.com/platinummonkey/chatquota/pkg/chatusers"
	"github.com/platinummonkey/chatquota/pkg/settings"
)

var (
	fixedNow     = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tokenColumns = []string{"id", "account_id", "token", "verified", "verified_at", "ip_address", "user_agent", "created_at"}
	userColumns  = []string{
		"id", "phone", "display_name", "email", "tier", "questions_asked", "question_limit",
		"active", "terms_accepted", "terms_accepted_at", "email_verified", "email_verified_at",
		"account_id", "first_question_at", "last_message_at", "created_at", "updated_at",
	}
)

type chanMailer struct {
	sent chan Message
}

func (m *chanMailer) Send(ctx context.Context, msg Message) error {
	m.sent <- msg
	return nil
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, *chanMailer) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mailer := &chanMailer{sent: make(chan Message, 1)}
	svc := NewService(db, chatusers.NewStore(), settings.NewStaticStore(settings.Defaults()), mailer, nil,
		Config{Lifetime: time.Hour, BaseURL: "https://multibpo.com.br/verificar/"})
	svc.now = func() time.Time { return fixedNow }
	return svc, mock, mailer
}

func tokenRow(verified bool, createdAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(tokenColumns).AddRow(int64(11), int64(5), "tok", verified, nil, "10.0.0.1", "curl", createdAt)
}

func userRow(tier chatusers.Tier, asked, limit int) *sqlmock.Rows {
	return sqlmock.NewRows(userColumns).AddRow(
		int64(1), "+5511999990000", "Ana", nil, string(tier), asked, limit,
		true, true, fixedNow, false, nil,
		nil, nil, nil, fixedNow, fixedNow,
	)
}

func TestIssueToken(t *testing.T) {
	svc, mock, mailer := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT email, full_name FROM accounts WHERE id = \\$1 FOR UPDATE").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"email", "full_name"}).AddRow("ana@example.com", "Ana"))
	mock.ExpectExec("DELETE FROM verification_tokens WHERE account_id").
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO verification_tokens").
		WithArgs(int64(5), sqlmock.AnyArg(), "10.0.0.1", strings.Repeat("a", 500), fixedNow).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(12)))
	mock.ExpectCommit()

	tok, err := svc.IssueToken(context.Background(), 5, "10.0.0.1", strings.Repeat("a", 900))
	require.NoError(t, err)
	assert.Equal(t, int64(12), tok.ID)

	raw, err := base64.RawURLEncoding.DecodeString(tok.Value)
	require.NoError(t, err)
	assert.Len(t, raw, 48)

	select {
	case msg := <-mailer.sent:
		assert.Equal(t, "ana@example.com", msg.To)
		assert.Contains(t, msg.Body, "https://multibpo.com.br/verificar/"+tok.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("verification email was not sent")
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIssueToken_UnknownAccount(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM accounts").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := svc.IssueToken(context.Background(), 99, "", "")
	assert.True(t, apperr.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedeem_Prechecks(t *testing.T) {
	tests := []struct {
		name string
		rows *sqlmock.Rows
		err  error
		want Result
	}{
		{"unknown token", nil, sql.ErrNoRows, ResultInvalidToken},
		{"already verified", tokenRow(true, fixedNow), nil, ResultAlreadyVerified},
		{"verified wins over expired", tokenRow(true, fixedNow.Add(-48*time.Hour)), nil, ResultAlreadyVerified},
		{"expired", tokenRow(false, fixedNow.Add(-61*time.Minute)), nil, ResultExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, mock, _ := newTestService(t)
			q := mock.ExpectQuery("FROM verification_tokens WHERE token").WithArgs("tok")
			if tt.err != nil {
				q.WillReturnError(tt.err)
			} else {
				q.WillReturnRows(tt.rows)
			}

			red, err := svc.Redeem(context.Background(), "tok")
			require.NoError(t, err)
			assert.Equal(t, tt.want, red.Result)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRedeem_EmptyToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	red, err := svc.Redeem(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, ResultInvalidToken, red.Result)
}

func expectRedeemStart(mock sqlmock.Sqlmock, phone interface{}) {
	mock.ExpectQuery("FROM verification_tokens WHERE token").WillReturnRows(tokenRow(false, fixedNow.Add(-10*time.Minute)))
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(tokenRow(false, fixedNow.Add(-10*time.Minute)))
	mock.ExpectExec("UPDATE verification_tokens SET verified = TRUE").
		WithArgs(int64(11), fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("UPDATE accounts SET active = TRUE").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"email", "phone"}).AddRow("Ana@Example.com", phone))
}

func TestRedeem_UpgradesTrialUser(t *testing.T) {
	svc, mock, _ := newTestService(t)

	expectRedeemStart(mock, nil)
	mock.ExpectQuery("WHERE account_id = \\$1").
		WithArgs(int64(5), "ana@example.com", "").
		WillReturnRows(userRow(chatusers.TierTrial, 3, 3))
	mock.ExpectExec("email_verified = TRUE").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE chat_users SET tier").
		WithArgs(int64(1), "verified", 10).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	red, err := svc.Redeem(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, red.Result)
	assert.True(t, red.Upgraded)
	assert.Equal(t, int64(1), red.ChatUserID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedeem_PremiumStaysPremium(t *testing.T) {
	svc, mock, _ := newTestService(t)

	expectRedeemStart(mock, nil)
	mock.ExpectQuery("WHERE account_id = \\$1").WillReturnRows(userRow(chatusers.TierPremium, 40, 10))
	mock.ExpectExec("email_verified = TRUE").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	red, err := svc.Redeem(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, red.Result)
	assert.False(t, red.Upgraded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedeem_CreatesVerifiedUserFromAccountPhone(t *testing.T) {
	svc, mock, _ := newTestService(t)

	expectRedeemStart(mock, "(11) 99999-0000")
	mock.ExpectQuery("WHERE account_id = \\$1").
		WithArgs(int64(5), "ana@example.com", "+5511999990000").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO chat_users").
		WithArgs("+5511999990000", "", "ana@example.com", "verified", 0, 10, true, fixedNow, int64(5)).
		WillReturnRows(userRow(chatusers.TierVerified, 0, 10))
	mock.ExpectCommit()

	red, err := svc.Redeem(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, red.Result)
	assert.True(t, red.Upgraded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedeem_NoChatUserWithoutPhone(t *testing.T) {
	svc, mock, _ := newTestService(t)

	expectRedeemStart(mock, nil)
	mock.ExpectQuery("WHERE account_id = \\$1").WillReturnError(sql.ErrNoRows)
	mock.ExpectCommit()

	red, err := svc.Redeem(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, red.Result)
	assert.Zero(t, red.ChatUserID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedeem_ConcurrentRedeemSeesVerified(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectQuery("FROM verification_tokens WHERE token").WillReturnRows(tokenRow(false, fixedNow))
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(tokenRow(true, fixedNow))
	mock.ExpectCommit()

	red, err := svc.Redeem(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, ResultAlreadyVerified, red.Result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupExpired(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectExec("DELETE FROM verification_tokens WHERE verified = FALSE AND created_at < \\$1").
		WithArgs(fixedNow.Add(-time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := svc.CleanupExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewCleanupScheduler(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := NewCleanupScheduler(svc, "not a schedule", nil)
	assert.Error(t, err)

	s, err := NewCleanupScheduler(svc, "@hourly", nil)
	require.NoError(t, err)
	s.Start()
	require.NoError(t, s.Stop(context.Background()))
}
