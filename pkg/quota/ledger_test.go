package quota

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/chatquota/pkg/chatusers"
	"github.com/platinummonkey/chatquota/pkg/messaging"
	"github.com/platinummonkey/chatquota/pkg/observability"
	"github.com/platinummonkey/chatquota/pkg/settings"
)

const testPhone = "+5511999990000"

var userColumns = []string{
	"id", "phone", "display_name", "email", "tier", "questions_asked", "question_limit",
	"active", "terms_accepted", "terms_accepted_at", "email_verified", "email_verified_at",
	"account_id", "first_question_at", "last_message_at", "created_at", "updated_at",
}

func userRow(tier chatusers.Tier, asked, limit int) *sqlmock.Rows {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return sqlmock.NewRows(userColumns).AddRow(
		int64(1), testPhone, "Ana", nil, string(tier), asked, limit,
		true, true, now, false, nil,
		nil, nil, nil, now, now,
	)
}

func newLedger(t *testing.T, snap settings.Snapshot) (*Ledger, sqlmock.Sqlmock, *observability.Metrics) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	l := NewLedger(db, chatusers.NewStore(), settings.NewStaticStore(snap), metrics)
	return l, mock, metrics
}

func expectAllowed(mock sqlmock.Sqlmock, tier chatusers.Tier, asked, limit int) {
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs(testPhone).WillReturnRows(userRow(tier, asked, limit))
	mock.ExpectExec("SET questions_asked = questions_asked \\+ 1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO chat_messages").
		WithArgs(int64(1), sqlmock.AnyArg(), true, string(tier), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
}

func TestRecordQuestion_AllowsUpToLimit(t *testing.T) {
	l, mock, metrics := newLedger(t, settings.Defaults())
	expectAllowed(mock, chatusers.TierTrial, 2, 3)

	d, err := l.RecordQuestion(context.Background(), testPhone, "Como declaro meu MEI?")
	require.NoError(t, err)

	assert.True(t, d.Allowed)
	assert.Equal(t, 3, d.Used)
	assert.Equal(t, 0, d.Remaining)
	assert.Nil(t, d.Prompt)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.QuotaDecisionsTotal.WithLabelValues("trial", OutcomeAllowed)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordQuestion_RefusesAtLimit(t *testing.T) {
	l, mock, _ := newLedger(t, settings.Defaults())

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(userRow(chatusers.TierTrial, 3, 3))
	mock.ExpectExec("SET last_message_at").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO chat_messages").
		WithArgs(int64(1), sqlmock.AnyArg(), false, "trial", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	d, err := l.RecordQuestion(context.Background(), testPhone, "mais uma")
	require.NoError(t, err)

	assert.False(t, d.Allowed)
	assert.Equal(t, 3, d.Used, "refused questions are not counted")
	require.NotNil(t, d.Prompt)
	assert.Equal(t, messaging.NextSignup, d.Prompt.NextAction)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordQuestion_PremiumIsUnlimited(t *testing.T) {
	l, mock, _ := newLedger(t, settings.Defaults())
	expectAllowed(mock, chatusers.TierPremium, 5000, 10)

	d, err := l.RecordQuestion(context.Background(), testPhone, "pergunta")
	require.NoError(t, err)

	assert.True(t, d.Allowed)
	assert.Equal(t, Unlimited, d.Remaining)
	assert.Equal(t, 5001, d.Used)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordQuestion_NewUser(t *testing.T) {
	l, mock, metrics := newLedger(t, settings.Defaults())

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO chat_users").WillReturnRows(userRow(chatusers.TierTrial, 0, 3))
	mock.ExpectExec("SET questions_asked").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO chat_messages").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	d, err := l.RecordQuestion(context.Background(), testPhone, "oi")
	require.NoError(t, err)

	assert.True(t, d.NewUser)
	assert.Equal(t, 2, d.Remaining)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ChatUsersCreated))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordQuestion_RetriesDeadlock(t *testing.T) {
	l, mock, metrics := newLedger(t, settings.Defaults())

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnError(&pq.Error{Code: "40P01"})
	mock.ExpectRollback()
	expectAllowed(mock, chatusers.TierVerified, 4, 10)

	d, err := l.RecordQuestion(context.Background(), testPhone, "pergunta")
	require.NoError(t, err)

	assert.True(t, d.Allowed)
	assert.Equal(t, 5, d.Remaining)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.QuotaRetriesTotal))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordQuestion_StorageFailureIsAnError(t *testing.T) {
	l, mock, _ := newLedger(t, settings.Defaults())

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	d, err := l.RecordQuestion(context.Background(), testPhone, "pergunta")
	assert.Error(t, err)
	assert.Nil(t, d)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordQuestion_ChatDisabled(t *testing.T) {
	snap := settings.Defaults()
	snap.ChatEnabled = false
	l, mock, _ := newLedger(t, snap)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(userRow(chatusers.TierTrial, 0, 3))
	mock.ExpectExec("INSERT INTO chat_messages").
		WithArgs(int64(1), sqlmock.AnyArg(), false, "trial", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	d, err := l.RecordQuestion(context.Background(), testPhone, "pergunta")
	require.NoError(t, err)

	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Used)
	require.NotNil(t, d.Prompt)
	assert.Equal(t, snap.LimitReachedMessage, d.Prompt.Message)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordQuestion_TruncatesPreview(t *testing.T) {
	l, mock, _ := newLedger(t, settings.Defaults())
	long := strings.Repeat("é", 800)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(userRow(chatusers.TierVerified, 0, 10))
	mock.ExpectExec("SET questions_asked").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO chat_messages").
		WithArgs(int64(1), strings.Repeat("é", 500), true, "verified", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	_, err := l.RecordQuestion(context.Background(), testPhone, long)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheck(t *testing.T) {
	t.Run("verified at limit gets premium prompt", func(t *testing.T) {
		l, mock, _ := newLedger(t, settings.Defaults())

		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").WillReturnRows(userRow(chatusers.TierVerified, 10, 10))
		mock.ExpectCommit()

		ent, err := l.Check(context.Background(), testPhone)
		require.NoError(t, err)

		assert.False(t, ent.CanAsk)
		assert.False(t, ent.NeedsTerms)
		assert.False(t, ent.NeedsName)
		require.NotNil(t, ent.Prompt)
		assert.Equal(t, messaging.NextUpgradePremium, ent.Prompt.NextAction)
		assert.Contains(t, ent.Prompt.Message, "R$ 29,90")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("first contact creates a trial user", func(t *testing.T) {
		l, mock, _ := newLedger(t, settings.Defaults())

		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("INSERT INTO chat_users").WillReturnRows(userRow(chatusers.TierTrial, 0, 3))
		mock.ExpectCommit()

		ent, err := l.Check(context.Background(), testPhone)
		require.NoError(t, err)

		assert.True(t, ent.NewUser)
		assert.True(t, ent.CanAsk)
		assert.Equal(t, 3, ent.Remaining)
		assert.Nil(t, ent.Prompt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCanAsk(t *testing.T) {
	l, mock, _ := newLedger(t, settings.Defaults())

	mock.ExpectQuery("FROM chat_users WHERE phone").WillReturnError(sql.ErrNoRows)
	ok, err := l.CanAsk(context.Background(), testPhone)
	require.NoError(t, err)
	assert.True(t, ok, "unknown phones get the trial allowance")

	mock.ExpectQuery("FROM chat_users WHERE phone").WillReturnRows(userRow(chatusers.TierTrial, 3, 3))
	ok, err = l.CanAsk(context.Background(), testPhone)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
