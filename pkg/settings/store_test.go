package settings

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/chatquota/pkg/observability"
)

type mapSource struct {
	name   string
	values map[string]string
	err    error
}

func (m *mapSource) Name() string { return m.name }
func (m *mapSource) Load(ctx context.Context) (map[string]string, error) {
	return m.values, m.err
}

func testLogger() (*observability.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return observability.NewLogger(observability.DebugLevel, &buf), &buf
}

func TestStore_DefaultsBeforeRefresh(t *testing.T) {
	logger, _ := testLogger()
	snap := NewStore(logger).Current()

	assert.Equal(t, 3, snap.TrialLimit)
	assert.Equal(t, 10, snap.VerifiedLimit)
	assert.Equal(t, 29.90, snap.MonthlyPrice)
	assert.Equal(t, "https://multibpo.com.br/cadastro", snap.SignupURL)
	assert.True(t, snap.ChatEnabled)
	assert.False(t, snap.LoadedAt.IsZero())
}

func TestStore_RefreshLayersSources(t *testing.T) {
	logger, buf := testLogger()
	file := &mapSource{name: "file", values: map[string]string{
		KeyTrialLimit:    "5",
		KeyMonthlyPrice:  "39.9",
		KeyPremiumURL:    "https://example.test/premium",
	}}
	db := &mapSource{name: "db", values: map[string]string{
		KeyTrialLimit:    "4",
		KeyVerifiedLimit: "-1",
		KeyChatEnabled:   "false",
		"legacy_key":     "x",
	}}

	store := NewStore(logger, file, db)
	require.NoError(t, store.Refresh(context.Background()))

	snap := store.Current()
	assert.Equal(t, 4, snap.TrialLimit, "later source wins")
	assert.Equal(t, 10, snap.VerifiedLimit, "invalid value keeps previous layer")
	assert.Equal(t, 39.90, snap.MonthlyPrice)
	assert.Equal(t, "https://example.test/premium", snap.PremiumURL)
	assert.False(t, snap.ChatEnabled)
	assert.Contains(t, buf.String(), "ignoring invalid setting")
	assert.Contains(t, buf.String(), "legacy_key")
}

func TestStore_RefreshFailureKeepsSnapshot(t *testing.T) {
	logger, _ := testLogger()
	src := &mapSource{name: "db", values: map[string]string{KeyTrialLimit: "7"}}
	store := NewStore(logger, src)
	require.NoError(t, store.Refresh(context.Background()))

	src.err = errors.New("connection reset")
	err := store.Refresh(context.Background())

	assert.ErrorContains(t, err, "failed to load settings from db")
	assert.Equal(t, 7, store.Current().TrialLimit)
}

func TestSnapshotIsACopy(t *testing.T) {
	store := NewStaticStore(Defaults())
	snap := store.Current()
	snap.TrialLimit = 99
	assert.Equal(t, 3, store.Current().TrialLimit)
}

func TestPostgresSource(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT key, value FROM system_settings").
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).
			AddRow(KeyVerifiedLimit, "12").
			AddRow(KeyLimitReachedMessage, "Fale conosco."))

	values, err := NewPostgresSource(db).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "12", values[KeyVerifiedLimit])
	assert.Equal(t, "Fale conosco.", values[KeyLimitReachedMessage])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")

	t.Run("missing file is empty", func(t *testing.T) {
		values, err := NewFileSource(path).Load(context.Background())
		require.NoError(t, err)
		assert.Empty(t, values)
	})

	t.Run("scalars are read as strings", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("trial_limit: 6\nmonthly_price: 19.90\nchat_enabled: true\n"), 0o600))

		values, err := NewFileSource(path).Load(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "6", values[KeyTrialLimit])
		assert.Equal(t, "19.90", values[KeyMonthlyPrice])
		assert.Equal(t, "true", values[KeyChatEnabled])
	})

	t.Run("malformed yaml", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("- not\n- a map\n"), 0o600))
		_, err := NewFileSource(path).Load(context.Background())
		assert.ErrorContains(t, err, "failed to parse settings file")
	})
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("verified_limit: 15\n"), 0o600))

	snap, err := LoadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 15, snap.VerifiedLimit)
	assert.Equal(t, 3, snap.TrialLimit)

	require.NoError(t, os.WriteFile(path, []byte("verified_limit: lots\n"), 0o600))
	_, err = LoadFile(context.Background(), path)
	assert.Error(t, err)
}

func TestSeed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	values := Defaults().Values()
	assert.Equal(t, "29.90", values[KeyMonthlyPrice])

	for range values {
		mock.ExpectExec("ON CONFLICT \\(key\\) DO NOTHING").WillReturnResult(sqlmock.NewResult(0, 1))
	}

	written, err := Seed(context.Background(), db, Defaults(), false)
	require.NoError(t, err)
	assert.Equal(t, len(values), written)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSeed_Overwrite(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("DO UPDATE SET value = EXCLUDED.value").
		WithArgs(KeyChatEnabled, "true", Descriptions[KeyChatEnabled]).
		WillReturnError(errors.New("read-only transaction"))

	_, err = Seed(context.Background(), db, Defaults(), true)
	assert.ErrorContains(t, err, "failed to seed setting chat_enabled")
}

func TestWatch_RefreshesOnWrite(t *testing.T) {
	logger, _ := testLogger()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("trial_limit: 3\n"), 0o600))

	store := NewStore(logger, NewFileSource(path))
	require.NoError(t, store.Refresh(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, store.Watch(ctx, path))

	require.NoError(t, os.WriteFile(path, []byte("trial_limit: 8\n"), 0o600))

	assert.Eventually(t, func() bool {
		return store.Current().TrialLimit == 8
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRefreshScheduler_PicksUpTableEdits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	logger, _ := testLogger()
	store := NewStore(logger, NewPostgresSource(db))

	mock.ExpectQuery("SELECT key, value FROM system_settings").
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).AddRow(KeyTrialLimit, "3"))
	require.NoError(t, store.Refresh(context.Background()))
	assert.Equal(t, 3, store.Current().TrialLimit)

	// an operator seeds a new value while the process is running
	mock.ExpectQuery("SELECT key, value FROM system_settings").
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).AddRow(KeyTrialLimit, "5"))

	scheduler, err := NewRefreshScheduler(store, "@every 1m")
	require.NoError(t, err)
	scheduler.run()

	assert.Equal(t, 5, store.Current().TrialLimit)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshScheduler_FailureKeepsSnapshot(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	logger, buf := testLogger()
	store := NewStore(logger, NewPostgresSource(db))

	mock.ExpectQuery("SELECT key, value FROM system_settings").WillReturnError(errors.New("connection reset"))

	scheduler, err := NewRefreshScheduler(store, "@every 1m")
	require.NoError(t, err)
	scheduler.run()

	assert.Equal(t, Defaults().TrialLimit, store.Current().TrialLimit)
	assert.Contains(t, buf.String(), "scheduled settings refresh failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshScheduler_RejectsBadSpec(t *testing.T) {
	_, err := NewRefreshScheduler(NewStaticStore(Defaults()), "every minute")
	assert.ErrorContains(t, err, "invalid settings refresh schedule")
}

func TestRefreshScheduler_StartStop(t *testing.T) {
	scheduler, err := NewRefreshScheduler(NewStaticStore(Defaults()), "@every 1h")
	require.NoError(t, err)

	scheduler.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, scheduler.Stop(ctx))
}
