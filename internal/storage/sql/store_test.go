package sql

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempmail/disposable/internal/domain"
)

func newMockStore(t *testing.T, dialect string) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := New(db, dialect)
	store.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return store, mock
}

func TestDialectFor(t *testing.T) {
	for driver, want := range map[string]string{
		"postgres": DialectPostgres,
		"pgx":      DialectPostgres,
		"mysql":    DialectMySQL,
	} {
		got, err := DialectFor(driver)
		require.NoError(t, err)
		assert.Equal(t, want, got, driver)
	}

	_, err := DialectFor("sqlite")
	assert.Error(t, err)
}

func TestStore_Rebind(t *testing.T) {
	pg := New(nil, DialectPostgres)
	assert.Equal(t, "a = $1 AND b = $2", pg.rebind("a = ? AND b = ?"))

	my := New(nil, DialectMySQL)
	assert.Equal(t, "a = ? AND b = ?", my.rebind("a = ? AND b = ?"))
}

func TestStore_QueryPublicDomains(t *testing.T) {
	store, mock := newMockStore(t, DialectPostgres)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT domain FROM public_domains WHERE is_active = TRUE")).
		WillReturnRows(sqlmock.NewRows([]string{"domain"}).AddRow("quick.mail").AddRow("temp.mail"))

	names, err := store.QueryPublicDomains(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"quick.mail", "temp.mail"}, names)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_QueryPublicDomainsUnavailable(t *testing.T) {
	store, mock := newMockStore(t, DialectPostgres)

	mock.ExpectQuery("SELECT domain FROM public_domains").WillReturnError(errors.New("connection refused"))

	_, err := store.QueryPublicDomains(context.Background())
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
}

func TestStore_QueryOwnerVerifiedDomains(t *testing.T) {
	store, mock := newMockStore(t, DialectPostgres)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE owner_id = $1 AND status = $2")).
		WithArgs("owner-a", "verified").
		WillReturnRows(sqlmock.NewRows([]string{"domain"}).AddRow("mine.com"))

	names, err := store.QueryOwnerVerifiedDomains(context.Background(), "owner-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"mine.com"}, names)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpsertUsageSnapshotsPostgres(t *testing.T) {
	store, mock := newMockStore(t, DialectPostgres)

	delta := domain.NewUsageDelta("owner-a", "2024-03-01")
	delta.Daily[domain.Tier10Min] = 2
	delta.Daily[domain.Tier1Day] = 1
	delta.Total = 3
	delta.Domains["mine.com"] = 1
	delta.LastEntityID = "e3"

	snapshot := regexp.QuoteMeta("ON CONFLICT (owner_id, usage_date, tier) DO UPDATE SET count = usage_snapshots.count + EXCLUDED.count")

	mock.ExpectBegin()
	mock.ExpectExec(snapshot).
		WithArgs("owner-a", "2024-03-01", "10min", int64(2), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(snapshot).
		WithArgs("owner-a", "2024-03-01", "1day", int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (owner_id) DO UPDATE SET total = usage_totals.total + EXCLUDED.total")).
		WithArgs("owner-a", int64(3), "e3", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE owner_domains SET mailbox_count = mailbox_count + $1, updated_at = $2 WHERE domain = $3 AND owner_id = $4")).
		WithArgs(int64(1), sqlmock.AnyArg(), "mine.com", "owner-a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.UpsertUsageSnapshots(context.Background(), []*domain.UsageDelta{delta}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpsertUsageSnapshotsMySQL(t *testing.T) {
	store, mock := newMockStore(t, DialectMySQL)

	delta := domain.NewUsageDelta("owner-a", "2024-03-01")
	delta.Daily[domain.Tier1Hour] = 4
	delta.Total = 4

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("ON DUPLICATE KEY UPDATE count = count + VALUES(count)")).
		WithArgs("owner-a", "2024-03-01", "1hour", int64(4), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("ON DUPLICATE KEY UPDATE total = total + VALUES(total)")).
		WithArgs("owner-a", int64(4), "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.UpsertUsageSnapshots(context.Background(), []*domain.UsageDelta{delta}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpsertUsageSnapshotsRollsBack(t *testing.T) {
	store, mock := newMockStore(t, DialectPostgres)

	first := domain.NewUsageDelta("owner-a", "2024-03-01")
	first.Daily[domain.Tier10Min] = 1
	first.Total = 1
	second := domain.NewUsageDelta("owner-b", "2024-03-01")
	second.Daily[domain.Tier10Min] = 1
	second.Total = 1

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO usage_snapshots").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO usage_totals").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO usage_snapshots").WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	err := store.UpsertUsageSnapshots(context.Background(), []*domain.UsageDelta{first, second})
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpsertUsageSnapshotsEmpty(t *testing.T) {
	store, mock := newMockStore(t, DialectPostgres)

	require.NoError(t, store.UpsertUsageSnapshots(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SaveDomainStats(t *testing.T) {
	store, mock := newMockStore(t, DialectMySQL)
	captured := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO domain_stats (captured_at, domain, live_entities, is_custom) VALUES (?, ?, ?, ?)")).
		WithArgs(captured, "temp.mail", 3, false).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO domain_stats").
		WithArgs(captured, "mine.com", 1, true).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	err := store.SaveDomainStats(context.Background(), &domain.DomainStats{
		CapturedAt: captured,
		Domains: []domain.DomainStat{
			{Domain: "temp.mail", LiveEntities: 3},
			{Domain: "mine.com", LiveEntities: 1, Custom: true},
		},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_MigrateAppliesPendingVersions(t *testing.T) {
	store, mock := newMockStore(t, DialectPostgres)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_version")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(version) FROM schema_version")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(1))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS domain_stats")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX IF NOT EXISTS idx_domain_stats_captured")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_version (version) VALUES ($1)")).
		WithArgs(2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_MigrateUpToDate(t *testing.T) {
	store, mock := newMockStore(t, DialectMySQL)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_version").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(version)")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(LatestVersion(DialectMySQL)))

	require.NoError(t, store.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AddPublicDomain(t *testing.T) {
	t.Run("postgres", func(t *testing.T) {
		store, mock := newMockStore(t, DialectPostgres)
		mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (domain) DO UPDATE SET is_active = TRUE")).
			WithArgs(sqlmock.AnyArg(), "temp.mail", "verified", store.now()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.AddPublicDomain(context.Background(), " Temp.Mail "))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("mysql", func(t *testing.T) {
		store, mock := newMockStore(t, DialectMySQL)
		mock.ExpectExec(regexp.QuoteMeta("ON DUPLICATE KEY UPDATE is_active = TRUE")).
			WillReturnError(errors.New("connection refused"))

		err := store.AddPublicDomain(context.Background(), "temp.mail")
		assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	})
}
