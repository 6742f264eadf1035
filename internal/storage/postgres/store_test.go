package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"

	"tempmail/disposable/internal/domain"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStoreWithDialector(
		sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"),
		PoolConfig{MaxOpenConns: 1},
	)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_QueryDomains(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	_, err := store.AddPublicDomain(ctx, "Temp.Mail", true)
	require.NoError(t, err)
	_, err = store.AddPublicDomain(ctx, "old.mail", false)
	require.NoError(t, err)
	_, err = store.AddOwnerDomain(ctx, "owner-a", "mine.com", domain.DomainStatusVerified)
	require.NoError(t, err)
	_, err = store.AddOwnerDomain(ctx, "owner-a", "pending.com", domain.DomainStatusPending)
	require.NoError(t, err)

	public, err := store.QueryPublicDomains(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"temp.mail"}, public)

	owned, err := store.QueryOwnerVerifiedDomains(ctx, "owner-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"mine.com"}, owned)

	owned, err = store.QueryOwnerVerifiedDomains(ctx, "owner-b")
	require.NoError(t, err)
	assert.Empty(t, owned)
}

func TestStore_AddPublicDomainToggles(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	_, err := store.AddPublicDomain(ctx, "temp.mail", true)
	require.NoError(t, err)
	_, err = store.AddPublicDomain(ctx, "temp.mail", false)
	require.NoError(t, err)

	public, err := store.QueryPublicDomains(ctx)
	require.NoError(t, err)
	assert.Empty(t, public)
}

func TestStore_AddOwnerDomainDuplicate(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	_, err := store.AddOwnerDomain(ctx, "owner-a", "mine.com", domain.DomainStatusVerified)
	require.NoError(t, err)
	_, err = store.AddOwnerDomain(ctx, "owner-b", "mine.com", domain.DomainStatusVerified)
	assert.ErrorIs(t, err, domain.ErrAddressTaken)
}

func TestStore_UpsertUsageSnapshotsIsAdditive(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	od, err := store.AddOwnerDomain(ctx, "owner-a", "mine.com", domain.DomainStatusVerified)
	require.NoError(t, err)

	first := domain.NewUsageDelta("owner-a", "2024-03-01")
	first.Daily[domain.Tier10Min] = 2
	first.Total = 2
	first.Domains["mine.com"] = 2
	first.LastEntityID = "e2"
	require.NoError(t, store.UpsertUsageSnapshots(ctx, []*domain.UsageDelta{first}))

	second := domain.NewUsageDelta("owner-a", "2024-03-01")
	second.Daily[domain.Tier10Min] = 1
	second.Daily[domain.Tier1Day] = 1
	second.Total = 1
	second.Domains["mine.com"] = -1
	require.NoError(t, store.UpsertUsageSnapshots(ctx, []*domain.UsageDelta{second}))

	count, err := store.SnapshotCount(ctx, "owner-a", "2024-03-01", domain.Tier10Min)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	count, err = store.SnapshotCount(ctx, "owner-a", "2024-03-01", domain.Tier1Day)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	total, err := store.TotalFor(ctx, "owner-a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), total.Total)
	assert.Equal(t, "e2", total.LastEntityID, "空的 LastEntityID 不覆盖已有值")

	var reloaded domain.OwnerDomain
	require.NoError(t, store.DB().Where("id = ?", od.ID).Take(&reloaded).Error)
	assert.Equal(t, int64(1), reloaded.MailboxCount)
}

func TestStore_UpsertUsageSnapshotsScopesDomainByOwner(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	od, err := store.AddOwnerDomain(ctx, "owner-a", "mine.com", domain.DomainStatusVerified)
	require.NoError(t, err)

	foreign := domain.NewUsageDelta("owner-b", "2024-03-01")
	foreign.Domains["mine.com"] = 3
	own := domain.NewUsageDelta("owner-a", "2024-03-01")
	own.Domains["mine.com"] = 1
	require.NoError(t, store.UpsertUsageSnapshots(ctx, []*domain.UsageDelta{foreign, own}))

	var reloaded domain.OwnerDomain
	require.NoError(t, store.DB().Where("id = ?", od.ID).Take(&reloaded).Error)
	assert.Equal(t, int64(1), reloaded.MailboxCount, "只累加域名归属用户的增量")
}

func TestStore_UpsertUsageSnapshotsSeparateDays(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	day1 := domain.NewUsageDelta("owner-a", "2024-03-01")
	day1.Daily[domain.Tier1Hour] = 5
	day1.Total = 5
	day2 := domain.NewUsageDelta("owner-a", "2024-03-02")
	day2.Daily[domain.Tier1Hour] = 1
	day2.Total = 1
	require.NoError(t, store.UpsertUsageSnapshots(ctx, []*domain.UsageDelta{day1, day2}))

	count, err := store.SnapshotCount(ctx, "owner-a", "2024-03-01", domain.Tier1Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	count, err = store.SnapshotCount(ctx, "owner-a", "2024-03-02", domain.Tier1Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	total, err := store.TotalFor(ctx, "owner-a")
	require.NoError(t, err)
	assert.Equal(t, int64(6), total.Total)
}

func TestStore_SaveDomainStats(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	captured := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	err := store.SaveDomainStats(ctx, &domain.DomainStats{
		CapturedAt: captured,
		Domains: []domain.DomainStat{
			{Domain: "temp.mail", LiveEntities: 3},
			{Domain: "mine.com", LiveEntities: 1, Custom: true},
		},
	})
	require.NoError(t, err)

	var records []domain.DomainStatRecord
	require.NoError(t, store.DB().Order("domain").Find(&records).Error)
	require.Len(t, records, 2)
	assert.Equal(t, "mine.com", records[0].Domain)
	assert.True(t, records[0].IsCustom)
	assert.Equal(t, 3, records[1].LiveEntities)

	deleted, err := store.DeleteStatsBefore(ctx, captured.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
}

func TestStore_PingAfterClose(t *testing.T) {
	store := newSQLiteStore(t)
	require.NoError(t, store.Ping(context.Background()))

	require.NoError(t, store.Close())
	assert.ErrorIs(t, store.Ping(context.Background()), domain.ErrStorageUnavailable)
}
