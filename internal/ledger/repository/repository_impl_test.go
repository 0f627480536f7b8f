package repository

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&domain.LedgerEntry{}))
	return db
}

type fixture struct {
	t     *testing.T
	db    *gorm.DB
	repo  domain.Repository
	node  *snowflake.Node
	orgID snowflake.ID
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return &fixture{
		t:     t,
		db:    newTestDB(t),
		repo:  Provide(),
		node:  node,
		orgID: node.Generate(),
		now:   time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) insert(userID string, amount int64, sourceType domain.SourceType, expiresAt *time.Time, createdAt time.Time) *domain.LedgerEntry {
	f.t.Helper()
	entry := &domain.LedgerEntry{
		ID:          f.node.Generate(),
		OrgID:       f.orgID,
		UserID:      userID,
		Amount:      amount,
		SourceType:  sourceType,
		Description: "seed",
		ExpiresAt:   expiresAt,
		CreatedAt:   createdAt,
	}
	require.NoError(f.t, f.repo.Insert(context.Background(), f.db, entry))
	return entry
}

func timePtr(t time.Time) *time.Time { return &t }

func TestSumsRespectExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.insert("u1", 10000, domain.SourceTypeSubscriptionGrant, timePtr(f.now.Add(-time.Second)), f.now.Add(-time.Hour))
	f.insert("u1", 20000, domain.SourceTypePurchaseGrant, nil, f.now.Add(-time.Hour))
	f.insert("u1", 5000, domain.SourceTypeSubscriptionGrant, timePtr(f.now.Add(24*time.Hour)), f.now.Add(-time.Hour))
	f.insert("u2", 999, domain.SourceTypeAdminGrant, nil, f.now)

	total, err := f.repo.SumTotal(ctx, f.db, f.orgID, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(35000), total)

	available, err := f.repo.SumAvailable(ctx, f.db, f.orgID, "u1", f.now)
	require.NoError(t, err)
	assert.Equal(t, int64(25000), available)

	buckets, err := f.repo.SumAvailableByBucket(ctx, f.db, f.orgID, "u1", f.now)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), buckets.Subscription)
	assert.Equal(t, int64(20000), buckets.PayAsYouGo)
	assert.Equal(t, available, buckets.Total())
}

func TestSumsForUnknownUserAreZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	total, err := f.repo.SumTotal(ctx, f.db, f.orgID, "nobody")
	require.NoError(t, err)
	assert.Zero(t, total)

	buckets, err := f.repo.SumAvailableByBucket(ctx, f.db, f.orgID, "nobody", f.now)
	require.NoError(t, err)
	assert.Equal(t, domain.BucketSums{}, buckets)
}

func TestListOpenSubscriptionGrantsFIFO(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	late := f.insert("u1", 1000, domain.SourceTypeSubscriptionGrant, timePtr(f.now.Add(30*24*time.Hour)), f.now.Add(-2*time.Hour))
	soon := f.insert("u1", 2000, domain.SourceTypeSubscriptionGrant, timePtr(f.now.Add(2*24*time.Hour)), f.now.Add(-time.Hour))
	f.insert("u1", 3000, domain.SourceTypeSubscriptionGrant, timePtr(f.now.Add(-time.Minute)), f.now.Add(-3*time.Hour))

	grantID := soon.ID
	leg := &domain.LedgerEntry{
		ID:          f.node.Generate(),
		OrgID:       f.orgID,
		UserID:      "u1",
		Amount:      -500,
		SourceType:  domain.SourceTypeSubscriptionConsumption,
		Description: "Used service: demo",
		ExpiresAt:   soon.ExpiresAt,
		GrantID:     &grantID,
		CreatedAt:   f.now,
	}
	require.NoError(t, f.repo.Insert(ctx, f.db, leg))

	grants, err := f.repo.ListOpenSubscriptionGrants(ctx, f.db, f.orgID, "u1", f.now)
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, soon.ID, grants[0].ID)
	assert.Equal(t, int64(1500), grants[0].Remaining())
	assert.Equal(t, late.ID, grants[1].ID)
	assert.Equal(t, int64(1000), grants[1].Remaining())
}

func TestListExpiringAndCountExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.insert("u1", 1000, domain.SourceTypeSubscriptionGrant, timePtr(f.now.Add(3*24*time.Hour)), f.now)
	f.insert("u1", 1000, domain.SourceTypeSubscriptionGrant, timePtr(f.now.Add(10*24*time.Hour)), f.now)
	f.insert("u1", 1000, domain.SourceTypeSubscriptionGrant, timePtr(f.now.Add(-24*time.Hour)), f.now.Add(-48*time.Hour))
	f.insert("u1", 1000, domain.SourceTypeSubscriptionGrant, timePtr(f.now), f.now.Add(-48*time.Hour))

	expiring, err := f.repo.ListExpiringGrants(ctx, f.db, f.orgID, "u1", f.now, f.now.Add(7*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, expiring, 1)

	expired, err := f.repo.CountExpiredGrants(ctx, f.db, f.orgID, "u1", f.now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), expired)
}

func TestListPaginatesNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.insert("u1", int64(100*(i+1)), domain.SourceTypePurchaseGrant, nil, f.now.Add(time.Duration(i)*time.Minute))
	}

	first, err := f.repo.List(ctx, f.db, f.orgID, domain.ListFilter{UserID: "u1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, int64(500), first[0].Amount)
	assert.Equal(t, int64(400), first[1].Amount)

	cursor := pagination.NewCursor(first[1].ID.String(), first[1].CreatedAt)
	second, err := f.repo.List(ctx, f.db, f.orgID, domain.ListFilter{UserID: "u1", Limit: 10, Cursor: &cursor})
	require.NoError(t, err)
	require.Len(t, second, 3)
	assert.Equal(t, int64(300), second[0].Amount)
	assert.Equal(t, int64(100), second[2].Amount)
}

func TestFindByBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batchID := "01JBATCH"
	for _, st := range []domain.SourceType{domain.SourceTypeSubscriptionConsumption, domain.SourceTypePaygConsumption} {
		entry := &domain.LedgerEntry{
			ID:          f.node.Generate(),
			OrgID:       f.orgID,
			UserID:      "u1",
			Amount:      -100,
			SourceType:  st,
			Description: "Used service: demo",
			BatchID:     &batchID,
			CreatedAt:   f.now,
		}
		require.NoError(t, f.repo.Insert(ctx, f.db, entry))
	}

	items, err := f.repo.FindByBatch(ctx, f.db, f.orgID, batchID)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}
