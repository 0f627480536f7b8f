package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/creditaccount/domain"
	"github.com/smallbiznis/creditledger/internal/creditaccount/lock"
	"github.com/smallbiznis/creditledger/internal/creditaccount/repository"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	ledgerrepository "github.com/smallbiznis/creditledger/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/creditledger/internal/ledger/service"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/internal/orgcontext"
	"github.com/smallbiznis/creditledger/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type harness struct {
	t          *testing.T
	db         *gorm.DB
	svc        domain.Service
	clock      *clock.FakeClock
	node       *snowflake.Node
	orgID      snowflake.ID
	ctx        context.Context
	ledgerRepo ledgerdomain.Repository
}

type harnessOption func(*Params)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&ledgerdomain.LedgerEntry{}, &domain.CreditAccount{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	ledgerRepo := ledgerrepository.Provide()
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  ledgerRepo,
	})

	params := Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      fc,
		Config:     config.DefaultCreditsConfig(),
		Repo:       repository.Provide(),
		LedgerRepo: ledgerRepo,
		Ledger:     ledgerSvc,
		Locker:     lock.NewLocalLocker(),
	}
	for _, opt := range opts {
		opt(&params)
	}

	orgID := node.Generate()
	return &harness{
		t:          t,
		db:         db,
		svc:        NewService(params),
		clock:      fc,
		node:       node,
		orgID:      orgID,
		ctx:        orgcontext.WithOrgID(context.Background(), int64(orgID)),
		ledgerRepo: ledgerRepo,
	}
}

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func (h *harness) grant(userID, amount string, sourceType ledgerdomain.SourceType, expiresAt *time.Time) *ledgerdomain.LedgerEntry {
	h.t.Helper()
	entry, err := h.svc.Grant(h.ctx, domain.GrantRequest{
		UserID:      userID,
		Amount:      d(amount),
		Description: "grant " + string(sourceType),
		SourceType:  sourceType,
		ExpiresAt:   expiresAt,
	})
	require.NoError(h.t, err)
	return entry
}

func (h *harness) in(days int) *time.Time {
	t := h.clock.Now().AddDate(0, 0, days)
	return &t
}

func (h *harness) countEntries() int64 {
	var count int64
	require.NoError(h.t, h.db.Model(&ledgerdomain.LedgerEntry{}).Count(&count).Error)
	return count
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, d(want).Equal(got), "want %s, got %s", want, got.String())
}

func TestConsumeDrainsSubscriptionBeforePayAsYouGo(t *testing.T) {
	h := newHarness(t)
	h.grant("user-a", "1000", ledgerdomain.SourceTypeSubscriptionGrant, h.in(30))
	h.grant("user-a", "500", ledgerdomain.SourceTypePurchaseGrant, nil)

	result, err := h.svc.Consume(h.ctx, domain.ConsumeRequest{UserID: "user-a", Amount: d("1200"), Description: "Used service: Big Report"})
	require.NoError(t, err)

	require.Len(t, result.Entries, 2)
	assert.Equal(t, ledgerdomain.SourceTypeSubscriptionConsumption, result.Entries[0].SourceType)
	assertDecimal(t, "-1000", result.Entries[0].AmountDecimal())
	assert.Equal(t, ledgerdomain.SourceTypePaygConsumption, result.Entries[1].SourceType)
	assertDecimal(t, "-200", result.Entries[1].AmountDecimal())
	assert.NotEmpty(t, result.BatchID)
	for _, e := range result.Entries {
		require.NotNil(t, e.BatchID)
		assert.Equal(t, result.BatchID, *e.BatchID)
		assert.Equal(t, "Used service: Big Report", e.Description)
	}
	assertDecimal(t, "1000", result.Subscription)
	assertDecimal(t, "200", result.PayAsYouGo)
	assertDecimal(t, "300", result.AvailableAfter)

	available, err := h.svc.AvailableBalance(h.ctx, "user-a")
	require.NoError(t, err)
	assertDecimal(t, "300", available)

	buckets, err := h.svc.AvailableBalanceByBucket(h.ctx, "user-a")
	require.NoError(t, err)
	assertDecimal(t, "0", buckets.Subscription)
	assertDecimal(t, "300", buckets.PayAsYouGo)
	assert.True(t, buckets.Total.Equal(available))
}

func TestConsumeInsufficientCreditsWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.grant("user-b", "50", ledgerdomain.SourceTypePurchaseGrant, nil)
	before := h.countEntries()

	_, err := h.svc.Consume(h.ctx, domain.ConsumeRequest{UserID: "user-b", Amount: d("100"), Description: "Used service: X"})
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)
	assert.False(t, domain.IsRetryable(err))

	var insufficient *domain.InsufficientCreditsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, "Insufficient credits. Available balance: 50, Required: 100", insufficient.Error())
	assertDecimal(t, "50", insufficient.Shortfall())

	available, err := h.svc.AvailableBalance(h.ctx, "user-b")
	require.NoError(t, err)
	assertDecimal(t, "50", available)
	assert.Equal(t, before, h.countEntries())
}

func TestExpiredGrantCountsInTotalButNotAvailable(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	expired := now.Add(-time.Second)
	require.NoError(t, h.ledgerRepo.Insert(context.Background(), h.db, &ledgerdomain.LedgerEntry{
		ID:          h.node.Generate(),
		OrgID:       h.orgID,
		UserID:      "user-c",
		Amount:      10000,
		SourceType:  ledgerdomain.SourceTypeSubscriptionGrant,
		Description: "March allocation",
		ExpiresAt:   &expired,
		CreatedAt:   now.Add(-31 * 24 * time.Hour),
	}))
	h.grant("user-c", "200", ledgerdomain.SourceTypePurchaseGrant, nil)

	total, err := h.svc.TotalBalance(h.ctx, "user-c")
	require.NoError(t, err)
	assertDecimal(t, "300", total)

	available, err := h.svc.AvailableBalance(h.ctx, "user-c")
	require.NoError(t, err)
	assertDecimal(t, "200", available)

	expiredCount, err := h.svc.ExpiredCount(h.ctx, "user-c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), expiredCount)

	total, err = h.svc.TotalBalance(h.ctx, "user-c")
	require.NoError(t, err)
	assertDecimal(t, "300", total)
}

func TestExpiryBoundaryIsExclusive(t *testing.T) {
	h := newHarness(t)
	expiresAt := h.clock.Now().Add(time.Hour)
	h.grant("user-e", "10", ledgerdomain.SourceTypeSubscriptionGrant, &expiresAt)

	h.clock.Set(expiresAt.Add(-time.Nanosecond))
	available, err := h.svc.AvailableBalance(h.ctx, "user-e")
	require.NoError(t, err)
	assertDecimal(t, "10", available)

	h.clock.Set(expiresAt)
	available, err = h.svc.AvailableBalance(h.ctx, "user-e")
	require.NoError(t, err)
	assertDecimal(t, "0", available)
}

func TestConsumeValidatesBeforeWriting(t *testing.T) {
	h := newHarness(t)
	h.grant("user-d", "100", ledgerdomain.SourceTypePurchaseGrant, nil)
	before := h.countEntries()

	cases := []struct {
		name string
		req  domain.ConsumeRequest
		err  error
	}{
		{name: "zero amount", req: domain.ConsumeRequest{UserID: "user-d", Amount: d("0"), Description: "x"}, err: domain.ErrInvalidAmount},
		{name: "negative amount", req: domain.ConsumeRequest{UserID: "user-d", Amount: d("-5"), Description: "x"}, err: domain.ErrInvalidAmount},
		{name: "sub-cent amount", req: domain.ConsumeRequest{UserID: "user-d", Amount: d("0.001"), Description: "x"}, err: domain.ErrInvalidAmount},
		{name: "empty description", req: domain.ConsumeRequest{UserID: "user-d", Amount: d("1"), Description: ""}, err: domain.ErrInvalidDescription},
		{name: "blank description", req: domain.ConsumeRequest{UserID: "user-d", Amount: d("1"), Description: "   "}, err: domain.ErrInvalidDescription},
		{name: "missing user", req: domain.ConsumeRequest{UserID: " ", Amount: d("1"), Description: "x"}, err: domain.ErrInvalidUser},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Consume(h.ctx, tc.req)
			require.ErrorIs(t, err, tc.err)
		})
	}
	assert.Equal(t, "Amount must be positive", domain.ErrInvalidAmount.Error())
	assert.Equal(t, "Description is required", domain.ErrInvalidDescription.Error())
	assert.Equal(t, before, h.countEntries())
}

func TestConsumeRequiresOrganization(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Consume(context.Background(), domain.ConsumeRequest{UserID: "u", Amount: d("1"), Description: "x"})
	require.ErrorIs(t, err, domain.ErrInvalidOrganization)
}

func TestConsumeSmallAmountStaysInSubscription(t *testing.T) {
	h := newHarness(t)
	h.grant("user-p", "100", ledgerdomain.SourceTypeSubscriptionGrant, h.in(30))
	h.grant("user-p", "500", ledgerdomain.SourceTypePurchaseGrant, nil)

	result, err := h.svc.Consume(h.ctx, domain.ConsumeRequest{UserID: "user-p", Amount: d("49.99"), Description: "Used service: Data Validator"})
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	assert.Equal(t, ledgerdomain.SourceTypeSubscriptionConsumption, result.Entries[0].SourceType)
	assertDecimal(t, "0", result.PayAsYouGo)

	buckets, err := h.svc.AvailableBalanceByBucket(h.ctx, "user-p")
	require.NoError(t, err)
	assertDecimal(t, "50.01", buckets.Subscription)
	assertDecimal(t, "500", buckets.PayAsYouGo)
}

func TestConsumeDrawsSoonestExpiringGrantFirst(t *testing.T) {
	h := newHarness(t)
	later := h.grant("user-f", "100", ledgerdomain.SourceTypeSubscriptionGrant, h.in(10))
	sooner := h.grant("user-f", "100", ledgerdomain.SourceTypeSubscriptionGrant, h.in(5))

	result, err := h.svc.Consume(h.ctx, domain.ConsumeRequest{UserID: "user-f", Amount: d("150"), Description: "Used service: X"})
	require.NoError(t, err)
	require.Len(t, result.Entries, 2)

	first, second := result.Entries[0], result.Entries[1]
	require.NotNil(t, first.GrantID)
	assert.Equal(t, sooner.ID, *first.GrantID)
	assertDecimal(t, "-100", first.AmountDecimal())
	assert.True(t, sooner.ExpiresAt.Equal(*first.ExpiresAt))

	require.NotNil(t, second.GrantID)
	assert.Equal(t, later.ID, *second.GrantID)
	assertDecimal(t, "-50", second.AmountDecimal())

	h.clock.Advance(6 * 24 * time.Hour)
	buckets, err := h.svc.AvailableBalanceByBucket(h.ctx, "user-f")
	require.NoError(t, err)
	assertDecimal(t, "50", buckets.Subscription)
	assertDecimal(t, "0", buckets.PayAsYouGo)
}

func TestPartiallyConsumedGrantExpiresCleanly(t *testing.T) {
	h := newHarness(t)
	h.grant("user-g", "100", ledgerdomain.SourceTypeSubscriptionGrant, h.in(1))
	h.grant("user-g", "100", ledgerdomain.SourceTypePurchaseGrant, nil)

	_, err := h.svc.Consume(h.ctx, domain.ConsumeRequest{UserID: "user-g", Amount: d("30"), Description: "Used service: X"})
	require.NoError(t, err)

	h.clock.Advance(2 * 24 * time.Hour)

	buckets, err := h.svc.AvailableBalanceByBucket(h.ctx, "user-g")
	require.NoError(t, err)
	assertDecimal(t, "0", buckets.Subscription)
	assertDecimal(t, "100", buckets.PayAsYouGo)

	total, err := h.svc.TotalBalance(h.ctx, "user-g")
	require.NoError(t, err)
	assertDecimal(t, "170", total)

	_, err = h.svc.Consume(h.ctx, domain.ConsumeRequest{UserID: "user-g", Amount: d("100.01"), Description: "Used service: X"})
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)
}

func TestGrantValidationAndExpiryFallback(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()

	monthly, err := h.svc.Grant(h.ctx, domain.GrantRequest{
		UserID: "user-h", Amount: d("10"), Description: "Pro plan", SourceType: ledgerdomain.SourceTypeSubscriptionGrant,
		BillingInterval: domain.BillingIntervalMonth,
	})
	require.NoError(t, err)
	require.NotNil(t, monthly.ExpiresAt)
	assert.True(t, now.AddDate(0, 0, 31).Equal(*monthly.ExpiresAt))

	yearly, err := h.svc.Grant(h.ctx, domain.GrantRequest{
		UserID: "user-h", Amount: d("10"), Description: "Pro plan annual", SourceType: ledgerdomain.SourceTypeSubscriptionGrant,
		BillingInterval: "YEAR",
	})
	require.NoError(t, err)
	assert.True(t, now.AddDate(0, 0, 365).Equal(*yearly.ExpiresAt))

	unknown, err := h.svc.Grant(h.ctx, domain.GrantRequest{
		UserID: "user-h", Amount: d("10"), Description: "Pro plan", SourceType: ledgerdomain.SourceTypeSubscriptionGrant,
		BillingInterval: "fortnight",
	})
	require.NoError(t, err)
	assert.True(t, now.AddDate(0, 0, 31).Equal(*unknown.ExpiresAt))

	purchase := h.grant("user-h", "5", ledgerdomain.SourceTypePurchaseGrant, nil)
	assert.Nil(t, purchase.ExpiresAt)

	expiry := now.Add(time.Hour)
	_, err = h.svc.Grant(h.ctx, domain.GrantRequest{UserID: "user-h", Amount: d("5"), Description: "Top-up", SourceType: ledgerdomain.SourceTypePurchaseGrant, ExpiresAt: &expiry})
	require.ErrorIs(t, err, domain.ErrUnexpectedExpiry)

	_, err = h.svc.Grant(h.ctx, domain.GrantRequest{UserID: "user-h", Amount: d("5"), Description: "oops", SourceType: ledgerdomain.SourceTypePaygConsumption})
	require.ErrorIs(t, err, domain.ErrInvalidSourceType)

	_, err = h.svc.Grant(h.ctx, domain.GrantRequest{UserID: "user-h", Amount: d("0"), Description: "Top-up", SourceType: ledgerdomain.SourceTypePurchaseGrant})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = h.svc.Grant(h.ctx, domain.GrantRequest{UserID: "user-h", Amount: d("5"), Description: " ", SourceType: ledgerdomain.SourceTypeAdminGrant})
	require.ErrorIs(t, err, domain.ErrInvalidDescription)

	var accounts int64
	require.NoError(t, h.db.Model(&domain.CreditAccount{}).Count(&accounts).Error)
	assert.Equal(t, int64(1), accounts)
}

func TestExpiringWithinGroupsByDate(t *testing.T) {
	h := newHarness(t)
	h.grant("user-i", "100", ledgerdomain.SourceTypeSubscriptionGrant, h.in(3))
	h.grant("user-i", "50", ledgerdomain.SourceTypeSubscriptionGrant, h.in(3))
	h.grant("user-i", "200", ledgerdomain.SourceTypeSubscriptionGrant, h.in(10))
	h.grant("user-i", "75", ledgerdomain.SourceTypePurchaseGrant, nil)

	_, err := h.svc.Consume(h.ctx, domain.ConsumeRequest{UserID: "user-i", Amount: d("30"), Description: "Used service: X"})
	require.NoError(t, err)

	expiring, err := h.svc.ExpiringWithin(h.ctx, "user-i", 7)
	require.NoError(t, err)
	assert.Equal(t, 2, expiring.GrantCount)
	assertDecimal(t, "150", expiring.TotalAmount)
	assertDecimal(t, "120", expiring.RemainingAmount)
	require.Len(t, expiring.ByDate, 1)
	assert.Equal(t, "2026-03-04", expiring.ByDate[0].Date)

	all, err := h.svc.ExpiringWithin(h.ctx, "user-i", 30)
	require.NoError(t, err)
	assert.Equal(t, 3, all.GrantCount)
	assert.Len(t, all.ByDate, 2)

	_, err = h.svc.ExpiringWithin(h.ctx, "user-i", -1)
	require.ErrorIs(t, err, domain.ErrInvalidWindow)
}

func TestAfterDebitFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.grant("user-j", "20", ledgerdomain.SourceTypePurchaseGrant, nil)
	before := h.countEntries()
	hookErr := errors.New("usage write failed")

	_, err := h.svc.Consume(h.ctx, domain.ConsumeRequest{
		UserID:      "user-j",
		Amount:      d("5"),
		Description: "Used service: X",
		AfterDebit: func(ctx context.Context, tx *gorm.DB, result *domain.ConsumeResult) error {
			assert.Len(t, result.Entries, 1)
			return hookErr
		},
	})
	require.ErrorIs(t, err, hookErr)
	assert.Equal(t, before, h.countEntries())

	available, err := h.svc.AvailableBalance(h.ctx, "user-j")
	require.NoError(t, err)
	assertDecimal(t, "20", available)
}

func TestConcurrentConsumeNeverOverdraws(t *testing.T) {
	h := newHarness(t)
	h.grant("user-k", "10", ledgerdomain.SourceTypePurchaseGrant, nil)

	const workers = 20
	var succeeded, insufficient int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Consume(h.ctx, domain.ConsumeRequest{UserID: "user-k", Amount: d("1"), Description: "Used service: X"})
			switch {
			case err == nil:
				atomic.AddInt32(&succeeded, 1)
			case errors.Is(err, domain.ErrInsufficientCredits):
				atomic.AddInt32(&insufficient, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), succeeded)
	assert.Equal(t, int32(10), insufficient)

	available, err := h.svc.AvailableBalance(h.ctx, "user-k")
	require.NoError(t, err)
	assertDecimal(t, "0", available)
}

type timeoutLocker struct {
	calls int32
}

func (l *timeoutLocker) Acquire(context.Context, string) (func(), error) {
	atomic.AddInt32(&l.calls, 1)
	return nil, fmt.Errorf("%w: %w", lock.ErrLockTimeout, context.DeadlineExceeded)
}

func (l *timeoutLocker) Backend() string { return "local" }

func TestLockTimeoutSurfacesAsConcurrencyConflict(t *testing.T) {
	locker := &timeoutLocker{}
	h := newHarness(t, func(p *Params) {
		p.Locker = locker
		p.Config.ConsumeMaxAttempts = 2
	})
	h.grant("user-l", "10", ledgerdomain.SourceTypePurchaseGrant, nil)

	_, err := h.svc.Consume(h.ctx, domain.ConsumeRequest{UserID: "user-l", Amount: d("1"), Description: "Used service: X"})
	require.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	assert.True(t, domain.IsRetryable(err))
	assert.NotErrorIs(t, err, domain.ErrInsufficientCredits)
	assert.Equal(t, int32(2), atomic.LoadInt32(&locker.calls))
}

func TestBalancesAreScopedByOrganization(t *testing.T) {
	h := newHarness(t)
	h.grant("shared-user", "10", ledgerdomain.SourceTypePurchaseGrant, nil)

	otherCtx := orgcontext.WithOrgID(context.Background(), int64(h.node.Generate()))
	available, err := h.svc.AvailableBalance(otherCtx, "shared-user")
	require.NoError(t, err)
	assertDecimal(t, "0", available)
}

// flakyLocker times out on the first Acquire and then behaves like the local lock.
type flakyLocker struct {
	calls int32
	next  lock.Locker
}

func (l *flakyLocker) Acquire(ctx context.Context, key string) (func(), error) {
	if atomic.AddInt32(&l.calls, 1) == 1 {
		return nil, fmt.Errorf("%w: %w", lock.ErrLockTimeout, context.DeadlineExceeded)
	}
	return l.next.Acquire(ctx, key)
}

func (l *flakyLocker) Backend() string { return l.next.Backend() }

func TestConsumeRetriesConflictThenSucceeds(t *testing.T) {
	registry := prometheus.NewRegistry()
	creditMetrics := obsmetrics.NewCreditMetrics(registry, obsmetrics.Config{ServiceName: "creditledger", Environment: "test"})
	locker := &flakyLocker{next: lock.NewLocalLocker()}
	h := newHarness(t, func(p *Params) {
		p.Locker = locker
		p.CreditMetrics = creditMetrics
	})
	h.grant("user-m", "10", ledgerdomain.SourceTypePurchaseGrant, nil)
	before := h.countEntries()

	result, err := h.svc.Consume(h.ctx, domain.ConsumeRequest{UserID: "user-m", Amount: d("4"), Description: "Used service: X"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&locker.calls))
	require.Len(t, result.Entries, 1)
	assert.Equal(t, before+1, h.countEntries())

	var batches int64
	require.NoError(t, h.db.Model(&ledgerdomain.LedgerEntry{}).
		Where("batch_id IS NOT NULL").
		Distinct("batch_id").
		Count(&batches).Error)
	assert.Equal(t, int64(1), batches)

	expected := `
# HELP creditledger_consume_attempts_total Consume calls by final outcome.
# TYPE creditledger_consume_attempts_total counter
creditledger_consume_attempts_total{env="test",outcome="success",service="creditledger"} 1
# HELP creditledger_consume_retries_total Consume attempts retried after a concurrency conflict.
# TYPE creditledger_consume_retries_total counter
creditledger_consume_retries_total{env="test",reason="lock_wait_timeout",service="creditledger"} 1
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"creditledger_consume_attempts_total",
		"creditledger_consume_retries_total",
	))
}

func TestBalanceReadsAreRepeatable(t *testing.T) {
	h := newHarness(t)
	h.grant("user-n", "100", ledgerdomain.SourceTypeSubscriptionGrant, h.in(10))
	h.grant("user-n", "40", ledgerdomain.SourceTypePurchaseGrant, nil)
	_, err := h.svc.Consume(h.ctx, domain.ConsumeRequest{UserID: "user-n", Amount: d("30"), Description: "Used service: X"})
	require.NoError(t, err)
	before := h.countEntries()

	read := func() (decimal.Decimal, decimal.Decimal, domain.Buckets, *domain.ExpiringCredits) {
		total, err := h.svc.TotalBalance(h.ctx, "user-n")
		require.NoError(t, err)
		available, err := h.svc.AvailableBalance(h.ctx, "user-n")
		require.NoError(t, err)
		buckets, err := h.svc.AvailableBalanceByBucket(h.ctx, "user-n")
		require.NoError(t, err)
		expiring, err := h.svc.ExpiringWithin(h.ctx, "user-n", 30)
		require.NoError(t, err)
		return total, available, buckets, expiring
	}

	total1, available1, buckets1, expiring1 := read()
	total2, available2, buckets2, expiring2 := read()

	assertDecimal(t, "110", total1)
	assert.True(t, total1.Equal(total2))
	assert.True(t, available1.Equal(available2))
	assert.True(t, buckets1.Subscription.Equal(buckets2.Subscription))
	assert.True(t, buckets1.PayAsYouGo.Equal(buckets2.PayAsYouGo))
	assert.True(t, expiring1.RemainingAmount.Equal(expiring2.RemainingAmount))
	assert.Equal(t, expiring1.GrantCount, expiring2.GrantCount)
	assert.Equal(t, before, h.countEntries())
}

func TestConsumeLocksAccountBeforeReadingBalance(t *testing.T) {
	h := newHarness(t)
	h.grant("user-o", "10", ledgerdomain.SourceTypePurchaseGrant, nil)

	var mu sync.Mutex
	var reads []string
	record := func(tx *gorm.DB) {
		sql := tx.Statement.SQL.String()
		if strings.HasPrefix(strings.TrimSpace(sql), "SELECT") {
			mu.Lock()
			reads = append(reads, sql)
			mu.Unlock()
		}
	}
	require.NoError(t, h.db.Callback().Query().After("gorm:query").Register("test:record_query", record))
	require.NoError(t, h.db.Callback().Row().After("gorm:row").Register("test:record_row", record))

	_, err := h.svc.Consume(h.ctx, domain.ConsumeRequest{UserID: "user-o", Amount: d("3"), Description: "Used service: X"})
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(reads), 2)
	assert.Contains(t, reads[0], "credit_accounts")
	assert.Contains(t, reads[1], "ledger_entries")
}

func TestConsumeCarriesCorrelationID(t *testing.T) {
	h := newHarness(t)
	h.grant("user-cid", "20", ledgerdomain.SourceTypePurchaseGrant, nil)

	var generated string
	_, err := h.svc.Consume(h.ctx, domain.ConsumeRequest{
		UserID:      "user-cid",
		Amount:      d("1"),
		Description: "Used service: X",
		AfterDebit: func(ctx context.Context, tx *gorm.DB, result *domain.ConsumeResult) error {
			generated = correlation.ExtractCorrelationID(ctx)
			return nil
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, generated)

	var kept string
	_, err = h.svc.Consume(correlation.ContextWithCorrelationID(h.ctx, "req-123"), domain.ConsumeRequest{
		UserID:      "user-cid",
		Amount:      d("1"),
		Description: "Used service: X",
		AfterDebit: func(ctx context.Context, tx *gorm.DB, result *domain.ConsumeResult) error {
			kept = correlation.ExtractCorrelationID(ctx)
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "req-123", kept)
}
