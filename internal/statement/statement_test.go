package statement

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	creditdomain "github.com/smallbiznis/creditledger/internal/creditaccount/domain"
	"github.com/smallbiznis/creditledger/internal/creditaccount/lock"
	creditrepository "github.com/smallbiznis/creditledger/internal/creditaccount/repository"
	creditservice "github.com/smallbiznis/creditledger/internal/creditaccount/service"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	ledgerrepository "github.com/smallbiznis/creditledger/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/creditledger/internal/ledger/service"
	"github.com/smallbiznis/creditledger/internal/orgcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newStatementEnv(t *testing.T) (*Service, creditdomain.Service, *clock.FakeClock, context.Context) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&ledgerdomain.LedgerEntry{}, &creditdomain.CreditAccount{}))

	node, err := snowflake.NewNode(5)
	require.NoError(t, err)
	log := zap.NewNop()
	fc := clock.NewFakeClock(time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC))

	ledgerRepo := ledgerrepository.Provide()
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node, Repo: ledgerRepo})
	credits := creditservice.NewService(creditservice.Params{
		DB:         db,
		Log:        log,
		GenID:      node,
		Clock:      fc,
		Config:     config.DefaultCreditsConfig(),
		Repo:       creditrepository.Provide(),
		LedgerRepo: ledgerRepo,
		Ledger:     ledgerSvc,
		Locker:     lock.NewLocalLocker(),
	})

	svc := NewService(Params{Log: log, Clock: fc, Credits: credits, Ledger: ledgerSvc})
	return svc, credits, fc, orgcontext.WithOrgID(context.Background(), int64(node.Generate()))
}

func TestBuildStatement(t *testing.T) {
	svc, credits, fc, ctx := newStatementEnv(t)
	from := fc.Now()

	expiresAt := from.AddDate(0, 0, 10)
	_, err := credits.Grant(ctx, creditdomain.GrantRequest{
		UserID:      "user-1",
		Amount:      decimal.NewFromInt(100),
		Description: "Monthly plan",
		SourceType:  ledgerdomain.SourceTypeSubscriptionGrant,
		ExpiresAt:   &expiresAt,
	})
	require.NoError(t, err)
	fc.Advance(time.Hour)
	_, err = credits.Grant(ctx, creditdomain.GrantRequest{
		UserID:      "user-1",
		Amount:      decimal.NewFromInt(50),
		Description: "Top-up",
		SourceType:  ledgerdomain.SourceTypePurchaseGrant,
	})
	require.NoError(t, err)
	fc.Advance(time.Hour)
	_, err = credits.Consume(ctx, creditdomain.ConsumeRequest{
		UserID:      "user-1",
		Amount:      decimal.NewFromInt(120),
		Description: "Used service: Text Sentiment Analysis",
	})
	require.NoError(t, err)

	stmt, err := svc.Build(ctx, "user-1", from, from.AddDate(0, 0, 1))
	require.NoError(t, err)

	require.Len(t, stmt.Entries, 4)
	assert.Equal(t, "Monthly plan", stmt.Entries[0].Description)
	assert.Equal(t, "Top-up", stmt.Entries[1].Description)
	assert.True(t, decimal.NewFromInt(150).Equal(stmt.Credited))
	assert.True(t, decimal.NewFromInt(120).Equal(stmt.Debited))
	assert.True(t, decimal.NewFromInt(30).Equal(stmt.Balance.Total))
	assert.True(t, stmt.Balance.Subscription.IsZero())
	require.NotNil(t, stmt.Expiring)
	assert.Equal(t, 1, stmt.Expiring.GrantCount)

	later, err := svc.Build(ctx, "user-1", from.AddDate(0, 0, 1), from.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.Empty(t, later.Entries)
	assert.True(t, later.Credited.IsZero())
}

func TestRenderProducesPDF(t *testing.T) {
	svc, credits, fc, ctx := newStatementEnv(t)
	_, err := credits.Grant(ctx, creditdomain.GrantRequest{
		UserID:      "user-2",
		Amount:      decimal.RequireFromString("12.34"),
		Description: "Top-up",
		SourceType:  ledgerdomain.SourceTypePurchaseGrant,
	})
	require.NoError(t, err)

	reader, err := svc.Render(ctx, "user-2", fc.Now().Add(-time.Hour), fc.Now().Add(time.Hour))
	require.NoError(t, err)
	doc, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.NotEmpty(t, doc)
	assert.True(t, strings.HasPrefix(string(doc), "%PDF"))
}

func TestBuildRejectsEmptyPeriod(t *testing.T) {
	svc, _, fc, ctx := newStatementEnv(t)
	_, err := svc.Build(ctx, "user-3", fc.Now(), fc.Now())
	require.ErrorIs(t, err, ErrInvalidPeriod)

	_, err = svc.Build(context.Background(), "user-3", fc.Now(), fc.Now().Add(time.Hour))
	require.Error(t, err)
}
