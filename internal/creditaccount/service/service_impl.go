package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/creditaccount/domain"
	"github.com/smallbiznis/creditledger/internal/creditaccount/lock"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/internal/orgcontext"
	pkgdb "github.com/smallbiznis/creditledger/pkg/db"
	"github.com/smallbiznis/creditledger/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	bucketSubscription = "subscription"
	bucketPayAsYouGo   = "pay_as_you_go"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Config        config.CreditsConfig
	Repo          domain.Repository
	LedgerRepo    ledgerdomain.Repository
	Ledger        ledgerdomain.Service
	Locker        lock.Locker
	ObsMetrics    *obsmetrics.Metrics       `optional:"true"`
	CreditMetrics *obsmetrics.CreditMetrics `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	cfg           config.CreditsConfig
	repo          domain.Repository
	ledgerRepo    ledgerdomain.Repository
	ledger        ledgerdomain.Service
	locker        lock.Locker
	obsMetrics    *obsmetrics.Metrics
	creditMetrics *obsmetrics.CreditMetrics
	tracer        trace.Tracer
}

func NewService(p Params) domain.Service {
	cfg := p.Config
	defaults := config.DefaultCreditsConfig()
	if cfg.LockWait <= 0 {
		cfg.LockWait = defaults.LockWait
	}
	if cfg.ConsumeMaxAttempts <= 0 {
		cfg.ConsumeMaxAttempts = defaults.ConsumeMaxAttempts
	}
	if cfg.MonthlyExpiryDays <= 0 {
		cfg.MonthlyExpiryDays = defaults.MonthlyExpiryDays
	}
	if cfg.YearlyExpiryDays <= 0 {
		cfg.YearlyExpiryDays = defaults.YearlyExpiryDays
	}

	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	locker := p.Locker
	if locker == nil {
		locker = lock.NewLocalLocker()
	}

	return &Service{
		db:            p.DB,
		log:           p.Log.Named("creditaccount.service"),
		genID:         p.GenID,
		clock:         clk,
		cfg:           cfg,
		repo:          p.Repo,
		ledgerRepo:    p.LedgerRepo,
		ledger:        p.Ledger,
		locker:        locker,
		obsMetrics:    p.ObsMetrics,
		creditMetrics: p.CreditMetrics,
		tracer:        otel.Tracer("creditledger/creditaccount"),
	}
}

func (s *Service) TotalBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	orgID, userID, err := scope(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	total, err := s.ledgerRepo.SumTotal(ctx, s.db, orgID, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return ledgerdomain.FromMinor(total), nil
}

func (s *Service) AvailableBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	orgID, userID, err := scope(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	available, err := s.ledgerRepo.SumAvailable(ctx, s.db, orgID, userID, s.clock.Now())
	if err != nil {
		return decimal.Zero, err
	}
	return ledgerdomain.FromMinor(available), nil
}

func (s *Service) AvailableBalanceByBucket(ctx context.Context, userID string) (domain.Buckets, error) {
	orgID, userID, err := scope(ctx, userID)
	if err != nil {
		return domain.Buckets{}, err
	}
	sums, err := s.ledgerRepo.SumAvailableByBucket(ctx, s.db, orgID, userID, s.clock.Now())
	if err != nil {
		return domain.Buckets{}, err
	}
	return toBuckets(sums), nil
}

// ExpiringWithin reports subscription grants that expire in (now, now+days], grouped by UTC date.
func (s *Service) ExpiringWithin(ctx context.Context, userID string, days int) (*domain.ExpiringCredits, error) {
	orgID, userID, err := scope(ctx, userID)
	if err != nil {
		return nil, err
	}
	if days < 0 {
		return nil, domain.ErrInvalidWindow
	}

	now := s.clock.Now()
	grants, err := s.ledgerRepo.ListExpiringGrants(ctx, s.db, orgID, userID, now, now.AddDate(0, 0, days))
	if err != nil {
		return nil, err
	}

	out := &domain.ExpiringCredits{
		Days:            days,
		TotalAmount:     decimal.Zero,
		RemainingAmount: decimal.Zero,
		GrantCount:      len(grants),
		ByDate:          []domain.ExpiringOnDate{},
	}
	var total, remaining int64
	index := map[string]int{}
	for _, g := range grants {
		total += g.Amount
		remaining += g.Remaining()

		date := g.ExpiresAt.UTC().Format("2006-01-02")
		i, ok := index[date]
		if !ok {
			i = len(out.ByDate)
			index[date] = i
			out.ByDate = append(out.ByDate, domain.ExpiringOnDate{Date: date, Amount: decimal.Zero, Remaining: decimal.Zero})
		}
		out.ByDate[i].Amount = out.ByDate[i].Amount.Add(ledgerdomain.FromMinor(g.Amount))
		out.ByDate[i].Remaining = out.ByDate[i].Remaining.Add(ledgerdomain.FromMinor(g.Remaining()))
	}
	out.TotalAmount = ledgerdomain.FromMinor(total)
	out.RemainingAmount = ledgerdomain.FromMinor(remaining)
	return out, nil
}

func (s *Service) ExpiredCount(ctx context.Context, userID string) (int64, error) {
	orgID, userID, err := scope(ctx, userID)
	if err != nil {
		return 0, err
	}
	return s.ledgerRepo.CountExpiredGrants(ctx, s.db, orgID, userID, s.clock.Now())
}

// Grant appends a positive entry. Subscription grants without an explicit expiry
// fall back to the configured monthly or yearly window.
func (s *Service) Grant(ctx context.Context, req domain.GrantRequest) (*ledgerdomain.LedgerEntry, error) {
	orgID, userID, err := scope(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	amount, err := positiveMinor(req.Amount)
	if err != nil {
		return nil, err
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		return nil, domain.ErrInvalidDescription
	}
	if !req.SourceType.IsGrant() {
		return nil, domain.ErrInvalidSourceType
	}
	if req.ExpiresAt != nil && req.SourceType != ledgerdomain.SourceTypeSubscriptionGrant {
		return nil, domain.ErrUnexpectedExpiry
	}

	now := s.clock.Now()
	expiresAt := req.ExpiresAt
	if req.SourceType == ledgerdomain.SourceTypeSubscriptionGrant && expiresAt == nil {
		fallback := now.AddDate(0, 0, s.fallbackDays(req.BillingInterval))
		expiresAt = &fallback
	}

	var entry *ledgerdomain.LedgerEntry
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ensureAccount(ctx, tx, orgID, userID, now); err != nil {
			return err
		}
		appended, err := s.ledger.AppendTx(ctx, tx, ledgerdomain.AppendRequest{
			OrgID:       orgID,
			UserID:      userID,
			Amount:      amount,
			SourceType:  req.SourceType,
			Description: description,
			ExpiresAt:   expiresAt,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
		entry = appended
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordCreditsGranted(ctx, string(req.SourceType), ledgerdomain.FromMinor(amount).InexactFloat64())
	}
	fields := []zap.Field{
		zap.String("user_id", userID),
		zap.String("ledger_entry_id", entry.ID.String()),
		zap.String("source_type", string(entry.SourceType)),
		zap.String("amount", ledgerdomain.FormatMinor(amount)),
	}
	if entry.ExpiresAt != nil {
		fields = append(fields, zap.Time("expires_at", *entry.ExpiresAt))
	}
	logger.WithContext(ctx, s.log).Info("credits granted", fields...)
	return entry, nil
}

// Consume debits amount from the subscription bucket first and the pay-as-you-go
// bucket for the rest, atomically, under the per-account lock.
func (s *Service) Consume(ctx context.Context, req domain.ConsumeRequest) (*domain.ConsumeResult, error) {
	ctx, _ = correlation.EnsureCorrelationID(ctx)
	orgID, userID, err := scope(ctx, req.UserID)
	if err != nil {
		s.creditMetrics.IncConsumeOutcome(obsmetrics.ConsumeOutcomeInvalid)
		return nil, err
	}
	amount, err := positiveMinor(req.Amount)
	if err != nil {
		s.creditMetrics.IncConsumeOutcome(obsmetrics.ConsumeOutcomeInvalid)
		return nil, err
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		s.creditMetrics.IncConsumeOutcome(obsmetrics.ConsumeOutcomeInvalid)
		return nil, domain.ErrInvalidDescription
	}

	ctx, span := s.tracer.Start(ctx, "creditaccount.Consume", trace.WithAttributes(
		attribute.String("org_id", orgID.String()),
		attribute.String("user_id", userID),
		attribute.String("amount", ledgerdomain.FormatMinor(amount)),
	))
	defer span.End()

	log := logger.WithContext(ctx, s.log).With(zap.String("user_id", userID))

	operation := func() (*domain.ConsumeResult, error) {
		result, err := s.consumeOnce(ctx, orgID, userID, amount, description, req.AfterDebit)
		if err == nil {
			return result, nil
		}
		if isConflict(err) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(uint(s.cfg.ConsumeMaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.creditMetrics.IncConsumeRetry(err)
			log.Warn("consume conflict, retrying", zap.Error(err), zap.Duration("backoff", next))
		}),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		return nil, s.consumeFailed(ctx, span, log, orgID, err)
	}

	span.SetAttributes(attribute.String("batch_id", result.BatchID), attribute.Int("legs", len(result.Entries)))
	s.creditMetrics.IncConsumeOutcome(obsmetrics.ConsumeOutcomeSuccess)
	if s.obsMetrics != nil {
		if result.Subscription.IsPositive() {
			s.obsMetrics.RecordCreditsConsumed(ctx, bucketSubscription, result.Subscription.InexactFloat64())
		}
		if result.PayAsYouGo.IsPositive() {
			s.obsMetrics.RecordCreditsConsumed(ctx, bucketPayAsYouGo, result.PayAsYouGo.InexactFloat64())
		}
	}
	log.Info("credits consumed",
		zap.String("batch_id", result.BatchID),
		zap.String("amount", ledgerdomain.FormatMinor(amount)),
		zap.String("subscription", result.Subscription.StringFixed(ledgerdomain.Scale)),
		zap.String("pay_as_you_go", result.PayAsYouGo.StringFixed(ledgerdomain.Scale)),
		zap.Int("legs", len(result.Entries)),
	)
	return result, nil
}

func (s *Service) consumeFailed(ctx context.Context, span trace.Span, log *zap.Logger, orgID snowflake.ID, err error) error {
	switch {
	case errors.Is(err, domain.ErrInsufficientCredits):
		s.creditMetrics.IncConsumeOutcome(obsmetrics.ConsumeOutcomeInsufficient)
		if s.obsMetrics != nil {
			s.obsMetrics.RecordInsufficientCredits(ctx, orgID.String())
		}
		span.SetAttributes(attribute.Bool("insufficient_credits", true))
		log.Info("consume rejected", zap.Error(err))
		return err
	case isConflict(err):
		s.creditMetrics.IncConsumeOutcome(obsmetrics.ConsumeOutcomeConflict)
		span.RecordError(err)
		span.SetStatus(codes.Error, "concurrency conflict")
		log.Warn("consume gave up after retries", zap.Error(err), zap.Int("max_attempts", s.cfg.ConsumeMaxAttempts))
		return fmt.Errorf("%w: %w", domain.ErrConcurrencyConflict, err)
	default:
		s.creditMetrics.IncConsumeOutcome(obsmetrics.ConsumeOutcomeError)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("consume failed", zap.Error(err))
		return err
	}
}

func (s *Service) consumeOnce(ctx context.Context, orgID snowflake.ID, userID string, amount int64, description string, afterDebit domain.AfterDebitFunc) (*domain.ConsumeResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.LockWait)
	started := time.Now()
	release, err := s.locker.Acquire(waitCtx, lock.AccountKey(orgID, userID))
	cancel()
	s.creditMetrics.ObserveLockWait(s.locker.Backend(), time.Since(started))
	if err != nil {
		return nil, err
	}
	defer release()

	var result *domain.ConsumeResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		if _, err := s.repo.GetOrCreateForUpdate(ctx, tx, s.newAccount(orgID, userID, now)); err != nil {
			return err
		}

		sums, err := s.ledgerRepo.SumAvailableByBucket(ctx, tx, orgID, userID, now)
		if err != nil {
			return err
		}
		if sums.Total() < amount {
			return &domain.InsufficientCreditsError{
				Available: ledgerdomain.FromMinor(sums.Total()),
				Required:  ledgerdomain.FromMinor(amount),
			}
		}

		legs, err := s.planLegs(ctx, tx, orgID, userID, amount, sums, now)
		if err != nil {
			return err
		}

		batchID := ulid.Make().String()
		entries := make([]ledgerdomain.LedgerEntry, 0, len(legs))
		var fromSubscription int64
		for _, leg := range legs {
			leg.OrgID = orgID
			leg.UserID = userID
			leg.Description = description
			leg.BatchID = &batchID
			leg.CreatedAt = now
			entry, err := s.ledger.AppendTx(ctx, tx, leg)
			if err != nil {
				return err
			}
			if entry.SourceType == ledgerdomain.SourceTypeSubscriptionConsumption {
				fromSubscription -= entry.Amount
			}
			entries = append(entries, *entry)
		}

		result = &domain.ConsumeResult{
			OrgID:          orgID,
			UserID:         userID,
			BatchID:        batchID,
			Amount:         ledgerdomain.FromMinor(amount),
			Entries:        entries,
			Subscription:   ledgerdomain.FromMinor(fromSubscription),
			PayAsYouGo:     ledgerdomain.FromMinor(amount - fromSubscription),
			AvailableAfter: ledgerdomain.FromMinor(sums.Total() - amount),
		}
		if afterDebit != nil {
			return afterDebit(ctx, tx, result)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// planLegs splits amount into ledger legs. The subscription share is drawn from
// open grants soonest-expiring first; each leg inherits its grant's expiry so the
// debit lapses together with the grant it came from.
func (s *Service) planLegs(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, userID string, amount int64, sums ledgerdomain.BucketSums, now time.Time) ([]ledgerdomain.AppendRequest, error) {
	take := min(amount, max(sums.Subscription, 0))
	legs := make([]ledgerdomain.AppendRequest, 0, 2)

	if take > 0 {
		grants, err := s.ledgerRepo.ListOpenSubscriptionGrants(ctx, tx, orgID, userID, now)
		if err != nil {
			return nil, err
		}
		left := take
		for _, grant := range grants {
			if left == 0 {
				break
			}
			draw := min(left, grant.Remaining())
			if draw <= 0 {
				continue
			}
			grantID := grant.ID
			legs = append(legs, ledgerdomain.AppendRequest{
				Amount:     -draw,
				SourceType: ledgerdomain.SourceTypeSubscriptionConsumption,
				ExpiresAt:  grant.ExpiresAt,
				GrantID:    &grantID,
			})
			left -= draw
		}
		if left > 0 {
			legs = append(legs, ledgerdomain.AppendRequest{
				Amount:     -left,
				SourceType: ledgerdomain.SourceTypeSubscriptionConsumption,
			})
		}
	}

	if remaining := amount - take; remaining > 0 {
		legs = append(legs, ledgerdomain.AppendRequest{
			Amount:     -remaining,
			SourceType: ledgerdomain.SourceTypePaygConsumption,
		})
	}
	return legs, nil
}

func (s *Service) ensureAccount(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, userID string, now time.Time) (*domain.CreditAccount, error) {
	return s.repo.GetOrCreate(ctx, tx, s.newAccount(orgID, userID, now))
}

func (s *Service) newAccount(orgID snowflake.ID, userID string, now time.Time) *domain.CreditAccount {
	return &domain.CreditAccount{
		ID:        s.genID.Generate(),
		OrgID:     orgID,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Service) fallbackDays(interval domain.BillingInterval) int {
	if domain.BillingInterval(strings.ToLower(strings.TrimSpace(string(interval)))) == domain.BillingIntervalYear {
		return s.cfg.YearlyExpiryDays
	}
	return s.cfg.MonthlyExpiryDays
}

func (s *Service) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	return b
}

func isConflict(err error) bool {
	return errors.Is(err, lock.ErrLockTimeout) || pkgdb.IsRetryableTxErr(err)
}

func scope(ctx context.Context, userID string) (snowflake.ID, string, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return 0, "", domain.ErrInvalidOrganization
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, "", domain.ErrInvalidUser
	}
	return orgID, userID, nil
}

func positiveMinor(amount decimal.Decimal) (int64, error) {
	if !amount.IsPositive() {
		return 0, domain.ErrInvalidAmount
	}
	minor, err := ledgerdomain.ToMinor(amount)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", domain.ErrInvalidAmount, err)
	}
	return minor, nil
}

func toBuckets(sums ledgerdomain.BucketSums) domain.Buckets {
	return domain.Buckets{
		Subscription: ledgerdomain.FromMinor(sums.Subscription),
		PayAsYouGo:   ledgerdomain.FromMinor(sums.PayAsYouGo),
		Total:        ledgerdomain.FromMinor(sums.Total()),
	}
}
