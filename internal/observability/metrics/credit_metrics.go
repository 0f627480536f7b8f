package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	ConsumeOutcomeSuccess      = "success"
	ConsumeOutcomeInsufficient = "insufficient_credits"
	ConsumeOutcomeConflict     = "conflict"
	ConsumeOutcomeInvalid      = "invalid"
	ConsumeOutcomeError        = "error"
)

const (
	RetryReasonLockWaitTimeout      = "lock_wait_timeout"
	RetryReasonDBLockTimeout        = "db_lock_timeout"
	RetryReasonSerializationFailure = "serialization_failure"
	RetryReasonDeadlock             = "deadlock"
	RetryReasonDatabaseBusy         = "database_busy"
	RetryReasonUnknown              = "unknown"
)

const (
	LockBackendLocal = "local"
	LockBackendRedis = "redis"
)

// CreditMetrics captures consumption critical-section health.
type CreditMetrics struct {
	consumeAttempts *prometheus.CounterVec
	consumeRetries  *prometheus.CounterVec
	lockWait        *prometheus.HistogramVec
}

var (
	creditMetricsOnce sync.Once
	creditMetrics     *CreditMetrics
)

// Credits returns the singleton credit metrics registry.
func Credits() *CreditMetrics {
	return CreditsWithConfig(Config{})
}

// CreditsWithConfig returns the singleton credit metrics registry using config labels.
func CreditsWithConfig(cfg Config) *CreditMetrics {
	creditMetricsOnce.Do(func() {
		creditMetrics = newCreditMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return creditMetrics
}

// NewCreditMetrics builds credit metrics on an explicit registerer.
func NewCreditMetrics(registerer prometheus.Registerer, cfg Config) *CreditMetrics {
	return newCreditMetrics(registerer, cfg)
}

// ResetCreditMetricsForTest resets the credit metrics singleton for tests.
func ResetCreditMetricsForTest() {
	creditMetricsOnce = sync.Once{}
	creditMetrics = nil
}

func newCreditMetrics(registerer prometheus.Registerer, cfg Config) *CreditMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "creditledger"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	consumeAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditledger_consume_attempts_total",
		Help:        "Consume calls by final outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	consumeRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditledger_consume_retries_total",
		Help:        "Consume attempts retried after a concurrency conflict.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	lockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "creditledger_account_lock_wait_seconds",
		Help:        "Time spent waiting for the per-account consumption lock.",
		Buckets:     []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		ConstLabels: constLabels,
	}, []string{"backend"})

	registerer.MustRegister(consumeAttempts, consumeRetries, lockWait)

	return &CreditMetrics{
		consumeAttempts: consumeAttempts,
		consumeRetries:  consumeRetries,
		lockWait:        lockWait,
	}
}

func (m *CreditMetrics) IncConsumeOutcome(outcome string) {
	if m == nil {
		return
	}
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		outcome = ConsumeOutcomeError
	}
	m.consumeAttempts.WithLabelValues(outcome).Inc()
}

func (m *CreditMetrics) IncConsumeRetry(err error) {
	if m == nil {
		return
	}
	m.consumeRetries.WithLabelValues(ClassifyRetryReason(err)).Inc()
}

func (m *CreditMetrics) ObserveLockWait(backend string, d time.Duration) {
	if m == nil {
		return
	}
	if d < 0 {
		d = 0
	}
	m.lockWait.WithLabelValues(backend).Observe(d.Seconds())
}

// ClassifyRetryReason maps a retryable failure to a low-cardinality label.
func ClassifyRetryReason(err error) string {
	switch {
	case err == nil:
		return RetryReasonUnknown
	case errors.Is(err, context.DeadlineExceeded):
		return RetryReasonLockWaitTimeout
	case hasPGCode(err, "55P03"):
		return RetryReasonDBLockTimeout
	case hasPGCode(err, "40001"):
		return RetryReasonSerializationFailure
	case hasPGCode(err, "40P01"):
		return RetryReasonDeadlock
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "lock wait"):
		return RetryReasonLockWaitTimeout
	case strings.Contains(msg, "deadlock"):
		return RetryReasonDeadlock
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "sqlite_busy"):
		return RetryReasonDatabaseBusy
	}
	return RetryReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
