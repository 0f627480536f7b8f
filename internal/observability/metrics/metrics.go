package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes credit ledger instruments.
type Metrics struct {
	ledgerEntries       metric.Int64Counter
	creditsGranted      metric.Float64Counter
	creditsConsumed     metric.Float64Counter
	insufficientCredits metric.Int64Counter
	usageRecords        metric.Int64Counter
	operationFailures   metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "creditledger"
	}
	meter := provider.Meter(name)

	ledgerEntries, err := meter.Int64Counter("creditledger_ledger_entries_total")
	if err != nil {
		return nil, err
	}
	creditsGranted, err := meter.Float64Counter("creditledger_credits_granted_total",
		metric.WithDescription("Credits granted, summed by source type."))
	if err != nil {
		return nil, err
	}
	creditsConsumed, err := meter.Float64Counter("creditledger_credits_consumed_total",
		metric.WithDescription("Credits consumed, summed by bucket."))
	if err != nil {
		return nil, err
	}
	insufficientCredits, err := meter.Int64Counter("creditledger_insufficient_credits_total")
	if err != nil {
		return nil, err
	}
	usageRecords, err := meter.Int64Counter("creditledger_usage_records_total")
	if err != nil {
		return nil, err
	}
	operationFailures, err := meter.Int64Counter("creditledger_paid_operation_failures_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		ledgerEntries:       ledgerEntries,
		creditsGranted:      creditsGranted,
		creditsConsumed:     creditsConsumed,
		insufficientCredits: insufficientCredits,
		usageRecords:        usageRecords,
		operationFailures:   operationFailures,
	}, nil
}

// RecordLedgerEntry increments ledger entry counts.
func (m *Metrics) RecordLedgerEntry(ctx context.Context, sourceType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("source_type", strings.TrimSpace(sourceType)))
	m.ledgerEntries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCreditsGranted adds a granted amount.
func (m *Metrics) RecordCreditsGranted(ctx context.Context, sourceType string, amount float64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("source_type", strings.TrimSpace(sourceType)))
	m.creditsGranted.Add(ctx, amount, metric.WithAttributes(attrs...))
}

// RecordCreditsConsumed adds a consumed amount for one bucket.
func (m *Metrics) RecordCreditsConsumed(ctx context.Context, bucket string, amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("bucket", strings.TrimSpace(bucket)))
	m.creditsConsumed.Add(ctx, amount, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordInsufficientCredits(ctx context.Context, orgID string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("org_id", strings.TrimSpace(orgID)))
	m.insufficientCredits.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordUsageRecord(ctx context.Context, service string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("service", strings.TrimSpace(service)))
	m.usageRecords.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordOperationFailure(ctx context.Context, service string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("service", strings.TrimSpace(service)))
	m.operationFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"org_id":      {},
	"source_type": {},
	"bucket":      {},
	"service":     {},
	"outcome":     {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
