package tracing

import (
	"context"
	"testing"

	"github.com/smallbiznis/creditledger/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestCorrelationSpanProcessorStampsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(&correlationSpanProcessor{}),
		sdktrace.WithSpanProcessor(recorder),
	)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx := correlation.ContextWithCorrelationID(context.Background(), "cid-42")
	_, span := tp.Tracer("test").Start(ctx, "creditaccount.Consume")
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)

	found := false
	for _, attr := range spans[0].Attributes() {
		if attr.Key == "correlation_id" {
			found = true
			assert.Equal(t, "cid-42", attr.Value.AsString())
		}
	}
	assert.True(t, found)
}

func TestNewProviderDisabled(t *testing.T) {
	tp, err := NewProvider(nil, Config{Enabled: false}, nil)
	require.NoError(t, err)
	require.NotNil(t, tp)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestNewExporterRejectsUnknownProtocol(t *testing.T) {
	_, err := newExporter("carrier-pigeon", "")
	assert.Error(t, err)
}
