package observability

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
)

func newTestProvider(t *testing.T) (*Provider, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	spans := tracetest.NewInMemoryExporter()
	p := &Provider{config: DefaultConfig()}
	require.NoError(t, p.attach(
		sdktrace.NewTracerProvider(sdktrace.WithSyncer(spans)),
		sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	))
	return p, reader, spans
}

func sumByCode(t *testing.T, reader *sdkmetric.ManualReader, name string) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				code, _ := dp.Attributes.Value("error.code")
				out[code.AsString()] += dp.Value
			}
		}
	}
	return out
}

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())

	_, done := p.TrackOperation(context.Background(), "submit")
	done(errors.New("boom"))
	p.RecordDecision(context.Background(), contracts.QuorumDecision{Outcome: contracts.OutcomeCommitted})
	p.RecordRollback(context.Background(), "dns/api", "guardrail")
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestTrackOperation_CountsErrorsByCode(t *testing.T) {
	p, reader, spans := newTestProvider(t)
	ctx := context.Background()

	_, done := p.TrackOperation(ctx, "submit", attribute.String("resource_key", "dns/api"))
	done(nil)
	_, done = p.TrackOperation(ctx, "submit")
	done(fmt.Errorf("validate: %w", contracts.ErrCycleDetected))
	_, done = p.TrackOperation(ctx, "vote")
	done(errors.New("unclassified"))

	codes := sumByCode(t, reader, "enactor.errors.total")
	assert.Equal(t, int64(1), codes["CYCLE_DETECTED"])
	assert.Equal(t, int64(1), codes["INTERNAL"])

	ended := spans.GetSpans()
	require.Len(t, ended, 3)
	assert.Equal(t, "submit", ended[0].Name)
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	assert.Equal(t, sdktrace.NeverSample().Description(), sampler(0).Description())
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}
