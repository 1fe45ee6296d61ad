package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/spimex-pipeline/internal/config"
)

func TestInitTracerProviderWithoutExporter(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), config.TelemetryConfig{ServiceName: "spimex-test"}, nil)
	require.NoError(t, err)
	defer Shutdown(tp, nil)

	assert.Same(t, tp, otel.GetTracerProvider())
	assert.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
}

func TestInitTracerProviderWithExporter(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), config.TelemetryConfig{
		ServiceName:  "spimex-test",
		OTLPEndpoint: "http://127.0.0.1:4318/v1/traces",
		SampleRatio:  0.5,
	}, nil)
	require.NoError(t, err)
	Shutdown(tp, nil)
}

func TestSampleRatio(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 1.0, sampleRatio(0), 0)
	assert.InDelta(t, 1.0, sampleRatio(3), 0)
	assert.InDelta(t, 0.25, sampleRatio(0.25), 0)
}
