package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	for _, ratio := range []float64{-0.1, 1.5} {
		cfg := DefaultConfig()
		cfg.SampleRatio = ratio
		assert.Error(t, cfg.Validate())
	}
}

func TestSetupWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), DefaultConfig(), nil)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	fields := otel.GetTextMapPropagator().Fields()
	assert.Contains(t, fields, "traceparent")
	assert.Contains(t, fields, "baggage")
}

func TestProviderSampling(t *testing.T) {
	tests := []struct {
		ratio float64
		want  int
	}{
		{1, 10},
		{0, 0},
	}
	for _, tt := range tests {
		exp := tracetest.NewInMemoryExporter()
		cfg := DefaultConfig()
		cfg.SampleRatio = tt.ratio
		tp, err := newProvider(exp, cfg)
		require.NoError(t, err)

		tracer := tp.Tracer("test")
		for i := 0; i < 10; i++ {
			_, span := tracer.Start(context.Background(), "publish")
			span.End()
		}
		require.NoError(t, tp.ForceFlush(context.Background()))
		assert.Len(t, exp.GetSpans(), tt.want)
		require.NoError(t, tp.Shutdown(context.Background()))
	}
}
