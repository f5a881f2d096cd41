package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracerProviderDisabled(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), Config{ServiceName: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	assert.False(t, span.SpanContext().IsSampled())
	span.End()
}

func TestInitTracerProviderRequiresEndpoint(t *testing.T) {
	_, err := InitTracerProvider(context.Background(), Config{Enabled: true})
	require.Error(t, err)
}

func TestInitTracerProviderEnabled(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), Config{
		Enabled:     true,
		Endpoint:    "127.0.0.1:4317",
		Insecure:    true,
		SampleRatio: 1,
	})
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	assert.True(t, span.SpanContext().IsSampled())
	span.End()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = tp.Shutdown(ctx)
}
