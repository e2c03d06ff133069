package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled, "telemetry must be opt-in")
	assert.Equal(t, "neuromesh", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestDisabledProviderIsInert(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{ServiceName: "svc", ServiceVersion: "1.0.0"})
	require.NoError(t, err)

	// Every recording helper must be safe without exporters.
	p.RecordDecision(ctx, "ALLOW", 5*time.Millisecond)
	p.RecordAppend(ctx, "svc", nil, 0)
	p.RecordAppend(ctx, "svc", errors.New("contention"), 3)
	p.RecordHealthChange(ctx, "reachable", "degraded")

	spanCtx, span := p.StartSpan(ctx, "test")
	span.End()
	assert.NotNil(t, spanCtx)

	assert.NotNil(t, p.Logger())
	assert.NoError(t, p.Shutdown(ctx))
}

func TestNilConfigFallsBackToDefaults(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "neuromesh", p.config.ServiceName)
}

func TestLoggerCarriesServiceAttributes(t *testing.T) {
	p, err := New(context.Background(), &Config{ServiceName: "connector-a", ServiceVersion: "2.1.0"})
	require.NoError(t, err)
	require.NotNil(t, p.Logger())
	// Attribute presence is covered by construction; the handler renders
	// them on every record.
	p.Logger().Info("startup")
}
