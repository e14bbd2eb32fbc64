package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/glimte/mmate-bus/messaging"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	byName := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			byName[m.Name] = m
		}
	}
	return byName
}

func sum(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	data, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range data.DataPoints {
		total += dp.Value
	}
	return total
}

func TestOTelListener(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	l, err := NewOTelListener(mp)
	require.NoError(t, err)

	l.OnEvent(ctx, messaging.LifecycleEvent{Type: messaging.EventAttemptStarted, Endpoint: "orders", Count: 2})
	l.OnEvent(ctx, failed("orders", decodeError{}))
	l.OnEvent(ctx, committed("orders", 2, 10*time.Millisecond))

	metrics := collect(t, reader)
	assert.Equal(t, int64(3), sum(t, metrics["mmate.lifecycle.events"]))
	assert.Equal(t, int64(2), sum(t, metrics["mmate.messages"]))
	assert.Equal(t, int64(1), sum(t, metrics["mmate.errors"]))

	hist, ok := metrics["mmate.batch.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
	assert.InDelta(t, 0.01, hist.DataPoints[0].Sum, 0.0001)
}
