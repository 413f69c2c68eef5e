package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ahrav/ensembl-genetree/internal/domain/genetree"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestHarvestMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	h, err := New(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	ctx := context.Background()
	h.IncGenesProcessed(ctx, genetree.OutcomeTree)
	h.IncGenesProcessed(ctx, genetree.OutcomeTree)
	h.IncGenesProcessed(ctx, genetree.OutcomeFailed)
	h.IncGenesSkipped(ctx, 0)
	h.IncGenesSkipped(ctx, 3)
	h.ObserveGeneDuration(ctx, 250*time.Millisecond)
	h.IncSpeciesCompleted(ctx, genetree.RunCompleted)

	data := collect(t, reader)

	processed, ok := data["genes_processed_total"].(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range processed.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(3), total)
	assert.Len(t, processed.DataPoints, 2, "one series per outcome")

	skipped, ok := data["genes_skipped_total"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, skipped.DataPoints, 1)
	assert.Equal(t, int64(3), skipped.DataPoints[0].Value)

	hist, ok := data["gene_processing_duration_seconds"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}
