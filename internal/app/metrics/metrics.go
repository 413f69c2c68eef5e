// Package metrics exposes the OpenTelemetry instruments recorded during a
// harvest.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/ensembl-genetree/internal/domain/genetree"
)

// HarvestMetrics defines every metrics operation used by a harvest run.
type HarvestMetrics interface {
	// Resolution metrics
	IncSpeciesResolved(ctx context.Context, deployment string, forced bool)
	IncSpeciesUnresolved(ctx context.Context)
	IncRegistryFailures(ctx context.Context, deployment string)

	// Processing metrics
	IncGenesProcessed(ctx context.Context, outcome genetree.ItemOutcome)
	IncGenesSkipped(ctx context.Context, n int)
	ObserveGeneDuration(ctx context.Context, d time.Duration)
	IncCheckpointSaves(ctx context.Context)

	// Species metrics
	IncSpeciesCompleted(ctx context.Context, status genetree.RunStatus)
	ObserveSpeciesDuration(ctx context.Context, d time.Duration)
}

// Harvest implements HarvestMetrics.
type Harvest struct {
	speciesResolved   metric.Int64Counter
	speciesUnresolved metric.Int64Counter
	registryFailures  metric.Int64Counter

	genesProcessed  metric.Int64Counter
	genesSkipped    metric.Int64Counter
	geneDuration    metric.Float64Histogram
	checkpointSaves metric.Int64Counter

	speciesCompleted metric.Int64Counter
	speciesDuration  metric.Float64Histogram
}

var _ HarvestMetrics = (*Harvest)(nil)

const namespace = "genetree"

// New creates the harvest instruments on mp.
func New(mp metric.MeterProvider) (*Harvest, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	h := new(Harvest)
	var err error

	if h.speciesResolved, err = meter.Int64Counter(
		"species_resolved_total",
		metric.WithDescription("Total number of species resolved to a dataset"),
	); err != nil {
		return nil, err
	}

	if h.speciesUnresolved, err = meter.Int64Counter(
		"species_unresolved_total",
		metric.WithDescription("Total number of species without a matching dataset"),
	); err != nil {
		return nil, err
	}

	if h.registryFailures, err = meter.Int64Counter(
		"registry_failures_total",
		metric.WithDescription("Total number of failed registry lookups"),
	); err != nil {
		return nil, err
	}

	if h.genesProcessed, err = meter.Int64Counter(
		"genes_processed_total",
		metric.WithDescription("Total number of genes processed, by outcome"),
	); err != nil {
		return nil, err
	}

	if h.genesSkipped, err = meter.Int64Counter(
		"genes_skipped_total",
		metric.WithDescription("Total number of genes skipped because a checkpoint lists them"),
	); err != nil {
		return nil, err
	}

	if h.geneDuration, err = meter.Float64Histogram(
		"gene_processing_duration_seconds",
		metric.WithDescription("Time taken to fetch and record one gene"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if h.checkpointSaves, err = meter.Int64Counter(
		"checkpoint_saves_total",
		metric.WithDescription("Total number of checkpoint saves"),
	); err != nil {
		return nil, err
	}

	if h.speciesCompleted, err = meter.Int64Counter(
		"species_runs_total",
		metric.WithDescription("Total number of species runs, by final status"),
	); err != nil {
		return nil, err
	}

	if h.speciesDuration, err = meter.Float64Histogram(
		"species_processing_duration_seconds",
		metric.WithDescription("Time taken to process one species"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return h, nil
}

func (h *Harvest) IncSpeciesResolved(ctx context.Context, deployment string, forced bool) {
	h.speciesResolved.Add(ctx, 1, metric.WithAttributes(
		attribute.String("deployment", deployment),
		attribute.Bool("forced", forced),
	))
}

func (h *Harvest) IncSpeciesUnresolved(ctx context.Context) { h.speciesUnresolved.Add(ctx, 1) }

func (h *Harvest) IncRegistryFailures(ctx context.Context, deployment string) {
	h.registryFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("deployment", deployment)))
}

func (h *Harvest) IncGenesProcessed(ctx context.Context, outcome genetree.ItemOutcome) {
	h.genesProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

func (h *Harvest) IncGenesSkipped(ctx context.Context, n int) {
	if n > 0 {
		h.genesSkipped.Add(ctx, int64(n))
	}
}

func (h *Harvest) ObserveGeneDuration(ctx context.Context, d time.Duration) {
	h.geneDuration.Record(ctx, d.Seconds())
}

func (h *Harvest) IncCheckpointSaves(ctx context.Context) { h.checkpointSaves.Add(ctx, 1) }

func (h *Harvest) IncSpeciesCompleted(ctx context.Context, status genetree.RunStatus) {
	h.speciesCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status.String())))
}

func (h *Harvest) ObserveSpeciesDuration(ctx context.Context, d time.Duration) {
	h.speciesDuration.Record(ctx, d.Seconds())
}
