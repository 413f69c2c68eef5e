// Package resolution maps species names onto an Ensembl deployment and
// BioMart dataset by scoring every dataset each deployment's registry
// offers.
package resolution

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/ensembl-genetree/internal/domain/dataset"
	"github.com/ahrav/ensembl-genetree/pkg/common"
	"github.com/ahrav/ensembl-genetree/pkg/common/logger"
)

// Overrides pins species to a deployment ahead of scoring.
type Overrides interface {
	Override(species string) (dataset.DeploymentKey, bool)
}

// metrics defines the resolution metrics the resolver reports.
type metrics interface {
	IncSpeciesResolved(ctx context.Context, deployment string, forced bool)
	IncSpeciesUnresolved(ctx context.Context)
	IncRegistryFailures(ctx context.Context, deployment string)
}

// Resolver resolves species names against an ordered list of deployments.
// When two deployments offer equally good matches the one listed first wins.
type Resolver struct {
	registry    dataset.RegistryClient
	deployments []dataset.Deployment
	overrides   Overrides
	delay       time.Duration

	logger  *logger.Logger
	metrics metrics
	tracer  trace.Tracer
}

// NewResolver creates a Resolver. overrides may be nil. delay is waited
// between species in ResolveAll.
func NewResolver(
	registry dataset.RegistryClient,
	deployments []dataset.Deployment,
	overrides Overrides,
	delay time.Duration,
	logger *logger.Logger,
	metrics metrics,
	tracer trace.Tracer,
) *Resolver {
	return &Resolver{
		registry:    registry,
		deployments: deployments,
		overrides:   overrides,
		delay:       delay,
		logger:      logger.With("component", "resolver"),
		metrics:     metrics,
		tracer:      tracer,
	}
}

// Resolve finds the best deployment and dataset for species. Registry
// failures are logged and treated as an empty catalog. The returned error is
// non-nil only when ctx is done.
func (r *Resolver) Resolve(ctx context.Context, species string) (dataset.Resolution, error) {
	ctx, span := r.tracer.Start(ctx, "resolver.resolve",
		trace.WithAttributes(attribute.String("species", species)))
	defer span.End()

	binomial, err := dataset.ParseBinomial(species)
	if err != nil {
		r.logger.Warn(ctx, "skipping species with invalid name", "species", species, "error", err)
		r.metrics.IncSpeciesUnresolved(ctx)
		span.SetAttributes(attribute.Bool("found", false))
		return dataset.NotFound(species), nil
	}

	if res, ok := r.forced(ctx, species); ok {
		r.metrics.IncSpeciesResolved(ctx, string(res.Deployment.Key), true)
		span.SetAttributes(
			attribute.String("deployment", string(res.Deployment.Key)),
			attribute.Bool("forced", true),
		)
		return res, nil
	}

	var candidates []dataset.MatchCandidate
	for _, d := range r.deployments {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "resolution cancelled")
			return dataset.NotFound(species), err
		}

		cat, err := r.registry.Catalog(ctx, d)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return dataset.NotFound(species), ctxErr
			}
			span.RecordError(err)
			r.metrics.IncRegistryFailures(ctx, string(d.Key))
			r.logger.Warn(ctx, "registry unavailable, skipping deployment",
				"species", species,
				"deployment", d.Key,
				"error", err,
			)
			continue
		}
		candidates = append(candidates, dataset.ScoreCatalog(binomial, cat)...)
	}

	best, ok := dataset.Best(candidates)
	if !ok {
		r.logger.Info(ctx, "no dataset found", "species", species, "candidates", len(candidates))
		r.metrics.IncSpeciesUnresolved(ctx)
		span.SetAttributes(attribute.Bool("found", false))
		return dataset.NotFound(species), nil
	}

	res := dataset.FromCandidate(species, best)
	r.logger.Info(ctx, "resolved species",
		"species", species,
		"deployment", res.Deployment.Key,
		"dataset", res.Dataset,
		"score", res.Score,
	)
	r.metrics.IncSpeciesResolved(ctx, string(res.Deployment.Key), false)
	span.SetAttributes(
		attribute.Bool("found", true),
		attribute.String("deployment", string(res.Deployment.Key)),
		attribute.String("dataset", res.Dataset),
		attribute.Float64("score", res.Score),
	)
	return res, nil
}

func (r *Resolver) forced(ctx context.Context, species string) (dataset.Resolution, bool) {
	if r.overrides == nil {
		return dataset.Resolution{}, false
	}
	key, ok := r.overrides.Override(species)
	if !ok {
		return dataset.Resolution{}, false
	}
	d, ok := r.deployment(key)
	if !ok {
		r.logger.Warn(ctx, "override names an unconfigured deployment, scoring instead",
			"species", species, "deployment", key)
		return dataset.Resolution{}, false
	}
	r.logger.Info(ctx, "deployment forced", "species", species, "deployment", key)
	return dataset.Forced(species, d), true
}

func (r *Resolver) deployment(key dataset.DeploymentKey) (dataset.Deployment, bool) {
	for _, d := range r.deployments {
		if d.Key == key {
			return d, true
		}
	}
	return dataset.Deployment{}, false
}

// ResolveAll resolves every species in order, pausing between species. On
// cancellation it returns the resolutions completed so far and ctx.Err().
func (r *Resolver) ResolveAll(ctx context.Context, species []string) ([]dataset.Resolution, error) {
	out := make([]dataset.Resolution, 0, len(species))
	for i, name := range species {
		if i > 0 {
			if err := common.Sleep(ctx, r.delay); err != nil {
				return out, err
			}
		}
		res, err := r.Resolve(ctx, name)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

// Confirm looks up the dataset of a forced resolution in its deployment's
// registry. Resolutions that need no confirmation are returned unchanged.
// ErrNoDataset is returned when the deployment offers nothing matching.
func (r *Resolver) Confirm(ctx context.Context, res dataset.Resolution) (dataset.Resolution, error) {
	if !res.NeedsConfirmation() {
		return res, nil
	}

	ctx, span := r.tracer.Start(ctx, "resolver.confirm",
		trace.WithAttributes(
			attribute.String("species", res.Species),
			attribute.String("deployment", string(res.Deployment.Key)),
		))
	defer span.End()

	binomial, err := dataset.ParseBinomial(res.Species)
	if err != nil {
		span.RecordError(err)
		return res, err
	}

	cat, err := r.registry.Catalog(ctx, res.Deployment)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "registry lookup failed")
		return res, fmt.Errorf("confirming %s in %s: %w", res.Species, res.Deployment.Key, err)
	}

	best, ok := dataset.Best(dataset.ScoreCatalog(binomial, cat))
	if !ok {
		err := fmt.Errorf("%s in %s: %w", res.Species, res.Deployment.Key, dataset.ErrNoDataset)
		span.RecordError(err)
		return res, err
	}

	res.Dataset = best.Dataset
	res.Mart = best.Mart
	r.logger.Info(ctx, "confirmed forced dataset",
		"species", res.Species,
		"deployment", res.Deployment.Key,
		"dataset", res.Dataset,
	)
	return res, nil
}

// IsSkippable reports whether err from Confirm means the species should be
// skipped. Errors seen after ctx is done interrupt the run instead; a request
// that timed out on its own is still skippable.
func IsSkippable(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() == nil
}
