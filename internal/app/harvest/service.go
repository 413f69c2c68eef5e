// Package harvest drives a full run: species resolution, the resolution
// audit, the gene list of each species and the resumable per-gene
// processing that writes gene tree artifacts.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/ensembl-genetree/internal/app/processing"
	"github.com/ahrav/ensembl-genetree/internal/app/resolution"
	"github.com/ahrav/ensembl-genetree/internal/domain/dataset"
	"github.com/ahrav/ensembl-genetree/internal/domain/genetree"
	"github.com/ahrav/ensembl-genetree/internal/infra/tabular"
	"github.com/ahrav/ensembl-genetree/pkg/common/logger"
)

// Resolver maps species names to datasets.
type Resolver interface {
	ResolveAll(ctx context.Context, species []string) ([]dataset.Resolution, error)
	Confirm(ctx context.Context, res dataset.Resolution) (dataset.Resolution, error)
}

// GeneSource lists the protein coding genes of a dataset.
type GeneSource interface {
	ProteinCodingGenes(ctx context.Context, d dataset.Deployment, mart dataset.Mart, datasetName string) ([]genetree.Gene, error)
}

// Runner processes the genes of one species.
type Runner interface {
	Run(ctx context.Context, job processing.Job) (processing.Outcome, error)
}

// FetcherFactory returns the tree fetcher for a deployment.
type FetcherFactory func(d dataset.Deployment) genetree.TreeFetcher

// SinkFactory returns the artifact sink for a species directory.
type SinkFactory func(dir, species string) genetree.ArtifactSink

// metrics defines the species level metrics the service reports.
type metrics interface {
	IncSpeciesCompleted(ctx context.Context, status genetree.RunStatus)
	ObserveSpeciesDuration(ctx context.Context, d time.Duration)
}

// Config locates the outputs of a run.
type Config struct {
	// Root holds species directories and gene list files.
	Root string
	// AuditDir is relative to Root unless absolute.
	AuditDir string
}

func (c Config) auditDir() string {
	if filepath.IsAbs(c.AuditDir) {
		return c.AuditDir
	}
	return filepath.Join(c.Root, c.AuditDir)
}

// SpeciesPrefix turns "Homo sapiens" into "Homo_sapiens".
func SpeciesPrefix(species string) string {
	return strings.Join(strings.Fields(species), "_")
}

// SpeciesDir is the directory name holding the artifacts and checkpoint of
// a species resolved to deployment key.
func SpeciesDir(species string, key dataset.DeploymentKey) string {
	return SpeciesPrefix(species) + "_gene_tree_files_" + strings.ToLower(string(key))
}

// GeneListFile is the cached gene list file name of a species.
func GeneListFile(species string) string {
	return SpeciesPrefix(species) + tabular.GeneListSuffix
}

// Service runs harvests.
type Service struct {
	cfg      Config
	resolver Resolver
	genes    GeneSource
	fetchers FetcherFactory
	sinks    SinkFactory
	runner   Runner

	now     func() time.Time
	logger  *logger.Logger
	metrics metrics
	tracer  trace.Tracer
}

// NewService wires a harvest service.
func NewService(
	cfg Config,
	resolver Resolver,
	genes GeneSource,
	fetchers FetcherFactory,
	sinks SinkFactory,
	runner Runner,
	logger *logger.Logger,
	metrics metrics,
	tracer trace.Tracer,
) *Service {
	return &Service{
		cfg:      cfg,
		resolver: resolver,
		genes:    genes,
		fetchers: fetchers,
		sinks:    sinks,
		runner:   runner,
		now:      time.Now,
		logger:   logger.With("component", "harvest"),
		metrics:  metrics,
		tracer:   tracer,
	}
}

// Run resolves every species, writes the audit, then processes each
// resolved species in input order. Cancellation stops the run after the
// current gene's checkpoint is saved and is not an error. The returned
// error is non-nil only for run-level failures such as an unwritable audit
// or checkpoint.
func (s *Service) Run(ctx context.Context, species []string) (*RunContext, error) {
	rc := NewRunContext(s.now())
	log := s.logger.With("run_id", rc.ID.String())

	ctx, span := s.tracer.Start(ctx, "harvest.run",
		trace.WithAttributes(
			attribute.String("run.id", rc.ID.String()),
			attribute.Int("species.count", len(species)),
		))
	defer span.End()

	log.Info(ctx, "starting harvest", "species", len(species))

	resolutions, err := s.resolver.ResolveAll(ctx, species)
	for _, res := range resolutions {
		status := SpeciesPending
		if !res.Found {
			status = SpeciesUnresolved
		}
		rc.Results = append(rc.Results, SpeciesResult{Resolution: res, Status: status})
	}
	if err != nil {
		if ctx.Err() != nil {
			rc.interrupted = true
			log.Info(ctx, "harvest interrupted during resolution", "resolved", len(resolutions))
			return rc, nil
		}
		span.RecordError(err)
		return rc, fmt.Errorf("resolving species: %w", err)
	}

	auditPath, err := tabular.WriteAuditFile(s.cfg.auditDir(), rc.StartedAt, resolutions)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to write audit")
		return rc, fmt.Errorf("writing resolution audit: %w", err)
	}
	rc.AuditPath = auditPath
	log.Info(ctx, "resolution audit written",
		"path", auditPath,
		"resolved", len(resolutions)-rc.Count(SpeciesUnresolved),
		"unresolved", rc.Count(SpeciesUnresolved),
	)

	for i := range rc.Results {
		result := &rc.Results[i]
		if result.Status == SpeciesUnresolved {
			continue
		}
		if ctx.Err() != nil {
			rc.interrupted = true
			break
		}

		if err := s.processSpecies(ctx, result); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "species processing failed")
			return rc, err
		}
		if result.Status == SpeciesInterrupted {
			rc.interrupted = true
			break
		}
	}

	span.SetAttributes(attribute.Bool("interrupted", rc.interrupted))
	log.Info(ctx, "harvest finished",
		"completed", rc.Count(SpeciesCompleted),
		"skipped", rc.Count(SpeciesSkipped),
		"failed", rc.Count(SpeciesFailed),
		"interrupted", rc.interrupted,
	)
	return rc, nil
}

// processSpecies fills in result. Only run-level failures are returned.
func (s *Service) processSpecies(ctx context.Context, result *SpeciesResult) error {
	res := result.Resolution
	log := s.logger.With("species", res.Species)

	ctx, span := s.tracer.Start(ctx, "harvest.species",
		trace.WithAttributes(
			attribute.String("species", res.Species),
			attribute.String("deployment", string(res.Deployment.Key)),
		))
	defer span.End()

	start := time.Now()

	res, err := s.resolver.Confirm(ctx, res)
	if err != nil {
		if !resolution.IsSkippable(ctx, err) {
			result.Status = SpeciesInterrupted
			return nil
		}
		log.Warn(ctx, "skipping species, forced deployment has no matching dataset", "error", err)
		result.Status, result.Reason = SpeciesSkipped, err.Error()
		return nil
	}
	result.Resolution = res

	dir := filepath.Join(s.cfg.Root, SpeciesDir(res.Species, res.Deployment.Key))
	result.Dir = dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating species dir: %w", err)
	}

	genes, err := s.geneList(ctx, res)
	if err != nil {
		if ctx.Err() != nil {
			result.Status = SpeciesInterrupted
			return nil
		}
		span.RecordError(err)
		log.Error(ctx, "failed to get gene list", "dataset", res.Dataset, "error", err)
		result.Status, result.Reason = SpeciesFailed, "gene list unavailable"
		return nil
	}
	if len(genes) == 0 {
		log.Warn(ctx, "dataset lists no protein coding genes", "dataset", res.Dataset)
		result.Status, result.Reason = SpeciesSkipped, "no genes"
		return nil
	}

	outcome, err := s.runner.Run(ctx, processing.Job{
		Species: res.Species,
		Key:     dir,
		Genes:   genes,
		Fetcher: s.fetchers(res.Deployment),
		Sink:    s.sinks(dir, res.Species),
	})
	result.Outcome = outcome
	s.metrics.ObserveSpeciesDuration(ctx, time.Since(start))

	switch {
	case errors.Is(err, processing.ErrCheckpointLoad):
		// The file is left in place for inspection.
		log.Error(ctx, "skipping species with unreadable checkpoint", "dir", dir, "error", err)
		result.Status, result.Reason = SpeciesFailed, "unreadable checkpoint"
		return nil
	case err != nil:
		result.Status = SpeciesFailed
		return fmt.Errorf("processing %s: %w", res.Species, err)
	}

	s.metrics.IncSpeciesCompleted(ctx, outcome.Status)
	if outcome.Status == genetree.RunInterrupted {
		result.Status = SpeciesInterrupted
		return nil
	}
	result.Status = SpeciesCompleted
	return nil
}

// geneList reads the cached gene list of res, querying BioMart and caching
// the result when no list exists yet.
func (s *Service) geneList(ctx context.Context, res dataset.Resolution) ([]genetree.Gene, error) {
	path := filepath.Join(s.cfg.Root, GeneListFile(res.Species))

	genes, err := tabular.ReadGenesFile(path)
	if err == nil {
		s.logger.Info(ctx, "using cached gene list", "path", path, "genes", len(genes))
		return genes, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading gene list %s: %w", path, err)
	}

	genes, err = s.genes.ProteinCodingGenes(ctx, res.Deployment, res.Mart, res.Dataset)
	if err != nil {
		return nil, err
	}
	if len(genes) == 0 {
		return nil, nil
	}

	if err := tabular.WriteGenesFile(path, genes); err != nil {
		s.logger.Warn(ctx, "failed to cache gene list", "path", path, "error", err)
	}
	return genes, nil
}
