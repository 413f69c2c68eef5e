// Package processing runs the resumable per-gene loop for one species: each
// gene not yet recorded in the checkpoint is fetched, its outcome written as
// an artifact, and the checkpoint saved before the next gene starts.
package processing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/ensembl-genetree/internal/domain/genetree"
	"github.com/ahrav/ensembl-genetree/pkg/common"
	"github.com/ahrav/ensembl-genetree/pkg/common/logger"
)

var (
	// ErrItemPanic wraps a panic recovered while handling one gene.
	ErrItemPanic = errors.New("gene handler panicked")
	// ErrCheckpointLoad marks a run that could not start because its
	// checkpoint was unreadable.
	ErrCheckpointLoad = errors.New("checkpoint unavailable")
	// ErrRunPanic wraps a panic that escaped the per-gene handling. The
	// checkpoint is saved before it is returned.
	ErrRunPanic = errors.New("gene run panicked")
)

// Config controls pacing of a run.
type Config struct {
	// BatchSize only groups progress logs.
	BatchSize int
	// ItemDelay is waited after every dispatched gene.
	ItemDelay time.Duration
	// ItemTimeout bounds the fetch of one gene. Zero means no bound.
	ItemTimeout time.Duration
}

// DefaultConfig mirrors the compiled-in configuration defaults.
func DefaultConfig() Config {
	return Config{BatchSize: 100, ItemDelay: time.Second, ItemTimeout: 5 * time.Minute}
}

// metrics defines the processing metrics the processor reports.
type metrics interface {
	IncGenesProcessed(ctx context.Context, outcome genetree.ItemOutcome)
	IncGenesSkipped(ctx context.Context, n int)
	ObserveGeneDuration(ctx context.Context, d time.Duration)
	IncCheckpointSaves(ctx context.Context)
}

// Job is the work of one species.
type Job struct {
	Species string
	// Key identifies the checkpoint, normally the species output directory.
	Key     string
	Genes   []genetree.Gene
	Fetcher genetree.TreeFetcher
	Sink    genetree.ArtifactSink
}

// Outcome summarizes a run.
type Outcome struct {
	Status     genetree.RunStatus
	Total      int
	Dispatched int
	Skipped    int
	Trees      int
	NoTrees    int
	Failed     int
	// Position is the checkpoint position at the end of the run.
	Position int
}

// Processed is the number of genes whose outcome was recorded this run.
func (o Outcome) Processed() int { return o.Trees + o.NoTrees + o.Failed }

func (o *Outcome) record(outcome genetree.ItemOutcome) {
	switch outcome {
	case genetree.OutcomeTree:
		o.Trees++
	case genetree.OutcomeNoTree:
		o.NoTrees++
	case genetree.OutcomeFailed:
		o.Failed++
	}
}

// Processor runs jobs one gene at a time.
type Processor struct {
	checkpoints genetree.CheckpointRepository
	cfg         Config

	logger  *logger.Logger
	metrics metrics
	tracer  trace.Tracer
}

// NewProcessor creates a Processor that persists progress in checkpoints.
func NewProcessor(
	checkpoints genetree.CheckpointRepository,
	cfg Config,
	logger *logger.Logger,
	metrics metrics,
	tracer trace.Tracer,
) *Processor {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Processor{
		checkpoints: checkpoints,
		cfg:         cfg,
		logger:      logger.With("component", "processor"),
		metrics:     metrics,
		tracer:      tracer,
	}
}

// Run processes every gene of job that the checkpoint does not list yet.
//
// Genes are handled strictly in order. Fetch errors and panics are recorded
// as error artifacts and the gene counts as processed. When ctx is
// cancelled no further gene is dispatched, a gene whose fetch was cut short
// is left unprocessed, the checkpoint is saved and the outcome status is
// RunInterrupted with a nil error. A non-nil error means the checkpoint
// could not be loaded (ErrCheckpointLoad) or saved, or the loop panicked
// (ErrRunPanic).
func (p *Processor) Run(ctx context.Context, job Job) (result Outcome, err error) {
	ctx, span := p.tracer.Start(ctx, "processor.run",
		trace.WithAttributes(
			attribute.String("species", job.Species),
			attribute.String("checkpoint.key", job.Key),
			attribute.Int("genes.total", len(job.Genes)),
		))
	defer span.End()

	out := Outcome{Status: genetree.RunNotStarted, Total: len(job.Genes)}
	log := p.logger.With("species", job.Species)

	cp, err := p.checkpoints.Load(ctx, job.Key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load checkpoint")
		return out, fmt.Errorf("%w for %s: %w", ErrCheckpointLoad, job.Species, err)
	}
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err = fmt.Errorf("%w: %v", ErrRunPanic, r)
		span.RecordError(err)
		span.SetStatus(codes.Error, "run panicked")
		log.Error(ctx, "run panicked, saving checkpoint", "panic", r, "position", cp.Position())
		if serr := p.save(context.WithoutCancel(ctx), job.Key, cp); serr != nil {
			err = errors.Join(err, serr)
		}
		out.Position = cp.Position()
		result = out
	}()

	if cp.ProcessedCount() > 0 {
		log.Info(ctx, "resuming from checkpoint",
			"processed", cp.ProcessedCount(),
			"position", cp.Position(),
			"last_gene", cp.LastProcessed(),
		)
	}

	if err := p.transition(&out, genetree.RunRunning); err != nil {
		return out, err
	}

	batches := (len(job.Genes) + p.cfg.BatchSize - 1) / p.cfg.BatchSize
	skipped := 0
	for i, gene := range job.Genes {
		if i%p.cfg.BatchSize == 0 {
			log.Info(ctx, "processing batch",
				"batch", i/p.cfg.BatchSize+1,
				"batches", batches,
				"processed", cp.ProcessedCount(),
			)
		}

		if ctx.Err() != nil {
			return p.interrupt(ctx, span, job, cp, out, skipped)
		}

		if cp.IsProcessed(gene.ID) {
			skipped++
			continue
		}

		position := cp.Dispatch()
		out.Dispatched++

		outcome, interrupted := p.handle(ctx, job, gene, position)
		if interrupted {
			log.Info(ctx, "gene interrupted before completion", "gene_id", gene.ID, "position", position)
			return p.interrupt(ctx, span, job, cp, out, skipped)
		}
		out.record(outcome)

		cp.MarkProcessed(gene.ID)
		if err := p.save(ctx, job.Key, cp); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to save checkpoint")
			out.Position = cp.Position()
			return out, err
		}

		if err := common.Sleep(ctx, p.cfg.ItemDelay); err != nil {
			return p.interrupt(ctx, span, job, cp, out, skipped)
		}
	}

	out.Skipped = skipped
	p.metrics.IncGenesSkipped(ctx, skipped)
	if err := p.save(ctx, job.Key, cp); err != nil {
		span.RecordError(err)
		return out, err
	}
	out.Position = cp.Position()

	if err := p.transition(&out, genetree.RunCompleted); err != nil {
		return out, err
	}

	span.SetAttributes(
		attribute.Int("genes.dispatched", out.Dispatched),
		attribute.Int("genes.skipped", out.Skipped),
		attribute.Int("genes.failed", out.Failed),
	)
	log.Info(ctx, "species complete",
		"dispatched", out.Dispatched,
		"skipped", out.Skipped,
		"trees", out.Trees,
		"no_trees", out.NoTrees,
		"failed", out.Failed,
	)
	return out, nil
}

func (p *Processor) transition(out *Outcome, target genetree.RunStatus) error {
	if err := out.Status.ValidateTransition(target); err != nil {
		return err
	}
	out.Status = target
	return nil
}

// interrupt saves the checkpoint even though ctx is done.
func (p *Processor) interrupt(
	ctx context.Context,
	span trace.Span,
	job Job,
	cp *genetree.Checkpoint,
	out Outcome,
	skipped int,
) (Outcome, error) {
	out.Skipped = skipped
	out.Position = cp.Position()
	p.metrics.IncGenesSkipped(ctx, skipped)
	span.AddEvent("interrupted", trace.WithAttributes(attribute.Int("position", cp.Position())))

	saveCtx := context.WithoutCancel(ctx)
	if err := p.save(saveCtx, job.Key, cp); err != nil {
		span.RecordError(err)
		return out, fmt.Errorf("saving checkpoint after interrupt: %w", err)
	}
	if err := p.transition(&out, genetree.RunInterrupted); err != nil {
		return out, err
	}

	p.logger.Info(saveCtx, "run interrupted, checkpoint saved",
		"species", job.Species,
		"position", cp.Position(),
		"processed", cp.ProcessedCount(),
	)
	return out, nil
}

func (p *Processor) save(ctx context.Context, key string, cp *genetree.Checkpoint) error {
	if err := p.checkpoints.Save(ctx, key, cp); err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	p.metrics.IncCheckpointSaves(ctx)
	return nil
}

// handle fetches gene and records its outcome. interrupted is true when the
// run context was cancelled before the fetch finished.
func (p *Processor) handle(ctx context.Context, job Job, gene genetree.Gene, position int) (genetree.ItemOutcome, bool) {
	ctx, span := p.tracer.Start(ctx, "processor.gene",
		trace.WithAttributes(
			attribute.String("gene.id", gene.ID),
			attribute.Int("position", position),
		))
	defer span.End()

	start := time.Now()
	log := p.logger.With("species", job.Species, "gene_id", gene.ID, "position", position)
	log.Debug(ctx, "fetching gene tree", "symbol", gene.Symbol)

	res, err := p.fetch(ctx, job, gene)
	if err != nil && ctx.Err() != nil {
		span.AddEvent("interrupted")
		return "", true
	}

	// The outcome is recorded even if ctx is cancelled from here on.
	writeCtx := context.WithoutCancel(ctx)

	var outcome genetree.ItemOutcome
	switch {
	case err != nil:
		outcome = genetree.OutcomeFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		log.Error(ctx, "failed to fetch gene tree", "error", err)
		p.write(writeCtx, log, "error", func(ctx context.Context) error {
			return job.Sink.WriteError(ctx, gene, err)
		})
	case res.HasTree():
		outcome = genetree.OutcomeTree
		log.Info(ctx, "gene tree saved", "symbol", res.Gene.Symbol, "tree_id", res.Tree.ID)
		p.write(writeCtx, log, "tree", func(ctx context.Context) error {
			return job.Sink.WriteTree(ctx, res)
		})
	default:
		outcome = genetree.OutcomeNoTree
		if res.Gene.ID == "" {
			res.Gene = gene
		}
		log.Info(ctx, "no gene tree available", "symbol", res.Gene.Symbol)
		p.write(writeCtx, log, "no_tree", func(ctx context.Context) error {
			return job.Sink.WriteNoTree(ctx, res.Gene)
		})
	}

	span.SetAttributes(attribute.String("outcome", string(outcome)))
	p.metrics.IncGenesProcessed(ctx, outcome)
	p.metrics.ObserveGeneDuration(ctx, time.Since(start))
	return outcome, false
}

// fetch bounds the fetch by the per-gene timeout and converts panics into
// errors.
func (p *Processor) fetch(ctx context.Context, job Job, gene genetree.Gene) (res genetree.FetchResult, err error) {
	if p.cfg.ItemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ItemTimeout)
		defer cancel()
	}
	defer recoverItem(&err)

	return job.Fetcher.FetchTree(ctx, job.Species, gene)
}

func (p *Processor) write(ctx context.Context, log *logger.Logger, kind string, fn func(context.Context) error) {
	err := func() (err error) {
		defer recoverItem(&err)
		return fn(ctx)
	}()
	if err != nil {
		log.Error(ctx, "failed to write artifact", "artifact", kind, "error", err)
	}
}

func recoverItem(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: %v", ErrItemPanic, r)
	}
}
