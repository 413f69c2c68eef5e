package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/ensembl-genetree/internal/app/harvest"
	"github.com/ahrav/ensembl-genetree/internal/app/metrics"
	"github.com/ahrav/ensembl-genetree/internal/app/processing"
	"github.com/ahrav/ensembl-genetree/internal/app/resolution"
	"github.com/ahrav/ensembl-genetree/internal/config"
	"github.com/ahrav/ensembl-genetree/internal/config/fileloader"
	"github.com/ahrav/ensembl-genetree/internal/domain/dataset"
	"github.com/ahrav/ensembl-genetree/internal/domain/genetree"
	"github.com/ahrav/ensembl-genetree/internal/infra/artifacts"
	"github.com/ahrav/ensembl-genetree/internal/infra/biomart"
	"github.com/ahrav/ensembl-genetree/internal/infra/ensemblrest"
	"github.com/ahrav/ensembl-genetree/internal/infra/storage/checkpoint/file"
	"github.com/ahrav/ensembl-genetree/internal/infra/storage/checkpoint/postgres"
	"github.com/ahrav/ensembl-genetree/internal/infra/tabular"
	"github.com/ahrav/ensembl-genetree/pkg/common"
	"github.com/ahrav/ensembl-genetree/pkg/common/logger"
	"github.com/ahrav/ensembl-genetree/pkg/common/otel"
)

var build = "develop"

const serviceName = "genetree"

func main() {
	// Set the correct number of threads for the service
	_, _ = maxprocs.Set()

	flags := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	config.RegisterFlags(flags)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <species-file>\n\n", serviceName)
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if flags.NArg() != 1 {
		flags.Usage()
		os.Exit(2)
	}

	ctx := context.Background()

	cfgPath, _ := flags.GetString(config.FlagConfig)
	cfg, err := config.NewViperLoader(cfgPath, flags).Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	if path, _ := flags.GetString(config.FlagOverrides); path != "" {
		overrides, err := fileloader.NewFileLoader(path).Load(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "loading overrides: %v\n", err)
			os.Exit(1)
		}
		if err := cfg.MergeOverrides(overrides); err != nil {
			fmt.Fprintf(os.Stderr, "loading overrides: %v\n", err)
			os.Exit(1)
		}
	}

	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logFile, err := openLogFile(cfg.Logging.Dir, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening log file: %v\n", err)
		os.Exit(1)
	}

	var errorCount atomic.Int64
	logEvents := logger.Events{
		Error: func(context.Context, logger.Record) { errorCount.Add(1) },
	}

	hostname, _ := os.Hostname()
	metadata := map[string]string{
		"service":  serviceName,
		"hostname": hostname,
		"build":    build,
	}
	log := logger.NewWithMetadata(
		io.MultiWriter(os.Stdout, logFile),
		level,
		serviceName,
		otel.GetTraceID,
		logEvents,
		metadata,
	)

	code := 0
	if err := run(ctx, log, cfg, flags.Arg(0), hostname); err != nil {
		log.Error(ctx, "harvest failed", "error", err)
		code = 1
	}
	if n := errorCount.Load(); n > 0 {
		log.Info(ctx, "shutdown", "errors_logged", n, "log_file", logFile.Name())
	}
	logFile.Close()
	os.Exit(code)
}

func openLogFile(dir string, now time.Time) (*os.File, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := filepath.Join(dir, "ensembl_gene_tree_"+now.Format("20060102_150405")+".log")
	return os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func run(ctx context.Context, log *logger.Logger, cfg *config.Config, speciesFile, hostname string) error {
	// -------------------------------------------------------------------------
	// GOMAXPROCS
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", build)

	species, err := tabular.ReadSpeciesFile(speciesFile)
	if err != nil {
		return err
	}
	log.Info(ctx, "startup", "species_file", speciesFile, "species", len(species))

	deployments, err := cfg.DeploymentList()
	if err != nil {
		return err
	}

	// -------------------------------------------------------------------------
	// Start Tracing Support
	providers, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Telemetry.ServiceName,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		Probability:      cfg.Telemetry.Probability,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
		},
	})
	if err != nil {
		return fmt.Errorf("starting tracing: %w", err)
	}
	defer teardown(context.Background())

	tracer := providers.Tracer.Tracer(cfg.Telemetry.ServiceName)

	harvestMetrics, err := metrics.New(providers.Meter)
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	// -------------------------------------------------------------------------
	// Checkpoints
	checkpoints, closeStore, err := newCheckpointStore(ctx, log, cfg.Checkpoint, providers)
	if err != nil {
		return err
	}
	defer closeStore()

	// -------------------------------------------------------------------------
	// Artifact mirror
	var mirror artifacts.Mirror
	if cfg.Mirror.Enabled {
		m, err := artifacts.NewMinIOMirror(ctx, artifacts.MinIOConfig{
			Endpoint:  cfg.Mirror.Endpoint,
			AccessKey: cfg.Mirror.AccessKey,
			SecretKey: cfg.Mirror.SecretKey,
			Region:    cfg.Mirror.Region,
			UseSSL:    cfg.Mirror.UseSSL,
			Bucket:    cfg.Mirror.Bucket,
			Prefix:    cfg.Mirror.Prefix,
		})
		if err != nil {
			return fmt.Errorf("connecting artifact mirror: %w", err)
		}
		mirror = m
		log.Info(ctx, "startup", "status", "artifact mirror enabled", "bucket", cfg.Mirror.Bucket)
	}

	// -------------------------------------------------------------------------
	// Remote clients
	httpClient := common.NewHTTPClient(0, providers.Tracer)

	martClient := biomart.NewClient(httpClient, biomart.Config{
		RequestTimeout:   cfg.Registry.RequestTimeout,
		GeneQueryTimeout: cfg.Registry.GeneQueryTimeout,
		RateLimit:        cfg.Registry.RateLimit,
		Retry:            cfg.Registry.Retry.Policy(),
		UserAgent:        cfg.REST.UserAgent,
	}, log, tracer)

	restClient := ensemblrest.NewClient(httpClient, ensemblrest.Config{
		RequestTimeout: cfg.REST.RequestTimeout,
		RateLimit:      cfg.REST.RateLimit,
		Burst:          cfg.REST.Burst,
		Retry:          cfg.REST.Retry.Policy(),
		UserAgent:      cfg.REST.UserAgent,
	}, log, tracer)

	// -------------------------------------------------------------------------
	// Harvest
	resolver := resolution.NewResolver(
		biomart.NewCachingRegistry(martClient),
		deployments,
		cfg,
		cfg.Registry.SpeciesDelay,
		log,
		harvestMetrics,
		tracer,
	)

	processor := processing.NewProcessor(checkpoints, processing.Config{
		BatchSize:   cfg.Processing.BatchSize,
		ItemDelay:   cfg.Processing.ItemDelay,
		ItemTimeout: cfg.Processing.ItemTimeout,
	}, log, harvestMetrics, tracer)

	svc := harvest.NewService(
		harvest.Config{Root: cfg.Output.Root, AuditDir: cfg.Output.AuditDir},
		resolver,
		martClient,
		func(d dataset.Deployment) genetree.TreeFetcher { return restClient.ForDeployment(d) },
		func(dir, species string) genetree.ArtifactSink {
			return artifacts.NewWriter(dir, species, mirror, log, tracer)
		},
		processor,
		log,
		harvestMetrics,
		tracer,
	)

	// -------------------------------------------------------------------------
	// Run until done or interrupted
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	var rc *harvest.RunContext
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case sig := <-shutdown:
			log.Info(ctx, "shutdown", "status", "interrupt received, saving checkpoint", "signal", sig)
			cancel()
		case <-gctx.Done():
		}
		return nil
	})
	g.Go(func() (err error) {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("harvest panicked: %v\n%s", r, debug.Stack())
			}
		}()
		rc, err = svc.Run(gctx, species)
		return err
	})

	err = g.Wait()
	if rc != nil {
		if werr := rc.WriteSummary(os.Stdout, time.Now()); werr != nil {
			log.Warn(ctx, "failed to print summary", "error", werr)
		}
	}
	return err
}

func newCheckpointStore(
	ctx context.Context,
	log *logger.Logger,
	cfg config.CheckpointConfig,
	providers otel.Providers,
) (genetree.CheckpointRepository, func(), error) {
	tracer := providers.Tracer.Tracer("checkpoint")

	switch cfg.Backend {
	case config.CheckpointBackendPostgres:
		pool, err := postgres.Connect(ctx, cfg.DSN, providers.Tracer)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.Migrate(pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info(ctx, "startup", "status", "postgres checkpoint store ready")
		return postgres.NewCheckpointStore(pool, tracer), pool.Close, nil
	default:
		return file.NewCheckpointStore(tracer), func() {}, nil
	}
}
