package harvest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/ensembl-genetree/internal/app/processing"
	"github.com/ahrav/ensembl-genetree/internal/domain/dataset"
	"github.com/ahrav/ensembl-genetree/internal/domain/genetree"
	"github.com/ahrav/ensembl-genetree/internal/infra/storage/checkpoint/file"
	"github.com/ahrav/ensembl-genetree/internal/infra/tabular"
	"github.com/ahrav/ensembl-genetree/pkg/common/logger"
)

var ensembl = dataset.Deployment{Key: dataset.KeyEnsembl, RestURL: "https://rest.ensembl.org", MartURL: "https://mart"}

type mockResolver struct{ mock.Mock }

func (m *mockResolver) ResolveAll(ctx context.Context, species []string) ([]dataset.Resolution, error) {
	args := m.Called(ctx, species)
	return args.Get(0).([]dataset.Resolution), args.Error(1)
}

func (m *mockResolver) Confirm(ctx context.Context, res dataset.Resolution) (dataset.Resolution, error) {
	args := m.Called(ctx, res)
	return args.Get(0).(dataset.Resolution), args.Error(1)
}

type mockGeneSource struct{ mock.Mock }

func (m *mockGeneSource) ProteinCodingGenes(ctx context.Context, d dataset.Deployment, mart dataset.Mart, name string) ([]genetree.Gene, error) {
	args := m.Called(ctx, d, mart, name)
	return args.Get(0).([]genetree.Gene), args.Error(1)
}

type countingFetcher struct {
	mu    sync.Mutex
	calls int
	hook  func(ctx context.Context, gene genetree.Gene) error
}

func (f *countingFetcher) FetchTree(ctx context.Context, _ string, gene genetree.Gene) (genetree.FetchResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.hook != nil {
		if err := f.hook(ctx, gene); err != nil {
			return genetree.FetchResult{}, err
		}
	}
	return genetree.FetchResult{Gene: gene}, nil
}

type discardSink struct{}

func (discardSink) WriteTree(context.Context, genetree.FetchResult) error  { return nil }
func (discardSink) WriteNoTree(context.Context, genetree.Gene) error       { return nil }
func (discardSink) WriteError(context.Context, genetree.Gene, error) error { return nil }

type noopMetrics struct{}

func (noopMetrics) IncSpeciesCompleted(context.Context, genetree.RunStatus) {}
func (noopMetrics) ObserveSpeciesDuration(context.Context, time.Duration)   {}
func (noopMetrics) IncGenesProcessed(context.Context, genetree.ItemOutcome) {}
func (noopMetrics) IncGenesSkipped(context.Context, int)                    {}
func (noopMetrics) ObserveGeneDuration(context.Context, time.Duration)      {}
func (noopMetrics) IncCheckpointSaves(context.Context)                      {}

type fixture struct {
	root     string
	resolver *mockResolver
	genes    *mockGeneSource
	fetcher  *countingFetcher
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		root:     t.TempDir(),
		resolver: new(mockResolver),
		genes:    new(mockGeneSource),
		fetcher:  new(countingFetcher),
	}

	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	tracer := noop.NewTracerProvider().Tracer("test")
	runner := processing.NewProcessor(file.NewCheckpointStore(tracer), processing.Config{BatchSize: 100}, log, noopMetrics{}, tracer)

	f.svc = NewService(
		Config{Root: f.root, AuditDir: "api_search_results"},
		f.resolver,
		f.genes,
		func(dataset.Deployment) genetree.TreeFetcher { return f.fetcher },
		func(string, string) genetree.ArtifactSink { return discardSink{} },
		runner,
		log,
		noopMetrics{},
		tracer,
	)
	f.svc.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return f
}

func humanResolution() dataset.Resolution {
	return dataset.Resolution{
		Species:    "Homo sapiens",
		Deployment: ensembl,
		Mart:       dataset.Mart{Name: "ENSEMBL_MART_ENSEMBL"},
		Dataset:    "hsapiens_gene_ensembl",
		Score:      62.5,
		Found:      true,
	}
}

func geneList(ids ...string) []genetree.Gene {
	out := make([]genetree.Gene, len(ids))
	for i, id := range ids {
		out[i] = genetree.Gene{ID: id, Symbol: "S" + id}
	}
	return out
}

func TestRunProcessesResolvedSpecies(t *testing.T) {
	f := newFixture(t)
	species := []string{"Homo sapiens", "Unicornus imaginarius"}
	human := humanResolution()

	f.resolver.On("ResolveAll", mock.Anything, species).
		Return([]dataset.Resolution{human, dataset.NotFound("Unicornus imaginarius")}, nil)
	f.resolver.On("Confirm", mock.Anything, human).Return(human, nil)
	f.genes.On("ProteinCodingGenes", mock.Anything, ensembl, human.Mart, "hsapiens_gene_ensembl").
		Return(geneList("G1", "G2", "G3"), nil).Once()

	rc, err := f.svc.Run(context.Background(), species)
	require.NoError(t, err)

	assert.False(t, rc.Interrupted())
	assert.Equal(t, 1, rc.Count(SpeciesCompleted))
	assert.Equal(t, 1, rc.Count(SpeciesUnresolved))
	assert.Equal(t, 3, f.fetcher.calls)

	dir := filepath.Join(f.root, "Homo_sapiens_gene_tree_files_ensembl")
	assert.Equal(t, dir, rc.Results[0].Dir)
	_, err = os.Stat(filepath.Join(dir, file.FileName))
	require.NoError(t, err, "checkpoint written in the species dir")

	cached, err := tabular.ReadGenesFile(filepath.Join(f.root, "Homo_sapiens_protein-coding_genes.csv"))
	require.NoError(t, err)
	assert.Equal(t, geneList("G1", "G2", "G3"), cached)

	assert.Equal(t, filepath.Join(f.root, "api_search_results", "species_api_results_20240102_030405.csv"), rc.AuditPath)
	audit, err := os.ReadFile(rc.AuditPath)
	require.NoError(t, err)
	assert.Contains(t, string(audit), "Unicornus imaginarius,Not Found,,0,false,,")

	// A second run reads the cached gene list and fetches nothing.
	rc, err = f.svc.Run(context.Background(), species)
	require.NoError(t, err)
	assert.Equal(t, 3, f.fetcher.calls)
	assert.Equal(t, 3, rc.Totals().Skipped)
	f.genes.AssertExpectations(t)
}

func TestRunSkipsUnconfirmedForcedSpecies(t *testing.T) {
	f := newFixture(t)
	forced := dataset.Forced("Ciona savignyi", dataset.Deployment{Key: dataset.KeyMetazoa})

	f.resolver.On("ResolveAll", mock.Anything, mock.Anything).Return([]dataset.Resolution{forced}, nil)
	f.resolver.On("Confirm", mock.Anything, forced).Return(forced, dataset.ErrNoDataset)

	rc, err := f.svc.Run(context.Background(), []string{"Ciona savignyi"})
	require.NoError(t, err)
	assert.Equal(t, 1, rc.Count(SpeciesSkipped))
	assert.Zero(t, f.fetcher.calls)
	f.genes.AssertNotCalled(t, "ProteinCodingGenes", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRunGeneListFailureSkipsSpecies(t *testing.T) {
	f := newFixture(t)
	human := humanResolution()

	f.resolver.On("ResolveAll", mock.Anything, mock.Anything).Return([]dataset.Resolution{human}, nil)
	f.resolver.On("Confirm", mock.Anything, human).Return(human, nil)
	f.genes.On("ProteinCodingGenes", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]genetree.Gene(nil), errors.New("query timed out"))

	rc, err := f.svc.Run(context.Background(), []string{"Homo sapiens"})
	require.NoError(t, err)
	assert.Equal(t, 1, rc.Count(SpeciesFailed))
}

func TestRunSkipsSpeciesWithCorruptCheckpoint(t *testing.T) {
	f := newFixture(t)
	human := humanResolution()

	dir := filepath.Join(f.root, SpeciesDir("Homo sapiens", dataset.KeyEnsembl))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, file.FileName), []byte("{not json"), 0o644))
	require.NoError(t, tabular.WriteGenesFile(filepath.Join(f.root, GeneListFile("Homo sapiens")), geneList("G1")))

	f.resolver.On("ResolveAll", mock.Anything, mock.Anything).Return([]dataset.Resolution{human}, nil)
	f.resolver.On("Confirm", mock.Anything, human).Return(human, nil)

	rc, err := f.svc.Run(context.Background(), []string{"Homo sapiens"})
	require.NoError(t, err)
	assert.Equal(t, 1, rc.Count(SpeciesFailed))
	assert.Zero(t, f.fetcher.calls)

	data, err := os.ReadFile(filepath.Join(dir, file.FileName))
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data), "corrupt checkpoint is left untouched")
}

func TestRunInterruptedMidSpecies(t *testing.T) {
	f := newFixture(t)
	human := humanResolution()
	mouse := dataset.Resolution{Species: "Mus musculus", Deployment: ensembl, Dataset: "mmusculus_gene_ensembl", Score: 60, Found: true}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.resolver.On("ResolveAll", mock.Anything, mock.Anything).Return([]dataset.Resolution{human, mouse}, nil)
	f.resolver.On("Confirm", mock.Anything, human).Return(human, nil)
	f.genes.On("ProteinCodingGenes", mock.Anything, mock.Anything, mock.Anything, "hsapiens_gene_ensembl").
		Return(geneList("G1", "G2", "G3"), nil)
	f.fetcher.hook = func(ctx context.Context, gene genetree.Gene) error {
		if gene.ID == "G2" {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	rc, err := f.svc.Run(ctx, []string{"Homo sapiens", "Mus musculus"})
	require.NoError(t, err)
	assert.True(t, rc.Interrupted())
	assert.Equal(t, SpeciesInterrupted, rc.Results[0].Status)
	assert.Equal(t, SpeciesPending, rc.Results[1].Status, "later species are not started")
	assert.Equal(t, 1, rc.Results[0].Outcome.Processed())
	f.resolver.AssertNotCalled(t, "Confirm", mock.Anything, mouse)
}

func TestRunInterruptedDuringResolution(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f.resolver.On("ResolveAll", mock.Anything, mock.Anything).
		Return([]dataset.Resolution{humanResolution()}, context.Canceled)

	rc, err := f.svc.Run(ctx, []string{"Homo sapiens", "Mus musculus"})
	require.NoError(t, err)
	assert.True(t, rc.Interrupted())
	assert.Empty(t, rc.AuditPath)
}

func TestWriteSummary(t *testing.T) {
	rc := NewRunContext(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	rc.AuditPath = "api_search_results/species_api_results_20240101_000000.csv"
	rc.Results = []SpeciesResult{
		{
			Resolution: humanResolution(),
			Status:     SpeciesCompleted,
			Outcome:    processing.Outcome{Trees: 2, NoTrees: 1, Failed: 1, Skipped: 4},
		},
		{Resolution: dataset.NotFound("Unicornus imaginarius"), Status: SpeciesUnresolved},
	}

	var buf bytes.Buffer
	require.NoError(t, rc.WriteSummary(&buf, rc.StartedAt.Add(90*time.Second)))

	out := buf.String()
	assert.Contains(t, out, "finished in 1m30s")
	assert.Contains(t, out, "Species: 2 total, 1 completed, 1 unresolved, 0 skipped, 0 failed")
	assert.Contains(t, out, "Genes: 4 processed (2 trees, 1 without tree, 1 errors), 4 already done")
	assert.Contains(t, out, "Ensembl/hsapiens_gene_ensembl")
}

func TestSpeciesNaming(t *testing.T) {
	assert.Equal(t, "Homo_sapiens_gene_tree_files_metazoa", SpeciesDir(" Homo  sapiens", dataset.KeyMetazoa))
	assert.Equal(t, "Mus_musculus_castaneus_protein-coding_genes.csv", GeneListFile("Mus musculus castaneus"))
}
