package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/ensembl-genetree/internal/domain/genetree"
	"github.com/ahrav/ensembl-genetree/pkg/common/logger"
)

type mockMirror struct{ mock.Mock }

func (m *mockMirror) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return m.Called(ctx, key, data, contentType).Error(0)
}

func newWriter(t *testing.T, mirror Mirror) (*Writer, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "Homo_sapiens_gene_tree_files_ensembl")
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	return NewWriter(dir, "Homo sapiens", mirror, log, noop.NewTracerProvider().Tracer("test")), dir
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestWriteTree(t *testing.T) {
	w, dir := newWriter(t, nil)

	res := genetree.FetchResult{
		Gene: genetree.Gene{ID: "ENSG00000139618", Symbol: "BRCA2"},
		Tree: &genetree.Tree{
			ID:           "ENSGT00390000003602",
			Type:         "gene tree",
			SpeciesCount: 42,
			Raw:          json.RawMessage(`{"id":"ENSGT00390000003602","tree":{}}`),
		},
	}
	require.NoError(t, w.WriteTree(context.Background(), res))

	doc := readFile(t, filepath.Join(dir, "BRCA2"+TreeSuffix))
	assert.JSONEq(t, `{"id":"ENSGT00390000003602","tree":{}}`, doc)
	assert.Contains(t, doc, "\n  \"id\"", "document is indented")

	summary := readFile(t, filepath.Join(dir, "BRCA2"+SummarySuffix))
	assert.Contains(t, summary, "Gene Tree Information for ENSG00000139618 (BRCA2)")
	assert.Contains(t, summary, "Species: Homo sapiens")
	assert.Contains(t, summary, "Tree Structure: N/A")
	assert.Contains(t, summary, "Species count in tree: 42")
}

func TestWriteNoTreeUsesIDForUnknownSymbol(t *testing.T) {
	w, dir := newWriter(t, nil)

	require.NoError(t, w.WriteNoTree(context.Background(), genetree.Gene{ID: "ENSG1", Symbol: "Unknown"}))
	content := readFile(t, filepath.Join(dir, "ENSG1"+NoTreeSuffix))
	assert.Contains(t, content, "No gene tree available for ENSG1 (Unknown)")
}

func TestWriteTreeWithoutTreeWritesSentinel(t *testing.T) {
	w, dir := newWriter(t, nil)

	require.NoError(t, w.WriteTree(context.Background(), genetree.FetchResult{Gene: genetree.Gene{ID: "ENSG2", Symbol: "TP53"}}))
	_, err := os.Stat(filepath.Join(dir, "TP53"+NoTreeSuffix))
	require.NoError(t, err)
}

func TestWriteError(t *testing.T) {
	w, dir := newWriter(t, nil)

	gene := genetree.Gene{ID: "ENSG3", Symbol: "HLA-A/B"}
	require.NoError(t, w.WriteError(context.Background(), gene, errors.New("gateway timeout")))
	content := readFile(t, filepath.Join(dir, "HLA-A_B"+ErrorSuffix))
	assert.Equal(t, "Error processing gene tree for ENSG3: gateway timeout\n", content)
}

func TestMirrorReceivesArtifactsAndFailuresAreNotFatal(t *testing.T) {
	mirror := new(mockMirror)
	w, dir := newWriter(t, mirror)

	mirror.On("Put", mock.Anything, "Homo_sapiens_gene_tree_files_ensembl/ENSG4"+NoTreeSuffix, mock.Anything, "text/plain").
		Return(errors.New("bucket unavailable")).Once()

	require.NoError(t, w.WriteNoTree(context.Background(), genetree.Gene{ID: "ENSG4"}))
	_, err := os.Stat(filepath.Join(dir, "ENSG4"+NoTreeSuffix))
	require.NoError(t, err)
	mirror.AssertExpectations(t)
}
