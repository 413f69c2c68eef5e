package ensemblrest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/ensembl-genetree/internal/domain/dataset"
	"github.com/ahrav/ensembl-genetree/internal/domain/genetree"
	"github.com/ahrav/ensembl-genetree/pkg/common"
	"github.com/ahrav/ensembl-genetree/pkg/common/logger"
)

const treeJSON = `{
  "id": "ENSGT00390000003602",
  "type": "gene tree",
  "tree": {
    "newick": "((a,b),c);",
    "children": [
      {"taxonomy": {"scientific_name": "Homo sapiens"}, "sequence": {"name": "HUMAN_1"}},
      {"children": [
        {"taxonomy": {"scientific_name": "Mus musculus"}},
        {"taxonomy": {"scientific_name": "Homo sapiens"}},
        {"sequence": {"name": "DANRE_7"}}
      ]}
    ]
  }
}`

func newTestClient(t *testing.T) *Client {
	t.Helper()
	return NewClient(http.DefaultClient, Config{
		RequestTimeout: time.Second,
		Retry:          common.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
	}, logger.New(io.Discard, logger.LevelDebug, "test", nil), noop.NewTracerProvider().Tracer("test"))
}

func TestSpeciesPath(t *testing.T) {
	assert.Equal(t, "homo_sapiens", SpeciesPath("Homo sapiens"))
	assert.Equal(t, "mus_musculus_castaneus", SpeciesPath(" Mus  musculus castaneus "))
}

func TestDecodeTree(t *testing.T) {
	tree := decodeTree([]byte(treeJSON))
	require.NotNil(t, tree)
	assert.Equal(t, "ENSGT00390000003602", tree.ID)
	assert.Equal(t, "gene tree", tree.Type)
	assert.Equal(t, "((a,b),c);", tree.Newick)
	assert.Equal(t, 3, tree.SpeciesCount)
	assert.JSONEq(t, treeJSON, string(tree.Raw))

	assert.Nil(t, decodeTree([]byte(`{"id": "x"}`)))
	assert.Nil(t, decodeTree([]byte(`not json`)))
}

func TestGeneTreeResponses(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantTree  bool
		wantErr   bool
		wantCalls int32
	}{
		{name: "tree found", status: http.StatusOK, body: treeJSON, wantTree: true, wantCalls: 1},
		{name: "response without tree", status: http.StatusOK, body: `{"error":"nothing"}`, wantCalls: 1},
		{name: "invalid json", status: http.StatusOK, body: `<html>`, wantCalls: 1},
		{name: "not found", status: http.StatusNotFound, body: `{"error":"ID not found"}`, wantCalls: 1},
		{name: "bad request", status: http.StatusBadRequest, wantCalls: 1},
		{name: "server errors exhaust retries", status: http.StatusInternalServerError, wantErr: true, wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			d := dataset.Deployment{Key: dataset.KeyEnsembl, RestURL: srv.URL}
			tree, err := newTestClient(t).GeneTree(context.Background(), d, "Homo sapiens", "ENSG1")
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantTree, tree != nil)
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestGeneTreeRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, treeJSON)
	}))
	defer srv.Close()

	d := dataset.Deployment{Key: dataset.KeyEnsembl, RestURL: srv.URL}
	tree, err := newTestClient(t).GeneTree(context.Background(), d, "Homo sapiens", "ENSG1")
	require.NoError(t, err)
	require.NotNil(t, tree)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGeneTreeHonoursRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, treeJSON)
	}))
	defer srv.Close()

	d := dataset.Deployment{Key: dataset.KeyEnsembl, RestURL: srv.URL}
	start := time.Now()
	tree, err := newTestClient(t).GeneTree(context.Background(), d, "Homo sapiens", "ENSG1")
	require.NoError(t, err)
	require.NotNil(t, tree)

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 1900*time.Millisecond, "the server delay is not added to the backoff")
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetcherFetchTree(t *testing.T) {
	var treePath, treeQuery string
	mux := http.NewServeMux()
	mux.HandleFunc("/lookup/id/FBgn0000008", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"FBgn0000008","display_name":"a"}`)
	})
	mux.HandleFunc("/genetree/member/id/", func(w http.ResponseWriter, r *http.Request) {
		treePath, treeQuery = r.URL.Path, r.URL.RawQuery
		_, _ = io.WriteString(w, treeJSON)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := dataset.Deployment{Key: dataset.KeyMetazoa, RestURL: srv.URL, Compara: "metazoa"}
	res, err := newTestClient(t).ForDeployment(d).FetchTree(
		context.Background(), "Drosophila melanogaster", genetree.Gene{ID: "FBgn0000008", Symbol: "Unknown"})
	require.NoError(t, err)

	assert.Equal(t, "a", res.Gene.Symbol)
	assert.True(t, res.HasTree())
	assert.Equal(t, "/genetree/member/id/drosophila_melanogaster/FBgn0000008", treePath)
	assert.True(t, strings.Contains(treeQuery, "compara=metazoa"))
}

func TestFetcherKeepsSymbolWhenLookupFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/lookup/id/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	mux.HandleFunc("/genetree/member/id/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := dataset.Deployment{Key: dataset.KeyEnsembl, RestURL: srv.URL}
	res, err := newTestClient(t).ForDeployment(d).FetchTree(
		context.Background(), "Homo sapiens", genetree.Gene{ID: "ENSG1", Symbol: "BRCA2"})
	require.NoError(t, err)
	assert.Equal(t, "BRCA2", res.Gene.Symbol)
	assert.False(t, res.HasTree())
}

func TestFetcherCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, treeJSON)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := dataset.Deployment{Key: dataset.KeyEnsembl, RestURL: srv.URL}
	_, err := newTestClient(t).ForDeployment(d).FetchTree(ctx, "Homo sapiens", genetree.Gene{ID: "ENSG1"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestUpdateRateLimits(t *testing.T) {
	c := NewClient(http.DefaultClient, Config{RateLimit: 15, Burst: 1}, logger.New(io.Discard, logger.LevelDebug, "test", nil), noop.NewTracerProvider().Tracer("test"))

	h := http.Header{}
	h.Set("X-RateLimit-Remaining", "10")
	h.Set("X-RateLimit-Reset", "100")
	c.updateRateLimits(h)
	assert.InDelta(t, 0.09, c.rateLimiter.Limit(), 1e-9)

	h.Set("X-RateLimit-Remaining", "100000")
	h.Set("X-RateLimit-Reset", "1")
	c.updateRateLimits(h)
	assert.InDelta(t, 15, c.rateLimiter.Limit(), 1e-9)

	c.updateRateLimits(http.Header{})
	assert.InDelta(t, 15, c.rateLimiter.Limit(), 1e-9)
}
