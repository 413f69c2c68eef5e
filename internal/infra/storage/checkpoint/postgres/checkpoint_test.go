//go:build integration

package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/ensembl-genetree/internal/domain/genetree"
	"github.com/ahrav/ensembl-genetree/internal/infra/storage"
)

func setupCheckpointStore(t *testing.T) (*CheckpointStore, func()) {
	t.Helper()

	pool, _, cleanup := storage.SetupTestContainer(t)
	require.NoError(t, Migrate(pool))
	require.NoError(t, Migrate(pool), "migrations are idempotent")

	return NewCheckpointStore(pool, storage.NoOpTracer()), cleanup
}

func TestCheckpointStore_LoadMissing(t *testing.T) {
	t.Parallel()
	store, cleanup := setupCheckpointStore(t)
	defer cleanup()

	cp, err := store.Load(context.Background(), "Homo_sapiens_gene_tree_files_ensembl")
	require.NoError(t, err)
	assert.Equal(t, 0, cp.ProcessedCount())
}

func TestCheckpointStore_SaveAndLoad(t *testing.T) {
	t.Parallel()
	store, cleanup := setupCheckpointStore(t)
	defer cleanup()

	ctx := context.Background()
	key := "Danio_rerio_gene_tree_files_ensembl"

	cp := genetree.NewCheckpoint()
	cp.Dispatch()
	cp.MarkProcessed("ENSDARG1")
	require.NoError(t, store.Save(ctx, key, cp))

	cp.Dispatch()
	cp.MarkProcessed("ENSDARG2")
	require.NoError(t, store.Save(ctx, key, cp))

	loaded, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"ENSDARG1", "ENSDARG2"}, loaded.ProcessedIDs())
	assert.Equal(t, "ENSDARG2", loaded.LastProcessed())
	assert.Equal(t, 2, loaded.Position())

	other, err := store.Load(ctx, "Mus_musculus_gene_tree_files_ensembl")
	require.NoError(t, err)
	assert.Equal(t, 0, other.ProcessedCount())
}

func TestConnect(t *testing.T) {
	t.Parallel()
	_, dsn, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	pool, err := Connect(context.Background(), dsn, noop.NewTracerProvider())
	require.NoError(t, err)
	defer pool.Close()

	require.NoError(t, Migrate(pool))
}
