// Package file stores checkpoints as JSON files inside each species output
// directory.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/ensembl-genetree/internal/domain/genetree"
	"github.com/ahrav/ensembl-genetree/internal/infra/storage"
)

// FileName is the checkpoint file written in each species directory.
const FileName = "checkpoint.json"

var _ genetree.CheckpointRepository = (*CheckpointStore)(nil)

// CheckpointStore keeps one checkpoint file per directory. The key passed to
// Load and Save is the directory.
type CheckpointStore struct {
	tracer trace.Tracer
}

// NewCheckpointStore creates a file backed checkpoint store.
func NewCheckpointStore(tracer trace.Tracer) *CheckpointStore {
	return &CheckpointStore{tracer: tracer}
}

// Load reads the checkpoint in dir. A missing file yields an empty
// checkpoint; an unreadable or corrupt file is an error.
func (s *CheckpointStore) Load(ctx context.Context, dir string) (*genetree.Checkpoint, error) {
	path := filepath.Join(dir, FileName)
	var cp *genetree.Checkpoint
	attrs := []attribute.KeyValue{attribute.String("checkpoint.path", path)}
	err := storage.ExecuteAndTrace(ctx, s.tracer, "file.load_checkpoint", attrs, func(ctx context.Context) error {
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			cp = genetree.NewCheckpoint()
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read checkpoint: %w", err)
		}

		loaded := genetree.NewCheckpoint()
		if err := json.Unmarshal(data, loaded); err != nil {
			return fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
		}
		cp = loaded
		return nil
	})
	return cp, err
}

// Save replaces the checkpoint in dir atomically: the new content is written
// to a temporary file in the same directory, synced, and renamed over the
// old file.
func (s *CheckpointStore) Save(ctx context.Context, dir string, cp *genetree.Checkpoint) error {
	path := filepath.Join(dir, FileName)
	attrs := []attribute.KeyValue{
		attribute.String("checkpoint.path", path),
		attribute.Int("checkpoint.processed", cp.ProcessedCount()),
	}
	return storage.ExecuteAndTrace(ctx, s.tracer, "file.save_checkpoint", attrs, func(ctx context.Context) error {
		data, err := json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("failed to encode checkpoint: %w", err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create checkpoint dir: %w", err)
		}
		if err := storage.WriteFileAtomic(path, data, 0o644); err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		return nil
	})
}
