// Package artifacts writes the per-gene result files of a harvest into a
// species directory and optionally mirrors them to object storage.
package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/ensembl-genetree/internal/domain/genetree"
	"github.com/ahrav/ensembl-genetree/internal/infra/storage"
	"github.com/ahrav/ensembl-genetree/pkg/common/logger"
)

// File name suffixes appended to the artifact key of a gene.
const (
	TreeSuffix    = "_gene_tree.json"
	SummarySuffix = "_gene_tree_summary.txt"
	NoTreeSuffix  = "_gene_tree.txt"
	ErrorSuffix   = "_ERROR.txt"
)

// Mirror receives a copy of every artifact written.
type Mirror interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Writer writes artifacts for one species directory. It implements
// genetree.ArtifactSink.
type Writer struct {
	dir     string
	species string
	mirror  Mirror

	logger *logger.Logger
	tracer trace.Tracer
}

var _ genetree.ArtifactSink = (*Writer)(nil)

// NewWriter creates a writer for dir. mirror may be nil.
func NewWriter(dir, species string, mirror Mirror, log *logger.Logger, tracer trace.Tracer) *Writer {
	return &Writer{
		dir:     dir,
		species: species,
		mirror:  mirror,
		logger:  log.With("component", "artifact_writer", "species", species),
		tracer:  tracer,
	}
}

// WriteTree stores the tree document and a short text summary.
func (w *Writer) WriteTree(ctx context.Context, res genetree.FetchResult) error {
	if res.Tree == nil {
		return w.WriteNoTree(ctx, res.Gene)
	}
	key := res.Gene.Key()

	var doc bytes.Buffer
	if err := json.Indent(&doc, res.Tree.Raw, "", "  "); err != nil {
		return fmt.Errorf("formatting tree of %s: %w", res.Gene.ID, err)
	}
	doc.WriteByte('\n')
	if err := w.write(ctx, key+TreeSuffix, doc.Bytes(), "application/json"); err != nil {
		return err
	}

	return w.write(ctx, key+SummarySuffix, []byte(w.summary(res)), "text/plain")
}

func (w *Writer) summary(res genetree.FetchResult) string {
	orNA := func(s string) string {
		if s == "" {
			return "N/A"
		}
		return s
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Gene Tree Information for %s (%s)\n", res.Gene.ID, res.Gene.Symbol)
	fmt.Fprintf(&b, "Species: %s\n", w.species)
	fmt.Fprintf(&b, "Tree ID: %s\n", orNA(res.Tree.ID))
	fmt.Fprintf(&b, "Tree Type: %s\n", orNA(res.Tree.Type))
	fmt.Fprintf(&b, "Tree Structure: %s\n", orNA(res.Tree.Newick))
	fmt.Fprintf(&b, "Species count in tree: %d\n", res.Tree.SpeciesCount)
	return b.String()
}

// WriteNoTree stores the sentinel recording that gene has no tree.
func (w *Writer) WriteNoTree(ctx context.Context, gene genetree.Gene) error {
	var b strings.Builder
	fmt.Fprintf(&b, "No gene tree available for %s (%s)\n", gene.ID, gene.Symbol)
	fmt.Fprintf(&b, "Species: %s\n", w.species)
	b.WriteString("This gene may not be included in comparative genomics analyses.\n")
	return w.write(ctx, gene.Key()+NoTreeSuffix, []byte(b.String()), "text/plain")
}

// WriteError stores the failure message for gene.
func (w *Writer) WriteError(ctx context.Context, gene genetree.Gene, cause error) error {
	msg := fmt.Sprintf("Error processing gene tree for %s: %v\n", gene.ID, cause)
	return w.write(ctx, gene.Key()+ErrorSuffix, []byte(msg), "text/plain")
}

func (w *Writer) write(ctx context.Context, name string, data []byte, contentType string) error {
	target := filepath.Join(w.dir, name)
	attrs := []attribute.KeyValue{
		attribute.String("artifact.path", target),
		attribute.Int("artifact.size", len(data)),
	}
	err := storage.ExecuteAndTrace(ctx, w.tracer, "artifacts.write", attrs, func(ctx context.Context) error {
		if err := os.MkdirAll(w.dir, 0o755); err != nil {
			return fmt.Errorf("failed to create species dir: %w", err)
		}
		if err := storage.WriteFileAtomic(target, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if w.mirror != nil {
		key := path.Join(filepath.Base(w.dir), name)
		if err := w.mirror.Put(ctx, key, data, contentType); err != nil {
			// The local file is authoritative.
			w.logger.Warn(ctx, "failed to mirror artifact", "key", key, "error", err)
		}
	}
	return nil
}
