package genetree

import "context"

// CheckpointRepository persists one checkpoint per key, where the key is the
// species output directory. Load returns an empty checkpoint when nothing has
// been saved. Save must be atomic: a reader sees either the previous or the
// new checkpoint, never a partial one.
type CheckpointRepository interface {
	Load(ctx context.Context, key string) (*Checkpoint, error)
	Save(ctx context.Context, key string, cp *Checkpoint) error
}

// TreeFetcher fetches the gene tree for one gene of a species. A gene
// without a tree is a successful FetchResult with a nil Tree.
type TreeFetcher interface {
	FetchTree(ctx context.Context, species string, gene Gene) (FetchResult, error)
}

// ArtifactSink records the outcome of each processed gene.
type ArtifactSink interface {
	WriteTree(ctx context.Context, res FetchResult) error
	WriteNoTree(ctx context.Context, gene Gene) error
	WriteError(ctx context.Context, gene Gene, cause error) error
}
