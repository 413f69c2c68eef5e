package ensemblrest

import (
	"context"

	"github.com/ahrav/ensembl-genetree/internal/domain/dataset"
	"github.com/ahrav/ensembl-genetree/internal/domain/genetree"
)

// Fetcher binds a Client to one deployment. It implements
// genetree.TreeFetcher.
type Fetcher struct {
	client     *Client
	deployment dataset.Deployment
}

var _ genetree.TreeFetcher = (*Fetcher)(nil)

// ForDeployment returns a fetcher that queries d.
func (c *Client) ForDeployment(d dataset.Deployment) *Fetcher {
	return &Fetcher{client: c, deployment: d}
}

// FetchTree refines the gene symbol through a lookup, then fetches the gene
// tree. A failed lookup keeps the provided symbol.
func (f *Fetcher) FetchTree(ctx context.Context, species string, gene genetree.Gene) (genetree.FetchResult, error) {
	symbol, err := f.client.LookupSymbol(ctx, f.deployment, gene.ID)
	switch {
	case err != nil && ctx.Err() != nil:
		return genetree.FetchResult{}, ctx.Err()
	case err != nil:
		f.client.logger.Warn(ctx, "gene lookup failed, keeping provided symbol",
			"gene_id", gene.ID, "symbol", gene.Symbol, "error", err)
	case symbol != "":
		gene.Symbol = symbol
	}

	tree, err := f.client.GeneTree(ctx, f.deployment, species, gene.ID)
	if err != nil {
		return genetree.FetchResult{Gene: gene}, err
	}
	return genetree.FetchResult{Gene: gene, Tree: tree}, nil
}
