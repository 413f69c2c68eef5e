package biomart

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ahrav/ensembl-genetree/internal/domain/dataset"
)

// CachingRegistry remembers the catalog of each deployment for the life of
// the process. Failed lookups are not cached. Concurrent lookups of the same
// deployment share one request.
type CachingRegistry struct {
	next dataset.RegistryClient

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[dataset.DeploymentKey]dataset.Catalog
}

var _ dataset.RegistryClient = (*CachingRegistry)(nil)

// NewCachingRegistry wraps next.
func NewCachingRegistry(next dataset.RegistryClient) *CachingRegistry {
	return &CachingRegistry{next: next, entries: make(map[dataset.DeploymentKey]dataset.Catalog)}
}

// Catalog implements dataset.RegistryClient.
func (r *CachingRegistry) Catalog(ctx context.Context, d dataset.Deployment) (dataset.Catalog, error) {
	r.mu.RLock()
	cat, ok := r.entries[d.Key]
	r.mu.RUnlock()
	if ok {
		return cat, nil
	}

	v, err, _ := r.group.Do(string(d.Key), func() (any, error) {
		cat, err := r.next.Catalog(ctx, d)
		if err != nil {
			return dataset.Catalog{}, err
		}
		r.mu.Lock()
		r.entries[d.Key] = cat
		r.mu.Unlock()
		return cat, nil
	})
	if err != nil {
		return dataset.Catalog{}, err
	}
	return v.(dataset.Catalog), nil
}
