package dataset

import (
	"context"
	"errors"
)

// ErrNoDataset is returned when a deployment offers no dataset matching a
// species.
var ErrNoDataset = errors.New("no matching dataset")

// ForcedDataset is the placeholder dataset recorded for species whose
// deployment was forced but not yet confirmed against the registry.
const ForcedDataset = "forced"

// Resolution is the outcome of resolving one species name.
//
// Found is true iff Score > 0 or Forced is set. A forced resolution with an
// empty Dataset still needs confirmation against the deployment's registry.
type Resolution struct {
	Species    string
	Deployment Deployment
	Mart       Mart
	Dataset    string
	Score      float64
	Found      bool
	Forced     bool
}

// NotFound builds the resolution returned when nothing matched.
func NotFound(species string) Resolution {
	return Resolution{Species: species}
}

// FromCandidate builds a resolution from the winning candidate.
func FromCandidate(species string, c MatchCandidate) Resolution {
	return Resolution{
		Species:    species,
		Deployment: c.Deployment,
		Mart:       c.Mart,
		Dataset:    c.Dataset,
		Score:      c.Score,
		Found:      c.Score > 0,
	}
}

// Forced builds an unconfirmed resolution pinned to d.
func Forced(species string, d Deployment) Resolution {
	return Resolution{Species: species, Deployment: d, Score: 100, Found: true, Forced: true}
}

// NeedsConfirmation reports whether the dataset still has to be looked up.
func (r Resolution) NeedsConfirmation() bool { return r.Forced && r.Dataset == "" }

// DatasetLabel is the dataset value shown in reports.
func (r Resolution) DatasetLabel() string {
	if r.NeedsConfirmation() {
		return ForcedDataset
	}
	return r.Dataset
}

// RegistryClient fetches a deployment's gene mart and dataset list.
// Implementations return an error for transport or parse failures; callers
// treat such a deployment as offering no datasets.
type RegistryClient interface {
	Catalog(ctx context.Context, d Deployment) (Catalog, error)
}
