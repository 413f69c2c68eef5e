// Package dataset models Ensembl API deployments, the BioMart datasets they
// expose, and the scoring used to match a binomial species name to one of
// those datasets.
package dataset

import (
	"fmt"
	"strings"
)

// DeploymentKey identifies one Ensembl API deployment.
type DeploymentKey string

const (
	KeyEnsembl  DeploymentKey = "Ensembl"
	KeyMetazoa  DeploymentKey = "Metazoa"
	KeyPlants   DeploymentKey = "Plants"
	KeyFungi    DeploymentKey = "Fungi"
	KeyProtists DeploymentKey = "Protists"
)

// KnownDeploymentKeys lists every deployment key in default priority order.
func KnownDeploymentKeys() []DeploymentKey {
	return []DeploymentKey{KeyEnsembl, KeyMetazoa, KeyPlants, KeyFungi, KeyProtists}
}

// ParseDeploymentKey matches s case-insensitively against the known keys.
func ParseDeploymentKey(s string) (DeploymentKey, error) {
	for _, k := range KnownDeploymentKeys() {
		if strings.EqualFold(string(k), strings.TrimSpace(s)) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown deployment %q", s)
}

// Deployment is one configured instance of the Ensembl service family with
// its REST and BioMart base URLs. Deployments are static configuration.
type Deployment struct {
	Key     DeploymentKey
	RestURL string
	MartURL string
	// Compara is the REST compara division for gene tree queries. Empty
	// means the server default.
	Compara string
}

// Descriptor describes a single BioMart dataset.
type Descriptor struct {
	Name        string
	DisplayName string
	Interface   string
}

// Mart is a BioMart mart advertised by a deployment's registry.
type Mart struct {
	Name          string
	DisplayName   string
	VirtualSchema string
	Database      string
}

// Catalog is everything the registry of one deployment offers for dataset
// resolution: the selected gene mart and its datasets.
type Catalog struct {
	Deployment Deployment
	Mart       Mart
	Datasets   []Descriptor
}

// SelectGeneMart picks the mart that serves gene data: the first mart whose
// name or display name mentions "gene", else the first whose name mentions
// "ensembl", else the first mart. It returns false for an empty list.
func SelectGeneMart(marts []Mart) (Mart, bool) {
	if len(marts) == 0 {
		return Mart{}, false
	}
	for _, m := range marts {
		if strings.Contains(strings.ToLower(m.Name), "gene") ||
			strings.Contains(strings.ToLower(m.DisplayName), "gene") {
			return m, true
		}
	}
	for _, m := range marts {
		if strings.Contains(strings.ToLower(m.Name), "ensembl") {
			return m, true
		}
	}
	return marts[0], true
}
