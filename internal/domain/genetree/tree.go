package genetree

import "encoding/json"

// Tree is a gene tree returned by the REST service.
type Tree struct {
	ID           string
	Type         string
	Newick       string
	SpeciesCount int
	// Raw is the full response document as received.
	Raw json.RawMessage
}

// FetchResult is the outcome of fetching the tree of one gene. Tree is nil
// when the service has no tree for the gene.
type FetchResult struct {
	Gene Gene
	Tree *Tree
}

// HasTree reports whether a tree was found.
func (r FetchResult) HasTree() bool { return r.Tree != nil }

// ItemOutcome classifies how a dispatched gene ended.
type ItemOutcome string

const (
	OutcomeTree   ItemOutcome = "tree"
	OutcomeNoTree ItemOutcome = "no_tree"
	OutcomeFailed ItemOutcome = "failed"
)
