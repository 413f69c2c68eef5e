package ensemblrest

import (
	"encoding/json"
	"strings"

	"github.com/ahrav/ensembl-genetree/internal/domain/genetree"
)

type treeDocument struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Tree *treeNode `json:"tree"`
}

type treeNode struct {
	Newick   string `json:"newick"`
	Taxonomy *struct {
		ScientificName string `json:"scientific_name"`
	} `json:"taxonomy"`
	Sequence *struct {
		Name string `json:"name"`
	} `json:"sequence"`
	Children []treeNode `json:"children"`
}

// decodeTree turns a gene tree response into a Tree. It returns nil when the
// body is not JSON or has no tree.
func decodeTree(body []byte) *genetree.Tree {
	var doc treeDocument
	if err := json.Unmarshal(body, &doc); err != nil || doc.Tree == nil {
		return nil
	}

	return &genetree.Tree{
		ID:           doc.ID,
		Type:         doc.Type,
		Newick:       doc.Tree.Newick,
		SpeciesCount: countSpecies(doc.Tree),
		Raw:          json.RawMessage(body),
	}
}

// countSpecies counts distinct species among the leaves of root. A leaf's
// species is its taxonomy scientific name, or failing that the prefix of its
// sequence name before the first underscore.
func countSpecies(root *treeNode) int {
	seen := make(map[string]struct{})
	stack := []*treeNode{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if len(n.Children) == 0 {
			if name := leafSpecies(n); name != "" {
				seen[name] = struct{}{}
			}
			continue
		}
		for i := range n.Children {
			stack = append(stack, &n.Children[i])
		}
	}
	return len(seen)
}

func leafSpecies(n *treeNode) string {
	if n.Taxonomy != nil && n.Taxonomy.ScientificName != "" {
		return n.Taxonomy.ScientificName
	}
	if n.Sequence != nil {
		if prefix, _, ok := strings.Cut(n.Sequence.Name, "_"); ok && prefix != "" {
			return prefix
		}
	}
	return ""
}
