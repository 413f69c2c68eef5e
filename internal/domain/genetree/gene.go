// Package genetree holds the gene-level domain of a harvest: the genes to
// process, the resumable checkpoint over them, and the gene tree results
// produced for each one.
package genetree

import "strings"

// UnknownSymbol is the placeholder for genes without an external name.
const UnknownSymbol = "Unknown"

// Gene is one unit of work. Identity is ID; Symbol is a human readable name
// that may be empty or UnknownSymbol.
type Gene struct {
	ID     string
	Symbol string
}

// ArtifactKey is the file name stem for artifacts of a gene: the symbol,
// unless it is empty or "unknown" in any case, in which case the gene id.
// Path separators are replaced so the key is always a single path element.
func ArtifactKey(symbol, id string) string {
	key := strings.TrimSpace(symbol)
	if key == "" || strings.EqualFold(key, UnknownSymbol) {
		key = id
	}
	return keySanitizer.Replace(key)
}

var keySanitizer = strings.NewReplacer("/", "_", "\\", "_", "\x00", "_")

// Key returns the artifact key for g.
func (g Gene) Key() string { return ArtifactKey(g.Symbol, g.ID) }
