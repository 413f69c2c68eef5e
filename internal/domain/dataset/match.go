package dataset

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// ErrInvalidBinomial is returned for species names that do not split into at
// least a genus and a species token.
var ErrInvalidBinomial = errors.New("species name is not a binomial")

// Binomial is a parsed, lower-cased "Genus species" name.
type Binomial struct {
	Genus   string
	Species string
	// Full is the whole lower-cased input, used against display names.
	Full string
}

// ParseBinomial splits name on whitespace. Extra tokens (subspecies, strain)
// are kept in Full but do not contribute to Genus or Species.
func ParseBinomial(name string) (Binomial, error) {
	full := strings.ToLower(strings.TrimSpace(name))
	parts := strings.Fields(full)
	if len(parts) < 2 {
		return Binomial{}, ErrInvalidBinomial
	}
	return Binomial{Genus: parts[0], Species: parts[1], Full: full}, nil
}

// Field names the dataset attribute a pattern is matched against.
type Field int

const (
	FieldName Field = iota
	FieldDisplayName
)

// Pattern is a substring searched for in one field of a dataset, with the
// score awarded when the field consists of exactly that substring.
type Pattern struct {
	Text      string
	Field     Field
	BaseScore float64
}

// Patterns returns the match patterns for b in evaluation order.
func (b Binomial) Patterns() []Pattern {
	genusInitial, _ := utf8.DecodeRuneInString(b.Genus)
	return []Pattern{
		{Text: b.Genus + "_" + b.Species, Field: FieldName, BaseScore: 100},
		{Text: b.Full, Field: FieldDisplayName, BaseScore: 100},
		{Text: string(genusInitial) + b.Species, Field: FieldName, BaseScore: 90},
		{Text: b.Species, Field: FieldName, BaseScore: 80},
		{Text: b.Genus, Field: FieldName, BaseScore: 80},
	}
}

// AdjustedScore scales base by how much of field the pattern covers:
// base * (0.5 + 0.5*len(pattern)/len(field)). Lengths are in runes. The
// result never exceeds base and equals it only when pattern == field.
// Callers must only pass pairs where pattern is a substring of field.
func AdjustedScore(base float64, pattern, field string) float64 {
	fieldLen := utf8.RuneCountInString(field)
	if fieldLen == 0 {
		return 0
	}
	closeness := float64(utf8.RuneCountInString(pattern)) / float64(fieldLen)
	return base * (0.5 + 0.5*closeness)
}

// MatchCandidate is one scored (deployment, dataset) pairing.
type MatchCandidate struct {
	Deployment Deployment
	Mart       Mart
	Dataset    string
	Score      float64
}

// ScoreCatalog scores every dataset of c against b. A candidate is produced
// for every (pattern, dataset) pair where the pattern occurs in the field;
// candidates appear in dataset order, then pattern order.
func ScoreCatalog(b Binomial, c Catalog) []MatchCandidate {
	patterns := b.Patterns()

	var out []MatchCandidate
	for _, ds := range c.Datasets {
		fields := map[Field]string{
			FieldName:        strings.ToLower(ds.Name),
			FieldDisplayName: strings.ToLower(ds.DisplayName),
		}
		for _, p := range patterns {
			field := fields[p.Field]
			if p.Text == "" || !strings.Contains(field, p.Text) {
				continue
			}
			out = append(out, MatchCandidate{
				Deployment: c.Deployment,
				Mart:       c.Mart,
				Dataset:    ds.Name,
				Score:      AdjustedScore(p.BaseScore, p.Text, field),
			})
		}
	}
	return out
}

// Best returns the candidate with the strictly highest score. When several
// share the maximum, the first one in slice order wins. It returns false when
// no candidate scores above zero.
func Best(candidates []MatchCandidate) (MatchCandidate, bool) {
	var (
		best  MatchCandidate
		found bool
	)
	for _, c := range candidates {
		if c.Score <= 0 {
			continue
		}
		if !found || c.Score > best.Score {
			best, found = c, true
		}
	}
	return best, found
}
