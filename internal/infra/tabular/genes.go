package tabular

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ahrav/ensembl-genetree/internal/domain/genetree"
	"github.com/ahrav/ensembl-genetree/internal/infra/storage"
)

// GeneListSuffix is appended to the Genus_species prefix of a gene list file.
const GeneListSuffix = "_protein-coding_genes.csv"

var (
	geneHeader = []string{"gene_id", "gene_symbol", "ensembl_id"}

	idColumns     = []string{"gene_id", "ensembl_id", "wbgeneid"}
	symbolColumns = []string{"gene_symbol", "symbol"}
)

// ErrNoIDColumn is returned for gene lists without a recognised id column.
var ErrNoIDColumn = errors.New("gene list has no id column")

// ReadGenes parses a gene list. Per row, the id is the first non-empty value
// of gene_id, ensembl_id or WBGeneID and the symbol the first non-empty value
// of gene_symbol or symbol, defaulting to the id. Rows without an id are
// skipped.
func ReadGenes(r io.Reader) ([]genetree.Gene, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading gene list header: %w", err)
	}

	idCols, symCols := columnIndexes(header, idColumns), columnIndexes(header, symbolColumns)
	if len(idCols) == 0 {
		return nil, ErrNoIDColumn
	}

	var genes []genetree.Gene
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading gene list: %w", err)
		}

		id := firstField(rec, idCols)
		if id == "" {
			continue
		}
		symbol := firstField(rec, symCols)
		if symbol == "" {
			symbol = id
		}
		genes = append(genes, genetree.Gene{ID: id, Symbol: symbol})
	}
	return genes, nil
}

// ReadGenesFile reads a gene list from path. A missing file is reported with
// an error wrapping os.ErrNotExist.
func ReadGenesFile(path string) ([]genetree.Gene, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ReadGenes(f)
}

// WriteGenes writes genes with the gene_id, gene_symbol, ensembl_id header.
func WriteGenes(w io.Writer, genes []genetree.Gene) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(geneHeader); err != nil {
		return err
	}
	for _, g := range genes {
		if err := cw.Write([]string{g.ID, g.Symbol, g.ID}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteGenesFile atomically replaces path with the gene list.
func WriteGenesFile(path string, genes []genetree.Gene) error {
	var buf bytes.Buffer
	if err := WriteGenes(&buf, genes); err != nil {
		return fmt.Errorf("encoding gene list: %w", err)
	}
	return storage.WriteFileAtomic(path, buf.Bytes(), 0o644)
}

// columnIndexes returns the header positions of names, in names order.
func columnIndexes(header []string, names []string) []int {
	var idx []int
	for _, name := range names {
		for i, h := range header {
			h = strings.TrimPrefix(h, "\ufeff")
			if strings.EqualFold(strings.TrimSpace(h), name) {
				idx = append(idx, i)
				break
			}
		}
	}
	return idx
}

func firstField(rec []string, cols []int) string {
	for _, i := range cols {
		if i >= len(rec) {
			continue
		}
		if v := strings.TrimSpace(rec[i]); v != "" {
			return v
		}
	}
	return ""
}
