package biomart

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"github.com/ahrav/ensembl-genetree/internal/domain/genetree"
)

// ErrQueryRejected is returned when BioMart answers a query with an error
// document instead of results.
var ErrQueryRejected = errors.New("biomart rejected query")

type martQuery struct {
	XMLName              xml.Name         `xml:"Query"`
	VirtualSchemaName    string           `xml:"virtualSchemaName,attr"`
	Formatter            string           `xml:"formatter,attr"`
	Header               string           `xml:"header,attr"`
	UniqueRows           string           `xml:"uniqueRows,attr"`
	Count                string           `xml:"count,attr"`
	DatasetConfigVersion string           `xml:"datasetConfigVersion,attr"`
	Dataset              martQueryDataset `xml:"Dataset"`
}

type martQueryDataset struct {
	Name       string           `xml:"name,attr"`
	Interface  string           `xml:"interface,attr"`
	Attributes []martQueryField `xml:"Attribute"`
	Filters    []martQueryField `xml:"Filter"`
}

type martQueryField struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr,omitempty"`
}

// proteinCodingQuery builds the query document selecting gene ids and names
// of protein coding genes in datasetName.
func proteinCodingQuery(virtualSchema, datasetName string) (string, error) {
	if virtualSchema == "" {
		virtualSchema = "default"
	}
	q := martQuery{
		VirtualSchemaName:    virtualSchema,
		Formatter:            "TSV",
		Header:               "0",
		UniqueRows:           "1",
		DatasetConfigVersion: "0.6",
		Dataset: martQueryDataset{
			Name:      datasetName,
			Interface: "default",
			Attributes: []martQueryField{
				{Name: "ensembl_gene_id"},
				{Name: "external_gene_name"},
			},
			Filters: []martQueryField{{Name: "biotype", Value: "protein_coding"}},
		},
	}

	body, err := xml.MarshalIndent(q, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding query: %w", err)
	}
	return xml.Header + "<!DOCTYPE Query>\n" + string(body), nil
}

// parseGenes reads the two column TSV result of proteinCodingQuery. Rows
// without an id are skipped and a missing name becomes UnknownSymbol.
func parseGenes(data []byte) ([]genetree.Gene, error) {
	text := strings.TrimRight(string(data), "\r\n")
	if isErrorDocument(strings.TrimSpace(text)) {
		excerpt := text
		if len(excerpt) > 200 {
			excerpt = excerpt[:200]
		}
		return nil, fmt.Errorf("%w: %s", ErrQueryRejected, excerpt)
	}

	var genes []genetree.Gene
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		id := strings.TrimSpace(parts[0])
		if id == "" {
			continue
		}
		var symbol string
		if len(parts) > 1 {
			symbol = strings.TrimSpace(parts[1])
		}
		if symbol == "" {
			symbol = genetree.UnknownSymbol
		}
		genes = append(genes, genetree.Gene{ID: id, Symbol: symbol})
	}
	return genes, nil
}

func isErrorDocument(text string) bool {
	firstLine, _, _ := strings.Cut(text, "\n")
	lower := strings.ToLower(firstLine)
	return strings.HasPrefix(lower, "query error") ||
		strings.Contains(lower, "exception") ||
		strings.HasPrefix(lower, "<html")
}
