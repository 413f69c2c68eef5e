package tabular

import (
	"bytes"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/ensembl-genetree/internal/domain/dataset"
	"github.com/ahrav/ensembl-genetree/internal/domain/genetree"
)

func TestReadSpecies(t *testing.T) {
	input := "Homo sapiens\n\n# comment\n  Mus musculus  \nDrosophila melanogaster\n"

	got, err := ReadSpecies(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []string{"Homo sapiens", "Mus musculus", "Drosophila melanogaster"}, got)
}

func TestReadSpeciesFileMissing(t *testing.T) {
	_, err := ReadSpeciesFile(filepath.Join(t.TempDir(), "nope.txt"))
	require.Error(t, err)
}

func TestWriteAudit(t *testing.T) {
	results := []dataset.Resolution{
		{
			Species:    "Homo sapiens",
			Deployment: dataset.Deployment{Key: dataset.KeyEnsembl, RestURL: "https://rest.ensembl.org", MartURL: "https://www.ensembl.org/biomart/martservice"},
			Dataset:    "hsapiens_gene_ensembl",
			Score:      62.5,
			Found:      true,
		},
		dataset.NotFound("Unicornus imaginarius"),
		dataset.Forced("Ciona savignyi", dataset.Deployment{Key: dataset.KeyMetazoa}),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteAudit(&buf, results))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, auditHeader, rows[0])
	assert.Equal(t, []string{"Homo sapiens", "Ensembl", "hsapiens_gene_ensembl", "62.5", "true",
		"https://rest.ensembl.org", "https://www.ensembl.org/biomart/martservice"}, rows[1])
	assert.Equal(t, []string{"Unicornus imaginarius", "Not Found", "", "0", "false", "", ""}, rows[2])
	assert.Equal(t, "forced", rows[3][2])
	assert.Equal(t, "100", rows[3][3])
}

func TestWriteAuditFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "api_search_results")
	ts := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)

	path, err := WriteAuditFile(dir, ts, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "species_api_results_20240309_140507.csv"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "species,api_key,dataset,score,found,rest_url,mart_url\n", string(data))
}

func TestReadGenes(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []genetree.Gene
	}{
		{
			name:  "written format",
			input: "gene_id,gene_symbol,ensembl_id\nENSG1,BRCA2,ENSG1\nENSG2,,ENSG2\n",
			want:  []genetree.Gene{{ID: "ENSG1", Symbol: "BRCA2"}, {ID: "ENSG2", Symbol: "ENSG2"}},
		},
		{
			name:  "wormbase columns",
			input: "WBGeneID,symbol\nWBGene00000001,aap-1\n,skipped\n",
			want:  []genetree.Gene{{ID: "WBGene00000001", Symbol: "aap-1"}},
		},
		{
			name:  "ensembl_id only",
			input: "ensembl_id\nFBgn0000008\n",
			want:  []genetree.Gene{{ID: "FBgn0000008", Symbol: "FBgn0000008"}},
		},
		{
			name:  "falls back per row",
			input: "gene_id,gene_symbol,ensembl_id,symbol\nENSG1,BRCA2,ENSG1,\n,,ENSG2,TP53\n,,,orphan\n",
			want:  []genetree.Gene{{ID: "ENSG1", Symbol: "BRCA2"}, {ID: "ENSG2", Symbol: "TP53"}},
		},
		{name: "empty file", input: "", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadGenes(strings.NewReader(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadGenesWithoutIDColumn(t *testing.T) {
	_, err := ReadGenes(strings.NewReader("name,symbol\nx,y\n"))
	require.ErrorIs(t, err, ErrNoIDColumn)
}

func TestGeneFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Homo_sapiens"+GeneListSuffix)
	genes := []genetree.Gene{{ID: "ENSG1", Symbol: "BRCA2"}, {ID: "ENSG2", Symbol: "Unknown"}}

	require.NoError(t, WriteGenesFile(path, genes))
	got, err := ReadGenesFile(path)
	require.NoError(t, err)
	assert.Equal(t, genes, got)

	_, err = ReadGenesFile(filepath.Join(t.TempDir(), "missing.csv"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
