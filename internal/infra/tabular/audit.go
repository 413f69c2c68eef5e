package tabular

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ahrav/ensembl-genetree/internal/domain/dataset"
)

// NotFoundKey is the api_key value written for unresolved species.
const NotFoundKey = "Not Found"

var auditHeader = []string{"species", "api_key", "dataset", "score", "found", "rest_url", "mart_url"}

// AuditFileName returns the audit file name for a run started at t.
func AuditFileName(t time.Time) string {
	return "species_api_results_" + t.Format("20060102_150405") + ".csv"
}

// WriteAudit writes one row per resolution in input order.
func WriteAudit(w io.Writer, results []dataset.Resolution) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(auditHeader); err != nil {
		return fmt.Errorf("writing audit header: %w", err)
	}
	for _, r := range results {
		if err := cw.Write(auditRow(r)); err != nil {
			return fmt.Errorf("writing audit row for %s: %w", r.Species, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func auditRow(r dataset.Resolution) []string {
	if !r.Found {
		return []string{r.Species, NotFoundKey, "", "0", "false", "", ""}
	}
	return []string{
		r.Species,
		string(r.Deployment.Key),
		r.DatasetLabel(),
		strconv.FormatFloat(r.Score, 'f', -1, 64),
		"true",
		r.Deployment.RestURL,
		r.Deployment.MartURL,
	}
}

// WriteAuditFile writes the audit for a run started at t into dir and
// returns the file path.
func WriteAuditFile(dir string, t time.Time, results []dataset.Resolution) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating audit dir: %w", err)
	}
	path := filepath.Join(dir, AuditFileName(t))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating audit file: %w", err)
	}
	if err := WriteAudit(f, results); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing audit file: %w", err)
	}
	return path, nil
}
