// Package tabular reads and writes the plain-text tables a harvest consumes
// and produces: the species list, the resolution audit and the per-species
// gene list.
package tabular

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// ReadSpecies returns the species names listed in r, one per line. Blank
// lines and lines starting with '#' are ignored.
func ReadSpecies(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\ufeff"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading species list: %w", err)
	}
	return out, nil
}

// ReadSpeciesFile opens path and reads it with ReadSpecies.
func ReadSpeciesFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening species file: %w", err)
	}
	defer f.Close()

	return ReadSpecies(f)
}
