package fileloader

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// OverridesFile is the document shape of a species overrides file:
//
//	overrides:
//	  Ciona savignyi: Metazoa
//	  Caenorhabditis elegans: Metazoa
type OverridesFile struct {
	Overrides map[string]string `yaml:"overrides"`
}

// FileLoader loads species overrides from a YAML file on disk.
type FileLoader struct {
	// path is the filesystem path to the overrides file.
	path string
}

// NewFileLoader creates a new FileLoader that will load overrides from the
// specified file path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load reads and parses the overrides file. An empty document yields an
// empty map.
func (l *FileLoader) Load(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read overrides file: %w", err)
	}

	var doc OverridesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse overrides file: %w", err)
	}
	if doc.Overrides == nil {
		doc.Overrides = map[string]string{}
	}

	return doc.Overrides, nil
}
