package biomart

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	regexp "github.com/wasilibs/go-re2"

	"github.com/ahrav/ensembl-genetree/internal/domain/dataset"
)

// ErrNoMarts is returned when a registry document lists no marts.
var ErrNoMarts = errors.New("registry lists no marts")

const martElement = "MartURLLocation"

var (
	// Registry documents served by some mirrors are not well formed. These
	// patterns recover the mart attributes from the raw text.
	martTagPattern  = regexp.MustCompile(`<MartURLLocation\b[^>]*>`)
	martAttrPattern = regexp.MustCompile(`([A-Za-z_:]+)\s*=\s*"([^"]*)"`)
)

// parseRegistry extracts the marts of a registry document. The XML decoder
// runs in non-strict mode; if it fails or finds fewer marts than a textual
// scan, the scan result is used.
func parseRegistry(data []byte) ([]dataset.Mart, error) {
	decoded, decodeErr := decodeRegistry(data)
	if decodeErr == nil && len(decoded) > 0 {
		return decoded, nil
	}

	scanned := scanRegistry(data)
	if len(scanned) > 0 && len(scanned) >= len(decoded) {
		return scanned, nil
	}
	if len(decoded) > 0 {
		return decoded, nil
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("parsing registry: %w", decodeErr)
	}
	return nil, ErrNoMarts
}

func decodeRegistry(data []byte) ([]dataset.Mart, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose
	dec.Entity = xml.HTMLEntity

	var marts []dataset.Mart
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return marts, nil
		}
		if err != nil {
			return marts, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != martElement {
			continue
		}
		attrs := make(map[string]string, len(se.Attr))
		for _, a := range se.Attr {
			attrs[a.Name.Local] = a.Value
		}
		marts = append(marts, martFromAttrs(attrs))
	}
}

func scanRegistry(data []byte) []dataset.Mart {
	var marts []dataset.Mart
	for _, tag := range martTagPattern.FindAll(data, -1) {
		attrs := make(map[string]string)
		for _, m := range martAttrPattern.FindAllSubmatch(tag, -1) {
			attrs[string(m[1])] = string(m[2])
		}
		marts = append(marts, martFromAttrs(attrs))
	}
	return marts
}

func martFromAttrs(attrs map[string]string) dataset.Mart {
	return dataset.Mart{
		Name:          attrs["name"],
		DisplayName:   attrs["displayName"],
		VirtualSchema: attrs["serverVirtualSchema"],
		Database:      attrs["database"],
	}
}

// parseDatasets reads the tab separated dataset listing of a mart. Rows with
// fewer than four columns or without a name are skipped.
func parseDatasets(data []byte) []dataset.Descriptor {
	var out []dataset.Descriptor
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) < 4 || parts[1] == "" {
			continue
		}
		out = append(out, dataset.Descriptor{
			Name:        parts[1],
			DisplayName: parts[2],
			Interface:   parts[3],
		})
	}
	return out
}
