package seed

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shubham-shewale/stock-relay/pkg/models"
)

// FileSource reads profiles from a YAML document:
//
//	profiles:
//	  - symbol: AAPL
//	    companyName: Apple Inc
//	    prevClose: 189.5
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (f *FileSource) Name() string { return "file" }

type profileFile struct {
	Profiles []models.Profile `yaml:"profiles"`
}

// Profiles returns every profile in the file. Symbols not asked for are
// included too, so the file can extend the seed list.
func (f *FileSource) Profiles(ctx context.Context, symbols []string) ([]models.Profile, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	var doc profileFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", f.path, err)
	}

	out := make([]models.Profile, 0, len(doc.Profiles))
	for _, p := range doc.Profiles {
		p.Symbol = strings.ToUpper(strings.TrimSpace(p.Symbol))
		if p.Symbol == "" {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
