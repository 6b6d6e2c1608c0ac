// Package classification maps a company's reported sector to its level-1 BICS sector.
package classification

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/palantir/equity-enrichment-pipeline/internal/company"
	"github.com/palantir/equity-enrichment-pipeline/internal/enrich"
)

// Name is the registry name of this enricher.
const Name = "classification"

// Output fields.
const (
	FieldBICSName = "BICS Level 1 Sector Name"
	FieldBICSCode = "BICS Level 1 Sector Code"
)

// SourceField is the input field read from the company (written by market_data when it
// runs earlier in the chain).
const SourceField = "GICS Sector"

//go:embed sectors.yaml
var defaultTable []byte

type Sector struct {
	Name    string   `yaml:"name"`
	Code    string   `yaml:"code"`
	Aliases []string `yaml:"aliases"`
}

type table struct {
	Sectors []Sector `yaml:"sectors"`
}

type Enricher struct {
	bySector map[string]Sector
}

// New loads the sector table from path, or the embedded default when path is empty.
func New(path string) (*Enricher, error) {
	raw := defaultTable
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read sector table: %w", err)
		}
		raw = b
	}
	return Parse(raw)
}

// Parse builds an enricher from a YAML sector table.
func Parse(raw []byte) (*Enricher, error) {
	var t table
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("parse sector table: %w", err)
	}
	if len(t.Sectors) == 0 {
		return nil, fmt.Errorf("sector table is empty")
	}

	idx := make(map[string]Sector)
	for _, s := range t.Sectors {
		if strings.TrimSpace(s.Name) == "" {
			return nil, fmt.Errorf("sector table: entry without name")
		}
		keys := append([]string{s.Name}, s.Aliases...)
		for _, k := range keys {
			k = normalize(k)
			if k == "" {
				continue
			}
			if prev, ok := idx[k]; ok && prev.Name != s.Name {
				return nil, fmt.Errorf("sector table: %q maps to both %q and %q", k, prev.Name, s.Name)
			}
			idx[k] = s
		}
	}
	return &Enricher{bySector: idx}, nil
}

func (e *Enricher) Name() string { return Name }

func (e *Enricher) Enrich(_ context.Context, c company.Company) (company.Fields, error) {
	sector := c.String(SourceField)
	if sector == "" {
		return company.Fields{}, nil
	}
	s, ok := e.bySector[normalize(sector)]
	if !ok {
		return nil, enrich.Permanent(fmt.Errorf("classification: unmapped sector %q", sector))
	}
	out := company.Fields{FieldBICSName: s.Name}
	if strings.TrimSpace(s.Code) != "" {
		out[FieldBICSCode] = s.Code
	}
	return out, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
