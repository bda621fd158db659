package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/tiermeter/pkg/accounts"
	"github.com/platinummonkey/tiermeter/pkg/classifier"
	"github.com/platinummonkey/tiermeter/pkg/routing"
)

// CatalogFile is the on-disk shape of the metering catalog.
// Any section left out falls back to the built-in defaults.
//
//	tiers:
//	  - id: fast
//	    cost_per_unit: 0.01
//	    max_output_units: 512
//	    latency: fast
//	plans:
//	  free:
//	    credit_grant: 100
//	    limits: {messages: 50, stats_pulls: 10}
//	classifier:
//	  extra_patterns:
//	    greeting: ["\\bgg\\b"]
type CatalogFile struct {
	Tiers      []routing.TierConfig `yaml:"tiers"`
	Plans      accounts.Plans       `yaml:"plans"`
	Classifier ClassifierFile       `yaml:"classifier"`
}

// ClassifierFile holds classifier tuning
type ClassifierFile struct {
	ExtraPatterns map[classifier.Family][]string `yaml:"extra_patterns"`
}

// Catalog is the validated runtime form of a CatalogFile
type Catalog struct {
	Tiers             *routing.Catalog
	Plans             accounts.Plans
	ClassifierOptions []classifier.Option
}

// DefaultCatalog returns the built-in tiers and plans
func DefaultCatalog() *Catalog {
	return &Catalog{
		Tiers: routing.DefaultCatalog(),
		Plans: accounts.DefaultPlans(),
	}
}

// LoadCatalog reads the catalog file at path.
// An empty path yields the built-in defaults.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates catalog YAML
func ParseCatalog(data []byte) (*Catalog, error) {
	var file CatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return file.Build()
}

// Build validates the file and fills in defaults for missing sections
func (f CatalogFile) Build() (*Catalog, error) {
	out := DefaultCatalog()

	if len(f.Tiers) > 0 {
		tiers, err := routing.NewCatalog(f.Tiers)
		if err != nil {
			return nil, fmt.Errorf("invalid tiers: %w", err)
		}
		out.Tiers = tiers
	}

	if len(f.Plans) > 0 {
		if err := f.Plans.Validate(); err != nil {
			return nil, fmt.Errorf("invalid plans: %w", err)
		}
		out.Plans = f.Plans
	}

	if len(f.Classifier.ExtraPatterns) > 0 {
		opt := classifier.WithExtraPatterns(f.Classifier.ExtraPatterns)
		// compile once here so a bad pattern fails at load time
		if _, err := classifier.New(opt); err != nil {
			return nil, fmt.Errorf("invalid classifier patterns: %w", err)
		}
		out.ClassifierOptions = append(out.ClassifierOptions, opt)
	}

	return out, nil
}
