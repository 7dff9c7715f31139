// Package builtin ships the reference catalogs (SOC 2 2017, ISO 27001 2022,
// NIST CSF 1.1), a curated set of cross-framework mappings between them and
// a few baselines. Everything is embedded so the CLI works with no input.
package builtin

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/crosswalk/pkg/catalog"
	"github.com/Mindburn-Labs/crosswalk/pkg/diagnostics"
	"github.com/Mindburn-Labs/crosswalk/pkg/gap"
	"github.com/Mindburn-Labs/crosswalk/pkg/interchange"
	"github.com/Mindburn-Labs/crosswalk/pkg/mapping"
)

//go:embed data/*.yaml
var data embed.FS

const (
	mappingsFile  = "data/mappings.yaml"
	baselinesFile = "data/baselines.yaml"
)

// Framework ids of the embedded catalogs.
const (
	SOC2     = "soc2"
	ISO27001 = "iso27001"
	NISTCSF  = "nist-csf"
)

// seedMapping is the on-disk form of a curated mapping.
type seedMapping struct {
	SourceFramework string  `yaml:"source_framework"`
	SourceControl   string  `yaml:"source_control"`
	TargetFramework string  `yaml:"target_framework"`
	TargetControl   string  `yaml:"target_control"`
	Type            string  `yaml:"type"`
	Confidence      float64 `yaml:"confidence"`
	Rationale       string  `yaml:"rationale,omitempty"`
}

// Definitions returns the embedded catalogs ordered by framework id.
func Definitions() ([]catalog.Definition, error) {
	entries, err := fs.ReadDir(data, "data")
	if err != nil {
		return nil, err
	}
	var defs []catalog.Definition
	for _, e := range entries {
		name := path.Join("data", e.Name())
		if name == mappingsFile || name == baselinesFile || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		raw, err := data.ReadFile(name)
		if err != nil {
			return nil, err
		}
		def, err := catalog.DecodeDefinitionYAML(raw)
		if err != nil {
			return nil, fmt.Errorf("builtin %s: %w", e.Name(), err)
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

// Mappings returns the curated seed mappings. Versions are left empty and
// are stamped when the mappings are added to a graph.
func Mappings() ([]mapping.Mapping, error) {
	raw, err := data.ReadFile(mappingsFile)
	if err != nil {
		return nil, err
	}
	var seeds []seedMapping
	if err := yaml.Unmarshal(raw, &seeds); err != nil {
		return nil, fmt.Errorf("%w: builtin mappings: %v", diagnostics.ErrInvalidDefinition, err)
	}
	out := make([]mapping.Mapping, 0, len(seeds))
	for i, s := range seeds {
		t, err := mapping.ParseType(s.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: builtin mapping %d: %v", diagnostics.ErrInvalidDefinition, i+1, err)
		}
		out = append(out, mapping.Mapping{
			SourceFramework: s.SourceFramework,
			SourceControl:   s.SourceControl,
			TargetFramework: s.TargetFramework,
			TargetControl:   s.TargetControl,
			Type:            t,
			Confidence:      s.Confidence,
			Provenance:      mapping.ProvenanceCurated,
			Rationale:       s.Rationale,
		})
	}
	return out, nil
}

func Baselines() ([]gap.Baseline, error) {
	raw, err := data.ReadFile(baselinesFile)
	if err != nil {
		return nil, err
	}
	var out []gap.Baseline
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: builtin baselines: %v", diagnostics.ErrInvalidDefinition, err)
	}
	return out, nil
}

// Document bundles the catalogs, mappings and baselines as an interchange
// document ready for interchange.Restore.
func Document() (*interchange.Document, error) {
	defs, err := Definitions()
	if err != nil {
		return nil, err
	}
	ms, err := Mappings()
	if err != nil {
		return nil, err
	}
	bs, err := Baselines()
	if err != nil {
		return nil, err
	}
	d := &interchange.Document{
		SchemaVersion: interchange.SchemaVersion,
		Frameworks:    defs,
		Baselines:     bs,
		Mappings:      ms,
	}
	d.Normalize()
	return d, nil
}
