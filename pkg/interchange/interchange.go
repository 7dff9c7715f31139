// Package interchange is the portable export/import format of an engine:
// frameworks, baselines, mappings, override rules and feedback in one
// canonical JSON document.
package interchange

import (
	"bytes"
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/crosswalk/pkg/catalog"
	"github.com/Mindburn-Labs/crosswalk/pkg/diagnostics"
	"github.com/Mindburn-Labs/crosswalk/pkg/gap"
	"github.com/Mindburn-Labs/crosswalk/pkg/mapping"
	"github.com/Mindburn-Labs/crosswalk/pkg/override"
	"github.com/Mindburn-Labs/crosswalk/pkg/scoring"
)

// SchemaVersion identifies the document layout.
const SchemaVersion = "crosswalk/v1"

const schemaURL = "https://crosswalk.schemas.local/interchange/document.schema.json"

//go:embed schema/document.schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("interchange schema load failed: %w", err)
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("interchange schema compile failed: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// Document is the full exported state of an engine.
type Document struct {
	SchemaVersion string               `json:"schema_version"`
	Frameworks    []catalog.Definition `json:"frameworks"`
	Baselines     []gap.Baseline       `json:"baselines,omitempty"`
	Mappings      []mapping.Mapping    `json:"mappings"`
	Rules         []override.Rule      `json:"rules,omitempty"`
	Feedback      []scoring.Feedback   `json:"feedback,omitempty"`
}

// Normalize fills the schema version, replaces nil top-level lists and
// sorts every list into its canonical order. Feedback keeps its recording
// order.
func (d *Document) Normalize() {
	if d.SchemaVersion == "" {
		d.SchemaVersion = SchemaVersion
	}
	if d.Frameworks == nil {
		d.Frameworks = []catalog.Definition{}
	}
	if d.Mappings == nil {
		d.Mappings = []mapping.Mapping{}
	}
	sort.SliceStable(d.Frameworks, func(i, j int) bool { return d.Frameworks[i].ID < d.Frameworks[j].ID })
	sort.Slice(d.Baselines, func(i, j int) bool { return d.Baselines[i].ID < d.Baselines[j].ID })
	sort.Slice(d.Mappings, func(i, j int) bool { return d.Mappings[i].Key().Less(d.Mappings[j].Key()) })
	sort.SliceStable(d.Rules, func(i, j int) bool { return d.Rules[i].Seq < d.Rules[j].Seq })
}

// Encode returns the RFC 8785 canonical JSON form of d.
func Encode(d *Document) ([]byte, error) {
	d.Normalize()
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("interchange: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("interchange: canonicalize: %w", err)
	}
	return out, nil
}

// Digest is the hex sha256 of the canonical encoding.
func Digest(d *Document) (string, error) {
	data, err := Encode(d)
	if err != nil {
		return "", err
	}
	return DigestBytes(data), nil
}

func DigestBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Decode validates data against the document schema and unmarshals it.
// Validation failures wrap ErrInvalidDefinition.
func Decode(data []byte) (*Document, error) {
	s, err := compiled()
	if err != nil {
		return nil, err
	}
	var inst any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&inst); err != nil {
		return nil, fmt.Errorf("%w: interchange document is not JSON: %v", diagnostics.ErrInvalidDefinition, err)
	}
	if err := s.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: interchange document: %v", diagnostics.ErrInvalidDefinition, err)
	}
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: interchange document: %v", diagnostics.ErrInvalidDefinition, err)
	}
	d.Normalize()
	return &d, nil
}

// Target receives restored records. The engine implements it.
type Target interface {
	LoadFramework(ctx context.Context, def catalog.Definition, opts catalog.LoadOptions) (string, error)
	RegisterBaseline(ctx context.Context, b gap.Baseline) error
	AddMapping(ctx context.Context, m mapping.Mapping) (mapping.AddResult, error)
	AddOverrideRule(ctx context.Context, r override.Rule) (override.Rule, []diagnostics.Diagnostic, error)
	RecordFeedback(ctx context.Context, f scoring.Feedback) error
}

// Restored counts what Restore applied.
type Restored struct {
	Frameworks  int                      `json:"frameworks"`
	Baselines   int                      `json:"baselines"`
	Mappings    int                      `json:"mappings"`
	Rules       int                      `json:"rules"`
	Feedback    int                      `json:"feedback"`
	Diagnostics []diagnostics.Diagnostic `json:"diagnostics,omitempty"`
}

// Restore replays d into t in dependency order. It stops at the first
// failure; records applied before it stay applied.
func Restore(ctx context.Context, t Target, d *Document) (Restored, error) {
	var out Restored
	var diags diagnostics.Collector
	d.Normalize()

	for _, def := range d.Frameworks {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if _, err := t.LoadFramework(ctx, def, catalog.LoadOptions{}); err != nil {
			return out, fmt.Errorf("restore framework %s@%s: %w", def.ID, def.Version, err)
		}
		out.Frameworks++
	}
	for _, b := range d.Baselines {
		if err := t.RegisterBaseline(ctx, b); err != nil {
			return out, fmt.Errorf("restore baseline %s: %w", b.ID, err)
		}
		out.Baselines++
	}
	for _, m := range d.Mappings {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		// Reciprocity warnings are transient while pairs are half restored.
		if _, err := t.AddMapping(ctx, m); err != nil {
			return out, fmt.Errorf("restore mapping %s: %w", m.Key(), err)
		}
		out.Mappings++
	}
	for _, r := range d.Rules {
		_, ds, err := t.AddOverrideRule(ctx, r)
		if err != nil {
			return out, fmt.Errorf("restore rule %s: %w", r.ID, err)
		}
		out.Rules++
		diags.Add(ds...)
	}
	for _, f := range d.Feedback {
		if err := t.RecordFeedback(ctx, f); err != nil {
			return out, fmt.Errorf("restore feedback: %w", err)
		}
		out.Feedback++
	}
	out.Diagnostics = diags.Items()
	return out, nil
}
