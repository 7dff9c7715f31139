package engine

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/crosswalk/pkg/diagnostics"
	"github.com/Mindburn-Labs/crosswalk/pkg/gap"
	"github.com/Mindburn-Labs/crosswalk/pkg/interchange"
	"github.com/Mindburn-Labs/crosswalk/pkg/mapping"
	"github.com/Mindburn-Labs/crosswalk/pkg/matrix"
	"github.com/Mindburn-Labs/crosswalk/pkg/override"
)

// MappingStats counts the raw mappings touching the reported frameworks.
type MappingStats struct {
	Total        int                        `json:"total"`
	Verified     int                        `json:"verified"`
	Suppressed   int                        `json:"suppressed"`
	Adjusted     int                        `json:"adjusted"`
	ByType       map[mapping.Type]int       `json:"by_type"`
	ByProvenance map[mapping.Provenance]int `json:"by_provenance"`
}

// PairGaps are the high and critical gaps of Target against Source.
type PairGaps struct {
	Source string    `json:"source"`
	Target string    `json:"target"`
	Gaps   []gap.Gap `json:"gaps"`
}

// Report is the compliance summary handed to dashboard and report
// collaborators.
type Report struct {
	GeneratedAt time.Time                `json:"generated_at"`
	Version     uint64                   `json:"version"`
	Frameworks  []FrameworkInfo          `json:"frameworks"`
	Mappings    MappingStats             `json:"mappings"`
	Matrix      *matrix.Matrix           `json:"matrix"`
	Gaps        []PairGaps               `json:"gaps"`
	Diagnostics []diagnostics.Diagnostic `json:"diagnostics,omitempty"`
}

var reportSeverities = []gap.Severity{gap.SeverityCritical, gap.SeverityHigh}

// Report summarizes ids, or every registered framework when ids is empty:
// framework sizes, mapping counts, the coverage matrix and the significant
// gaps of every ordered pair.
func (e *Engine) Report(ctx context.Context, ids []string) (rep *Report, err error) {
	ctx, finish := e.obs.TrackOperation(ctx, "engine.Report")
	defer func() { finish(err) }()

	st := e.capture()
	view := e.effective(st, override.Query{})
	in := gap.Input{
		Catalog:     st.catalog,
		Mappings:    view.Graph(),
		Baselines:   st.baselines,
		Diagnostics: view.Diagnostics,
	}
	m, err := e.matrix.Build(ctx, matrix.State{Version: st.version, Input: in}, ids, nil)
	if err != nil {
		return nil, err
	}

	rep = &Report{
		GeneratedAt: e.now().UTC(),
		Version:     st.version,
		Matrix:      m,
		Gaps:        []PairGaps{},
		Mappings: MappingStats{
			ByType:       make(map[mapping.Type]int),
			ByProvenance: make(map[mapping.Provenance]int),
		},
	}
	included := make(map[string]bool, len(m.Frameworks))
	for _, id := range m.Frameworks {
		included[id] = true
		fw, _ := st.catalog.Framework(id)
		rep.Frameworks = append(rep.Frameworks, frameworkInfo(st.catalog, fw))
	}

	inScope := func(mp mapping.Mapping) bool {
		return included[mp.SourceFramework] && included[mp.TargetFramework]
	}
	for _, mp := range st.graph.All() {
		if !inScope(mp) {
			continue
		}
		rep.Mappings.Total++
		rep.Mappings.ByType[mp.Type]++
		rep.Mappings.ByProvenance[mp.Provenance]++
		if mp.Verified(e.cfg.VerifiedThreshold) {
			rep.Mappings.Verified++
		}
	}
	for _, s := range view.Suppressed {
		if inScope(s.Mapping) {
			rep.Mappings.Suppressed++
		}
	}
	for _, a := range view.Adjusted {
		if inScope(a.Raw) {
			rep.Mappings.Adjusted++
		}
	}

	var diags diagnostics.Collector
	diags.Add(view.Diagnostics...)
	diags.Add(st.graph.ConsistencyWarnings(m.Frameworks...)...)
	for _, src := range m.Frameworks {
		for _, tgt := range m.Frameworks {
			if src == tgt {
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			res, err := e.analyzer.Analyze(in, gap.Request{
				SourceFrameworks: []string{src},
				TargetFramework:  tgt,
				Severities:       reportSeverities,
			})
			if err != nil {
				return nil, err
			}
			rep.Gaps = append(rep.Gaps, PairGaps{Source: src, Target: tgt, Gaps: res.Gaps})
		}
	}
	rep.Diagnostics = dedupe(diags.Items())
	e.obs.RecordDiagnostics(ctx, rep.Diagnostics)
	return rep, nil
}

func dedupe(ds []diagnostics.Diagnostic) []diagnostics.Diagnostic {
	type key struct {
		kind    diagnostics.Kind
		subject string
		message string
	}
	seen := make(map[key]bool, len(ds))
	out := ds[:0]
	for _, d := range ds {
		k := key{d.Kind, d.Subject, d.Message}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, d)
	}
	diagnostics.Sort(out)
	return out
}

// Export captures the full engine state as an interchange document:
// current framework versions, baselines, raw mappings, override rules and
// feedback. interchange.Restore into a fresh engine reproduces identical
// coverage for every framework pair.
func (e *Engine) Export(ctx context.Context) (doc *interchange.Document, err error) {
	_, finish := e.obs.TrackOperation(ctx, "engine.Export")
	defer func() { finish(err) }()

	e.mu.RLock()
	snap := e.registry.Snapshot()
	doc = &interchange.Document{
		SchemaVersion: interchange.SchemaVersion,
		Baselines:     e.baselineList(),
		Mappings:      e.graph.Snapshot().All(),
		Rules:         e.rules.Rules(),
		Feedback:      e.history.Records(),
	}
	e.mu.RUnlock()

	for _, id := range snap.Frameworks() {
		fw, _ := snap.Framework(id)
		doc.Frameworks = append(doc.Frameworks, fw.Definition())
	}
	doc.Normalize()
	return doc, nil
}
