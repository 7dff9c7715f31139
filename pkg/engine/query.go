package engine

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/Mindburn-Labs/crosswalk/pkg/catalog"
	"github.com/Mindburn-Labs/crosswalk/pkg/diagnostics"
	"github.com/Mindburn-Labs/crosswalk/pkg/gap"
	"github.com/Mindburn-Labs/crosswalk/pkg/mapping"
	"github.com/Mindburn-Labs/crosswalk/pkg/matrix"
	"github.com/Mindburn-Labs/crosswalk/pkg/observability"
	"github.com/Mindburn-Labs/crosswalk/pkg/override"
	"github.com/Mindburn-Labs/crosswalk/pkg/scoring"
	"github.com/Mindburn-Labs/crosswalk/pkg/similarity"
)

// state is everything one query reads, captured atomically.
type state struct {
	version   uint64
	catalog   *catalog.Snapshot
	graph     *mapping.Snapshot
	rules     []override.Rule
	baselines []gap.Baseline
	history   *scoring.HistorySnapshot
}

func (e *Engine) capture() state {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return state{
		version:   e.version.Load(),
		catalog:   e.registry.Snapshot(),
		graph:     e.graph.Snapshot(),
		rules:     e.rules.Rules(),
		baselines: e.baselineList(),
		history:   e.history.Snapshot(),
	}
}

// effective applies the override rules to the raw graph.
func (e *Engine) effective(st state, q override.Query) override.View {
	return e.evaluator.Apply(st.graph.All(), st.rules, q)
}

func (e *Engine) input(st state, q override.Query) gap.Input {
	view := e.effective(st, q)
	return gap.Input{
		Catalog:     st.catalog,
		Mappings:    view.Graph(),
		Baselines:   st.baselines,
		Diagnostics: view.Diagnostics,
	}
}

// FrameworkInfo summarizes a registered framework.
type FrameworkInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Controls    int      `json:"total_controls"`
	Domains     int      `json:"domains"`
	Superseded  []string `json:"superseded_versions,omitempty"`
}

func frameworkInfo(snap *catalog.Snapshot, fw *catalog.Framework) FrameworkInfo {
	info := FrameworkInfo{
		ID:          fw.ID,
		Name:        fw.Name,
		Version:     fw.Version,
		Description: fw.Description,
		Controls:    fw.Len(),
		Domains:     len(fw.Domains),
	}
	for _, v := range snap.Versions(fw.ID) {
		if v != fw.Version {
			info.Superseded = append(info.Superseded, v)
		}
	}
	return info
}

// Frameworks lists the registered frameworks ordered by id.
func (e *Engine) Frameworks() []FrameworkInfo {
	snap := e.registry.Snapshot()
	ids := snap.Frameworks()
	out := make([]FrameworkInfo, 0, len(ids))
	for _, id := range ids {
		fw, _ := snap.Framework(id)
		out = append(out, frameworkInfo(snap, fw))
	}
	return out
}

// Framework returns the current version of a framework.
func (e *Engine) Framework(id string) (*catalog.Framework, error) {
	return e.registry.Snapshot().Require(id)
}

func (e *Engine) Control(frameworkID, controlID string) (catalog.Control, error) {
	snap := e.registry.Snapshot()
	if _, err := snap.Require(frameworkID); err != nil {
		return catalog.Control{}, err
	}
	c, ok := snap.Control(frameworkID, controlID)
	if !ok {
		return catalog.Control{}, fmt.Errorf("%w: %s/%s", diagnostics.ErrUnknownControl, frameworkID, controlID)
	}
	return c, nil
}

// ListControls lazily enumerates the controls of a framework matching
// filter, in control id order. The sequence can be ranged over repeatedly.
func (e *Engine) ListControls(frameworkID string, filter catalog.Filter) (iter.Seq[catalog.Control], error) {
	return e.registry.ListControls(frameworkID, filter)
}

// GetCoverage analyzes how well source covers target, after overrides.
func (e *Engine) GetCoverage(ctx context.Context, source, target string) (*gap.Result, error) {
	return e.Analyze(ctx, gap.Request{SourceFrameworks: []string{source}, TargetFramework: target}, override.Query{})
}

// ListGaps reports the gaps of target against every other registered
// framework, optionally restricted to the given severities.
func (e *Engine) ListGaps(ctx context.Context, target string, severities ...gap.Severity) (*gap.Result, error) {
	return e.Analyze(ctx, gap.Request{TargetFramework: target, Severities: severities}, override.Query{})
}

// Analyze runs a gap analysis over the effective mappings for q. A failed
// analysis returns both the Failed result and the error.
func (e *Engine) Analyze(ctx context.Context, req gap.Request, q override.Query) (res *gap.Result, err error) {
	attrs := observability.PairOperation(strings.Join(req.SourceFrameworks, ","), req.TargetFramework)
	ctx, finish := e.obs.TrackOperation(ctx, "engine.Analyze", attrs...)
	defer func() { finish(err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st := e.capture()
	res, err = e.analyzer.Analyze(e.input(st, q), req)
	if res != nil {
		e.obs.RecordDiagnostics(ctx, res.Diagnostics, attrs...)
	}
	if err == nil {
		e.obs.RecordCoverage(ctx, res.Coverage, attrs...)
	}
	return res, err
}

// GetMatrix computes the coverage matrix over ids, or over every registered
// framework when ids is empty. Cells are memoized per engine version.
func (e *Engine) GetMatrix(ctx context.Context, ids []string, progress matrix.Progress) (m *matrix.Matrix, err error) {
	ctx, finish := e.obs.TrackOperation(ctx, "engine.GetMatrix")
	defer func() { finish(err) }()

	st := e.capture()
	return e.matrix.Build(ctx, matrix.State{Version: st.version, Input: e.input(st, override.Query{})}, ids, progress)
}

func (e *Engine) similarityState(st state) similarity.State {
	return similarity.State{
		Catalog: st.catalog,
		Graph:   st.graph,
		Context: scoring.Context{History: st.history},
	}
}

// SuggestMappings ranks target controls for one source control. A zero
// MinThreshold selects the configured suggest threshold. The graph is
// never modified.
func (e *Engine) SuggestMappings(ctx context.Context, req similarity.Request) (seq *similarity.Sequence, err error) {
	ctx, finish := e.obs.TrackOperation(ctx, "engine.SuggestMappings",
		observability.ControlOperation(req.SourceFramework, req.SourceControl)...)
	defer func() { finish(err) }()

	if req.MinThreshold == 0 {
		req.MinThreshold = e.cfg.SuggestThreshold
	}
	seq, err = e.similar.Suggest(ctx, e.similarityState(e.capture()), req)
	if err != nil {
		return nil, err
	}
	e.obs.RecordDiagnostics(ctx, seq.Diagnostics())
	return seq, nil
}

// SuggestBatch runs SuggestMappings for every matching source control.
func (e *Engine) SuggestBatch(ctx context.Context, req similarity.BatchRequest, progress similarity.Progress) (res *similarity.BatchResult, err error) {
	ctx, finish := e.obs.TrackOperation(ctx, "engine.SuggestBatch",
		observability.PairOperation(req.SourceFramework, req.TargetFramework)...)
	defer func() { finish(err) }()

	if req.MinThreshold == 0 {
		req.MinThreshold = e.cfg.SuggestThreshold
	}
	res, err = e.similar.Batch(ctx, e.similarityState(e.capture()), req, progress)
	if err != nil {
		return nil, err
	}
	e.obs.RecordDiagnostics(ctx, res.Diagnostics)
	return res, nil
}

// FindMappingsForControl returns the raw mappings touching a control in
// mapping key order.
func (e *Engine) FindMappingsForControl(ctx context.Context, frameworkID, controlID string, dir mapping.Direction) (ms []mapping.Mapping, err error) {
	_, finish := e.obs.TrackOperation(ctx, "engine.FindMappingsForControl", observability.ControlOperation(frameworkID, controlID)...)
	defer func() { finish(err) }()

	if _, err := e.Control(frameworkID, controlID); err != nil {
		return nil, err
	}
	return e.graph.Snapshot().FindForControl(frameworkID, controlID, dir), nil
}

// EffectiveMappings returns the mapping set after overrides for q, with the
// suppressed and adjusted mappings listed for audit.
func (e *Engine) EffectiveMappings(ctx context.Context, q override.Query) (view override.View, err error) {
	ctx, finish := e.obs.TrackOperation(ctx, "engine.EffectiveMappings")
	defer func() { finish(err) }()

	view = e.effective(e.capture(), q)
	e.obs.RecordDiagnostics(ctx, view.Diagnostics)
	return view, nil
}

// ScoreMapping recomputes the confidence of a stored mapping from its
// endpoints, taking the confidence an override rule sets for q as the
// provenance factor. The stored confidence is not changed.
func (e *Engine) ScoreMapping(ctx context.Context, id string, q override.Query) (score scoring.Score, ds []diagnostics.Diagnostic, err error) {
	ctx, finish := e.obs.TrackOperation(ctx, "engine.ScoreMapping", observability.MappingOperation(id)...)
	defer func() { finish(err) }()

	st := e.capture()
	m, ok := st.graph.Get(id)
	if !ok {
		return scoring.Score{}, nil, fmt.Errorf("%w: %s", diagnostics.ErrUnknownMapping, id)
	}
	src, ok := st.catalog.Control(m.SourceFramework, m.SourceControl)
	if !ok {
		return scoring.Score{}, nil, fmt.Errorf("%w: %s", diagnostics.ErrUnknownControl, m.Source())
	}
	tgt, ok := st.catalog.Control(m.TargetFramework, m.TargetControl)
	if !ok {
		return scoring.Score{}, nil, fmt.Errorf("%w: %s", diagnostics.ErrUnknownControl, m.Target())
	}
	c := scoring.Candidate{Source: src, Target: tgt, Provenance: m.Provenance}
	view := e.effective(st, q)
	if conf, ok := view.ConfidenceOverride(id); ok {
		c.Provenance = mapping.ProvenanceOverride
		c.OverrideConfidence = &conf
	} else if m.Provenance == mapping.ProvenanceOverride {
		conf := m.Confidence
		c.OverrideConfidence = &conf
	}
	score, ds = e.scorer.Score(c, scoring.Context{History: st.history})
	e.obs.RecordDiagnostics(ctx, ds)
	return score, ds, nil
}

// ConsistencyReport lists every equivalent mapping without an equivalent
// reciprocal, restricted to mappings between frameworks when given.
func (e *Engine) ConsistencyReport(ctx context.Context, frameworks ...string) []diagnostics.Diagnostic {
	ctx, finish := e.obs.TrackOperation(ctx, "engine.ConsistencyReport")
	ds := e.graph.Snapshot().ConsistencyWarnings(frameworks...)
	e.obs.RecordDiagnostics(ctx, ds)
	finish(nil)
	return ds
}
