package gap

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"

	"github.com/Mindburn-Labs/crosswalk/pkg/catalog"
	"github.com/Mindburn-Labs/crosswalk/pkg/diagnostics"
	"github.com/Mindburn-Labs/crosswalk/pkg/mapping"
)

// Options are the analysis thresholds.
type Options struct {
	// MinConfidence is the confidence an equivalent or related mapping needs
	// to cover a control.
	MinConfidence float64 `yaml:"min_confidence" json:"min_confidence"`
	// PartialWeight is the fraction a partially covered control contributes.
	PartialWeight     float64 `yaml:"partial_weight" json:"partial_weight"`
	EscalateMandatory bool    `yaml:"escalate_mandatory" json:"escalate_mandatory"`
}

func DefaultOptions() Options {
	return Options{MinConfidence: 0.5, PartialWeight: 0.5, EscalateMandatory: true}
}

// Input is the immutable state an analysis reads.
type Input struct {
	Catalog *catalog.Snapshot
	// Mappings is the effective mapping view, after overrides.
	Mappings  *mapping.Snapshot
	Baselines []Baseline
	// Diagnostics produced upstream, such as rule conflicts, are carried
	// into the result.
	Diagnostics []diagnostics.Diagnostic
}

// Request selects what to analyze. With one source framework the result is
// the pairwise coverage; with several, or none meaning every other
// registered framework, a target control is covered by the best mapping
// from any of them.
type Request struct {
	SourceFrameworks []string   `json:"source_frameworks,omitempty"`
	TargetFramework  string     `json:"target_framework"`
	BaselineID       string     `json:"baseline,omitempty"`
	Severities       []Severity `json:"severities,omitempty"`
}

// Gap is a target control that is not fully covered.
type Gap struct {
	ControlID     string            `json:"control_id"`
	Title         string            `json:"title"`
	DomainID      string            `json:"domain"`
	RiskLevel     catalog.RiskLevel `json:"risk_level,omitempty"`
	Category      Category          `json:"category"`
	Severity      Severity          `json:"severity"`
	Mandatory     bool              `json:"mandatory,omitempty"`
	PriorityScore float64           `json:"priority_score"`
	Remediation   Remediation       `json:"remediation"`
	// Mappings are the ids of the insufficient mappings, if any.
	Mappings []string `json:"mappings,omitempty"`
}

type Summary struct {
	Total      int              `json:"total"`
	Covered    int              `json:"covered"`
	Partial    int              `json:"partial"`
	Outdated   int              `json:"outdated"`
	Missing    int              `json:"missing"`
	BySeverity map[Severity]int `json:"by_severity"`
	ByCategory map[Category]int `json:"by_category"`
}

// Result is the Coverage Result of one analysis run. It is derived data.
type Result struct {
	SourceFrameworks []string                 `json:"source_frameworks"`
	TargetFramework  string                   `json:"target_framework"`
	BaselineID       string                   `json:"baseline,omitempty"`
	Coverage         float64                  `json:"coverage"`
	CoveredControls  []string                 `json:"covered_controls"`
	Gaps             []Gap                    `json:"gaps"`
	UnmappedInSource []mapping.Endpoint       `json:"unmapped_in_source"`
	Summary          Summary                  `json:"summary"`
	Diagnostics      []diagnostics.Diagnostic `json:"diagnostics,omitempty"`
	State            State                    `json:"state"`
	Trace            []State                  `json:"trace"`
}

// Analyzer is stateless apart from its options and safe for concurrent use.
type Analyzer struct {
	opts   Options
	logger *slog.Logger
}

func NewAnalyzer(opts Options, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{opts: opts, logger: logger.With("component", "gap")}
}

func (a *Analyzer) Options() Options { return a.opts }

type run struct {
	res *Result
}

func (r *run) advance(to State) {
	if next[r.res.State] != to {
		panic(fmt.Sprintf("gap: illegal transition %s -> %s", r.res.State, to))
	}
	r.res.State = to
	r.res.Trace = append(r.res.Trace, to)
}

func (r *run) fail(err error) (*Result, error) {
	r.res.State = StateFailed
	r.res.Trace = append(r.res.Trace, StateFailed)
	return r.res, fmt.Errorf("%w: %w", diagnostics.ErrAnalysisFailed, err)
}

// Coverage analyzes the pair source -> target.
func (a *Analyzer) Coverage(in Input, source, target string) (*Result, error) {
	return a.Analyze(in, Request{SourceFrameworks: []string{source}, TargetFramework: target})
}

// Analyze runs one analysis. On malformed input the returned result is in
// state Failed and the error wraps ErrAnalysisFailed and the cause.
func (a *Analyzer) Analyze(in Input, req Request) (*Result, error) {
	r := &run{res: &Result{
		TargetFramework: req.TargetFramework,
		BaselineID:      req.BaselineID,
		State:           StateInitialized,
		Trace:           []State{StateInitialized},
	}}

	target, err := in.Catalog.Require(req.TargetFramework)
	if err != nil {
		return r.fail(err)
	}
	sources, err := a.sources(in.Catalog, req)
	if err != nil {
		return r.fail(err)
	}
	r.res.SourceFrameworks = sources
	var baseline *Baseline
	if req.BaselineID != "" {
		b, ok := findBaseline(in.Baselines, req.BaselineID)
		if !ok || b.FrameworkID != target.ID {
			return r.fail(fmt.Errorf("%w: baseline %s for %s", diagnostics.ErrInvalidDefinition, req.BaselineID, target.ID))
		}
		baseline = &b
	}

	controls := make([]catalog.Control, 0, target.Len())
	for c := range target.Controls(catalog.Filter{}) {
		if baseline != nil && !baseline.contains(c.ID) {
			continue
		}
		controls = append(controls, c)
	}
	r.advance(StateControlsEnumerated)

	inSource := make(map[string]bool, len(sources))
	for _, s := range sources {
		inSource[s] = true
	}
	statuses := make([]classification, len(controls))
	for i, c := range controls {
		statuses[i] = a.classify(in, target.ID, c.ID, inSource)
	}
	r.advance(StateMappingsResolved)

	mandatory := mandatorySet(in.Baselines, target.ID)
	res := r.res
	res.Summary = Summary{
		Total:      len(controls),
		BySeverity: make(map[Severity]int),
		ByCategory: make(map[Category]int),
	}
	res.CoveredControls = []string{}
	res.Gaps = []Gap{}
	for i, c := range controls {
		cl := statuses[i]
		var cat Category
		switch cl.status {
		case StatusCovered:
			res.Summary.Covered++
			res.CoveredControls = append(res.CoveredControls, c.ID)
			continue
		case StatusPartial:
			res.Summary.Partial++
			cat = CategoryPartial
		case StatusOutdated:
			res.Summary.Outdated++
			cat = CategoryOutdated
		case StatusMissing:
			res.Summary.Missing++
			cat = CategoryMissing
		}
		sev := SeverityOf(c.RiskLevel)
		isMandatory := mandatory[c.ID]
		if isMandatory && a.opts.EscalateMandatory {
			sev = sev.Escalate()
		}
		res.Summary.BySeverity[sev]++
		res.Summary.ByCategory[cat]++
		if len(req.Severities) > 0 && !slices.Contains(req.Severities, sev) {
			continue
		}
		res.Gaps = append(res.Gaps, Gap{
			ControlID:     c.ID,
			Title:         c.Title,
			DomainID:      c.DomainID,
			RiskLevel:     c.RiskLevel,
			Category:      cat,
			Severity:      sev,
			Mandatory:     isMandatory,
			PriorityScore: round2(sev.Weight() * cat.factor()),
			Remediation:   RemediationFor(c.ID, cat, sev, isMandatory),
			Mappings:      cl.mappings,
		})
	}
	res.Coverage = CoveragePercent(res.Summary.Covered, res.Summary.Partial, res.Summary.Total, a.opts.PartialWeight)
	res.UnmappedInSource = unmappedInSource(in, sources, target.ID)
	r.advance(StateGapsCategorized)

	diags := append([]diagnostics.Diagnostic(nil), in.Diagnostics...)
	diags = append(diags, in.Mappings.ConsistencyWarnings(append([]string{target.ID}, sources...)...)...)
	diagnostics.Sort(diags)
	res.Diagnostics = diags
	r.advance(StateComplete)

	a.logger.Debug("coverage computed",
		"target", target.ID, "sources", sources,
		"coverage", res.Coverage, "gaps", len(res.Gaps))
	return res, nil
}

// CoveragePercent is (covered + weight*partial) / total * 100, rounded to
// two decimals, and 0 for an empty target.
func CoveragePercent(covered, partial, total int, weight float64) float64 {
	if total == 0 {
		return 0
	}
	v := (float64(covered) + weight*float64(partial)) / float64(total) * 100
	return min(max(round2(v), 0), 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func (a *Analyzer) sources(snap *catalog.Snapshot, req Request) ([]string, error) {
	if len(req.SourceFrameworks) == 0 {
		var out []string
		for _, id := range snap.Frameworks() {
			if id != req.TargetFramework {
				out = append(out, id)
			}
		}
		return out, nil
	}
	out := make([]string, 0, len(req.SourceFrameworks))
	for _, id := range req.SourceFrameworks {
		if _, err := snap.Require(id); err != nil {
			return nil, err
		}
		if id == req.TargetFramework {
			return nil, fmt.Errorf("source and target framework are both %s", id)
		}
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

type classification struct {
	status   Status
	mappings []string
}

// classify decides the status of one target control. Mappings recorded
// against a superseded version of either framework only make a control
// outdated; among current mappings an equivalent or related one at or above
// the minimum confidence covers it and anything else makes it partial.
func (a *Analyzer) classify(in Input, targetFw, controlID string, sources map[string]bool) classification {
	self := mapping.Endpoint{Framework: targetFw, Control: controlID}
	var touching, current []mapping.Mapping
	for _, m := range in.Mappings.FindForControl(targetFw, controlID, mapping.Both) {
		if !sources[m.Other(self).Framework] {
			continue
		}
		touching = append(touching, m)
		if !in.Catalog.IsSuperseded(m.SourceFramework, m.SourceVersion) &&
			!in.Catalog.IsSuperseded(m.TargetFramework, m.TargetVersion) {
			current = append(current, m)
		}
	}
	if len(touching) == 0 {
		return classification{status: StatusMissing}
	}
	if len(current) == 0 {
		return classification{status: StatusOutdated, mappings: ids(touching)}
	}
	for _, m := range current {
		switch m.Type {
		case mapping.TypeEquivalent, mapping.TypeRelated:
			if m.Confidence >= a.opts.MinConfidence {
				return classification{status: StatusCovered}
			}
		case mapping.TypePartial, mapping.TypeInformational:
		}
	}
	return classification{status: StatusPartial, mappings: ids(current)}
}

func ids(ms []mapping.Mapping) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

// unmappedInSource lists source controls without any mapping to or from
// the target framework, ordered by framework then control.
func unmappedInSource(in Input, sources []string, targetFw string) []mapping.Endpoint {
	out := []mapping.Endpoint{}
	for _, s := range sources {
		fw, ok := in.Catalog.Framework(s)
		if !ok {
			continue
		}
		for c := range fw.Controls(catalog.Filter{}) {
			self := mapping.Endpoint{Framework: s, Control: c.ID}
			mapped := false
			for _, m := range in.Mappings.FindForControl(s, c.ID, mapping.Both) {
				if m.Other(self).Framework == targetFw {
					mapped = true
					break
				}
			}
			if !mapped {
				out = append(out, self)
			}
		}
	}
	return out
}

func findBaseline(bs []Baseline, id string) (Baseline, bool) {
	for _, b := range bs {
		if b.ID == id {
			b.Controls = sortedCopy(b.Controls)
			return b, true
		}
	}
	return Baseline{}, false
}

func mandatorySet(bs []Baseline, frameworkID string) map[string]bool {
	out := make(map[string]bool)
	for _, b := range bs {
		if !b.Mandatory || b.FrameworkID != frameworkID {
			continue
		}
		for _, c := range b.Controls {
			out[c] = true
		}
	}
	return out
}

func sortedCopy(xs []string) []string {
	out := append([]string(nil), xs...)
	sort.Strings(out)
	return out
}
