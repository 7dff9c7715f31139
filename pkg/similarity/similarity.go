// Package similarity proposes mapping candidates by comparing control text
// and metadata across frameworks. Suggestions are proposals only; nothing
// here writes to the mapping graph.
package similarity

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/crosswalk/pkg/catalog"
	"github.com/Mindburn-Labs/crosswalk/pkg/diagnostics"
	"github.com/Mindburn-Labs/crosswalk/pkg/mapping"
	"github.com/Mindburn-Labs/crosswalk/pkg/scoring"
)

// Request asks for candidates for one source control.
type Request struct {
	SourceFramework string  `json:"source_framework"`
	SourceControl   string  `json:"source_control"`
	TargetFramework string  `json:"target_framework"`
	MinThreshold    float64 `json:"min_threshold"`
	// ExcludeMapped skips targets already connected to the source control.
	ExcludeMapped bool `json:"exclude_mapped,omitempty"`
}

// BatchRequest asks for candidates for every control of a source framework.
type BatchRequest struct {
	SourceFramework string         `json:"source_framework"`
	TargetFramework string         `json:"target_framework"`
	MinThreshold    float64        `json:"min_threshold"`
	ExcludeMapped   bool           `json:"exclude_mapped,omitempty"`
	Filter          catalog.Filter `json:"-"`
	// TopK limits the suggestions kept per source control; 0 keeps all.
	TopK int `json:"top_k,omitempty"`
}

// ControlSuggestions are the ranked candidates for one source control.
type ControlSuggestions struct {
	SourceControl string       `json:"source_control"`
	Suggestions   []Suggestion `json:"suggestions"`
}

// BatchResult is ordered by source control id.
type BatchResult struct {
	SourceFramework string                   `json:"source_framework"`
	TargetFramework string                   `json:"target_framework"`
	Results         []ControlSuggestions     `json:"results"`
	Comparisons     int64                    `json:"comparisons"`
	Diagnostics     []diagnostics.Diagnostic `json:"diagnostics,omitempty"`
}

// Progress receives (done, total) source-control counts during a batch.
type Progress func(done, total int)

// State is the immutable input of a suggestion query.
type State struct {
	Catalog *catalog.Snapshot
	Graph   *mapping.Snapshot
	Context scoring.Context
}

// DefaultEquivalentThreshold applies when Options leaves it unset.
const DefaultEquivalentThreshold = 0.9

// Options configure an Engine.
type Options struct {
	// EquivalentThreshold is the score above which a suggestion is typed
	// equivalent rather than related.
	EquivalentThreshold float64
	// Parallelism bounds batch fan-out; <= 0 selects GOMAXPROCS.
	Parallelism int
	Logger      *slog.Logger
}

// Engine ranks candidates with a Scorer. It caches normalized control text
// and is safe for concurrent use.
type Engine struct {
	scorer *scoring.Scorer
	opts   Options
	logger *slog.Logger
	texts  sync.Map // fw@version/control -> []rune
}

func New(scorer *scoring.Scorer, opts Options) *Engine {
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.GOMAXPROCS(0)
	}
	if opts.EquivalentThreshold <= 0 {
		opts.EquivalentThreshold = DefaultEquivalentThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{scorer: scorer, opts: opts, logger: logger.With("component", "similarity")}
}

// Suggest scores every control of the target framework against the source
// control, one comparison each, and returns those at or above the threshold.
// ctx is checked between comparisons.
func (e *Engine) Suggest(ctx context.Context, st State, req Request) (*Sequence, error) {
	if req.MinThreshold < 0 || req.MinThreshold > 1 {
		return nil, fmt.Errorf("%w: min threshold %v outside [0,1]", diagnostics.ErrAnalysisFailed, req.MinThreshold)
	}
	srcFw, err := st.Catalog.Require(req.SourceFramework)
	if err != nil {
		return nil, err
	}
	tgtFw, err := st.Catalog.Require(req.TargetFramework)
	if err != nil {
		return nil, err
	}
	src, ok := srcFw.Control(req.SourceControl)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", diagnostics.ErrUnknownControl, req.SourceFramework, req.SourceControl)
	}
	return e.suggest(ctx, st, srcFw, tgtFw, src, req.MinThreshold, req.ExcludeMapped, nil)
}

func (e *Engine) suggest(ctx context.Context, st State, srcFw, tgtFw *catalog.Framework, src catalog.Control,
	threshold float64, excludeMapped bool, comparisons *atomic.Int64) (*Sequence, error) {
	var mapped map[string]bool
	if excludeMapped && st.Graph != nil {
		mapped = make(map[string]bool)
		for _, m := range st.Graph.FindForControl(srcFw.ID, src.ID, mapping.Both) {
			other := m.Other(mapping.Endpoint{Framework: srcFw.ID, Control: src.ID})
			if other.Framework == tgtFw.ID {
				mapped[other.Control] = true
			}
		}
	}

	srcText := e.text(srcFw, src)
	items := make([]Suggestion, 0, tgtFw.Len())
	var diags []diagnostics.Diagnostic
	for tgt := range tgtFw.Controls(catalog.Filter{}) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if mapped[tgt.ID] || (srcFw.ID == tgtFw.ID && tgt.ID == src.ID) {
			continue
		}
		if comparisons != nil {
			comparisons.Add(1)
		}
		c := scoring.Candidate{Source: src, Target: tgt, Provenance: mapping.ProvenanceAutoSuggested}
		textual := scoring.RuneSimilarity(srcText, e.text(tgtFw, tgt))
		sc, d := e.scorer.Combine(e.scorer.FactorsWithTextual(c, textual, st.Context), st.Context)
		diags = append(diags, d...)
		if sc.Value < threshold {
			continue
		}
		items = append(items, Suggestion{Control: tgt, Score: sc, SuggestedType: e.suggestedType(sc.Value)})
	}
	return newSequence(items, diags), nil
}

// Batch runs Suggest for every matching control of the source framework,
// bounded by the configured parallelism.
func (e *Engine) Batch(ctx context.Context, st State, req BatchRequest, progress Progress) (*BatchResult, error) {
	if req.MinThreshold < 0 || req.MinThreshold > 1 {
		return nil, fmt.Errorf("%w: min threshold %v outside [0,1]", diagnostics.ErrAnalysisFailed, req.MinThreshold)
	}
	srcFw, err := st.Catalog.Require(req.SourceFramework)
	if err != nil {
		return nil, err
	}
	tgtFw, err := st.Catalog.Require(req.TargetFramework)
	if err != nil {
		return nil, err
	}

	var sources []catalog.Control
	for c := range srcFw.Controls(req.Filter) {
		sources = append(sources, c)
	}
	results := make([]ControlSuggestions, len(sources))
	collector := &diagnostics.Collector{}
	var comparisons atomic.Int64
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Parallelism)
	for i, src := range sources {
		g.Go(func() error {
			seq, err := e.suggest(gctx, st, srcFw, tgtFw, src, req.MinThreshold, req.ExcludeMapped, &comparisons)
			if err != nil {
				return err
			}
			var top []Suggestion
			if req.TopK > 0 {
				top = seq.Top(req.TopK)
			} else {
				top = seq.Top(seq.Len())
			}
			results[i] = ControlSuggestions{SourceControl: src.ID, Suggestions: top}
			collector.Add(seq.Diagnostics()...)
			n := done.Add(1)
			if progress != nil {
				progress(int(n), len(sources))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	e.logger.Debug("batch suggestion complete",
		"source", srcFw.ID, "target", tgtFw.ID,
		"controls", len(sources), "comparisons", comparisons.Load())
	return &BatchResult{
		SourceFramework: srcFw.ID,
		TargetFramework: tgtFw.ID,
		Results:         results,
		Comparisons:     comparisons.Load(),
		Diagnostics:     collector.Items(),
	}, nil
}

func (e *Engine) suggestedType(score float64) mapping.Type {
	if score > e.opts.EquivalentThreshold {
		return mapping.TypeEquivalent
	}
	return mapping.TypeRelated
}

// Forget drops the cached control text of every version of a framework.
// Call it when the framework is loaded again.
func (e *Engine) Forget(frameworkID string) {
	prefix := frameworkID + "@"
	e.texts.Range(func(k, _ any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			e.texts.Delete(k)
		}
		return true
	})
}

func (e *Engine) text(fw *catalog.Framework, c catalog.Control) []rune {
	key := fw.Key() + "/" + c.ID
	if v, ok := e.texts.Load(key); ok {
		return v.([]rune)
	}
	r := []rune(scoring.Normalize(c.Text()))
	v, _ := e.texts.LoadOrStore(key, r)
	return v.([]rune)
}
