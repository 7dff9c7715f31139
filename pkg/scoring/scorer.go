// Package scoring computes the confidence of candidate and existing mappings
// as a normalized, weighted combination of independent factors.
package scoring

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/Mindburn-Labs/crosswalk/pkg/catalog"
	"github.com/Mindburn-Labs/crosswalk/pkg/diagnostics"
	"github.com/Mindburn-Labs/crosswalk/pkg/mapping"
)

// Weights is the factor weight vector. Weights must be non-negative and need
// not sum to 1; they are normalized over the factors present for a candidate.
type Weights struct {
	Textual    float64 `yaml:"textual" json:"textual"`
	Structural float64 `yaml:"structural" json:"structural"`
	Provenance float64 `yaml:"provenance" json:"provenance"`
	Historical float64 `yaml:"historical" json:"historical"`
}

// DefaultWeights favors textual evidence.
func DefaultWeights() Weights {
	return Weights{Textual: 0.5, Structural: 0.2, Provenance: 0.2, Historical: 0.1}
}

func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"textual": w.Textual, "structural": w.Structural,
		"provenance": w.Provenance, "historical": w.Historical,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("weight %s must be a non-negative number, got %v", name, v)
		}
	}
	if w.Textual+w.Structural+w.Provenance+w.Historical == 0 {
		return errors.New("at least one weight must be positive")
	}
	return nil
}

// Factors are the per-candidate inputs to the weighted sum, each in [0,1].
type Factors struct {
	Textual       float64 `json:"textual"`
	Structural    float64 `json:"structural"`
	Provenance    float64 `json:"provenance"`
	Historical    float64 `json:"historical,omitempty"`
	HasHistorical bool    `json:"has_historical"`
}

// Candidate is a proposed or existing mapping between two controls.
type Candidate struct {
	Source     catalog.Control
	Target     catalog.Control
	Provenance mapping.Provenance
	// OverrideConfidence is the explicit confidence of an override, if any.
	OverrideConfidence *float64
}

// Context carries optional scoring inputs. A zero MetadataQuality or
// AssessorReliability means 1.
type Context struct {
	History             HistorySource
	MetadataQuality     float64
	AssessorReliability float64
}

// Score is the clamped result plus the inputs that produced it.
type Score struct {
	Value   float64 `json:"value"`
	Raw     float64 `json:"raw"`
	Clamped bool    `json:"clamped,omitempty"`
	Factors Factors `json:"factors"`
}

// Scorer is stateless apart from its configuration and safe for concurrent use.
type Scorer struct {
	weights Weights
	logger  *slog.Logger
}

// NewScorer validates the weights and returns a scorer.
func NewScorer(w Weights, logger *slog.Logger) (*Scorer, error) {
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", diagnostics.ErrInvalidDefinition, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{weights: w, logger: logger.With("component", "scoring")}, nil
}

func (s *Scorer) Weights() Weights { return s.weights }

// Score computes the confidence of c.
func (s *Scorer) Score(c Candidate, ctx Context) (Score, []diagnostics.Diagnostic) {
	textual := TextSimilarity(c.Source.Text(), c.Target.Text())
	return s.Combine(s.FactorsWithTextual(c, textual, ctx), ctx)
}

// FactorsWithTextual derives the remaining factors for a candidate whose
// textual similarity was computed by the caller.
func (s *Scorer) FactorsWithTextual(c Candidate, textual float64, ctx Context) Factors {
	f := Factors{
		Textual:    textual,
		Structural: Structural(c.Source, c.Target),
	}
	switch c.Provenance {
	case mapping.ProvenanceCurated, "":
		f.Provenance = 1
	case mapping.ProvenanceAutoSuggested:
		f.Provenance = textual
	case mapping.ProvenanceOverride:
		f.Provenance = 1
		if c.OverrideConfidence != nil {
			f.Provenance = *c.OverrideConfidence
		}
	}
	if ctx.History != nil {
		if p, ok := ctx.History.Precision(c.Source.FrameworkID, c.Target.FrameworkID, textual); ok {
			f.Historical, f.HasHistorical = p, true
		}
	}
	return f
}

// Combine weights the factors, applies context adjustments and clamps the
// result to [0,1]. A missing historical factor is left out and the remaining
// weights are renormalized.
func (s *Scorer) Combine(f Factors, ctx Context) (Score, []diagnostics.Diagnostic) {
	f.Textual = clamp01(f.Textual)
	f.Structural = clamp01(f.Structural)
	f.Provenance = clamp01(f.Provenance)
	f.Historical = clamp01(f.Historical)

	w := s.weights
	total := w.Textual + w.Structural + w.Provenance
	sum := w.Textual*f.Textual + w.Structural*f.Structural + w.Provenance*f.Provenance
	n, plain := 3.0, f.Textual+f.Structural+f.Provenance
	if f.HasHistorical {
		total += w.Historical
		sum += w.Historical * f.Historical
		n++
		plain += f.Historical
	}
	var raw float64
	if total > 0 {
		raw = sum / total
	} else {
		// Only the historical weight is set and no history exists.
		raw = plain / n
	}
	raw *= orOne(ctx.MetadataQuality) * orOne(ctx.AssessorReliability)

	out := Score{Value: raw, Raw: raw, Factors: f}
	if raw >= 0 && raw <= 1 {
		return out, nil
	}
	out.Value = clamp01(raw)
	out.Clamped = true
	s.logger.Warn("confidence clamped", "raw", raw, "clamped", out.Value)
	return out, []diagnostics.Diagnostic{{
		Kind:    diagnostics.KindScoreClamp,
		Subject: "confidence",
		Message: fmt.Sprintf("raw confidence %s clamped to %s", fmtFloat(raw), fmtFloat(out.Value)),
		Attrs:   map[string]string{"raw": fmtFloat(raw), "clamped": fmtFloat(out.Value)},
	}}
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func orOne(v float64) float64 {
	if v == 0 {
		return 1
	}
	return v
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
