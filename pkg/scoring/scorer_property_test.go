//go:build property
// +build property

package scoring_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/crosswalk/pkg/catalog"
	"github.com/Mindburn-Labs/crosswalk/pkg/mapping"
	"github.com/Mindburn-Labs/crosswalk/pkg/scoring"
)

func quietScorer(t *testing.T, w scoring.Weights) *scoring.Scorer {
	t.Helper()
	s, err := scoring.NewScorer(w, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// TestConfidenceMonotonicInTextual verifies that raising textual similarity
// with every other input fixed never lowers the confidence, including for
// auto-suggested candidates whose provenance factor tracks similarity and
// when operator history is present.
func TestConfidenceMonotonicInTextual(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	src := catalog.Control{ID: "s", FrameworkID: "a", Tags: []string{"access-control"}}
	dst := catalog.Control{ID: "t", FrameworkID: "b", Tags: []string{"access-control", "logging"}}

	properties.Property("confidence is non-decreasing in textual similarity", prop.ForAll(
		func(t1, t2, wt, ws, wp, wh, fbSim float64, auto, accepted bool) bool {
			if t1 > t2 {
				t1, t2 = t2, t1
			}
			w := scoring.Weights{Textual: wt, Structural: ws, Provenance: wp, Historical: wh}
			if w.Validate() != nil {
				return true
			}
			s := quietScorer(t, w)

			h := scoring.NewHistory(0)
			_ = h.Record(scoring.Feedback{SourceFramework: "a", TargetFramework: "b", Similarity: fbSim, Accepted: accepted})
			_ = h.Record(scoring.Feedback{SourceFramework: "a", TargetFramework: "b", Similarity: 1 - fbSim, Accepted: !accepted})
			ctx := scoring.Context{History: h}

			c := scoring.Candidate{Source: src, Target: dst, Provenance: mapping.ProvenanceCurated}
			if auto {
				c.Provenance = mapping.ProvenanceAutoSuggested
			}
			lo, _ := s.Combine(s.FactorsWithTextual(c, t1, ctx), ctx)
			hi, _ := s.Combine(s.FactorsWithTextual(c, t2, ctx), ctx)
			return hi.Value >= lo.Value-1e-12
		},
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 2),
		gen.Float64Range(0, 2),
		gen.Float64Range(0, 2),
		gen.Float64Range(0, 2),
		gen.Float64Range(0, 1),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// TestConfidenceClampingLaw verifies the result is always in [0,1] no matter
// how far out of range the raw factors and multipliers are.
func TestConfidenceClampingLaw(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	s := quietScorer(t, scoring.DefaultWeights())

	properties.Property("confidence is within [0,1]", prop.ForAll(
		func(ft, fs, fp, fh, quality, reliability float64, hasHist bool) bool {
			sc, diags := s.Combine(scoring.Factors{
				Textual: ft, Structural: fs, Provenance: fp,
				Historical: fh, HasHistorical: hasHist,
			}, scoring.Context{MetadataQuality: quality, AssessorReliability: reliability})
			if sc.Value < 0 || sc.Value > 1 {
				return false
			}
			// A clamp is reported exactly when it happened.
			return sc.Clamped == (len(diags) == 1)
		},
		gen.Float64Range(-10, 10),
		gen.Float64Range(-10, 10),
		gen.Float64Range(-10, 10),
		gen.Float64Range(-10, 10),
		gen.Float64Range(-3, 3),
		gen.Float64Range(-3, 3),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
