package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/crosswalk/pkg/catalog"
	"github.com/Mindburn-Labs/crosswalk/pkg/diagnostics"
	"github.com/Mindburn-Labs/crosswalk/pkg/mapping"
)

func ctl(fw, id, title, category string, tags ...string) catalog.Control {
	return catalog.Control{ID: id, FrameworkID: fw, Title: title, Category: category, Tags: tags}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "access control policy", Normalize("  ACCESS-Control   Policy. "))
	assert.Equal(t, "file", Normalize("ﬁle"))
	assert.Equal(t, "", Normalize(" -- "))
}

func TestLevenshtein(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"kitten", "sitting", 3},
		{"flaw", "lawn", 2},
		{"same", "same", 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Levenshtein([]rune(tc.a), []rune(tc.b)), "%q vs %q", tc.a, tc.b)
		assert.Equal(t, tc.want, Levenshtein([]rune(tc.b), []rune(tc.a)))
	}
	assert.Equal(t, 1.0, TextSimilarity("Access Control", "access control"))
	assert.InDelta(t, 1-3.0/7.0, TextSimilarity("kitten", "sitting"), 1e-9)
}

func TestStructural(t *testing.T) {
	a := ctl("soc2", "CC6.1", "x", "access-control", "access-control", "audit", "soc2")
	b := ctl("iso27001", "A.9.1.1", "y", "access-control", "access-control", "iso27001")
	assert.Equal(t, 1.0, Structural(a, b))

	a.Category, b.Category = "", ""
	assert.Equal(t, 0.5, Structural(a, b), "framework tags are ignored")

	c := ctl("nist-csf", "PR.AC-1", "z", "", "cybersecurity", "nist")
	assert.Equal(t, 0.0, Structural(a, c))
	assert.Equal(t, 0.0, Structural(ctl("a", "1", "", ""), ctl("b", "2", "", "")))
}

func TestWeights_Validate(t *testing.T) {
	require.NoError(t, DefaultWeights().Validate())
	require.Error(t, Weights{}.Validate())
	require.Error(t, Weights{Textual: -1, Structural: 2}.Validate())

	_, err := NewScorer(Weights{}, nil)
	require.ErrorIs(t, err, diagnostics.ErrInvalidDefinition)
}

func TestCombine_NormalizesWeights(t *testing.T) {
	s, err := NewScorer(Weights{Textual: 2, Structural: 1, Provenance: 1, Historical: 4}, nil)
	require.NoError(t, err)

	sc, diags := s.Combine(Factors{Textual: 0.5, Structural: 1, Provenance: 1}, Context{})
	assert.Empty(t, diags)
	assert.InDelta(t, (2*0.5+1+1)/4.0, sc.Value, 1e-9)

	// Missing history is omitted rather than scored as zero.
	withHist, _ := s.Combine(Factors{Textual: 0.5, Structural: 1, Provenance: 1, Historical: 0, HasHistorical: true}, Context{})
	assert.Less(t, withHist.Value, sc.Value)
}

func TestCombine_ClampsAndWarns(t *testing.T) {
	s, err := NewScorer(DefaultWeights(), nil)
	require.NoError(t, err)

	sc, diags := s.Combine(Factors{Textual: 1, Structural: 1, Provenance: 1}, Context{AssessorReliability: 1.5})
	require.Len(t, diags, 1)
	assert.Equal(t, diagnostics.KindScoreClamp, diags[0].Kind)
	assert.Equal(t, 1.0, sc.Value)
	assert.InDelta(t, 1.5, sc.Raw, 1e-9)
	assert.True(t, sc.Clamped)

	sc, diags = s.Combine(Factors{Textual: 1, Structural: 1, Provenance: 1}, Context{MetadataQuality: -1})
	require.Len(t, diags, 1)
	assert.Equal(t, 0.0, sc.Value)

	sc, diags = s.Combine(Factors{Textual: 7, Structural: -3, Provenance: 1}, Context{})
	assert.Empty(t, diags, "factors are normalized before weighting")
	assert.GreaterOrEqual(t, sc.Value, 0.0)
	assert.LessOrEqual(t, sc.Value, 1.0)
}

func TestScore_ProvenanceFactor(t *testing.T) {
	s, err := NewScorer(Weights{Provenance: 1}, nil)
	require.NoError(t, err)
	src := ctl("a", "1", "Access control policy", "")
	dst := ctl("b", "2", "Access control policies", "")

	curated, _ := s.Score(Candidate{Source: src, Target: dst, Provenance: mapping.ProvenanceCurated}, Context{})
	assert.Equal(t, 1.0, curated.Value)

	auto, _ := s.Score(Candidate{Source: src, Target: dst, Provenance: mapping.ProvenanceAutoSuggested}, Context{})
	assert.InDelta(t, auto.Factors.Textual, auto.Value, 1e-9)
	assert.Less(t, auto.Value, 1.0)

	explicit := 0.35
	over, _ := s.Score(Candidate{Source: src, Target: dst, Provenance: mapping.ProvenanceOverride, OverrideConfidence: &explicit}, Context{})
	assert.InDelta(t, 0.35, over.Value, 1e-9)
}

func TestScore_HistoricalFactor(t *testing.T) {
	s, err := NewScorer(Weights{Textual: 1, Historical: 1}, nil)
	require.NoError(t, err)
	src := ctl("a", "1", "Inventory of assets", "")
	dst := ctl("b", "2", "Inventory of physical assets", "")

	h := NewHistory(0)
	noHist, _ := s.Score(Candidate{Source: src, Target: dst}, Context{History: h})
	assert.False(t, noHist.Factors.HasHistorical)
	assert.InDelta(t, noHist.Factors.Textual, noHist.Value, 1e-9)

	for i := 0; i < 4; i++ {
		require.NoError(t, h.Record(Feedback{SourceFramework: "a", TargetFramework: "b", Similarity: 0.75, Accepted: i < 3}))
	}
	withHist, _ := s.Score(Candidate{Source: src, Target: dst}, Context{History: h})
	require.True(t, withHist.Factors.HasHistorical)
	assert.InDelta(t, 0.75, withHist.Factors.Historical, 1e-9)
	assert.InDelta(t, (withHist.Factors.Textual+0.75)/2, withHist.Value, 1e-9)
}

func TestHistory_PrecisionIsNonDecreasing(t *testing.T) {
	h := NewHistory(10)
	record := func(sim float64, accepted bool) {
		require.NoError(t, h.Record(Feedback{SourceFramework: "a", TargetFramework: "b", Similarity: sim, Accepted: accepted}))
	}
	record(0.35, true)
	record(0.35, false) // bucket 3: 0.5
	record(0.55, false) // bucket 5: 0.0
	record(0.95, true)  // bucket 9: 1.0

	_, ok := h.Precision("b", "a", 0.5)
	assert.False(t, ok, "feedback is directional")

	p, ok := h.Precision("a", "b", 0.05)
	require.True(t, ok)
	assert.Equal(t, 0.5, p, "buckets below the first observation take its rate")

	p, _ = h.Precision("a", "b", 0.55)
	assert.Equal(t, 0.5, p)
	p, _ = h.Precision("a", "b", 1.0)
	assert.Equal(t, 1.0, p)

	last := -1.0
	for sim := 0.0; sim <= 1.0; sim += 0.01 {
		p, _ := h.Precision("a", "b", sim)
		assert.GreaterOrEqual(t, p, last)
		last = p
	}

	require.Error(t, h.Record(Feedback{SourceFramework: "a", TargetFramework: "b", Similarity: 2}))
	assert.Equal(t, 4, h.Len())
	assert.Len(t, h.Records(), 4)
}
