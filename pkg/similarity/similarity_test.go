package similarity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/crosswalk/pkg/catalog"
	"github.com/Mindburn-Labs/crosswalk/pkg/diagnostics"
	"github.com/Mindburn-Labs/crosswalk/pkg/mapping"
	"github.com/Mindburn-Labs/crosswalk/pkg/scoring"
)

var targetTitles = []string{
	"Access Control Policy",
	"Access Control Policies",
	"Access Review",
	"User Access Management",
	"Asset Inventory",
	"Audit Logging",
	"Backup",
	"Change Management",
	"Cryptographic Controls",
	"Incident Response Plan",
	"Network Segmentation",
	"Physical Security Perimeter",
	"Security Awareness Training",
	"Supplier Relationships",
	"Vulnerability Management",
}

func testState(t *testing.T) (State, *mapping.Graph, *catalog.Registry) {
	t.Helper()
	reg := catalog.NewRegistry(nil)
	src := catalog.Definition{
		ID: "src", Version: "1.0",
		Domains: []catalog.Domain{{ID: "d", Title: "D"}},
		Controls: []catalog.Control{
			{ID: "S-1", Title: "Access Control Policy", DomainID: "d"},
			{ID: "S-2", Title: "Backup", DomainID: "d"},
			{ID: "S-3", Title: "Incident Response", DomainID: "d"},
		},
	}
	tgt := catalog.Definition{ID: "tgt", Version: "2.0", Domains: []catalog.Domain{{ID: "d", Title: "D"}}}
	for i, title := range targetTitles {
		tgt.Controls = append(tgt.Controls, catalog.Control{ID: fmt.Sprintf("T-%02d", i+1), Title: title, DomainID: "d"})
	}
	for _, def := range []catalog.Definition{src, tgt} {
		_, err := reg.Load(def, catalog.LoadOptions{})
		require.NoError(t, err)
	}
	g := mapping.NewGraph(nil)
	return State{Catalog: reg.Snapshot(), Graph: g.Snapshot()}, g, reg
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	s, err := scoring.NewScorer(scoring.DefaultWeights(), nil)
	require.NoError(t, err)
	return New(s, Options{EquivalentThreshold: 0.9, Parallelism: 2})
}

func TestSuggest_FifteenTargetsAboveThreshold(t *testing.T) {
	st, g, _ := testState(t)
	e := testEngine(t)

	seq, err := e.Suggest(context.Background(), st, Request{
		SourceFramework: "src", SourceControl: "S-1", TargetFramework: "tgt", MinThreshold: 0.6,
	})
	require.NoError(t, err)
	got := seq.Top(100)
	require.NotEmpty(t, got)
	assert.LessOrEqual(t, len(got), 15)
	assert.Equal(t, "T-01", got[0].Control.ID)
	for i, sg := range got {
		assert.GreaterOrEqual(t, sg.Score.Value, 0.6)
		if i > 0 {
			assert.True(t, before(got[i-1], sg), "%s before %s", got[i-1].Control.ID, sg.Control.ID)
		}
	}
	assert.Equal(t, 0, g.Len(), "suggestions never touch the graph")
}

func TestSequence_RestartableAndLazy(t *testing.T) {
	st, _, _ := testState(t)
	e := testEngine(t)
	seq, err := e.Suggest(context.Background(), st, Request{SourceFramework: "src", SourceControl: "S-1", TargetFramework: "tgt"})
	require.NoError(t, err)
	require.Equal(t, 15, seq.Len())

	var first, second []string
	for sg := range seq.All() {
		first = append(first, sg.Control.ID)
	}
	for sg := range seq.All() {
		second = append(second, sg.Control.ID)
	}
	assert.Equal(t, first, second)
	assert.Len(t, seq.Top(3), 3)
	assert.Equal(t, first[:3], []string{seq.Top(3)[0].Control.ID, seq.Top(3)[1].Control.ID, seq.Top(3)[2].Control.ID})
	assert.Empty(t, seq.Top(0))
}

func TestSuggest_TiesBreakByControlID(t *testing.T) {
	a := Suggestion{Control: catalog.Control{ID: "B"}, Score: scoring.Score{Value: 0.7}}
	b := Suggestion{Control: catalog.Control{ID: "A"}, Score: scoring.Score{Value: 0.7}}
	seq := newSequence([]Suggestion{a, b}, nil)
	top := seq.Top(2)
	assert.Equal(t, "A", top[0].Control.ID)
	assert.Equal(t, "B", top[1].Control.ID)
}

func TestSuggest_SuggestedType(t *testing.T) {
	st, _, _ := testState(t)
	s, err := scoring.NewScorer(scoring.Weights{Textual: 1}, nil)
	require.NoError(t, err)
	e := New(s, Options{EquivalentThreshold: 0.9})

	seq, err := e.Suggest(context.Background(), st, Request{SourceFramework: "src", SourceControl: "S-1", TargetFramework: "tgt", MinThreshold: 0.5})
	require.NoError(t, err)
	top := seq.Top(2)
	require.Len(t, top, 2)
	assert.Equal(t, mapping.TypeEquivalent, top[0].SuggestedType)
	assert.Equal(t, 1.0, top[0].Score.Value)
	assert.InDelta(t, 1-3.0/23.0, top[1].Score.Value, 1e-9)
	assert.Equal(t, mapping.TypeRelated, top[1].SuggestedType)
	for sg := range seq.All() {
		if sg.Score.Value <= 0.9 {
			assert.Equal(t, mapping.TypeRelated, sg.SuggestedType)
		}
	}
}

func TestSuggest_ExcludeMapped(t *testing.T) {
	st, g, reg := testState(t)
	_, err := g.Add(mapping.Mapping{
		SourceFramework: "src", SourceControl: "S-1", TargetFramework: "tgt", TargetControl: "T-01",
		Type: mapping.TypeEquivalent, Confidence: 1,
	}, reg.Snapshot())
	require.NoError(t, err)
	st.Graph = g.Snapshot()
	e := testEngine(t)

	seq, err := e.Suggest(context.Background(), st, Request{SourceFramework: "src", SourceControl: "S-1", TargetFramework: "tgt", ExcludeMapped: true})
	require.NoError(t, err)
	assert.Equal(t, 14, seq.Len())
	for sg := range seq.All() {
		assert.NotEqual(t, "T-01", sg.Control.ID)
	}
}

func TestSuggest_Errors(t *testing.T) {
	st, _, _ := testState(t)
	e := testEngine(t)
	ctx := context.Background()

	_, err := e.Suggest(ctx, st, Request{SourceFramework: "nope", SourceControl: "S-1", TargetFramework: "tgt"})
	require.ErrorIs(t, err, diagnostics.ErrUnknownFramework)
	_, err = e.Suggest(ctx, st, Request{SourceFramework: "src", SourceControl: "S-9", TargetFramework: "tgt"})
	require.ErrorIs(t, err, diagnostics.ErrUnknownControl)
	_, err = e.Suggest(ctx, st, Request{SourceFramework: "src", SourceControl: "S-1", TargetFramework: "tgt", MinThreshold: 1.2})
	require.ErrorIs(t, err, diagnostics.ErrAnalysisFailed)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = e.Suggest(cancelled, st, Request{SourceFramework: "src", SourceControl: "S-1", TargetFramework: "tgt"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestBatch_ParallelWithProgress(t *testing.T) {
	st, _, _ := testState(t)
	e := testEngine(t)

	var mu sync.Mutex
	var calls []int
	res, err := e.Batch(context.Background(), st, BatchRequest{
		SourceFramework: "src", TargetFramework: "tgt", MinThreshold: 0.3, TopK: 2,
	}, func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 3, total)
		calls = append(calls, done)
	})
	require.NoError(t, err)
	assert.Len(t, calls, 3)
	assert.ElementsMatch(t, []int{1, 2, 3}, calls)
	assert.Equal(t, int64(45), res.Comparisons)

	require.Len(t, res.Results, 3)
	assert.Equal(t, []string{"S-1", "S-2", "S-3"},
		[]string{res.Results[0].SourceControl, res.Results[1].SourceControl, res.Results[2].SourceControl})
	for _, r := range res.Results {
		assert.LessOrEqual(t, len(r.Suggestions), 2)
	}
	assert.Equal(t, "T-01", res.Results[0].Suggestions[0].Control.ID)
	assert.Equal(t, "T-07", res.Results[1].Suggestions[0].Control.ID)

	// Same input, same output.
	again, err := e.Batch(context.Background(), st, BatchRequest{
		SourceFramework: "src", TargetFramework: "tgt", MinThreshold: 0.3, TopK: 2,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, res, again)
}

func TestBatch_Cancelled(t *testing.T) {
	st, _, _ := testState(t)
	e := testEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Batch(ctx, st, BatchRequest{SourceFramework: "src", TargetFramework: "tgt"}, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestForget_DropsCachedText(t *testing.T) {
	st, _, _ := testState(t)
	e := testEngine(t)
	_, err := e.Suggest(context.Background(), st, Request{SourceFramework: "src", SourceControl: "S-1", TargetFramework: "tgt"})
	require.NoError(t, err)

	cached := func(prefix string) int {
		n := 0
		e.texts.Range(func(k, _ any) bool {
			if strings.HasPrefix(k.(string), prefix) {
				n++
			}
			return true
		})
		return n
	}
	require.Equal(t, len(targetTitles), cached("tgt@"))

	e.Forget("tgt")
	assert.Zero(t, cached("tgt@"))
	assert.Equal(t, 1, cached("src@"))
}
