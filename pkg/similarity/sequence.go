package similarity

import (
	"container/heap"
	"iter"

	"github.com/Mindburn-Labs/crosswalk/pkg/catalog"
	"github.com/Mindburn-Labs/crosswalk/pkg/diagnostics"
	"github.com/Mindburn-Labs/crosswalk/pkg/mapping"
	"github.com/Mindburn-Labs/crosswalk/pkg/scoring"
)

// Suggestion is a scored candidate target control.
type Suggestion struct {
	Control       catalog.Control `json:"control"`
	Score         scoring.Score   `json:"score"`
	SuggestedType mapping.Type    `json:"suggested_type"`
}

// before orders by score descending, then control id ascending.
func before(a, b Suggestion) bool {
	if a.Score.Value != b.Score.Value {
		return a.Score.Value > b.Score.Value
	}
	return a.Control.ID < b.Control.ID
}

// Sequence is a finite, restartable ranking of suggestions. Ordering is done
// lazily: each traversal heapifies in O(N) and pays O(log N) per element
// taken, so reading only the top K costs O(N + K log N).
type Sequence struct {
	items []Suggestion
	diags []diagnostics.Diagnostic
}

func newSequence(items []Suggestion, diags []diagnostics.Diagnostic) *Sequence {
	return &Sequence{items: items, diags: diags}
}

func (s *Sequence) Len() int { return len(s.items) }

// Diagnostics are the non-fatal conditions raised while scoring.
func (s *Sequence) Diagnostics() []diagnostics.Diagnostic {
	out := make([]diagnostics.Diagnostic, len(s.diags))
	copy(out, s.diags)
	diagnostics.Sort(out)
	return out
}

// All yields suggestions best first.
func (s *Sequence) All() iter.Seq[Suggestion] {
	return func(yield func(Suggestion) bool) {
		h := make(suggestionHeap, len(s.items))
		copy(h, s.items)
		heap.Init(&h)
		for h.Len() > 0 {
			if !yield(heap.Pop(&h).(Suggestion)) {
				return
			}
		}
	}
}

// Top returns at most k suggestions, best first.
func (s *Sequence) Top(k int) []Suggestion {
	k = min(k, len(s.items))
	if k <= 0 {
		return []Suggestion{}
	}
	out := make([]Suggestion, 0, k)
	for sg := range s.All() {
		out = append(out, sg)
		if len(out) == k {
			break
		}
	}
	return out
}

type suggestionHeap []Suggestion

func (h suggestionHeap) Len() int           { return len(h) }
func (h suggestionHeap) Less(i, j int) bool { return before(h[i], h[j]) }
func (h suggestionHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *suggestionHeap) Push(x any)        { *h = append(*h, x.(Suggestion)) }
func (h *suggestionHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
