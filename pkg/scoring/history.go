package scoring

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/crosswalk/pkg/diagnostics"
)

// DefaultBuckets is the number of textual-similarity buckets feedback is
// aggregated into.
const DefaultBuckets = 10

// Feedback is one operator verdict on a proposed or existing mapping.
type Feedback struct {
	SourceFramework string    `json:"source_framework"`
	TargetFramework string    `json:"target_framework"`
	Similarity      float64   `json:"similarity"`
	Accepted        bool      `json:"accepted"`
	RecordedAt      time.Time `json:"recorded_at,omitzero"`
}

// HistorySource supplies empirical precision for a framework pair.
type HistorySource interface {
	Precision(sourceFramework, targetFramework string, similarity float64) (float64, bool)
}

type bucketStat struct {
	accepted int
	total    int
}

type pair struct{ source, target string }

// History aggregates operator feedback per framework pair and similarity
// bucket. It is safe for concurrent use.
type History struct {
	mu      sync.RWMutex
	buckets int
	stats   map[pair][]bucketStat
	records []Feedback
}

// NewHistory creates an empty history. buckets <= 0 selects DefaultBuckets.
func NewHistory(buckets int) *History {
	if buckets <= 0 {
		buckets = DefaultBuckets
	}
	return &History{buckets: buckets, stats: make(map[pair][]bucketStat)}
}

// Record adds one verdict.
func (h *History) Record(f Feedback) error {
	if f.SourceFramework == "" || f.TargetFramework == "" {
		return fmt.Errorf("%w: feedback requires both frameworks", diagnostics.ErrInvalidDefinition)
	}
	if math.IsNaN(f.Similarity) || f.Similarity < 0 || f.Similarity > 1 {
		return fmt.Errorf("%w: feedback similarity %v outside [0,1]", diagnostics.ErrInvalidDefinition, f.Similarity)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	p := pair{f.SourceFramework, f.TargetFramework}
	st := h.stats[p]
	if st == nil {
		st = make([]bucketStat, h.buckets)
		h.stats[p] = st
	}
	b := bucketOf(f.Similarity, h.buckets)
	st[b].total++
	if f.Accepted {
		st[b].accepted++
	}
	h.records = append(h.records, f)
	return nil
}

// Precision returns the calibrated acceptance rate for the bucket holding
// similarity. Calibration is a running maximum from the lowest bucket up, so
// the result never decreases as similarity grows; buckets below the first
// observed one take that bucket's rate. ok is false when the pair has no
// feedback at all.
func (h *History) Precision(source, target string, similarity float64) (float64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.stats[pair{source, target}]
	if !ok {
		return 0, false
	}
	return calibrated(st, bucketOf(similarity, h.buckets))
}

// Snapshot copies the current bucket statistics. Later feedback does not
// change the snapshot.
func (h *History) Snapshot() *HistorySnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	stats := make(map[pair][]bucketStat, len(h.stats))
	for p, st := range h.stats {
		stats[p] = append([]bucketStat(nil), st...)
	}
	return &HistorySnapshot{buckets: h.buckets, stats: stats, records: len(h.records)}
}

// HistorySnapshot is an immutable HistorySource captured from a History.
type HistorySnapshot struct {
	buckets int
	stats   map[pair][]bucketStat
	records int
}

func (s *HistorySnapshot) Precision(source, target string, similarity float64) (float64, bool) {
	st, ok := s.stats[pair{source, target}]
	if !ok {
		return 0, false
	}
	return calibrated(st, bucketOf(similarity, s.buckets))
}

// Len is the number of feedback records the snapshot aggregates.
func (s *HistorySnapshot) Len() int { return s.records }

func calibrated(st []bucketStat, b int) (float64, bool) {
	best, seen := 0.0, false
	for i, s := range st {
		if s.total == 0 {
			continue
		}
		rate := float64(s.accepted) / float64(s.total)
		if !seen {
			best, seen = rate, true
		} else if i <= b && rate > best {
			best = rate
		}
		if i >= b {
			break
		}
	}
	return best, seen
}

// Records returns all feedback ordered by frameworks, then similarity.
func (h *History) Records() []Feedback {
	h.mu.RLock()
	out := make([]Feedback, len(h.records))
	copy(out, h.records)
	h.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SourceFramework != out[j].SourceFramework {
			return out[i].SourceFramework < out[j].SourceFramework
		}
		if out[i].TargetFramework != out[j].TargetFramework {
			return out[i].TargetFramework < out[j].TargetFramework
		}
		return out[i].Similarity < out[j].Similarity
	})
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}

func bucketOf(similarity float64, buckets int) int {
	b := int(similarity * float64(buckets))
	if b >= buckets {
		b = buckets - 1
	}
	if b < 0 {
		b = 0
	}
	return b
}
