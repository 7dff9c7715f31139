package scoring

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/crosswalk/pkg/catalog"
)

var folder = cases.Fold()

// Normalize folds case, applies NFKC and reduces punctuation and runs of
// whitespace to single spaces. Control text from different catalogs is
// compared only in normalized form.
func Normalize(s string) string {
	s = folder.String(norm.NFKC.String(s))
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// Levenshtein returns the edit distance between a and b, counted in runes.
func Levenshtein(a, b []rune) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// RuneSimilarity is 1 - distance/longer length, in [0,1]. Two empty inputs
// are identical.
func RuneSimilarity(a, b []rune) float64 {
	longest := max(len(a), len(b))
	if longest == 0 {
		return 1
	}
	return 1 - float64(Levenshtein(a, b))/float64(longest)
}

// TextSimilarity normalizes both strings and returns their Levenshtein
// similarity.
func TextSimilarity(a, b string) float64 {
	return RuneSimilarity([]rune(Normalize(a)), []rune(Normalize(b)))
}

// Jaccard returns |a∩b| / |a∪b| for two sorted, duplicate-free slices.
// Two empty sets have similarity 0.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter, i, j := 0, 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			inter++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// Structural is 1 when both controls declare the same category and the
// tag-set Jaccard similarity otherwise. Tags naming either framework carry
// no semantics and are ignored.
func Structural(a, b catalog.Control) float64 {
	if a.Category != "" && a.Category == b.Category {
		return 1
	}
	return Jaccard(semanticTags(a, b), semanticTags(b, a))
}

func semanticTags(c, other catalog.Control) []string {
	out := make([]string, 0, len(c.Tags))
	for _, t := range c.Tags {
		if frameworkTag(t, c.FrameworkID) || frameworkTag(t, other.FrameworkID) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func frameworkTag(tag, frameworkID string) bool {
	if frameworkID == "" {
		return false
	}
	id := strings.ToLower(frameworkID)
	return tag == id || strings.HasPrefix(id, tag+"-")
}
