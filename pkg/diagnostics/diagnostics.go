// Package diagnostics defines the crosswalk error taxonomy and the non-fatal
// diagnostics that are reported alongside successful results.
//
// Fatal conditions are sentinel errors wrapped with context by the package
// that detects them. Callers match them with errors.Is. Non-fatal conditions
// (score clamping, missing reciprocal mappings, ambiguous override rules) are
// Diagnostic values and never abort the operation that found them.
package diagnostics

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrDuplicateFrameworkVersion = errors.New("duplicate framework version")
	ErrInvalidDefinition         = errors.New("invalid definition")
	ErrUnknownFramework          = errors.New("unknown framework")
	ErrUnknownControl            = errors.New("unknown control")
	ErrUnknownMapping            = errors.New("unknown mapping")
	ErrUnknownRule               = errors.New("unknown override rule")
	ErrSelfMapping               = errors.New("self mapping")
	ErrConflictingMapping        = errors.New("conflicting mapping")
	ErrAnalysisFailed            = errors.New("analysis failed")
)

// Kind names a diagnostic or error category.
type Kind string

const (
	KindScoreClamp     Kind = "ScoreClampWarning"
	KindConsistency    Kind = "ConsistencyWarning"
	KindRuleConflict   Kind = "RuleConflict"
	KindRuleEvaluation Kind = "RuleEvaluationWarning"
)

var errorKinds = []struct {
	err  error
	name string
}{
	// AnalysisFailed wraps the more specific cause, so it is matched first.
	{ErrAnalysisFailed, "AnalysisFailed"},
	{ErrDuplicateFrameworkVersion, "DuplicateFrameworkVersion"},
	{ErrInvalidDefinition, "InvalidDefinition"},
	{ErrUnknownFramework, "UnknownFramework"},
	{ErrUnknownControl, "UnknownControl"},
	{ErrUnknownMapping, "UnknownMapping"},
	{ErrUnknownRule, "UnknownRule"},
	{ErrSelfMapping, "SelfMapping"},
	{ErrConflictingMapping, "ConflictingMapping"},
}

// KindOf returns the taxonomy name of err, or "Internal" when err does not
// wrap any crosswalk sentinel. It returns "" for a nil error.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}

// Diagnostic is a non-fatal condition surfaced next to a result.
type Diagnostic struct {
	Kind    Kind              `json:"kind"`
	Subject string            `json:"subject"`
	Message string            `json:"message"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s(%s): %s", d.Kind, d.Subject, d.Message)
}

// Collector accumulates diagnostics from concurrent producers.
type Collector struct {
	mu    sync.Mutex
	items []Diagnostic
}

func (c *Collector) Add(ds ...Diagnostic) {
	if len(ds) == 0 {
		return
	}
	c.mu.Lock()
	c.items = append(c.items, ds...)
	c.mu.Unlock()
}

// Items returns the collected diagnostics in deterministic order.
func (c *Collector) Items() []Diagnostic {
	c.mu.Lock()
	out := make([]Diagnostic, len(c.items))
	copy(out, c.items)
	c.mu.Unlock()
	Sort(out)
	return out
}

// Sort orders diagnostics by kind, subject and message, removing nothing.
func Sort(ds []Diagnostic) {
	sort.SliceStable(ds, func(i, j int) bool {
		if ds[i].Kind != ds[j].Kind {
			return ds[i].Kind < ds[j].Kind
		}
		if ds[i].Subject != ds[j].Subject {
			return ds[i].Subject < ds[j].Subject
		}
		return ds[i].Message < ds[j].Message
	})
}

// Count returns how many diagnostics of kind k are in ds.
func Count(ds []Diagnostic, k Kind) int {
	n := 0
	for _, d := range ds {
		if d.Kind == k {
			n++
		}
	}
	return n
}
