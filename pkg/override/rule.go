// Package override lets operators correct derived mappings without touching
// them. Rules are kept in a versioned Store and applied as a pure transform
// that turns raw mappings into an effective view; suppressed and adjusted
// mappings stay listed in the view so every correction can be audited.
package override

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Mindburn-Labs/crosswalk/pkg/diagnostics"
	"github.com/Mindburn-Labs/crosswalk/pkg/mapping"
)

// Scope decides which queries a rule applies to.
type Scope string

const (
	ScopeGlobal        Scope = "global"
	ScopeFrameworkPair Scope = "framework-pair"
	ScopeOrganization  Scope = "organization"
)

func ParseScope(s string) (Scope, error) {
	switch sc := Scope(strings.ToLower(strings.TrimSpace(s))); sc {
	case ScopeGlobal, ScopeFrameworkPair, ScopeOrganization:
		return sc, nil
	case "":
		return ScopeGlobal, nil
	default:
		return "", fmt.Errorf("unknown scope %q", s)
	}
}

// PatternKind selects how a rule matches control identifiers.
type PatternKind string

const (
	PatternExact PatternKind = "exact"
	PatternRegex PatternKind = "regex"
	PatternFuzzy PatternKind = "fuzzy"
)

func ParsePatternKind(s string) (PatternKind, error) {
	switch k := PatternKind(strings.ToLower(strings.TrimSpace(s))); k {
	case PatternExact, PatternRegex, PatternFuzzy:
		return k, nil
	case "fuzzy-threshold":
		return PatternFuzzy, nil
	default:
		return "", fmt.Errorf("unknown pattern kind %q", s)
	}
}

// DefaultFuzzyThreshold applies to fuzzy patterns that leave Threshold nil.
const DefaultFuzzyThreshold = 0.8

// Pattern matches the control identifiers of a mapping key. An empty field
// matches any identifier.
type Pattern struct {
	Kind          PatternKind `yaml:"kind" json:"kind"`
	SourceControl string      `yaml:"source_control,omitempty" json:"source_control,omitempty"`
	TargetControl string      `yaml:"target_control,omitempty" json:"target_control,omitempty"`
	Threshold     *float64    `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	CaseSensitive bool        `yaml:"case_sensitive,omitempty" json:"case_sensitive,omitempty"`
}

// Equal compares patterns by value.
func (p Pattern) Equal(o Pattern) bool {
	if p.Kind != o.Kind || p.SourceControl != o.SourceControl ||
		p.TargetControl != o.TargetControl || p.CaseSensitive != o.CaseSensitive {
		return false
	}
	if p.Threshold == nil || o.Threshold == nil {
		return p.Threshold == o.Threshold
	}
	return *p.Threshold == *o.Threshold
}

// FuzzyThreshold is the similarity a fuzzy pattern requires.
func (p Pattern) FuzzyThreshold() float64 {
	if p.Threshold == nil {
		return DefaultFuzzyThreshold
	}
	return *p.Threshold
}

// ActionKind is what a matching rule does to the effective mapping.
type ActionKind string

const (
	ActionSetType       ActionKind = "set-type"
	ActionSetConfidence ActionKind = "set-confidence"
	ActionSuppress      ActionKind = "suppress"
)

func ParseActionKind(s string) (ActionKind, error) {
	switch k := ActionKind(strings.ToLower(strings.TrimSpace(s))); k {
	case ActionSetType, ActionSetConfidence, ActionSuppress:
		return k, nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}

type Action struct {
	Kind       ActionKind   `yaml:"kind" json:"kind"`
	Type       mapping.Type `yaml:"type,omitempty" json:"type,omitempty"`
	Confidence *float64     `yaml:"confidence,omitempty" json:"confidence,omitempty"`
}

// Equal reports whether two actions have the same effect.
func (a Action) Equal(b Action) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case ActionSetType:
		return a.Type == b.Type
	case ActionSetConfidence:
		return a.Confidence != nil && b.Confidence != nil && *a.Confidence == *b.Confidence
	default:
		return true
	}
}

func (a Action) String() string {
	switch a.Kind {
	case ActionSetType:
		return string(a.Kind) + "=" + string(a.Type)
	case ActionSetConfidence:
		if a.Confidence != nil {
			return fmt.Sprintf("%s=%.4f", a.Kind, *a.Confidence)
		}
	}
	return string(a.Kind)
}

// Rule is an operator-defined correction. Rules at equal priority are
// ordered by Seq, the creation sequence assigned by the Store, which does
// not change when a rule is re-added as a new version.
type Rule struct {
	ID              string    `yaml:"id" json:"id"`
	Name            string    `yaml:"name,omitempty" json:"name,omitempty"`
	Description     string    `yaml:"description,omitempty" json:"description,omitempty"`
	Scope           Scope     `yaml:"scope" json:"scope"`
	// SourceFramework and TargetFramework bind framework-pair rules and may
	// narrow organization rules. The pair is directional.
	SourceFramework string    `yaml:"source_framework,omitempty" json:"source_framework,omitempty"`
	TargetFramework string    `yaml:"target_framework,omitempty" json:"target_framework,omitempty"`
	Organization    string    `yaml:"organization,omitempty" json:"organization,omitempty"`
	Pattern         Pattern   `yaml:"pattern" json:"pattern"`
	Condition       string    `yaml:"condition,omitempty" json:"condition,omitempty"`
	Action          Action    `yaml:"action" json:"action"`
	Priority        int       `yaml:"priority" json:"priority"`
	ConflictTag     string    `yaml:"conflict_tag,omitempty" json:"conflict_tag,omitempty"`
	Seq             uint64    `yaml:"seq,omitempty" json:"seq,omitempty"`
	Version         int       `yaml:"version,omitempty" json:"version,omitempty"`
	Disabled        bool      `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	CreatedBy       string    `yaml:"created_by,omitempty" json:"created_by,omitempty"`
	CreatedAt       time.Time `yaml:"created_at,omitempty" json:"created_at,omitzero"`
	Tags            []string  `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// Query carries the caller context a rule's scope is checked against.
type Query struct {
	Organization string `json:"organization,omitempty"`
}

// AppliesTo reports whether the rule's scope covers m under q.
func (r Rule) AppliesTo(m mapping.Mapping, q Query) bool {
	if r.Disabled {
		return false
	}
	switch r.Scope {
	case ScopeGlobal:
		return true
	case ScopeFrameworkPair:
		return r.pairMatches(m)
	case ScopeOrganization:
		return q.Organization != "" && q.Organization == r.Organization && r.pairMatches(m)
	default:
		return false
	}
}

func (r Rule) pairMatches(m mapping.Mapping) bool {
	return (r.SourceFramework == "" || r.SourceFramework == m.SourceFramework) &&
		(r.TargetFramework == "" || r.TargetFramework == m.TargetFramework)
}

// validate checks everything but the regular expressions and condition,
// which need the Evaluator.
func (r *Rule) validate() error {
	var err error
	if r.Scope, err = ParseScope(string(r.Scope)); err != nil {
		return invalid(r, err)
	}
	switch r.Scope {
	case ScopeFrameworkPair:
		if r.SourceFramework == "" || r.TargetFramework == "" {
			return invalid(r, fmt.Errorf("framework-pair scope requires source and target framework"))
		}
	case ScopeOrganization:
		if r.Organization == "" {
			return invalid(r, fmt.Errorf("organization scope requires an organization"))
		}
	}

	if r.Pattern.Kind, err = ParsePatternKind(string(r.Pattern.Kind)); err != nil {
		return invalid(r, err)
	}
	switch r.Pattern.Kind {
	case PatternExact:
		if r.Pattern.SourceControl == "" && r.Pattern.TargetControl == "" {
			return invalid(r, fmt.Errorf("exact pattern needs a source or target control"))
		}
	case PatternFuzzy:
		if th := r.Pattern.FuzzyThreshold(); math.IsNaN(th) || th < 0 || th > 1 {
			return invalid(r, fmt.Errorf("fuzzy threshold %v outside [0,1]", th))
		}
	}

	if r.Action.Kind, err = ParseActionKind(string(r.Action.Kind)); err != nil {
		return invalid(r, err)
	}
	switch r.Action.Kind {
	case ActionSetType:
		if !r.Action.Type.Valid() {
			return invalid(r, fmt.Errorf("set-type needs a valid mapping type, got %q", r.Action.Type))
		}
	case ActionSetConfidence:
		c := r.Action.Confidence
		if c == nil || math.IsNaN(*c) || *c < 0 || *c > 1 {
			return invalid(r, fmt.Errorf("set-confidence needs a confidence in [0,1]"))
		}
	}
	return nil
}

func invalid(r *Rule, err error) error {
	return fmt.Errorf("%w: rule %q: %v", diagnostics.ErrInvalidDefinition, r.ID, err)
}
