// Package gap computes how much of a target framework is satisfied by
// mappings from one or more source frameworks and ranks what is left.
package gap

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/crosswalk/pkg/catalog"
	"github.com/Mindburn-Labs/crosswalk/pkg/diagnostics"
)

// State is a step of an analysis run.
type State string

const (
	StateInitialized        State = "Initialized"
	StateControlsEnumerated State = "ControlsEnumerated"
	StateMappingsResolved   State = "MappingsResolved"
	StateGapsCategorized    State = "GapsCategorized"
	StateComplete           State = "Complete"
	StateFailed             State = "Failed"
)

// next lists the legal transitions; Failed is reachable from any
// non-terminal state.
var next = map[State]State{
	StateInitialized:        StateControlsEnumerated,
	StateControlsEnumerated: StateMappingsResolved,
	StateMappingsResolved:   StateGapsCategorized,
	StateGapsCategorized:    StateComplete,
}

// Status is how a single target control is covered.
type Status string

const (
	StatusCovered  Status = "covered"
	StatusPartial  Status = "partial"
	StatusOutdated Status = "outdated"
	StatusMissing  Status = "missing"
)

// Category classifies a gap.
type Category string

const (
	CategoryMissing  Category = "missing"
	CategoryPartial  Category = "partial"
	CategoryOutdated Category = "outdated"
)

// factor scales a gap's priority by how much work closing it needs.
func (c Category) factor() float64 {
	switch c {
	case CategoryMissing:
		return 1.0
	case CategoryOutdated:
		return 0.75
	case CategoryPartial:
		return 0.5
	default:
		return 0
	}
}

// Effort estimates the work needed to close a gap.
type Effort string

const (
	EffortLow    Effort = "low"
	EffortMedium Effort = "medium"
	EffortHigh   Effort = "high"
)

// Remediation is the suggested next step for one gap.
type Remediation struct {
	Action     string `json:"action"`
	Effort     Effort `json:"effort"`
	TargetDays int    `json:"target_days"`
}

// RemediationFor derives guidance from a gap's category and severity.
// Effort follows the category; the target follows the severity.
func RemediationFor(controlID string, c Category, s Severity, mandatory bool) Remediation {
	var r Remediation
	switch c {
	case CategoryMissing:
		r.Action = fmt.Sprintf("implement %s; no source control satisfies it", controlID)
		r.Effort = EffortHigh
	case CategoryOutdated:
		r.Action = fmt.Sprintf("re-map %s against the current source framework version", controlID)
		r.Effort = EffortMedium
	default:
		r.Action = fmt.Sprintf("extend the mapped source controls to cover %s in full", controlID)
		r.Effort = EffortLow
	}
	switch s {
	case SeverityCritical:
		r.TargetDays = 30
	case SeverityHigh:
		r.TargetDays = 60
	case SeverityMedium:
		r.TargetDays = 120
	default:
		r.TargetDays = 180
	}
	if mandatory {
		r.Action += " (required by baseline)"
	}
	return r
}

// Severity ranks a gap. It follows the target control's risk level.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Severities lists every severity from most to least severe.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

func ParseSeverity(s string) (Severity, error) {
	switch sv := Severity(strings.ToLower(strings.TrimSpace(s))); sv {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return sv, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

// SeverityOf maps a risk level to a severity; unset risk is medium.
func SeverityOf(r catalog.RiskLevel) Severity {
	switch r {
	case catalog.RiskCritical:
		return SeverityCritical
	case catalog.RiskHigh:
		return SeverityHigh
	case catalog.RiskLow:
		return SeverityLow
	case catalog.RiskMedium, catalog.RiskUnset:
		return SeverityMedium
	default:
		return SeverityMedium
	}
}

// Escalate raises the severity one level; critical stays critical.
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Weight is the severity's contribution to a gap's priority score.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Baseline is a named subset of a framework's controls, mandatory for some
// impact level when Mandatory is set.
type Baseline struct {
	ID          string   `yaml:"id" json:"id"`
	FrameworkID string   `yaml:"framework" json:"framework"`
	Name        string   `yaml:"name,omitempty" json:"name,omitempty"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Mandatory   bool     `yaml:"mandatory,omitempty" json:"mandatory,omitempty"`
	Controls    []string `yaml:"controls" json:"controls"`
}

// Validate checks the baseline against the registered framework and sorts
// its controls.
func (b *Baseline) Validate(snap *catalog.Snapshot) error {
	if b.ID == "" {
		return fmt.Errorf("%w: baseline requires an id", diagnostics.ErrInvalidDefinition)
	}
	fw, err := snap.Require(b.FrameworkID)
	if err != nil {
		return fmt.Errorf("baseline %s: %w", b.ID, err)
	}
	seen := make(map[string]bool, len(b.Controls))
	out := make([]string, 0, len(b.Controls))
	for _, id := range b.Controls {
		if _, ok := fw.Control(id); !ok {
			return fmt.Errorf("%w: baseline %s: %s/%s", diagnostics.ErrUnknownControl, b.ID, b.FrameworkID, id)
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	b.Controls = out
	return nil
}

func (b Baseline) contains(controlID string) bool {
	i := sort.SearchStrings(b.Controls, controlID)
	return i < len(b.Controls) && b.Controls[i] == controlID
}
