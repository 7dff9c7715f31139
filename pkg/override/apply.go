package override

import (
	"sort"

	"github.com/Mindburn-Labs/crosswalk/pkg/diagnostics"
	"github.com/Mindburn-Labs/crosswalk/pkg/mapping"
)

// Suppression records a raw mapping hidden from the effective view.
type Suppression struct {
	Mapping mapping.Mapping `json:"mapping"`
	RuleID  string          `json:"rule_id"`
}

// Adjustment records a mapping whose type or confidence a rule replaced.
type Adjustment struct {
	Raw       mapping.Mapping `json:"raw"`
	Effective mapping.Mapping `json:"effective"`
	RuleID    string          `json:"rule_id"`
	Action    ActionKind      `json:"action"`
}

// View is the effective mapping set for one query. Raw mappings are never
// modified; everything a rule changed is listed in Suppressed or Adjusted.
type View struct {
	Effective   []mapping.Mapping        `json:"effective"`
	Suppressed  []Suppression            `json:"suppressed,omitempty"`
	Adjusted    []Adjustment             `json:"adjusted,omitempty"`
	Diagnostics []diagnostics.Diagnostic `json:"diagnostics,omitempty"`

	graph *mapping.Snapshot
}

// Graph indexes the effective mappings for endpoint lookups.
func (v *View) Graph() *mapping.Snapshot {
	if v.graph == nil {
		v.graph = mapping.NewSnapshot(v.Effective)
	}
	return v.graph
}

// ConfidenceOverride returns the confidence a set-confidence rule gave the
// mapping with id.
func (v *View) ConfidenceOverride(id string) (float64, bool) {
	for _, a := range v.Adjusted {
		if a.Raw.ID == id && a.Action == ActionSetConfidence {
			return a.Effective.Confidence, true
		}
	}
	return 0, false
}

// Order sorts rules the way Apply consults them: priority descending, then
// creation sequence ascending.
func Order(rules []Rule) []Rule {
	out := append([]Rule(nil), rules...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Apply computes the effective view of mappings under rules. For each
// mapping the applicable rules are consulted in Order and the first match
// wins. Another matching rule at the winner's priority with a different
// action yields a RuleConflict diagnostic. Apply does not modify its inputs
// and its output depends only on them.
func (e *Evaluator) Apply(mappings []mapping.Mapping, rules []Rule, q Query) View {
	ordered := Order(rules)
	raw := append([]mapping.Mapping(nil), mappings...)
	sort.Slice(raw, func(i, j int) bool { return raw[i].Key().Less(raw[j].Key()) })

	v := View{Effective: make([]mapping.Mapping, 0, len(raw))}
	reported := make(map[[2]string]bool)
	for _, m := range raw {
		winner, ok := e.firstMatch(m, ordered, q, &v, reported)
		if !ok {
			v.Effective = append(v.Effective, m)
			continue
		}
		switch winner.Action.Kind {
		case ActionSuppress:
			v.Suppressed = append(v.Suppressed, Suppression{Mapping: m, RuleID: winner.ID})
		case ActionSetType:
			eff := m
			eff.Type = winner.Action.Type
			v.Effective = append(v.Effective, eff)
			v.Adjusted = append(v.Adjusted, Adjustment{Raw: m, Effective: eff, RuleID: winner.ID, Action: ActionSetType})
		case ActionSetConfidence:
			eff := m
			eff.Confidence = *winner.Action.Confidence
			v.Effective = append(v.Effective, eff)
			v.Adjusted = append(v.Adjusted, Adjustment{Raw: m, Effective: eff, RuleID: winner.ID, Action: ActionSetConfidence})
		default:
			v.Effective = append(v.Effective, m)
		}
	}
	diagnostics.Sort(v.Diagnostics)
	v.graph = mapping.NewSnapshot(v.Effective)
	return v
}

func (e *Evaluator) firstMatch(m mapping.Mapping, ordered []Rule, q Query, v *View, reported map[[2]string]bool) (Rule, bool) {
	var winner Rule
	found := false
	for _, r := range ordered {
		if found && r.Priority < winner.Priority {
			break
		}
		if !r.AppliesTo(m, q) {
			continue
		}
		ok, err := e.Matches(r, m)
		if err != nil {
			e.logger.Warn("override rule evaluation failed", "rule_id", r.ID, "mapping", m.Key().String(), "error", err)
			v.Diagnostics = append(v.Diagnostics, diagnostics.Diagnostic{
				Kind:    diagnostics.KindRuleEvaluation,
				Subject: m.Key().String(),
				Message: "rule " + r.ID + " skipped: " + err.Error(),
				Attrs:   map[string]string{"rule_id": r.ID},
			})
			continue
		}
		if !ok {
			continue
		}
		if !found {
			winner, found = r, true
			continue
		}
		if !r.Action.Equal(winner.Action) {
			d := conflictDiagnostic(m.Key().String(), winner, r)
			d.Attrs["mapping"] = m.Key().String()
			v.Diagnostics = append(v.Diagnostics, d)
			pair := [2]string{winner.ID, r.ID}
			if !reported[pair] {
				reported[pair] = true
				e.logger.Warn("override rule conflict",
					"rule_id", winner.ID, "conflicts_with", r.ID, "priority", r.Priority)
			}
		}
	}
	return winner, found
}
