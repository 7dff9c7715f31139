// Package catalog holds framework, domain and control definitions.
//
// Frameworks are immutable once loaded. A new catalog version is loaded as a
// new Framework value and replaces the previous one wholesale; the registry
// remembers superseded version labels so that mappings recorded against them
// can be reported as outdated.
package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// RiskLevel is the declared risk of a control.
type RiskLevel string

const (
	RiskUnset    RiskLevel = ""
	RiskCritical RiskLevel = "critical"
	RiskHigh     RiskLevel = "high"
	RiskMedium   RiskLevel = "medium"
	RiskLow      RiskLevel = "low"
)

// ParseRiskLevel accepts the four risk levels in any case, and "" for unset.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch r := RiskLevel(strings.ToLower(strings.TrimSpace(s))); r {
	case RiskUnset, RiskCritical, RiskHigh, RiskMedium, RiskLow:
		return r, nil
	default:
		return RiskUnset, fmt.Errorf("unknown risk level %q", s)
	}
}

// ControlType classifies how a control is implemented.
type ControlType string

const (
	ControlTypeUnset      ControlType = ""
	ControlTypeTechnical  ControlType = "technical"
	ControlTypeProcedural ControlType = "procedural"
	ControlTypePhysical   ControlType = "physical"
)

func ParseControlType(s string) (ControlType, error) {
	switch ct := ControlType(strings.ToLower(strings.TrimSpace(s))); ct {
	case ControlTypeUnset, ControlTypeTechnical, ControlTypeProcedural, ControlTypePhysical:
		return ct, nil
	default:
		return ControlTypeUnset, fmt.Errorf("unknown control type %q", s)
	}
}

// Domain groups related controls within a framework.
type Domain struct {
	ID          string `yaml:"id" json:"id"`
	Title       string `yaml:"title" json:"title"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	FrameworkID string `yaml:"framework,omitempty" json:"framework,omitempty"`
}

// Control is a single requirement within a framework. Controls are the
// vertices of the mapping graph and are addressed by (FrameworkID, ID).
type Control struct {
	ID          string      `yaml:"id" json:"id"`
	Title       string      `yaml:"title" json:"title"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	FrameworkID string      `yaml:"framework,omitempty" json:"framework,omitempty"`
	DomainID    string      `yaml:"domain" json:"domain"`
	RiskLevel   RiskLevel   `yaml:"risk_level,omitempty" json:"risk_level,omitempty"`
	ControlType ControlType `yaml:"control_type,omitempty" json:"control_type,omitempty"`
	Category    string      `yaml:"category,omitempty" json:"category,omitempty"`
	Tags        []string    `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// Text is the title and description joined, the input to textual similarity.
func (c Control) Text() string {
	if c.Description == "" {
		return c.Title
	}
	return c.Title + " " + c.Description
}

// HasTag reports whether the control carries tag (case-insensitive).
func (c Control) HasTag(tag string) bool {
	tag = normalizeTag(tag)
	i := sort.SearchStrings(c.Tags, tag)
	return i < len(c.Tags) && c.Tags[i] == tag
}

// Ref returns the "framework/control" reference used in messages.
func (c Control) Ref() string {
	return c.FrameworkID + "/" + c.ID
}

// Definition is the normalized catalog record consumed at load time. It is
// produced by external ingestion (OSCAL-like catalogs, spreadsheets) or by
// the embedded builtin catalogs.
type Definition struct {
	ID          string    `yaml:"id" json:"id"`
	Name        string    `yaml:"name" json:"name"`
	Version     string    `yaml:"version" json:"version"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Domains     []Domain  `yaml:"domains" json:"domains"`
	Controls    []Control `yaml:"controls" json:"controls"`
}

func normalizeTag(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

// normalizeTags lowercases, deduplicates and sorts tags.
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = normalizeTag(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
