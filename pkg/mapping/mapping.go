// Package mapping stores directed, typed, confidence-scored edges between
// controls of different frameworks.
package mapping

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Type is the relationship a mapping asserts.
type Type string

const (
	TypeEquivalent    Type = "equivalent"
	TypeRelated       Type = "related"
	TypePartial       Type = "partial"
	TypeInformational Type = "informational"
)

// ParseType accepts the four mapping types in any case.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeEquivalent, TypeRelated, TypePartial, TypeInformational:
		return t, nil
	default:
		return "", fmt.Errorf("unknown mapping type %q", s)
	}
}

func (t Type) Valid() bool {
	switch t {
	case TypeEquivalent, TypeRelated, TypePartial, TypeInformational:
		return true
	default:
		return false
	}
}

// Provenance records where a mapping came from.
type Provenance string

const (
	ProvenanceCurated       Provenance = "curated"
	ProvenanceAutoSuggested Provenance = "auto-suggested"
	ProvenanceOverride      Provenance = "override"
)

func ParseProvenance(s string) (Provenance, error) {
	switch p := Provenance(strings.ToLower(strings.TrimSpace(s))); p {
	case ProvenanceCurated, ProvenanceAutoSuggested, ProvenanceOverride:
		return p, nil
	case "":
		return ProvenanceCurated, nil
	default:
		return "", fmt.Errorf("unknown provenance %q", s)
	}
}

// Endpoint addresses a control in a framework.
type Endpoint struct {
	Framework string `json:"framework"`
	Control   string `json:"control"`
}

func (e Endpoint) String() string { return e.Framework + "/" + e.Control }

// Key is the stable identity of a mapping.
type Key struct {
	Source Endpoint
	Target Endpoint
}

func (k Key) String() string { return k.Source.String() + "->" + k.Target.String() }

// Reverse returns the key of the reciprocal mapping.
func (k Key) Reverse() Key { return Key{Source: k.Target, Target: k.Source} }

// ID derives the mapping identifier from the key. Identical keys always
// produce identical ids, across processes and export/import cycles.
func (k Key) ID() string {
	sum := sha256.Sum256([]byte(k.String()))
	return "map-" + hex.EncodeToString(sum[:8])
}

// Less orders keys by source then target endpoint.
func (k Key) Less(o Key) bool {
	if k.Source.Framework != o.Source.Framework {
		return k.Source.Framework < o.Source.Framework
	}
	if k.Source.Control != o.Source.Control {
		return k.Source.Control < o.Source.Control
	}
	if k.Target.Framework != o.Target.Framework {
		return k.Target.Framework < o.Target.Framework
	}
	return k.Target.Control < o.Target.Control
}

// Mapping is a directed edge from a source control to a target control.
type Mapping struct {
	ID              string     `json:"id"`
	SourceFramework string     `json:"source_framework"`
	SourceControl   string     `json:"source_control"`
	TargetFramework string     `json:"target_framework"`
	TargetControl   string     `json:"target_control"`
	Type            Type       `json:"type"`
	Confidence      float64    `json:"confidence"`
	Provenance      Provenance `json:"provenance"`
	// Framework versions the mapping was recorded against.
	SourceVersion string    `json:"source_version,omitempty"`
	TargetVersion string    `json:"target_version,omitempty"`
	Rationale     string    `json:"rationale,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitzero"`
}

func (m Mapping) Key() Key {
	return Key{
		Source: Endpoint{Framework: m.SourceFramework, Control: m.SourceControl},
		Target: Endpoint{Framework: m.TargetFramework, Control: m.TargetControl},
	}
}

func (m Mapping) Source() Endpoint { return m.Key().Source }
func (m Mapping) Target() Endpoint { return m.Key().Target }

// Touches reports whether either endpoint is the given control.
func (m Mapping) Touches(e Endpoint) bool {
	return m.Source() == e || m.Target() == e
}

// Other returns the endpoint opposite e.
func (m Mapping) Other(e Endpoint) Endpoint {
	if m.Source() == e {
		return m.Target()
	}
	return m.Source()
}

// Verified reports whether the confidence reaches the verification threshold.
func (m Mapping) Verified(threshold float64) bool {
	return m.Confidence >= threshold
}

// Between reports whether the mapping links frameworks a and b in either direction.
func (m Mapping) Between(a, b string) bool {
	return (m.SourceFramework == a && m.TargetFramework == b) ||
		(m.SourceFramework == b && m.TargetFramework == a)
}

// Direction selects which edges FindForControl returns.
type Direction int

const (
	Outgoing Direction = iota + 1
	Incoming
	Both
)

func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "outgoing", "out":
		return Outgoing, nil
	case "incoming", "in":
		return Incoming, nil
	case "both", "":
		return Both, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}

func (d Direction) String() string {
	switch d {
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	case Both:
		return "both"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}
