package catalog

import (
	"fmt"
	"iter"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/crosswalk/pkg/diagnostics"
)

// Framework is an immutable, versioned catalog of controls.
type Framework struct {
	ID          string
	Name        string
	Version     string
	Description string
	Domains     []Domain

	semver   *semver.Version
	domains  map[string]int
	controls map[string]Control
	order    []string
}

// Build validates def and constructs a Framework. Every failure wraps
// diagnostics.ErrInvalidDefinition.
func Build(def Definition) (*Framework, error) {
	id := strings.TrimSpace(def.ID)
	if id == "" {
		return nil, fmt.Errorf("%w: framework id is required", diagnostics.ErrInvalidDefinition)
	}
	version := strings.TrimSpace(def.Version)
	if version == "" {
		return nil, fmt.Errorf("%w: framework %s: version is required", diagnostics.ErrInvalidDefinition, id)
	}

	f := &Framework{
		ID:          id,
		Name:        def.Name,
		Version:     version,
		Description: def.Description,
		domains:     make(map[string]int, len(def.Domains)),
		controls:    make(map[string]Control, len(def.Controls)),
	}
	if f.Name == "" {
		f.Name = id
	}
	// Free-form labels such as "Rev 5" are accepted but do not take part in ordering.
	if v, err := semver.NewVersion(version); err == nil {
		f.semver = v
	}

	for _, d := range def.Domains {
		d.ID = strings.TrimSpace(d.ID)
		if d.ID == "" {
			return nil, fmt.Errorf("%w: framework %s: domain id is required", diagnostics.ErrInvalidDefinition, id)
		}
		if _, dup := f.domains[d.ID]; dup {
			return nil, fmt.Errorf("%w: framework %s: duplicate domain %q", diagnostics.ErrInvalidDefinition, id, d.ID)
		}
		if d.FrameworkID != "" && d.FrameworkID != id {
			return nil, fmt.Errorf("%w: framework %s: domain %q declares framework %q", diagnostics.ErrInvalidDefinition, id, d.ID, d.FrameworkID)
		}
		d.FrameworkID = id
		f.domains[d.ID] = len(f.Domains)
		f.Domains = append(f.Domains, d)
	}

	for _, c := range def.Controls {
		c.ID = strings.TrimSpace(c.ID)
		if c.ID == "" {
			return nil, fmt.Errorf("%w: framework %s: control id is required", diagnostics.ErrInvalidDefinition, id)
		}
		if _, dup := f.controls[c.ID]; dup {
			return nil, fmt.Errorf("%w: framework %s: duplicate control %q", diagnostics.ErrInvalidDefinition, id, c.ID)
		}
		if _, ok := f.domains[c.DomainID]; !ok {
			return nil, fmt.Errorf("%w: framework %s: control %q references unknown domain %q", diagnostics.ErrInvalidDefinition, id, c.ID, c.DomainID)
		}
		if c.FrameworkID != "" && c.FrameworkID != id {
			return nil, fmt.Errorf("%w: framework %s: control %q declares framework %q", diagnostics.ErrInvalidDefinition, id, c.ID, c.FrameworkID)
		}
		risk, err := ParseRiskLevel(string(c.RiskLevel))
		if err != nil {
			return nil, fmt.Errorf("%w: framework %s: control %q: %v", diagnostics.ErrInvalidDefinition, id, c.ID, err)
		}
		ct, err := ParseControlType(string(c.ControlType))
		if err != nil {
			return nil, fmt.Errorf("%w: framework %s: control %q: %v", diagnostics.ErrInvalidDefinition, id, c.ID, err)
		}
		c.FrameworkID = id
		c.RiskLevel = risk
		c.ControlType = ct
		c.Category = strings.ToLower(strings.TrimSpace(c.Category))
		c.Tags = normalizeTags(c.Tags)
		f.controls[c.ID] = c
		f.order = append(f.order, c.ID)
	}
	sort.Strings(f.order)
	return f, nil
}

// SemVer returns the parsed version, or nil for free-form labels.
func (f *Framework) SemVer() *semver.Version { return f.semver }

// Key is the (id, version) identity of a loaded framework.
func (f *Framework) Key() string { return f.ID + "@" + f.Version }

func (f *Framework) Len() int { return len(f.order) }

func (f *Framework) Control(id string) (Control, bool) {
	c, ok := f.controls[id]
	return c, ok
}

func (f *Framework) Domain(id string) (Domain, bool) {
	i, ok := f.domains[id]
	if !ok {
		return Domain{}, false
	}
	return f.Domains[i], true
}

// ControlIDs returns control identifiers in ascending order.
func (f *Framework) ControlIDs() []string {
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

// Controls yields controls ordered by identifier. The sequence is finite and
// can be ranged over any number of times.
func (f *Framework) Controls(filter Filter) iter.Seq[Control] {
	return func(yield func(Control) bool) {
		for _, id := range f.order {
			c := f.controls[id]
			if !filter.Match(c) {
				continue
			}
			if !yield(c) {
				return
			}
		}
	}
}

// Definition reconstructs the load record, used by export.
func (f *Framework) Definition() Definition {
	def := Definition{
		ID:          f.ID,
		Name:        f.Name,
		Version:     f.Version,
		Description: f.Description,
		Domains:     make([]Domain, len(f.Domains)),
		Controls:    make([]Control, 0, len(f.order)),
	}
	copy(def.Domains, f.Domains)
	for _, id := range f.order {
		def.Controls = append(def.Controls, f.controls[id])
	}
	return def
}

// Filter narrows ListControls. Empty fields match everything; Tags match
// when the control carries any of them.
type Filter struct {
	DomainID     string
	RiskLevels   []RiskLevel
	ControlTypes []ControlType
	Tags         []string
}

func (fl Filter) Match(c Control) bool {
	if fl.DomainID != "" && c.DomainID != fl.DomainID {
		return false
	}
	if len(fl.RiskLevels) > 0 && !contains(fl.RiskLevels, c.RiskLevel) {
		return false
	}
	if len(fl.ControlTypes) > 0 && !contains(fl.ControlTypes, c.ControlType) {
		return false
	}
	if len(fl.Tags) > 0 {
		for _, t := range fl.Tags {
			if c.HasTag(t) {
				return true
			}
		}
		return false
	}
	return true
}

func contains[T comparable](xs []T, x T) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
