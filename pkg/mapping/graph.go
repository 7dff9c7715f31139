package mapping

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/crosswalk/pkg/catalog"
	"github.com/Mindburn-Labs/crosswalk/pkg/diagnostics"
)

// Resolver answers endpoint existence and version questions. It is
// satisfied by *catalog.Snapshot.
type Resolver interface {
	Control(frameworkID, controlID string) (catalog.Control, bool)
	CurrentVersion(frameworkID string) (string, bool)
}

// AddResult describes the outcome of Graph.Add.
type AddResult struct {
	ID          string
	Created     bool
	Mapping     Mapping
	Diagnostics []diagnostics.Diagnostic
}

// Graph is the mutable mapping store. Writers hold an exclusive lock; reads
// go through immutable snapshots that remain valid after later writes.
type Graph struct {
	mu      sync.RWMutex
	edges   map[string]Mapping
	version uint64
	snap    atomic.Pointer[Snapshot]
	logger  *slog.Logger
	now     func() time.Time
}

// NewGraph creates an empty graph.
func NewGraph(logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{
		edges:  make(map[string]Mapping),
		logger: logger.With("component", "mapping"),
		now:    time.Now,
	}
}

// WithClock sets the clock used for CreatedAt stamps.
func (g *Graph) WithClock(now func() time.Time) *Graph {
	g.now = now
	return g
}

// Add validates m against res and stores it. Adding a mapping whose key and
// type already exist updates it in place and never creates a second edge.
func (g *Graph) Add(m Mapping, res Resolver) (AddResult, error) {
	m, err := normalize(m)
	if err != nil {
		return AddResult{}, err
	}
	key := m.Key()
	if key.Source == key.Target {
		return AddResult{}, fmt.Errorf("%w: %s", diagnostics.ErrSelfMapping, key)
	}
	for _, e := range []Endpoint{key.Source, key.Target} {
		current, ok := res.CurrentVersion(e.Framework)
		if !ok {
			return AddResult{}, fmt.Errorf("%w: %w: %s", diagnostics.ErrUnknownControl, diagnostics.ErrUnknownFramework, e)
		}
		if _, ok := res.Control(e.Framework, e.Control); !ok {
			return AddResult{}, fmt.Errorf("%w: %s", diagnostics.ErrUnknownControl, e)
		}
		if e == key.Source && m.SourceVersion == "" {
			m.SourceVersion = current
		}
		if e == key.Target && m.TargetVersion == "" {
			m.TargetVersion = current
		}
	}
	m.ID = key.ID()

	g.mu.Lock()
	defer g.mu.Unlock()

	created := true
	if existing, ok := g.edges[m.ID]; ok {
		if existing.Type != m.Type {
			return AddResult{}, fmt.Errorf("%w: %s is %s, not %s", diagnostics.ErrConflictingMapping, key, existing.Type, m.Type)
		}
		created = false
		m.CreatedAt = existing.CreatedAt
		if m.Rationale == "" {
			m.Rationale = existing.Rationale
		}
	} else if m.CreatedAt.IsZero() {
		m.CreatedAt = g.now().UTC()
	}
	g.edges[m.ID] = m
	g.version++

	out := AddResult{ID: m.ID, Created: created, Mapping: m}
	if d, ok := g.reciprocityLocked(m); !ok {
		out.Diagnostics = append(out.Diagnostics, d)
		g.logger.Warn("missing reciprocal mapping", "mapping", m.ID, "key", key.String())
	}
	return out, nil
}

// Remove deletes a mapping by id and returns it.
func (g *Graph) Remove(id string) (Mapping, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.edges[id]
	if !ok {
		return Mapping{}, fmt.Errorf("%w: %s", diagnostics.ErrUnknownMapping, id)
	}
	delete(g.edges, id)
	g.version++
	return m, nil
}

// Get returns a mapping from the live graph.
func (g *Graph) Get(id string) (Mapping, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok := g.edges[id]
	return m, ok
}

func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// Version increases with every write.
func (g *Graph) Version() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

// Snapshot returns an immutable view of the current edges. Consecutive calls
// without intervening writes return the same snapshot.
func (g *Graph) Snapshot() *Snapshot {
	g.mu.RLock()
	cached := g.snap.Load()
	if cached != nil && cached.version == g.version {
		g.mu.RUnlock()
		return cached
	}
	all := make([]Mapping, 0, len(g.edges))
	for _, m := range g.edges {
		all = append(all, m)
	}
	version := g.version
	g.mu.RUnlock()

	s := newSnapshot(version, all)
	g.snap.CompareAndSwap(cached, s)
	return s
}

// reciprocityLocked checks that an equivalent mapping has an equivalent
// counterpart in the opposite direction.
func (g *Graph) reciprocityLocked(m Mapping) (diagnostics.Diagnostic, bool) {
	if m.Type != TypeEquivalent {
		return diagnostics.Diagnostic{}, true
	}
	rev, ok := g.edges[m.Key().Reverse().ID()]
	if ok && rev.Type == TypeEquivalent {
		return diagnostics.Diagnostic{}, true
	}
	return consistencyWarning(m), false
}

func consistencyWarning(m Mapping) diagnostics.Diagnostic {
	return diagnostics.Diagnostic{
		Kind:    diagnostics.KindConsistency,
		Subject: m.ID,
		Message: fmt.Sprintf("equivalent mapping %s has no equivalent reciprocal", m.Key()),
		Attrs: map[string]string{
			"source": m.Source().String(),
			"target": m.Target().String(),
		},
	}
}

func normalize(m Mapping) (Mapping, error) {
	t, err := ParseType(string(m.Type))
	if err != nil {
		return Mapping{}, fmt.Errorf("%w: %v", diagnostics.ErrInvalidDefinition, err)
	}
	m.Type = t
	p, err := ParseProvenance(string(m.Provenance))
	if err != nil {
		return Mapping{}, fmt.Errorf("%w: %v", diagnostics.ErrInvalidDefinition, err)
	}
	m.Provenance = p
	if math.IsNaN(m.Confidence) || m.Confidence < 0 || m.Confidence > 1 {
		return Mapping{}, fmt.Errorf("%w: confidence %v outside [0,1]", diagnostics.ErrInvalidDefinition, m.Confidence)
	}
	if m.Provenance == ProvenanceAutoSuggested && m.Confidence == 0 {
		return Mapping{}, fmt.Errorf("%w: auto-suggested mapping %s carries no confidence", diagnostics.ErrInvalidDefinition, m.Key())
	}
	return m, nil
}

type pairKey struct{ source, target string }

// Snapshot is a read-only view of the graph at one version. All slices it
// returns are ordered by mapping key.
type Snapshot struct {
	version uint64
	all     []Mapping
	byID    map[string]int
	out     map[Endpoint][]int
	in      map[Endpoint][]int
	pairs   map[pairKey][]int
}

func newSnapshot(version uint64, all []Mapping) *Snapshot {
	sort.Slice(all, func(i, j int) bool { return all[i].Key().Less(all[j].Key()) })
	s := &Snapshot{
		version: version,
		all:     all,
		byID:    make(map[string]int, len(all)),
		out:     make(map[Endpoint][]int),
		in:      make(map[Endpoint][]int),
		pairs:   make(map[pairKey][]int),
	}
	for i, m := range all {
		s.byID[m.ID] = i
		s.out[m.Source()] = append(s.out[m.Source()], i)
		s.in[m.Target()] = append(s.in[m.Target()], i)
		pk := pairKey{m.SourceFramework, m.TargetFramework}
		s.pairs[pk] = append(s.pairs[pk], i)
	}
	return s
}

// NewSnapshot builds a standalone snapshot from mappings, used for
// effective views and tests.
func NewSnapshot(mappings []Mapping) *Snapshot {
	all := make([]Mapping, len(mappings))
	copy(all, mappings)
	for i := range all {
		if all[i].ID == "" {
			all[i].ID = all[i].Key().ID()
		}
	}
	return newSnapshot(0, all)
}

func (s *Snapshot) Version() uint64 { return s.version }
func (s *Snapshot) Len() int { return len(s.all) }

// All returns every mapping.
func (s *Snapshot) All() []Mapping {
	out := make([]Mapping, len(s.all))
	copy(out, s.all)
	return out
}

func (s *Snapshot) Get(id string) (Mapping, bool) {
	i, ok := s.byID[id]
	if !ok {
		return Mapping{}, false
	}
	return s.all[i], true
}

// Lookup finds a mapping by key.
func (s *Snapshot) Lookup(k Key) (Mapping, bool) {
	return s.Get(k.ID())
}

// FindForControl returns the mappings leaving, entering or touching a control.
func (s *Snapshot) FindForControl(frameworkID, controlID string, dir Direction) []Mapping {
	e := Endpoint{Framework: frameworkID, Control: controlID}
	var idx []int
	switch dir {
	case Outgoing:
		idx = s.out[e]
	case Incoming:
		idx = s.in[e]
	case Both:
		idx = mergeSorted(s.out[e], s.in[e])
	}
	return s.pick(idx)
}

// Between returns mappings between frameworks a and b in either direction.
func (s *Snapshot) Between(a, b string) []Mapping {
	idx := s.pairs[pairKey{a, b}]
	if a != b {
		idx = mergeSorted(idx, s.pairs[pairKey{b, a}])
	}
	return s.pick(idx)
}

// Directed returns mappings from source framework to target framework only.
func (s *Snapshot) Directed(source, target string) []Mapping {
	return s.pick(s.pairs[pairKey{source, target}])
}

// ConsistencyWarnings lists equivalent mappings whose reciprocal is missing.
// When frameworks are given only mappings between them are considered.
func (s *Snapshot) ConsistencyWarnings(frameworks ...string) []diagnostics.Diagnostic {
	scope := make(map[string]bool, len(frameworks))
	for _, f := range frameworks {
		scope[f] = true
	}
	var out []diagnostics.Diagnostic
	for _, m := range s.all {
		if m.Type != TypeEquivalent {
			continue
		}
		if len(scope) > 0 && (!scope[m.SourceFramework] || !scope[m.TargetFramework]) {
			continue
		}
		rev, ok := s.Lookup(m.Key().Reverse())
		if ok && rev.Type == TypeEquivalent {
			continue
		}
		out = append(out, consistencyWarning(m))
	}
	return out
}

func (s *Snapshot) pick(idx []int) []Mapping {
	if len(idx) == 0 {
		return nil
	}
	out := make([]Mapping, len(idx))
	for i, j := range idx {
		out[i] = s.all[j]
	}
	return out
}

func mergeSorted(a, b []int) []int {
	out := make([]int, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
