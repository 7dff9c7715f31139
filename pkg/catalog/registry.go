package catalog

import (
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Mindburn-Labs/crosswalk/pkg/diagnostics"
)

// LoadOptions controls framework loading.
type LoadOptions struct {
	// Replace allows reloading an (id, version) pair that is already current,
	// and loading a version older than the current one.
	Replace bool
}

// Registry owns framework lifetimes. Writers are serialized; readers work on
// immutable snapshots and never observe a partially loaded framework.
type Registry struct {
	mu     sync.Mutex
	cur    atomic.Pointer[Snapshot]
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger.With("component", "catalog")}
	r.cur.Store(&Snapshot{
		frameworks: map[string]*Framework{},
		history:    map[string][]string{},
	})
	return r
}

// Load validates def and publishes it. It returns the framework id.
func (r *Registry) Load(def Definition, opts LoadOptions) (string, error) {
	f, err := Build(def)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.cur.Load()
	old, exists := prev.frameworks[f.ID]
	if exists && !opts.Replace {
		if old.Version == f.Version {
			return "", fmt.Errorf("%w: %s", diagnostics.ErrDuplicateFrameworkVersion, f.Key())
		}
		if old.semver != nil && f.semver != nil && f.semver.LessThan(old.semver) {
			return "", fmt.Errorf("%w: %s is older than loaded %s", diagnostics.ErrInvalidDefinition, f.Key(), old.Key())
		}
	}

	next := prev.clone()
	next.frameworks[f.ID] = f
	if exists && old.Version != f.Version {
		next.history[f.ID] = appendUnique(next.history[f.ID], old.Version)
	}
	next.rebuildIDs()
	r.cur.Store(next)

	if exists {
		r.logger.Info("framework replaced", "framework", f.ID, "version", f.Version, "previous", old.Version, "controls", f.Len())
	} else {
		r.logger.Info("framework loaded", "framework", f.ID, "version", f.Version, "controls", f.Len())
	}
	return f.ID, nil
}

// Snapshot returns the current immutable view.
func (r *Registry) Snapshot() *Snapshot {
	return r.cur.Load()
}

func (r *Registry) Framework(id string) (*Framework, bool) {
	return r.Snapshot().Framework(id)
}

func (r *Registry) Control(frameworkID, controlID string) (Control, bool) {
	return r.Snapshot().Control(frameworkID, controlID)
}

func (r *Registry) ListControls(frameworkID string, filter Filter) (iter.Seq[Control], error) {
	return r.Snapshot().ListControls(frameworkID, filter)
}

// Snapshot is a point-in-time, read-only view of the registry.
type Snapshot struct {
	frameworks map[string]*Framework
	history    map[string][]string
	ids        []string
}

func (s *Snapshot) clone() *Snapshot {
	next := &Snapshot{
		frameworks: make(map[string]*Framework, len(s.frameworks)+1),
		history:    make(map[string][]string, len(s.history)),
	}
	for k, v := range s.frameworks {
		next.frameworks[k] = v
	}
	for k, v := range s.history {
		next.history[k] = append([]string(nil), v...)
	}
	return next
}

func (s *Snapshot) rebuildIDs() {
	s.ids = make([]string, 0, len(s.frameworks))
	for id := range s.frameworks {
		s.ids = append(s.ids, id)
	}
	sort.Strings(s.ids)
}

// Frameworks returns registered framework ids in ascending order.
func (s *Snapshot) Frameworks() []string {
	out := make([]string, len(s.ids))
	copy(out, s.ids)
	return out
}

func (s *Snapshot) Framework(id string) (*Framework, bool) {
	f, ok := s.frameworks[id]
	return f, ok
}

// Require returns the framework or an ErrUnknownFramework error.
func (s *Snapshot) Require(id string) (*Framework, error) {
	f, ok := s.frameworks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", diagnostics.ErrUnknownFramework, id)
	}
	return f, nil
}

func (s *Snapshot) Control(frameworkID, controlID string) (Control, bool) {
	f, ok := s.frameworks[frameworkID]
	if !ok {
		return Control{}, false
	}
	return f.Control(controlID)
}

// ListControls returns a lazy, restartable sequence of matching controls.
func (s *Snapshot) ListControls(frameworkID string, filter Filter) (iter.Seq[Control], error) {
	f, err := s.Require(frameworkID)
	if err != nil {
		return nil, err
	}
	return f.Controls(filter), nil
}

// CurrentVersion returns the loaded version label of a framework.
func (s *Snapshot) CurrentVersion(frameworkID string) (string, bool) {
	f, ok := s.frameworks[frameworkID]
	if !ok {
		return "", false
	}
	return f.Version, true
}

// IsSuperseded reports whether version names a framework version other than
// the one currently loaded. Empty versions are never superseded.
func (s *Snapshot) IsSuperseded(frameworkID, version string) bool {
	if version == "" {
		return false
	}
	f, ok := s.frameworks[frameworkID]
	return ok && f.Version != version
}

// Versions returns the superseded version labels followed by the current one.
func (s *Snapshot) Versions(frameworkID string) []string {
	f, ok := s.frameworks[frameworkID]
	if !ok {
		return nil
	}
	out := append([]string(nil), s.history[frameworkID]...)
	return append(out, f.Version)
}

func appendUnique(xs []string, x string) []string {
	for _, v := range xs {
		if v == x {
			return xs
		}
	}
	return append(xs, x)
}
