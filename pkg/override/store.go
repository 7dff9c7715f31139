package override

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/crosswalk/pkg/diagnostics"
)

// Store holds the active rule set and every superseded version of each
// rule. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	rules   map[string]Rule
	history map[string][]Rule
	seq     uint64
	eval    *Evaluator
	logger  *slog.Logger
	now     func() time.Time
}

func NewStore(eval *Evaluator, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		rules:   make(map[string]Rule),
		history: make(map[string][]Rule),
		eval:    eval,
		logger:  logger.With("component", "override_store"),
		now:     time.Now,
	}
}

// WithClock replaces the clock used for CreatedAt, for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Add validates r and stores it. A rule without an ID gets a new UUID. Adding
// a rule whose ID already exists records a new version; the rule keeps its
// original creation sequence so equal-priority ordering is stable. Rules
// restored with a sequence keep it.
//
// The returned diagnostics flag other rules with the same scope, pattern and
// priority but a different action: they will always conflict.
func (s *Store) Add(r Rule) (Rule, []diagnostics.Diagnostic, error) {
	if err := r.validate(); err != nil {
		return Rule{}, nil, err
	}
	if s.eval != nil {
		if err := s.eval.Compile(r); err != nil {
			return Rule{}, nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if prev, ok := s.rules[r.ID]; ok {
		s.history[r.ID] = append(s.history[r.ID], prev)
		r.Seq = prev.Seq
		r.Version = prev.Version + 1
		r.CreatedAt = prev.CreatedAt
	} else {
		if r.Seq == 0 {
			s.seq++
			r.Seq = s.seq
		} else {
			s.seq = max(s.seq, r.Seq)
		}
		if r.Version == 0 {
			r.Version = 1
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = s.now().UTC()
		}
	}
	s.rules[r.ID] = r

	var diags []diagnostics.Diagnostic
	for _, other := range s.rules {
		if other.ID == r.ID || other.Disabled || other.Priority != r.Priority {
			continue
		}
		if sameSelector(other, r) && !other.Action.Equal(r.Action) {
			diags = append(diags, conflictDiagnostic(r.ID, first(r, other), second(r, other)))
		}
	}
	diagnostics.Sort(diags)
	for _, d := range diags {
		s.logger.Warn("override rule conflict", "rule_id", r.ID, "detail", d.Message)
	}
	s.logger.Info("override rule stored", "rule_id", r.ID, "version", r.Version, "priority", r.Priority)
	return r, diags, nil
}

// Remove deletes a rule; its versions stay in History.
func (s *Store) Remove(id string) (Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s", diagnostics.ErrUnknownRule, id)
	}
	delete(s.rules, id)
	s.history[id] = append(s.history[id], r)
	s.logger.Info("override rule removed", "rule_id", id)
	return r, nil
}

func (s *Store) Get(id string) (Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	return r, ok
}

// Rules returns the current rules in creation order.
func (s *Store) Rules() []Rule {
	s.mu.RLock()
	out := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// History returns the superseded and removed versions of a rule, oldest first.
func (s *Store) History(id string) []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Rule(nil), s.history[id]...)
}

func sameSelector(a, b Rule) bool {
	return a.Scope == b.Scope &&
		a.SourceFramework == b.SourceFramework &&
		a.TargetFramework == b.TargetFramework &&
		a.Organization == b.Organization &&
		a.Pattern.Equal(b.Pattern) &&
		a.Condition == b.Condition
}

func first(a, b Rule) Rule {
	if a.Seq <= b.Seq {
		return a
	}
	return b
}

func second(a, b Rule) Rule {
	if a.Seq <= b.Seq {
		return b
	}
	return a
}

func conflictDiagnostic(subject string, winner, loser Rule) diagnostics.Diagnostic {
	return diagnostics.Diagnostic{
		Kind:    diagnostics.KindRuleConflict,
		Subject: subject,
		Message: fmt.Sprintf("rules %s (%s) and %s (%s) share priority %d; %s wins by creation order",
			winner.ID, winner.Action, loser.ID, loser.Action, winner.Priority, winner.ID),
		Attrs: map[string]string{
			"winner":        winner.ID,
			"loser":         loser.ID,
			"priority":      fmt.Sprint(winner.Priority),
			"winner_tag":    winner.ConflictTag,
			"loser_tag":     loser.ConflictTag,
			"winner_action": winner.Action.String(),
			"loser_action":  loser.Action.String(),
		},
	}
}
