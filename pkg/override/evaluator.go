package override

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/crosswalk/pkg/mapping"
	"github.com/Mindburn-Labs/crosswalk/pkg/scoring"
)

// Evaluator compiles and caches rule conditions and regular expressions.
// It is safe for concurrent use.
type Evaluator struct {
	env    *cel.Env
	logger *slog.Logger

	mu       sync.RWMutex
	prgCache map[string]cel.Program
	reCache  map[string]*regexp.Regexp
}

// NewEvaluator builds the CEL environment conditions are checked in. A
// condition sees one variable, mapping, with the fields source_framework,
// source_control, target_framework, target_control, type, confidence,
// provenance, source_version and target_version.
func NewEvaluator(logger *slog.Logger) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("mapping", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		env:      env,
		logger:   logger.With("component", "override"),
		prgCache: make(map[string]cel.Program),
		reCache:  make(map[string]*regexp.Regexp),
	}, nil
}

// Compile checks the condition and regular expressions of r.
func (e *Evaluator) Compile(r Rule) error {
	if r.Condition != "" {
		if _, err := e.program(r.Condition); err != nil {
			return invalid(&r, err)
		}
	}
	if r.Pattern.Kind == PatternRegex {
		for _, expr := range []string{r.Pattern.SourceControl, r.Pattern.TargetControl} {
			if expr == "" {
				continue
			}
			if _, err := e.compileRegexp(expr, r.Pattern.CaseSensitive); err != nil {
				return invalid(&r, err)
			}
		}
	}
	return nil
}

// Matches reports whether r selects m. Scope is not checked here.
func (e *Evaluator) Matches(r Rule, m mapping.Mapping) (bool, error) {
	ok, err := e.patternMatches(r.Pattern, m)
	if err != nil || !ok {
		return false, err
	}
	if r.Condition == "" {
		return true, nil
	}
	return e.eval(r.Condition, m)
}

func (e *Evaluator) patternMatches(p Pattern, m mapping.Mapping) (bool, error) {
	switch p.Kind {
	case PatternExact:
		return idEqual(p.SourceControl, m.SourceControl, p.CaseSensitive) &&
			idEqual(p.TargetControl, m.TargetControl, p.CaseSensitive), nil
	case PatternRegex:
		for _, pair := range [][2]string{{p.SourceControl, m.SourceControl}, {p.TargetControl, m.TargetControl}} {
			if pair[0] == "" {
				continue
			}
			re, err := e.compileRegexp(pair[0], p.CaseSensitive)
			if err != nil {
				return false, err
			}
			if !re.MatchString(pair[1]) {
				return false, nil
			}
		}
		return true, nil
	case PatternFuzzy:
		threshold := p.FuzzyThreshold()
		return idSimilar(p.SourceControl, m.SourceControl, threshold, p.CaseSensitive) &&
			idSimilar(p.TargetControl, m.TargetControl, threshold, p.CaseSensitive), nil
	default:
		return false, fmt.Errorf("unknown pattern kind %q", p.Kind)
	}
}

func idEqual(want, got string, caseSensitive bool) bool {
	if want == "" {
		return true
	}
	if caseSensitive {
		return want == got
	}
	return strings.EqualFold(want, got)
}

func idSimilar(want, got string, threshold float64, caseSensitive bool) bool {
	if want == "" {
		return true
	}
	if !caseSensitive {
		want, got = strings.ToLower(want), strings.ToLower(got)
	}
	return scoring.RuneSimilarity([]rune(want), []rune(got)) >= threshold
}

func (e *Evaluator) compileRegexp(expr string, caseSensitive bool) (*regexp.Regexp, error) {
	if !caseSensitive {
		expr = "(?i)" + expr
	}
	e.mu.RLock()
	re, hit := e.reCache[expr]
	e.mu.RUnlock()
	if hit {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("regex: %w", err)
	}
	e.mu.Lock()
	e.reCache[expr] = re
	e.mu.Unlock()
	return re, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	p, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = p
	return p, nil
}

func (e *Evaluator) eval(expr string, m mapping.Mapping) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"mapping": map[string]any{
			"source_framework": m.SourceFramework,
			"source_control":   m.SourceControl,
			"target_framework": m.TargetFramework,
			"target_control":   m.TargetControl,
			"type":             string(m.Type),
			"confidence":       m.Confidence,
			"provenance":       string(m.Provenance),
			"source_version":   m.SourceVersion,
			"target_version":   m.TargetVersion,
		},
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q returned %T, want bool", expr, out.Value())
	}
	return b, nil
}
