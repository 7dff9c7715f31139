// Package engine is the crosswalk engine instance: one value per process
// holding the framework registry, mapping graph, scorer, override rules and
// baselines, plus the derived-data caches that depend on them.
//
// Queries read a consistent snapshot of all of that state and never block
// writers for longer than the capture. Mutations are serialized, bump the
// engine version and publish a change event on the engine's bus.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/crosswalk/pkg/catalog"
	"github.com/Mindburn-Labs/crosswalk/pkg/config"
	"github.com/Mindburn-Labs/crosswalk/pkg/diagnostics"
	"github.com/Mindburn-Labs/crosswalk/pkg/events"
	"github.com/Mindburn-Labs/crosswalk/pkg/gap"
	"github.com/Mindburn-Labs/crosswalk/pkg/mapping"
	"github.com/Mindburn-Labs/crosswalk/pkg/matrix"
	"github.com/Mindburn-Labs/crosswalk/pkg/observability"
	"github.com/Mindburn-Labs/crosswalk/pkg/override"
	"github.com/Mindburn-Labs/crosswalk/pkg/scoring"
	"github.com/Mindburn-Labs/crosswalk/pkg/similarity"
)

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithProvider records engine operations on p. Without it operations are
// tracked on a disabled, no-op provider.
func WithProvider(p *observability.Provider) Option {
	return func(e *Engine) { e.obs = p }
}

// WithClock replaces the clock used for creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithBus publishes change events on bus instead of a private one. The
// engine does not close a bus it was given.
func WithBus(bus *events.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger
	obs    *observability.Provider
	now    func() time.Time

	registry  *catalog.Registry
	graph     *mapping.Graph
	scorer    *scoring.Scorer
	history   *scoring.History
	similar   *similarity.Engine
	evaluator *override.Evaluator
	rules     *override.Store
	analyzer  *gap.Analyzer
	matrix    *matrix.Builder

	bus     *events.Bus
	ownsBus bool

	// mu serializes mutations against state capture.
	mu        sync.RWMutex
	baselines map[string]gap.Baseline
	version   atomic.Uint64

	invalidations *events.Subscription
	done          chan struct{}
	closeOnce     sync.Once
}

// New builds an engine from cfg, or from config.Default when cfg is nil.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", diagnostics.ErrInvalidDefinition, err)
	}
	e := &Engine{
		cfg:       cfg,
		now:       time.Now,
		baselines: make(map[string]gap.Baseline),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	base := e.logger
	e.logger = base.With("component", "engine")
	if e.obs == nil {
		p, err := observability.New(context.Background(), &observability.Config{Enabled: false}, observability.WithLogger(base))
		if err != nil {
			return nil, err
		}
		e.obs = p
	}

	scorer, err := scoring.NewScorer(cfg.Weights, base)
	if err != nil {
		return nil, err
	}
	evaluator, err := override.NewEvaluator(base)
	if err != nil {
		return nil, err
	}
	e.registry = catalog.NewRegistry(base)
	e.graph = mapping.NewGraph(base).WithClock(e.now)
	e.scorer = scorer
	e.history = scoring.NewHistory(cfg.HistoryBuckets)
	e.similar = similarity.New(scorer, similarity.Options{
		EquivalentThreshold: cfg.EquivalentThreshold,
		Parallelism:         cfg.Parallelism,
		Logger:              base,
	})
	e.evaluator = evaluator
	e.rules = override.NewStore(evaluator, base).WithClock(e.now)
	e.analyzer = gap.NewAnalyzer(gap.Options{
		MinConfidence:     cfg.MinConfidence,
		PartialWeight:     cfg.PartialWeight,
		EscalateMandatory: cfg.EscalateMandatory,
	}, base)
	e.matrix = matrix.NewBuilder(e.analyzer, cfg.Parallelism, base)

	if e.bus == nil {
		e.bus = events.NewBus(base)
		e.ownsBus = true
	}
	e.invalidations = e.bus.Subscribe(cfg.EventBuffer)
	go e.invalidateOnChange()
	return e, nil
}

// invalidateOnChange prunes matrix cells older than each change. Cells are
// keyed by engine version, so a dropped event only costs memory, never
// correctness.
func (e *Engine) invalidateOnChange() {
	defer close(e.done)
	for ev := range e.invalidations.Events() {
		if ev.Kind == events.KindFeedbackRecorded {
			continue
		}
		e.matrix.Prune(ev.Version)
	}
}

// Close stops the internal subscriber and, if the engine created it, the bus.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.invalidations.Close()
		<-e.done
		if e.ownsBus {
			e.bus.Close()
		}
	})
	return nil
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() *config.Config { return e.cfg }

// Version increases with every committed mutation.
func (e *Engine) Version() uint64 { return e.version.Load() }

// Subscribe returns a subscription to the engine's change events.
func (e *Engine) Subscribe(buffer int) *events.Subscription {
	if buffer <= 0 {
		buffer = e.cfg.EventBuffer
	}
	return e.bus.Subscribe(buffer)
}

// SubscribeDurable returns a subscription that receives every change event
// in commit order, however far the reader falls behind.
func (e *Engine) SubscribeDurable() *events.Subscription {
	return e.bus.SubscribeDurable()
}

// CacheHits reports matrix cells served from the memo.
func (e *Engine) CacheHits() int64 { return e.matrix.CacheHits() }

// commit bumps the version and publishes. Callers hold e.mu.
func (e *Engine) commit(kind events.Kind, subject string, payload any) {
	v := e.version.Add(1)
	ev, err := events.New(kind, subject, v, payload)
	if err != nil {
		e.logger.Error("change event dropped", "kind", kind, "subject", subject, "error", err)
		return
	}
	e.bus.Publish(ev)
}

// LoadFramework registers a framework definition. Loading a new version of
// a known framework replaces it; its previous version is remembered as
// superseded.
func (e *Engine) LoadFramework(ctx context.Context, def catalog.Definition, opts catalog.LoadOptions) (key string, err error) {
	ctx, finish := e.obs.TrackOperation(ctx, "engine.LoadFramework", observability.FrameworkOperation(def.ID)...)
	defer func() { finish(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	key, err = e.registry.Load(def, opts)
	if err != nil {
		return "", err
	}
	e.similar.Forget(def.ID)
	fw, _ := e.registry.Framework(def.ID)
	e.commit(events.KindFrameworkLoaded, key, fw.Definition())
	observability.AddSpanEvent(ctx, "framework.loaded")
	return key, nil
}

// RegisterBaseline validates b against the registered framework and stores
// it, replacing a baseline with the same id.
func (e *Engine) RegisterBaseline(ctx context.Context, b gap.Baseline) (err error) {
	_, finish := e.obs.TrackOperation(ctx, "engine.RegisterBaseline", observability.FrameworkOperation(b.FrameworkID)...)
	defer func() { finish(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := b.Validate(e.registry.Snapshot()); err != nil {
		return err
	}
	e.baselines[b.ID] = b
	e.commit(events.KindBaselineRegistered, b.ID, b)
	return nil
}

// Baselines returns the registered baselines ordered by id.
func (e *Engine) Baselines() []gap.Baseline {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.baselineList()
}

func (e *Engine) baselineList() []gap.Baseline {
	out := make([]gap.Baseline, 0, len(e.baselines))
	for _, b := range e.baselines {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddMapping validates and stores m. The result carries the stable mapping
// id and any consistency warning.
func (e *Engine) AddMapping(ctx context.Context, m mapping.Mapping) (res mapping.AddResult, err error) {
	attrs := observability.PairOperation(m.SourceFramework, m.TargetFramework)
	ctx, finish := e.obs.TrackOperation(ctx, "engine.AddMapping", attrs...)
	defer func() { finish(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	res, err = e.graph.Add(m, e.registry.Snapshot())
	if err != nil {
		return res, err
	}
	e.obs.RecordDiagnostics(ctx, res.Diagnostics, attrs...)
	e.commit(events.KindMappingAdded, res.ID, res.Mapping)
	return res, nil
}

// RemoveMapping deletes a mapping by id.
func (e *Engine) RemoveMapping(ctx context.Context, id string) (m mapping.Mapping, err error) {
	_, finish := e.obs.TrackOperation(ctx, "engine.RemoveMapping", observability.MappingOperation(id)...)
	defer func() { finish(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	m, err = e.graph.Remove(id)
	if err != nil {
		return m, err
	}
	e.commit(events.KindMappingRemoved, id, m)
	return m, nil
}

// AddOverrideRule stores r, or a new version of it when its id exists. The
// diagnostics flag rules it will always conflict with.
func (e *Engine) AddOverrideRule(ctx context.Context, r override.Rule) (stored override.Rule, ds []diagnostics.Diagnostic, err error) {
	ctx, finish := e.obs.TrackOperation(ctx, "engine.AddOverrideRule", observability.RuleOperation(r.ID)...)
	defer func() { finish(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	stored, ds, err = e.rules.Add(r)
	if err != nil {
		return stored, nil, err
	}
	e.obs.RecordDiagnostics(ctx, ds, observability.RuleOperation(stored.ID)...)
	e.commit(events.KindRuleAdded, stored.ID, stored)
	return stored, ds, nil
}

// RemoveOverrideRule deletes a rule. Mappings it suppressed or adjusted show
// their raw values again on the next query.
func (e *Engine) RemoveOverrideRule(ctx context.Context, id string) (r override.Rule, err error) {
	_, finish := e.obs.TrackOperation(ctx, "engine.RemoveOverrideRule", observability.RuleOperation(id)...)
	defer func() { finish(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	r, err = e.rules.Remove(id)
	if err != nil {
		return r, err
	}
	e.commit(events.KindRuleRemoved, id, r)
	return r, nil
}

// OverrideRules returns the active rules in evaluation order.
func (e *Engine) OverrideRules() []override.Rule {
	return override.Order(e.rules.Rules())
}

// RuleHistory returns every version of a rule, oldest first.
func (e *Engine) RuleHistory(id string) []override.Rule {
	return e.rules.History(id)
}

// RecordFeedback adds an operator verdict to the historical accuracy
// factor.
func (e *Engine) RecordFeedback(ctx context.Context, f scoring.Feedback) (err error) {
	_, finish := e.obs.TrackOperation(ctx, "engine.RecordFeedback", observability.PairOperation(f.SourceFramework, f.TargetFramework)...)
	defer func() { finish(err) }()

	if f.RecordedAt.IsZero() {
		f.RecordedAt = e.now().UTC()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.history.Record(f); err != nil {
		return err
	}
	e.commit(events.KindFeedbackRecorded, f.SourceFramework+"->"+f.TargetFramework, f)
	return nil
}
