package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/Mindburn-Labs/crosswalk/pkg/catalog"
	"github.com/Mindburn-Labs/crosswalk/pkg/events"
	"github.com/Mindburn-Labs/crosswalk/pkg/gap"
	"github.com/Mindburn-Labs/crosswalk/pkg/mapping"
	"github.com/Mindburn-Labs/crosswalk/pkg/override"
	"github.com/Mindburn-Labs/crosswalk/pkg/scoring"
)

// Persister writes engine change events to an SQLStore behind the engine.
// Feed it a durable subscription so no change is lost under load, and
// subscribe it after restoring saved state, or the replayed feedback is
// stored twice.
type Persister struct {
	store  *SQLStore
	logger *slog.Logger

	applied atomic.Int64
	failed  atomic.Int64
}

func NewPersister(store *SQLStore, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{store: store, logger: logger.With("component", "store.persister")}
}

// Run applies events until the subscription closes (returns nil) or ctx is
// done (returns ctx.Err()). A failed write is logged and counted and the
// persister moves on.
func (p *Persister) Run(ctx context.Context, sub *events.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := p.Apply(ctx, e); err != nil {
				p.failed.Add(1)
				p.logger.Error("persist event failed", "kind", e.Kind, "subject", e.Subject, "version", e.Version, "error", err)
				continue
			}
			p.applied.Add(1)
		}
	}
}

// Apply writes a single event.
func (p *Persister) Apply(ctx context.Context, e events.Event) error {
	switch e.Kind {
	case events.KindFrameworkLoaded:
		var def catalog.Definition
		if err := e.Decode(&def); err != nil {
			return err
		}
		return p.store.PutFramework(ctx, def)
	case events.KindBaselineRegistered:
		var b gap.Baseline
		if err := e.Decode(&b); err != nil {
			return err
		}
		return p.store.PutBaseline(ctx, b)
	case events.KindMappingAdded:
		var m mapping.Mapping
		if err := e.Decode(&m); err != nil {
			return err
		}
		return p.store.PutMapping(ctx, m)
	case events.KindMappingRemoved:
		return p.store.DeleteMapping(ctx, e.Subject)
	case events.KindRuleAdded:
		var r override.Rule
		if err := e.Decode(&r); err != nil {
			return err
		}
		return p.store.PutRule(ctx, r)
	case events.KindRuleRemoved:
		return p.store.DeleteRule(ctx, e.Subject)
	case events.KindFeedbackRecorded:
		var f scoring.Feedback
		if err := e.Decode(&f); err != nil {
			return err
		}
		return p.store.PutFeedback(ctx, f)
	default:
		return fmt.Errorf("store: unknown event kind %q", e.Kind)
	}
}

// Applied and Failed count write outcomes.
func (p *Persister) Applied() int64 { return p.applied.Load() }
func (p *Persister) Failed() int64  { return p.failed.Load() }
