// Package matrix builds the coverage matrix over every ordered pair of
// frameworks. A->B and B->A are always computed separately.
package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/crosswalk/pkg/diagnostics"
	"github.com/Mindburn-Labs/crosswalk/pkg/gap"
)

// Cell summarizes the Coverage Result of one ordered pair.
type Cell struct {
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	Coverage    float64 `json:"coverage"`
	Total       int     `json:"total"`
	Covered     int     `json:"covered"`
	Partial     int     `json:"partial"`
	Outdated    int     `json:"outdated"`
	Missing     int     `json:"missing"`
	Diagnostics int     `json:"diagnostics"`
}

// Matrix holds a cell for every ordered pair i != j, row-major in the order
// of Frameworks.
type Matrix struct {
	Frameworks []string `json:"frameworks"`
	Cells      []Cell   `json:"cells"`
	Version    uint64   `json:"version"`
}

// Get returns the cell for source -> target.
func (m *Matrix) Get(source, target string) (Cell, bool) {
	for _, c := range m.Cells {
		if c.Source == source && c.Target == target {
			return c, true
		}
	}
	return Cell{}, false
}

// Progress receives (done, total) pair counts.
type Progress func(done, total int)

// State is the analysis input plus the version it was taken at; cells are
// memoized per version.
type State struct {
	Version uint64
	Input   gap.Input
}

type cacheKey struct {
	version        uint64
	source, target string
}

// Builder computes matrices and memoizes cells until Invalidate is called
// or the state version moves on.
type Builder struct {
	analyzer    *gap.Analyzer
	parallelism int
	logger      *slog.Logger

	mu    sync.Mutex
	cache map[cacheKey]Cell
	hits  atomic.Int64
}

func NewBuilder(analyzer *gap.Analyzer, parallelism int, logger *slog.Logger) *Builder {
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		analyzer:    analyzer,
		parallelism: parallelism,
		logger:      logger.With("component", "matrix"),
		cache:       make(map[cacheKey]Cell),
	}
}

// Invalidate drops every memoized cell.
func (b *Builder) Invalidate() {
	b.mu.Lock()
	n := len(b.cache)
	b.cache = make(map[cacheKey]Cell)
	b.mu.Unlock()
	if n > 0 {
		b.logger.Debug("matrix cache invalidated", "cells", n)
	}
}

// Prune drops the cells memoized for state versions older than version.
// Cells computed at version or later stay, so a late change notification
// never discards fresher results.
func (b *Builder) Prune(version uint64) {
	b.mu.Lock()
	n := 0
	for k := range b.cache {
		if k.version < version {
			delete(b.cache, k)
			n++
		}
	}
	b.mu.Unlock()
	if n > 0 {
		b.logger.Debug("matrix cache pruned", "cells", n, "before", version)
	}
}

// CacheHits counts cells served from the cache, for tests and metrics.
func (b *Builder) CacheHits() int64 { return b.hits.Load() }

// Build computes the matrix for ids, or for every registered framework when
// ids is empty. Pairs are evaluated in parallel; ctx is checked before each
// pair and progress is reported after each.
func (b *Builder) Build(ctx context.Context, st State, ids []string, progress Progress) (*Matrix, error) {
	fws, err := b.frameworks(st, ids)
	if err != nil {
		return nil, err
	}
	n := len(fws)
	m := &Matrix{Frameworks: fws, Cells: make([]Cell, 0, n*(n-1)), Version: st.Version}
	type pair struct{ i, j int }
	var pairs []pair
	for i := range fws {
		for j := range fws {
			if i != j {
				pairs = append(pairs, pair{i, j})
			}
		}
	}
	cells := make([]Cell, len(pairs))
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.parallelism)
	for k, p := range pairs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			cell, err := b.cell(st, fws[p.i], fws[p.j])
			if err != nil {
				return err
			}
			cells[k] = cell
			d := done.Add(1)
			if progress != nil {
				progress(int(d), len(pairs))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	m.Cells = append(m.Cells, cells...)
	return m, nil
}

func (b *Builder) cell(st State, source, target string) (Cell, error) {
	key := cacheKey{st.Version, source, target}
	b.mu.Lock()
	c, ok := b.cache[key]
	b.mu.Unlock()
	if ok {
		b.hits.Add(1)
		return c, nil
	}

	res, err := b.analyzer.Coverage(st.Input, source, target)
	if err != nil {
		return Cell{}, err
	}
	c = Cell{
		Source:      source,
		Target:      target,
		Coverage:    res.Coverage,
		Total:       res.Summary.Total,
		Covered:     res.Summary.Covered,
		Partial:     res.Summary.Partial,
		Outdated:    res.Summary.Outdated,
		Missing:     res.Summary.Missing,
		Diagnostics: len(res.Diagnostics),
	}
	b.mu.Lock()
	b.cache[key] = c
	b.mu.Unlock()
	return c, nil
}

func (b *Builder) frameworks(st State, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return st.Input.Catalog.Frameworks(), nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := st.Input.Catalog.Require(id); err != nil {
			return nil, fmt.Errorf("%w: %w", diagnostics.ErrAnalysisFailed, err)
		}
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out, nil
}
