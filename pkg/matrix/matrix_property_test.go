//go:build property
// +build property

package matrix

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"slices"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/crosswalk/pkg/catalog"
	"github.com/Mindburn-Labs/crosswalk/pkg/gap"
	"github.com/Mindburn-Labs/crosswalk/pkg/mapping"
)

// TestMatrixOrdering verifies that every ordered pair i != j appears once,
// row-major, that each cell matches a direct coverage analysis, and that
// the result does not depend on parallelism.
func TestMatrixOrdering(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	properties.Property("row-major ordered pairs, parallelism independent", prop.ForAll(
		func(sizes []int, edges []int) bool {
			if len(sizes) < 2 || slices.Min(sizes) < 1 {
				return true
			}
			reg := catalog.NewRegistry(quiet)
			ids := make([]string, len(sizes))
			for f, n := range sizes {
				ids[f] = fmt.Sprintf("fw%d", f)
				def := catalog.Definition{ID: ids[f], Version: "1", Domains: []catalog.Domain{{ID: "d", Title: "d"}}}
				for c := range n {
					def.Controls = append(def.Controls, catalog.Control{ID: fmt.Sprintf("c%d", c), Title: "c", DomainID: "d"})
				}
				if _, err := reg.Load(def, catalog.LoadOptions{}); err != nil {
					return false
				}
			}

			g := mapping.NewGraph(quiet)
			for i := 0; i+1 < len(edges); i += 2 {
				src, dst := edges[i]%len(sizes), edges[i+1]%len(sizes)
				if src == dst {
					continue
				}
				_, _ = g.Add(mapping.Mapping{
					SourceFramework: ids[src], SourceControl: fmt.Sprintf("c%d", edges[i]%sizes[src]),
					TargetFramework: ids[dst], TargetControl: fmt.Sprintf("c%d", edges[i+1]%sizes[dst]),
					Type: mapping.TypeRelated, Confidence: 0.9,
				}, reg.Snapshot())
			}
			st := State{Version: 1, Input: gap.Input{Catalog: reg.Snapshot(), Mappings: g.Snapshot()}}
			analyzer := gap.NewAnalyzer(gap.DefaultOptions(), quiet)

			serial, err := NewBuilder(analyzer, 1, quiet).Build(context.Background(), st, nil, nil)
			if err != nil {
				return false
			}
			parallel, err := NewBuilder(analyzer, 4, quiet).Build(context.Background(), st, nil, nil)
			if err != nil || !reflect.DeepEqual(serial, parallel) {
				return false
			}

			k := len(serial.Frameworks)
			if len(serial.Cells) != k*(k-1) {
				return false
			}
			i := 0
			for _, src := range serial.Frameworks {
				for _, dst := range serial.Frameworks {
					if src == dst {
						continue
					}
					c := serial.Cells[i]
					i++
					if c.Source != src || c.Target != dst {
						return false
					}
					res, err := analyzer.Coverage(st.Input, src, dst)
					if err != nil || res.Coverage != c.Coverage || res.Summary.Total != c.Total {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOfN(3, gen.IntRange(1, 6)),
		gen.SliceOf(gen.IntRange(0, 50)),
	))

	properties.TestingRun(t)
}
