package catalog

import (
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/crosswalk/pkg/diagnostics"
)

func testDefinition(version string) Definition {
	return Definition{
		ID:      "acme",
		Name:    "ACME Baseline",
		Version: version,
		Domains: []Domain{
			{ID: "ac", Title: "Access Control"},
			{ID: "ops", Title: "Operations"},
		},
		Controls: []Control{
			{ID: "AC-2", Title: "Account Management", DomainID: "ac", RiskLevel: "HIGH", ControlType: "technical", Tags: []string{"Access-Control", "identity", "identity"}},
			{ID: "AC-1", Title: "Access Policy", DomainID: "ac", RiskLevel: "critical", ControlType: "procedural", Tags: []string{"access-control", "policy"}},
			{ID: "OP-1", Title: "Change Management", DomainID: "ops", Tags: []string{"change"}},
		},
	}
}

func TestRegistry_LoadAndLookup(t *testing.T) {
	r := NewRegistry(nil)
	id, err := r.Load(testDefinition("1.0"), LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "acme", id)

	c, ok := r.Control("acme", "AC-2")
	require.True(t, ok)
	assert.Equal(t, RiskHigh, c.RiskLevel)
	assert.Equal(t, ControlTypeTechnical, c.ControlType)
	assert.Equal(t, "acme", c.FrameworkID)
	assert.Equal(t, []string{"access-control", "identity"}, c.Tags)
	assert.True(t, c.HasTag("IDENTITY"))

	_, ok = r.Control("acme", "AC-9")
	assert.False(t, ok)
	_, ok = r.Control("nope", "AC-1")
	assert.False(t, ok)
}

func TestRegistry_DuplicateVersion(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Load(testDefinition("1.0"), LoadOptions{})
	require.NoError(t, err)

	_, err = r.Load(testDefinition("1.0"), LoadOptions{})
	require.ErrorIs(t, err, diagnostics.ErrDuplicateFrameworkVersion)

	_, err = r.Load(testDefinition("1.0"), LoadOptions{Replace: true})
	require.NoError(t, err)
}

func TestRegistry_VersionBumpRecordsSupersededVersion(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Load(testDefinition("1.0"), LoadOptions{})
	require.NoError(t, err)
	before := r.Snapshot()

	_, err = r.Load(testDefinition("2.0"), LoadOptions{})
	require.NoError(t, err)

	snap := r.Snapshot()
	assert.Equal(t, []string{"1.0", "2.0"}, snap.Versions("acme"))
	assert.True(t, snap.IsSuperseded("acme", "1.0"))
	assert.False(t, snap.IsSuperseded("acme", "2.0"))
	assert.False(t, snap.IsSuperseded("acme", ""))

	// Older snapshots keep serving the framework they were taken with.
	v, _ := before.CurrentVersion("acme")
	assert.Equal(t, "1.0", v)

	_, err = r.Load(testDefinition("1.5"), LoadOptions{})
	require.ErrorIs(t, err, diagnostics.ErrInvalidDefinition)
}

func TestRegistry_InvalidDefinitions(t *testing.T) {
	cases := map[string]func(d *Definition){
		"missing id":      func(d *Definition) { d.ID = "" },
		"missing version": func(d *Definition) { d.Version = " " },
		"unknown domain":  func(d *Definition) { d.Controls[0].DomainID = "hr" },
		"duplicate control": func(d *Definition) {
			d.Controls = append(d.Controls, Control{ID: "AC-1", DomainID: "ac"})
		},
		"duplicate domain": func(d *Definition) { d.Domains = append(d.Domains, Domain{ID: "ac"}) },
		"bad risk":         func(d *Definition) { d.Controls[0].RiskLevel = "severe" },
		"bad type":         func(d *Definition) { d.Controls[0].ControlType = "magical" },
		"foreign control":  func(d *Definition) { d.Controls[0].FrameworkID = "other" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			def := testDefinition("1.0")
			mutate(&def)
			r := NewRegistry(nil)
			_, err := r.Load(def, LoadOptions{})
			require.ErrorIs(t, err, diagnostics.ErrInvalidDefinition)
			assert.Empty(t, r.Snapshot().Frameworks())
		})
	}
}

func TestListControls_LazyRestartableAndFiltered(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Load(testDefinition("1.0"), LoadOptions{})
	require.NoError(t, err)

	seq, err := r.ListControls("acme", Filter{})
	require.NoError(t, err)

	ids := func() []string {
		var out []string
		for c := range seq {
			out = append(out, c.ID)
		}
		return out
	}
	assert.Equal(t, []string{"AC-1", "AC-2", "OP-1"}, ids())
	assert.Equal(t, ids(), ids())

	var first []string
	for c := range seq {
		first = append(first, c.ID)
		break
	}
	assert.Equal(t, []string{"AC-1"}, first)

	crit, err := r.ListControls("acme", Filter{RiskLevels: []RiskLevel{RiskCritical}})
	require.NoError(t, err)
	assert.Equal(t, 1, len(slices.Collect(crit)))

	tagged, err := r.ListControls("acme", Filter{Tags: []string{"change", "policy"}})
	require.NoError(t, err)
	assert.Len(t, slices.Collect(tagged), 2)

	_, err = r.ListControls("missing", Filter{})
	require.ErrorIs(t, err, diagnostics.ErrUnknownFramework)
}

func TestRegistry_ConcurrentReadersSeeCompleteFrameworks(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Load(testDefinition("1.0"), LoadOptions{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				f, ok := r.Framework("acme")
				if !ok || f.Len() != 3 {
					t.Errorf("observed partial framework")
					return
				}
			}
		}()
	}
	for _, v := range []string{"1.1", "1.2", "1.3"} {
		_, err := r.Load(testDefinition(v), LoadOptions{})
		require.NoError(t, err)
	}
	wg.Wait()
}

func TestDecodeDefinitionsYAML(t *testing.T) {
	data := []byte(`id: a
name: A
version: "1"
domains: [{id: d, title: D}]
controls:
  - {id: A-1, title: One, domain: d, risk_level: low, tags: [x]}
---
id: b
version: "2"
domains: [{id: d, title: D}]
controls: []
`)
	defs, err := DecodeDefinitionsYAML(data)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "a", defs[0].ID)
	assert.Equal(t, RiskLow, defs[0].Controls[0].RiskLevel)
	assert.Equal(t, "2", defs[1].Version)

	_, err = DecodeDefinitionYAML([]byte("id: [oops"))
	require.ErrorIs(t, err, diagnostics.ErrInvalidDefinition)
}

func TestFramework_DefinitionRoundTrip(t *testing.T) {
	f, err := Build(testDefinition("3.1.4"))
	require.NoError(t, err)
	require.NotNil(t, f.SemVer())
	assert.Equal(t, "acme@3.1.4", f.Key())

	g, err := Build(f.Definition())
	require.NoError(t, err)
	assert.Equal(t, f.ControlIDs(), g.ControlIDs())
	d, ok := g.Domain("ops")
	require.True(t, ok)
	assert.Equal(t, "acme", d.FrameworkID)
}
