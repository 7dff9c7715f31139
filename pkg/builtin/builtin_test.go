package builtin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/crosswalk/pkg/catalog"
	"github.com/Mindburn-Labs/crosswalk/pkg/diagnostics"
	"github.com/Mindburn-Labs/crosswalk/pkg/mapping"
)

func TestDefinitions_LoadIntoRegistry(t *testing.T) {
	defs, err := Definitions()
	require.NoError(t, err)
	require.Len(t, defs, 3)
	assert.Equal(t, []string{ISO27001, NISTCSF, SOC2}, []string{defs[0].ID, defs[1].ID, defs[2].ID})

	reg := catalog.NewRegistry(nil)
	for _, def := range defs {
		_, err := reg.Load(def, catalog.LoadOptions{})
		require.NoError(t, err, def.ID)
	}
	snap := reg.Snapshot()

	soc2, err := snap.Require(SOC2)
	require.NoError(t, err)
	assert.Equal(t, "2017", soc2.Version)
	assert.Equal(t, 12, soc2.Len())

	iso, err := snap.Require(ISO27001)
	require.NoError(t, err)
	assert.Equal(t, 14, iso.Len())

	nist, err := snap.Require(NISTCSF)
	require.NoError(t, err)
	assert.Equal(t, 15, nist.Len())

	c, ok := snap.Control(SOC2, "CC6.1")
	require.True(t, ok)
	assert.Equal(t, catalog.RiskCritical, c.RiskLevel)
	assert.Equal(t, catalog.ControlTypeTechnical, c.ControlType)
	assert.Equal(t, "access-control", c.Category)
	assert.True(t, c.HasTag("access-control"))
}

func TestMappings_ResolveAgainstCatalogs(t *testing.T) {
	defs, err := Definitions()
	require.NoError(t, err)
	reg := catalog.NewRegistry(nil)
	for _, def := range defs {
		_, err := reg.Load(def, catalog.LoadOptions{})
		require.NoError(t, err)
	}
	snap := reg.Snapshot()

	ms, err := Mappings()
	require.NoError(t, err)
	require.Len(t, ms, 11)

	g := mapping.NewGraph(nil)
	var warnings int
	for _, m := range ms {
		assert.Equal(t, mapping.ProvenanceCurated, m.Provenance)
		res, err := g.Add(m, snap)
		require.NoError(t, err, m.Key().String())
		assert.True(t, res.Created)
		assert.NotEmpty(t, res.Mapping.SourceVersion)
		warnings += diagnostics.Count(res.Diagnostics, diagnostics.KindConsistency)
	}
	assert.Equal(t, 11, g.Len())
	// Every seed equivalent is one-directional.
	assert.Equal(t, 6, warnings)

	m, ok := g.Snapshot().Lookup(mapping.Key{
		Source: mapping.Endpoint{Framework: SOC2, Control: "CC7.1"},
		Target: mapping.Endpoint{Framework: NISTCSF, Control: "DE.CM-1"},
	})
	require.True(t, ok)
	assert.Equal(t, mapping.TypeEquivalent, m.Type)
	assert.InDelta(t, 0.8, m.Confidence, 1e-9)
}

func TestBaselines_Validate(t *testing.T) {
	doc, err := Document()
	require.NoError(t, err)
	reg := catalog.NewRegistry(nil)
	for _, def := range doc.Frameworks {
		_, err := reg.Load(def, catalog.LoadOptions{})
		require.NoError(t, err)
	}
	require.Len(t, doc.Baselines, 3)
	for i := range doc.Baselines {
		require.NoError(t, doc.Baselines[i].Validate(reg.Snapshot()), doc.Baselines[i].ID)
	}
	core := doc.Baselines[2]
	assert.Equal(t, "soc2-security-core", core.ID)
	assert.True(t, core.Mandatory)
	assert.Equal(t, []string{"CC1.1", "CC6.1", "CC6.2", "CC7.1"}, core.Controls)
}
