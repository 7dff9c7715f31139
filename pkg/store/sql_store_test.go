package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/crosswalk/pkg/builtin"
	"github.com/Mindburn-Labs/crosswalk/pkg/catalog"
	"github.com/Mindburn-Labs/crosswalk/pkg/config"
	"github.com/Mindburn-Labs/crosswalk/pkg/diagnostics"
	"github.com/Mindburn-Labs/crosswalk/pkg/gap"
	"github.com/Mindburn-Labs/crosswalk/pkg/interchange"
	"github.com/Mindburn-Labs/crosswalk/pkg/mapping"
	"github.com/Mindburn-Labs/crosswalk/pkg/override"
	"github.com/Mindburn-Labs/crosswalk/pkg/scoring"
)

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), config.DatabaseConfig{Driver: "sqlite", URL: ":memory:"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{
		"sqlite": DialectSQLite, "SQLite3": DialectSQLite,
		"postgres": DialectPostgres, "postgresql": DialectPostgres,
	} {
		got, err := ParseDialect(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseDialect("mysql")
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}

func TestRebind(t *testing.T) {
	q := `INSERT INTO t (a, b) VALUES (?, ?)`
	assert.Equal(t, q, DialectSQLite.rebind(q))
	assert.Equal(t, `INSERT INTO t (a, b) VALUES ($1, $2)`, DialectPostgres.rebind(q))
}

func TestSQLite_PutAndLoad(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	def := catalog.Definition{
		ID: "soc2", Name: "SOC 2", Version: "2017",
		Domains:  []catalog.Domain{{ID: "security", Title: "Security"}},
		Controls: []catalog.Control{{ID: "CC6.1", Title: "Logical access", DomainID: "security"}},
	}
	require.NoError(t, s.PutFramework(ctx, def))
	def.Version = "2022"
	require.NoError(t, s.PutFramework(ctx, def))

	require.NoError(t, s.PutBaseline(ctx, gap.Baseline{ID: "core", FrameworkID: "soc2", Controls: []string{"CC6.1"}}))

	m := mapping.Mapping{
		SourceFramework: "soc2", SourceControl: "CC6.1",
		TargetFramework: "iso27001", TargetControl: "A.9.1.1",
		Type: mapping.TypeRelated, Confidence: 0.8, Provenance: mapping.ProvenanceCurated,
		CreatedAt: now,
	}
	require.NoError(t, s.PutMapping(ctx, m))
	m.Confidence = 0.85
	require.NoError(t, s.PutMapping(ctx, m))

	low := 0.2
	rule := override.Rule{
		ID: "r1", Scope: override.ScopeGlobal, Version: 1, Seq: 1,
		Pattern: override.Pattern{Kind: override.PatternExact, SourceControl: "CC6.1"},
		Action:  override.Action{Kind: override.ActionSetConfidence, Confidence: &low},
	}
	require.NoError(t, s.PutRule(ctx, rule))
	rule.Version = 2
	require.NoError(t, s.PutRule(ctx, rule))

	for _, sim := range []float64{0.9, 0.1} {
		require.NoError(t, s.PutFeedback(ctx, scoring.Feedback{
			SourceFramework: "soc2", TargetFramework: "iso27001", Similarity: sim, Accepted: sim > 0.5, RecordedAt: now,
		}))
	}

	doc, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, doc.Frameworks, 1)
	assert.Equal(t, "2022", doc.Frameworks[0].Version)
	require.Len(t, doc.Baselines, 1)
	require.Len(t, doc.Mappings, 1)
	assert.Equal(t, m.Key().ID(), doc.Mappings[0].ID)
	assert.Equal(t, 0.85, doc.Mappings[0].Confidence)
	assert.Equal(t, now, doc.Mappings[0].CreatedAt)
	require.Len(t, doc.Rules, 1)
	assert.Equal(t, 2, doc.Rules[0].Version)
	require.NotNil(t, doc.Rules[0].Action.Confidence)
	assert.Equal(t, 0.2, *doc.Rules[0].Action.Confidence)
	require.Len(t, doc.Feedback, 2)
	assert.Equal(t, 0.9, doc.Feedback[0].Similarity, "feedback keeps insertion order")

	require.NoError(t, s.DeleteMapping(ctx, m.Key().ID()))
	require.ErrorIs(t, s.DeleteMapping(ctx, m.Key().ID()), diagnostics.ErrUnknownMapping)
	require.NoError(t, s.DeleteRule(ctx, "r1"))
	require.ErrorIs(t, s.DeleteRule(ctx, "r1"), diagnostics.ErrUnknownRule)

	doc, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, doc.Mappings)
	assert.Empty(t, doc.Rules)
}

func TestSQLite_MigrateIsIdempotent(t *testing.T) {
	s := openSQLite(t)
	require.NoError(t, s.Migrate(context.Background()))
	doc, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, doc.Frameworks)
	assert.NotNil(t, doc.Mappings)
}

func TestSQLite_SaveBuiltin(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	doc, err := builtin.Document()
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, doc))
	// Saving twice upserts every keyed row.
	require.NoError(t, s.Save(ctx, &interchange.Document{Frameworks: doc.Frameworks, Mappings: doc.Mappings}))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got.Frameworks, 3)
	assert.Len(t, got.Baselines, 3)
	assert.Len(t, got.Mappings, 11)
	for _, m := range got.Mappings {
		assert.Equal(t, m.Key().ID(), m.ID)
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), config.DatabaseConfig{Driver: "oracle"}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}

func TestPostgres_Migrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"frameworks", "baselines", "mappings", "override_rules"} {
		mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS " + table)).
			WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS feedback \(\s+seq BIGSERIAL PRIMARY KEY`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := NewSQLStore(db, DialectPostgres, nil)
	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_PutAndDelete(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewSQLStore(db, DialectPostgres, nil)
	ctx := context.Background()

	m := mapping.Mapping{
		SourceFramework: "soc2", SourceControl: "CC6.1",
		TargetFramework: "nist-csf", TargetControl: "PR.AC-1",
		Type: mapping.TypeEquivalent, Confidence: 0.9,
	}
	id := m.Key().ID()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO mappings (id, source_framework, target_framework, body) VALUES ($1, $2, $3, $4)")).
		WithArgs(id, "soc2", "nist-csf", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.PutMapping(ctx, m))

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM override_rules WHERE id = $1")).
		WithArgs("gone").
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.ErrorIs(t, s.DeleteRule(ctx, "gone"), diagnostics.ErrUnknownRule)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO feedback")).
		WithArgs("soc2", "nist-csf", sqlmock.AnyArg()).
		WillReturnError(sqlmock.ErrCancelled)
	err = s.PutFeedback(ctx, scoring.Feedback{SourceFramework: "soc2", TargetFramework: "nist-csf", Similarity: 0.5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store: put feedback")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Load(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewSQLStore(db, DialectPostgres, nil)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT definition FROM frameworks ORDER BY id")).
		WillReturnRows(sqlmock.NewRows([]string{"definition"}).
			AddRow(`{"id":"soc2","name":"SOC 2","version":"2017","domains":[],"controls":[]}`))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT body FROM baselines ORDER BY id")).
		WillReturnRows(sqlmock.NewRows([]string{"body"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT body FROM mappings ORDER BY id")).
		WillReturnRows(sqlmock.NewRows([]string{"body"}).
			AddRow(`{"id":"x","source_framework":"soc2","source_control":"CC6.1","target_framework":"iso27001","target_control":"A.9.1.1","type":"related","confidence":0.8,"provenance":"curated"}`))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT body FROM override_rules ORDER BY id")).
		WillReturnRows(sqlmock.NewRows([]string{"body"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT body FROM feedback ORDER BY seq")).
		WillReturnRows(sqlmock.NewRows([]string{"body"}))

	doc, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, doc.Frameworks, 1)
	assert.Equal(t, "soc2", doc.Frameworks[0].ID)
	require.Len(t, doc.Mappings, 1)
	assert.Equal(t, mapping.TypeRelated, doc.Mappings[0].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LoadRejectsCorruptRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewSQLStore(db, DialectPostgres, nil)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT definition FROM frameworks")).
		WillReturnRows(sqlmock.NewRows([]string{"definition"}).AddRow(`{not json`))

	_, err = s.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store: decode frameworks")
}
