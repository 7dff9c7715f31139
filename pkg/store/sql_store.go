// Package store persists engine state in SQL so an engine can be rebuilt at
// startup. It sits outside the core: the engine never calls it, a Persister
// feeds it from the engine's change events and Load hands the saved state
// back as an interchange document.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/crosswalk/pkg/catalog"
	"github.com/Mindburn-Labs/crosswalk/pkg/config"
	"github.com/Mindburn-Labs/crosswalk/pkg/diagnostics"
	"github.com/Mindburn-Labs/crosswalk/pkg/gap"
	"github.com/Mindburn-Labs/crosswalk/pkg/interchange"
	"github.com/Mindburn-Labs/crosswalk/pkg/mapping"
	"github.com/Mindburn-Labs/crosswalk/pkg/override"
	"github.com/Mindburn-Labs/crosswalk/pkg/scoring"
)

// ErrUnsupportedDriver is returned for a database driver other than sqlite
// or postgres.
var ErrUnsupportedDriver = errors.New("unsupported database driver")

// Dialect is the SQL flavor of a database.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect accepts "sqlite", "sqlite3", "postgres" and "postgresql".
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDriver, s)
	}
}

// driver is the database/sql driver name registered for the dialect.
func (d Dialect) driver() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// rebind rewrites ? placeholders to $n for Postgres.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) schema() []string {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d == DialectPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS frameworks (
			id TEXT PRIMARY KEY,
			version TEXT NOT NULL,
			definition TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS baselines (
			id TEXT PRIMARY KEY,
			framework_id TEXT NOT NULL,
			body TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mappings (
			id TEXT PRIMARY KEY,
			source_framework TEXT NOT NULL,
			target_framework TEXT NOT NULL,
			body TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS override_rules (
			id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			body TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS feedback (
			seq ` + serial + `,
			source_framework TEXT NOT NULL,
			target_framework TEXT NOT NULL,
			body TEXT NOT NULL
		)`,
	}
}

// SQLStore keeps the current version of every framework plus the baselines,
// mappings, override rules and feedback records. Records are stored as
// their JSON form next to the columns they are keyed by.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// NewSQLStore wraps an open database. Call Migrate before first use.
func NewSQLStore(db *sql.DB, dialect Dialect, logger *slog.Logger) *SQLStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{db: db, dialect: dialect, logger: logger.With("component", "store", "dialect", string(dialect))}
}

// Open connects to the database described by cfg and migrates it.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*SQLStore, error) {
	dialect, err := ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(dialect.driver(), cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// Each sqlite connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: connect %s: %w", dialect, err)
	}
	s := NewSQLStore(db, dialect, logger)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Dialect() Dialect { return s.dialect }

func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	s.logger.Debug("schema migrated")
	return nil
}

func (s *SQLStore) exec(ctx context.Context, what, query string, args ...any) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: %s: %w", what, err)
	}
	return res, nil
}

func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("store: encode: %w", err)
	}
	return string(data), nil
}

// PutFramework saves def as the current version of its framework.
func (s *SQLStore) PutFramework(ctx context.Context, def catalog.Definition) error {
	body, err := encode(def)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, "put framework", `
		INSERT INTO frameworks (id, version, definition) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET version = excluded.version, definition = excluded.definition`,
		def.ID, def.Version, body)
	return err
}

func (s *SQLStore) PutBaseline(ctx context.Context, b gap.Baseline) error {
	body, err := encode(b)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, "put baseline", `
		INSERT INTO baselines (id, framework_id, body) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET framework_id = excluded.framework_id, body = excluded.body`,
		b.ID, b.FrameworkID, body)
	return err
}

// PutMapping inserts or replaces a mapping by id.
func (s *SQLStore) PutMapping(ctx context.Context, m mapping.Mapping) error {
	if m.ID == "" {
		m.ID = m.Key().ID()
	}
	body, err := encode(m)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, "put mapping", `
		INSERT INTO mappings (id, source_framework, target_framework, body) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET body = excluded.body`,
		m.ID, m.SourceFramework, m.TargetFramework, body)
	return err
}

// DeleteMapping removes a mapping; a missing id is ErrUnknownMapping.
func (s *SQLStore) DeleteMapping(ctx context.Context, id string) error {
	res, err := s.exec(ctx, "delete mapping", `DELETE FROM mappings WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return affected(res, diagnostics.ErrUnknownMapping, id)
}

// PutRule saves the current version of a rule.
func (s *SQLStore) PutRule(ctx context.Context, r override.Rule) error {
	body, err := encode(r)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, "put rule", `
		INSERT INTO override_rules (id, version, body) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET version = excluded.version, body = excluded.body`,
		r.ID, r.Version, body)
	return err
}

func (s *SQLStore) DeleteRule(ctx context.Context, id string) error {
	res, err := s.exec(ctx, "delete rule", `DELETE FROM override_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return affected(res, diagnostics.ErrUnknownRule, id)
}

// PutFeedback appends a feedback record.
func (s *SQLStore) PutFeedback(ctx context.Context, f scoring.Feedback) error {
	body, err := encode(f)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, "put feedback",
		`INSERT INTO feedback (source_framework, target_framework, body) VALUES (?, ?, ?)`,
		f.SourceFramework, f.TargetFramework, body)
	return err
}

func affected(res sql.Result, sentinel error, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", sentinel, id)
	}
	return nil
}

// Save writes every entity of doc. Bulk loads use it instead of the change
// stream, whose subscriber buffers may drop events under a burst.
func (s *SQLStore) Save(ctx context.Context, doc *interchange.Document) error {
	for _, def := range doc.Frameworks {
		if err := s.PutFramework(ctx, def); err != nil {
			return err
		}
	}
	for _, b := range doc.Baselines {
		if err := s.PutBaseline(ctx, b); err != nil {
			return err
		}
	}
	for _, m := range doc.Mappings {
		if err := s.PutMapping(ctx, m); err != nil {
			return err
		}
	}
	for _, r := range doc.Rules {
		if err := s.PutRule(ctx, r); err != nil {
			return err
		}
	}
	for _, f := range doc.Feedback {
		if err := s.PutFeedback(ctx, f); err != nil {
			return err
		}
	}
	s.logger.Info("state saved",
		"frameworks", len(doc.Frameworks), "mappings", len(doc.Mappings),
		"rules", len(doc.Rules), "feedback", len(doc.Feedback))
	return nil
}

// Load reads the saved state as an interchange document, ready for
// interchange.Restore.
func (s *SQLStore) Load(ctx context.Context) (*interchange.Document, error) {
	doc := &interchange.Document{SchemaVersion: interchange.SchemaVersion}
	var err error
	if doc.Frameworks, err = loadAll[catalog.Definition](ctx, s, "frameworks", `SELECT definition FROM frameworks ORDER BY id`); err != nil {
		return nil, err
	}
	if doc.Baselines, err = loadAll[gap.Baseline](ctx, s, "baselines", `SELECT body FROM baselines ORDER BY id`); err != nil {
		return nil, err
	}
	if doc.Mappings, err = loadAll[mapping.Mapping](ctx, s, "mappings", `SELECT body FROM mappings ORDER BY id`); err != nil {
		return nil, err
	}
	if doc.Rules, err = loadAll[override.Rule](ctx, s, "rules", `SELECT body FROM override_rules ORDER BY id`); err != nil {
		return nil, err
	}
	if doc.Feedback, err = loadAll[scoring.Feedback](ctx, s, "feedback", `SELECT body FROM feedback ORDER BY seq`); err != nil {
		return nil, err
	}
	doc.Normalize()
	s.logger.Info("state loaded",
		"frameworks", len(doc.Frameworks), "mappings", len(doc.Mappings),
		"rules", len(doc.Rules), "feedback", len(doc.Feedback))
	return doc, nil
}

func loadAll[T any](ctx context.Context, s *SQLStore, what, query string) ([]T, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query))
	if err != nil {
		return nil, fmt.Errorf("store: load %s: %w", what, err)
	}
	defer func() { _ = rows.Close() }()

	var out []T
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("store: scan %s: %w", what, err)
		}
		var v T
		if err := json.Unmarshal([]byte(body), &v); err != nil {
			return nil, fmt.Errorf("store: decode %s: %w", what, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: load %s: %w", what, err)
	}
	return out, nil
}
