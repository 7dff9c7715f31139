package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/crosswalk/pkg/builtin"
	"github.com/Mindburn-Labs/crosswalk/pkg/config"
	"github.com/Mindburn-Labs/crosswalk/pkg/engine"
	"github.com/Mindburn-Labs/crosswalk/pkg/events"
	"github.com/Mindburn-Labs/crosswalk/pkg/interchange"
	"github.com/Mindburn-Labs/crosswalk/pkg/observability"
	"github.com/Mindburn-Labs/crosswalk/pkg/store"
)

var errUsage = errors.New("usage")

// commonFlags are accepted by every engine-backed command.
type commonFlags struct {
	configPath string
	in         string
	db         string
	format     string
	logLevel   string
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	fs.StringVar(&c.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&c.in, "in", "", "Interchange document to start from")
	fs.StringVar(&c.db, "db", "", "SQLite file or postgres:// URL with persisted state")
	fs.StringVar(&c.format, "format", "text", "Output format: text or json")
	fs.StringVar(&c.logLevel, "log-level", "", "Log level (DEBUG, INFO, WARN, ERROR)")
	return c
}

func (c *commonFlags) validate() error {
	if c.format != "text" && c.format != "json" {
		return fmt.Errorf("%w: --format must be text or json, got %q", errUsage, c.format)
	}
	if c.in != "" && c.db != "" {
		return fmt.Errorf("%w: --in and --db are mutually exclusive", errUsage)
	}
	return nil
}

func (c *commonFlags) json() bool { return c.format == "json" }

func (c *commonFlags) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if c.configPath != "" {
		cfg, err = config.LoadFile(c.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if c.logLevel != "" {
		if _, err := config.ParseLevel(c.logLevel); err != nil {
			return nil, fmt.Errorf("%w: %v", errUsage, err)
		}
		cfg.LogLevel = c.logLevel
	}
	if c.db != "" {
		cfg.Database = databaseConfig(c.db)
	}
	return cfg, nil
}

// databaseConfig treats postgres URLs as Postgres and anything else as a
// SQLite file.
func databaseConfig(dsn string) config.DatabaseConfig {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return config.DatabaseConfig{Driver: "postgres", URL: dsn}
	}
	return config.DatabaseConfig{Driver: "sqlite", URL: dsn}
}

// session is one engine plus the collaborators wired around it for a
// single command.
type session struct {
	cfg    *config.Config
	logger *slog.Logger
	eng    *engine.Engine
	obs    *observability.Provider
	db     *store.SQLStore

	wg      sync.WaitGroup
	closers []func() error
}

type sessionOptions struct {
	// empty skips seeding, for commands that bring their own state.
	empty bool
}

func openSession(ctx context.Context, c *commonFlags, stderr io.Writer, opts sessionOptions) (*session, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	s := &session{cfg: cfg, logger: logger}
	s.obs, err = observability.New(ctx, &cfg.Telemetry, observability.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.obs.Shutdown(sctx)
	})

	s.eng, err = engine.New(cfg, engine.WithLogger(logger), engine.WithProvider(s.obs))
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.load(ctx, c, opts); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.startRelay(ctx)
	return s, nil
}

// load restores the starting state. With a database, the persister is
// subscribed after replaying saved state so nothing is written back twice.
func (s *session) load(ctx context.Context, c *commonFlags, opts sessionOptions) error {
	if s.cfg.Database.Driver != "" {
		db, err := store.Open(ctx, s.cfg.Database, s.logger)
		if err != nil {
			return err
		}
		s.db = db
		s.closers = append(s.closers, db.Close)

		doc, err := db.Load(ctx)
		if err != nil {
			return err
		}
		if len(doc.Frameworks) > 0 {
			if opts.empty {
				return fmt.Errorf("database already holds %d frameworks", len(doc.Frameworks))
			}
			if _, err := interchange.Restore(ctx, s.eng, doc); err != nil {
				return err
			}
			s.startPersister(ctx)
			return nil
		}
		if opts.empty {
			return nil
		}
		s.logger.Info("database is empty, seeding builtin catalogs")
		doc, err = builtin.Document()
		if err != nil {
			return err
		}
		_, err = s.seed(ctx, doc)
		return err
	}
	if c.in != "" {
		doc, err := readDocument(c.in)
		if err != nil {
			return err
		}
		_, err = interchange.Restore(ctx, s.eng, doc)
		return err
	}
	if opts.empty {
		return nil
	}
	doc, err := builtin.Document()
	if err != nil {
		return err
	}
	_, err = interchange.Restore(ctx, s.eng, doc)
	return err
}

// seed restores doc into the engine and, with a database, saves the
// resulting state in bulk before following further changes.
func (s *session) seed(ctx context.Context, doc *interchange.Document) (interchange.Restored, error) {
	restored, err := interchange.Restore(ctx, s.eng, doc)
	if err != nil {
		return restored, err
	}
	if s.db == nil {
		return restored, nil
	}
	state, err := s.eng.Export(ctx)
	if err != nil {
		return restored, err
	}
	if err := s.db.Save(ctx, state); err != nil {
		return restored, err
	}
	s.startPersister(ctx)
	return restored, nil
}

func (s *session) startPersister(ctx context.Context) {
	p := store.NewPersister(s.db, s.logger)
	sub := s.eng.SubscribeDurable()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// The subscription closes with the engine, after the last write.
		if err := p.Run(context.WithoutCancel(ctx), sub); err != nil {
			s.logger.Error("persister stopped", "error", err)
		}
	}()
}

// startRelay forwards change events to Redis when an address is configured
// and reachable.
func (s *session) startRelay(ctx context.Context) {
	rc := s.cfg.Redis
	if rc.Addr == "" {
		return
	}
	pub := events.NewRedisPublisher(rc.Addr, rc.Password, rc.DB, rc.Channel)
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := pub.Ping(pctx); err != nil {
		s.logger.Warn("redis unavailable, change events are not relayed", "addr", rc.Addr, "error", err)
		_ = pub.Close()
		return
	}
	relay := events.NewRelay(pub, rc.Rate, rc.Burst, s.logger)
	sub := s.eng.Subscribe(0)
	s.closers = append(s.closers, pub.Close)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := relay.Run(context.WithoutCancel(ctx), sub); err != nil {
			s.logger.Warn("relay stopped", "error", err)
		}
	}()
}

// Close stops the engine, waits for the background writers to drain and
// releases the collaborators in reverse order.
func (s *session) Close() error {
	var errs []error
	if s.eng != nil {
		errs = append(errs, s.eng.Close())
	}
	s.wg.Wait()
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

func readDocument(path string) (*interchange.Document, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied document path
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return interchange.Decode(data)
}
