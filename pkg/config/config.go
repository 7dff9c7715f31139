// Package config holds crosswalk configuration: scoring weights, analysis
// thresholds, and the optional persistence, relay, archive and telemetry
// collaborators. Defaults come from Default; Load applies CROSSWALK_*
// environment overrides and LoadFile reads a YAML file first.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/crosswalk/pkg/observability"
	"github.com/Mindburn-Labs/crosswalk/pkg/scoring"
)

// Config is the full engine and CLI configuration.
type Config struct {
	LogLevel string `yaml:"log_level" json:"log_level"`

	Weights             scoring.Weights `yaml:"weights" json:"weights"`
	MinConfidence       float64         `yaml:"min_confidence" json:"min_confidence"`
	PartialWeight       float64         `yaml:"partial_weight" json:"partial_weight"`
	SuggestThreshold    float64         `yaml:"suggest_threshold" json:"suggest_threshold"`
	EquivalentThreshold float64         `yaml:"equivalent_threshold" json:"equivalent_threshold"`
	VerifiedThreshold   float64         `yaml:"verified_threshold" json:"verified_threshold"`
	EscalateMandatory   bool            `yaml:"escalate_mandatory" json:"escalate_mandatory"`
	HistoryBuckets      int             `yaml:"history_buckets" json:"history_buckets"`
	Parallelism         int             `yaml:"parallelism" json:"parallelism"`
	EventBuffer         int             `yaml:"event_buffer" json:"event_buffer"`

	Database  DatabaseConfig       `yaml:"database" json:"database"`
	Redis     RedisConfig          `yaml:"redis" json:"redis"`
	Archive   ArchiveConfig        `yaml:"archive" json:"archive"`
	Telemetry observability.Config `yaml:"telemetry" json:"telemetry"`
}

// DatabaseConfig selects the SQL persistence collaborator. An empty driver
// disables persistence.
type DatabaseConfig struct {
	Driver string `yaml:"driver" json:"driver"` // "sqlite" | "postgres"
	URL    string `yaml:"url" json:"url"`
}

// RedisConfig configures the change-event relay. An empty Addr disables it.
type RedisConfig struct {
	Addr     string  `yaml:"addr" json:"addr"`
	Password string  `yaml:"password,omitempty" json:"-"`
	DB       int     `yaml:"db" json:"db"`
	Channel  string  `yaml:"channel" json:"channel"`
	Rate     float64 `yaml:"rate" json:"rate"` // events per second, 0 = unlimited
	Burst    int     `yaml:"burst" json:"burst"`
}

// ArchiveConfig selects the blob archive for export documents.
type ArchiveConfig struct {
	Type     string `yaml:"type" json:"type"` // "fs" | "s3" | "gcs"
	Dir      string `yaml:"dir" json:"dir"`
	Bucket   string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Region   string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"` // MinIO, LocalStack
	Prefix   string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		LogLevel:            "INFO",
		Weights:             scoring.DefaultWeights(),
		MinConfidence:       0.5,
		PartialWeight:       0.5,
		SuggestThreshold:    0.6,
		EquivalentThreshold: 0.9,
		VerifiedThreshold:   0.8,
		EscalateMandatory:   true,
		HistoryBuckets:      10,
		Parallelism:         runtime.GOMAXPROCS(0),
		EventBuffer:         64,
		Redis: RedisConfig{
			Channel: "crosswalk.events",
			Rate:    50,
			Burst:   10,
		},
		Archive: ArchiveConfig{
			Type: "fs",
			Dir:  "data/archive",
		},
		Telemetry: *observability.DefaultConfig(),
	}
}

// Load returns the defaults with environment overrides applied.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a YAML file over the defaults, then applies environment
// overrides. Unknown keys are rejected.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if err := c.Weights.Validate(); err != nil {
		errs = append(errs, err)
	}
	for name, v := range map[string]float64{
		"min_confidence":        c.MinConfidence,
		"partial_weight":        c.PartialWeight,
		"suggest_threshold":     c.SuggestThreshold,
		"equivalent_threshold":  c.EquivalentThreshold,
		"verified_threshold":    c.VerifiedThreshold,
		"telemetry.sample_rate": c.Telemetry.SampleRate,
	} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %v", name, v))
		}
	}
	if c.HistoryBuckets < 1 {
		errs = append(errs, fmt.Errorf("history_buckets must be positive, got %d", c.HistoryBuckets))
	}
	if c.Parallelism < 0 {
		errs = append(errs, fmt.Errorf("parallelism must not be negative, got %d", c.Parallelism))
	}
	if c.EventBuffer < 1 {
		errs = append(errs, fmt.Errorf("event_buffer must be positive, got %d", c.EventBuffer))
	}
	switch c.Database.Driver {
	case "", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q", c.Database.Driver))
	}
	if c.Database.Driver != "" && c.Database.URL == "" {
		errs = append(errs, fmt.Errorf("database driver %s requires a url", c.Database.Driver))
	}
	switch c.Archive.Type {
	case "fs", "s3", "gcs":
	default:
		errs = append(errs, fmt.Errorf("unsupported archive type %q", c.Archive.Type))
	}
	if c.Redis.Rate < 0 {
		errs = append(errs, fmt.Errorf("redis.rate must not be negative, got %v", c.Redis.Rate))
	}
	return errors.Join(errs...)
}

// SlogLevel returns the configured level, defaulting to INFO.
func (c *Config) SlogLevel() slog.Level {
	l, err := ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

// ParseLevel accepts DEBUG, INFO, WARN and ERROR in any case.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// env collects parse failures so every bad variable is reported at once.
type env struct{ errs []error }

func (e *env) setString(dst *string, keys ...string) {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			*dst = v
			return
		}
	}
}

func (e *env) setFloat(dst *float64, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = f
}

func (e *env) setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (e *env) setBool(dst *bool, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

func (e *env) setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

func (c *Config) applyEnv() error {
	var e env
	e.setString(&c.LogLevel, "CROSSWALK_LOG_LEVEL", "LOG_LEVEL")

	e.setFloat(&c.Weights.Textual, "CROSSWALK_WEIGHT_TEXTUAL")
	e.setFloat(&c.Weights.Structural, "CROSSWALK_WEIGHT_STRUCTURAL")
	e.setFloat(&c.Weights.Provenance, "CROSSWALK_WEIGHT_PROVENANCE")
	e.setFloat(&c.Weights.Historical, "CROSSWALK_WEIGHT_HISTORICAL")
	e.setFloat(&c.MinConfidence, "CROSSWALK_MIN_CONFIDENCE")
	e.setFloat(&c.PartialWeight, "CROSSWALK_PARTIAL_WEIGHT")
	e.setFloat(&c.SuggestThreshold, "CROSSWALK_SUGGEST_THRESHOLD")
	e.setFloat(&c.EquivalentThreshold, "CROSSWALK_EQUIVALENT_THRESHOLD")
	e.setFloat(&c.VerifiedThreshold, "CROSSWALK_VERIFIED_THRESHOLD")
	e.setBool(&c.EscalateMandatory, "CROSSWALK_ESCALATE_MANDATORY")
	e.setInt(&c.HistoryBuckets, "CROSSWALK_HISTORY_BUCKETS")
	e.setInt(&c.Parallelism, "CROSSWALK_PARALLELISM")
	e.setInt(&c.EventBuffer, "CROSSWALK_EVENT_BUFFER")

	e.setString(&c.Database.Driver, "CROSSWALK_DATABASE_DRIVER")
	e.setString(&c.Database.URL, "CROSSWALK_DATABASE_URL", "DATABASE_URL")

	e.setString(&c.Redis.Addr, "CROSSWALK_REDIS_ADDR")
	e.setString(&c.Redis.Password, "CROSSWALK_REDIS_PASSWORD")
	e.setInt(&c.Redis.DB, "CROSSWALK_REDIS_DB")
	e.setString(&c.Redis.Channel, "CROSSWALK_REDIS_CHANNEL")
	e.setFloat(&c.Redis.Rate, "CROSSWALK_RELAY_RATE")
	e.setInt(&c.Redis.Burst, "CROSSWALK_RELAY_BURST")

	e.setString(&c.Archive.Type, "CROSSWALK_ARCHIVE_TYPE")
	e.setString(&c.Archive.Dir, "CROSSWALK_ARCHIVE_DIR")
	e.setString(&c.Archive.Bucket, "CROSSWALK_ARCHIVE_BUCKET")
	e.setString(&c.Archive.Region, "CROSSWALK_ARCHIVE_REGION", "AWS_REGION")
	e.setString(&c.Archive.Endpoint, "CROSSWALK_ARCHIVE_ENDPOINT")
	e.setString(&c.Archive.Prefix, "CROSSWALK_ARCHIVE_PREFIX")

	e.setBool(&c.Telemetry.Enabled, "CROSSWALK_TELEMETRY_ENABLED")
	e.setString(&c.Telemetry.OTLPEndpoint, "CROSSWALK_TELEMETRY_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	e.setBool(&c.Telemetry.Insecure, "CROSSWALK_TELEMETRY_INSECURE")
	e.setFloat(&c.Telemetry.SampleRate, "CROSSWALK_TELEMETRY_SAMPLE_RATE")
	e.setDuration(&c.Telemetry.BatchTimeout, "CROSSWALK_TELEMETRY_BATCH_TIMEOUT")
	e.setString(&c.Telemetry.Environment, "CROSSWALK_ENVIRONMENT")

	if len(e.errs) > 0 {
		return fmt.Errorf("invalid environment: %w", errors.Join(e.errs...))
	}
	return nil
}
