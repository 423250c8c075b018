/*
Package config loads the engine configuration from YAML.

PURPOSE:
  One file configures every component. Load applies defaults for anything
  the file leaves out, then validates the result.

EXAMPLE (config.yaml):
  storage:
    path: ./data/facts.db
    timeout: 30s
  landing:
    dir: ./landing
    processed_dir: ./processed
  staging:
    min_valid_fraction: 0.9
  aggregation:
    grain: month
  merge:
    max_attempts: 5
  dimensions:
    require_fresh: true
    max_age: 24h
  server:
    addr: ":8080"

SEE ALSO:
  - cmd/factengine/main.go: --config flag
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/warp/fact-engine/core"
	"github.com/warp/fact-engine/merge"
	"github.com/warp/fact-engine/staging"
)

// Config is the root configuration.
type Config struct {
	Storage     StorageConfig     `yaml:"storage"`
	Landing     LandingConfig     `yaml:"landing"`
	Staging     StagingConfig     `yaml:"staging"`
	Resolver    ResolverConfig    `yaml:"resolver"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Merge       MergeConfig       `yaml:"merge"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Dimensions  DimensionsConfig  `yaml:"dimensions"`
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// StorageConfig selects the fact store.
type StorageConfig struct {
	Driver  string        `yaml:"driver"`
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

// LandingConfig locates increment files.
type LandingConfig struct {
	Dir          string `yaml:"dir"`
	ProcessedDir string `yaml:"processed_dir"`
	Pattern      string `yaml:"pattern"`
}

// StagingConfig controls parsing and the quality gate.
type StagingConfig struct {
	Columns          staging.Columns `yaml:"columns"`
	DateFormats      []string        `yaml:"date_formats"`
	MinValidFraction *float64        `yaml:"min_valid_fraction"`
	Delimiter        string          `yaml:"delimiter"`
}

// ResolverConfig controls reference resolution.
type ResolverConfig struct {
	QuarantineUnresolved bool `yaml:"quarantine_unresolved"`
}

// AggregationConfig sets the fact grain.
type AggregationConfig struct {
	Grain string `yaml:"grain"`
}

// MergeConfig tunes the merge engine.
type MergeConfig struct {
	MaxAttempts        int           `yaml:"max_attempts"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	BackoffMax         time.Duration `yaml:"backoff_max"`
	RebuildFromHistory *bool         `yaml:"rebuild_from_history"`
}

// PipelineConfig bounds run concurrency.
type PipelineConfig struct {
	Workers int `yaml:"workers"`
}

// DimensionsConfig sets the freshness precondition.
type DimensionsConfig struct {
	RequireFresh bool          `yaml:"require_fresh"`
	MaxAge       time.Duration `yaml:"max_age"`
}

// ServerConfig configures the admin API.
type ServerConfig struct {
	Addr          string        `yaml:"addr"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./data/facts.db"
	}
	if c.Storage.Timeout == 0 {
		c.Storage.Timeout = 30 * time.Second
	}

	if c.Landing.Dir == "" {
		c.Landing.Dir = "./landing"
	}
	if c.Landing.ProcessedDir == "" {
		c.Landing.ProcessedDir = "./processed"
	}
	if c.Landing.Pattern == "" {
		c.Landing.Pattern = staging.DefaultPattern
	}

	def := staging.DefaultOptions()
	if c.Staging.Columns.Date == "" {
		c.Staging.Columns.Date = def.Columns.Date
	}
	if c.Staging.Columns.Customer == "" {
		c.Staging.Columns.Customer = def.Columns.Customer
	}
	if c.Staging.Columns.Product == "" {
		c.Staging.Columns.Product = def.Columns.Product
	}
	if c.Staging.Columns.Quantity == "" {
		c.Staging.Columns.Quantity = def.Columns.Quantity
	}
	if len(c.Staging.DateFormats) == 0 {
		c.Staging.DateFormats = def.DateFormats
	}
	if c.Staging.MinValidFraction == nil {
		fraction := def.MinValidFraction
		c.Staging.MinValidFraction = &fraction
	}
	if c.Staging.Delimiter == "" {
		c.Staging.Delimiter = ","
	}

	if c.Aggregation.Grain == "" {
		c.Aggregation.Grain = string(core.GrainMonth)
	}

	md := merge.DefaultConfig()
	if c.Merge.MaxAttempts == 0 {
		c.Merge.MaxAttempts = md.MaxAttempts
	}
	if c.Merge.BackoffBase == 0 {
		c.Merge.BackoffBase = md.BackoffBase
	}
	if c.Merge.BackoffMax == 0 {
		c.Merge.BackoffMax = md.BackoffMax
	}
	if c.Merge.RebuildFromHistory == nil {
		rebuild := md.RebuildFromHistory
		c.Merge.RebuildFromHistory = &rebuild
	}

	if c.Pipeline.Workers == 0 {
		c.Pipeline.Workers = 4
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.SweepInterval == 0 {
		c.Server.SweepInterval = 5 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Storage.Driver != "sqlite" {
		errs = append(errs, fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver))
	}
	if c.Storage.Timeout < 0 {
		errs = append(errs, errors.New("storage.timeout must not be negative"))
	}
	if c.Landing.Dir == c.Landing.ProcessedDir {
		errs = append(errs, errors.New("landing.processed_dir must differ from landing.dir"))
	}
	if f := c.Staging.MinValidFraction; f != nil && (*f < 0 || *f > 1) {
		errs = append(errs, errors.New("staging.min_valid_fraction must be within [0, 1]"))
	}
	if len([]rune(c.Staging.Delimiter)) != 1 {
		errs = append(errs, errors.New("staging.delimiter must be a single character"))
	}
	if _, err := core.ParseGrain(c.Aggregation.Grain); err != nil {
		errs = append(errs, fmt.Errorf("aggregation.grain: %w", err))
	}
	if c.Merge.MaxAttempts < 1 {
		errs = append(errs, errors.New("merge.max_attempts must be at least 1"))
	}
	if c.Merge.BackoffMax < c.Merge.BackoffBase {
		errs = append(errs, errors.New("merge.backoff_max must not be below merge.backoff_base"))
	}
	if c.Pipeline.Workers < 1 {
		errs = append(errs, errors.New("pipeline.workers must be at least 1"))
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}

	return errors.Join(errs...)
}

// =============================================================================
// COMPONENT VIEWS
// =============================================================================

// Grain returns the parsed aggregation grain.
func (c *Config) Grain() core.Grain {
	g, _ := core.ParseGrain(c.Aggregation.Grain)
	return g
}

// StagingOptions converts the staging section for the loader.
func (c *Config) StagingOptions() staging.Options {
	return staging.Options{
		Columns:          c.Staging.Columns,
		DateFormats:      c.Staging.DateFormats,
		MinValidFraction: *c.Staging.MinValidFraction,
		Delimiter:        []rune(c.Staging.Delimiter)[0],
	}
}

// MergeEngineConfig converts the merge section for the engine.
func (c *Config) MergeEngineConfig() merge.Config {
	return merge.Config{
		MaxAttempts:        c.Merge.MaxAttempts,
		BackoffBase:        c.Merge.BackoffBase,
		BackoffMax:         c.Merge.BackoffMax,
		Timeout:            c.Storage.Timeout,
		RebuildFromHistory: *c.Merge.RebuildFromHistory,
	}
}

// NewLogger builds the configured zap logger.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Logging.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
