package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fact-engine/core"
)

func TestParse_AppliesDefaults(t *testing.T) {
	c, err := Parse([]byte("landing:\n  dir: /srv/landing\n"))
	require.NoError(t, err)

	assert.Equal(t, "/srv/landing", c.Landing.Dir)
	assert.Equal(t, "./processed", c.Landing.ProcessedDir)
	assert.Equal(t, "*.csv", c.Landing.Pattern)
	assert.Equal(t, core.GrainMonth, c.Grain())
	assert.Equal(t, "order_qty", c.Staging.Columns.Quantity)
	assert.Equal(t, 0.9, *c.Staging.MinValidFraction)
	assert.Equal(t, 5, c.Merge.MaxAttempts)
	assert.True(t, *c.Merge.RebuildFromHistory)
	assert.Equal(t, 30*time.Second, c.Storage.Timeout)
	assert.Equal(t, 4, c.Pipeline.Workers)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  path: /tmp/facts.db
  timeout: 2s
staging:
  delimiter: ";"
  columns:
    quantity: qty
aggregation:
  grain: quarter
merge:
  max_attempts: 2
  backoff_base: 10ms
  backoff_max: 100ms
  rebuild_from_history: false
dimensions:
  require_fresh: true
  max_age: 24h
`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, core.GrainQuarter, c.Grain())
	assert.True(t, c.Dimensions.RequireFresh)
	assert.Equal(t, 24*time.Hour, c.Dimensions.MaxAge)

	opts := c.StagingOptions()
	assert.Equal(t, ';', opts.Delimiter)
	assert.Equal(t, "qty", opts.Columns.Quantity)
	assert.Equal(t, "customer_id", opts.Columns.Customer)

	mc := c.MergeEngineConfig()
	assert.Equal(t, 2, mc.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, mc.BackoffBase)
	assert.Equal(t, 2*time.Second, mc.Timeout)
	assert.False(t, mc.RebuildFromHistory)
}

func TestParse_KeepsZeroMinValidFraction(t *testing.T) {
	// GIVEN: A config that turns the quality gate off
	c, err := Parse([]byte("staging:\n  min_valid_fraction: 0\n"))

	// THEN: The zero survives defaulting
	require.NoError(t, err)
	require.NotNil(t, c.Staging.MinValidFraction)
	assert.Equal(t, 0.0, *c.Staging.MinValidFraction)
	assert.Equal(t, 0.0, c.StagingOptions().MinValidFraction)
}

func TestValidate_CollectsErrors(t *testing.T) {
	_, err := Parse([]byte(`
aggregation:
  grain: fortnight
pipeline:
  workers: -1
staging:
  min_valid_fraction: 1.5
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aggregation.grain")
	assert.Contains(t, err.Error(), "pipeline.workers")
	assert.Contains(t, err.Error(), "min_valid_fraction")
}

func TestNewLogger(t *testing.T) {
	c := Default()
	c.Logging.Level = "debug"

	log, err := c.NewLogger()
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(-1))
}
