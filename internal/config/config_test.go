package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bunkcore/pkg/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Priority.Keywords, 8)
	assert.Equal(t, "memory", cfg.Storage.Driver)
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bunkcore.yaml")
	data := []byte(`
storage:
  driver: sqlite
  sqlite_path: /tmp/camp.db
graph:
  group_max_size: 6
  split_strategy: sequential
solver:
  time_limit: 45s
  lock_ttl: 5m
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	t.Setenv("BUNKCORE_SOLVER_WORKERS", "4")
	t.Setenv("BUNKCORE_LOG_LEVEL", "debug")
	t.Setenv("BUNKCORE_PRIORITY_KEYWORDS", "must have,essential")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "/tmp/camp.db", cfg.Storage.SQLitePath)
	assert.Equal(t, 6, cfg.Graph.GroupMaxSize)
	assert.Equal(t, SplitSequential, cfg.Graph.SplitStrategy)
	assert.Equal(t, 45*time.Second, cfg.Solver.TimeLimit)
	assert.Equal(t, 4, cfg.Solver.Workers)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"must have", "essential"}, cfg.Priority.Keywords)
	assert.Equal(t, 8, cfg.Collect.Workers, "untouched sections keep defaults")
}

func TestValidateRejectsMalformedConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown storage driver", func(c *Config) { c.Storage.Driver = "mongo" }, "config.storage.driver"},
		{"s3 without bucket", func(c *Config) { c.Blob.Driver = "s3" }, "config.blob.s3bucket"},
		{"demoted at top tier", func(c *Config) { c.Priority.KeywordDemoted = 10 }, "config.priority.keyworddemoted"},
		{"increasing diminishing", func(c *Config) { c.Constraint.Diminishing = []float64{0.5, 0.9} }, "constraint.diminishing[1]"},
		{"max below min group", func(c *Config) { c.Graph.GroupMinSize = 5; c.Graph.GroupMaxSize = 4 }, "graph.group_max_size"},
		{"lock shorter than solve", func(c *Config) { c.Solver.LockTTL = time.Second }, "solver.lock_ttl"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrInvalidConfig))
			var cerr domain.ConfigError
			require.True(t, errors.As(err, &cerr))
			assert.Equal(t, tc.field, cerr.Field)
		})
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage: [unclosed"), 0o600))
	_, err := Load(path)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestPositionPriorityIsMonotonic(t *testing.T) {
	p := DefaultPriority()
	assert.Equal(t, 10, p.PositionPriority(1))
	assert.Equal(t, 9, p.PositionPriority(2))
	assert.Equal(t, 8, p.PositionPriority(3))
	prev := p.PositionPriority(1)
	for pos := 2; pos <= 20; pos++ {
		got := p.PositionPriority(pos)
		assert.LessOrEqual(t, got, prev)
		assert.GreaterOrEqual(t, got, p.PositionFloor)
		prev = got
	}
}

func TestConstraintHelpers(t *testing.T) {
	c := DefaultConstraint()
	assert.Equal(t, 1.5, c.Multiplier(domain.SourceStaff))
	assert.Equal(t, 1.0, c.Multiplier("unknown"))
	assert.Equal(t, 1.0, c.DiminishingFactor(0))
	assert.Equal(t, 0.7, c.DiminishingFactor(1))
	assert.Equal(t, 0.5, c.DiminishingFactor(7))
}
