package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"disburse/internal/domain"
)

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disburse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: pgx
  dsn: postgres://localhost/disburse
scheduler:
  taskTimeout: 40s
executor:
  baseURL: http://executor:8080
reconcile:
  systems: [DAGPENGER]
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Equal(t, 40*time.Second, cfg.Scheduler.TaskTimeout)
	assert.Equal(t, []domain.System{domain.SystemDagpenger}, cfg.Reconcile.Systems)
	assert.Equal(t, 120, cfg.Scheduler.FeedRPM, "untouched keys keep their default")
	assert.Equal(t, "lease", cfg.Election.Mode)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler: [1, 2"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestFlagsWinOverFile(t *testing.T) {
	cfg := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--election=always", "--executor-url=http://x", "--workers=2"}))

	assert.Equal(t, "always", cfg.Election.Mode)
	assert.Equal(t, "http://x", cfg.Executor.BaseURL)
	assert.Equal(t, 2, cfg.Scheduler.Workers)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"feed rate", func(c *Config) { c.Scheduler.FeedRPM = 0 }, "scheduler.feedRPM"},
		{"election mode", func(c *Config) { c.Election.Mode = "raft" }, "election.mode"},
		{"elector url", func(c *Config) { c.Election.Mode = "http" }, "election.electorURL"},
		{"cron", func(c *Config) { c.Reconcile.Cron = "every day" }, "reconcile.cron"},
		{"system", func(c *Config) { c.Reconcile.Systems = []domain.System{"AAP"} }, "reconcile.systems"},
		{"executor", func(c *Config) { c.Executor.BaseURL = "" }, "executor.baseURL"},
		{"lease shorter than a task", func(c *Config) { c.Election.LeaseTTL = 30 * time.Second }, "election.leaseTTL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Executor.BaseURL = "http://executor"
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
