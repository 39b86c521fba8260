// Package config loads the server configuration from YAML, applies defaults
// and lets command-line flags override the common settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"disburse/internal/domain"
	"disburse/internal/scheduler"
)

type Config struct {
	HTTP      HTTP      `yaml:"http"`
	Database  Database  `yaml:"database"`
	Scheduler Scheduler `yaml:"scheduler"`
	Election  Election  `yaml:"election"`
	Executor  Executor  `yaml:"executor"`
	Broker    Broker    `yaml:"broker"`
	Reconcile Reconcile `yaml:"reconcile"`
	Log       Log       `yaml:"log"`
}

type HTTP struct {
	Addr  string `yaml:"addr"`
	Debug bool   `yaml:"debug"`
}

type Database struct {
	Driver string `yaml:"driver"` // sqlite or pgx
	DSN    string `yaml:"dsn"`
}

type Scheduler struct {
	FeedRPM       int           `yaml:"feedRPM"`
	Workers       int           `yaml:"workers"`
	BatchSize     int           `yaml:"batchSize"`
	TaskTimeout   time.Duration `yaml:"taskTimeout"`
	ErrorCooldown time.Duration `yaml:"errorCooldown"`
}

type Election struct {
	Mode       string        `yaml:"mode"` // lease, http or always
	LeaseTTL   time.Duration `yaml:"leaseTTL"`
	CacheTTL   time.Duration `yaml:"cacheTTL"`
	ElectorURL string        `yaml:"electorURL"`
	Identity   string        `yaml:"identity"`
}

type Executor struct {
	BaseURL string        `yaml:"baseURL"`
	Timeout time.Duration `yaml:"timeout"`
}

// Broker configures the receipt queue. An empty Addr disables receipt
// consumption; status polling still confirms instructions.
type Broker struct {
	Addr          string        `yaml:"addr"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	Queue         string        `yaml:"queue"`
	LeaderOnly    bool          `yaml:"leaderOnly"`
	PollTimeout   time.Duration `yaml:"pollTimeout"`
	DeadLetterMax int           `yaml:"deadLetterMax"`
}

type Reconcile struct {
	Cron    string          `yaml:"cron"`
	Systems []domain.System `yaml:"systems"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

func Default() Config {
	return Config{
		HTTP:     HTTP{Addr: ":8080"},
		Database: Database{Driver: "sqlite", DSN: "disburse.db"},
		Scheduler: Scheduler{
			FeedRPM:       120,
			Workers:       8,
			BatchSize:     50,
			TaskTimeout:   45 * time.Second,
			ErrorCooldown: 10 * time.Second,
		},
		Election: Election{
			Mode:     "lease",
			LeaseTTL: time.Minute,
			CacheTTL: 2 * time.Second,
		},
		Executor: Executor{Timeout: 30 * time.Second},
		Broker: Broker{
			Queue:         "disburse:receipts",
			PollTimeout:   5 * time.Second,
			DeadLetterMax: 10,
		},
		Reconcile: Reconcile{
			Cron:    "0 6 * * *",
			Systems: append([]domain.System(nil), domain.Systems...),
		},
		Log: Log{Level: "info", Format: "json"},
	}
}

// Load reads path on top of the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// AddFlags binds the settings most often changed per deployment. Flags win
// over the file.
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.HTTP.Addr, "addr", c.HTTP.Addr, "HTTP bind address")
	fs.BoolVar(&c.HTTP.Debug, "debug", c.HTTP.Debug, "Enables pprof handlers.")
	fs.StringVar(&c.Database.Driver, "db-driver", c.Database.Driver, "Database driver: sqlite or pgx.")
	fs.StringVar(&c.Database.DSN, "db", c.Database.DSN, "Database file (sqlite) or connection string (pgx).")
	fs.IntVar(&c.Scheduler.Workers, "workers", c.Scheduler.Workers, "Number of task groups processed in parallel.")
	fs.StringVar(&c.Election.Mode, "election", c.Election.Mode, "Leader election: lease, http or always.")
	fs.StringVar(&c.Executor.BaseURL, "executor-url", c.Executor.BaseURL, "Base URL of the payment execution service.")
	fs.StringVar(&c.Broker.Addr, "redis-addr", c.Broker.Addr, "Redis address of the receipt queue. Empty disables receipts.")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "Log level.")
	fs.StringVar(&c.Log.Format, "log-format", c.Log.Format, "Log format: json or console.")
}

func (c Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "pgx":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver))
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, errors.New("database.dsn: required"))
	}

	s := c.Scheduler
	if s.FeedRPM <= 0 {
		errs = append(errs, errors.New("scheduler.feedRPM: must be positive"))
	}
	if s.Workers <= 0 {
		errs = append(errs, errors.New("scheduler.workers: must be positive"))
	}
	if s.BatchSize <= 0 {
		errs = append(errs, errors.New("scheduler.batchSize: must be positive"))
	}
	if s.TaskTimeout <= 0 {
		errs = append(errs, errors.New("scheduler.taskTimeout: must be positive"))
	}

	switch c.Election.Mode {
	case "lease":
		// The engine renews the lease between tasks, and a cached answer can be
		// cacheTTL old, so one task must fit in the lease.
		if c.Election.LeaseTTL <= 0 {
			errs = append(errs, errors.New("election.leaseTTL: must be positive"))
		} else if c.Election.LeaseTTL <= s.TaskTimeout+c.Election.CacheTTL {
			errs = append(errs, fmt.Errorf("election.leaseTTL: must exceed scheduler.taskTimeout plus election.cacheTTL (%s)",
				s.TaskTimeout+c.Election.CacheTTL))
		}
	case "http":
		if c.Election.ElectorURL == "" {
			errs = append(errs, errors.New("election.electorURL: required in http mode"))
		}
	case "always":
	default:
		errs = append(errs, fmt.Errorf("election.mode: unknown mode %q", c.Election.Mode))
	}

	if c.Executor.BaseURL == "" {
		errs = append(errs, errors.New("executor.baseURL: required"))
	}

	if err := scheduler.ValidateCronExpression(c.Reconcile.Cron); err != nil {
		errs = append(errs, fmt.Errorf("reconcile.cron: %w", err))
	}
	for _, sys := range c.Reconcile.Systems {
		if _, err := domain.ParseSystem(string(sys)); err != nil {
			errs = append(errs, fmt.Errorf("reconcile.systems: %w", err))
		}
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
