// Package app wires the components of a disburse replica together.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"disburse/internal/api"
	"disburse/internal/broker"
	"disburse/internal/config"
	"disburse/internal/domain"
	"disburse/internal/election"
	"disburse/internal/executor"
	"disburse/internal/handlers/reconcile"
	"disburse/internal/handlers/status"
	"disburse/internal/handlers/submit"
	"disburse/internal/instruction"
	"disburse/internal/metrics"
	"disburse/internal/queue"
	"disburse/internal/receipt"
	"disburse/internal/scheduler"
	"disburse/internal/store"
)

const leaseName = "scheduler"

type App struct {
	cfg        config.Config
	db         *store.DB
	engine     *scheduler.Engine
	handler    http.Handler
	lease      *election.Lease
	broker     *broker.Redis
	correlator *receipt.Correlator
}

// New opens and migrates the database and builds every component. Nothing
// runs until Run.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	metrics.Register()

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	a := &App{cfg: cfg, db: db}
	leader := a.elector()

	policies := scheduler.DefaultPolicies()
	exec := executor.NewClient(cfg.Executor.BaseURL, cfg.Executor.Timeout)
	a.engine, err = scheduler.NewEngine(queue.New(db), leader, policies, scheduler.Config{
		FeedRPM:       cfg.Scheduler.FeedRPM,
		Workers:       cfg.Scheduler.Workers,
		BatchSize:     cfg.Scheduler.BatchSize,
		TaskTimeout:   cfg.Scheduler.TaskTimeout,
		ErrorCooldown: cfg.Scheduler.ErrorCooldown,
	},
		submit.New(db, exec),
		status.New(db, exec, policies.For(domain.KindPollStatus)),
		reconcile.New(db, exec, cfg.Reconcile.Cron),
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	if cfg.Broker.Addr != "" {
		a.broker = broker.NewRedis(broker.Config{
			Addr:          cfg.Broker.Addr,
			Password:      cfg.Broker.Password,
			DB:            cfg.Broker.DB,
			Key:           cfg.Broker.Queue,
			PollTimeout:   cfg.Broker.PollTimeout,
			DeadLetterMax: cfg.Broker.DeadLetterMax,
		})
		var consumerLeader receipt.Leader
		if cfg.Broker.LeaderOnly {
			consumerLeader = leader
		}
		a.correlator = receipt.NewCorrelator(db, a.broker, consumerLeader)
	}

	a.handler = api.NewServerWithDebug(db, instruction.NewService(db), policies, cfg.HTTP.Debug)
	return a, nil
}

func (a *App) elector() scheduler.Leader {
	e := a.cfg.Election
	identity := e.Identity
	if identity == "" {
		identity = election.Identity()
	}

	var inner election.Elector
	switch e.Mode {
	case "always":
		return election.Always{}
	case "http":
		inner = election.NewHTTP(e.ElectorURL, identity, 5*time.Second)
	default:
		a.lease = election.NewLease(a.db, leaseName, identity, e.LeaseTTL)
		inner = a.lease
	}
	if e.CacheTTL <= 0 {
		return inner
	}
	return election.NewCached(inner, e.CacheTTL)
}

func (a *App) Handler() http.Handler { return a.handler }

func (a *App) DB() *store.DB { return a.db }

// Run serves until ctx is cancelled, then shuts every component down and
// waits for the task batch in flight.
func (a *App) Run(ctx context.Context) error {
	if err := reconcile.Seed(ctx, a.db, a.cfg.Reconcile.Systems, a.cfg.Reconcile.Cron, time.Now()); err != nil {
		return fmt.Errorf("seed reconciliation: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.engine.Run(gctx) })

	if a.correlator != nil {
		if n, err := a.broker.Recover(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to recover unacknowledged receipts")
		} else if n > 0 {
			log.Info().Int("recovered", n).Msg("requeued unacknowledged receipts")
		}
		g.Go(func() error { return a.correlator.Run(gctx) })
	}

	var srv *http.Server
	if a.cfg.HTTP.Addr != "" {
		srv = &http.Server{Addr: a.cfg.HTTP.Addr, Handler: a.handler, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			log.Info().Str("addr", a.cfg.HTTP.Addr).Msg("HTTP server starting")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		a.engine.Close()
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}
		if a.lease != nil {
			if err := a.lease.Release(context.Background()); err != nil {
				log.Warn().Err(err).Msg("failed to release leader lease")
			}
		}
		return nil
	})
	return g.Wait()
}

func (a *App) Close() error {
	var errs []error
	if a.broker != nil {
		errs = append(errs, a.broker.Close())
	}
	errs = append(errs, a.db.Close())
	return errors.Join(errs...)
}
