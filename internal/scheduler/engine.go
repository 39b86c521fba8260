// Package scheduler drives every task in the ledger. One engine per
// deployment polls for due tasks while it holds leadership and hands each task
// to the strategy registered for its kind.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"disburse/internal/domain"
	"disburse/internal/metrics"
	"disburse/internal/queue"
)

// Strategy performs the work of one task kind. On success it completes or
// reschedules the task itself; on error the engine applies the retry policy.
type Strategy interface {
	Kind() domain.Kind
	Execute(ctx context.Context, task domain.Task) error
}

type Leader interface {
	IsLeader(ctx context.Context) (bool, error)
}

type Config struct {
	FeedRPM       int
	Workers       int
	BatchSize     int
	TaskTimeout   time.Duration
	ErrorCooldown time.Duration
}

func (c Config) interval() time.Duration {
	if c.FeedRPM <= 0 {
		return 500 * time.Millisecond
	}
	return time.Minute / time.Duration(c.FeedRPM)
}

type Engine struct {
	tasks      queue.Repository
	leader     Leader
	strategies map[domain.Kind]Strategy
	policies   Policies
	cfg        Config

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	closed  bool
	started bool
}

// NewEngine fails unless every task kind has exactly one strategy.
func NewEngine(tasks queue.Repository, leader Leader, policies Policies, cfg Config, strategies ...Strategy) (*Engine, error) {
	table := make(map[domain.Kind]Strategy, len(strategies))
	for _, s := range strategies {
		if _, dup := table[s.Kind()]; dup {
			return nil, fmt.Errorf("multiple strategies for task kind %s", s.Kind())
		}
		table[s.Kind()] = s
	}
	for _, k := range domain.Kinds {
		if _, ok := table[k]; !ok {
			return nil, fmt.Errorf("no strategy for task kind %s", k)
		}
	}
	if len(table) != len(domain.Kinds) {
		return nil, errors.New("strategy registered for unknown task kind")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	if cfg.ErrorCooldown <= 0 {
		cfg.ErrorCooldown = 5 * time.Second
	}
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Engine{
		tasks:      tasks,
		leader:     leader,
		strategies: table,
		policies:   policies,
		cfg:        cfg,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// Run polls until ctx is cancelled or Close is called. A batch in flight is
// always finished before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.closed || e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()
	defer close(e.done)

	t := time.NewTicker(e.cfg.interval())
	defer t.Stop()
	log.Info().Dur("interval", e.cfg.interval()).Int("workers", e.cfg.Workers).Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.stop:
			return nil
		case <-t.C:
			e.tick(ctx)
		}
	}
}

// Close stops polling and waits for the current batch. A Run that has not
// started by then returns without polling.
func (e *Engine) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.stop)
	}
	started := e.started
	e.mu.Unlock()
	if started {
		<-e.done
	}
}

func (e *Engine) tick(ctx context.Context) {
	isLeader, err := e.leader.IsLeader(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("leader check failed")
		isLeader = false
	}
	metrics.SetLeader(isLeader)
	if !isLeader {
		return
	}

	tasks, err := e.tasks.Due(ctx, time.Now(), e.cfg.BatchSize)
	if err != nil {
		metrics.RecordFeedError()
		log.Error().Err(err).Dur("cooldown", e.cfg.ErrorCooldown).Msg("failed to load due tasks")
		e.cooldown(ctx)
		return
	}
	if len(tasks) == 0 {
		return
	}

	// in-flight tasks outlive shutdown of the polling loop
	runCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for _, group := range groupByCorrelation(tasks) {
		group := group
		g.Go(func() error {
			for i, t := range group {
				// a long group renews leadership between tasks and stops once it is lost
				if i > 0 && !e.stillLeader(runCtx) {
					return nil
				}
				e.process(runCtx, t)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) stillLeader(ctx context.Context) bool {
	ok, err := e.leader.IsLeader(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("leader check failed")
		return false
	}
	if !ok {
		metrics.SetLeader(false)
		log.Warn().Msg("lost leadership, leaving the rest of the batch")
	}
	return ok
}

func (e *Engine) cooldown(ctx context.Context) {
	t := time.NewTimer(e.cfg.ErrorCooldown)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-e.stop:
	}
}

func (e *Engine) process(ctx context.Context, t domain.Task) {
	start := time.Now()
	err := e.execute(ctx, t)
	if err == nil {
		metrics.RecordTask(string(t.Kind), metrics.OutcomeSuccess, time.Since(start))
		return
	}
	outcome := e.onError(ctx, t, err)
	metrics.RecordTask(string(t.Kind), outcome, time.Since(start))
}

func (e *Engine) execute(ctx context.Context, t domain.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panicked: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.TaskTimeout)
	defer cancel()
	return e.strategies[t.Kind].Execute(ctx, t)
}

func (e *Engine) onError(ctx context.Context, t domain.Task, err error) string {
	policy := e.policies.For(t.Kind)
	attempt := t.Attempt + 1
	logger := log.With().Str("task_id", t.ID).Str("kind", string(t.Kind)).Int("attempt", attempt).Logger()

	var (
		storeErr error
		outcome  = metrics.OutcomeManual
	)
	switch {
	case IsFatal(err):
		logger.Error().Err(err).Bool("fatal", true).Msg("task hit a broken invariant")
		storeErr = e.tasks.Manual(ctx, t, err.Error())
	case IsPermanent(err):
		logger.Error().Err(err).Msg("task failed permanently")
		storeErr = e.tasks.Manual(ctx, t, err.Error())
	case policy.Exhausted(attempt):
		logger.Error().Err(err).Msg("task retries exhausted")
		storeErr = e.tasks.Manual(ctx, t, err.Error())
	default:
		outcome = metrics.OutcomeRetry
		next := time.Now().Add(policy.Delay(attempt))
		logger.Warn().Err(err).Time("next_run", next).Msg("task failed")
		storeErr = e.tasks.Fail(ctx, t, err.Error(), next)
	}
	if storeErr != nil {
		logger.Error().Err(storeErr).Msg("failed to record task failure")
	}
	return outcome
}

// groupByCorrelation keeps tasks sharing a correlation key together, in feed
// order, so they run one after another.
func groupByCorrelation(tasks []domain.Task) [][]domain.Task {
	index := make(map[string]int)
	var groups [][]domain.Task
	for _, t := range tasks {
		key := t.CorrelationKey
		if key == "" {
			key = "task:" + t.ID
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], t)
	}
	return groups
}
