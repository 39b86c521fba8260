// Package status polls the execution service for the outcome of a submitted
// payment order and records the confirmation in the ledger.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"disburse/internal/domain"
	"disburse/internal/executor"
	"disburse/internal/ledger"
	"disburse/internal/metrics"
	"disburse/internal/queue"
	"disburse/internal/scheduler"
	"disburse/internal/store"
)

var errStillQueued = errors.New("payment order is still queued at the execution service")

type Executor interface {
	Status(ctx context.Context, key domain.PaymentKey) (executor.StatusResponse, error)
}

type Strategy struct {
	db     store.Store
	exec   Executor
	policy scheduler.RetryPolicy
	now    func() time.Time
}

func New(db store.Store, exec Executor, policy scheduler.RetryPolicy) *Strategy {
	return &Strategy{db: db, exec: exec, policy: policy, now: time.Now}
}

func (s *Strategy) Kind() domain.Kind { return domain.KindPollStatus }

func (s *Strategy) Execute(ctx context.Context, task domain.Task) error {
	var payload domain.StatusPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return scheduler.Permanent(fmt.Errorf("invalid status payload: %w", err))
	}

	rec, err := ledger.New(s.db).Get(ctx, payload.RecordID)
	if errors.Is(err, ledger.ErrNotFound) {
		return scheduler.Permanent(err)
	}
	if err != nil {
		return err
	}
	logger := log.With().
		Str("task_id", task.ID).
		Str("system", string(rec.Key.System)).
		Str("case_id", rec.Key.CaseID).
		Str("decision_id", rec.Key.DecisionID).
		Str("instruction_id", rec.Key.InstructionID).
		Logger()

	if rec.Status != domain.PaymentQueued {
		return s.settled(ctx, task, rec, logger)
	}

	resp, err := s.exec.Status(ctx, rec.Key)
	if err != nil {
		return fmt.Errorf("status of %s: %w", rec.Key, err)
	}

	switch {
	case resp.Status == domain.PaymentQueued:
		next := task.Attempt + 1
		if s.policy.Exhausted(next) {
			return fmt.Errorf("%w after %d polls", errStillQueued, next)
		}
		return queue.New(s.db).Defer(ctx, task, "awaiting confirmation", s.now().Add(s.policy.Delay(next)))
	case resp.Status == domain.PaymentConfirmedOkNoPayment:
		return scheduler.Fatal(fmt.Errorf("execution service reports %s for submitted order %s", resp.Status, rec.Key))
	case resp.Status == domain.PaymentConfirmedOk, resp.Status.NeedsReview():
	default:
		return scheduler.Permanent(fmt.Errorf("unknown payment status %q for %s", resp.Status, rec.Key))
	}

	var fault *domain.Fault
	if resp.Status.NeedsReview() {
		fault = &domain.Fault{Code: resp.Status.SeverityCode(), Text: resp.FaultText}
	}
	err = s.db.InTx(ctx, func(q store.Querier) error {
		done, err := ledger.New(q).Confirm(ctx, rec, resp.Status, fault)
		if err != nil {
			return err
		}
		rec = done
		return finish(ctx, queue.New(q), task, rec)
	})
	if errors.Is(err, ledger.ErrNotQueued) {
		// a receipt got there first
		current, err := ledger.New(s.db).Get(ctx, rec.ID)
		if err != nil {
			return err
		}
		return s.settled(ctx, task, current, logger)
	}
	if err != nil {
		return err
	}

	metrics.RecordTransition(string(rec.Status))
	event := logger.Info()
	if rec.Status.NeedsReview() {
		event = logger.Error().Str("fault_text", resp.FaultText)
	}
	event.Str("status", string(rec.Status)).Int("version", rec.Version).Msg("payment confirmed")
	return nil
}

// settled closes the task of an instruction that is no longer queued.
func (s *Strategy) settled(ctx context.Context, task domain.Task, rec domain.PaymentRecord, logger zerolog.Logger) error {
	logger.Debug().Str("status", string(rec.Status)).Msg("instruction already confirmed")
	return finish(ctx, queue.New(s.db), task, rec)
}

// finish completes the task, or hands it to a case worker when the
// confirmation needs review.
func finish(ctx context.Context, tasks *queue.Tasks, task domain.Task, rec domain.PaymentRecord) error {
	if !rec.Status.NeedsReview() {
		return tasks.Complete(ctx, task, string(rec.Status))
	}
	msg := "unknown confirmation from the execution service"
	if rec.Fault != nil && rec.Fault.Text != "" {
		msg = rec.Fault.Text
	}
	return tasks.Manual(ctx, task, fmt.Sprintf("%s: %s", rec.Status, msg))
}
