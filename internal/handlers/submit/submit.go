// Package submit resolves a queued payment instruction against its chain
// history and sends the resulting operations to the execution service.
package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"disburse/internal/chain"
	"disburse/internal/domain"
	"disburse/internal/executor"
	"disburse/internal/ledger"
	"disburse/internal/metrics"
	"disburse/internal/queue"
	"disburse/internal/scheduler"
	"disburse/internal/store"
)

var errPreviousPending = errors.New("previous instruction is not resolved yet")

type Executor interface {
	Submit(ctx context.Context, order executor.PaymentOrder) error
}

type Strategy struct {
	db   store.Store
	exec Executor
}

func New(db store.Store, exec Executor) *Strategy {
	return &Strategy{db: db, exec: exec}
}

func (s *Strategy) Kind() domain.Kind { return domain.KindSubmit }

func (s *Strategy) Execute(ctx context.Context, task domain.Task) error {
	var payload domain.SubmitPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return scheduler.Permanent(fmt.Errorf("invalid submit payload: %w", err))
	}

	rec, err := s.resolve(ctx, payload.RecordID)
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
		return queue.New(s.db).Complete(ctx, task, "already "+string(rec.Status))
	}

	if len(rec.Operations) == 0 {
		return s.db.InTx(ctx, func(q store.Querier) error {
			done, err := ledger.New(q).Transition(ctx, rec, domain.PaymentConfirmedOkNoPayment)
			switch {
			case errors.Is(err, ledger.ErrNotQueued):
			case err != nil:
				return err
			default:
				metrics.RecordTransition(string(done.Status))
				logger.Info().Msg("nothing to pay, confirmed without submission")
			}
			return queue.New(q).Complete(ctx, task, "nothing to pay")
		})
	}

	if !rec.Submitted() {
		if rec, err = ledger.New(s.db).MarkSubmitted(ctx, rec); err != nil {
			return err
		}
	}

	err = s.exec.Submit(ctx, executor.PaymentOrder{
		Key:           rec.Key,
		Revision:      rec.Revision,
		BeneficiaryID: rec.BeneficiaryID,
		CaseWorkerID:  rec.CaseWorkerID,
		ApproverID:    rec.ApproverID,
		DecidedAt:     rec.DecidedAt,
		FirstOnCase:   rec.Previous == nil,
		Operations:    rec.Operations,
	})
	switch {
	case errors.Is(err, executor.ErrAlreadySubmitted):
		logger.Info().Msg("payment order was already submitted")
	case scheduler.IsPermanent(err):
		return s.reject(ctx, task, rec, err)
	case err != nil:
		return fmt.Errorf("submit %s: %w", rec.Key, err)
	}

	pollPayload, err := json.Marshal(domain.StatusPayload{RecordID: rec.ID})
	if err != nil {
		return err
	}
	err = s.db.InTx(ctx, func(q store.Querier) error {
		tasks := queue.New(q)
		if _, err := tasks.Create(ctx, domain.Task{
			Kind:           domain.KindPollStatus,
			Payload:        pollPayload,
			CorrelationKey: task.CorrelationKey,
		}); err != nil {
			return err
		}
		return tasks.Complete(ctx, task, "submitted")
	})
	if err != nil {
		return err
	}
	logger.Info().Int("operations", len(rec.Operations)).Msg("payment order submitted")
	return nil
}

// reject records a terminal refusal from the execution service. The
// instruction goes to review so a corrected revision can be created, and the
// task waits for a case worker.
func (s *Strategy) reject(ctx context.Context, task domain.Task, rec domain.PaymentRecord, cause error) error {
	fault := domain.Fault{Code: domain.SeverityFunctional, Text: "rejected by the execution service: " + cause.Error()}
	err := s.db.InTx(ctx, func(q store.Querier) error {
		done, err := ledger.New(q).Confirm(ctx, rec, domain.PaymentConfirmedFunctionalError, &fault)
		switch {
		case errors.Is(err, ledger.ErrNotQueued):
		case err != nil:
			return err
		default:
			metrics.RecordTransition(string(done.Status))
		}
		return queue.New(q).Manual(ctx, task, fault.Text)
	})
	if err != nil {
		return fmt.Errorf("record rejection of %s: %w", rec.Key, err)
	}
	log.Error().
		Str("task_id", task.ID).
		Str("system", string(rec.Key.System)).
		Str("case_id", rec.Key.CaseID).
		Str("decision_id", rec.Key.DecisionID).
		Err(cause).
		Msg("payment order rejected")
	return nil
}

// resolve assigns chain positions to the instruction unless an earlier
// attempt already did.
func (s *Strategy) resolve(ctx context.Context, id string) (domain.PaymentRecord, error) {
	var rec domain.PaymentRecord
	err := s.db.InTx(ctx, func(q store.Querier) error {
		l := ledger.New(q)
		r, err := l.Get(ctx, id)
		if errors.Is(err, ledger.ErrNotFound) {
			return scheduler.Permanent(err)
		}
		if err != nil {
			return err
		}
		if r.Status != domain.PaymentQueued || r.Resolved() {
			rec = r
			return nil
		}

		in := chain.Input{New: r.Periods, Terminations: r.Terminations}
		if r.Previous != nil {
			prev, err := l.Latest(ctx, *r.Previous)
			if err != nil {
				return scheduler.Permanent(fmt.Errorf("load previous of %s: %w", r.Key, err))
			}
			if !prev.Resolved() {
				return fmt.Errorf("%w: %s", errPreviousPending, prev.Key)
			}
			in.Previous = prev.Periods
			in.LastPerChain = prev.LastPeriodPerChain
		}

		res, err := chain.Resolve(in)
		if err != nil {
			return scheduler.Permanent(err)
		}
		r.Periods = res.Periods
		r.LastPeriodPerChain = res.LastPerChain
		r.Operations = res.Operations
		rec, err = l.UpdatePeriods(ctx, r)
		return err
	})
	return rec, err
}
