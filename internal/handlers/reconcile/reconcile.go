// Package reconcile reports, window by window, what was sent to the execution
// service so both sides can be compared.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"disburse/internal/domain"
	"disburse/internal/executor"
	"disburse/internal/ledger"
	"disburse/internal/queue"
	"disburse/internal/scheduler"
	"disburse/internal/store"
)

var windowNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("disburse/reconcile"))

type Executor interface {
	Reconcile(ctx context.Context, report executor.ReconcileReport) error
}

type Strategy struct {
	db   store.Store
	exec Executor
	cron string
}

func New(db store.Store, exec Executor, cron string) *Strategy {
	return &Strategy{db: db, exec: exec, cron: cron}
}

func (s *Strategy) Kind() domain.Kind { return domain.KindReconcile }

// Execute reports the window of the task and plans the one after it. A
// failed report leaves the next window unplanned until the retry succeeds.
func (s *Strategy) Execute(ctx context.Context, task domain.Task) error {
	var w domain.ReconcilePayload
	if err := json.Unmarshal(task.Payload, &w); err != nil {
		return scheduler.Permanent(fmt.Errorf("invalid reconcile payload: %w", err))
	}
	if !w.From.Before(w.To) {
		return scheduler.Permanent(fmt.Errorf("empty reconciliation window %s - %s", w.From, w.To))
	}

	records, err := ledger.New(s.db).ListCreatedBetween(ctx, w.System, w.From, w.To)
	if err != nil {
		return err
	}
	report := BuildReport(w.System, w.From, w.To, records)
	if err := s.exec.Reconcile(ctx, report); err != nil {
		return fmt.Errorf("reconcile %s: %w", w.System, err)
	}

	nextTo, err := scheduler.NextRunTime(s.cron, w.To)
	if err != nil {
		return scheduler.Permanent(err)
	}
	err = s.db.InTx(ctx, func(q store.Querier) error {
		tasks := queue.New(q)
		if err := plan(ctx, tasks, w.System, w.To, nextTo); err != nil {
			return err
		}
		return tasks.Complete(ctx, task, fmt.Sprintf("reported %d instructions", report.Count))
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("task_id", task.ID).
		Str("system", string(w.System)).
		Time("from", w.From).
		Time("to", w.To).
		Int("count", report.Count).
		Str("total", report.Total.String()).
		Msg("reconciliation reported")
	return nil
}

// BuildReport counts records per status and sums the amounts of the periods
// they sent. Terminations carry no amount of their own.
func BuildReport(system domain.System, from, to time.Time, records []domain.PaymentRecord) executor.ReconcileReport {
	report := executor.ReconcileReport{
		System:   system,
		From:     from.UTC(),
		To:       to.UTC(),
		Total:    decimal.Zero,
		ByStatus: make(map[domain.PaymentStatus]executor.StatusTotal),
	}
	for _, rec := range records {
		amount := decimal.Zero
		for _, op := range rec.Operations {
			if op.Kind == domain.OpTerminated {
				continue
			}
			amount = amount.Add(op.Period.Amount)
		}
		st := report.ByStatus[rec.Status]
		st.Count++
		st.Total = st.Total.Add(amount)
		report.ByStatus[rec.Status] = st

		report.Count++
		report.Total = report.Total.Add(amount)
	}
	return report
}

// WindowTaskID is stable for a system and window start, so a window is
// planned at most once however often it is seeded.
func WindowTaskID(system domain.System, from time.Time) string {
	name := fmt.Sprintf("%s|%s", system, from.UTC().Format(time.RFC3339))
	return "tsk_" + uuid.NewSHA1(windowNamespace, []byte(name)).String()
}

// Seed plans the current window of every system unless it already exists.
func Seed(ctx context.Context, db store.Store, systems []domain.System, cron string, now time.Time) error {
	now = now.UTC()
	from, err := scheduler.PreviousRunTime(cron, now)
	if err != nil {
		return err
	}
	if from.IsZero() {
		from = now
	}
	to, err := scheduler.NextRunTime(cron, from)
	if err != nil {
		return err
	}
	tasks := queue.New(db)
	for _, system := range systems {
		err := plan(ctx, tasks, system, from, to)
		if store.IsUniqueViolation(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("seed reconciliation of %s: %w", system, err)
		}
	}
	return nil
}

// plan creates the task reporting [from, to), due when the window closes.
func plan(ctx context.Context, tasks *queue.Tasks, system domain.System, from, to time.Time) error {
	id := WindowTaskID(system, from)
	_, err := tasks.Get(ctx, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, queue.ErrNotFound) {
		return err
	}

	payload, err := json.Marshal(domain.ReconcilePayload{System: system, From: from.UTC(), To: to.UTC()})
	if err != nil {
		return err
	}
	_, err = tasks.Create(ctx, domain.Task{
		ID:             id,
		Kind:           domain.KindReconcile,
		Payload:        payload,
		CorrelationKey: "reconcile/" + string(system),
		ScheduledFor:   to,
	})
	return err
}
