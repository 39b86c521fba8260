package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"disburse/internal/domain"
	"disburse/internal/executor"
	"disburse/internal/queue"
	"disburse/internal/scheduler"
	"disburse/internal/store/storetest"
)

const daily = "0 6 * * *"

type fakeExecutor struct {
	reports []executor.ReconcileReport
	err     error
}

func (f *fakeExecutor) Reconcile(_ context.Context, r executor.ReconcileReport) error {
	f.reports = append(f.reports, r)
	return f.err
}

func op(kind domain.OperationKind, amount int64) domain.Operation {
	return domain.Operation{Kind: kind, Chain: "DPORAS", Period: domain.Period{Class: "DPORAS", Amount: decimal.NewFromInt(amount)}}
}

func TestBuildReport(t *testing.T) {
	from := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	records := []domain.PaymentRecord{
		{Status: domain.PaymentConfirmedOk, Operations: []domain.Operation{op(domain.OpNew, 500), op(domain.OpNew, 250)}},
		{Status: domain.PaymentConfirmedOk, Operations: []domain.Operation{op(domain.OpTerminated, 500), op(domain.OpAmended, 100)}},
		{Status: domain.PaymentQueued},
	}

	report := BuildReport(domain.SystemDagpenger, from, to, records)
	assert.Equal(t, 3, report.Count)
	assert.True(t, decimal.NewFromInt(850).Equal(report.Total), "total %s", report.Total)
	ok := report.ByStatus[domain.PaymentConfirmedOk]
	assert.Equal(t, 2, ok.Count)
	assert.True(t, decimal.NewFromInt(850).Equal(ok.Total))
	assert.Equal(t, 1, report.ByStatus[domain.PaymentQueued].Count)

	empty := BuildReport(domain.SystemDagpenger, from, to, nil)
	assert.Zero(t, empty.Count)
	assert.True(t, empty.Total.IsZero())
	assert.Empty(t, empty.ByStatus)
}

func TestWindowTaskIDIsDeterministic(t *testing.T) {
	from := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	a := WindowTaskID(domain.SystemDagpenger, from)
	assert.Equal(t, a, WindowTaskID(domain.SystemDagpenger, from.In(time.FixedZone("CEST", 2*3600))))
	assert.NotEqual(t, a, WindowTaskID(domain.SystemTiltakspenger, from))
	assert.NotEqual(t, a, WindowTaskID(domain.SystemDagpenger, from.Add(24*time.Hour)))
}

func TestSeedIsIdempotent(t *testing.T) {
	db := storetest.New(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	systems := []domain.System{domain.SystemDagpenger, domain.SystemTiltakspenger}

	require.NoError(t, Seed(ctx, db, systems, daily, now))
	require.NoError(t, Seed(ctx, db, systems, daily, now.Add(time.Hour)))

	_, total, err := queue.New(db).List(ctx, queue.Filter{Kind: domain.KindReconcile})
	require.NoError(t, err)
	require.Equal(t, 2, total)

	task, err := queue.New(db).Get(ctx, WindowTaskID(domain.SystemDagpenger, time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.True(t, task.ScheduledFor.Equal(time.Date(2024, 5, 2, 6, 0, 0, 0, time.UTC)))
	assert.Equal(t, "reconcile/DAGPENGER", task.CorrelationKey)
}

func TestExecuteReportsAndPlansNextWindow(t *testing.T) {
	db := storetest.New(t)
	ctx := context.Background()
	from := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	require.NoError(t, Seed(ctx, db, []domain.System{domain.SystemDagpenger}, daily, from.Add(time.Hour)))
	task, err := queue.New(db).Get(ctx, WindowTaskID(domain.SystemDagpenger, from))
	require.NoError(t, err)

	exec := &fakeExecutor{}
	s := New(db, exec, daily)
	require.NoError(t, s.Execute(ctx, task))

	require.Len(t, exec.reports, 1)
	assert.True(t, exec.reports[0].From.Equal(from))
	assert.True(t, exec.reports[0].To.Equal(to))

	done, err := queue.New(db).Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, done.Status)

	next, err := queue.New(db).Get(ctx, WindowTaskID(domain.SystemDagpenger, to))
	require.NoError(t, err)
	assert.True(t, next.ScheduledFor.Equal(to.Add(24*time.Hour)))
	var w domain.ReconcilePayload
	require.NoError(t, json.Unmarshal(next.Payload, &w))
	assert.True(t, w.From.Equal(to))
}

func TestExecuteKeepsWindowOnFailure(t *testing.T) {
	db := storetest.New(t)
	ctx := context.Background()
	from := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)

	require.NoError(t, Seed(ctx, db, []domain.System{domain.SystemDagpenger}, daily, from.Add(time.Hour)))
	task, err := queue.New(db).Get(ctx, WindowTaskID(domain.SystemDagpenger, from))
	require.NoError(t, err)

	err = New(db, &fakeExecutor{err: errors.New("unavailable")}, daily).Execute(ctx, task)
	require.Error(t, err)
	assert.False(t, scheduler.IsPermanent(err))

	_, total, err := queue.New(db).List(ctx, queue.Filter{Kind: domain.KindReconcile})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestExecuteRejectsEmptyWindow(t *testing.T) {
	at := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	payload, err := json.Marshal(domain.ReconcilePayload{System: domain.SystemDagpenger, From: at, To: at})
	require.NoError(t, err)
	err = New(storetest.New(t), &fakeExecutor{}, daily).Execute(context.Background(), domain.Task{Payload: payload})
	assert.True(t, scheduler.IsPermanent(err))
}
