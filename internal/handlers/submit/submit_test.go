package submit

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
	"disburse/internal/instruction"
	"disburse/internal/ledger"
	"disburse/internal/queue"
	"disburse/internal/scheduler"
	"disburse/internal/store"
	"disburse/internal/store/storetest"
)

type fakeExecutor struct {
	orders []executor.PaymentOrder
	err    error
}

func (f *fakeExecutor) Submit(_ context.Context, order executor.PaymentOrder) error {
	f.orders = append(f.orders, order)
	return f.err
}

func request(decision string, amount int64) instruction.Request {
	return instruction.Request{
		System:        domain.SystemDagpenger,
		CaseID:        "C1",
		DecisionID:    decision,
		BeneficiaryID: "12345678910",
		CaseWorkerID:  "Z111111",
		ApproverID:    "Z222222",
		DecidedAt:     time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Periods: []instruction.PeriodRequest{{
			Class:  "DPORAS",
			From:   domain.NewDate(2024, time.January, 1),
			To:     domain.NewDate(2024, time.January, 31),
			Amount: decimal.NewFromInt(amount),
		}},
	}
}

func submitTask(t *testing.T, db store.Store, recordID string) domain.Task {
	t.Helper()
	tasks, _, err := queue.New(db).List(context.Background(), queue.Filter{
		Kind:     domain.KindSubmit,
		Statuses: []domain.Status{domain.StatusInProgress},
	})
	require.NoError(t, err)
	for _, task := range tasks {
		var p domain.SubmitPayload
		require.NoError(t, json.Unmarshal(task.Payload, &p))
		if p.RecordID == recordID {
			return task
		}
	}
	t.Fatalf("no submit task for %s", recordID)
	return domain.Task{}
}

func TestExecuteResolvesAndSubmits(t *testing.T) {
	db := storetest.New(t)
	ctx := context.Background()
	rec, err := instruction.NewService(db).Create(ctx, request("D1", 500))
	require.NoError(t, err)

	exec := &fakeExecutor{}
	task := submitTask(t, db, rec.ID)
	require.NoError(t, New(db, exec).Execute(ctx, task))

	require.Len(t, exec.orders, 1)
	order := exec.orders[0]
	assert.True(t, order.FirstOnCase)
	require.Len(t, order.Operations, 1)
	assert.Equal(t, domain.OpNew, order.Operations[0].Kind)
	require.NotNil(t, order.Operations[0].Period.PeriodID)
	assert.Zero(t, *order.Operations[0].Period.PeriodID)

	stored, err := ledger.New(db).Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, stored.Resolved())
	assert.True(t, stored.Submitted())
	assert.Equal(t, domain.PaymentQueued, stored.Status)
	assert.Equal(t, rec.Version+1, stored.Version)

	done, err := queue.New(db).Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, done.Status)

	polls, total, err := queue.New(db).List(ctx, queue.Filter{Kind: domain.KindPollStatus})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, task.CorrelationKey, polls[0].CorrelationKey)
}

func TestExecuteTreatsAlreadySubmittedAsSuccess(t *testing.T) {
	db := storetest.New(t)
	ctx := context.Background()
	rec, err := instruction.NewService(db).Create(ctx, request("D1", 500))
	require.NoError(t, err)

	task := submitTask(t, db, rec.ID)
	require.NoError(t, New(db, &fakeExecutor{err: executor.ErrAlreadySubmitted}).Execute(ctx, task))

	_, total, err := queue.New(db).List(ctx, queue.Filter{Kind: domain.KindPollStatus})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestExecuteRetriesWithoutReresolving(t *testing.T) {
	db := storetest.New(t)
	ctx := context.Background()
	rec, err := instruction.NewService(db).Create(ctx, request("D1", 500))
	require.NoError(t, err)

	task := submitTask(t, db, rec.ID)
	exec := &fakeExecutor{err: errors.New("connection refused")}
	err = New(db, exec).Execute(ctx, task)
	require.Error(t, err)
	assert.False(t, scheduler.IsPermanent(err))

	resolved, err := ledger.New(db).Get(ctx, rec.ID)
	require.NoError(t, err)

	exec.err = nil
	require.NoError(t, New(db, exec).Execute(ctx, task))
	again, err := ledger.New(db).Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, resolved.Version, again.Version)
	require.Len(t, exec.orders, 2)
	assert.Equal(t, exec.orders[0].Operations, exec.orders[1].Operations)
}

func TestExecuteRejectionMovesInstructionToReview(t *testing.T) {
	db := storetest.New(t)
	ctx := context.Background()
	svc := instruction.NewService(db)
	rec, err := svc.Create(ctx, request("D1", 500))
	require.NoError(t, err)

	task := submitTask(t, db, rec.ID)
	exec := &fakeExecutor{err: scheduler.Permanent(errors.New("HTTP 400 error: unknown beneficiary"))}
	require.NoError(t, New(db, exec).Execute(ctx, task))

	stored, err := ledger.New(db).Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentConfirmedFunctionalError, stored.Status)
	require.NotNil(t, stored.Fault)
	assert.Equal(t, domain.SeverityFunctional, stored.Fault.Code)
	assert.Contains(t, stored.Fault.Text, "unknown beneficiary")

	parked, err := queue.New(db).Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusManual, parked.Status)
	assert.Contains(t, parked.Message, "unknown beneficiary")

	_, total, err := queue.New(db).List(ctx, queue.Filter{Kind: domain.KindPollStatus})
	require.NoError(t, err)
	assert.Zero(t, total)

	corrected, err := svc.Create(ctx, request("D1", 500))
	require.NoError(t, err, "a corrected revision can follow the rejection")
	assert.Equal(t, 1, corrected.Revision)
	assert.Equal(t, domain.PaymentQueued, corrected.Status)
}

func TestExecuteWaitsForPrevious(t *testing.T) {
	db := storetest.New(t)
	ctx := context.Background()
	svc := instruction.NewService(db)
	first, err := svc.Create(ctx, request("D1", 500))
	require.NoError(t, err)

	next := request("D2", 600)
	next.Previous = &instruction.PreviousRef{DecisionID: "D1"}
	second, err := svc.Create(ctx, next)
	require.NoError(t, err)

	exec := &fakeExecutor{}
	strategy := New(db, exec)
	err = strategy.Execute(ctx, submitTask(t, db, second.ID))
	require.ErrorIs(t, err, errPreviousPending)
	assert.False(t, scheduler.IsPermanent(err))
	assert.Empty(t, exec.orders)

	require.NoError(t, strategy.Execute(ctx, submitTask(t, db, first.ID)))
	require.NoError(t, strategy.Execute(ctx, submitTask(t, db, second.ID)))

	require.Len(t, exec.orders, 2)
	order := exec.orders[1]
	assert.False(t, order.FirstOnCase)
	require.Len(t, order.Operations, 1)
	op := order.Operations[0]
	assert.Equal(t, domain.OpAmended, op.Kind)
	require.NotNil(t, op.Period.PeriodID)
	require.NotNil(t, op.Period.PreviousPeriodID)
	assert.Equal(t, 1, *op.Period.PeriodID)
	assert.Equal(t, 0, *op.Period.PreviousPeriodID)
}

func TestExecuteConfirmsUnchangedInstructionWithoutSubmitting(t *testing.T) {
	db := storetest.New(t)
	ctx := context.Background()
	svc := instruction.NewService(db)
	exec := &fakeExecutor{}
	strategy := New(db, exec)

	first, err := svc.Create(ctx, request("D1", 500))
	require.NoError(t, err)
	require.NoError(t, strategy.Execute(ctx, submitTask(t, db, first.ID)))

	same := request("D2", 500)
	same.Previous = &instruction.PreviousRef{DecisionID: "D1"}
	second, err := svc.Create(ctx, same)
	require.NoError(t, err)
	task := submitTask(t, db, second.ID)
	require.NoError(t, strategy.Execute(ctx, task))

	assert.Len(t, exec.orders, 1)
	stored, err := ledger.New(db).Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentConfirmedOkNoPayment, stored.Status)

	done, err := queue.New(db).Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, done.Status)
}

func TestExecuteRejectsBadPayload(t *testing.T) {
	db := storetest.New(t)
	err := New(db, &fakeExecutor{}).Execute(context.Background(), domain.Task{ID: "tsk_x", Payload: []byte("{")})
	assert.True(t, scheduler.IsPermanent(err))

	err = New(db, &fakeExecutor{}).Execute(context.Background(), domain.Task{ID: "tsk_x", Payload: []byte(`{"recordId":"pi_missing"}`)})
	assert.True(t, scheduler.IsPermanent(err))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}
