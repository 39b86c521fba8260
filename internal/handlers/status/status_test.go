package status

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"disburse/internal/domain"
	"disburse/internal/executor"
	"disburse/internal/ledger"
	"disburse/internal/queue"
	"disburse/internal/scheduler"
	"disburse/internal/store"
	"disburse/internal/store/storetest"
)

type fakeExecutor struct {
	resp  executor.StatusResponse
	err   error
	calls int
}

func (f *fakeExecutor) Status(context.Context, domain.PaymentKey) (executor.StatusResponse, error) {
	f.calls++
	return f.resp, f.err
}

var policy = scheduler.RetryPolicy{Base: time.Second, Max: time.Minute, MaxAttempts: 3}

func setup(t *testing.T) (*store.DB, domain.PaymentRecord, domain.Task) {
	t.Helper()
	db := storetest.New(t)
	ctx := context.Background()

	rec, err := ledger.New(db).Create(ctx, domain.PaymentRecord{
		Key:           domain.PaymentKey{System: domain.SystemTiltakspenger, CaseID: "C1", DecisionID: "D1"},
		BeneficiaryID: "12345678910",
		CaseWorkerID:  "Z111111",
		ApproverID:    "Z222222",
		DecidedAt:     time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Periods: []domain.Period{{
			Class:    "TPTPAFT",
			From:     domain.NewDate(2024, time.January, 1),
			To:       domain.NewDate(2024, time.January, 31),
			Amount:   decimal.NewFromInt(500),
			RateType: domain.RateMonthly,
		}},
	})
	require.NoError(t, err)

	payload, err := json.Marshal(domain.StatusPayload{RecordID: rec.ID})
	require.NoError(t, err)
	task, err := queue.New(db).Create(ctx, domain.Task{
		Kind:           domain.KindPollStatus,
		Payload:        payload,
		CorrelationKey: rec.Key.CaseKey(),
	})
	require.NoError(t, err)
	return db, rec, task
}

func TestExecuteConfirmsOk(t *testing.T) {
	db, rec, task := setup(t)
	ctx := context.Background()

	exec := &fakeExecutor{resp: executor.StatusResponse{Status: domain.PaymentConfirmedOk}}
	require.NoError(t, New(db, exec, policy).Execute(ctx, task))

	stored, err := ledger.New(db).Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentConfirmedOk, stored.Status)
	assert.Nil(t, stored.Fault)
	assert.Equal(t, rec.Version+1, stored.Version)

	done, err := queue.New(db).Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, done.Status)
}

func TestExecuteEscalatesReviewStatuses(t *testing.T) {
	db, rec, task := setup(t)
	ctx := context.Background()

	exec := &fakeExecutor{resp: executor.StatusResponse{
		Status:    domain.PaymentConfirmedFunctionalError,
		FaultText: "invalid account",
	}}
	require.NoError(t, New(db, exec, policy).Execute(ctx, task))

	stored, err := ledger.New(db).Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentConfirmedFunctionalError, stored.Status)
	require.NotNil(t, stored.Fault)
	assert.Equal(t, domain.Fault{Code: "08", Text: "invalid account"}, *stored.Fault)
	assert.Equal(t, rec.Version+2, stored.Version)

	manual, err := queue.New(db).Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusManual, manual.Status)
	assert.Contains(t, manual.Message, "invalid account")
}

func TestExecuteUnknownConfirmationHasDefaultMessage(t *testing.T) {
	db, _, task := setup(t)
	ctx := context.Background()

	exec := &fakeExecutor{resp: executor.StatusResponse{Status: domain.PaymentConfirmedUnknown}}
	require.NoError(t, New(db, exec, policy).Execute(ctx, task))

	manual, err := queue.New(db).Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusManual, manual.Status)
	assert.Contains(t, manual.Message, "unknown confirmation")
}

func TestExecuteDefersWhileQueued(t *testing.T) {
	db, _, task := setup(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	s := New(db, &fakeExecutor{resp: executor.StatusResponse{Status: domain.PaymentQueued}}, policy)
	s.now = func() time.Time { return now }
	require.NoError(t, s.Execute(ctx, task))

	deferred, err := queue.New(db).Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, deferred.Status)
	assert.Equal(t, 1, deferred.Attempt)
	assert.True(t, deferred.ScheduledFor.Equal(now.Add(time.Second)), "scheduled for %s", deferred.ScheduledFor)

	deferred.Attempt = policy.MaxAttempts - 1
	err = s.Execute(ctx, deferred)
	assert.ErrorIs(t, err, errStillQueued)
}

func TestExecuteClassifiesUnexpectedStatuses(t *testing.T) {
	db, _, task := setup(t)
	ctx := context.Background()

	err := New(db, &fakeExecutor{resp: executor.StatusResponse{Status: domain.PaymentConfirmedOkNoPayment}}, policy).Execute(ctx, task)
	assert.True(t, scheduler.IsFatal(err))

	err = New(db, &fakeExecutor{resp: executor.StatusResponse{Status: "LOST"}}, policy).Execute(ctx, task)
	assert.True(t, scheduler.IsPermanent(err))
}

func TestExecuteSkipsConfirmedInstruction(t *testing.T) {
	db, rec, task := setup(t)
	ctx := context.Background()

	_, err := ledger.New(db).Transition(ctx, rec, domain.PaymentConfirmedOk)
	require.NoError(t, err)

	exec := &fakeExecutor{}
	require.NoError(t, New(db, exec, policy).Execute(ctx, task))
	assert.Zero(t, exec.calls)

	done, err := queue.New(db).Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, done.Status)
}
