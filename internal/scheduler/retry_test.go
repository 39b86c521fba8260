package scheduler

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"disburse/internal/domain"
)

func TestDelayIsMonotonicAndCapped(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Max: time.Minute, MaxAttempts: 10}

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))

	prev := time.Duration(0)
	for attempt := 1; attempt <= 100; attempt++ {
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, time.Minute)
		prev = d
	}
	assert.Equal(t, time.Minute, p.Delay(100))
}

func TestExhausted(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Max: time.Minute, MaxAttempts: 3}
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.False(t, RetryPolicy{Base: time.Second}.Exhausted(1000))
}

func TestPoliciesFallback(t *testing.T) {
	p := DefaultPolicies()
	assert.Equal(t, time.Hour, p.For(domain.KindReconcile).Max)
	assert.Equal(t, fallbackPolicy, Policies{}.For(domain.KindSubmit))
}

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")

	perm := fmt.Errorf("submit: %w", Permanent(base))
	assert.True(t, IsPermanent(perm))
	assert.False(t, IsFatal(perm))
	assert.ErrorIs(t, perm, base)

	fatal := Fatal(base)
	assert.True(t, IsFatal(fatal))
	assert.False(t, IsPermanent(fatal))

	assert.NoError(t, Permanent(nil))
	assert.NoError(t, Fatal(nil))
	assert.False(t, IsPermanent(base))
}

func TestCronHelpers(t *testing.T) {
	require.NoError(t, ValidateCronExpression("0 6 * * *"))
	assert.Error(t, ValidateCronExpression("not a cron"))

	from := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	next, err := NextRunTime("0 6 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 2, 6, 0, 0, 0, time.UTC), next)

	prev, err := PreviousRunTime("0 6 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC), prev)
}
