package scheduler

import (
	"time"

	"disburse/internal/domain"
)

// RetryPolicy spaces out attempts of a failing task exponentially from Base up
// to Max, and gives up after MaxAttempts failures.
type RetryPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Delay is the wait before the next run after the attempt-th failure.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return p.Base
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max || d <= 0 {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Exhausted reports whether the attempt-th failure should escalate to MANUAL.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

type Policies map[domain.Kind]RetryPolicy

var fallbackPolicy = RetryPolicy{Base: 10 * time.Second, Max: 10 * time.Minute, MaxAttempts: 10}

func (p Policies) For(kind domain.Kind) RetryPolicy {
	if policy, ok := p[kind]; ok {
		return policy
	}
	return fallbackPolicy
}

func DefaultPolicies() Policies {
	return Policies{
		domain.KindSubmit:     {Base: 10 * time.Second, Max: 10 * time.Minute, MaxAttempts: 10},
		domain.KindPollStatus: {Base: 5 * time.Second, Max: 5 * time.Minute, MaxAttempts: 30},
		domain.KindReconcile:  {Base: time.Minute, Max: time.Hour, MaxAttempts: 5},
	}
}
