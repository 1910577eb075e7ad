package executor

import (
	"context"
	"math/rand"
	"time"

	"github.com/hochfrequenz/lab-orchestrator/internal/sandbox"
)

// RetryPolicy decides whether and when a failed step attempt runs again.
// It is injected into the step executor so retry behavior can change
// without touching the state machine.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the policy the engine ships with: three
// attempts, exponential backoff starting at two seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Attempts returns the attempt budget, never less than one.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Retryable reports whether an outcome kind is worth another attempt.
// Resource violations signal a budget mismatch, not a transient fault, and
// are never retried.
func (p RetryPolicy) Retryable(kind sandbox.OutcomeKind) bool {
	switch kind {
	case sandbox.OutcomeFailed, sandbox.OutcomeTimedOut:
		return true
	default:
		return false
	}
}

// DelayForAttempt returns the backoff before re-running after the given
// failed attempt (1-based). The delay doubles per attempt, is capped at
// MaxDelay and jittered into [delay/2, delay] to avoid thundering retries.
func (p RetryPolicy) DelayForAttempt(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 2 * time.Second
	}
	max := p.MaxDelay
	if max <= 0 {
		max = 30 * time.Second
	}

	delay := base
	for i := 1; i < attempt && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}

	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// sleepWithContext sleeps for d but returns early when the context ends.
func sleepWithContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
