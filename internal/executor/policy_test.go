package executor

import (
	"context"
	"testing"
	"time"

	"github.com/hochfrequenz/lab-orchestrator/internal/sandbox"
)

func TestRetryPolicyAttempts(t *testing.T) {
	tests := []struct {
		name string
		max  int
		want int
	}{
		{"default is three", DefaultRetryPolicy().MaxAttempts, 3},
		{"zero means one", 0, 1},
		{"negative means one", -2, 1},
		{"explicit value kept", 5, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := RetryPolicy{MaxAttempts: tt.max}
			if got := p.Attempts(); got != tt.want {
				t.Errorf("Attempts() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRetryPolicyRetryable(t *testing.T) {
	p := DefaultRetryPolicy()
	tests := []struct {
		kind sandbox.OutcomeKind
		want bool
	}{
		{sandbox.OutcomeFailed, true},
		{sandbox.OutcomeTimedOut, true},
		{sandbox.OutcomeResourceExceeded, false},
		{sandbox.OutcomeSucceeded, false},
	}
	for _, tt := range tests {
		if got := p.Retryable(tt.kind); got != tt.want {
			t.Errorf("Retryable(%s) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestDelayForAttemptDoublesAndCaps(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}

	tests := []struct {
		attempt int
		full    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // capped
		{9, 30 * time.Second},
	}
	for _, tt := range tests {
		// Jitter is random; sample a few times and check the bounds.
		for i := 0; i < 10; i++ {
			got := p.DelayForAttempt(tt.attempt)
			if got < tt.full/2 || got > tt.full {
				t.Fatalf("DelayForAttempt(%d) = %s, want within [%s, %s]", tt.attempt, got, tt.full/2, tt.full)
			}
		}
	}
}

func TestDelayForAttemptZeroValueUsesDefaults(t *testing.T) {
	var p RetryPolicy
	got := p.DelayForAttempt(1)
	if got < time.Second || got > 2*time.Second {
		t.Errorf("DelayForAttempt(1) = %s, want within [1s, 2s]", got)
	}
}

func TestSleepWithContextReturnsEarlyOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	sleepWithContext(ctx, 10*time.Second)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("sleepWithContext took %s with a cancelled context", elapsed)
	}
}
