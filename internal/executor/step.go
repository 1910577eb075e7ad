package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/hochfrequenz/lab-orchestrator/internal/domain"
	"github.com/hochfrequenz/lab-orchestrator/internal/sandbox"
)

// stepExecutor walks one step through its state machine, invoking the
// sandbox runner under the retry policy. All state lives in the
// coordinator's run; the executor mutates it only through the locked
// helpers below, so a snapshot never shows a step whose status disagrees
// with its own log.
type stepExecutor struct {
	c    *Coordinator
	spec domain.StepSpec
}

func newStepExecutor(c *Coordinator, spec domain.StepSpec) *stepExecutor {
	return &stepExecutor{c: c, spec: spec}
}

// run executes attempts until the step reaches a terminal status and
// returns that status.
func (e *stepExecutor) run(ctx context.Context) domain.StepStatus {
	policy := e.c.cfg.Policy
	maxAttempts := policy.Attempts()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		e.beginAttempt(attempt, maxAttempts)

		res, err := e.executeAttempt(ctx)
		if err != nil {
			// Environment defect, not a step failure: pointless to retry.
			return e.fail(fmt.Sprintf("sandbox setup failed: %v", err))
		}
		if ctx.Err() != nil {
			return e.failCancelled(attempt)
		}

		switch res.Kind {
		case sandbox.OutcomeSucceeded:
			return e.succeed(attempt, maxAttempts, res)

		case sandbox.OutcomeResourceExceeded:
			detail := fmt.Sprintf("attempt %d/%d %s; not retried: the step does not fit its resource budget", attempt, maxAttempts, res.Summary())
			if tail := stderrTail(res.Stderr, 400); tail != "" {
				detail += "; stderr: " + tail
			}
			return e.fail(detail)

		default: // failed or timed out
			if attempt == maxAttempts || !policy.Retryable(res.Kind) {
				detail := fmt.Sprintf("attempt %d/%d %s; giving up", attempt, maxAttempts, res.Summary())
				if tail := stderrTail(res.Stderr, 400); tail != "" {
					detail += "; stderr: " + tail
				}
				return e.fail(detail)
			}

			delay := policy.DelayForAttempt(attempt)
			e.retry(attempt, maxAttempts, res, delay)
			sleepWithContext(ctx, delay)
			if ctx.Err() != nil {
				return e.failCancelled(attempt)
			}
		}
	}
	// Unreachable: every attempt path above returns.
	return e.fail("retry loop exhausted without a terminal outcome")
}

// executeAttempt fetches the step's code and runs it in the sandbox. Child
// output is appended to the step log line by line as it streams.
func (e *stepExecutor) executeAttempt(ctx context.Context) (*sandbox.Result, error) {
	code, err := e.c.cfg.CodeSource.CodeFor(ctx, e.c.plan, e.spec)
	if err != nil {
		return &sandbox.Result{
			Kind:   sandbox.OutcomeFailed,
			Stderr: fmt.Sprintf("code source: %v", err),
		}, nil
	}
	if code == "" {
		return &sandbox.Result{
			Kind:   sandbox.OutcomeFailed,
			Stderr: "code source returned no code",
		}, nil
	}

	req := sandbox.Request{
		Code:        code,
		Interpreter: e.c.cfg.Interpreter,
		WorkDir:     e.workDir(),
		Env: map[string]string{
			"STEP_INDEX":  fmt.Sprintf("%d", e.spec.Index),
			"STEP_ACTION": string(e.spec.Action),
		},
	}
	return e.c.cfg.Runner.Execute(ctx, req, e.c.cfg.Budget, e.appendOutput)
}

func (e *stepExecutor) workDir() string {
	e.c.mu.RLock()
	defer e.c.mu.RUnlock()
	return e.c.run.WorkDir
}

// appendOutput is the sandbox output callback; it runs on the runner's
// reader goroutines while the step is running.
func (e *stepExecutor) appendOutput(stream, line string) {
	e.c.mu.Lock()
	l := e.c.run.AppendLog(e.spec.Index, stream, "%s", line)
	e.c.mu.Unlock()
	e.c.emit(Event{Type: EventStepLog, RunID: e.c.run.ID, StepIndex: e.spec.Index, Message: l.Message})
}

func (e *stepExecutor) beginAttempt(attempt, maxAttempts int) {
	e.c.mu.Lock()
	step := e.c.run.Step(e.spec.Index)
	if attempt == 1 {
		now := time.Now().UTC()
		step.StartedAt = &now
	}
	e.c.run.SetStepStatus(e.spec.Index, domain.StepRunning)
	step.Attempts = attempt
	e.c.run.AppendLog(e.spec.Index, "info", "attempt %d/%d started (%s)", attempt, maxAttempts, e.spec.Action)
	e.c.mu.Unlock()

	e.c.log.Info("step attempt started", "step", e.spec.Index, "name", e.spec.Name, "attempt", attempt)
	e.c.emit(Event{Type: EventStepStatus, RunID: e.c.run.ID, StepIndex: e.spec.Index, Status: string(domain.StepRunning)})
}

func (e *stepExecutor) succeed(attempt, maxAttempts int, res *sandbox.Result) domain.StepStatus {
	e.c.mu.Lock()
	step := e.c.run.Step(e.spec.Index)
	now := time.Now().UTC()
	step.FinishedAt = &now
	step.OutputRef = e.c.run.WorkDir
	e.c.run.SetStepStatus(e.spec.Index, domain.StepSucceeded)
	e.c.run.AppendLog(e.spec.Index, "info", "attempt %d/%d %s", attempt, maxAttempts, res.Summary())
	e.c.mu.Unlock()

	e.c.log.Info("step succeeded", "step", e.spec.Index, "attempt", attempt, "duration", res.Duration)
	e.c.emit(Event{Type: EventStepStatus, RunID: e.c.run.ID, StepIndex: e.spec.Index, Status: string(domain.StepSucceeded)})
	return domain.StepSucceeded
}

func (e *stepExecutor) retry(attempt, maxAttempts int, res *sandbox.Result, delay time.Duration) {
	e.c.mu.Lock()
	e.c.run.SetStepStatus(e.spec.Index, domain.StepRetrying)
	e.c.run.AppendLog(e.spec.Index, "warn", "attempt %d/%d %s; retrying in %s", attempt, maxAttempts, res.Summary(), delay.Round(time.Millisecond))
	e.c.mu.Unlock()

	e.c.log.Warn("step attempt failed, retrying", "step", e.spec.Index, "attempt", attempt, "outcome", res.Kind, "backoff", delay)
	e.c.emit(Event{Type: EventStepStatus, RunID: e.c.run.ID, StepIndex: e.spec.Index, Status: string(domain.StepRetrying)})
}

// fail marks the step terminally failed with a human-readable detail.
func (e *stepExecutor) fail(detail string) domain.StepStatus {
	e.c.mu.Lock()
	step := e.c.run.Step(e.spec.Index)
	now := time.Now().UTC()
	step.FinishedAt = &now
	step.Error = detail
	step.OutputRef = e.c.run.WorkDir
	e.c.run.SetStepStatus(e.spec.Index, domain.StepFailed)
	e.c.run.AppendLog(e.spec.Index, "error", "%s", detail)
	e.c.mu.Unlock()

	e.c.log.Warn("step failed", "step", e.spec.Index, "detail", detail)
	e.c.emit(Event{Type: EventStepStatus, RunID: e.c.run.ID, StepIndex: e.spec.Index, Status: string(domain.StepFailed), Message: detail})
	return domain.StepFailed
}

// failCancelled marks the active step failed because the run was cancelled
// while it executed or waited to retry. The cancellation flag is set in the
// same critical section so no snapshot shows one without the other.
func (e *stepExecutor) failCancelled(attempt int) domain.StepStatus {
	reason := e.c.reason()
	detail := fmt.Sprintf("cancelled during attempt %d: %s", attempt, reason)

	e.c.mu.Lock()
	e.c.run.Cancelled = true
	step := e.c.run.Step(e.spec.Index)
	now := time.Now().UTC()
	step.FinishedAt = &now
	step.Error = detail
	e.c.run.SetStepStatus(e.spec.Index, domain.StepFailed)
	e.c.run.AppendLog(e.spec.Index, "error", "%s", detail)
	e.c.mu.Unlock()

	e.c.log.Info("step cancelled", "step", e.spec.Index, "attempt", attempt)
	e.c.emit(Event{Type: EventStepStatus, RunID: e.c.run.ID, StepIndex: e.spec.Index, Status: string(domain.StepFailed), Message: detail})
	return domain.StepFailed
}
