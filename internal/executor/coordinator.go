// Package executor drives validated plans through sandboxed, supervised
// runs: one coordinator per run sequences the steps, a step executor walks
// each step through its state machine under the retry policy, and a manager
// fans runs out across goroutines with bounded concurrency.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hochfrequenz/lab-orchestrator/internal/domain"
	"github.com/hochfrequenz/lab-orchestrator/internal/sandbox"
)

// SandboxRunner executes one attempt of generated code in isolation.
type SandboxRunner interface {
	Execute(ctx context.Context, req sandbox.Request, budget sandbox.Budget, onOutput sandbox.OutputCallback) (*sandbox.Result, error)
}

// CodeSource returns the code to run for one step. The engine never
// validates the code beyond it being non-empty.
type CodeSource interface {
	CodeFor(ctx context.Context, plan *domain.Plan, step domain.StepSpec) (string, error)
}

// Event is a state change pushed to an optional observer (SSE hub, TUI).
// Observation of run state itself goes through Snapshot; events only wake
// pushers up.
type Event struct {
	Type      string    `json:"type"`
	RunID     string    `json:"run_id"`
	StepIndex int       `json:"step_index,omitempty"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Time      time.Time `json:"time"`
}

// Event types emitted by the coordinator.
const (
	EventRunStarted  = "run_started"
	EventStepStatus  = "step_status"
	EventStepLog     = "step_log"
	EventRunFinished = "run_finished"
)

// Config wires one coordinator. Zero-value policy and budget fields fall
// back to engine defaults.
type Config struct {
	Runner      SandboxRunner
	Workspace   *sandbox.Workspace
	CodeSource  CodeSource
	Policy      RetryPolicy
	Budget      sandbox.Budget
	Interpreter []string
	Logger      *slog.Logger

	// ContinueOnFailure keeps executing later steps after one fails. The
	// default is fail-fast: remaining steps are skipped.
	ContinueOnFailure bool

	// OnTerminal receives the final snapshot exactly once when the run
	// reaches a terminal status. This is the persistence handoff.
	OnTerminal func(*domain.Run)
	// OnEvent, when set, receives lifecycle events. Called outside locks.
	OnEvent func(Event)
}

// Coordinator owns exactly one run. It is the sole writer of the run's
// state; readers get consistent deep copies from Snapshot.
type Coordinator struct {
	mu   sync.RWMutex
	run  *domain.Run
	plan *domain.Plan

	cfg Config
	log *slog.Logger

	started      bool
	cancelFn     context.CancelFunc
	cancelReason string
	done         chan struct{}
	handoff      sync.Once
}

// NewCoordinator creates a coordinator with a fresh run for the plan; every
// step result starts out pending.
func NewCoordinator(plan *domain.Plan, cfg Config) *Coordinator {
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = DefaultRetryPolicy()
	}
	if cfg.Budget.Timeout <= 0 {
		cfg.Budget.Timeout = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	run := domain.NewRun(plan)
	return &Coordinator{
		run:  run,
		plan: plan,
		cfg:  cfg,
		log:  logger.With("run", run.ID, "plan", plan.Name),
		done: make(chan struct{}),
	}
}

// ID returns the run identifier.
func (c *Coordinator) ID() string {
	return c.run.ID
}

// Plan returns the immutable plan this coordinator executes.
func (c *Coordinator) Plan() *domain.Plan {
	return c.plan
}

// Start launches the run loop on its own goroutine and returns immediately.
// It may be called once.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("run %s already started", c.run.ID)
	}
	c.started = true
	ctx, c.cancelFn = context.WithCancel(ctx)
	c.mu.Unlock()

	go c.loop(ctx)
	return nil
}

// Snapshot returns a consistent point-in-time deep copy of the run. Readers
// hold the lock only for the duration of the copy.
func (c *Coordinator) Snapshot() *domain.Run {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.run.Clone()
}

// Cancel requests cooperative cancellation: the in-flight sandbox process
// is killed, the active step is marked failed with a cancellation detail,
// and no further steps start. Steps that never started stay pending.
// Calling Cancel again, or on a finished run, has no effect.
func (c *Coordinator) Cancel(reason string) {
	if reason == "" {
		reason = "cancelled by request"
	}

	c.mu.Lock()
	if c.run.Cancelled || c.run.Terminal() {
		c.mu.Unlock()
		return
	}
	c.run.Cancelled = true
	c.cancelReason = reason
	cancel := c.cancelFn
	c.mu.Unlock()

	c.log.Info("run cancellation requested", "reason", reason)
	if cancel != nil {
		cancel()
	}
}

// Terminal reports whether the run has reached a terminal status.
func (c *Coordinator) Terminal() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.run.Terminal()
}

// Done is closed once the run loop has exited and the terminal snapshot has
// been handed off.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// loop executes the plan's steps strictly in order. Step n+1 never starts
// before step n is terminal.
func (c *Coordinator) loop(ctx context.Context) {
	defer close(c.done)
	defer c.finalize()

	c.mu.Lock()
	now := time.Now().UTC()
	c.run.StartedAt = &now
	c.mu.Unlock()
	c.emit(Event{Type: EventRunStarted, RunID: c.run.ID, Status: string(domain.RunRunning)})
	c.log.Info("run started", "steps", len(c.plan.Steps))

	if c.cancelledBeforeNextStep(ctx) {
		return
	}

	workDir, err := c.cfg.Workspace.Create(c.run.ID)
	if err != nil {
		c.failSetup(err)
		return
	}
	c.mu.Lock()
	c.run.WorkDir = workDir
	c.mu.Unlock()

	failed := false
	for _, spec := range c.plan.Steps {
		if c.cancelledBeforeNextStep(ctx) {
			return
		}
		if failed && !c.cfg.ContinueOnFailure {
			c.skipStep(spec.Index)
			continue
		}

		exec := newStepExecutor(c, spec)
		status := exec.run(ctx)
		if status == domain.StepFailed {
			failed = true
			if c.cancelled() {
				// Cancellation marked the active step failed; the
				// remaining steps must stay pending.
				return
			}
		}
	}
}

// cancelledBeforeNextStep checks the cooperative cancellation point between
// steps. A dead execution context counts as cancellation even when nobody
// called Cancel, so the run still reaches a terminal status.
func (c *Coordinator) cancelledBeforeNextStep(ctx context.Context) bool {
	if ctx.Err() != nil {
		c.mu.Lock()
		if !c.run.Cancelled {
			c.run.Cancelled = true
			if c.cancelReason == "" {
				c.cancelReason = "execution context cancelled"
			}
		}
		c.mu.Unlock()
		return true
	}
	return c.cancelled()
}

func (c *Coordinator) cancelled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.run.Cancelled
}

func (c *Coordinator) reason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cancelReason == "" {
		return "cancelled by request"
	}
	return c.cancelReason
}

// failSetup marks the run failed when the execution environment itself
// cannot be prepared. Setup defects are never retried: the first pending
// step carries the detail and the rest are skipped.
func (c *Coordinator) failSetup(err error) {
	c.log.Error("sandbox setup failed", "error", err)

	c.mu.Lock()
	var events []Event
	detail := fmt.Sprintf("sandbox setup failed: %v", err)
	first := true
	for i := range c.run.Steps {
		step := &c.run.Steps[i]
		if step.Status != domain.StepPending {
			continue
		}
		if first {
			first = false
			now := time.Now().UTC()
			c.run.SetStepStatus(step.Index, domain.StepRunning)
			c.run.SetStepStatus(step.Index, domain.StepFailed)
			step.Error = detail
			step.FinishedAt = &now
			c.run.AppendLog(step.Index, "error", "%s", detail)
			events = append(events, Event{Type: EventStepStatus, RunID: c.run.ID, StepIndex: step.Index, Status: string(domain.StepFailed), Message: detail})
			continue
		}
		c.run.SetStepStatus(step.Index, domain.StepSkipped)
		c.run.AppendLog(step.Index, "info", "skipped: run failed during sandbox setup")
		events = append(events, Event{Type: EventStepStatus, RunID: c.run.ID, StepIndex: step.Index, Status: string(domain.StepSkipped)})
	}
	c.mu.Unlock()

	for _, e := range events {
		c.emit(e)
	}
}

// skipStep marks a pending step skipped under the fail-fast policy.
func (c *Coordinator) skipStep(index int) {
	c.mu.Lock()
	err := c.run.SetStepStatus(index, domain.StepSkipped)
	if err == nil {
		c.run.AppendLog(index, "info", "skipped: an earlier step failed and the run is fail-fast")
	}
	c.mu.Unlock()
	if err == nil {
		c.emit(Event{Type: EventStepStatus, RunID: c.run.ID, StepIndex: index, Status: string(domain.StepSkipped)})
	}
}

// finalize stamps the finish time, releases the run directory and hands the
// terminal snapshot off exactly once.
func (c *Coordinator) finalize() {
	c.mu.Lock()
	now := time.Now().UTC()
	c.run.FinishedAt = &now
	status := c.run.Status()
	workDir := c.run.WorkDir
	snapshot := c.run.Clone()
	c.mu.Unlock()

	if workDir != "" {
		if err := c.cfg.Workspace.Remove(workDir); err != nil {
			c.log.Warn("run dir cleanup failed", "dir", workDir, "error", err)
		}
	}

	c.log.Info("run finished", "status", status, "duration", snapshot.Duration())
	c.emit(Event{Type: EventRunFinished, RunID: c.run.ID, Status: string(status)})

	c.handoff.Do(func() {
		if c.cfg.OnTerminal != nil {
			c.cfg.OnTerminal(snapshot)
		}
	})
}

func (c *Coordinator) emit(e Event) {
	if c.cfg.OnEvent == nil {
		return
	}
	e.Time = time.Now().UTC()
	c.cfg.OnEvent(e)
}

// stderrTail trims captured stderr to a short diagnostic tail.
func stderrTail(stderr string, max int) string {
	s := strings.TrimSpace(stderr)
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
