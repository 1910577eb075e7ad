package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// LogLine is one append-only entry in a step's log. Seq is unique and
// strictly increasing across the whole run so readers can poll with a
// cursor. Lines are immutable once appended.
type LogLine struct {
	Seq       int
	StepIndex int
	Timestamp time.Time
	Level     string
	Message   string
}

// StepResult tracks the execution of one step within a run. It
// back-references its StepSpec by index and never owns it.
type StepResult struct {
	Index      int
	Status     StepStatus
	Attempts   int
	Logs       []LogLine
	StartedAt  *time.Time
	FinishedAt *time.Time
	OutputRef  string
	Error      string
}

// Run is one execution of a plan. The run coordinator owning a run is its
// sole writer; none of the methods below lock, the coordinator serializes
// access and hands out deep copies via Clone.
type Run struct {
	ID         string
	PlanID     string
	PlanName   string
	Steps      []StepResult
	WorkDir    string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Cancelled  bool

	logSeq int
}

// NewRun creates a run for the plan with every step result in pending state.
// A run always has exactly one result per plan step.
func NewRun(plan *Plan) *Run {
	steps := make([]StepResult, len(plan.Steps))
	for i, s := range plan.Steps {
		steps[i] = StepResult{Index: s.Index, Status: StepPending}
	}
	return &Run{
		ID:        uuid.New().String(),
		PlanID:    plan.ID,
		PlanName:  plan.Name,
		Steps:     steps,
		CreatedAt: time.Now().UTC(),
	}
}

// Step returns a pointer into the run's step results for the 1-based index.
func (r *Run) Step(index int) *StepResult {
	if index < 1 || index > len(r.Steps) {
		return nil
	}
	return &r.Steps[index-1]
}

// SetStepStatus applies a validated status transition to one step.
func (r *Run) SetStepStatus(index int, to StepStatus) error {
	step := r.Step(index)
	if step == nil {
		return fmt.Errorf("step %d: %w", index, ErrNotFound)
	}
	if err := ValidateStepTransition(step.Status, to); err != nil {
		return fmt.Errorf("step %d: %w", index, err)
	}
	step.Status = to
	return nil
}

// AppendLog appends one line to a step's log and returns it. The sequence
// number is run-scoped and monotonic.
func (r *Run) AppendLog(stepIndex int, level, format string, args ...any) LogLine {
	r.logSeq++
	line := LogLine{
		Seq:       r.logSeq,
		StepIndex: stepIndex,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
	}
	if step := r.Step(stepIndex); step != nil {
		step.Logs = append(step.Logs, line)
	}
	return line
}

// LogsSince returns every log line with a sequence number greater than the
// cursor, ordered by sequence. A cursor of 0 returns the whole log.
func (r *Run) LogsSince(cursor int) []LogLine {
	var lines []LogLine
	for i := range r.Steps {
		for _, l := range r.Steps[i].Logs {
			if l.Seq > cursor {
				lines = append(lines, l)
			}
		}
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].Seq < lines[j].Seq })
	return lines
}

// Status derives the overall run state from the step results. A run is
// completed only when every step succeeded; a cancelled run stays cancelled
// even though its interrupted step reads failed.
func (r *Run) Status() RunStatus {
	var anyActive, anyFailed, anyDone bool
	allSucceeded := len(r.Steps) > 0
	for i := range r.Steps {
		switch r.Steps[i].Status {
		case StepRunning, StepRetrying:
			anyActive = true
		case StepFailed, StepSkipped:
			anyFailed = true
		case StepSucceeded:
			anyDone = true
		}
		if r.Steps[i].Status != StepSucceeded {
			allSucceeded = false
		}
	}

	switch {
	case allSucceeded:
		return RunCompleted
	case anyActive:
		return RunRunning
	case r.Cancelled:
		return RunCancelled
	case anyFailed:
		return RunFailed
	case anyDone:
		return RunRunning
	default:
		return RunPending
	}
}

// Terminal reports whether the run has reached a terminal status.
func (r *Run) Terminal() bool {
	return r.Status().Terminal()
}

// Duration returns how long the run has been executing, or its total
// duration once finished.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(*r.StartedAt)
	}
	return time.Since(*r.StartedAt)
}

// Clone returns a deep copy safe to hand to readers while the coordinator
// keeps mutating the original.
func (r *Run) Clone() *Run {
	clone := *r
	clone.Steps = make([]StepResult, len(r.Steps))
	for i, s := range r.Steps {
		clone.Steps[i] = s
		if s.Logs != nil {
			clone.Steps[i].Logs = append([]LogLine(nil), s.Logs...)
		}
		clone.Steps[i].StartedAt = copyTime(s.StartedAt)
		clone.Steps[i].FinishedAt = copyTime(s.FinishedAt)
	}
	clone.StartedAt = copyTime(r.StartedAt)
	clone.FinishedAt = copyTime(r.FinishedAt)
	return &clone
}

// RestoreLogSeq recomputes the internal log cursor after loading a run from
// storage, so appended lines keep sequence numbers unique.
func (r *Run) RestoreLogSeq() {
	max := 0
	for i := range r.Steps {
		for _, l := range r.Steps[i].Logs {
			if l.Seq > max {
				max = l.Seq
			}
		}
	}
	r.logSeq = max
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
