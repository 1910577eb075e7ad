package domain

import (
	"errors"
	"fmt"
)

// ActionKind identifies what a plan step does. The set is closed: plans
// carrying any other kind are rejected when the plan is created, never at
// execution time.
type ActionKind string

const (
	ActionLoad                ActionKind = "load"
	ActionComputeStatistics   ActionKind = "compute-statistics"
	ActionPlot                ActionKind = "plot"
	ActionComputeCorrelations ActionKind = "compute-correlations"
	ActionGenerateReport      ActionKind = "generate-report"
)

// KnownActions lists every valid action kind in canonical pipeline order.
var KnownActions = []ActionKind{
	ActionLoad,
	ActionComputeStatistics,
	ActionPlot,
	ActionComputeCorrelations,
	ActionGenerateReport,
}

// Known reports whether the action kind is part of the closed set.
func (a ActionKind) Known() bool {
	for _, k := range KnownActions {
		if a == k {
			return true
		}
	}
	return false
}

// StepStatus represents the lifecycle state of one step within a run
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepRetrying  StepStatus = "retrying"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether no further transitions are allowed from s.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped:
		return true
	default:
		return false
	}
}

// RunStatus represents the overall execution state of a run. It is always
// derived from the step results, never stored or set directly.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run can no longer change state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// ErrInvalidTransition is wrapped by step transition violations.
var ErrInvalidTransition = errors.New("invalid step transition")

var allowedStepTransitions = map[StepStatus]map[StepStatus]struct{}{
	StepPending: {
		StepRunning: {},
		StepSkipped: {},
	},
	StepRunning: {
		StepSucceeded: {},
		StepFailed:    {},
		StepRetrying:  {},
	},
	StepRetrying: {
		StepRunning: {},
		StepFailed:  {},
	},
	StepSucceeded: {},
	StepFailed:    {},
	StepSkipped:   {},
}

// ValidateStepTransition returns an error if from -> to is not a legal
// step transition.
func ValidateStepTransition(from, to StepStatus) error {
	allowed, ok := allowedStepTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown source status %q", ErrInvalidTransition, from)
	}
	if _, ok := allowed[to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
