package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StepSpec describes one step of an analysis plan. Steps are numbered from 1
// in execution order.
type StepSpec struct {
	Index          int
	Name           string
	Action         ActionKind
	Params         map[string]string
	ExpectedOutput string
}

// Param returns the named parameter or the fallback when absent or empty.
func (s StepSpec) Param(name, fallback string) string {
	if v, ok := s.Params[name]; ok && v != "" {
		return v
	}
	return fallback
}

// Plan is an immutable, ordered sequence of analysis steps. Edits produce a
// new plan; nothing mutates a plan after NewPlan returns it.
type Plan struct {
	ID        string
	Name      string
	Dataset   string
	Steps     []StepSpec
	CreatedAt time.Time
}

// requiredParams lists the parameters each action kind must carry. Kinds not
// listed here have no mandatory parameters.
var requiredParams = map[ActionKind][]string{
	ActionLoad: {"file"},
	ActionPlot: {"column"},
}

// NewPlan validates the given steps and returns an immutable plan with a
// fresh identifier. Validation failures are *ValidationError.
func NewPlan(name, dataset string, steps []StepSpec) (*Plan, error) {
	if name == "" {
		return nil, validationErrorf("name", "must not be empty")
	}
	if err := ValidateSteps(steps); err != nil {
		return nil, err
	}

	copied := make([]StepSpec, len(steps))
	for i, s := range steps {
		copied[i] = s
		if s.Params != nil {
			params := make(map[string]string, len(s.Params))
			for k, v := range s.Params {
				params[k] = v
			}
			copied[i].Params = params
		}
	}

	return &Plan{
		ID:        uuid.New().String(),
		Name:      name,
		Dataset:   dataset,
		Steps:     copied,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// ValidateSteps checks the step sequence invariants: at least one step,
// indices contiguous from 1, known action kinds, required parameters present.
func ValidateSteps(steps []StepSpec) error {
	if len(steps) == 0 {
		return validationErrorf("steps", "plan has no steps")
	}
	for i, s := range steps {
		field := fmt.Sprintf("steps[%d]", i)
		if s.Index != i+1 {
			return validationErrorf(field+".index", "want %d, got %d (indices must be contiguous from 1)", i+1, s.Index)
		}
		if s.Name == "" {
			return validationErrorf(field+".name", "must not be empty")
		}
		if !s.Action.Known() {
			return validationErrorf(field+".action", "unknown action kind %q", s.Action)
		}
		for _, p := range requiredParams[s.Action] {
			if s.Params[p] == "" {
				return validationErrorf(field+".params", "action %s requires parameter %q", s.Action, p)
			}
		}
	}
	return nil
}

// Step returns the spec with the given 1-based index.
func (p *Plan) Step(index int) (StepSpec, bool) {
	if index < 1 || index > len(p.Steps) {
		return StepSpec{}, false
	}
	return p.Steps[index-1], true
}
