// Package planner turns analysis goals into validated plans and plan steps
// into runnable code. Model-backed implementations treat model output as
// untrusted data: everything passes through domain validation before the
// engine accepts it.
package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/hochfrequenz/lab-orchestrator/internal/domain"
)

// Request describes what a plan should accomplish.
type Request struct {
	Goal    string
	Dataset string
	// Columns optionally hints at interesting dataset columns; authors use
	// them for statistics and plot parameters.
	Columns []string
	// Context carries retrieved snippets from earlier analyses.
	Context string
}

// Author produces a validated plan for a request.
type Author interface {
	AuthorPlan(ctx context.Context, req Request) (*domain.Plan, error)
}

// authoredPlan is the JSON shape a model responds with.
type authoredPlan struct {
	Name  string         `json:"name"`
	Steps []authoredStep `json:"steps"`
}

type authoredStep struct {
	Name           string         `json:"name"`
	Action         string         `json:"action"`
	Params         map[string]any `json:"params"`
	ExpectedOutput string         `json:"expected_output"`
}

// planFromAuthored validates an authored document into a plan. Indices come
// from position; a model never numbers steps itself.
func planFromAuthored(doc authoredPlan, fallbackName, dataset string) (*domain.Plan, error) {
	name := strings.TrimSpace(doc.Name)
	if name == "" {
		name = fallbackName
	}

	steps := make([]domain.StepSpec, 0, len(doc.Steps))
	for i, s := range doc.Steps {
		steps = append(steps, domain.StepSpec{
			Index:          i + 1,
			Name:           stepName(s),
			Action:         domain.ActionKind(strings.TrimSpace(s.Action)),
			Params:         stringParams(s.Params),
			ExpectedOutput: s.ExpectedOutput,
		})
	}
	return domain.NewPlan(name, dataset, steps)
}

func stepName(s authoredStep) string {
	if name := strings.TrimSpace(s.Name); name != "" {
		return name
	}
	return strings.TrimSpace(s.Action)
}

func stringParams(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

func defaultPlanName(req Request) string {
	if goal := strings.TrimSpace(req.Goal); goal != "" {
		return goal
	}
	if req.Dataset != "" {
		return "Exploratory analysis of " + req.Dataset
	}
	return "Exploratory analysis"
}

// stripFences removes a surrounding markdown code fence from model output.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

// firstJSONObject trims prose around the outermost JSON object, for models
// that narrate despite instructions.
func firstJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
