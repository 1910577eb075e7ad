// Package parser reads analysis plans from YAML documents. A plan file
// names its dataset and lists the steps in execution order; step indices
// come from position, so documents never carry explicit numbering that
// could drift.
package parser

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/lab-orchestrator/internal/domain"
)

// planDoc is the on-disk shape of a plan.
type planDoc struct {
	Name    string    `yaml:"name"`
	Dataset string    `yaml:"dataset"`
	Steps   []stepDoc `yaml:"steps"`
}

type stepDoc struct {
	Name           string         `yaml:"name"`
	Action         string         `yaml:"action"`
	Params         map[string]any `yaml:"params"`
	ExpectedOutput string         `yaml:"expected_output"`
}

// defaultStepNames names steps whose documents omit a name.
var defaultStepNames = map[domain.ActionKind]string{
	domain.ActionLoad:                "Load dataset",
	domain.ActionComputeStatistics:   "Compute summary statistics",
	domain.ActionPlot:                "Plot distribution",
	domain.ActionComputeCorrelations: "Compute correlations",
	domain.ActionGenerateReport:      "Generate report",
}

// DefaultStepName returns the display name used for a step of the given
// action when the document omits one. Unknown actions get an empty name
// and fail plan validation later.
func DefaultStepName(action domain.ActionKind) string {
	return defaultStepNames[action]
}

// ParsePlan parses one YAML plan document into a validated plan.
func ParsePlan(data []byte) (*domain.Plan, error) {
	var doc planDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing plan document: %w", err)
	}

	steps := make([]domain.StepSpec, 0, len(doc.Steps))
	for i, s := range doc.Steps {
		action := domain.ActionKind(strings.TrimSpace(s.Action))
		name := strings.TrimSpace(s.Name)
		if name == "" {
			name = defaultStepNames[action]
		}
		steps = append(steps, domain.StepSpec{
			Index:          i + 1,
			Name:           name,
			Action:         action,
			Params:         stringParams(s.Params),
			ExpectedOutput: s.ExpectedOutput,
		})
	}

	plan, err := domain.NewPlan(doc.Name, doc.Dataset, steps)
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// ParsePlanFile reads and parses a plan file.
func ParsePlanFile(path string) (*domain.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan file: %w", err)
	}
	plan, err := ParsePlan(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return plan, nil
}

// MatchPlanFile reports whether a file name looks like a plan document.
// Hidden files and editor droppings are ignored.
func MatchPlanFile(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "#") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// ParsePlanDir parses every plan document in a directory, sorted by file
// name. A directory that does not exist yields no plans.
func ParsePlanDir(dir string) ([]*domain.Plan, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading plan dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !MatchPlanFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var plans []*domain.Plan
	for _, name := range names {
		plan, err := ParsePlanFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// MarshalPlan renders a plan back into its document form, e.g. to save an
// authored plan for later editing.
func MarshalPlan(plan *domain.Plan) ([]byte, error) {
	doc := planDoc{
		Name:    plan.Name,
		Dataset: plan.Dataset,
		Steps:   make([]stepDoc, 0, len(plan.Steps)),
	}
	for _, s := range plan.Steps {
		params := map[string]any{}
		for k, v := range s.Params {
			params[k] = v
		}
		if len(params) == 0 {
			params = nil
		}
		doc.Steps = append(doc.Steps, stepDoc{
			Name:           s.Name,
			Action:         string(s.Action),
			Params:         params,
			ExpectedOutput: s.ExpectedOutput,
		})
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("rendering plan document: %w", err)
	}
	return out, nil
}

// stringParams flattens YAML parameter values to strings. Numbers and
// booleans are allowed in documents ("column: 3") but the engine passes
// parameters as text.
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
