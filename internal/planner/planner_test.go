package planner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"

	"github.com/hochfrequenz/lab-orchestrator/internal/domain"
	"github.com/hochfrequenz/lab-orchestrator/internal/prompts"
)

type fakeModel struct {
	resp     string
	err      error
	messages []llms.MessageContent
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.messages = messages
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.resp}}}, nil
}

func TestStaticAuthorPlan(t *testing.T) {
	author := StaticAuthor{}

	plan, err := author.AuthorPlan(context.Background(), Request{
		Goal:    "quarterly revenue overview",
		Dataset: "data/sales.csv",
		Columns: []string{"revenue", "units"},
	})
	if err != nil {
		t.Fatalf("AuthorPlan: %v", err)
	}

	wantActions := []domain.ActionKind{
		domain.ActionLoad,
		domain.ActionComputeStatistics,
		domain.ActionPlot,
		domain.ActionComputeCorrelations,
		domain.ActionGenerateReport,
	}
	if len(plan.Steps) != len(wantActions) {
		t.Fatalf("got %d steps, want %d", len(plan.Steps), len(wantActions))
	}
	for i, want := range wantActions {
		if got := plan.Steps[i].Action; got != want {
			t.Errorf("step %d action = %s, want %s", i+1, got, want)
		}
	}
	if got := plan.Steps[0].Params["file"]; got != "data/sales.csv" {
		t.Errorf("load file param = %q, want the dataset path", got)
	}
	if got := plan.Steps[2].Params["column"]; got != "revenue" {
		t.Errorf("plot column param = %q, want %q", got, "revenue")
	}
	if plan.Name != "quarterly revenue overview" {
		t.Errorf("plan name = %q, want the goal", plan.Name)
	}
}

func TestStaticAuthorPlanWithoutColumnHints(t *testing.T) {
	plan, err := StaticAuthor{}.AuthorPlan(context.Background(), Request{Dataset: "data/sales.json"})
	if err != nil {
		t.Fatalf("AuthorPlan: %v", err)
	}

	// No column hint means no plot step: plot requires a column parameter.
	for _, s := range plan.Steps {
		if s.Action == domain.ActionPlot {
			t.Errorf("plan contains a plot step without a column hint")
		}
	}
	if got := plan.Steps[0].Params["file_type"]; got != "json" {
		t.Errorf("file_type = %q, want json for a .json dataset", got)
	}
}

func TestLLMAuthorParsesFencedPlan(t *testing.T) {
	model := &fakeModel{resp: "```json\n" + `{
  "name": "Revenue check",
  "steps": [
    {"action": "load", "params": {"file": "data/sales.csv"}},
    {"action": "compute-statistics", "params": {"columns": "revenue"}},
    {"action": "generate-report", "params": {"format": "markdown", "include_plots": false}}
  ]
}` + "\n```"}

	author := NewLLMAuthor(model, prompts.NewLoader(), nil)
	plan, err := author.AuthorPlan(context.Background(), Request{Goal: "check revenue", Dataset: "data/sales.csv"})
	if err != nil {
		t.Fatalf("AuthorPlan: %v", err)
	}

	if plan.Name != "Revenue check" {
		t.Errorf("plan name = %q, want %q", plan.Name, "Revenue check")
	}
	if len(plan.Steps) != 3 {
		t.Fatalf("got %d steps, want 3", len(plan.Steps))
	}
	for i, s := range plan.Steps {
		if s.Index != i+1 {
			t.Errorf("step %d index = %d, want %d", i, s.Index, i+1)
		}
	}
	// JSON booleans arrive as text.
	if got := plan.Steps[2].Params["include_plots"]; got != "false" {
		t.Errorf("include_plots = %q, want %q", got, "false")
	}

	// Both prompt roles were sent.
	if len(model.messages) != 2 {
		t.Fatalf("model got %d messages, want 2", len(model.messages))
	}
	if model.messages[0].Role != schema.ChatMessageTypeSystem {
		t.Errorf("first message role = %s, want system", model.messages[0].Role)
	}
}

func TestLLMAuthorTrimsProseAroundJSON(t *testing.T) {
	model := &fakeModel{resp: `Here is the plan you asked for:

{"name": "p", "steps": [{"action": "compute-statistics"}]}

Let me know if you need changes.`}

	plan, err := NewLLMAuthor(model, prompts.NewLoader(), nil).AuthorPlan(context.Background(), Request{Dataset: "d.csv"})
	if err != nil {
		t.Fatalf("AuthorPlan: %v", err)
	}
	if len(plan.Steps) != 1 || plan.Steps[0].Action != domain.ActionComputeStatistics {
		t.Errorf("unexpected plan steps: %+v", plan.Steps)
	}
}

func TestLLMAuthorRejectsUnknownAction(t *testing.T) {
	model := &fakeModel{resp: `{"name": "p", "steps": [{"action": "transmogrify"}]}`}

	_, err := NewLLMAuthor(model, prompts.NewLoader(), nil).AuthorPlan(context.Background(), Request{Dataset: "d.csv"})
	if err == nil {
		t.Fatal("AuthorPlan accepted an unknown action")
	}
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("err = %v, want a ValidationError", err)
	}
}

func TestLLMAuthorModelError(t *testing.T) {
	model := &fakeModel{err: errors.New("endpoint unreachable")}

	_, err := NewLLMAuthor(model, prompts.NewLoader(), nil).AuthorPlan(context.Background(), Request{Dataset: "d.csv"})
	if err == nil || !strings.Contains(err.Error(), "endpoint unreachable") {
		t.Errorf("err = %v, want the model error", err)
	}
}

func statsStep(t *testing.T) (*domain.Plan, domain.StepSpec) {
	t.Helper()
	plan, err := domain.NewPlan("p", "data/sales.csv", []domain.StepSpec{
		{Index: 1, Name: "stats", Action: domain.ActionComputeStatistics, Params: map[string]string{"columns": "revenue"}},
	})
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}
	return plan, plan.Steps[0]
}

func TestTemplateCodeGen(t *testing.T) {
	plan, step := statsStep(t)

	code, err := NewTemplateCodeGen(prompts.NewLoader()).CodeFor(context.Background(), plan, step)
	if err != nil {
		t.Fatalf("CodeFor: %v", err)
	}
	if !strings.Contains(code, "data/sales.csv") {
		t.Errorf("generated code does not reference the dataset:\n%s", code)
	}
	if strings.Contains(code, "{{") {
		t.Errorf("generated code contains unrendered template markers:\n%s", code)
	}
}

func TestTemplateCodeGenUnknownAction(t *testing.T) {
	plan, step := statsStep(t)
	step.Action = "transmogrify"

	if _, err := NewTemplateCodeGen(prompts.NewLoader()).CodeFor(context.Background(), plan, step); err == nil {
		t.Error("CodeFor succeeded for an action without a template")
	}
}

func TestLLMCodeGenStripsFences(t *testing.T) {
	plan, step := statsStep(t)
	model := &fakeModel{resp: "```python\nprint('hello')\n```"}

	code, err := NewLLMCodeGen(model, prompts.NewLoader(), nil).CodeFor(context.Background(), plan, step)
	if err != nil {
		t.Fatalf("CodeFor: %v", err)
	}
	if code != "print('hello')" {
		t.Errorf("code = %q, want the fence stripped", code)
	}
}

func TestLLMCodeGenFallsBackOnModelError(t *testing.T) {
	plan, step := statsStep(t)
	model := &fakeModel{err: errors.New("rate limited")}

	code, err := NewLLMCodeGen(model, prompts.NewLoader(), nil).CodeFor(context.Background(), plan, step)
	if err != nil {
		t.Fatalf("CodeFor: %v", err)
	}
	if !strings.Contains(code, "describe") {
		t.Errorf("fallback code does not look like the statistics template:\n%s", code)
	}
}

func TestLLMCodeGenFallsBackOnEmptyOutput(t *testing.T) {
	plan, step := statsStep(t)
	model := &fakeModel{resp: "```python\n\n```"}

	code, err := NewLLMCodeGen(model, prompts.NewLoader(), nil).CodeFor(context.Background(), plan, step)
	if err != nil {
		t.Fatalf("CodeFor: %v", err)
	}
	if !strings.Contains(code, "pandas") {
		t.Errorf("fallback code does not look like the statistics template:\n%s", code)
	}
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no fence", "print('x')", "print('x')"},
		{"plain fence", "```\nprint('x')\n```", "print('x')"},
		{"language fence", "```python\nprint('x')\n```", "print('x')"},
		{"json fence", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"single line", "```{}```", "{}"},
		{"surrounding whitespace", "  ```\ncode\n```  ", "code"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripFences(tt.in); got != tt.want {
				t.Errorf("stripFences(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
