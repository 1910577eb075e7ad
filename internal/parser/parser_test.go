package parser

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hochfrequenz/lab-orchestrator/internal/domain"
)

const salesPlan = `name: Monthly sales review
dataset: data/sales.csv
steps:
  - action: load
    params:
      file: data/sales.csv
      file_type: csv
  - name: Revenue statistics
    action: compute-statistics
    params:
      columns: revenue,units
  - action: plot
    params:
      plot_type: histogram
      column: revenue
      bins: 20
  - action: generate-report
    params:
      format: markdown
      include_plots: true
`

func TestParsePlan(t *testing.T) {
	plan, err := ParsePlan([]byte(salesPlan))
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}

	if plan.Name != "Monthly sales review" {
		t.Errorf("name = %q, want %q", plan.Name, "Monthly sales review")
	}
	if plan.Dataset != "data/sales.csv" {
		t.Errorf("dataset = %q, want %q", plan.Dataset, "data/sales.csv")
	}
	if len(plan.Steps) != 4 {
		t.Fatalf("got %d steps, want 4", len(plan.Steps))
	}

	for i, s := range plan.Steps {
		if s.Index != i+1 {
			t.Errorf("step %d has index %d, want %d", i, s.Index, i+1)
		}
	}

	// Omitted names fall back to the action's default.
	if got, want := plan.Steps[0].Name, "Load dataset"; got != want {
		t.Errorf("step 1 name = %q, want %q", got, want)
	}
	// Explicit names are kept.
	if got, want := plan.Steps[1].Name, "Revenue statistics"; got != want {
		t.Errorf("step 2 name = %q, want %q", got, want)
	}

	// Non-string YAML values arrive as text.
	if got, want := plan.Steps[2].Params["bins"], "20"; got != want {
		t.Errorf("bins param = %q, want %q", got, want)
	}
	if got, want := plan.Steps[3].Params["include_plots"], "true"; got != want {
		t.Errorf("include_plots param = %q, want %q", got, want)
	}
}

func TestParsePlanErrors(t *testing.T) {
	tests := []struct {
		name       string
		doc        string
		validation bool
	}{
		{
			name:       "missing plan name",
			doc:        "dataset: d.csv\nsteps:\n  - action: compute-statistics\n",
			validation: true,
		},
		{
			name:       "no steps",
			doc:        "name: empty\ndataset: d.csv\nsteps: []\n",
			validation: true,
		},
		{
			name:       "unknown action",
			doc:        "name: p\ndataset: d.csv\nsteps:\n  - action: transmogrify\n",
			validation: true,
		},
		{
			name:       "load without file param",
			doc:        "name: p\ndataset: d.csv\nsteps:\n  - action: load\n",
			validation: true,
		},
		{
			name:       "plot without column param",
			doc:        "name: p\ndataset: d.csv\nsteps:\n  - action: plot\n    params:\n      plot_type: histogram\n",
			validation: true,
		},
		{
			name: "not yaml",
			doc:  "{{{",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePlan([]byte(tt.doc))
			if err == nil {
				t.Fatal("ParsePlan succeeded, want an error")
			}
			var verr *domain.ValidationError
			if got := errors.As(err, &verr); got != tt.validation {
				t.Errorf("validation error = %v (err %v), want %v", got, err, tt.validation)
			}
		})
	}
}

func TestMatchPlanFile(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"sales.yaml", true},
		{"sales.yml", true},
		{"SALES.YAML", true},
		{"notes.txt", false},
		{"plan.yaml.bak", false},
		{".hidden.yaml", false},
		{"#sales.yaml#", false},
	}
	for _, tt := range tests {
		if got := MatchPlanFile(tt.name); got != tt.want {
			t.Errorf("MatchPlanFile(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestParsePlanDir(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}

	write("b-second.yaml", "name: second\ndataset: d.csv\nsteps:\n  - action: compute-statistics\n")
	write("a-first.yaml", "name: first\ndataset: d.csv\nsteps:\n  - action: compute-correlations\n")
	write("ignored.txt", "not a plan")
	write(".hidden.yaml", "name: hidden\nsteps:\n  - action: load\n")

	plans, err := ParsePlanDir(dir)
	if err != nil {
		t.Fatalf("ParsePlanDir: %v", err)
	}
	if len(plans) != 2 {
		t.Fatalf("got %d plans, want 2", len(plans))
	}
	if plans[0].Name != "first" || plans[1].Name != "second" {
		t.Errorf("order = [%s %s], want [first second]", plans[0].Name, plans[1].Name)
	}
}

func TestParsePlanDirMissing(t *testing.T) {
	plans, err := ParsePlanDir(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("ParsePlanDir on a missing dir: %v", err)
	}
	if plans != nil {
		t.Errorf("got %d plans from a missing dir, want none", len(plans))
	}
}

func TestParsePlanDirStopsOnBrokenPlan(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: p\nsteps:\n  - action: nope\n"), 0644); err != nil {
		t.Fatalf("writing plan: %v", err)
	}

	_, err := ParsePlanDir(dir)
	if err == nil {
		t.Fatal("ParsePlanDir succeeded, want an error")
	}
	if !strings.Contains(err.Error(), "broken.yaml") {
		t.Errorf("err = %v, want the file name in the message", err)
	}
}

func TestMarshalPlanRoundTrip(t *testing.T) {
	plan, err := ParsePlan([]byte(salesPlan))
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}

	out, err := MarshalPlan(plan)
	if err != nil {
		t.Fatalf("MarshalPlan: %v", err)
	}
	again, err := ParsePlan(out)
	if err != nil {
		t.Fatalf("reparsing marshalled plan: %v", err)
	}

	if len(again.Steps) != len(plan.Steps) {
		t.Fatalf("round trip changed step count: %d -> %d", len(plan.Steps), len(again.Steps))
	}
	for i := range plan.Steps {
		if again.Steps[i].Action != plan.Steps[i].Action {
			t.Errorf("step %d action changed: %s -> %s", i+1, plan.Steps[i].Action, again.Steps[i].Action)
		}
		if again.Steps[i].Params["column"] != plan.Steps[i].Params["column"] {
			t.Errorf("step %d column param changed", i+1)
		}
	}
}
