package planner

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/hochfrequenz/lab-orchestrator/internal/domain"
)

// StaticAuthor builds a standard exploratory plan without a model: load,
// statistics, an optional plot of the first hinted column, correlations and
// a report. It is the fallback when no model is configured.
type StaticAuthor struct{}

func (StaticAuthor) AuthorPlan(_ context.Context, req Request) (*domain.Plan, error) {
	columns := strings.Join(req.Columns, ",")

	steps := []domain.StepSpec{
		{
			Index:  1,
			Name:   "Load dataset",
			Action: domain.ActionLoad,
			Params: map[string]string{
				"file":      req.Dataset,
				"file_type": fileType(req.Dataset),
			},
			ExpectedOutput: "normalized dataset.csv plus a load summary",
		},
		{
			Index:          2,
			Name:           "Compute summary statistics",
			Action:         domain.ActionComputeStatistics,
			Params:         columnParams(columns),
			ExpectedOutput: "statistics.json with per-column descriptives",
		},
	}

	next := 3
	if len(req.Columns) > 0 {
		steps = append(steps, domain.StepSpec{
			Index:  next,
			Name:   "Plot " + req.Columns[0],
			Action: domain.ActionPlot,
			Params: map[string]string{
				"plot_type": "histogram",
				"column":    req.Columns[0],
			},
			ExpectedOutput: "a histogram image of the column",
		})
		next++
	}

	steps = append(steps,
		domain.StepSpec{
			Index:          next,
			Name:           "Compute correlations",
			Action:         domain.ActionComputeCorrelations,
			Params:         columnParams(columns),
			ExpectedOutput: "correlation matrix over the numeric columns",
		},
		domain.StepSpec{
			Index:  next + 1,
			Name:   "Generate report",
			Action: domain.ActionGenerateReport,
			Params: map[string]string{
				"format":        "markdown",
				"include_plots": "true",
			},
			ExpectedOutput: "report.md summarizing the analysis",
		},
	)

	return domain.NewPlan(defaultPlanName(req), req.Dataset, steps)
}

func columnParams(columns string) map[string]string {
	if columns == "" {
		return nil
	}
	return map[string]string{"columns": columns}
}

func fileType(dataset string) string {
	switch strings.ToLower(filepath.Ext(dataset)) {
	case ".json":
		return "json"
	case ".xlsx", ".xls":
		return "excel"
	default:
		return "csv"
	}
}
