package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/lab-orchestrator/internal/config"
	"github.com/hochfrequenz/lab-orchestrator/internal/parser"
	"github.com/hochfrequenz/lab-orchestrator/internal/planner"
	"github.com/hochfrequenz/lab-orchestrator/internal/prompts"
	"github.com/hochfrequenz/lab-orchestrator/internal/retrieval"
)

var (
	planDataset string
	planColumns string
	planOut     string
	planSubmit  bool
)

func init() {
	planCmd := &cobra.Command{
		Use:   "plan GOAL",
		Short: "Author a plan from an analysis goal",
		Long: `Author a plan document for the given goal. With a planner API key
configured, a language model drafts the steps; otherwise a built-in
template pipeline is used. The result is always validated before it is
printed, saved or submitted.`,
		Args: cobra.ExactArgs(1),
		RunE: runPlan,
	}
	planCmd.Flags().StringVar(&planDataset, "dataset", "", "dataset file the plan analyzes (required)")
	planCmd.Flags().StringVar(&planColumns, "columns", "", "comma-separated columns of interest")
	planCmd.Flags().StringVar(&planOut, "out", "", "write the plan document to this file instead of stdout")
	planCmd.Flags().BoolVar(&planSubmit, "submit", false, "submit the authored plan to the daemon")
	planCmd.MarkFlagRequired("dataset")
	rootCmd.AddCommand(planCmd)
}

// buildAuthor picks the plan author: model-backed when an API key is
// configured and present, the static pipeline otherwise.
func buildAuthor(cfg *config.Config, quiet bool) (planner.Author, error) {
	apiKey := os.Getenv(cfg.Planner.APIKeyEnv)
	if apiKey == "" {
		if !quiet {
			fmt.Fprintf(os.Stderr, "%s not set; using the built-in plan templates\n", cfg.Planner.APIKeyEnv)
		}
		return planner.StaticAuthor{}, nil
	}

	model, err := planner.NewModel(planner.ModelConfig{
		APIKey:  apiKey,
		Model:   cfg.Planner.Model,
		BaseURL: cfg.Planner.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	loader := prompts.DefaultLoader("")
	return planner.NewLLMAuthor(model, loader, newLogger(os.Stderr, verbose)), nil
}

// reportContext retrieves snippets from earlier run reports so authored
// plans can build on prior findings.
func reportContext(ctx context.Context, cfg *config.Config, goal string) string {
	idx := retrieval.NewIndex()
	if err := idx.LoadReports(cfg.General.WorkspaceRoot); err != nil {
		return ""
	}
	snips, err := idx.Retrieve(ctx, goal, 3)
	if err != nil {
		return ""
	}
	return retrieval.FormatSnippets(snips)
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	goal := args[0]

	author, err := buildAuthor(cfg, false)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	req := planner.Request{
		Goal:    goal,
		Dataset: planDataset,
		Context: reportContext(ctx, cfg, goal),
	}
	if planColumns != "" {
		for _, c := range strings.Split(planColumns, ",") {
			if c = strings.TrimSpace(c); c != "" {
				req.Columns = append(req.Columns, c)
			}
		}
	}

	plan, err := author.AuthorPlan(ctx, req)
	if err != nil {
		return err
	}

	doc, err := parser.MarshalPlan(plan)
	if err != nil {
		return err
	}

	switch {
	case planOut != "":
		if err := os.WriteFile(planOut, doc, 0644); err != nil {
			return err
		}
		fmt.Printf("Wrote %s (%d steps) to %s\n", plan.Name, len(plan.Steps), planOut)
	case planSubmit:
		// Submitted below; no document output wanted.
	default:
		fmt.Print(string(doc))
	}

	if planSubmit {
		resp, err := newAPIClient(cfg).SubmitPlan(plan)
		if err != nil {
			if unreachable(err) {
				return fmt.Errorf("no daemon at %s:%d; save the plan with --out and execute it with 'lab-orch run'",
					cfg.Server.Host, cfg.Server.Port)
			}
			return err
		}
		fmt.Printf("Submitted %s as run %s\n", plan.Name, resp.RunID)
	}
	return nil
}
