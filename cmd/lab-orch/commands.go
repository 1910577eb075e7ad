package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/lab-orchestrator/internal/config"
	"github.com/hochfrequenz/lab-orchestrator/internal/domain"
	"github.com/hochfrequenz/lab-orchestrator/internal/monitor"
	"github.com/hochfrequenz/lab-orchestrator/internal/parser"
	"github.com/hochfrequenz/lab-orchestrator/internal/prompts"
	"github.com/hochfrequenz/lab-orchestrator/internal/runstore"
	"github.com/hochfrequenz/lab-orchestrator/tui"
	"github.com/hochfrequenz/lab-orchestrator/web/api"
)

var (
	listLimit    int
	logsSince    int
	logsFollow   bool
	cancelReason string
)

func init() {
	submitCmd := &cobra.Command{
		Use:   "submit PLAN.yaml",
		Short: "Submit a plan file to the running daemon",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubmit,
	}
	rootCmd.AddCommand(submitCmd)

	statusCmd := &cobra.Command{
		Use:   "status RUN",
		Short: "Show the state of one run",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE:  runList,
	}
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum runs to list")
	rootCmd.AddCommand(listCmd)

	logsCmd := &cobra.Command{
		Use:   "logs RUN",
		Short: "Print a run's logs",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	logsCmd.Flags().IntVar(&logsSince, "since", 0, "only lines after this cursor")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep polling until the run finishes")
	rootCmd.AddCommand(logsCmd)

	cancelCmd := &cobra.Command{
		Use:   "cancel RUN",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "cancelled via cli", "reason recorded on the interrupted step")
	rootCmd.AddCommand(cancelCmd)

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Show daemon health and metrics",
		RunE:  runHealth,
	}
	rootCmd.AddCommand(healthCmd)

	templatesCmd := &cobra.Command{
		Use:   "templates [NAME]",
		Short: "List or print the built-in prompt and script templates",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runTemplates,
	}
	rootCmd.AddCommand(templatesCmd)

	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Launch the dashboard attached to the daemon",
		RunE:  runTUI,
	}
	rootCmd.AddCommand(tuiCmd)
}

func loadConfig() (*config.Config, error) {
	return config.LoadWithLocalFallback(configPath)
}

func openStore(cfg *config.Config) (*runstore.Store, error) {
	return runstore.New(cfg.General.DatabasePath)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	plan, err := parser.ParsePlanFile(args[0])
	if err != nil {
		return err
	}

	resp, err := newAPIClient(cfg).SubmitPlan(plan)
	if err != nil {
		if unreachable(err) {
			return fmt.Errorf("no daemon at %s:%d; start one with 'lab-orch serve' or execute directly with 'lab-orch run %s'",
				cfg.Server.Host, cfg.Server.Port, args[0])
		}
		return err
	}

	fmt.Printf("Submitted %s (%d steps)\n", plan.Name, len(plan.Steps))
	fmt.Printf("Run: %s\n", resp.RunID)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	runID := args[0]

	resp, err := newAPIClient(cfg).RunStatus(runID)
	if err != nil {
		if !unreachable(err) {
			return err
		}
		// No daemon; read run history straight from the store.
		store, serr := openStore(cfg)
		if serr != nil {
			return serr
		}
		defer store.Close()
		run, serr := store.GetRun(runID)
		if serr != nil {
			return serr
		}
		resp = api.RunToResponse(run)
	}

	printRunDetail(resp)
	return nil
}

func printRunDetail(r api.RunResponse) {
	fmt.Printf("Run:      %s\n", r.RunID)
	fmt.Printf("Plan:     %s (%s)\n", r.PlanName, r.PlanID)
	fmt.Printf("Status:   %s\n", r.Status)
	if r.StartedAt != nil {
		fmt.Printf("Started:  %s\n", *r.StartedAt)
	}
	if r.FinishedAt != nil {
		fmt.Printf("Finished: %s\n", *r.FinishedAt)
	}
	fmt.Printf("Duration: %s\n", r.Duration)
	if r.WorkDir != "" {
		fmt.Printf("Workdir:  %s\n", r.WorkDir)
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tSTATUS\tATTEMPTS\tLOGS\tERROR")
	for _, s := range r.Steps {
		errMsg := s.Error
		if len(errMsg) > 60 {
			errMsg = errMsg[:57] + "..."
		}
		if errMsg == "" {
			errMsg = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\n", s.Index, s.Status, s.Attempts, s.LogCount, errMsg)
	}
	w.Flush()
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	summaries, err := newAPIClient(cfg).ListRuns(listLimit)
	if err != nil {
		if !unreachable(err) {
			return err
		}
		store, serr := openStore(cfg)
		if serr != nil {
			return serr
		}
		defer store.Close()
		runs, serr := store.ListRuns(listLimit)
		if serr != nil {
			return serr
		}
		for _, run := range runs {
			summaries = append(summaries, monitor.Summarize(run))
		}
	}

	if len(summaries) == 0 {
		fmt.Println("No runs yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tPLAN\tSTATUS\tSTEPS\tCREATED\tDURATION")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			shortID(s.RunID), s.PlanName, s.Status, s.StepsDone, s.StepsTotal,
			humanize.Time(s.CreatedAt), s.Duration.Round(time.Second))
	}
	w.Flush()
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	runID := args[0]
	client := newAPIClient(cfg)

	cursor := logsSince
	for {
		resp, err := client.RunLogs(runID, cursor)
		if err != nil {
			if !unreachable(err) {
				return err
			}
			return printStoredLogs(cfg, runID, cursor)
		}
		for _, l := range resp.Lines {
			printLogLine(l)
		}
		cursor = resp.Next

		if !logsFollow {
			return nil
		}

		status, err := client.RunStatus(runID)
		if err != nil {
			return err
		}
		if domain.RunStatus(status.Status).Terminal() {
			// One final fetch for lines appended while we checked.
			final, err := client.RunLogs(runID, cursor)
			if err != nil {
				return err
			}
			for _, l := range final.Lines {
				printLogLine(l)
			}
			return nil
		}
		time.Sleep(2 * time.Second)
	}
}

func printStoredLogs(cfg *config.Config, runID string, since int) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.GetRun(runID)
	if err != nil {
		return err
	}
	for _, l := range run.LogsSince(since) {
		printLogLine(api.LogLineResponse{
			Seq:       l.Seq,
			StepIndex: l.StepIndex,
			Timestamp: l.Timestamp,
			Level:     l.Level,
			Message:   l.Message,
		})
	}
	return nil
}

func printLogLine(l api.LogLineResponse) {
	fmt.Printf("%s [step %d] %-6s %s\n", l.Timestamp.Format("15:04:05"), l.StepIndex, l.Level, l.Message)
}

func runCancel(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	runID := args[0]

	if err := newAPIClient(cfg).CancelRun(runID, cancelReason); err != nil {
		if unreachable(err) {
			return fmt.Errorf("no daemon at %s:%d; only a running daemon can cancel runs", cfg.Server.Host, cfg.Server.Port)
		}
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("run %s not found", runID)
		}
		return err
	}

	fmt.Printf("Cancelling %s\n", runID)
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	h, err := newAPIClient(cfg).Health()
	if err != nil {
		if unreachable(err) {
			return fmt.Errorf("no daemon at %s:%d", cfg.Server.Host, cfg.Server.Port)
		}
		return err
	}

	fmt.Printf("Status:     %s\n", h.Status)
	fmt.Printf("Active:     %d\n", h.ActiveRuns)
	fmt.Printf("Completed:  %d\n", h.Completed)
	fmt.Printf("Failed:     %d\n", h.Failed)
	fmt.Printf("Cancelled:  %d\n", h.Cancelled)
	if h.AvgDuration != "" {
		fmt.Printf("Avg run:    %s\n", h.AvgDuration)
	}
	for _, id := range h.StuckRuns {
		fmt.Printf("Stuck:      %s\n", id)
	}
	return nil
}

func runTemplates(cmd *cobra.Command, args []string) error {
	loader := prompts.NewLoader()

	if len(args) == 1 {
		content, err := loader.Raw(args[0])
		if err != nil {
			return err
		}
		fmt.Print(content)
		return nil
	}

	for _, name := range loader.Names() {
		fmt.Println(name)
	}
	return nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	model := tui.NewModel(tui.ModelConfig{
		Source:    newAPIClient(cfg),
		MaxActive: cfg.Runs.MaxConcurrent,
	})

	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()
	return err
}
