package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/lab-orchestrator/internal/domain"
	"github.com/hochfrequenz/lab-orchestrator/internal/executor"
	"github.com/hochfrequenz/lab-orchestrator/internal/parser"
	"github.com/hochfrequenz/lab-orchestrator/web/api"
)

var runQuiet bool

func init() {
	runCmd := &cobra.Command{
		Use:   "run PLAN.yaml",
		Short: "Execute a plan file in-process and wait for it",
		Long: `Execute a plan without a daemon: the full pipeline runs inside this
process and logs stream to the terminal. The run is persisted to the
same history the daemon uses. Exit status is non-zero when the run does
not complete.`,
		Args: cobra.ExactArgs(1),
		RunE: runOnce,
	}
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "suppress step output, print only the summary")
	rootCmd.AddCommand(runCmd)
}

func runOnce(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	plan, err := parser.ParsePlanFile(args[0])
	if err != nil {
		return err
	}

	logger := newLogger(os.Stderr, verbose)

	onEvent := func(ev executor.Event) {
		if runQuiet {
			return
		}
		switch ev.Type {
		case executor.EventStepLog:
			fmt.Printf("  [step %d] %s\n", ev.StepIndex, ev.Message)
		case executor.EventStepStatus:
			if ev.Status != string(domain.StepRunning) {
				fmt.Printf("* step %d -> %s\n", ev.StepIndex, ev.Status)
			}
		}
	}

	manager, store, err := buildEngine(cfg, logger, onEvent, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	runID, err := manager.Submit(plan)
	if err != nil {
		return err
	}
	fmt.Printf("Executing %s (%d steps) as run %s\n", plan.Name, len(plan.Steps), shortID(runID))

	coord, ok := manager.Get(runID)
	if !ok {
		return fmt.Errorf("run %s vanished after submit", runID)
	}

	// Ctrl-C cancels the run; the active step is killed and the run still
	// lands in history as cancelled.
	sigCtx, stopSignals := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	go func() {
		<-sigCtx.Done()
		manager.Cancel(runID, "interrupted")
	}()

	<-coord.Done()
	stopSignals()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("engine shutdown", "error", err)
	}

	run, err := store.GetRun(runID)
	if err != nil {
		return fmt.Errorf("loading finished run: %w", err)
	}

	fmt.Println()
	printRunDetail(api.RunToResponse(run))

	if run.Status() != domain.RunCompleted {
		return fmt.Errorf("run %s", run.Status())
	}
	return nil
}
