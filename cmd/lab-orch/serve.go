package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/lab-orchestrator/internal/batch"
	"github.com/hochfrequenz/lab-orchestrator/internal/config"
	"github.com/hochfrequenz/lab-orchestrator/internal/domain"
	"github.com/hochfrequenz/lab-orchestrator/internal/executor"
	"github.com/hochfrequenz/lab-orchestrator/internal/monitor"
	"github.com/hochfrequenz/lab-orchestrator/internal/notify"
	"github.com/hochfrequenz/lab-orchestrator/internal/observer"
	"github.com/hochfrequenz/lab-orchestrator/internal/parser"
	"github.com/hochfrequenz/lab-orchestrator/web/api"
)

var servePort int

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		Long: `Run the orchestrator daemon: the HTTP API with SSE and websocket event
streams, the plan directory watcher, and the cron schedule. Runs it
executes land in the shared history database.`,
		RunE: runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	logger := newLogger(os.Stderr, verbose)
	notifier := buildNotifier(cfg)
	metrics := observer.New(stuckThreshold(cfg))

	// The server is created after the manager because it reads run state
	// through it; events cannot fire before the first submission, and every
	// submission path starts below.
	var srv *api.Server
	manager, store, err := buildEngine(cfg, logger,
		func(ev executor.Event) {
			if srv != nil {
				srv.HandleEvent(ev)
			}
		},
		func(run *domain.Run) {
			metrics.RecordRun(run)
			if err := notifier.Send(notify.ForRun(run)); err != nil {
				logger.Warn("notification failed", "run", run.ID, "error", err)
			}
		},
	)
	if err != nil {
		return err
	}
	defer store.Close()

	mon := monitor.New(manager, store, logger)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv = api.NewServer(manager, mon, metrics, addr, logger)

	submitFile := func(path string) {
		plan, err := parser.ParsePlanFile(path)
		if err != nil {
			logger.Warn("ignoring plan file", "path", path, "error", err)
			return
		}
		runID, err := manager.Submit(plan)
		if err != nil {
			logger.Warn("submitting plan file", "path", path, "error", err)
			return
		}
		logger.Info("plan file submitted", "path", path, "run", runID)
	}

	watcher, err := observer.NewPlanWatcher(cfg.General.PlansDir, func(files []string) {
		for _, f := range files {
			submitFile(f)
		}
	}, logger)
	if err != nil {
		return fmt.Errorf("plan watcher: %w", err)
	}

	var sched *batch.Scheduler
	if len(cfg.Schedule) > 0 {
		entries := make([]batch.Entry, len(cfg.Schedule))
		for i, e := range cfg.Schedule {
			entries[i] = batch.Entry{Name: e.Name, Cron: e.Cron, Plan: e.Plan}
		}
		sched, err = batch.NewScheduler(entries, manager, logger)
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("daemon starting", "addr", addr, "plans_dir", watcher.Dir(), "schedules", len(cfg.Schedule))
		return srv.Start()
	})

	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	watcher.Start(gctx)
	defer watcher.Stop()

	if sched != nil {
		g.Go(func() error {
			sched.Start(gctx)
			return nil
		})
		defer sched.Stop()
	}

	fmt.Printf("Lab Orchestrator listening at http://%s\n", addr)
	err = g.Wait()

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := manager.Shutdown(shutCtx); serr != nil {
		logger.Warn("engine shutdown", "error", serr)
	}
	logger.Info("daemon stopped")
	return err
}

// stuckThreshold derives the stuck-run alarm from the step budget: the
// worst case is every step exhausting its attempts at full timeout.
func stuckThreshold(cfg *config.Config) time.Duration {
	perStep := time.Duration(cfg.Sandbox.TimeoutSeconds) * time.Second
	attempts := cfg.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	threshold := perStep*time.Duration(attempts) + 5*time.Minute
	if threshold < 10*time.Minute {
		threshold = 10 * time.Minute
	}
	return threshold
}
