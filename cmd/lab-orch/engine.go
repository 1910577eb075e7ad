package main

import (
	"log/slog"
	"time"

	"github.com/hochfrequenz/lab-orchestrator/internal/config"
	"github.com/hochfrequenz/lab-orchestrator/internal/domain"
	"github.com/hochfrequenz/lab-orchestrator/internal/executor"
	"github.com/hochfrequenz/lab-orchestrator/internal/notify"
	"github.com/hochfrequenz/lab-orchestrator/internal/planner"
	"github.com/hochfrequenz/lab-orchestrator/internal/prompts"
	"github.com/hochfrequenz/lab-orchestrator/internal/runstore"
	"github.com/hochfrequenz/lab-orchestrator/internal/sandbox"
)

// buildEngine wires the run manager from configuration. Step code always
// comes from the embedded script templates; the language model only
// authors plans, it never writes the code that executes.
func buildEngine(cfg *config.Config, logger *slog.Logger, onEvent func(executor.Event), onFinished func(*domain.Run)) (*executor.Manager, *runstore.Store, error) {
	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, nil, err
	}

	manager := executor.NewManager(executor.ManagerConfig{
		Runner:      sandbox.NewRunner(logger),
		Workspace:   sandbox.NewWorkspace(cfg.General.WorkspaceRoot, cfg.General.RetainWorkdirs),
		CodeSource:  planner.NewTemplateCodeGen(prompts.DefaultLoader("")),
		Policy:      retryPolicy(cfg),
		Budget:      sandboxBudget(cfg),
		Interpreter: cfg.Sandbox.Interpreter,

		ContinueOnFailure: !cfg.Runs.FailFast,
		MaxConcurrent:     cfg.Runs.MaxConcurrent,

		Store:         store,
		Logger:        logger,
		OnEvent:       onEvent,
		OnRunFinished: onFinished,
	})
	return manager, store, nil
}

func retryPolicy(cfg *config.Config) executor.RetryPolicy {
	return executor.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Retry.BaseDelaySeconds) * time.Second,
		MaxDelay:    time.Duration(cfg.Retry.MaxDelaySeconds) * time.Second,
	}
}

func sandboxBudget(cfg *config.Config) sandbox.Budget {
	return sandbox.Budget{
		Timeout:       time.Duration(cfg.Sandbox.TimeoutSeconds) * time.Second,
		MemoryLimitMB: cfg.Sandbox.MemoryLimitMB,
		AllowNetwork:  cfg.Sandbox.AllowNetwork,
	}
}

// buildNotifier assembles the configured notification fan-out.
func buildNotifier(cfg *config.Config) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Notify.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.Notify.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notify.SlackWebhook))
	}
	if len(notifiers) == 0 {
		return notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(notifiers...)
}
