// Package monitor exposes read-only views over live and historical runs.
// It never blocks or mutates execution: live state comes from coordinator
// snapshots, finished runs from the run store.
package monitor

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hochfrequenz/lab-orchestrator/internal/domain"
)

// LiveSource yields snapshots of runs the engine still holds in memory.
// executor.Manager implements it.
type LiveSource interface {
	Snapshot(runID string) (*domain.Run, error)
	Snapshots() []*domain.Run
}

// HistoryStore yields runs that already finished and were persisted.
type HistoryStore interface {
	GetRun(runID string) (*domain.Run, error)
	ListRuns(limit int) ([]*domain.Run, error)
}

// RunSummary is the condensed per-run view used by list endpoints and the
// dashboard.
type RunSummary struct {
	RunID      string           `json:"run_id"`
	PlanID     string           `json:"plan_id"`
	PlanName   string           `json:"plan_name"`
	Status     domain.RunStatus `json:"status"`
	StepsTotal int              `json:"steps_total"`
	StepsDone  int              `json:"steps_done"`
	CreatedAt  time.Time        `json:"created_at"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Duration   time.Duration    `json:"duration_ns"`
}

// Summarize condenses a run snapshot.
func Summarize(run *domain.Run) RunSummary {
	done := 0
	for _, s := range run.Steps {
		if s.Status.Terminal() {
			done++
		}
	}
	return RunSummary{
		RunID:      run.ID,
		PlanID:     run.PlanID,
		PlanName:   run.PlanName,
		Status:     run.Status(),
		StepsTotal: len(run.Steps),
		StepsDone:  done,
		CreatedAt:  run.CreatedAt,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Duration:   run.Duration(),
	}
}

// Monitor answers status, log and listing queries. A nil history store is
// fine; only in-memory runs are visible then.
type Monitor struct {
	live    LiveSource
	history HistoryStore
	log     *slog.Logger
}

// New creates a monitor over the given sources.
func New(live LiveSource, history HistoryStore, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{live: live, history: history, log: logger}
}

// Status returns a consistent snapshot of one run, live or historical.
// Unknown ids are domain.ErrNotFound.
func (m *Monitor) Status(runID string) (*domain.Run, error) {
	run, err := m.live.Snapshot(runID)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if m.history == nil {
		return nil, err
	}

	run, herr := m.history.GetRun(runID)
	if herr != nil {
		if errors.Is(herr, domain.ErrNotFound) {
			return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("loading run %s: %w", runID, herr)
	}
	return run, nil
}

// Logs returns the run's log lines with sequence numbers greater than
// since, plus the cursor to pass next time. A cursor of 0 reads from the
// beginning. The cursor survives step boundaries: callers poll one number,
// not one number per step.
func (m *Monitor) Logs(runID string, since int) ([]domain.LogLine, int, error) {
	run, err := m.Status(runID)
	if err != nil {
		return nil, since, err
	}

	lines := run.LogsSince(since)
	next := since
	for _, l := range lines {
		if l.Seq > next {
			next = l.Seq
		}
	}
	return lines, next, nil
}

// ListActive returns summaries of all runs that are not yet terminal,
// oldest first.
func (m *Monitor) ListActive() []RunSummary {
	var out []RunSummary
	for _, run := range m.live.Snapshots() {
		if run.Terminal() {
			continue
		}
		out = append(out, Summarize(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ListRuns returns up to limit summaries of live and historical runs,
// newest first. Live state wins when a run appears in both sources.
func (m *Monitor) ListRuns(limit int) ([]RunSummary, error) {
	seen := map[string]struct{}{}
	var out []RunSummary

	for _, run := range m.live.Snapshots() {
		seen[run.ID] = struct{}{}
		out = append(out, Summarize(run))
	}

	if m.history != nil {
		stored, err := m.history.ListRuns(limit)
		if err != nil {
			return nil, fmt.Errorf("listing stored runs: %w", err)
		}
		for _, run := range stored {
			if _, ok := seen[run.ID]; ok {
				continue
			}
			out = append(out, Summarize(run))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
