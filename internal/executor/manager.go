package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hochfrequenz/lab-orchestrator/internal/domain"
	"github.com/hochfrequenz/lab-orchestrator/internal/sandbox"
)

// RunStore receives terminal run snapshots. SaveRun is called exactly once
// per finished run, from a single writer goroutine.
type RunStore interface {
	SaveRun(run *domain.Run) error
}

// ManagerConfig wires the run manager.
type ManagerConfig struct {
	Runner      SandboxRunner
	Workspace   *sandbox.Workspace
	CodeSource  CodeSource
	Policy      RetryPolicy
	Budget      sandbox.Budget
	Interpreter []string

	// ContinueOnFailure keeps runs going after a step fails instead of
	// skipping the remaining steps.
	ContinueOnFailure bool

	// MaxConcurrent bounds how many runs execute at once; further
	// submissions queue in pending state. Defaults to 3.
	MaxConcurrent int

	Store         RunStore
	Logger        *slog.Logger
	OnEvent       func(Event)
	OnRunFinished func(*domain.Run)
}

// Manager fans submitted plans out to coordinators, one goroutine per run,
// with bounded concurrency. It also owns the single persistence writer that
// consumes terminal snapshots.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger

	mu     sync.RWMutex
	coords map[string]*Coordinator
	plans  map[string]*domain.Plan

	sem       *semaphore.Weighted
	persistCh chan *domain.Run
	writerWG  sync.WaitGroup
	runsWG    sync.WaitGroup

	lifecycle context.Context
	stop      context.CancelFunc
	stopped   bool
}

// NewManager creates a manager and starts its persistence writer.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		log:       logger,
		coords:    make(map[string]*Coordinator),
		plans:     make(map[string]*domain.Plan),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		persistCh: make(chan *domain.Run, 16),
		lifecycle: ctx,
		stop:      cancel,
	}

	m.writerWG.Add(1)
	go m.persistWriter()
	return m
}

// Submit creates and starts a run for the plan, returning the run id
// immediately. A run beyond the concurrency bound stays pending until a
// slot frees up. Reusing a plan identifier for a different plan is a
// contract violation and is rejected.
func (m *Manager) Submit(plan *domain.Plan) (string, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return "", &domain.ValidationError{Field: "plan", Reason: "missing or empty"}
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return "", fmt.Errorf("manager is shut down")
	}
	if existing, ok := m.plans[plan.ID]; ok && existing != plan {
		m.mu.Unlock()
		return "", fmt.Errorf("plan %s: %w", plan.ID, domain.ErrPlanExists)
	}
	m.plans[plan.ID] = plan

	coord := NewCoordinator(plan, Config{
		Runner:            m.cfg.Runner,
		Workspace:         m.cfg.Workspace,
		CodeSource:        m.cfg.CodeSource,
		Policy:            m.cfg.Policy,
		Budget:            m.cfg.Budget,
		Interpreter:       m.cfg.Interpreter,
		ContinueOnFailure: m.cfg.ContinueOnFailure,
		Logger:            m.log,
		OnEvent:           m.cfg.OnEvent,
		OnTerminal:        m.handleTerminal,
	})
	m.coords[coord.ID()] = coord
	m.runsWG.Add(1)
	m.mu.Unlock()

	go m.drive(coord)

	m.log.Info("run submitted", "run", coord.ID(), "plan", plan.Name, "steps", len(plan.Steps))
	return coord.ID(), nil
}

// drive waits for a concurrency slot, then runs the coordinator to
// completion. Cancellation while queued still produces a terminal,
// handed-off run.
func (m *Manager) drive(coord *Coordinator) {
	defer m.runsWG.Done()

	acquired := m.sem.Acquire(m.lifecycle, 1) == nil
	if acquired {
		defer m.sem.Release(1)
	} else {
		coord.Cancel("orchestrator shutting down")
	}

	if err := coord.Start(m.lifecycle); err != nil {
		m.log.Error("starting run", "run", coord.ID(), "error", err)
		return
	}
	<-coord.Done()
}

// handleTerminal is each coordinator's exactly-once handoff target.
func (m *Manager) handleTerminal(run *domain.Run) {
	select {
	case m.persistCh <- run:
	case <-m.lifecycle.Done():
		// Shutting down; persist synchronously so the handoff is not lost.
		m.saveRun(run)
	}

	if m.cfg.OnRunFinished != nil {
		m.cfg.OnRunFinished(run)
	}
}

func (m *Manager) persistWriter() {
	defer m.writerWG.Done()
	for {
		select {
		case run := <-m.persistCh:
			m.saveRun(run)
		case <-m.lifecycle.Done():
			// Drain what is already queued, then stop. Late handoffs
			// persist synchronously in handleTerminal.
			for {
				select {
				case run := <-m.persistCh:
					m.saveRun(run)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) saveRun(run *domain.Run) {
	if m.cfg.Store == nil {
		return
	}
	if err := m.cfg.Store.SaveRun(run); err != nil {
		m.log.Error("persisting run", "run", run.ID, "error", err)
	}
}

// Get returns the coordinator owning the run id.
func (m *Manager) Get(runID string) (*Coordinator, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	coord, ok := m.coords[runID]
	return coord, ok
}

// Snapshot returns a consistent copy of one run's state.
func (m *Manager) Snapshot(runID string) (*domain.Run, error) {
	coord, ok := m.Get(runID)
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	return coord.Snapshot(), nil
}

// Cancel requests cancellation of a run. Cancelling an unknown run is
// NotFound; cancelling a finished run is a no-op.
func (m *Manager) Cancel(runID, reason string) error {
	coord, ok := m.Get(runID)
	if !ok {
		return fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	coord.Cancel(reason)
	return nil
}

// ListActive returns the ids of all non-terminal runs.
func (m *Manager) ListActive() []string {
	m.mu.RLock()
	coords := make([]*Coordinator, 0, len(m.coords))
	for _, c := range m.coords {
		coords = append(coords, c)
	}
	m.mu.RUnlock()

	var ids []string
	for _, c := range coords {
		if !c.Terminal() {
			ids = append(ids, c.ID())
		}
	}
	sort.Strings(ids)
	return ids
}

// Snapshots returns copies of every run the manager still holds in memory,
// newest first.
func (m *Manager) Snapshots() []*domain.Run {
	m.mu.RLock()
	coords := make([]*Coordinator, 0, len(m.coords))
	for _, c := range m.coords {
		coords = append(coords, c)
	}
	m.mu.RUnlock()

	runs := make([]*domain.Run, 0, len(coords))
	for _, c := range coords {
		runs = append(runs, c.Snapshot())
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	return runs
}

// ActiveCount returns how many runs are currently non-terminal.
func (m *Manager) ActiveCount() int {
	return len(m.ListActive())
}

// Shutdown cancels every active run, waits for them to finish handing off
// (bounded by ctx) and drains the persistence queue.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	coords := make([]*Coordinator, 0, len(m.coords))
	for _, c := range m.coords {
		coords = append(coords, c)
	}
	m.mu.Unlock()

	for _, c := range coords {
		c.Cancel("orchestrator shutting down")
	}

	done := make(chan struct{})
	go func() {
		m.runsWG.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("shutdown wait: %w", ctx.Err())
	}

	m.stop()

	writerDone := make(chan struct{})
	go func() {
		m.writerWG.Wait()
		close(writerDone)
	}()
	select {
	case <-writerDone:
	case <-time.After(5 * time.Second):
		if err == nil {
			err = fmt.Errorf("shutdown wait: persistence writer did not drain")
		}
	}
	return err
}
