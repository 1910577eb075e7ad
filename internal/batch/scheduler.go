package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/lab-orchestrator/internal/domain"
	"github.com/hochfrequenz/lab-orchestrator/internal/parser"
)

// Entry submits one plan document on a cron schedule. The document is
// re-read on every trigger so edits between triggers take effect.
type Entry struct {
	Name string
	Cron string
	Plan string
}

// Validate checks if the entry is valid
func (e *Entry) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if e.Cron == "" {
		return fmt.Errorf("cron expression is required")
	}
	if _, err := ParseCron(e.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if e.Plan == "" {
		return fmt.Errorf("plan document path is required")
	}
	return nil
}

// Submitter accepts plans for execution. Satisfied by executor.Manager.
type Submitter interface {
	Submit(plan *domain.Plan) (string, error)
}

// Scheduler submits scheduled plans. Each trigger is fire-and-forget: the
// submitted run executes under the manager's concurrency bound, so an entry
// whose previous run is still active simply queues another one.
type Scheduler struct {
	entries  map[string]Entry
	parser   cron.Parser
	lastRun  map[string]time.Time
	submit   Submitter
	log      *slog.Logger
	mu       sync.RWMutex
	stopChan chan struct{}
}

// NewScheduler creates a scheduler for the given entries. A nil logger falls
// back to slog.Default.
func NewScheduler(entries []Entry, submit Submitter, log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		entries:  make(map[string]Entry),
		parser:   cronParser(),
		lastRun:  make(map[string]time.Time),
		submit:   submit,
		log:      log,
		stopChan: make(chan struct{}),
	}

	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("schedule %q: %w", e.Name, err)
		}
		s.entries[e.Name] = e
	}

	return s, nil
}

func cronParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// ParseCron parses a five-field cron expression or a descriptor like @hourly
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser().Parse(expr)
}

// NextRun returns the next scheduled trigger time for an entry
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[name]
	if !ok {
		return time.Time{}
	}

	sched, err := s.parser.Parse(e.Cron)
	if err != nil {
		return time.Time{}
	}

	return sched.Next(time.Now())
}

// ShouldRun returns true if an entry is due now
func (s *Scheduler) ShouldRun(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[name]
	if !ok {
		return false
	}

	sched, err := s.parser.Parse(e.Cron)
	if err != nil {
		return false
	}

	lastRun := s.lastRun[name]
	if lastRun.IsZero() {
		lastRun = time.Now().Add(-24 * time.Hour)
	}

	nextRun := sched.Next(lastRun)
	return time.Now().After(nextRun)
}

// Entries returns all schedule names, sorted
func (s *Scheduler) Entries() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start begins the scheduler loop. It blocks until the context is cancelled
// or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.runDue()
		}
	}
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	close(s.stopChan)
}

// runDue submits every entry that is due. Submission is quick (parse and
// hand off), so entries run inline on the tick.
func (s *Scheduler) runDue() {
	for _, name := range s.Entries() {
		if !s.ShouldRun(name) {
			continue
		}
		s.mu.Lock()
		e := s.entries[name]
		s.lastRun[name] = time.Now()
		s.mu.Unlock()

		if err := s.runEntry(e); err != nil {
			s.log.Error("scheduled submission failed", "schedule", e.Name, "plan", e.Plan, "error", err)
		}
	}
}

func (s *Scheduler) runEntry(e Entry) error {
	plan, err := parser.ParsePlanFile(e.Plan)
	if err != nil {
		return err
	}
	runID, err := s.submit.Submit(plan)
	if err != nil {
		return err
	}
	s.log.Info("scheduled plan submitted", "schedule", e.Name, "plan", plan.Name, "run", runID)
	return nil
}
