package observer

import (
	"sync"
	"time"

	"github.com/hochfrequenz/lab-orchestrator/internal/domain"
)

// Observer collects metrics over finished runs and flags runs that look
// stuck. It backs the health endpoint and the dashboard footer.
type Observer struct {
	stuckThreshold time.Duration

	completions []completion
	mu          sync.RWMutex
}

type completion struct {
	RunID       string
	Status      domain.RunStatus
	Duration    time.Duration
	Attempts    int
	CompletedAt time.Time
}

// Metrics holds aggregated metrics
type Metrics struct {
	TotalCompleted int
	TotalFailed    int
	TotalCancelled int
	TotalAttempts  int
	AvgDuration    time.Duration
}

// New creates a new Observer
func New(stuckThreshold time.Duration) *Observer {
	return &Observer{
		stuckThreshold: stuckThreshold,
	}
}

// IsStuck returns true if a run has been executing longer than the stuck
// threshold. Long-running steps with retries are expected; the threshold
// should sit well above timeout times max attempts.
func (o *Observer) IsStuck(run *domain.Run) bool {
	if run.Status() != domain.RunRunning {
		return false
	}
	if run.StartedAt == nil {
		return false
	}
	return time.Since(*run.StartedAt) > o.stuckThreshold
}

// StuckRuns returns the ids of runs that look stuck
func (o *Observer) StuckRuns(runs []*domain.Run) []string {
	var stuck []string
	for _, run := range runs {
		if o.IsStuck(run) {
			stuck = append(stuck, run.ID)
		}
	}
	return stuck
}

// RecordRun records a finished run. Intended as the manager's completion
// callback.
func (o *Observer) RecordRun(run *domain.Run) {
	attempts := 0
	for i := range run.Steps {
		attempts += run.Steps[i].Attempts
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.completions = append(o.completions, completion{
		RunID:       run.ID,
		Status:      run.Status(),
		Duration:    run.Duration(),
		Attempts:    attempts,
		CompletedAt: time.Now(),
	})
}

// GetMetrics returns aggregated metrics
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var metrics Metrics
	var totalDuration time.Duration

	for _, c := range o.completions {
		switch c.Status {
		case domain.RunCompleted:
			metrics.TotalCompleted++
		case domain.RunFailed:
			metrics.TotalFailed++
		case domain.RunCancelled:
			metrics.TotalCancelled++
		}
		metrics.TotalAttempts += c.Attempts
		totalDuration += c.Duration
	}

	if n := len(o.completions); n > 0 {
		metrics.AvgDuration = totalDuration / time.Duration(n)
	}

	return metrics
}

// GetRecentRuns returns ids of runs finished within the last duration
func (o *Observer) GetRecentRuns(since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := time.Now().Add(-since)
	var result []string

	for _, c := range o.completions {
		if c.CompletedAt.After(cutoff) {
			result = append(result, c.RunID)
		}
	}

	return result
}
