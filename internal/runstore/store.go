package runstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/lab-orchestrator/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for plans and finished runs.
// The run status column is denormalized for queries; on load the status is
// re-derived from the step results as everywhere else.
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// SavePlan inserts or updates a plan
func (s *Store) SavePlan(plan *domain.Plan) error {
	stepsJSON, err := json.Marshal(plan.Steps)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO plans (id, name, dataset, steps, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			dataset = excluded.dataset,
			steps = excluded.steps
	`,
		plan.ID,
		plan.Name,
		plan.Dataset,
		string(stepsJSON),
		plan.CreatedAt,
	)
	return err
}

// GetPlan retrieves a plan by ID
func (s *Store) GetPlan(id string) (*domain.Plan, error) {
	row := s.db.QueryRow(`SELECT id, name, dataset, steps, created_at FROM plans WHERE id = ?`, id)
	plan, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %s: %w", id, domain.ErrNotFound)
	}
	return plan, err
}

// ListPlans returns all stored plans, newest first
func (s *Store) ListPlans() ([]*domain.Plan, error) {
	rows, err := s.db.Query(`SELECT id, name, dataset, steps, created_at FROM plans ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*domain.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

// SaveRun persists a run snapshot with its step results and log lines.
// Saving the same run again replaces the previous rows, so the terminal
// handoff stays idempotent.
func (s *Store) SaveRun(run *domain.Run) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO runs (id, plan_id, plan_name, status, work_dir, cancelled, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			work_dir = excluded.work_dir,
			cancelled = excluded.cancelled,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`,
		run.ID,
		run.PlanID,
		run.PlanName,
		string(run.Status()),
		run.WorkDir,
		run.Cancelled,
		run.CreatedAt,
		nullTime(run.StartedAt),
		nullTime(run.FinishedAt),
	)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM step_logs WHERE run_id = ?`, run.ID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM step_results WHERE run_id = ?`, run.ID); err != nil {
		return err
	}

	for i := range run.Steps {
		step := &run.Steps[i]
		_, err := tx.Exec(`
			INSERT INTO step_results (run_id, step_index, status, attempts, output_ref, error, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			run.ID,
			step.Index,
			string(step.Status),
			step.Attempts,
			step.OutputRef,
			step.Error,
			nullTime(step.StartedAt),
			nullTime(step.FinishedAt),
		)
		if err != nil {
			return err
		}
		for _, line := range step.Logs {
			_, err := tx.Exec(`
				INSERT INTO step_logs (run_id, seq, step_index, timestamp, level, message)
				VALUES (?, ?, ?, ?, ?, ?)
			`,
				run.ID, line.Seq, line.StepIndex, line.Timestamp, line.Level, line.Message,
			)
			if err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// GetRun retrieves a run with its step results and log lines
func (s *Store) GetRun(id string) (*domain.Run, error) {
	row := s.db.QueryRow(`
		SELECT id, plan_id, plan_name, work_dir, cancelled, created_at, started_at, finished_at
		FROM runs WHERE id = ?
	`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if err := s.loadSteps(run); err != nil {
		return nil, err
	}
	if err := s.loadLogs(run); err != nil {
		return nil, err
	}
	run.RestoreLogSeq()
	return run, nil
}

// ListRuns returns stored runs with their step results, newest first. A
// limit of zero or less returns all runs. Log lines are loaded by GetRun
// only.
func (s *Store) ListRuns(limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT id, plan_id, plan_name, work_dir, cancelled, created_at, started_at, finished_at
		FROM runs ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, run := range runs {
		if err := s.loadSteps(run); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (s *Store) loadSteps(run *domain.Run) error {
	rows, err := s.db.Query(`
		SELECT step_index, status, attempts, output_ref, error, started_at, finished_at
		FROM step_results WHERE run_id = ? ORDER BY step_index
	`, run.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	run.Steps = nil
	for rows.Next() {
		var step domain.StepResult
		var status string
		var startedAt, finishedAt sql.NullTime
		if err := rows.Scan(&step.Index, &status, &step.Attempts, &step.OutputRef, &step.Error, &startedAt, &finishedAt); err != nil {
			return err
		}
		step.Status = domain.StepStatus(status)
		step.StartedAt = timePtr(startedAt)
		step.FinishedAt = timePtr(finishedAt)
		run.Steps = append(run.Steps, step)
	}
	return rows.Err()
}

func (s *Store) loadLogs(run *domain.Run) error {
	rows, err := s.db.Query(`
		SELECT seq, step_index, timestamp, level, message
		FROM step_logs WHERE run_id = ? ORDER BY seq
	`, run.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.LogLine
		if err := rows.Scan(&line.Seq, &line.StepIndex, &line.Timestamp, &line.Level, &line.Message); err != nil {
			return err
		}
		if step := run.Step(line.StepIndex); step != nil {
			step.Logs = append(step.Logs, line)
		}
	}
	return rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (*domain.Plan, error) {
	var plan domain.Plan
	var stepsJSON string
	if err := row.Scan(&plan.ID, &plan.Name, &plan.Dataset, &stepsJSON, &plan.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stepsJSON), &plan.Steps); err != nil {
		return nil, fmt.Errorf("plan %s: decoding steps: %w", plan.ID, err)
	}
	return &plan, nil
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(&run.ID, &run.PlanID, &run.PlanName, &run.WorkDir, &run.Cancelled, &run.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	run.StartedAt = timePtr(startedAt)
	run.FinishedAt = timePtr(finishedAt)
	return &run, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
