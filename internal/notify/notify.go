package notify

import (
	"fmt"
	"time"

	"github.com/hochfrequenz/lab-orchestrator/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	RunID   string // Optional run reference
	Plan    string // Optional plan name
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// ForRun builds the notification announcing a finished run.
func ForRun(run *domain.Run) Notification {
	n := Notification{RunID: run.ID, Plan: run.PlanName}
	switch run.Status() {
	case domain.RunCompleted:
		n.Type = NotifySuccess
		n.Title = "Analysis run completed"
		n.Message = fmt.Sprintf("%s: %d steps succeeded in %s", run.PlanName, len(run.Steps), run.Duration().Round(time.Second))
	case domain.RunCancelled:
		n.Type = NotifyWarning
		n.Title = "Analysis run cancelled"
		n.Message = fmt.Sprintf("%s: cancelled after %d of %d steps", run.PlanName, succeededSteps(run), len(run.Steps))
	case domain.RunFailed:
		n.Type = NotifyError
		n.Title = "Analysis run failed"
		n.Message = run.PlanName
		if step := firstFailedStep(run); step != nil {
			n.Message = fmt.Sprintf("%s: step %d failed after %d attempts", run.PlanName, step.Index, step.Attempts)
		}
	default:
		n.Type = NotifyInfo
		n.Title = "Analysis run " + string(run.Status())
		n.Message = run.PlanName
	}
	return n
}

func succeededSteps(run *domain.Run) int {
	count := 0
	for i := range run.Steps {
		if run.Steps[i].Status == domain.StepSucceeded {
			count++
		}
	}
	return count
}

func firstFailedStep(run *domain.Run) *domain.StepResult {
	for i := range run.Steps {
		if run.Steps[i].Status == domain.StepFailed {
			return &run.Steps[i]
		}
	}
	return nil
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }
