package notify

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/lab-orchestrator/internal/domain"
)

func TestSlackMessage_Build(t *testing.T) {
	msg := SlackMessage{
		Text: "Analysis run completed",
		Attachments: []SlackAttachment{
			{
				Color: "good",
				Title: "run 42",
				Text:  "sales analysis: 4 steps succeeded in 12s",
			},
		},
	}

	payload, err := msg.ToJSON()
	if err != nil {
		t.Fatal(err)
	}

	if len(payload) == 0 {
		t.Error("Payload should not be empty")
	}
}

func TestSlackNotifier_Send(t *testing.T) {
	// Mock Slack server
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL)
	err := notifier.Send(Notification{
		Title:   "Test",
		Message: "Test message",
		Type:    NotifyInfo,
	})

	if err != nil {
		t.Errorf("Send failed: %v", err)
	}
}

func TestNotificationTypeColors(t *testing.T) {
	tests := []struct {
		typ  NotificationType
		want string
	}{
		{NotifySuccess, "good"},
		{NotifyWarning, "warning"},
		{NotifyError, "danger"},
		{NotifyInfo, "#439FE0"},
	}

	for _, tt := range tests {
		got := SlackColor(tt.typ)
		if got != tt.want {
			t.Errorf("SlackColor(%v) = %s, want %s", tt.typ, got, tt.want)
		}
	}
}

func TestMultiNotifier(t *testing.T) {
	var called []string

	mock1 := &mockNotifier{name: "mock1", calls: &called}
	mock2 := &mockNotifier{name: "mock2", calls: &called}

	multi := NewMultiNotifier(mock1, mock2)
	multi.Send(Notification{Title: "Test"})

	if len(called) != 2 {
		t.Errorf("Expected 2 calls, got %d", len(called))
	}
}

type mockNotifier struct {
	name  string
	calls *[]string
}

func (m *mockNotifier) Send(n Notification) error {
	*m.calls = append(*m.calls, m.name)
	return nil
}

func notifyTestRun(t *testing.T, statuses ...domain.StepStatus) *domain.Run {
	t.Helper()
	steps := make([]domain.StepSpec, len(statuses))
	for i := range statuses {
		steps[i] = domain.StepSpec{Index: i + 1, Name: "Step", Action: domain.ActionComputeStatistics}
	}
	plan, err := domain.NewPlan("sales analysis", "sales.csv", steps)
	if err != nil {
		t.Fatal(err)
	}
	run := domain.NewRun(plan)
	started := time.Now().Add(-10 * time.Second)
	run.StartedAt = &started
	for i, status := range statuses {
		step := run.Step(i + 1)
		switch status {
		case domain.StepSucceeded:
			run.SetStepStatus(i+1, domain.StepRunning)
			run.SetStepStatus(i+1, domain.StepSucceeded)
			step.Attempts = 1
		case domain.StepFailed:
			run.SetStepStatus(i+1, domain.StepRunning)
			run.SetStepStatus(i+1, domain.StepFailed)
			step.Attempts = 3
		case domain.StepSkipped:
			run.SetStepStatus(i+1, domain.StepSkipped)
		}
	}
	return run
}

func TestForRun(t *testing.T) {
	completed := notifyTestRun(t, domain.StepSucceeded, domain.StepSucceeded)
	n := ForRun(completed)
	if n.Type != NotifySuccess {
		t.Errorf("completed run type = %v, want success", n.Type)
	}
	if !strings.Contains(n.Message, "2 steps succeeded") {
		t.Errorf("completed message = %q", n.Message)
	}
	if n.RunID != completed.ID {
		t.Errorf("RunID = %q, want %q", n.RunID, completed.ID)
	}

	failed := notifyTestRun(t, domain.StepSucceeded, domain.StepFailed, domain.StepSkipped)
	n = ForRun(failed)
	if n.Type != NotifyError {
		t.Errorf("failed run type = %v, want error", n.Type)
	}
	if !strings.Contains(n.Message, "step 2 failed after 3 attempts") {
		t.Errorf("failed message = %q", n.Message)
	}

	cancelled := notifyTestRun(t, domain.StepSucceeded, domain.StepFailed)
	cancelled.Cancelled = true
	n = ForRun(cancelled)
	if n.Type != NotifyWarning {
		t.Errorf("cancelled run type = %v, want warning", n.Type)
	}
	if !strings.Contains(n.Message, "cancelled after 1 of 2 steps") {
		t.Errorf("cancelled message = %q", n.Message)
	}
}
