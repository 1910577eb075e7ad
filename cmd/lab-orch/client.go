package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hochfrequenz/lab-orchestrator/internal/config"
	"github.com/hochfrequenz/lab-orchestrator/internal/domain"
	"github.com/hochfrequenz/lab-orchestrator/internal/monitor"
	"github.com/hochfrequenz/lab-orchestrator/web/api"
)

// apiClient talks to a running lab-orch serve instance. It also implements
// tui.RunSource so the dashboard can attach to a remote daemon.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(cfg *config.Config) *apiClient {
	return &apiClient{
		base: fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// unreachable reports whether err is a transport failure, i.e. no daemon
// answered at all, as opposed to an HTTP-level error the daemon returned.
func unreachable(err error) bool {
	var uerr *url.Error
	return errors.As(err, &uerr)
}

func (c *apiClient) get(path string, out any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *apiClient) post(path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	resp, err := c.http.Post(c.base+path, "application/json", &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := resp.Status
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%s: %w", msg, domain.ErrNotFound)
		}
		return errors.New(msg)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) SubmitPlan(plan *domain.Plan) (api.SubmitResponse, error) {
	req := api.SubmitRequest{
		Name:    plan.Name,
		Dataset: plan.Dataset,
		Steps:   make([]api.SubmitStep, len(plan.Steps)),
	}
	for i, s := range plan.Steps {
		req.Steps[i] = api.SubmitStep{
			Name:           s.Name,
			Action:         string(s.Action),
			Params:         s.Params,
			ExpectedOutput: s.ExpectedOutput,
		}
	}

	var resp api.SubmitResponse
	err := c.post("/api/runs", req, &resp)
	return resp, err
}

func (c *apiClient) RunStatus(runID string) (api.RunResponse, error) {
	var resp api.RunResponse
	err := c.get("/api/runs/"+runID, &resp)
	return resp, err
}

func (c *apiClient) RunLogs(runID string, since int) (api.LogsResponse, error) {
	var resp api.LogsResponse
	err := c.get(fmt.Sprintf("/api/runs/%s/logs?since=%d", runID, since), &resp)
	return resp, err
}

func (c *apiClient) CancelRun(runID, reason string) error {
	body := map[string]string{"reason": reason}
	return c.post("/api/runs/"+runID+"/cancel", body, nil)
}

func (c *apiClient) Health() (api.HealthResponse, error) {
	var resp api.HealthResponse
	err := c.get("/api/health", &resp)
	return resp, err
}

// ListRuns implements tui.RunSource.
func (c *apiClient) ListRuns(limit int) ([]monitor.RunSummary, error) {
	var out []monitor.RunSummary
	err := c.get(fmt.Sprintf("/api/runs?limit=%d", limit), &out)
	return out, err
}

// ListActive implements tui.RunSource.
func (c *apiClient) ListActive() []monitor.RunSummary {
	runs, err := c.ListRuns(0)
	if err != nil {
		return nil
	}
	var active []monitor.RunSummary
	for _, r := range runs {
		if !r.Status.Terminal() {
			active = append(active, r)
		}
	}
	return active
}

// Logs implements tui.RunSource.
func (c *apiClient) Logs(runID string, since int) ([]domain.LogLine, int, error) {
	resp, err := c.RunLogs(runID, since)
	if err != nil {
		return nil, since, err
	}
	lines := make([]domain.LogLine, len(resp.Lines))
	for i, l := range resp.Lines {
		lines[i] = domain.LogLine{
			Seq:       l.Seq,
			StepIndex: l.StepIndex,
			Timestamp: l.Timestamp,
			Level:     l.Level,
			Message:   l.Message,
		}
	}
	return lines, resp.Next, nil
}
