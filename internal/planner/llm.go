package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/hochfrequenz/lab-orchestrator/internal/domain"
	"github.com/hochfrequenz/lab-orchestrator/internal/prompts"
)

// contentGenerator is the slice of the model client the planner needs.
// llms.Model satisfies it.
type contentGenerator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// ModelConfig configures the chat-completion client. Any OpenAI-compatible
// endpoint works via BaseURL.
type ModelConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// NewModel builds the model client.
func NewModel(cfg ModelConfig) (llms.Model, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("planner model: missing API key")
	}
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("planner model: %w", err)
	}
	return model, nil
}

// LLMAuthor asks a chat model for a plan and validates the result before
// anyone runs it.
type LLMAuthor struct {
	model  contentGenerator
	loader *prompts.Loader
	log    *slog.Logger
}

// NewLLMAuthor creates a model-backed plan author.
func NewLLMAuthor(model contentGenerator, loader *prompts.Loader, logger *slog.Logger) *LLMAuthor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMAuthor{model: model, loader: loader, log: logger}
}

func (a *LLMAuthor) AuthorPlan(ctx context.Context, req Request) (*domain.Plan, error) {
	messages, err := authorMessages(a.loader, req)
	if err != nil {
		return nil, err
	}

	resp, err := a.model.GenerateContent(ctx, messages, llms.WithTemperature(0.2))
	if err != nil {
		return nil, fmt.Errorf("plan authoring: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("plan authoring: model returned no choices")
	}

	raw := firstJSONObject(stripFences(resp.Choices[0].Content))
	var doc authoredPlan
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("plan authoring: unparsable model output: %w", err)
	}

	plan, err := planFromAuthored(doc, defaultPlanName(req), req.Dataset)
	if err != nil {
		return nil, err
	}
	a.log.Info("plan authored", "plan", plan.Name, "steps", len(plan.Steps))
	return plan, nil
}
