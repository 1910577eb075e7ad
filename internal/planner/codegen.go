package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/hochfrequenz/lab-orchestrator/internal/domain"
	"github.com/hochfrequenz/lab-orchestrator/internal/prompts"
)

// ScriptData is the payload script templates render with.
type ScriptData struct {
	Dataset        string
	StepName       string
	Index          int
	Action         string
	Params         map[string]string
	ExpectedOutput string
}

func scriptData(plan *domain.Plan, step domain.StepSpec) ScriptData {
	return ScriptData{
		Dataset:        plan.Dataset,
		StepName:       step.Name,
		Index:          step.Index,
		Action:         string(step.Action),
		Params:         step.Params,
		ExpectedOutput: step.ExpectedOutput,
	}
}

// TemplateCodeGen renders the built-in script for a step's action kind.
// Deterministic and offline; also the fallback behind the model generator.
type TemplateCodeGen struct {
	loader *prompts.Loader
}

// NewTemplateCodeGen creates a template-backed code generator.
func NewTemplateCodeGen(loader *prompts.Loader) *TemplateCodeGen {
	return &TemplateCodeGen{loader: loader}
}

func (g *TemplateCodeGen) CodeFor(_ context.Context, plan *domain.Plan, step domain.StepSpec) (string, error) {
	code, err := g.loader.Render(prompts.ScriptTemplate(string(step.Action)), scriptData(plan, step))
	if err != nil {
		return "", fmt.Errorf("step %d (%s): %w", step.Index, step.Action, err)
	}
	return code, nil
}

// LLMCodeGen asks a chat model to write the step's script. When the model
// errors or returns nothing usable it falls back to the template generator,
// so a flaky endpoint degrades runs instead of blocking them.
type LLMCodeGen struct {
	model    contentGenerator
	loader   *prompts.Loader
	fallback *TemplateCodeGen
	log      *slog.Logger
}

// NewLLMCodeGen creates a model-backed code generator with a template
// fallback.
func NewLLMCodeGen(model contentGenerator, loader *prompts.Loader, logger *slog.Logger) *LLMCodeGen {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMCodeGen{
		model:    model,
		loader:   loader,
		fallback: NewTemplateCodeGen(loader),
		log:      logger,
	}
}

func (g *LLMCodeGen) CodeFor(ctx context.Context, plan *domain.Plan, step domain.StepSpec) (string, error) {
	messages, err := codegenMessages(g.loader, plan, step)
	if err != nil {
		return "", err
	}

	resp, err := g.model.GenerateContent(ctx, messages, llms.WithTemperature(0))
	if err != nil {
		g.log.Warn("code generation failed, using template", "step", step.Index, "action", step.Action, "error", err)
		return g.fallback.CodeFor(ctx, plan, step)
	}
	if len(resp.Choices) == 0 {
		g.log.Warn("code generation returned no choices, using template", "step", step.Index)
		return g.fallback.CodeFor(ctx, plan, step)
	}

	code := stripFences(resp.Choices[0].Content)
	if strings.TrimSpace(code) == "" {
		g.log.Warn("code generation returned empty output, using template", "step", step.Index)
		return g.fallback.CodeFor(ctx, plan, step)
	}
	return code, nil
}
