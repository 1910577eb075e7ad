package planner

import (
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"

	"github.com/hochfrequenz/lab-orchestrator/internal/domain"
	"github.com/hochfrequenz/lab-orchestrator/internal/prompts"
)

// authorMessages assembles the chat exchange for plan authoring.
func authorMessages(loader *prompts.Loader, req Request) ([]llms.MessageContent, error) {
	system, err := loader.Raw("planner/author_system.md")
	if err != nil {
		return nil, err
	}
	user, err := loader.Render("planner/author_user.md.tmpl", map[string]string{
		"Dataset": req.Dataset,
		"Columns": strings.Join(req.Columns, ", "),
		"Goal":    req.Goal,
		"Context": req.Context,
	})
	if err != nil {
		return nil, err
	}
	return []llms.MessageContent{
		{Role: schema.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextPart(system)}},
		{Role: schema.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextPart(user)}},
	}, nil
}

// codegenMessages assembles the chat exchange for one step's script.
func codegenMessages(loader *prompts.Loader, plan *domain.Plan, step domain.StepSpec) ([]llms.MessageContent, error) {
	system, err := loader.Raw("planner/codegen_system.md")
	if err != nil {
		return nil, err
	}
	user, err := loader.Render("planner/codegen_user.md.tmpl", scriptData(plan, step))
	if err != nil {
		return nil, err
	}
	return []llms.MessageContent{
		{Role: schema.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextPart(system)}},
		{Role: schema.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextPart(user)}},
	}, nil
}
