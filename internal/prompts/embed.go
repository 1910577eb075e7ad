// Package prompts provides the engine's built-in code and prompt templates
// with filesystem override support.
package prompts

import "embed"

//go:embed codegen/*.tmpl planner/*.md planner/*.tmpl
var embeddedFS embed.FS
