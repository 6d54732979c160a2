package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"taskrelay/internal/llm"
	jsonx "taskrelay/internal/shared/json"
)

// Completer runs one non-streaming chat completion.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (string, error)
}

const plannerSystemPrompt = `You plan canvas generation workflows.
Reply with a JSON object {"next": [{"mcp": "<tool>", "args": {...}, "description": "<short text>"}]}.
Available tools: generate_image (args: prompt, size), generate_video (args: prompt, size, seconds),
insert_image, insert_video, add_text, insert_mindmap, insert_mermaid.
Return {"next": []} when nothing else is needed.`

// LLMPlanner asks a local model for the next steps of an agent flow.
type LLMPlanner struct {
	llm      Completer
	settings SettingsSource
	model    string
}

// NewLLMPlanner creates a planner. The model comes from the live settings
// when set, otherwise from fallbackModel.
func NewLLMPlanner(completer Completer, settings SettingsSource, fallbackModel string) *LLMPlanner {
	return &LLMPlanner{llm: completer, settings: settings, model: fallbackModel}
}

// Plan implements Planner.
func (p *LLMPlanner) Plan(ctx context.Context, wf *Definition, step *Step) (string, error) {
	model := p.model
	if p.settings != nil {
		if m := p.settings.Snapshot().PlannerModel; m != "" {
			model = m
		}
	}
	if model == "" {
		return "", errors.New("no planner model configured")
	}
	return p.llm.Complete(ctx, llm.CompletionRequest{
		Model:    model,
		System:   plannerSystemPrompt,
		Messages: []llm.Message{{Role: "user", Content: plannerPrompt(wf, step)}},
		JSON:     true,
	})
}

func plannerPrompt(wf *Definition, step *Step) string {
	var b strings.Builder
	input := wf.Context.UserInput
	ctxArgs, _ := step.Args["context"].(map[string]any)
	if v, ok := ctxArgs["finalPrompt"].(string); ok && v != "" {
		input = v
	}
	fmt.Fprintf(&b, "User request: %s\n", input)
	if len(wf.Context.ReferenceImages) > 0 {
		fmt.Fprintf(&b, "Reference images attached: %d\n", len(wf.Context.ReferenceImages))
	}
	if sel := ctxArgs["selection"]; sel != nil {
		if data, err := jsonx.Marshal(sel); err == nil {
			fmt.Fprintf(&b, "Canvas selection: %s\n", data)
		}
	}
	done := 0
	for _, s := range wf.Steps {
		if s.ID == step.ID || s.Status != StepCompleted {
			continue
		}
		if done == 0 {
			b.WriteString("Completed steps:\n")
		}
		done++
		fmt.Fprintf(&b, "- %s %s\n", s.MCP, s.Description)
	}
	return b.String()
}
