package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var fencedJSON = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)```")

type plannedStep struct {
	MCP         string         `json:"mcp"`
	Args        map[string]any `json:"args"`
	Description string         `json:"description"`
}

type plannerOutput struct {
	Next []plannedStep `json:"next"`
}

// ParseAIResponseToSteps extracts the planner's next steps from model text.
// It accepts raw JSON or a fenced json block and never fails: unusable
// input yields an empty slice. Ids continue after existingStepCount.
func ParseAIResponseToSteps(text string, existingStepCount int) []*Step {
	body := strings.TrimSpace(text)
	if m := fencedJSON.FindStringSubmatch(body); m != nil {
		body = strings.TrimSpace(m[1])
	}
	if body == "" {
		return []*Step{}
	}

	// Truncated or malformed output is rejected rather than guessed at: a
	// half-written plan must not start generation or canvas steps.
	out, ok := decodePlan(body)
	if !ok {
		return []*Step{}
	}

	steps := make([]*Step, 0, len(out.Next))
	for _, p := range out.Next {
		if strings.TrimSpace(p.MCP) == "" {
			continue
		}
		args := p.Args
		if args == nil {
			args = map[string]any{}
		}
		steps = append(steps, &Step{
			ID:          fmt.Sprintf("step-%d", existingStepCount+len(steps)+1),
			MCP:         strings.TrimSpace(p.MCP),
			Args:        args,
			Description: p.Description,
			Status:      StepPending,
		})
	}
	return steps
}

func decodePlan(body string) (plannerOutput, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return plannerOutput{}, false
	}
	next, ok := raw["next"]
	if !ok {
		return plannerOutput{}, false
	}
	var out plannerOutput
	if err := json.Unmarshal(next, &out.Next); err != nil {
		return plannerOutput{}, false
	}
	return out, true
}
