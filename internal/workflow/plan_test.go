package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAIResponseFencedBlock(t *testing.T) {
	text := "Here is the plan:\n```json\n{\"next\": [{\"mcp\": \"generate_image\", \"args\": {\"prompt\": \"panel 1\"}, \"description\": \"first\"}, {\"mcp\": \"add_text\"}]}\n```\nThanks."
	steps := ParseAIResponseToSteps(text, 1)

	require.Len(t, steps, 2)
	assert.Equal(t, "step-2", steps[0].ID)
	assert.Equal(t, "step-3", steps[1].ID)
	assert.Equal(t, ToolGenerateImage, steps[0].MCP)
	assert.Equal(t, "panel 1", steps[0].Args["prompt"])
	assert.Equal(t, "first", steps[0].Description)
	assert.NotNil(t, steps[1].Args)
	for _, s := range steps {
		assert.Equal(t, StepPending, s.Status)
	}
}

func TestParseAIResponseRawJSON(t *testing.T) {
	steps := ParseAIResponseToSteps(`{"next":[{"mcp":"insert_mermaid","args":{"code":"graph TD"}}]}`, 0)
	require.Len(t, steps, 1)
	assert.Equal(t, "step-1", steps[0].ID)
	assert.Equal(t, ToolInsertMermaid, steps[0].MCP)
}

func TestParseAIResponseRejectsMalformedJSON(t *testing.T) {
	inputs := []string{
		// Truncated before the closing brace.
		`{"next":[{"mcp":"generate_image","args":{"prompt":"cat"}}`,
		`{next: [{mcp: "add_text", args: {text: "hi"}}]}`,
		`{'next': [{'mcp': 'add_text', 'args': {'text': 'hi'}},]}`,
		"```json\n{\"next\":[{\"mcp\":\"insert_image\"}]}",
	}
	for _, in := range inputs {
		steps := ParseAIResponseToSteps(in, 0)
		assert.NotNil(t, steps, "input %q", in)
		assert.Empty(t, steps, "input %q", in)
	}
}

func TestParseAIResponseSkipsStepsWithoutTool(t *testing.T) {
	steps := ParseAIResponseToSteps(`{"next":[{"mcp":""},{"mcp":"add_text"},{"args":{}},{"mcp":"insert_image"}]}`, 2)
	require.Len(t, steps, 2)
	assert.Equal(t, "step-3", steps[0].ID)
	assert.Equal(t, "step-4", steps[1].ID)
}

func TestParseAIResponseIsTotal(t *testing.T) {
	inputs := []string{
		"",
		"no json here",
		"```json\n```",
		`{"steps": []}`,
		`{"next": "nope"}`,
		`[1,2,3]`,
		"```\n{{{{\n```",
	}
	for _, in := range inputs {
		steps := ParseAIResponseToSteps(in, 0)
		assert.NotNil(t, steps, "input %q", in)
		assert.Empty(t, steps, "input %q", in)
	}
}
