// Package workflow converts generation requests into ordered step plans and
// executes them on the relay.
package workflow

// StepStatus is the lifecycle of one step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// IsTerminal reports whether the step will not change again.
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// Status is the derived workflow status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the workflow is finished.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Scenario types.
const (
	ScenarioDirectGeneration = "direct_generation"
	ScenarioAgentFlow        = "agent_flow"
)

// Generation types for direct generation.
const (
	GenerationImage = "image"
	GenerationVideo = "video"
)

// Tool names with engine-side meaning.
const (
	ToolGenerateImage  = "generate_image"
	ToolGenerateVideo  = "generate_video"
	ToolAIAnalyze      = "ai_analyze"
	ToolInsertImage    = "insert_image"
	ToolInsertVideo    = "insert_video"
	ToolAddText        = "add_text"
	ToolInsertMindmap  = "insert_mindmap"
	ToolInsertMermaid  = "insert_mermaid"
	ToolInsertToCanvas = "insert_to_canvas"
)

// AnalyzeStepID is the id of the planning step of an agent flow.
const AnalyzeStepID = "step-analyze"

// IsCanvasTool reports whether tool mutates the client canvas.
func IsCanvasTool(tool string) bool {
	switch tool {
	case ToolInsertImage, ToolInsertVideo, ToolAddText, ToolInsertMindmap, ToolInsertMermaid, ToolInsertToCanvas:
		return true
	}
	return false
}

// StepOptions correlates steps spawned from one multi-count request.
type StepOptions struct {
	Mode        string `json:"mode,omitempty"`
	BatchID     string `json:"batchId,omitempty"`
	BatchIndex  int    `json:"batchIndex"`
	BatchTotal  int    `json:"batchTotal"`
	GlobalIndex int    `json:"globalIndex"`
}

// Step is one action within a workflow. Steps are treated as immutable
// values once shared; updates replace the pointer.
type Step struct {
	ID          string         `json:"id"`
	MCP         string         `json:"mcp"`
	Args        map[string]any `json:"args"`
	Description string         `json:"description,omitempty"`
	Status      StepStatus     `json:"status"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Duration    int64          `json:"duration,omitempty"`
	Options     *StepOptions   `json:"options,omitempty"`
}

// Context carries the originating request.
type Context struct {
	UserInput       string         `json:"userInput"`
	Model           string         `json:"model,omitempty"`
	Params          map[string]any `json:"params,omitempty"`
	ReferenceImages []string       `json:"referenceImages,omitempty"`
}

// Definition is an ordered plan and its execution state.
type Definition struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	ScenarioType   string         `json:"scenarioType"`
	GenerationType string         `json:"generationType,omitempty"`
	Steps          []*Step        `json:"steps"`
	Status         Status         `json:"status"`
	CreatedAt      int64          `json:"createdAt"`
	UpdatedAt      int64          `json:"updatedAt"`
	CompletedAt    int64          `json:"completedAt,omitempty"`
	Context        Context        `json:"context"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	FailurePolicy  string         `json:"failurePolicy,omitempty"`
}

// Step returns the step with id.
func (d *Definition) Step(id string) (*Step, int) {
	for i, s := range d.Steps {
		if s.ID == id {
			return s, i
		}
	}
	return nil, -1
}

// Summary is the derived status of a workflow.
type Summary struct {
	Status         Status `json:"status"`
	CurrentStep    *Step  `json:"currentStep,omitempty"`
	CompletedSteps int    `json:"completedSteps"`
	TotalSteps     int    `json:"totalSteps"`
}
