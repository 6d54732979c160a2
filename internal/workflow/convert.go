package workflow

import (
	"fmt"
	"strings"
	"time"

	"taskrelay/internal/utils/id"
)

const (
	defaultImageSize    = "1x1"
	defaultVideoSize    = "16x9"
	defaultVideoSeconds = "5"
)

// Request is a parsed user generation request.
type Request struct {
	Scenario        string         `json:"scenario"`
	GenerationType  string         `json:"generationType,omitempty"`
	Prompt          string         `json:"prompt"`
	Size            string         `json:"size,omitempty"`
	Count           int            `json:"count,omitempty" validate:"gte=0,lte=16"`
	Duration        any            `json:"duration,omitempty"`
	Model           string         `json:"model,omitempty"`
	ModelID         string         `json:"modelId,omitempty"`
	Selection       any            `json:"selection,omitempty"`
	ReferenceImages []string       `json:"referenceImages,omitempty"`
	FailurePolicy   string         `json:"failurePolicy,omitempty" validate:"omitempty,oneof=continue stop"`
	Extra           map[string]any `json:"extra,omitempty"`
}

func (r Request) model() string {
	if r.Model != "" {
		return r.Model
	}
	return r.ModelID
}

// metadata is a shallow copy of the request for audit.
func (r Request) metadata() map[string]any {
	md := make(map[string]any, len(r.Extra)+8)
	for k, v := range r.Extra {
		md[k] = v
	}
	md["scenario"] = r.Scenario
	md["prompt"] = r.Prompt
	md["modelId"] = r.ModelID
	if r.Model != "" {
		md["model"] = r.Model
	}
	if r.GenerationType != "" {
		md["generationType"] = r.GenerationType
	}
	if r.Size != "" {
		md["size"] = r.Size
	}
	if r.Count > 0 {
		md["count"] = r.Count
	}
	if r.Duration != nil {
		md["duration"] = r.Duration
	}
	return md
}

func (r Request) params() map[string]any {
	p := r.metadata()
	delete(p, "scenario")
	return p
}

func newDefinition(req Request, scenario string, refs []string) *Definition {
	now := time.Now().UnixMilli()
	return &Definition{
		ID:            id.NewWorkflowID(),
		ScenarioType:  scenario,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		Metadata:      req.metadata(),
		FailurePolicy: req.FailurePolicy,
		Context: Context{
			UserInput:       req.Prompt,
			Model:           req.model(),
			Params:          req.params(),
			ReferenceImages: refs,
		},
	}
}

// ConvertDirectGenerationToWorkflow plans a direct image or video request.
// Images produce one generate_image step per requested count; video always
// produces a single generate_video step.
func ConvertDirectGenerationToWorkflow(req Request, referenceImages []string) (*Definition, error) {
	genType := req.GenerationType
	if genType == "" {
		genType = GenerationImage
	}
	wf := newDefinition(req, ScenarioDirectGeneration, referenceImages)
	wf.GenerationType = genType

	switch genType {
	case GenerationImage:
		count := req.Count
		if count < 1 {
			count = 1
		}
		size := req.Size
		if size == "" {
			size = defaultImageSize
		}
		batchID := ""
		if count > 1 {
			batchID = id.NewBatchID()
		}
		wf.Steps = make([]*Step, 0, count)
		for i := 0; i < count; i++ {
			args := map[string]any{"prompt": req.Prompt, "size": size, "model": req.model()}
			if len(referenceImages) > 0 {
				args["referenceImages"] = referenceImages
			}
			step := &Step{
				ID:          fmt.Sprintf("step-%d", i+1),
				MCP:         ToolGenerateImage,
				Args:        args,
				Description: fmt.Sprintf("Generate image %d of %d", i+1, count),
				Status:      StepPending,
			}
			if count > 1 {
				step.Options = &StepOptions{Mode: "async", BatchID: batchID, BatchIndex: i, BatchTotal: count, GlobalIndex: i}
			}
			wf.Steps = append(wf.Steps, step)
		}
		wf.Name = "Image generation"
	case GenerationVideo:
		size := req.Size
		if size == "" {
			size = defaultVideoSize
		}
		seconds := defaultVideoSeconds
		if req.Duration != nil {
			seconds = strings.TrimSpace(fmt.Sprint(req.Duration))
		}
		wf.Steps = []*Step{{
			ID:          "step-1",
			MCP:         ToolGenerateVideo,
			Args:        map[string]any{"prompt": req.Prompt, "size": size, "seconds": seconds, "model": req.model()},
			Description: "Generate video",
			Status:      StepPending,
		}}
		wf.Name = "Video generation"
	default:
		return nil, fmt.Errorf("unsupported generation type %q", genType)
	}
	wf.Description = req.Prompt
	return wf, nil
}

// ConvertAgentFlowToWorkflow plans a single analysis step whose output
// decides the rest of the plan.
func ConvertAgentFlowToWorkflow(req Request, referenceImages []string) *Definition {
	wf := newDefinition(req, ScenarioAgentFlow, referenceImages)
	wf.Name = "Agent flow"
	wf.Description = req.Prompt
	context := map[string]any{
		"finalPrompt": req.Prompt,
		"selection":   req.Selection,
		"model":       req.model(),
	}
	if len(referenceImages) > 0 {
		context["referenceImages"] = referenceImages
	}
	for k, v := range req.Extra {
		if _, taken := context[k]; !taken {
			context[k] = v
		}
	}
	wf.Steps = []*Step{{
		ID:          AnalyzeStepID,
		MCP:         ToolAIAnalyze,
		Args:        map[string]any{"context": context},
		Description: "Analyze the request and plan next steps",
		Status:      StepPending,
	}}
	return wf
}

// ConvertToWorkflow dispatches on the request scenario.
func ConvertToWorkflow(req Request) (*Definition, error) {
	switch req.Scenario {
	case ScenarioDirectGeneration:
		return ConvertDirectGenerationToWorkflow(req, req.ReferenceImages)
	case ScenarioAgentFlow:
		return ConvertAgentFlowToWorkflow(req, req.ReferenceImages), nil
	default:
		return nil, fmt.Errorf("unknown workflow scenario %q", req.Scenario)
	}
}
