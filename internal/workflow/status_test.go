package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stepsWith(statuses ...StepStatus) *Definition {
	wf := &Definition{ID: "wf"}
	for i, s := range statuses {
		wf.Steps = append(wf.Steps, &Step{ID: "step-" + string(rune('1'+i)), MCP: ToolGenerateImage, Status: s})
	}
	return wf
}

func TestUpdateStepStatusSharesUntouchedSteps(t *testing.T) {
	wf := stepsWith(StepPending, StepPending, StepPending)
	next := UpdateStepStatus(wf, "step-2", StepCompleted, StepUpdate{Result: "ok", Duration: 1500 * time.Millisecond})

	require.NotSame(t, wf, next)
	assert.Same(t, wf.Steps[0], next.Steps[0])
	assert.Same(t, wf.Steps[2], next.Steps[2])
	assert.NotSame(t, wf.Steps[1], next.Steps[1])

	assert.Equal(t, StepPending, wf.Steps[1].Status, "original step must not change")
	assert.Equal(t, StepCompleted, next.Steps[1].Status)
	assert.Equal(t, "ok", next.Steps[1].Result)
	assert.EqualValues(t, 1500, next.Steps[1].Duration)
}

func TestUpdateStepStatusUnknownStep(t *testing.T) {
	wf := stepsWith(StepPending)
	next := UpdateStepStatus(wf, "missing", StepFailed, StepUpdate{Error: "x"})
	assert.Same(t, wf.Steps[0], next.Steps[0])
	assert.Equal(t, StepPending, next.Steps[0].Status)
}

func TestAddStepsLeavesOriginalIntact(t *testing.T) {
	wf := stepsWith(StepCompleted)
	added := []*Step{{ID: "step-2", MCP: ToolAddText, Status: StepPending}}
	next := AddStepsToWorkflow(wf, added)

	assert.Len(t, wf.Steps, 1)
	require.Len(t, next.Steps, 2)
	assert.Same(t, wf.Steps[0], next.Steps[0])
	assert.Same(t, added[0], next.Steps[1])
}

func TestGetWorkflowStatusPrecedence(t *testing.T) {
	cases := []struct {
		name     string
		statuses []StepStatus
		want     Status
		current  string
	}{
		{"no steps", nil, StatusCompleted, ""},
		{"all completed", []StepStatus{StepCompleted, StepCompleted}, StatusCompleted, ""},
		{"failed beats running", []StepStatus{StepRunning, StepFailed, StepPending}, StatusFailed, ""},
		{"running beats pending", []StepStatus{StepCompleted, StepPending, StepRunning}, StatusRunning, "step-3"},
		{"first pending is current", []StepStatus{StepCompleted, StepPending, StepPending}, StatusPending, "step-2"},
		{"skipped settle", []StepStatus{StepCompleted, StepSkipped}, StatusCompleted, ""},
		{"only skipped", []StepStatus{StepSkipped}, StatusCompleted, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sum := GetWorkflowStatus(stepsWith(tc.statuses...))
			assert.Equal(t, tc.want, sum.Status)
			if tc.current == "" {
				assert.Nil(t, sum.CurrentStep)
			} else {
				require.NotNil(t, sum.CurrentStep)
				assert.Equal(t, tc.current, sum.CurrentStep.ID)
			}
		})
	}
}

func TestGetWorkflowStatusPartialBatchFailure(t *testing.T) {
	sum := GetWorkflowStatus(stepsWith(StepCompleted, StepCompleted, StepFailed))
	assert.Equal(t, StatusFailed, sum.Status)
	assert.Equal(t, 2, sum.CompletedSteps)
	assert.Equal(t, 3, sum.TotalSteps)
}
