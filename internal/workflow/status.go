package workflow

import "time"

// StepUpdate carries the optional outcome fields of a status change.
type StepUpdate struct {
	Result   any
	Error    string
	Duration time.Duration
}

// UpdateStepStatus returns a copy of wf with the step stepID moved to
// status. Only that step is a new pointer; every other step is shared with
// wf. An unknown stepID returns a copy with all steps shared.
func UpdateStepStatus(wf *Definition, stepID string, status StepStatus, update StepUpdate) *Definition {
	next := *wf
	next.Steps = make([]*Step, len(wf.Steps))
	copy(next.Steps, wf.Steps)
	for i, s := range wf.Steps {
		if s.ID != stepID {
			continue
		}
		changed := *s
		changed.Status = status
		if update.Result != nil {
			changed.Result = update.Result
		}
		if update.Error != "" {
			changed.Error = update.Error
		}
		if update.Duration > 0 {
			changed.Duration = update.Duration.Milliseconds()
		}
		next.Steps[i] = &changed
		break
	}
	return &next
}

// AddStepsToWorkflow returns a copy of wf with steps appended in order. The
// original slice and step pointers are untouched.
func AddStepsToWorkflow(wf *Definition, steps []*Step) *Definition {
	next := *wf
	next.Steps = make([]*Step, 0, len(wf.Steps)+len(steps))
	next.Steps = append(next.Steps, wf.Steps...)
	next.Steps = append(next.Steps, steps...)
	return &next
}

// GetWorkflowStatus derives the workflow status from its steps. Failed
// beats running, which beats pending. Skipped steps count as settled.
func GetWorkflowStatus(wf *Definition) Summary {
	sum := Summary{TotalSteps: len(wf.Steps)}
	var running, firstPending *Step
	failed := false
	for _, s := range wf.Steps {
		switch s.Status {
		case StepCompleted:
			sum.CompletedSteps++
		case StepFailed:
			failed = true
		case StepRunning:
			if running == nil {
				running = s
			}
		case StepPending:
			if firstPending == nil {
				firstPending = s
			}
		}
	}
	switch {
	case sum.CompletedSteps == sum.TotalSteps:
		sum.Status = StatusCompleted
	case failed:
		sum.Status = StatusFailed
	case running != nil:
		sum.Status = StatusRunning
		sum.CurrentStep = running
	case firstPending != nil:
		sum.Status = StatusPending
		sum.CurrentStep = firstPending
	default:
		// Only completed and skipped steps remain.
		sum.Status = StatusCompleted
	}
	return sum
}
