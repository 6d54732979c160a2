// Package task tracks generation work through its lifecycle: the registry
// owns state, persistence and events; the runner drives pending tasks through
// a pluggable generator.
package task

import (
	"fmt"
	"strings"
)

// Type is the kind of artifact a task produces.
type Type string

const (
	TypeImage            Type = "image"
	TypeVideo            Type = "video"
	TypeCharacter        Type = "character"
	TypeInspirationBoard Type = "inspiration_board"
	TypeChat             Type = "chat"
)

// ParseType validates a wire task type.
func ParseType(raw string) (Type, error) {
	switch t := Type(strings.TrimSpace(raw)); t {
	case TypeImage, TypeVideo, TypeCharacter, TypeInspirationBoard, TypeChat:
		return t, nil
	default:
		return "", fmt.Errorf("unknown task type %q", raw)
	}
}

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Phase is the sub-state of a processing task.
type Phase string

const (
	PhaseSubmitting  Phase = "submitting"
	PhasePolling     Phase = "polling"
	PhaseDownloading Phase = "downloading"
)

// Result describes the produced artifact.
type Result struct {
	URL          string  `json:"url"`
	Format       string  `json:"format"`
	Size         int64   `json:"size"`
	Width        int     `json:"width,omitempty"`
	Height       int     `json:"height,omitempty"`
	Duration     float64 `json:"duration,omitempty"`
	ThumbnailURL string  `json:"thumbnailUrl,omitempty"`
}

// Error codes carried by failed tasks.
const (
	CodeTimeout       = "timeout"
	CodeQuotaExceeded = "quota_exceeded"
	CodeBackend       = "backend_error"
	CodeInvalidParams = "invalid_params"
	CodeInterrupted   = "interrupted"
	CodeUnknown       = "unknown"
)

// Error is the structured failure attached to a task.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Task is one unit of generation work. Timestamps are Unix milliseconds.
type Task struct {
	ID               string         `json:"id"`
	Type             Type           `json:"type"`
	Status           Status         `json:"status"`
	Params           map[string]any `json:"params"`
	CreatedAt        int64          `json:"createdAt"`
	UpdatedAt        int64          `json:"updatedAt"`
	StartedAt        int64          `json:"startedAt,omitempty"`
	CompletedAt      int64          `json:"completedAt,omitempty"`
	Progress         *int           `json:"progress,omitempty"`
	ExecutionPhase   Phase          `json:"executionPhase,omitempty"`
	Result           *Result        `json:"result,omitempty"`
	Error            *Error         `json:"error,omitempty"`
	RemoteID         string         `json:"remoteId,omitempty"`
	AttemptRemoteID  string         `json:"attemptRemoteId,omitempty"`
	InsertedToCanvas bool           `json:"insertedToCanvas"`
	Attempt          int            `json:"attempt"`

	fingerprint string
}

// clone returns a copy safe to hand outside the registry lock. Params are
// never mutated after creation and stay shared.
func (t *Task) clone() Task {
	out := *t
	if t.Progress != nil {
		p := *t.Progress
		out.Progress = &p
	}
	if t.Result != nil {
		r := *t.Result
		out.Result = &r
	}
	if t.Error != nil {
		e := *t.Error
		out.Error = &e
	}
	return out
}

// SortOrder for list queries, by createdAt.
type SortOrder string

const (
	SortDesc SortOrder = "desc"
	SortAsc  SortOrder = "asc"
)

// ListQuery filters and pages the task list.
type ListQuery struct {
	Offset    int       `json:"offset" validate:"gte=0"`
	Limit     int       `json:"limit" validate:"gte=0,lte=500"`
	Status    Status    `json:"status,omitempty"`
	Type      Type      `json:"type,omitempty"`
	SortOrder SortOrder `json:"sortOrder,omitempty" validate:"omitempty,oneof=asc desc"`
}

// Page is one page of tasks.
type Page struct {
	Tasks   []Task `json:"tasks"`
	Total   int    `json:"total"`
	Offset  int    `json:"offset"`
	Limit   int    `json:"limit"`
	HasMore bool   `json:"hasMore"`
}

// CreateResult is the task:create response payload.
type CreateResult struct {
	Success        bool   `json:"success"`
	Task           *Task  `json:"task,omitempty"`
	ExistingTaskID string `json:"existingTaskId,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ReasonDuplicate marks a rejected duplicate create.
const ReasonDuplicate = "duplicate"

// Change is delivered to registry subscribers after every mutation.
type Change struct {
	Task    Task
	Deleted bool
}
