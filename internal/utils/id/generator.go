package id

import (
	"fmt"

	"github.com/google/uuid"
)

// NewTaskID generates a new task identifier with a stable prefix for display.
func NewTaskID() string {
	return newIdentifier("task")
}

// NewWorkflowID generates a workflow identifier. Two calls never collide even
// when issued for identical input in the same millisecond.
func NewWorkflowID() string {
	return newIdentifier("wf")
}

// NewRequestID generates correlation ids for tool, canvas and fetch requests.
func NewRequestID() string {
	return newIdentifier("req")
}

// NewBatchID groups steps spawned from one multi-count request.
func NewBatchID() string {
	return newIdentifier("batch")
}

// NewClientID identifies a websocket peer.
func NewClientID() string {
	return newIdentifier("client")
}

func newIdentifier(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, NewUUIDv7())
}

// NewUUIDv7 returns a raw time-ordered UUID, falling back to v4 if the clock
// source fails.
func NewUUIDv7() string {
	if v7, err := uuid.NewV7(); err == nil {
		return v7.String()
	}
	return uuid.NewString()
}
