package app

import (
	"taskrelay/internal/channel"
	"taskrelay/internal/chat"
	"taskrelay/internal/diagnostics"
	"taskrelay/internal/shared/config"
	"taskrelay/internal/task"
	"taskrelay/internal/workflow"
)

// InitParams is the init payload.
type InitParams struct {
	ClientID string               `json:"clientId,omitempty"`
	Config   *config.RuntimePatch `json:"config,omitempty"`
}

// InitResult describes the server to a newly connected client.
type InitResult struct {
	Success         bool                  `json:"success"`
	Version         string                `json:"version"`
	ProtocolVersion int                   `json:"protocolVersion"`
	ClientID        string                `json:"clientId"`
	Capabilities    []string              `json:"capabilities"`
	Config          config.RuntimeSummary `json:"config"`
	ServerTime      int64                 `json:"serverTime"`
	Error           string                `json:"error,omitempty"`
}

// ConfigResult is the updateConfig response.
type ConfigResult struct {
	Success bool                  `json:"success"`
	Config  config.RuntimeSummary `json:"config"`
	Error   string                `json:"error,omitempty"`
}

// TaskCreateParams is the task:create payload.
type TaskCreateParams struct {
	TaskID string         `json:"taskId,omitempty"`
	Type   string         `json:"type" validate:"required"`
	Params map[string]any `json:"params,omitempty"`
}

// TaskIDParams addresses one task.
type TaskIDParams struct {
	TaskID string `json:"taskId" validate:"required"`
}

// TaskResult carries a task or the reason it could not be returned.
type TaskResult struct {
	Success bool       `json:"success"`
	Task    *task.Task `json:"task,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// ChatStopResult is the chat:stop response.
type ChatStopResult struct {
	Success bool `json:"success"`
	Stopped bool `json:"stopped"`
}

// ChatCachedResult is the chat:getCached response.
type ChatCachedResult struct {
	Success bool        `json:"success"`
	Entry   *chat.Entry `json:"entry,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// WorkflowIDParams addresses one workflow.
type WorkflowIDParams struct {
	WorkflowID string `json:"workflowId" validate:"required"`
}

// WorkflowResult carries a workflow snapshot.
type WorkflowResult struct {
	Success    bool                 `json:"success"`
	WorkflowID string               `json:"workflowId,omitempty"`
	Workflow   *workflow.Definition `json:"workflow,omitempty"`
	Summary    *workflow.Summary    `json:"summary,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// WorkflowListParams is the workflow:getAll payload.
type WorkflowListParams struct {
	SinceMs int64 `json:"sinceMs,omitempty" validate:"gte=0"`
}

// WorkflowListResult is the workflow:getAll response.
type WorkflowListResult struct {
	Success   bool                   `json:"success"`
	Workflows []*workflow.Definition `json:"workflows"`
}

// RespondResult reports whether a response matched a waiting request.
type RespondResult struct {
	Success bool   `json:"success"`
	Matched bool   `json:"matched"`
	Error   string `json:"error,omitempty"`
}

// SnapshotResult is the crash:snapshot response.
type SnapshotResult struct {
	Success bool   `json:"success"`
	File    string `json:"file,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HeartbeatResult is the crash:heartbeat response.
type HeartbeatResult struct {
	Success    bool  `json:"success"`
	ServerTime int64 `json:"serverTime"`
}

// DebugStatus is the debug:getStatus response.
type DebugStatus struct {
	Version         string                     `json:"version"`
	UptimeMs        int64                      `json:"uptimeMs"`
	StartedAt       int64                      `json:"startedAt"`
	Clients         int                        `json:"clients"`
	ClientIDs       []string                   `json:"clientIds"`
	StaleClients    []string                   `json:"staleClients"`
	Heartbeats      []diagnostics.ClientHealth `json:"heartbeats"`
	CrashDumps      int                        `json:"crashDumps"`
	Tasks           map[task.Status]int        `json:"tasks"`
	ActiveWorkflows int                        `json:"activeWorkflows"`
	PendingRequests int                        `json:"pendingRequests"`
	InflightFetches int                        `json:"inflightFetches"`
	ActiveChats     int                        `json:"activeChats"`
	Broadcaster     channel.BroadcasterMetrics `json:"broadcaster"`
}
