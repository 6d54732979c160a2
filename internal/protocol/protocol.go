// Package protocol defines the wire contract between relay clients and the
// worker: frame layout, RPC method names, broadcast event names and return
// codes. Names are part of the contract and must not change.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is bumped on incompatible frame changes.
const Version = 1

// FrameType discriminates websocket frames.
type FrameType string

const (
	FrameHello     FrameType = "hello"
	FrameWelcome   FrameType = "welcome"
	FrameRequest   FrameType = "request"
	FrameResponse  FrameType = "response"
	FrameBroadcast FrameType = "broadcast"
)

// Frame is the single envelope for every message on the channel.
type Frame struct {
	Type     FrameType       `json:"type"`
	ID       string          `json:"id,omitempty"`
	Method   string          `json:"method,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
	Ret      ReturnCode      `json:"ret"`
	Data     json.RawMessage `json:"data,omitempty"`
	Message  string          `json:"message,omitempty"`
	Event    string          `json:"event,omitempty"`
	Token    string          `json:"token,omitempty"`
	ClientID string          `json:"clientId,omitempty"`
	Version  int             `json:"version,omitempty"`
	Seq      uint64          `json:"seq,omitempty"`
}

// ReturnCode is the transport-layer outcome of an RPC. Payload-level
// success lives in the response body.
type ReturnCode int

const (
	Success ReturnCode = iota
	UnknownMethod
	BadParams
	Internal
	Timeout
	NotConnected
)

func (c ReturnCode) String() string {
	switch c {
	case Success:
		return "success"
	case UnknownMethod:
		return "unknown_method"
	case BadParams:
		return "bad_params"
	case Internal:
		return "internal"
	case Timeout:
		return "timeout"
	case NotConnected:
		return "not_connected"
	default:
		return fmt.Sprintf("ret(%d)", int(c))
	}
}

// CallError is returned by clients when ret != Success.
type CallError struct {
	Method  string
	Ret     ReturnCode
	Message string
}

func (e *CallError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Method, e.Ret)
	}
	return fmt.Sprintf("%s: %s: %s", e.Method, e.Ret, e.Message)
}

// RPC methods.
const (
	MethodInit         = "init"
	MethodUpdateConfig = "updateConfig"

	MethodTaskCreate        = "task:create"
	MethodTaskCancel        = "task:cancel"
	MethodTaskRetry         = "task:retry"
	MethodTaskDelete        = "task:delete"
	MethodTaskMarkInserted  = "task:markInserted"
	MethodTaskGet           = "task:get"
	MethodTaskListPaginated = "task:listPaginated"

	MethodChatStart     = "chat:start"
	MethodChatStop      = "chat:stop"
	MethodChatGetCached = "chat:getCached"

	MethodWorkflowSubmit        = "workflow:submit"
	MethodWorkflowCancel        = "workflow:cancel"
	MethodWorkflowGetStatus     = "workflow:getStatus"
	MethodWorkflowGetAll        = "workflow:getAll"
	MethodWorkflowRespondCanvas = "workflow:respondCanvas"
	MethodWorkflowRespondTool   = "workflow:respondTool"

	MethodThumbnailGenerate      = "thumbnail:generate"
	MethodThumbnailVideoResponse = "thumbnail:videoResponse"

	MethodCrashSnapshot  = "crash:snapshot"
	MethodCrashHeartbeat = "crash:heartbeat"
	MethodConsoleReport  = "console:report"
	MethodDebugGetStatus = "debug:getStatus"

	MethodFetchRelayStart   = "fetchRelay:start"
	MethodFetchRelayCancel  = "fetchRelay:cancel"
	MethodFetchRelayRecover = "fetchRelay:recover"
	MethodFetchRelayPing    = "fetchRelay:ping"
)

// Methods lists every RPC method in registration order.
var Methods = []string{
	MethodInit, MethodUpdateConfig,
	MethodTaskCreate, MethodTaskCancel, MethodTaskRetry, MethodTaskDelete,
	MethodTaskMarkInserted, MethodTaskGet, MethodTaskListPaginated,
	MethodChatStart, MethodChatStop, MethodChatGetCached,
	MethodWorkflowSubmit, MethodWorkflowCancel, MethodWorkflowGetStatus,
	MethodWorkflowGetAll, MethodWorkflowRespondCanvas, MethodWorkflowRespondTool,
	MethodThumbnailGenerate, MethodThumbnailVideoResponse,
	MethodCrashSnapshot, MethodCrashHeartbeat, MethodConsoleReport, MethodDebugGetStatus,
	MethodFetchRelayStart, MethodFetchRelayCancel, MethodFetchRelayRecover, MethodFetchRelayPing,
}

// Broadcast events.
const (
	EventTaskStatus    = "task:status"
	EventTaskCompleted = "task:completed"
	EventTaskFailed    = "task:failed"
	EventTaskCreated   = "task:created"
	EventTaskCancelled = "task:cancelled"
	EventTaskDeleted   = "task:deleted"

	EventChatChunk = "chat:chunk"
	EventChatDone  = "chat:done"
	EventChatError = "chat:error"

	EventWorkflowStatus        = "workflow:status"
	EventWorkflowStepStatus    = "workflow:stepStatus"
	EventWorkflowCompleted     = "workflow:completed"
	EventWorkflowFailed        = "workflow:failed"
	EventWorkflowStepsAdded    = "workflow:stepsAdded"
	EventWorkflowCanvasRequest = "workflow:canvasRequest"
	EventWorkflowToolRequest   = "workflow:toolRequest"
	EventWorkflowRecovered     = "workflow:recovered"

	EventThumbnailVideoRequest = "thumbnail:videoRequest"

	EventFetchRelayChunk = "fetchRelay:chunk"
	EventFetchRelayDone  = "fetchRelay:done"
	EventFetchRelayError = "fetchRelay:error"
)

// IsCritical reports events that must survive a congested client queue.
// Terminal events and main-thread requests block progress if lost.
func IsCritical(event string) bool {
	switch event {
	case EventTaskCompleted, EventTaskFailed, EventTaskCancelled,
		EventChatDone, EventChatError,
		EventWorkflowCompleted, EventWorkflowFailed, EventWorkflowStepsAdded,
		EventWorkflowCanvasRequest, EventWorkflowToolRequest, EventWorkflowRecovered,
		EventThumbnailVideoRequest,
		EventFetchRelayChunk, EventFetchRelayDone, EventFetchRelayError:
		return true
	}
	return false
}

// OpResult is the payload-level outcome shared by mutation RPCs.
type OpResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Ok returns a successful OpResult.
func Ok() OpResult { return OpResult{Success: true} }

// Fail returns a failed OpResult carrying err's message.
func Fail(err error) OpResult {
	if err == nil {
		return OpResult{Success: false}
	}
	return OpResult{Success: false, Error: err.Error()}
}
