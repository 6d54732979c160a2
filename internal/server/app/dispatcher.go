// Package app binds the relay services to the channel's RPC methods.
package app

import (
	"context"
	"errors"
	"time"

	"taskrelay/internal/channel"
	"taskrelay/internal/chat"
	"taskrelay/internal/diagnostics"
	"taskrelay/internal/fetchrelay"
	"taskrelay/internal/protocol"
	"taskrelay/internal/shared/config"
	errs "taskrelay/internal/shared/errors"
	"taskrelay/internal/shared/logging"
	"taskrelay/internal/task"
	"taskrelay/internal/thumbnail"
	"taskrelay/internal/workflow"
)

// Services are the components the dispatcher exposes over the channel.
type Services struct {
	Version     string
	Runtime     *config.Runtime
	Tasks       *task.Registry
	Workflows   *workflow.Engine
	Chat        *chat.Service
	Thumbnails  *thumbnail.Service
	Diagnostics *diagnostics.Service
	Relay       *fetchrelay.Relay
}

// Dispatcher owns the method table of a channel server.
type Dispatcher struct {
	srv    *channel.Server
	svc    Services
	now    func() time.Time
	logger logging.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger overrides the component logger.
func WithDispatcherLogger(logger logging.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logging.OrNop(logger) }
}

// WithDispatcherClock overrides the time source for server timestamps.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDispatcher creates a dispatcher for srv. Call Register to install the
// handlers.
func NewDispatcher(srv *channel.Server, svc Services, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		srv:    srv,
		svc:    svc,
		now:    time.Now,
		logger: logging.NewComponentLogger("Dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register installs a handler for every protocol method.
func (d *Dispatcher) Register() {
	d.registerSession()
	d.registerTasks()
	d.registerChat()
	d.registerWorkflows()
	d.registerThumbnails()
	d.registerDiagnostics()
	d.registerFetchRelay()
}

func (d *Dispatcher) registerSession() {
	channel.Bind(d.srv, protocol.MethodInit, func(_ context.Context, peer channel.Peer, p InitParams) (any, error) {
		out := InitResult{
			Success:         true,
			Version:         d.svc.Version,
			ProtocolVersion: protocol.Version,
			ClientID:        peer.ID(),
			Capabilities:    protocol.Methods,
			ServerTime:      d.now().UnixMilli(),
		}
		if p.Config != nil {
			if _, err := d.svc.Runtime.Apply(*p.Config); err != nil {
				out.Success = false
				out.Error = err.Error()
			}
		}
		out.Config = d.svc.Runtime.Summary()
		d.logger.Info("Client %s initialised (requested id %q)", peer.ID(), p.ClientID)
		return out, nil
	})

	channel.Bind(d.srv, protocol.MethodUpdateConfig, func(_ context.Context, peer channel.Peer, p config.RuntimePatch) (any, error) {
		if _, err := d.svc.Runtime.Apply(p); err != nil {
			return ConfigResult{Success: false, Config: d.svc.Runtime.Summary(), Error: err.Error()}, nil
		}
		d.logger.Info("Runtime config updated by %s", peer.ID())
		return ConfigResult{Success: true, Config: d.svc.Runtime.Summary()}, nil
	})
}

func (d *Dispatcher) registerTasks() {
	tasks := d.svc.Tasks

	channel.Bind(d.srv, protocol.MethodTaskCreate, func(_ context.Context, _ channel.Peer, p TaskCreateParams) (any, error) {
		res, err := tasks.Create(p.TaskID, task.Type(p.Type), p.Params)
		if err != nil {
			return nil, transportError(err)
		}
		return res, nil
	})
	channel.Bind(d.srv, protocol.MethodTaskCancel, func(_ context.Context, _ channel.Peer, p TaskIDParams) (any, error) {
		return taskResult(tasks.Cancel(p.TaskID))
	})
	channel.Bind(d.srv, protocol.MethodTaskRetry, func(_ context.Context, _ channel.Peer, p TaskIDParams) (any, error) {
		return taskResult(tasks.Retry(p.TaskID))
	})
	channel.Bind(d.srv, protocol.MethodTaskDelete, func(_ context.Context, _ channel.Peer, p TaskIDParams) (any, error) {
		if err := tasks.Delete(p.TaskID); err != nil {
			if domainFailure(err) {
				return protocol.Fail(err), nil
			}
			return nil, transportError(err)
		}
		return protocol.Ok(), nil
	})
	channel.Bind(d.srv, protocol.MethodTaskMarkInserted, func(_ context.Context, _ channel.Peer, p TaskIDParams) (any, error) {
		return taskResult(tasks.MarkInserted(p.TaskID))
	})
	channel.Bind(d.srv, protocol.MethodTaskGet, func(_ context.Context, _ channel.Peer, p TaskIDParams) (any, error) {
		return taskResult(tasks.Get(p.TaskID))
	})
	channel.Bind(d.srv, protocol.MethodTaskListPaginated, func(_ context.Context, _ channel.Peer, q task.ListQuery) (any, error) {
		return tasks.List(q), nil
	})
}

func (d *Dispatcher) registerChat() {
	svc := d.svc.Chat

	channel.Bind(d.srv, protocol.MethodChatStart, func(_ context.Context, _ channel.Peer, p chat.StartParams) (any, error) {
		ack, err := svc.Start(p)
		if err != nil {
			return nil, transportError(err)
		}
		return ack, nil
	})
	channel.Bind(d.srv, protocol.MethodChatStop, func(_ context.Context, _ channel.Peer, p chat.StopParams) (any, error) {
		return ChatStopResult{Success: true, Stopped: svc.Stop(p.ChatID)}, nil
	})
	channel.Bind(d.srv, protocol.MethodChatGetCached, func(_ context.Context, _ channel.Peer, p chat.StopParams) (any, error) {
		entry, ok := svc.GetCached(p.ChatID)
		if !ok {
			return ChatCachedResult{Success: false, Error: "no cached chat " + p.ChatID}, nil
		}
		return ChatCachedResult{Success: true, Entry: &entry}, nil
	})
}

func (d *Dispatcher) registerWorkflows() {
	engine := d.svc.Workflows

	channel.Bind(d.srv, protocol.MethodWorkflowSubmit, func(_ context.Context, _ channel.Peer, p workflow.SubmitParams) (any, error) {
		def, err := engine.Submit(p)
		if err != nil {
			if domainFailure(err) {
				return WorkflowResult{Success: false, Error: err.Error()}, nil
			}
			return nil, transportError(err)
		}
		return WorkflowResult{Success: true, WorkflowID: def.ID, Workflow: def}, nil
	})
	channel.Bind(d.srv, protocol.MethodWorkflowCancel, func(_ context.Context, _ channel.Peer, p WorkflowIDParams) (any, error) {
		def, err := engine.Cancel(p.WorkflowID)
		if err != nil {
			if domainFailure(err) {
				return WorkflowResult{Success: false, WorkflowID: p.WorkflowID, Error: err.Error()}, nil
			}
			return nil, err
		}
		return WorkflowResult{Success: true, WorkflowID: def.ID, Workflow: def}, nil
	})
	channel.Bind(d.srv, protocol.MethodWorkflowGetStatus, func(_ context.Context, _ channel.Peer, p WorkflowIDParams) (any, error) {
		def, sum, err := engine.GetStatus(p.WorkflowID)
		if err != nil {
			if domainFailure(err) {
				return WorkflowResult{Success: false, WorkflowID: p.WorkflowID, Error: err.Error()}, nil
			}
			return nil, err
		}
		return WorkflowResult{Success: true, WorkflowID: def.ID, Workflow: def, Summary: &sum}, nil
	})
	channel.Bind(d.srv, protocol.MethodWorkflowGetAll, func(_ context.Context, _ channel.Peer, p WorkflowListParams) (any, error) {
		var defs []*workflow.Definition
		if p.SinceMs > 0 {
			defs = engine.ChangedSince(p.SinceMs)
		} else {
			defs = engine.GetAll()
		}
		if defs == nil {
			defs = []*workflow.Definition{}
		}
		return WorkflowListResult{Success: true, Workflows: defs}, nil
	})
	channel.Bind(d.srv, protocol.MethodWorkflowRespondCanvas, func(_ context.Context, _ channel.Peer, p workflow.CanvasResponse) (any, error) {
		return respondResult(engine.RespondCanvas(p), p.RequestID), nil
	})
	channel.Bind(d.srv, protocol.MethodWorkflowRespondTool, func(_ context.Context, _ channel.Peer, p workflow.ToolResponse) (any, error) {
		return respondResult(engine.RespondTool(p), p.RequestID), nil
	})
}

func (d *Dispatcher) registerThumbnails() {
	svc := d.svc.Thumbnails

	channel.Bind(d.srv, protocol.MethodThumbnailGenerate, func(ctx context.Context, _ channel.Peer, p thumbnail.GenerateParams) (any, error) {
		out, err := svc.Generate(ctx, p)
		if err != nil {
			if errors.Is(err, errs.ErrValidation) {
				return nil, channel.BadParams(err)
			}
			return thumbnail.GenerateResult{Success: false, Error: err.Error()}, nil
		}
		return out, nil
	})
	channel.Bind(d.srv, protocol.MethodThumbnailVideoResponse, func(_ context.Context, _ channel.Peer, p thumbnail.VideoResponse) (any, error) {
		return respondResult(svc.RespondVideo(p), p.RequestID), nil
	})
}

func (d *Dispatcher) registerDiagnostics() {
	svc := d.svc.Diagnostics

	channel.Bind(d.srv, protocol.MethodCrashSnapshot, func(_ context.Context, _ channel.Peer, p diagnostics.Snapshot) (any, error) {
		file, err := svc.RecordSnapshot(p)
		if err != nil {
			return SnapshotResult{Success: false, Error: err.Error()}, nil
		}
		return SnapshotResult{Success: true, File: file}, nil
	})
	channel.Bind(d.srv, protocol.MethodCrashHeartbeat, func(_ context.Context, _ channel.Peer, p diagnostics.HeartbeatParams) (any, error) {
		svc.Heartbeat(p.ClientID)
		return HeartbeatResult{Success: true, ServerTime: d.now().UnixMilli()}, nil
	})
	channel.Bind(d.srv, protocol.MethodConsoleReport, func(_ context.Context, peer channel.Peer, p diagnostics.ConsoleReport) (any, error) {
		if p.ClientID == "" {
			p.ClientID = peer.ID()
		}
		svc.Report(p)
		return protocol.Ok(), nil
	})
	channel.Bind(d.srv, protocol.MethodDebugGetStatus, func(context.Context, channel.Peer, struct{}) (any, error) {
		return d.Status(), nil
	})
}

func (d *Dispatcher) registerFetchRelay() {
	relay := d.svc.Relay

	channel.Bind(d.srv, protocol.MethodFetchRelayStart, func(_ context.Context, _ channel.Peer, p fetchrelay.StartParams) (any, error) {
		ack, err := relay.StartFetch(p)
		if err != nil {
			return nil, transportError(err)
		}
		return ack, nil
	})
	channel.Bind(d.srv, protocol.MethodFetchRelayCancel, func(_ context.Context, _ channel.Peer, p fetchrelay.CancelParams) (any, error) {
		return RespondResult{Success: true, Matched: relay.Cancel(p.RequestID)}, nil
	})
	channel.Bind(d.srv, protocol.MethodFetchRelayRecover, func(ctx context.Context, _ channel.Peer, p fetchrelay.RecoverParams) (any, error) {
		return relay.Recover(ctx, p)
	})
	channel.Bind(d.srv, protocol.MethodFetchRelayPing, func(context.Context, channel.Peer, struct{}) (any, error) {
		return relay.Ping(), nil
	})
}

// Status gathers the debug:getStatus report.
func (d *Dispatcher) Status() DebugStatus {
	health := d.svc.Diagnostics.Health()
	return DebugStatus{
		Version:         d.svc.Version,
		UptimeMs:        health.UptimeMs,
		StartedAt:       health.StartedAt,
		Clients:         d.srv.ClientCount(),
		ClientIDs:       d.srv.PeerIDs(),
		StaleClients:    health.StaleClients,
		Heartbeats:      health.Clients,
		CrashDumps:      health.CrashDumps,
		Tasks:           d.svc.Tasks.Counts(),
		ActiveWorkflows: d.svc.Workflows.ActiveCount(),
		PendingRequests: len(d.svc.Workflows.PendingRequests()) + len(d.svc.Thumbnails.PendingVideoRequests()),
		InflightFetches: d.svc.Relay.InflightCount(),
		ActiveChats:     d.svc.Chat.Active(),
		Broadcaster:     d.srv.GetMetrics(),
	}
}

func taskResult(t task.Task, err error) (any, error) {
	if err != nil {
		if domainFailure(err) {
			return TaskResult{Success: false, Error: err.Error()}, nil
		}
		return nil, transportError(err)
	}
	return TaskResult{Success: true, Task: &t}, nil
}

func respondResult(matched bool, requestID string) RespondResult {
	if !matched {
		return RespondResult{Success: false, Error: "no pending request " + requestID}
	}
	return RespondResult{Success: true, Matched: true}
}

// domainFailure reports errors answered in the payload with success=false
// rather than with a transport ret code.
func domainFailure(err error) bool {
	return errs.IsNotFound(err) || errors.Is(err, errs.ErrConflict)
}

func transportError(err error) error {
	if errors.Is(err, errs.ErrValidation) {
		return channel.BadParams(err)
	}
	return err
}
