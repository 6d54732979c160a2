package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"taskrelay/internal/observability"
	"taskrelay/internal/protocol"
	"taskrelay/internal/shared/async"
	"taskrelay/internal/shared/config"
	errs "taskrelay/internal/shared/errors"
	"taskrelay/internal/shared/logging"
	"taskrelay/internal/task"
	"taskrelay/internal/utils/id"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	defaultToolTimeout   = 5 * time.Minute
	defaultCanvasTimeout = time.Minute
	defaultRetention     = 24 * time.Hour
	evictInterval        = 5 * time.Minute
)

// TaskService is the part of the task registry the engine drives.
type TaskService interface {
	Create(taskID string, taskType task.Type, params map[string]any) (task.CreateResult, error)
	Get(taskID string) (task.Task, error)
	Wait(ctx context.Context, taskID string) (task.Task, error)
	Cancel(taskID string) (task.Task, error)
}

// Planner turns an ai_analyze step into model text holding the next steps.
type Planner interface {
	Plan(ctx context.Context, wf *Definition, step *Step) (string, error)
}

// EventSink receives broadcast events.
type EventSink interface {
	Broadcast(event string, data any)
}

// Recorder receives workflow metrics.
type Recorder interface {
	RecordStep(ctx context.Context, tool, status string, duration time.Duration)
	RecordWorkflowOutcome(ctx context.Context, scenario, status string)
}

// SettingsSource exposes the live runtime settings.
type SettingsSource interface {
	Snapshot() config.RuntimeSettings
}

// StepSpec is a step proposed by a client tool response.
type StepSpec struct {
	MCP         string         `json:"mcp" validate:"required"`
	Args        map[string]any `json:"args,omitempty"`
	Description string         `json:"description,omitempty"`
	Options     *StepOptions   `json:"options,omitempty"`
}

// ToolResponse answers a workflow:toolRequest.
type ToolResponse struct {
	RequestID string     `json:"requestId" validate:"required"`
	Success   bool       `json:"success"`
	Result    any        `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	TaskID    string     `json:"taskId,omitempty"`
	TaskIDs   []string   `json:"taskIds,omitempty"`
	AddSteps  []StepSpec `json:"addSteps,omitempty" validate:"dive"`
}

// CanvasResponse answers a workflow:canvasRequest.
type CanvasResponse struct {
	RequestID string `json:"requestId" validate:"required"`
	Success   bool   `json:"success"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ToolRequest is broadcast when a step needs a client-side tool.
type ToolRequest struct {
	RequestID  string         `json:"requestId"`
	WorkflowID string         `json:"workflowId"`
	StepID     string         `json:"stepId"`
	ToolName   string         `json:"toolName"`
	Args       map[string]any `json:"args"`
}

// CanvasRequest is broadcast when a step mutates the client canvas.
type CanvasRequest struct {
	RequestID  string         `json:"requestId"`
	WorkflowID string         `json:"workflowId"`
	StepID     string         `json:"stepId"`
	Operation  string         `json:"operation"`
	Args       map[string]any `json:"args"`
}

// StepEvent is the workflow:stepStatus payload.
type StepEvent struct {
	WorkflowID string     `json:"workflowId"`
	StepID     string     `json:"stepId"`
	Status     StepStatus `json:"status"`
	Step       *Step      `json:"step"`
}

// StatusEvent is the workflow:status payload.
type StatusEvent struct {
	WorkflowID string      `json:"workflowId"`
	Status     Status      `json:"status"`
	Summary    Summary     `json:"summary"`
	Workflow   *Definition `json:"workflow"`
}

// TerminalEvent is the workflow:completed and workflow:failed payload.
type TerminalEvent struct {
	WorkflowID string      `json:"workflowId"`
	Status     Status      `json:"status"`
	Workflow   *Definition `json:"workflow"`
}

// StepsAddedEvent is the workflow:stepsAdded payload.
type StepsAddedEvent struct {
	WorkflowID  string      `json:"workflowId"`
	AfterStepID string      `json:"afterStepId"`
	Steps       []*Step     `json:"steps"`
	Workflow    *Definition `json:"workflow"`
}

// RecoveredEvent is the workflow:recovered payload.
type RecoveredEvent struct {
	ClientID  string        `json:"clientId"`
	Workflows []*Definition `json:"workflows"`
}

// run is the live execution state of one workflow.
type run struct {
	def        *Definition
	cancel     context.CancelFunc
	terminal   bool
	finished   bool
	cancelled  bool
	taskIDs    map[string]struct{}
	requestIDs map[string]struct{}
}

// Engine executes workflows step by step and broadcasts their progress.
type Engine struct {
	tasks         TaskService
	planner       Planner
	sink          EventSink
	recorder      Recorder
	settings      SettingsSource
	canvasTimeout time.Duration
	retention     time.Duration
	logger        logging.Logger
	tracer        trace.Tracer
	now           func() time.Time

	fs   afero.Fs
	path string

	mu   sync.Mutex
	runs map[string]*run
	// emitMu keeps events in mutation order; see apply.
	emitMu sync.Mutex

	tools  *async.Pending[ToolResponse]
	canvas *async.Pending[CanvasResponse]

	clientsMu    sync.Mutex
	disconnected map[string]int64

	baseCtx  context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Option configures an Engine.
type Option func(*Engine)

// WithPlanner sets the ai_analyze planner.
func WithPlanner(p Planner) Option { return func(e *Engine) { e.planner = p } }

// WithEventSink sets the broadcast target.
func WithEventSink(sink EventSink) Option { return func(e *Engine) { e.sink = sink } }

// WithRecorder records step and outcome metrics.
func WithRecorder(rec Recorder) Option { return func(e *Engine) { e.recorder = rec } }

// WithSettings supplies the tool timeout and default failure policy.
func WithSettings(s SettingsSource) Option { return func(e *Engine) { e.settings = s } }

// WithCanvasTimeout bounds canvas round trips.
func WithCanvasTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.canvasTimeout = d
		}
	}
}

// WithRetention sets how long terminal workflows are kept.
func WithRetention(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.retention = d
		}
	}
}

// WithPersistence stores workflows in a JSON file on fs.
func WithPersistence(fs afero.Fs, path string) Option {
	return func(e *Engine) { e.fs, e.path = fs, path }
}

// WithLogger overrides the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(e *Engine) { e.logger = logging.OrNop(logger) }
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine creates an engine that runs generation steps on tasks.
func NewEngine(tasks TaskService, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		tasks:         tasks,
		canvasTimeout: defaultCanvasTimeout,
		retention:     defaultRetention,
		logger:        logging.NewComponentLogger("WorkflowEngine"),
		tracer:        otel.Tracer("taskrelay/workflow"),
		now:           time.Now,
		runs:          make(map[string]*run),
		tools:         async.NewPending[ToolResponse](),
		canvas:        async.NewPending[CanvasResponse](),
		disconnected:  make(map[string]int64),
		baseCtx:       ctx,
		stop:          cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start loads persisted workflows, resumes unfinished ones and starts
// retention sweeps.
func (e *Engine) Start() {
	for _, def := range e.load() {
		r := &run{def: def, terminal: def.Status.IsTerminal(), taskIDs: map[string]struct{}{}, requestIDs: map[string]struct{}{}}
		r.finished = !hasOpenSteps(def)
		e.mu.Lock()
		e.runs[def.ID] = r
		e.mu.Unlock()
		if r.finished {
			continue
		}
		// Running steps were interrupted; run them again. Generation steps
		// reattach to their task through the deterministic task id.
		for _, s := range def.Steps {
			if s.Status == StepRunning {
				e.apply(r, func(d *Definition) *Definition {
					return UpdateStepStatus(d, s.ID, StepPending, StepUpdate{})
				}, nil)
			}
		}
		e.logger.Info("Resuming workflow %s", def.ID)
		e.launch(r)
	}
	e.wg.Add(1)
	async.Go(e.logger, "workflow.evict", func() {
		defer e.wg.Done()
		e.evictLoop()
	})
}

// Stop cancels running workflows without marking them cancelled so they
// resume on the next start.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.stop()
		e.tools.RejectAll(errors.New("workflow engine stopped"))
		e.canvas.RejectAll(errors.New("workflow engine stopped"))
		e.wg.Wait()
	})
}

// SubmitParams is the workflow:submit payload. Clients send either a
// converted workflow or a raw request the server converts.
type SubmitParams struct {
	Workflow *Definition `json:"workflow,omitempty"`
	Request  *Request    `json:"request,omitempty"`
}

// Submit validates and starts a workflow, returning it as accepted.
func (e *Engine) Submit(params SubmitParams) (*Definition, error) {
	def := params.Workflow
	if def == nil {
		if params.Request == nil {
			return nil, errs.ValidationError("workflow or request is required")
		}
		converted, err := ConvertToWorkflow(*params.Request)
		if err != nil {
			return nil, errs.ValidationError(err.Error())
		}
		def = converted
	}
	if err := validateDefinition(def); err != nil {
		return nil, err
	}

	accepted := *def
	accepted.Steps = append([]*Step(nil), def.Steps...)
	if accepted.ID == "" {
		accepted.ID = id.NewWorkflowID()
	}
	now := e.now().UnixMilli()
	if accepted.CreatedAt == 0 {
		accepted.CreatedAt = now
	}
	accepted.UpdatedAt = max(now, accepted.CreatedAt)
	accepted.CompletedAt = 0
	accepted.Status = StatusPending
	if accepted.FailurePolicy == "" {
		accepted.FailurePolicy = e.defaultPolicy()
	}

	r := &run{def: &accepted, taskIDs: map[string]struct{}{}, requestIDs: map[string]struct{}{}}
	e.mu.Lock()
	if existing, ok := e.runs[accepted.ID]; ok && !existing.finished && !existing.cancelled {
		e.mu.Unlock()
		return nil, errs.ConflictError("workflow " + accepted.ID + " is already running")
	}
	e.runs[accepted.ID] = r
	e.persistLocked()
	e.mu.Unlock()

	e.logger.Info("Workflow %s submitted (%s, %d steps)", accepted.ID, accepted.ScenarioType, len(accepted.Steps))
	e.broadcast(protocol.EventWorkflowStatus, StatusEvent{
		WorkflowID: accepted.ID, Status: accepted.Status, Summary: GetWorkflowStatus(&accepted), Workflow: &accepted,
	})
	e.launch(r)
	return &accepted, nil
}

func validateDefinition(def *Definition) error {
	seen := make(map[string]struct{}, len(def.Steps))
	for _, s := range def.Steps {
		if s == nil || strings.TrimSpace(s.ID) == "" || strings.TrimSpace(s.MCP) == "" {
			return errs.ValidationError("every step needs an id and an mcp")
		}
		if _, dup := seen[s.ID]; dup {
			return errs.ValidationError("duplicate step id " + s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	if def.FailurePolicy != "" && def.FailurePolicy != config.FailurePolicyContinue && def.FailurePolicy != config.FailurePolicyStop {
		return errs.ValidationError("unknown failure policy " + def.FailurePolicy)
	}
	return nil
}

func (e *Engine) defaultPolicy() string {
	if e.settings != nil {
		if p := e.settings.Snapshot().FailurePolicy; p != "" {
			return p
		}
	}
	return config.FailurePolicyContinue
}

func (e *Engine) toolTimeout() time.Duration {
	if e.settings != nil {
		if d := e.settings.Snapshot().ToolTimeout; d > 0 {
			return d
		}
	}
	return defaultToolTimeout
}

// Cancel stops a workflow. Cancelling a workflow with no work left changes
// nothing.
func (e *Engine) Cancel(workflowID string) (*Definition, error) {
	e.mu.Lock()
	r, ok := e.runs[workflowID]
	if !ok {
		e.mu.Unlock()
		return nil, errs.NotFoundError("workflow " + workflowID)
	}
	if r.cancelled || r.finished {
		def := r.def
		e.mu.Unlock()
		return def, nil
	}
	r.cancelled = true
	r.terminal = true
	next := *r.def
	next.Steps = make([]*Step, len(r.def.Steps))
	for i, s := range r.def.Steps {
		next.Steps[i] = s
		if !s.Status.IsTerminal() {
			skipped := *s
			skipped.Status = StepSkipped
			next.Steps[i] = &skipped
		}
	}
	now := e.stamp(&next)
	next.Status = StatusCancelled
	next.CompletedAt = now
	r.def = &next
	cancel := r.cancel
	taskIDs := keys(r.taskIDs)
	requestIDs := keys(r.requestIDs)
	e.persistLocked()
	e.emitMu.Lock()
	e.mu.Unlock()

	e.broadcast(protocol.EventWorkflowStatus, StatusEvent{
		WorkflowID: next.ID, Status: StatusCancelled, Summary: GetWorkflowStatus(&next), Workflow: &next,
	})
	e.emitMu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, reqID := range requestIDs {
		e.tools.Reject(reqID, context.Canceled)
		e.canvas.Reject(reqID, context.Canceled)
	}
	for _, taskID := range taskIDs {
		if _, err := e.tasks.Cancel(taskID); err != nil && !errors.Is(err, errs.ErrConflict) && !errs.IsNotFound(err) {
			e.logger.Warn("Failed to cancel task %s of workflow %s: %v", taskID, workflowID, err)
		}
	}
	if e.recorder != nil {
		e.recorder.RecordWorkflowOutcome(context.Background(), next.ScenarioType, string(StatusCancelled))
	}
	e.logger.Info("Workflow %s cancelled", workflowID)
	return &next, nil
}

// GetStatus returns the workflow and its derived status.
func (e *Engine) GetStatus(workflowID string) (*Definition, Summary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[workflowID]
	if !ok {
		return nil, Summary{}, errs.NotFoundError("workflow " + workflowID)
	}
	sum := GetWorkflowStatus(r.def)
	if r.def.Status == StatusCancelled {
		sum.Status = StatusCancelled
	}
	return r.def, sum, nil
}

// GetAll returns every known workflow, newest first.
func (e *Engine) GetAll() []*Definition {
	e.mu.Lock()
	out := make([]*Definition, 0, len(e.runs))
	for _, r := range e.runs {
		out = append(out, r.def)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt > out[j].CreatedAt
	})
	return out
}

// ActiveCount returns the number of unfinished workflows.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, r := range e.runs {
		if !r.finished && !r.cancelled {
			n++
		}
	}
	return n
}

// RespondTool delivers a client tool result. It reports false when no step
// is waiting for requestID.
func (e *Engine) RespondTool(resp ToolResponse) bool {
	return e.tools.Resolve(resp.RequestID, resp)
}

// RespondCanvas delivers a client canvas result.
func (e *Engine) RespondCanvas(resp CanvasResponse) bool {
	return e.canvas.Resolve(resp.RequestID, resp)
}

// PendingRequests lists outstanding tool and canvas request ids.
func (e *Engine) PendingRequests() []string {
	return append(e.tools.IDs(), e.canvas.IDs()...)
}

// ClientDisconnected remembers when a client left.
func (e *Engine) ClientDisconnected(clientID string) {
	e.clientsMu.Lock()
	e.disconnected[clientID] = e.now().UnixMilli()
	e.clientsMu.Unlock()
}

// ClientConnected broadcasts workflow:recovered with every workflow that
// changed while clientID was away.
func (e *Engine) ClientConnected(clientID string) {
	e.clientsMu.Lock()
	since, ok := e.disconnected[clientID]
	delete(e.disconnected, clientID)
	e.clientsMu.Unlock()
	if !ok {
		return
	}
	changed := e.ChangedSince(since)
	if len(changed) == 0 {
		return
	}
	e.logger.Info("Recovering %d workflows for %s", len(changed), clientID)
	e.broadcast(protocol.EventWorkflowRecovered, RecoveredEvent{ClientID: clientID, Workflows: changed})
}

// ChangedSince returns workflows updated at or after sinceMs.
func (e *Engine) ChangedSince(sinceMs int64) []*Definition {
	var out []*Definition
	for _, def := range e.GetAll() {
		if def.UpdatedAt >= sinceMs {
			out = append(out, def)
		}
	}
	return out
}

func (e *Engine) launch(r *run) {
	ctx, cancel := context.WithCancel(e.baseCtx)
	e.mu.Lock()
	r.cancel = cancel
	e.mu.Unlock()
	e.wg.Add(1)
	async.Go(e.logger, "workflow.execute", func() {
		defer e.wg.Done()
		defer cancel()
		e.execute(ctx, r)
	})
}

func (e *Engine) current(r *run) *Definition {
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.def
}

// execute walks the steps in order. Consecutive async steps of one batch
// run concurrently; every other step runs alone. Steps appended while the
// workflow runs are picked up by the same walk.
func (e *Engine) execute(ctx context.Context, r *run) {
	e.settle(r)
	for i := 0; ; {
		if ctx.Err() != nil {
			return
		}
		def := e.current(r)
		if def.Status == StatusCancelled || i >= len(def.Steps) {
			break
		}
		if def.FailurePolicy == config.FailurePolicyStop && GetWorkflowStatus(def).Status == StatusFailed {
			e.skipRemaining(r)
			break
		}

		step := def.Steps[i]
		if batch := batchOf(def.Steps, i); len(batch) > 1 {
			g, gctx := errgroup.WithContext(ctx)
			for _, s := range batch {
				stepID := s.ID
				g.Go(func() error {
					e.runStep(gctx, r, stepID)
					return nil
				})
			}
			_ = g.Wait()
			i += len(batch)
			continue
		}
		e.runStep(ctx, r, step.ID)
		i++
	}
	e.settle(r)
	e.mu.Lock()
	r.finished = true
	e.mu.Unlock()
}

func hasOpenSteps(def *Definition) bool {
	if def.Status == StatusCancelled {
		return false
	}
	for _, s := range def.Steps {
		if !s.Status.IsTerminal() {
			return true
		}
	}
	return false
}

// batchOf returns the run of async steps sharing steps[i]'s batch id.
func batchOf(steps []*Step, i int) []*Step {
	first := steps[i]
	if first.Options == nil || first.Options.Mode != "async" || first.Options.BatchID == "" {
		return []*Step{first}
	}
	j := i + 1
	for j < len(steps) {
		o := steps[j].Options
		if o == nil || o.Mode != "async" || o.BatchID != first.Options.BatchID {
			break
		}
		j++
	}
	return steps[i:j]
}

func (e *Engine) runStep(ctx context.Context, r *run, stepID string) {
	step, _ := e.current(r).Step(stepID)
	if step == nil || step.Status != StepPending {
		return
	}
	wf := e.current(r)
	ctx, span := e.tracer.Start(ctx, observability.SpanWorkflowStep, trace.WithAttributes(
		attribute.String(observability.AttrWorkflowID, wf.ID),
		attribute.String(observability.AttrStepID, stepID),
		attribute.String(observability.AttrToolName, step.MCP),
	))
	defer span.End()

	start := e.now()
	e.apply(r, func(d *Definition) *Definition {
		return UpdateStepStatus(d, stepID, StepRunning, StepUpdate{})
	}, nil)

	result, err := e.dispatch(ctx, r, step)
	elapsed := e.now().Sub(start)
	if ctx.Err() != nil {
		// Cancelled or shutting down: the cancel path owns the statuses.
		return
	}
	status := StepCompleted
	update := StepUpdate{Result: result, Duration: elapsed}
	if err != nil {
		status = StepFailed
		update = StepUpdate{Error: err.Error(), Duration: elapsed, Result: result}
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("Workflow %s step %s (%s) failed: %v", wf.ID, stepID, step.MCP, err)
	}
	if e.recorder != nil {
		e.recorder.RecordStep(ctx, step.MCP, string(status), elapsed)
	}
	e.apply(r, func(d *Definition) *Definition {
		return UpdateStepStatus(d, stepID, status, update)
	}, nil)
}

func (e *Engine) dispatch(ctx context.Context, r *run, step *Step) (any, error) {
	switch {
	case step.MCP == ToolGenerateImage:
		return e.runGeneration(ctx, r, step, task.TypeImage)
	case step.MCP == ToolGenerateVideo:
		return e.runGeneration(ctx, r, step, task.TypeVideo)
	case step.MCP == ToolAIAnalyze:
		return e.runAnalyze(ctx, r, step)
	case IsCanvasTool(step.MCP):
		return e.runCanvas(ctx, r, step)
	default:
		return e.runTool(ctx, r, step)
	}
}

// GenerationResult is the result of a generation step.
type GenerationResult struct {
	TaskID string       `json:"taskId"`
	URL    string       `json:"url,omitempty"`
	Result *task.Result `json:"result,omitempty"`
}

func stepTaskID(workflowID, stepID string) string {
	return workflowID + ":" + stepID
}

func (e *Engine) runGeneration(ctx context.Context, r *run, step *Step, taskType task.Type) (any, error) {
	wf := e.current(r)
	taskID := stepTaskID(wf.ID, step.ID)
	e.track(r, taskID, true)

	existing, err := e.tasks.Get(taskID)
	switch {
	case err == nil && existing.Status == task.StatusCompleted:
		return generationResult(existing), nil
	case err == nil && !existing.Status.IsTerminal():
		// Reattach after a restart.
	default:
		params := make(map[string]any, len(step.Args)+2)
		for k, v := range step.Args {
			params[k] = v
		}
		params["workflowId"] = wf.ID
		params["stepId"] = step.ID
		res, err := e.tasks.Create(taskID, taskType, params)
		if err != nil {
			return nil, err
		}
		if !res.Success && res.ExistingTaskID != "" {
			taskID = res.ExistingTaskID
			e.track(r, taskID, true)
		}
	}

	done, err := e.tasks.Wait(ctx, taskID)
	if err != nil {
		return nil, err
	}
	switch done.Status {
	case task.StatusCompleted:
		return generationResult(done), nil
	case task.StatusCancelled:
		return GenerationResult{TaskID: done.ID}, fmt.Errorf("task %s was cancelled", done.ID)
	default:
		msg := "generation failed"
		if done.Error != nil {
			msg = done.Error.Error()
		}
		return GenerationResult{TaskID: done.ID}, errors.New(msg)
	}
}

func generationResult(t task.Task) GenerationResult {
	out := GenerationResult{TaskID: t.ID, Result: t.Result}
	if t.Result != nil {
		out.URL = t.Result.URL
	}
	return out
}

// AnalyzeResult is the result of an ai_analyze step.
type AnalyzeResult struct {
	StepsAdded int    `json:"stepsAdded"`
	Raw        string `json:"raw,omitempty"`
}

func (e *Engine) runAnalyze(ctx context.Context, r *run, step *Step) (any, error) {
	if e.planner == nil {
		return nil, errors.New("no planner configured")
	}
	wf := e.current(r)
	text, err := e.planner.Plan(ctx, wf, step)
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}
	steps := ParseAIResponseToSteps(text, len(wf.Steps))
	e.addSteps(r, step.ID, steps)
	return AnalyzeResult{StepsAdded: len(steps), Raw: truncate(text, 2000)}, nil
}

// addSteps appends steps, renaming ids that would collide.
func (e *Engine) addSteps(r *run, afterStepID string, steps []*Step) {
	if len(steps) == 0 {
		return
	}
	var added []*Step
	e.apply(r, func(d *Definition) *Definition {
		added = uniqueSteps(d, steps)
		return AddStepsToWorkflow(d, added)
	}, func(d *Definition) {
		e.broadcast(protocol.EventWorkflowStepsAdded, StepsAddedEvent{
			WorkflowID: d.ID, AfterStepID: afterStepID, Steps: added, Workflow: d,
		})
	})
}

func uniqueSteps(d *Definition, steps []*Step) []*Step {
	taken := make(map[string]struct{}, len(d.Steps)+len(steps))
	for _, s := range d.Steps {
		taken[s.ID] = struct{}{}
	}
	n := len(d.Steps)
	out := make([]*Step, 0, len(steps))
	for _, s := range steps {
		if _, clash := taken[s.ID]; clash || s.ID == "" {
			cp := *s
			for {
				n++
				cp.ID = fmt.Sprintf("step-%d", n)
				if _, clash := taken[cp.ID]; !clash {
					break
				}
			}
			s = &cp
		}
		taken[s.ID] = struct{}{}
		out = append(out, s)
	}
	return out
}

func (e *Engine) runTool(ctx context.Context, r *run, step *Step) (any, error) {
	wf := e.current(r)
	reqID := id.NewRequestID()
	e.track(r, reqID, false)
	defer e.untrack(r, reqID)

	resp, err := e.tools.Call(ctx, reqID, e.toolTimeout(), func() error {
		e.broadcast(protocol.EventWorkflowToolRequest, ToolRequest{
			RequestID: reqID, WorkflowID: wf.ID, StepID: step.ID, ToolName: step.MCP, Args: step.Args,
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("tool %s timed out", step.MCP)
		}
		return nil, err
	}
	if len(resp.AddSteps) > 0 {
		specs := make([]*Step, 0, len(resp.AddSteps))
		for i, spec := range resp.AddSteps {
			specs = append(specs, &Step{
				ID:          fmt.Sprintf("step-%d", len(e.current(r).Steps)+i+1),
				MCP:         spec.MCP,
				Args:        spec.Args,
				Description: spec.Description,
				Status:      StepPending,
				Options:     spec.Options,
			})
		}
		e.addSteps(r, step.ID, specs)
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "tool " + step.MCP + " failed"
		}
		return resp.Result, errors.New(msg)
	}

	taskIDs := resp.TaskIDs
	if resp.TaskID != "" {
		taskIDs = append([]string{resp.TaskID}, taskIDs...)
	}
	if len(taskIDs) == 0 {
		return resp.Result, nil
	}
	return e.awaitTasks(ctx, r, taskIDs, resp.Result)
}

// ToolTasksResult is the result of a tool step that spawned tasks.
type ToolTasksResult struct {
	Result any                `json:"result,omitempty"`
	Tasks  []GenerationResult `json:"tasks"`
}

func (e *Engine) awaitTasks(ctx context.Context, r *run, taskIDs []string, toolResult any) (any, error) {
	out := ToolTasksResult{Result: toolResult, Tasks: make([]GenerationResult, len(taskIDs))}
	var failed []string
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, taskID := range taskIDs {
		e.track(r, taskID, true)
		g.Go(func() error {
			done, err := e.tasks.Wait(gctx, taskID)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			out.Tasks[i] = generationResult(done)
			if done.Status != task.StatusCompleted {
				failed = append(failed, taskID)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return out, fmt.Errorf("tasks did not complete: %s", strings.Join(failed, ", "))
	}
	return out, nil
}

func (e *Engine) runCanvas(ctx context.Context, r *run, step *Step) (any, error) {
	wf := e.current(r)
	reqID := id.NewRequestID()
	e.track(r, reqID, false)
	defer e.untrack(r, reqID)

	resp, err := e.canvas.Call(ctx, reqID, e.canvasTimeout, func() error {
		e.broadcast(protocol.EventWorkflowCanvasRequest, CanvasRequest{
			RequestID: reqID, WorkflowID: wf.ID, StepID: step.ID, Operation: step.MCP, Args: step.Args,
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("canvas operation %s timed out", step.MCP)
		}
		return nil, err
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "canvas operation " + step.MCP + " failed"
		}
		return resp.Result, errors.New(msg)
	}
	return resp.Result, nil
}

func (e *Engine) track(r *run, key string, isTask bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if isTask {
		r.taskIDs[key] = struct{}{}
	} else {
		r.requestIDs[key] = struct{}{}
	}
}

func (e *Engine) untrack(r *run, reqID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(r.requestIDs, reqID)
}

func (e *Engine) skipRemaining(r *run) {
	e.apply(r, func(d *Definition) *Definition {
		next := d
		for _, s := range d.Steps {
			if s.Status == StepPending {
				next = UpdateStepStatus(next, s.ID, StepSkipped, StepUpdate{})
			}
		}
		return next
	}, nil)
}

// settle runs a no-op update so a workflow whose steps are already all
// settled (or that has none) reaches its terminal status.
func (e *Engine) settle(r *run) {
	e.apply(r, func(d *Definition) *Definition { return d }, nil)
}

// apply replaces the workflow with fn's result, recomputes the status,
// persists, and emits events in mutation order. extra runs while emitMu is
// held, before the status events.
func (e *Engine) apply(r *run, fn func(*Definition) *Definition, extra func(*Definition)) {
	e.mu.Lock()
	if r.cancelled {
		e.mu.Unlock()
		return
	}
	prev := r.def
	next := fn(prev)
	if next == prev {
		cp := *prev
		next = &cp
	}
	sum := GetWorkflowStatus(next)
	next.Status = sum.Status
	e.stamp(next)

	var changedSteps []*Step
	prevByID := make(map[string]*Step, len(prev.Steps))
	for _, s := range prev.Steps {
		prevByID[s.ID] = s
	}
	for _, s := range next.Steps {
		if old, ok := prevByID[s.ID]; ok && old != s && old.Status != s.Status {
			changedSteps = append(changedSteps, s)
		}
	}

	becameTerminal := false
	if !r.terminal && sum.Status.IsTerminal() {
		r.terminal = true
		becameTerminal = true
		next.CompletedAt = next.UpdatedAt
	} else if r.terminal && next.CompletedAt == 0 {
		next.CompletedAt = prev.CompletedAt
	}
	statusChanged := prev.Status != next.Status
	r.def = next
	e.persistLocked()
	e.emitMu.Lock()
	e.mu.Unlock()
	defer e.emitMu.Unlock()

	if extra != nil {
		extra(next)
	}
	for _, s := range changedSteps {
		e.broadcast(protocol.EventWorkflowStepStatus, StepEvent{WorkflowID: next.ID, StepID: s.ID, Status: s.Status, Step: s})
	}
	if len(changedSteps) > 0 || statusChanged {
		e.broadcast(protocol.EventWorkflowStatus, StatusEvent{WorkflowID: next.ID, Status: next.Status, Summary: sum, Workflow: next})
	}
	if becameTerminal {
		event := protocol.EventWorkflowCompleted
		if sum.Status == StatusFailed {
			event = protocol.EventWorkflowFailed
		}
		e.logger.Info("Workflow %s %s (%d/%d steps completed)", next.ID, sum.Status, sum.CompletedSteps, sum.TotalSteps)
		e.broadcast(event, TerminalEvent{WorkflowID: next.ID, Status: sum.Status, Workflow: next})
		if e.recorder != nil {
			e.recorder.RecordWorkflowOutcome(context.Background(), next.ScenarioType, string(sum.Status))
		}
	}
}

// stamp sets a monotonic UpdatedAt and returns it.
func (e *Engine) stamp(d *Definition) int64 {
	now := e.now().UnixMilli()
	if now <= d.UpdatedAt {
		now = d.UpdatedAt + 1
	}
	d.UpdatedAt = now
	return now
}

func (e *Engine) broadcast(event string, data any) {
	if e.sink != nil {
		e.sink.Broadcast(event, data)
	}
}

func (e *Engine) evictLoop() {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.baseCtx.Done():
			return
		case <-ticker.C:
			if n := e.EvictExpired(); n > 0 {
				e.logger.Debug("Evicted %d finished workflows", n)
			}
		}
	}
}

// EvictExpired drops terminal workflows older than the retention window.
func (e *Engine) EvictExpired() int {
	cutoff := e.now().Add(-e.retention).UnixMilli()
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for wfID, r := range e.runs {
		if (r.finished || r.cancelled) && r.def.CompletedAt > 0 && r.def.CompletedAt < cutoff {
			delete(e.runs, wfID)
			n++
		}
	}
	if n > 0 {
		e.persistLocked()
	}
	return n
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
