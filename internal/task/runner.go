package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"taskrelay/internal/observability"
	"taskrelay/internal/shared/async"
	errs "taskrelay/internal/shared/errors"
	"taskrelay/internal/shared/logging"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultConcurrency = 4
	defaultTaskTimeout = 120 * time.Second
)

// Request is what a generator receives for one task attempt.
type Request struct {
	TaskID  string
	Type    Type
	Params  map[string]any
	Attempt int
}

// Reporter lets a generator publish progress while it works.
type Reporter interface {
	Progress(percent int, phase Phase)
	RemoteID(remoteID string)
}

// Generator produces the artifact for a task.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req Request, report Reporter) (Result, error)
}

// Resumer is implemented by generators that can reattach to a remote job
// after a restart.
type Resumer interface {
	Resume(ctx context.Context, req Request, remoteID string, report Reporter) (Result, error)
}

// ResultHook post-processes a completed result before it is stored.
type ResultHook func(ctx context.Context, t Task, result *Result)

// Runner executes pending tasks with bounded concurrency.
type Runner struct {
	registry    *Registry
	generator   Generator
	concurrency int
	timeout     time.Duration
	hook        ResultHook
	logger      logging.Logger
	tracer      trace.Tracer

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wake    chan struct{}
	wg      sync.WaitGroup
	unsub   func()
	stop    context.CancelFunc
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithConcurrency bounds simultaneous generations.
func WithConcurrency(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithTaskTimeout bounds one generation attempt.
func WithTaskTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithResultHook post-processes completed results.
func WithResultHook(hook ResultHook) RunnerOption {
	return func(r *Runner) { r.hook = hook }
}

// WithRunnerLogger overrides the component logger.
func WithRunnerLogger(logger logging.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logging.OrNop(logger) }
}

// NewRunner builds a runner over registry.
func NewRunner(registry *Registry, generator Generator, opts ...RunnerOption) *Runner {
	r := &Runner{
		registry:    registry,
		generator:   generator,
		concurrency: defaultConcurrency,
		timeout:     defaultTaskTimeout,
		logger:      logging.NewComponentLogger("TaskRunner"),
		tracer:      otel.Tracer("taskrelay/task"),
		running:     make(map[string]context.CancelFunc),
		wake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start recovers interrupted work and begins dispatching pending tasks.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.stop = context.WithCancel(ctx)
	r.unsub = r.registry.Subscribe(r.onChange)
	r.recover(ctx)
	async.Go(r.logger, "task.runner", func() { r.loop(ctx) })
	r.signal()
}

// Stop cancels running generations and waits for them to return.
func (r *Runner) Stop() {
	if r.unsub != nil {
		r.unsub()
	}
	if r.stop != nil {
		r.stop()
	}
	r.wg.Wait()
}

// Active returns the number of running generations.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

func (r *Runner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) onChange(c Change) {
	switch {
	case c.Deleted, c.Task.Status == StatusCancelled:
		r.mu.Lock()
		cancel, ok := r.running[c.Task.ID]
		r.mu.Unlock()
		if ok {
			cancel()
		}
		r.signal()
	case c.Task.Status == StatusPending, c.Task.Status.IsTerminal():
		r.signal()
	}
}

// recover handles tasks left processing by a previous process: those with a
// remote job and a resumable generator reattach, the rest are requeued.
func (r *Runner) recover(ctx context.Context) {
	resumer, canResume := r.generator.(Resumer)
	for _, t := range r.registry.ListByStatus(StatusProcessing) {
		if t.AttemptRemoteID != "" && canResume {
			r.logger.Info("Resuming task %s on remote job %s", t.ID, t.AttemptRemoteID)
			r.launch(ctx, t, func(runCtx context.Context, req Request, rep Reporter) (Result, error) {
				return resumer.Resume(runCtx, req, t.AttemptRemoteID, rep)
			})
			continue
		}
		if _, err := r.registry.Requeue(t.ID); err != nil {
			r.logger.Warn("Failed to requeue interrupted task %s: %v", t.ID, err)
		}
	}
}

func (r *Runner) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		}
		r.dispatchPending(ctx)
	}
}

func (r *Runner) dispatchPending(ctx context.Context) {
	for _, t := range r.registry.ListByStatus(StatusPending) {
		if ctx.Err() != nil {
			return
		}
		if t.Type == TypeChat {
			// Chat tasks are served by the chat stream, not a generator.
			continue
		}
		if r.Active() >= r.concurrency {
			return
		}
		claimed, err := r.registry.MarkProcessing(t.ID)
		if err != nil {
			// Cancelled or claimed between list and claim.
			continue
		}
		r.launch(ctx, claimed, r.generator.Generate)
	}
}

type generateFunc func(ctx context.Context, req Request, rep Reporter) (Result, error)

func (r *Runner) launch(ctx context.Context, t Task, fn generateFunc) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	r.mu.Lock()
	r.running[t.ID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	async.Go(r.logger, "task.execute", func() {
		defer r.wg.Done()
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.running, t.ID)
			r.mu.Unlock()
			r.signal()
		}()
		r.execute(runCtx, t, fn)
	})
}

func (r *Runner) execute(ctx context.Context, t Task, fn generateFunc) {
	ctx, span := r.tracer.Start(ctx, observability.SpanTaskExecute, trace.WithAttributes(
		attribute.String(observability.AttrTaskID, t.ID),
		attribute.String(observability.AttrTaskType, string(t.Type)),
		attribute.String("relay.generator", r.generator.Name()),
	))
	defer span.End()

	req := Request{TaskID: t.ID, Type: t.Type, Params: t.Params, Attempt: t.Attempt}
	result, err := fn(ctx, req, &registryReporter{registry: r.registry, taskID: t.ID, logger: r.logger})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		current, getErr := r.registry.Get(t.ID)
		if getErr != nil || current.Status != StatusProcessing {
			// Cancelled or deleted while running.
			return
		}
		if errors.Is(err, context.Canceled) {
			r.logger.Info("Task %s interrupted by shutdown; it resumes on restart", t.ID)
			return
		}
		failure := ClassifyError(err)
		r.logger.Warn("Task %s failed: %s", t.ID, failure.Error())
		if _, err := r.registry.Fail(t.ID, failure); err != nil {
			r.logger.Warn("Failed to record failure for %s: %v", t.ID, err)
		}
		return
	}

	if r.hook != nil {
		r.hook(ctx, t, &result)
	}
	if _, err := r.registry.Complete(t.ID, result); err != nil {
		r.logger.Debug("Completion of %s ignored: %v", t.ID, err)
	}
}

// ClassifyError maps a generator error to a structured task error.
func ClassifyError(err error) Error {
	var taskErr *Error
	switch {
	case errors.As(err, &taskErr):
		return *taskErr
	case errors.Is(err, context.DeadlineExceeded):
		return Error{Code: CodeTimeout, Message: "generation timed out"}
	case errs.IsQuotaExceeded(err):
		return Error{Code: CodeQuotaExceeded, Message: err.Error()}
	case errors.Is(err, errs.ErrValidation):
		return Error{Code: CodeInvalidParams, Message: err.Error()}
	case errs.IsTransient(err):
		return Error{Code: CodeBackend, Message: err.Error(), Details: map[string]any{"retryable": true}}
	default:
		return Error{Code: CodeBackend, Message: err.Error()}
	}
}

type registryReporter struct {
	registry *Registry
	taskID   string
	logger   logging.Logger
}

func (p *registryReporter) Progress(percent int, phase Phase) {
	if _, err := p.registry.UpdateProgress(p.taskID, percent, phase); err != nil {
		p.logger.Debug("Progress for %s dropped: %v", p.taskID, err)
	}
}

func (p *registryReporter) RemoteID(remoteID string) {
	if _, err := p.registry.SetRemoteID(p.taskID, remoteID); err != nil {
		p.logger.Warn("Remote id for %s rejected: %v", p.taskID, err)
	}
}

// String aids log output.
func (r Request) String() string {
	return fmt.Sprintf("%s(%s#%d)", r.Type, r.TaskID, r.Attempt)
}
