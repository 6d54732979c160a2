package task

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"taskrelay/internal/protocol"
	"taskrelay/internal/shared/async"
	errs "taskrelay/internal/shared/errors"
	"taskrelay/internal/shared/logging"
	id "taskrelay/internal/utils/id"

	"github.com/spf13/afero"
)

const (
	defaultRetention     = 24 * time.Hour
	defaultMaxTasks      = 10000
	defaultEvictInterval = 5 * time.Minute
	defaultPageSize      = 50
)

// EventSink receives task broadcasts.
type EventSink interface {
	Broadcast(event string, data any)
}

// TransitionRecorder counts status transitions.
type TransitionRecorder interface {
	RecordTaskTransition(ctx context.Context, taskType, status string)
}

// Registry owns every task, serializes mutations and emits lifecycle events.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task

	retention time.Duration
	maxSize   int
	logger    logging.Logger
	sink      EventSink
	recorder  TransitionRecorder
	now       func() time.Time

	fs              afero.Fs
	persistencePath string

	subsMu sync.RWMutex
	subs   map[int]func(Change)
	nextID int

	// emitMu is taken before mu is released so events leave in mutation
	// order. Subscribers must not mutate the registry synchronously.
	emitMu sync.Mutex

	waits   *async.Pending[Task]
	waitMu  sync.Mutex
	waiters map[string][]string
	waitSeq int

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithRetention sets how long terminal tasks are retained before eviction.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.retention = d
		}
	}
}

// WithMaxTasks sets the hard cap on stored tasks.
func WithMaxTasks(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxSize = n
		}
	}
}

// WithPersistence enables snapshot persistence to path on fs.
func WithPersistence(fs afero.Fs, path string) Option {
	return func(r *Registry) {
		r.fs = fs
		r.persistencePath = strings.TrimSpace(path)
	}
}

// WithEventSink routes task events to sink.
func WithEventSink(sink EventSink) Option {
	return func(r *Registry) { r.sink = sink }
}

// WithRecorder attaches a transition recorder.
func WithRecorder(rec TransitionRecorder) Option {
	return func(r *Registry) { r.recorder = rec }
}

// WithLogger overrides the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Registry) { r.logger = logging.OrNop(logger) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates a registry, loading any persisted snapshot. Call Close
// to stop background eviction.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tasks:     make(map[string]*Task),
		retention: defaultRetention,
		maxSize:   defaultMaxTasks,
		logger:    logging.NewComponentLogger("TaskRegistry"),
		now:       time.Now,
		subs:      make(map[int]func(Change)),
		waits:     async.NewPending[Task](),
		waiters:   make(map[string][]string),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.loadFromDisk()
	async.Go(r.logger, "task.evict", r.evictLoop)
	return r
}

// Close stops background eviction and releases waiters.
func (r *Registry) Close() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.waits.RejectAll(fmt.Errorf("task registry closed"))
	})
}

// Subscribe registers fn for every change. The returned func unsubscribes.
func (r *Registry) Subscribe(fn func(Change)) func() {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	r.nextID++
	key := r.nextID
	r.subs[key] = fn
	return func() {
		r.subsMu.Lock()
		defer r.subsMu.Unlock()
		delete(r.subs, key)
	}
}

func (r *Registry) nowMs() int64 {
	return r.now().UnixMilli()
}

// touch advances updatedAt without ever moving it backwards.
func (r *Registry) touch(t *Task) int64 {
	now := r.nowMs()
	if now < t.UpdatedAt {
		now = t.UpdatedAt
	}
	t.UpdatedAt = now
	return now
}

// Create registers a pending task. Duplicates of a live task, by id or by
// type and params, are rejected with the existing id.
func (r *Registry) Create(taskID string, taskType Type, params map[string]any) (CreateResult, error) {
	if _, err := ParseType(string(taskType)); err != nil {
		return CreateResult{}, errs.ValidationError(err.Error())
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		taskID = id.NewTaskID()
	}
	if params == nil {
		params = map[string]any{}
	}
	fp, err := Fingerprint(taskType, params)
	if err != nil {
		return CreateResult{}, errs.ValidationError(fmt.Sprintf("params: %v", err))
	}

	r.mu.Lock()
	if existing, ok := r.tasks[taskID]; ok && !existing.Status.IsTerminal() {
		r.mu.Unlock()
		return CreateResult{Success: false, ExistingTaskID: existing.ID, Reason: ReasonDuplicate}, nil
	}
	for _, existing := range r.tasks {
		if !existing.Status.IsTerminal() && existing.Type == taskType && existing.fingerprint == fp {
			r.mu.Unlock()
			return CreateResult{Success: false, ExistingTaskID: existing.ID, Reason: ReasonDuplicate}, nil
		}
	}

	now := r.nowMs()
	t := &Task{
		ID:          taskID,
		Type:        taskType,
		Status:      StatusPending,
		Params:      params,
		CreatedAt:   now,
		UpdatedAt:   now,
		Attempt:     1,
		fingerprint: fp,
	}
	r.tasks[taskID] = t
	if len(r.tasks) > r.maxSize {
		r.evictOldestTerminalLocked()
	}
	r.persistLocked()
	snapshot := t.clone()
	r.emitMu.Lock()
	r.mu.Unlock()

	r.emit(protocol.EventTaskCreated, snapshot, false)
	r.emitMu.Unlock()
	return CreateResult{Success: true, Task: &snapshot}, nil
}

// Get returns a copy of the task.
func (r *Registry) Get(taskID string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return Task{}, errs.NotFoundError("task " + taskID)
	}
	return t.clone(), nil
}

// List pages through tasks ordered by createdAt.
func (r *Registry) List(q ListQuery) Page {
	if q.Limit <= 0 {
		q.Limit = defaultPageSize
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	r.mu.RLock()
	matched := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if q.Status != "" && t.Status != q.Status {
			continue
		}
		if q.Type != "" && t.Type != q.Type {
			continue
		}
		matched = append(matched, t.clone())
	}
	r.mu.RUnlock()

	asc := q.SortOrder == SortAsc
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt == matched[j].CreatedAt {
			if asc {
				return matched[i].ID < matched[j].ID
			}
			return matched[i].ID > matched[j].ID
		}
		if asc {
			return matched[i].CreatedAt < matched[j].CreatedAt
		}
		return matched[i].CreatedAt > matched[j].CreatedAt
	})

	total := len(matched)
	page := Page{Tasks: []Task{}, Total: total, Offset: q.Offset, Limit: q.Limit}
	if q.Offset >= total {
		return page
	}
	end := q.Offset + q.Limit
	if end > total {
		end = total
	}
	page.Tasks = matched[q.Offset:end]
	page.HasMore = q.Offset+len(page.Tasks) < total
	return page
}

// ListByStatus returns tasks in any of statuses, oldest first.
func (r *Registry) ListByStatus(statuses ...Status) []Task {
	want := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	r.mu.RLock()
	out := make([]Task, 0)
	for _, t := range r.tasks {
		if want[t.Status] {
			out = append(out, t.clone())
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out
}

// Counts returns the number of tasks per status.
func (r *Registry) Counts() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Status]int)
	for _, t := range r.tasks {
		out[t.Status]++
	}
	return out
}

// mutate applies fn to the task under the lock, persists, and emits event
// with the updated snapshot. fn returning errNoChange skips persist and emit.
func (r *Registry) mutate(taskID, event string, fn func(t *Task) error) (Task, error) {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return Task{}, errs.NotFoundError("task " + taskID)
	}
	prev := t.Status
	if err := fn(t); err != nil {
		snapshot := t.clone()
		r.mu.Unlock()
		if errors.Is(err, errNoChange) {
			return snapshot, nil
		}
		return snapshot, err
	}
	r.touch(t)
	r.persistLocked()
	snapshot := t.clone()
	r.emitMu.Lock()
	r.mu.Unlock()

	r.emit(event, snapshot, false)
	r.emitMu.Unlock()
	if snapshot.Status != prev && snapshot.Status.IsTerminal() {
		for _, ticket := range r.takeWaiters(snapshot.ID) {
			r.waits.Resolve(ticket, snapshot)
		}
	}
	return snapshot, nil
}

var errNoChange = errors.New("no change")

func invalidTransition(t *Task, action string) error {
	return errs.ConflictError(fmt.Sprintf("cannot %s task %s in status %s", action, t.ID, t.Status))
}

// Cancel moves a pending or processing task to cancelled. Cancelling an
// already cancelled task is a no-op; cancelling a finished task is a conflict.
func (r *Registry) Cancel(taskID string) (Task, error) {
	return r.mutate(taskID, protocol.EventTaskCancelled, func(t *Task) error {
		switch t.Status {
		case StatusCancelled:
			return errNoChange
		case StatusPending, StatusProcessing:
			t.Status = StatusCancelled
			t.CompletedAt = r.nowMs()
			t.ExecutionPhase = ""
			return nil
		default:
			return invalidTransition(t, "cancel")
		}
	})
}

// Retry moves a failed task back to pending as a new attempt. The remote id
// belongs to the failed attempt and is cleared.
func (r *Registry) Retry(taskID string) (Task, error) {
	return r.mutate(taskID, protocol.EventTaskStatus, func(t *Task) error {
		if t.Status != StatusFailed {
			return invalidTransition(t, "retry")
		}
		t.Status = StatusPending
		t.Error = nil
		t.Result = nil
		t.Progress = nil
		t.ExecutionPhase = ""
		t.StartedAt = 0
		t.CompletedAt = 0
		t.AttemptRemoteID = ""
		t.Attempt++
		return nil
	})
}

// Requeue returns an interrupted processing task to pending.
func (r *Registry) Requeue(taskID string) (Task, error) {
	return r.mutate(taskID, protocol.EventTaskStatus, func(t *Task) error {
		if t.Status != StatusProcessing {
			return invalidTransition(t, "requeue")
		}
		t.Status = StatusPending
		t.Progress = nil
		t.ExecutionPhase = ""
		t.StartedAt = 0
		t.AttemptRemoteID = ""
		return nil
	})
}

// MarkInserted records that a client consumed the artifact.
func (r *Registry) MarkInserted(taskID string) (Task, error) {
	return r.mutate(taskID, protocol.EventTaskStatus, func(t *Task) error {
		if t.InsertedToCanvas {
			return errNoChange
		}
		t.InsertedToCanvas = true
		return nil
	})
}

// MarkProcessing claims a pending task for execution.
func (r *Registry) MarkProcessing(taskID string) (Task, error) {
	return r.mutate(taskID, protocol.EventTaskStatus, func(t *Task) error {
		if t.Status != StatusPending {
			return invalidTransition(t, "start")
		}
		t.Status = StatusProcessing
		t.StartedAt = r.nowMs()
		zero := 0
		t.Progress = &zero
		t.ExecutionPhase = PhaseSubmitting
		return nil
	})
}

// UpdateProgress records progress (clamped to 0..100, never decreasing) and
// the optional execution phase of a processing task.
func (r *Registry) UpdateProgress(taskID string, progress int, phase Phase) (Task, error) {
	return r.mutate(taskID, protocol.EventTaskStatus, func(t *Task) error {
		if t.Status != StatusProcessing {
			return invalidTransition(t, "update")
		}
		if progress < 0 {
			progress = 0
		}
		if progress > 100 {
			progress = 100
		}
		if t.Progress != nil && progress < *t.Progress {
			progress = *t.Progress
		}
		changed := t.Progress == nil || *t.Progress != progress
		t.Progress = &progress
		if phase != "" && phase != t.ExecutionPhase {
			t.ExecutionPhase = phase
			changed = true
		}
		if !changed {
			return errNoChange
		}
		return nil
	})
}

// ErrRemoteIDImmutable is returned when a different remote id is assigned.
var ErrRemoteIDImmutable = errs.ConflictError("remote id already set")

// SetRemoteID records the backend job id of the current attempt. RemoteID
// keeps the first job ever assigned and never changes; later attempts are
// tracked in AttemptRemoteID, which is fixed for the rest of that attempt.
func (r *Registry) SetRemoteID(taskID, remoteID string) (Task, error) {
	remoteID = strings.TrimSpace(remoteID)
	return r.mutate(taskID, protocol.EventTaskStatus, func(t *Task) error {
		switch {
		case remoteID == "" || t.AttemptRemoteID == remoteID:
			return errNoChange
		case t.AttemptRemoteID != "":
			return ErrRemoteIDImmutable
		case t.Status != StatusProcessing:
			return invalidTransition(t, "assign remote id to")
		}
		if t.RemoteID == "" {
			t.RemoteID = remoteID
		}
		t.AttemptRemoteID = remoteID
		return nil
	})
}

// Complete finishes a processing task with result.
func (r *Registry) Complete(taskID string, result Result) (Task, error) {
	return r.mutate(taskID, protocol.EventTaskCompleted, func(t *Task) error {
		if t.Status != StatusProcessing {
			return invalidTransition(t, "complete")
		}
		t.Status = StatusCompleted
		t.CompletedAt = r.nowMs()
		full := 100
		t.Progress = &full
		t.ExecutionPhase = ""
		t.Result = &result
		return nil
	})
}

// Fail records a terminal failure. task:failed is emitted once per failure.
func (r *Registry) Fail(taskID string, failure Error) (Task, error) {
	if failure.Code == "" {
		failure.Code = CodeUnknown
	}
	return r.mutate(taskID, protocol.EventTaskFailed, func(t *Task) error {
		if t.Status != StatusProcessing && t.Status != StatusPending {
			return invalidTransition(t, "fail")
		}
		t.Status = StatusFailed
		t.CompletedAt = r.nowMs()
		t.ExecutionPhase = ""
		t.Error = &failure
		return nil
	})
}

// SetThumbnail attaches a thumbnail URL to a completed result.
func (r *Registry) SetThumbnail(taskID, url string) (Task, error) {
	return r.mutate(taskID, protocol.EventTaskStatus, func(t *Task) error {
		if t.Result == nil || url == "" || t.Result.ThumbnailURL == url {
			return errNoChange
		}
		t.Result.ThumbnailURL = url
		return nil
	})
}

// Delete removes a task in any status.
func (r *Registry) Delete(taskID string) error {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return errs.NotFoundError("task " + taskID)
	}
	delete(r.tasks, taskID)
	r.persistLocked()
	snapshot := t.clone()
	r.emitMu.Lock()
	r.mu.Unlock()

	r.emit(protocol.EventTaskDeleted, snapshot, true)
	r.emitMu.Unlock()
	for _, ticket := range r.takeWaiters(taskID) {
		r.waits.Reject(ticket, errs.NotFoundError("task "+taskID))
	}
	return nil
}

// Wait blocks until the task reaches a terminal status or ctx ends.
func (r *Registry) Wait(ctx context.Context, taskID string) (Task, error) {
	r.waitMu.Lock()
	r.waitSeq++
	ticketID := fmt.Sprintf("%s#%d", taskID, r.waitSeq)
	r.waiters[taskID] = append(r.waiters[taskID], ticketID)
	r.waitMu.Unlock()
	defer r.dropWaiter(taskID, ticketID)

	ticket, err := r.waits.Register(ticketID)
	if err != nil {
		return Task{}, err
	}
	current, err := r.Get(taskID)
	if err != nil {
		ticket.Cancel()
		return Task{}, err
	}
	if current.Status.IsTerminal() {
		ticket.Cancel()
		return current, nil
	}
	return ticket.Wait(ctx, 0)
}

func (r *Registry) takeWaiters(taskID string) []string {
	r.waitMu.Lock()
	defer r.waitMu.Unlock()
	tickets := r.waiters[taskID]
	delete(r.waiters, taskID)
	return tickets
}

func (r *Registry) dropWaiter(taskID, ticketID string) {
	r.waitMu.Lock()
	defer r.waitMu.Unlock()
	tickets := r.waiters[taskID]
	for i, t := range tickets {
		if t == ticketID {
			r.waiters[taskID] = append(tickets[:i:i], tickets[i+1:]...)
			break
		}
	}
	if len(r.waiters[taskID]) == 0 {
		delete(r.waiters, taskID)
	}
}

func (r *Registry) emit(event string, t Task, deleted bool) {
	if r.recorder != nil && !deleted {
		r.recorder.RecordTaskTransition(context.Background(), string(t.Type), string(t.Status))
	}
	if r.sink != nil {
		if deleted {
			r.sink.Broadcast(event, map[string]string{"taskId": t.ID})
		} else {
			r.sink.Broadcast(event, t)
		}
	}
	r.subsMu.RLock()
	subs := make([]func(Change), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.subsMu.RUnlock()
	for _, fn := range subs {
		fn(Change{Task: t, Deleted: deleted})
	}
}

// Fingerprint hashes the type and canonical JSON params. encoding/json sorts
// map keys, which makes the encoding canonical for decoded JSON objects.
func Fingerprint(taskType Type, params map[string]any) (string, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return "", err
	}
	canonical, err := json.Marshal(normalized)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append([]byte(string(taskType)+"\x00"), canonical...))
	return hex.EncodeToString(sum[:]), nil
}

func (r *Registry) evictLoop() {
	ticker := time.NewTicker(defaultEvictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.EvictExpired()
		}
	}
}

// EvictExpired removes terminal tasks older than the retention window and
// trims the oldest terminal tasks while over the size cap.
func (r *Registry) EvictExpired() int {
	cutoff := r.now().Add(-r.retention).UnixMilli()
	r.mu.Lock()
	defer r.mu.Unlock()

	before := len(r.tasks)
	for taskID, t := range r.tasks {
		if t.Status.IsTerminal() && t.CompletedAt > 0 && t.CompletedAt < cutoff {
			delete(r.tasks, taskID)
		}
	}
	if len(r.tasks) > r.maxSize {
		r.evictOldestTerminalLocked()
	}
	removed := before - len(r.tasks)
	if removed > 0 {
		r.logger.Debug("Evicted %d terminal tasks", removed)
		r.persistLocked()
	}
	return removed
}

// evictOldestTerminalLocked brings the registry back under maxSize. Live
// tasks are never evicted. Caller must hold r.mu.
func (r *Registry) evictOldestTerminalLocked() {
	type candidate struct {
		id          string
		completedAt int64
	}
	var candidates []candidate
	for taskID, t := range r.tasks {
		if t.Status.IsTerminal() {
			candidates = append(candidates, candidate{id: taskID, completedAt: t.CompletedAt})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].completedAt < candidates[j].completedAt
	})
	toRemove := len(r.tasks) - r.maxSize
	for i := 0; i < toRemove && i < len(candidates); i++ {
		delete(r.tasks, candidates[i].id)
	}
}
