package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"taskrelay/internal/protocol"
	errs "taskrelay/internal/shared/errors"

	"github.com/spf13/afero"
)

type recordedEvent struct {
	event string
	data  any
}

type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (s *recordingSink) Broadcast(event string, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{event: event, data: data})
}

func (s *recordingSink) count(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.event == event {
			n++
		}
	}
	return n
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *recordingSink, *fakeClock) {
	t.Helper()
	sink := &recordingSink{}
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	all := append([]Option{WithEventSink(sink), WithClock(clock.Now)}, opts...)
	r := NewRegistry(all...)
	t.Cleanup(r.Close)
	return r, sink, clock
}

func mustCreate(t *testing.T, r *Registry, id string, typ Type, params map[string]any) Task {
	t.Helper()
	res, err := r.Create(id, typ, params)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if !res.Success || res.Task == nil {
		t.Fatalf("Create was rejected: %+v", res)
	}
	return *res.Task
}

func TestCreatePendingTask(t *testing.T) {
	r, sink, _ := newTestRegistry(t)
	task := mustCreate(t, r, "t1", TypeImage, map[string]any{"prompt": "cat"})
	if task.Status != StatusPending {
		t.Fatalf("expected pending, got %s", task.Status)
	}
	if task.CreatedAt == 0 || task.UpdatedAt != task.CreatedAt {
		t.Fatalf("unexpected timestamps %+v", task)
	}
	if sink.count(protocol.EventTaskCreated) != 1 {
		t.Fatal("expected one task:created event")
	}
}

func TestCreateGeneratesIDWhenEmpty(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	task := mustCreate(t, r, "", TypeVideo, nil)
	if task.ID == "" {
		t.Fatal("expected generated id")
	}
}

func TestCreateRejectsUnknownType(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	if _, err := r.Create("t1", Type("audio"), nil); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateDuplicateByID(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	mustCreate(t, r, "t1", TypeImage, map[string]any{"prompt": "a"})
	res, err := r.Create("t1", TypeImage, map[string]any{"prompt": "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success || res.Reason != ReasonDuplicate || res.ExistingTaskID != "t1" {
		t.Fatalf("expected duplicate of t1, got %+v", res)
	}
}

func TestCreateDuplicateByFingerprint(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	mustCreate(t, r, "t1", TypeImage, map[string]any{"prompt": "a", "size": "1x1"})
	// Same params with different key order are the same request.
	res, _ := r.Create("t2", TypeImage, map[string]any{"size": "1x1", "prompt": "a"})
	if res.Success || res.ExistingTaskID != "t1" {
		t.Fatalf("expected fingerprint duplicate, got %+v", res)
	}
	// Different type is not a duplicate.
	if res, _ := r.Create("t3", TypeVideo, map[string]any{"size": "1x1", "prompt": "a"}); !res.Success {
		t.Fatalf("different type must be accepted, got %+v", res)
	}
}

func TestCreateAfterTerminalIsAllowed(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	mustCreate(t, r, "t1", TypeImage, map[string]any{"prompt": "a"})
	if _, err := r.Cancel("t1"); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	res, _ := r.Create("t1", TypeImage, map[string]any{"prompt": "a"})
	if !res.Success {
		t.Fatalf("expected re-create after terminal, got %+v", res)
	}
}

func TestUnknownIDReturnsNotFound(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ops := map[string]func() error{
		"cancel":       func() error { _, err := r.Cancel("nope"); return err },
		"retry":        func() error { _, err := r.Retry("nope"); return err },
		"markInserted": func() error { _, err := r.MarkInserted("nope"); return err },
		"delete":       func() error { return r.Delete("nope") },
		"get":          func() error { _, err := r.Get("nope"); return err },
	}
	for name, op := range ops {
		if err := op(); !errs.IsNotFound(err) {
			t.Fatalf("%s: expected not found, got %v", name, err)
		}
	}
}

func TestLifecycleCompletes(t *testing.T) {
	r, sink, clock := newTestRegistry(t)
	mustCreate(t, r, "t1", TypeImage, nil)
	clock.Advance(time.Second)
	if _, err := r.MarkProcessing("t1"); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if _, err := r.UpdateProgress("t1", 40, PhasePolling); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	// Progress never moves backwards.
	got, _ := r.UpdateProgress("t1", 10, "")
	if *got.Progress != 40 {
		t.Fatalf("expected progress to stay at 40, got %d", *got.Progress)
	}
	clock.Advance(time.Second)
	done, err := r.Complete("t1", Result{URL: "/artifacts/a.png", Format: "png", Size: 10})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Status != StatusCompleted || *done.Progress != 100 || done.ExecutionPhase != "" {
		t.Fatalf("unexpected completed task %+v", done)
	}
	if !(done.CreatedAt < done.StartedAt && done.StartedAt < done.CompletedAt) {
		t.Fatalf("timestamps must be monotonic: %+v", done)
	}
	if sink.count(protocol.EventTaskCompleted) != 1 {
		t.Fatal("expected one task:completed")
	}
	if _, err := r.Complete("t1", Result{}); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("second completion must conflict, got %v", err)
	}
}

func TestFailEmitsOnceAndRetry(t *testing.T) {
	r, sink, _ := newTestRegistry(t)
	mustCreate(t, r, "t1", TypeImage, nil)
	r.MarkProcessing("t1")
	r.SetRemoteID("t1", "job-1")
	if _, err := r.Fail("t1", Error{Code: CodeBackend, Message: "boom"}); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if _, err := r.Fail("t1", Error{Code: CodeBackend, Message: "again"}); err == nil {
		t.Fatal("failing a failed task must be rejected")
	}
	if sink.count(protocol.EventTaskFailed) != 1 {
		t.Fatalf("expected exactly one task:failed, got %d", sink.count(protocol.EventTaskFailed))
	}

	retried, err := r.Retry("t1")
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried.Status != StatusPending || retried.Error != nil || retried.Attempt != 2 || retried.AttemptRemoteID != "" {
		t.Fatalf("unexpected retried task %+v", retried)
	}
	if _, err := r.Retry("t1"); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("retry of pending must conflict, got %v", err)
	}
}

func TestCancelSemantics(t *testing.T) {
	r, sink, _ := newTestRegistry(t)
	mustCreate(t, r, "t1", TypeImage, nil)
	r.MarkProcessing("t1")
	if _, err := r.Cancel("t1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := r.Cancel("t1"); err != nil {
		t.Fatalf("repeat cancel must be a no-op, got %v", err)
	}
	if sink.count(protocol.EventTaskCancelled) != 1 {
		t.Fatal("expected one task:cancelled")
	}
	if _, err := r.Complete("t1", Result{}); err == nil {
		t.Fatal("completion after cancel must be rejected")
	}

	mustCreate(t, r, "t2", TypeImage, map[string]any{"p": 2})
	r.MarkProcessing("t2")
	r.Complete("t2", Result{URL: "x"})
	if _, err := r.Cancel("t2"); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("cancel after completion must conflict, got %v", err)
	}
	got, _ := r.Get("t2")
	if got.Status != StatusCompleted {
		t.Fatalf("completed task changed: %s", got.Status)
	}
}

func TestRemoteIDImmutable(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	mustCreate(t, r, "t1", TypeVideo, nil)
	r.MarkProcessing("t1")
	if _, err := r.SetRemoteID("t1", "job-1"); err != nil {
		t.Fatalf("SetRemoteID: %v", err)
	}
	if _, err := r.SetRemoteID("t1", "job-1"); err != nil {
		t.Fatalf("same remote id must be accepted, got %v", err)
	}
	if _, err := r.SetRemoteID("t1", "job-2"); !errors.Is(err, ErrRemoteIDImmutable) {
		t.Fatalf("expected immutable error, got %v", err)
	}
	got, _ := r.Get("t1")
	if got.RemoteID != "job-1" {
		t.Fatalf("remote id changed to %s", got.RemoteID)
	}
}

func TestRemoteIDSurvivesRetry(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	mustCreate(t, r, "t1", TypeVideo, nil)
	r.MarkProcessing("t1")
	if _, err := r.SetRemoteID("t1", "job-A"); err != nil {
		t.Fatalf("SetRemoteID: %v", err)
	}
	r.Fail("t1", Error{Code: CodeBackend, Message: "boom"})
	if _, err := r.Retry("t1"); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	r.MarkProcessing("t1")

	got, err := r.SetRemoteID("t1", "job-B")
	if err != nil {
		t.Fatalf("new attempt must accept its own job id, got %v", err)
	}
	if got.RemoteID != "job-A" {
		t.Fatalf("remote id changed across retry: %s", got.RemoteID)
	}
	if got.AttemptRemoteID != "job-B" {
		t.Fatalf("attempt remote id = %q, want job-B", got.AttemptRemoteID)
	}
	if _, err := r.SetRemoteID("t1", "job-C"); !errors.Is(err, ErrRemoteIDImmutable) {
		t.Fatalf("second job id within one attempt must be rejected, got %v", err)
	}
}

func TestMarkInsertedAndDelete(t *testing.T) {
	r, sink, _ := newTestRegistry(t)
	mustCreate(t, r, "t1", TypeImage, nil)
	got, err := r.MarkInserted("t1")
	if err != nil || !got.InsertedToCanvas {
		t.Fatalf("MarkInserted: %+v %v", got, err)
	}
	if err := r.Delete("t1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := r.Get("t1"); !errs.IsNotFound(err) {
		t.Fatal("deleted task still present")
	}
	if sink.count(protocol.EventTaskDeleted) != 1 {
		t.Fatal("expected task:deleted")
	}
}

func TestListPaginated(t *testing.T) {
	r, _, clock := newTestRegistry(t)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		typ := TypeImage
		if i%2 == 1 {
			typ = TypeVideo
		}
		mustCreate(t, r, id, typ, map[string]any{"i": i})
		clock.Advance(time.Millisecond)
	}

	page := r.List(ListQuery{Offset: 0, Limit: 2})
	if page.Total != 5 || len(page.Tasks) != 2 || !page.HasMore {
		t.Fatalf("unexpected first page %+v", page)
	}
	if page.Tasks[0].ID != "e" || page.Tasks[1].ID != "d" {
		t.Fatalf("default order must be newest first, got %s,%s", page.Tasks[0].ID, page.Tasks[1].ID)
	}

	last := r.List(ListQuery{Offset: 4, Limit: 2})
	if len(last.Tasks) != 1 || last.HasMore {
		t.Fatalf("unexpected last page %+v", last)
	}

	asc := r.List(ListQuery{Limit: 10, SortOrder: SortAsc, Type: TypeVideo})
	if asc.Total != 2 || asc.Tasks[0].ID != "b" || asc.Tasks[1].ID != "d" {
		t.Fatalf("unexpected filtered page %+v", asc)
	}

	past := r.List(ListQuery{Offset: 10, Limit: 2})
	if len(past.Tasks) != 0 || past.HasMore || past.Total != 5 {
		t.Fatalf("offset past end must be empty, got %+v", past)
	}
}

func TestEvictExpiredKeepsLiveTasks(t *testing.T) {
	r, _, clock := newTestRegistry(t, WithRetention(time.Hour))
	mustCreate(t, r, "old", TypeImage, map[string]any{"n": 1})
	r.Cancel("old")
	mustCreate(t, r, "live", TypeImage, map[string]any{"n": 2})
	clock.Advance(2 * time.Hour)

	if removed := r.EvictExpired(); removed != 1 {
		t.Fatalf("expected 1 eviction, got %d", removed)
	}
	if _, err := r.Get("live"); err != nil {
		t.Fatal("live task must survive eviction")
	}
}

func TestMaxSizeEvictsOldestTerminal(t *testing.T) {
	r, _, clock := newTestRegistry(t, WithMaxTasks(2))
	mustCreate(t, r, "a", TypeImage, map[string]any{"n": 1})
	r.Cancel("a")
	clock.Advance(time.Millisecond)
	mustCreate(t, r, "b", TypeImage, map[string]any{"n": 2})
	r.Cancel("b")
	clock.Advance(time.Millisecond)
	mustCreate(t, r, "c", TypeImage, map[string]any{"n": 3})

	if _, err := r.Get("a"); !errs.IsNotFound(err) {
		t.Fatal("oldest terminal task should be evicted")
	}
	if _, err := r.Get("b"); err != nil {
		t.Fatal("newer terminal task should remain")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	r, _, _ := newTestRegistry(t, WithPersistence(fs, "/data/tasks.json"))
	mustCreate(t, r, "t1", TypeImage, map[string]any{"prompt": "cat"})
	r.MarkProcessing("t1")
	r.SetRemoteID("t1", "job-9")

	reloaded, _, _ := newTestRegistry(t, WithPersistence(fs, "/data/tasks.json"))
	got, err := reloaded.Get("t1")
	if err != nil {
		t.Fatalf("task not restored: %v", err)
	}
	if got.Status != StatusProcessing || got.RemoteID != "job-9" || got.Params["prompt"] != "cat" {
		t.Fatalf("unexpected restored task %+v", got)
	}
	// Fingerprints are rebuilt on load so dedupe survives restarts.
	res, _ := reloaded.Create("t2", TypeImage, map[string]any{"prompt": "cat"})
	if res.Success || res.ExistingTaskID != "t1" {
		t.Fatalf("expected duplicate after reload, got %+v", res)
	}
}

func TestWaitReturnsTerminalTask(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	mustCreate(t, r, "t1", TypeImage, nil)
	r.MarkProcessing("t1")

	done := make(chan Task, 1)
	go func() {
		got, err := r.Wait(context.Background(), "t1")
		if err == nil {
			done <- got
		}
	}()
	time.Sleep(10 * time.Millisecond)
	r.Complete("t1", Result{URL: "u"})

	select {
	case got := <-done:
		if got.Status != StatusCompleted {
			t.Fatalf("unexpected status %s", got.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return")
	}

	// Already terminal returns immediately.
	got, err := r.Wait(context.Background(), "t1")
	if err != nil || got.Status != StatusCompleted {
		t.Fatalf("unexpected immediate wait result %+v %v", got, err)
	}
}

func TestWaitSupportsConcurrentWaiters(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	mustCreate(t, r, "t1", TypeImage, nil)

	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := r.Wait(context.Background(), "t1")
			results <- err
		}()
	}
	time.Sleep(10 * time.Millisecond)
	if err := r.Delete("t1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	for i := 0; i < 3; i++ {
		select {
		case err := <-results:
			if !errs.IsNotFound(err) {
				t.Fatalf("expected not found for waiter %d, got %v", i, err)
			}
		case <-time.After(time.Second):
			t.Fatal("waiter was not released")
		}
	}
}

func TestSubscribersSeeOrderedChanges(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	var mu sync.Mutex
	var statuses []Status
	unsubscribe := r.Subscribe(func(c Change) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, c.Task.Status)
	})
	mustCreate(t, r, "t1", TypeImage, nil)
	r.MarkProcessing("t1")
	r.Complete("t1", Result{})
	unsubscribe()
	r.Delete("t1")

	mu.Lock()
	defer mu.Unlock()
	want := []Status{StatusPending, StatusProcessing, StatusCompleted}
	if len(statuses) != len(want) {
		t.Fatalf("unexpected changes %v", statuses)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("unexpected changes %v", statuses)
		}
	}
}
