package task

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	errs "taskrelay/internal/shared/errors"

	"github.com/spf13/afero"
)

type stubGenerator struct {
	calls   atomic.Int32
	active  atomic.Int32
	peak    atomic.Int32
	block   chan struct{}
	fail    error
	resumed atomic.Int32
}

func (g *stubGenerator) Name() string { return "stub" }

func (g *stubGenerator) Generate(ctx context.Context, req Request, rep Reporter) (Result, error) {
	g.calls.Add(1)
	n := g.active.Add(1)
	defer g.active.Add(-1)
	for {
		peak := g.peak.Load()
		if n <= peak || g.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	rep.Progress(50, PhasePolling)
	rep.RemoteID("remote-" + req.TaskID)
	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if g.fail != nil {
		return Result{}, g.fail
	}
	return Result{URL: "/artifacts/" + req.TaskID + ".png", Format: "png", Size: 1}, nil
}

func (g *stubGenerator) Resume(ctx context.Context, req Request, remoteID string, rep Reporter) (Result, error) {
	g.resumed.Add(1)
	return Result{URL: "/artifacts/" + remoteID + ".png", Format: "png"}, nil
}

func waitStatus(t *testing.T, r *Registry, id string, want Status) Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := r.Get(id)
		if err == nil && got.Status == want {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s did not reach %s (last %+v, err %v)", id, want, got, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunnerCompletesPendingTasks(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	gen := &stubGenerator{}
	var hooked atomic.Int32
	runner := NewRunner(r, gen, WithResultHook(func(_ context.Context, _ Task, res *Result) {
		hooked.Add(1)
		res.ThumbnailURL = res.URL + ".thumb.jpg"
	}))
	runner.Start(context.Background())
	t.Cleanup(runner.Stop)

	mustCreate(t, r, "t1", TypeImage, map[string]any{"prompt": "a"})
	done := waitStatus(t, r, "t1", StatusCompleted)
	if done.RemoteID != "remote-t1" || done.Result.ThumbnailURL == "" {
		t.Fatalf("unexpected completed task %+v", done)
	}
	if hooked.Load() != 1 {
		t.Fatal("result hook not invoked")
	}
}

func TestRunnerBoundsConcurrency(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	gen := &stubGenerator{block: make(chan struct{})}
	runner := NewRunner(r, gen, WithConcurrency(2))
	runner.Start(context.Background())
	t.Cleanup(runner.Stop)

	for i := 0; i < 5; i++ {
		mustCreate(t, r, fmt.Sprintf("t%d", i), TypeImage, map[string]any{"i": i})
	}
	deadline := time.Now().Add(time.Second)
	for gen.active.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if runner.Active() != 2 {
		t.Fatalf("expected 2 active generations, got %d", runner.Active())
	}
	close(gen.block)
	for i := 0; i < 5; i++ {
		waitStatus(t, r, fmt.Sprintf("t%d", i), StatusCompleted)
	}
	if gen.peak.Load() > 2 {
		t.Fatalf("concurrency exceeded: peak %d", gen.peak.Load())
	}
}

func TestRunnerCancelStopsGeneration(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	gen := &stubGenerator{block: make(chan struct{})}
	runner := NewRunner(r, gen)
	runner.Start(context.Background())
	t.Cleanup(runner.Stop)

	mustCreate(t, r, "t1", TypeImage, nil)
	waitStatus(t, r, "t1", StatusProcessing)
	if _, err := r.Cancel("t1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for runner.Active() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := r.Get("t1")
	if got.Status != StatusCancelled {
		t.Fatalf("cancelled task changed to %s", got.Status)
	}
}

func TestRunnerRecordsStructuredFailure(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	gen := &stubGenerator{fail: errs.NewTransientError(errors.New("429 resource_exhausted"), "")}
	runner := NewRunner(r, gen)
	runner.Start(context.Background())
	t.Cleanup(runner.Stop)

	mustCreate(t, r, "t1", TypeImage, nil)
	failed := waitStatus(t, r, "t1", StatusFailed)
	if failed.Error == nil || failed.Error.Code != CodeQuotaExceeded {
		t.Fatalf("unexpected failure %+v", failed.Error)
	}
}

func TestRunnerTimeout(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	gen := &stubGenerator{block: make(chan struct{})}
	runner := NewRunner(r, gen, WithTaskTimeout(20*time.Millisecond))
	runner.Start(context.Background())
	t.Cleanup(func() {
		close(gen.block)
		runner.Stop()
	})

	mustCreate(t, r, "t1", TypeImage, nil)
	failed := waitStatus(t, r, "t1", StatusFailed)
	if failed.Error.Code != CodeTimeout {
		t.Fatalf("expected timeout code, got %+v", failed.Error)
	}
}

func TestRunnerRecoversInterruptedTasks(t *testing.T) {
	fs := afero.NewMemMapFs()
	first, _, _ := newTestRegistry(t, WithPersistence(fs, "/tasks.json"))
	mustCreate(t, first, "with-remote", TypeVideo, map[string]any{"n": 1})
	first.MarkProcessing("with-remote")
	first.SetRemoteID("with-remote", "job-7")
	mustCreate(t, first, "no-remote", TypeImage, map[string]any{"n": 2})
	first.MarkProcessing("no-remote")

	restarted, _, _ := newTestRegistry(t, WithPersistence(fs, "/tasks.json"))
	gen := &stubGenerator{}
	runner := NewRunner(restarted, gen)
	runner.Start(context.Background())
	t.Cleanup(runner.Stop)

	resumed := waitStatus(t, restarted, "with-remote", StatusCompleted)
	if resumed.Result.URL != "/artifacts/job-7.png" || resumed.RemoteID != "job-7" {
		t.Fatalf("expected resume on job-7, got %+v", resumed)
	}
	waitStatus(t, restarted, "no-remote", StatusCompleted)
	if gen.resumed.Load() != 1 {
		t.Fatalf("expected one resume, got %d", gen.resumed.Load())
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{context.DeadlineExceeded, CodeTimeout},
		{errors.New("Quota exceeded for model"), CodeQuotaExceeded},
		{errs.ValidationError("prompt required"), CodeInvalidParams},
		{&Error{Code: "custom", Message: "x"}, "custom"},
		{errors.New("boom"), CodeBackend},
	}
	for _, tc := range cases {
		if got := ClassifyError(tc.err); got.Code != tc.code {
			t.Fatalf("%v: expected %s, got %s", tc.err, tc.code, got.Code)
		}
	}
}
