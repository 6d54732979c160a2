package generation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskrelay/internal/shared/config"
	errs "taskrelay/internal/shared/errors"
	"taskrelay/internal/task"

	"github.com/disintegration/imaging"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	mu       sync.Mutex
	progress []int
	phases   []task.Phase
	remoteID string
}

func (r *recordingReporter) Progress(pct int, phase task.Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, pct)
	r.phases = append(r.phases, phase)
}

func (r *recordingReporter) RemoteID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remoteID = id
}

type staticSettings config.RuntimeSettings

func (s staticSettings) Snapshot() config.RuntimeSettings { return config.RuntimeSettings(s) }

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(w, h, imagingWhite), imaging.PNG))
	return buf.Bytes()
}

var imagingWhite = promptColor("white")

func fastRetry() errs.RetryConfig {
	return errs.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestArtifactStoreSaveRecordsDimensions(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewArtifactStore(fs, "/data/artifacts", "")

	result, err := store.Save("task/1", "PNG", pngBytes(t, 40, 20))
	require.NoError(t, err)
	assert.Equal(t, "/artifacts/task_1.png", result.URL)
	assert.Equal(t, 40, result.Width)
	assert.Equal(t, 20, result.Height)

	path, ok := store.Resolve(result.URL)
	require.True(t, ok)
	exists, err := afero.Exists(fs, path)
	require.NoError(t, err)
	assert.True(t, exists)

	_, ok = store.Resolve("/elsewhere/x.png")
	assert.False(t, ok)
}

func TestMockGeneratesImageAtAspectRatio(t *testing.T) {
	store := NewArtifactStore(afero.NewMemMapFs(), "/a", "")
	rep := &recordingReporter{}
	result, err := NewMock(store, 0).Generate(context.Background(), task.Request{
		TaskID: "t1", Type: task.TypeImage, Params: map[string]any{"prompt": "cat", "size": "16x9"},
	}, rep)
	require.NoError(t, err)
	assert.Equal(t, 512, result.Width)
	assert.Equal(t, 288, result.Height)
	assert.Equal(t, "mock-t1-0", rep.remoteID)
	assert.Equal(t, []task.Phase{task.PhaseSubmitting, task.PhasePolling, task.PhaseDownloading}, rep.phases)
}

func TestMockVideoCarriesDuration(t *testing.T) {
	store := NewArtifactStore(afero.NewMemMapFs(), "/a", "")
	result, err := NewMock(store, 0).Generate(context.Background(), task.Request{
		TaskID: "v1", Type: task.TypeVideo, Params: map[string]any{"prompt": "sea", "seconds": "8"},
	}, &recordingReporter{})
	require.NoError(t, err)
	assert.Equal(t, "mp4", result.Format)
	assert.Equal(t, 8.0, result.Duration)
}

func TestMockHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := NewArtifactStore(afero.NewMemMapFs(), "/a", "")
	_, err := NewMock(store, time.Second).Generate(ctx, task.Request{TaskID: "t"}, &recordingReporter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtractImageFromText(t *testing.T) {
	raw := []byte{0x89, 'P', 'N', 'G'}
	text := "Here you go: ![img](data:image/png;base64," + base64.StdEncoding.EncodeToString(raw) + ")"
	data, mime, ok := extractDataURL(text)
	require.True(t, ok)
	assert.Equal(t, raw, data)
	assert.Equal(t, "image/png", mime)

	url, ok := extractImageURL(`see "https://cdn.example.com/out/a1.webp?sig=abc" for the result`)
	require.True(t, ok)
	assert.Equal(t, "https://cdn.example.com/out/a1.webp?sig=abc", url)

	_, _, ok = extractDataURL("no image here")
	assert.False(t, ok)
}

func TestBuildPromptByType(t *testing.T) {
	assert.Empty(t, buildPrompt(task.Request{Type: task.TypeImage}))
	p := buildPrompt(task.Request{Type: task.TypeCharacter, Params: map[string]any{"prompt": "knight", "size": "3x4"}})
	assert.True(t, strings.HasPrefix(p, "Character design sheet"))
	assert.Contains(t, p, "Aspect ratio 3:4.")
}

func TestGeminiRequiresAPIKey(t *testing.T) {
	g := NewGemini(NewArtifactStore(afero.NewMemMapFs(), "/a", ""), staticSettings{})
	_, err := g.Generate(context.Background(), task.Request{TaskID: "t", Params: map[string]any{"prompt": "x"}}, &recordingReporter{})
	require.Error(t, err)
	assert.Equal(t, task.CodeInvalidParams, task.ClassifyError(err).Code)
}

func TestClassifyGeminiError(t *testing.T) {
	ctx := context.Background()
	assert.True(t, errs.IsTransient(classifyGeminiError(ctx, errors.New("Error 429, RESOURCE_EXHAUSTED"))))
	assert.True(t, errs.IsTransient(classifyGeminiError(ctx, context.DeadlineExceeded)))
	assert.False(t, errs.IsTransient(classifyGeminiError(ctx, errors.New("400 invalid argument"))))
}

type fakeJobAPI struct {
	t         *testing.T
	polls     atomic.Int32
	submitted atomic.Int32
	failFirst atomic.Bool
	image     []byte
	auth      atomic.Value
}

func (f *fakeJobAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		f.auth.Store(r.Header.Get("Authorization"))
		if f.failFirst.CompareAndSwap(true, false) {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		var sub jobSubmission
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&sub))
		f.submitted.Add(1)
		_ = json.NewEncoder(w).Encode(JobStatus{ID: "job-" + sub.TaskID, Status: JobQueued})
	})
	mux.HandleFunc("GET /v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "job-missing" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if id == "job-bad" {
			_ = json.NewEncoder(w).Encode(JobStatus{ID: id, Status: JobFailed, Error: &task.Error{Code: "content_policy", Message: "blocked"}})
			return
		}
		if f.polls.Add(1) < 3 {
			_ = json.NewEncoder(w).Encode(JobStatus{ID: id, Status: JobRunning, Progress: 40})
			return
		}
		_ = json.NewEncoder(w).Encode(JobStatus{ID: id, Status: JobSucceeded, Result: &JobResult{URL: "/files/" + id + ".png"}})
	})
	mux.HandleFunc("GET /files/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(f.image)
	})
	return mux
}

func newJobsUnderTest(t *testing.T) (*HTTPJobs, *fakeJobAPI, afero.Fs) {
	t.Helper()
	api := &fakeJobAPI{t: t, image: pngBytes(t, 8, 8)}
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	fs := afero.NewMemMapFs()
	jobs := NewHTTPJobs(srv.URL, NewArtifactStore(fs, "/a", ""), staticSettings{HTTPAPIKey: "secret"},
		WithPollInterval(time.Millisecond), WithJobRetryConfig(fastRetry()))
	return jobs, api, fs
}

func TestHTTPJobsSubmitPollDownload(t *testing.T) {
	jobs, api, fs := newJobsUnderTest(t)
	api.failFirst.Store(true)
	rep := &recordingReporter{}

	result, err := jobs.Generate(context.Background(), task.Request{TaskID: "t1", Type: task.TypeImage, Params: map[string]any{"prompt": "x"}}, rep)
	require.NoError(t, err)
	assert.Equal(t, "job-t1", rep.remoteID)
	assert.Equal(t, "/artifacts/t1.png", result.URL)
	assert.Equal(t, 8, result.Width)
	assert.Equal(t, "Bearer secret", api.auth.Load())
	assert.EqualValues(t, 1, api.submitted.Load())
	assert.Contains(t, rep.phases, task.PhasePolling)
	exists, _ := afero.Exists(fs, "/a/t1.png")
	assert.True(t, exists)
}

func TestHTTPJobsResumeSkipsSubmit(t *testing.T) {
	jobs, api, _ := newJobsUnderTest(t)
	result, err := jobs.Resume(context.Background(), task.Request{TaskID: "t2", Type: task.TypeImage}, "job-t2", &recordingReporter{})
	require.NoError(t, err)
	assert.Equal(t, "/artifacts/t2.png", result.URL)
	assert.Zero(t, api.submitted.Load())
}

func TestHTTPJobsFailures(t *testing.T) {
	jobs, _, _ := newJobsUnderTest(t)

	_, err := jobs.Resume(context.Background(), task.Request{TaskID: "t3"}, "job-bad", &recordingReporter{})
	require.Error(t, err)
	assert.Equal(t, "content_policy", task.ClassifyError(err).Code)

	_, err = jobs.Resume(context.Background(), task.Request{TaskID: "t4"}, "job-missing", &recordingReporter{})
	require.Error(t, err)
	assert.True(t, errs.IsPermanent(err))
}

type latencyRecorder struct {
	mu      sync.Mutex
	samples []string
}

func (l *latencyRecorder) RecordGeneration(_ context.Context, backend, status string, _ time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.samples = append(l.samples, backend+":"+status)
}

func TestRouterRoutesByTypeAndRecords(t *testing.T) {
	store := NewArtifactStore(afero.NewMemMapFs(), "/a", "")
	jobs, _, _ := newJobsUnderTest(t)
	rec := &latencyRecorder{}
	router := NewRouter(NewMock(store, 0), WithRoute(task.TypeVideo, jobs), WithGenerationRecorder(rec))

	_, err := router.Generate(context.Background(), task.Request{TaskID: "i", Type: task.TypeImage, Params: map[string]any{"prompt": "a"}}, &recordingReporter{})
	require.NoError(t, err)
	_, err = router.Resume(context.Background(), task.Request{TaskID: "v", Type: task.TypeVideo}, "job-bad", &recordingReporter{})
	require.Error(t, err)

	assert.Equal(t, []string{"mock:completed", "http:failed"}, rec.samples)
}

func TestBuildSelectsBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.DataDir = "/data"
	router, store, err := Build(cfg, afero.NewMemMapFs(), staticSettings{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "router/mock", router.Name())
	assert.Equal(t, "/data/artifacts", store.Dir())

	cfg.Generation.Backend = config.BackendHTTP
	_, _, err = Build(cfg, afero.NewMemMapFs(), staticSettings{}, nil)
	assert.Error(t, err)
}
