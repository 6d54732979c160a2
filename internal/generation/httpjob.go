package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	errs "taskrelay/internal/shared/errors"
	"taskrelay/internal/shared/logging"
	"taskrelay/internal/task"
)

// Job states reported by the async job API.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// JobStatus is the job API's view of one job.
type JobStatus struct {
	ID       string      `json:"id"`
	Status   string      `json:"status"`
	Progress int         `json:"progress,omitempty"`
	Result   *JobResult  `json:"result,omitempty"`
	Error    *task.Error `json:"error,omitempty"`
}

// JobResult locates the finished media.
type JobResult struct {
	URL      string  `json:"url"`
	Format   string  `json:"format,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

type jobSubmission struct {
	TaskID string         `json:"taskId"`
	Type   task.Type      `json:"type"`
	Params map[string]any `json:"params"`
}

// HTTPJobs drives a submit, poll, download job API. Jobs survive restarts
// through the remote id, so it also implements task.Resumer.
type HTTPJobs struct {
	baseURL  string
	store    *ArtifactStore
	settings SettingsSource
	client   *http.Client
	interval time.Duration
	retry    errs.RetryConfig
	breaker  *errs.CircuitBreaker
	logger   logging.Logger
}

// HTTPJobsOption configures HTTPJobs.
type HTTPJobsOption func(*HTTPJobs)

// WithPollInterval sets the delay between status polls.
func WithPollInterval(d time.Duration) HTTPJobsOption {
	return func(h *HTTPJobs) {
		if d > 0 {
			h.interval = d
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) HTTPJobsOption {
	return func(h *HTTPJobs) {
		if client != nil {
			h.client = client
		}
	}
}

// WithJobRetryConfig replaces the backoff policy for submit and poll calls.
func WithJobRetryConfig(cfg errs.RetryConfig) HTTPJobsOption {
	return func(h *HTTPJobs) { h.retry = cfg }
}

// WithHTTPJobsLogger overrides the component logger.
func WithHTTPJobsLogger(logger logging.Logger) HTTPJobsOption {
	return func(h *HTTPJobs) { h.logger = logging.OrNop(logger) }
}

// NewHTTPJobs creates a client for the job API at baseURL.
func NewHTTPJobs(baseURL string, store *ArtifactStore, settings SettingsSource, opts ...HTTPJobsOption) *HTTPJobs {
	h := &HTTPJobs{
		baseURL:  strings.TrimRight(baseURL, "/"),
		store:    store,
		settings: settings,
		client:   &http.Client{Timeout: defaultAttemptTimeout},
		interval: 3 * time.Second,
		retry:    errs.GenerationRetryConfig(),
		logger:   logging.NewComponentLogger("HTTPJobs"),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.breaker = errs.NewCircuitBreaker("http-jobs", errs.CircuitBreakerConfig{
		OnStateChange: func(from, to errs.CircuitState, name string) {
			h.logger.Warn("Circuit %s: %s -> %s", name, from, to)
		},
	})
	return h
}

func (h *HTTPJobs) Name() string { return "http" }

func (h *HTTPJobs) Generate(ctx context.Context, req task.Request, report task.Reporter) (task.Result, error) {
	report.Progress(5, task.PhaseSubmitting)
	body, err := json.Marshal(jobSubmission{TaskID: req.TaskID, Type: req.Type, Params: req.Params})
	if err != nil {
		return task.Result{}, errs.ValidationError(fmt.Sprintf("params are not serializable: %v", err))
	}
	job, err := h.call(ctx, http.MethodPost, "/v1/jobs", body)
	if err != nil {
		return task.Result{}, err
	}
	if job.ID == "" {
		return task.Result{}, &task.Error{Code: task.CodeBackend, Message: "job API returned no id"}
	}
	report.RemoteID(job.ID)
	return h.await(ctx, req, job, report)
}

// Resume polls a job submitted before a restart.
func (h *HTTPJobs) Resume(ctx context.Context, req task.Request, remoteID string, report task.Reporter) (task.Result, error) {
	job, err := h.status(ctx, remoteID)
	if err != nil {
		return task.Result{}, err
	}
	return h.await(ctx, req, job, report)
}

func (h *HTTPJobs) await(ctx context.Context, req task.Request, job JobStatus, report task.Reporter) (task.Result, error) {
	for {
		switch job.Status {
		case JobSucceeded:
			return h.collect(ctx, req, job, report)
		case JobFailed:
			if job.Error != nil {
				return task.Result{}, job.Error
			}
			return task.Result{}, &task.Error{Code: task.CodeBackend, Message: "job failed", Details: map[string]any{"jobId": job.ID}}
		}
		report.Progress(pollProgress(job.Progress), task.PhasePolling)
		if err := sleepCtx(ctx, h.interval); err != nil {
			return task.Result{}, err
		}
		next, err := h.status(ctx, job.ID)
		if err != nil {
			return task.Result{}, err
		}
		job = next
	}
}

func (h *HTTPJobs) collect(ctx context.Context, req task.Request, job JobStatus, report task.Reporter) (task.Result, error) {
	if job.Result == nil || job.Result.URL == "" {
		return task.Result{}, &task.Error{Code: task.CodeBackend, Message: "job succeeded without a result url"}
	}
	report.Progress(90, task.PhaseDownloading)
	target := h.resolve(job.Result.URL)
	type media struct {
		data []byte
		mime string
	}
	m, err := errs.RetryWithResult(ctx, h.retry, func(ctx context.Context) (media, error) {
		data, mime, err := download(ctx, h.client, target, h.apiKey())
		return media{data, mime}, err
	}, h.logger)
	if err != nil {
		return task.Result{}, err
	}
	format := job.Result.Format
	if format == "" {
		format = formatFromMIME(m.mime)
	}
	result, err := h.store.Save(req.TaskID, format, m.data)
	if err != nil {
		return task.Result{}, err
	}
	result.Duration = job.Result.Duration
	return result, nil
}

func (h *HTTPJobs) status(ctx context.Context, id string) (JobStatus, error) {
	return h.call(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil)
}

func (h *HTTPJobs) call(ctx context.Context, method, path string, body []byte) (JobStatus, error) {
	return errs.RetryWithResult(ctx, h.retry, func(ctx context.Context) (JobStatus, error) {
		return errs.ExecuteFunc(h.breaker, ctx, func(ctx context.Context) (JobStatus, error) {
			return h.do(ctx, method, path, body)
		})
	}, h.logger)
}

func (h *HTTPJobs) do(ctx context.Context, method, path string, body []byte) (JobStatus, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
	if err != nil {
		return JobStatus{}, errs.NewPermanentError(err, "build job request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := h.apiKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return JobStatus{}, errs.NewTransientError(err, "job API unreachable")
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return JobStatus{}, errs.NewTransientError(err, "read job API response")
	}
	if resp.StatusCode/100 != 2 {
		return JobStatus{}, errs.FromHTTPStatus(resp.StatusCode, string(raw))
	}
	var job JobStatus
	if err := json.Unmarshal(raw, &job); err != nil {
		return JobStatus{}, errs.NewPermanentError(err, "decode job status")
	}
	return job, nil
}

func (h *HTTPJobs) resolve(ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	return h.baseURL + "/" + strings.TrimLeft(ref, "/")
}

func (h *HTTPJobs) apiKey() string {
	if h.settings == nil {
		return ""
	}
	return h.settings.Snapshot().HTTPAPIKey
}

// pollProgress keeps remote progress inside the polling band.
func pollProgress(remote int) int {
	switch {
	case remote <= 0:
		return 20
	case remote >= 100:
		return 85
	default:
		return 20 + remote*65/100
	}
}
