package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"taskrelay/internal/shared/config"
	"taskrelay/internal/shared/logging"
	"taskrelay/internal/task"

	"github.com/spf13/afero"
)

// Recorder receives generation latency samples.
type Recorder interface {
	RecordGeneration(ctx context.Context, backend, status string, duration time.Duration)
}

// Router picks a generator per task type and records outcomes.
type Router struct {
	fallback task.Generator
	routes   map[task.Type]task.Generator
	recorder Recorder
	logger   logging.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRoute sends tasks of type t to g.
func WithRoute(t task.Type, g task.Generator) RouterOption {
	return func(r *Router) { r.routes[t] = g }
}

// WithGenerationRecorder records latency per backend.
func WithGenerationRecorder(rec Recorder) RouterOption {
	return func(r *Router) { r.recorder = rec }
}

// NewRouter creates a router that uses fallback for unrouted types.
func NewRouter(fallback task.Generator, opts ...RouterOption) *Router {
	r := &Router{
		fallback: fallback,
		routes:   make(map[task.Type]task.Generator),
		logger:   logging.NewComponentLogger("GenerationRouter"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) Name() string { return "router/" + r.fallback.Name() }

func (r *Router) pick(t task.Type) task.Generator {
	if g, ok := r.routes[t]; ok {
		return g
	}
	return r.fallback
}

func (r *Router) Generate(ctx context.Context, req task.Request, report task.Reporter) (task.Result, error) {
	g := r.pick(req.Type)
	return r.observe(ctx, g.Name(), func() (task.Result, error) {
		return g.Generate(ctx, req, report)
	})
}

// Resume delegates to the routed generator. Generators without resume
// support restart the task from scratch.
func (r *Router) Resume(ctx context.Context, req task.Request, remoteID string, report task.Reporter) (task.Result, error) {
	g := r.pick(req.Type)
	resumer, ok := g.(task.Resumer)
	if !ok {
		r.logger.Info("%s cannot resume %s; regenerating", g.Name(), remoteID)
		return r.Generate(ctx, req, report)
	}
	return r.observe(ctx, g.Name(), func() (task.Result, error) {
		return resumer.Resume(ctx, req, remoteID, report)
	})
}

func (r *Router) observe(ctx context.Context, backend string, fn func() (task.Result, error)) (task.Result, error) {
	start := time.Now()
	result, err := fn()
	if r.recorder != nil {
		status := "completed"
		switch {
		case errors.Is(err, context.Canceled):
			status = "cancelled"
		case err != nil:
			status = "failed"
		}
		r.recorder.RecordGeneration(ctx, backend, status, time.Since(start))
	}
	return result, err
}

// Build wires the configured backend. Video always goes to the HTTP job
// backend when one is configured since Gemini produces images only.
func Build(cfg config.Config, fs afero.Fs, settings SettingsSource, rec Recorder) (*Router, *ArtifactStore, error) {
	store := NewArtifactStore(fs, cfg.Storage.ArtifactDir(), "/artifacts")
	mock := NewMock(store, 300*time.Millisecond)

	var jobs *HTTPJobs
	if cfg.Generation.HTTP.BaseURL != "" {
		jobs = NewHTTPJobs(cfg.Generation.HTTP.BaseURL, store, settings,
			WithPollInterval(cfg.Generation.HTTP.PollInterval),
			WithHTTPClient(&http.Client{Timeout: cfg.Tasks.Timeout}))
	}

	opts := []RouterOption{WithGenerationRecorder(rec)}
	var primary task.Generator
	switch cfg.Generation.Backend {
	case config.BackendMock:
		primary = mock
	case config.BackendGemini:
		g := NewGemini(store, settings,
			WithGeminiRetries(cfg.Generation.MaxRetries),
			WithAttemptTimeout(cfg.Tasks.Timeout))
		if cfg.Generation.Gemini.BaseURL != "" {
			WithGeminiBaseURL(cfg.Generation.Gemini.BaseURL)(g)
		}
		primary = g
		if jobs != nil {
			opts = append(opts, WithRoute(task.TypeVideo, jobs))
		} else {
			opts = append(opts, WithRoute(task.TypeVideo, mock))
		}
	case config.BackendHTTP:
		if jobs == nil {
			return nil, nil, fmt.Errorf("generation backend %q requires generation.http.base_url", cfg.Generation.Backend)
		}
		primary = jobs
	default:
		return nil, nil, fmt.Errorf("unknown generation backend %q", cfg.Generation.Backend)
	}
	return NewRouter(primary, opts...), store, nil
}
