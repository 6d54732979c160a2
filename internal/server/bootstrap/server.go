// Package bootstrap assembles the relay server from configuration and runs
// it until a shutdown signal arrives.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskrelay/internal/channel"
	"taskrelay/internal/chat"
	"taskrelay/internal/diagnostics"
	"taskrelay/internal/fetchrelay"
	"taskrelay/internal/generation"
	"taskrelay/internal/llm"
	"taskrelay/internal/observability"
	serverApp "taskrelay/internal/server/app"
	serverHTTP "taskrelay/internal/server/http"
	"taskrelay/internal/shared/async"
	"taskrelay/internal/shared/config"
	"taskrelay/internal/shared/logging"
	"taskrelay/internal/task"
	"taskrelay/internal/thumbnail"
	"taskrelay/internal/workflow"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// Options are the command-line inputs of RunServer.
type Options struct {
	ConfigPath string
	Addr       string
	DataDir    string
	Version    string
}

// Server is a fully wired relay instance.
type Server struct {
	Config  config.Config
	Version string

	Runtime     *config.Runtime
	Channel     *channel.Server
	Tasks       *task.Registry
	Runner      *task.Runner
	Workflows   *workflow.Engine
	Relay       *fetchrelay.Relay
	Chat        *chat.Service
	Thumbnails  *thumbnail.Service
	Diagnostics *diagnostics.Service
	Dispatcher  *serverApp.Dispatcher
	Health      *serverApp.HealthChecker
	Handler     http.Handler

	store    *fetchrelay.Store
	metrics  *observability.MetricsCollector
	tracer   *observability.TracerProvider
	registry *prometheus.Registry
	logger   logging.Logger
	cancel   context.CancelFunc
}

type buildOptions struct {
	fs       afero.Fs
	relayDSN string
	chat     chat.Streamer
	planner  workflow.Completer
	version  string
}

// BuildOption customizes Build.
type BuildOption func(*buildOptions)

// WithFs stores tasks, workflows, artifacts and crash dumps on fs.
func WithFs(fs afero.Fs) BuildOption { return func(o *buildOptions) { o.fs = fs } }

// WithFetchRelayDSN overrides the sqlite database of the fetch relay.
func WithFetchRelayDSN(dsn string) BuildOption { return func(o *buildOptions) { o.relayDSN = dsn } }

// WithModels replaces the Ollama client used for chat and planning.
func WithModels(streamer chat.Streamer, completer workflow.Completer) BuildOption {
	return func(o *buildOptions) {
		o.chat = streamer
		o.planner = completer
	}
}

// WithVersion sets the version reported to clients.
func WithVersion(v string) BuildOption { return func(o *buildOptions) { o.version = v } }

// Build wires every component from cfg. Nothing runs until Start.
func Build(cfg config.Config, opts ...BuildOption) (*Server, error) {
	o := buildOptions{fs: afero.NewOsFs(), relayDSN: cfg.Storage.FetchRelayDB(), version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.NewComponentLogger("Bootstrap")

	if err := o.fs.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := observability.NewMetricsCollector(cfg.Observability.Metrics, reg)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	tracer, err := observability.NewTracerProvider(cfg.Observability.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	runtime := config.NewRuntime(cfg)
	s := &Server{
		Config:   cfg,
		Version:  o.version,
		Runtime:  runtime,
		metrics:  metrics,
		tracer:   tracer,
		registry: reg,
		logger:   logger,
	}

	s.Diagnostics = diagnostics.NewService(
		diagnostics.NewCrashStore(o.fs, cfg.Storage.CrashDir(), 0),
		diagnostics.WithHeartbeatInterval(cfg.Diagnostics.HeartbeatInterval),
	)

	s.Channel = channel.NewServer(channel.ServerConfig{
		Token:       cfg.Server.Token,
		SendBuffer:  cfg.Server.SendBuffer,
		MaxHistory:  cfg.Server.MaxHistory,
		CallTimeout: cfg.Server.CallTimeout,
	},
		channel.WithObserver(observability.MustNewTransportMetrics(reg)),
		channel.WithTracer(tracer.Tracer()),
		channel.WithConnectHook(s.clientConnected, s.clientDisconnected),
	)

	s.Tasks = task.NewRegistry(
		task.WithRetention(cfg.Tasks.TTL),
		task.WithMaxTasks(cfg.Tasks.MaxSize),
		task.WithPersistence(o.fs, cfg.Storage.TasksFile()),
		task.WithEventSink(s.Channel),
		task.WithRecorder(metrics),
	)

	generator, artifacts, err := generation.Build(cfg, o.fs, runtime, metrics)
	if err != nil {
		return nil, err
	}
	s.Thumbnails = thumbnail.NewService(artifacts, thumbnail.WithEventSink(s.Channel))
	s.Runner = task.NewRunner(s.Tasks, generator,
		task.WithConcurrency(cfg.Tasks.Concurrency),
		task.WithTaskTimeout(cfg.Tasks.Timeout),
		task.WithResultHook(s.Thumbnails.ResultHook()),
	)

	streamer, completer := o.chat, o.planner
	var ollama *llm.Client
	if streamer == nil || completer == nil {
		ollama, err = llm.NewClient(cfg.LLM.Host, nil)
		if err != nil {
			return nil, err
		}
		if streamer == nil {
			streamer = ollama
		}
		if completer == nil {
			completer = ollama
		}
	}
	s.Chat = chat.NewService(streamer,
		chat.WithEventSink(s.Channel),
		chat.WithSettings(runtime),
		chat.WithRecorder(metrics),
		chat.WithCacheSize(cfg.LLM.ChatCacheSize),
	)

	s.Workflows = workflow.NewEngine(s.Tasks,
		workflow.WithPlanner(workflow.NewLLMPlanner(completer, runtime, cfg.LLM.PlannerModel)),
		workflow.WithEventSink(s.Channel),
		workflow.WithRecorder(metrics),
		workflow.WithSettings(runtime),
		workflow.WithCanvasTimeout(cfg.Workflow.CanvasTimeout),
		workflow.WithRetention(cfg.Workflow.TTL),
		workflow.WithPersistence(o.fs, cfg.Storage.WorkflowsFile()),
	)

	s.store, err = fetchrelay.OpenStore(o.relayDSN)
	if err != nil {
		return nil, fmt.Errorf("open fetch relay store: %w", err)
	}
	s.Relay = fetchrelay.NewRelay(s.store,
		fetchrelay.WithEventSink(s.Channel),
		fetchrelay.WithRecorder(metrics),
		fetchrelay.WithRetention(cfg.FetchRelay.RetentionTTL),
		fetchrelay.WithSweepInterval(cfg.FetchRelay.SweepInterval),
		fetchrelay.WithChunkSize(cfg.FetchRelay.ChunkBytes),
		fetchrelay.WithMaxBodyBytes(cfg.FetchRelay.MaxBodyBytes),
	)

	s.Dispatcher = serverApp.NewDispatcher(s.Channel, serverApp.Services{
		Version:     o.version,
		Runtime:     runtime,
		Tasks:       s.Tasks,
		Workflows:   s.Workflows,
		Chat:        s.Chat,
		Thumbnails:  s.Thumbnails,
		Diagnostics: s.Diagnostics,
		Relay:       s.Relay,
	})
	s.Dispatcher.Register()

	s.Health = serverApp.NewHealthChecker()
	s.Health.RegisterProbe(serverApp.NewPingProbe("fetch-relay-store", false, s.store.Ping))
	if ollama != nil {
		s.Health.RegisterProbe(serverApp.NewPingProbe("ollama", true, ollama.Ping))
	}

	s.Handler = serverHTTP.NewRouter(serverHTTP.RouterConfig{
		Channel:        s.Channel,
		Health:         s.Health,
		Status:         s.Dispatcher,
		Gatherer:       reg,
		ArtifactFs:     o.fs,
		ArtifactDir:    cfg.Storage.ArtifactDir(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	return s, nil
}

// Start launches the background workers.
func (s *Server) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.Relay.Start()
	s.Workflows.Start()
	s.Runner.Start(ctx)
	s.logger.Info("Relay %s started: %d methods bound", s.Version, len(s.Channel.Methods()))
}

// Shutdown stops accepting work, drains the workers and flushes telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.Channel.Close()

	var g errgroup.Group
	g.Go(func() error { s.Runner.Stop(); return nil })
	g.Go(func() error { s.Workflows.Stop(); return nil })
	g.Go(func() error { s.Chat.Close(); return nil })
	g.Go(func() error { s.Thumbnails.Close(); return nil })
	g.Go(func() error { s.Relay.Stop(); return nil })
	_ = g.Wait()

	s.Tasks.Close()
	var errsOut []error
	if err := s.store.Close(); err != nil {
		errsOut = append(errsOut, fmt.Errorf("close fetch relay store: %w", err))
	}
	if err := s.tracer.Shutdown(ctx); err != nil {
		errsOut = append(errsOut, fmt.Errorf("shutdown tracer: %w", err))
	}
	if err := s.metrics.Shutdown(ctx); err != nil {
		errsOut = append(errsOut, fmt.Errorf("shutdown metrics: %w", err))
	}
	return errors.Join(errsOut...)
}

func (s *Server) clientConnected(peerID string) {
	s.Workflows.ClientConnected(peerID)
}

func (s *Server) clientDisconnected(peerID string) {
	s.Workflows.ClientDisconnected(peerID)
	s.Diagnostics.Forget(peerID)
}

// RunServer loads configuration, starts the relay and blocks until SIGINT
// or SIGTERM.
func RunServer(opts Options) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	if opts.DataDir != "" {
		cfg.Storage.DataDir = opts.DataDir
	}

	observability.NewLogger(observability.LogConfig{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
	}).Install()
	logger := logging.NewComponentLogger("Main")
	logger.Info("Starting taskrelay %s (backend=%s, data=%s)", opts.Version, cfg.Generation.Backend, cfg.Storage.DataDir)
	if key := cfg.Generation.Gemini.APIKey; key != "" {
		logger.Info("Gemini key: %s", observability.SanitizeAPIKey(key))
	}
	if key := cfg.Generation.HTTP.APIKey; key != "" {
		logger.Info("HTTP job backend key: %s", observability.SanitizeAPIKey(key))
	}

	srv, err := Build(cfg, WithVersion(opts.Version))
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.Start(ctx)

	if opts.ConfigPath != "" {
		watcher, err := config.NewWatcher(opts.ConfigPath, srv.Runtime)
		if err != nil {
			logger.Warn("Config hot reload disabled: %v", err)
		} else if err := watcher.Start(ctx); err != nil {
			logger.Warn("Config hot reload disabled: %v", err)
		} else {
			defer watcher.Stop()
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	serveErr := serveUntilSignal(httpServer, logger)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown incomplete: %v", err)
	}
	return serveErr
}

func serveUntilSignal(server *http.Server, logger logging.Logger) error {
	logger = logging.OrNop(logger)

	errCh := make(chan error, 1)
	async.Go(logger, "server.listen", func() {
		logger.Info("Server listening on %s", server.Addr)
		errCh <- server.ListenAndServe()
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-quit:
		logger.Info("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr := server.Shutdown(ctx)

		serveErr := <-errCh
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
		if shutdownErr != nil {
			return fmt.Errorf("shutdown: %w", shutdownErr)
		}
		if serveErr != nil {
			return fmt.Errorf("server error: %w", serveErr)
		}
		logger.Info("Server stopped")
		return nil
	}
}
