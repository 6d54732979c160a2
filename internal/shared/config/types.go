package config

import (
	"path/filepath"
	"time"

	"taskrelay/internal/observability"
)

// Failure policies for workflows.
const (
	FailurePolicyContinue = "continue"
	FailurePolicyStop     = "stop"
)

// Generation backends.
const (
	BackendMock   = "mock"
	BackendGemini = "gemini"
	BackendHTTP   = "http"
)

// Config is the complete relay server configuration.
type Config struct {
	Server        ServerConfig         `mapstructure:"server" yaml:"server"`
	Storage       StorageConfig        `mapstructure:"storage" yaml:"storage"`
	Tasks         TaskConfig           `mapstructure:"tasks" yaml:"tasks"`
	Workflow      WorkflowConfig       `mapstructure:"workflow" yaml:"workflow"`
	FetchRelay    FetchRelayConfig     `mapstructure:"fetch_relay" yaml:"fetch_relay"`
	Generation    GenerationConfig     `mapstructure:"generation" yaml:"generation"`
	LLM           LLMConfig            `mapstructure:"llm" yaml:"llm"`
	Diagnostics   DiagnosticsConfig    `mapstructure:"diagnostics" yaml:"diagnostics"`
	Observability observability.Config `mapstructure:"observability" yaml:"observability"`
}

// ServerConfig controls the HTTP listener and the websocket channel.
type ServerConfig struct {
	Addr           string        `mapstructure:"addr" yaml:"addr" validate:"required"`
	Token          string        `mapstructure:"token" yaml:"token"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	SendBuffer     int           `mapstructure:"send_buffer" yaml:"send_buffer" validate:"gte=1"`
	MaxHistory     int           `mapstructure:"max_history" yaml:"max_history" validate:"gte=1"`
	CallTimeout    time.Duration `mapstructure:"call_timeout" yaml:"call_timeout" validate:"gt=0"`
}

// StorageConfig locates durable state.
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir" yaml:"data_dir" validate:"required"`
}

// TasksFile is where the task registry snapshot lives.
func (s StorageConfig) TasksFile() string { return filepath.Join(s.DataDir, "tasks.json") }

// WorkflowsFile is where workflow definitions are persisted.
func (s StorageConfig) WorkflowsFile() string { return filepath.Join(s.DataDir, "workflows.json") }

// FetchRelayDB is the sqlite database for relayed fetches.
func (s StorageConfig) FetchRelayDB() string { return filepath.Join(s.DataDir, "fetchrelay.db") }

// ArtifactDir holds generated media served under /artifacts.
func (s StorageConfig) ArtifactDir() string { return filepath.Join(s.DataDir, "artifacts") }

// CrashDir holds crash snapshots.
func (s StorageConfig) CrashDir() string { return filepath.Join(s.DataDir, "crash") }

// TaskConfig tunes the registry and runner.
type TaskConfig struct {
	TTL         time.Duration `mapstructure:"ttl" yaml:"ttl" validate:"gt=0"`
	MaxSize     int           `mapstructure:"max_size" yaml:"max_size" validate:"gte=1"`
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency" validate:"gte=1,lte=64"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
}

// WorkflowConfig tunes the workflow engine.
type WorkflowConfig struct {
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl" validate:"gt=0"`
	ToolTimeout   time.Duration `mapstructure:"tool_timeout" yaml:"tool_timeout" validate:"gt=0"`
	CanvasTimeout time.Duration `mapstructure:"canvas_timeout" yaml:"canvas_timeout" validate:"gt=0"`
	FailurePolicy string        `mapstructure:"failure_policy" yaml:"failure_policy" validate:"oneof=continue stop"`
}

// FetchRelayConfig tunes the fetch relay store.
type FetchRelayConfig struct {
	RetentionTTL  time.Duration `mapstructure:"retention_ttl" yaml:"retention_ttl" validate:"gt=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval" validate:"gt=0"`
	MaxBodyBytes  int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes" validate:"gt=0"`
	ChunkBytes    int           `mapstructure:"chunk_bytes" yaml:"chunk_bytes" validate:"gt=0"`
}

// GenerationConfig selects and configures the generation backend.
type GenerationConfig struct {
	Backend    string       `mapstructure:"backend" yaml:"backend" validate:"oneof=mock gemini http"`
	MaxRetries int          `mapstructure:"max_retries" yaml:"max_retries" validate:"gte=0,lte=20"`
	Gemini     GeminiConfig `mapstructure:"gemini" yaml:"gemini"`
	HTTP       HTTPBackend  `mapstructure:"http" yaml:"http"`
}

// GeminiConfig configures the Gemini image backend.
type GeminiConfig struct {
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
	Model   string `mapstructure:"model" yaml:"model"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url" validate:"omitempty,url"`
}

// HTTPBackend configures the async job backend.
type HTTPBackend struct {
	BaseURL      string        `mapstructure:"base_url" yaml:"base_url" validate:"omitempty,url"`
	APIKey       string        `mapstructure:"api_key" yaml:"api_key"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" validate:"gt=0"`
}

// LLMConfig configures the planner and chat model.
type LLMConfig struct {
	Host          string `mapstructure:"host" yaml:"host" validate:"required"`
	ChatModel     string `mapstructure:"chat_model" yaml:"chat_model"`
	PlannerModel  string `mapstructure:"planner_model" yaml:"planner_model"`
	ChatCacheSize int    `mapstructure:"chat_cache_size" yaml:"chat_cache_size" validate:"gte=1"`
}

// DiagnosticsConfig tunes liveness tracking.
type DiagnosticsConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval" validate:"gt=0"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:        ":8787",
			SendBuffer:  256,
			MaxHistory:  1000,
			CallTimeout: 120 * time.Second,
		},
		Storage: StorageConfig{DataDir: "./data"},
		Tasks: TaskConfig{
			TTL:         24 * time.Hour,
			MaxSize:     10000,
			Concurrency: 4,
			Timeout:     120 * time.Second,
		},
		Workflow: WorkflowConfig{
			TTL:           24 * time.Hour,
			ToolTimeout:   5 * time.Minute,
			CanvasTimeout: time.Minute,
			FailurePolicy: FailurePolicyContinue,
		},
		FetchRelay: FetchRelayConfig{
			RetentionTTL:  24 * time.Hour,
			SweepInterval: 5 * time.Minute,
			MaxBodyBytes:  64 << 20,
			ChunkBytes:    32 << 10,
		},
		Generation: GenerationConfig{
			Backend:    BackendMock,
			MaxRetries: 10,
			Gemini:     GeminiConfig{Model: "gemini-2.5-flash-image"},
			HTTP:       HTTPBackend{PollInterval: 3 * time.Second},
		},
		LLM: LLMConfig{
			Host:          "http://localhost:11434",
			ChatModel:     "llama3.2",
			PlannerModel:  "llama3.2",
			ChatCacheSize: 256,
		},
		Diagnostics:   DiagnosticsConfig{HeartbeatInterval: 10 * time.Second},
		Observability: observability.DefaultConfig(),
	}
}
