package config

import (
	"fmt"
	"sync"
	"time"
)

// RuntimeSettings is the subset of configuration clients may change while
// the server runs.
type RuntimeSettings struct {
	GeminiAPIKey  string
	GeminiModel   string
	HTTPAPIKey    string
	ChatModel     string
	PlannerModel  string
	ToolTimeout   time.Duration
	FailurePolicy string
}

// RuntimePatch is the updateConfig payload. Nil fields are left unchanged.
type RuntimePatch struct {
	GeminiAPIKey  *string `json:"geminiApiKey,omitempty"`
	GeminiModel   *string `json:"geminiModel,omitempty"`
	HTTPAPIKey    *string `json:"httpApiKey,omitempty"`
	ChatModel     *string `json:"chatModel,omitempty"`
	PlannerModel  *string `json:"plannerModel,omitempty"`
	ToolTimeoutMs *int64  `json:"toolTimeoutMs,omitempty" validate:"omitempty,gt=0"`
	FailurePolicy *string `json:"failurePolicy,omitempty" validate:"omitempty,oneof=continue stop"`
}

// RuntimeSummary is the redacted view returned to clients.
type RuntimeSummary struct {
	GeminiConfigured bool   `json:"geminiConfigured"`
	GeminiModel      string `json:"geminiModel"`
	HTTPConfigured   bool   `json:"httpConfigured"`
	ChatModel        string `json:"chatModel"`
	PlannerModel     string `json:"plannerModel"`
	ToolTimeoutMs    int64  `json:"toolTimeoutMs"`
	FailurePolicy    string `json:"failurePolicy"`
}

// Runtime holds the live settings and notifies subscribers on change.
type Runtime struct {
	mu          sync.RWMutex
	settings    RuntimeSettings
	subscribers []func(RuntimeSettings)
}

// NewRuntime seeds the holder from cfg.
func NewRuntime(cfg Config) *Runtime {
	return &Runtime{settings: SettingsFrom(cfg)}
}

// SettingsFrom extracts runtime settings from a full config.
func SettingsFrom(cfg Config) RuntimeSettings {
	return RuntimeSettings{
		GeminiAPIKey:  cfg.Generation.Gemini.APIKey,
		GeminiModel:   cfg.Generation.Gemini.Model,
		HTTPAPIKey:    cfg.Generation.HTTP.APIKey,
		ChatModel:     cfg.LLM.ChatModel,
		PlannerModel:  cfg.LLM.PlannerModel,
		ToolTimeout:   cfg.Workflow.ToolTimeout,
		FailurePolicy: cfg.Workflow.FailurePolicy,
	}
}

// Snapshot returns the current settings.
func (r *Runtime) Snapshot() RuntimeSettings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

// Subscribe registers fn to run after every change.
func (r *Runtime) Subscribe(fn func(RuntimeSettings)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

// Apply merges patch into the live settings.
func (r *Runtime) Apply(patch RuntimePatch) (RuntimeSettings, error) {
	if err := validate.Struct(patch); err != nil {
		return RuntimeSettings{}, fmt.Errorf("invalid runtime patch: %w", err)
	}
	r.mu.Lock()
	next := r.settings
	if patch.GeminiAPIKey != nil {
		next.GeminiAPIKey = *patch.GeminiAPIKey
	}
	if patch.GeminiModel != nil {
		next.GeminiModel = *patch.GeminiModel
	}
	if patch.HTTPAPIKey != nil {
		next.HTTPAPIKey = *patch.HTTPAPIKey
	}
	if patch.ChatModel != nil {
		next.ChatModel = *patch.ChatModel
	}
	if patch.PlannerModel != nil {
		next.PlannerModel = *patch.PlannerModel
	}
	if patch.ToolTimeoutMs != nil {
		next.ToolTimeout = time.Duration(*patch.ToolTimeoutMs) * time.Millisecond
	}
	if patch.FailurePolicy != nil {
		next.FailurePolicy = *patch.FailurePolicy
	}
	r.settings = next
	subs := append([]func(RuntimeSettings){}, r.subscribers...)
	r.mu.Unlock()

	for _, fn := range subs {
		fn(next)
	}
	return next, nil
}

// Replace swaps in settings from a reloaded file.
func (r *Runtime) Replace(settings RuntimeSettings) {
	r.mu.Lock()
	r.settings = settings
	subs := append([]func(RuntimeSettings){}, r.subscribers...)
	r.mu.Unlock()
	for _, fn := range subs {
		fn(settings)
	}
}

// Summary returns the redacted settings.
func (r *Runtime) Summary() RuntimeSummary {
	s := r.Snapshot()
	return RuntimeSummary{
		GeminiConfigured: s.GeminiAPIKey != "",
		GeminiModel:      s.GeminiModel,
		HTTPConfigured:   s.HTTPAPIKey != "",
		ChatModel:        s.ChatModel,
		PlannerModel:     s.PlannerModel,
		ToolTimeoutMs:    s.ToolTimeout.Milliseconds(),
		FailurePolicy:    s.FailurePolicy,
	}
}
