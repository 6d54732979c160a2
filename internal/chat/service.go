// Package chat streams local-model chat completions to clients as broadcast
// events and keeps recent transcripts in a small cache.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"taskrelay/internal/llm"
	"taskrelay/internal/protocol"
	"taskrelay/internal/shared/async"
	"taskrelay/internal/shared/config"
	errs "taskrelay/internal/shared/errors"
	"taskrelay/internal/shared/logging"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCacheSize = 256

// Streamer runs a streaming chat completion.
type Streamer interface {
	Stream(ctx context.Context, req llm.CompletionRequest, onDelta func(delta string)) (string, error)
}

// EventSink receives broadcast events.
type EventSink interface {
	Broadcast(event string, data any)
}

// SettingsSource exposes the live runtime settings.
type SettingsSource interface {
	Snapshot() config.RuntimeSettings
}

// Recorder counts active chats.
type Recorder interface {
	ChatStarted(ctx context.Context)
	ChatFinished(ctx context.Context)
}

// StartParams is the chat:start payload.
type StartParams struct {
	ChatID   string        `json:"chatId" validate:"required"`
	Model    string        `json:"model,omitempty"`
	System   string        `json:"system,omitempty"`
	Messages []llm.Message `json:"messages" validate:"min=1,dive"`
}

// StopParams is the chat:stop and chat:getCached payload.
type StopParams struct {
	ChatID string `json:"chatId" validate:"required"`
}

// StartAck acknowledges chat:start.
type StartAck struct {
	ChatID  string `json:"chatId"`
	Started bool   `json:"started"`
	Model   string `json:"model"`
}

// ChunkEvent is the chat:chunk payload.
type ChunkEvent struct {
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
}

// DoneEvent is the chat:done payload. Stopped marks a transcript cut short
// by chat:stop.
type DoneEvent struct {
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
	Stopped bool   `json:"stopped,omitempty"`
}

// ErrorEvent is the chat:error payload.
type ErrorEvent struct {
	ChatID  string `json:"chatId"`
	Error   string `json:"error"`
	Content string `json:"content,omitempty"`
}

// Entry is a cached transcript, final or partial.
type Entry struct {
	ChatID    string `json:"chatId"`
	Model     string `json:"model"`
	Content   string `json:"content"`
	Done      bool   `json:"done"`
	Error     string `json:"error,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Service runs chats.
type Service struct {
	llm      Streamer
	sink     EventSink
	settings SettingsSource
	recorder Recorder
	logger   logging.Logger
	cache    *lru.Cache[string, Entry]

	mu      sync.Mutex
	running map[string]context.CancelFunc

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithEventSink sets the broadcast target.
func WithEventSink(sink EventSink) Option { return func(s *Service) { s.sink = sink } }

// WithSettings supplies the default chat model.
func WithSettings(settings SettingsSource) Option { return func(s *Service) { s.settings = settings } }

// WithRecorder counts active chats.
func WithRecorder(rec Recorder) Option { return func(s *Service) { s.recorder = rec } }

// WithLogger overrides the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Service) { s.logger = logging.OrNop(logger) }
}

// WithCacheSize overrides the transcript cache size.
func WithCacheSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			if cache, err := lru.New[string, Entry](n); err == nil {
				s.cache = cache
			}
		}
	}
}

// NewService creates a chat service over streamer.
func NewService(streamer Streamer, opts ...Option) *Service {
	cache, _ := lru.New[string, Entry](defaultCacheSize)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		llm:     streamer,
		logger:  logging.NewComponentLogger("Chat"),
		cache:   cache,
		running: make(map[string]context.CancelFunc),
		baseCtx: ctx,
		stop:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start acknowledges immediately and streams the reply in the background.
func (s *Service) Start(params StartParams) (StartAck, error) {
	model := strings.TrimSpace(params.Model)
	if model == "" && s.settings != nil {
		model = s.settings.Snapshot().ChatModel
	}
	if model == "" {
		return StartAck{}, errs.ValidationError("no chat model configured")
	}

	s.mu.Lock()
	if _, busy := s.running[params.ChatID]; busy {
		s.mu.Unlock()
		return StartAck{}, errs.ConflictError("chat " + params.ChatID + " is already streaming")
	}
	if s.baseCtx.Err() != nil {
		s.mu.Unlock()
		return StartAck{}, errors.New("chat service is closed")
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.running[params.ChatID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	s.cache.Add(params.ChatID, Entry{ChatID: params.ChatID, Model: model, UpdatedAt: time.Now().UnixMilli()})
	async.Go(s.logger, "chat.stream", func() {
		defer s.wg.Done()
		s.stream(ctx, model, params)
	})
	return StartAck{ChatID: params.ChatID, Started: true, Model: model}, nil
}

// Stop cancels a streaming chat. It reports false when nothing is running.
func (s *Service) Stop(chatID string) bool {
	s.mu.Lock()
	cancel, ok := s.running[chatID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// GetCached returns the cached transcript of chatID.
func (s *Service) GetCached(chatID string) (Entry, bool) {
	return s.cache.Get(chatID)
}

// Active returns the number of streaming chats.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Close stops every chat and waits for the streams to end.
func (s *Service) Close() {
	s.mu.Lock()
	s.stop()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) stream(ctx context.Context, model string, params StartParams) {
	defer func() {
		s.mu.Lock()
		delete(s.running, params.ChatID)
		s.mu.Unlock()
	}()
	if s.recorder != nil {
		s.recorder.ChatStarted(ctx)
		defer s.recorder.ChatFinished(context.Background())
	}

	var partial strings.Builder
	content, err := s.llm.Stream(ctx, llm.CompletionRequest{
		Model:    model,
		System:   params.System,
		Messages: params.Messages,
	}, func(delta string) {
		if delta == "" {
			return
		}
		partial.WriteString(delta)
		s.cache.Add(params.ChatID, Entry{ChatID: params.ChatID, Model: model, Content: partial.String(), UpdatedAt: time.Now().UnixMilli()})
		s.broadcast(protocol.EventChatChunk, ChunkEvent{ChatID: params.ChatID, Content: delta})
	})

	entry := Entry{ChatID: params.ChatID, Model: model, Done: true, UpdatedAt: time.Now().UnixMilli()}
	switch {
	case err != nil && ctx.Err() != nil:
		entry.Content = partial.String()
		s.cache.Add(params.ChatID, entry)
		s.broadcast(protocol.EventChatDone, DoneEvent{ChatID: params.ChatID, Content: entry.Content, Stopped: true})
		s.logger.Info("Chat %s stopped after %d bytes", params.ChatID, len(entry.Content))
	case err != nil:
		entry.Content = partial.String()
		entry.Error = err.Error()
		s.cache.Add(params.ChatID, entry)
		s.broadcast(protocol.EventChatError, ErrorEvent{ChatID: params.ChatID, Error: err.Error(), Content: entry.Content})
		s.logger.Warn("Chat %s failed: %v", params.ChatID, err)
	default:
		entry.Content = content
		s.cache.Add(params.ChatID, entry)
		s.broadcast(protocol.EventChatDone, DoneEvent{ChatID: params.ChatID, Content: content})
	}
}

func (s *Service) broadcast(event string, data any) {
	if s.sink != nil {
		s.sink.Broadcast(event, data)
	}
}
