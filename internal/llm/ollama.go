// Package llm talks to the Ollama server used for workflow planning and chat.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	errs "taskrelay/internal/shared/errors"
	"taskrelay/internal/shared/logging"

	"github.com/ollama/ollama/api"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest describes a chat completion.
type CompletionRequest struct {
	Model    string
	System   string
	Messages []Message
	// JSON asks the model for a JSON object response.
	JSON bool
}

// ModelInfo describes a locally available model.
type ModelInfo struct {
	Name              string `json:"name"`
	Size              int64  `json:"size"`
	ParameterSize     string `json:"parameterSize,omitempty"`
	QuantizationLevel string `json:"quantizationLevel,omitempty"`
	Family            string `json:"family,omitempty"`
}

// Client wraps the Ollama API with retry and a circuit breaker on
// non-streaming calls.
type Client struct {
	api     *api.Client
	retry   errs.RetryConfig
	breaker *errs.CircuitBreaker
	logger  logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithRetryConfig replaces the completion retry policy.
func WithRetryConfig(cfg errs.RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithLogger overrides the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(c *Client) { c.logger = logging.OrNop(logger) }
}

// NewClient connects to the Ollama server at host. A missing scheme
// defaults to http.
func NewClient(host string, httpClient *http.Client, opts ...Option) (*Client, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		host = "http://localhost:11434"
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	base, err := url.Parse(strings.TrimSuffix(strings.TrimRight(host, "/"), "/api"))
	if err != nil {
		return nil, fmt.Errorf("parse ollama host %q: %w", host, err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	c := &Client{
		api:    api.NewClient(base, httpClient),
		retry:  errs.DefaultRetryConfig(),
		logger: logging.NewComponentLogger("ollama-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = errs.NewCircuitBreaker("ollama", errs.CircuitBreakerConfig{
		OnStateChange: func(from, to errs.CircuitState, name string) {
			c.logger.Warn("Circuit %s: %s -> %s", name, from, to)
		},
	})
	return c, nil
}

// Complete returns the full response text.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	start := time.Now()
	content, err := errs.RetryWithResult(ctx, c.retry, func(ctx context.Context) (string, error) {
		return errs.ExecuteFunc(c.breaker, ctx, func(ctx context.Context) (string, error) {
			out, err := c.chat(ctx, req, false, nil)
			if err != nil {
				return "", classifyError(err)
			}
			return out, nil
		})
	}, c.logger)
	if err != nil {
		c.logger.Warn("Completion on %s failed after %v: %v", req.Model, time.Since(start), err)
		return "", err
	}
	return content, nil
}

// Stream calls onDelta for every content fragment and returns the
// accumulated text. Partial output is returned alongside any error.
func (c *Client) Stream(ctx context.Context, req CompletionRequest, onDelta func(delta string)) (string, error) {
	return c.chat(ctx, req, true, onDelta)
}

func (c *Client) chat(ctx context.Context, req CompletionRequest, stream bool, onDelta func(string)) (string, error) {
	if req.Model == "" {
		return "", errs.ValidationError("model is required")
	}
	chatReq := &api.ChatRequest{
		Model:    req.Model,
		Messages: convertMessages(req.System, req.Messages),
		Stream:   &stream,
	}
	if req.JSON {
		chatReq.Format = []byte(`"json"`)
	}
	var builder strings.Builder
	err := c.api.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		if delta := resp.Message.Content; delta != "" {
			builder.WriteString(delta)
			if onDelta != nil {
				onDelta(delta)
			}
		}
		return nil
	})
	if err != nil {
		return builder.String(), fmt.Errorf("ollama chat: %w", err)
	}
	return builder.String(), nil
}

// ListModels returns the models installed on the server.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	resp, err := c.api.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ollama models: %w", err)
	}
	models := make([]ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		models = append(models, ModelInfo{
			Name:              m.Name,
			Size:              m.Size,
			ParameterSize:     m.Details.ParameterSize,
			QuantizationLevel: m.Details.QuantizationLevel,
			Family:            m.Details.Family,
		})
	}
	return models, nil
}

// Ping reports whether the server answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.api.Heartbeat(ctx)
}

func convertMessages(system string, messages []Message) []api.Message {
	out := make([]api.Message, 0, len(messages)+1)
	if system != "" {
		out = append(out, api.Message{Role: "system", Content: system})
	}
	for _, m := range messages {
		role := m.Role
		if role == "" {
			role = "user"
		}
		out = append(out, api.Message{Role: role, Content: m.Content})
	}
	return out
}

func classifyError(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return errs.FromHTTPStatus(statusErr.StatusCode, statusErr.ErrorMessage)
	}
	if errs.IsTransient(err) {
		return errs.NewTransientError(err, "ollama unavailable")
	}
	return err
}
