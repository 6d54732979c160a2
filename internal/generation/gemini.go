package generation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"taskrelay/internal/shared/config"
	errs "taskrelay/internal/shared/errors"
	"taskrelay/internal/shared/logging"
	"taskrelay/internal/task"

	"google.golang.org/genai"
)

const defaultAttemptTimeout = 120 * time.Second

// SettingsSource exposes the live runtime settings.
type SettingsSource interface {
	Snapshot() config.RuntimeSettings
}

// Gemini generates images with the Gemini API, streaming the response and
// taking the first image it finds.
type Gemini struct {
	store      *ArtifactStore
	settings   SettingsSource
	baseURL    string
	retry      errs.RetryConfig
	breaker    *errs.CircuitBreaker
	timeout    time.Duration
	httpClient *http.Client
	logger     logging.Logger

	mu        sync.Mutex
	client    *genai.Client
	clientKey string
}

// GeminiOption configures a Gemini generator.
type GeminiOption func(*Gemini)

// WithGeminiBaseURL points the client at a different API host.
func WithGeminiBaseURL(url string) GeminiOption {
	return func(g *Gemini) { g.baseURL = url }
}

// WithGeminiRetries sets the number of retries after the first attempt.
func WithGeminiRetries(n int) GeminiOption {
	return func(g *Gemini) {
		if n >= 0 {
			g.retry.MaxAttempts = n
		}
	}
}

// WithGeminiRetryConfig replaces the backoff policy.
func WithGeminiRetryConfig(cfg errs.RetryConfig) GeminiOption {
	return func(g *Gemini) { g.retry = cfg }
}

// WithAttemptTimeout bounds a single API call.
func WithAttemptTimeout(d time.Duration) GeminiOption {
	return func(g *Gemini) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithGeminiLogger overrides the component logger.
func WithGeminiLogger(logger logging.Logger) GeminiOption {
	return func(g *Gemini) { g.logger = logging.OrNop(logger) }
}

// NewGemini creates the generator. The API key and model are read from
// settings on every call so updateConfig takes effect immediately.
func NewGemini(store *ArtifactStore, settings SettingsSource, opts ...GeminiOption) *Gemini {
	g := &Gemini{
		store:      store,
		settings:   settings,
		retry:      errs.GenerationRetryConfig(),
		timeout:    defaultAttemptTimeout,
		httpClient: &http.Client{Timeout: defaultAttemptTimeout},
		logger:     logging.NewComponentLogger("Gemini"),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.breaker = errs.NewCircuitBreaker("gemini", errs.CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
		OnStateChange: func(from, to errs.CircuitState, name string) {
			g.logger.Warn("Circuit %s: %s -> %s", name, from, to)
		},
	})
	return g
}

func (g *Gemini) Name() string { return "gemini" }

type geminiImage struct {
	data []byte
	mime string
}

func (g *Gemini) Generate(ctx context.Context, req task.Request, report task.Reporter) (task.Result, error) {
	settings := g.settings.Snapshot()
	if settings.GeminiAPIKey == "" {
		return task.Result{}, errs.ValidationError("gemini api key is not configured")
	}
	prompt := buildPrompt(req)
	if prompt == "" {
		return task.Result{}, errs.ValidationError("prompt is required")
	}
	client, err := g.clientFor(ctx, settings.GeminiAPIKey)
	if err != nil {
		return task.Result{}, err
	}
	contents := []*genai.Content{genai.NewContentFromParts(buildParts(prompt, req.Params), genai.RoleUser)}

	report.Progress(10, task.PhaseSubmitting)
	attempt := 0
	img, err := errs.RetryWithResult(ctx, g.retry, func(ctx context.Context) (geminiImage, error) {
		attempt++
		if attempt > 1 {
			g.logger.Info("Retrying %s (attempt %d)", req, attempt)
		}
		return errs.ExecuteFunc(g.breaker, ctx, func(ctx context.Context) (geminiImage, error) {
			return g.generateOnce(ctx, client, settings.GeminiModel, contents, report)
		})
	}, g.logger)
	if err != nil {
		return task.Result{}, err
	}
	report.Progress(95, task.PhaseDownloading)
	return g.store.Save(req.TaskID, formatFromMIME(img.mime), img.data)
}

func (g *Gemini) clientFor(ctx context.Context, apiKey string) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil && g.clientKey == apiKey {
		return g.client, nil
	}
	cfg := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if g.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: g.baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	g.client, g.clientKey = client, apiKey
	return client, nil
}

// generateOnce runs one streamed call. Only quota and timeout failures are
// marked transient so the retry loop leaves other errors alone.
func (g *Gemini) generateOnce(ctx context.Context, client *genai.Client, model string, contents []*genai.Content, report task.Reporter) (geminiImage, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cfg := &genai.GenerateContentConfig{ResponseModalities: []string{"TEXT", "IMAGE"}}
	var text strings.Builder
	var img geminiImage
	first := true
	for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, cfg) {
		if err != nil {
			return geminiImage{}, classifyGeminiError(ctx, err)
		}
		if first {
			report.Progress(40, task.PhasePolling)
			first = false
		}
		if resp == nil {
			continue
		}
		for _, cand := range resp.Candidates {
			if cand == nil || cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				switch {
				case part == nil:
				case part.InlineData != nil && len(part.InlineData.Data) > 0 && img.data == nil:
					img = geminiImage{data: part.InlineData.Data, mime: part.InlineData.MIMEType}
				case part.Text != "":
					text.WriteString(part.Text)
				}
			}
		}
	}
	if img.data != nil {
		return img, nil
	}

	// Some models answer with markdown holding a data URL or a link.
	if data, mime, ok := extractDataURL(text.String()); ok {
		return geminiImage{data: data, mime: mime}, nil
	}
	if url, ok := extractImageURL(text.String()); ok {
		report.Progress(80, task.PhaseDownloading)
		data, mime, err := download(ctx, g.httpClient, url, "")
		if err != nil {
			return geminiImage{}, classifyGeminiError(ctx, err)
		}
		return geminiImage{data: data, mime: mime}, nil
	}
	return geminiImage{}, errs.NewPermanentError(&task.Error{
		Code:    task.CodeBackend,
		Message: "model returned no image",
		Details: map[string]any{"text": truncate(text.String(), 200)},
	}, "")
}

func classifyGeminiError(ctx context.Context, err error) error {
	switch {
	case errs.IsQuotaExceeded(err):
		return errs.NewTransientError(err, "gemini quota exceeded")
	case errors.Is(err, context.DeadlineExceeded), ctx.Err() == context.DeadlineExceeded:
		return errs.NewTransientError(err, "gemini call timed out")
	default:
		return errs.NewPermanentError(err, "gemini call failed")
	}
}

func buildPrompt(req task.Request) string {
	prompt := strings.TrimSpace(stringParam(req.Params, "prompt"))
	if prompt == "" {
		return ""
	}
	switch req.Type {
	case task.TypeCharacter:
		prompt = "Character design sheet, full body, neutral background: " + prompt
	case task.TypeInspirationBoard:
		prompt = "Mood board collage of reference images: " + prompt
	}
	if size := stringParam(req.Params, "size"); size != "" {
		prompt += fmt.Sprintf("\nAspect ratio %s.", strings.ReplaceAll(size, "x", ":"))
	}
	return prompt
}

func buildParts(prompt string, params map[string]any) []*genai.Part {
	parts := []*genai.Part{genai.NewPartFromText(prompt)}
	refs, _ := params["referenceImages"].([]any)
	for _, ref := range refs {
		s, ok := ref.(string)
		if !ok {
			continue
		}
		if data, mime, ok := extractDataURL(s); ok {
			parts = append(parts, genai.NewPartFromBytes(data, mime))
		}
	}
	return parts
}

var (
	dataURLPattern  = regexp.MustCompile(`data:(image/[a-zA-Z0-9.+-]+);base64,([A-Za-z0-9+/=]+)`)
	imageURLPattern = regexp.MustCompile(`https?://[^\s)"'<>]+\.(?:png|jpe?g|webp|gif)(?:\?[^\s)"'<>]*)?`)
)

func extractDataURL(text string) ([]byte, string, bool) {
	m := dataURLPattern.FindStringSubmatch(text)
	if m == nil {
		return nil, "", false
	}
	data, err := base64.StdEncoding.DecodeString(m[2])
	if err != nil || len(data) == 0 {
		return nil, "", false
	}
	return data, m[1], true
}

func extractImageURL(text string) (string, bool) {
	url := imageURLPattern.FindString(text)
	return url, url != ""
}

func download(ctx context.Context, client *http.Client, url, bearer string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, "", errs.FromHTTPStatus(resp.StatusCode, string(body))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", url, err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
