// Package thumbnail renders JPEG previews for generated media. Images are
// scaled on the worker; video frames are captured by a connected client and
// handed back over the channel.
package thumbnail

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"path"
	"path/filepath"
	"strings"
	"time"

	"taskrelay/internal/protocol"
	"taskrelay/internal/shared/async"
	errs "taskrelay/internal/shared/errors"
	"taskrelay/internal/shared/logging"
	"taskrelay/internal/task"
	id "taskrelay/internal/utils/id"

	"github.com/disintegration/imaging"
	"github.com/spf13/afero"
)

const (
	defaultMaxSize      = 256
	defaultVideoTimeout = 30 * time.Second
	jpegQuality         = 82
	thumbSuffix         = ".thumb.jpg"
)

// Artifacts locates media files behind their public URLs.
type Artifacts interface {
	Fs() afero.Fs
	Resolve(url string) (string, bool)
	URL(file string) string
}

// EventSink receives broadcast events.
type EventSink interface {
	Broadcast(event string, data any)
}

// GenerateParams is the thumbnail:generate payload. One of URL or Path is
// required; Path is relative to the artifact directory.
type GenerateParams struct {
	URL     string `json:"url,omitempty"`
	Path    string `json:"path,omitempty"`
	MaxSize int    `json:"maxSize,omitempty" validate:"omitempty,min=16,max=4096"`
}

// GenerateResult describes a rendered thumbnail.
type GenerateResult struct {
	Success      bool   `json:"success"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	Error        string `json:"error,omitempty"`
}

// VideoRequest is the thumbnail:videoRequest payload.
type VideoRequest struct {
	RequestID string `json:"requestId"`
	URL       string `json:"url"`
}

// VideoResponse is the thumbnail:videoResponse payload.
type VideoResponse struct {
	RequestID string `json:"requestId" validate:"required"`
	DataURL   string `json:"dataUrl,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Service renders thumbnails.
type Service struct {
	artifacts    Artifacts
	sink         EventSink
	frames       *async.Pending[VideoResponse]
	videoTimeout time.Duration
	logger       logging.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithEventSink sets where video frame requests are broadcast.
func WithEventSink(sink EventSink) Option { return func(s *Service) { s.sink = sink } }

// WithVideoTimeout bounds the wait for a client-rendered frame.
func WithVideoTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.videoTimeout = d
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Service) { s.logger = logging.OrNop(logger) }
}

// NewService creates a thumbnail service over the artifact store.
func NewService(artifacts Artifacts, opts ...Option) *Service {
	s := &Service{
		artifacts:    artifacts,
		frames:       async.NewPending[VideoResponse](),
		videoTimeout: defaultVideoTimeout,
		logger:       logging.NewComponentLogger("Thumbnail"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generate renders a thumbnail for the referenced artifact.
func (s *Service) Generate(ctx context.Context, params GenerateParams) (GenerateResult, error) {
	source, err := s.locate(params)
	if err != nil {
		return GenerateResult{}, err
	}
	maxSize := params.MaxSize
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}

	var img image.Image
	if isVideo(source) {
		img, err = s.videoFrame(ctx, s.artifacts.URL(filepath.Base(source)))
	} else {
		img, err = s.decodeFile(source)
	}
	if err != nil {
		return GenerateResult{}, err
	}

	thumb := imaging.Fit(img, maxSize, maxSize, imaging.Lanczos)
	name := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source)) + thumbSuffix
	target := filepath.Join(filepath.Dir(source), name)
	if err := s.write(target, thumb); err != nil {
		return GenerateResult{}, err
	}
	return GenerateResult{
		Success:      true,
		ThumbnailURL: s.artifacts.URL(name),
		Width:        thumb.Bounds().Dx(),
		Height:       thumb.Bounds().Dy(),
	}, nil
}

// RespondVideo delivers a client-rendered frame. It reports false when no
// request with that id is waiting.
func (s *Service) RespondVideo(resp VideoResponse) bool {
	return s.frames.Resolve(resp.RequestID, resp)
}

// PendingVideoRequests lists frame requests still awaiting a client.
func (s *Service) PendingVideoRequests() []string {
	return s.frames.IDs()
}

// Close fails outstanding frame requests.
func (s *Service) Close() {
	s.frames.RejectAll(errors.New("thumbnail service closed"))
}

// ResultHook attaches thumbnails to completed image results.
func (s *Service) ResultHook() task.ResultHook {
	return func(ctx context.Context, t task.Task, result *task.Result) {
		if result == nil || result.ThumbnailURL != "" || !isImageFormat(result.Format) {
			return
		}
		out, err := s.Generate(ctx, GenerateParams{URL: result.URL})
		if err != nil {
			s.logger.Warn("Thumbnail for task %s failed: %v", t.ID, err)
			return
		}
		result.ThumbnailURL = out.ThumbnailURL
	}
}

func (s *Service) locate(params GenerateParams) (string, error) {
	switch {
	case params.URL != "":
		p, ok := s.artifacts.Resolve(params.URL)
		if !ok {
			return "", errs.ValidationError("url is not an artifact: " + params.URL)
		}
		return p, nil
	case params.Path != "":
		clean := path.Clean("/" + filepath.ToSlash(params.Path))
		p, ok := s.artifacts.Resolve(s.artifacts.URL(path.Base(clean)))
		if !ok {
			return "", errs.ValidationError("invalid path: " + params.Path)
		}
		return p, nil
	default:
		return "", errs.ValidationError("url or path is required")
	}
}

func (s *Service) decodeFile(p string) (image.Image, error) {
	f, err := s.artifacts.Fs().Open(p)
	if err != nil {
		if errors.Is(err, afero.ErrFileNotFound) {
			return nil, errs.NotFoundError("artifact " + filepath.Base(p))
		}
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()
	img, err := imaging.Decode(f, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(p), err)
	}
	return img, nil
}

func (s *Service) videoFrame(ctx context.Context, url string) (image.Image, error) {
	if s.sink == nil {
		return nil, errors.New("no client available to render video frames")
	}
	requestID := id.NewRequestID()
	resp, err := s.frames.Call(ctx, requestID, s.videoTimeout, func() error {
		s.sink.Broadcast(protocol.EventThumbnailVideoRequest, VideoRequest{RequestID: requestID, URL: url})
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("video frame for %s: no client answered within %s", url, s.videoTimeout)
		}
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("video frame for %s: %s", url, resp.Error)
	}
	data, err := decodeDataURL(resp.DataURL)
	if err != nil {
		return nil, err
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode video frame: %w", err)
	}
	return img, nil
}

func (s *Service) write(target string, img image.Image) error {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return fmt.Errorf("encode thumbnail: %w", err)
	}
	if err := afero.WriteFile(s.artifacts.Fs(), target, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write thumbnail: %w", err)
	}
	return nil
}

func decodeDataURL(raw string) ([]byte, error) {
	header, payload, ok := strings.Cut(raw, ",")
	if !ok || !strings.HasPrefix(header, "data:") {
		return nil, errs.ValidationError("dataUrl is not a data URL")
	}
	if !strings.HasSuffix(header, ";base64") {
		return nil, errs.ValidationError("dataUrl must be base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, errs.ValidationError("dataUrl payload: " + err.Error())
	}
	return data, nil
}

func isVideo(p string) bool {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(p), ".")) {
	case "mp4", "webm", "mov", "m4v":
		return true
	}
	return false
}

func isImageFormat(format string) bool {
	switch strings.ToLower(format) {
	case "png", "jpg", "jpeg", "gif", "bmp", "tiff":
		return true
	}
	return false
}
