// Package generation implements the task generators: a Gemini image
// backend, an HTTP async-job backend and a local mock.
package generation

import (
	"bytes"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"taskrelay/internal/task"

	"github.com/disintegration/imaging"
	"github.com/spf13/afero"
)

// ArtifactStore writes generated media under a directory served at baseURL.
type ArtifactStore struct {
	fs      afero.Fs
	dir     string
	baseURL string
}

// NewArtifactStore creates the store. baseURL defaults to /artifacts.
func NewArtifactStore(fs afero.Fs, dir, baseURL string) *ArtifactStore {
	if baseURL == "" {
		baseURL = "/artifacts"
	}
	return &ArtifactStore{fs: fs, dir: dir, baseURL: strings.TrimRight(baseURL, "/")}
}

// Dir returns the backing directory.
func (s *ArtifactStore) Dir() string { return s.dir }

// Fs returns the backing filesystem.
func (s *ArtifactStore) Fs() afero.Fs { return s.fs }

// Save stores data as <name>.<format> and describes it as a task result.
// Image dimensions are filled when the bytes decode as an image.
func (s *ArtifactStore) Save(name, format string, data []byte) (task.Result, error) {
	format = strings.TrimPrefix(strings.ToLower(format), ".")
	if format == "" {
		format = "png"
	}
	file := sanitizeName(name) + "." + format
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return task.Result{}, fmt.Errorf("create artifact dir: %w", err)
	}
	if err := afero.WriteFile(s.fs, filepath.Join(s.dir, file), data, 0o644); err != nil {
		return task.Result{}, fmt.Errorf("write artifact %s: %w", file, err)
	}
	result := task.Result{
		URL:    s.URL(file),
		Format: format,
		Size:   int64(len(data)),
	}
	if isImageFormat(format) {
		if img, err := imaging.Decode(bytes.NewReader(data)); err == nil {
			result.Width = img.Bounds().Dx()
			result.Height = img.Bounds().Dy()
		}
	}
	return result, nil
}

// URL maps a stored file name to its public URL.
func (s *ArtifactStore) URL(file string) string {
	return s.baseURL + "/" + path.Base(file)
}

// Resolve maps an artifact URL back to its path on the store filesystem.
func (s *ArtifactStore) Resolve(url string) (string, bool) {
	prefix := s.baseURL + "/"
	if !strings.HasPrefix(url, prefix) {
		return "", false
	}
	name := path.Base(strings.TrimPrefix(url, prefix))
	if name == "." || name == "/" || name == "" {
		return "", false
	}
	return filepath.Join(s.dir, name), true
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "artifact"
	}
	return b.String()
}

func isImageFormat(format string) bool {
	switch format {
	case "png", "jpg", "jpeg", "gif", "bmp", "tiff":
		return true
	}
	return false
}

// formatFromMIME maps a content type to a file extension.
func formatFromMIME(mime string) string {
	mime = strings.ToLower(mime)
	switch {
	case strings.Contains(mime, "png"):
		return "png"
	case strings.Contains(mime, "jpeg"), strings.Contains(mime, "jpg"):
		return "jpg"
	case strings.Contains(mime, "gif"):
		return "gif"
	case strings.Contains(mime, "webp"):
		return "webp"
	case strings.Contains(mime, "mp4"):
		return "mp4"
	case strings.Contains(mime, "webm"):
		return "webm"
	default:
		return "png"
	}
}
