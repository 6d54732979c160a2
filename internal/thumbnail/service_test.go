package thumbnail

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"taskrelay/internal/generation"
	"taskrelay/internal/protocol"
	errs "taskrelay/internal/shared/errors"
	"taskrelay/internal/task"

	"github.com/disintegration/imaging"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 80, B: 40, A: 255})
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

func newStore(t *testing.T) *generation.ArtifactStore {
	t.Helper()
	return generation.NewArtifactStore(afero.NewMemMapFs(), "/data/artifacts", "")
}

func decodeArtifact(t *testing.T, store *generation.ArtifactStore, url string) image.Image {
	t.Helper()
	p, ok := store.Resolve(url)
	require.True(t, ok)
	data, err := afero.ReadFile(store.Fs(), p)
	require.NoError(t, err)
	img, err := imaging.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}

// frameClient answers every video frame request it sees.
type frameClient struct {
	mu       sync.Mutex
	svc      *Service
	requests []VideoRequest
	answer   func(VideoRequest) VideoResponse
}

func (c *frameClient) Broadcast(event string, data any) {
	if event != protocol.EventThumbnailVideoRequest {
		return
	}
	req := data.(VideoRequest)
	c.mu.Lock()
	c.requests = append(c.requests, req)
	answer := c.answer
	c.mu.Unlock()
	if answer != nil {
		go c.svc.RespondVideo(answer(req))
	}
}

func TestGenerateImageThumbnail(t *testing.T) {
	store := newStore(t)
	res, err := store.Save("task_1", "png", pngBytes(t, 800, 400))
	require.NoError(t, err)

	svc := NewService(store)
	out, err := svc.Generate(context.Background(), GenerateParams{URL: res.URL, MaxSize: 100})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "/artifacts/task_1.thumb.jpg", out.ThumbnailURL)
	assert.Equal(t, 100, out.Width)
	assert.Equal(t, 50, out.Height)

	thumb := decodeArtifact(t, store, out.ThumbnailURL)
	assert.Equal(t, 100, thumb.Bounds().Dx())
}

func TestGenerateByPathStaysInArtifactDir(t *testing.T) {
	store := newStore(t)
	_, err := store.Save("pic", "png", pngBytes(t, 64, 64))
	require.NoError(t, err)

	svc := NewService(store)
	out, err := svc.Generate(context.Background(), GenerateParams{Path: "../../etc/pic.png"})
	require.NoError(t, err)
	assert.Equal(t, "/artifacts/pic.thumb.jpg", out.ThumbnailURL)
	assert.Equal(t, 64, out.Width, "images smaller than maxSize keep their size")
}

func TestGenerateErrors(t *testing.T) {
	svc := NewService(newStore(t))

	_, err := svc.Generate(context.Background(), GenerateParams{})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = svc.Generate(context.Background(), GenerateParams{URL: "https://elsewhere/x.png"})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = svc.Generate(context.Background(), GenerateParams{URL: "/artifacts/missing.png"})
	assert.True(t, errs.IsNotFound(err), "got %v", err)
}

func TestVideoThumbnailRoundTrip(t *testing.T) {
	store := newStore(t)
	res, err := store.Save("clip", "mp4", []byte("not really a video"))
	require.NoError(t, err)

	frame := base64.StdEncoding.EncodeToString(pngBytes(t, 320, 180))
	client := &frameClient{answer: func(req VideoRequest) VideoResponse {
		return VideoResponse{RequestID: req.RequestID, DataURL: "data:image/png;base64," + frame}
	}}
	svc := NewService(store, WithEventSink(client))
	client.svc = svc

	out, err := svc.Generate(context.Background(), GenerateParams{URL: res.URL, MaxSize: 160})
	require.NoError(t, err)
	assert.Equal(t, "/artifacts/clip.thumb.jpg", out.ThumbnailURL)
	assert.Equal(t, 160, out.Width)
	assert.Equal(t, 90, out.Height)

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.requests, 1)
	assert.Equal(t, res.URL, client.requests[0].URL)
	assert.Empty(t, svc.PendingVideoRequests())
}

func TestVideoThumbnailClientError(t *testing.T) {
	store := newStore(t)
	res, err := store.Save("clip", "webm", []byte("x"))
	require.NoError(t, err)

	client := &frameClient{answer: func(req VideoRequest) VideoResponse {
		return VideoResponse{RequestID: req.RequestID, Error: "codec unsupported"}
	}}
	svc := NewService(store, WithEventSink(client))
	client.svc = svc

	_, err = svc.Generate(context.Background(), GenerateParams{URL: res.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "codec unsupported")
}

func TestVideoThumbnailTimesOut(t *testing.T) {
	store := newStore(t)
	res, err := store.Save("clip", "mp4", []byte("x"))
	require.NoError(t, err)

	client := &frameClient{}
	svc := NewService(store, WithEventSink(client), WithVideoTimeout(30*time.Millisecond))
	client.svc = svc

	_, err = svc.Generate(context.Background(), GenerateParams{URL: res.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no client answered")
	assert.Empty(t, svc.PendingVideoRequests())
	assert.False(t, svc.RespondVideo(VideoResponse{RequestID: client.requests[0].RequestID}), "late answers are dropped")
}

func TestVideoThumbnailWithoutClients(t *testing.T) {
	store := newStore(t)
	res, err := store.Save("clip", "mp4", []byte("x"))
	require.NoError(t, err)
	_, err = NewService(store).Generate(context.Background(), GenerateParams{URL: res.URL})
	assert.Error(t, err)
}

func TestResultHookAttachesThumbnail(t *testing.T) {
	store := newStore(t)
	res, err := store.Save("task_9", "png", pngBytes(t, 512, 512))
	require.NoError(t, err)

	hook := NewService(store).ResultHook()
	hook(context.Background(), task.Task{ID: "task_9"}, &res)
	assert.Equal(t, "/artifacts/task_9.thumb.jpg", res.ThumbnailURL)

	video := task.Result{URL: "/artifacts/v.mp4", Format: "mp4"}
	hook(context.Background(), task.Task{ID: "v"}, &video)
	assert.Empty(t, video.ThumbnailURL, "video results are left to the client")

	broken := task.Result{URL: "/artifacts/gone.png", Format: "png"}
	hook(context.Background(), task.Task{ID: "gone"}, &broken)
	assert.Empty(t, broken.ThumbnailURL)
}

func TestDecodeDataURL(t *testing.T) {
	_, err := decodeDataURL("not a data url")
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = decodeDataURL("data:image/png,raw")
	assert.ErrorIs(t, err, errs.ErrValidation)
	data, err := decodeDataURL("data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("hi")))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
	assert.False(t, errors.Is(err, errs.ErrValidation))
}
