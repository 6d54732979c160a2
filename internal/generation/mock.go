package generation

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image/color"
	"time"

	"taskrelay/internal/task"

	"github.com/disintegration/imaging"
)

// Mock renders a solid placeholder image per task. It walks through the same
// phases as a remote backend so clients can be exercised offline.
type Mock struct {
	store *ArtifactStore
	delay time.Duration
}

// NewMock creates a mock generator. delay is spent per phase.
func NewMock(store *ArtifactStore, delay time.Duration) *Mock {
	return &Mock{store: store, delay: delay}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Generate(ctx context.Context, req task.Request, report task.Reporter) (task.Result, error) {
	prompt := stringParam(req.Params, "prompt")
	report.RemoteID(fmt.Sprintf("mock-%s-%d", req.TaskID, req.Attempt))
	phases := []struct {
		pct   int
		phase task.Phase
	}{{10, task.PhaseSubmitting}, {50, task.PhasePolling}, {90, task.PhaseDownloading}}
	for _, p := range phases {
		report.Progress(p.pct, p.phase)
		if err := sleepCtx(ctx, m.delay); err != nil {
			return task.Result{}, err
		}
	}

	if req.Type == task.TypeVideo {
		// Not a playable video; enough for clients to exercise the flow.
		result, err := m.store.Save(req.TaskID, "mp4", []byte("mock video: "+prompt))
		if err != nil {
			return task.Result{}, err
		}
		result.Duration = floatParam(req.Params, "seconds", 5)
		return result, nil
	}

	w, h := aspectSize(stringParam(req.Params, "size"), 512)
	img := imaging.New(w, h, promptColor(prompt))
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return task.Result{}, fmt.Errorf("encode mock image: %w", err)
	}
	return m.store.Save(req.TaskID, "png", buf.Bytes())
}

// Resume finishes a remote job id issued by an earlier process.
func (m *Mock) Resume(ctx context.Context, req task.Request, _ string, report task.Reporter) (task.Result, error) {
	return m.Generate(ctx, req, report)
}

func promptColor(prompt string) color.NRGBA {
	h := fnv.New32a()
	_, _ = h.Write([]byte(prompt))
	sum := h.Sum32()
	return color.NRGBA{R: uint8(sum), G: uint8(sum >> 8), B: uint8(sum >> 16), A: 255}
}

// aspectSize turns "16x9" style ratios into pixel sizes with the long edge
// equal to base.
func aspectSize(ratio string, base int) (int, int) {
	var w, h int
	if _, err := fmt.Sscanf(ratio, "%dx%d", &w, &h); err != nil || w <= 0 || h <= 0 {
		return base, base
	}
	if w >= h {
		return base, base * h / w
	}
	return base * w / h, base
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func floatParam(params map[string]any, key string, fallback float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
			return f
		}
	}
	return fallback
}
