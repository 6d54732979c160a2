package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	errs "taskrelay/internal/shared/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatBody struct {
	Model    string           `json:"model"`
	Messages []map[string]any `json:"messages"`
	Stream   *bool            `json:"stream"`
	Format   json.RawMessage  `json:"format"`
}

func newOllamaServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, srv.Client(), WithRetryConfig(errs.RetryConfig{
		MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond,
	}))
	require.NoError(t, err)
	return c
}

func TestStreamDeliversDeltasInOrder(t *testing.T) {
	var got chatBody
	c := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/x-ndjson")
		for i, part := range []string{"Hel", "lo", "!"} {
			fmt.Fprintf(w, `{"model":"m","message":{"role":"assistant","content":%q},"done":%t}`+"\n", part, i == 2)
		}
	})

	var deltas []string
	out, err := c.Stream(context.Background(), CompletionRequest{
		Model:    "m",
		System:   "be brief",
		Messages: []Message{{Content: "hi"}},
	}, func(d string) { deltas = append(deltas, d) })
	require.NoError(t, err)
	assert.Equal(t, "Hello!", out)
	assert.Equal(t, []string{"Hel", "lo", "!"}, deltas)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0]["role"])
	assert.Equal(t, "user", got.Messages[1]["role"])
	require.NotNil(t, got.Stream)
	assert.True(t, *got.Stream)
}

func TestCompleteRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	var got chatBody
	c := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"loading model"}`))
			return
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"model":"m","message":{"role":"assistant","content":"{\"next\":[]}"},"done":true}`))
	})

	out, err := c.Complete(context.Background(), CompletionRequest{Model: "m", JSON: true, Messages: []Message{{Role: "user", Content: "plan"}}})
	require.NoError(t, err)
	assert.Equal(t, `{"next":[]}`, out)
	assert.EqualValues(t, 2, calls.Load())
	assert.JSONEq(t, `"json"`, string(got.Format))
}

func TestCompleteDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model 'x' not found"}`))
	})

	_, err := c.Complete(context.Background(), CompletionRequest{Model: "x"})
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestCompleteRequiresModel(t *testing.T) {
	c, err := NewClient("localhost:11434", nil)
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), CompletionRequest{})
	assert.ErrorIs(t, err, errs.ErrValidation)
}
