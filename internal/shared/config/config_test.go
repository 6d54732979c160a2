package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", WithoutDotEnv())
	require.NoError(t, err)
	assert.Equal(t, ":8787", cfg.Server.Addr)
	assert.Equal(t, 24*time.Hour, cfg.Tasks.TTL)
	assert.Equal(t, 10000, cfg.Tasks.MaxSize)
	assert.Equal(t, 5*time.Minute, cfg.FetchRelay.SweepInterval)
	assert.Equal(t, FailurePolicyContinue, cfg.Workflow.FailurePolicy)
	assert.Equal(t, 256, cfg.LLM.ChatCacheSize)
}

func TestLoadFileThenEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "relay.yaml", `
server:
  addr: ":9000"
tasks:
  ttl: 2h
  concurrency: 8
workflow:
  failure_policy: stop
`)
	t.Setenv("TASKRELAY_TASKS_CONCURRENCY", "2")

	cfg, err := Load(path, WithoutDotEnv())
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 2*time.Hour, cfg.Tasks.TTL)
	assert.Equal(t, 2, cfg.Tasks.Concurrency)
	assert.Equal(t, FailurePolicyStop, cfg.Workflow.FailurePolicy)
	assert.Equal(t, 10000, cfg.Tasks.MaxSize, "unset keys keep defaults")
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, ".env", "TASKRELAY_LLM_CHAT_MODEL=qwen3\n")
	t.Cleanup(func() { os.Unsetenv("TASKRELAY_LLM_CHAT_MODEL") })

	cfg, err := Load("", WithEnvFiles(envFile))
	require.NoError(t, err)
	assert.Equal(t, "qwen3", cfg.LLM.ChatModel)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"policy":  "workflow:\n  failure_policy: explode\n",
		"backend": "generation:\n  backend: dalle\n",
		"http":    "generation:\n  backend: http\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, dir, name+".yaml", body)
			_, err := Load(path, WithoutDotEnv())
			require.Error(t, err)
		})
	}
}

func TestRuntimeApplyPatch(t *testing.T) {
	rt := NewRuntime(Default())
	var notified atomic.Int32
	rt.Subscribe(func(RuntimeSettings) { notified.Add(1) })

	key := "AIzaSyExampleKey"
	timeout := int64(1500)
	policy := FailurePolicyStop
	settings, err := rt.Apply(RuntimePatch{GeminiAPIKey: &key, ToolTimeoutMs: &timeout, FailurePolicy: &policy})
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, settings.ToolTimeout)
	assert.Equal(t, FailurePolicyStop, rt.Snapshot().FailurePolicy)
	assert.Equal(t, int32(1), notified.Load())

	summary := rt.Summary()
	assert.True(t, summary.GeminiConfigured)
	assert.Equal(t, int64(1500), summary.ToolTimeoutMs)

	bad := "sometimes"
	_, err = rt.Apply(RuntimePatch{FailurePolicy: &bad})
	require.Error(t, err)
	assert.Equal(t, FailurePolicyStop, rt.Snapshot().FailurePolicy)
}

func TestWatcherReloadsRuntimeSettings(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "relay.yaml", "llm:\n  chat_model: first\n")
	cfg, err := Load(path, WithoutDotEnv())
	require.NoError(t, err)
	rt := NewRuntime(cfg)

	reloaded := make(chan Config, 1)
	w, err := NewWatcher(path, rt,
		WithWatchDebounce(20*time.Millisecond),
		WithReloadHook(func(c Config) { reloaded <- c }),
	)
	require.NoError(t, err)
	require.NoError(t, w.Start(t.Context()))
	t.Cleanup(w.Stop)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  chat_model: second\n"), 0o644))

	select {
	case c := <-reloaded:
		assert.Equal(t, "second", c.LLM.ChatModel)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not reload")
	}
	assert.Equal(t, "second", rt.Snapshot().ChatModel)
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "relay.yaml", "{}\n")
	w, err := NewWatcher(path, NewRuntime(Default()))
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()
}
