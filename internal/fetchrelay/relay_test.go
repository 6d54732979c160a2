package fetchrelay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"taskrelay/internal/protocol"
	errs "taskrelay/internal/shared/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	event string
	data  any
}

type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (s *recordingSink) Broadcast(event string, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{event: event, data: data})
}

func (s *recordingSink) forRequest(requestID string) []recordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []recordedEvent
	for _, e := range s.events {
		var id string
		switch ev := e.data.(type) {
		case ChunkEvent:
			id = ev.RequestID
		case DoneEvent:
			id = ev.RequestID
		case ErrorEvent:
			id = ev.RequestID
		}
		if id == requestID {
			out = append(out, e)
		}
	}
	return out
}

func (s *recordingSink) terminal(requestID string) (recordedEvent, bool) {
	for _, e := range s.forRequest(requestID) {
		if e.event == protocol.EventFetchRelayDone || e.event == protocol.EventFetchRelayError {
			return e, true
		}
	}
	return recordedEvent{}, false
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// upstream serves /text, a slowly streamed /stream, and /hang which blocks
// until the request is cancelled.
func upstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/text", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "%s %s", r.Method, body)
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 5; i++ {
			fmt.Fprintf(w, "part-%d;", i)
			flusher.Flush()
			time.Sleep(5 * time.Millisecond)
		}
	})
	mux.HandleFunc("/hang", func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestRelay(t *testing.T, opts ...RelayOption) (*Relay, *Store, *recordingSink) {
	t.Helper()
	store := openTestStore(t)
	sink := &recordingSink{}
	relay := NewRelay(store, append([]RelayOption{WithEventSink(sink), WithChunkSize(4)}, opts...)...)
	relay.Start()
	t.Cleanup(relay.Stop)
	return relay, store, sink
}

func TestRelayNonStreamingDone(t *testing.T) {
	up := upstream(t)
	relay, _, sink := newTestRelay(t)

	ack, err := relay.StartFetch(StartParams{RequestID: "r1", URL: up.URL + "/text", Init: RequestInit{Method: "post", Body: []byte("ping")}})
	require.NoError(t, err)
	assert.True(t, ack.Accepted)

	waitUntil(t, func() bool { _, ok := sink.terminal("r1"); return ok })
	events := sink.forRequest("r1")
	require.Len(t, events, 1, "no chunks for a non-streaming request")
	done := events[0].data.(DoneEvent)
	assert.Equal(t, 200, done.Status)
	assert.Equal(t, "POST ping", string(done.Body))
	assert.Equal(t, "text/plain", done.Headers["Content-Type"])

	rec, err := relay.Recover(context.Background(), RecoverParams{})
	require.NoError(t, err)
	require.Len(t, rec.Results, 1)
	assert.Equal(t, "r1", rec.Results[0].RequestID)

	rec, err = relay.Recover(context.Background(), RecoverParams{Ack: []string{"r1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Acked)
	assert.Empty(t, rec.Results)
}

func TestRelayStreamsChunksInOrder(t *testing.T) {
	up := upstream(t)
	relay, _, sink := newTestRelay(t)

	_, err := relay.StartFetch(StartParams{RequestID: "s1", URL: up.URL + "/stream", Stream: true})
	require.NoError(t, err)
	waitUntil(t, func() bool { _, ok := sink.terminal("s1"); return ok })

	events := sink.forRequest("s1")
	require.Greater(t, len(events), 2)
	var joined bytes.Buffer
	for i, e := range events[:len(events)-1] {
		require.Equal(t, protocol.EventFetchRelayChunk, e.event)
		chunk := e.data.(ChunkEvent)
		assert.Equal(t, i, chunk.Seq)
		joined.Write(chunk.Chunk)
	}
	last := events[len(events)-1]
	require.Equal(t, protocol.EventFetchRelayDone, last.event)
	want := "part-0;part-1;part-2;part-3;part-4;"
	assert.Equal(t, want, joined.String())
	assert.Equal(t, want, string(last.data.(DoneEvent).Body))
}

func TestRelayCancelEmitsSingleError(t *testing.T) {
	up := upstream(t)
	relay, store, sink := newTestRelay(t)

	_, err := relay.StartFetch(StartParams{RequestID: "h1", URL: up.URL + "/hang", Stream: true})
	require.NoError(t, err)
	waitUntil(t, func() bool { return relay.InflightCount() == 1 })

	assert.True(t, relay.Cancel("h1"))
	waitUntil(t, func() bool { _, ok := sink.terminal("h1"); return ok })

	ev, _ := sink.terminal("h1")
	assert.Equal(t, protocol.EventFetchRelayError, ev.event)
	assert.Equal(t, "cancelled", ev.data.(ErrorEvent).Error)
	waitUntil(t, func() bool { return relay.InflightCount() == 0 })
	assert.False(t, relay.Cancel("h1"), "cancel after finish is a no-op")

	done, err := store.Completed(context.Background())
	require.NoError(t, err)
	assert.Empty(t, done, "cancelled requests keep no result")
}

func TestRelayNetworkErrorIsRecoverable(t *testing.T) {
	relay, _, sink := newTestRelay(t)
	_, err := relay.StartFetch(StartParams{RequestID: "e1", URL: "http://127.0.0.1:1/unreachable"})
	require.NoError(t, err)
	waitUntil(t, func() bool { _, ok := sink.terminal("e1"); return ok })

	ev, _ := sink.terminal("e1")
	assert.Equal(t, protocol.EventFetchRelayError, ev.event)
	rec, err := relay.Recover(context.Background(), RecoverParams{})
	require.NoError(t, err)
	require.Len(t, rec.Results, 1)
	assert.NotEmpty(t, rec.Results[0].Error)
}

func TestRelayBodyLimitFailsRequest(t *testing.T) {
	up := upstream(t)
	relay, _, sink := newTestRelay(t, WithMaxBodyBytes(10))

	_, err := relay.StartFetch(StartParams{RequestID: "big", URL: up.URL + "/stream"})
	require.NoError(t, err)
	waitUntil(t, func() bool { _, ok := sink.terminal("big"); return ok })

	ev, _ := sink.terminal("big")
	assert.Equal(t, protocol.EventFetchRelayError, ev.event)
	assert.Contains(t, ev.data.(ErrorEvent).Error, "exceeds limit")
}

func TestRelayRejectsBadRequests(t *testing.T) {
	up := upstream(t)
	relay, _, _ := newTestRelay(t)

	_, err := relay.StartFetch(StartParams{URL: "ftp://example.com/file"})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = relay.StartFetch(StartParams{RequestID: "dup", URL: up.URL + "/hang"})
	require.NoError(t, err)
	_, err = relay.StartFetch(StartParams{RequestID: "dup", URL: up.URL + "/hang"})
	assert.ErrorIs(t, err, errs.ErrConflict)
	relay.Cancel("dup")
}

func TestRelaySettlesInterruptedRequests(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.BeginInflight(context.Background(), InflightRecord{RequestID: "old", URL: "http://x", Method: "GET", StartedAt: time.Now()}))

	relay := NewRelay(store)
	relay.Start()
	defer relay.Stop()

	rec, err := relay.Recover(context.Background(), RecoverParams{})
	require.NoError(t, err)
	require.Len(t, rec.Results, 1)
	assert.Equal(t, "old", rec.Results[0].RequestID)
	assert.Contains(t, rec.Results[0].Error, "interrupted")
	assert.Empty(t, rec.Inflight)
}

func TestRelaySweepUsesRetention(t *testing.T) {
	var mu sync.Mutex
	now := time.UnixMilli(1_700_000_000_000)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	relay, store, _ := newTestRelay(t, WithClock(clock), WithRetention(time.Hour))
	require.NoError(t, store.Complete(context.Background(), CompletedResult{RequestID: "x", URL: "http://x", CompletedAt: now.UnixMilli()}))

	assert.Zero(t, relay.Sweep())
	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()
	assert.Equal(t, 1, relay.Sweep())
}
