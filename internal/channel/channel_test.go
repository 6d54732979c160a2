package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"taskrelay/internal/protocol"

	"github.com/gorilla/websocket"
)

type echoParams struct {
	Text string `json:"text" validate:"required"`
}

func startServer(t *testing.T, cfg ServerConfig) (*Server, string) {
	t.Helper()
	srv := NewServer(cfg)
	Bind(srv, "echo", func(_ context.Context, peer Peer, p echoParams) (any, error) {
		return map[string]string{"text": p.Text, "peer": peer.ID()}, nil
	})
	srv.Handle("boom", func(context.Context, Peer, json.RawMessage) (any, error) {
		panic("handler exploded")
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialClient(t *testing.T, url string, cfg ClientConfig) *Client {
	t.Helper()
	cfg.URL = url
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("Dial returned error: %v", err)
	}
	t.Cleanup(client.Destroy)
	return client
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCallRoundTrip(t *testing.T) {
	_, url := startServer(t, ServerConfig{})
	client := dialClient(t, url, ClientConfig{ClientID: "tab-1"})

	var out map[string]string
	if err := client.Call(context.Background(), "echo", echoParams{Text: "hi"}, &out); err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if out["text"] != "hi" || out["peer"] != "tab-1" {
		t.Fatalf("unexpected response %+v", out)
	}
}

func TestCallReturnCodes(t *testing.T) {
	_, url := startServer(t, ServerConfig{})
	client := dialClient(t, url, ClientConfig{})

	tests := []struct {
		method string
		params any
		ret    protocol.ReturnCode
	}{
		{method: "missing", ret: protocol.UnknownMethod},
		{method: "echo", params: map[string]string{}, ret: protocol.BadParams},
		{method: "echo", params: "not-an-object", ret: protocol.BadParams},
		{method: "boom", ret: protocol.Internal},
	}
	for _, tt := range tests {
		err := client.Call(context.Background(), tt.method, tt.params, nil)
		var callErr *protocol.CallError
		if !errors.As(err, &callErr) {
			t.Fatalf("%s: expected CallError, got %v", tt.method, err)
		}
		if callErr.Ret != tt.ret {
			t.Fatalf("%s: expected ret %s, got %s", tt.method, tt.ret, callErr.Ret)
		}
	}
}

func TestHandlerDeadlineReturnsTimeout(t *testing.T) {
	srv, url := startServer(t, ServerConfig{CallTimeout: 50 * time.Millisecond})
	srv.Handle("slow", func(ctx context.Context, _ Peer, _ json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	client := dialClient(t, url, ClientConfig{})

	err := client.Call(context.Background(), "slow", nil, nil)
	var callErr *protocol.CallError
	if !errors.As(err, &callErr) || callErr.Ret != protocol.Timeout {
		t.Fatalf("expected ret Timeout, got %v", err)
	}
}

func TestBroadcastReachesEveryClient(t *testing.T) {
	srv, url := startServer(t, ServerConfig{})
	a := dialClient(t, url, ClientConfig{ClientID: "a"})
	b := dialClient(t, url, ClientConfig{ClientID: "b"})
	waitFor(t, func() bool { return srv.ClientCount() == 2 })

	var mu sync.Mutex
	got := map[string][]string{}
	record := func(name string) BroadcastHandler {
		return func(event string, data json.RawMessage) {
			mu.Lock()
			defer mu.Unlock()
			got[name] = append(got[name], event+":"+string(data))
		}
	}
	a.OnBroadcast(protocol.EventTaskCreated, record("a"))
	unsubscribe := b.OnBroadcast("*", record("b"))

	srv.Broadcast(protocol.EventTaskCreated, map[string]string{"id": "t1"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got["a"]) == 1 && len(got["b"]) == 1
	})

	unsubscribe()
	srv.Broadcast(protocol.EventTaskDeleted, map[string]string{"id": "t1"})
	srv.Broadcast(protocol.EventTaskCreated, map[string]string{"id": "t2"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got["a"]) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if len(got["b"]) != 1 {
		t.Fatalf("unsubscribed handler still received events: %v", got["b"])
	}
	if got["a"][1] != `task:created:{"id":"t2"}` {
		t.Fatalf("unexpected payload %q", got["a"][1])
	}
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	_, url := startServer(t, ServerConfig{Token: "secret"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := Dial(ctx, ClientConfig{URL: url, Token: "wrong"}); err == nil {
		t.Fatal("expected handshake failure")
	}
	client := dialClient(t, url, ClientConfig{Token: "secret"})
	if !client.Connected() {
		t.Fatal("expected connection with valid token")
	}
}

func TestCallFailsWhenDisconnected(t *testing.T) {
	srv, url := startServer(t, ServerConfig{})
	client := dialClient(t, url, ClientConfig{})
	srv.Close()
	waitFor(t, func() bool { return !client.Connected() })

	err := client.Call(context.Background(), "echo", echoParams{Text: "x"}, nil)
	var callErr *protocol.CallError
	if !errors.As(err, &callErr) || callErr.Ret != protocol.NotConnected {
		t.Fatalf("expected NotConnected, got %v", err)
	}
}

func TestReconnectReplaysMissedBroadcasts(t *testing.T) {
	srv, url := startServer(t, ServerConfig{})
	client := dialClient(t, url, ClientConfig{ClientID: "tab", Reconnect: true, MinBackoff: 10 * time.Millisecond})
	waitFor(t, func() bool { return srv.ClientCount() == 1 })

	var mu sync.Mutex
	var seen []string
	client.OnBroadcast(protocol.EventTaskStatus, func(_ string, data json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, string(data))
	})
	reconnected := make(chan struct{}, 1)
	client.OnReconnect(func() { reconnected <- struct{}{} })

	srv.Broadcast(protocol.EventTaskStatus, 1)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	})

	// Kick the peer; broadcasts sent while it is away must be replayed.
	srv.mu.RLock()
	p := srv.peers["tab"]
	srv.mu.RUnlock()
	p.close()
	srv.Broadcast(protocol.EventTaskStatus, 2)
	srv.Broadcast(protocol.EventTaskStatus, 3)

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not reconnect")
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(seen, ",") != "1,2,3" {
		t.Fatalf("unexpected replay order %v", seen)
	}
}

func slowPeer(srv *Server, buffer int) *peer {
	p := &peer{id: "slow", out: make(chan []byte, buffer), logger: srv.logger}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	srv.peers["slow"] = p
	return p
}

func TestCriticalEventWaitsForRoom(t *testing.T) {
	srv := NewServer(ServerConfig{SendBuffer: 2})
	p := slowPeer(srv, 2)
	defer p.cancel()

	srv.Broadcast(protocol.EventFetchRelayChunk, 0)
	srv.Broadcast(protocol.EventFetchRelayChunk, 1)

	done := make(chan struct{})
	go func() {
		srv.Broadcast(protocol.EventFetchRelayChunk, 2)
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("critical broadcast returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case msg := <-p.out:
			got = append(got, string(msg))
		case <-time.After(time.Second):
			t.Fatalf("frame %d never queued", i)
		}
	}
	<-done
	for i, msg := range got {
		if !strings.Contains(msg, fmt.Sprintf(`"data":%d`, i)) {
			t.Fatalf("frame %d out of order: %s", i, msg)
		}
	}
	if m := srv.GetMetrics(); m.DroppedEvents != 0 {
		t.Fatalf("expected no dropped events, got %d", m.DroppedEvents)
	}
}

func TestStalledPeerIsDisconnectedNotTruncated(t *testing.T) {
	srv := NewServer(ServerConfig{SendBuffer: 1})
	srv.criticalWait = 20 * time.Millisecond
	p := slowPeer(srv, 1)
	defer p.cancel()

	srv.Broadcast(protocol.EventTaskStatus, 1)
	srv.Broadcast(protocol.EventTaskCompleted, "done")

	if p.ctx.Err() == nil {
		t.Fatal("expected stalled peer to be disconnected")
	}
	first := <-p.out
	if !strings.Contains(string(first), `"data":1`) {
		t.Fatalf("queued frame was evicted, got %s", first)
	}
	// The critical event stays in history for the replay on reconnect.
	if srv.LastSeq() != 2 {
		t.Fatalf("expected 2 recorded broadcasts, got %d", srv.LastSeq())
	}
}

func TestRawHandshakeWelcome(t *testing.T) {
	_, url := startServer(t, ServerConfig{})
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial returned error: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(map[string]any{"type": "hello", "clientId": "raw"}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	var welcome protocol.Frame
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	if welcome.Type != protocol.FrameWelcome || welcome.ClientID != "raw" || welcome.Version != protocol.Version {
		t.Fatalf("unexpected welcome %+v", welcome)
	}
}
