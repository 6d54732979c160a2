// Package fetchrelay proxies HTTP requests through the relay server so a
// request outlives the client that started it, and streams response bodies
// back as broadcast events.
package fetchrelay

import (
	"fmt"

	jsonx "taskrelay/internal/shared/json"
)

// RequestInit mirrors the options of a fetch call.
type RequestInit struct {
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// StartParams is the fetchRelay:start payload.
type StartParams struct {
	RequestID string      `json:"requestId"`
	URL       string      `json:"url" validate:"required,url"`
	Init      RequestInit `json:"init"`
	Stream    bool        `json:"stream"`
}

// StartAck is returned by fetchRelay:start once the request is tracked.
type StartAck struct {
	RequestID string `json:"requestId"`
	Accepted  bool   `json:"accepted"`
}

// CancelParams is the fetchRelay:cancel payload.
type CancelParams struct {
	RequestID string `json:"requestId" validate:"required"`
}

// RecoverParams is the fetchRelay:recover payload. Ack lists results the
// client has already processed; they are deleted before the listing.
type RecoverParams struct {
	Ack []string `json:"ack,omitempty"`
}

// RecoverResult is the fetchRelay:recover response.
type RecoverResult struct {
	Results  []CompletedResult `json:"results"`
	Inflight []string          `json:"inflight,omitempty"`
	Acked    int               `json:"acked"`
}

// PingResult is the fetchRelay:ping response.
type PingResult struct {
	OK       bool  `json:"ok"`
	Time     int64 `json:"time"`
	Inflight int   `json:"inflight"`
}

// ChunkEvent is the fetchRelay:chunk payload. Seq starts at 0 for each
// request.
type ChunkEvent struct {
	RequestID string `json:"requestId"`
	Seq       int    `json:"seq"`
	Chunk     []byte `json:"chunk"`
}

// DoneEvent is the fetchRelay:done payload. Chunks counts the chunk events
// sent before it, so a streaming client can tell whether it saw them all.
type DoneEvent struct {
	RequestID string            `json:"requestId"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      []byte            `json:"body,omitempty"`
	Chunks    int               `json:"chunks,omitempty"`
}

// ErrorEvent is the fetchRelay:error payload.
type ErrorEvent struct {
	RequestID string `json:"requestId"`
	Error     string `json:"error"`
}

// Response is the outcome of a relayed or direct fetch.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
	// Relayed is false when the request fell back to a direct call.
	Relayed bool `json:"relayed"`
}

func encodeHeaders(h map[string]string) (any, error) {
	if len(h) == 0 {
		return nil, nil
	}
	data, err := jsonx.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}
	return string(data), nil
}

func decodeHeaders(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	var h map[string]string
	if err := jsonx.Unmarshal([]byte(raw), &h); err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	return h, nil
}
