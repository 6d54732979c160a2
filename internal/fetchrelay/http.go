package fetchrelay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	defaultChunkSize    = 32 << 10
	defaultMaxBodyBytes = 64 << 20
)

// bodyLimits bound how a response body is read.
type bodyLimits struct {
	chunkSize int
	maxBytes  int64
}

func (l bodyLimits) withDefaults() bodyLimits {
	if l.chunkSize <= 0 {
		l.chunkSize = defaultChunkSize
	}
	if l.maxBytes <= 0 {
		l.maxBytes = defaultMaxBodyBytes
	}
	return l
}

func newRequest(ctx context.Context, rawURL string, init RequestInit) (*http.Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid fetch url %q", rawURL)
	}
	method := strings.ToUpper(strings.TrimSpace(init.Method))
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(init.Body) > 0 {
		body = bytes.NewReader(init.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for k, v := range init.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

// readChunks reads r in network order, passing each read to emit, and
// returns the whole body.
func readChunks(r io.Reader, limits bodyLimits, emit func(seq int, chunk []byte)) ([]byte, error) {
	limits = limits.withDefaults()
	limited := io.LimitReader(r, limits.maxBytes+1)
	var body bytes.Buffer
	buf := make([]byte, limits.chunkSize)
	for seq := 0; ; {
		n, err := limited.Read(buf)
		if n > 0 {
			if int64(body.Len()+n) > limits.maxBytes {
				return body.Bytes(), errors.New("response body exceeds limit")
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			body.Write(chunk)
			if emit != nil {
				emit(seq, chunk)
			}
			seq++
		}
		if errors.Is(err, io.EOF) {
			return body.Bytes(), nil
		}
		if err != nil {
			return body.Bytes(), err
		}
	}
}

// doFetch issues the request and reads the body, streaming reads to emit
// when it is non-nil.
func doFetch(ctx context.Context, client *http.Client, rawURL string, init RequestInit, limits bodyLimits, emit func(seq int, chunk []byte)) (Response, error) {
	req, err := newRequest(ctx, rawURL, init)
	if err != nil {
		return Response{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	body, err := readChunks(resp.Body, limits, emit)
	out := Response{Status: resp.StatusCode, Headers: flattenHeaders(resp.Header), Body: body}
	if err != nil {
		return out, fmt.Errorf("read body: %w", err)
	}
	return out, nil
}
