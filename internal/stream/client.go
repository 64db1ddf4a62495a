// Package stream talks to the model-serving endpoint. The primary path is a
// server-sent-event stream of typed frames; the fallback path is a unary
// call used when the stream fails.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TurnMessage is one prior conversation turn sent as model context.
type TurnMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the streaming chat request payload.
type Request struct {
	ThreadID    uuid.UUID     `json:"threadId"`
	Messages    []TurnMessage `json:"messages"`
	StorageURLs []string      `json:"storageUrls,omitempty"`
	QualityTier string        `json:"qualityTier"`
	IDToken     string        `json:"idToken"`
}

// frame is one wire-level event. The server emits meta (informational),
// content (incremental fragment), done (terminal, authoritative full text),
// or error (terminal).
type frame struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	FullText string `json:"full_text,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Event is what consumers receive. Exactly one terminal event is delivered
// per stream: either Done=true (with the authoritative FullText and whether
// any content fragments preceded it) or Err set. The channel is closed after
// the terminal event.
type Event struct {
	Content  string
	Done     bool
	FullText string
	Streamed bool
	Err      error
}

// Client opens streaming chat requests against the model endpoint.
type Client struct {
	url        string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient creates a streaming client. timeout bounds the whole stream: a
// request that never reaches a terminal frame is aborted rather than left
// hanging with a placeholder stuck in sending state.
func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		url:     url,
		timeout: timeout,
		// No client-level timeout: it would cap the whole response body read.
		// The per-stream context carries the deadline instead.
		httpClient: &http.Client{},
	}
}

// Stream opens the request and returns a channel of events. Cancelling ctx
// aborts the stream; the terminal event then carries the context error.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("stream: marshal request: %w", err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, c.timeout)

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stream: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if req.IDToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.IDToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stream: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("stream: status %d: %s", resp.StatusCode, string(respBody))
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer cancel()
		defer func() { _ = resp.Body.Close() }()
		c.readFrames(streamCtx, resp.Body, events)
	}()
	return events, nil
}

// readFrames consumes the SSE body and emits exactly one terminal event.
func (c *Client) readFrames(ctx context.Context, body io.Reader, events chan<- Event) {
	var (
		acc      strings.Builder
		streamed bool
	)

	terminal := func(ev Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		// SSE framing: only data lines carry frames; event names, comments
		// and blank separators are skipped.
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var f frame
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			terminal(Event{Err: fmt.Errorf("stream: malformed frame: %w", err)})
			return
		}

		switch f.Type {
		case "meta":
			// Informational only.
		case "content":
			streamed = true
			acc.WriteString(f.Text)
			select {
			case events <- Event{Content: f.Text}:
			case <-ctx.Done():
				terminal(Event{Err: fmt.Errorf("stream: %w", ctx.Err())})
				return
			}
		case "done":
			full := f.FullText
			if full == "" {
				// done is authoritative when present; older servers omit it.
				full = acc.String()
			}
			terminal(Event{Done: true, FullText: full, Streamed: streamed})
			return
		case "error":
			terminal(Event{Err: fmt.Errorf("stream: server error: %s", f.Message)})
			return
		default:
			// Unknown frame types are skipped for forward compatibility.
		}
	}

	if err := ctx.Err(); err != nil {
		terminal(Event{Err: fmt.Errorf("stream: %w", err)})
		return
	}
	if err := scanner.Err(); err != nil {
		terminal(Event{Err: fmt.Errorf("stream: read: %w", err)})
		return
	}
	terminal(Event{Err: fmt.Errorf("stream: connection closed before done frame")})
}
