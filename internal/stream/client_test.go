package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseServer replies to every request with the given pre-encoded frames.
func sseServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
			flusher.Flush()
		}
	}))
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func TestStreamContentThenDone(t *testing.T) {
	srv := sseServer(t,
		`{"type":"meta","session":"abc"}`,
		`{"type":"content","text":"Hel"}`,
		`{"type":"content","text":"lo!"}`,
		`{"type":"done","full_text":"Hello!"}`,
	)
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	events, err := c.Stream(context.Background(), Request{ThreadID: uuid.New(), QualityTier: "standard"})
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 3)
	assert.Equal(t, "Hel", got[0].Content)
	assert.Equal(t, "lo!", got[1].Content)
	require.True(t, got[2].Done)
	assert.Equal(t, "Hello!", got[2].FullText)
	assert.True(t, got[2].Streamed)
	assert.NoError(t, got[2].Err)
}

func TestStreamDoneWithoutContentMarksUnstreamed(t *testing.T) {
	// Cache-hit fast path: the server skips straight to done. Consumers use
	// Streamed=false to run the client-side typing animation instead.
	srv := sseServer(t, `{"type":"done","full_text":"cached answer"}`)
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	events, err := c.Stream(context.Background(), Request{ThreadID: uuid.New()})
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 1)
	require.True(t, got[0].Done)
	assert.Equal(t, "cached answer", got[0].FullText)
	assert.False(t, got[0].Streamed)
}

func TestStreamDoneFullTextAuthoritative(t *testing.T) {
	// full_text wins over the accumulated fragments when they disagree.
	srv := sseServer(t,
		`{"type":"content","text":"partial dra"}`,
		`{"type":"done","full_text":"final corrected text"}`,
	)
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	events, err := c.Stream(context.Background(), Request{ThreadID: uuid.New()})
	require.NoError(t, err)

	got := collect(t, events)
	require.True(t, got[len(got)-1].Done)
	assert.Equal(t, "final corrected text", got[len(got)-1].FullText)
}

func TestStreamErrorFrame(t *testing.T) {
	srv := sseServer(t,
		`{"type":"content","text":"par"}`,
		`{"type":"error","message":"model overloaded"}`,
	)
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	events, err := c.Stream(context.Background(), Request{ThreadID: uuid.New()})
	require.NoError(t, err)

	got := collect(t, events)
	last := got[len(got)-1]
	require.Error(t, last.Err)
	assert.Contains(t, last.Err.Error(), "model overloaded")
}

func TestStreamTruncatedConnectionIsError(t *testing.T) {
	// Connection closes with no terminal frame.
	srv := sseServer(t, `{"type":"content","text":"half an ans"}`)
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	events, err := c.Stream(context.Background(), Request{ThreadID: uuid.New()})
	require.NoError(t, err)

	got := collect(t, events)
	last := got[len(got)-1]
	require.Error(t, last.Err)
	assert.Contains(t, last.Err.Error(), "before done")
}

func TestStreamNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	_, err := c.Stream(context.Background(), Request{ThreadID: uuid.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
}

func TestStreamTimeoutAbortsHangingRequest(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"type\":\"meta\"}\n\n")
		flusher.Flush()
		<-release // never emits done
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(srv.URL, 200*time.Millisecond)
	events, err := c.Stream(context.Background(), Request{ThreadID: uuid.New()})
	require.NoError(t, err)

	got := collect(t, events)
	require.NotEmpty(t, got)
	assert.Error(t, got[len(got)-1].Err)
}

func TestStreamCancelledContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(srv.URL, time.Minute)
	events, err := c.Stream(ctx, Request{ThreadID: uuid.New()})
	require.NoError(t, err)

	cancel()
	got := collect(t, events)
	require.NotEmpty(t, got)
	assert.Error(t, got[len(got)-1].Err)
}

func TestStreamRequestCarriesAuthAndPayload(t *testing.T) {
	var gotAuth string
	var gotReq Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"done\",\"full_text\":\"ok\"}\n\n")
	}))
	defer srv.Close()

	threadID := uuid.New()
	c := NewClient(srv.URL, 5*time.Second)
	events, err := c.Stream(context.Background(), Request{
		ThreadID:    threadID,
		Messages:    []TurnMessage{{Role: "user", Content: "hi"}},
		StorageURLs: []string{"https://storage.example.com/a.png"},
		QualityTier: "fast",
		IDToken:     "tok-123",
	})
	require.NoError(t, err)
	collect(t, events)

	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, threadID, gotReq.ThreadID)
	assert.Equal(t, "fast", gotReq.QualityTier)
	require.Len(t, gotReq.Messages, 1)
}

func TestFallbackComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserText string        `json:"userText"`
			History  []TurnMessage `json:"history"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "what is photosynthesis", req.UserText)
		require.Len(t, req.History, 1)
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "a process in plants"})
	}))
	defer srv.Close()

	c := NewFallbackClient(srv.URL, 5*time.Second)
	text, err := c.Complete(context.Background(), "what is photosynthesis", []TurnMessage{{Role: "user", Content: "earlier"}})
	require.NoError(t, err)
	assert.Equal(t, "a process in plants", text)
}

func TestFallbackEmptyCompletionIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"text": ""})
	}))
	defer srv.Close()

	c := NewFallbackClient(srv.URL, 5*time.Second)
	_, err := c.Complete(context.Background(), "q", nil)
	require.Error(t, err)
}
