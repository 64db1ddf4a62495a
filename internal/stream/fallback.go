package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// FallbackClient invokes the secondary unary completion path used when the
// streaming endpoint fails. It takes plain text only, so callers substitute
// OCR-derived text for any image attachments before escalating.
type FallbackClient struct {
	url        string
	timeout    time.Duration
	httpClient *http.Client
}

func NewFallbackClient(url string, timeout time.Duration) *FallbackClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &FallbackClient{
		url:     url,
		timeout: timeout,
		httpClient: &http.Client{
			Timeout: timeout + 5*time.Second,
		},
	}
}

type fallbackRequest struct {
	UserText string        `json:"userText"`
	History  []TurnMessage `json:"history,omitempty"`
}

type fallbackResponse struct {
	Text string `json:"text"`
}

// Complete performs a single unary completion. No retries: this is already
// the last resort after a failed stream.
func (c *FallbackClient) Complete(ctx context.Context, userText string, history []TurnMessage) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(fallbackRequest{UserText: userText, History: history})
	if err != nil {
		return "", fmt.Errorf("fallback: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("fallback: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fallback: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("fallback: status %d: %s", resp.StatusCode, string(respBody))
	}

	var result fallbackResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("fallback: decode response: %w", err)
	}
	if result.Text == "" {
		return "", fmt.Errorf("fallback: empty completion")
	}
	return result.Text, nil
}
