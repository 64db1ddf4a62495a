package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// OCRClient extracts text from uploaded images via an external recognition
// service. Text-only fallback models cannot see images, so their content is
// substituted with recognized text before escalation.
type OCRClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// NewOCRClient creates a client for the OCR endpoint at baseURL. timeout
// bounds each recognition call.
func NewOCRClient(baseURL string, timeout time.Duration) *OCRClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &OCRClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		timeout: timeout,
		httpClient: &http.Client{
			Timeout: timeout + 5*time.Second,
		},
	}
}

type ocrRequest struct {
	ImageURL string `json:"image_url"`
}

type ocrResponse struct {
	Text string `json:"text"`
}

// Recognize extracts text from a single stored image.
func (c *OCRClient) Recognize(ctx context.Context, imageURL string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(ocrRequest{ImageURL: imageURL})
	if err != nil {
		return "", fmt.Errorf("ocr: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/v1/recognize", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ocr: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ocr: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("ocr: status %d: %s", resp.StatusCode, string(respBody))
	}

	var result ocrResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("ocr: decode response: %w", err)
	}
	return result.Text, nil
}

// RecognizeAll extracts text from every image concurrently and joins the
// results in input order, blank-line separated. Any failure fails the batch;
// a partial transcription would silently change what the model is asked.
func (c *OCRClient) RecognizeAll(ctx context.Context, imageURLs []string) (string, error) {
	if len(imageURLs) == 0 {
		return "", nil
	}

	texts := make([]string, len(imageURLs))
	g, gctx := errgroup.WithContext(ctx)
	for i, url := range imageURLs {
		g.Go(func() error {
			text, err := c.Recognize(gctx, url)
			if err != nil {
				return err
			}
			texts[i] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	nonEmpty := texts[:0]
	for _, t := range texts {
		if strings.TrimSpace(t) != "" {
			nonEmpty = append(nonEmpty, strings.TrimSpace(t))
		}
	}
	return strings.Join(nonEmpty, "\n\n"), nil
}
