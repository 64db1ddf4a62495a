// Package report synthesizes study reports from a thread's tagged messages.
// Two interchangeable engines are supported; selection is an explicit input,
// never an automatic failover.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lival-edu/tutorhub/internal/model"
)

// Engine names accepted from clients.
const (
	EngineOpenAI = "openai"
	EngineOllama = "ollama"
)

// ValidEngine reports whether name is a known engine.
func ValidEngine(name string) bool {
	return name == EngineOpenAI || name == EngineOllama
}

// Engine synthesizes a report from tagged conversation excerpts.
type Engine interface {
	Synthesize(ctx context.Context, tagged []model.TaggedMessage, focus string) (string, error)
}

// synthesisPrompt frames the tagged excerpts for the model. Tags are the
// student's own labels ("important", "memorize", "check"), so they anchor
// what the report should emphasize.
const synthesisPrompt = `You are a study-report writer for a tutoring service.

Below are excerpts a student marked during tutoring sessions, each with the
labels they applied. Write a concise study report that:
- summarizes what was covered, organized by topic
- highlights everything labeled for memorization or review
- lists concrete follow-up items for anything labeled as needing a check

%s

Excerpts:
%s

Write the report as plain prose with short sections. Do not invent material
that is not in the excerpts.`

// formatPrompt renders the tagged excerpts into the synthesis prompt.
func formatPrompt(tagged []model.TaggedMessage, focus string) string {
	var b strings.Builder
	for _, m := range tagged {
		fmt.Fprintf(&b, "[%s, tags: %s, at %s]\n%s\n\n",
			m.Role, strings.Join(m.Tags, ", "), m.At.Format(time.RFC3339), m.Content)
	}
	focusLine := ""
	if focus != "" {
		focusLine = "Focus especially on: " + focus
	}
	return fmt.Sprintf(synthesisPrompt, focusLine, strings.TrimSpace(b.String()))
}

// perCallTimeout bounds a single synthesis call.
const perCallTimeout = 60 * time.Second

// OllamaEngine synthesizes reports with a local Ollama chat model.
type OllamaEngine struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewOllamaEngine(baseURL, model string) *OllamaEngine {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaEngine{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: perCallTimeout + 5*time.Second,
		},
	}
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

func (e *OllamaEngine) Synthesize(ctx context.Context, tagged []model.TaggedMessage, focus string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, perCallTimeout)
	defer cancel()

	body, err := json.Marshal(ollamaChatRequest{
		Model: e.model,
		Messages: []ollamaChatMessage{
			{Role: "user", Content: formatPrompt(tagged, focus)},
		},
		Stream: false,
	})
	if err != nil {
		return "", fmt.Errorf("ollama engine: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, e.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ollama engine: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama engine: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("ollama engine: status %d: %s", resp.StatusCode, string(respBody))
	}

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("ollama engine: decode response: %w", err)
	}
	if strings.TrimSpace(result.Message.Content) == "" {
		return "", fmt.Errorf("ollama engine: empty synthesis")
	}
	return result.Message.Content, nil
}

// OpenAIEngine synthesizes reports with the OpenAI chat completions API.
type OpenAIEngine struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

func NewOpenAIEngine(apiKey, model string) *OpenAIEngine {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIEngine{
		apiKey:  apiKey,
		model:   model,
		baseURL: "https://api.openai.com",
		httpClient: &http.Client{
			Timeout: perCallTimeout + 5*time.Second,
		},
	}
}

type openAIChatRequest struct {
	Model    string              `json:"model"`
	Messages []openAIChatMessage `json:"messages"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (e *OpenAIEngine) Synthesize(ctx context.Context, tagged []model.TaggedMessage, focus string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, perCallTimeout)
	defer cancel()

	body, err := json.Marshal(openAIChatRequest{
		Model: e.model,
		Messages: []openAIChatMessage{
			{Role: "user", Content: formatPrompt(tagged, focus)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai engine: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, e.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("openai engine: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai engine: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("openai engine: status %d: %s", resp.StatusCode, string(respBody))
	}

	var result openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("openai engine: decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("openai engine: no choices in response")
	}
	return result.Choices[0].Message.Content, nil
}
