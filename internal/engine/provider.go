package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wesheets/personal-ai-agent/internal/config"
)

// InferenceProvider is the single port to the text-completion backend.
// Implementations must be safe for concurrent use. A fake satisfies this in
// tests; the orchestration core has no other coupling to the backend.
type InferenceProvider interface {
	Infer(ctx context.Context, prompt, model string) (string, error)
}

// OpenAIProvider implements InferenceProvider against any OpenAI-compatible
// chat completions endpoint (OpenAI, OpenRouter, local gateways).
type OpenAIProvider struct {
	apiKey       string
	apiBase      string
	defaultModel string
	httpClient   *http.Client
}

// NewOpenAIProvider builds a provider from inference config.
func NewOpenAIProvider(cfg config.InferenceConfig) *OpenAIProvider {
	apiBase := strings.TrimSuffix(cfg.BaseURL, "/")
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIProvider{
		apiKey:       cfg.APIKey,
		apiBase:      apiBase,
		defaultModel: cfg.Model,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

// DefaultModel returns the configured default model.
func (p *OpenAIProvider) DefaultModel() string {
	return p.defaultModel
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Infer sends a single-message completion request and returns the text of
// the first choice.
func (p *OpenAIProvider) Infer(ctx context.Context, prompt, model string) (string, error) {
	if model == "" {
		model = p.defaultModel
	}

	body := map[string]any{
		"model": model,
		"messages": []map[string]any{
			{"role": "user", "content": prompt},
		},
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	// Backend failures are tagged so Classify maps them to inference_failure
	// rather than the storage bucket.
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", WrapInference(fmt.Errorf("execute request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", WrapInference(fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return "", WrapInference(fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody)))
	}

	var apiResp chatCompletionResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", WrapInference(fmt.Errorf("parse response: %w", err))
	}
	if len(apiResp.Choices) == 0 {
		return "", WrapInference(fmt.Errorf("no choices in response"))
	}
	return apiResp.Choices[0].Message.Content, nil
}
