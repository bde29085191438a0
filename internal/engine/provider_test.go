package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wesheets/personal-ai-agent/internal/config"
)

func TestOpenAIProviderInfer(t *testing.T) {
	var gotPath, gotAuth, gotModel string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotModel = body.Model
		if len(body.Messages) != 1 || body.Messages[0].Role != "user" {
			t.Errorf("unexpected messages: %+v", body.Messages)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"backend says hi"},"finish_reason":"stop"}]}`))
	}))
	defer ts.Close()

	provider := NewOpenAIProvider(config.InferenceConfig{
		BaseURL: ts.URL,
		Model:   "default-model",
		APIKey:  "test-key",
	})

	got, err := provider.Infer(context.Background(), "hello", "")
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if got != "backend says hi" {
		t.Errorf("response = %q", got)
	}
	if gotPath != "/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotModel != "default-model" {
		t.Errorf("model = %q, want the configured default", gotModel)
	}

	if got, err := provider.Infer(context.Background(), "hello", "override-model"); err != nil {
		t.Fatalf("Infer with model: %v", err)
	} else if got != "backend says hi" {
		t.Errorf("response = %q", got)
	}
	if gotModel != "override-model" {
		t.Errorf("model = %q, want the per-call override", gotModel)
	}
}

func TestOpenAIProviderErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"auth failure", http.StatusUnauthorized, `{"error":"invalid api key"}`, "status 401"},
		{"rate limit", http.StatusTooManyRequests, `{"error":"rate limit"}`, "status 429"},
		{"empty choices", http.StatusOK, `{"choices":[]}`, "no choices"},
		{"garbage body", http.StatusOK, `not json`, "parse response"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer ts.Close()

			provider := NewOpenAIProvider(config.InferenceConfig{BaseURL: ts.URL, Model: "m"})
			_, err := provider.Infer(context.Background(), "x", "")
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("expected error containing %q, got %v", tc.wantErr, err)
			}
			if kind := Classify(err); kind != KindInference {
				t.Errorf("Classify = %q, want %q", kind, KindInference)
			}
		})
	}
}
