package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pollinations/text-gateway/internal/providers"
)

func newTestHandler(srv *httptest.Server) *Handler {
	return New("mock-api-key", WithBaseURL(srv.URL))
}

func baseRequest() *providers.GenerationRequest {
	return &providers.GenerationRequest{
		Model: "gpt-4.1-nano",
		Messages: []providers.Message{
			{Role: providers.RoleUser, Content: providers.TextContent("Hello")},
		},
		RequestID: "req-mock-1",
	}
}

func TestHandler_Name(t *testing.T) {
	h := New("key")
	if h.Name() != "openai" {
		t.Fatalf("expected 'openai', got %q", h.Name())
	}
}

func TestHandler_Generate_Success(t *testing.T) {
	// Minimal chat.completion payload that openai-go/v3 can unmarshal.
	responseBody := map[string]any{
		"id":      "chatcmpl-123",
		"object":  "chat.completion",
		"created": 0,
		"model":   "gpt-4.1-nano",
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": "Hello, world!",
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     10,
			"completion_tokens": 5,
			"total_tokens":      15,
		},
	}

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer mock-api-key" {
			t.Errorf("missing or wrong Authorization header: %s", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(responseBody)
	}))
	defer srv.Close()

	h := newTestHandler(srv)
	req := baseRequest()
	temp := 0.7
	req.Temperature = &temp
	seed := int64(42)
	req.Seed = &seed

	result, err := h.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp := result.Response
	if resp == nil {
		t.Fatal("expected a complete response")
	}

	if resp.ID != "chatcmpl-123" {
		t.Errorf("expected ID 'chatcmpl-123', got %q", resp.ID)
	}
	if resp.Text() != "Hello, world!" {
		t.Errorf("expected content 'Hello, world!', got %q", resp.Text())
	}
	if resp.Record.PromptTextTokens != 10 {
		t.Errorf("expected 10 prompt tokens, got %d", resp.Record.PromptTextTokens)
	}
	if resp.Record.CompletionTextTokens != 5 {
		t.Errorf("expected 5 completion tokens, got %d", resp.Record.CompletionTextTokens)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("expected total 15, got %d", resp.Usage.TotalTokens)
	}

	if gotBody["temperature"] != 0.7 {
		t.Errorf("temperature not forwarded: %v", gotBody["temperature"])
	}
	if gotBody["seed"] != float64(42) {
		t.Errorf("seed not forwarded: %v", gotBody["seed"])
	}
}

func TestHandler_Generate_JSONModeAndTools(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 0, "model": "gpt-4.1-nano",
			"choices": []any{map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": "{}"},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
		})
	}))
	defer srv.Close()

	req := baseRequest()
	req.JSONMode = true
	req.Tools = []map[string]any{
		{"type": "function", "function": map[string]any{"name": "lookup"}},
	}

	h := newTestHandler(srv)
	if _, err := h.Generate(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rf, _ := gotBody["response_format"].(map[string]any)
	if rf["type"] != "json_object" {
		t.Errorf("response_format not injected: %v", gotBody["response_format"])
	}
	tools, _ := gotBody["tools"].([]any)
	if len(tools) != 1 {
		t.Errorf("tools not injected: %v", gotBody["tools"])
	}
}

func TestHandler_Generate_Streaming(t *testing.T) {
	chunks := []string{
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4.1-nano","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4.1-nano","choices":[{"index":0,"delta":{"content":" world"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4.1-nano","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4.1-nano","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if so, _ := body["stream_options"].(map[string]any); so["include_usage"] != true {
			t.Errorf("stream_options.include_usage not requested: %v", body["stream_options"])
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		flusher, ok := w.(http.Flusher)
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			if ok {
				flusher.Flush()
			}
		}
		fmt.Fprintln(w, "data: [DONE]")
	}))
	defer srv.Close()

	req := baseRequest()
	req.Stream = true

	h := newTestHandler(srv)
	result, err := h.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Stream == nil {
		t.Fatal("expected non-nil fragment channel")
	}

	var (
		content string
		total   int
		done    bool
	)
	for frag := range result.Stream {
		if frag.Err != nil {
			t.Fatalf("unexpected stream error: %v", frag.Err)
		}
		content += frag.Content
		if frag.Usage != nil {
			total = frag.Usage.Total()
		}
		if frag.Done {
			done = true
		}
	}

	if content != "Hello world" {
		t.Errorf("expected 'Hello world', got %q", content)
	}
	if total != 5 {
		t.Errorf("expected usage total 5, got %d", total)
	}
	if !done {
		t.Error("expected a terminal Done fragment")
	}
}

func TestHandler_Generate_RateLimit(t *testing.T) {
	errBody := map[string]any{
		"error": map[string]any{
			"message": "Rate limit exceeded",
			"type":    "rate_limit_error",
			"code":    "rate_limit_exceeded",
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(errBody)
	}))
	defer srv.Close()

	h := newTestHandler(srv)
	_, err := h.Generate(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error for 429, got nil")
	}

	provErr, ok := err.(*providers.Error)
	if !ok {
		t.Fatalf("expected *providers.Error, got %T: %v", err, err)
	}
	if provErr.Status != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", provErr.Status)
	}
	if !strings.Contains(strings.ToLower(provErr.Message), "rate limit") {
		t.Errorf("expected message to contain rate limit text, got %q", provErr.Message)
	}
}

func TestHandler_Generate_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "Service unavailable", "type": "server_error"},
		})
	}))
	defer srv.Close()

	h := newTestHandler(srv)
	_, err := h.Generate(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error for 503, got nil")
	}

	provErr, ok := err.(*providers.Error)
	if !ok {
		t.Fatalf("expected *providers.Error, got %T: %v", err, err)
	}
	if provErr.Status != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", provErr.Status)
	}
}
