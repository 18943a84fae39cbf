package anthropic

import (
	"context"
	"encoding/json"
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
		Model: "claude-3-5-haiku-latest",
		Messages: []providers.Message{
			{Role: providers.RoleUser, Content: providers.TextContent("Hello")},
		},
		RequestID: "req-mock-1",
	}
}

func decodeJSONMap(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		t.Fatalf("failed to decode request body as json: %v", err)
	}
	return m
}

// systemAsText tolerates both the string and the block-list encoding of the
// system prompt.
func systemAsText(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []any:
		if len(s) == 0 {
			return "", true
		}
		if m, ok := s[0].(map[string]any); ok {
			if txt, ok := m["text"].(string); ok {
				return txt, true
			}
		}
	}
	return "", false
}

func respondMessageJSON(w http.ResponseWriter, id, model, text string, inTok, outTok int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":    id,
		"type":  "message",
		"role":  "assistant",
		"model": model,
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
		"stop_reason": "end_turn",
		"usage": map[string]any{
			"input_tokens":  inTok,
			"output_tokens": outTok,
		},
	})
}

func TestHandler_Name(t *testing.T) {
	h := New("key")
	if h.Name() != "anthropic" {
		t.Fatalf("expected 'anthropic', got %q", h.Name())
	}
}

func TestHandler_Generate_Success(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "mock-api-key" {
			t.Errorf("missing api key header: %q", r.Header.Get("X-Api-Key"))
		}
		gotBody = decodeJSONMap(t, r)
		respondMessageJSON(w, "msg_1", "claude-3-5-haiku-latest", "Hi there!", 12, 7)
	}))
	defer srv.Close()

	h := newTestHandler(srv)
	result, err := h.Generate(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp := result.Response
	if resp == nil {
		t.Fatal("expected a complete response")
	}

	if resp.Text() != "Hi there!" {
		t.Errorf("content = %q", resp.Text())
	}
	if resp.Object != "chat.completion" {
		t.Errorf("object = %q", resp.Object)
	}
	if got := resp.Choices[0].FinishReason; got != "stop" {
		t.Errorf("end_turn must map to finish reason 'stop', got %q", got)
	}
	if resp.Record.PromptTextTokens != 12 || resp.Record.CompletionTextTokens != 7 {
		t.Errorf("usage = %+v", resp.Record)
	}
	if resp.Usage.TotalTokens != 19 {
		t.Errorf("total = %d", resp.Usage.TotalTokens)
	}

	// max_tokens is mandatory on the Messages API, so a default is filled in.
	if mt, _ := gotBody["max_tokens"].(float64); int(mt) != defaultMaxTokens {
		t.Errorf("max_tokens = %v", gotBody["max_tokens"])
	}
}

func TestHandler_Generate_SystemPromptExtracted(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody = decodeJSONMap(t, r)
		respondMessageJSON(w, "msg_2", "claude-3-5-haiku-latest", "ok", 1, 1)
	}))
	defer srv.Close()

	req := baseRequest()
	req.Messages = []providers.Message{
		{Role: providers.RoleSystem, Content: providers.TextContent("Be terse.")},
		{Role: providers.RoleUser, Content: providers.TextContent("Hello")},
	}

	h := newTestHandler(srv)
	if _, err := h.Generate(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sys, ok := systemAsText(gotBody["system"])
	if !ok || sys != "Be terse." {
		t.Errorf("system prompt = %v", gotBody["system"])
	}
	msgs, _ := gotBody["messages"].([]any)
	if len(msgs) != 1 {
		t.Errorf("system message must not appear in messages: %v", gotBody["messages"])
	}
}

func TestHandler_Generate_MaxTokensMapsToLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "msg_3", "type": "message", "role": "assistant",
			"model":       "claude-3-5-haiku-latest",
			"content":     []map[string]any{{"type": "text", "text": "truncated"}},
			"stop_reason": "max_tokens",
			"usage":       map[string]any{"input_tokens": 1, "output_tokens": 1},
		})
	}))
	defer srv.Close()

	h := newTestHandler(srv)
	result, err := h.Generate(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := result.Response.Choices[0].FinishReason; got != "length" {
		t.Errorf("max_tokens must map to 'length', got %q", got)
	}
}

func TestHandler_Generate_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(529)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "overloaded_error", "message": "Overloaded"},
		})
	}))
	defer srv.Close()

	h := newTestHandler(srv)
	_, err := h.Generate(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	provErr, ok := err.(*providers.Error)
	if !ok {
		t.Fatalf("expected *providers.Error, got %T: %v", err, err)
	}
	if provErr.Status != 529 {
		t.Errorf("unexpected status %d", provErr.Status)
	}
	if !strings.Contains(strings.ToLower(provErr.Message), "overloaded") {
		t.Errorf("message = %q", provErr.Message)
	}
}
