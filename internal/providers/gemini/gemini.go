// Package gemini implements the Google Gemini provider handler using the
// official GenAI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/pollinations/text-gateway/internal/providers"
	"github.com/pollinations/text-gateway/internal/usage"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "gemini"
)

// Handler implements providers.Handler for Google Gemini.
type Handler struct {
	apiKey  string
	baseURL string
	client  *genai.Client
}

// Option configures a Handler.
type Option func(*Handler)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(h *Handler) { h.baseURL = u }
}

// New creates a new Gemini Handler. Client construction needs a context
// because the SDK may resolve credentials during setup.
func New(ctx context.Context, apiKey string, opts ...Option) (*Handler, error) {
	h := &Handler{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(h)
	}

	base, ver := splitBaseURLAndVersion(h.baseURL)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      h.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: providers.ProviderTimeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	h.client = client

	return h, nil
}

func (h *Handler) Name() string { return providerName }

// Generate implements providers.Handler.
func (h *Handler) Generate(ctx context.Context, req *providers.GenerationRequest) (*providers.Result, error) {
	contents, cfg := buildContentsAndConfig(req)

	if req.Stream {
		return h.generateStream(ctx, req.Model, contents, cfg), nil
	}
	return h.generate(ctx, req, contents, cfg)
}

func buildContentsAndConfig(req *providers.GenerationRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		text := m.Content.PlainText()
		switch m.Role {
		case providers.RoleSystem:
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += text
		case providers.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(text, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{}

	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr[float32](float32(*req.Temperature))
	}
	if req.Seed != nil {
		cfg.Seed = genai.Ptr[int32](int32(*req.Seed))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.JSONMode {
		cfg.ResponseMIMEType = "application/json"
	}

	return contents, cfg
}

func (h *Handler) generate(
	ctx context.Context,
	req *providers.GenerationRequest,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.Result, error) {
	resp, err := h.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, &providers.Error{Provider: providerName, Status: 502, Message: "empty candidates in provider response"}
	}

	id := resp.ResponseID
	if id == "" {
		id = generateID()
	}

	rec := usageFromMetadata(resp.UsageMetadata)

	text := resp.Text()
	return &providers.Result{Response: &providers.GenerationResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []providers.Choice{{
			Message: providers.AssistantMessage{
				Role:    providers.RoleAssistant,
				Content: &text,
			},
			FinishReason: finishReason(string(resp.Candidates[0].FinishReason)),
		}},
		Usage:  rec.ToWire(),
		Record: rec,
	}}, nil
}

func (h *Handler) generateStream(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) *providers.Result {
	ch := make(chan providers.StreamFragment, 64)

	go func() {
		defer close(ch)

		var rec usage.Record

		for resp, err := range h.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				ch <- providers.StreamFragment{Err: toProviderError(err)}
				return
			}
			if resp == nil {
				continue
			}
			if resp.UsageMetadata != nil {
				rec = usageFromMetadata(resp.UsageMetadata)
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			c := resp.Candidates[0]
			text := candidateText(c)
			finish := ""
			if c.FinishReason != "" {
				finish = finishReason(string(c.FinishReason))
			}
			if text != "" || finish != "" {
				ch <- providers.StreamFragment{Content: text, FinishReason: finish}
			}
		}

		if !rec.IsZero() {
			ch <- providers.StreamFragment{Usage: &rec}
		}
		ch <- providers.StreamFragment{Done: true}
	}()

	return &providers.Result{Stream: ch}
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// usageFromMetadata maps Gemini usage metadata onto the canonical record.
// Thought tokens are reported separately from candidate tokens, so they map
// directly to the reasoning component.
func usageFromMetadata(m *genai.GenerateContentResponseUsageMetadata) usage.Record {
	if m == nil {
		return usage.Record{}
	}
	return usage.Record{
		PromptTextTokens:          int(m.PromptTokenCount),
		PromptCachedTokens:        int(m.CachedContentTokenCount),
		CompletionTextTokens:      int(m.CandidatesTokenCount),
		CompletionReasoningTokens: int(m.ThoughtsTokenCount),
	}
}

// finishReason maps Gemini finish reasons onto OpenAI finish reasons.
func finishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT", "BLOCKLIST":
		return "content_filter"
	case "", "STOP", "FINISH_REASON_UNSPECIFIED":
		return "stop"
	default:
		return strings.ToLower(reason)
	}
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

// generateID produces a random hex ID for responses that don't include one.
func generateID() string {
	return fmt.Sprintf("chatcmpl-%x", rand.Int63())
}

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &providers.Error{
			Provider: providerName,
			Status:   apiErr.Code,
			Message:  apiErr.Message,
		}
	}
	return fmt.Errorf("gemini: %w", err)
}
