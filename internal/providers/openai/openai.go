// Package openai implements the OpenAI provider handler using the official
// openai-go SDK. It is the gateway's default handler: unknown model names
// resolve here.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/pollinations/text-gateway/internal/providers"
	"github.com/pollinations/text-gateway/internal/usage"
)

const providerName = "openai"

// Handler implements providers.Handler for OpenAI.
type Handler struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// Option configures a Handler.
type Option func(*Handler)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(h *Handler) { h.baseURL = u }
}

// New creates a new OpenAI Handler.
func New(apiKey string, opts ...Option) *Handler {
	h := &Handler{apiKey: apiKey}
	for _, o := range opts {
		o(h)
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(h.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: providers.ProviderTimeout}),
	}
	if h.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(h.baseURL))
	}

	h.client = openaiSDK.NewClient(clientOpts...)
	return h
}

func (h *Handler) Name() string { return providerName }

// Generate implements providers.Handler.
func (h *Handler) Generate(ctx context.Context, req *providers.GenerationRequest) (*providers.Result, error) {
	params, opts := buildParams(req)

	if req.Stream {
		return h.generateStream(ctx, params, opts), nil
	}
	return h.generate(ctx, req, params, opts)
}

// buildParams maps the canonical request onto SDK params. Tool definitions
// and tool choice are pass-through: they arrive as already-stripped JSON maps
// and are injected verbatim rather than re-typed through SDK unions.
func buildParams(req *providers.GenerationRequest) (openaiSDK.ChatCompletionNewParams, []option.RequestOption) {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}
	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.Seed != nil {
		params.Seed = openaiSDK.Int(*req.Seed)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	var opts []option.RequestOption
	if req.JSONMode {
		opts = append(opts, option.WithJSONSet("response_format", map[string]string{"type": "json_object"}))
	}
	if len(req.Tools) > 0 {
		opts = append(opts, option.WithJSONSet("tools", req.Tools))
	}
	if req.ToolChoice != nil {
		opts = append(opts, option.WithJSONSet("tool_choice", req.ToolChoice))
	}

	return params, opts
}

func toSDKMessage(m providers.Message) openaiSDK.ChatCompletionMessageParamUnion {
	if m.Content.IsParts && m.Role == providers.RoleUser {
		parts := make([]openaiSDK.ChatCompletionContentPartUnionParam, 0, len(m.Content.Parts))
		for _, p := range m.Content.Parts {
			switch p.Type {
			case providers.PartImageURL:
				parts = append(parts, openaiSDK.ImageContentPart(
					openaiSDK.ChatCompletionContentPartImageImageURLParam{URL: p.ImageURL.URL},
				))
			default:
				parts = append(parts, openaiSDK.TextContentPart(p.Text))
			}
		}
		return openaiSDK.UserMessage(parts)
	}

	text := m.Content.PlainText()
	switch m.Role {
	case providers.RoleSystem:
		return openaiSDK.SystemMessage(text)
	case providers.RoleAssistant:
		return openaiSDK.AssistantMessage(text)
	default:
		return openaiSDK.UserMessage(text)
	}
}

func (h *Handler) generate(
	ctx context.Context,
	req *providers.GenerationRequest,
	params openaiSDK.ChatCompletionNewParams,
	opts []option.RequestOption,
) (*providers.Result, error) {
	resp, err := h.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &providers.Error{Provider: providerName, Status: 502, Message: "empty choices in provider response"}
	}

	rec := usageFromSDK(resp.Usage)

	choices := make([]providers.Choice, len(resp.Choices))
	for i, c := range resp.Choices {
		msg := providers.AssistantMessage{Role: providers.RoleAssistant}
		for _, tc := range c.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, providers.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: providers.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		if c.Message.Content != "" || len(msg.ToolCalls) == 0 {
			content := c.Message.Content
			msg.Content = &content
		}
		choices[i] = providers.Choice{
			Index:        i,
			Message:      msg,
			FinishReason: string(c.FinishReason),
		}
	}

	return &providers.Result{Response: &providers.GenerationResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
		Choices: choices,
		Usage:   rec.ToWire(),
		Record:  rec,
	}}, nil
}

func (h *Handler) generateStream(
	ctx context.Context,
	params openaiSDK.ChatCompletionNewParams,
	opts []option.RequestOption,
) *providers.Result {
	// Ask the upstream to attach usage to the final chunk.
	opts = append(opts, option.WithJSONSet("stream_options", map[string]bool{"include_usage": true}))

	ch := make(chan providers.StreamFragment, 64)
	stream := h.client.Chat.Completions.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()

			if chunk.Usage.TotalTokens > 0 {
				rec := usageFromSDK(chunk.Usage)
				ch <- providers.StreamFragment{Usage: &rec}
			}

			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.Delta.Content == "" && c.Delta.Role == "" && c.FinishReason == "" {
				continue
			}
			ch <- providers.StreamFragment{
				Content:      c.Delta.Content,
				Role:         c.Delta.Role,
				FinishReason: c.FinishReason,
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.StreamFragment{Err: toProviderError(err)}
			return
		}
		ch <- providers.StreamFragment{Done: true}
	}()

	return &providers.Result{Stream: ch}
}

// usageFromSDK maps the SDK usage object, including the cached/reasoning/audio
// detail fields, into the canonical record.
func usageFromSDK(u openaiSDK.CompletionUsage) usage.Record {
	return usage.FromWire(usage.Wire{
		PromptTokens:     int(u.PromptTokens),
		CompletionTokens: int(u.CompletionTokens),
		PromptTokensDetails: &usage.PromptDetails{
			CachedTokens: int(u.PromptTokensDetails.CachedTokens),
			AudioTokens:  int(u.PromptTokensDetails.AudioTokens),
		},
		CompletionTokensDetails: &usage.CompletionDetails{
			ReasoningTokens: int(u.CompletionTokensDetails.ReasoningTokens),
			AudioTokens:     int(u.CompletionTokensDetails.AudioTokens),
		},
	})
}

func toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &providers.Error{
			Provider: providerName,
			Status:   apierr.StatusCode,
			Message:  apierr.Error(),
		}
	}
	return fmt.Errorf("openai: %w", err)
}
