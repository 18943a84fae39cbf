// Package openaicompat provides a generic OpenAI-compatible generation
// handler. Use it for any backend that speaks the OpenAI chat completions
// wire format (DeepSeek, Groq, Mistral, Scaleway, Together AI, etc.).
//
// Known wire quirk handled here: some backends put reasoning output in a
// non-standard "reasoning_content" field and leave "content" empty. When that
// happens the reasoning text is promoted to content so downstream framing
// sees a normal completion.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/respjson"

	"github.com/pollinations/text-gateway/internal/providers"
	"github.com/pollinations/text-gateway/internal/usage"
)

// Handler is a configurable OpenAI-compatible generation handler.
type Handler struct {
	name    string
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// New creates a new OpenAI-compatible Handler.
//
//   - name    — unique handler identifier used for routing and logs.
//   - apiKey  — API key sent as "Authorization: Bearer <key>".
//   - baseURL — API base URL, e.g. "https://api.deepseek.com/v1".
func New(name, apiKey, baseURL string) *Handler {
	h := &Handler{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
	}

	opts := []option.RequestOption{
		option.WithAPIKey(h.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: providers.ProviderTimeout}),
	}
	if h.baseURL != "" {
		opts = append(opts, option.WithBaseURL(h.baseURL))
	}

	h.client = openaiSDK.NewClient(opts...)
	return h
}

func (h *Handler) Name() string { return h.name }

// Generate implements providers.Handler.
func (h *Handler) Generate(ctx context.Context, req *providers.GenerationRequest) (*providers.Result, error) {
	params, opts := h.buildParams(req)

	if req.Stream {
		return h.generateStream(ctx, params, opts), nil
	}
	return h.generate(ctx, params, opts)
}

func (h *Handler) buildParams(req *providers.GenerationRequest) (openaiSDK.ChatCompletionNewParams, []option.RequestOption) {
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
	params openaiSDK.ChatCompletionNewParams,
	opts []option.RequestOption,
) (*providers.Result, error) {
	resp, err := h.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, h.toProviderError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &providers.Error{Provider: h.name, Status: 502, Message: "empty choices in provider response"}
	}

	rec := usage.FromWire(usage.Wire{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		CompletionTokensDetails: &usage.CompletionDetails{
			ReasoningTokens: int(resp.Usage.CompletionTokensDetails.ReasoningTokens),
		},
	})

	choices := make([]providers.Choice, len(resp.Choices))
	for i, c := range resp.Choices {
		content := c.Message.Content
		if content == "" {
			content = extraString(c.Message.JSON.ExtraFields, "reasoning_content")
		}
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
		if content != "" || len(msg.ToolCalls) == 0 {
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
	opts = append(opts, option.WithJSONSet("stream_options", map[string]bool{"include_usage": true}))

	ch := make(chan providers.StreamFragment, 64)
	stream := h.client.Chat.Completions.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()

			if chunk.Usage.TotalTokens > 0 {
				rec := usage.FromWire(usage.Wire{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
					CompletionTokensDetails: &usage.CompletionDetails{
						ReasoningTokens: int(chunk.Usage.CompletionTokensDetails.ReasoningTokens),
					},
				})
				ch <- providers.StreamFragment{Usage: &rec}
			}

			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			content := c.Delta.Content
			if content == "" {
				content = extraString(c.Delta.JSON.ExtraFields, "reasoning_content")
			}
			if content == "" && c.Delta.Role == "" && c.FinishReason == "" {
				continue
			}
			ch <- providers.StreamFragment{
				Content:      content,
				Role:         c.Delta.Role,
				FinishReason: c.FinishReason,
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.StreamFragment{Err: h.toProviderError(err)}
			return
		}
		ch <- providers.StreamFragment{Done: true}
	}()

	return &providers.Result{Stream: ch}
}

// extraString pulls a string value out of the unmapped-field bag the SDK
// keeps for every decoded object.
func extraString(fields map[string]respjson.Field, key string) string {
	// Note: Field.Valid() is always false for extra fields (the SDK marks
	// them "invalid" since they have no schema type), so we only check that
	// the raw value unquotes to a string.
	f, ok := fields[key]
	if !ok {
		return ""
	}
	s, err := strconv.Unquote(f.Raw())
	if err != nil {
		return ""
	}
	return s
}

func (h *Handler) toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &providers.Error{
			Provider: h.name,
			Status:   apierr.StatusCode,
			Message:  apierr.Error(),
		}
	}
	return fmt.Errorf("%s: %w", h.name, err)
}
