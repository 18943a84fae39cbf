// Package anthropic implements the Anthropic provider handler using the
// official anthropic-sdk-go. Requests arrive in OpenAI chat shape and are
// mapped onto the Messages API: system messages become the system prompt,
// stop reasons are translated back to OpenAI finish reasons.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/pollinations/text-gateway/internal/providers"
	"github.com/pollinations/text-gateway/internal/usage"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

// Handler implements providers.Handler for Anthropic.
type Handler struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

// Option configures a Handler.
type Option func(*Handler)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(h *Handler) { h.baseURL = url }
}

// New creates a new Anthropic Handler.
func New(apiKey string, opts ...Option) *Handler {
	h := &Handler{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(h)
	}

	h.client = anthropic.NewClient(
		option.WithAPIKey(h.apiKey),
		option.WithBaseURL(h.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: providers.ProviderTimeout}),
	)

	return h
}

func (h *Handler) Name() string { return providerName }

// Generate implements providers.Handler.
func (h *Handler) Generate(ctx context.Context, req *providers.GenerationRequest) (*providers.Result, error) {
	params := buildParams(req)

	if req.Stream {
		return h.generateStream(ctx, params), nil
	}
	return h.generate(ctx, params)
}

func buildParams(req *providers.GenerationRequest) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch m.Role {
		case providers.RoleSystem:
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content.PlainText()
		default:
			msgs = append(msgs, toSDKMessage(m))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}

	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	return params
}

// toSDKMessage flattens the message content to its text components. Image
// routing for vision-capable models is handled by other backends.
func toSDKMessage(m providers.Message) anthropic.MessageParam {
	role := anthropic.MessageParamRoleUser
	if m.Role == providers.RoleAssistant {
		role = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: role,
		Content: []anthropic.ContentBlockParamUnion{
			{
				OfText: &anthropic.TextBlockParam{
					Text: m.Content.PlainText(),
				},
			},
		},
	}
}

func (h *Handler) generate(ctx context.Context, params anthropic.MessageNewParams) (*providers.Result, error) {
	msg, err := h.client.Messages.New(ctx, params)
	if err != nil {
		return nil, toProviderError(err)
	}

	var text string
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			text += v.Text
		case *anthropic.TextBlock:
			text += v.Text
		}
	}

	rec := usageFromSDK(msg.Usage)

	content := text
	return &providers.Result{Response: &providers.GenerationResponse{
		ID:      msg.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   string(msg.Model),
		Choices: []providers.Choice{{
			Message: providers.AssistantMessage{
				Role:    providers.RoleAssistant,
				Content: &content,
			},
			FinishReason: finishReason(string(msg.StopReason)),
		}},
		Usage:  rec.ToWire(),
		Record: rec,
	}}, nil
}

func (h *Handler) generateStream(ctx context.Context, params anthropic.MessageNewParams) *providers.Result {
	ch := make(chan providers.StreamFragment, 64)

	stream := h.client.Messages.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		// Input tokens arrive on message_start, output tokens on the
		// message_delta events; the last value wins.
		var rec usage.Record
		var stopReason string

		for stream.Next() {
			ev := stream.Current()

			switch eventVariant := ev.AsAny().(type) {
			case anthropic.MessageStartEvent:
				rec.PromptTextTokens = int(eventVariant.Message.Usage.InputTokens)
				rec.PromptCachedTokens = int(eventVariant.Message.Usage.CacheReadInputTokens)
			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- providers.StreamFragment{Content: deltaVariant.Text}
					}
				case *anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- providers.StreamFragment{Content: deltaVariant.Text}
					}
				}
			case anthropic.MessageDeltaEvent:
				rec.CompletionTextTokens = int(eventVariant.Usage.OutputTokens)
				if eventVariant.Delta.StopReason != "" {
					stopReason = string(eventVariant.Delta.StopReason)
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.StreamFragment{Err: toProviderError(err)}
			return
		}

		if !rec.IsZero() {
			ch <- providers.StreamFragment{Usage: &rec}
		}
		ch <- providers.StreamFragment{FinishReason: finishReason(stopReason), Done: true}
	}()

	return &providers.Result{Stream: ch}
}

// finishReason maps Anthropic stop reasons onto OpenAI finish reasons.
func finishReason(stop string) string {
	switch stop {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "", "end_turn", "stop_sequence":
		return "stop"
	default:
		return stop
	}
}

func usageFromSDK(u anthropic.Usage) usage.Record {
	return usage.Record{
		PromptTextTokens:     int(u.InputTokens),
		PromptCachedTokens:   int(u.CacheReadInputTokens),
		CompletionTextTokens: int(u.OutputTokens),
	}
}

func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &providers.Error{
			Provider: providerName,
			Status:   apierr.StatusCode,
			Message:  apierr.Error(),
		}
	}
	return fmt.Errorf("anthropic: %w", err)
}
