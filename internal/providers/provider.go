// Package providers defines the canonical request/response model shared by
// all provider handlers, plus the immutable handler registry used for
// dispatch.
//
// Every provider adapter lives in its own sub-package and maps its native
// wire shapes into these types at the adapter boundary — provider-specific
// field names never leak past a handler.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pollinations/text-gateway/internal/usage"
)

// Roles accepted in inbound conversations.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Content part types.
const (
	PartText     = "text"
	PartImageURL = "image_url"
)

// ProviderTimeout is the default per-provider request timeout.
const ProviderTimeout = 30 * time.Second

type (
	// ImageURL is an image reference inside a content part.
	ImageURL struct {
		URL string `json:"url"`
	}

	// ContentPart is one element of a multi-part message content.
	ContentPart struct {
		Type     string    `json:"type"`
		Text     string    `json:"text,omitempty"`
		ImageURL *ImageURL `json:"image_url,omitempty"`
	}

	// MessageContent is the string-or-parts union used by the OpenAI wire
	// format. Exactly one of Text/Parts is meaningful; IsParts distinguishes
	// an empty string from an empty part list.
	MessageContent struct {
		Text    string
		Parts   []ContentPart
		IsParts bool
	}

	// Message is a single turn in a conversation.
	Message struct {
		Role    string         `json:"role"`
		Content MessageContent `json:"content"`
	}

	// Identity is the opaque per-client identity derived from transport
	// headers. It is not part of the cache key.
	Identity struct {
		IP       string
		Referrer string
	}

	// GenerationRequest is the normalized, immutable inbound request.
	// Constructed once by the request normalizer and consumed read-only by
	// the cache key builder, the queue, and the dispatcher.
	GenerationRequest struct {
		Model       string
		Messages    []Message
		Temperature *float64
		Seed        *int64
		MaxTokens   int
		Tools       []map[string]any
		ToolChoice  any
		JSONMode    bool
		Stream      bool

		Client    Identity
		RequestID string
	}

	// ToolCall is an assistant tool invocation passed through verbatim.
	ToolCall struct {
		ID       string       `json:"id"`
		Type     string       `json:"type"`
		Function FunctionCall `json:"function"`
	}

	// FunctionCall carries the tool name and raw JSON arguments.
	FunctionCall struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}

	// AssistantMessage is the message inside a response choice.
	// Content is null only when ToolCalls is present.
	AssistantMessage struct {
		Role      string     `json:"role"`
		Content   *string    `json:"content"`
		ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	}

	// Choice is one completion alternative.
	Choice struct {
		Index        int              `json:"index"`
		Message      AssistantMessage `json:"message"`
		FinishReason string           `json:"finish_reason"`
	}

	// GenerationResponse is the canonical OpenAI-compatible completion.
	// Always has at least one choice.
	GenerationResponse struct {
		ID      string       `json:"id"`
		Object  string       `json:"object"`
		Created int64        `json:"created"`
		Model   string       `json:"model"`
		Choices []Choice     `json:"choices"`
		Usage   usage.Wire   `json:"usage"`
		Record  usage.Record `json:"-"`
	}

	// StreamFragment is one incremental delta from a provider stream.
	// A fragment with Done set carries no content; Usage, when non-nil,
	// arrives on the final content-bearing or Done fragment.
	StreamFragment struct {
		Content      string
		Role         string
		ToolCalls    []ToolCall
		FinishReason string
		Usage        *usage.Record
		Err          error
		Done         bool
	}

	// Result is the tagged variant returned by a handler: exactly one of
	// Response (complete) or Stream (fragment channel, closed by the
	// producer) is non-nil.
	Result struct {
		Response *GenerationResponse
		Stream   <-chan StreamFragment
	}
)

// Handler is a provider handler selected by model name.
type Handler interface {
	Name() string
	Generate(ctx context.Context, req *GenerationRequest) (*Result, error)
}

// StatusCoder is implemented by provider errors that carry an upstream HTTP
// status, letting the transport layer map them without string matching.
type StatusCoder interface {
	HTTPStatus() int
}

// Error is a provider error with an associated HTTP status.
type Error struct {
	Provider string
	Status   int
	Message  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.Status)
}

func (e *Error) HTTPStatus() int { return e.Status }

// Key returns the queue/bucket key for a client identity.
func (id Identity) Key() string { return id.IP }

// EncodeResponse serializes a response for cache storage.
func EncodeResponse(r *GenerationResponse) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeResponse restores a cached response. The usage record is rebuilt
// from the wire usage object since it is not serialized.
func DecodeResponse(data []byte) (*GenerationResponse, error) {
	var r GenerationResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("providers: decode cached response: %w", err)
	}
	r.Record = usage.FromWire(r.Usage)
	return &r, nil
}

// Text returns the content of the first choice, or "" when the response has
// no textual content.
func (r *GenerationResponse) Text() string {
	if len(r.Choices) == 0 || r.Choices[0].Message.Content == nil {
		return ""
	}
	return *r.Choices[0].Message.Content
}

// ── MessageContent union codec ───────────────────────────────────────────────

// UnmarshalJSON accepts either a JSON string or an array of content parts.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Parts = nil
		c.IsParts = false
		return nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content must be a string or an array of content parts")
	}
	for i, p := range parts {
		switch p.Type {
		case PartText:
		case PartImageURL:
			if p.ImageURL == nil || p.ImageURL.URL == "" {
				return fmt.Errorf("content part %d: image_url part requires a url", i)
			}
		default:
			return fmt.Errorf("content part %d: unsupported type %q", i, p.Type)
		}
	}
	c.Parts = parts
	c.IsParts = true
	c.Text = ""
	return nil
}

// MarshalJSON emits the original shape: a bare string or a parts array.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.IsParts {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// PlainText flattens the content to its text, joining text parts with
// newlines and ignoring image parts.
func (c MessageContent) PlainText() string {
	if !c.IsParts {
		return c.Text
	}
	out := ""
	for _, p := range c.Parts {
		if p.Type != PartText {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out
}

// TextLen returns the number of text characters in the content.
func (c MessageContent) TextLen() int {
	if !c.IsParts {
		return len(c.Text)
	}
	n := 0
	for _, p := range c.Parts {
		if p.Type == PartText {
			n += len(p.Text)
		}
	}
	return n
}

// ImageCount returns the number of image parts in the content.
func (c MessageContent) ImageCount() int {
	if !c.IsParts {
		return 0
	}
	n := 0
	for _, p := range c.Parts {
		if p.Type == PartImageURL {
			n++
		}
	}
	return n
}

// TextContent returns a plain string MessageContent.
func TextContent(s string) MessageContent {
	return MessageContent{Text: s}
}

// ValidRole reports whether role is one of the accepted conversation roles.
func ValidRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}
