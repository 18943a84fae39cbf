// Package request implements inbound request normalization.
//
// The normalizer turns a raw HTTP payload — a JSON body or a bare URL prompt —
// into an immutable providers.GenerationRequest: messages are validated,
// null-valued fields are stripped recursively, the prompt size and image
// limits are enforced, and legacy fields (functions) are folded into their
// modern equivalents. Validation failures are returned before any queue
// admission or provider dispatch happens.
package request

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pollinations/text-gateway/internal/providers"
)

// Defaults for the normalizer limits. Both are overridable via Options.
const (
	DefaultMaxPromptChars = 256_000
	DefaultMaxImages      = 5
)

// ErrInvalidMessages marks a malformed or absent messages array. Returned
// errors wrap it so callers can errors.Is against the class.
var ErrInvalidMessages = errors.New("invalid messages array")

// PayloadTooLargeError is returned when the concatenated message text exceeds
// the configured maximum. Its message contains "exceeds maximum length" —
// callers pattern-match that string.
type PayloadTooLargeError struct {
	Length int
	Max    int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("input text exceeds maximum length of %d characters (got %d)", e.Max, e.Length)
}

// Options tunes the normalizer limits. Zero values use the defaults.
type Options struct {
	MaxPromptChars int
	MaxImages      int
}

// Normalizer parses and validates inbound requests.
type Normalizer struct {
	maxPromptChars int
	maxImages      int
}

// New creates a Normalizer with the given limits.
func New(opts Options) *Normalizer {
	n := &Normalizer{
		maxPromptChars: opts.MaxPromptChars,
		maxImages:      opts.MaxImages,
	}
	if n.maxPromptChars <= 0 {
		n.maxPromptChars = DefaultMaxPromptChars
	}
	if n.maxImages <= 0 {
		n.maxImages = DefaultMaxImages
	}
	return n
}

// inboundBody mirrors the POST body. Messages stays raw so that a string
// where an array is expected can be rejected with a precise error instead of
// a generic JSON type mismatch.
type inboundBody struct {
	Model       string           `json:"model"`
	Messages    json.RawMessage  `json:"messages"`
	Prompt      string           `json:"prompt"`
	Temperature *float64         `json:"temperature"`
	Seed        *int64           `json:"seed"`
	MaxTokens   int              `json:"max_tokens"`
	Tools       []map[string]any `json:"tools"`
	ToolChoice  any              `json:"tool_choice"`
	Functions   []map[string]any `json:"functions"`
	JSONMode    bool             `json:"jsonMode"`
	JSONModeAlt bool             `json:"json_mode"`
	Stream      bool             `json:"stream"`
}

// ParseBody normalizes a POST JSON body into a GenerationRequest.
func (n *Normalizer) ParseBody(body []byte, defaultModel string, client providers.Identity, requestID string) (*providers.GenerationRequest, error) {
	var in inboundBody
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON body: %v", ErrInvalidMessages, err)
	}

	msgs, err := n.parseMessages(in.Messages, in.Prompt)
	if err != nil {
		return nil, err
	}

	model := in.Model
	if model == "" {
		model = defaultModel
	}

	req := &providers.GenerationRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: in.Temperature,
		Seed:        in.Seed,
		MaxTokens:   in.MaxTokens,
		ToolChoice:  StripNulls(in.ToolChoice),
		JSONMode:    in.JSONMode || in.JSONModeAlt,
		Stream:      in.Stream,
		Client:      client,
		RequestID:   requestID,
	}

	// Tool schemas arrive as free-form JSON; strip null members so that the
	// clean parameter set is what reaches providers and the cache key.
	req.Tools = stripToolList(in.Tools)

	// Legacy "functions" are folded into tools as {type:"function",function:...}.
	for _, fn := range in.Functions {
		cleaned, ok := StripNulls(fn).(map[string]any)
		if !ok {
			continue
		}
		req.Tools = append(req.Tools, map[string]any{
			"type":     "function",
			"function": cleaned,
		})
	}

	if err := n.enforceLimits(req); err != nil {
		return nil, err
	}
	return req, nil
}

// PromptParams carries the optional query parameters of the GET /{prompt}
// surface. They are folded into the request here, before the limits run, so
// a system prompt counts against the size cap like any other message text.
type PromptParams struct {
	System      string
	Seed        *int64
	Temperature *float64
	JSONMode    bool
	Stream      bool
}

// FromPrompt builds a GenerationRequest for the GET /{prompt} path: the bare
// prompt becomes a single user message, preceded by a system message when
// the system parameter is set.
func (n *Normalizer) FromPrompt(prompt, model string, params PromptParams, client providers.Identity, requestID string) (*providers.GenerationRequest, error) {
	if prompt == "" {
		return nil, fmt.Errorf("%w: empty prompt", ErrInvalidMessages)
	}

	var msgs []providers.Message
	if params.System != "" {
		msgs = append(msgs, providers.Message{
			Role:    providers.RoleSystem,
			Content: providers.TextContent(params.System),
		})
	}
	msgs = append(msgs, providers.Message{
		Role:    providers.RoleUser,
		Content: providers.TextContent(prompt),
	})

	req := &providers.GenerationRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: params.Temperature,
		Seed:        params.Seed,
		JSONMode:    params.JSONMode,
		Stream:      params.Stream,
		Client:      client,
		RequestID:   requestID,
	}

	if err := n.enforceLimits(req); err != nil {
		return nil, err
	}
	return req, nil
}

// parseMessages validates the raw messages field, falling back to a bare
// prompt when messages is absent.
func (n *Normalizer) parseMessages(raw json.RawMessage, prompt string) ([]providers.Message, error) {
	if len(raw) == 0 || string(raw) == "null" {
		if prompt != "" {
			return []providers.Message{
				{Role: providers.RoleUser, Content: providers.TextContent(prompt)},
			}, nil
		}
		return nil, fmt.Errorf("%w: 'messages' is required", ErrInvalidMessages)
	}

	var msgs []providers.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("%w: 'messages' must be an array of message objects: %v", ErrInvalidMessages, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: 'messages' must not be empty", ErrInvalidMessages)
	}
	for i, m := range msgs {
		if !providers.ValidRole(m.Role) {
			return nil, fmt.Errorf("%w: message %d has invalid role %q", ErrInvalidMessages, i, m.Role)
		}
	}
	return msgs, nil
}

// enforceLimits applies the prompt size cap and the per-request image cap.
// Oversized text rejects the request; surplus images are dropped silently.
func (n *Normalizer) enforceLimits(req *providers.GenerationRequest) error {
	total := 0
	for _, m := range req.Messages {
		total += m.Content.TextLen()
	}
	if total > n.maxPromptChars {
		return &PayloadTooLargeError{Length: total, Max: n.maxPromptChars}
	}

	images := 0
	for mi, m := range req.Messages {
		if !m.Content.IsParts {
			continue
		}
		kept := m.Content.Parts[:0:0]
		for _, p := range m.Content.Parts {
			if p.Type == providers.PartImageURL {
				if images >= n.maxImages {
					continue // over the cap: drop, do not reject
				}
				images++
			}
			kept = append(kept, p)
		}
		req.Messages[mi].Content.Parts = kept
	}
	return nil
}

func stripToolList(tools []map[string]any) []map[string]any {
	if len(tools) == 0 {
		return nil
	}
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		if cleaned, ok := StripNulls(t).(map[string]any); ok {
			out = append(out, cleaned)
		}
	}
	return out
}
