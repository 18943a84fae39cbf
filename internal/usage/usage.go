// Package usage implements token usage accounting for the gateway.
//
// Provider-specific usage payloads (prompt_tokens, completion_tokens,
// *_tokens_details) are mapped into a single canonical Record with the token
// counts broken out by modality. The record is exposed to clients both as an
// embedded "usage" object and as x-usage-* response headers (declared via the
// Trailer header on streaming responses).
package usage

import (
	"fmt"
	"strconv"
	"time"
)

// Header names. Zero-valued components are omitted on the wire and default
// to 0 when parsed back.
const (
	HeaderModelUsed = "x-model-used"

	HeaderPromptTextTokens   = "x-usage-prompt-text-tokens"
	HeaderPromptAudioTokens  = "x-usage-prompt-audio-tokens"
	HeaderPromptVideoTokens  = "x-usage-prompt-video-tokens"
	HeaderPromptCachedTokens = "x-usage-prompt-cached-tokens"

	HeaderCompletionTextTokens      = "x-usage-completion-text-tokens"
	HeaderCompletionAudioTokens     = "x-usage-completion-audio-tokens"
	HeaderCompletionVideoTokens     = "x-usage-completion-video-tokens"
	HeaderCompletionReasoningTokens = "x-usage-completion-reasoning-tokens"

	HeaderTotalTokens     = "x-usage-total-tokens"
	HeaderResponseSeconds = "x-usage-response-seconds"
)

// Record is the canonical per-request usage breakdown.
//
// Invariant: Total() == PromptTotal() + CompletionTotal(). Cached prompt
// tokens are tracked separately and do not contribute to the totals.
type Record struct {
	PromptTextTokens   int `json:"prompt_text_tokens,omitempty"`
	PromptAudioTokens  int `json:"prompt_audio_tokens,omitempty"`
	PromptVideoTokens  int `json:"prompt_video_tokens,omitempty"`
	PromptCachedTokens int `json:"prompt_cached_tokens,omitempty"`

	CompletionTextTokens      int `json:"completion_text_tokens,omitempty"`
	CompletionAudioTokens     int `json:"completion_audio_tokens,omitempty"`
	CompletionVideoTokens     int `json:"completion_video_tokens,omitempty"`
	CompletionReasoningTokens int `json:"completion_reasoning_tokens,omitempty"`
}

// PromptTotal returns the sum of non-cached prompt components.
func (r Record) PromptTotal() int {
	return r.PromptTextTokens + r.PromptAudioTokens + r.PromptVideoTokens
}

// CompletionTotal returns the sum of completion components.
func (r Record) CompletionTotal() int {
	return r.CompletionTextTokens + r.CompletionAudioTokens +
		r.CompletionVideoTokens + r.CompletionReasoningTokens
}

// Total returns PromptTotal + CompletionTotal.
func (r Record) Total() int {
	return r.PromptTotal() + r.CompletionTotal()
}

// IsZero reports whether no component is populated.
func (r Record) IsZero() bool {
	return r == Record{}
}

// Wire is the OpenAI-compatible JSON representation of a Record, as embedded
// in the response "usage" object.
type Wire struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	PromptTokensDetails     *PromptDetails     `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *CompletionDetails `json:"completion_tokens_details,omitempty"`
}

// PromptDetails mirrors OpenAI's prompt_tokens_details object.
type PromptDetails struct {
	CachedTokens int `json:"cached_tokens,omitempty"`
	AudioTokens  int `json:"audio_tokens,omitempty"`
	VideoTokens  int `json:"video_tokens,omitempty"`
}

// CompletionDetails mirrors OpenAI's completion_tokens_details object.
type CompletionDetails struct {
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
	AudioTokens     int `json:"audio_tokens,omitempty"`
	VideoTokens     int `json:"video_tokens,omitempty"`
}

// ToWire converts a Record into the OpenAI-compatible usage object.
func (r Record) ToWire() Wire {
	w := Wire{
		PromptTokens:     r.PromptTotal(),
		CompletionTokens: r.CompletionTotal(),
		TotalTokens:      r.Total(),
	}
	if r.PromptCachedTokens != 0 || r.PromptAudioTokens != 0 || r.PromptVideoTokens != 0 {
		w.PromptTokensDetails = &PromptDetails{
			CachedTokens: r.PromptCachedTokens,
			AudioTokens:  r.PromptAudioTokens,
			VideoTokens:  r.PromptVideoTokens,
		}
	}
	if r.CompletionReasoningTokens != 0 || r.CompletionAudioTokens != 0 || r.CompletionVideoTokens != 0 {
		w.CompletionTokensDetails = &CompletionDetails{
			ReasoningTokens: r.CompletionReasoningTokens,
			AudioTokens:     r.CompletionAudioTokens,
			VideoTokens:     r.CompletionVideoTokens,
		}
	}
	return w
}

// FromWire maps a provider's raw OpenAI-shaped usage object into a Record.
// Text token counts are derived by subtracting the detail counts from the
// flat totals, so providers that report only prompt/completion totals map to
// pure text usage. Cached tokens are part of the subtraction: providers fold
// them into the flat prompt_tokens, but here each token belongs to exactly
// one component, so the text count covers non-cached text only.
func FromWire(w Wire) Record {
	r := Record{
		PromptTextTokens:     w.PromptTokens,
		CompletionTextTokens: w.CompletionTokens,
	}
	if d := w.PromptTokensDetails; d != nil {
		r.PromptCachedTokens = d.CachedTokens
		r.PromptAudioTokens = d.AudioTokens
		r.PromptVideoTokens = d.VideoTokens
		r.PromptTextTokens = w.PromptTokens - d.CachedTokens - d.AudioTokens - d.VideoTokens
		if r.PromptTextTokens < 0 {
			r.PromptTextTokens = 0
		}
	}
	if d := w.CompletionTokensDetails; d != nil {
		r.CompletionReasoningTokens = d.ReasoningTokens
		r.CompletionAudioTokens = d.AudioTokens
		r.CompletionVideoTokens = d.VideoTokens
		r.CompletionTextTokens = w.CompletionTokens - d.ReasoningTokens - d.AudioTokens - d.VideoTokens
		if r.CompletionTextTokens < 0 {
			r.CompletionTextTokens = 0
		}
	}
	return r
}

// HeaderSetter is the subset of a response header writer the accountant needs.
// *fasthttp.ResponseHeader satisfies it.
type HeaderSetter interface {
	Set(key, value string)
}

// HeaderNames returns the full ordered list of usage headers, suitable for a
// Trailer declaration on streaming responses.
func HeaderNames() []string {
	return []string{
		HeaderModelUsed,
		HeaderPromptTextTokens,
		HeaderPromptAudioTokens,
		HeaderPromptVideoTokens,
		HeaderPromptCachedTokens,
		HeaderCompletionTextTokens,
		HeaderCompletionAudioTokens,
		HeaderCompletionVideoTokens,
		HeaderCompletionReasoningTokens,
		HeaderTotalTokens,
		HeaderResponseSeconds,
	}
}

// SetHeaders writes the usage headers for a completed request. Zero-valued
// token components are omitted; the totals and the model are always written.
func SetHeaders(h HeaderSetter, model string, r Record, elapsed time.Duration) {
	h.Set(HeaderModelUsed, model)

	setNonZero := func(name string, v int) {
		if v != 0 {
			h.Set(name, strconv.Itoa(v))
		}
	}
	setNonZero(HeaderPromptTextTokens, r.PromptTextTokens)
	setNonZero(HeaderPromptAudioTokens, r.PromptAudioTokens)
	setNonZero(HeaderPromptVideoTokens, r.PromptVideoTokens)
	setNonZero(HeaderPromptCachedTokens, r.PromptCachedTokens)
	setNonZero(HeaderCompletionTextTokens, r.CompletionTextTokens)
	setNonZero(HeaderCompletionAudioTokens, r.CompletionAudioTokens)
	setNonZero(HeaderCompletionVideoTokens, r.CompletionVideoTokens)
	setNonZero(HeaderCompletionReasoningTokens, r.CompletionReasoningTokens)

	h.Set(HeaderTotalTokens, strconv.Itoa(r.Total()))
	h.Set(HeaderResponseSeconds, fmt.Sprintf("%.3f", elapsed.Seconds()))
}

// HeaderGetter is the read side of the codec. net/http Header.Get and
// fasthttp Peek (wrapped) both fit.
type HeaderGetter interface {
	Get(key string) string
}

// ParseHeaders reads the usage headers back into a Record and the model name.
// Absent headers parse as 0, so SetHeaders → ParseHeaders round-trips for all
// populated fields.
func ParseHeaders(h HeaderGetter) (model string, r Record, err error) {
	model = h.Get(HeaderModelUsed)

	get := func(name string, dst *int) {
		if err != nil {
			return
		}
		raw := h.Get(name)
		if raw == "" {
			return
		}
		v, perr := strconv.Atoi(raw)
		if perr != nil {
			err = fmt.Errorf("usage: header %s: %w", name, perr)
			return
		}
		*dst = v
	}
	get(HeaderPromptTextTokens, &r.PromptTextTokens)
	get(HeaderPromptAudioTokens, &r.PromptAudioTokens)
	get(HeaderPromptVideoTokens, &r.PromptVideoTokens)
	get(HeaderPromptCachedTokens, &r.PromptCachedTokens)
	get(HeaderCompletionTextTokens, &r.CompletionTextTokens)
	get(HeaderCompletionAudioTokens, &r.CompletionAudioTokens)
	get(HeaderCompletionVideoTokens, &r.CompletionVideoTokens)
	get(HeaderCompletionReasoningTokens, &r.CompletionReasoningTokens)
	if err != nil {
		return "", Record{}, err
	}

	// Cross-check the total when present; a mismatch indicates a producer bug.
	if raw := h.Get(HeaderTotalTokens); raw != "" {
		total, perr := strconv.Atoi(raw)
		if perr != nil {
			return "", Record{}, fmt.Errorf("usage: header %s: %w", HeaderTotalTokens, perr)
		}
		if total != r.Total() {
			return "", Record{}, fmt.Errorf("usage: total %d does not match components %d", total, r.Total())
		}
	}

	return model, r, nil
}
