package usage

import (
	"strings"
	"testing"
	"time"
)

// headerMap is a minimal HeaderSetter/HeaderGetter for tests.
type headerMap map[string]string

func (h headerMap) Set(key, value string) { h[key] = value }
func (h headerMap) Get(key string) string { return h[key] }

func TestRecordTotals(t *testing.T) {
	r := Record{
		PromptTextTokens:          10,
		PromptAudioTokens:         2,
		PromptCachedTokens:        100,
		CompletionTextTokens:      5,
		CompletionReasoningTokens: 3,
	}

	if got := r.PromptTotal(); got != 12 {
		t.Errorf("PromptTotal = %d, want 12 (cached tokens excluded)", got)
	}
	if got := r.CompletionTotal(); got != 8 {
		t.Errorf("CompletionTotal = %d, want 8", got)
	}
	if got := r.Total(); got != r.PromptTotal()+r.CompletionTotal() {
		t.Errorf("Total = %d, want sum of prompt and completion totals", got)
	}
}

func TestToWire(t *testing.T) {
	r := Record{
		PromptTextTokens:          10,
		PromptCachedTokens:        4,
		CompletionTextTokens:      5,
		CompletionReasoningTokens: 2,
	}
	w := r.ToWire()

	if w.PromptTokens != 10 || w.CompletionTokens != 7 || w.TotalTokens != 17 {
		t.Errorf("unexpected flat totals: %+v", w)
	}
	if w.PromptTokensDetails == nil || w.PromptTokensDetails.CachedTokens != 4 {
		t.Errorf("cached tokens lost: %+v", w.PromptTokensDetails)
	}
	if w.CompletionTokensDetails == nil || w.CompletionTokensDetails.ReasoningTokens != 2 {
		t.Errorf("reasoning tokens lost: %+v", w.CompletionTokensDetails)
	}
}

func TestToWire_OmitsEmptyDetails(t *testing.T) {
	w := Record{PromptTextTokens: 3, CompletionTextTokens: 1}.ToWire()
	if w.PromptTokensDetails != nil || w.CompletionTokensDetails != nil {
		t.Error("pure text usage should carry no details objects")
	}
}

func TestFromWire_FlatOnly(t *testing.T) {
	r := FromWire(Wire{PromptTokens: 9, CompletionTokens: 4, TotalTokens: 13})

	if r.PromptTextTokens != 9 || r.CompletionTextTokens != 4 {
		t.Errorf("flat totals should map to text tokens: %+v", r)
	}
	if r.Total() != 13 {
		t.Errorf("Total = %d, want 13", r.Total())
	}
}

func TestFromWire_DerivesTextFromDetails(t *testing.T) {
	r := FromWire(Wire{
		PromptTokens:            10,
		CompletionTokens:        8,
		PromptTokensDetails:     &PromptDetails{AudioTokens: 3, CachedTokens: 6},
		CompletionTokensDetails: &CompletionDetails{ReasoningTokens: 5},
	})

	if r.PromptTextTokens != 1 {
		t.Errorf("prompt text = %d, want 1 (total minus audio and cached)", r.PromptTextTokens)
	}
	if r.PromptCachedTokens != 6 {
		t.Errorf("cached = %d, want 6", r.PromptCachedTokens)
	}
	if r.CompletionTextTokens != 3 {
		t.Errorf("completion text = %d, want 3 (total minus reasoning)", r.CompletionTextTokens)
	}
}

func TestFromWire_CachedExcludedFromText(t *testing.T) {
	// prompt_tokens on the wire includes the cache hit, but each token
	// lands in exactly one component of the record.
	r := FromWire(Wire{
		PromptTokens:        10,
		PromptTokensDetails: &PromptDetails{CachedTokens: 4},
	})

	if r.PromptTextTokens != 6 {
		t.Errorf("prompt text = %d, want 6", r.PromptTextTokens)
	}
	if r.PromptCachedTokens != 4 {
		t.Errorf("cached = %d, want 4", r.PromptCachedTokens)
	}
}

func TestFromWire_ClampsNegativeText(t *testing.T) {
	r := FromWire(Wire{
		PromptTokens:        2,
		PromptTokensDetails: &PromptDetails{AudioTokens: 5},
	})
	if r.PromptTextTokens != 0 {
		t.Errorf("derived text must clamp at 0, got %d", r.PromptTextTokens)
	}
}

func TestSetParseHeaders_RoundTrip(t *testing.T) {
	r := Record{
		PromptTextTokens:          11,
		PromptCachedTokens:        2,
		CompletionTextTokens:      6,
		CompletionReasoningTokens: 1,
	}

	h := headerMap{}
	SetHeaders(h, "openai-large", r, 1234*time.Millisecond)

	model, parsed, err := ParseHeaders(h)
	if err != nil {
		t.Fatalf("ParseHeaders: %v", err)
	}
	if model != "openai-large" {
		t.Errorf("model = %q", model)
	}
	if parsed != r {
		t.Errorf("round trip mismatch: got %+v want %+v", parsed, r)
	}
	if h[HeaderResponseSeconds] != "1.234" {
		t.Errorf("response seconds = %q, want 1.234", h[HeaderResponseSeconds])
	}
}

func TestSetHeaders_OmitsZeroComponents(t *testing.T) {
	h := headerMap{}
	SetHeaders(h, "m", Record{PromptTextTokens: 1, CompletionTextTokens: 1}, time.Second)

	if _, present := h[HeaderPromptAudioTokens]; present {
		t.Error("zero components must be omitted")
	}
	if h[HeaderTotalTokens] != "2" {
		t.Errorf("total always written, got %q", h[HeaderTotalTokens])
	}
}

func TestParseHeaders_TotalMismatch(t *testing.T) {
	h := headerMap{
		HeaderPromptTextTokens: "5",
		HeaderTotalTokens:      "99",
	}
	_, _, err := ParseHeaders(h)
	if err == nil || !strings.Contains(err.Error(), "does not match") {
		t.Errorf("expected total cross-check failure, got %v", err)
	}
}

func TestParseHeaders_BadNumber(t *testing.T) {
	h := headerMap{HeaderPromptTextTokens: "not-a-number"}
	if _, _, err := ParseHeaders(h); err == nil {
		t.Error("expected parse error")
	}
}

func TestHeaderNamesCoverEveryHeader(t *testing.T) {
	names := HeaderNames()
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		seen[n] = true
	}
	for _, want := range []string{
		HeaderModelUsed, HeaderPromptTextTokens, HeaderPromptCachedTokens,
		HeaderCompletionReasoningTokens, HeaderTotalTokens, HeaderResponseSeconds,
	} {
		if !seen[want] {
			t.Errorf("HeaderNames missing %s", want)
		}
	}
}
