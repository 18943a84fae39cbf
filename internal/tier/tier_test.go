package tier

import (
	"errors"
	"testing"
)

func TestNew_RejectsUnknownTier(t *testing.T) {
	if _, err := New(map[string]string{"tok": "platinum"}); err == nil {
		t.Error("unknown tier name should fail at startup")
	}
}

func TestResolve(t *testing.T) {
	g, err := New(map[string]string{"tok-seed": Seed, "tok-nectar": Nectar})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		token string
		want  string
	}{
		{"tok-seed", Seed},
		{"tok-nectar", Nectar},
		{"unknown", Anonymous},
		{"", Anonymous},
	}
	for _, tt := range tests {
		if got := g.Resolve(tt.token); got != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.token, got, tt.want)
		}
	}
}

func TestResolve_NilGate(t *testing.T) {
	var g *Gate
	if got := g.Resolve("anything"); got != Anonymous {
		t.Errorf("nil gate should resolve to anonymous, got %q", got)
	}
}

func TestCheck_Ordering(t *testing.T) {
	g, _ := New(nil)

	tests := []struct {
		model, caller string
		allow         bool
	}{
		{Anonymous, Anonymous, true},
		{Seed, Anonymous, false},
		{Seed, Seed, true},
		{Seed, Flower, true},
		{Flower, Seed, false},
		{Nectar, Nectar, true},
	}
	for _, tt := range tests {
		err := g.Check("m", tt.model, tt.caller)
		if (err == nil) != tt.allow {
			t.Errorf("Check(model=%s, caller=%s): err=%v, want allow=%v", tt.model, tt.caller, err, tt.allow)
		}
	}
}

func TestCheck_ErrorPayload(t *testing.T) {
	g, _ := New(nil)
	err := g.Check("claude", Seed, Anonymous)

	var ite *InsufficientTierError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InsufficientTierError, got %v", err)
	}
	if ite.Model != "claude" || ite.Required != Seed || ite.Caller != Anonymous {
		t.Errorf("unexpected payload: %+v", ite)
	}
}

func TestCheck_UnknownTiersGateAsAnonymous(t *testing.T) {
	g, _ := New(nil)
	if err := g.Check("m", "mystery", Anonymous); err != nil {
		t.Errorf("unknown model tier should fail open, got %v", err)
	}
}

func TestVisible(t *testing.T) {
	g, _ := New(nil)
	if !g.Visible(Anonymous, Anonymous) {
		t.Error("anonymous model visible to everyone")
	}
	if g.Visible(Flower, Seed) {
		t.Error("flower model hidden from seed caller")
	}
	if !g.Visible(Seed, Nectar) {
		t.Error("lower-tier model visible to higher-tier caller")
	}
}
