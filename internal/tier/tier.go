// Package tier implements the pass/fail model-tier authorization gate.
//
// Full tier policy (billing, token issuance) lives outside the gateway; this
// package only resolves an access token to a tier and answers whether that
// tier may use a given model. Failures surface as HTTP 403 with the
// INSUFFICIENT_TIER error code.
package tier

import "fmt"

// Tier names, in ascending order of privilege.
const (
	Anonymous = "anonymous"
	Seed      = "seed"
	Flower    = "flower"
	Nectar    = "nectar"
)

var rank = map[string]int{
	Anonymous: 0,
	Seed:      1,
	Flower:    2,
	Nectar:    3,
}

// InsufficientTierError reports a tier gate failure.
type InsufficientTierError struct {
	Model    string
	Required string
	Caller   string
}

func (e *InsufficientTierError) Error() string {
	return fmt.Sprintf("model %q requires tier %q (caller tier %q)", e.Model, e.Required, e.Caller)
}

// Gate resolves access tokens to tiers and checks model access.
// The zero value (no tokens) treats every caller as anonymous.
type Gate struct {
	tokens map[string]string
}

// New builds a Gate from a token → tier map. Unknown tier names in the map
// are rejected so misconfiguration fails at startup.
func New(tokens map[string]string) (*Gate, error) {
	g := &Gate{tokens: make(map[string]string, len(tokens))}
	for token, t := range tokens {
		if _, ok := rank[t]; !ok {
			return nil, fmt.Errorf("tier: unknown tier %q for configured token", t)
		}
		if token != "" {
			g.tokens[token] = t
		}
	}
	return g, nil
}

// Resolve returns the tier for an access token. Empty or unknown tokens
// resolve to anonymous.
func (g *Gate) Resolve(token string) string {
	if g == nil || token == "" {
		return Anonymous
	}
	if t, ok := g.tokens[token]; ok {
		return t
	}
	return Anonymous
}

// Check returns nil when callerTier may use a model gated at modelTier, and
// an *InsufficientTierError otherwise. Unknown model tiers gate as anonymous
// so new catalog entries fail open rather than locking everyone out.
func (g *Gate) Check(model, modelTier, callerTier string) error {
	required, ok := rank[modelTier]
	if !ok {
		required = rank[Anonymous]
	}
	caller, ok := rank[callerTier]
	if !ok {
		caller = rank[Anonymous]
	}
	if caller < required {
		return &InsufficientTierError{Model: model, Required: modelTier, Caller: callerTier}
	}
	return nil
}

// Visible reports whether a model gated at modelTier should be listed for a
// caller at callerTier.
func (g *Gate) Visible(modelTier, callerTier string) bool {
	return g.Check("", modelTier, callerTier) == nil
}
