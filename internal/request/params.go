package request

import "github.com/pollinations/text-gateway/internal/providers"

// unsupportedParams is the per-provider exception table: parameters that a
// backend rejects outright and must be removed just before dispatch to that
// backend. This is deliberately not a global rule — the same request keeps
// its seed when routed elsewhere, and the cache key is built before this
// step so semantically identical requests share an entry regardless of the
// serving backend.
var unsupportedParams = map[string]map[string]bool{
	"anthropic": {"seed": true, "tools": true},
	"scaleway":  {"seed": true, "tools": true},
}

// Unsupported reports whether the named parameter must be stripped for the
// given provider.
func Unsupported(provider, param string) bool {
	return unsupportedParams[provider][param]
}

// ForProvider returns req adjusted for the target provider, dropping the
// parameters the provider does not support. The original request is never
// mutated; when nothing needs to change the original pointer is returned.
func ForProvider(req *providers.GenerationRequest, provider string) *providers.GenerationRequest {
	table := unsupportedParams[provider]
	if table == nil {
		return req
	}

	out := *req
	if table["seed"] {
		out.Seed = nil
	}
	if table["tools"] {
		out.Tools = nil
		out.ToolChoice = nil
	}
	if table["temperature"] {
		out.Temperature = nil
	}
	return &out
}
