package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/pollinations/text-gateway/internal/providers"
)

// keyMessage is the canonical message shape hashed into the cache key.
type keyMessage struct {
	Role    string                   `json:"role"`
	Content providers.MessageContent `json:"content"`
}

// keyPayload fixes the field set and order of the hashed material. Only
// semantic fields participate: transport concerns (stream flag, client
// identity, request ID) are deliberately absent so the same conversation
// shares an entry across transports.
type keyPayload struct {
	Model       string           `json:"model"`
	Messages    []keyMessage     `json:"messages"`
	Temperature *float64         `json:"temperature"`
	Seed        *int64           `json:"seed"`
	JSONMode    bool             `json:"json_mode"`
	Tools       []map[string]any `json:"tools,omitempty"`
}

// BuildKey derives the deterministic cache key for a normalized request.
//
// Determinism holds regardless of the key order of the original JSON payload:
// the request was decoded into typed structs, and the remaining free-form
// parts (tool schemas) are Go maps, which encoding/json marshals with sorted
// keys. Two requests differing only in field insertion order therefore hash
// identically, while any semantic difference changes the digest.
func BuildKey(req *providers.GenerationRequest) string {
	msgs := make([]keyMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = keyMessage{Role: m.Role, Content: m.Content}
	}

	data, _ := json.Marshal(keyPayload{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		Seed:        req.Seed,
		JSONMode:    req.JSONMode,
		Tools:       req.Tools,
	})

	h := sha256.Sum256(data)
	return "cache:" + hex.EncodeToString(h[:])
}
