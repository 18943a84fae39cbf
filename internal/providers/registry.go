package providers

import (
	"fmt"
	"sort"
)

// ModelInfo is one entry of the public model catalog served by GET /models.
type ModelInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Tier     string `json:"tier"`
	Provider string `json:"-"`

	// Upstream is the model identifier sent to the provider. The public
	// Name is an alias; the catalog owns the translation.
	Upstream string `json:"-"`
}

// Registry is an immutable model → handler map with an explicit default.
// It is built once at startup and injected into the dispatcher; unknown
// model names resolve to the default handler rather than failing.
type Registry struct {
	byModel map[string]Handler
	def     Handler
	catalog []ModelInfo
}

// NewRegistry builds a Registry. def must be non-nil; every catalog entry
// must name a handler present in byModel (or the default's models).
func NewRegistry(def Handler, byModel map[string]Handler, catalog []ModelInfo) (*Registry, error) {
	if def == nil {
		return nil, fmt.Errorf("registry: default handler is required")
	}

	m := make(map[string]Handler, len(byModel))
	for model, h := range byModel {
		if h == nil {
			return nil, fmt.Errorf("registry: nil handler for model %q", model)
		}
		m[model] = h
	}

	cat := make([]ModelInfo, len(catalog))
	copy(cat, catalog)
	sort.Slice(cat, func(i, j int) bool { return cat[i].Name < cat[j].Name })

	return &Registry{byModel: m, def: def, catalog: cat}, nil
}

// Resolve returns the handler for model, falling back to the default handler
// when the model name is unrecognized.
func (r *Registry) Resolve(model string) Handler {
	if h, ok := r.byModel[model]; ok {
		return h
	}
	return r.def
}

// Info returns the catalog entry for model, if one exists.
func (r *Registry) Info(model string) (ModelInfo, bool) {
	for _, mi := range r.catalog {
		if mi.Name == model {
			return mi, true
		}
	}
	return ModelInfo{}, false
}

// Upstream translates a public model alias to the identifier the provider
// expects. Unknown aliases pass through unchanged.
func (r *Registry) Upstream(model string) string {
	if mi, ok := r.Info(model); ok && mi.Upstream != "" {
		return mi.Upstream
	}
	return model
}

// Known reports whether model maps to an explicitly registered handler.
func (r *Registry) Known(model string) bool {
	_, ok := r.byModel[model]
	return ok
}

// Default returns the default handler.
func (r *Registry) Default() Handler { return r.def }

// Catalog returns the model catalog sorted by name. The returned slice is
// shared; callers must not mutate it.
func (r *Registry) Catalog() []ModelInfo { return r.catalog }

// Len returns the number of explicitly registered models.
func (r *Registry) Len() int { return len(r.byModel) }
