package request

// StripNulls returns a copy of v with every nil-valued key removed from maps
// at any nesting depth, recursing through maps and slices. All other values,
// including 0, false, and "", are preserved. Applying it twice yields the
// same result as applying it once.
//
// The input is the generic encoding/json representation (map[string]any,
// []any, scalars); both JSON null and absent-after-decode nils map to Go nil
// and are removed uniformly.
func StripNulls(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if item == nil {
				continue
			}
			out[k] = StripNulls(item)
		}
		return out
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			// Null array elements are positional; they are kept as-is so
			// that argument lists keep their arity.
			if item == nil {
				out = append(out, nil)
				continue
			}
			out = append(out, StripNulls(item))
		}
		return out
	default:
		return v
	}
}
