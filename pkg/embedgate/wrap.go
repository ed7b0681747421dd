package embedgate

// The document store's array handling must be protected from structural
// mutation by the storage layer, so every nested array is wrapped as a tagged
// object before encoding and unwrapped symmetrically on load. Plain objects
// and scalars pass through unchanged.

const (
	arrayWrapperTag   = "__isWrappedArray"
	arrayWrapperValue = "value"
)

// WrapArrays returns a copy of v in which every array, at any nesting depth,
// is replaced by {"__isWrappedArray": true, "value": <array>}. The input is
// expected to be a decoded JSON value (maps, slices, scalars).
func WrapArrays(v interface{}) interface{} {
	switch val := v.(type) {
	case []interface{}:
		items := make([]interface{}, len(val))
		for i, item := range val {
			items[i] = WrapArrays(item)
		}
		return map[string]interface{}{
			arrayWrapperTag:   true,
			arrayWrapperValue: items,
		}
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = WrapArrays(item)
		}
		return out
	default:
		return v
	}
}

// UnwrapArrays is the inverse of WrapArrays. Objects that do not carry the
// wrapper tag pass through untouched, so unwrapping data that was never
// wrapped (legacy documents) is a no-op.
func UnwrapArrays(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		if tagged, ok := val[arrayWrapperTag].(bool); ok && tagged {
			if items, ok := val[arrayWrapperValue].([]interface{}); ok {
				out := make([]interface{}, len(items))
				for i, item := range items {
					out[i] = UnwrapArrays(item)
				}
				return out
			}
		}
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = UnwrapArrays(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = UnwrapArrays(item)
		}
		return out
	default:
		return v
	}
}
