package runner

import "encoding/json"

// normalizeArgument round-trips value through an encode/decode cycle so
// a freshly-built Go value (e.g. an int literal from a hand-built
// recipe) ends up in exactly the shape a schema evaluator or a later
// cell Get will see: float64 numbers, map[string]any objects, []any
// arrays — the same decoded-JSON forms internal/cell coerces committed
// documents back into.
func normalizeArgument(v any) any {
	body, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(body, &out); err != nil {
		return v
	}
	return out
}

// mergeJSON deep-merges overlay onto base: object keys union recursively
// (overlay wins on conflicting scalars and arrays), nil overlay leaves
// base untouched. This is the `merge` used when seeding a process
// cell, combining argument-schema defaults, prior internal state and a
// recipe's declared initial internal state.
func mergeJSON(base, overlay any) any {
	if overlay == nil {
		return base
	}
	overlayObj, overlayIsObj := overlay.(map[string]any)
	baseObj, baseIsObj := base.(map[string]any)
	if !overlayIsObj || !baseIsObj {
		return overlay
	}

	out := make(map[string]any, len(baseObj)+len(overlayObj))
	for k, v := range baseObj {
		out[k] = v
	}
	for k, v := range overlayObj {
		if existing, ok := out[k]; ok {
			out[k] = mergeJSON(existing, v)
		} else {
			out[k] = v
		}
	}
	return out
}

// expandDefaults recursively materializes a schema's "default" values
// into a document tree: an object schema's defaults tree is the merge of
// its own "default" (if any) and each property's own expanded default,
// so a nested property can declare a default without its ancestor
// needing to repeat it.
func expandDefaults(schema any) any {
	obj, ok := schema.(map[string]any)
	if !ok {
		return nil
	}

	var own any
	if d, ok := obj["default"]; ok {
		own = d
	}

	props, ok := obj["properties"].(map[string]any)
	if !ok {
		return own
	}

	nested := map[string]any{}
	found := false
	for name, propSchema := range props {
		if d := expandDefaults(propSchema); d != nil {
			nested[name] = d
			found = true
		}
	}
	if !found {
		return own
	}
	return mergeJSON(own, nested)
}

// fingerprint computes a stable structural digest of v, used to detect
// whether a Run call's argument actually changed from the previously
// seeded one.
func fingerprint(v any) string {
	normalized := normalizeArgument(v)
	body, err := json.Marshal(sortedValue(normalized))
	if err != nil {
		return ""
	}
	return string(body)
}

// sortedValue doesn't need to do anything for encoding/json's own
// marshaling of map[string]any (it already sorts keys), but is kept as
// a named step so fingerprint's intent reads clearly at the call site.
func sortedValue(v any) any { return v }
