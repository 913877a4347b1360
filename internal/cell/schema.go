package cell

import "github.com/commontoolsinc/runtime/internal/path"

// rawSchema helpers walk a decoded JSON Schema document (bool | map[string]any)
// directly, independent of the compiled IR in internal/schema: asCell,
// asStream, default and $ref resolution are projection-layer metadata
// that never change a schema's three-valued verdict (internal/schema's
// evaluator has no notion of them), but they do change how the cell
// layer presents a read — as a nested value, a handle, or a stream
// sink — so they're resolved here, against the raw schema tree, rather
// than folded into the IR.

// resolveRef follows a single-level "$ref": "#/$defs/Name" indirection
// against root's $defs, the only ref shape the cell layer's schema
// metadata needs to understand (internal/schema, when compiling the
// verdict-bearing IR, likewise accepts only local #/$defs/ refs).
func resolveRef(root, node any) any {
	for depth := 0; depth < 32; depth++ {
		obj, ok := node.(map[string]any)
		if !ok {
			return node
		}
		ref, ok := obj["$ref"].(string)
		if !ok {
			return node
		}
		name, ok := defName(ref)
		if !ok {
			return node
		}
		rootObj, ok := root.(map[string]any)
		if !ok {
			return node
		}
		defs, _ := rootObj["$defs"].(map[string]any)
		next, ok := defs[name]
		if !ok {
			return node
		}
		node = next
	}
	return node
}

// defName extracts "Name" from a "#/$defs/Name" pointer.
func defName(ref string) (string, bool) {
	const prefix = "#/$defs/"
	if len(ref) <= len(prefix) || ref[:len(prefix)] != prefix {
		return "", false
	}
	return ref[len(prefix):], true
}

// AsCell reports whether schema (already $ref-resolved) marks its
// location as a handle rather than an inlined value: `{"asCell": true}`.
func AsCell(root, schema any) bool {
	resolved := resolveRef(root, schema)
	obj, ok := resolved.(map[string]any)
	if !ok {
		return false
	}
	b, _ := obj["asCell"].(bool)
	return b
}

// AsStream reports whether schema marks its location as a write-only
// event sink: `{"asStream": true}`.
func AsStream(root, schema any) bool {
	resolved := resolveRef(root, schema)
	obj, ok := resolved.(map[string]any)
	if !ok {
		return false
	}
	b, _ := obj["asStream"].(bool)
	return b
}

// DefaultValue returns schema's "default" value and whether one is
// present, used to materialize a location that has never been written.
func DefaultValue(root, schema any) (any, bool) {
	resolved := resolveRef(root, schema)
	obj, ok := resolved.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := obj["default"]
	return v, ok
}

// StripProjection returns a copy of schema with asCell/asStream removed,
// the schema a write-redirect target's child reads are evaluated
// against once the handle/stream wrapper itself has been consumed by
// the caller: the destination schema strips asCell/asStream before
// being applied to the link's target.
func StripProjection(root, schema any) any {
	resolved := resolveRef(root, schema)
	obj, ok := resolved.(map[string]any)
	if !ok {
		return resolved
	}
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if k == "asCell" || k == "asStream" {
			continue
		}
		out[k] = v
	}
	return out
}

// ChildSchema returns the sub-schema applicable to one path segment of
// schema: the matching "properties" entry or "additionalProperties" for
// a key segment, "items" (or the matching tuple slot) for an index
// segment. Returns (nil, false) when schema imposes no constraint on
// that child, the common case for untyped or permissive schemas.
func ChildSchema(root, schema any, seg path.Segment) (any, bool) {
	resolved := resolveRef(root, schema)
	obj, ok := resolved.(map[string]any)
	if !ok {
		return nil, false
	}

	if seg.IsIndex() {
		if items, ok := obj["items"]; ok {
			if arr, isTuple := items.([]any); isTuple {
				i := seg.IntValue()
				if i >= 0 && i < len(arr) {
					return arr[i], true
				}
				return nil, false
			}
			return items, true
		}
		return nil, false
	}

	if props, ok := obj["properties"].(map[string]any); ok {
		if child, ok := props[seg.StringValue()]; ok {
			return child, true
		}
	}
	if additional, ok := obj["additionalProperties"]; ok {
		if b, isBool := additional.(bool); isBool {
			if !b {
				return nil, false
			}
			return nil, false
		}
		return additional, true
	}
	return nil, false
}
