package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// compiler walks a JSON Schema document, interning IR nodes into a Pool.
// $ref is local-only (resolved against the root schema's $defs); a ref
// to a definition currently being compiled returns a provisional
// placeholder id, aliased to the real id once that definition finishes.
type compiler struct {
	pool *Pool
	defs map[string]any

	compiled   map[string]int // defName -> final id, once done
	inProgress map[string]int // defName -> placeholder id, while compiling
}

// Compile compiles a JSON Schema (already decoded into Go values: bool,
// map[string]any, []any, string, float64, nil) into the pool, returning
// the root node's id. Object-form schemas run through the standards-
// compliant pre-flight validator first, so a malformed author-supplied
// schema (bad regex, misused keywords) is rejected with a conformant
// diagnostic here rather than surfacing as an evaluation-time failure.
func Compile(pool *Pool, root any) (int, error) {
	if obj, ok := root.(map[string]any); ok {
		if err := preflight(obj); err != nil {
			return 0, err
		}
	}

	c := &compiler{
		pool:       pool,
		compiled:   make(map[string]int),
		inProgress: make(map[string]int),
	}

	if obj, ok := root.(map[string]any); ok {
		if defs, ok := obj["$defs"].(map[string]any); ok {
			c.defs = defs
		}
	}

	return c.compileSchema(root)
}

// preflight re-encodes a decoded schema and hands it to the
// PreflightValidator. Extension keywords (asCell, asStream,
// ifc.classification) pass through untouched: JSON Schema treats
// unknown keywords as annotations.
func preflight(obj map[string]any) error {
	raw, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("compile schema: encode for validation: %w", err)
	}
	return NewPreflightValidator().ValidateSchema("schema.json", raw)
}

func (c *compiler) compileSchema(s any) (int, error) {
	switch v := s.(type) {
	case bool:
		if v {
			return c.pool.intern(Node{Kind: KindTrue}), nil
		}
		return c.pool.intern(Node{Kind: KindFalse}), nil
	case map[string]any:
		return c.compileObject(v)
	case nil:
		return c.pool.intern(Node{Kind: KindTrue}), nil
	default:
		return 0, fmt.Errorf("compile schema: unsupported schema value %#v", s)
	}
}

func (c *compiler) compileObject(obj map[string]any) (int, error) {
	var parts []int

	if ref, ok := obj["$ref"].(string); ok {
		id, err := c.compileRef(ref)
		if err != nil {
			return 0, err
		}
		parts = append(parts, id)
	}

	if t, ok := obj["type"]; ok {
		id, err := c.compileType(t)
		if err != nil {
			return 0, err
		}
		parts = append(parts, id)
	}

	if v, ok := obj["const"]; ok {
		parts = append(parts, c.pool.intern(Node{Kind: KindConst, ConstValue: v}))
	}

	if rawEnum, ok := obj["enum"].([]any); ok {
		parts = append(parts, c.pool.intern(Node{Kind: KindEnum, EnumValues: rawEnum}))
	}

	if rangeNode, ok := compileRange(obj); ok {
		parts = append(parts, c.pool.intern(rangeNode))
	}

	if pattern, ok := obj["pattern"].(string); ok {
		parts = append(parts, c.pool.intern(Node{Kind: KindPattern, Pattern: pattern}))
	}

	if _, hasProps := obj["properties"]; hasProps {
		id, err := c.compileProps(obj)
		if err != nil {
			return 0, err
		}
		parts = append(parts, id)
	} else if _, hasReq := obj["required"]; hasReq {
		id, err := c.compileProps(obj)
		if err != nil {
			return 0, err
		}
		parts = append(parts, id)
	}

	if _, hasItems := obj["items"]; hasItems {
		id, err := c.compileItems(obj)
		if err != nil {
			return 0, err
		}
		parts = append(parts, id)
	} else if _, hasPrefix := obj["prefixItems"]; hasPrefix {
		id, err := c.compileItems(obj)
		if err != nil {
			return 0, err
		}
		parts = append(parts, id)
	}

	if rawAllOf, ok := obj["allOf"].([]any); ok {
		for _, sub := range rawAllOf {
			id, err := c.compileSchema(sub)
			if err != nil {
				return 0, err
			}
			parts = append(parts, id)
		}
	}

	if rawAnyOf, ok := obj["anyOf"].([]any); ok {
		subIDs := make([]int, 0, len(rawAnyOf))
		for _, sub := range rawAnyOf {
			id, err := c.compileSchema(sub)
			if err != nil {
				return 0, err
			}
			subIDs = append(subIDs, id)
		}
		parts = append(parts, c.pool.intern(Node{Kind: KindAnyOf, SubIDs: subIDs}))
	}

	switch len(parts) {
	case 0:
		return c.pool.intern(Node{Kind: KindTrue}), nil
	case 1:
		return parts[0], nil
	default:
		return c.pool.intern(Node{Kind: KindAllOf, SubIDs: parts}), nil
	}
}

// compileRef resolves a local "#/$defs/Name" reference, using a
// provisional placeholder id while Name's own body is still compiling so
// that self- or mutually-recursive definitions terminate.
func (c *compiler) compileRef(ref string) (int, error) {
	name := strings.TrimPrefix(ref, "#/$defs/")
	if name == ref {
		return 0, fmt.Errorf("compile $ref: only local #/$defs/ refs are supported, got %q", ref)
	}

	if id, ok := c.compiled[name]; ok {
		return id, nil
	}
	if id, ok := c.inProgress[name]; ok {
		return id, nil
	}

	def, ok := c.defs[name]
	if !ok {
		return 0, fmt.Errorf("compile $ref: unknown definition %q", name)
	}

	placeholder := c.pool.reservePlaceholder()
	c.inProgress[name] = placeholder

	real, err := c.compileSchema(def)
	if err != nil {
		return 0, err
	}

	c.pool.setAlias(placeholder, real)
	delete(c.inProgress, name)
	c.compiled[name] = real
	return real, nil
}

func (c *compiler) compileType(t any) (int, error) {
	switch v := t.(type) {
	case string:
		return c.pool.intern(Node{Kind: KindTypeCheck, TypeName: v}), nil
	case []any:
		subIDs := make([]int, 0, len(v))
		for _, raw := range v {
			name, ok := raw.(string)
			if !ok {
				return 0, fmt.Errorf("compile type: non-string entry %#v", raw)
			}
			subIDs = append(subIDs, c.pool.intern(Node{Kind: KindTypeCheck, TypeName: name}))
		}
		return c.pool.intern(Node{Kind: KindAnyOf, SubIDs: subIDs}), nil
	default:
		return 0, fmt.Errorf("compile type: unsupported value %#v", t)
	}
}

func compileRange(obj map[string]any) (Node, bool) {
	n := Node{Kind: KindRange}
	found := false

	if min, ok := asFloat(obj["minimum"]); ok {
		n.HasMin, n.Min = true, min
		found = true
	}
	if min, ok := asFloat(obj["exclusiveMinimum"]); ok {
		n.HasMin, n.Min, n.ExclusiveMin = true, min, true
		found = true
	}
	if max, ok := asFloat(obj["maximum"]); ok {
		n.HasMax, n.Max = true, max
		found = true
	}
	if max, ok := asFloat(obj["exclusiveMaximum"]); ok {
		n.HasMax, n.Max, n.ExclusiveMax = true, max, true
		found = true
	}

	return n, found
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func (c *compiler) compileProps(obj map[string]any) (int, error) {
	n := Node{Kind: KindProps, Props: make(map[string]int)}

	if rawReq, ok := obj["required"].([]any); ok {
		for _, r := range rawReq {
			if s, ok := r.(string); ok {
				n.Required = append(n.Required, s)
			}
		}
	}

	if rawProps, ok := obj["properties"].(map[string]any); ok {
		for name, sub := range rawProps {
			id, err := c.compileSchema(sub)
			if err != nil {
				return 0, err
			}
			n.Props[name] = id
		}
	}

	switch add := obj["additionalProperties"].(type) {
	case nil:
		n.AdditionalMode = AdditionalOmit
	case bool:
		if add {
			n.AdditionalMode = AdditionalAllow
		} else {
			n.AdditionalMode = AdditionalDeny
		}
	case map[string]any:
		id, err := c.compileSchema(add)
		if err != nil {
			return 0, err
		}
		n.AdditionalMode = AdditionalSchema
		n.AdditionalID = id
	default:
		n.AdditionalMode = AdditionalOmit
	}

	return c.pool.intern(n), nil
}

func (c *compiler) compileItems(obj map[string]any) (int, error) {
	if rawTuple, ok := obj["prefixItems"].([]any); ok {
		tuple := make([]int, 0, len(rawTuple))
		for _, sub := range rawTuple {
			id, err := c.compileSchema(sub)
			if err != nil {
				return 0, err
			}
			tuple = append(tuple, id)
		}
		return c.pool.intern(Node{Kind: KindItems, IsTuple: true, TupleItems: tuple}), nil
	}

	itemID, err := c.compileSchema(obj["items"])
	if err != nil {
		return 0, err
	}
	return c.pool.intern(Node{Kind: KindItems, IsTuple: false, ItemID: itemID}), nil
}
