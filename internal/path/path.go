// Package path implements the canonical JSON-Pointer path codec and the
// link sigil used to reference a location inside a document tree, either
// within the same entity or across entities in a space.
package path

import (
	"strconv"
	"strings"
)

// Segment is one token of a Path. A segment is either a string property
// key or an array index; IsIndex distinguishes the two so schema
// evaluation (tuple items) and entity-identity derivation (which excludes
// nested array indices, see cell.DeriveEntityID) can tell them apart
// without re-parsing the token text.
type Segment struct {
	key     string
	index   int
	isIndex bool
}

// Key returns a string-keyed segment.
func Key(k string) Segment { return Segment{key: k} }

// Index returns an array-index segment.
func Index(i int) Segment { return Segment{index: i, isIndex: true} }

// IsIndex reports whether the segment is an array index.
func (s Segment) IsIndex() bool { return s.isIndex }

// IntValue returns the index value; only meaningful when IsIndex is true.
func (s Segment) IntValue() int { return s.index }

// StringValue returns the key value; only meaningful when IsIndex is false.
func (s Segment) StringValue() string { return s.key }

// Token renders the segment as a raw (unescaped) JSON-Pointer token.
func (s Segment) Token() string {
	if s.isIndex {
		return strconv.Itoa(s.index)
	}
	return s.key
}

func (s Segment) Equal(o Segment) bool {
	if s.isIndex != o.isIndex {
		return false
	}
	if s.isIndex {
		return s.index == o.index
	}
	return s.key == o.key
}

// Path is an ordered sequence of segments, the CommonTools analogue of a
// JSON Pointer's reference-token list.
type Path []Segment

// Child returns a new Path with seg appended. Pure: the receiver is
// never mutated, so callers may safely share a Path prefix across
// multiple children (as the schema walker and cell layer both do).
func (p Path) Child(seg Segment) Path {
	out := make(Path, len(p)+1)
	copy(out, p)
	out[len(p)] = seg
	return out
}

// Equal reports whether two paths have the same segments in the same order.
func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if !p[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// IsAncestor reports whether a is a proper prefix of b (a itself is not
// considered its own ancestor unless inclusive is true).
func IsAncestor(a, b Path, inclusive bool) bool {
	if len(a) > len(b) {
		return false
	}
	if len(a) == len(b) && !inclusive {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// escapeToken applies JSON-Pointer escaping: "~" -> "~0", "/" -> "~1".
func escapeToken(tok string) string {
	if !strings.ContainsAny(tok, "~/") {
		return tok
	}
	var b strings.Builder
	for _, r := range tok {
		switch r {
		case '~':
			b.WriteString("~0")
		case '/':
			b.WriteString("~1")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// unescapeToken reverses escapeToken: "~1" -> "/", "~0" -> "~".
// Per RFC 6901, "~1" must be decoded before "~0" is reinterpreted.
func unescapeToken(tok string) string {
	if !strings.Contains(tok, "~") {
		return tok
	}
	tok = strings.ReplaceAll(tok, "~1", "/")
	tok = strings.ReplaceAll(tok, "~0", "~")
	return tok
}

// Pointer renders the Path as a JSON-Pointer string, e.g. "/a/b~1c/0".
func (p Path) Pointer() string {
	if len(p) == 0 {
		return ""
	}
	var b strings.Builder
	for _, seg := range p {
		b.WriteByte('/')
		b.WriteString(escapeToken(seg.Token()))
	}
	return b.String()
}

// ParsePointer parses a JSON-Pointer string into a Path. An empty string
// denotes the root (an empty Path). Tokens that look like a non-negative
// integer are parsed as index segments; this matches how the fact store
// and cell layer address array elements.
func ParsePointer(ptr string) Path {
	if ptr == "" {
		return Path{}
	}
	raw := strings.Split(strings.TrimPrefix(ptr, "/"), "/")
	out := make(Path, 0, len(raw))
	for _, tok := range raw {
		tok = unescapeToken(tok)
		if n, err := strconv.Atoi(tok); err == nil && n >= 0 && strconv.Itoa(n) == tok {
			out = append(out, Index(n))
			continue
		}
		out = append(out, Key(tok))
	}
	return out
}

// Tokens returns the unescaped token strings of the Path, for callers
// that want raw string comparisons rather than JSON-Pointer text.
func (p Path) Tokens() []string {
	out := make([]string, len(p))
	for i, seg := range p {
		out[i] = seg.Token()
	}
	return out
}

// FromTokens builds a Path from raw token strings, auto-detecting array
// indices the same way ParsePointer does.
func FromTokens(tokens []string) Path {
	out := make(Path, 0, len(tokens))
	for _, tok := range tokens {
		if n, err := strconv.Atoi(tok); err == nil && n >= 0 && strconv.Itoa(n) == tok {
			out = append(out, Index(n))
			continue
		}
		out = append(out, Key(tok))
	}
	return out
}
