package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Pool is a content-addressed store of interned IR nodes. Two compiles
// of structurally-equal schemas intern to the same node ids, satisfying
// the "compile is idempotent" property.
//
// Provisional ids (used to break cycles introduced by $ref during
// compilation) are recorded in alias and transparently followed by Get,
// so callers never need to know whether an id was ever provisional.
type Pool struct {
	nodes []Node
	byKey map[string]int
	alias map[int]int
}

// NewPool constructs an empty Pool.
func NewPool() *Pool {
	return &Pool{byKey: make(map[string]int), alias: make(map[int]int)}
}

// Get resolves an id to its node, following alias indirection.
func (p *Pool) Get(id int) Node {
	for {
		if real, ok := p.alias[id]; ok {
			id = real
			continue
		}
		break
	}
	return p.nodes[id]
}

// reservePlaceholder allocates an id for a node under construction
// (used for $ref cycles) without interning it yet.
func (p *Pool) reservePlaceholder() int {
	id := len(p.nodes)
	p.nodes = append(p.nodes, Node{Kind: KindTrue})
	return id
}

// setAlias redirects a previously-reserved placeholder id to the final
// interned id of the node it actually represents.
func (p *Pool) setAlias(placeholder, real int) {
	p.alias[placeholder] = real
}

// intern stores n, returning an existing id if a structurally-identical
// node is already present.
func (p *Pool) intern(n Node) int {
	key := nodeKey(n)
	if id, ok := p.byKey[key]; ok {
		return id
	}
	id := len(p.nodes)
	p.nodes = append(p.nodes, n)
	p.byKey[key] = id
	return id
}

// nodeKey builds a stable string key for structural interning. Child ids
// are embedded directly: since children are always interned (or
// provisional-aliased) before their parent, equal child structure always
// yields equal child ids, so this remains a valid content hash even
// though it is not itself a hash of bytes.
func nodeKey(n Node) string {
	var b strings.Builder
	fmt.Fprintf(&b, "k%d|", n.Kind)

	switch n.Kind {
	case KindTrue, KindFalse:
	case KindTypeCheck:
		b.WriteString(n.TypeName)
	case KindConst:
		fmt.Fprintf(&b, "%#v", n.ConstValue)
	case KindEnum:
		for _, v := range n.EnumValues {
			fmt.Fprintf(&b, "%#v;", v)
		}
	case KindRange:
		fmt.Fprintf(&b, "%v,%v,%v,%v,%v,%v", n.HasMin, n.Min, n.ExclusiveMin, n.HasMax, n.Max, n.ExclusiveMax)
	case KindPattern:
		b.WriteString(n.Pattern)
	case KindProps:
		required := append([]string(nil), n.Required...)
		sort.Strings(required)
		b.WriteString(strings.Join(required, ","))
		b.WriteByte('|')
		names := make([]string, 0, len(n.Props))
		for name := range n.Props {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "%s=%d;", name, n.Props[name])
		}
		fmt.Fprintf(&b, "|add=%d:%d", n.AdditionalMode, n.AdditionalID)
	case KindItems:
		if n.IsTuple {
			b.WriteString("tuple:")
			for _, id := range n.TupleItems {
				fmt.Fprintf(&b, "%d,", id)
			}
		} else {
			fmt.Fprintf(&b, "item:%d", n.ItemID)
		}
	case KindAllOf, KindAnyOf:
		ids := append([]int(nil), n.SubIDs...)
		sort.Ints(ids)
		for _, id := range ids {
			fmt.Fprintf(&b, "%d,", id)
		}
	}
	return b.String()
}

// Describe renders a human-readable form of the IR rooted at id, for
// debugging and tests.
func Describe(pool *Pool, id int) string {
	var b strings.Builder
	describe(pool, id, &b, make(map[int]bool))
	return b.String()
}

func describe(pool *Pool, id int, b *strings.Builder, seen map[int]bool) {
	if seen[id] {
		b.WriteString("<cycle:" + strconv.Itoa(id) + ">")
		return
	}
	seen[id] = true
	n := pool.Get(id)

	switch n.Kind {
	case KindTrue:
		b.WriteString("true")
	case KindFalse:
		b.WriteString("false")
	case KindTypeCheck:
		b.WriteString("type(" + n.TypeName + ")")
	case KindConst:
		fmt.Fprintf(b, "const(%v)", n.ConstValue)
	case KindEnum:
		fmt.Fprintf(b, "enum(%v)", n.EnumValues)
	case KindRange:
		fmt.Fprintf(b, "range(min=%v,max=%v)", n.Min, n.Max)
	case KindPattern:
		fmt.Fprintf(b, "pattern(%s)", n.Pattern)
	case KindProps:
		b.WriteString("props{")
		names := make([]string, 0, len(n.Props))
		for name := range n.Props {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			b.WriteString(name + ":")
			describe(pool, n.Props[name], b, seen)
			b.WriteString(",")
		}
		b.WriteString("}")
	case KindItems:
		if n.IsTuple {
			b.WriteString("items[tuple](")
			for _, sub := range n.TupleItems {
				describe(pool, sub, b, seen)
				b.WriteString(",")
			}
			b.WriteString(")")
		} else {
			b.WriteString("items[item](")
			describe(pool, n.ItemID, b, seen)
			b.WriteString(")")
		}
	case KindAllOf, KindAnyOf:
		if n.Kind == KindAllOf {
			b.WriteString("allOf(")
		} else {
			b.WriteString("anyOf(")
		}
		for _, sub := range n.SubIDs {
			describe(pool, sub, b, seen)
			b.WriteString(",")
		}
		b.WriteString(")")
	}
}
