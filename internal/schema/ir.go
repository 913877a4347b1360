// Package schema compiles JSON Schema documents into an interned,
// content-addressed intermediate representation and evaluates that IR
// against documents, producing not just a verdict but the provenance
// (touched locations, followed links, evaluation dependencies) the
// subscription engine uses to drive invalidation.
package schema

import "regexp"

// Kind identifies an IR node variant.
type Kind int

const (
	KindTrue Kind = iota
	KindFalse
	KindTypeCheck
	KindConst
	KindEnum
	KindRange
	KindPattern
	KindProps
	KindItems
	KindAllOf
	KindAnyOf
)

// AdditionalMode governs how a Props node treats object keys not listed
// in its Props map.
type AdditionalMode int

const (
	// AdditionalOmit means additionalProperties was not specified: unlisted
	// keys are present in the value but impose no constraint.
	AdditionalOmit AdditionalMode = iota
	// AdditionalAllow is additionalProperties: true, identical in effect to
	// Omit for verdict purposes but kept distinct in the node's interning
	// key.
	AdditionalAllow
	// AdditionalDeny is additionalProperties: false: any unlisted key fails
	// the schema.
	AdditionalDeny
	// AdditionalSchema is additionalProperties: {schema}: unlisted keys
	// must satisfy AdditionalID.
	AdditionalSchema
)

// Node is one interned IR node. Only the fields relevant to Kind are
// meaningful; the zero value of the rest is ignored.
type Node struct {
	Kind Kind

	// TypeCheck
	TypeName string

	// Const
	ConstValue any

	// Enum
	EnumValues []any

	// Range
	HasMin, HasMax             bool
	Min, Max                   float64
	ExclusiveMin, ExclusiveMax bool

	// Pattern
	Pattern    string
	regexpOnce *regexp.Regexp

	// Props
	Required       []string
	Props          map[string]int
	AdditionalMode AdditionalMode
	AdditionalID   int

	// Items
	IsTuple    bool
	TupleItems []int
	ItemID     int

	// AllOf / AnyOf
	SubIDs []int
}

func (n *Node) compiledPattern() *regexp.Regexp {
	if n.regexpOnce == nil {
		n.regexpOnce = regexp.MustCompile(n.Pattern)
	}
	return n.regexpOnce
}
