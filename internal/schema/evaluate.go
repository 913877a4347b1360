package schema

import (
	"reflect"

	"github.com/commontoolsinc/runtime/internal/path"
)

// DefaultVisitLimit bounds the number of distinct (ir, doc, path)
// evaluations a single Evaluate call will perform before treating
// further recursion as inconclusive (Maybe) rather than looping forever
// over a pathological or adversarial schema/document pair.
const DefaultVisitLimit = 16384

// Verdict is the three-valued outcome of evaluating a schema against a
// document location.
type Verdict int

const (
	VerdictNo Verdict = iota
	VerdictYes
	VerdictMaybe
)

func (v Verdict) String() string {
	switch v {
	case VerdictYes:
		return "Yes"
	case VerdictMaybe:
		return "MaybeExceededDepth"
	default:
		return "No"
	}
}

// EvalKey identifies one schema evaluation: an IR node against one
// document location. Resolver implementations are expected to scope Doc
// to whatever identifies a document within the caller's space (normally
// an entity id).
type EvalKey struct {
	IRID int
	Doc  string
	Path string
}

// Touch records a (doc, path) location consulted during evaluation.
type Touch struct {
	Doc  string
	Path string
}

// LinkEdge records that evaluation crossed from one location to another
// by following a link, or recursed from a parent evaluation key into a
// child one. These are the provenance edges invalidation walks.
type LinkEdge struct {
	From EvalKey
	To   EvalKey
}

// Result is the outcome of one Evaluate call: a verdict plus the
// provenance needed to know when that verdict might change.
type Result struct {
	Verdict   Verdict
	Touches   []Touch
	LinkEdges []LinkEdge
	Deps      []EvalKey
}

// Resolver fetches the current value at a (doc, path) location, used by
// the evaluator to read document contents and to detect link sigils it
// must follow.
type Resolver interface {
	Resolve(doc string, p path.Path) (any, error)
}

// Evaluator evaluates compiled IR against documents via a Resolver.
type Evaluator struct {
	pool       *Pool
	visitLimit int
}

// NewEvaluator constructs an Evaluator bound to pool. visitLimit <= 0
// falls back to DefaultVisitLimit.
func NewEvaluator(pool *Pool, visitLimit int) *Evaluator {
	if visitLimit <= 0 {
		visitLimit = DefaultVisitLimit
	}
	return &Evaluator{pool: pool, visitLimit: visitLimit}
}

// evalCtx carries per-call mutable state: the memo table that makes
// cycles safe (a key already being evaluated returns its optimistic
// in-progress verdict instead of recursing again), the shared visit
// budget, and the provenance accumulators.
type evalCtx struct {
	resolver Resolver
	memo     map[EvalKey]Verdict
	budget   int

	touches   []Touch
	linkEdges []LinkEdge
	deps      []EvalKey
}

// Evaluate evaluates the IR node irID against doc at path p.
func (e *Evaluator) Evaluate(resolver Resolver, irID int, doc string, p path.Path) Result {
	ctx := &evalCtx{
		resolver: resolver,
		memo:     make(map[EvalKey]Verdict),
		budget:   e.visitLimit,
	}

	verdict := ctx.eval(e.pool, irID, doc, p)

	return Result{
		Verdict:   verdict,
		Touches:   ctx.touches,
		LinkEdges: ctx.linkEdges,
		Deps:      ctx.deps,
	}
}

const maxLinkFollow = 64

func (c *evalCtx) eval(pool *Pool, irID int, doc string, p path.Path) Verdict {
	key := EvalKey{IRID: irID, Doc: doc, Path: p.Pointer()}

	if v, ok := c.memo[key]; ok {
		return v
	}
	if c.budget <= 0 {
		return VerdictMaybe
	}
	c.budget--

	// Optimistic placeholder: a self-referential schema over a cyclic
	// document revisits this exact key before it's resolved; treating it
	// as Yes until proven otherwise keeps legitimately-recursive schemas
	// (e.g. a linked-list shape) from spuriously failing.
	c.memo[key] = VerdictYes
	c.deps = append(c.deps, key)

	resolvedDoc, resolvedPath, value := c.followLinks(irID, doc, p)

	node := pool.Get(irID)
	verdict := c.evalNode(pool, node, irID, value, resolvedDoc, resolvedPath)

	c.memo[key] = verdict
	return verdict
}

// followLinks resolves the value at (doc, p), chasing link sigils: each
// time the value at the current location is itself a link, it records a
// touch on the anchor, a provenance edge from the anchor's eval key to
// the destination's, and continues resolution at the link's target.
func (c *evalCtx) followLinks(irID int, doc string, p path.Path) (string, path.Path, any) {
	for hop := 0; hop < maxLinkFollow; hop++ {
		c.touches = append(c.touches, Touch{Doc: doc, Path: p.Pointer()})

		value, err := c.resolver.Resolve(doc, p)
		if err != nil {
			return doc, p, nil
		}

		link, ok := path.IsLinkValue(value)
		if !ok {
			return doc, p, value
		}

		from := EvalKey{IRID: irID, Doc: doc, Path: p.Pointer()}
		to := EvalKey{IRID: irID, Doc: link.ID, Path: link.Path.Pointer()}
		c.linkEdges = append(c.linkEdges, LinkEdge{From: from, To: to})

		doc, p = link.ID, link.Path
	}
	// Link chain too deep to resolve within budget; treat as the link
	// sigil value itself rather than looping forever.
	value, _ := c.resolver.Resolve(doc, p)
	return doc, p, value
}

func (c *evalCtx) evalNode(pool *Pool, n Node, irID int, value any, doc string, p path.Path) Verdict {
	switch n.Kind {
	case KindTrue:
		return VerdictYes
	case KindFalse:
		return VerdictNo
	case KindTypeCheck:
		return boolVerdict(matchesType(n.TypeName, value))
	case KindConst:
		return boolVerdict(deepEqual(value, n.ConstValue))
	case KindEnum:
		for _, v := range n.EnumValues {
			if deepEqual(value, v) {
				return VerdictYes
			}
		}
		return VerdictNo
	case KindRange:
		return c.evalRange(n, value)
	case KindPattern:
		s, ok := value.(string)
		if !ok {
			return VerdictNo
		}
		return boolVerdict(n.compiledPattern().MatchString(s))
	case KindProps:
		return c.evalProps(pool, n, irID, value, doc, p)
	case KindItems:
		return c.evalItems(pool, n, irID, value, doc, p)
	case KindAllOf:
		best := VerdictYes
		for _, sub := range n.SubIDs {
			v := c.eval(pool, sub, doc, p)
			if v == VerdictNo {
				return VerdictNo
			}
			if v == VerdictMaybe {
				best = VerdictMaybe
			}
		}
		return best
	case KindAnyOf:
		sawMaybe := false
		for _, sub := range n.SubIDs {
			v := c.eval(pool, sub, doc, p)
			if v == VerdictYes {
				return VerdictYes
			}
			if v == VerdictMaybe {
				sawMaybe = true
			}
		}
		if sawMaybe {
			return VerdictMaybe
		}
		return VerdictNo
	default:
		return VerdictNo
	}
}

func (c *evalCtx) evalRange(n Node, value any) Verdict {
	f, ok := asNumber(value)
	if !ok {
		return VerdictNo
	}
	if n.HasMin {
		if n.ExclusiveMin && f <= n.Min {
			return VerdictNo
		}
		if !n.ExclusiveMin && f < n.Min {
			return VerdictNo
		}
	}
	if n.HasMax {
		if n.ExclusiveMax && f >= n.Max {
			return VerdictNo
		}
		if !n.ExclusiveMax && f > n.Max {
			return VerdictNo
		}
	}
	return VerdictYes
}

func (c *evalCtx) evalProps(pool *Pool, n Node, irID int, value any, doc string, p path.Path) Verdict {
	obj, ok := value.(map[string]any)
	if !ok {
		obj = nil
	}

	for _, req := range n.Required {
		if _, present := obj[req]; !present {
			return VerdictNo
		}
	}

	best := VerdictYes
	for name, childID := range n.Props {
		if _, present := obj[name]; !present {
			continue
		}
		childPath := p.Child(path.Key(name))
		c.linkEdges = append(c.linkEdges, LinkEdge{
			From: EvalKey{IRID: irID, Doc: doc, Path: p.Pointer()},
			To:   EvalKey{IRID: childID, Doc: doc, Path: childPath.Pointer()},
		})
		v := c.eval(pool, childID, doc, childPath)
		if v == VerdictNo {
			return VerdictNo
		}
		if v == VerdictMaybe {
			best = VerdictMaybe
		}
	}

	switch n.AdditionalMode {
	case AdditionalDeny:
		for name := range obj {
			if _, listed := n.Props[name]; !listed {
				return VerdictNo
			}
		}
	case AdditionalSchema:
		for name := range obj {
			if _, listed := n.Props[name]; listed {
				continue
			}
			childPath := p.Child(path.Key(name))
			v := c.eval(pool, n.AdditionalID, doc, childPath)
			if v == VerdictNo {
				return VerdictNo
			}
			if v == VerdictMaybe {
				best = VerdictMaybe
			}
		}
	}

	return best
}

func (c *evalCtx) evalItems(pool *Pool, n Node, irID int, value any, doc string, p path.Path) Verdict {
	arr, ok := value.([]any)
	if !ok {
		return VerdictNo
	}

	best := VerdictYes

	if n.IsTuple {
		for i, childID := range n.TupleItems {
			if i >= len(arr) {
				break
			}
			childPath := p.Child(path.Index(i))
			v := c.eval(pool, childID, doc, childPath)
			if v == VerdictNo {
				return VerdictNo
			}
			if v == VerdictMaybe {
				best = VerdictMaybe
			}
		}
		return best
	}

	for i := range arr {
		childPath := p.Child(path.Index(i))
		v := c.eval(pool, n.ItemID, doc, childPath)
		if v == VerdictNo {
			return VerdictNo
		}
		if v == VerdictMaybe {
			best = VerdictMaybe
		}
	}
	return best
}

func boolVerdict(b bool) Verdict {
	if b {
		return VerdictYes
	}
	return VerdictNo
}

func matchesType(t string, value any) bool {
	switch t {
	case "null":
		return value == nil
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		_, ok := asNumber(value)
		return ok
	case "integer":
		f, ok := asNumber(value)
		return ok && f == float64(int64(f))
	default:
		return false
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func deepEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
