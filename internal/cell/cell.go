package cell

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/commontoolsinc/runtime/internal/path"
	"github.com/commontoolsinc/runtime/internal/runtime"
	"github.com/commontoolsinc/runtime/internal/scheduler"
)

// Address names the document and in-document location a Cell projects.
type Address struct {
	Space  string
	Entity string
	Branch string
	Path   path.Path
}

func (a Address) schedulerAddr() scheduler.Addr {
	return scheduler.Addr{Space: a.Space, Entity: a.Entity, Path: a.Path}
}

// Cell is a schema-projected, reactive handle onto one location inside
// a space's document tree. It reads through link chains and
// write-redirects, and writes by loading the whole current document,
// splicing in the new value at its own path, and committing the result
// as a single fact — a minimal diff: one new fact per write, never a
// field-by-field patch stream.
type Cell struct {
	rt   *runtime.Runtime
	addr Address

	// rootSchema is the schema bound at the top-level Cell this one
	// descended from (Key/Index); schema is this Cell's own location's
	// schema, a sub-schema of rootSchema reached by following the same
	// child path. $ref is always resolved against rootSchema's $defs.
	rootSchema any
	schema     any
}

// New constructs a top-level Cell over an entire entity's document
// (address path is empty), bound to schema.
func New(rt *runtime.Runtime, space, entity, branch string, schema any) *Cell {
	if branch == "" {
		branch = MainBranch
	}
	return &Cell{
		rt:         rt,
		addr:       Address{Space: space, Entity: entity, Branch: branch, Path: path.Path{}},
		rootSchema: schema,
		schema:     schema,
	}
}

// Address returns the Cell's current location.
func (c *Cell) Address() Address { return c.addr }

// AsSchema returns a copy of c reinterpreted under a different schema at
// the same address, the projection a recipe applies when it receives an
// argument cell typed more specifically than its caller's view of it.
func (c *Cell) AsSchema(schema any) *Cell {
	cp := *c
	cp.rootSchema = schema
	cp.schema = schema
	return &cp
}

// Key descends into a named object property, carrying forward whatever
// sub-schema that property's location has (if any).
func (c *Cell) Key(name string) *Cell {
	return c.child(path.Key(name))
}

// Index descends into an array element.
func (c *Cell) Index(i int) *Cell {
	return c.child(path.Index(i))
}

func (c *Cell) child(seg path.Segment) *Cell {
	cp := *c
	cp.addr.Path = c.addr.Path.Child(seg)
	if child, ok := ChildSchema(c.rootSchema, c.schema, seg); ok {
		cp.schema = child
	} else {
		cp.schema = nil
	}
	return &cp
}

// Equal reports whether two cells name the same address. It does not
// compare schemas: two differently-typed views of the same location are
// still "the same cell" for identity purposes.
func (c *Cell) Equal(other *Cell) bool {
	if other == nil {
		return false
	}
	return c.addr.Space == other.addr.Space &&
		c.addr.Entity == other.addr.Entity &&
		c.addr.Branch == other.addr.Branch &&
		c.addr.Path.Equal(other.addr.Path)
}

// Get reads the current value at c's address, following link chains
// (including write-redirects, which read exactly like ordinary links)
// transparently. If the location has never been written and its schema
// declares a default, the default is returned instead of nil.
//
// A schema tagged `asCell: true` yields c itself (an opaque handle) in
// place of the inlined value; one tagged `asStream: true` yields a
// send-capable Stream sink. Both strip their own projection tag from
// the schema seen by further Key/Index descent: destination schemas
// strip asCell/asStream.
func (c *Cell) Get(ctx context.Context) (any, error) {
	if AsStream(c.rootSchema, c.schema) {
		return c.AsStreamSink(), nil
	}
	if AsCell(c.rootSchema, c.schema) {
		return c.stripProjection(), nil
	}

	value, _, _, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if value == nil {
		if def, ok := DefaultValue(c.rootSchema, c.schema); ok {
			return def, nil
		}
	}
	return value, nil
}

// stripProjection returns a copy of c whose schema has had asCell/asStream
// removed, the view a caller sees once it has already consumed the
// handle/stream wrapper itself.
func (c *Cell) stripProjection() *Cell {
	cp := *c
	cp.schema = StripProjection(c.rootSchema, c.schema)
	return &cp
}

// GetAsLink returns the raw link value at c's address without following
// it, or ok=false if the location doesn't currently hold a link. Used by
// callers that want to store a reference to c's target elsewhere rather
// than inline its value.
func (c *Cell) GetAsLink(ctx context.Context) (path.Link, bool, error) {
	doc, err := LoadDocument(ctx, c.rt, c.addr.Space, c.addr.Entity, c.addr.Branch)
	if err != nil {
		return path.Link{}, false, err
	}
	value, err := navigate(doc, c.addr.Path)
	if err != nil {
		return path.Link{}, false, nil
	}
	link, ok := path.IsLinkValue(value)
	return link, ok, nil
}

// GetAsWriteRedirectLink is GetAsLink with the returned link (if any)
// tagged as a write-redirect, the form a recipe stores when it wants
// writes through the reference to land at the link's target.
func (c *Cell) GetAsWriteRedirectLink(ctx context.Context) (path.Link, bool, error) {
	link, ok, err := c.GetAsLink(ctx)
	if err != nil || !ok {
		return link, ok, err
	}
	return link.WithWriteRedirect(), true, nil
}

// resolve loads c's document and walks c's path segment by segment,
// following a link chain (up to a bounded number of hops) whenever the
// current location holds one — a link at an ancestor of the target path
// redirects the remaining segments into the linked entity, which is how
// a result cell holding a single root link projects the whole subtree
// it points at. Returns the final resolved value along with the
// (space, entity) it was ultimately read from.
func (c *Cell) resolve(ctx context.Context) (value any, space, entity string, err error) {
	space, entity, branch := c.addr.Space, c.addr.Entity, c.addr.Branch
	p := c.addr.Path

	doc, err := LoadDocument(ctx, c.rt, space, entity, branch)
	if err != nil {
		return nil, "", "", err
	}

	cur := doc
	hops := 0
	for i := 0; ; {
		if link, ok := path.IsLinkValue(cur); ok {
			hops++
			if hops > maxLinkHops {
				return nil, "", "", fmt.Errorf("cell: link chain exceeded %d hops at %s/%s", maxLinkHops, c.addr.Entity, c.addr.Path.Pointer())
			}
			if link.Space != "" {
				space = link.Space
			}
			entity = link.ID
			p = append(append(path.Path{}, link.Path...), p[i:]...)
			i = 0
			doc, err = LoadDocument(ctx, c.rt, space, entity, branch)
			if err != nil {
				return nil, "", "", err
			}
			cur = doc
			continue
		}
		if i >= len(p) {
			return cur, space, entity, nil
		}
		cur = descend(cur, p[i])
		i++
	}
}

const maxLinkHops = 32

// Set writes value at c's address. If c's address currently resolves
// through a write-redirect link, the write lands at the redirect's
// target instead of at c's own location.
//
// Before splicing, value is walked for IDField-tagged array elements
// (see normalizeIdentities): each one is hoisted into its own entity,
// reusing that entity's existing identity (and therefore fact lineage)
// when the same id recurs at the same array location, and replaced
// in-place by a link to it: the entity's own body is committed first,
// then the parent document carrying the link at the index.
func (c *Cell) Set(ctx context.Context, value any) error {
	space, entity, branch, p, err := c.writeTarget(ctx)
	if err != nil {
		return err
	}

	// Coerce to decoded-JSON shapes first (float64 numbers, string-keyed
	// maps): a sandboxed function hands back int64s and interface-keyed
	// maps, and a spliced value must compare equal to what a later load
	// decodes, or the no-op-write check below never fires.
	value = jsonShape(value)

	normalized, err := normalizeIdentities(ctx, c.rt, space, entity, branch, p, value)
	if err != nil {
		return fmt.Errorf("cell: set %s/%s: %w", entity, p.Pointer(), err)
	}

	doc, err := LoadDocument(ctx, c.rt, space, entity, branch)
	if err != nil {
		return err
	}
	updated, err := splice(doc, p, normalized)
	if err != nil {
		return fmt.Errorf("cell: set %s/%s: %w", entity, p.Pointer(), err)
	}

	// A write that changes nothing emits no fact and dirties no reader;
	// an action re-computing its unchanged output must not re-trigger
	// itself or its downstream actions.
	if reflect.DeepEqual(doc, updated) {
		return nil
	}

	if err := CommitDocument(ctx, c.rt, space, entity, branch, updated); err != nil {
		return err
	}
	return nil
}

// Update reads the current value, applies fn, and writes the result
// back in one round trip. fn receives nil if the location has never
// been written (and has no default).
func (c *Cell) Update(ctx context.Context, fn func(current any) any) error {
	current, err := c.Get(ctx)
	if err != nil {
		return err
	}
	return c.Set(ctx, fn(current))
}

// Push appends value to the array at c's address, creating an empty
// array first if the location is unset. Like Set, it goes through
// normalizeIdentities: an IDField-tagged value becomes a link to its own
// entity, reused on a later rewrite that carries the same id at the same
// array location.
func (c *Cell) Push(ctx context.Context, value any) error {
	return c.Update(ctx, func(current any) any {
		arr, _ := current.([]any)
		return append(append([]any(nil), arr...), value)
	})
}

// writeTarget walks c's path the same way resolve does to find where a
// Set/Update/Push should actually land. Mid-path, every link (inline or
// redirect) is followed — a write can't land "inside" a link sigil's
// encoding. At the final location only a write-redirect is followed: a
// plain inline link at the write location is overwritten, the reference
// itself being the value the caller is replacing.
func (c *Cell) writeTarget(ctx context.Context) (space, entity, branch string, p path.Path, err error) {
	space, entity, branch = c.addr.Space, c.addr.Entity, c.addr.Branch
	p = c.addr.Path

	doc, err := LoadDocument(ctx, c.rt, space, entity, branch)
	if err != nil {
		return "", "", "", nil, err
	}

	cur := doc
	hops := 0
	for i := 0; ; {
		link, isLink := path.IsLinkValue(cur)
		atTarget := i >= len(p)
		if isLink && (!atTarget || link.IsWriteRedirect()) {
			hops++
			if hops > maxLinkHops {
				return "", "", "", nil, fmt.Errorf("cell: write-redirect chain exceeded %d hops", maxLinkHops)
			}
			if link.Space != "" {
				space = link.Space
			}
			entity = link.ID
			p = append(append(path.Path{}, link.Path...), p[i:]...)
			i = 0
			doc, err = LoadDocument(ctx, c.rt, space, entity, branch)
			if err != nil {
				return "", "", "", nil, err
			}
			cur = doc
			continue
		}
		if atTarget {
			return space, entity, branch, p, nil
		}
		cur = descend(cur, p[i])
		i++
	}
}

// Sink registers fn to run whenever c's address (or an ancestor of it)
// is written, returning a cancel function. The initial registration
// itself marks fn dirty, so it runs once immediately on the next
// scheduler wave with the value as of registration time, matching how
// every other scheduler-driven action picks up its first value.
func (c *Cell) Sink(runID string, fn func(ctx context.Context, value any) error) (string, scheduler.CancelFunc) {
	addr := c.addr.schedulerAddr()
	return c.rt.Scheduler.Register(runID, []scheduler.Read{{Addr: addr}}, nil, func(ctx context.Context) error {
		value, err := c.Get(ctx)
		if err != nil {
			return err
		}
		return fn(ctx, value)
	})
}

// Stream is the send-capable sink a schema tagged `asStream: true`
// projects instead of an inlined value. Sending an event writes it at
// the stream's address and immediately dispatches it to every
// registered handler, ahead of the next ordinary wave.
type Stream struct {
	cell *Cell
}

// AsStreamSink wraps c as a Stream, usable even when c's own schema
// doesn't carry `asStream: true` (e.g. the runner binds a node's raw
// input address directly without re-deriving its schema).
func (c *Cell) AsStreamSink() *Stream {
	return &Stream{cell: c}
}

// Cell returns the underlying address this sink writes events to, used
// by the runner to register a stream's event handlers against the same
// scheduler address Send dispatches.
func (s *Stream) Cell() *Cell { return s.cell }

// Send writes event at the stream's address and dispatches it to every
// action whose read set names that address, synchronously, before
// returning. Errors from individual handlers are logged and do not
// fail Send: they follow the same "other actions continue" policy as a
// wave run. A stream with no registered handlers still records the
// event; nothing is dispatched and no warning is logged.
func (s *Stream) Send(ctx context.Context, event any) error {
	if err := s.cell.Set(ctx, event); err != nil {
		return fmt.Errorf("stream: send: %w", err)
	}
	for _, herr := range s.cell.rt.Scheduler.DispatchEvent(ctx, s.cell.addr.schedulerAddr()) {
		slog.Error("stream: handler failed", "error", herr)
	}
	return nil
}

// navigate walks doc following p's segments with no link-following
// (callers that need link-following use resolve/writeTarget, which walk
// segment by segment instead). Returns nil if any segment is absent,
// matching JSON Schema's treatment of a missing property as simply
// unconstrained rather than an error.
func navigate(doc any, p path.Path) (any, error) {
	cur := doc
	for _, seg := range p {
		if cur == nil {
			return nil, nil
		}
		cur = descend(cur, seg)
	}
	return cur, nil
}

// descend applies one path segment to a value, returning nil when the
// segment is absent or the value's shape doesn't admit it.
func descend(cur any, seg path.Segment) any {
	if seg.IsIndex() {
		arr, ok := cur.([]any)
		if !ok || seg.IntValue() < 0 || seg.IntValue() >= len(arr) {
			return nil
		}
		return arr[seg.IntValue()]
	}
	obj, ok := cur.(map[string]any)
	if !ok {
		return nil
	}
	return obj[seg.StringValue()]
}

// splice returns a copy of doc with the value at p replaced by value,
// creating intermediate objects/arrays as needed. doc is never mutated
// in place, so a concurrent reader holding the old doc value never
// observes a partial write.
func splice(doc any, p path.Path, value any) (any, error) {
	if len(p) == 0 {
		return value, nil
	}

	seg := p[0]
	rest := p[1:]

	if seg.IsIndex() {
		arr, _ := doc.([]any)
		idx := seg.IntValue()
		if idx < 0 {
			return nil, fmt.Errorf("negative array index %d", idx)
		}
		out := make([]any, len(arr))
		copy(out, arr)
		for len(out) <= idx {
			out = append(out, nil)
		}
		child, err := splice(out[idx], rest, value)
		if err != nil {
			return nil, err
		}
		out[idx] = child
		return out, nil
	}

	obj, _ := doc.(map[string]any)
	out := make(map[string]any, len(obj)+1)
	for k, v := range obj {
		out[k] = v
	}
	child, err := splice(out[seg.StringValue()], rest, value)
	if err != nil {
		return nil, err
	}
	out[seg.StringValue()] = child
	return out, nil
}
