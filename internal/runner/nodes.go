package runner

import (
	"context"
	"fmt"

	"github.com/commontoolsinc/runtime/internal/cell"
	"github.com/commontoolsinc/runtime/internal/path"
	"github.com/commontoolsinc/runtime/internal/runtime"
	"github.com/commontoolsinc/runtime/internal/scheduler"
)

// portBinding is one resolved leaf of a node's Inputs/Outputs binding
// tree: either a live cell (the binding was a link sigil) or a literal
// constant consumed once per invocation.
type portBinding struct {
	cell    *cell.Cell
	schema  any
	literal any
	isCell  bool
}

// resolveBinding interprets v as one binding-tree leaf relative to
// processCell: a link sigil addresses a cell (anchored at processCell's
// own entity when the link's id is empty, the common case for a node
// bound to a location inside its own process cell's argument/internal/
// result subtree), anything else is a literal.
func resolveBinding(rt *runtime.Runtime, processCell *cell.Cell, schema any, v any) portBinding {
	link, ok := path.IsLinkValue(v)
	if !ok {
		return portBinding{literal: v}
	}
	return portBinding{cell: cellForLink(rt, processCell, schema, link), schema: schema, isCell: true}
}

// cellForLink builds the Cell a link addresses. schema is the type the
// *target location* should be read/written as, not the entity root's
// type, so the path is walked first under an unconstrained (nil) schema
// and schema is bound only at the end via AsSchema — walking link.Path
// against schema itself would misinterpret a leaf-level port schema as
// if it described the whole entity from its root.
func cellForLink(rt *runtime.Runtime, processCell *cell.Cell, schema any, link path.Link) *cell.Cell {
	addr := processCell.Address()
	space := addr.Space
	if link.Space != "" {
		space = link.Space
	}
	entity := link.ID
	if entity == "" {
		entity = addr.Entity
	}

	c := cell.New(rt, space, entity, addr.Branch, nil)
	for _, seg := range link.Path {
		if seg.IsIndex() {
			c = c.Index(seg.IntValue())
		} else {
			c = c.Key(seg.StringValue())
		}
	}
	return c.AsSchema(schema)
}

// resolveNamed interprets v as a map of named port bindings (a node's
// Inputs/Outputs when it declares more than one port): a plain JSON
// object whose values are resolved individually with resolveBinding. A
// value that itself satisfies path.IsLinkValue is never mistaken for a
// named-ports object, since a link sigil always has exactly one
// top-level key ("/"). schemaFor looks up the declared schema (if any)
// for one named port, typically via cell.ChildSchema against the
// node's argument/result schema.
func resolveNamed(rt *runtime.Runtime, processCell *cell.Cell, schemaFor func(name string) any, v any) map[string]portBinding {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	if _, isLink := path.IsLinkValue(v); isLink {
		return nil
	}
	out := make(map[string]portBinding, len(obj))
	for name, raw := range obj {
		out[name] = resolveBinding(rt, processCell, schemaFor(name), raw)
	}
	return out
}

func schemaForProperty(schema any, name string) any {
	child, ok := cell.ChildSchema(schema, schema, path.Key(name))
	if !ok {
		return nil
	}
	return child
}

// addrOf converts a cell's address into the scheduler address it reads
// or writes.
func addrOf(c *cell.Cell) scheduler.Addr {
	a := c.Address()
	return scheduler.Addr{Space: a.Space, Entity: a.Entity, Path: a.Path}
}

// writeOutput commits result to outputsSpec: a single link writes the
// whole result there; a named-ports object writes each key of a
// map-shaped result to its corresponding bound cell, skipping ports with
// no matching key.
func writeOutput(ctx context.Context, rt *runtime.Runtime, processCell *cell.Cell, resultSchema any, outputsSpec any, result any) error {
	if link, ok := path.IsLinkValue(outputsSpec); ok {
		target := cellForLink(rt, processCell, resultSchema, link)
		return target.Set(ctx, result)
	}

	named := resolveNamed(rt, processCell, func(name string) any { return schemaForProperty(resultSchema, name) }, outputsSpec)
	if named == nil {
		return nil
	}
	resultObj, _ := result.(map[string]any)
	for name, b := range named {
		if !b.isCell {
			continue
		}
		v, ok := resultObj[name]
		if !ok {
			continue
		}
		if err := b.cell.Set(ctx, v); err != nil {
			return fmt.Errorf("runner: write output %q: %w", name, err)
		}
	}
	return nil
}

// collectWriteAddrs returns the scheduler write-set implied by
// outputsSpec, mirroring writeOutput's two binding shapes.
func collectWriteAddrs(rt *runtime.Runtime, processCell *cell.Cell, resultSchema any, outputsSpec any) []scheduler.Addr {
	if link, ok := path.IsLinkValue(outputsSpec); ok {
		return []scheduler.Addr{addrOf(cellForLink(rt, processCell, resultSchema, link))}
	}
	named := resolveNamed(rt, processCell, func(name string) any { return schemaForProperty(resultSchema, name) }, outputsSpec)
	var out []scheduler.Addr
	for _, b := range named {
		if b.isCell {
			out = append(out, addrOf(b.cell))
		}
	}
	return out
}
