package runner

import (
	"context"
	"fmt"

	"github.com/commontoolsinc/runtime/internal/cell"
	"github.com/commontoolsinc/runtime/internal/path"
	"github.com/commontoolsinc/runtime/internal/scheduler"
)

func fmtNode(i int) string { return fmt.Sprintf("node-%d", i) }

// instantiateNodes turns every node of recipe into one or more
// scheduler actions registered under runID, after
// eagerly warming the function cache for every javascript module body
// reachable from the recipe tree.
func (rn *Runner) instantiateNodes(ctx context.Context, processCell *cell.Cell, recipe *Recipe, runID string, fr *frame) error {
	sources := map[string]bool{}
	discoverJavaScriptSources(recipe, sources)
	for src := range sources {
		if _, err := rn.funcs.compile(src); err != nil {
			return err
		}
	}

	for i, node := range recipe.Nodes {
		childFrame := fr.child(fmtNode(i))
		var err error
		switch node.Module.Type {
		case ModuleJavaScript:
			err = rn.instantiateJavaScript(processCell, node, runID)
		case ModulePassthrough:
			err = rn.instantiatePassthrough(processCell, node, runID)
		case ModuleRaw:
			err = rn.instantiateRaw(processCell, node, runID)
		case ModuleRecipe, ModuleRef:
			err = rn.instantiateRecipeNode(ctx, processCell, node, runID, childFrame)
		default:
			err = fmt.Errorf("unknown module type %q", node.Module.Type)
		}
		if err != nil {
			return fmt.Errorf("runner: instantiate node %d: %w", i, err)
		}
	}
	return nil
}

// instantiateJavaScript registers one scheduler action per javascript
// node: on each dirtying wave (or, if one of its bound input ports
// resolves through a stream, on each event dispatch) it reads its
// current named inputs, invokes the cached compiled function, and
// writes the result to its bound outputs.
func (rn *Runner) instantiateJavaScript(processCell *cell.Cell, node Node, runID string) error {
	src, ok := node.Module.Implementation.(string)
	if !ok {
		return fmt.Errorf("javascript node: implementation is not a source string")
	}

	inputSchema := node.Module.ArgumentSchema
	inputs := resolveNamed(rn.rt, processCell, func(name string) any { return schemaForProperty(inputSchema, name) }, node.Inputs)

	// A node with exactly one unnamed input binding (the link sigil
	// itself, not a named-ports object) is bound wholesale under the
	// implicit port name "value".
	if inputs == nil {
		inputs = map[string]portBinding{"value": resolveBinding(rn.rt, processCell, inputSchema, node.Inputs)}
	}

	streamPort := ""
	for name, b := range inputs {
		if b.isCell && cell.AsStream(inputSchema, b.schema) {
			streamPort = name
			break
		}
	}

	var reads []scheduler.Read
	for name, b := range inputs {
		if !b.isCell {
			continue
		}
		reads = append(reads, scheduler.Read{
			Addr:                addrOf(b.cell),
			IgnoreForScheduling: streamPort != "" && name == streamPort,
		})
	}

	writes := collectWriteAddrs(rn.rt, processCell, node.Module.ResultSchema, node.Outputs)

	run := func(ctx context.Context) error {
		in := make(map[string]any, len(inputs))
		for name, b := range inputs {
			if b.isCell {
				v, err := b.cell.Get(ctx)
				if err != nil {
					return err
				}
				in[name] = v
			} else {
				in[name] = b.literal
			}
		}

		result, err := rn.funcs.invoke(src, in)
		if err != nil {
			return err
		}
		return writeOutput(ctx, rn.rt, processCell, node.Module.ResultSchema, node.Outputs, result)
	}

	rn.rt.Scheduler.Register(runID, reads, writes, run)
	return nil
}

// instantiatePassthrough registers a one-port copy from Inputs to
// Outputs, re-run whenever the bound input changes: an immediate
// binding copy from inputs to outputs.
func (rn *Runner) instantiatePassthrough(processCell *cell.Cell, node Node, runID string) error {
	in := resolveBinding(rn.rt, processCell, node.Module.ArgumentSchema, node.Inputs)
	if !in.isCell {
		return fmt.Errorf("passthrough node: inputs must be a link")
	}
	out := resolveBinding(rn.rt, processCell, node.Module.ResultSchema, node.Outputs)
	if !out.isCell {
		return fmt.Errorf("passthrough node: outputs must be a link")
	}

	reads := []scheduler.Read{{Addr: addrOf(in.cell)}}
	writes := []scheduler.Addr{addrOf(out.cell)}
	rn.rt.Scheduler.Register(runID, reads, writes, func(ctx context.Context) error {
		v, err := in.cell.Get(ctx)
		if err != nil {
			return err
		}
		return out.cell.Set(ctx, v)
	})
	return nil
}

// instantiateRaw registers the action built by a "raw" module's factory,
// giving it a cell handle onto its bound inputs, a send function writing
// to its bound outputs, and a way to register extra cancel functions of
// its own (e.g. an external subscription) that get torn down along with
// the rest of this run.
func (rn *Runner) instantiateRaw(processCell *cell.Cell, node Node, runID string) error {
	factory, err := rn.resolveRawFactory(node)
	if err != nil {
		return err
	}

	in := resolveBinding(rn.rt, processCell, node.Module.ArgumentSchema, node.Inputs)
	if !in.isCell {
		return fmt.Errorf("raw node: inputs must be a link")
	}
	out := resolveBinding(rn.rt, processCell, node.Module.ResultSchema, node.Outputs)

	rc := RawContext{
		Runtime: rn.rt,
		Inputs:  in.cell,
		Process: processCell,
		RunID:   runID,
		AddCancel: func(c scheduler.CancelFunc) {
			rn.addExtraCancel(runID, c)
		},
	}
	if out.isCell {
		rc.Send = func(ctx context.Context, value any) error { return out.cell.Set(ctx, value) }
	}

	action, err := factory(rc)
	if err != nil {
		return fmt.Errorf("raw node: factory: %w", err)
	}

	reads := action.Reads
	if reads == nil {
		reads = []scheduler.Read{{Addr: addrOf(in.cell)}}
	}
	writes := action.Writes
	if writes == nil && out.isCell {
		writes = []scheduler.Addr{addrOf(out.cell)}
	}

	rn.rt.Scheduler.Register(runID, reads, writes, action.Run)
	return nil
}

// instantiateRecipeNode handles both ModuleRecipe (an inline nested
// *Recipe) and ModuleRef (a recipe looked up by name in the Registry):
// the node's Inputs become the nested recipe's argument (re-run whenever
// the bound input changes), and its Outputs are bound once to a plain
// link pointing at the nested run's own result cell, so the nested run's
// own nodes keep that location current directly.
func (rn *Runner) instantiateRecipeNode(ctx context.Context, processCell *cell.Cell, node Node, runID string, fr *frame) error {
	nested, err := rn.resolveNestedRecipe(node)
	if err != nil {
		return err
	}

	argBinding := resolveBinding(rn.rt, processCell, nested.ArgumentSchema, node.Inputs)
	childSpace := processCell.Address().Space
	childResultEntity := fr.nextEntityID("result")

	runChild := func(ctx context.Context) error {
		var argVal any
		if argBinding.isCell {
			v, err := argBinding.cell.Get(ctx)
			if err != nil {
				return err
			}
			argVal = v
		} else {
			argVal = argBinding.literal
		}
		_, _, err := rn.run(ctx, nested, argVal, childSpace, childResultEntity, runID)
		return err
	}

	var reads []scheduler.Read
	if argBinding.isCell {
		reads = append(reads, scheduler.Read{Addr: addrOf(argBinding.cell)})
	}
	rn.rt.Scheduler.Register(runID, reads, nil, runChild)

	out := resolveBinding(rn.rt, processCell, nested.ResultSchema, node.Outputs)
	if out.isCell {
		link := path.Link{ID: childResultEntity, Path: path.Path{}}
		if err := out.cell.Set(ctx, link.ToValue()); err != nil {
			return fmt.Errorf("bind nested recipe result: %w", err)
		}
	}
	return nil
}

func (rn *Runner) resolveNestedRecipe(node Node) (*Recipe, error) {
	if rec, ok := node.Module.Implementation.(*Recipe); ok && rec != nil {
		return rec, nil
	}
	if node.Module.Ref != "" {
		if rec, ok := rn.registry.recipe(node.Module.Ref); ok {
			return rec, nil
		}
		return nil, fmt.Errorf("recipe node: unknown ref %q", node.Module.Ref)
	}
	return nil, fmt.Errorf("recipe node: no implementation or ref")
}

func (rn *Runner) resolveRawFactory(node Node) (RawFactory, error) {
	if f, ok := node.Module.Implementation.(RawFactory); ok {
		return f, nil
	}
	if node.Module.Ref != "" {
		if f, ok := rn.registry.rawFactory(node.Module.Ref); ok {
			return f, nil
		}
		return nil, fmt.Errorf("raw node: unknown ref %q", node.Module.Ref)
	}
	return nil, fmt.Errorf("raw node: no implementation or ref")
}
