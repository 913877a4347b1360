package runner

import (
	"context"
	"testing"

	"github.com/commontoolsinc/runtime/internal/branch"
	"github.com/commontoolsinc/runtime/internal/cell"
	"github.com/commontoolsinc/runtime/internal/fact"
	"github.com/commontoolsinc/runtime/internal/path"
	"github.com/commontoolsinc/runtime/internal/runtime"
	"github.com/commontoolsinc/runtime/internal/scheduler"
	"github.com/commontoolsinc/runtime/internal/schema"
	"github.com/commontoolsinc/runtime/internal/subscription"
	"github.com/commontoolsinc/runtime/internal/txn"
)

const testSpace = "runner-space"

func newTestRuntime(t *testing.T) *runtime.Runtime {
	t.Helper()

	facts := fact.NewMemoryStore()
	branches := branch.NewEngine(branch.NewMemoryStore(), branch.DefaultSnapshotPolicy)
	chain := txn.NewMemoryChainStore()
	processor := txn.New(branches, chain, nil, nil)
	pool := schema.NewPool()
	evaluator := schema.NewEvaluator(pool, 0)
	sched := scheduler.New()
	signer := runtime.NewAnonymousSigner("runner-test-actor")

	var rt *runtime.Runtime
	resolvers := subscription.ResolverFactory(func(space, br string) schema.Resolver {
		return cell.NewDocResolver(rt, space, br)
	})
	subs := subscription.NewEngine(pool, evaluator, resolvers)

	rt = runtime.New(facts, branches, processor, pool, evaluator, subs, sched, signer)

	if err := rt.Branches.CreateBranch(context.Background(), testSpace, cell.MainBranch, ""); err != nil {
		t.Fatalf("create branch: %v", err)
	}
	return rt
}

// TestRunDoubleNumberRecipe exercises the canonical "double a number"
// recipe: a single javascript node reads an argument's "value"
// field and writes its double to the result's "doubled" field, with the
// result cell transparently resolving through the process cell's result
// link.
func TestRunDoubleNumberRecipe(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	recipe := &Recipe{
		ID: "double-number",
		ArgumentSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"value": map[string]any{"type": "number", "default": float64(0)},
			},
		},
		ResultSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"doubled": map[string]any{"type": "number"},
			},
		},
		Nodes: []Node{
			{
				Module: Module{
					Type:           ModuleJavaScript,
					ArgumentSchema: map[string]any{"properties": map[string]any{"value": map[string]any{"type": "number"}}},
					ResultSchema:   map[string]any{"properties": map[string]any{"doubled": map[string]any{"type": "number"}}},
					Implementation: `return {doubled: inputs.value * 2};`,
				},
				Inputs: map[string]any{
					"value": path.Link{ID: "", Path: path.Path{path.Key("argument"), path.Key("value")}}.ToValue(),
				},
				Outputs: map[string]any{
					"doubled": path.Link{ID: "", Path: path.Path{path.Key("result"), path.Key("doubled")}}.ToValue(),
				},
			},
		},
	}

	runner := New(rt, NewRegistry())

	resultEntity := "result-doc-1"
	processEntity, err := runner.Run(ctx, recipe, map[string]any{"value": float64(21)}, testSpace, resultEntity)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if processEntity == "" {
		t.Fatalf("expected non-empty process entity")
	}

	if err := rt.Scheduler.Run(ctx); err != nil {
		t.Fatalf("scheduler run: %v", err)
	}

	resultCell := cell.New(rt, testSpace, resultEntity, cell.MainBranch, recipe.ResultSchema)
	got, err := resultCell.Key("doubled").Get(ctx)
	if err != nil {
		t.Fatalf("get doubled: %v", err)
	}
	if got != float64(42) {
		t.Fatalf("doubled = %v, want 42", got)
	}

	// Updating the argument through the process cell re-runs the node
	// and the result tracks the new value.
	processCell := cell.New(rt, testSpace, processEntity, cell.MainBranch, recipe.ArgumentSchema)
	if err := processCell.Key("argument").Key("value").Set(ctx, float64(10)); err != nil {
		t.Fatalf("update argument: %v", err)
	}
	if err := rt.Scheduler.Run(ctx); err != nil {
		t.Fatalf("scheduler run 2: %v", err)
	}

	got2, err := resultCell.Key("doubled").Get(ctx)
	if err != nil {
		t.Fatalf("get doubled 2: %v", err)
	}
	if got2 != float64(20) {
		t.Fatalf("doubled = %v, want 20", got2)
	}
}

// TestRunIsIdempotentForUnchangedArgument exercises calling
// Run again with the same recipe and a structurally-equal argument is a
// no-op that doesn't disturb the already-converged result.
func TestRunIsIdempotentForUnchangedArgument(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	recipe := &Recipe{
		ID:             "identity",
		ArgumentSchema: map[string]any{"type": "object"},
		ResultSchema:   map[string]any{"type": "object"},
		Nodes: []Node{
			{
				Module:  Module{Type: ModulePassthrough},
				Inputs:  path.Link{Path: path.Path{path.Key("argument"), path.Key("value")}}.ToValue(),
				Outputs: path.Link{Path: path.Path{path.Key("result"), path.Key("value")}}.ToValue(),
			},
		},
	}

	runner := New(rt, NewRegistry())
	resultEntity := "result-doc-2"

	arg := map[string]any{"value": "hello"}
	if _, err := runner.Run(ctx, recipe, arg, testSpace, resultEntity); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := runner.Run(ctx, recipe, map[string]any{"value": "hello"}, testSpace, resultEntity); err != nil {
		t.Fatalf("re-run: %v", err)
	}

	if err := rt.Scheduler.Run(ctx); err != nil {
		t.Fatalf("scheduler run: %v", err)
	}

	resultCell := cell.New(rt, testSpace, resultEntity, cell.MainBranch, recipe.ResultSchema)
	got, err := resultCell.Key("value").Get(ctx)
	if err != nil {
		t.Fatalf("get value: %v", err)
	}
	if got != "hello" {
		t.Fatalf("value = %v, want hello", got)
	}
}

// TestStopCancelsFutureWrites checks that stopping a run removes its
// scheduler actions, so a subsequent argument change no longer
// propagates to the result.
func TestStopCancelsFutureWrites(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	recipe := &Recipe{
		ID:             "passthrough-stop",
		ArgumentSchema: map[string]any{"type": "object"},
		ResultSchema:   map[string]any{"type": "object"},
		Nodes: []Node{
			{
				Module:  Module{Type: ModulePassthrough},
				Inputs:  path.Link{Path: path.Path{path.Key("argument"), path.Key("value")}}.ToValue(),
				Outputs: path.Link{Path: path.Path{path.Key("result"), path.Key("value")}}.ToValue(),
			},
		},
	}

	runner := New(rt, NewRegistry())
	resultEntity := "result-doc-3"

	processEntity, err := runner.Run(ctx, recipe, map[string]any{"value": "first"}, testSpace, resultEntity)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := rt.Scheduler.Run(ctx); err != nil {
		t.Fatalf("scheduler run: %v", err)
	}

	runner.Stop(processEntity)

	processCell := cell.New(rt, testSpace, processEntity, cell.MainBranch, recipe.ArgumentSchema)
	if err := processCell.Key("argument").Key("value").Set(ctx, "second"); err != nil {
		t.Fatalf("update argument after stop: %v", err)
	}
	if err := rt.Scheduler.Run(ctx); err != nil {
		t.Fatalf("scheduler run 2: %v", err)
	}

	resultCell := cell.New(rt, testSpace, resultEntity, cell.MainBranch, recipe.ResultSchema)
	got, err := resultCell.Key("value").Get(ctx)
	if err != nil {
		t.Fatalf("get value: %v", err)
	}
	if got != "first" {
		t.Fatalf("value = %v, want first (stopped run should not propagate)", got)
	}
}
