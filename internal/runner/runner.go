// Package runner implements the lifecycle of a running recipe:
// resolving a user-facing result cell to its backing process cell,
// seeding normalized arguments and merged internal state, instantiating
// each node's module kind as one or more scheduler actions, detecting
// stream event handlers, and handling live-argument updates, cancel and
// cache-safe restart.
//
// A process cell's document carries four top-level keys this package
// owns: TYPE (the recipe id), argument (normalized input), internal
// (recipe-local state seeded from Recipe.Initial and preserved across
// restarts) and result (the subtree a recipe's nodes write their final
// output into). The user-facing result cell a caller reads from is
// wired to the process cell's result subtree with a single link,
// written once at Run time, so every subsequent read resolves through
// it exactly like any other inline reference, since a cell's resolve
// already follows links transparently.
package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/commontoolsinc/runtime/internal/cell"
	"github.com/commontoolsinc/runtime/internal/fact"
	"github.com/commontoolsinc/runtime/internal/path"
	"github.com/commontoolsinc/runtime/internal/runtime"
	"github.com/commontoolsinc/runtime/internal/scheduler"
)

// ModuleType names one of the five module kinds a recipe node binds.
type ModuleType string

const (
	ModuleJavaScript  ModuleType = "javascript"
	ModuleRecipe      ModuleType = "recipe"
	ModuleRaw         ModuleType = "raw"
	ModulePassthrough ModuleType = "passthrough"
	ModuleRef         ModuleType = "ref"
)

// Module is one node's computation. Implementation's concrete type
// depends on Type: a JavaScript source string for ModuleJavaScript, a
// *Recipe for ModuleRecipe, a RawFactory for ModuleRaw; ModulePassthrough
// ignores it, and ModuleRef uses it only when it holds a *Recipe
// (otherwise ModuleRef resolves Ref against a Registry).
type Module struct {
	Type           ModuleType
	ArgumentSchema any
	ResultSchema   any
	Implementation any
	Ref            string
}

// Node is one entry in a recipe's graph: a module bound to input/output
// binding trees. A binding tree
// is a decoded-JSON value whose leaves are either a path.Link sigil
// (bound reactively to a location inside the process cell, or another
// cell entirely) or a literal constant consumed once per invocation.
type Node struct {
	Module  Module
	Inputs  any
	Outputs any
}

// Initial seeds a freshly-created process cell's internal state.
type Initial struct {
	Internal any
}

// Recipe is the serialized input the runner consumes.
type Recipe struct {
	ID             string
	ArgumentSchema any
	ResultSchema   any
	Initial        *Initial
	Nodes          []Node
}

// RawContext is what a "raw" module's factory receives to build its
// action: the module's factory is called with (inputsCell, send,
// addCancel, context, process cell, runtime).
type RawContext struct {
	Runtime   *runtime.Runtime
	Inputs    *cell.Cell
	Send      func(ctx context.Context, value any) error
	AddCancel func(scheduler.CancelFunc)
	Process   *cell.Cell
	RunID     string
}

// RawAction is what a RawFactory returns: the read/write address set the
// scheduler registers the resulting action under.
type RawAction struct {
	Reads  []scheduler.Read
	Writes []scheduler.Addr
	Run    scheduler.RunFunc
}

// RawFactory builds a raw module's action from its bound context.
type RawFactory func(rc RawContext) (RawAction, error)

// Registry resolves ModuleRef nodes to their recipe implementation and
// names to RawFactory implementations, the node-kind analogue of the
// registry a workflow engine keeps for its own node types.
type Registry struct {
	mu      sync.RWMutex
	recipes map[string]*Recipe
	raw     map[string]RawFactory
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{recipes: make(map[string]*Recipe), raw: make(map[string]RawFactory)}
}

// RegisterRecipe makes rec resolvable by id, for ModuleRef nodes and for
// ModuleRecipe nodes whose Implementation is omitted in favor of Ref.
func (r *Registry) RegisterRecipe(rec *Recipe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recipes[rec.ID] = rec
}

// RegisterRaw makes f resolvable by name for ModuleRaw nodes that name
// their factory via Ref instead of embedding it directly.
func (r *Registry) RegisterRaw(name string, f RawFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raw[name] = f
}

func (r *Registry) recipe(id string) (*Recipe, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.recipes[id]
	return rec, ok
}

func (r *Registry) rawFactory(name string) (RawFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.raw[name]
	return f, ok
}

// Top-level keys this package owns on a process cell's document.
const (
	keyType     = "TYPE"
	keyArgument = "argument"
	keyInternal = "internal"
	keyResult   = "result"
)

// activeRun is the runner's bookkeeping for one process cell currently
// bound to scheduler actions; this is explicit process-local state
// threaded through a *Runner a caller constructs, not a package-level
// singleton.
type activeRun struct {
	recipeID string
	argHash  string
	runID    string
}

// Runner drives recipe lifecycles against a Runtime.
type Runner struct {
	rt       *runtime.Runtime
	registry *Registry
	funcs    *functionCache

	mu     sync.Mutex
	active map[string]*activeRun             // process entity -> run
	extra  map[string][]scheduler.CancelFunc // run id -> raw modules' own cleanup hooks
}

// New constructs a Runner bound to rt, resolving ModuleRef/named-raw
// nodes against registry.
func New(rt *runtime.Runtime, registry *Registry) *Runner {
	return &Runner{
		rt:       rt,
		registry: registry,
		funcs:    newFunctionCache(),
		active:   make(map[string]*activeRun),
		extra:    make(map[string][]scheduler.CancelFunc),
	}
}

// addExtraCancel records a raw module factory's own cleanup hook
// (registered via RawContext.AddCancel), run when the owning run id is
// stopped.
func (rn *Runner) addExtraCancel(runID string, c scheduler.CancelFunc) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	rn.extra[runID] = append(rn.extra[runID], c)
}

// ProcessEntity derives the deterministic process cell id backing a
// given result cell, the identity Run and Stop key their bookkeeping by.
func ProcessEntity(space, resultEntity string) string {
	return fact.DigestBytes(space, []byte("process:"+resultEntity))
}

// Run resolves (creating if needed) the process cell backing
// resultEntity and brings it to reflect recipe+argument:
//
//   - no existing run: seed and instantiate fresh.
//   - same recipe, same argument (by structural fingerprint): no-op.
//   - same recipe, different argument: write the normalized argument to
//     the live process cell (scheduler actions already reading it pick
//     the new value up on their next wave) without touching nodes.
//   - different recipe: cancel the old run's actions, then seed and
//     instantiate fresh as if there had been no prior run.
func (rn *Runner) Run(ctx context.Context, recipe *Recipe, argument any, space, resultEntity string) (string, error) {
	processEntity, _, err := rn.run(ctx, recipe, argument, space, resultEntity, "")
	return processEntity, err
}

// run is Run's implementation, additionally returning the run id (used
// by nested-recipe node instantiation to register parent/child
// cancellation) and accepting parentRunID so the scheduler can cancel
// this run when its parent run is cancelled.
func (rn *Runner) run(ctx context.Context, recipe *Recipe, argument any, space, resultEntity, parentRunID string) (string, string, error) {
	processEntity := ProcessEntity(space, resultEntity)
	processCell := cell.New(rn.rt, space, processEntity, "", recipe.ArgumentSchema)

	argHash := fingerprint(argument)

	rn.mu.Lock()
	run, exists := rn.active[processEntity]
	rn.mu.Unlock()

	if exists && run.recipeID == recipe.ID {
		if run.argHash == argHash {
			return processEntity, run.runID, nil
		}
		normalized := normalizeArgument(argument)
		if err := processCell.Key(keyArgument).Set(ctx, normalized); err != nil {
			return "", "", fmt.Errorf("runner: update argument: %w", err)
		}
		rn.mu.Lock()
		run.argHash = argHash
		rn.mu.Unlock()
		return processEntity, run.runID, nil
	}

	if exists {
		rn.Stop(processEntity)
	}

	if err := rn.seed(ctx, processCell, recipe, argument); err != nil {
		return "", "", err
	}
	if err := rn.linkResult(ctx, space, resultEntity, processEntity, recipe); err != nil {
		return "", "", err
	}

	runID := ulid.Make().String()
	if parentRunID != "" {
		rn.rt.Scheduler.RegisterChildRun(parentRunID, runID)
	}

	fr := newFrame(space, processEntity, nil)
	if err := rn.instantiateNodes(ctx, processCell, recipe, runID, fr); err != nil {
		rn.rt.Scheduler.Cancel(runID)
		return "", "", err
	}

	rn.mu.Lock()
	rn.active[processEntity] = &activeRun{recipeID: recipe.ID, argHash: argHash, runID: runID}
	rn.mu.Unlock()

	return processEntity, runID, nil
}

// Stop cancels every scheduler action registered for processEntity's
// run (and any descendant sub-recipe/event-handler runs) and forgets
// the bookkeeping, leaving the process cell's document intact so a
// subsequent Run reuses its internal state.
func (rn *Runner) Stop(processEntity string) {
	rn.mu.Lock()
	run, ok := rn.active[processEntity]
	var extras []scheduler.CancelFunc
	if ok {
		delete(rn.active, processEntity)
		extras = rn.extra[run.runID]
		delete(rn.extra, run.runID)
	}
	rn.mu.Unlock()

	if !ok {
		return
	}
	rn.rt.Scheduler.Cancel(run.runID)
	for _, c := range extras {
		c()
	}
}

// seed computes a process cell's initial document: defaults expanded
// from the argument schema, overlaid by the caller's argument; initial
// internal state overlaid by whatever internal state already exists
// from a prior run of the same process cell:
// `merge(defaults(argSchema), recipe.initial.internal, P.internal)`.
func (rn *Runner) seed(ctx context.Context, processCell *cell.Cell, recipe *Recipe, argument any) error {
	existing, err := processCell.Get(ctx)
	if err != nil {
		return fmt.Errorf("runner: seed: read existing process state: %w", err)
	}
	existingInternal := fieldOf(existing, keyInternal)

	var initialInternal any
	if recipe.Initial != nil {
		initialInternal = recipe.Initial.Internal
	}
	internal := mergeJSON(initialInternal, existingInternal)

	defaults := expandDefaults(recipe.ArgumentSchema)
	normalizedArg := normalizeArgument(argument)
	mergedArg := mergeJSON(defaults, normalizedArg)

	doc := map[string]any{
		keyType:     recipe.ID,
		keyArgument: mergedArg,
		keyInternal: internal,
		keyResult:   map[string]any{},
	}
	if err := processCell.Set(ctx, doc); err != nil {
		return fmt.Errorf("runner: seed: %w", err)
	}
	return nil
}

// linkResult writes a single inline link at resultEntity's root
// pointing at the process cell's result subtree, so every subsequent
// read of resultEntity resolves transparently through it.
func (rn *Runner) linkResult(ctx context.Context, space, resultEntity, processEntity string, recipe *Recipe) error {
	resultCell := cell.New(rn.rt, space, resultEntity, "", recipe.ResultSchema)
	link := path.Link{ID: processEntity, Path: path.Path{path.Key(keyResult)}}
	if err := resultCell.Set(ctx, link.ToValue()); err != nil {
		return fmt.Errorf("runner: link result: %w", err)
	}
	return nil
}

func fieldOf(doc any, key string) any {
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil
	}
	return obj[key]
}
