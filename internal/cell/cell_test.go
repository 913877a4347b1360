package cell

import (
	"context"
	"strings"
	"testing"

	"github.com/commontoolsinc/runtime/internal/branch"
	"github.com/commontoolsinc/runtime/internal/crypto"
	"github.com/commontoolsinc/runtime/internal/fact"
	"github.com/commontoolsinc/runtime/internal/path"
	"github.com/commontoolsinc/runtime/internal/runtime"
	"github.com/commontoolsinc/runtime/internal/scheduler"
	"github.com/commontoolsinc/runtime/internal/schema"
	"github.com/commontoolsinc/runtime/internal/subscription"
	"github.com/commontoolsinc/runtime/internal/txn"
)

func newTestRuntime(t *testing.T) *runtime.Runtime {
	t.Helper()

	facts := fact.NewMemoryStore()
	branches := branch.NewEngine(branch.NewMemoryStore(), branch.DefaultSnapshotPolicy)
	chain := txn.NewMemoryChainStore()
	processor := txn.New(branches, chain, nil, nil)
	pool := schema.NewPool()
	evaluator := schema.NewEvaluator(pool, 0)
	sched := scheduler.New()
	signer := runtime.NewAnonymousSigner("test-actor")

	var rt *runtime.Runtime
	resolvers := subscription.ResolverFactory(func(space, br string) schema.Resolver {
		return NewDocResolver(rt, space, br)
	})
	subs := subscription.NewEngine(pool, evaluator, resolvers)

	rt = runtime.New(facts, branches, processor, pool, evaluator, subs, sched, signer)
	return rt
}

const testSpace = "space-a"

func mustCreateBranch(t *testing.T, rt *runtime.Runtime) {
	t.Helper()
	if err := rt.Branches.CreateBranch(context.Background(), testSpace, MainBranch, ""); err != nil {
		t.Fatalf("create branch: %v", err)
	}
}

// TestSetThenGetRoundTrips: writing a value through a cell and reading
// it back (directly, and through a child Key) reflects the write without
// a second commit.
func TestSetThenGetRoundTrips(t *testing.T) {
	rt := newTestRuntime(t)
	mustCreateBranch(t, rt)
	ctx := context.Background()

	root := New(rt, testSpace, "doc-1", MainBranch, nil)
	if err := root.Set(ctx, map[string]any{"count": float64(21)}); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := root.Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	obj, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("got = %#v, want map", got)
	}
	if obj["count"] != float64(21) {
		t.Fatalf("count = %v, want 21", obj["count"])
	}

	// Double the value the way a recipe would: read, transform, write.
	doubled := root.Key("count")
	cur, err := doubled.Get(ctx)
	if err != nil {
		t.Fatalf("get count: %v", err)
	}
	if err := doubled.Set(ctx, cur.(float64)*2); err != nil {
		t.Fatalf("set count: %v", err)
	}

	final, err := root.Get(ctx)
	if err != nil {
		t.Fatalf("get final: %v", err)
	}
	if final.(map[string]any)["count"] != float64(42) {
		t.Fatalf("final count = %v, want 42", final.(map[string]any)["count"])
	}
}

// TestKeyNavigationThroughLink exercises link resolution: a cell whose
// current value is a link sigil transparently reads through to the
// linked entity's value instead of returning the sigil itself.
func TestKeyNavigationThroughLink(t *testing.T) {
	rt := newTestRuntime(t)
	mustCreateBranch(t, rt)
	ctx := context.Background()

	target := New(rt, testSpace, "target-doc", MainBranch, nil)
	if err := target.Set(ctx, map[string]any{"name": "alice"}); err != nil {
		t.Fatalf("set target: %v", err)
	}

	link := path.Link{ID: "target-doc", Path: path.Path{}}
	root := New(rt, testSpace, "doc-2", MainBranch, nil)
	if err := root.Key("ref").Set(ctx, link.ToValue()); err != nil {
		t.Fatalf("set link: %v", err)
	}

	got, err := root.Key("ref").Key("name").Get(ctx)
	if err != nil {
		t.Fatalf("get through link: %v", err)
	}
	if got != "alice" {
		t.Fatalf("got = %v, want alice", got)
	}
}

// TestWriteRedirectLandsAtTarget exercises the write-redirect case:
// setting through a cell whose value is a write-redirect link commits
// the new value at the link's target entity, not at the link's own
// location.
func TestWriteRedirectLandsAtTarget(t *testing.T) {
	rt := newTestRuntime(t)
	mustCreateBranch(t, rt)
	ctx := context.Background()

	target := New(rt, testSpace, "target-doc", MainBranch, nil)
	if err := target.Set(ctx, map[string]any{"name": "bob"}); err != nil {
		t.Fatalf("set target: %v", err)
	}

	link := path.Link{ID: "target-doc", Path: path.Path{}}.WithWriteRedirect()
	root := New(rt, testSpace, "doc-3", MainBranch, nil)
	if err := root.Key("ref").Set(ctx, link.ToValue()); err != nil {
		t.Fatalf("set redirect: %v", err)
	}

	if err := root.Key("ref").Key("name").Set(ctx, "carol"); err != nil {
		t.Fatalf("set through redirect: %v", err)
	}

	targetVal, err := target.Get(ctx)
	if err != nil {
		t.Fatalf("get target: %v", err)
	}
	if targetVal.(map[string]any)["name"] != "carol" {
		t.Fatalf("target name = %v, want carol", targetVal.(map[string]any)["name"])
	}

	// doc-3's own location still holds the redirect link, untouched.
	rootRef, ok, err := root.Key("ref").GetAsLink(ctx)
	if err != nil {
		t.Fatalf("get as link: %v", err)
	}
	if !ok || rootRef.ID != "target-doc" {
		t.Fatalf("ref = %#v, want link to target-doc", rootRef)
	}
}

// TestPushThenSetReusesIdentity: pushing
// an IDField-tagged element, then overwriting the array with a rewrite
// that repeats that element's id alongside a new one. The repeated id
// must resolve to the very same entity the push created (content updated
// in place), while the new id gets its own, distinct entity.
func TestPushThenSetReusesIdentity(t *testing.T) {
	rt := newTestRuntime(t)
	mustCreateBranch(t, rt)
	ctx := context.Background()

	root := New(rt, testSpace, "doc-4", MainBranch, nil)
	items := root.Key("items")

	if err := items.Push(ctx, map[string]any{IDField: "b", "slug": "b", "v": float64(1)}); err != nil {
		t.Fatalf("push: %v", err)
	}

	linkBefore, ok, err := items.Index(0).GetAsLink(ctx)
	if err != nil {
		t.Fatalf("get link before rewrite: %v", err)
	}
	if !ok {
		t.Fatalf("items[0] is not a link after push")
	}

	rewrite := []any{
		map[string]any{IDField: "a", "slug": "a", "v": float64(1)},
		map[string]any{IDField: "b", "slug": "b", "v": float64(2)},
	}
	if err := items.Set(ctx, rewrite); err != nil {
		t.Fatalf("set rewrite: %v", err)
	}

	linkB, ok, err := items.Index(1).GetAsLink(ctx)
	if err != nil {
		t.Fatalf("get link for b after rewrite: %v", err)
	}
	if !ok {
		t.Fatalf("items[1] is not a link after rewrite")
	}
	if linkB.ID != linkBefore.ID {
		t.Fatalf("b's entity id changed across rewrite: before=%s after=%s", linkBefore.ID, linkB.ID)
	}

	valB, err := items.Index(1).Get(ctx)
	if err != nil {
		t.Fatalf("get items[1]: %v", err)
	}
	objB, ok := valB.(map[string]any)
	if !ok || objB["v"] != float64(2) {
		t.Fatalf("items[1] = %#v, want v=2 on the reused entity", valB)
	}

	linkA, ok, err := items.Index(0).GetAsLink(ctx)
	if err != nil {
		t.Fatalf("get link for a: %v", err)
	}
	if !ok {
		t.Fatalf("items[0] is not a link after rewrite")
	}
	if linkA.ID == linkBefore.ID {
		t.Fatalf("a's entity id should differ from b's, both got %s", linkA.ID)
	}

	valA, err := items.Index(0).Get(ctx)
	if err != nil {
		t.Fatalf("get items[0]: %v", err)
	}
	objA, ok := valA.(map[string]any)
	if !ok || objA["slug"] != "a" {
		t.Fatalf("items[0] = %#v, want slug=a", valA)
	}

	wantB := DeriveEntityID("doc-4", path.Path{path.Key("items")}, "b")
	if linkBefore.ID != wantB {
		t.Fatalf("b's entity id = %s, want %s (DeriveEntityID)", linkBefore.ID, wantB)
	}
}

// TestCommitDocumentEncryptsAtRest exercises the Runtime.EncryptionKey
// path: with a key configured, a committed document's fact body is
// sealed via internal/crypto before it reaches the fact store, and Get
// transparently decrypts it back, so callers see no difference from the
// unencrypted case.
func TestCommitDocumentEncryptsAtRest(t *testing.T) {
	rt := newTestRuntime(t)
	mustCreateBranch(t, rt)
	ctx := context.Background()

	key, err := crypto.DeriveKey("space-level-test-key")
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	rt.EncryptionKey = key

	root := New(rt, testSpace, "doc-6", MainBranch, nil)
	if err := root.Set(ctx, map[string]any{"secret": "classified"}); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := root.Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.(map[string]any)["secret"] != "classified" {
		t.Fatalf("got = %#v, want secret=classified", got)
	}

	digest, _, ok, err := rt.Facts.IndexLatest(ctx, testSpace, "doc-6", Attribute)
	if err != nil || !ok {
		t.Fatalf("index latest: ok=%v err=%v", ok, err)
	}
	raw, err := rt.Facts.Get(ctx, testSpace, digest)
	if err != nil {
		t.Fatalf("get raw fact: %v", err)
	}
	if strings.Contains(string(raw), "classified") {
		t.Fatalf("raw fact bytes contain plaintext: %q", raw)
	}

	// Without the key, the stored body cannot be decoded.
	rt.EncryptionKey = nil
	if _, err := root.Get(ctx); err == nil {
		t.Fatalf("expected error reading encrypted document without the key")
	}
}

func TestEqual(t *testing.T) {
	rt := newTestRuntime(t)
	a := New(rt, testSpace, "doc-5", MainBranch, nil).Key("x")
	b := New(rt, testSpace, "doc-5", MainBranch, nil).Key("x")
	c := New(rt, testSpace, "doc-5", MainBranch, nil).Key("y")

	if !a.Equal(b) {
		t.Fatalf("expected a.Equal(b)")
	}
	if a.Equal(c) {
		t.Fatalf("expected !a.Equal(c)")
	}
}
