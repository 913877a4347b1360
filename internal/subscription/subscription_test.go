package subscription

import (
	"context"
	"testing"

	"github.com/commontoolsinc/runtime/internal/path"
	"github.com/commontoolsinc/runtime/internal/schema"
)

// mapResolver resolves documents from an in-memory map keyed by doc id,
// mirroring schema's own test resolver.
type mapResolver struct {
	docs map[string]any
}

func (r mapResolver) Resolve(doc string, p path.Path) (any, error) {
	v, ok := r.docs[doc]
	if !ok {
		return nil, nil
	}
	for _, seg := range p {
		switch cur := v.(type) {
		case map[string]any:
			v = cur[seg.StringValue()]
		default:
			return nil, nil
		}
	}
	return v, nil
}

func newTestEngine(t *testing.T, docs map[string]any, schemaDoc any) (*Engine, int) {
	t.Helper()
	pool := schema.NewPool()
	irID, err := schema.Compile(pool, schemaDoc)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	evaluator := schema.NewEvaluator(pool, 0)
	resolver := mapResolver{docs: docs}
	engine := NewEngine(pool, evaluator, func(space, branch string) schema.Resolver {
		return resolver
	})
	return engine, irID
}

func TestRegisterComputesInitialVerdict(t *testing.T) {
	docs := map[string]any{
		"users": map[string]any{"email": "a@example.com"},
	}
	engine, irID := newTestEngine(t, docs, map[string]any{"type": "string"})

	q, result, err := engine.Register(Query{
		Space:         "space1",
		DocEntryPoint: "users",
		Path:          path.ParsePointer("/email"),
		IRID:          irID,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if result.Verdict != schema.VerdictYes {
		t.Fatalf("expected Yes, got %v", result.Verdict)
	}
	if q.ID == "" {
		t.Fatalf("expected an assigned query id")
	}
}

func TestUnrelatedChangeProducesNoEvent(t *testing.T) {
	docs := map[string]any{
		"users": map[string]any{"email": "a@example.com", "other": "x"},
	}
	engine, irID := newTestEngine(t, docs, map[string]any{"type": "string"})

	q, _, err := engine.Register(Query{
		Space:         "space1",
		DocEntryPoint: "users",
		Path:          path.ParsePointer("/email"),
		IRID:          irID,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// Changing /email (the touched path): verdict is re-evaluated and
	// the doc remains in the touch set, so an event fires.
	docs["users"].(map[string]any)["email"] = "b@example.com"
	events := engine.HandleCommit(context.Background(), Delta{
		Space:        "space1",
		Doc:          "users",
		ChangedPaths: []path.Path{path.ParsePointer("/email")},
		AtVersion:    1,
	})
	if len(events) != 1 {
		t.Fatalf("expected one event for a touched-path change, got %d", len(events))
	}
	if events[0].QueryID != q.ID {
		t.Fatalf("event for wrong query: %s", events[0].QueryID)
	}

	// Changing /other (never touched by this query's evaluation):
	// candidateQueries should not even select it, so no event fires.
	docs["users"].(map[string]any)["other"] = "y"
	events = engine.HandleCommit(context.Background(), Delta{
		Space:        "space1",
		Doc:          "users",
		ChangedPaths: []path.Path{path.ParsePointer("/other")},
		AtVersion:    2,
	})
	if len(events) != 0 {
		t.Fatalf("expected no event for an untouched-path change, got %d", len(events))
	}
}

func TestSubscribeDeliversDocUpdateThenQuerySynced(t *testing.T) {
	docs := map[string]any{
		"users": map[string]any{"email": "a@example.com"},
	}
	engine, irID := newTestEngine(t, docs, map[string]any{"type": "string"})

	q, _, err := engine.Register(Query{
		Space:         "space1",
		DocEntryPoint: "users",
		Path:          path.ParsePointer("/email"),
		IRID:          irID,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	msgs, err := engine.Subscribe("client1", q.ID, 1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Kind != MessageDocUpdate {
		t.Fatalf("expected a single DOC_UPDATE, got %+v", msgs)
	}

	synced := engine.Ack("client1", msgs[0].ID)
	if len(synced) != 1 || synced[0].Kind != MessageQuerySynced {
		t.Fatalf("expected QUERY_SYNCED after acking the only pending doc, got %+v", synced)
	}

	// Acking the same message id again is a no-op: idempotent ack.
	again := engine.Ack("client1", msgs[0].ID)
	if len(again) != 0 {
		t.Fatalf("expected re-acking the same id to produce nothing, got %+v", again)
	}
}

func TestCapTouchesBudget(t *testing.T) {
	result := schema.Result{Touches: []schema.Touch{
		{Doc: "a", Path: "/x"},
		{Doc: "b", Path: "/y"},
		{Doc: "c", Path: "/z"},
	}}
	capped := capTouches(result, 2)
	if len(capped.Touches) != 2 {
		t.Fatalf("expected budget to cap touches to 2, got %d", len(capped.Touches))
	}

	uncapped := capTouches(result, 0)
	if len(uncapped.Touches) != 3 {
		t.Fatalf("budget 0 should mean unlimited, got %d", len(uncapped.Touches))
	}
}
