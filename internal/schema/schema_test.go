package schema

import (
	"testing"

	"github.com/commontoolsinc/runtime/internal/path"
)

// docResolver is a trivial in-memory Resolver over a map of documents
// keyed by id, used only by tests.
type docResolver struct {
	docs map[string]any
}

func (r docResolver) Resolve(doc string, p path.Path) (any, error) {
	v, ok := r.docs[doc]
	if !ok {
		return nil, nil
	}
	for _, seg := range p {
		switch cur := v.(type) {
		case map[string]any:
			v = cur[seg.StringValue()]
		case []any:
			if seg.IsIndex() && seg.IntValue() < len(cur) {
				v = cur[seg.IntValue()]
			} else {
				return nil, nil
			}
		default:
			return nil, nil
		}
	}
	return v, nil
}

func mustCompile(t *testing.T, pool *Pool, schema any) int {
	t.Helper()
	id, err := Compile(pool, schema)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return id
}

func TestCompileIdempotent(t *testing.T) {
	pool := NewPool()
	schema := map[string]any{"type": "string"}

	id1 := mustCompile(t, pool, schema)
	id2 := mustCompile(t, pool, schema)

	if id1 != id2 {
		t.Errorf("compiling the same schema twice yielded different ids: %d vs %d", id1, id2)
	}
}

func TestCompileRejectsMalformedSchema(t *testing.T) {
	pool := NewPool()

	// An unterminated group is not a valid regex; without the pre-flight
	// check this would only surface as a panic when the pattern node is
	// first evaluated.
	if _, err := Compile(pool, map[string]any{"pattern": "("}); err == nil {
		t.Fatal("expected pre-flight validation to reject an invalid pattern regex")
	}

	// A well-formed schema still compiles after a rejected one.
	if _, err := Compile(pool, map[string]any{"pattern": "^a"}); err != nil {
		t.Fatalf("valid schema rejected: %v", err)
	}
}

func TestEvaluateTypeCheck(t *testing.T) {
	pool := NewPool()
	id := mustCompile(t, pool, map[string]any{"type": "number"})

	resolver := docResolver{docs: map[string]any{"doc1": map[string]any{"n": float64(5)}}}
	ev := NewEvaluator(pool, 0)

	result := ev.Evaluate(resolver, id, "doc1", path.ParsePointer("/n"))
	if result.Verdict != VerdictYes {
		t.Errorf("verdict = %v, want Yes", result.Verdict)
	}
}

func TestEvaluateProps(t *testing.T) {
	pool := NewPool()
	schema := map[string]any{
		"type":     "object",
		"required": []any{"name"},
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
			"age":  map[string]any{"type": "number"},
		},
	}
	id := mustCompile(t, pool, schema)

	resolver := docResolver{docs: map[string]any{
		"doc1": map[string]any{"name": "ada", "age": float64(30)},
	}}
	ev := NewEvaluator(pool, 0)

	result := ev.Evaluate(resolver, id, "doc1", path.Path{})
	if result.Verdict != VerdictYes {
		t.Fatalf("verdict = %v, want Yes", result.Verdict)
	}
	if len(result.Touches) == 0 {
		t.Error("expected touches to be recorded")
	}
}

func TestEvaluatePropsMissingRequired(t *testing.T) {
	pool := NewPool()
	schema := map[string]any{
		"type":     "object",
		"required": []any{"name"},
	}
	id := mustCompile(t, pool, schema)

	resolver := docResolver{docs: map[string]any{"doc1": map[string]any{"age": float64(30)}}}
	ev := NewEvaluator(pool, 0)

	result := ev.Evaluate(resolver, id, "doc1", path.Path{})
	if result.Verdict != VerdictNo {
		t.Errorf("verdict = %v, want No (missing required field)", result.Verdict)
	}
}

func TestEvaluateAllOfShortCircuits(t *testing.T) {
	pool := NewPool()
	schema := map[string]any{
		"allOf": []any{
			map[string]any{"type": "string"},
			map[string]any{"pattern": "^a"},
		},
	}
	id := mustCompile(t, pool, schema)

	resolver := docResolver{docs: map[string]any{"doc1": "banana"}}
	ev := NewEvaluator(pool, 0)

	result := ev.Evaluate(resolver, id, "doc1", path.Path{})
	if result.Verdict != VerdictNo {
		t.Errorf("verdict = %v, want No", result.Verdict)
	}
}

func TestEvaluateAnyOf(t *testing.T) {
	pool := NewPool()
	schema := map[string]any{
		"anyOf": []any{
			map[string]any{"type": "string"},
			map[string]any{"type": "number"},
		},
	}
	id := mustCompile(t, pool, schema)

	resolver := docResolver{docs: map[string]any{"doc1": float64(5)}}
	ev := NewEvaluator(pool, 0)

	result := ev.Evaluate(resolver, id, "doc1", path.Path{})
	if result.Verdict != VerdictYes {
		t.Errorf("verdict = %v, want Yes", result.Verdict)
	}
}

func TestEvaluateItemsTuple(t *testing.T) {
	pool := NewPool()
	schema := map[string]any{
		"prefixItems": []any{
			map[string]any{"type": "string"},
			map[string]any{"type": "number"},
		},
	}
	id := mustCompile(t, pool, schema)

	resolver := docResolver{docs: map[string]any{"doc1": []any{"a", float64(1)}}}
	ev := NewEvaluator(pool, 0)

	result := ev.Evaluate(resolver, id, "doc1", path.Path{})
	if result.Verdict != VerdictYes {
		t.Errorf("verdict = %v, want Yes", result.Verdict)
	}
}

func TestEvaluateFollowsLinks(t *testing.T) {
	pool := NewPool()
	id := mustCompile(t, pool, map[string]any{"type": "string"})

	link := path.Link{ID: "doc2", Path: path.ParsePointer("/value")}
	resolver := docResolver{docs: map[string]any{
		"doc1": map[string]any{"ref": link.ToValue()},
		"doc2": map[string]any{"value": "hello"},
	}}
	ev := NewEvaluator(pool, 0)

	result := ev.Evaluate(resolver, id, "doc1", path.ParsePointer("/ref"))
	if result.Verdict != VerdictYes {
		t.Fatalf("verdict = %v, want Yes", result.Verdict)
	}

	foundEdge := false
	for _, e := range result.LinkEdges {
		if e.From.Doc == "doc1" && e.To.Doc == "doc2" {
			foundEdge = true
		}
	}
	if !foundEdge {
		t.Error("expected a link edge from doc1 to doc2")
	}
}

func TestEvaluateCyclicSchemaTerminates(t *testing.T) {
	pool := NewPool()
	schema := map[string]any{
		"$ref": "#/$defs/Node",
		"$defs": map[string]any{
			"Node": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"next": map[string]any{"$ref": "#/$defs/Node"},
				},
			},
		},
	}
	id := mustCompile(t, pool, schema)

	cyclic := map[string]any{}
	cyclic["next"] = cyclic // self-referential via the decoded-value graph
	resolver := docResolver{docs: map[string]any{"doc1": cyclic}}
	ev := NewEvaluator(pool, 100)

	result := ev.Evaluate(resolver, id, "doc1", path.Path{})
	if result.Verdict == VerdictNo {
		t.Errorf("cyclic schema over cyclic doc should not deterministically fail, got No")
	}
}

func TestCompileSelfReferentialSchemaNoInfiniteLoop(t *testing.T) {
	pool := NewPool()
	schema := map[string]any{
		"$ref": "#/$defs/Node",
		"$defs": map[string]any{
			"Node": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"next": map[string]any{"$ref": "#/$defs/Node"},
				},
			},
		},
	}

	id, err := Compile(pool, schema)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	desc := Describe(pool, id)
	if desc == "" {
		t.Error("expected non-empty description")
	}
}
