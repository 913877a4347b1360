package runner

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestExpandDefaultsNested(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"count": map[string]any{"type": "number", "default": float64(5)},
			"meta": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"label": map[string]any{"type": "string", "default": "untitled"},
				},
			},
			"nodefault": map[string]any{"type": "string"},
		},
	}

	want := map[string]any{
		"count": float64(5),
		"meta":  map[string]any{"label": "untitled"},
	}

	got := expandDefaults(schema)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("expandDefaults mismatch (-want +got):\n%s", diff)
	}
}

func TestExpandDefaultsOwnDefaultMergesWithProperties(t *testing.T) {
	schema := map[string]any{
		"type":    "object",
		"default": map[string]any{"a": float64(1), "b": float64(2)},
		"properties": map[string]any{
			"b": map[string]any{"default": float64(3)},
		},
	}

	// The property-level default overlays the object-level one.
	want := map[string]any{"a": float64(1), "b": float64(3)}

	got := expandDefaults(schema)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("expandDefaults mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeJSONOverlayWins(t *testing.T) {
	base := map[string]any{
		"keep":   "base",
		"nested": map[string]any{"a": float64(1), "b": float64(2)},
	}
	overlay := map[string]any{
		"nested": map[string]any{"b": float64(9), "c": float64(3)},
		"added":  true,
	}

	want := map[string]any{
		"keep":   "base",
		"nested": map[string]any{"a": float64(1), "b": float64(9), "c": float64(3)},
		"added":  true,
	}

	got := mergeJSON(base, overlay)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mergeJSON mismatch (-want +got):\n%s", diff)
	}

	if got := mergeJSON(base, nil); !cmp.Equal(got, base) {
		t.Errorf("nil overlay should leave base untouched, got %#v", got)
	}
}

func TestNormalizeArgumentCanonicalShapes(t *testing.T) {
	in := map[string]any{
		"n":    int(7),
		"list": []any{int(1), "two"},
	}

	want := map[string]any{
		"n":    float64(7),
		"list": []any{float64(1), "two"},
	}

	got := normalizeArgument(in)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("normalizeArgument mismatch (-want +got):\n%s", diff)
	}
}

func TestFingerprintStableAcrossKeyOrder(t *testing.T) {
	a := map[string]any{"x": float64(1), "y": "z"}
	b := map[string]any{"y": "z", "x": float64(1)}

	if fingerprint(a) != fingerprint(b) {
		t.Error("fingerprint should not depend on map key order")
	}
	if fingerprint(a) == fingerprint(map[string]any{"x": float64(2), "y": "z"}) {
		t.Error("fingerprint should change when a value changes")
	}
}
