package path

import "testing"

func TestPointerRoundTrip(t *testing.T) {
	cases := []string{
		"",
		"/a",
		"/a/b",
		"/a~1b/c~0d",
		"/items/0/name",
	}

	for _, ptr := range cases {
		p := ParsePointer(ptr)
		got := p.Pointer()
		if got != ptr {
			t.Errorf("ParsePointer(%q).Pointer() = %q, want %q", ptr, got, ptr)
		}
	}
}

func TestChildIsPure(t *testing.T) {
	base := ParsePointer("/a/b")
	child1 := base.Child(Key("c"))
	child2 := base.Child(Key("d"))

	if len(base) != 2 {
		t.Fatalf("base mutated: %v", base)
	}
	if child1.Pointer() != "/a/b/c" {
		t.Errorf("child1 = %q", child1.Pointer())
	}
	if child2.Pointer() != "/a/b/d" {
		t.Errorf("child2 = %q", child2.Pointer())
	}
}

func TestIsAncestor(t *testing.T) {
	a := ParsePointer("/a/b")
	b := ParsePointer("/a/b/c")
	c := ParsePointer("/a/x")

	if !IsAncestor(a, b, false) {
		t.Error("expected a to be an ancestor of b")
	}
	if IsAncestor(a, a, false) {
		t.Error("a should not be its own ancestor when exclusive")
	}
	if !IsAncestor(a, a, true) {
		t.Error("a should be its own ancestor when inclusive")
	}
	if IsAncestor(a, c, false) {
		t.Error("a should not be an ancestor of c")
	}
}

func TestIndexSegmentRoundTrip(t *testing.T) {
	p := ParsePointer("/items/3/name")
	if !p[1].IsIndex() || p[1].IntValue() != 3 {
		t.Fatalf("expected index segment 3, got %+v", p[1])
	}
	if p.Pointer() != "/items/3/name" {
		t.Errorf("got %q", p.Pointer())
	}
}

func TestLinkJSONRoundTrip(t *testing.T) {
	l := Link{ID: "entity-1", Path: ParsePointer("/a/b")}.WithWriteRedirect()

	data, err := l.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Link
	if err := got.UnmarshalJSON(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.ID != l.ID || !got.Path.Equal(l.Path) || got.WriteRedirect != l.WriteRedirect {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, l)
	}
}

func TestIsLinkValue(t *testing.T) {
	l := Link{ID: "e1", Path: ParsePointer("/x")}
	v := l.ToValue()

	got, ok := IsLinkValue(v)
	if !ok {
		t.Fatal("expected IsLinkValue to recognize sigil")
	}
	if got.ID != "e1" || got.Path.Pointer() != "/x" {
		t.Errorf("got %+v", got)
	}

	if _, ok := IsLinkValue(map[string]any{"foo": "bar"}); ok {
		t.Error("non-link map should not be recognized as a link")
	}
}
