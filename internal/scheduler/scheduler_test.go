package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/commontoolsinc/runtime/internal/path"
)

func addr(entity string, segs ...string) Addr {
	p := make(path.Path, 0, len(segs))
	for _, s := range segs {
		p = append(p, path.Key(s))
	}
	return Addr{Space: "space-a", Entity: entity, Path: p}
}

// TestWaveRunsInTopologicalOrder: A writes X, B reads X and writes Y, C
// reads Y. Triggering A should run A, then B, then C, each exactly once,
// with C observing Y derived from what B derived from X.
func TestWaveRunsInTopologicalOrder(t *testing.T) {
	s := New()

	var mu sync.Mutex
	var order []string
	var x, y int

	_, _ = s.Register("run1", nil, []Addr{addr("doc", "x")}, func(ctx context.Context) error {
		mu.Lock()
		order = append(order, "A")
		x = 1
		mu.Unlock()
		return nil
	})
	_, _ = s.Register("run1", []Read{{Addr: addr("doc", "x")}}, []Addr{addr("doc", "y")}, func(ctx context.Context) error {
		mu.Lock()
		order = append(order, "B")
		y = x * 2
		mu.Unlock()
		return nil
	})
	_, _ = s.Register("run1", []Read{{Addr: addr("doc", "y")}}, nil, func(ctx context.Context) error {
		mu.Lock()
		order = append(order, "C")
		mu.Unlock()
		return nil
	})

	// Nothing has run yet, but registration marks everything dirty; a
	// fresh run must still converge in one pass over the induced DAG.
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("order = %v, want 3 entries", order)
	}
	idxA, idxB, idxC := indexOf(order, "A"), indexOf(order, "B"), indexOf(order, "C")
	if !(idxA < idxB && idxB < idxC) {
		t.Fatalf("order %v not compatible with A -> B -> C", order)
	}
	if y != 2 {
		t.Fatalf("y = %d, want 2", y)
	}
}

func indexOf(ss []string, v string) int {
	for i, s := range ss {
		if s == v {
			return i
		}
	}
	return -1
}

func TestNotifyWriteReRunsDownstreamOnly(t *testing.T) {
	s := New()

	runs := map[string]int{}
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		runs[name]++
		mu.Unlock()
	}

	_, _ = s.Register("run1", []Read{{Addr: addr("doc", "x")}}, nil, func(ctx context.Context) error {
		record("reader")
		return nil
	})

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("initial run: %v", err)
	}
	if runs["reader"] != 1 {
		t.Fatalf("reader ran %d times, want 1", runs["reader"])
	}

	// A write to an unrelated address must not re-dirty the reader.
	s.NotifyWrite(addr("doc", "unrelated"))
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run after unrelated write: %v", err)
	}
	if runs["reader"] != 1 {
		t.Fatalf("reader ran %d times after unrelated write, want 1", runs["reader"])
	}

	// A write to the read address must re-dirty it.
	s.NotifyWrite(addr("doc", "x"))
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run after write: %v", err)
	}
	if runs["reader"] != 2 {
		t.Fatalf("reader ran %d times after write, want 2", runs["reader"])
	}
}

func TestCancelRemovesRunAndDescendants(t *testing.T) {
	s := New()

	var mu sync.Mutex
	ran := false

	s.RegisterChildRun("parent", "child")
	_, _ = s.Register("child", []Read{{Addr: addr("doc", "x")}}, nil, func(ctx context.Context) error {
		mu.Lock()
		ran = true
		mu.Unlock()
		return nil
	})

	s.Cancel("parent")

	s.NotifyWrite(addr("doc", "x"))
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if ran {
		t.Fatalf("cancelled child action ran")
	}
}

func TestAncestorWriteDirtiesNestedReader(t *testing.T) {
	s := New()

	var mu sync.Mutex
	runs := 0
	_, _ = s.Register("run1", []Read{{Addr: addr("doc", "foo", "bar")}}, nil, func(ctx context.Context) error {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil
	})
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Writing the whole "foo" object should dirty a reader of "foo/bar".
	s.NotifyWrite(addr("doc", "foo"))
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if runs != 2 {
		t.Fatalf("runs = %d, want 2", runs)
	}
}

func TestNonConvergenceReported(t *testing.T) {
	old := MaxIterationsPerRun
	MaxIterationsPerRun = 3
	defer func() { MaxIterationsPerRun = old }()

	s := New()
	// A cycle: the action writes the address it reads on every
	// invocation, so each run re-dirties itself forever.
	a := addr("doc", "x")
	_, _ = s.Register("run1", []Read{{Addr: a}}, []Addr{a}, func(ctx context.Context) error {
		s.NotifyWrite(a)
		return nil
	})

	err := s.Run(context.Background())
	if err != ErrNonConvergence {
		t.Fatalf("err = %v, want ErrNonConvergence", err)
	}
}
