package txn

import (
	"context"
	"errors"
	"testing"

	"github.com/commontoolsinc/runtime/internal/branch"
)

func newTestProcessor(t *testing.T) (*Processor, *branch.Engine) {
	t.Helper()
	eng := branch.NewEngine(branch.NewMemoryStore(), branch.SnapshotPolicy{Cadence: 100})
	if err := eng.CreateBranch(context.Background(), "space-a", "main", ""); err != nil {
		t.Fatalf("create branch: %v", err)
	}
	return New(eng, NewMemoryChainStore(), nil, nil), eng
}

func TestSubmitAppliesWriteAndAdvancesHeads(t *testing.T) {
	ctx := context.Background()
	p, eng := newTestProcessor(t)

	tx := Transaction{
		Space: "space-a",
		Writes: []WriteEntry{
			{
				Branch:    "main",
				BaseHeads: nil,
				Changes:   []branch.Change{{Hash: "c1", ActorID: "a1", Seq: 1}},
			},
		},
	}

	receipt, err := p.Submit(ctx, tx)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(receipt.Rejected) != 0 {
		t.Fatalf("unexpected rejections: %+v", receipt.Rejected)
	}
	if receipt.ChangeCount != 1 {
		t.Fatalf("changeCount = %d, want 1", receipt.ChangeCount)
	}

	heads, err := eng.GetHeads(ctx, "space-a", "main")
	if err != nil {
		t.Fatalf("get heads: %v", err)
	}
	if len(heads) != 1 || heads[0] != "c1" {
		t.Fatalf("heads = %v, want [c1]", heads)
	}
}

func TestSubmitReadConflictAbortsWholeTx(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProcessor(t)

	tx := Transaction{
		Space: "space-a",
		Reads: []ReadEntry{
			{Branch: "main", ExpectedHeads: []string{"stale-head"}},
		},
		Writes: []WriteEntry{
			{Branch: "main", Changes: []branch.Change{{Hash: "c1", ActorID: "a1", Seq: 1}}},
		},
	}

	_, err := p.Submit(ctx, tx)
	var txErr *Error
	if err == nil {
		t.Fatal("expected read conflict error")
	}
	if e, ok := err.(*Error); ok {
		txErr = e
	}
	if txErr == nil || txErr.Kind != KindReadConflict {
		t.Fatalf("expected ReadConflict, got %v", err)
	}
}

func TestSubmitWriteConflictOnStaleBaseHeads(t *testing.T) {
	ctx := context.Background()
	p, eng := newTestProcessor(t)

	first := Transaction{
		Space: "space-a",
		Writes: []WriteEntry{
			{Branch: "main", Changes: []branch.Change{{Hash: "c1", ActorID: "a1", Seq: 1}}},
		},
	}
	if _, err := p.Submit(ctx, first); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	stale := Transaction{
		Space: "space-a",
		Writes: []WriteEntry{
			{
				Branch:           "main",
				BaseHeads:        nil, // stale: branch has already advanced to [c1]
				Changes:          []branch.Change{{Hash: "c2", ActorID: "a1", Seq: 2, Deps: []string{"c1"}}},
				AllowServerMerge: false,
			},
		},
	}

	receipt, err := p.Submit(ctx, stale)
	if err != nil {
		t.Fatalf("submit should return a receipt with a rejection, not a top-level error: %v", err)
	}
	rejected, ok := receipt.Rejected["main"]
	if !ok {
		t.Fatal("expected main to be rejected")
	}
	if rejected.Kind != KindWriteConflict {
		t.Fatalf("expected WriteConflict, got %v", rejected.Kind)
	}

	heads, err := eng.GetHeads(ctx, "space-a", "main")
	if err != nil {
		t.Fatalf("get heads: %v", err)
	}
	if len(heads) != 1 || heads[0] != "c1" {
		t.Fatalf("heads should be unchanged after rejection, got %v", heads)
	}
}

func TestSubmitIdempotentRepeat(t *testing.T) {
	ctx := context.Background()
	p, eng := newTestProcessor(t)

	tx := Transaction{
		Space: "space-a",
		Writes: []WriteEntry{
			{Branch: "main", Changes: []branch.Change{{Hash: "c1", ActorID: "a1", Seq: 1}}},
		},
	}

	if _, err := p.Submit(ctx, tx); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	repeat := Transaction{
		Space: "space-a",
		Writes: []WriteEntry{
			{
				Branch:           "main",
				BaseHeads:        []string{"c1"},
				Changes:          []branch.Change{{Hash: "c1", ActorID: "a1", Seq: 1}},
				AllowServerMerge: false,
			},
		},
	}

	receipt, err := p.Submit(ctx, repeat)
	if err != nil {
		t.Fatalf("repeat submit: %v", err)
	}
	if len(receipt.Rejected) != 0 {
		t.Fatalf("repeat submit should not be rejected: %+v", receipt.Rejected)
	}
	if receipt.ChangeCount != 0 {
		t.Fatalf("repeat submit should apply zero new changes, got %d", receipt.ChangeCount)
	}

	heads, err := eng.GetHeads(ctx, "space-a", "main")
	if err != nil {
		t.Fatalf("get heads: %v", err)
	}
	if len(heads) != 1 || heads[0] != "c1" {
		t.Fatalf("heads should remain [c1], got %v", heads)
	}
}

func TestSubmitRecordsChain(t *testing.T) {
	ctx := context.Background()
	eng := branch.NewEngine(branch.NewMemoryStore(), branch.SnapshotPolicy{Cadence: 100})
	if err := eng.CreateBranch(ctx, "space-a", "main", ""); err != nil {
		t.Fatalf("create branch: %v", err)
	}
	chain := NewMemoryChainStore()
	p := New(eng, chain, nil, nil)

	tx := Transaction{
		Space: "space-a",
		Writes: []WriteEntry{
			{Branch: "main", Changes: []branch.Change{{Hash: "c1", ActorID: "a1", Seq: 1}}},
		},
	}
	if _, err := p.Submit(ctx, tx); err != nil {
		t.Fatalf("submit: %v", err)
	}

	records := chain.Records("space-a")
	if len(records) != 1 {
		t.Fatalf("expected one chain record, got %d", len(records))
	}
	if records[0].PrevTxHash != "" {
		t.Errorf("first record should have empty prevTxHash, got %q", records[0].PrevTxHash)
	}
}

func TestRegisteredInvariantRejectsEntry(t *testing.T) {
	ctx := context.Background()
	p, eng := newTestProcessor(t)

	p.RegisterInvariant("no-empty-actor", func(_ context.Context, _ string, w WriteEntry) error {
		for _, ch := range w.Changes {
			if ch.ActorID == "" {
				return errors.New("change without actor id")
			}
		}
		return nil
	})

	tx := Transaction{
		Space: "space-a",
		Writes: []WriteEntry{
			{Branch: "main", Changes: []branch.Change{{Hash: "c1", Seq: 1}}},
		},
	}

	receipt, err := p.Submit(ctx, tx)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	rejected, ok := receipt.Rejected["main"]
	if !ok {
		t.Fatal("expected invariant to reject the entry")
	}
	if rejected.Kind != KindInvariantFailure {
		t.Fatalf("expected InvariantFailure, got %v", rejected.Kind)
	}

	heads, err := eng.GetHeads(ctx, "space-a", "main")
	if err != nil {
		t.Fatalf("get heads: %v", err)
	}
	if len(heads) != 0 {
		t.Fatalf("rejected entry must not advance heads, got %v", heads)
	}
}

func TestSubmitOnCommitCallback(t *testing.T) {
	ctx := context.Background()
	eng := branch.NewEngine(branch.NewMemoryStore(), branch.SnapshotPolicy{Cadence: 100})
	if err := eng.CreateBranch(ctx, "space-a", "main", ""); err != nil {
		t.Fatalf("create branch: %v", err)
	}

	var calledSpace, calledBranch string
	var calledHeads []string
	p := New(eng, NewMemoryChainStore(), nil, func(_ context.Context, space, branchName string, newHeads []string) {
		calledSpace, calledBranch, calledHeads = space, branchName, newHeads
	})

	tx := Transaction{
		Space: "space-a",
		Writes: []WriteEntry{
			{Branch: "main", Changes: []branch.Change{{Hash: "c1", ActorID: "a1", Seq: 1}}},
		},
	}
	if _, err := p.Submit(ctx, tx); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if calledSpace != "space-a" || calledBranch != "main" || len(calledHeads) != 1 || calledHeads[0] != "c1" {
		t.Errorf("onCommit callback got (%q, %q, %v)", calledSpace, calledBranch, calledHeads)
	}
}
