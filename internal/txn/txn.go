package txn

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/commontoolsinc/runtime/internal/branch"
	"github.com/commontoolsinc/runtime/internal/fact"
	"github.com/oklog/ulid/v2"
)

// ReadEntry asserts that a named branch must currently be at exactly
// ExpectedHeads for the transaction to proceed.
type ReadEntry struct {
	Branch        string
	ExpectedHeads []string
}

// WriteEntry submits a batch of changes to a branch, built on top of
// BaseHeads. If the branch has moved past BaseHeads by the time the
// transaction is processed, the entry is rejected unless
// AllowServerMerge permits synthesizing a merge on top of the new heads.
type WriteEntry struct {
	Branch           string
	BaseHeads        []string
	Changes          []branch.Change
	AllowServerMerge bool
}

// Transaction is the unit of atomic submission: a read set validated
// against current state, and a write set applied under a single
// exclusive per-space lock.
type Transaction struct {
	Space  string
	Reads  []ReadEntry
	Writes []WriteEntry
}

// Receipt reports the outcome of a Submit call. Rejected holds one entry
// per write-set branch that could not be applied; branches not present
// in Rejected were committed successfully (their new heads are in Heads).
type Receipt struct {
	TxID          string
	Heads         map[string][]string
	Rejected      map[string]*Error
	BaseHeadsRoot string
	ChangesRoot   string
	ChangeCount   int
}

// Locker is the distributed per-space exclusive lock the processor
// serializes commits under; internal/cluster.Cluster implements it.
type Locker interface {
	LockSpace(ctx context.Context, space string) error
	UnlockSpace(space string) error
}

// noopLocker is used when the runtime has no cluster configured
// (single-instance mode): Submit then takes no space-wide lock, and only
// the branch store's individual operations are serialized (by the
// store's own locking).
type noopLocker struct{}

func (noopLocker) LockSpace(context.Context, string) error { return nil }
func (noopLocker) UnlockSpace(string) error                { return nil }

// ChainRecord is one entry in a space's append-only transaction chain,
// a hash-linked audit trail over committed transactions.
type ChainRecord struct {
	TxID       string
	PrevTxHash string
	TxBodyHash string
	TxHash     string
	Signatures []string
	UCANJWT    string
}

// ChainStore persists the tx chain.
type ChainStore interface {
	LastTxHash(ctx context.Context, space string) (string, error)
	AppendTx(ctx context.Context, space string, rec ChainRecord) error
}

// OnCommitFunc is invoked after a transaction commits, once per branch
// whose heads advanced, so the subscription engine and cluster broadcast
// can react. Errors are logged by the caller, not propagated to Submit.
type OnCommitFunc func(ctx context.Context, space, branchName string, newHeads []string)

// InvariantFunc checks a write entry against a caller-defined policy
// before it is applied. Returning an error rejects the entry with
// KindInvariantFailure; the rest of the transaction proceeds per the
// usual per-entry rejection rules.
type InvariantFunc func(ctx context.Context, space string, w WriteEntry) error

// Processor validates and applies transactions against a branch engine.
type Processor struct {
	branches *branch.Engine
	chain    ChainStore
	locker   Locker
	onCommit OnCommitFunc

	invMu      sync.RWMutex
	invariants map[string]InvariantFunc
}

// New constructs a Processor. locker may be nil (single-instance mode).
func New(branches *branch.Engine, chain ChainStore, locker Locker, onCommit OnCommitFunc) *Processor {
	if locker == nil {
		locker = noopLocker{}
	}
	return &Processor{
		branches:   branches,
		chain:      chain,
		locker:     locker,
		onCommit:   onCommit,
		invariants: make(map[string]InvariantFunc),
	}
}

// RegisterInvariant installs fn under name, replacing any prior
// registration with the same name. The registry is empty by default; no
// built-in invariants ship beyond read/write conflict detection.
func (p *Processor) RegisterInvariant(name string, fn InvariantFunc) {
	p.invMu.Lock()
	defer p.invMu.Unlock()
	p.invariants[name] = fn
}

// checkInvariants runs every registered invariant against w, returning
// the first failure (iteration order over names is sorted so a
// multi-invariant failure is reported deterministically).
func (p *Processor) checkInvariants(ctx context.Context, space string, w WriteEntry) *Error {
	p.invMu.RLock()
	names := make([]string, 0, len(p.invariants))
	for name := range p.invariants {
		names = append(names, name)
	}
	fns := make(map[string]InvariantFunc, len(names))
	for _, name := range names {
		fns[name] = p.invariants[name]
	}
	p.invMu.RUnlock()

	sort.Strings(names)
	for _, name := range names {
		if err := fns[name](ctx, space, w); err != nil {
			return newError(KindInvariantFailure, w.Branch, name+": "+err.Error())
		}
	}
	return nil
}

// Submit validates the read set, applies the write set entry-by-entry,
// and appends a tx chain record, all under the space's exclusive lock.
func (p *Processor) Submit(ctx context.Context, tx Transaction) (*Receipt, error) {
	if err := p.locker.LockSpace(ctx, tx.Space); err != nil {
		return nil, fmt.Errorf("submit tx: acquire space lock: %w", err)
	}
	defer p.locker.UnlockSpace(tx.Space) //nolint:errcheck

	for _, r := range tx.Reads {
		current, err := p.branches.GetHeads(ctx, tx.Space, r.Branch)
		if err != nil {
			return nil, newError(KindNotFound, r.Branch, err.Error())
		}
		if !headsEqual(current, r.ExpectedHeads) {
			return nil, newError(KindReadConflict, r.Branch,
				fmt.Sprintf("expected heads %v, got %v", r.ExpectedHeads, current))
		}
	}

	receipt := &Receipt{
		TxID:     ulid.Make().String(),
		Heads:    make(map[string][]string),
		Rejected: make(map[string]*Error),
	}

	var allBaseHeads []string
	var allChangeHashes []string

	for _, w := range tx.Writes {
		allBaseHeads = append(allBaseHeads, w.BaseHeads...)

		if invErr := p.checkInvariants(ctx, tx.Space, w); invErr != nil {
			receipt.Rejected[w.Branch] = invErr
			continue
		}

		newHeads, applied, err := p.applyWrite(ctx, tx.Space, w)
		if err != nil {
			var txErr *Error
			if asErr, ok := err.(*Error); ok {
				txErr = asErr
			} else {
				txErr = newError(KindWriteConflict, w.Branch, err.Error())
			}
			receipt.Rejected[w.Branch] = txErr
			continue
		}

		receipt.Heads[w.Branch] = newHeads
		receipt.ChangeCount += len(applied)
		allChangeHashes = append(allChangeHashes, applied...)

		if p.onCommit != nil {
			p.onCommit(ctx, tx.Space, w.Branch, newHeads)
		}
	}

	sort.Strings(allBaseHeads)
	sort.Strings(allChangeHashes)
	receipt.BaseHeadsRoot = fact.DigestBytes(tx.Space, []byte(strings.Join(allBaseHeads, ",")))
	receipt.ChangesRoot = fact.DigestBytes(tx.Space, []byte(strings.Join(allChangeHashes, ",")))

	if p.chain != nil {
		if err := p.recordChain(ctx, tx.Space, receipt); err != nil {
			return receipt, fmt.Errorf("submit tx: record chain: %w", err)
		}
	}

	return receipt, nil
}

// applyWrite validates and applies one write-set entry, returning the
// branch's new heads and the hashes of changes actually applied (which
// may be a strict subset of w.Changes if some were idempotent repeats).
func (p *Processor) applyWrite(ctx context.Context, space string, w WriteEntry) ([]string, []string, error) {
	currentHeads, err := p.branches.GetHeads(ctx, space, w.Branch)
	if err != nil {
		return nil, nil, newError(KindNotFound, w.Branch, err.Error())
	}

	rollingHeads := currentHeads
	if !headsEqual(currentHeads, w.BaseHeads) {
		if !w.AllowServerMerge {
			return nil, nil, newError(KindWriteConflict, w.Branch,
				fmt.Sprintf("baseHeads mismatch: expected %v, current %v", w.BaseHeads, currentHeads))
		}
		merged, err := p.synthesizeMerge(ctx, space, w.Branch, currentHeads)
		if err != nil {
			return nil, nil, newError(KindMergeInfeasible, w.Branch, err.Error())
		}
		rollingHeads = merged
	}

	seen := make(map[string]bool, len(w.Changes))
	lastSeqByActor := make(map[string]uint64)

	toApply := make([]branch.Change, 0, len(w.Changes))
	for _, ch := range w.Changes {
		if seen[ch.Hash] {
			return nil, nil, newError(KindWriteConflict, w.Branch, "duplicate change hash within write: "+ch.Hash)
		}
		seen[ch.Hash] = true

		exists, err := p.branches.HasChange(ctx, space, w.Branch, ch.Hash)
		if err != nil {
			return nil, nil, newError(KindWriteConflict, w.Branch, err.Error())
		}
		if exists {
			// Already indexed: idempotent repeat, silently skipped.
			continue
		}

		for _, dep := range ch.Deps {
			if seen[dep] {
				continue
			}
			depExists, err := p.branches.HasChange(ctx, space, w.Branch, dep)
			if err != nil {
				return nil, nil, newError(KindWriteConflict, w.Branch, err.Error())
			}
			if !depExists {
				return nil, nil, newError(KindWriteConflict, w.Branch, "missing dep: "+dep)
			}
		}

		last, ok := lastSeqByActor[ch.ActorID]
		if !ok {
			known, hasKnown, err := p.branches.LastSeqForActor(ctx, space, w.Branch, ch.ActorID)
			if err != nil {
				return nil, nil, newError(KindWriteConflict, w.Branch, err.Error())
			}
			if hasKnown {
				last = known
				ok = true
			}
		}
		if ok && ch.Seq <= last {
			return nil, nil, newError(KindWriteConflict, w.Branch,
				fmt.Sprintf("non-monotone lamport for actor %s: seq %d <= last %d", ch.ActorID, ch.Seq, last))
		}
		lastSeqByActor[ch.ActorID] = ch.Seq

		toApply = append(toApply, ch)
	}

	applied := make([]string, 0, len(toApply))
	heads := rollingHeads
	for _, ch := range toApply {
		newHeads, err := p.branches.Append(ctx, space, w.Branch, ch)
		if err != nil {
			return nil, nil, newError(KindWriteConflict, w.Branch, err.Error())
		}
		heads = newHeads
		applied = append(applied, ch.Hash)
	}

	return heads, applied, nil
}

// synthesizeMerge records a no-op merge change whose deps are the
// branch's current heads, collapsing them to a single head so that the
// submitted changes (built on the tx's stale BaseHeads) can be applied
// on top of a linear continuation.
func (p *Processor) synthesizeMerge(ctx context.Context, space, branchName string, currentHeads []string) ([]string, error) {
	if len(currentHeads) <= 1 {
		return currentHeads, nil
	}

	maxSeq := uint64(0)
	for _, h := range currentHeads {
		seq, err := p.branches.UptoSeqNo(ctx, space, branchName, h)
		if err != nil {
			return nil, fmt.Errorf("synthesize merge: %w", err)
		}
		if seq > maxSeq {
			maxSeq = seq
		}
	}

	sorted := append([]string(nil), currentHeads...)
	sort.Strings(sorted)
	mergeHash := fact.DigestBytes(space, []byte("merge:"+branchName+":"+strings.Join(sorted, ",")))

	merge := branch.Change{
		Hash:    mergeHash,
		ActorID: "server-merge",
		Seq:     maxSeq + 1,
		Deps:    sorted,
	}

	newHeads, err := p.branches.Append(ctx, space, branchName, merge)
	if err != nil {
		return nil, fmt.Errorf("synthesize merge: %w", err)
	}
	return newHeads, nil
}

func (p *Processor) recordChain(ctx context.Context, space string, receipt *Receipt) error {
	prev, err := p.chain.LastTxHash(ctx, space)
	if err != nil {
		return err
	}

	txBody := fmt.Sprintf("%s|%s|%d", receipt.BaseHeadsRoot, receipt.ChangesRoot, receipt.ChangeCount)
	txBodyHash := fact.DigestBytes(space, []byte(txBody))
	txHash := fact.DigestBytes(space, []byte(prev+txBodyHash))

	return p.chain.AppendTx(ctx, space, ChainRecord{
		TxID:       receipt.TxID,
		PrevTxHash: prev,
		TxBodyHash: txBodyHash,
		TxHash:     txHash,
	})
}

func headsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa := append([]string(nil), a...)
	sb := append([]string(nil), b...)
	sort.Strings(sa)
	sort.Strings(sb)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}
