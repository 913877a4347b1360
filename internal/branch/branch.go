// Package branch implements the replicated change DAG that backs each
// memory space's branches: an append-only log of causally-linked Change
// records whose "heads" (the maximal antichain of changes with no known
// successor) define the branch's current state, plus the snapshot/chunk
// materialization policy that lets a reader reconstruct that state (or an
// earlier point in its history) without replaying the entire log.
package branch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/commontoolsinc/runtime/internal/fact"
)

// ErrMissingDep is returned by Append when a change names a dependency
// that has not been seen yet by this branch.
var ErrMissingDep = errors.New("branch: missing dependency")

// ErrDuplicateChange is returned by Append when a change with the same
// hash has already been recorded.
var ErrDuplicateChange = errors.New("branch: duplicate change")

// ErrBranchNotFound is returned when an operation names a branch that
// hasn't been created (or has been closed).
var ErrBranchNotFound = errors.New("branch: not found")

// Change is one causally-linked entry in a branch's change DAG. Digest
// points at the fact.Store blob carrying the actual payload (the
// serialized write-set this change represents); the DAG itself only
// tracks causal structure and ordering.
type Change struct {
	Hash      string   `json:"hash"`
	ActorID   string   `json:"actorId"`
	Seq       uint64   `json:"seq"`
	Deps      []string `json:"deps"`
	Digest    string   `json:"digest"`
	Timestamp int64    `json:"timestamp"`
}

// ChunkKind distinguishes a full re-materialization chunk (replayable
// from genesis) from an incremental one (replayable only on top of the
// preceding snapshot or chunk).
type ChunkKind int

const (
	ChunkIncremental ChunkKind = iota
	ChunkFull
)

func (k ChunkKind) String() string {
	if k == ChunkFull {
		return "full"
	}
	return "incremental"
}

// Chunk groups a contiguous run of changes (by ascending materialized
// order, not necessarily contiguous seq) into one fast-replay unit:
// ChangeHashes fixes the materialized order of the run once, so readers
// slice it out directly instead of re-deriving it from the dependency
// DAG. RootHash is a digest over the sorted hashes, stable for audit.
type Chunk struct {
	Kind         ChunkKind `json:"kind"`
	UpToSeq      uint64    `json:"uptoSeq"`
	ChangeHashes []string  `json:"changeHashes"`
	RootHash     string    `json:"rootHash"`
}

// SnapshotPolicy controls how often the engine bundles recorded changes
// into a materialization chunk. The first chunk on a branch is full;
// every later chunk is incremental.
type SnapshotPolicy struct {
	// Cadence is the number of changes per chunk. A cadence of 5 means
	// that once 5 changes have been recorded since the last chunk, they
	// are bundled into a new chunk.
	Cadence int
}

// DefaultSnapshotPolicy is the engine's default materialization cadence.
var DefaultSnapshotPolicy = SnapshotPolicy{Cadence: 5}

// Engine computes and persists branch heads and materialization chunks
// on top of a pluggable Store.
type Engine struct {
	store  Store
	policy SnapshotPolicy
}

// NewEngine constructs an Engine. A zero-value policy.Cadence falls back
// to DefaultSnapshotPolicy.
func NewEngine(store Store, policy SnapshotPolicy) *Engine {
	if policy.Cadence <= 0 {
		policy = DefaultSnapshotPolicy
	}
	return &Engine{store: store, policy: policy}
}

// CreateBranch registers a new branch, optionally forked from parent's
// current heads (parent == "" creates a branch rooted at genesis).
func (e *Engine) CreateBranch(ctx context.Context, space, branchName, parent string) error {
	var heads []string
	if parent != "" {
		parentHeads, err := e.store.GetHeads(ctx, space, parent)
		if err != nil {
			return fmt.Errorf("create branch %q: read parent heads: %w", branchName, err)
		}
		heads = append(heads, parentHeads...)
	}

	if err := e.store.CreateBranch(ctx, space, branchName, parent); err != nil {
		return fmt.Errorf("create branch %q: %w", branchName, err)
	}
	if err := e.store.SetHeads(ctx, space, branchName, heads); err != nil {
		return fmt.Errorf("create branch %q: set initial heads: %w", branchName, err)
	}
	return nil
}

// CloseBranch marks a branch closed. Closed branches remain readable
// (materialization still works). Append does not consult the closed
// flag, so a closed branch still accepts new changes.
func (e *Engine) CloseBranch(ctx context.Context, space, branchName string) error {
	if err := e.store.CloseBranch(ctx, space, branchName); err != nil {
		return fmt.Errorf("close branch %q: %w", branchName, err)
	}
	return nil
}

// GetHeads returns the current maximal antichain of change hashes for a
// branch — the set of changes with no recorded successor.
func (e *Engine) GetHeads(ctx context.Context, space, branchName string) ([]string, error) {
	heads, err := e.store.GetHeads(ctx, space, branchName)
	if err != nil {
		return nil, fmt.Errorf("get heads %q: %w", branchName, err)
	}
	return heads, nil
}

// Append records a new change on a branch and recomputes its heads. The
// new heads are (old heads minus ch's direct deps) plus ch itself: any
// head that ch depends on is no longer maximal once ch is recorded.
func (e *Engine) Append(ctx context.Context, space, branchName string, ch Change) ([]string, error) {
	if _, err := e.store.GetChange(ctx, space, branchName, ch.Hash); err == nil {
		return nil, fmt.Errorf("append to %q: %w: %s", branchName, ErrDuplicateChange, ch.Hash)
	}

	for _, dep := range ch.Deps {
		if _, err := e.store.GetChange(ctx, space, branchName, dep); err != nil {
			return nil, fmt.Errorf("append to %q: %w: %s", branchName, ErrMissingDep, dep)
		}
	}

	if err := e.store.PutChange(ctx, space, branchName, ch); err != nil {
		return nil, fmt.Errorf("append to %q: store change: %w", branchName, err)
	}

	oldHeads, err := e.store.GetHeads(ctx, space, branchName)
	if err != nil {
		return nil, fmt.Errorf("append to %q: read heads: %w", branchName, err)
	}

	depSet := make(map[string]bool, len(ch.Deps))
	for _, d := range ch.Deps {
		depSet[d] = true
	}

	newHeads := make([]string, 0, len(oldHeads)+1)
	for _, h := range oldHeads {
		if !depSet[h] {
			newHeads = append(newHeads, h)
		}
	}
	newHeads = append(newHeads, ch.Hash)
	sort.Strings(newHeads)

	if err := e.store.SetHeads(ctx, space, branchName, newHeads); err != nil {
		return nil, fmt.Errorf("append to %q: set heads: %w", branchName, err)
	}

	if err := e.maybeMaterializeChunk(ctx, space, branchName); err != nil {
		return nil, fmt.Errorf("append to %q: materialize chunk: %w", branchName, err)
	}

	return newHeads, nil
}

// maybeMaterializeChunk bundles changes into a chunk once the number of
// changes recorded since the last chunk reaches the snapshot cadence.
func (e *Engine) maybeMaterializeChunk(ctx context.Context, space, branchName string) error {
	ordered, err := e.orderedChanges(ctx, space, branchName)
	if err != nil {
		return err
	}

	chunks, err := e.store.ListChunks(ctx, space, branchName)
	if err != nil {
		return err
	}

	covered := 0
	for _, c := range chunks {
		covered += len(c.ChangeHashes)
	}

	pending := ordered[covered:]
	if len(pending) < e.policy.Cadence {
		return nil
	}

	batch := pending[:e.policy.Cadence]
	kind := ChunkIncremental
	if len(chunks) == 0 {
		kind = ChunkFull
	}

	hashes := make([]string, len(batch))
	for i, c := range batch {
		hashes[i] = c.Hash
	}

	sorted := append([]string(nil), hashes...)
	sort.Strings(sorted)

	return e.store.PutChunk(ctx, space, branchName, Chunk{
		Kind:         kind,
		UpToSeq:      batch[len(batch)-1].Seq,
		ChangeHashes: hashes,
		RootHash:     fact.DigestBytes(space, []byte(strings.Join(sorted, ","))),
	})
}

// orderedChanges returns every change recorded on a branch in a
// deterministic causal order.
func (e *Engine) orderedChanges(ctx context.Context, space, branchName string) ([]Change, error) {
	all, err := e.store.ListChanges(ctx, space, branchName)
	if err != nil {
		return nil, err
	}
	return orderChanges(all), nil
}

// orderChanges sorts a set of changes into a deterministic causal
// order: a topological sort of the dependency DAG, tie-broken by
// (seq, actorID, hash) so that two replicas holding the same change set
// always materialize it in the same order. Deps pointing outside the
// set (already materialized, e.g. chunk-covered) are treated as
// satisfied.
func orderChanges(subset []Change) []Change {
	byHash := make(map[string]Change, len(subset))
	for _, c := range subset {
		byHash[c.Hash] = c
	}

	sorted := append([]Change(nil), subset...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Seq != sorted[j].Seq {
			return sorted[i].Seq < sorted[j].Seq
		}
		if sorted[i].ActorID != sorted[j].ActorID {
			return sorted[i].ActorID < sorted[j].ActorID
		}
		return sorted[i].Hash < sorted[j].Hash
	})

	visited := make(map[string]bool, len(sorted))
	out := make([]Change, 0, len(sorted))

	var visit func(c Change)
	visit = func(c Change) {
		if visited[c.Hash] {
			return
		}
		visited[c.Hash] = true
		for _, dep := range c.Deps {
			if d, ok := byHash[dep]; ok {
				visit(d)
			}
		}
		out = append(out, c)
	}

	for _, c := range sorted {
		visit(c)
	}

	return out
}

// MaterializeAt returns the ordered list of changes that make up a
// branch's state as of a given lamport sequence number (inclusive).
// Chunks are the fast path: each one fixed the materialized order of
// the run of changes it covers when it was written, so the
// chunk-covered prefix of the log is sliced straight out of the chunks
// in recorded order, and only the tail beyond the last applicable chunk
// pays for dependency ordering.
func (e *Engine) MaterializeAt(ctx context.Context, space, branchName string, uptoSeq uint64) ([]Change, error) {
	chunks, err := e.store.ListChunks(ctx, space, branchName)
	if err != nil {
		return nil, fmt.Errorf("materialize %q: %w", branchName, err)
	}

	all, err := e.store.ListChanges(ctx, space, branchName)
	if err != nil {
		return nil, fmt.Errorf("materialize %q: %w", branchName, err)
	}
	byHash := make(map[string]Change, len(all))
	for _, c := range all {
		byHash[c.Hash] = c
	}

	out := make([]Change, 0, len(all))
	covered := make(map[string]bool)
	for _, chunk := range chunks {
		if chunk.UpToSeq > uptoSeq {
			break
		}
		for _, h := range chunk.ChangeHashes {
			ch, ok := byHash[h]
			if !ok {
				return nil, fmt.Errorf("materialize %q: chunk names unknown change %s", branchName, h)
			}
			covered[h] = true
			if ch.Seq > uptoSeq {
				continue
			}
			out = append(out, ch)
		}
	}

	tail := make([]Change, 0, len(all)-len(covered))
	for _, c := range all {
		if covered[c.Hash] || c.Seq > uptoSeq {
			continue
		}
		tail = append(tail, c)
	}

	return append(out, orderChanges(tail)...), nil
}

// EpochForTimestamp returns the highest seq whose change was recorded at
// or before ts (unix millis), for resolving "as of this wall-clock time"
// reads into a concrete uptoSeq usable with MaterializeAt.
func (e *Engine) EpochForTimestamp(ctx context.Context, space, branchName string, ts int64) (uint64, bool, error) {
	ordered, err := e.orderedChanges(ctx, space, branchName)
	if err != nil {
		return 0, false, fmt.Errorf("epoch for timestamp %q: %w", branchName, err)
	}

	var best uint64
	found := false
	for _, c := range ordered {
		if c.Timestamp > ts {
			continue
		}
		if !found || c.Seq > best {
			best = c.Seq
			found = true
		}
	}
	return best, found, nil
}

// HasChange reports whether a change hash is already recorded on a
// branch, used by the transaction processor to detect idempotent
// repeats and to validate that a change's deps are already known.
func (e *Engine) HasChange(ctx context.Context, space, branchName, hash string) (bool, error) {
	if _, err := e.store.GetChange(ctx, space, branchName, hash); err != nil {
		return false, nil
	}
	return true, nil
}

// LastSeqForActor returns the highest seq recorded for a given actor on
// a branch, used to enforce per-(branch, actor) lamport monotonicity.
func (e *Engine) LastSeqForActor(ctx context.Context, space, branchName, actorID string) (uint64, bool, error) {
	all, err := e.store.ListChanges(ctx, space, branchName)
	if err != nil {
		return 0, false, fmt.Errorf("last seq for actor %q: %w", actorID, err)
	}

	var best uint64
	found := false
	for _, c := range all {
		if c.ActorID != actorID {
			continue
		}
		if !found || c.Seq > best {
			best = c.Seq
			found = true
		}
	}
	return best, found, nil
}

// UptoSeqNo returns the seq of the given change, the natural conversion
// from "read as of this change" (the common case: a cell pins reads to
// the seq of the change that produced the value it last saw) to the seq
// bound MaterializeAt expects.
func (e *Engine) UptoSeqNo(ctx context.Context, space, branchName, changeHash string) (uint64, error) {
	ch, err := e.store.GetChange(ctx, space, branchName, changeHash)
	if err != nil {
		return 0, fmt.Errorf("upto seq no %q: %w", changeHash, err)
	}
	return ch.Seq, nil
}
