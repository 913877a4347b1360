// Package scheduler implements the runtime's single-threaded cooperative
// action scheduler: actions register a read/write address set, a write
// marks every action whose reads overlap it dirty, and each Run call
// drains the dirty set wave by wave in dependency order (Kahn's
// algorithm, the same shape a node topological sort over a workflow
// graph uses), bounded by MAX_ITERATIONS_PER_RUN so a pathological or
// adversarial binding graph cannot spin forever.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/commontoolsinc/runtime/internal/path"
	"github.com/oklog/ulid/v2"
)

// MaxIterationsPerRun bounds the number of waves a single Run call will
// execute before giving up and reporting non-convergence.
var MaxIterationsPerRun = 1000

// ErrNonConvergence is returned by Run when MaxIterationsPerRun waves
// still leave a non-empty dirty set.
var ErrNonConvergence = errors.New("scheduler: did not converge within MAX_ITERATIONS_PER_RUN")

// Addr names a read/write location: a document inside a space, and a
// path within that document. Two addresses "overlap" — and so form a
// dependency edge — when neither is a proper path outside the other's
// ancestry: a write to an address dirties any reader of that address or
// of any prefix ancestor of it.
type Addr struct {
	Space  string
	Entity string
	Path   path.Path
}

func (a Addr) key() string { return a.Space + "\x00" + a.Entity + "\x00" + a.Path.Pointer() }

// Overlaps reports whether two addresses name the same document and
// neither path is outside the other's ancestor chain (inclusive), i.e.
// a write to one can affect a read of the other.
func (a Addr) Overlaps(b Addr) bool {
	if a.Space != b.Space || a.Entity != b.Entity {
		return false
	}
	return path.IsAncestor(a.Path, b.Path, true) || path.IsAncestor(b.Path, a.Path, true)
}

// Read is one entry in an action's read set. IgnoreForScheduling marks a
// read that the action consults but should never itself take a
// scheduling dependency on.
type Read struct {
	Addr                Addr
	IgnoreForScheduling bool
}

// RunFunc is the body of a registered action.
type RunFunc func(ctx context.Context) error

// action is the scheduler's internal bookkeeping for one registered
// reactive action.
type action struct {
	id     string
	runID  string
	reads  []Read
	writes []Addr
	fn     RunFunc
}

// Scheduler holds every registered action and the set of actions made
// dirty by writes not yet re-run. It is not safe for concurrent use from
// more than one goroutine at a time — this is a single-threaded
// cooperative model; callers serialize access (normally: the runner's
// own goroutine).
type Scheduler struct {
	mu sync.Mutex

	actions map[string]*action
	byRun   map[string]map[string]bool // runID -> set of action ids
	parent  map[string]string          // runID -> parent runID, for recursive cancel

	dirty map[string]bool

	// streamHandlers indexes every action under each address in its read
	// set, so DispatchEvent can find a stream's handlers directly instead
	// of scanning every action.
	streamHandlers map[string][]string // addr key -> action ids

	idleCh chan struct{} // closed and replaced whenever dirty becomes empty
}

// New constructs an empty Scheduler.
func New() *Scheduler {
	s := &Scheduler{
		actions:        make(map[string]*action),
		byRun:          make(map[string]map[string]bool),
		parent:         make(map[string]string),
		dirty:          make(map[string]bool),
		streamHandlers: make(map[string][]string),
		idleCh:         make(chan struct{}),
	}
	close(s.idleCh) // starts idle
	return s
}

// CancelFunc removes a registration (and, for a run-scoped handle, every
// action registered under that run id and its descendant runs).
type CancelFunc func()

// Register adds a new action with the given read/write sets, grouped
// under runID for bulk cancellation (the runner mints a fresh run id
// for every recipe run, sub-recipe runs included). It returns the action's id and a CancelFunc that removes
// only this one action.
func (s *Scheduler) Register(runID string, reads []Read, writes []Addr, fn RunFunc) (string, CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := ulid.Make().String()
	a := &action{id: id, runID: runID, reads: reads, writes: writes, fn: fn}
	s.actions[id] = a

	if s.byRun[runID] == nil {
		s.byRun[runID] = make(map[string]bool)
	}
	s.byRun[runID][id] = true

	for _, r := range reads {
		k := r.Addr.key()
		s.streamHandlers[k] = append(s.streamHandlers[k], id)
	}

	s.dirty[id] = true
	s.markNotIdleLocked()

	return id, func() { s.removeAction(id) }
}

// RegisterChildRun records that childRunID is a sub-run of parentRunID
// (a sub-recipe, an event-handler run), so cancelling the parent also
// cancels the child: cancelling a run removes all actions registered by
// that run and by every descendant run (sub-recipes).
func (s *Scheduler) RegisterChildRun(parentRunID, childRunID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parent[childRunID] = parentRunID
}

// Cancel removes every action registered under runID and every run
// transitively registered as its child. Cancel is idempotent: cancelling
// an already-cancelled or unknown runID is a no-op.
func (s *Scheduler) Cancel(runID string) {
	s.mu.Lock()
	toRemove := s.collectRunTreeLocked(runID)
	var ids []string
	for run := range toRemove {
		for id := range s.byRun[run] {
			ids = append(ids, id)
		}
		delete(s.byRun, run)
	}
	for child, p := range s.parent {
		if toRemove[p] {
			delete(s.parent, child)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.removeAction(id)
	}
}

func (s *Scheduler) collectRunTreeLocked(runID string) map[string]bool {
	out := map[string]bool{runID: true}
	changed := true
	for changed {
		changed = false
		for child, p := range s.parent {
			if out[p] && !out[child] {
				out[child] = true
				changed = true
			}
		}
	}
	return out
}

func (s *Scheduler) removeAction(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[id]
	if !ok {
		return
	}
	delete(s.actions, id)
	delete(s.dirty, id)
	if set := s.byRun[a.runID]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(s.byRun, a.runID)
		}
	}
	for _, r := range a.reads {
		k := r.Addr.key()
		s.streamHandlers[k] = removeFromSlice(s.streamHandlers[k], id)
	}
	s.markIdleIfQuietLocked()
}

func removeFromSlice(ss []string, v string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

// NotifyWrite marks dirty every currently-registered action whose
// read set (ignoring reads tagged IgnoreForScheduling) overlaps addr.
// Cell.Set/Update/Push call this once per fact assertion they produce.
func (s *Scheduler) NotifyWrite(addr Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifyWriteLocked(addr)
}

func (s *Scheduler) notifyWriteLocked(addr Addr) {
	dirtied := false
	for id, a := range s.actions {
		for _, r := range a.reads {
			if r.IgnoreForScheduling {
				continue
			}
			if r.Addr.Overlaps(addr) {
				s.dirty[id] = true
				dirtied = true
				break
			}
		}
	}
	if dirtied {
		s.markNotIdleLocked()
	}
}

// DispatchEvent runs every action whose read set names streamAddr
// immediately, ahead of the next ordinary wave — stream handler
// dispatch. It does not itself mark downstream actions dirty;
// handlers do that via their own calls to NotifyWrite as they write
// outputs, same as any other action.
func (s *Scheduler) DispatchEvent(ctx context.Context, streamAddr Addr) []error {
	s.mu.Lock()
	ids := append([]string(nil), s.streamHandlers[streamAddr.key()]...)
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		s.mu.Lock()
		a := s.actions[id]
		s.mu.Unlock()
		if a == nil {
			continue
		}
		if err := s.runAction(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Run drains the dirty set wave by wave, in topological order per wave,
// until no action is dirty (idle) or MaxIterationsPerRun is exceeded.
func (s *Scheduler) Run(ctx context.Context) error {
	for iteration := 0; ; iteration++ {
		s.mu.Lock()
		if len(s.dirty) == 0 {
			s.markIdleIfQuietLocked()
			s.mu.Unlock()
			return nil
		}
		if iteration >= MaxIterationsPerRun {
			ids := make([]string, 0, len(s.dirty))
			for id := range s.dirty {
				ids = append(ids, id)
			}
			s.mu.Unlock()
			slog.Error("scheduler: non-convergence", "pending_actions", len(ids))
			return ErrNonConvergence
		}

		wave := make([]*action, 0, len(s.dirty))
		for id := range s.dirty {
			if a := s.actions[id]; a != nil {
				wave = append(wave, a)
			}
		}
		s.dirty = make(map[string]bool)
		s.mu.Unlock()

		order := topoOrder(wave)

		// Dirty propagation happens through the actual writes an action
		// performs (cell commits call NotifyWrite); the declared write set
		// only orders the wave. Re-notifying declared writes here would
		// re-dirty downstream actions even when an action produced no
		// change, so a converged graph would never go idle.
		for _, a := range order {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.runAction(ctx, a); err != nil {
				slog.Error("scheduler: action failed", "action", a.id, "error", err)
			}
		}
	}
}

func (s *Scheduler) runAction(ctx context.Context, a *action) error {
	if err := a.fn(ctx); err != nil {
		return fmt.Errorf("action %s: %w", a.id, err)
	}
	return nil
}

// Idle blocks until the scheduler has no dirty actions, or ctx is done.
func (s *Scheduler) Idle(ctx context.Context) error {
	for {
		s.mu.Lock()
		empty := len(s.dirty) == 0
		ch := s.idleCh
		s.mu.Unlock()
		if empty {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Scheduler) markNotIdleLocked() {
	select {
	case <-s.idleCh:
		s.idleCh = make(chan struct{})
	default:
	}
}

func (s *Scheduler) markIdleIfQuietLocked() {
	if len(s.dirty) == 0 {
		select {
		case <-s.idleCh:
		default:
			close(s.idleCh)
		}
	}
}

// topoOrder sorts wave by Kahn's algorithm over the write->read
// dependency edges within the wave, breaking any cycle by repeatedly
// picking the lowest in-degree remaining node, so a
// self-referential binding graph still yields a total, deterministic
// order instead of stalling the wave.
func topoOrder(wave []*action) []*action {
	byID := make(map[string]*action, len(wave))
	inDegree := make(map[string]int, len(wave))
	adj := make(map[string][]string)

	for _, a := range wave {
		byID[a.id] = a
		inDegree[a.id] = 0
	}

	for _, x := range wave {
		for _, y := range wave {
			if x.id == y.id {
				continue
			}
			if actionDependsOn(y, x) {
				adj[x.id] = append(adj[x.id], y.id)
				inDegree[y.id]++
			}
		}
	}

	ids := make([]string, 0, len(wave))
	for _, a := range wave {
		ids = append(ids, a.id)
	}
	sort.Strings(ids) // deterministic tie-break

	var order []string
	remaining := make(map[string]bool, len(ids))
	for _, id := range ids {
		remaining[id] = true
	}

	for len(remaining) > 0 {
		// Pick the lowest in-degree node among remaining, ties broken by id.
		best := ""
		bestDeg := -1
		for _, id := range ids {
			if !remaining[id] {
				continue
			}
			if bestDeg == -1 || inDegree[id] < bestDeg {
				best = id
				bestDeg = inDegree[id]
			}
		}
		order = append(order, best)
		delete(remaining, best)
		for _, next := range adj[best] {
			if remaining[next] {
				inDegree[next]--
			}
		}
	}

	out := make([]*action, len(order))
	for i, id := range order {
		out[i] = byID[id]
	}
	return out
}

// actionDependsOn reports whether y reads an address that x writes,
// i.e. x must run before y within a wave.
func actionDependsOn(y, x *action) bool {
	for _, w := range x.writes {
		for _, r := range y.reads {
			if r.IgnoreForScheduling {
				continue
			}
			if r.Addr.Overlaps(w) {
				return true
			}
		}
	}
	return false
}
