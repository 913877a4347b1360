// Package runtime threads the components every other package needs —
// the fact store, branch engine, transaction processor, schema pool,
// subscription engine, and scheduler — through one explicit context
// object, rather than module-level singletons for store/cluster/
// scheduler wiring.
package runtime

import (
	"context"

	"github.com/commontoolsinc/runtime/internal/branch"
	"github.com/commontoolsinc/runtime/internal/fact"
	"github.com/commontoolsinc/runtime/internal/scheduler"
	"github.com/commontoolsinc/runtime/internal/schema"
	"github.com/commontoolsinc/runtime/internal/subscription"
	"github.com/commontoolsinc/runtime/internal/txn"
)

// Signer is an opaque identity mechanism: the runtime only needs
// something that can attest to an actor id and sign tx chain bodies,
// never how that signing key was derived.
type Signer interface {
	ActorID() string
	Sign(body []byte) (signature string, pubKey string, err error)
}

// Runtime bundles every shared component a Space, Cell, Scheduler or
// Runner needs. No component in this module reaches for a package-level
// variable instead of a field on a Runtime it was constructed with.
type Runtime struct {
	Facts         fact.Store
	Branches      *branch.Engine
	Txn           *txn.Processor
	SchemaPool    *schema.Pool
	Evaluator     *schema.Evaluator
	Subscriptions *subscription.Engine
	Scheduler     *scheduler.Scheduler
	Signer        Signer

	// EncryptionKey, when non-nil, is the AES-256 key internal/cell uses
	// to encrypt every document's fact body before it reaches the fact
	// store, and to decrypt it on read. nil (the default) disables at-rest
	// encryption entirely; callers set it after New, typically by
	// deriving it from config.Store.EncryptionKey via crypto.DeriveKey.
	EncryptionKey []byte
}

// New constructs a Runtime from already-built components. Callers
// (cmd/at, tests) are responsible for wiring the concrete backends
// (memory, sqlite3, postgres) before calling New.
func New(facts fact.Store, branches *branch.Engine, processor *txn.Processor, pool *schema.Pool, evaluator *schema.Evaluator, subs *subscription.Engine, sched *scheduler.Scheduler, signer Signer) *Runtime {
	return &Runtime{
		Facts:         facts,
		Branches:      branches,
		Txn:           processor,
		SchemaPool:    pool,
		Evaluator:     evaluator,
		Subscriptions: subs,
		Scheduler:     sched,
		Signer:        signer,
	}
}

// anonymousSigner is used when no Signer is configured: it reports a
// fixed actor id and produces no signature. Suitable for single-user
// local development, never for a replicated deployment.
type anonymousSigner struct{ actorID string }

// NewAnonymousSigner builds a Signer with a fixed actor id and no
// cryptographic signing, for callers (tests, local-only `at` runs) that
// have no real identity provider wired in yet.
func NewAnonymousSigner(actorID string) Signer {
	if actorID == "" {
		actorID = "anonymous"
	}
	return &anonymousSigner{actorID: actorID}
}

func (s *anonymousSigner) ActorID() string { return s.actorID }

func (s *anonymousSigner) Sign(body []byte) (string, string, error) {
	return "", "", nil
}

// idleWaiter is satisfied by *scheduler.Scheduler; kept as an interface
// here so Runtime.Idle can be called without an import cycle concern if
// a future caller swaps in a remote scheduler proxy.
type idleWaiter interface {
	Idle(ctx context.Context) error
}

// Idle blocks until the scheduler has no dirty actions left to run —
// the "awaiting idle" wait point a caller uses after starting a run.
func (r *Runtime) Idle(ctx context.Context) error {
	w, ok := any(r.Scheduler).(idleWaiter)
	if !ok || w == nil {
		return nil
	}
	return w.Idle(ctx)
}
