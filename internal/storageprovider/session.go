package storageprovider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/oklog/ulid/v2"

	"github.com/commontoolsinc/runtime/internal/fact"
	"github.com/commontoolsinc/runtime/internal/txn"
)

// DefaultMaxRemoteSubscriptions bounds how many entities a Session will
// track an active server-side subscription for — a configurable max.
const DefaultMaxRemoteSubscriptions = 4096

// ErrTooManySubscriptions is returned by Sync when the session is
// already watching DefaultMaxRemoteSubscriptions (or a caller-configured
// max) entities.
var ErrTooManySubscriptions = fmt.Errorf("storageprovider: remote subscription limit reached")

// remoteSubscription tracks one active server-side subscription, a
// remote entity -> Subscription entry.
type remoteSubscription struct {
	queryID string
	entity  string
	schema  any
}

// pendingWrite tracks one locally-produced fact that has been sent to
// the server but not yet reconciled: cleared either when the tx fails
// (discarded with its dependents) or when the server's echoed DOC_UPDATE
// matches (replaced by remote).
type pendingWrite struct {
	entity string
	branch string
	fact   fact.Fact
}

// Session is the client-side view of one memory space: a
// transport-opaque connection plus the remote-subscription and
// locally-ahead-fact bookkeeping that lets reads stay optimistic across
// a round trip to the server.
type Session struct {
	space     string
	transport Transport
	maxRemote int
	logger    *slog.Logger

	mu          sync.Mutex
	remote      map[string]*remoteSubscription // entity -> subscription
	remoteCache map[string]fact.Fact           // entity -> last fact seen from server
	local       map[string]*pendingWrite       // entity -> locally-ahead fact
	pendingTx   map[string]string              // txID -> entity, for reconciling receipts
	sinks       map[string][]sinkEntry

	reconnect *reconnectLoop
	closed    bool
}

type sinkEntry struct {
	id int
	cb func(fact.Fact)
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithMaxRemoteSubscriptions overrides DefaultMaxRemoteSubscriptions.
func WithMaxRemoteSubscriptions(n int) Option {
	return func(s *Session) { s.maxRemote = n }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// New constructs a Session over transport for the given space. Callers
// must call Start before Sync/Send do anything useful.
func New(space string, transport Transport, opts ...Option) *Session {
	s := &Session{
		space:       space,
		transport:   transport,
		maxRemote:   DefaultMaxRemoteSubscriptions,
		logger:      slog.Default(),
		remote:      make(map[string]*remoteSubscription),
		remoteCache: make(map[string]fact.Fact),
		local:       make(map[string]*pendingWrite),
		pendingTx:   make(map[string]string),
		sinks:       make(map[string][]sinkEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reconnect = newReconnectLoop(s)
	return s
}

// Start connects the transport and launches the reconnect-on-drop
// policy. It returns once the initial
// connection attempt completes (successfully or not); the reconnect
// loop continues retrying in the background for as long as ctx is live.
func (s *Session) Start(ctx context.Context) error {
	return s.reconnect.start(ctx)
}

// Close tears the session down: stops the reconnect loop and closes the
// transport. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.reconnect.stop()
	return s.transport.Close()
}

// Sync registers interest in entityID, optionally scoped by schema.
// Idempotent: re-syncing an
// already-watched entity with a new schema replaces the prior
// subscription's schema and re-sends SUBSCRIBE.
func (s *Session) Sync(ctx context.Context, entityID string, schema any) error {
	s.mu.Lock()
	existing, alreadyWatched := s.remote[entityID]
	if !alreadyWatched && len(s.remote) >= s.maxRemote {
		s.mu.Unlock()
		return ErrTooManySubscriptions
	}

	queryID := ulid.Make().String()
	if alreadyWatched {
		queryID = existing.queryID
	}
	s.remote[entityID] = &remoteSubscription{queryID: queryID, entity: entityID, schema: schema}
	s.mu.Unlock()

	return s.send(ctx, ClientMessage{
		Kind: ClientSubscribe,
		Subscribe: &SubscribeRequest{
			QueryID:  queryID,
			DocEntry: entityID,
			Schema:   schema,
		},
	})
}

// Unsync tears down a previously-Sync'd entity's subscription.
func (s *Session) Unsync(ctx context.Context, entityID string) error {
	s.mu.Lock()
	sub, ok := s.remote[entityID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.remote, entityID)
	s.mu.Unlock()

	return s.send(ctx, ClientMessage{
		Kind:        ClientUnsubscribe,
		Unsubscribe: &UnsubscribeRequest{QueryID: sub.queryID},
	})
}

// Cancel unregisters a Sink callback.
type Cancel func()

// Sink subscribes cb to every future fact for entityID, whether it
// arrives via a server DOC_UPDATE or via this session's own Send
// resolving locally.
func (s *Session) Sink(entityID string, cb func(fact.Fact)) Cancel {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := len(s.sinks[entityID])
	s.sinks[entityID] = append(s.sinks[entityID], sinkEntry{id: id, cb: cb})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		entries := s.sinks[entityID]
		for i, e := range entries {
			if e.id == id {
				s.sinks[entityID] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
}

// Get returns the current best-known fact for entityID: a locally-ahead
// write if one is pending, otherwise the last value seen from the
// server.
func (s *Session) Get(entityID string) (fact.Fact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.local[entityID]; ok {
		return p.fact, true
	}
	f, ok := s.remoteCache[entityID]
	return f, ok
}

// Send optimistically records f as entityID's locally-ahead value, then
// submits tx to the server. The local value is
// cleared once the transaction resolves: on rejection it is discarded,
// on success it stays until the server's echoed DOC_UPDATE matches,
// then is replaced by the remote value. Send assumes tx carries exactly
// one write entry, the entry that produces f for entityID — the shape
// every caller in this runtime uses (one cell write per Send), since a
// transaction's write entries don't otherwise name which entity each
// targets.
func (s *Session) Send(ctx context.Context, entityID string, f fact.Fact, tx txn.Transaction) error {
	var branchName string
	if len(tx.Writes) > 0 {
		branchName = tx.Writes[0].Branch
	}

	corrID := ulid.Make().String()

	s.mu.Lock()
	s.local[entityID] = &pendingWrite{entity: entityID, branch: branchName, fact: f}
	s.pendingTx[corrID] = entityID
	s.mu.Unlock()

	s.notify(entityID, f)

	if len(tx.Writes) > 0 {
		s.logger.Debug("storageprovider: sending write", "entity", entityID, "branch", branchName, "changes", changeHashes(tx.Writes[0].Changes))
	}
	return s.send(ctx, ClientMessage{Kind: ClientTx, Tx: &tx, CorrelationID: corrID})
}

// Ack acknowledges a delivered message id.
func (s *Session) Ack(ctx context.Context, id string) error {
	return s.send(ctx, ClientMessage{Kind: ClientAck, Ack: &AckRequest{ID: id}})
}

// send delivers msg via the transport if connected, otherwise queues it
// on the reconnect loop to be drained once the connection reopens.
func (s *Session) send(ctx context.Context, msg ClientMessage) error {
	return s.reconnect.sendOrQueue(ctx, msg)
}

// handleServerMessage applies one inbound message: merging a DOC_UPDATE
// into the remote cache and reconciling any matching pending local
// write, or processing a TxReceipt's per-entry outcome.
func (s *Session) handleServerMessage(msg ServerMessage) {
	switch msg.Kind {
	case ServerDocUpdate:
		s.applyDocUpdate(msg.DocUpdate)
	case ServerTxReceipt:
		s.applyTxReceipt(msg.CorrelationID, msg.TxReceipt)
	case ServerQuerySynced:
		// No local bookkeeping beyond what the caller observes via Sync's
		// returned channel in a fuller client; this module only tracks
		// its own remote/local cache maps.
	}
}

func (s *Session) applyDocUpdate(du *DocUpdate) {
	if du == nil {
		return
	}
	var f fact.Fact
	if err := cbor.Unmarshal(du.Doc, &f); err != nil {
		s.logger.Warn("storageprovider: DOC_UPDATE body is not a fact", "doc", du.DocID, "error", err)
		return
	}

	s.mu.Lock()
	s.remoteCache[du.DocID] = f
	if p, ok := s.local[du.DocID]; ok && factsMatch(p.fact, f) {
		delete(s.local, du.DocID)
	}
	s.mu.Unlock()

	s.notify(du.DocID, f)
}

// applyTxReceipt discards entityID's locally-ahead write if the write
// entry it was submitted on was rejected: a pending write is cleared
// only once the tx it belongs to fails, or the server's echoed fact
// matches it. A successful entry is left in place: it is only cleared
// once applyDocUpdate sees
// the server's echoed value match, so a client reading its own write
// never observes a gap between commit and echo.
func (s *Session) applyTxReceipt(corrID string, r *txn.Receipt) {
	if r == nil || corrID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entity, ok := s.pendingTx[corrID]
	if !ok {
		return
	}
	delete(s.pendingTx, corrID)

	p, ok := s.local[entity]
	if !ok {
		return
	}
	if _, rejected := r.Rejected[p.branch]; rejected {
		delete(s.local, entity)
	}
}

func (s *Session) notify(entityID string, f fact.Fact) {
	s.mu.Lock()
	entries := append([]sinkEntry(nil), s.sinks[entityID]...)
	s.mu.Unlock()

	for _, e := range entries {
		e.cb(f)
	}
}

// factsMatch compares the attribute and value of two facts structurally
// enough to decide whether a server echo confirms a locally-ahead
// write; cause chains are allowed to differ since the server assigns
// the authoritative cause.
func factsMatch(a, b fact.Fact) bool {
	if a.The != b.The || a.Of != b.Of {
		return false
	}
	return string(a.Is) == string(b.Is)
}

// resubscribeAll re-issues SUBSCRIBE for every currently-tracked remote
// entity, so a reconnect picks back up without the caller noticing.
func (s *Session) resubscribeAll(ctx context.Context) {
	s.mu.Lock()
	subs := make([]*remoteSubscription, 0, len(s.remote))
	for _, sub := range s.remote {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		msg := ClientMessage{
			Kind: ClientSubscribe,
			Subscribe: &SubscribeRequest{
				QueryID:  sub.queryID,
				DocEntry: sub.entity,
				Schema:   sub.schema,
			},
		}
		if err := s.transport.Send(ctx, msg); err != nil {
			s.logger.Warn("storageprovider: resubscribe failed", "entity", sub.entity, "error", err)
		}
	}
}
