package subscription

import (
	"sync"

	"github.com/commontoolsinc/runtime/internal/schema"
)

// DefaultOutboxLimit is the per-client unacked-message cap: once
// exceeded, the oldest unacked message is dropped. At-least-once
// delivery still holds across a drop because a client that never
// acknowledged the dropped message resyncs the affected doc on its next
// reconnect, via resumption from its last ack.
const DefaultOutboxLimit = 1000

// MessageKind distinguishes the two delivery message shapes.
type MessageKind int

const (
	MessageDocUpdate MessageKind = iota
	MessageQuerySynced
)

// Message is one delivery-engine outbox entry.
type Message struct {
	ID      string
	Kind    MessageKind
	Doc     string
	Version uint64
	QueryID string
}

type clientState struct {
	outbox         []Message
	sentVersion    map[string]uint64          // doc -> highest version acked
	pendingByQuery map[string]map[string]bool // queryID -> doc -> awaiting first ack
	nextMsgID      uint64
}

// deliveryEngine tracks one outbox and ack state per client, keyed by
// clientID. A single Engine may serve many clients, each subscribing to
// a possibly-overlapping set of queries.
type deliveryEngine struct {
	mu      sync.Mutex
	clients map[string]*clientState

	// subscribers indexes which clients are watching a given query, so
	// onEvent can fan a verdict change out to every interested client.
	subscribers map[string]map[string]bool // queryID -> clientID -> true
}

func newDeliveryEngine() *deliveryEngine {
	return &deliveryEngine{
		clients:     make(map[string]*clientState),
		subscribers: make(map[string]map[string]bool),
	}
}

func (d *deliveryEngine) client(id string) *clientState {
	c, ok := d.clients[id]
	if !ok {
		c = &clientState{
			sentVersion:    make(map[string]uint64),
			pendingByQuery: make(map[string]map[string]bool),
		}
		d.clients[id] = c
	}
	return c
}

// Subscribe attaches clientID to queryID's deliveries and queues a
// DOC_UPDATE for every doc in touches not yet acked at atVersion or
// later, tracking the pending set so a later QUERY_SYNCED can be
// emitted once every one of them is acked.
func (d *deliveryEngine) Subscribe(clientID, queryID string, touches []schema.Touch, atVersion uint64) []Message {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.subscribers[queryID] == nil {
		d.subscribers[queryID] = make(map[string]bool)
	}
	d.subscribers[queryID][clientID] = true

	c := d.client(clientID)
	return d.queueTouches(c, queryID, touches, atVersion)
}

func (d *deliveryEngine) queueTouches(c *clientState, queryID string, touches []schema.Touch, atVersion uint64) []Message {
	docs := map[string]bool{}
	for _, t := range touches {
		docs[t.Doc] = true
	}

	pending := make(map[string]bool, len(docs))
	var out []Message
	for doc := range docs {
		if last, ok := c.sentVersion[doc]; ok && last >= atVersion {
			continue
		}
		out = append(out, d.enqueue(c, Message{Kind: MessageDocUpdate, Doc: doc, Version: atVersion, QueryID: queryID}))
		pending[doc] = true
	}

	if len(pending) == 0 {
		out = append(out, d.enqueue(c, Message{Kind: MessageQuerySynced, QueryID: queryID}))
	} else {
		c.pendingByQuery[queryID] = pending
	}
	return out
}

func (d *deliveryEngine) enqueue(c *clientState, msg Message) Message {
	c.nextMsgID++
	msg.ID = idFor(c.nextMsgID)
	c.outbox = append(c.outbox, msg)
	if len(c.outbox) > DefaultOutboxLimit {
		c.outbox = c.outbox[len(c.outbox)-DefaultOutboxLimit:]
	}
	return msg
}

func idFor(n uint64) string {
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "0"
	}
	var b [16]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = digits[n%uint64(len(digits))]
		n /= uint64(len(digits))
	}
	return string(b[i:])
}

// Ack records that clientID has processed message id, idempotently:
// acking the same (clientID, id) twice is a no-op. Once every doc a
// query was waiting on has been acked, Ack returns the QUERY_SYNCED
// message for that query (queued and returned, same as any other
// delivery).
func (d *deliveryEngine) Ack(clientID, msgID string) []Message {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.clients[clientID]
	if !ok {
		return nil
	}

	var acked *Message
	remaining := c.outbox[:0]
	for _, m := range c.outbox {
		if m.ID == msgID {
			mm := m
			acked = &mm
			continue
		}
		remaining = append(remaining, m)
	}
	c.outbox = remaining
	if acked == nil {
		return nil
	}

	if acked.Kind == MessageDocUpdate {
		if acked.Version > c.sentVersion[acked.Doc] {
			c.sentVersion[acked.Doc] = acked.Version
		}
	}

	var out []Message
	for queryID, pending := range c.pendingByQuery {
		if acked.Kind == MessageDocUpdate && acked.QueryID == queryID {
			delete(pending, acked.Doc)
		}
		if len(pending) == 0 {
			delete(c.pendingByQuery, queryID)
			out = append(out, d.enqueue(c, Message{Kind: MessageQuerySynced, QueryID: queryID}))
		}
	}
	return out
}

// onSubscribe records that a query now exists so later onEvent calls
// have a (possibly still-empty) subscriber set to fan out to; actual
// per-client delivery state is created lazily by Subscribe.
func (d *deliveryEngine) onSubscribe(queryID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subscribers[queryID] == nil {
		d.subscribers[queryID] = make(map[string]bool)
	}
}

// onUnsubscribe drops all delivery bookkeeping for a query.
func (d *deliveryEngine) onUnsubscribe(queryID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subscribers, queryID)
	for _, c := range d.clients {
		delete(c.pendingByQuery, queryID)
	}
}

// onEvent fans a changed evaluation out to every client subscribed to
// queryID, queuing a DOC_UPDATE for each doc whose version now exceeds
// what that client has last acked.
func (d *deliveryEngine) onEvent(queryID string, touches []schema.Touch, atVersion uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	subs := d.subscribers[queryID]
	if len(subs) == 0 {
		return
	}
	docs := map[string]bool{}
	for _, t := range touches {
		docs[t.Doc] = true
	}
	for clientID := range subs {
		c := d.client(clientID)
		for doc := range docs {
			if last, ok := c.sentVersion[doc]; ok && last >= atVersion {
				continue
			}
			d.enqueue(c, Message{Kind: MessageDocUpdate, Doc: doc, Version: atVersion, QueryID: queryID})
		}
	}
}
