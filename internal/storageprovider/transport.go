// Package storageprovider implements the client-side session over a
// memory space: subscribing by entity (optionally scoped by schema),
// pushing locally-produced changes ahead of server acknowledgement,
// and reconciling that local-ahead state against the server's eventual
// reply. The wire transport itself is pluggable — concrete WebSocket
// framing or HTTP routes are left to the caller; this package only
// depends on the Transport interface below.
package storageprovider

import (
	"context"

	"github.com/commontoolsinc/runtime/internal/branch"
	"github.com/commontoolsinc/runtime/internal/txn"
)

// SubscribeRequest is the client->server SUBSCRIBE message. Schema
// is a decoded JSON Schema value (the same `any` shape internal/schema
// compiles), not a serialized blob — the wire encoding is the pluggable
// transport's concern, not this package's.
type SubscribeRequest struct {
	QueryID  string
	DocEntry string
	Path     string
	Schema   any
	Budget   int
}

// UnsubscribeRequest is the client->server UNSUBSCRIBE message.
type UnsubscribeRequest struct {
	QueryID string
}

// AckRequest is the client->server ACK message.
type AckRequest struct {
	ID string
}

// Version identifies the point in a branch's history a DocUpdate was
// materialized at.
type Version struct {
	Epoch  string
	Branch string
}

// DocUpdate is the server->client DOC_UPDATE message. Doc carries
// the canonical CBOR encoding of a fact.Fact body, the
// same representation every other component in this module uses for a
// fact's bytes — never JSON, so a digest computed from Doc round-trips
// through fact.Digest unchanged.
type DocUpdate struct {
	ID      string
	DocID   string
	Version Version
	Doc     []byte
}

// QuerySynced is the server->client QUERY_SYNCED message.
type QuerySynced struct {
	ID        string
	QueryID   string
	Watermark uint64
}

// ClientMessage is one outbound message a Session hands to its
// Transport. Exactly one of the pointer fields is set, selected by Kind.
// CorrelationID is set only for ClientTx: the server's eventual
// ServerTxReceipt echoes it back so the Session can reconcile the
// locally-ahead write it was submitted for, the way a JSON-RPC id
// correlates a request with its response — txn.Receipt itself only
// carries the server-assigned TxID, known after Submit runs.
type ClientMessage struct {
	Kind          ClientMessageKind
	Subscribe     *SubscribeRequest
	Unsubscribe   *UnsubscribeRequest
	Ack           *AckRequest
	Tx            *txn.Transaction
	CorrelationID string
}

// ClientMessageKind discriminates ClientMessage's payload.
type ClientMessageKind int

const (
	ClientSubscribe ClientMessageKind = iota
	ClientUnsubscribe
	ClientAck
	ClientTx
)

// ServerMessage is one inbound message a Transport delivers to a
// Session. Exactly one of the pointer fields is set, selected by Kind.
// CorrelationID, when TxReceipt is set, echoes the ClientMessage's
// CorrelationID that produced it.
type ServerMessage struct {
	Kind          ServerMessageKind
	DocUpdate     *DocUpdate
	QuerySynced   *QuerySynced
	TxReceipt     *txn.Receipt
	CorrelationID string
}

// ServerMessageKind discriminates ServerMessage's payload.
type ServerMessageKind int

const (
	ServerDocUpdate ServerMessageKind = iota
	ServerQuerySynced
	ServerTxReceipt
)

// Transport is the opaque session a Session rides on top of. A real
// implementation frames these messages over WebSocket/HTTP; tests and
// same-process embedding use a direct in-memory Transport instead (see
// transport_local.go).
type Transport interface {
	// Connect opens the session and returns a channel of inbound server
	// messages. The channel is closed when the transport observes the
	// connection drop; callers should not read additional messages after
	// a close without calling Connect again.
	Connect(ctx context.Context) (<-chan ServerMessage, error)

	// Send delivers one outbound message. Returns an error (triggering
	// the Session's reconnect policy) if the underlying connection is
	// not currently usable.
	Send(ctx context.Context, msg ClientMessage) error

	// Close tears down the transport. Idempotent.
	Close() error
}

// changeHashes extracts a write entry's change hashes for debug logging.
func changeHashes(changes []branch.Change) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.Hash
	}
	return out
}
