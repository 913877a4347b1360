package fact

import "context"

// CAS is the content-addressed blob store every storage backend
// (MemoryStore, sqlite3, postgres) must implement. Digests are
// computed by the caller via Digest/DigestBytes so that the same fact body
// always yields the same key regardless of which backend stores it.
type CAS interface {
	// Put stores body under digest if not already present. Returns an
	// *AlreadyExistsError (errors.Is-compatible with ErrAlreadyExists) when
	// identical bytes are already stored under this digest; this is not a
	// failure, callers should treat it the same as a fresh put.
	Put(ctx context.Context, space, kind, digest string, body []byte) error

	// Get returns the bytes stored under digest, or ErrNotFound.
	Get(ctx context.Context, space, digest string) ([]byte, error)

	// Has reports whether digest is present without fetching its bytes.
	Has(ctx context.Context, space, digest string) (bool, error)
}

// AttributeIndex maintains the secondary index
// (entity, attribute, seq) -> digest that lets the branch engine and cell
// layer resolve "the current value of this attribute" and "the value as
// of this sequence number" without replaying the whole change DAG.
type AttributeIndex interface {
	// IndexPut records that seq of (entity, attribute)'s lineage is digest.
	// seq must be strictly increasing per (entity, attribute); callers
	// (cell.CommitDocument) are responsible for that ordering.
	IndexPut(ctx context.Context, space, entity, attribute string, seq uint64, digest string) error

	// IndexAt returns the digest recorded at exactly seq, or ErrNotFound.
	IndexAt(ctx context.Context, space, entity, attribute string, seq uint64) (string, error)

	// IndexLatest returns the digest and seq of the most recent entry for
	// (entity, attribute), or ok=false if the lineage has no entries.
	IndexLatest(ctx context.Context, space, entity, attribute string) (digest string, seq uint64, ok bool, err error)

	// IndexAsOf returns the digest and seq of the most recent entry at or
	// before seq (inclusive), used for point-in-time reads. ok is false if
	// no entry exists at or before seq.
	IndexAsOf(ctx context.Context, space, entity, attribute string, seq uint64) (digest string, foundSeq uint64, ok bool, err error)
}

// Store combines the CAS and its attribute index, the full surface a fact
// storage backend exposes to the rest of the runtime.
type Store interface {
	CAS
	AttributeIndex
}
