// Package cell implements the schema-projected reactive view over a
// space's documents: reading through link chains and
// write-redirects, writing minimum-diff facts, and reusing sibling
// entity identity for ID_FIELD-tagged array elements.
//
// A "document" here is one entity's `application/json` attribute
// lineage. The branch engine's change DAG tracks causal history for
// that lineage; each Change's Digest names the fact.Store blob holding
// the full value as of that change (this module stores whole-document
// snapshots per change rather than field-level CRDT ops, the simplest
// faithful reading of a change as an opaque binary blob — the engine
// never needs to interpret change contents, only order them).
package cell

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/commontoolsinc/runtime/internal/branch"
	"github.com/commontoolsinc/runtime/internal/crypto"
	"github.com/commontoolsinc/runtime/internal/fact"
	"github.com/commontoolsinc/runtime/internal/path"
	"github.com/commontoolsinc/runtime/internal/runtime"
	"github.com/commontoolsinc/runtime/internal/scheduler"
	"github.com/commontoolsinc/runtime/internal/subscription"
	"github.com/commontoolsinc/runtime/internal/txn"
)

// Attribute is the attribute tag used for a cell's document body.
const Attribute = "application/json"

// MainBranch is the default branch name used when a cell's address
// doesn't specify one explicitly.
const MainBranch = "main"

// factKind tags CAS entries holding fact bodies, distinguishing them
// from any other blob kind a future backend might store under the
// same (space, digest) namespace.
const factKind = "fact"

// decodeDocValue decodes one CBOR item and coerces it into the
// decoded-JSON shape the rest of the runtime operates on: string-keyed
// maps, []any arrays, float64 numbers. Every document value in this
// runtime originates from JSON, but CBOR's own decode prefers
// interface-keyed maps and integer types JSON never produces, so the
// coercion keeps the decoded shape directly compatible with the schema
// evaluator and the path/link codec.
func decodeDocValue(data []byte) (any, error) {
	var raw any
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return jsonShape(raw), nil
}

func jsonShape(v any) any {
	switch x := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			key, ok := k.(string)
			if !ok {
				key = fmt.Sprintf("%v", k)
			}
			out[key] = jsonShape(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = jsonShape(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = jsonShape(val)
		}
		return out
	case uint64:
		return float64(x)
	case int64:
		return float64(x)
	case int:
		return float64(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}

// LoadDocument materializes the current full JSON value of
// (space, entity) on branchName, or nil if the entity has never been
// written. A branch's heads are not consulted for the value itself:
// the attribute index already names the latest committed digest for
// this entity's lineage, and
// every CommitDocument call updates the index right after its
// transaction has advanced the branch heads (a separate step, not part
// of that transaction), so the index is current as of the last commit
// this process completed.
func LoadDocument(ctx context.Context, rt *runtime.Runtime, space, entity, branchName string) (any, error) {
	heads, err := rt.Branches.GetHeads(ctx, space, branchName)
	if err != nil {
		return nil, fmt.Errorf("load document %s/%s: %w", space, entity, err)
	}
	if len(heads) == 0 {
		return nil, nil
	}

	digest, _, ok, err := rt.Facts.IndexLatest(ctx, space, entity, Attribute)
	if err != nil {
		return nil, fmt.Errorf("load document %s/%s: %w", space, entity, err)
	}
	if !ok {
		return nil, nil
	}

	return loadByDigest(ctx, rt, space, digest)
}

func loadByDigest(ctx context.Context, rt *runtime.Runtime, space, digest string) (any, error) {
	body, err := rt.Facts.Get(ctx, space, digest)
	if err != nil {
		return nil, fmt.Errorf("load fact %s: %w", digest, err)
	}

	var f fact.Fact
	if err := cbor.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("decode fact %s: %w", digest, err)
	}

	value, err := decodeFactIs(rt, f.Is)
	if err != nil {
		return nil, fmt.Errorf("decode fact value %s: %w", digest, err)
	}
	return value, nil
}

// encodeFactIs renders value as the bytes a Fact's Is field carries. When
// rt.EncryptionKey is configured, the document's plain CBOR encoding is
// AES-256-GCM sealed via internal/crypto and the result re-encoded as a
// CBOR text string, so Is always holds one well-formed CBOR item either
// way. Content-addressing still applies to the (now ciphertext) bytes,
// though AES-GCM's random nonce means re-asserting an unchanged value no
// longer dedups against its prior fact the way a plaintext body would.
func encodeFactIs(rt *runtime.Runtime, value any) (cbor.RawMessage, error) {
	body, err := cbor.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	if len(rt.EncryptionKey) == 0 {
		return cbor.RawMessage(body), nil
	}

	ciphertext, err := crypto.Encrypt(string(body), rt.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt value: %w", err)
	}
	enc, err := cbor.Marshal(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("encode ciphertext: %w", err)
	}
	return cbor.RawMessage(enc), nil
}

// decodeFactIs reverses encodeFactIs. It first tries to decode is as a
// CBOR text string; if that succeeds and the string carries crypto's
// "enc:" marker, it is sealed ciphertext and is decrypted (requiring
// rt.EncryptionKey) before decoding the recovered plaintext bytes as the
// document value. Any other shape (including a document whose top-level
// value happens to be an ordinary string) falls through to a direct
// decode, so facts written before encryption was configured still read
// back correctly.
func decodeFactIs(rt *runtime.Runtime, is cbor.RawMessage) (any, error) {
	if len(is) == 0 {
		return nil, nil
	}

	var maybeCiphertext string
	if err := cbor.Unmarshal(is, &maybeCiphertext); err == nil && crypto.IsEncrypted(maybeCiphertext) {
		if len(rt.EncryptionKey) == 0 {
			return nil, fmt.Errorf("fact body is encrypted but no encryption key is configured")
		}
		plain, err := crypto.Decrypt(maybeCiphertext, rt.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("decrypt value: %w", err)
		}
		value, err := decodeDocValue([]byte(plain))
		if err != nil {
			return nil, fmt.Errorf("decode decrypted value: %w", err)
		}
		return value, nil
	}

	value, err := decodeDocValue(is)
	if err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return value, nil
}

// CommitDocument writes a new full-value snapshot for (space, entity) as
// the next change on branchName, through the transaction processor, so
// the submission goes through read-set validation, heads advance, and
// subscription invalidation exactly like any other write.
func CommitDocument(ctx context.Context, rt *runtime.Runtime, space, entity, branchName string, value any) error {
	isBody, err := encodeFactIs(rt, value)
	if err != nil {
		return fmt.Errorf("commit document %s/%s: %w", space, entity, err)
	}

	prevDigest, prevSeq, hadPrior, err := rt.Facts.IndexLatest(ctx, space, entity, Attribute)
	if err != nil {
		return fmt.Errorf("commit document %s/%s: %w", space, entity, err)
	}

	f := fact.Fact{The: Attribute, Of: entity, Is: isBody}
	if hadPrior {
		f.Cause = prevDigest
	}

	digest, err := fact.Digest(space, f)
	if err != nil {
		return fmt.Errorf("commit document %s/%s: digest: %w", space, entity, err)
	}

	factBody, err := fact.Encode(f)
	if err != nil {
		return fmt.Errorf("commit document %s/%s: encode fact: %w", space, entity, err)
	}

	if err := rt.Facts.Put(ctx, space, factKind, digest, factBody); err != nil {
		if _, ok := err.(*fact.AlreadyExistsError); !ok {
			return fmt.Errorf("commit document %s/%s: put fact: %w", space, entity, err)
		}
	}

	heads, err := rt.Branches.GetHeads(ctx, space, branchName)
	if err != nil {
		return fmt.Errorf("commit document %s/%s: %w", space, entity, err)
	}

	actorID := rt.Signer.ActorID()
	changeSeq, _, err := rt.Branches.LastSeqForActor(ctx, space, branchName, actorID)
	if err != nil {
		return fmt.Errorf("commit document %s/%s: %w", space, entity, err)
	}
	changeSeq++

	change := branch.Change{
		Hash:    fact.DigestBytes(space, []byte(fmt.Sprintf("%s:%s:%d:%s", entity, actorID, changeSeq, digest))),
		ActorID: actorID,
		Seq:     changeSeq,
		Deps:    append([]string(nil), heads...),
		Digest:  digest,
	}

	tx := txn.Transaction{
		Space: space,
		Writes: []txn.WriteEntry{{
			Branch:           branchName,
			BaseHeads:        heads,
			Changes:          []branch.Change{change},
			AllowServerMerge: true,
		}},
	}

	receipt, err := rt.Txn.Submit(ctx, tx)
	if err != nil {
		return fmt.Errorf("commit document %s/%s: %w", space, entity, err)
	}
	if rej, ok := receipt.Rejected[branchName]; ok {
		return fmt.Errorf("commit document %s/%s: %w", space, entity, rej)
	}

	nextSeq := prevSeq + 1
	if err := rt.Facts.IndexPut(ctx, space, entity, Attribute, nextSeq, digest); err != nil {
		return fmt.Errorf("commit document %s/%s: index: %w", space, entity, err)
	}

	rt.Scheduler.NotifyWrite(scheduler.Addr{Space: space, Entity: entity, Path: path.Path{}})

	// Every commit stores a whole-entity snapshot (see package doc), so
	// the finest-grained changed path subscription invalidation can rely
	// on is the entity root; a touch anywhere in the entity is treated
	// as dirtied.
	if rt.Subscriptions != nil {
		rt.Subscriptions.HandleCommit(ctx, subscription.Delta{
			Space:        space,
			Branch:       branchName,
			Doc:          entity,
			ChangedPaths: []path.Path{{}},
			AtVersion:    nextSeq,
		})
	}

	return nil
}
