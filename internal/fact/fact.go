// Package fact defines the content-addressed fact model: immutable
// assertions `{the, of, is, cause}` and the digest scheme used to key them
// in the CAS. Concrete storage backends live under internal/store.
package fact

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// ErrAlreadyExists is returned by Put (as an *AlreadyExistsError) when
// the exact same bytes were already stored under the same digest. Callers
// should treat it as success, not failure: CAS puts are idempotent.
var ErrAlreadyExists = errors.New("fact: already exists")

// Fact is an immutable assertion that an entity's attribute holds a value,
// optionally caused by (built on top of) a prior fact in the same
// (entity, attribute) lineage.
type Fact struct {
	The   string          `cbor:"the" json:"the"`
	Of    string          `cbor:"of" json:"of"`
	Is    cbor.RawMessage `cbor:"is" json:"is"`
	Cause string          `cbor:"cause,omitempty" json:"cause,omitempty"`
}

// canonicalEncMode produces deterministic CBOR output (sorted map keys,
// definite-length encodings) so that two calls to Digest on
// structurally-equal facts always produce identical bytes — required for
// the fact's hash to double as its identity.
var canonicalEncMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("fact: build canonical CBOR encoder: %v", err))
	}
	return mode
}()

// Encode returns the canonical CBOR encoding of a fact body, the exact
// bytes whose hash is the fact's content-addressed digest.
func Encode(f Fact) ([]byte, error) {
	b, err := canonicalEncMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode fact: %w", err)
	}
	return b, nil
}

// Digest computes a fact's content-addressed identity: a BLAKE2b-256 hash
// of its canonical CBOR encoding, keyed by the owning space's id for
// domain separation (the same fact body asserted in two spaces yields two
// different digests, so CAS entries never leak across space boundaries).
func Digest(space string, f Fact) (string, error) {
	body, err := Encode(f)
	if err != nil {
		return "", err
	}
	return DigestBytes(space, body), nil
}

// DigestBytes hashes arbitrary already-encoded bytes (used for change
// blobs and other CAS-addressed payloads besides fact bodies).
func DigestBytes(space string, body []byte) string {
	key := spaceKey(space)
	h, err := blake2b.New256(key)
	if err != nil {
		// blake2b.New256 only fails for an oversized key; spaceKey always
		// returns exactly 32 bytes, so this is unreachable in practice.
		panic(fmt.Sprintf("fact: construct blake2b hasher: %v", err))
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// spaceKey derives a fixed 32-byte keyed-hash key from a space id. This is
// not a cryptographic identity mechanism — it only provides domain
// separation between spaces sharing one physical CAS table.
func spaceKey(space string) []byte {
	sum := blake2b.Sum256([]byte("commontools-space-domain:" + space))
	return sum[:]
}

// Equal reports whether two digests are the same, using a constant-time
// comparison since digests may be compared against values derived from
// untrusted transaction submissions.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
