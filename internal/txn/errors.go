// Package txn implements the transaction processor: atomic, multi-entity
// commits against the branch/heads engine with read-set validation,
// write-set conflict detection, optional server-side merge, and a
// tamper-evident tx chain record.
package txn

// Kind classifies a transaction-processing failure by named error
// taxonomy, so callers (and the storage-provider client across the
// wire) can pattern-match on cause rather than parsing message text.
type Kind int

const (
	KindUnknown Kind = iota
	KindReadConflict
	KindWriteConflict
	KindMergeInfeasible
	KindInvariantFailure
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindReadConflict:
		return "ReadConflict"
	case KindWriteConflict:
		return "WriteConflict"
	case KindMergeInfeasible:
		return "MergeInfeasible"
	case KindInvariantFailure:
		return "InvariantFailure"
	case KindNotFound:
		return "NotFound"
	default:
		return "Unknown"
	}
}

// Error is a structured transaction failure. Entry identifies which
// write-set entry it applies to ("" for read-set / whole-tx failures).
type Error struct {
	Kind    Kind
	Entry   string
	Message string
}

func (e *Error) Error() string {
	if e.Entry == "" {
		return e.Kind.String() + ": " + e.Message
	}
	return e.Kind.String() + " (" + e.Entry + "): " + e.Message
}

func newError(kind Kind, entry, msg string) *Error {
	return &Error{Kind: kind, Entry: entry, Message: msg}
}
