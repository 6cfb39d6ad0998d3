// Error taxonomy for the storage engine.
//
// Lookup and validation errors are returned up to the transaction boundary
// where Commit/Abort decides what to do; PM IO errors propagate out
// immediately. There is no panic path inside the transaction engine.
package pmoltp

import "errors"

// Sentinel errors returned by engine operations.
var (
	// ErrNoSpace is returned when the page allocator, catalog descriptor
	// area, or a log buffer is exhausted. Fatal to the originating
	// transaction.
	ErrNoSpace = errors.New("pmoltp: no space")

	// ErrNotFound is returned on an index lookup miss.
	ErrNotFound = errors.New("pmoltp: not found")

	// ErrKeyNotMatched is returned when a resolved handle's tuple no
	// longer carries the expected key (concurrent move raced the lookup).
	ErrKeyNotMatched = errors.New("pmoltp: key not matched")

	// ErrExist is returned on duplicate primary key insertion.
	ErrExist = errors.New("pmoltp: key already exists")

	// ErrTxConflict is returned when the concurrency control policy
	// detects a conflict. The transaction must abort; the caller may retry.
	ErrTxConflict = errors.New("pmoltp: transaction conflict")

	// ErrTxNeedAbort signals that a nested operation determined the
	// transaction cannot continue and must be aborted by the caller.
	ErrTxNeedAbort = errors.New("pmoltp: transaction must abort")

	// ErrIO is a PM-level failure at mmap or persistence. Fatal to the
	// process.
	ErrIO = errors.New("pmoltp: io failure")

	// ErrTupleError covers schema mismatch, missing column, an index not
	// built for the requested column, or an unsupported index type.
	ErrTupleError = errors.New("pmoltp: tuple error")

	// ErrClosed is returned when operating on a closed Database.
	ErrClosed = errors.New("pmoltp: database is closed")

	// ErrDecompress is returned when an archived log segment fails to
	// decompress while being read back for diagnostics (ArchivedLogPages).
	ErrDecompress = errors.New("pmoltp: decompress failed")
)

// Conflict kinds carried inside ErrTxConflict via errors.Is/As style
// wrapping. Callers that need to distinguish the exact conflict reason
// should use errors.As with *ConflictError.
type ConflictKind int

const (
	// TupleChanged: a tuple observed in the read set has a newer
	// committed tid than the transaction's snapshot.
	TupleChanged ConflictKind = iota
	// PreValidationFailed: revalidation of the read set failed at commit.
	PreValidationFailed
	// AcquireReadLockFalse: 2PL failed to fetch-add the reader counter
	// (writer lock held by another txn).
	AcquireReadLockFalse
	// AcquireWriteLockFalse: 2PL failed the reader-count -> write-bit CAS.
	AcquireWriteLockFalse
)

func (k ConflictKind) String() string {
	switch k {
	case TupleChanged:
		return "TupleChanged"
	case PreValidationFailed:
		return "PreValidationFailed"
	case AcquireReadLockFalse:
		return "AcquireReadLockFalse"
	case AcquireWriteLockFalse:
		return "AcquireWriteLockFalse"
	default:
		return "UnknownConflict"
	}
}

// ConflictError carries the specific conflict that caused ErrTxConflict.
type ConflictError struct {
	Kind        ConflictKind
	ConflictTid uint64 // tid of the conflicting writer, when known
}

func (e *ConflictError) Error() string {
	return "pmoltp: conflict: " + e.Kind.String()
}

func (e *ConflictError) Unwrap() error {
	return ErrTxConflict
}
