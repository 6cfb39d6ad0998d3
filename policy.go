// Concurrency-control policies (spec.md §4.10).
//
// OCC, TO and 2PL share one tuple layout and one Txn skeleton; only the
// shape of OnWrite/PreCommitWrite/ValidateReads differs. Selected once at
// Open time via Config.Policy — not a Go build tag per table or process,
// so a single binary can open either an OCC or a TO store depending on
// Config, unlike original_source's access.rs cfg-feature split.
package pmoltp

import "sync/atomic"

// CCPolicy is implemented by occPolicy, toPolicy and twoPLPolicy.
type CCPolicy interface {
	Name() Policy

	// OnWrite runs when Txn.update/delete is first called for a tuple.
	// OCC defers everything to commit; TO and 2PL acquire the write
	// lock eagerly here and may fail with a ConflictError.
	OnWrite(view tupleView, myTid int64) error

	// PreCommitWrite runs once per write set entry during commit, after
	// any eager lock from OnWrite. It must leave the tuple write-locked
	// by myTid on success: lock_tid == myTid for OCC and TO, the write
	// bit in read_ts (taken by OnWrite) for 2PL.
	PreCommitWrite(view tupleView, myTid, observedTid int64) error

	// ValidateReads re-checks the read set's observed versions are
	// still current (OCC's serializable-validation step). TO and 2PL
	// rely on their eager checks and return nil.
	ValidateReads(tx *Txn) error

	// OnRead runs for every tuple a transaction reads, for policies that
	// track reader state (TO's read_ts, 2PL's reader count).
	OnRead(view tupleView, myTid int64) error

	// ReleaseRead undoes OnRead's bookkeeping at commit/abort, for 2PL's
	// reader count.
	ReleaseRead(view tupleView)

	// ReleaseWrite undoes OnWrite/PreCommitWrite's lock acquisition at
	// commit or abort. OCC and TO hold their write lock in lock_tid and
	// release it by clearing that word; 2PL holds its write bit packed
	// into read_ts alongside the reader count, so it needs its own
	// release instead of the shared tupleView.unlock().
	ReleaseWrite(view tupleView)
}

// ---- OCC (clog-MVCC) ----

type occPolicy struct{}

func (occPolicy) Name() Policy { return PolicyOCC }

func (occPolicy) OnWrite(view tupleView, myTid int64) error { return nil }

func (occPolicy) OnRead(view tupleView, myTid int64) error { return nil }

func (occPolicy) ReleaseRead(view tupleView) {}

func (occPolicy) ReleaseWrite(view tupleView) { view.unlock() }

func (occPolicy) PreCommitWrite(view tupleView, myTid, observedTid int64) error {
	prev, ok := view.casLock(0, myTid)
	if !ok {
		return &ConflictError{Kind: AcquireWriteLockFalse, ConflictTid: uint64(prev)}
	}
	if atomic.LoadInt64(&view.hdr.Tid) != observedTid {
		view.unlock()
		return &ConflictError{Kind: PreValidationFailed, ConflictTid: uint64(atomic.LoadInt64(&view.hdr.Tid))}
	}
	return nil
}

func (occPolicy) ValidateReads(tx *Txn) error {
	for _, r := range tx.reads {
		view := viewTuple(tx.db.pf, r.handle.Offset(), r.table.TupleSize())
		cur := atomic.LoadInt64(&view.hdr.Tid)
		if cur != r.observedTid {
			return &ConflictError{Kind: TupleChanged, ConflictTid: uint64(cur)}
		}
		lockTid := atomic.LoadInt64(&view.hdr.LockTid)
		if lockTid != 0 && lockTid != tx.tid {
			return &ConflictError{Kind: PreValidationFailed, ConflictTid: uint64(lockTid)}
		}
	}
	return nil
}

// ---- TO (timestamp ordering) ----

type toPolicy struct{}

func (toPolicy) Name() Policy { return PolicyTO }

// OnWrite is TO's eager lock acquisition: a writer W may lock a tuple
// carrying (tid=T, read_ts=R) only if W >= max(T, R), matching the state
// machine in spec.md §4.10.
func (toPolicy) OnWrite(view tupleView, myTid int64) error {
	tid := atomic.LoadInt64(&view.hdr.Tid)
	readTS := atomic.LoadInt64(&view.hdr.ReadTS)
	if myTid < tid || myTid < readTS {
		return &ConflictError{Kind: PreValidationFailed, ConflictTid: uint64(tid)}
	}
	prev, ok := view.casLock(0, myTid)
	if !ok {
		return &ConflictError{Kind: AcquireWriteLockFalse, ConflictTid: uint64(prev)}
	}
	return nil
}

func (toPolicy) OnRead(view tupleView, myTid int64) error {
	view.setReadTS(myTid)
	return nil
}

func (toPolicy) ReleaseRead(view tupleView) {}

func (toPolicy) ReleaseWrite(view tupleView) { view.unlock() }

func (toPolicy) PreCommitWrite(view tupleView, myTid, observedTid int64) error {
	if atomic.LoadInt64(&view.hdr.LockTid) != myTid {
		prev, ok := view.casLock(0, myTid)
		if !ok {
			return &ConflictError{Kind: AcquireWriteLockFalse, ConflictTid: uint64(prev)}
		}
	}
	return nil
}

func (toPolicy) ValidateReads(tx *Txn) error { return nil }

// ---- 2PL ----

const twoPLWriteBit = int64(1) << 62

type twoPLPolicy struct{}

func (twoPLPolicy) Name() Policy { return Policy2PL }

// OnWrite CASes the reader-count word from its current unlocked value to
// (tid | write_bit); spec.md §4.10's lock_write.
func (twoPLPolicy) OnWrite(view tupleView, myTid int64) error {
	for {
		cur := atomic.LoadInt64(&view.hdr.ReadTS)
		if cur&twoPLWriteBit != 0 {
			return &ConflictError{Kind: AcquireWriteLockFalse, ConflictTid: uint64(cur &^ twoPLWriteBit)}
		}
		if cur != 0 {
			return &ConflictError{Kind: AcquireWriteLockFalse, ConflictTid: uint64(0)}
		}
		if atomic.CompareAndSwapInt64(&view.hdr.ReadTS, cur, myTid|twoPLWriteBit) {
			return nil
		}
	}
}

// OnRead fetch-adds the reader counter unless the write bit is set by a
// different transaction. A transaction that already holds the write lock
// reads for free — its own write already excludes every other reader, so
// there is nothing further to count or later release.
func (twoPLPolicy) OnRead(view tupleView, myTid int64) error {
	for {
		cur := atomic.LoadInt64(&view.hdr.ReadTS)
		if cur&twoPLWriteBit != 0 {
			if cur&^twoPLWriteBit == myTid {
				return nil
			}
			return &ConflictError{Kind: AcquireReadLockFalse, ConflictTid: uint64(cur &^ twoPLWriteBit)}
		}
		if atomic.CompareAndSwapInt64(&view.hdr.ReadTS, cur, cur+1) {
			return nil
		}
	}
}

func (twoPLPolicy) ReleaseRead(view tupleView) {
	for {
		cur := atomic.LoadInt64(&view.hdr.ReadTS)
		if cur == 0 || cur&twoPLWriteBit != 0 {
			return
		}
		if atomic.CompareAndSwapInt64(&view.hdr.ReadTS, cur, cur-1) {
			return
		}
	}
}

func (twoPLPolicy) PreCommitWrite(view tupleView, myTid, observedTid int64) error {
	return nil // lock already held since OnWrite; strict 2PL releases at commit/abort only
}

// ReleaseWrite clears the write bit. Because OnWrite only succeeds when
// read_ts was exactly 0 and OnRead lets the lock holder's own reads
// through for free without incrementing the counter, read_ts can only be
// exactly (myTid | write_bit) while a writer holds it — so this resets it
// straight to 0 rather than needing to preserve a reader count.
func (twoPLPolicy) ReleaseWrite(view tupleView) { view.clearWriteBit() }

func (twoPLPolicy) ValidateReads(tx *Txn) error { return nil }

func policyFor(p Policy) CCPolicy {
	switch p {
	case PolicyTO:
		return toPolicy{}
	case Policy2PL:
		return twoPLPolicy{}
	default:
		return occPolicy{}
	}
}
