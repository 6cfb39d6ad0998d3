// Tuple format and in-place versioning (spec.md §3, §4.5).
//
// A tuple is a fixed header followed by the schema-driven column payload,
// both living directly in the mmap'd PM region; a Handle names a tuple by
// file-relative offset (or, with the buffer pool enabled, a tagged pool
// index). Grounded on the teacher's record.go for header/payload framing
// and on mansub1029's undoTx.go for the lock/publish sequencing that a
// committing writer follows.
package pmoltp

import (
	"sync/atomic"
	"unsafe"
)

// ptrOf returns the address of b's first byte, for casting a PM byte
// slice to a typed header pointer.
func ptrOf(b []byte) unsafe.Pointer {
	return unsafe.Pointer(&b[0])
}

// Handle is the 64-bit word stored in indexes. Bit 63 tags a buffer-pool
// index; the remaining 63 bits are either a pool slot index or a
// file-relative byte offset of the canonical tuple image.
type Handle uint64

const handlePoolBit = uint64(1) << 63

func pmHandle(offset int64) Handle {
	return Handle(uint64(offset))
}

func poolHandle(idx int) Handle {
	return Handle(uint64(idx) | handlePoolBit)
}

func (h Handle) IsPooled() bool { return uint64(h)&handlePoolBit != 0 }

func (h Handle) Offset() int64 { return int64(uint64(h) &^ handlePoolBit) }

func (h Handle) PoolIndex() int { return int(uint64(h) &^ handlePoolBit) }

// tupleHeader is the fixed 40-byte prefix of every tuple image, laid out
// exactly as spec.md §3 describes: tid, read_ts, next_delta, delete_flag,
// lock_tid, all 8-byte fields so every field is independently atomic.
type tupleHeader struct {
	Tid        int64
	ReadTS     int64
	NextDelta  int64
	DeleteFlag int64
	LockTid    int64
}

const tupleHeaderSize = 40

const (
	deleteFlagDeleted = int64(1) << 0
	deleteFlagCommit  = int64(1) << 1
)

// tupleView is a live pointer into the PM region for one tuple image.
type tupleView struct {
	pf     *pmFile
	off    int64
	hdr    *tupleHeader
	payload []byte
}

func viewTuple(pf *pmFile, off int64, tupleSize int) tupleView {
	b := pf.at(off, tupleSize)
	return tupleView{
		pf:      pf,
		off:     off,
		hdr:     (*tupleHeader)(ptrOf(b)),
		payload: b[tupleHeaderSize:],
	}
}

// snapshotHeader is a header-consistent copy obtained by the double-check
// protocol from spec.md §4.5: a reader re-reads tid around a copy of the
// payload so a torn read can be detected and retried.
type snapshotHeader struct {
	Tid        int64
	ReadTS     int64
	NextDelta  int64
	DeleteFlag int64
	LockTid    int64
}

// readHeader loads every header field atomically and re-checks Tid around
// a copy of the payload, retrying on a torn read.
func (v tupleView) readHeader(out []byte) snapshotHeader {
	for {
		tidBefore := atomic.LoadInt64(&v.hdr.Tid)
		readTS := atomic.LoadInt64(&v.hdr.ReadTS)
		nextDelta := atomic.LoadInt64(&v.hdr.NextDelta)
		delFlag := atomic.LoadInt64(&v.hdr.DeleteFlag)
		lockTid := atomic.LoadInt64(&v.hdr.LockTid)
		if out != nil {
			copy(out, v.payload)
		}
		tidAfter := atomic.LoadInt64(&v.hdr.Tid)
		if tidBefore == tidAfter {
			return snapshotHeader{tidBefore, readTS, nextDelta, delFlag, lockTid}
		}
	}
}

// casLock implements cas_lock: CAS on lock_tid, returning the previous
// value whether or not the swap succeeded.
func (v tupleView) casLock(expected, new int64) (prev int64, swapped bool) {
	swapped = atomic.CompareAndSwapInt64(&v.hdr.LockTid, expected, new)
	if swapped {
		return expected, true
	}
	return atomic.LoadInt64(&v.hdr.LockTid), false
}

// unlock clears lock_tid unconditionally, used after a commit or abort
// finishes touching the tuple.
func (v tupleView) unlock() {
	atomic.StoreInt64(&v.hdr.LockTid, 0)
}

// setReadTS performs the TO-mode monotonic max update via a CAS loop.
func (v tupleView) setReadTS(t int64) {
	for {
		cur := atomic.LoadInt64(&v.hdr.ReadTS)
		if t <= cur {
			return
		}
		if atomic.CompareAndSwapInt64(&v.hdr.ReadTS, cur, t) {
			return
		}
	}
}

// setTsAndNext publishes a new (tid, next_delta) pair. spec.md §9's open
// question on the 128-bit CAS is resolved in favor of the always-available
// ordered-write protocol: next_delta is written and fenced before tid, so
// a concurrent reader either sees the old (tid, next_delta) pair or the
// fully new one, never a torn mix that points tid at the new version
// without next_delta already in place.
func (v tupleView) setTsAndNext(newTid, newNext int64) {
	atomic.StoreInt64(&v.hdr.NextDelta, newNext)
	Sfence()
	atomic.StoreInt64(&v.hdr.Tid, newTid)
}

// updateData writes bytes at columnOffset within the payload in place.
// Callers are responsible for calling Clwb over the affected range
// afterward, or relying on the hot-tuple cache (§4.11) to skip it.
func (v tupleView) updateData(columnOffset int, data []byte) {
	copy(v.payload[columnOffset:columnOffset+len(data)], data)
}

// applyNext materializes the prior version in place: copies the delta's
// payload at its column_offset (or the whole row for a full image), then
// advances tid/next_delta to the delta's values. Used by abort's rollback
// and by recovery's delta replay; Txn.Read walks the version chain on a
// private copy of the payload instead.
func (v tupleView) applyNext(d deltaView) {
	if d.hdr.ColumnOffset == fullImageColumnOffset {
		copy(v.payload, d.payload)
	} else {
		copy(v.payload[d.hdr.ColumnOffset:d.hdr.ColumnOffset+len(d.payload)], d.payload)
	}
	atomic.StoreInt64(&v.hdr.Tid, d.hdr.Tid)
	atomic.StoreInt64(&v.hdr.NextDelta, d.hdr.NextDelta)
}

// clearWriteBit resets 2PL's write-lock bit packed into read_ts's top bit
// unconditionally. Shared by twoPLPolicy.ReleaseWrite and by recovery's
// delta rollback, so a crash mid-write never leaves a 2PL write lock
// stuck past restart.
func (v tupleView) clearWriteBit() {
	for {
		cur := atomic.LoadInt64(&v.hdr.ReadTS)
		if cur&twoPLWriteBit == 0 {
			return
		}
		if atomic.CompareAndSwapInt64(&v.hdr.ReadTS, cur, 0) {
			return
		}
	}
}

func (v tupleView) isDeleted() bool {
	return atomic.LoadInt64(&v.hdr.DeleteFlag)&deleteFlagDeleted != 0
}

func (v tupleView) setDeleted(deleted bool) {
	for {
		cur := atomic.LoadInt64(&v.hdr.DeleteFlag)
		var next int64
		if deleted {
			next = cur | deleteFlagDeleted
		} else {
			next = cur &^ deleteFlagDeleted
		}
		if atomic.CompareAndSwapInt64(&v.hdr.DeleteFlag, cur, next) {
			return
		}
	}
}
