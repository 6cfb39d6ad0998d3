// Snapshot / clock service (spec.md §4.8).
//
// Two interchangeable clock implementations share one interface: a
// clog-backed MVCC clock (a flat atomic commit-log array indexed by
// tid mod N, grounded on original_source's clog.rs) and a
// timestamp-ordering clock that packs wall-clock nanoseconds with a
// thread id for contention-free issuance.
package pmoltp

import (
	"sync/atomic"
	"time"
)

// Snapshot captures a read view's clock value at begin().
type Snapshot struct {
	Clock int64
}

// ClockService is selected once per Database, matching the CC policy.
type ClockService interface {
	NewTxn(thread int) int64
	Snapshot() Snapshot
	FinishTxn(tid int64, committed bool)
	Access(tupleTid, myTid int64, minActive int64, snap Snapshot) bool
}

// ---- clog-backed MVCC clock ----

const clogPageSlots = 1 << 16 // entries per commit-log page, tid mod this

// clog records either "uncommitted" (0) or the transaction's commit
// timestamp (a counter value drawn by FinishTxn), indexed by tid mod
// clogPageSlots.
type mvccClock struct {
	counter atomic.Int64
	clog    []atomic.Int64
}

func newMVCCClock() *mvccClock {
	c := &mvccClock{}
	c.clog = make([]atomic.Int64, clogPageSlots)
	c.counter.Store(1)
	return c
}

func (c *mvccClock) NewTxn(thread int) int64 {
	return c.counter.Add(1)
}

func (c *mvccClock) Snapshot() Snapshot {
	return Snapshot{Clock: c.counter.Load()}
}

func (c *mvccClock) FinishTxn(tid int64, committed bool) {
	if committed {
		c.clog[tid%clogPageSlots].Store(c.counter.Add(1))
	}
}

// Access implements the clog-MVCC visibility predicate: true iff the
// tuple's writer committed at or before the snapshot clock, the tuple
// predates the oldest in-flight reader, or it is the caller's own write.
func (c *mvccClock) Access(tupleTid, myTid int64, minActive int64, snap Snapshot) bool {
	if tupleTid == myTid {
		return true
	}
	if tupleTid < minActive {
		return true
	}
	committedAt := c.clog[tupleTid%clogPageSlots].Load()
	return committedAt != 0 && committedAt <= snap.Clock
}

// restoreFrom sets the counter past the highest observed tid, used by
// recovery to implement "timestamps restored to 1 + max observed tid".
func (c *mvccClock) restoreFrom(maxObserved int64) {
	for {
		cur := c.counter.Load()
		if cur > maxObserved {
			return
		}
		if c.counter.CompareAndSwap(cur, maxObserved+1) {
			return
		}
	}
}

// ---- timestamp-ordering wall-clock ----

const toThreadBits = 12 // supports up to maxThreadSlots-many concurrent issuers

type toClock struct {
	last atomic.Int64
}

func newTOClock() *toClock { return &toClock{} }

// NewTxn packs (wall_nanos << toThreadBits) | thread_id, retrying through
// a CAS loop so two threads issuing in the same nanosecond still get
// distinct, monotonic ids.
func (c *toClock) NewTxn(thread int) int64 {
	for {
		now := (time.Now().UnixNano() << toThreadBits) | int64(thread&((1<<toThreadBits)-1))
		cur := c.last.Load()
		if now <= cur {
			now = cur + 1
		}
		if c.last.CompareAndSwap(cur, now) {
			return now
		}
	}
}

func (c *toClock) Snapshot() Snapshot {
	return Snapshot{Clock: c.last.Load()}
}

func (c *toClock) FinishTxn(tid int64, committed bool) {}

// Access under TO: a version is visible iff it was written at or before
// the snapshot clock; read_ts bookkeeping on the tuple itself (not this
// service) enforces write-after-read ordering at update time.
func (c *toClock) Access(tupleTid, myTid int64, minActive int64, snap Snapshot) bool {
	if tupleTid == myTid {
		return true
	}
	return tupleTid <= snap.Clock
}

func (c *toClock) restoreFrom(maxObserved int64) {
	for {
		cur := c.last.Load()
		want := maxObserved << toThreadBits
		if cur >= want {
			return
		}
		if c.last.CompareAndSwap(cur, want) {
			return
		}
	}
}
