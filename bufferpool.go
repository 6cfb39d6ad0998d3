// Optional DRAM buffer pool (spec.md §4.7).
//
// A slot vector shadowing hot PM tuples; eviction is driven by a
// per-slot clock word compared against min_active_ts rather than a
// classic LRU list, so a slot is never reclaimed while some in-flight
// reader might still need the version it holds. Grounded on
// hmarui66-blink-tree-go's bufmgr.go slot/latch vector shape.
package pmoltp

import (
	"sync"
	"sync/atomic"
)

// poolSlot shadows one PM tuple in DRAM.
type poolSlot struct {
	mu      sync.RWMutex
	clock   atomic.Int64 // max txn id that has touched this slot
	pmAddr  int64        // PM offset this slot shadows, -1 if empty
	payload []byte
	dirty   bool
}

// bufferPool is a fixed-size vector of slots split into one contiguous
// range per worker thread, so a thread's eviction search never contends
// with another thread's.
type bufferPool struct {
	pf        *pmFile
	tupleSize int
	slots     []*poolSlot
	threads   int

	mu    sync.Mutex
	index map[int64]int // pmAddr -> slot index, for flush-back on eviction
}

func newBufferPool(pf *pmFile, tupleSize, size, threads int) *bufferPool {
	if threads < 1 {
		threads = 1
	}
	bp := &bufferPool{pf: pf, tupleSize: tupleSize, threads: threads, index: make(map[int64]int)}
	bp.slots = make([]*poolSlot, size)
	for i := range bp.slots {
		bp.slots[i] = &poolSlot{pmAddr: -1, payload: make([]byte, tupleSize)}
	}
	return bp
}

func (bp *bufferPool) partition(thread int) (start, end int) {
	n := len(bp.slots)
	per := n / bp.threads
	if per == 0 {
		return 0, n
	}
	start = thread * per
	end = start + per
	if thread == bp.threads-1 {
		end = n
	}
	return start, end
}

// Get implements spec.md §4.7's get(handle, thread, ts, min_ts): resolves
// a pool-tagged handle directly, or finds/loads a replacement slot from
// the calling thread's partition for a PM-address handle.
func (bp *bufferPool) Get(h Handle, thread int, ts, minTS int64) (*poolSlot, Handle) {
	if h.IsPooled() {
		slot := bp.slots[h.PoolIndex()]
		for {
			cur := slot.clock.Load()
			if cur >= ts {
				break
			}
			if slot.clock.CompareAndSwap(cur, ts) {
				break
			}
		}
		return slot, h
	}

	bp.mu.Lock()
	if idx, ok := bp.index[h.Offset()]; ok {
		bp.mu.Unlock()
		slot := bp.slots[idx]
		slot.clock.Store(ts)
		return slot, poolHandle(idx)
	}
	bp.mu.Unlock()

	start, end := bp.partition(thread)
	for i := start; i < end; i++ {
		slot := bp.slots[i]
		if slot.clock.Load() > minTS {
			continue
		}
		if !slot.mu.TryLock() {
			continue
		}
		if slot.pmAddr != -1 && slot.clock.Load() > minTS {
			slot.mu.Unlock()
			continue
		}
		bp.evictLocked(slot)
		bp.loadLocked(slot, h.Offset())
		slot.clock.Store(ts)
		slot.mu.Unlock()

		bp.mu.Lock()
		bp.index[h.Offset()] = i
		bp.mu.Unlock()
		return slot, poolHandle(i)
	}
	return nil, h
}

// evictLocked flushes a dirty slot's payload back to PM and drops its
// index entry. Caller holds slot.mu.
func (bp *bufferPool) evictLocked(slot *poolSlot) {
	if slot.pmAddr == -1 {
		return
	}
	if slot.dirty {
		dst := bp.pf.at(slot.pmAddr+tupleHeaderSize, bp.tupleSize-tupleHeaderSize)
		copy(dst, slot.payload[tupleHeaderSize:])
		bp.pf.msync(slot.pmAddr, bp.tupleSize)
		slot.dirty = false
	}
	bp.mu.Lock()
	delete(bp.index, slot.pmAddr)
	bp.mu.Unlock()
	slot.pmAddr = -1
}

func (bp *bufferPool) loadLocked(slot *poolSlot, pmAddr int64) {
	src := bp.pf.at(pmAddr, bp.tupleSize)
	copy(slot.payload, src)
	slot.pmAddr = pmAddr
}

// WriteThrough updates both the DRAM copy and, before commit, the PM
// image, per spec.md §4.7's pool write rule.
func (bp *bufferPool) WriteThrough(slot *poolSlot, columnOffset int, data []byte) {
	slot.mu.Lock()
	copy(slot.payload[tupleHeaderSize+columnOffset:tupleHeaderSize+columnOffset+len(data)], data)
	slot.dirty = true
	dst := bp.pf.at(slot.pmAddr+tupleHeaderSize+int64(columnOffset), len(data))
	copy(dst, data)
	slot.mu.Unlock()
}
