// Tuple allocator (spec.md §4.4).
//
// Three variants share one job: hand out a Handle for a fresh tuple slot
// and take freed ones back. Grounded on the teacher's set.go/delete.go
// space-reuse bookkeeping (a freelist of reusable record slots) and on
// jrchyang-etcd's backend freelist for the round-robin central variant.
package pmoltp

import (
	"sync"
	"sync/atomic"
)

// rowAllocator is the common contract the transaction engine uses; which
// concrete variant backs a table is chosen at AddTable time and does not
// change afterward.
type rowAllocator interface {
	Allocate() (Handle, error)
	Free(h Handle)
}

// threadAwareAllocator is implemented by variants that stripe allocation
// by worker thread; Txn.Insert type-asserts for it so the append allocator
// actually sees each caller's thread instead of always landing on stripe 0.
type threadAwareAllocator interface {
	AllocateAppend(thread int) (Handle, error)
}

// dirPage is the directory kept at Table.rootPage: a durable record of
// which data pages this table owns, so Reload can recompute allocator
// state without replaying every insert.
type dirPage struct {
	pf   *pmFile
	page []byte
}

func openDirPage(pf *pmFile, pageID int64) *dirPage {
	return &dirPage{pf: pf, page: pf.page(int(pageID))}
}

func (d *dirPage) count() int64 {
	return atomic.LoadInt64((*int64)(ptrOf(d.page)))
}

func (d *dirPage) pageIDs() []int64 {
	n := int(d.count())
	arr := NewArray[int64](d.page[8:])
	ids := make([]int64, n)
	for i := 0; i < n; i++ {
		ids[i] = *arr.At(i)
	}
	return ids
}

func (d *dirPage) append(pageID int64) error {
	n := d.count()
	arr := NewArray[int64](d.page[8:])
	*arr.At(int(n)) = pageID
	atomic.StoreInt64((*int64)(ptrOf(d.page)), n+1)
	return d.pf.msync(d.pf.offsetOf(d.page), 8+int(n+1)*8)
}

// ---- local bump allocator, one per table shared by all threads (the primary C4 variant) ----

type localRowAllocator struct {
	pf        *pmFile
	bitmap    *pageBitmap
	dir       *dirPage
	tupleSize int
	pageSize  int

	mu       sync.Mutex
	curPage  int64 // absolute page id, -1 if none yet
	curOff   int   // bump offset within curPage, relative to page start
	freelist []int64
}

func newLocalRowAllocator(pf *pmFile, bitmap *pageBitmap, dir *dirPage, tupleSize, pageSize int) *localRowAllocator {
	return &localRowAllocator{pf: pf, bitmap: bitmap, dir: dir, tupleSize: tupleSize, pageSize: pageSize, curPage: -1}
}

// setCursor seeds the bump cursor after recovery rescans the directory's
// last page to find the first never-written slot; deleted slots found
// during that same scan are pushed onto the freelist via Free instead.
func (a *localRowAllocator) setCursor(pageID int64, offset int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.curPage = pageID
	a.curOff = offset
}

// Allocate implements spec.md §4.4's local allocator: pop the freelist
// first; otherwise bump within the current page; otherwise request a
// fresh page from C1 and record it in the table directory.
func (a *localRowAllocator) Allocate() (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.freelist); n > 0 {
		off := a.freelist[n-1]
		a.freelist = a.freelist[:n-1]
		return pmHandle(off), nil
	}

	if a.curPage == -1 || a.curOff+a.tupleSize > a.pageSize {
		bit, err := a.bitmap.allocPage()
		if err != nil {
			return 0, err
		}
		pageID := int64(firstDataPage + bit)
		if err := a.dir.append(pageID); err != nil {
			return 0, err
		}
		a.curPage = pageID
		a.curOff = 0
	}

	off := a.curPage*int64(a.pageSize) + int64(a.curOff)
	a.curOff += a.tupleSize
	return pmHandle(off), nil
}

func (a *localRowAllocator) Free(h Handle) {
	a.mu.Lock()
	a.freelist = append(a.freelist, h.Offset())
	a.mu.Unlock()
}

// ---- append-only striped allocator ----

// appendRowAllocator gives each thread its own current page, taken from
// the page bitmap (lowest free page) whenever that thread's page fills;
// pages are not assigned by a fixed i%threadCount stride. Used by
// insert-heavy, delete-light workloads (YCSB load phase) where avoiding
// any shared freelist traffic matters more than space reuse.
type appendRowAllocator struct {
	pf          *pmFile
	bitmap      *pageBitmap
	dir         *dirPage
	tupleSize   int
	pageSize    int
	threadCount int

	mu        sync.Mutex
	perThread map[int]*appendCursor
}

type appendCursor struct {
	curPage int64
	curOff  int
}

func newAppendRowAllocator(pf *pmFile, bitmap *pageBitmap, dir *dirPage, tupleSize, pageSize, threadCount int) *appendRowAllocator {
	return &appendRowAllocator{
		pf: pf, bitmap: bitmap, dir: dir, tupleSize: tupleSize, pageSize: pageSize,
		threadCount: threadCount, perThread: make(map[int]*appendCursor),
	}
}

// AllocateAppend implements allocate_append: each thread gets its own
// cursor, so no cross-thread coordination happens on the hot path.
func (a *appendRowAllocator) AllocateAppend(thread int) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur, ok := a.perThread[thread]
	if !ok {
		cur = &appendCursor{curPage: -1}
		a.perThread[thread] = cur
	}

	if cur.curPage == -1 || cur.curOff+a.tupleSize > a.pageSize {
		bit, err := a.bitmap.allocPage()
		if err != nil {
			return 0, err
		}
		pageID := int64(firstDataPage + bit)
		if err := a.dir.append(pageID); err != nil {
			return 0, err
		}
		cur.curPage = pageID
		cur.curOff = 0
	}

	off := cur.curPage*int64(a.pageSize) + int64(cur.curOff)
	cur.curOff += a.tupleSize
	return pmHandle(off), nil
}

// Allocate is the thread-oblivious fallback for callers that only know the
// rowAllocator contract; real Insert traffic goes through Txn, which
// type-asserts threadAwareAllocator and calls AllocateAppend with its own
// thread so stripes are actually exercised per worker.
func (a *appendRowAllocator) Allocate() (Handle, error) { return a.AllocateAppend(0) }

func (a *appendRowAllocator) Free(h Handle) {
	// Append-mode tables accumulate tombstones instead of reusing slots;
	// see SPEC_FULL.md's tombstone-lifetime decision.
}

// ---- central round-robin allocator ----

// centralRowAllocator keeps exactly two active pages and alternates
// between them on each allocation, with all threads sharing one
// freelist guarded by a mutex; spec.md §4.4 calls this out as a second
// variant trading some contention for simpler per-table bookkeeping than
// the per-thread local allocator.
type centralRowAllocator struct {
	pf        *pmFile
	bitmap    *pageBitmap
	dir       *dirPage
	tupleSize int
	pageSize  int

	mu       sync.Mutex
	pages    [2]int64 // -1 if not yet allocated
	offs     [2]int
	next     atomic.Uint32 // round-robin selector
	freelist []int64
}

func newCentralRowAllocator(pf *pmFile, bitmap *pageBitmap, dir *dirPage, tupleSize, pageSize int) *centralRowAllocator {
	return &centralRowAllocator{
		pf: pf, bitmap: bitmap, dir: dir, tupleSize: tupleSize, pageSize: pageSize,
		pages: [2]int64{-1, -1},
	}
}

func (a *centralRowAllocator) Allocate() (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.freelist); n > 0 {
		off := a.freelist[n-1]
		a.freelist = a.freelist[:n-1]
		return pmHandle(off), nil
	}

	slot := int(a.next.Add(1)-1) % 2
	if a.pages[slot] == -1 || a.offs[slot]+a.tupleSize > a.pageSize {
		bit, err := a.bitmap.allocPage()
		if err != nil {
			return 0, err
		}
		pageID := int64(firstDataPage + bit)
		if err := a.dir.append(pageID); err != nil {
			return 0, err
		}
		a.pages[slot] = pageID
		a.offs[slot] = 0
	}

	off := a.pages[slot]*int64(a.pageSize) + int64(a.offs[slot])
	a.offs[slot] += a.tupleSize
	return pmHandle(off), nil
}

func (a *centralRowAllocator) Free(h Handle) {
	a.mu.Lock()
	a.freelist = append(a.freelist, h.Offset())
	a.mu.Unlock()
}
