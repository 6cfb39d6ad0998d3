// Typed persistent-memory views and durability primitives (spec.md §4.2).
//
// Go has no cacheline-writeback or store-fence instruction reachable
// without cgo or a forked runtime (mansub1029's go-pmem-transaction relies
// on runtime.PersistRange/runtime.Fence, which require a patched Go
// toolchain this module cannot depend on). Clwb is therefore emulated as
// an msync of the covering page range, and Sfence is emulated as an
// atomic CAS round-trip against a dedicated fence word: this forces the
// Go memory model's happens-before edge across goroutines without
// claiming to order real CPU store buffers. Durability still requires
// Clwb first; Sfence alone orders visibility, not persistence.
package pmoltp

import (
	"sync/atomic"
	"unsafe"
)

// fenceWord backs Sfence. Its value is never inspected; the CAS loop
// exists only for the memory barrier it carries.
var fenceWord atomic.Uint64

// Sfence emulates a store fence: every write issued by the calling
// goroutine before this call happens-before every read issued after it by
// any goroutine that also calls Sfence.
func Sfence() {
	for {
		old := fenceWord.Load()
		if fenceWord.CompareAndSwap(old, old+1) {
			return
		}
	}
}

// Clwb flushes the byte range [off, off+n) to the backing file, emulating
// a cacheline-writeback via msync. Pair with Sfence for a full durability
// barrier.
func (pf *pmFile) Clwb(off int64, n int) error {
	return pf.msync(off, n)
}

// Array is a typed, fixed-stride view over a contiguous PM byte range,
// used by the catalog and the tuple allocator's directory page to avoid
// repeating unsafe casts at every call site.
type Array[T any] struct {
	base []byte
}

// NewArray wraps b as an array of T. len(b) must be a multiple of
// unsafe.Sizeof(T); callers size the backing page region accordingly,
// mirroring the fixed-size-tuple model: there is no bounds growth once a
// page has been carved up.
func NewArray[T any](b []byte) Array[T] {
	return Array[T]{base: b}
}

func elemSize[T any]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

func (a Array[T]) Len() int {
	sz := elemSize[T]()
	if sz == 0 {
		return 0
	}
	return len(a.base) / sz
}

// At returns a pointer into the backing PM region. Mutations through it
// are visible to other holders of the same Array immediately, since this
// is a view and not a copy, but are not durable until Clwb'd.
func (a Array[T]) At(i int) *T {
	off := i * elemSize[T]()
	return (*T)(unsafe.Pointer(&a.base[off]))
}

// Offset returns the file-relative byte offset of element i within pf's
// region, for stashing as a persistable Handle.
func (a Array[T]) Offset(pf *pmFile, i int) int64 {
	off := i * elemSize[T]()
	return pf.offsetOf(a.base[off : off+elemSize[T]()])
}

// Struct is a typed single-value view over a fixed PM location. Nothing
// in the package constructs one; the catalog and the log pages cast their
// headers directly.
type Struct[T any] struct {
	p *T
}

func NewStruct[T any](b []byte) Struct[T] {
	return Struct[T]{p: (*T)(unsafe.Pointer(&b[0]))}
}

func (s Struct[T]) Get() *T { return s.p }
