// Indexes (spec.md §4.6).
//
// Two abstract contracts share Handle as their value type: UnorderedIndex
// for primary keys and equality lookups, OrderedIndex for range scans.
// The unordered backend is puzpuzpuz/xsync/v3's MapOf, whose Compute
// method gives a genuinely lock-free-to-the-caller CAS of a stored
// handle; the ordered backend is google/btree's generic BTreeG, which is
// not internally lock-free, so btreeIndex serializes mutation behind an
// RWMutex and treats UpdateIf as a guarded compare-then-replace rather
// than a true CAS. Negative lookups on the unordered index consult a
// bloom filter first, adapted from the teacher's bloom.go.
package pmoltp

import (
	"sync"

	"github.com/google/btree"
	"github.com/puzpuzpuz/xsync/v3"
)

// anyIndex marker, see table.go.
func (x *xsyncIndex[K]) isIndex() {}
func (b *btreeIndex[K]) isIndex() {}

// UnorderedIndex is the primary-key / equality-index contract.
type UnorderedIndex[K comparable] interface {
	Insert(k K, h Handle)
	Get(k K) (Handle, bool)
	Remove(k K)
	UpdateIf(k K, old, new Handle) bool
}

// KV is one (key, handle) pair returned by a range scan.
type KV[K any] struct {
	Key    K
	Handle Handle
}

// OrderedIndex is the range-scan contract, used for NEW-ORDER/ORDER-LINE
// style access patterns and YCSB-E.
type OrderedIndex[K any] interface {
	Insert(k K, h Handle)
	Get(k K) (Handle, bool)
	Remove(k K)
	UpdateIf(k K, old, new Handle) bool
	Range(lo, hi K) []KV[K]
	LastIn(lo, hi K) (KV[K], bool)
}

// lookupIndexKey resolves key (an int64 or string) against idx, whichever
// index contract it implements — Table.Search doesn't care whether the
// column was wired unordered or ordered, only that it supports Get.
func lookupIndexKey(idx anyIndex, key any) (Handle, bool) {
	switch k := key.(type) {
	case int64:
		if x, ok := idx.(UnorderedIndex[int64]); ok {
			return x.Get(k)
		}
		if x, ok := idx.(OrderedIndex[int64]); ok {
			return x.Get(k)
		}
	case string:
		if x, ok := idx.(UnorderedIndex[string]); ok {
			return x.Get(k)
		}
		if x, ok := idx.(OrderedIndex[string]); ok {
			return x.Get(k)
		}
	}
	return 0, false
}

// rangeIndexKeys resolves [lo, hi) against idx, which must be an
// OrderedIndex of a type matching lo/hi.
func rangeIndexKeys(idx anyIndex, lo, hi any) ([]KV[any], error) {
	switch l := lo.(type) {
	case int64:
		h, ok := hi.(int64)
		x, idxOK := idx.(OrderedIndex[int64])
		if !ok || !idxOK {
			return nil, ErrTupleError
		}
		items := x.Range(l, h)
		out := make([]KV[any], len(items))
		for i, it := range items {
			out[i] = KV[any]{Key: it.Key, Handle: it.Handle}
		}
		return out, nil
	case string:
		h, ok := hi.(string)
		x, idxOK := idx.(OrderedIndex[string])
		if !ok || !idxOK {
			return nil, ErrTupleError
		}
		items := x.Range(l, h)
		out := make([]KV[any], len(items))
		for i, it := range items {
			out[i] = KV[any]{Key: it.Key, Handle: it.Handle}
		}
		return out, nil
	}
	return nil, ErrTupleError
}

// ---- bloom filter for fast negative answers ----

const (
	bloomSize = 11982 // bytes, ~96k bits, tuned for ~10k keys at 1% FP
	bloomK    = 7
)

type bloomFilter struct {
	alg  HashAlgorithm
	mu   sync.Mutex
	bits []byte
}

func newBloomFilter(alg HashAlgorithm) *bloomFilter {
	return &bloomFilter{alg: alg, bits: make([]byte, bloomSize)}
}

// bloomPositions double-hashes key with the configured algorithm into
// bloomK bit positions, Kirsch-Mitzenmacher style: a + i*b.
func bloomPositions(alg HashAlgorithm, key []byte) [bloomK]uint {
	a := hash64(alg, key)
	salted := make([]byte, len(key)+1)
	copy(salted, key)
	salted[len(key)] = 0xff
	b := hash64(alg, salted)
	return bloomPositionsFromAB(a, b)
}

// bloomPositionsForString is bloomPositions' string-keyed counterpart,
// using hashString so a string key never needs a throwaway []byte copy
// on the hot insert/lookup path.
func bloomPositionsForString(alg HashAlgorithm, key string) [bloomK]uint {
	a := hashString(alg, key)
	b := hashString(alg, key+"\xff")
	return bloomPositionsFromAB(a, b)
}

func bloomPositionsFromAB(a, b uint64) [bloomK]uint {
	nbits := uint(bloomSize * 8)
	var pos [bloomK]uint
	for i := range bloomK {
		pos[i] = uint(a+uint64(i)*b) % nbits
	}
	return pos
}

func (bf *bloomFilter) add(key []byte) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	for _, pos := range bloomPositions(bf.alg, key) {
		bf.bits[pos/8] |= 1 << (pos % 8)
	}
}

// maybeContains returns false only when key is definitely absent.
func (bf *bloomFilter) maybeContains(key []byte) bool {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	for _, pos := range bloomPositions(bf.alg, key) {
		if bf.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

func (bf *bloomFilter) addString(key string) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	for _, pos := range bloomPositionsForString(bf.alg, key) {
		bf.bits[pos/8] |= 1 << (pos % 8)
	}
}

func (bf *bloomFilter) maybeContainsString(key string) bool {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	for _, pos := range bloomPositionsForString(bf.alg, key) {
		if bf.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// ---- unordered index, xsync-backed ----

type xsyncIndex[K comparable] struct {
	m        *xsync.MapOf[K, Handle]
	bloom    *bloomFilter
	keyBytes func(K) []byte
}

func newXsyncIndex[K comparable](alg HashAlgorithm, keyBytes func(K) []byte) *xsyncIndex[K] {
	return &xsyncIndex[K]{
		m:        xsync.NewMapOf[K, Handle](),
		bloom:    newBloomFilter(alg),
		keyBytes: keyBytes,
	}
}

// rehashableIndex is implemented by index kinds whose negative-lookup
// acceleration depends on Config.HashAlgorithm; btreeIndex has no bloom
// filter and so isn't one.
type rehashableIndex interface {
	rehashBloom(alg HashAlgorithm)
}

// rehashBloom rebuilds the bloom filter from scratch under alg, walking
// every key currently stored rather than trying to migrate bit positions
// in place (spec.md's index contract has no notion of "reposition a bit
// under a new hash," so a fresh filter plus a full re-add is the only
// correct migration).
func (x *xsyncIndex[K]) rehashBloom(alg HashAlgorithm) {
	if x.keyBytes == nil {
		return
	}
	fresh := newBloomFilter(alg)
	x.m.Range(func(k K, _ Handle) bool {
		fresh.add(x.keyBytes(k))
		return true
	})
	x.bloom = fresh
}

func (x *xsyncIndex[K]) Insert(k K, h Handle) {
	x.m.Store(k, h)
	if s, ok := any(k).(string); ok {
		x.bloom.addString(s)
	} else if x.keyBytes != nil {
		x.bloom.add(x.keyBytes(k))
	}
}

func (x *xsyncIndex[K]) Get(k K) (Handle, bool) {
	if s, ok := any(k).(string); ok {
		if !x.bloom.maybeContainsString(s) {
			return 0, false
		}
	} else if x.keyBytes != nil && !x.bloom.maybeContains(x.keyBytes(k)) {
		return 0, false
	}
	return x.m.Load(k)
}

func (x *xsyncIndex[K]) Remove(k K) {
	x.m.Delete(k)
}

// UpdateIf CASes the stored handle for k from old to new using xsync's
// Compute, which runs under the map's internal per-bucket lock and never
// blocks unrelated keys.
func (x *xsyncIndex[K]) UpdateIf(k K, old, new Handle) bool {
	swapped := false
	x.m.Compute(k, func(cur Handle, loaded bool) (Handle, bool) {
		if !loaded || cur != old {
			return cur, !loaded
		}
		swapped = true
		return new, false
	})
	return swapped
}

// ---- ordered index, btree-backed ----

type btreeItem[K any] struct {
	key K
	h   Handle
}

type btreeIndex[K any] struct {
	less func(a, b K) bool
	mu   sync.RWMutex
	tree *btree.BTreeG[btreeItem[K]]
}

func newBtreeIndex[K any](less func(a, b K) bool) *btreeIndex[K] {
	itemLess := func(a, b btreeItem[K]) bool { return less(a.key, b.key) }
	return &btreeIndex[K]{
		less: less,
		tree: btree.NewG(32, itemLess),
	}
}

func (b *btreeIndex[K]) Insert(k K, h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tree.ReplaceOrInsert(btreeItem[K]{key: k, h: h})
}

func (b *btreeIndex[K]) Get(k K) (Handle, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	item, ok := b.tree.Get(btreeItem[K]{key: k})
	if !ok {
		return 0, false
	}
	return item.h, true
}

func (b *btreeIndex[K]) Remove(k K) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tree.Delete(btreeItem[K]{key: k})
}

// UpdateIf serializes the compare-then-replace behind the tree's write
// lock; not a lock-free CAS like xsyncIndex's, but observably atomic to
// every other Get/Range/UpdateIf caller.
func (b *btreeIndex[K]) UpdateIf(k K, old, new Handle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.tree.Get(btreeItem[K]{key: k})
	if !ok || cur.h != old {
		return false
	}
	b.tree.ReplaceOrInsert(btreeItem[K]{key: k, h: new})
	return true
}

// Range yields every key K with lo <= K < hi in ascending order.
func (b *btreeIndex[K]) Range(lo, hi K) []KV[K] {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []KV[K]
	b.tree.AscendRange(btreeItem[K]{key: lo}, btreeItem[K]{key: hi}, func(it btreeItem[K]) bool {
		out = append(out, KV[K]{Key: it.key, Handle: it.h})
		return true
	})
	return out
}

// LastIn returns the greatest key in [lo, hi), if any.
func (b *btreeIndex[K]) LastIn(lo, hi K) (KV[K], bool) {
	items := b.Range(lo, hi)
	if len(items) == 0 {
		return KV[K]{}, false
	}
	return items[len(items)-1], true
}

// stringKeyBytes and int64KeyBytes are the keyBytes converters Table
// wires into newXsyncIndex for the two schema column types that can back
// a primary key or equality index.
func stringKeyBytes(k string) []byte { return []byte(k) }

func int64KeyBytes(k int64) []byte {
	b := make([]byte, 8)
	putI64(b, k)
	return b
}
