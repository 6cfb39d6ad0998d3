// Table: the in-memory counterpart of a catalog descriptor (spec.md §3).
//
// Lives for the Database's lifetime once added or reloaded; its index
// map and allocator are populated after construction (AddTable/Reload
// build the bare struct, recovery.go and Open wire in alloc/indexes/pool).
package pmoltp

import (
	"errors"
	"sync"
)

// Table holds everything C10 needs to operate on one logical table:
// schema, directory/root page, its row allocator, the column-keyed
// index set, and an optional buffer pool.
type Table struct {
	id            uint32
	name          string
	schema        Schema
	rootPage      int64
	primaryKeyCol int

	mu      sync.RWMutex
	indexes map[int]anyIndex

	alloc rowAllocator
	pool  *bufferPool
}

// anyIndex is the common handle shared by UnorderedIndex and OrderedIndex
// implementations so Table.indexes can hold either kind uniformly;
// callers type-assert to the contract they need.
type anyIndex interface {
	isIndex()
}

func (t *Table) TupleSize() int {
	return tupleHeaderSize + t.schema.RowSize()
}

// Search resolves key against the table's primary-key index and returns a
// CC-visibility-filtered copy of the row through tx, per spec.md §6's
// Table.search(key).
func (t *Table) Search(tx *Txn, key any) (Handle, []byte, error) {
	t.mu.RLock()
	idx, ok := t.indexes[t.primaryKeyCol]
	t.mu.RUnlock()
	if !ok {
		return 0, nil, ErrTupleError
	}

	h, found := lookupIndexKey(idx, key)
	if !found {
		return 0, nil, ErrNotFound
	}
	row, err := tx.Read(t, h)
	if err != nil {
		return 0, nil, err
	}
	return h, row, nil
}

// Range resolves [lo, hi) against the table's ordered index and returns
// every (key, handle) pair currently visible to tx, in ascending order,
// per spec.md §6's Table.range(lo, hi).
func (t *Table) Range(tx *Txn, lo, hi any) ([]KV[any], error) {
	col, ok := t.rangeIndexCol()
	if !ok {
		return nil, ErrTupleError
	}

	t.mu.RLock()
	idx := t.indexes[col]
	t.mu.RUnlock()

	pairs, err := rangeIndexKeys(idx, lo, hi)
	if err != nil {
		return nil, err
	}

	out := make([]KV[any], 0, len(pairs))
	for _, kv := range pairs {
		if _, err := tx.Read(t, kv.Handle); err == nil {
			out = append(out, kv)
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return out, nil
}

// LastIn returns the greatest key in [lo, hi) currently visible to tx, if
// any, per spec.md §6's Table.last_in(lo, hi).
func (t *Table) LastIn(tx *Txn, lo, hi any) (KV[any], bool, error) {
	pairs, err := t.Range(tx, lo, hi)
	if err != nil || len(pairs) == 0 {
		return KV[any]{}, false, err
	}
	return pairs[len(pairs)-1], true, nil
}

// rangeIndexCol returns the column id of the table's range-scannable
// (ordered) index. spec.md §6's range/last_in take no column argument, so
// a table exposing them is assumed to carry exactly one ordered index.
func (t *Table) rangeIndexCol() (int, bool) {
	for colID := range t.schema.Columns {
		if t.schema.Columns[colID].Index == IndexOrdered {
			return colID, true
		}
	}
	return 0, false
}
