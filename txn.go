// Transaction engine (spec.md §4.10).
//
// One Txn is bound to exactly one worker thread and its log buffer; it
// never crosses goroutines. Grounded on the teacher's write.go (prepare
// then publish staging) and mansub1029's undoTx.go (Begin/Log/End
// shape), generalized from document-level writes to column-level tuple
// updates under a pluggable CCPolicy.
package pmoltp

import (
	"sync/atomic"
)

const deleteColumnSentinel = -1

type writeEntry struct {
	table        *Table
	handle       Handle
	columnOffset int
	newBytes     []byte
	isInsert     bool
	isDelete     bool
	observedTid  int64

	// published and deltaAddr track whether this entry's undo delta has
	// already been written and its bytes applied — eagerly in Update for
	// TO/2PL, or deferred to Commit's publish loop for OCC. Either way it
	// happens exactly once, and deltaAddr lets rollbackWrites re-read the
	// exact delta it wrote to undo a live abort the same way recovery
	// undoes a crash.
	published bool
	deltaAddr int64
}

type readEntry struct {
	table       *Table
	handle      Handle
	observedTid int64
}

// Txn holds one transaction's read/write sets and snapshot.
type Txn struct {
	db       *Database
	tid      int64
	thread   int
	snap     Snapshot
	readOnly bool

	policy CCPolicy
	log    *walLog

	reads  []readEntry
	writes []writeEntry
	hot    *hotTupleCache

	minActiveTS     int64
	minActiveSince  int64
	done            bool
}

const minActiveRefreshThreshold = 64

// begin acquires a tid, snapshots the clock, and publishes
// last_active_ts[thread], per spec.md §4.10.
func (db *Database) begin(thread int, readOnly bool) *Txn {
	tid := db.clock.NewTxn(thread)
	tx := &Txn{
		db:          db,
		tid:         tid,
		thread:      thread,
		snap:        db.clock.Snapshot(),
		readOnly:    readOnly,
		policy:      db.policy,
		log:         db.logs[thread],
		hot:         newHotTupleCache(),
		minActiveTS: db.catalog.minActiveTS(),
	}
	db.catalog.setLastActiveTS(thread, tid)
	if !readOnly {
		tx.log.Begin()
	}
	return tx
}

func (tx *Txn) refreshMinActive() {
	if tx.tid-tx.minActiveSince > minActiveRefreshThreshold {
		tx.minActiveTS = tx.db.catalog.minActiveTS()
		tx.minActiveSince = tx.tid
	}
}

// Insert checks the primary key for a duplicate, allocates a slot via C4,
// logs an undo record so a crash before commit can be told apart from a
// committed insert, writes the fresh tuple owned by this transaction,
// installs it into every index the table maintains, and records the
// write set entry. The tuple is flushed later, in Commit's publish loop.
func (tx *Txn) Insert(table *Table, row []byte) (Handle, error) {
	if len(row) != table.schema.RowSize() {
		return 0, ErrTupleError
	}

	table.mu.RLock()
	pkIdx, hasPK := table.indexes[table.primaryKeyCol]
	table.mu.RUnlock()
	if hasPK && keyExistsInIndex(pkIdx, table.schema, table.primaryKeyCol, row, func(old Handle) bool {
		return !viewTuple(tx.db.pf, old.Offset(), table.TupleSize()).isDeleted()
	}) {
		return 0, ErrExist
	}

	var h Handle
	var err error
	if ta, ok := table.alloc.(threadAwareAllocator); ok {
		h, err = ta.AllocateAppend(tx.thread)
	} else {
		h, err = table.alloc.Allocate()
	}
	if err != nil {
		return 0, err
	}

	view := viewTuple(tx.db.pf, h.Offset(), table.TupleSize())

	deltaAddr, region, err := tx.log.Reserve(deltaHeaderSize)
	if err != nil {
		table.alloc.Free(h)
		return 0, err
	}
	writeDelta(region, 0, 0, h.Offset(), int64(table.id), insertUndoColumnOffset, nil)
	Sfence()

	view.hdr.Tid = tx.tid
	view.hdr.LockTid = tx.tid
	view.hdr.NextDelta = 0
	view.hdr.ReadTS = 0
	view.hdr.DeleteFlag = 0
	copy(view.payload, row)

	table.mu.RLock()
	for colID, idx := range table.indexes {
		insertIntoIndex(idx, table.schema, colID, row, h)
	}
	table.mu.RUnlock()

	tx.writes = append(tx.writes, writeEntry{
		table: table, handle: h, isInsert: true, newBytes: row, deltaAddr: deltaAddr,
	})
	return h, nil
}

// Read returns a header-consistent, visibility-filtered copy of the
// tuple's current payload, walking the delta chain if the latest version
// isn't visible, and overlaying any same-transaction write.
func (tx *Txn) Read(table *Table, h Handle) ([]byte, error) {
	tx.refreshMinActive()
	size := table.TupleSize()
	view := viewTuple(tx.db.pf, h.Offset(), size)

	if err := tx.policy.OnRead(view, tx.tid); err != nil {
		return nil, ErrWrap(err)
	}

	out := make([]byte, size-tupleHeaderSize)
	hdr := view.readHeader(out)
	if hdr.DeleteFlag&deleteFlagDeleted != 0 && hdr.Tid != tx.tid {
		return nil, ErrNotFound
	}

	for hdr.Tid != tx.tid && !tx.db.clock.Access(hdr.Tid, tx.tid, tx.minActiveTS, tx.snap) {
		if hdr.NextDelta == 0 {
			return nil, ErrNotFound
		}
		d := readDeltaAt(tx.db.pf, hdr.NextDelta)
		if d.hdr.ColumnOffset == fullImageColumnOffset {
			copy(out, d.payload)
		} else {
			copy(out[d.hdr.ColumnOffset:], d.payload)
		}
		hdr = snapshotHeader{Tid: d.hdr.Tid, NextDelta: d.hdr.NextDelta, DeleteFlag: hdr.DeleteFlag, LockTid: hdr.LockTid}
	}

	for _, w := range tx.writes {
		if w.handle == h && !w.isInsert && !w.isDelete {
			copy(out[w.columnOffset:], w.newBytes)
		}
	}

	tx.reads = append(tx.reads, readEntry{table: table, handle: h, observedTid: hdr.Tid})
	return out, nil
}

// Update stages (OCC) or eagerly applies (TO/2PL) a column-level write,
// per spec.md §4.10's update(). TO/2PL apply eagerly but through the same
// writeVersion sequence Commit's publish uses for OCC: the undo delta is
// durable and the tuple's tid/next_delta are relinked to it before the
// new bytes ever land, so a concurrent reader whose snapshot predates
// this write still walks the delta chain to the untouched pre-image
// instead of observing mid-flight bytes under a stale-looking tid, and a
// crash before commit leaves a durable undo record to replay.
func (tx *Txn) Update(table *Table, h Handle, columnOffset int, data []byte) error {
	view := viewTuple(tx.db.pf, h.Offset(), table.TupleSize())

	if !tx.holdsLock(h) {
		if err := tx.policy.OnWrite(view, tx.tid); err != nil {
			return ErrWrap(err)
		}
	}

	observed := atomic.LoadInt64(&view.hdr.Tid)
	entry := writeEntry{
		table: table, handle: h, columnOffset: columnOffset, newBytes: append([]byte(nil), data...),
		observedTid: observed,
	}

	if tx.db.config.Policy != PolicyOCC {
		deltaAddr, err := tx.writeVersion(&entry)
		if err != nil {
			return err
		}
		entry.published = true
		entry.deltaAddr = deltaAddr
		if tx.hot.touch(h.Offset()) {
			tx.db.pf.Clwb(h.Offset(), table.TupleSize())
		}
	}
	tx.writes = append(tx.writes, entry)
	return nil
}

func (tx *Txn) holdsLock(h Handle) bool {
	for _, w := range tx.writes {
		if w.handle == h {
			return true
		}
	}
	return false
}

// Delete stages a logical delete; columnOffset is the sentinel meaning
// "delete flag" per spec.md §4.10.
func (tx *Txn) Delete(table *Table, h Handle) error {
	view := viewTuple(tx.db.pf, h.Offset(), table.TupleSize())
	if err := tx.policy.OnWrite(view, tx.tid); err != nil {
		return ErrWrap(err)
	}
	tx.writes = append(tx.writes, writeEntry{
		table: table, handle: h, columnOffset: deleteColumnSentinel, isDelete: true,
		observedTid: atomic.LoadInt64(&view.hdr.Tid),
	})
	return nil
}

// Commit attempts the CC pre-commit action for each write, revalidates
// the read set, and on success publishes every delta and releases locks.
func (tx *Txn) Commit() error {
	if tx.done {
		return nil
	}
	defer func() { tx.done = true }()

	for i := range tx.writes {
		w := &tx.writes[i]
		if w.isInsert {
			continue
		}
		view := viewTuple(tx.db.pf, w.handle.Offset(), w.table.TupleSize())
		if err := tx.policy.PreCommitWrite(view, tx.tid, w.observedTid); err != nil {
			tx.rollbackWrites(i)
			tx.releaseReads()
			if !tx.readOnly {
				tx.log.Commit(false)
			}
			tx.db.clock.FinishTxn(tx.tid, false)
			return ErrWrap(err)
		}
	}

	if err := tx.policy.ValidateReads(tx); err != nil {
		tx.rollbackWrites(len(tx.writes))
		tx.releaseReads()
		if !tx.readOnly {
			tx.log.Commit(false)
		}
		tx.db.clock.FinishTxn(tx.tid, false)
		return ErrWrap(err)
	}

	for i := range tx.writes {
		w := &tx.writes[i]
		if w.isInsert {
			// Insert already wrote its tuple and undo delta when the
			// transaction called Insert; commit's job is only to make
			// that tuple durable now that it's known to have committed.
			tx.db.pf.Clwb(w.handle.Offset(), w.table.TupleSize())
			continue
		}
		if w.published {
			// TO/2PL already ran writeVersion eagerly in Update.
			continue
		}
		if err := tx.publish(w); err != nil {
			return err
		}
	}

	tx.releaseReads()
	for _, w := range tx.writes {
		view := viewTuple(tx.db.pf, w.handle.Offset(), w.table.TupleSize())
		if w.isInsert {
			// Insert always locks via lock_tid directly (see Insert),
			// regardless of which CCPolicy is active, so it is released
			// the same way here rather than through ReleaseWrite.
			view.unlock()
			continue
		}
		tx.policy.ReleaseWrite(view)
	}

	if !tx.readOnly {
		if err := tx.log.Commit(true); err != nil {
			return err
		}
	}
	tx.db.clock.FinishTxn(tx.tid, true)
	tx.db.catalog.setLastActiveTS(tx.thread, tx.tid)
	return nil
}

// writeVersion runs spec.md §4.5's 4-step write sequence: read the
// current bytes as the pre-image, write them into a durable undo delta,
// fence, relink the tuple's next_delta/tid to the fresh delta, then apply
// the new bytes (or set the delete flag). Returns the delta's log address, which
// both publish (OCC, at commit) and Update (TO/2PL, eagerly) use to let
// a live rollback re-read the exact bytes this write captured. Does not
// flush; callers decide when the cacheline writeback happens.
func (tx *Txn) writeVersion(w *writeEntry) (int64, error) {
	view := viewTuple(tx.db.pf, w.handle.Offset(), w.table.TupleSize())

	colOff := w.columnOffset
	var oldBytes []byte
	if !w.isDelete {
		oldBytes = make([]byte, len(w.newBytes))
		copy(oldBytes, view.payload[colOff:colOff+len(w.newBytes)])
	}

	prevNext := atomic.LoadInt64(&view.hdr.NextDelta)
	reservedOff := fullImageColumnOffset
	if !w.isDelete {
		reservedOff = int64(colOff)
	}

	deltaAddr, region, err := tx.log.Reserve(deltaHeaderSize + len(oldBytes))
	if err != nil {
		return 0, err
	}
	writeDelta(region, w.observedTid, prevNext, w.handle.Offset(), int64(w.table.id), reservedOff, oldBytes)
	Sfence()

	view.setTsAndNext(tx.tid, deltaAddr)
	if w.isDelete {
		view.setDeleted(true)
	} else {
		view.updateData(colOff, w.newBytes)
	}
	return deltaAddr, nil
}

// publish is writeVersion plus the flush, for OCC writes which defer
// everything to commit time.
func (tx *Txn) publish(w *writeEntry) error {
	deltaAddr, err := tx.writeVersion(w)
	if err != nil {
		return err
	}
	w.published = true
	w.deltaAddr = deltaAddr
	tx.db.pf.Clwb(w.handle.Offset(), w.table.TupleSize())
	return nil
}

// rollbackWrites restores every write whose pre-commit succeeded (the
// first n writes): an insert gives its slot back to the allocator and
// removes itself from every index, since it was never made visible to
// any other transaction; a write already published (TO/2PL's eager
// apply) is undone by re-reading its own durable delta and replaying it
// in place, the same mechanism recovery uses for a crash; every write's
// lock is released. OCC non-insert writes never touched the tuple before
// commit, so there is nothing to restore for them.
func (tx *Txn) rollbackWrites(n int) {
	for i := 0; i < n; i++ {
		w := tx.writes[i]
		view := viewTuple(tx.db.pf, w.handle.Offset(), w.table.TupleSize())
		if w.isInsert {
			view.unlock()
			w.table.alloc.Free(w.handle)
			w.table.mu.RLock()
			for colID, idx := range w.table.indexes {
				removeFromIndex(idx, w.table.schema, colID, w.newBytes)
			}
			w.table.mu.RUnlock()
			continue
		}
		if w.published {
			d := readDeltaAt(tx.db.pf, w.deltaAddr)
			view.applyNext(d)
		}
		tx.policy.ReleaseWrite(view)
	}
}

// Abort restores every pre-committed write and closes the log buffer
// without setting the commit flag. Idempotent.
func (tx *Txn) Abort() error {
	if tx.done {
		return nil
	}
	defer func() { tx.done = true }()

	tx.rollbackWrites(len(tx.writes))
	tx.releaseReads()
	if !tx.readOnly {
		if err := tx.log.Commit(false); err != nil {
			return err
		}
	}
	tx.db.clock.FinishTxn(tx.tid, false)
	return nil
}

// releaseReads undoes OnRead's bookkeeping for every tuple this
// transaction read, on any exit path (commit, abort, or a failed
// pre-commit/validation that aborts in place).
func (tx *Txn) releaseReads() {
	for _, r := range tx.reads {
		view := viewTuple(tx.db.pf, r.handle.Offset(), r.table.TupleSize())
		tx.policy.ReleaseRead(view)
	}
}

// ErrWrap returns err unchanged. A *ConflictError already unwraps to
// ErrTxConflict, so callers can test it with errors.Is(err, ErrTxConflict).
func ErrWrap(err error) error { return err }

// keyExistsInIndex reports whether row's column colID already resolves to
// a handle in idx whose tuple live reports as not deleted, used by Insert
// to reject a duplicate primary key before it silently overwrites the
// existing mapping. A key whose entry points at a deleted tuple counts as
// absent, so Insert replaces that entry.
func keyExistsInIndex(idx anyIndex, schema Schema, colID int, row []byte, live func(Handle) bool) bool {
	col := schema.Columns[colID]
	off := schema.Offset(colID)
	switch col.Type {
	case ColInt64:
		key := int64(getI64(row[off : off+8]))
		if x, ok := idx.(UnorderedIndex[int64]); ok {
			h, found := x.Get(key)
			return found && live(h)
		}
		if x, ok := idx.(OrderedIndex[int64]); ok {
			h, found := x.Get(key)
			return found && live(h)
		}
	case ColString:
		key := string(row[off : off+col.Len])
		if x, ok := idx.(UnorderedIndex[string]); ok {
			h, found := x.Get(key)
			return found && live(h)
		}
		if x, ok := idx.(OrderedIndex[string]); ok {
			h, found := x.Get(key)
			return found && live(h)
		}
	}
	return false
}

// removeFromIndex undoes insertIntoIndex, used to unwind an aborted
// Insert's index entries so a later Insert of the same key doesn't find
// a phantom duplicate.
func removeFromIndex(idx anyIndex, schema Schema, colID int, row []byte) {
	col := schema.Columns[colID]
	off := schema.Offset(colID)
	switch col.Type {
	case ColInt64:
		key := int64(getI64(row[off : off+8]))
		if x, ok := idx.(UnorderedIndex[int64]); ok {
			x.Remove(key)
			return
		}
		if x, ok := idx.(OrderedIndex[int64]); ok {
			x.Remove(key)
		}
	case ColString:
		key := string(row[off : off+col.Len])
		if x, ok := idx.(UnorderedIndex[string]); ok {
			x.Remove(key)
			return
		}
		if x, ok := idx.(OrderedIndex[string]); ok {
			x.Remove(key)
		}
	}
}

func insertIntoIndex(idx anyIndex, schema Schema, colID int, row []byte, h Handle) {
	col := schema.Columns[colID]
	off := schema.Offset(colID)
	switch col.Type {
	case ColInt64:
		if x, ok := idx.(UnorderedIndex[int64]); ok {
			x.Insert(int64(getI64(row[off:off+8])), h)
			return
		}
		if x, ok := idx.(OrderedIndex[int64]); ok {
			x.Insert(int64(getI64(row[off:off+8])), h)
		}
	case ColString:
		s := string(row[off : off+col.Len])
		if x, ok := idx.(UnorderedIndex[string]); ok {
			x.Insert(s, h)
			return
		}
		if x, ok := idx.(OrderedIndex[string]); ok {
			x.Insert(s, h)
		}
	}
}
