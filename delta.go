// Delta (undo/version) records (spec.md §3, §4.5).
//
// A delta is carved out of the committing transaction's log buffer
// reservation (§4.9), so it is durable the instant the log record is
// durable; the tuple's next_delta then points at it. column_offset == 0
// is the spec's sentinel for "full row image" per spec.md §3, which
// means a delta that only patches column 0 is indistinguishable from a
// full-image delta — an accepted ambiguity inherited from the original
// design, harmless because applyNext's two branches copy the same bytes
// either way when column 0 starts at payload offset 0.
package pmoltp

const fullImageColumnOffset = int64(0)

// insertUndoColumnOffset marks a delta written by Txn.Insert rather than
// Txn.Update/Delete: there is no prior column image to restore, only a
// slot to give back, so rollback marks the tuple deleted instead of
// replaying a payload.
const insertUndoColumnOffset = int64(-2)

// deltaHeader precedes the delta's payload bytes in the log buffer.
type deltaHeader struct {
	Tid          int64 // tid of the version this delta restores
	NextDelta    int64 // the tuple's next_delta value before this delta was chained in
	TupleOffset  int64 // back-pointer to the owning tuple
	TableID      int64
	ColumnOffset int64
	PayloadLen   int64
}

const deltaHeaderSize = 48

// deltaView is a live pointer into a delta record previously written into
// a log buffer reservation.
type deltaView struct {
	hdr     *deltaHeader
	payload []byte
}

// readDeltaAt reads a delta record living at file-relative offset off
// whose total length isn't already known to the caller (unlike the log
// scan in wal.go, which gets the length from its record framing): it
// reads just the header first, then re-slices to the header's own
// PayloadLen.
func readDeltaAt(pf *pmFile, off int64) deltaView {
	hdr := (*deltaHeader)(ptrOf(pf.at(off, deltaHeaderSize)))
	full := pf.at(off, deltaHeaderSize+int(hdr.PayloadLen))
	return viewDelta(full)
}

func viewDelta(b []byte) deltaView {
	hdr := (*deltaHeader)(ptrOf(b))
	return deltaView{hdr: hdr, payload: b[deltaHeaderSize : deltaHeaderSize+int(hdr.PayloadLen)]}
}

// writeDelta formats a new delta record into b, which must be at least
// deltaHeaderSize+len(oldBytes) long (a log buffer reservation from
// C9's alloc). Returns the view over the now-populated record.
func writeDelta(b []byte, tid, prevNext, tupleOffset, tableID, columnOffset int64, oldBytes []byte) deltaView {
	hdr := (*deltaHeader)(ptrOf(b))
	hdr.Tid = tid
	hdr.NextDelta = prevNext
	hdr.TupleOffset = tupleOffset
	hdr.TableID = tableID
	hdr.ColumnOffset = columnOffset
	hdr.PayloadLen = int64(len(oldBytes))
	copy(b[deltaHeaderSize:deltaHeaderSize+len(oldBytes)], oldBytes)
	return deltaView{hdr: hdr, payload: b[deltaHeaderSize : deltaHeaderSize+len(oldBytes)]}
}

// rollback undoes or finalizes a single delta record found during
// recovery's scan of the (committed_offset, offset) region of a log page
// (spec.md §4.9). If the owning transaction's commit flag was not set,
// an update/delete delta's prior bytes are re-applied to the tuple (the
// write never committed) and a delete delta (full-image offset, empty
// payload) also clears the delete flag, while an insert delta instead marks the tuple
// deleted — it was never anyone else's committed row, so recovery's
// table rescan must skip it and hand its slot back to the allocator
// rather than resurrecting it as live. If the commit flag was set, the
// tuple merely has its lock word cleared, since the in-place change
// already completed before the crash. twoPL additionally clears 2PL's
// write-lock bit regardless of commit status, since that bit is pure
// ephemeral lock state that must never survive a restart.
func (d deltaView) rollback(pf *pmFile, tupleSizeForTable func(tableID int64) int, committed, twoPL bool) {
	t := viewTuple(pf, d.hdr.TupleOffset, tupleSizeForTable(d.hdr.TableID))
	if !committed {
		if d.hdr.ColumnOffset == insertUndoColumnOffset {
			t.setDeleted(true)
		} else {
			if d.hdr.ColumnOffset == fullImageColumnOffset && d.hdr.PayloadLen == 0 {
				t.setDeleted(false)
			}
			t.applyNext(d)
		}
	}
	t.unlock()
	if twoPL {
		t.clearWriteBit()
	}
}
