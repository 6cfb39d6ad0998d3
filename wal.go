// Transaction log buffer (spec.md §4.9).
//
// One append-mostly ring per worker thread, laid out over a chain of PM
// pages linked by next_page_ptr. A record is `[len:int64][payload]`; the
// region between committed_offset and offset is "prepared" until a
// commit() call catches committed_offset up to offset, optionally
// setting the page's commit flag. Recovery (recovery.go) replays exactly
// the prepared-but-unsettled region of every thread's chain. Grounded on
// mansub1029's undoTx.go Begin/Log/End structure, generalized from a
// single contiguous log to a page-chained ring.
package pmoltp

import (
	"bytes"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
)

type logPageHeader struct {
	Offset          int64
	CommittedOffset int64
	NextPage        int64
	CommitFlag      int64
}

const logHeaderSize = 32

type walLog struct {
	pf       *pmFile
	bitmap   *pageBitmap
	pageSize int
	curPage  int64

	// archivePath, when set, receives a zstd-compressed copy of every log
	// page this thread retires (moves past in Reserve's page-cross), for
	// operator-side diagnostics of log history beyond what the live PM
	// chain still holds. Empty disables archival.
	archivePath string
}

// archivePathFor derives a thread's archive sidecar path from the
// Database's backing file path. Empty basePath (an in-memory-only store
// with no backing file) disables archival entirely.
func archivePathFor(basePath string, thread int) string {
	if basePath == "" {
		return ""
	}
	return fmt.Sprintf("%s.thread%d.wal.zst", basePath, thread)
}

func logPageHeaderOf(pf *pmFile, pageID int64) *logPageHeader {
	return (*logPageHeader)(ptrOf(pf.page(int(pageID))))
}

// openWALLog finds or creates this thread's log chain, positioning
// curPage at the tail (the page whose NextPage is still 0).
func openWALLog(pf *pmFile, bitmap *pageBitmap, cat *Catalog, thread, pageSize int, archivePath string) (*walLog, error) {
	w := &walLog{pf: pf, bitmap: bitmap, pageSize: pageSize, archivePath: archivePath}

	root := cat.logRootFor(thread)
	if root == 0 {
		pid, err := w.newLogPage()
		if err != nil {
			return nil, err
		}
		cat.setLogRootFor(thread, pid)
		w.curPage = pid
		return w, nil
	}

	pid := root
	for {
		hdr := logPageHeaderOf(pf, pid)
		next := atomic.LoadInt64(&hdr.NextPage)
		if next == 0 {
			break
		}
		pid = next
	}
	w.curPage = pid
	return w, nil
}

func (w *walLog) newLogPage() (int64, error) {
	bit, err := w.bitmap.allocPage()
	if err != nil {
		return 0, err
	}
	pid := int64(firstDataPage + bit)
	page := w.pf.page(int(pid))
	hdr := (*logPageHeader)(ptrOf(page))
	hdr.Offset = logHeaderSize
	hdr.CommittedOffset = logHeaderSize
	hdr.NextPage = 0
	hdr.CommitFlag = 0
	if err := w.pf.msync(w.pf.offsetOf(page[:logHeaderSize]), logHeaderSize); err != nil {
		return 0, err
	}
	return pid, nil
}

func (w *walLog) header() *logPageHeader {
	return logPageHeaderOf(w.pf, w.curPage)
}

func (w *walLog) syncHeader() error {
	page := w.pf.page(int(w.curPage))
	return w.pf.msync(w.pf.offsetOf(page[:logHeaderSize]), logHeaderSize)
}

// Begin records the rollback point (the current offset) and clears the
// commit flag, per spec.md §4.9's begin().
func (w *walLog) Begin() (rollbackOffset int64) {
	hdr := w.header()
	atomic.StoreInt64(&hdr.CommitFlag, 0)
	Sfence()
	return atomic.LoadInt64(&hdr.Offset)
}

// Reserve combines alloc(n) and add_delta(n): it returns the file-relative
// address and a writable view of an n-byte payload region, crossing onto
// a freshly allocated page first if the current one cannot hold the
// length prefix plus payload without straddling the boundary.
func (w *walLog) Reserve(n int) (addr int64, payload []byte, err error) {
	hdr := w.header()
	total := int64(8 + n)
	cur := atomic.LoadInt64(&hdr.Offset)

	if cur+total > int64(w.pageSize) {
		retiring := w.curPage
		newPid, err := w.newLogPage()
		if err != nil {
			return 0, nil, err
		}
		atomic.StoreInt64(&hdr.NextPage, newPid)
		if err := w.syncHeader(); err != nil {
			return 0, nil, err
		}
		if err := w.archivePage(retiring); err != nil {
			return 0, nil, err
		}
		w.curPage = newPid
		hdr = w.header()
		cur = logHeaderSize
	}

	page := w.pf.page(int(w.curPage))
	putI64(page[cur:cur+8], int64(n))
	payload = page[cur+8 : cur+8+int64(n)]
	atomic.StoreInt64(&hdr.Offset, cur+total)
	return w.pf.offsetOf(payload), payload, nil
}

// Commit catches committed_offset up to the current offset and, on
// success, sets the page's commit flag. Called on both the commit and
// the abort path — an abort's bytes become settled too, just without the
// flag, since abort() has already restored the tuple via apply_next.
func (w *walLog) Commit(committed bool) error {
	hdr := w.header()
	newOff := atomic.LoadInt64(&hdr.Offset)
	atomic.StoreInt64(&hdr.CommittedOffset, newOff)
	if committed {
		atomic.StoreInt64(&hdr.CommitFlag, 1)
	}
	Sfence()
	return w.syncHeader()
}

// replayLogChain walks one thread's page chain from root in order. For
// every page whose Offset != CommittedOffset, it replays the records in
// [CommittedOffset, Offset) — the window that was still "prepared" at
// crash time — calling delta.rollback with that page's commit flag.
// Length-prefixed records that would have straddled a page boundary were
// never split across pages, so this scan never needs to peek past a
// page's own Offset field.
func replayLogChain(pf *pmFile, tupleSizeForTable func(tableID int64) int, root int64, twoPL bool) (maxTid int64, err error) {
	pid := root
	for pid != 0 {
		page := pf.page(int(pid))
		hdr := (*logPageHeader)(ptrOf(page))
		committed := hdr.CommitFlag != 0

		pos := hdr.CommittedOffset
		for pos < hdr.Offset {
			n := getI64(page[pos : pos+8])
			recPayload := page[pos+8 : pos+8+n]
			d := viewDelta(recPayload)
			if d.hdr.Tid > maxTid {
				maxTid = d.hdr.Tid
			}
			d.rollback(pf, tupleSizeForTable, committed, twoPL)
			pos += 8 + n
		}
		hdr.CommittedOffset = hdr.Offset

		pid = hdr.NextPage
	}
	return maxTid, nil
}

// archivePage appends a zstd-compressed copy of a retired log page to
// this thread's archive file. A no-op when archival is disabled.
func (w *walLog) archivePage(pid int64) error {
	if w.archivePath == "" {
		return nil
	}
	f, err := os.OpenFile(w.archivePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open archive: %v", ErrIO, err)
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("%w: zstd writer: %v", ErrIO, err)
	}
	defer enc.Close()

	if _, err := enc.Write(w.pf.page(int(pid))); err != nil {
		return fmt.Errorf("%w: archive write: %v", ErrIO, err)
	}
	return nil
}

// readArchivedPages decompresses every archived page frame this thread
// has retired, in retirement order, for operator diagnostics (e.g.
// auditing log history beyond what the live PM chain still holds). A
// thread that has not retired any page yet has no archive file and gets
// an empty result.
func readArchivedPages(archivePath string, pageSize int) ([][]byte, error) {
	raw, err := os.ReadFile(archivePath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read archive: %v", ErrIO, err)
	}
	dec, err := zstd.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	defer dec.Close()

	var pages [][]byte
	for {
		buf := make([]byte, pageSize)
		n, err := dec.Read(buf)
		if n == pageSize {
			pages = append(pages, buf)
		} else if n > 0 {
			return pages, fmt.Errorf("%w: short archived page (%d bytes)", ErrDecompress, n)
		}
		if err != nil {
			break
		}
	}
	return pages, nil
}
