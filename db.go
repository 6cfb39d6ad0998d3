// Database: process-wide handle tying C1-C11 together (spec.md §6, §9's
// "Global mutable state ... modeled as a Database context value").
//
// Grounded on the teacher's db.go Open/Close lifecycle (single exclusive
// file lock per process, explicit teardown), generalized from a
// document store handle to the full PM engine: file, bitmap, catalog,
// clock service, CC policy, and one log buffer per worker thread.
package pmoltp

import "fmt"

// TableOptions customizes AddTable/CreateTable beyond the schema itself.
type TableOptions struct {
	Allocator       AllocatorKind
	BufferPoolSlots int // 0 disables the buffer pool for this table
}

// Database is the top-level handle returned by Open.
type Database struct {
	config  Config
	pf      *pmFile
	bitmap  *pageBitmap
	catalog *Catalog
	clock   ClockService
	policy  CCPolicy
	logs    []*walLog
	closed  bool
}

func clockFor(p Policy) ClockService {
	if p == PolicyOCC {
		return newMVCCClock()
	}
	return newTOClock()
}

// Open maps (or creates) the backing file, opens the catalog, selects
// the clock/CC policy pair for cfg.Policy, opens one log buffer per
// worker thread, and — for an existing file — reloads the catalog and
// replays every thread's log before returning.
func Open(cfg Config) (*Database, error) {
	cfg = cfg.withDefaults()

	pf, firstTime, err := openPMFile(cfg)
	if err != nil {
		return nil, err
	}
	if err := pf.lock.Lock(lockExclusive); err != nil {
		pf.close()
		return nil, fmt.Errorf("%w: lock: %v", ErrIO, err)
	}

	bitmapBits := pf.page(bitmapPageID)
	if cfg.MaxPages/8 > len(bitmapBits) {
		pf.lock.Unlock()
		pf.close()
		return nil, fmt.Errorf("%w: bitmap page too small for %d pages", ErrIO, cfg.MaxPages)
	}
	bitmap := newPageBitmap(bitmapBits, cfg.MaxPages)

	catalog, err := openCatalog(pf, firstTime)
	if err != nil {
		pf.lock.Unlock()
		pf.close()
		return nil, err
	}

	db := &Database{
		config:  cfg,
		pf:      pf,
		bitmap:  bitmap,
		catalog: catalog,
		clock:   clockFor(cfg.Policy),
		policy:  policyFor(cfg.Policy),
	}

	db.logs = make([]*walLog, cfg.WorkerThreads)
	for t := 0; t < cfg.WorkerThreads; t++ {
		lg, err := openWALLog(pf, bitmap, catalog, t, cfg.PageSize, archivePathFor(cfg.Path, t))
		if err != nil {
			pf.lock.Unlock()
			pf.close()
			return nil, err
		}
		db.logs[t] = lg
	}

	if !firstTime {
		if err := catalog.Reload(); err != nil {
			pf.lock.Unlock()
			pf.close()
			return nil, err
		}
		if err := recoverDatabase(db); err != nil {
			pf.lock.Unlock()
			pf.close()
			return nil, err
		}
	}

	return db, nil
}

// Close flushes and unmaps the backing file and releases the process
// file lock.
func (db *Database) Close() error {
	if db.closed {
		return nil
	}
	db.closed = true
	if err := db.pf.lock.Unlock(); err != nil {
		return err
	}
	return db.pf.close()
}

// CreateTable allocates a directory page, registers the descriptor in
// the catalog, and wires up the table's allocator, indexes, and optional
// buffer pool.
func (db *Database) CreateTable(name string, schema Schema, opts TableOptions) (*Table, error) {
	if db.closed {
		return nil, ErrClosed
	}
	bit, err := db.bitmap.allocPage()
	if err != nil {
		return nil, err
	}
	rootPage := int64(firstDataPage + bit)

	t, err := db.catalog.AddTable(name, schema, rootPage)
	if err != nil {
		return nil, err
	}
	db.wireTable(t, opts)
	return t, nil
}

func (db *Database) wireTable(t *Table, opts TableOptions) {
	dir := openDirPage(db.pf, t.rootPage)
	tupleSize := t.TupleSize()

	switch opts.Allocator {
	case AllocAppend:
		t.alloc = newAppendRowAllocator(db.pf, db.bitmap, dir, tupleSize, db.config.PageSize, db.config.WorkerThreads)
	case AllocCentral:
		t.alloc = newCentralRowAllocator(db.pf, db.bitmap, dir, tupleSize, db.config.PageSize)
	default:
		t.alloc = newLocalRowAllocator(db.pf, db.bitmap, dir, tupleSize, db.config.PageSize)
	}

	t.mu.Lock()
	for i := range t.schema.Columns {
		if i == t.primaryKeyCol && t.schema.Columns[i].Index == IndexNone {
			t.schema.Columns[i].Index = IndexUnordered
		}
		col := t.schema.Columns[i]
		switch col.Index {
		case IndexUnordered:
			switch col.Type {
			case ColInt64:
				t.indexes[i] = newXsyncIndex[int64](db.config.HashAlgorithm, int64KeyBytes)
			case ColString:
				t.indexes[i] = newXsyncIndex[string](db.config.HashAlgorithm, stringKeyBytes)
			}
		case IndexOrdered:
			switch col.Type {
			case ColInt64:
				t.indexes[i] = newBtreeIndex[int64](func(a, b int64) bool { return a < b })
			case ColString:
				t.indexes[i] = newBtreeIndex[string](func(a, b string) bool { return a < b })
			}
		}
	}
	t.mu.Unlock()

	if opts.BufferPoolSlots > 0 {
		t.pool = newBufferPool(db.pf, tupleSize, opts.BufferPoolSlots, db.config.WorkerThreads)
	}
}

// ArchivedLogPages returns every retired page this thread's log has
// archived, decompressed and in retirement order, for operators auditing
// log history beyond what the live PM chain still holds.
func (db *Database) ArchivedLogPages(thread int) ([][]byte, error) {
	if thread < 0 || thread >= len(db.logs) {
		return nil, fmt.Errorf("%w: thread %d out of range [0,%d)", ErrTupleError, thread, len(db.logs))
	}
	path := archivePathFor(db.config.Path, thread)
	if path == "" {
		return nil, nil
	}
	return readArchivedPages(path, db.config.PageSize)
}

// Rehash migrates every table's unordered-index bloom filter to a new
// hash algorithm and makes it the default for tables wired afterward.
// Adapted from the teacher's Rehash, which recomputes every record's
// content-derived ID under a new algorithm: here the indexed keys are
// schema column values, not derived IDs, so there is nothing to rewrite
// in the index's key space itself, only the bloom filter's hash.
func (db *Database) Rehash(newAlg HashAlgorithm) error {
	if db.closed {
		return ErrClosed
	}
	db.config.HashAlgorithm = newAlg
	for _, t := range db.catalog.allTables() {
		t.mu.RLock()
		for _, idx := range t.indexes {
			if r, ok := idx.(rehashableIndex); ok {
				r.rehashBloom(newAlg)
			}
		}
		t.mu.RUnlock()
	}
	return nil
}

// Table looks up a previously created or reloaded table by name.
func (db *Database) Table(name string) (*Table, bool) {
	return db.catalog.GetTable(name)
}

// Begin starts a read/write transaction bound to the given worker thread.
func (db *Database) Begin(thread int) (*Txn, error) {
	if db.closed {
		return nil, ErrClosed
	}
	if thread < 0 || thread >= len(db.logs) {
		return nil, fmt.Errorf("%w: thread %d out of range [0,%d)", ErrTupleError, thread, len(db.logs))
	}
	return db.begin(thread, false), nil
}

// BeginReadOnly starts a read-only transaction: it still needs a thread
// slot for last_active_ts bookkeeping but never touches the log buffer.
func (db *Database) BeginReadOnly(thread int) (*Txn, error) {
	if db.closed {
		return nil, ErrClosed
	}
	if thread < 0 || thread >= len(db.logs) {
		return nil, fmt.Errorf("%w: thread %d out of range [0,%d)", ErrTupleError, thread, len(db.logs))
	}
	return db.begin(thread, true), nil
}
