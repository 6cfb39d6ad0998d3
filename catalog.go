// Catalog and per-thread state (spec.md §4.3, §6).
//
// The catalog lives entirely on the root/catalog page (page id 1) in the
// fixed layout `[per-thread log root][per-thread last_active_ts][variable-
// length descriptor table]`, mirroring the external-interface contract in
// spec.md §6 bit-exactly so that Reload can reconstruct the same Table
// set from an existing file. Grounded on the teacher's db.go header
// parsing (fixed offsets read back on reopen) and catalog.rs's descriptor
// scan from original_source for reload semantics.
package pmoltp

import (
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	maxThreadSlots  = 256
	maxDescriptors  = 512
	maxTableNameLen = 15
)

// descHeader is the best-fit slot header from spec.md §4.3: freeSize == 0
// marks the slot occupied; otherwise it records how much of Capacity
// remains unused within this slot's data region.
type descHeader struct {
	DataOffset int64
	Capacity   int64
	FreeSize   int64
}

func catalogHeaderBytes() int {
	return maxThreadSlots*8*2 + maxDescriptors*int(elemSize[descHeader]())
}

// Catalog owns the name -> Table map and the per-thread log-root /
// last-active-timestamp slots used by the snapshot service and recovery.
type Catalog struct {
	pf   *pmFile
	page []byte

	logRoot      Array[int64]
	lastActiveTS Array[int64]
	descHeaders  Array[descHeader]
	descArea     []byte
	descAreaOff  int64

	mu          sync.RWMutex
	tables      map[string]*Table
	nextTableID uint32
}

// openCatalog maps the Catalog views over the catalog page. On a freshly
// created file every descriptor slot's FreeSize equals its Capacity; on
// an existing file reload() must be called separately to rebuild tables.
func openCatalog(pf *pmFile, firstTime bool) (*Catalog, error) {
	page := pf.page(catalogPageID)
	hdrBytes := catalogHeaderBytes()
	if hdrBytes > len(page) {
		return nil, fmt.Errorf("%w: catalog page too small for fixed header layout", ErrIO)
	}

	c := &Catalog{
		pf:     pf,
		page:   page,
		tables: make(map[string]*Table),
	}

	off := 0
	c.logRoot = NewArray[int64](page[off : off+maxThreadSlots*8])
	off += maxThreadSlots * 8
	c.lastActiveTS = NewArray[int64](page[off : off+maxThreadSlots*8])
	off += maxThreadSlots * 8
	descHdrBytes := maxDescriptors * elemSize[descHeader]()
	c.descHeaders = NewArray[descHeader](page[off : off+descHdrBytes])
	off += descHdrBytes
	c.descArea = page[off:]
	c.descAreaOff = int64(off)

	if firstTime {
		slotCap := int64(len(c.descArea) / maxDescriptors)
		for i := 0; i < maxDescriptors; i++ {
			h := c.descHeaders.At(i)
			h.DataOffset = int64(i) * slotCap
			h.Capacity = slotCap
			h.FreeSize = slotCap
		}
		if err := pf.msync(pf.offsetOf(page), len(page)); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ---- per-thread state (spec.md §4.3, §4.10) ----

func (c *Catalog) logRootFor(thread int) int64 {
	return atomic.LoadInt64(c.logRoot.At(thread))
}

func (c *Catalog) setLogRootFor(thread int, addr int64) {
	atomic.StoreInt64(c.logRoot.At(thread), addr)
}

// lastActiveTS is written with release semantics (a plain atomic store
// suffices on Go's memory model) and read with acquire loads, so
// minActiveTS() below is always a conservative lower bound per spec.md §5.
func (c *Catalog) setLastActiveTS(thread int, ts int64) {
	atomic.StoreInt64(c.lastActiveTS.At(thread), ts)
}

// minActiveTS returns the minimum last_active_ts across all thread slots,
// used by the buffer pool and MVCC visibility check to know which tuple
// versions may still be observed by some in-flight reader.
func (c *Catalog) minActiveTS() int64 {
	min := int64(-1)
	for i := 0; i < maxThreadSlots; i++ {
		ts := atomic.LoadInt64(c.lastActiveTS.At(i))
		if ts == 0 {
			continue
		}
		if min == -1 || ts < min {
			min = ts
		}
	}
	if min == -1 {
		return 0
	}
	return min
}

// ---- descriptor table (add_table / reload) ----

const descFixedFields = 4 /*id*/ + maxTableNameLen + 1 /*nameLen*/ + 8 /*tableRoot*/ + 4 /*schemaLen*/

// AddTable allocates a best-fit descriptor slot, persists {id, name,
// tableRoot, schema}, and installs the Table into the in-memory map.
// Returns ErrExist if the name is already registered and ErrNoSpace if no
// descriptor slot is large enough.
func (c *Catalog) AddTable(name string, schema Schema, rootPage int64) (*Table, error) {
	if len(name) > maxTableNameLen {
		return nil, fmt.Errorf("%w: table name %q exceeds %d bytes", ErrTupleError, name, maxTableNameLen)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.tables[name]; ok {
		return nil, ErrExist
	}

	encoded := schema.Encode()
	need := int64(descFixedFields + len(encoded))

	slot := -1
	bestFree := int64(-1)
	for i := 0; i < maxDescriptors; i++ {
		h := c.descHeaders.At(i)
		if h.FreeSize < need {
			continue
		}
		if bestFree == -1 || h.FreeSize < bestFree {
			bestFree = h.FreeSize
			slot = i
		}
	}
	if slot == -1 {
		return nil, ErrNoSpace
	}

	h := c.descHeaders.At(slot)
	rec := c.descArea[h.DataOffset : h.DataOffset+need]

	id := c.nextTableID
	c.nextTableID++

	putU32(rec[0:4], id)
	rec[4] = byte(len(name))
	copy(rec[5:5+maxTableNameLen], name)
	putI64(rec[5+maxTableNameLen:13+maxTableNameLen], rootPage)
	putU32(rec[13+maxTableNameLen:17+maxTableNameLen], uint32(len(encoded)))
	copy(rec[descFixedFields:], encoded)

	h.FreeSize = 0

	if err := c.pf.msync(c.descAreaOff+h.DataOffset, int(need)); err != nil {
		return nil, err
	}
	if err := c.pf.msync(c.descHeaders.Offset(c.pf, slot), elemSize[descHeader]()); err != nil {
		return nil, err
	}

	t := &Table{
		id:            id,
		name:          name,
		schema:        schema,
		rootPage:      rootPage,
		indexes:       make(map[int]anyIndex),
		primaryKeyCol: schema.PrimaryKey,
	}
	c.tables[name] = t
	return t, nil
}

// GetTable looks up a previously added or reloaded table by name.
func (c *Catalog) GetTable(name string) (*Table, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[name]
	return t, ok
}

// allTables returns every registered Table, used by recovery to wire and
// rescan each one in turn.
func (c *Catalog) allTables() []*Table {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Table, 0, len(c.tables))
	for _, t := range c.tables {
		out = append(out, t)
	}
	return out
}

// Reload rescans every occupied descriptor slot (FreeSize == 0) and
// rebuilds the in-memory Table set. Index contents are repopulated
// separately by the recovery path, which walks each table's row pages.
func (c *Catalog) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tables = make(map[string]*Table)
	var maxID uint32
	for i := 0; i < maxDescriptors; i++ {
		h := c.descHeaders.At(i)
		if h.FreeSize != 0 {
			continue
		}
		rec := c.descArea[h.DataOffset:]
		if len(rec) < descFixedFields {
			return fmt.Errorf("%w: descriptor slot %d truncated", ErrTupleError, i)
		}
		id := getU32(rec[0:4])
		nameLen := int(rec[4])
		if nameLen > maxTableNameLen {
			return fmt.Errorf("%w: descriptor slot %d corrupt name length", ErrTupleError, i)
		}
		name := string(rec[5 : 5+nameLen])
		rootPage := getI64(rec[5+maxTableNameLen : 13+maxTableNameLen])
		schemaLen := int(getU32(rec[13+maxTableNameLen : 17+maxTableNameLen]))
		schemaBytes := rec[descFixedFields : descFixedFields+schemaLen]

		schema, err := DecodeSchema(schemaBytes)
		if err != nil {
			return fmt.Errorf("schema parse mismatch for table %q: %w", name, err)
		}

		c.tables[name] = &Table{
			id:            id,
			name:          name,
			schema:        schema,
			rootPage:      rootPage,
			indexes:       make(map[int]anyIndex),
			primaryKeyCol: schema.PrimaryKey,
		}
		if id >= maxID {
			maxID = id + 1
		}
	}
	c.nextTableID = maxID
	return nil
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putI64(b []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (8 * i))
	}
}

func getI64(b []byte) int64 {
	var u uint64
	for i := 0; i < 8; i++ {
		u |= uint64(b[i]) << (8 * i)
	}
	return int64(u)
}
