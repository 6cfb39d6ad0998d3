// Configuration for opening a Database.
//
// All fields are startup-time only, mirroring the teacher's Config struct
// (folio.Config) which is filled in with defaults inside Open. There is no
// runtime reconfiguration, per spec.md §6.
package pmoltp

// Policy selects the concurrency control protocol. Chosen at Open time and
// fixed for the life of the Database — spec.md §9 calls mixing policies out
// of scope, so this is validated once and never touched again.
type Policy int

const (
	// PolicyOCC is optimistic concurrency control with clog-based MVCC:
	// writes are deferred to the write set and published at commit,
	// validated against the commit log and the read set.
	PolicyOCC Policy = iota
	// PolicyTO is timestamp ordering: every tuple carries a read_ts
	// alongside tid; writers must dominate both.
	PolicyTO
	// Policy2PL is two-phase locking: reads fetch-add a reader counter,
	// writes CAS the counter to a write-locked state.
	Policy2PL
)

func (p Policy) String() string {
	switch p {
	case PolicyOCC:
		return "OCC"
	case PolicyTO:
		return "TO"
	case Policy2PL:
		return "2PL"
	default:
		return "unknown"
	}
}

// HashAlgorithm selects the digest the unordered indexes' bloom filters
// hash keys with. Nothing else in the engine hashes through it.
type HashAlgorithm int

const (
	// AlgXXHash3 is the default: fastest, good distribution.
	AlgXXHash3 HashAlgorithm = iota + 1
	// AlgFNV1a has no external dependency.
	AlgFNV1a
	// AlgBlake2b gives the best distribution at a speed cost.
	AlgBlake2b
)

// AllocatorKind selects which of the three C4 tuple allocator variants a
// table uses. Fixed per table at creation time.
type AllocatorKind int

const (
	// AllocLocal is a bump allocator with a freelist; the default, and
	// the right choice for most workloads. It keeps one cursor and one
	// freelist per table, shared by all threads under a mutex; it has no
	// per-thread cursor.
	AllocLocal AllocatorKind = iota
	// AllocAppend stripes pages across threads with no shared freelist,
	// for insert-heavy/delete-light load phases.
	AllocAppend
	// AllocCentral keeps two shared pages round-robin with one shared
	// freelist, trading contention for simpler bookkeeping.
	AllocCentral
)

const (
	defaultPageSize       = 64 * 1024
	defaultMaxPages       = 1 << 16
	defaultTupleSize      = 256
	defaultWorkerThreads  = 1
	defaultBufferPoolSize = 0 // disabled
	defaultSmallLogPages  = 4
	defaultLargeLogPages  = 64
)

// Config holds Database configuration. Zero-valued fields are defaulted by
// Open exactly as folio.Open defaults Config.HashAlgorithm/ReadBuffer.
type Config struct {
	Path string // backing file path

	PageSize      int // bytes per PM page
	MaxPages      int // total pages reserved in the backing file
	TupleSize     int // tuple size recovery assumes for a log record whose table id is unknown; a table's own slot size is the tuple header plus its schema's row width
	WorkerThreads int // number of per-thread log buffers / thread slots

	Policy        Policy
	HashAlgorithm HashAlgorithm

	BufferPoolSlots int // not read by Open or CreateTable; a table's pool is sized by TableOptions.BufferPoolSlots

	// SyncWrites mirrors folio.Config.SyncWrites but is not read anywhere:
	// setting it changes nothing. The WAL commit protocol fences and
	// flushes the touched ranges in every configuration.
	SyncWrites bool
}

func (c Config) withDefaults() Config {
	if c.PageSize == 0 {
		c.PageSize = defaultPageSize
	}
	if c.MaxPages == 0 {
		c.MaxPages = defaultMaxPages
	}
	if c.TupleSize == 0 {
		c.TupleSize = defaultTupleSize
	}
	if c.WorkerThreads == 0 {
		c.WorkerThreads = defaultWorkerThreads
	}
	if c.HashAlgorithm == 0 {
		c.HashAlgorithm = AlgXXHash3
	}
	return c
}
