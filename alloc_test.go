package pmoltp

import "testing"

// TestLocalAllocatorReusesFreedSlot verifies the freelist is consulted
// before bumping the cursor, per spec.md §4.4's "pop the freelist first."
func TestLocalAllocatorReusesFreedSlot(t *testing.T) {
	cfg := testConfig(t, PolicyOCC)
	db := openTestDB(t, cfg)
	table, err := db.CreateTable("accounts", accountsSchema(), TableOptions{Allocator: AllocLocal})
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	h1, err := table.alloc.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	h2, err := table.alloc.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if h1 == h2 {
		t.Fatal("two consecutive Allocate calls returned the same handle")
	}

	table.alloc.Free(h1)
	h3, err := table.alloc.Allocate()
	if err != nil {
		t.Fatalf("Allocate after Free: %v", err)
	}
	if h3 != h1 {
		t.Errorf("Allocate after Free = %v, want the freed handle %v", h3, h1)
	}
}

// TestLocalAllocatorCrossesPageBoundary forces enough allocations to
// exhaust the first data page's capacity and verifies the allocator
// requests a fresh page rather than overrunning it.
func TestLocalAllocatorCrossesPageBoundary(t *testing.T) {
	cfg := testConfig(t, PolicyOCC)
	cfg.PageSize = 512
	cfg.TupleSize = 64
	db := openTestDB(t, cfg)
	table, err := db.CreateTable("accounts", accountsSchema(), TableOptions{Allocator: AllocLocal})
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	seen := make(map[int64]bool)
	perPage := cfg.PageSize / cfg.TupleSize
	for i := 0; i < perPage+2; i++ {
		h, err := table.alloc.Allocate()
		if err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
		if seen[int64(h)] {
			t.Fatalf("Allocate %d returned a handle already seen: %v", i, h)
		}
		seen[int64(h)] = true
	}

	local, ok := table.alloc.(*localRowAllocator)
	if !ok {
		t.Fatal("table.alloc is not *localRowAllocator")
	}
	if len(local.dir.pageIDs()) < 2 {
		t.Errorf("directory has %d pages after crossing a boundary, want at least 2", len(local.dir.pageIDs()))
	}
}

// TestAppendAllocatorStripesByThread verifies two distinct threads get
// independent cursors landing on different pages for their first
// allocation each, matching allocate_append's per-thread cursors.
func TestAppendAllocatorStripesByThread(t *testing.T) {
	cfg := testConfig(t, PolicyOCC)
	cfg.PageSize = 512
	cfg.TupleSize = 64
	db := openTestDB(t, cfg)
	table, err := db.CreateTable("accounts", accountsSchema(), TableOptions{Allocator: AllocAppend})
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	appender, ok := table.alloc.(*appendRowAllocator)
	if !ok {
		t.Fatal("table.alloc is not *appendRowAllocator")
	}

	h0, err := appender.AllocateAppend(0)
	if err != nil {
		t.Fatalf("AllocateAppend(0): %v", err)
	}
	h1, err := appender.AllocateAppend(1)
	if err != nil {
		t.Fatalf("AllocateAppend(1): %v", err)
	}
	if h0 == h1 {
		t.Error("two different threads' first allocations collided")
	}

	h0b, err := appender.AllocateAppend(0)
	if err != nil {
		t.Fatalf("AllocateAppend(0) second call: %v", err)
	}
	if h0b == h0 {
		t.Error("thread 0's second allocation returned the same handle as its first")
	}
}

// TestAppendAllocatorFreeIsNoop documents that append-mode Free doesn't
// recycle the slot: a subsequent Allocate must not return it.
func TestAppendAllocatorFreeIsNoop(t *testing.T) {
	cfg := testConfig(t, PolicyOCC)
	db := openTestDB(t, cfg)
	table, err := db.CreateTable("accounts", accountsSchema(), TableOptions{Allocator: AllocAppend})
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	h, err := table.alloc.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	table.alloc.Free(h)

	h2, err := table.alloc.Allocate()
	if err != nil {
		t.Fatalf("Allocate after Free: %v", err)
	}
	if h2 == h {
		t.Error("append allocator reused a freed handle, expected tombstone accumulation instead")
	}
}

// TestCentralAllocatorRoundRobinsAcrossTwoPages checks enough allocations
// make both of the allocator's two active pages appear in the directory.
func TestCentralAllocatorRoundRobinsAcrossTwoPages(t *testing.T) {
	cfg := testConfig(t, PolicyOCC)
	cfg.PageSize = 512
	cfg.TupleSize = 64
	db := openTestDB(t, cfg)
	table, err := db.CreateTable("accounts", accountsSchema(), TableOptions{Allocator: AllocCentral})
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	central, ok := table.alloc.(*centralRowAllocator)
	if !ok {
		t.Fatal("table.alloc is not *centralRowAllocator")
	}

	for i := 0; i < 4; i++ {
		if _, err := central.Allocate(); err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
	}
	if central.pages[0] == -1 || central.pages[1] == -1 {
		t.Errorf("expected both round-robin slots populated, got %v", central.pages)
	}
}

// TestCentralAllocatorReusesFreedSlot checks the shared freelist, not
// just the per-slot page cursors.
func TestCentralAllocatorReusesFreedSlot(t *testing.T) {
	cfg := testConfig(t, PolicyOCC)
	db := openTestDB(t, cfg)
	table, err := db.CreateTable("accounts", accountsSchema(), TableOptions{Allocator: AllocCentral})
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	h, err := table.alloc.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	table.alloc.Free(h)

	h2, err := table.alloc.Allocate()
	if err != nil {
		t.Fatalf("Allocate after Free: %v", err)
	}
	if h2 != h {
		t.Errorf("Allocate after Free = %v, want the freed handle %v", h2, h)
	}
}
