// Table.Search/Range/LastIn (spec.md §6) and Insert's duplicate-key and
// crash-durability behavior.
package pmoltp

import "testing"

func ordersSchema() Schema {
	return Schema{
		Columns: []Column{
			{Name: "id", Type: ColInt64, Index: IndexUnordered},
			{Name: "amount", Type: ColInt64, Index: IndexOrdered},
		},
		PrimaryKey: 0,
	}
}

func TestTableSearchFindsCommittedRow(t *testing.T) {
	cfg := testConfig(t, PolicyOCC)
	db := openTestDB(t, cfg)
	table, _ := db.CreateTable("accounts", accountsSchema(), TableOptions{})

	seed, _ := db.Begin(0)
	if _, err := seed.Insert(table, putRow(258, 100)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := seed.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx, _ := db.Begin(1)
	h, row, err := table.Search(tx, int64(258))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got := getI64(row[8:16]); got != 100 {
		t.Errorf("balance = %d, want 100", got)
	}

	if err := tx.Update(table, h, 8, encodeI64(5)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2, _ := db.BeginReadOnly(1)
	if _, err := tx2.Read(table, h); err != nil {
		t.Fatalf("Read after update: %v", err)
	}
	_, row2, err := table.Search(tx2, int64(258))
	if err != nil {
		t.Fatalf("Search after update: %v", err)
	}
	if got := getI64(row2[8:16]); got != 5 {
		t.Errorf("balance after update = %d, want 5", got)
	}
}

func TestTableSearchMissingKeyReturnsNotFound(t *testing.T) {
	cfg := testConfig(t, PolicyOCC)
	db := openTestDB(t, cfg)
	table, _ := db.CreateTable("accounts", accountsSchema(), TableOptions{})

	tx, _ := db.BeginReadOnly(0)
	if _, _, err := table.Search(tx, int64(999)); err != ErrNotFound {
		t.Errorf("Search on missing key = %v, want ErrNotFound", err)
	}
}

func TestTableRangeAndLastIn(t *testing.T) {
	cfg := testConfig(t, PolicyOCC)
	db := openTestDB(t, cfg)
	table, err := db.CreateTable("orders", ordersSchema(), TableOptions{})
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	seed, _ := db.Begin(0)
	for _, v := range []int64{10, 15, 20, 24, 30} {
		if _, err := seed.Insert(table, putRow(v, v)); err != nil {
			t.Fatalf("Insert(%d): %v", v, err)
		}
	}
	if err := seed.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx, _ := db.BeginReadOnly(1)
	got, err := table.Range(tx, int64(15), int64(25))
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	var keys []int64
	for _, kv := range got {
		keys = append(keys, kv.Key.(int64))
	}
	want := []int64{15, 20, 24}
	if len(keys) != len(want) {
		t.Fatalf("Range keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("Range keys = %v, want %v", keys, want)
			break
		}
	}

	last, ok, err := table.LastIn(tx, int64(15), int64(25))
	if err != nil {
		t.Fatalf("LastIn: %v", err)
	}
	if !ok || last.Key.(int64) != 24 {
		t.Errorf("LastIn = %v, %v, want key 24", last, ok)
	}
}

func TestInsertDuplicatePrimaryKeyReturnsErrExist(t *testing.T) {
	cfg := testConfig(t, PolicyOCC)
	db := openTestDB(t, cfg)
	table, _ := db.CreateTable("accounts", accountsSchema(), TableOptions{})

	seed, _ := db.Begin(0)
	if _, err := seed.Insert(table, putRow(1, 100)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := seed.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx, _ := db.Begin(0)
	if _, err := tx.Insert(table, putRow(1, 999)); err != ErrExist {
		t.Errorf("duplicate Insert = %v, want ErrExist", err)
	}
	if err := tx.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	// The rejected duplicate must not have left a phantom index entry or
	// consumed a slot that later blocks a legitimate insert of the same key
	// after the original row is gone.
	del, _ := db.Begin(0)
	h, row, err := table.Search(del, int64(1))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got := getI64(row[8:16]); got != 100 {
		t.Errorf("balance = %d, want 100 (untouched by rejected duplicate)", got)
	}
	if err := del.Delete(table, h); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := del.Commit(); err != nil {
		t.Fatalf("commit delete: %v", err)
	}

	reinsert, _ := db.Begin(0)
	if _, err := reinsert.Insert(table, putRow(1, 50)); err != nil {
		t.Fatalf("reinsert after delete: %v", err)
	}
	if err := reinsert.Commit(); err != nil {
		t.Fatalf("commit reinsert: %v", err)
	}
}

func TestAbortedInsertFreesSlotAndIndexEntry(t *testing.T) {
	cfg := testConfig(t, PolicyOCC)
	db := openTestDB(t, cfg)
	table, _ := db.CreateTable("accounts", accountsSchema(), TableOptions{})

	tx, _ := db.Begin(0)
	h, err := tx.Insert(table, putRow(7, 100))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	reader, _ := db.BeginReadOnly(1)
	if _, _, err := table.Search(reader, int64(7)); err != ErrNotFound {
		t.Errorf("Search after aborted insert = %v, want ErrNotFound", err)
	}
	if _, err := reader.Read(table, h); err != ErrNotFound {
		t.Errorf("Read of aborted insert's handle = %v, want ErrNotFound", err)
	}
}

func TestReopenRollsBackUncommittedInsert(t *testing.T) {
	cfg := testConfig(t, PolicyOCC)
	db := openTestDB(t, cfg)
	table, err := db.CreateTable("accounts", accountsSchema(), TableOptions{})
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	committed, _ := db.Begin(0)
	hCommitted, err := committed.Insert(table, putRow(1, 100))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := committed.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Simulate a crash after Insert wrote its tuple and undo delta but
	// before Commit ever ran: the insert's record is durable (Insert logs
	// it up front) but its log page's commit flag was never set, so
	// recovery must undo it rather than resurrect it as a live row.
	uncommitted, _ := db.Begin(0)
	hUncommitted, err := uncommitted.Insert(table, putRow(2, 999))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	db.closed = true
	db.pf.lock.Unlock()
	if err := db.pf.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	table2, ok := db2.Table("accounts")
	if !ok {
		t.Fatalf("accounts table missing after reopen")
	}

	reader, err := db2.BeginReadOnly(0)
	if err != nil {
		t.Fatalf("BeginReadOnly: %v", err)
	}
	row, err := reader.Read(table2, hCommitted)
	if err != nil {
		t.Fatalf("Read committed insert after recovery: %v", err)
	}
	if got := getI64(row[8:16]); got != 100 {
		t.Errorf("balance = %d, want 100", got)
	}

	if _, err := reader.Read(table2, hUncommitted); err != ErrNotFound {
		t.Errorf("Read of uncommitted insert after recovery = %v, want ErrNotFound", err)
	}
	if _, _, err := table2.Search(reader, int64(2)); err != ErrNotFound {
		t.Errorf("Search for uncommitted insert's key after recovery = %v, want ErrNotFound", err)
	}
}

func TestEagerUpdateNoDirtyReadUnderTO(t *testing.T) {
	cfg := testConfig(t, PolicyTO)
	db := openTestDB(t, cfg)
	table, _ := db.CreateTable("accounts", accountsSchema(), TableOptions{})

	seed, _ := db.Begin(0)
	h, _ := seed.Insert(table, putRow(1, 100))
	if err := seed.Commit(); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	reader, err := db.BeginReadOnly(1)
	if err != nil {
		t.Fatalf("BeginReadOnly: %v", err)
	}

	writer, _ := db.Begin(0)
	if err := writer.Update(table, h, 8, encodeI64(999)); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// The eager in-place write already landed in view.payload, but the
	// reader's snapshot predates writer's tid, so it must still resolve
	// through the undo delta to the pre-image rather than the raw bytes.
	row, err := reader.Read(table, h)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := getI64(row[8:16]); got != 100 {
		t.Errorf("reader saw dirty write under TO: balance = %d, want 100", got)
	}

	if err := writer.Commit(); err != nil {
		t.Fatalf("writer commit: %v", err)
	}
	if err := reader.Commit(); err != nil {
		t.Fatalf("reader commit: %v", err)
	}

	reader2, _ := db.BeginReadOnly(1)
	row2, err := reader2.Read(table, h)
	if err != nil {
		t.Fatalf("Read after commit: %v", err)
	}
	if got := getI64(row2[8:16]); got != 999 {
		t.Errorf("balance after commit = %d, want 999", got)
	}
}
