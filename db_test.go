// Core lifecycle and end-to-end transaction tests.
//
// Each test opens a fresh database in a temporary file, exercises the
// public API, and closes it. Several reopen the same file to verify
// durability and crash recovery, mirroring spec.md §8's "add_table(s);
// close; reopen" and crash scenarios.
package pmoltp

import (
	"path/filepath"
	"testing"
)

func testConfig(t *testing.T, policy Policy) Config {
	t.Helper()
	return Config{
		Path:          filepath.Join(t.TempDir(), "test.pm"),
		PageSize:      4096,
		MaxPages:      64,
		TupleSize:     64,
		WorkerThreads: 2,
		Policy:        policy,
	}
}

func openTestDB(t *testing.T, cfg Config) *Database {
	t.Helper()
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func accountsSchema() Schema {
	return Schema{
		Columns: []Column{
			{Name: "id", Type: ColInt64, Index: IndexUnordered},
			{Name: "balance", Type: ColInt64},
		},
		PrimaryKey: 0,
	}
}

func putRow(id, balance int64) []byte {
	row := make([]byte, 16)
	putI64(row[0:8], id)
	putI64(row[8:16], balance)
	return row
}

func TestOpenCreatesAndReopensFile(t *testing.T) {
	cfg := testConfig(t, PolicyOCC)
	db := openTestDB(t, cfg)

	if _, err := db.CreateTable("accounts", accountsSchema(), TableOptions{}); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	if _, ok := db2.Table("accounts"); !ok {
		t.Fatalf("accounts table missing after reopen")
	}
}

func TestInsertReadCommit(t *testing.T) {
	for _, policy := range []Policy{PolicyOCC, PolicyTO, Policy2PL} {
		t.Run(policy.String(), func(t *testing.T) {
			cfg := testConfig(t, policy)
			db := openTestDB(t, cfg)

			table, err := db.CreateTable("accounts", accountsSchema(), TableOptions{})
			if err != nil {
				t.Fatalf("CreateTable: %v", err)
			}

			tx, err := db.Begin(0)
			if err != nil {
				t.Fatalf("Begin: %v", err)
			}
			h, err := tx.Insert(table, putRow(1, 100))
			if err != nil {
				t.Fatalf("Insert: %v", err)
			}
			if err := tx.Commit(); err != nil {
				t.Fatalf("Commit: %v", err)
			}

			rtx, err := db.BeginReadOnly(1)
			if err != nil {
				t.Fatalf("BeginReadOnly: %v", err)
			}
			row, err := rtx.Read(table, h)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if got := getI64(row[8:16]); got != 100 {
				t.Errorf("balance = %d, want 100", got)
			}
			if err := rtx.Commit(); err != nil {
				t.Fatalf("Commit read-only: %v", err)
			}
		})
	}
}

func TestUpdateNotVisibleUntilCommit(t *testing.T) {
	cfg := testConfig(t, PolicyOCC)
	db := openTestDB(t, cfg)
	table, _ := db.CreateTable("accounts", accountsSchema(), TableOptions{})

	seed, _ := db.Begin(0)
	h, _ := seed.Insert(table, putRow(1, 100))
	if err := seed.Commit(); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	writer, _ := db.Begin(0)
	if err := writer.Update(table, h, 8, encodeI64(200)); err != nil {
		t.Fatalf("Update: %v", err)
	}

	reader, _ := db.BeginReadOnly(1)
	row, err := reader.Read(table, h)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := getI64(row[8:16]); got != 100 {
		t.Errorf("reader saw uncommitted write: balance = %d, want 100", got)
	}

	if err := writer.Commit(); err != nil {
		t.Fatalf("writer commit: %v", err)
	}

	reader2, _ := db.BeginReadOnly(1)
	row2, err := reader2.Read(table, h)
	if err != nil {
		t.Fatalf("Read after commit: %v", err)
	}
	if got := getI64(row2[8:16]); got != 200 {
		t.Errorf("balance after commit = %d, want 200", got)
	}
}

func TestAbortRollsBackEagerUpdate(t *testing.T) {
	// 2PL applies Update in place immediately, so this specifically
	// exercises rollbackWrites restoring the pre-image on Abort.
	cfg := testConfig(t, Policy2PL)
	db := openTestDB(t, cfg)
	table, _ := db.CreateTable("accounts", accountsSchema(), TableOptions{})

	seed, _ := db.Begin(0)
	h, _ := seed.Insert(table, putRow(1, 100))
	if err := seed.Commit(); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	writer, _ := db.Begin(0)
	if err := writer.Update(table, h, 8, encodeI64(999)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := writer.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	reader, _ := db.BeginReadOnly(1)
	row, err := reader.Read(table, h)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := getI64(row[8:16]); got != 100 {
		t.Errorf("balance after abort = %d, want 100 (restored)", got)
	}
}

func TestDeleteThenReadReturnsNotFound(t *testing.T) {
	cfg := testConfig(t, PolicyOCC)
	db := openTestDB(t, cfg)
	table, _ := db.CreateTable("accounts", accountsSchema(), TableOptions{})

	seed, _ := db.Begin(0)
	h, _ := seed.Insert(table, putRow(1, 100))
	if err := seed.Commit(); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	del, _ := db.Begin(0)
	if err := del.Delete(table, h); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := del.Commit(); err != nil {
		t.Fatalf("Commit delete: %v", err)
	}

	reader, _ := db.BeginReadOnly(1)
	if _, err := reader.Read(table, h); err != ErrNotFound {
		t.Errorf("Read after delete = %v, want ErrNotFound", err)
	}
}

func TestReopenRecoversCommittedAndRollsBackPrepared(t *testing.T) {
	cfg := testConfig(t, PolicyOCC)
	db := openTestDB(t, cfg)
	table, err := db.CreateTable("accounts", accountsSchema(), TableOptions{})
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	committed, _ := db.Begin(0)
	hCommitted, _ := committed.Insert(table, putRow(1, 100))
	if err := committed.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Simulate a crash between publish() (the WAL record and the in-place
	// write both landed) and the final log.Commit(true) that would have
	// set the page's commit flag: call publish directly instead of going
	// through Commit, then tear the file down without ever settling the
	// log page.
	uncommitted, _ := db.Begin(0)
	if err := uncommitted.Update(table, hCommitted, 8, encodeI64(500)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := uncommitted.publish(&uncommitted.writes[0]); err != nil {
		t.Fatalf("publish: %v", err)
	}

	db.closed = true // bypass Close's own teardown bookkeeping races in the test
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
		t.Fatalf("Read after recovery: %v", err)
	}
	if got := getI64(row[8:16]); got != 100 {
		t.Errorf("balance after recovery = %d, want 100 (uncommitted write rolled back)", got)
	}
}

func encodeI64(v int64) []byte {
	b := make([]byte, 8)
	putI64(b, v)
	return b
}
