package pmoltp

import "testing"

// TestRehashDataStillAccessible verifies that every row indexed under one
// hash algorithm is still found by Get after Rehash migrates the bloom
// filter to another, mirroring the teacher's rehash_test.go data-survival
// checks.
func TestRehashDataStillAccessible(t *testing.T) {
	cfg := testConfig(t, PolicyOCC)
	cfg.HashAlgorithm = AlgXXHash3
	db := openTestDB(t, cfg)
	table, err := db.CreateTable("accounts", accountsSchema(), TableOptions{})
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	tx, _ := db.Begin(0)
	handles := make([]Handle, 5)
	for i := range handles {
		h, err := tx.Insert(table, putRow(int64(i+1), int64(i*10)))
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		handles[i] = h
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	idx, ok := table.indexes[0].(UnorderedIndex[int64])
	if !ok {
		t.Fatal("primary key column is not an unordered index")
	}
	for i := range handles {
		if _, ok := idx.Get(int64(i + 1)); !ok {
			t.Fatalf("key %d missing before rehash", i+1)
		}
	}

	if err := db.Rehash(AlgBlake2b); err != nil {
		t.Fatalf("Rehash: %v", err)
	}

	for i := range handles {
		h, ok := idx.Get(int64(i + 1))
		if !ok {
			t.Errorf("key %d missing after rehash", i+1)
			continue
		}
		if h != handles[i] {
			t.Errorf("key %d resolved to %v after rehash, want %v", i+1, h, handles[i])
		}
	}
}

func TestRehashChangesDefaultForNewTables(t *testing.T) {
	cfg := testConfig(t, PolicyOCC)
	cfg.HashAlgorithm = AlgXXHash3
	db := openTestDB(t, cfg)

	if err := db.Rehash(AlgFNV1a); err != nil {
		t.Fatalf("Rehash: %v", err)
	}
	if db.config.HashAlgorithm != AlgFNV1a {
		t.Errorf("config.HashAlgorithm = %v after Rehash, want %v", db.config.HashAlgorithm, AlgFNV1a)
	}
}

func TestRehashEmptyDatabase(t *testing.T) {
	cfg := testConfig(t, PolicyOCC)
	db := openTestDB(t, cfg)
	if err := db.Rehash(AlgBlake2b); err != nil {
		t.Fatalf("Rehash on empty database: %v", err)
	}
}
