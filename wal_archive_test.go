package pmoltp

import "testing"

// TestArchivedLogPagesRoundTrip drives enough commits to force the WAL
// to cross a page boundary, then verifies the retired page is readable
// back through ArchivedLogPages.
func TestArchivedLogPagesRoundTrip(t *testing.T) {
	cfg := testConfig(t, PolicyOCC)
	cfg.PageSize = 512 // small so a handful of commits force a page cross
	db := openTestDB(t, cfg)
	table, err := db.CreateTable("accounts", accountsSchema(), TableOptions{})
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	seed, _ := db.Begin(0)
	h, _ := seed.Insert(table, putRow(1, 100))
	if err := seed.Commit(); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	for i := 0; i < 50; i++ {
		tx, _ := db.Begin(0)
		if err := tx.Update(table, h, 8, encodeI64(int64(i))); err != nil {
			t.Fatalf("Update: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}

	pages, err := db.ArchivedLogPages(0)
	if err != nil {
		t.Fatalf("ArchivedLogPages: %v", err)
	}
	if len(pages) == 0 {
		t.Fatal("expected at least one archived page after enough commits to cross a page boundary")
	}
	for i, p := range pages {
		if len(p) != cfg.PageSize {
			t.Errorf("archived page %d has length %d, want %d", i, len(p), cfg.PageSize)
		}
	}
}

func TestArchivedLogPagesNoneYet(t *testing.T) {
	cfg := testConfig(t, PolicyOCC)
	db := openTestDB(t, cfg)

	pages, err := db.ArchivedLogPages(0)
	if err != nil {
		t.Fatalf("ArchivedLogPages: %v", err)
	}
	if len(pages) != 0 {
		t.Errorf("expected no archived pages before any log page retires, got %d", len(pages))
	}
}
