package store

import (
	"testing"

	"krakenbot/internal/config"
)

func TestInMemorySchemaVisibleAcrossConnections(t *testing.T) {
	st, err := NewSQLite(config.DatabaseConfig{InMemory: true})
	if err != nil {
		t.Fatalf("opening in-memory store: %v", err)
	}
	defer st.Close()

	// 不限制连接数，后续语句可能走池中的新连接。
	if _, err := st.DB().Exec(`CREATE TABLE scratch_rows (id INTEGER PRIMARY KEY, note TEXT)`); err != nil {
		t.Fatalf("creating table: %v", err)
	}

	for i := 0; i < 10; i++ {
		if _, err := st.DB().Exec(`INSERT INTO scratch_rows (note) VALUES (?)`, "x"); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	var count int
	if err := st.DB().QueryRow(`SELECT COUNT(*) FROM scratch_rows`).Scan(&count); err != nil {
		t.Fatalf("counting rows: %v", err)
	}
	if count != 10 {
		t.Errorf("count = %d, want 10", count)
	}
}

func TestInMemoryStoresAreIsolated(t *testing.T) {
	first, err := NewSQLite(config.DatabaseConfig{InMemory: true})
	if err != nil {
		t.Fatalf("opening first store: %v", err)
	}
	defer first.Close()

	second, err := NewSQLite(config.DatabaseConfig{InMemory: true})
	if err != nil {
		t.Fatalf("opening second store: %v", err)
	}
	defer second.Close()

	if _, err := first.DB().Exec(`CREATE TABLE only_here (id INTEGER)`); err != nil {
		t.Fatalf("creating table: %v", err)
	}

	if _, err := second.DB().Exec(`SELECT COUNT(*) FROM only_here`); err == nil {
		t.Error("second store should not see the first store's tables")
	}
}
