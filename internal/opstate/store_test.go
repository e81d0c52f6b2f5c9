package opstate

import (
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "edgetrack_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)

	val, err := s.Get(NamespaceDiscovery, "aa:bb:cc:dd:ee:01")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "" {
		t.Errorf("Get() = %q, want empty string for missing key", val)
	}
}

func TestSetGetUpsert(t *testing.T) {
	s := testStore(t)

	if err := s.Set(NamespaceRouter, "version", "v2.0.8"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := s.Set(NamespaceRouter, "version", "v2.0.9"); err != nil {
		t.Fatalf("Set() upsert error: %v", err)
	}

	val, err := s.Get(NamespaceRouter, "version")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "v2.0.9" {
		t.Errorf("Get() = %q, want %q after upsert", val, "v2.0.9")
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t)

	if err := s.Set("ns", "key", "val"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := s.Delete("ns", "key"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	// Deleting a non-existent key should not error.
	if err := s.Delete("ns", "key"); err != nil {
		t.Errorf("Delete(missing) error: %v", err)
	}

	val, _ := s.Get("ns", "key")
	if val != "" {
		t.Errorf("Get() = %q after delete, want empty", val)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	s := testStore(t)

	if err := s.Set(NamespaceDiscovery, "key", "a-val"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := s.Set(NamespaceRouter, "key", "b-val"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := s.DeleteNamespace(NamespaceDiscovery); err != nil {
		t.Fatalf("DeleteNamespace: %v", err)
	}

	aVal, _ := s.Get(NamespaceDiscovery, "key")
	bVal, _ := s.Get(NamespaceRouter, "key")
	if aVal != "" || bVal != "b-val" {
		t.Errorf("after DeleteNamespace: discovery=%q router=%q", aVal, bVal)
	}
}

func TestListEmpty(t *testing.T) {
	s := testStore(t)

	result, err := s.List("empty")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if result == nil || len(result) != 0 {
		t.Errorf("List() = %v, want empty non-nil map", result)
	}
}

func TestEntries(t *testing.T) {
	s := testStore(t)
	fixed := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	for _, mac := range []string{"aa:00:00:00:00:02", "aa:00:00:00:00:01"} {
		if err := s.Set(NamespaceDiscovery, mac, "topic/"+mac); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	got, err := s.Entries(NamespaceDiscovery)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Entries len = %d, want 2", len(got))
	}
	if got[0].Key != "aa:00:00:00:00:01" || got[1].Key != "aa:00:00:00:00:02" {
		t.Errorf("Entries not ordered by key: %+v", got)
	}
	if !got[0].UpdatedAt.Equal(fixed) {
		t.Errorf("UpdatedAt = %v, want %v", got[0].UpdatedAt, fixed)
	}
}

func TestStore_PersistAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist_test.db")

	s1, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(1): %v", err)
	}
	if err := s1.Set(NamespaceDiscovery, "aa:00:00:00:00:01", "persistent"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	s1.Close()

	s2, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(2): %v", err)
	}
	defer s2.Close()

	val, err := s2.Get(NamespaceDiscovery, "aa:00:00:00:00:01")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "persistent" {
		t.Errorf("Get() = %q after reopen, want %q", val, "persistent")
	}
}

func TestNewStore_InvalidPath(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "db.sqlite")
	if _, err := NewStore(dbPath); err == nil {
		t.Error("NewStore() should fail when parent directory doesn't exist")
	}
}
