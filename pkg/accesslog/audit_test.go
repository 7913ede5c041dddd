package accesslog

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *AuditStore {
	t.Helper()
	store, err := NewAuditStore(filepath.Join(t.TempDir(), "audit.db"), nil)
	if err != nil {
		t.Fatalf("NewAuditStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAuditStoreRecordAndCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.Record(ctx, testEntry("/orders", 200)); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

func TestAuditStoreDeleteBefore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := testEntry("/old", 200)
	old.Time = time.Now().AddDate(0, 0, -120)
	recent := testEntry("/recent", 200)
	recent.Time = time.Now()

	if err := store.Record(ctx, old); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := store.Record(ctx, recent); err != nil {
		t.Fatalf("Record: %v", err)
	}

	deleted, err := store.DeleteBefore(ctx, time.Now().AddDate(0, 0, -90))
	if err != nil {
		t.Fatalf("DeleteBefore: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestAuditStoreReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	ctx := context.Background()

	store, err := NewAuditStore(path, nil)
	if err != nil {
		t.Fatalf("NewAuditStore: %v", err)
	}
	if err := store.Record(ctx, testEntry("/persisted", 200)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store, err = NewAuditStore(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("count after reopen = %d, want 1", n)
	}
}
