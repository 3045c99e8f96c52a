package kv

import (
	"context"
	"testing"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(SQLiteConfig{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	return store
}

// TestSQLiteLifecycle tests database initialization and closure
func TestSQLiteLifecycle(t *testing.T) {
	store := setupTestStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestSQLiteSetGet tests basic set/get through transactions
func TestSQLiteSetGet(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.UpdateTx(ctx, func(tx Tx) error {
		tx.Set([]byte("k1"), []byte("v1"))
		return nil
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if err := store.ReadTx(ctx, func(tx Tx) error {
		v, err := tx.Get(ctx, []byte("k1"))
		if err != nil {
			return err
		}
		if string(v) != "v1" {
			t.Fatalf("expected v1, got %q", v)
		}
		missing, err := tx.Get(ctx, []byte("absent"))
		if err != nil {
			return err
		}
		if missing != nil {
			t.Fatalf("expected nil for absent key")
		}
		return nil
	}); err != nil {
		t.Fatalf("read failed: %v", err)
	}
}

// TestSQLiteRangeOrder tests ordered range scans with limits
func TestSQLiteRangeOrder(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.UpdateTx(ctx, func(tx Tx) error {
		tx.Set([]byte("t/3"), []byte("c"))
		tx.Set([]byte("t/1"), []byte("a"))
		tx.Set([]byte("t/2"), []byte("b"))
		return nil
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	begin, end := PrefixRange([]byte("t/"))
	if err := store.ReadTx(ctx, func(tx Tx) error {
		kvs, err := tx.GetRange(ctx, begin, end, 2)
		if err != nil {
			return err
		}
		if len(kvs) != 2 {
			t.Fatalf("expected 2 results, got %d", len(kvs))
		}
		if string(kvs[0].Key) != "t/1" || string(kvs[1].Key) != "t/2" {
			t.Fatalf("range not in key order: %q, %q", kvs[0].Key, kvs[1].Key)
		}
		return nil
	}); err != nil {
		t.Fatalf("read failed: %v", err)
	}
}

// TestSQLiteBufferedWritesVisible tests read-your-writes inside a transaction
func TestSQLiteBufferedWritesVisible(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.UpdateTx(ctx, func(tx Tx) error {
		tx.Set([]byte("a"), []byte("1"))
		v, err := tx.Get(ctx, []byte("a"))
		if err != nil {
			return err
		}
		if string(v) != "1" {
			t.Fatalf("buffered write not visible")
		}
		tx.Clear([]byte("a"))
		v, err = tx.Get(ctx, []byte("a"))
		if err != nil {
			return err
		}
		if v != nil {
			t.Fatalf("buffered clear not visible")
		}
		return nil
	}); err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
}

// TestSQLiteClearRange tests range deletion
func TestSQLiteClearRange(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.UpdateTx(ctx, func(tx Tx) error {
		tx.Set([]byte("x/1"), []byte("1"))
		tx.Set([]byte("x/2"), []byte("2"))
		tx.Set([]byte("y/1"), []byte("3"))
		return nil
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	begin, end := PrefixRange([]byte("x/"))
	if err := store.UpdateTx(ctx, func(tx Tx) error {
		tx.ClearRange(begin, end)
		return nil
	}); err != nil {
		t.Fatalf("clear failed: %v", err)
	}

	if err := store.ReadTx(ctx, func(tx Tx) error {
		kvs, err := tx.GetRange(ctx, []byte("x"), []byte("z"), 0)
		if err != nil {
			return err
		}
		if len(kvs) != 1 || string(kvs[0].Key) != "y/1" {
			t.Fatalf("expected only y/1 to survive, got %d entries", len(kvs))
		}
		return nil
	}); err != nil {
		t.Fatalf("read failed: %v", err)
	}
}
