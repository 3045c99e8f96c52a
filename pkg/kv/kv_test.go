package kv

import (
	"bytes"
	"context"
	"testing"
)

func TestPackOrdering(t *testing.T) {
	// Queue keys must scan in (-priority, scheduled_at, task_id) order.
	ks := NewKeyspace("")

	high := ks.TaskQueueKey(10, 1000, "a")
	low := ks.TaskQueueKey(1, 500, "b")
	if bytes.Compare(high, low) >= 0 {
		t.Fatalf("higher priority must order before lower priority")
	}

	early := ks.TaskQueueKey(5, 100, "a")
	late := ks.TaskQueueKey(5, 200, "a")
	if bytes.Compare(early, late) >= 0 {
		t.Fatalf("earlier scheduled_at must order first within a priority")
	}

	ta := ks.TaskQueueKey(5, 100, "aaa")
	tb := ks.TaskQueueKey(5, 100, "aab")
	if bytes.Compare(ta, tb) >= 0 {
		t.Fatalf("task id must break ties deterministically")
	}
}

func TestPackNegativeIntOrdering(t *testing.T) {
	neg := Pack(int64(-5))
	zero := Pack(int64(0))
	pos := Pack(int64(5))
	if !(bytes.Compare(neg, zero) < 0 && bytes.Compare(zero, pos) < 0) {
		t.Fatalf("integer encoding must preserve sign ordering")
	}
}

func TestUnpackRoundTrip(t *testing.T) {
	key := Pack("events", "inst-1", int64(1234), int64(7))
	elems, err := Unpack(key)
	if err != nil {
		t.Fatalf("unpack failed: %v", err)
	}
	if len(elems) != 4 {
		t.Fatalf("expected 4 elements, got %d", len(elems))
	}
	if elems[0].(string) != "events" || elems[1].(string) != "inst-1" {
		t.Fatalf("string elements did not round-trip: %v", elems)
	}
	if elems[2].(int64) != 1234 || elems[3].(int64) != 7 {
		t.Fatalf("integer elements did not round-trip: %v", elems)
	}
}

func TestPrefixRange(t *testing.T) {
	begin, end := PrefixRange([]byte("abc"))
	if string(begin) != "abc" {
		t.Fatalf("begin should equal prefix")
	}
	if string(end) != "abd" {
		t.Fatalf("end should be prefix with last byte incremented, got %q", end)
	}
}

func TestMemoryStoreBasicOps(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	err := store.UpdateTx(ctx, func(tx Tx) error {
		tx.Set([]byte("a"), []byte("1"))
		tx.Set([]byte("b"), []byte("2"))
		tx.Set([]byte("c"), []byte("3"))
		return nil
	})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	err = store.ReadTx(ctx, func(tx Tx) error {
		v, err := tx.Get(ctx, []byte("b"))
		if err != nil {
			return err
		}
		if string(v) != "2" {
			t.Fatalf("expected 2, got %q", v)
		}
		kvs, err := tx.GetRange(ctx, []byte("a"), []byte("c"), 0)
		if err != nil {
			return err
		}
		if len(kvs) != 2 {
			t.Fatalf("expected 2 pairs, got %d", len(kvs))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
}

func TestMemoryStoreReadYourWrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	err := store.UpdateTx(ctx, func(tx Tx) error {
		tx.Set([]byte("x"), []byte("new"))
		v, err := tx.Get(ctx, []byte("x"))
		if err != nil {
			return err
		}
		if string(v) != "new" {
			t.Fatalf("uncommitted write not visible inside transaction")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
}

func TestMemoryStoreConflictDetection(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	if err := store.UpdateTx(ctx, func(tx Tx) error {
		tx.Set([]byte("counter"), []byte{0})
		return nil
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	// Two interleaved read-modify-write transactions on the same key must
	// not both commit: the competing update commits first, the stale
	// transaction fails with ErrConflict, and exactly one increment sticks.
	tx1, err := store.begin()
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	v, err := tx1.Get(ctx, []byte("counter"))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	tx1.Set([]byte("counter"), []byte{v[0] + 1})

	if err := store.UpdateTx(ctx, func(tx Tx) error {
		cur, err := tx.Get(ctx, []byte("counter"))
		if err != nil {
			return err
		}
		tx.Set([]byte("counter"), []byte{cur[0] + 1})
		return nil
	}); err != nil {
		t.Fatalf("competing update failed: %v", err)
	}

	if err := store.commit(tx1); err != ErrConflict {
		t.Fatalf("expected ErrConflict from stale transaction, got %v", err)
	}

	_ = store.ReadTx(ctx, func(tx Tx) error {
		cur, _ := tx.Get(ctx, []byte("counter"))
		if cur[0] != 1 {
			t.Fatalf("expected exactly one committed increment, got %d", cur[0])
		}
		return nil
	})
}

func TestMemoryStoreClearRange(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	if err := store.UpdateTx(ctx, func(tx Tx) error {
		tx.Set([]byte("p/a"), []byte("1"))
		tx.Set([]byte("p/b"), []byte("2"))
		tx.Set([]byte("q/a"), []byte("3"))
		return nil
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	begin, end := PrefixRange([]byte("p/"))
	if err := store.UpdateTx(ctx, func(tx Tx) error {
		tx.ClearRange(begin, end)
		return nil
	}); err != nil {
		t.Fatalf("clear failed: %v", err)
	}

	_ = store.ReadTx(ctx, func(tx Tx) error {
		kvs, err := tx.GetRange(ctx, []byte("p"), []byte("r"), 0)
		if err != nil {
			return err
		}
		if len(kvs) != 1 || string(kvs[0].Key) != "q/a" {
			t.Fatalf("expected only q/a to survive, got %v", kvs)
		}
		return nil
	})
}
