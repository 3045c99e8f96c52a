package kv

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process implementation of Store with MVCC-style
// optimistic concurrency. Each committed transaction bumps a global version
// counter; a read-write transaction conflicts when any key it read (or any
// range it scanned) was written by a transaction that committed after its
// snapshot was taken.
type MemoryStore struct {
	mu      sync.Mutex
	data    map[string]memEntry
	version uint64
	closed  bool
	retry   retryPolicy
}

type memEntry struct {
	value   []byte
	version uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]memEntry),
		retry: defaultRetryPolicy(),
	}
}

// Close marks the store closed. Subsequent transactions fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ReadTx runs fn against a consistent snapshot. Snapshots are not retained
// across commits, so a concurrent writer can invalidate one mid-read; the
// read is then retried on a fresh snapshot.
func (s *MemoryStore) ReadTx(ctx context.Context, fn func(Tx) error) error {
	return runWithRetry(ctx, s.retry, func() error {
		tx, err := s.begin()
		if err != nil {
			return err
		}
		return fn(tx)
	})
}

// UpdateTx runs fn inside a read-write transaction, retrying conflicts.
func (s *MemoryStore) UpdateTx(ctx context.Context, fn func(Tx) error) error {
	return runWithRetry(ctx, s.retry, func() error {
		tx, err := s.begin()
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			return err
		}
		return s.commit(tx)
	})
}

func (s *MemoryStore) begin() (*memTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return &memTx{
		store:    s,
		snapshot: s.version,
		reads:    make(map[string]struct{}),
		writes:   make(map[string]*[]byte),
	}, nil
}

// commit validates the transaction's reads against the current state and
// applies its writes atomically.
func (s *MemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	// A key read at snapshot v conflicts if it was rewritten since.
	for key := range tx.reads {
		if e, ok := s.data[key]; ok && e.version > tx.snapshot {
			return ErrConflict
		}
	}
	// A scanned range conflicts if any key inside it changed since the
	// snapshot, including keys that did not exist at scan time.
	for _, r := range tx.rangeReads {
		for key, e := range s.data {
			if e.version <= tx.snapshot {
				continue
			}
			if inRange([]byte(key), r.begin, r.end) {
				return ErrConflict
			}
		}
	}

	s.version++
	for key, value := range tx.writes {
		if value == nil {
			delete(s.data, key)
			continue
		}
		s.data[key] = memEntry{value: *value, version: s.version}
	}
	return nil
}

type rangeRead struct {
	begin, end []byte
}

type memTx struct {
	store      *MemoryStore
	snapshot   uint64
	reads      map[string]struct{}
	rangeReads []rangeRead
	// writes maps key -> value; a nil pointer marks a delete.
	writes map[string]*[]byte
}

func (t *memTx) Get(ctx context.Context, key []byte) ([]byte, error) {
	if v, ok := t.writes[string(key)]; ok {
		if v == nil {
			return nil, nil
		}
		return append([]byte(nil), (*v)...), nil
	}
	t.reads[string(key)] = struct{}{}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	e, ok := t.store.data[string(key)]
	if !ok || e.version > t.snapshot {
		if ok && e.version > t.snapshot {
			// The snapshot no longer exists; fail early.
			return nil, ErrConflict
		}
		return nil, nil
	}
	return append([]byte(nil), e.value...), nil
}

func (t *memTx) GetRange(ctx context.Context, begin, end []byte, limit int) ([]KeyValue, error) {
	t.rangeReads = append(t.rangeReads, rangeRead{begin: begin, end: end})

	t.store.mu.Lock()
	merged := make(map[string][]byte)
	for key, e := range t.store.data {
		if e.version > t.snapshot {
			t.store.mu.Unlock()
			return nil, ErrConflict
		}
		if inRange([]byte(key), begin, end) {
			merged[key] = e.value
		}
	}
	t.store.mu.Unlock()

	// Overlay this transaction's own writes.
	for key, value := range t.writes {
		if !inRange([]byte(key), begin, end) {
			continue
		}
		if value == nil {
			delete(merged, key)
		} else {
			merged[key] = *value
		}
	}

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]KeyValue, 0, len(keys))
	for _, key := range keys {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, KeyValue{
			Key:   []byte(key),
			Value: append([]byte(nil), merged[key]...),
		})
	}
	return out, nil
}

func (t *memTx) Set(key, value []byte) {
	v := append([]byte(nil), value...)
	t.writes[string(key)] = &v
}

func (t *memTx) Clear(key []byte) {
	t.writes[string(key)] = nil
}

func (t *memTx) ClearRange(begin, end []byte) {
	t.rangeReads = append(t.rangeReads, rangeRead{begin: begin, end: end})

	t.store.mu.Lock()
	for key := range t.store.data {
		if inRange([]byte(key), begin, end) {
			t.writes[key] = nil
		}
	}
	t.store.mu.Unlock()

	for key := range t.writes {
		if inRange([]byte(key), begin, end) {
			t.writes[key] = nil
		}
	}
}

// inRange reports whether begin <= key < end. A nil end means unbounded.
func inRange(key, begin, end []byte) bool {
	if bytes.Compare(key, begin) < 0 {
		return false
	}
	if end == nil {
		return true
	}
	return bytes.Compare(key, end) < 0
}
