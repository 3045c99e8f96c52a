package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/linlogge/degov/pkg/kv"
	"github.com/linlogge/degov/pkg/workflow"
)

// lockManager enforces the single cross-process mutex of the system: at most
// one holder per instance at a wall-clock instant, implemented as a
// transactional compare-and-set on locks/{instance_id}.
type lockManager struct {
	store kv.Store
	ks    *kv.Keyspace
}

// acquire takes the instance lock for owner until now+ttlMs. It fails fast
// with workflow.ErrInstanceBusy while a different live holder exists; re-acquiring an
// own lock renews it.
func (m *lockManager) acquire(ctx context.Context, instanceID workflow.InstanceID, owner workflow.WorkerID, now, ttlMs int64) error {
	err := m.store.UpdateTx(ctx, func(tx kv.Tx) error {
		key := m.ks.LockKey(instanceID)
		raw, err := tx.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to read lock: %w", err)
		}
		if raw != nil {
			var lock workflow.InstanceLock
			if err := json.Unmarshal(raw, &lock); err != nil {
				return fmt.Errorf("failed to decode lock: %w", err)
			}
			if lock.Valid(now) && lock.WorkerID != owner {
				return workflow.ErrInstanceBusy
			}
		}
		value, err := json.Marshal(&workflow.InstanceLock{WorkerID: owner, ExpiresAt: now + ttlMs})
		if err != nil {
			return fmt.Errorf("failed to encode lock: %w", err)
		}
		tx.Set(key, value)
		return nil
	})
	if errors.Is(err, workflow.ErrInstanceBusy) {
		return workflow.ErrInstanceBusy
	}
	return err
}

// release drops the lock when owner still holds it. A lock taken over by
// someone else after expiry is left untouched.
func (m *lockManager) release(ctx context.Context, instanceID workflow.InstanceID, owner workflow.WorkerID) error {
	return m.store.UpdateTx(ctx, func(tx kv.Tx) error {
		key := m.ks.LockKey(instanceID)
		raw, err := tx.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to read lock: %w", err)
		}
		if raw == nil {
			return nil
		}
		var lock workflow.InstanceLock
		if err := json.Unmarshal(raw, &lock); err != nil {
			return fmt.Errorf("failed to decode lock: %w", err)
		}
		if lock.WorkerID == owner {
			tx.Clear(key)
		}
		return nil
	})
}

// holder returns the current lock record, or nil when unlocked.
func (m *lockManager) holder(ctx context.Context, instanceID workflow.InstanceID) (*workflow.InstanceLock, error) {
	var lock *workflow.InstanceLock
	err := m.store.ReadTx(ctx, func(tx kv.Tx) error {
		lock = nil
		raw, err := tx.Get(ctx, m.ks.LockKey(instanceID))
		if err != nil {
			return err
		}
		if raw == nil {
			return nil
		}
		var l workflow.InstanceLock
		if err := json.Unmarshal(raw, &l); err != nil {
			return fmt.Errorf("failed to decode lock: %w", err)
		}
		lock = &l
		return nil
	})
	return lock, err
}
