package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/linlogge/degov/pkg/kv"
	"github.com/linlogge/degov/pkg/workflow"
)

// instanceContextKV is the capability-scoped KV handle handed to the
// sandbox: reads and writes are restricted to the calling instance's
// context fields under instances/{instance_id}/context/*. Writes also fold
// the field back into the instance's context document and bump its version
// so snapshots stay coherent.
type instanceContextKV struct {
	store      kv.Store
	ks         *kv.Keyspace
	instanceID workflow.InstanceID
	now        func() int64
}

// NewContextKV builds the sandbox KV view of one instance.
func NewContextKV(store kv.Store, ks *kv.Keyspace, instanceID workflow.InstanceID, now func() int64) *instanceContextKV {
	return &instanceContextKV{store: store, ks: ks, instanceID: instanceID, now: now}
}

// Get reads one context field.
func (c *instanceContextKV) Get(ctx context.Context, field string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.store.ReadTx(ctx, func(tx kv.Tx) error {
		out = nil
		raw, err := tx.Get(ctx, c.ks.ContextKey(c.instanceID, field))
		if err != nil {
			return err
		}
		if raw != nil {
			out = append(json.RawMessage(nil), raw...)
			return nil
		}
		// Fall back to the instance's context document for fields seeded
		// at creation.
		instRaw, err := tx.Get(ctx, c.ks.InstanceKey(c.instanceID))
		if err != nil || instRaw == nil {
			return err
		}
		var inst workflow.InstanceState
		if err := json.Unmarshal(instRaw, &inst); err != nil {
			return fmt.Errorf("failed to decode instance: %w", err)
		}
		var doc map[string]json.RawMessage
		if len(inst.Context) > 0 {
			if err := json.Unmarshal(inst.Context, &doc); err != nil {
				return nil
			}
		}
		if v, ok := doc[field]; ok {
			out = append(json.RawMessage(nil), v...)
		}
		return nil
	})
	return out, err
}

// Set writes one context field and merges it into the instance document.
func (c *instanceContextKV) Set(ctx context.Context, field string, value json.RawMessage) error {
	return c.store.UpdateTx(ctx, func(tx kv.Tx) error {
		instKey := c.ks.InstanceKey(c.instanceID)
		instRaw, err := tx.Get(ctx, instKey)
		if err != nil {
			return err
		}
		if instRaw == nil {
			return workflow.NewValidationError("instance not found", nil).WithCode(workflow.CodeNotFound).WithInstance(c.instanceID)
		}
		var inst workflow.InstanceState
		if err := json.Unmarshal(instRaw, &inst); err != nil {
			return fmt.Errorf("failed to decode instance: %w", err)
		}
		if inst.Status.IsTerminal() {
			return workflow.NewValidationError("instance is terminal", nil).WithCode(workflow.CodeInstanceTerminal).WithInstance(c.instanceID)
		}

		tx.Set(c.ks.ContextKey(c.instanceID, field), value)

		doc := map[string]json.RawMessage{}
		if len(inst.Context) > 0 {
			if err := json.Unmarshal(inst.Context, &doc); err != nil {
				doc = map[string]json.RawMessage{}
			}
		}
		doc[field] = value
		merged, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to merge context: %w", err)
		}
		inst.Context = merged
		inst.Version++
		inst.UpdatedAt = c.now()
		updated, err := json.Marshal(&inst)
		if err != nil {
			return fmt.Errorf("failed to encode instance: %w", err)
		}
		tx.Set(instKey, updated)
		return nil
	})
}
