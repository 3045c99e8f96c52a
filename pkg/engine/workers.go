package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/linlogge/degov/pkg/kv"
	"github.com/linlogge/degov/pkg/workflow"
)

// RegisterWorker records a worker under workers/{worker_id}. Re-registering
// refreshes the record.
func (e *Engine) RegisterWorker(ctx context.Context, workerID workflow.WorkerID, hostname string, capacity int) error {
	if workerID == "" {
		return workflow.NewValidationError("worker id is required", nil)
	}
	now := e.now()
	return e.store.UpdateTx(ctx, func(tx kv.Tx) error {
		w := &workflow.Worker{
			WorkerID:     workerID,
			Hostname:     hostname,
			Capacity:     capacity,
			RegisteredAt: now,
			HeartbeatAt:  now,
		}
		raw, err := tx.Get(ctx, e.ks.WorkerKey(workerID))
		if err != nil {
			return fmt.Errorf("failed to read worker record: %w", err)
		}
		if raw != nil {
			var existing workflow.Worker
			if err := json.Unmarshal(raw, &existing); err == nil {
				w.RegisteredAt = existing.RegisteredAt
			}
		}
		value, err := json.Marshal(w)
		if err != nil {
			return fmt.Errorf("failed to encode worker: %w", err)
		}
		tx.Set(e.ks.WorkerKey(workerID), value)
		return nil
	})
}

// WorkerHeartbeat refreshes a worker's liveness record and returns the ids
// of tasks the worker holds whose instance has been cancelled, so the
// worker can abandon them.
func (e *Engine) WorkerHeartbeat(ctx context.Context, workerID workflow.WorkerID) ([]workflow.TaskID, error) {
	now := e.now()
	var cancelled []workflow.TaskID
	err := e.store.UpdateTx(ctx, func(tx kv.Tx) error {
		cancelled = nil
		raw, err := tx.Get(ctx, e.ks.WorkerKey(workerID))
		if err != nil {
			return fmt.Errorf("failed to read worker record: %w", err)
		}
		if raw == nil {
			return workflow.NewValidationError(fmt.Sprintf("worker not registered: %s", workerID), nil).WithCode(workflow.CodeNotFound)
		}
		var w workflow.Worker
		if err := json.Unmarshal(raw, &w); err != nil {
			return fmt.Errorf("failed to decode worker: %w", err)
		}
		w.HeartbeatAt = now
		value, err := json.Marshal(&w)
		if err != nil {
			return fmt.Errorf("failed to encode worker: %w", err)
		}
		tx.Set(e.ks.WorkerKey(workerID), value)

		// Surface this worker's leased tasks whose instance was cancelled.
		begin, end := e.ks.TaskQueuePrefix()
		entries, err := tx.GetRange(ctx, begin, end, 256)
		if err != nil {
			return fmt.Errorf("failed to scan queue: %w", err)
		}
		for i := range entries {
			var task workflow.Task
			if err := json.Unmarshal(entries[i].Value, &task); err != nil {
				continue
			}
			if task.Lease == nil || task.Lease.WorkerID != workerID {
				continue
			}
			instRaw, err := tx.Get(ctx, e.ks.InstanceKey(task.InstanceID))
			if err != nil || instRaw == nil {
				continue
			}
			var inst workflow.InstanceState
			if err := json.Unmarshal(instRaw, &inst); err != nil {
				continue
			}
			if inst.Status == workflow.StatusCancelled {
				cancelled = append(cancelled, task.TaskID)
			}
		}
		return nil
	})
	return cancelled, err
}

// ListWorkers returns all registered workers.
func (e *Engine) ListWorkers(ctx context.Context) ([]workflow.Worker, error) {
	var workers []workflow.Worker
	err := e.store.ReadTx(ctx, func(tx kv.Tx) error {
		workers = nil
		begin, end := e.ks.WorkersPrefix()
		entries, err := tx.GetRange(ctx, begin, end, 0)
		if err != nil {
			return fmt.Errorf("failed to scan workers: %w", err)
		}
		for i := range entries {
			var w workflow.Worker
			if err := json.Unmarshal(entries[i].Value, &w); err != nil {
				continue
			}
			workers = append(workers, w)
		}
		return nil
	})
	return workers, err
}
