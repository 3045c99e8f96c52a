package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/linlogge/degov/pkg/kv"
	"github.com/linlogge/degov/pkg/workflow"
)

// Queue hooks: the queue invokes these inside the same KV transaction as
// the task mutation, so audit events, context merges, and compensation
// scheduling commit atomically with task state.

// onTaskCompleted records the completion, folds object-shaped script output
// into the instance context, and advances the compensation chain when a
// compensation task finishes.
func (e *Engine) onTaskCompleted(ctx context.Context, tx kv.Tx, task *workflow.Task, result *workflow.TaskResult) error {
	now := e.now()
	if e.metrics != nil {
		e.metrics.RecordTaskCompleted(string(task.Kind), time.Duration(result.DurationMs)*time.Millisecond)
	}
	if err := e.events.append(ctx, tx, now, &workflow.EventLog{
		InstanceID: task.InstanceID,
		Type:       workflow.EventTaskCompleted,
		TaskID:     task.TaskID,
		Payload:    result.Output,
	}); err != nil {
		return err
	}

	switch task.Kind {
	case workflow.TaskKindCompensation:
		if err := e.events.append(ctx, tx, now, &workflow.EventLog{
			InstanceID: task.InstanceID,
			Type:       workflow.EventCompensationCompleted,
			TaskID:     task.TaskID,
		}); err != nil {
			return err
		}
		return e.advanceCompensationInTx(ctx, tx, now, task)
	case workflow.TaskKindTimeout:
		return nil
	}

	// Script results that are JSON objects merge into the context, the way
	// action outputs feed later guards.
	return e.mergeResultIntoContext(ctx, tx, now, task, result)
}

// mergeResultIntoContext folds an object-shaped result into the instance's
// context document, bumping the instance version.
func (e *Engine) mergeResultIntoContext(ctx context.Context, tx kv.Tx, now int64, task *workflow.Task, result *workflow.TaskResult) error {
	if len(result.Output) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(result.Output, &fields); err != nil || len(fields) == 0 {
		// Non-object outputs are recorded in the event log only.
		return nil
	}

	inst, err := e.getInstanceInTx(ctx, tx, task.InstanceID)
	if err != nil {
		if workflow.IsValidation(err) {
			return nil
		}
		return err
	}
	if inst.Status.IsTerminal() {
		// Terminal instances accept no further mutations; the result
		// stays visible in the event log.
		return nil
	}

	doc := map[string]json.RawMessage{}
	if len(inst.Context) > 0 {
		if err := json.Unmarshal(inst.Context, &doc); err != nil {
			doc = map[string]json.RawMessage{}
		}
	}
	for k, v := range fields {
		doc[k] = v
		tx.Set(e.ks.ContextKey(inst.InstanceID, k), v)
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	inst.Context = merged
	inst.Version++
	inst.UpdatedAt = now
	return e.putInstanceInTx(tx, inst)
}

// onTaskFailed records each failed attempt.
func (e *Engine) onTaskFailed(ctx context.Context, tx kv.Tx, task *workflow.Task, errMsg string) error {
	if e.metrics != nil {
		e.metrics.RecordTaskFailed(string(task.Kind), "error")
	}
	return e.events.append(ctx, tx, e.now(), &workflow.EventLog{
		InstanceID: task.InstanceID,
		Type:       workflow.EventTaskFailed,
		TaskID:     task.TaskID,
		Error:      errMsg,
	})
}

// onTaskDeadLetter handles terminal action failure: the instance moves to
// Failed and, when the failed transition carries a compensation, the
// compensation chain starts with the most recently failed transition.
// Compensations for multiple failed transitions run in reverse temporal
// order. A failing compensation leaves the instance Failed with the
// compensating error attached.
func (e *Engine) onTaskDeadLetter(ctx context.Context, tx kv.Tx, task *workflow.Task) error {
	now := e.now()
	if e.metrics != nil {
		e.metrics.RecordTaskDeadLetter(string(task.Kind))
	}

	if task.Kind == workflow.TaskKindTimeout {
		// A dead-lettered timeout is operator-visible but does not fail
		// the instance; the state simply never timed out.
		return nil
	}

	inst, err := e.getInstanceInTx(ctx, tx, task.InstanceID)
	if err != nil {
		if workflow.IsValidation(err) {
			return nil
		}
		return err
	}

	if task.Kind == workflow.TaskKindCompensation {
		inst.Error = "compensation failed: " + task.Error
		inst.Version++
		inst.UpdatedAt = now
		if inst.Status != workflow.StatusFailed {
			inst.Status = workflow.StatusFailed
		}
		if err := e.putInstanceInTx(tx, inst); err != nil {
			return err
		}
		return e.events.append(ctx, tx, now, &workflow.EventLog{
			InstanceID: inst.InstanceID,
			Type:       workflow.EventInstanceFailed,
			TaskID:     task.TaskID,
			Error:      inst.Error,
		})
	}

	if task.TransitionID != "" {
		inst.FailedTransitions = append(inst.FailedTransitions, task.TransitionID)
	}
	if !inst.Status.IsTerminal() {
		inst.Status = workflow.StatusFailed
	}
	inst.Error = task.Error
	inst.Version++
	inst.UpdatedAt = now
	if err := e.putInstanceInTx(tx, inst); err != nil {
		return err
	}
	if err := e.events.append(ctx, tx, now, &workflow.EventLog{
		InstanceID: inst.InstanceID,
		Type:       workflow.EventInstanceFailed,
		TaskID:     task.TaskID,
		Error:      task.Error,
	}); err != nil {
		return err
	}

	return e.scheduleCompensationInTx(ctx, tx, now, inst)
}

// advanceCompensationInTx pops the compensated transition and schedules the
// next one in the reverse-temporal chain.
func (e *Engine) advanceCompensationInTx(ctx context.Context, tx kv.Tx, now int64, task *workflow.Task) error {
	inst, err := e.getInstanceInTx(ctx, tx, task.InstanceID)
	if err != nil {
		if workflow.IsValidation(err) {
			return nil
		}
		return err
	}
	remaining := inst.FailedTransitions[:0]
	for _, id := range inst.FailedTransitions {
		if id != task.TransitionID {
			remaining = append(remaining, id)
		}
	}
	inst.FailedTransitions = remaining
	inst.Version++
	inst.UpdatedAt = now
	if err := e.putInstanceInTx(tx, inst); err != nil {
		return err
	}
	return e.scheduleCompensationInTx(ctx, tx, now, inst)
}

// scheduleCompensationInTx enqueues the compensation of the most recently
// failed transition that defines one. Transitions without a compensation
// are dropped from the chain.
func (e *Engine) scheduleCompensationInTx(ctx context.Context, tx kv.Tx, now int64, inst *workflow.InstanceState) error {
	if len(inst.FailedTransitions) == 0 {
		return nil
	}
	def, err := e.getWorkflowInTx(ctx, tx, inst.WorkflowID, inst.WorkflowVersion)
	if err != nil {
		return err
	}
	byID := make(map[string]*workflow.Transition, len(def.Transitions))
	for i := range def.Transitions {
		byID[def.Transitions[i].ID] = &def.Transitions[i]
	}

	// Walk newest-first; prune entries that cannot be compensated.
	for len(inst.FailedTransitions) > 0 {
		last := inst.FailedTransitions[len(inst.FailedTransitions)-1]
		t, ok := byID[last]
		if !ok || t.Compensation == nil {
			inst.FailedTransitions = inst.FailedTransitions[:len(inst.FailedTransitions)-1]
			continue
		}

		task := &workflow.Task{
			TaskID:         uuid.New().String(),
			InstanceID:     inst.InstanceID,
			WorkflowID:     inst.WorkflowID,
			Kind:           workflow.TaskKindCompensation,
			TransitionID:   t.ID,
			Action:         *t.Compensation,
			IdempotencyKey: workflow.IdempotencyKey(inst.InstanceID, t.ID, "compensate", 0),
			Priority:       e.cfg.CompensationPriority,
			CreatedAt:      now,
			ScheduledAt:    now,
			Status:         workflow.TaskPending,
			MaxRetries:     e.cfg.DefaultMaxRetries,
		}
		if err := e.tasks.EnqueueInTx(ctx, tx, task); err != nil {
			return err
		}
		if err := e.putInstanceInTx(tx, inst); err != nil {
			return err
		}
		return e.events.append(ctx, tx, now, &workflow.EventLog{
			InstanceID: inst.InstanceID,
			Type:       workflow.EventCompensationScheduled,
			TaskID:     task.TaskID,
			Error:      inst.Error,
		})
	}
	return e.putInstanceInTx(tx, inst)
}
