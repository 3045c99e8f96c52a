package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/linlogge/degov/pkg/kv"
	"github.com/linlogge/degov/pkg/telemetry"
	"github.com/linlogge/degov/pkg/workflow"
)

// Config tunes queue behavior.
type Config struct {
	// LeaseTTL bounds how long a claim stays exclusive without heartbeats.
	LeaseTTL time.Duration `validate:"min=1s"`

	// DefaultMaxRetries applies to tasks that do not set their own limit.
	DefaultMaxRetries int

	// BackoffBase is the first retry delay; transient failures use
	// TransientBackoffBase instead.
	BackoffBase          time.Duration
	TransientBackoffBase time.Duration
	BackoffMultiplier    float64
	BackoffMax           time.Duration

	// ClaimScanLimit bounds how many queue entries one claim scans past
	// before giving up.
	ClaimScanLimit int
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		LeaseTTL:             30 * time.Second,
		DefaultMaxRetries:    3,
		BackoffBase:          time.Second,
		TransientBackoffBase: 250 * time.Millisecond,
		BackoffMultiplier:    2.0,
		BackoffMax:           time.Minute,
		ClaimScanLimit:       64,
	}
}

// Hooks let the engine participate in queue transactions. All hooks run
// inside the same KV transaction as the queue mutation they accompany.
type Hooks struct {
	// OnCompleted is invoked when a task result is recorded.
	OnCompleted func(ctx context.Context, tx kv.Tx, task *workflow.Task, result *workflow.TaskResult) error

	// OnFailed is invoked on every failed attempt, terminal or not.
	OnFailed func(ctx context.Context, tx kv.Tx, task *workflow.Task, errMsg string) error

	// OnDeadLetter is invoked when a task exhausts its retries.
	OnDeadLetter func(ctx context.Context, tx kv.Tx, task *workflow.Task) error
}

// Queue is the durable task queue. All state lives in the KV store; a Queue
// value is a stateless handle safe for concurrent use.
type Queue struct {
	store kv.Store
	ks    *kv.Keyspace
	cfg   Config
	hooks Hooks
	log   zerolog.Logger

	// now is the clock, injectable for tests.
	now func() int64
}

// New creates a queue over the given store and keyspace.
func New(store kv.Store, ks *kv.Keyspace, cfg Config, hooks Hooks, logger zerolog.Logger) *Queue {
	return &Queue{
		store: store,
		ks:    ks,
		cfg:   cfg,
		hooks: hooks,
		log:   logger.With().Str("component", "queue").Logger(),
		now:   func() int64 { return time.Now().UnixMilli() },
	}
}

// WithClock overrides the queue clock. Tests use it to drive lease expiry.
func (q *Queue) WithClock(now func() int64) *Queue {
	q.now = now
	return q
}

// Enqueue schedules a task. It fails fast with ErrDuplicateIdempotencyKey
// when a result was already recorded for the task's idempotency key.
func (q *Queue) Enqueue(ctx context.Context, task *workflow.Task) error {
	if task.TaskID == "" || task.IdempotencyKey == "" {
		return workflow.NewValidationError("task requires id and idempotency key", nil)
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = q.cfg.DefaultMaxRetries
	}
	if task.Status == "" {
		task.Status = workflow.TaskPending
	}
	return q.store.UpdateTx(ctx, func(tx kv.Tx) error {
		return q.EnqueueInTx(ctx, tx, task)
	})
}

// EnqueueInTx schedules a task inside an existing transaction; the engine
// uses it to make transition bookkeeping and task creation atomic.
func (q *Queue) EnqueueInTx(ctx context.Context, tx kv.Tx, task *workflow.Task) error {
	existing, err := tx.Get(ctx, q.ks.TaskIdempotencyKey(task.IdempotencyKey))
	if err != nil {
		return fmt.Errorf("failed to check idempotency key: %w", err)
	}
	if existing != nil {
		return workflow.ErrDuplicateIdempotencyKey
	}
	return q.writeTask(ctx, tx, task, nil)
}

// writeTask persists the task at its queue position and the task_by_id
// pointer. oldQueueKey, when set, is the stale position to clear.
func (q *Queue) writeTask(ctx context.Context, tx kv.Tx, task *workflow.Task, oldQueueKey []byte) error {
	value, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	queueKey := q.ks.TaskQueueKey(task.Priority, task.ScheduledAt, task.TaskID)
	if oldQueueKey != nil && string(oldQueueKey) != string(queueKey) {
		tx.Clear(oldQueueKey)
	}
	tx.Set(queueKey, value)
	tx.Set(q.ks.TaskByIDKey(task.TaskID), value)
	return nil
}

// Get returns a task by id, or nil when unknown.
func (q *Queue) Get(ctx context.Context, taskID workflow.TaskID) (*workflow.Task, error) {
	var task *workflow.Task
	err := q.store.ReadTx(ctx, func(tx kv.Tx) error {
		t, err := q.getInTx(ctx, tx, taskID)
		task = t
		return err
	})
	return task, err
}

func (q *Queue) getInTx(ctx context.Context, tx kv.Tx, taskID workflow.TaskID) (*workflow.Task, error) {
	raw, err := tx.Get(ctx, q.ks.TaskByIDKey(taskID))
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	var task workflow.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	return &task, nil
}

// Claim atomically leases the next runnable task for a worker. It returns
// nil when no task is due. Tasks whose instance has been cancelled are
// marked cancelled instead of handed out.
func (q *Queue) Claim(ctx context.Context, workerID workflow.WorkerID) (*workflow.Task, error) {
	ic := telemetry.StartOperation(ctx, "queue.claim",
		telemetry.AttrWorkerID.String(workerID))
	claimed, err := q.claim(ic.Ctx, workerID)
	if claimed != nil {
		ic.Span.SetAttributes(
			telemetry.AttrTaskID.String(claimed.TaskID),
			telemetry.AttrTaskKind.String(string(claimed.Kind)),
		)
	}
	ic.End(err)
	return claimed, err
}

func (q *Queue) claim(ctx context.Context, workerID workflow.WorkerID) (*workflow.Task, error) {
	now := q.now()
	var claimed *workflow.Task
	err := q.store.UpdateTx(ctx, func(tx kv.Tx) error {
		claimed = nil
		begin, end := q.ks.TaskQueuePrefix()
		entries, err := tx.GetRange(ctx, begin, end, q.cfg.ClaimScanLimit)
		if err != nil {
			return fmt.Errorf("failed to scan queue: %w", err)
		}

		for i := range entries {
			var task workflow.Task
			if err := json.Unmarshal(entries[i].Value, &task); err != nil {
				q.log.Warn().Str("key", string(entries[i].Key)).Msg("Skipping undecodable queue entry")
				continue
			}
			if task.ScheduledAt > now {
				continue
			}
			switch task.Status {
			case workflow.TaskPending:
				// Claimable.
			case workflow.TaskClaimed, workflow.TaskRunning:
				if task.Lease.Valid(now) {
					continue
				}
				previous := ""
				if task.Lease != nil {
					previous = task.Lease.WorkerID
				}
				q.log.Warn().
					Str("task_id", task.TaskID).
					Str("previous_worker", previous).
					Msg("Reclaiming task with expired lease")
			default:
				continue
			}

			cancelled, err := q.instanceCancelled(ctx, tx, task.InstanceID)
			if err != nil {
				return err
			}
			if cancelled {
				task.Status = workflow.TaskCancelled
				task.Lease = nil
				value, err := json.Marshal(&task)
				if err != nil {
					return fmt.Errorf("failed to encode task: %w", err)
				}
				tx.Clear(entries[i].Key)
				tx.Set(q.ks.TaskByIDKey(task.TaskID), value)
				continue
			}

			task.Status = workflow.TaskClaimed
			task.Lease = &workflow.TaskLease{
				WorkerID:    workerID,
				ClaimedAt:   now,
				ExpiresAt:   now + q.cfg.LeaseTTL.Milliseconds(),
				HeartbeatAt: now,
			}
			if err := q.writeTask(ctx, tx, &task, entries[i].Key); err != nil {
				return err
			}
			claimed = &task
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// instanceCancelled reports whether the owning instance reached a status
// that voids its pending tasks.
func (q *Queue) instanceCancelled(ctx context.Context, tx kv.Tx, instanceID workflow.InstanceID) (bool, error) {
	if instanceID == "" {
		return false, nil
	}
	raw, err := tx.Get(ctx, q.ks.InstanceKey(instanceID))
	if err != nil {
		return false, fmt.Errorf("failed to load instance: %w", err)
	}
	if raw == nil {
		return false, nil
	}
	var inst workflow.InstanceState
	if err := json.Unmarshal(raw, &inst); err != nil {
		return false, fmt.Errorf("failed to decode instance: %w", err)
	}
	return inst.Status == workflow.StatusCancelled, nil
}

// Heartbeat extends a worker's lease. It fails with ErrLeaseLost when the
// stored lease no longer names the caller.
func (q *Queue) Heartbeat(ctx context.Context, taskID workflow.TaskID, workerID workflow.WorkerID) error {
	now := q.now()
	return q.store.UpdateTx(ctx, func(tx kv.Tx) error {
		task, err := q.getInTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return workflow.NewValidationError("task not found", nil).WithCode(workflow.CodeNotFound)
		}
		if err := q.verifyLease(task, workerID, now); err != nil {
			return err
		}
		task.Lease.HeartbeatAt = now
		task.Lease.ExpiresAt = now + q.cfg.LeaseTTL.Milliseconds()
		return q.writeTask(ctx, tx, task, nil)
	})
}

// verifyLease checks lease ownership and liveness for a mutating call.
func (q *Queue) verifyLease(task *workflow.Task, workerID workflow.WorkerID, now int64) error {
	if task.Lease == nil || task.Lease.WorkerID != workerID || !task.Lease.Valid(now) {
		return workflow.ErrLeaseLost
	}
	return nil
}

// MarkRunning transitions a claimed task to running.
func (q *Queue) MarkRunning(ctx context.Context, taskID workflow.TaskID, workerID workflow.WorkerID) error {
	now := q.now()
	return q.store.UpdateTx(ctx, func(tx kv.Tx) error {
		task, err := q.getInTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return workflow.NewValidationError("task not found", nil).WithCode(workflow.CodeNotFound)
		}
		if err := q.verifyLease(task, workerID, now); err != nil {
			return err
		}
		task.Status = workflow.TaskRunning
		return q.writeTask(ctx, tx, task, nil)
	})
}

// Complete records the result of a task. The idempotency record, the task
// status flip, the queue removal, and the engine's completion hook commit in
// one transaction. A repeated Complete with the same idempotency key is a
// no-op returning the stored result.
func (q *Queue) Complete(ctx context.Context, taskID workflow.TaskID, workerID workflow.WorkerID, output json.RawMessage) (*workflow.TaskResult, error) {
	ic := telemetry.StartOperation(ctx, "queue.complete",
		telemetry.TaskAttributes(taskID, "", workerID)...)
	result, err := q.complete(ic.Ctx, taskID, workerID, output)
	ic.End(err)
	return result, err
}

func (q *Queue) complete(ctx context.Context, taskID workflow.TaskID, workerID workflow.WorkerID, output json.RawMessage) (*workflow.TaskResult, error) {
	now := q.now()
	var result *workflow.TaskResult
	err := q.store.UpdateTx(ctx, func(tx kv.Tx) error {
		task, err := q.getInTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return workflow.NewValidationError("task not found", nil).WithCode(workflow.CodeNotFound)
		}

		idemKey := q.ks.TaskIdempotencyKey(task.IdempotencyKey)
		if existing, err := tx.Get(ctx, idemKey); err != nil {
			return fmt.Errorf("failed to check idempotency record: %w", err)
		} else if existing != nil {
			var stored workflow.TaskResult
			if err := json.Unmarshal(existing, &stored); err != nil {
				return fmt.Errorf("failed to decode stored result: %w", err)
			}
			result = &stored
			return nil
		}

		if err := q.verifyLease(task, workerID, now); err != nil {
			return err
		}

		res := &workflow.TaskResult{
			TaskID:     task.TaskID,
			Success:    true,
			Output:     output,
			DurationMs: now - task.Lease.ClaimedAt,
		}
		encoded, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		tx.Set(idemKey, encoded)

		tx.Clear(q.ks.TaskQueueKey(task.Priority, task.ScheduledAt, task.TaskID))
		task.Status = workflow.TaskSucceeded
		task.Lease = nil
		value, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to encode task: %w", err)
		}
		tx.Set(q.ks.TaskByIDKey(task.TaskID), value)

		if q.hooks.OnCompleted != nil {
			if err := q.hooks.OnCompleted(ctx, tx, task, res); err != nil {
				return err
			}
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Fail records a failed attempt. While retries remain the task is
// rescheduled with exponential backoff; otherwise it moves to the
// dead-letter partition and the engine's dead-letter hook fires.
func (q *Queue) Fail(ctx context.Context, taskID workflow.TaskID, workerID workflow.WorkerID, errMsg string, transient bool) error {
	ic := telemetry.StartOperation(ctx, "queue.fail",
		append(telemetry.TaskAttributes(taskID, "", workerID),
			attribute.Bool("transient", transient))...)
	err := q.fail(ic.Ctx, taskID, workerID, errMsg, transient)
	ic.End(err)
	return err
}

func (q *Queue) fail(ctx context.Context, taskID workflow.TaskID, workerID workflow.WorkerID, errMsg string, transient bool) error {
	now := q.now()
	return q.store.UpdateTx(ctx, func(tx kv.Tx) error {
		task, err := q.getInTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return workflow.NewValidationError("task not found", nil).WithCode(workflow.CodeNotFound)
		}
		if err := q.verifyLease(task, workerID, now); err != nil {
			return err
		}

		oldQueueKey := q.ks.TaskQueueKey(task.Priority, task.ScheduledAt, task.TaskID)
		task.Error = errMsg
		task.Lease = nil

		if q.hooks.OnFailed != nil {
			if err := q.hooks.OnFailed(ctx, tx, task, errMsg); err != nil {
				return err
			}
		}

		if task.RetryCount < task.MaxRetries {
			delay := q.backoff(task.RetryCount, transient)
			task.RetryCount++
			task.Status = workflow.TaskPending
			task.ScheduledAt = now + delay.Milliseconds()
			return q.writeTask(ctx, tx, task, oldQueueKey)
		}

		// Retries exhausted: park the task for inspection.
		task.RetryCount++
		task.Status = workflow.TaskDeadLetter
		tx.Clear(oldQueueKey)
		value, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to encode task: %w", err)
		}
		tx.Set(q.ks.TaskByIDKey(task.TaskID), value)
		tx.Set(q.ks.DeadLetterKey(now, task.TaskID), value)

		if q.hooks.OnDeadLetter != nil {
			if err := q.hooks.OnDeadLetter(ctx, tx, task); err != nil {
				return err
			}
		}
		return nil
	})
}

// Requeue is the admin operation that returns a dead-lettered task to the
// pending queue with a fresh retry budget.
func (q *Queue) Requeue(ctx context.Context, taskID workflow.TaskID) error {
	now := q.now()
	return q.store.UpdateTx(ctx, func(tx kv.Tx) error {
		task, err := q.getInTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return workflow.NewValidationError("task not found", nil).WithCode(workflow.CodeNotFound)
		}
		if task.Status != workflow.TaskDeadLetter {
			return workflow.NewValidationError("task is not dead-lettered", nil)
		}

		begin, end := q.ks.DeadLetterPrefix()
		entries, err := tx.GetRange(ctx, begin, end, 0)
		if err != nil {
			return fmt.Errorf("failed to scan dead letters: %w", err)
		}
		for i := range entries {
			var parked workflow.Task
			if err := json.Unmarshal(entries[i].Value, &parked); err != nil {
				continue
			}
			if parked.TaskID == taskID {
				tx.Clear(entries[i].Key)
			}
		}

		task.Status = workflow.TaskPending
		task.RetryCount = 0
		task.Error = ""
		task.ScheduledAt = now
		return q.writeTask(ctx, tx, task, nil)
	})
}

// ListDeadLetters returns parked tasks in arrival order.
func (q *Queue) ListDeadLetters(ctx context.Context, limit int) ([]*workflow.Task, error) {
	var tasks []*workflow.Task
	err := q.store.ReadTx(ctx, func(tx kv.Tx) error {
		tasks = nil
		begin, end := q.ks.DeadLetterPrefix()
		entries, err := tx.GetRange(ctx, begin, end, limit)
		if err != nil {
			return fmt.Errorf("failed to scan dead letters: %w", err)
		}
		for i := range entries {
			var task workflow.Task
			if err := json.Unmarshal(entries[i].Value, &task); err != nil {
				continue
			}
			tasks = append(tasks, &task)
		}
		return nil
	})
	return tasks, err
}

// Result returns the recorded result for an idempotency key, or nil.
func (q *Queue) Result(ctx context.Context, idempotencyKey string) (*workflow.TaskResult, error) {
	var result *workflow.TaskResult
	err := q.store.ReadTx(ctx, func(tx kv.Tx) error {
		result = nil
		raw, err := tx.Get(ctx, q.ks.TaskIdempotencyKey(idempotencyKey))
		if err != nil {
			return err
		}
		if raw == nil {
			return nil
		}
		var stored workflow.TaskResult
		if err := json.Unmarshal(raw, &stored); err != nil {
			return fmt.Errorf("failed to decode stored result: %w", err)
		}
		result = &stored
		return nil
	})
	return result, err
}

// backoff computes the retry delay for the given attempt.
func (q *Queue) backoff(attempt int, transient bool) time.Duration {
	base := q.cfg.BackoffBase
	if transient {
		base = q.cfg.TransientBackoffBase
	}
	delay := float64(base)
	for i := 0; i < attempt; i++ {
		delay *= q.cfg.BackoffMultiplier
	}
	if delay > float64(q.cfg.BackoffMax) {
		delay = float64(q.cfg.BackoffMax)
	}
	// Jitter ±25% so colliding retries do not reschedule in lockstep.
	delay += (rand.Float64() - 0.5) * 0.5 * delay
	return time.Duration(delay)
}
