package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linlogge/degov/pkg/kv"
	"github.com/linlogge/degov/pkg/workflow"
)

// testClock is a manually advanced millisecond clock.
type testClock struct {
	ms int64
}

func (c *testClock) now() int64 { return c.ms }
func (c *testClock) advance(d time.Duration) { c.ms += d.Milliseconds() }

func setupQueue(t *testing.T) (*Queue, *testClock) {
	t.Helper()
	store := kv.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	clock := &testClock{ms: 1_000_000}
	q := New(store, kv.NewKeyspace(""), DefaultConfig(), Hooks{}, zerolog.Nop()).WithClock(clock.now)
	return q, clock
}

func makeTask(id string, priority int32, scheduledAt int64) *workflow.Task {
	return &workflow.Task{
		TaskID:         id,
		InstanceID:     "inst-" + id,
		WorkflowID:     "de.example/flow#workflow",
		Kind:           workflow.TaskKindOnEnter,
		Action:         workflow.Action{Type: workflow.ActionScript, Code: "1", Language: workflow.LanguageJavaScript},
		IdempotencyKey: "idem-" + id,
		Priority:       priority,
		ScheduledAt:    scheduledAt,
		Status:         workflow.TaskPending,
		MaxRetries:     2,
	}
}

func TestClaimOrderPriorityFirst(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, makeTask("low", 1, clock.now())))
	require.NoError(t, q.Enqueue(ctx, makeTask("high", 10, clock.now())))
	require.NoError(t, q.Enqueue(ctx, makeTask("mid", 5, clock.now())))

	first, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "high", first.TaskID)

	second, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "mid", second.TaskID)

	third, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "low", third.TaskID)
}

func TestClaimSkipsFutureTasks(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, makeTask("later", 5, clock.now()+60_000)))
	require.NoError(t, q.Enqueue(ctx, makeTask("due", 1, clock.now())))

	task, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "due", task.TaskID, "future task must be skipped despite higher priority")

	task, err = q.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, task)

	clock.advance(2 * time.Minute)
	task, err = q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "later", task.TaskID)
}

func TestEnqueueDuplicateIdempotencyKey(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()

	task := makeTask("t1", 1, clock.now())
	require.NoError(t, q.Enqueue(ctx, task))

	claimed, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	_, err = q.Complete(ctx, claimed.TaskID, "w1", json.RawMessage(`"done"`))
	require.NoError(t, err)

	dup := makeTask("t2", 1, clock.now())
	dup.IdempotencyKey = task.IdempotencyKey
	err = q.Enqueue(ctx, dup)
	require.Error(t, err)
	assert.True(t, workflow.IsValidation(err))
}

func TestLeaseFailover(t *testing.T) {
	// Worker A claims and never heartbeats; after the TTL worker B claims
	// the same task, completes it, and A's late complete returns B's stored
	// result without overwriting it, leaving exactly one idempotency record.
	q, clock := setupQueue(t)
	ctx := context.Background()

	task := makeTask("t1", 1, clock.now())
	require.NoError(t, q.Enqueue(ctx, task))

	claimedA, err := q.Claim(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, claimedA)

	// Lease still valid: B gets nothing.
	got, err := q.Claim(ctx, "worker-b")
	require.NoError(t, err)
	assert.Nil(t, got)

	clock.advance(DefaultConfig().LeaseTTL + time.Second)

	claimedB, err := q.Claim(ctx, "worker-b")
	require.NoError(t, err)
	require.NotNil(t, claimedB)
	assert.Equal(t, task.TaskID, claimedB.TaskID)

	_, err = q.Complete(ctx, task.TaskID, "worker-b", json.RawMessage(`"b-wins"`))
	require.NoError(t, err)

	// A's late write returns the already-stored result rather than
	// overwriting it: the idempotency record guards side effects.
	res, err := q.Complete(ctx, task.TaskID, "worker-a", json.RawMessage(`"a-late"`))
	require.NoError(t, err)
	assert.JSONEq(t, `"b-wins"`, string(res.Output))

	stored, err := q.Result(ctx, task.IdempotencyKey)
	require.NoError(t, err)
	assert.JSONEq(t, `"b-wins"`, string(stored.Output))
}

func TestHeartbeatExtendsLease(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, makeTask("t1", 1, clock.now())))
	claimed, err := q.Claim(ctx, "w1")
	require.NoError(t, err)

	clock.advance(20 * time.Second)
	require.NoError(t, q.Heartbeat(ctx, claimed.TaskID, "w1"))

	// Without the heartbeat the original lease would have expired here.
	clock.advance(20 * time.Second)
	got, err := q.Claim(ctx, "w2")
	require.NoError(t, err)
	assert.Nil(t, got, "heartbeated lease must not be reclaimable")

	err = q.Heartbeat(ctx, claimed.TaskID, "w2")
	assert.True(t, workflow.IsLeaseLost(err), "foreign heartbeat must fail with LeaseLost")
}

func TestFailRetriesThenDeadLetters(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()

	deadLettered := 0
	q.hooks.OnDeadLetter = func(ctx context.Context, tx kv.Tx, task *workflow.Task) error {
		deadLettered++
		return nil
	}

	task := makeTask("t1", 1, clock.now())
	task.MaxRetries = 2
	require.NoError(t, q.Enqueue(ctx, task))

	// Three attempts total: the initial one plus two retries.
	for attempt := 0; attempt < 3; attempt++ {
		clock.advance(5 * time.Minute)
		claimed, err := q.Claim(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, claimed, "attempt %d should be claimable", attempt+1)
		require.NoError(t, q.Fail(ctx, claimed.TaskID, "w1", "boom", false))
	}

	clock.advance(5 * time.Minute)
	got, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, got, "dead-lettered task must not be claimable")

	final, err := q.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskDeadLetter, final.Status)
	assert.Equal(t, 1, deadLettered)

	parked, err := q.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, task.TaskID, parked[0].TaskID)
}

func TestFailBackoffDelaysReschedule(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, makeTask("t1", 1, clock.now())))
	claimed, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, claimed.TaskID, "w1", "boom", false))

	// Immediately after the failure the task is backed off.
	got, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, got)

	clock.advance(2 * time.Second)
	got, err = q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.RetryCount)
}

func TestBackoffJitterBounds(t *testing.T) {
	q, _ := setupQueue(t)
	base := DefaultConfig().BackoffBase

	// ±25% jitter: every sample stays inside the band, and samples vary so
	// colliding retries do not reschedule in lockstep.
	seen := map[time.Duration]bool{}
	for i := 0; i < 50; i++ {
		d := q.backoff(0, false)
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.75))
		assert.LessOrEqual(t, d, time.Duration(float64(base)*1.25))
		seen[d] = true
	}
	assert.Greater(t, len(seen), 1, "jitter must spread retry delays")

	// The cap still bounds deep retries, jitter included.
	deep := q.backoff(20, false)
	assert.LessOrEqual(t, deep, time.Duration(float64(DefaultConfig().BackoffMax)*1.25))
}

func TestRequeueResetsDeadLetter(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()

	task := makeTask("t1", 1, clock.now())
	task.MaxRetries = 0
	require.NoError(t, q.Enqueue(ctx, task))

	claimed, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, claimed.TaskID, "w1", "boom", false))

	final, err := q.Get(ctx, task.TaskID)
	require.NoError(t, err)
	require.Equal(t, workflow.TaskDeadLetter, final.Status)

	require.NoError(t, q.Requeue(ctx, task.TaskID))

	requeued, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, requeued)
	assert.Equal(t, task.TaskID, requeued.TaskID)
	assert.Equal(t, 0, requeued.RetryCount)

	parked, err := q.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, parked)
}

func TestClaimMarksCancelledInstanceTasks(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()
	store := q.store
	ks := q.ks

	task := makeTask("t1", 1, clock.now())
	require.NoError(t, q.Enqueue(ctx, task))

	// Cancel the owning instance directly in the store.
	inst := workflow.InstanceState{
		InstanceID: task.InstanceID,
		WorkflowID: task.WorkflowID,
		Status:     workflow.StatusCancelled,
	}
	raw, err := json.Marshal(&inst)
	require.NoError(t, err)
	require.NoError(t, store.UpdateTx(ctx, func(tx kv.Tx) error {
		tx.Set(ks.InstanceKey(task.InstanceID), raw)
		return nil
	}))

	got, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, got)

	final, err := q.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskCancelled, final.Status)
}

func TestCompleteRequiresLiveLease(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, makeTask("t1", 1, clock.now())))
	claimed, err := q.Claim(ctx, "w1")
	require.NoError(t, err)

	clock.advance(DefaultConfig().LeaseTTL + time.Second)

	_, err = q.Complete(ctx, claimed.TaskID, "w1", json.RawMessage(`1`))
	assert.True(t, workflow.IsLeaseLost(err), "expired lease must reject completion")
}
