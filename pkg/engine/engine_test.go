package engine_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linlogge/degov/pkg/engine"
	"github.com/linlogge/degov/pkg/kv"
	"github.com/linlogge/degov/pkg/rpc"
	"github.com/linlogge/degov/pkg/sandbox"
	"github.com/linlogge/degov/pkg/worker"
	"github.com/linlogge/degov/pkg/workflow"
)

// testClock is a manually advanced millisecond clock shared by the engine
// and its queue.
type testClock struct{ ms int64 }

func (c *testClock) now() int64 { return c.ms }
func (c *testClock) advance(d time.Duration) { c.ms += d.Milliseconds() }

type harness struct {
	engine *engine.Engine
	worker *worker.Worker
	clock  *testClock
}

func setup(t *testing.T) *harness {
	t.Helper()
	store := kv.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	clock := &testClock{ms: 1_700_000_000_000}
	eng := engine.New(store, kv.NewKeyspace(""), sandbox.NewPool(2),
		engine.DefaultConfig(), zerolog.Nop(), engine.WithClock(clock.now))

	cfg := worker.DefaultConfig()
	cfg.WorkerID = "test-worker"
	w := worker.New(rpc.NewLocal(eng), eng, cfg, zerolog.Nop())
	require.NoError(t, eng.RegisterWorker(context.Background(), cfg.WorkerID, "test", 1))

	return &harness{engine: eng, worker: w, clock: clock}
}

// drain processes tasks until the queue is quiet, advancing the clock over
// retry backoffs and scheduled delays.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	idle := 0
	for i := 0; i < 200; i++ {
		processed, err := h.worker.ProcessOne(ctx)
		require.NoError(t, err)
		if processed {
			idle = 0
			continue
		}
		idle++
		if idle > 3 {
			return
		}
		h.clock.advance(30 * time.Second)
	}
	t.Fatalf("queue did not drain")
}

func simpleDefinition() *workflow.WorkflowDefinition {
	return &workflow.WorkflowDefinition{
		ID:           "de.example/simple#workflow",
		Name:         "simple",
		InitialState: "S0",
		States: map[string]workflow.StateDefinition{
			"S0": {},
			"S1": {IsTerminal: true},
		},
		Transitions: []workflow.Transition{
			{ID: "t1", From: "S0", To: "S1", Event: "e"},
		},
	}
}

func TestSimpleCompletion(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	def, err := h.engine.RegisterWorkflow(ctx, simpleDefinition())
	require.NoError(t, err)
	assert.Equal(t, int64(1), def.Version)

	id, err := h.engine.CreateInstance(ctx, engine.CreateOptions{WorkflowID: def.ID})
	require.NoError(t, err)

	inst, err := h.engine.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "S0", inst.CurrentState)
	assert.Equal(t, workflow.StatusRunning, inst.Status)

	res, err := h.engine.TriggerEvent(ctx, id, "e", nil, "tester")
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeTransitioned, res.Outcome)

	inst, err = h.engine.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "S1", inst.CurrentState)
	assert.Equal(t, workflow.StatusCompleted, inst.Status)

	events, err := h.engine.GetEvents(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, workflow.EventInstanceCreated, events[0].Type)
	assert.Equal(t, workflow.EventTransitioned, events[1].Type)
	assert.Equal(t, "S0", events[1].FromState)
	assert.Equal(t, "S1", events[1].ToState)
	assert.Equal(t, workflow.EventStateEntered, events[2].Type)
	assert.Equal(t, "S1", events[2].ToState)
}

func TestGuardedBranch(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	def := &workflow.WorkflowDefinition{
		ID:           "de.example/guarded#workflow",
		InitialState: "S0",
		States: map[string]workflow.StateDefinition{
			"S0":       {},
			"Approved": {IsTerminal: true},
			"Review":   {IsTerminal: true},
		},
		Transitions: []workflow.Transition{
			{ID: "approve", From: "S0", To: "Approved", Event: "e", Guard: "context.amount < 1000"},
			{ID: "review", From: "S0", To: "Review", Event: "e"},
		},
	}
	_, err := h.engine.RegisterWorkflow(ctx, def)
	require.NoError(t, err)

	small, err := h.engine.CreateInstance(ctx, engine.CreateOptions{
		WorkflowID:     def.ID,
		InitialContext: json.RawMessage(`{"amount": 500}`),
	})
	require.NoError(t, err)
	_, err = h.engine.TriggerEvent(ctx, small, "e", nil, "tester")
	require.NoError(t, err)
	inst, _ := h.engine.GetInstance(ctx, small)
	assert.Equal(t, "Approved", inst.CurrentState)

	large, err := h.engine.CreateInstance(ctx, engine.CreateOptions{
		WorkflowID:     def.ID,
		InitialContext: json.RawMessage(`{"amount": 5000}`),
	})
	require.NoError(t, err)
	_, err = h.engine.TriggerEvent(ctx, large, "e", nil, "tester")
	require.NoError(t, err)
	inst, _ = h.engine.GetInstance(ctx, large)
	assert.Equal(t, "Review", inst.CurrentState)
}

func TestGuardThrowLeavesStateUnchanged(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	def := &workflow.WorkflowDefinition{
		ID:           "de.example/guard-throw#workflow",
		InitialState: "S0",
		States: map[string]workflow.StateDefinition{
			"S0": {},
			"S1": {IsTerminal: true},
		},
		Transitions: []workflow.Transition{
			{ID: "t1", From: "S0", To: "S1", Event: "e", Guard: `(function(){ throw new Error("guard boom") })()`},
		},
	}
	_, err := h.engine.RegisterWorkflow(ctx, def)
	require.NoError(t, err)

	id, err := h.engine.CreateInstance(ctx, engine.CreateOptions{WorkflowID: def.ID})
	require.NoError(t, err)

	res, err := h.engine.TriggerEvent(ctx, id, "e", nil, "tester")
	assert.ErrorIs(t, err, workflow.ErrNoApplicableTransition)
	assert.Equal(t, engine.OutcomeIgnored, res.Outcome)

	inst, _ := h.engine.GetInstance(ctx, id)
	assert.Equal(t, "S0", inst.CurrentState)
	assert.Equal(t, workflow.StatusRunning, inst.Status)

	events, err := h.engine.GetEvents(ctx, id)
	require.NoError(t, err)
	var guardErrors int
	for _, e := range events {
		if e.Type == workflow.EventGuardError {
			guardErrors++
		}
	}
	assert.Equal(t, 1, guardErrors)
}

func TestRetryAndDeadLetter(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	def := &workflow.WorkflowDefinition{
		ID:           "de.example/boom#workflow",
		InitialState: "S0",
		States: map[string]workflow.StateDefinition{
			"S0": {
				OnEnter: &workflow.Action{
					Type:       workflow.ActionScript,
					Language:   workflow.LanguageJavaScript,
					Code:       `throw new Error("boom")`,
					MaxRetries: 2,
				},
			},
			"S1": {IsTerminal: true},
		},
		Transitions: []workflow.Transition{
			{ID: "t1", From: "S0", To: "S1", Event: "e"},
		},
	}
	_, err := h.engine.RegisterWorkflow(ctx, def)
	require.NoError(t, err)

	id, err := h.engine.CreateInstance(ctx, engine.CreateOptions{WorkflowID: def.ID})
	require.NoError(t, err)

	h.drain(t)

	inst, err := h.engine.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, inst.Status)
	assert.Equal(t, "S0", inst.CurrentState, "failed action must not move the instance")

	dead, err := h.engine.Queue().ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, workflow.TaskDeadLetter, dead[0].Status)
	assert.Equal(t, 3, dead[0].RetryCount, "three attempts: initial plus two retries")

	events, err := h.engine.GetEvents(ctx, id)
	require.NoError(t, err)
	var taskFailed, instanceFailed int
	for _, e := range events {
		switch e.Type {
		case workflow.EventTaskFailed:
			taskFailed++
		case workflow.EventInstanceFailed:
			instanceFailed++
		}
	}
	assert.Equal(t, 3, taskFailed)
	assert.Equal(t, 1, instanceFailed)
}

func TestPauseResume(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	def := simpleDefinition()
	def.ID = "de.example/pause#workflow"
	_, err := h.engine.RegisterWorkflow(ctx, def)
	require.NoError(t, err)

	id, err := h.engine.CreateInstance(ctx, engine.CreateOptions{WorkflowID: def.ID})
	require.NoError(t, err)
	require.NoError(t, h.engine.PauseInstance(ctx, id, "operator"))

	res, err := h.engine.TriggerEvent(ctx, id, "e", nil, "tester")
	assert.ErrorIs(t, err, workflow.ErrInstancePaused)
	assert.Equal(t, engine.OutcomeDeferred, res.Outcome)

	inst, _ := h.engine.GetInstance(ctx, id)
	assert.Equal(t, "S0", inst.CurrentState)
	assert.Equal(t, workflow.StatusPaused, inst.Status)

	events, _ := h.engine.GetEvents(ctx, id)
	var deferred bool
	for _, e := range events {
		if e.Type == workflow.EventEventDeferred {
			deferred = true
		}
	}
	assert.True(t, deferred, "paused dispatch must log EventDeferred")

	require.NoError(t, h.engine.ResumeInstance(ctx, id, "operator"))
	_, err = h.engine.TriggerEvent(ctx, id, "e", nil, "tester")
	require.NoError(t, err)
	inst, _ = h.engine.GetInstance(ctx, id)
	assert.Equal(t, workflow.StatusCompleted, inst.Status)
}

func TestTerminalInstanceIgnoresReplay(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	def := simpleDefinition()
	def.ID = "de.example/replay#workflow"
	_, err := h.engine.RegisterWorkflow(ctx, def)
	require.NoError(t, err)

	id, err := h.engine.CreateInstance(ctx, engine.CreateOptions{WorkflowID: def.ID})
	require.NoError(t, err)
	_, err = h.engine.TriggerEvent(ctx, id, "e", nil, "tester")
	require.NoError(t, err)

	res, err := h.engine.TriggerEvent(ctx, id, "e", nil, "tester")
	require.NoError(t, err, "replay on terminal instance is a no-op")
	assert.Equal(t, engine.OutcomeIgnored, res.Outcome)

	events, _ := h.engine.GetEvents(ctx, id)
	assert.Equal(t, workflow.EventEventIgnored, events[len(events)-1].Type)

	inst, _ := h.engine.GetInstance(ctx, id)
	assert.Equal(t, "S1", inst.CurrentState)
}

func TestCreateInstanceIdempotency(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	def := simpleDefinition()
	def.ID = "de.example/idem#workflow"
	_, err := h.engine.RegisterWorkflow(ctx, def)
	require.NoError(t, err)

	first, err := h.engine.CreateInstance(ctx, engine.CreateOptions{
		WorkflowID:     def.ID,
		IdempotencyKey: "create-once",
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		again, err := h.engine.CreateInstance(ctx, engine.CreateOptions{
			WorkflowID:     def.ID,
			IdempotencyKey: "create-once",
		})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	ids, err := h.engine.ListInstances(ctx, def.ID)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestRegisterWorkflowIdempotentByContent(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	def := simpleDefinition()
	def.ID = "de.example/reg#workflow"
	def.Version = 1
	first, err := h.engine.RegisterWorkflow(ctx, def)
	require.NoError(t, err)

	// Same content, same version: no-op.
	again, err := h.engine.RegisterWorkflow(ctx, simpleDefinitionWithID("de.example/reg#workflow", 1))
	require.NoError(t, err)
	assert.Equal(t, first.ContentHash, again.ContentHash)

	// Different content under a taken version: rejected.
	changed := simpleDefinitionWithID("de.example/reg#workflow", 1)
	changed.Transitions[0].Event = "other"
	_, err = h.engine.RegisterWorkflow(ctx, changed)
	require.Error(t, err)
	assert.True(t, workflow.IsValidation(err))

	// Version zero assigns the next version.
	next, err := h.engine.RegisterWorkflow(ctx, simpleDefinitionWithID("de.example/reg#workflow", 0))
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Version)
}

func simpleDefinitionWithID(id string, version int64) *workflow.WorkflowDefinition {
	def := simpleDefinition()
	def.ID = id
	def.Version = version
	return def
}

func TestInstanceVersionMonotonic(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	def := &workflow.WorkflowDefinition{
		ID:           "de.example/versions#workflow",
		InitialState: "A",
		States: map[string]workflow.StateDefinition{
			"A": {}, "B": {}, "C": {IsTerminal: true},
		},
		Transitions: []workflow.Transition{
			{ID: "ab", From: "A", To: "B", Event: "go"},
			{ID: "bc", From: "B", To: "C", Event: "go"},
		},
	}
	_, err := h.engine.RegisterWorkflow(ctx, def)
	require.NoError(t, err)

	id, err := h.engine.CreateInstance(ctx, engine.CreateOptions{WorkflowID: def.ID})
	require.NoError(t, err)

	versions := []int64{}
	inst, _ := h.engine.GetInstance(ctx, id)
	versions = append(versions, inst.Version)

	for i := 0; i < 2; i++ {
		_, err := h.engine.TriggerEvent(ctx, id, "go", nil, "tester")
		require.NoError(t, err)
		inst, _ = h.engine.GetInstance(ctx, id)
		versions = append(versions, inst.Version)
	}
	for i := 1; i < len(versions); i++ {
		assert.Greater(t, versions[i], versions[i-1], "instance version must strictly increase")
	}
}

func TestEventLogMonotonicAndChained(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	def := &workflow.WorkflowDefinition{
		ID:           "de.example/chain#workflow",
		InitialState: "A",
		States: map[string]workflow.StateDefinition{
			"A": {}, "B": {}, "C": {IsTerminal: true},
		},
		Transitions: []workflow.Transition{
			{ID: "ab", From: "A", To: "B", Event: "go"},
			{ID: "bc", From: "B", To: "C", Event: "go"},
		},
	}
	_, err := h.engine.RegisterWorkflow(ctx, def)
	require.NoError(t, err)

	id, err := h.engine.CreateInstance(ctx, engine.CreateOptions{WorkflowID: def.ID})
	require.NoError(t, err)
	_, err = h.engine.TriggerEvent(ctx, id, "go", nil, "tester")
	require.NoError(t, err)
	h.clock.advance(time.Second)
	_, err = h.engine.TriggerEvent(ctx, id, "go", nil, "tester")
	require.NoError(t, err)

	events, err := h.engine.GetEvents(ctx, id)
	require.NoError(t, err)

	// Strictly monotonic (timestamp, seq).
	for i := 1; i < len(events); i++ {
		prev, cur := events[i-1], events[i]
		ok := cur.Timestamp > prev.Timestamp || (cur.Timestamp == prev.Timestamp && cur.Seq > prev.Seq)
		assert.True(t, ok, "event %d not after event %d", i, i-1)
	}

	// Every Transitioned.from chains to the previous Transitioned.to.
	lastTo := def.InitialState
	for _, e := range events {
		if e.Type != workflow.EventTransitioned {
			continue
		}
		assert.Equal(t, lastTo, e.FromState)
		lastTo = e.ToState
	}
}

func TestCompensationRunsOnTerminalActionFailure(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	def := &workflow.WorkflowDefinition{
		ID:           "de.example/comp#workflow",
		InitialState: "S0",
		States: map[string]workflow.StateDefinition{
			"S0": {}, "S1": {}, "S2": {IsTerminal: true},
		},
		Transitions: []workflow.Transition{
			{
				ID: "t1", From: "S0", To: "S1", Event: "e",
				Action: &workflow.Action{
					Type:       workflow.ActionScript,
					Language:   workflow.LanguageJavaScript,
					Code:       `throw new Error("downstream boom")`,
					MaxRetries: 1,
				},
				Compensation: &workflow.Action{
					Type:     workflow.ActionScript,
					Language: workflow.LanguageJavaScript,
					Code:     `({compensated: true})`,
				},
			},
			{ID: "t2", From: "S1", To: "S2", Event: "done"},
		},
	}
	_, err := h.engine.RegisterWorkflow(ctx, def)
	require.NoError(t, err)

	id, err := h.engine.CreateInstance(ctx, engine.CreateOptions{WorkflowID: def.ID})
	require.NoError(t, err)
	_, err = h.engine.TriggerEvent(ctx, id, "e", nil, "tester")
	require.NoError(t, err)

	h.drain(t)

	inst, err := h.engine.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, inst.Status)
	assert.Empty(t, inst.FailedTransitions, "compensated transitions must be consumed")

	events, err := h.engine.GetEvents(ctx, id)
	require.NoError(t, err)
	var scheduled, completed bool
	for _, e := range events {
		switch e.Type {
		case workflow.EventCompensationScheduled:
			scheduled = true
		case workflow.EventCompensationCompleted:
			completed = true
		}
	}
	assert.True(t, scheduled, "compensation must be scheduled after terminal failure")
	assert.True(t, completed, "compensation must run to completion")
}

func TestStateTimeoutFiresEvent(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	def := &workflow.WorkflowDefinition{
		ID:           "de.example/timeout#workflow",
		InitialState: "Waiting",
		States: map[string]workflow.StateDefinition{
			"Waiting": {TimeoutSeconds: 60, TimeoutEvent: "expired"},
			"Expired": {IsTerminal: true},
		},
		Transitions: []workflow.Transition{
			{ID: "t1", From: "Waiting", To: "Expired", Event: "expired"},
		},
	}
	_, err := h.engine.RegisterWorkflow(ctx, def)
	require.NoError(t, err)

	id, err := h.engine.CreateInstance(ctx, engine.CreateOptions{WorkflowID: def.ID})
	require.NoError(t, err)

	// Before the timeout nothing is claimable.
	processed, err := h.worker.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, processed)

	h.clock.advance(2 * time.Minute)
	h.drain(t)

	inst, err := h.engine.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Expired", inst.CurrentState)
	assert.Equal(t, workflow.StatusCompleted, inst.Status)
}

func TestCancelInstanceVoidsPendingTasks(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	def := &workflow.WorkflowDefinition{
		ID:           "de.example/cancel#workflow",
		InitialState: "S0",
		States: map[string]workflow.StateDefinition{
			"S0": {OnEnter: &workflow.Action{
				Type:     workflow.ActionScript,
				Language: workflow.LanguageJavaScript,
				Code:     `1`,
			}},
			"S1": {IsTerminal: true},
		},
		Transitions: []workflow.Transition{
			{ID: "t1", From: "S0", To: "S1", Event: "e"},
		},
	}
	_, err := h.engine.RegisterWorkflow(ctx, def)
	require.NoError(t, err)

	id, err := h.engine.CreateInstance(ctx, engine.CreateOptions{WorkflowID: def.ID})
	require.NoError(t, err)
	require.NoError(t, h.engine.CancelInstance(ctx, id, "operator"))

	// The pending on-enter task is voided at claim time.
	processed, err := h.worker.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, processed)

	res, err := h.engine.TriggerEvent(ctx, id, "e", nil, "tester")
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeIgnored, res.Outcome, "cancelled is terminal")

	inst, _ := h.engine.GetInstance(ctx, id)
	assert.Equal(t, workflow.StatusCancelled, inst.Status)
}

func TestOnEnterScriptMergesResultIntoContext(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	def := &workflow.WorkflowDefinition{
		ID:           "de.example/merge#workflow",
		InitialState: "S0",
		States: map[string]workflow.StateDefinition{
			"S0": {OnEnter: &workflow.Action{
				Type:     workflow.ActionScript,
				Language: workflow.LanguageJavaScript,
				Code:     `({score: context.amount * 2})`,
			}},
			"High": {IsTerminal: true},
			"Low":  {IsTerminal: true},
		},
		Transitions: []workflow.Transition{
			{ID: "hi", From: "S0", To: "High", Event: "decide", Guard: "context.score >= 100"},
			{ID: "lo", From: "S0", To: "Low", Event: "decide"},
		},
	}
	_, err := h.engine.RegisterWorkflow(ctx, def)
	require.NoError(t, err)

	id, err := h.engine.CreateInstance(ctx, engine.CreateOptions{
		WorkflowID:     def.ID,
		InitialContext: json.RawMessage(`{"amount": 80}`),
	})
	require.NoError(t, err)

	h.drain(t)

	_, err = h.engine.TriggerEvent(ctx, id, "decide", nil, "tester")
	require.NoError(t, err)
	inst, _ := h.engine.GetInstance(ctx, id)
	assert.Equal(t, "High", inst.CurrentState, "script output must feed later guards")
}
