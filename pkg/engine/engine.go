package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/linlogge/degov/pkg/kv"
	"github.com/linlogge/degov/pkg/queue"
	"github.com/linlogge/degov/pkg/sandbox"
	"github.com/linlogge/degov/pkg/telemetry"
	"github.com/linlogge/degov/pkg/workflow"
)

// Config tunes engine behavior.
type Config struct {
	// LockTTL is the transition budget: how long one event dispatch may
	// hold an instance lock.
	LockTTL time.Duration

	// DefaultTaskPriority applies to tasks the engine schedules.
	DefaultTaskPriority int32

	// DefaultMaxRetries applies to actions without their own limit.
	DefaultMaxRetries int

	// CompensationPriority orders compensations ahead of regular work.
	CompensationPriority int32

	// Queue configures the engine-owned task queue.
	Queue queue.Config
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		LockTTL:              30 * time.Second,
		DefaultTaskPriority:  0,
		DefaultMaxRetries:    3,
		CompensationPriority: 100,
		Queue:                queue.DefaultConfig(),
	}
}

// PermissionChecker gates event dispatch. Implementations evaluate the
// Permission definitions registered for a workflow's entity.
type PermissionChecker interface {
	Allow(ctx context.Context, workflowID workflow.WorkflowID, actor, event, state string) (bool, error)
}

// ContextValidator checks an instance's initial context against the data
// model named by the workflow definition.
type ContextValidator interface {
	ValidateContext(model string, context json.RawMessage) error
}

// TriggerOutcome describes how an event dispatch ended.
type TriggerOutcome string

const (
	OutcomeTransitioned TriggerOutcome = "transitioned"
	OutcomeIgnored      TriggerOutcome = "ignored"
	OutcomeDeferred     TriggerOutcome = "deferred"
)

// TriggerResult reports the effect of TriggerEvent.
type TriggerResult struct {
	Outcome      TriggerOutcome `json:"outcome"`
	From         string         `json:"from,omitempty"`
	To           string         `json:"to,omitempty"`
	Event        string         `json:"event"`
	TransitionID string         `json:"transition_id,omitempty"`
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithPermissions wires a permission checker into event dispatch.
func WithPermissions(p PermissionChecker) Option {
	return func(e *Engine) { e.permissions = p }
}

// WithContextValidator wires data-model validation into instance creation.
func WithContextValidator(v ContextValidator) Option {
	return func(e *Engine) { e.contextCheck = v }
}

// WithNotifier wires the external notification collaborator used by
// sandbox hosts built for this engine's instances.
func WithNotifier(n sandbox.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithFederation wires the inter-authority collaborator.
func WithFederation(f sandbox.Federation) Option {
	return func(e *Engine) { e.federation = f }
}

// WithMetrics wires Prometheus instrumentation into the engine's hot
// paths: instance lifecycle, transitions, and task outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the engine clock (milliseconds). Tests use it to
// drive timeouts and leases deterministically. The engine-owned queue
// shares the clock.
func WithClock(now func() int64) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the authoritative interpreter of the workflow state machine.
// All authoritative state lives in the KV store; an Engine value is a
// stateless handle safe for concurrent use across goroutines.
type Engine struct {
	store   kv.Store
	ks      *kv.Keyspace
	sandbox *sandbox.Pool
	events  eventLog
	locks   lockManager
	tasks   *queue.Queue

	permissions  PermissionChecker
	contextCheck ContextValidator
	notifier     sandbox.Notifier
	federation   sandbox.Federation
	metrics      *telemetry.Metrics

	log zerolog.Logger
	cfg Config
	now func() int64
	// owner identifies the engine itself as a lock holder for operations
	// not driven by a worker.
	owner workflow.WorkerID
}

// New creates an engine over the given store. The engine owns its task
// queue so transition bookkeeping and task scheduling share transactions.
func New(store kv.Store, ks *kv.Keyspace, pool *sandbox.Pool, cfg Config, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		ks:      ks,
		sandbox: pool,
		events:  eventLog{ks: ks},
		locks:   lockManager{store: store, ks: ks},
		log:     logger.With().Str("component", "engine").Logger(),
		cfg:     cfg,
		now:     func() int64 { return time.Now().UnixMilli() },
		owner:   "engine-" + uuid.New().String(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.tasks = queue.New(store, ks, cfg.Queue, queue.Hooks{
		OnCompleted:  e.onTaskCompleted,
		OnFailed:     e.onTaskFailed,
		OnDeadLetter: e.onTaskDeadLetter,
	}, logger).WithClock(e.now)
	return e
}

// Queue exposes the engine's task queue to workers and admin tooling.
func (e *Engine) Queue() *queue.Queue { return e.tasks }

// Sandbox exposes the evaluator pool so workers reuse the engine's limits.
func (e *Engine) Sandbox() *sandbox.Pool { return e.sandbox }

// ContextKV builds the capability-scoped KV view of one instance for the
// sandbox host API.
func (e *Engine) ContextKV(instanceID workflow.InstanceID) sandbox.ContextKV {
	return NewContextKV(e.store, e.ks, instanceID, e.now)
}

// Notifier returns the wired notification collaborator, which may be nil.
func (e *Engine) Notifier() sandbox.Notifier { return e.notifier }

// Federation returns the wired inter-authority collaborator.
func (e *Engine) Federation() sandbox.Federation { return e.federation }

// Now returns the engine clock reading in milliseconds.
func (e *Engine) Now() int64 { return e.now() }

// LockHolder returns the current lock record of an instance, or nil when
// the instance is unlocked. Read-only; operators use it to see who is
// executing an instance.
func (e *Engine) LockHolder(ctx context.Context, instanceID workflow.InstanceID) (*workflow.InstanceLock, error) {
	return e.locks.holder(ctx, instanceID)
}

// ==================== Workflow definitions ====================

// RegisterWorkflow validates and persists a workflow definition. A version
// of zero assigns the next version, unless the latest stored version was
// registered from identical content; that version is then returned
// unchanged. Re-registering the same
// (id, version, content) is a no-op; the same (id, version) with different
// content fails with ALREADY_EXISTS.
func (e *Engine) RegisterWorkflow(ctx context.Context, def *workflow.WorkflowDefinition) (*workflow.WorkflowDefinition, error) {
	if err := workflow.ValidateDefinition(def); err != nil {
		return nil, err
	}
	hash, err := workflow.ContentHash(def)
	if err != nil {
		return nil, err
	}

	registered := *def
	registered.ContentHash = hash
	now := e.now()

	err = e.store.UpdateTx(ctx, func(tx kv.Tx) error {
		version := def.Version
		if version == 0 {
			latest, err := e.latestVersionInTx(ctx, tx, registered.ID)
			if err != nil {
				return err
			}
			if latest > 0 {
				raw, err := tx.Get(ctx, e.ks.WorkflowKey(registered.ID, latest))
				if err != nil {
					return fmt.Errorf("failed to load latest version: %w", err)
				}
				var stored workflow.WorkflowDefinition
				if raw != nil && json.Unmarshal(raw, &stored) == nil && stored.ContentHash == hash {
					registered = stored
					return nil
				}
			}
			version = latest + 1
		} else {
			existing, err := tx.Get(ctx, e.ks.WorkflowKey(registered.ID, version))
			if err != nil {
				return fmt.Errorf("failed to check existing version: %w", err)
			}
			if existing != nil {
				var stored workflow.WorkflowDefinition
				if err := json.Unmarshal(existing, &stored); err != nil {
					return fmt.Errorf("failed to decode stored definition: %w", err)
				}
				if stored.ContentHash == hash {
					registered = stored
					return nil
				}
				return workflow.NewValidationError(
					fmt.Sprintf("workflow %s version %d already registered with different content", registered.ID, version),
					nil,
				).WithCode(workflow.CodeAlreadyExists)
			}
		}

		registered.Version = version
		registered.CreatedAt = now
		value, err := json.Marshal(&registered)
		if err != nil {
			return fmt.Errorf("failed to encode definition: %w", err)
		}
		tx.Set(e.ks.WorkflowKey(registered.ID, version), value)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("workflow_id", registered.ID).
		Int64("version", registered.Version).
		Msg("Registered workflow definition")
	return &registered, nil
}

// latestVersionInTx returns the highest registered version of a workflow,
// or zero when none exists.
func (e *Engine) latestVersionInTx(ctx context.Context, tx kv.Tx, id workflow.WorkflowID) (int64, error) {
	begin, end := e.ks.WorkflowPrefix(id)
	entries, err := tx.GetRange(ctx, begin, end, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to scan workflow versions: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	var last workflow.WorkflowDefinition
	if err := json.Unmarshal(entries[len(entries)-1].Value, &last); err != nil {
		return 0, fmt.Errorf("failed to decode definition: %w", err)
	}
	return last.Version, nil
}

// GetWorkflow loads one version of a definition; version zero selects the
// latest.
func (e *Engine) GetWorkflow(ctx context.Context, id workflow.WorkflowID, version int64) (*workflow.WorkflowDefinition, error) {
	var def *workflow.WorkflowDefinition
	err := e.store.ReadTx(ctx, func(tx kv.Tx) error {
		d, err := e.getWorkflowInTx(ctx, tx, id, version)
		def = d
		return err
	})
	return def, err
}

func (e *Engine) getWorkflowInTx(ctx context.Context, tx kv.Tx, id workflow.WorkflowID, version int64) (*workflow.WorkflowDefinition, error) {
	var raw []byte
	var err error
	if version == 0 {
		begin, end := e.ks.WorkflowPrefix(id)
		entries, rangeErr := tx.GetRange(ctx, begin, end, 0)
		if rangeErr != nil {
			return nil, fmt.Errorf("failed to scan workflow versions: %w", rangeErr)
		}
		if len(entries) > 0 {
			raw = entries[len(entries)-1].Value
		}
	} else {
		raw, err = tx.Get(ctx, e.ks.WorkflowKey(id, version))
		if err != nil {
			return nil, fmt.Errorf("failed to load definition: %w", err)
		}
	}
	if raw == nil {
		return nil, workflow.NewValidationError(fmt.Sprintf("workflow not found: %s", id), nil).WithCode(workflow.CodeNotFound)
	}
	var def workflow.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, workflow.NewFatalError("corrupt workflow definition", err)
	}
	return &def, nil
}

// ==================== Instance lifecycle ====================

// CreateOptions parameterize CreateInstance.
type CreateOptions struct {
	WorkflowID workflow.WorkflowID
	// Version selects a definition version; zero means latest.
	Version int64
	// IdempotencyKey makes creation at-most-once: repeated calls with the
	// same key return the first instance id.
	IdempotencyKey string
	InitialContext json.RawMessage
	Actor          string
}

// CreateInstance atomically writes a new instance in the definition's
// initial state, appends InstanceCreated, and schedules the initial state's
// on-enter and timeout work.
func (e *Engine) CreateInstance(ctx context.Context, opts CreateOptions) (workflow.InstanceID, error) {
	now := e.now()
	instanceID := uuid.New().String()
	created := false

	err := e.store.UpdateTx(ctx, func(tx kv.Tx) error {
		created = false
		if opts.IdempotencyKey != "" {
			existing, err := tx.Get(ctx, e.ks.InstanceIdempotencyKey(opts.IdempotencyKey))
			if err != nil {
				return fmt.Errorf("failed to check creation idempotency: %w", err)
			}
			if existing != nil {
				instanceID = string(existing)
				return nil
			}
		}

		def, err := e.getWorkflowInTx(ctx, tx, opts.WorkflowID, opts.Version)
		if err != nil {
			return err
		}
		if e.contextCheck != nil && def.Model != "" {
			if err := e.contextCheck.ValidateContext(def.Model, opts.InitialContext); err != nil {
				return workflow.NewValidationError("initial context rejected by data model", err)
			}
		}

		contextDoc := opts.InitialContext
		if len(contextDoc) == 0 {
			contextDoc = json.RawMessage("{}")
		}
		inst := &workflow.InstanceState{
			InstanceID:      instanceID,
			WorkflowID:      def.ID,
			WorkflowVersion: def.Version,
			CurrentState:    def.InitialState,
			Status:          workflow.StatusRunning,
			Context:         contextDoc,
			CreatedAt:       now,
			UpdatedAt:       now,
			Version:         1,
		}
		if err := e.putInstanceInTx(tx, inst); err != nil {
			return err
		}
		tx.Set(e.ks.InstanceIndexKey(def.ID, instanceID), []byte{})
		if opts.IdempotencyKey != "" {
			tx.Set(e.ks.InstanceIdempotencyKey(opts.IdempotencyKey), []byte(instanceID))
		}

		if err := e.events.append(ctx, tx, now, &workflow.EventLog{
			InstanceID: instanceID,
			Type:       workflow.EventInstanceCreated,
			Actor:      opts.Actor,
			ToState:    def.InitialState,
		}); err != nil {
			return err
		}
		created = true
		return e.scheduleStateEntryInTx(ctx, tx, now, inst, def, "", inst.Version)
	})
	if err != nil {
		return "", err
	}
	if created {
		if e.metrics != nil {
			e.metrics.RecordInstanceCreated(opts.WorkflowID)
		}
		e.log.Info().Str("instance_id", instanceID).Str("workflow_id", opts.WorkflowID).Msg("Created workflow instance")
	}
	return instanceID, nil
}

// putInstanceInTx encodes and stores an instance record.
func (e *Engine) putInstanceInTx(tx kv.Tx, inst *workflow.InstanceState) error {
	value, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to encode instance: %w", err)
	}
	tx.Set(e.ks.InstanceKey(inst.InstanceID), value)
	return nil
}

// getInstanceInTx loads an instance record.
func (e *Engine) getInstanceInTx(ctx context.Context, tx kv.Tx, instanceID workflow.InstanceID) (*workflow.InstanceState, error) {
	raw, err := tx.Get(ctx, e.ks.InstanceKey(instanceID))
	if err != nil {
		return nil, fmt.Errorf("failed to load instance: %w", err)
	}
	if raw == nil {
		return nil, workflow.NewValidationError(fmt.Sprintf("instance not found: %s", instanceID), nil).WithCode(workflow.CodeNotFound)
	}
	var inst workflow.InstanceState
	if err := json.Unmarshal(raw, &inst); err != nil {
		return nil, workflow.NewFatalError("corrupt instance record", err).WithInstance(instanceID)
	}
	return &inst, nil
}

// GetInstance is the read-only instance view. No lock required.
func (e *Engine) GetInstance(ctx context.Context, instanceID workflow.InstanceID) (*workflow.InstanceState, error) {
	var inst *workflow.InstanceState
	err := e.store.ReadTx(ctx, func(tx kv.Tx) error {
		i, err := e.getInstanceInTx(ctx, tx, instanceID)
		inst = i
		return err
	})
	return inst, err
}

// GetEvents returns an instance's audit trail in log order.
func (e *Engine) GetEvents(ctx context.Context, instanceID workflow.InstanceID) ([]workflow.EventLog, error) {
	var events []workflow.EventLog
	err := e.store.ReadTx(ctx, func(tx kv.Tx) error {
		evs, err := e.events.list(ctx, tx, instanceID, 0)
		events = evs
		return err
	})
	return events, err
}

// ListInstances returns the ids of all instances of one workflow.
func (e *Engine) ListInstances(ctx context.Context, workflowID workflow.WorkflowID) ([]workflow.InstanceID, error) {
	var ids []workflow.InstanceID
	err := e.store.ReadTx(ctx, func(tx kv.Tx) error {
		ids = nil
		begin, end := e.ks.InstanceIndexPrefix(workflowID)
		entries, err := tx.GetRange(ctx, begin, end, 0)
		if err != nil {
			return fmt.Errorf("failed to scan instance index: %w", err)
		}
		for i := range entries {
			elems, err := e.ks.Unpack(entries[i].Key)
			if err != nil || len(elems) < 3 {
				continue
			}
			if id, ok := elems[2].(string); ok {
				ids = append(ids, id)
			}
		}
		return nil
	})
	return ids, err
}

// ==================== Event dispatch ====================

// TriggerEvent injects an event into an instance. It acquires the instance
// lock, selects the first transition whose guard passes (guardless
// transitions always pass), and commits the state change atomically with
// its bookkeeping. No matching transition is non-fatal: the engine appends
// EventIgnored and reports ErrNoApplicableTransition.
func (e *Engine) TriggerEvent(ctx context.Context, instanceID workflow.InstanceID, event string, payload json.RawMessage, actor string) (*TriggerResult, error) {
	ic := telemetry.StartOperation(ctx, "engine.trigger_event",
		telemetry.AttrInstanceID.String(instanceID),
		telemetry.AttrEventName.String(event),
	)
	ctx = ic.Ctx

	now := e.now()
	if err := e.locks.acquire(ctx, instanceID, e.owner, now, e.cfg.LockTTL.Milliseconds()); err != nil {
		ic.End(err)
		return nil, err
	}
	defer func() {
		if err := e.locks.release(context.WithoutCancel(ctx), instanceID, e.owner); err != nil {
			e.log.Warn().Err(err).Str("instance_id", instanceID).Msg("Failed to release instance lock")
		}
	}()

	result, err := e.dispatchLocked(ctx, instanceID, event, payload, actor)
	if result != nil {
		ic.Span.SetAttributes(attribute.String("dispatch.outcome", string(result.Outcome)))
	}
	ic.End(err)
	return result, err
}

// dispatchLocked runs the transition protocol with the instance lock held.
func (e *Engine) dispatchLocked(ctx context.Context, instanceID workflow.InstanceID, event string, payload json.RawMessage, actor string) (*TriggerResult, error) {
	inst, err := e.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	if inst.Status.IsTerminal() {
		// Replayed events on terminal instances are no-ops.
		if err := e.appendStandalone(ctx, &workflow.EventLog{
			InstanceID: instanceID,
			Type:       workflow.EventEventIgnored,
			Actor:      actor,
			FromState:  inst.CurrentState,
			Payload:    payload,
			Error:      fmt.Sprintf("instance is %s", inst.Status),
		}); err != nil {
			return nil, err
		}
		return &TriggerResult{Outcome: OutcomeIgnored, Event: event, From: inst.CurrentState}, nil
	}

	if inst.Status == workflow.StatusPaused {
		if err := e.appendStandalone(ctx, &workflow.EventLog{
			InstanceID: instanceID,
			Type:       workflow.EventEventDeferred,
			Actor:      actor,
			FromState:  inst.CurrentState,
			Payload:    payload,
		}); err != nil {
			return nil, err
		}
		return &TriggerResult{Outcome: OutcomeDeferred, Event: event, From: inst.CurrentState}, workflow.ErrInstancePaused
	}

	def, err := e.GetWorkflow(ctx, inst.WorkflowID, inst.WorkflowVersion)
	if err != nil {
		return nil, err
	}
	if _, ok := def.States[inst.CurrentState]; !ok {
		return nil, workflow.NewFatalError(fmt.Sprintf("instance in unknown state %q", inst.CurrentState), nil).WithInstance(instanceID)
	}

	if e.permissions != nil {
		allowed, err := e.permissions.Allow(ctx, inst.WorkflowID, actor, event, inst.CurrentState)
		if err != nil {
			return nil, err
		}
		if !allowed {
			if appendErr := e.appendStandalone(ctx, &workflow.EventLog{
				InstanceID: instanceID,
				Type:       workflow.EventEventIgnored,
				Actor:      actor,
				FromState:  inst.CurrentState,
				Error:      "permission denied",
			}); appendErr != nil {
				return nil, appendErr
			}
			return nil, workflow.NewValidationError(fmt.Sprintf("actor %q may not trigger %q", actor, event), nil).
				WithCode(workflow.CodePermissionDenied).WithInstance(instanceID)
		}
	}

	transition, err := e.selectTransition(ctx, inst, def, event, payload, actor)
	if err != nil {
		return nil, err
	}
	if transition == nil {
		if err := e.appendStandalone(ctx, &workflow.EventLog{
			InstanceID: instanceID,
			Type:       workflow.EventEventIgnored,
			Actor:      actor,
			FromState:  inst.CurrentState,
			Payload:    payload,
		}); err != nil {
			return nil, err
		}
		if e.metrics != nil {
			e.metrics.RecordEventIgnored(inst.WorkflowID)
		}
		return &TriggerResult{Outcome: OutcomeIgnored, Event: event, From: inst.CurrentState}, workflow.ErrNoApplicableTransition
	}

	if err := e.applyTransition(ctx, inst, def, transition, payload, actor); err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.RecordTransition(inst.WorkflowID)
		if inst.Status.IsTerminal() {
			e.metrics.RecordInstanceCompleted(inst.WorkflowID, string(inst.Status))
		}
	}
	return &TriggerResult{
		Outcome:      OutcomeTransitioned,
		From:         transition.From,
		To:           transition.To,
		Event:        event,
		TransitionID: transition.ID,
	}, nil
}

// selectTransition evaluates candidate guards in declaration order against
// a snapshot of the instance context. A thrown guard is logged and treated
// as false; a guardless transition always matches.
func (e *Engine) selectTransition(ctx context.Context, inst *workflow.InstanceState, def *workflow.WorkflowDefinition, event string, payload json.RawMessage, actor string) (*workflow.Transition, error) {
	snapshot, err := guardInput(inst, payload)
	if err != nil {
		return nil, err
	}
	for i := range def.Transitions {
		t := &def.Transitions[i]
		if t.From != inst.CurrentState || t.Event != event {
			continue
		}
		if t.Guard == "" {
			return t, nil
		}
		ok, guardErr := e.sandbox.EvaluateGuard(ctx, t.Guard, snapshot, e.ContextKV(inst.InstanceID))
		if guardErr != nil {
			e.log.Warn().Err(guardErr).
				Str("instance_id", inst.InstanceID).
				Str("transition_id", t.ID).
				Msg("Guard evaluation failed; treating as false")
			if appendErr := e.appendStandalone(ctx, &workflow.EventLog{
				InstanceID: inst.InstanceID,
				Type:       workflow.EventGuardError,
				Actor:      actor,
				FromState:  inst.CurrentState,
				Error:      guardErr.Error(),
			}); appendErr != nil {
				return nil, appendErr
			}
			continue
		}
		if ok {
			return t, nil
		}
	}
	return nil, nil
}

// guardInput merges the context document with the triggering event payload
// under the "event" key.
func guardInput(inst *workflow.InstanceState, payload json.RawMessage) ([]byte, error) {
	doc := map[string]json.RawMessage{}
	if len(inst.Context) > 0 {
		if err := json.Unmarshal(inst.Context, &doc); err != nil {
			return nil, workflow.NewFatalError("instance context is not a JSON object", err).WithInstance(inst.InstanceID)
		}
	}
	if len(payload) > 0 {
		doc["event"] = payload
	}
	return json.Marshal(doc)
}

// applyTransition commits the transition protocol's mutation steps in one
// KV transaction: exit work, state change, audit events, and entry work.
func (e *Engine) applyTransition(ctx context.Context, inst *workflow.InstanceState, def *workflow.WorkflowDefinition, t *workflow.Transition, payload json.RawMessage, actor string) error {
	ic := telemetry.StartOperation(ctx, "engine.apply_transition",
		append(telemetry.InstanceAttributes(inst.WorkflowID, inst.InstanceID),
			telemetry.AttrStateName.String(t.From),
			attribute.String("state.to", t.To))...)
	ctx = ic.Ctx
	now := e.now()
	err := e.store.UpdateTx(ctx, func(tx kv.Tx) error {
		current, err := e.getInstanceInTx(ctx, tx, inst.InstanceID)
		if err != nil {
			return err
		}
		if current.Version != inst.Version || current.CurrentState != t.From || current.Status != workflow.StatusRunning {
			return workflow.NewConflictError("instance changed during dispatch", nil).WithInstance(inst.InstanceID)
		}

		attempt := current.Version

		// Exit work is scheduled before the state mutation.
		fromState := def.States[t.From]
		if fromState.OnExit != nil {
			task := e.buildTask(current, workflow.TaskKindOnExit, t.ID, *fromState.OnExit,
				workflow.IdempotencyKey(current.InstanceID, t.ID, "exit", attempt), now)
			if err := e.tasks.EnqueueInTx(ctx, tx, task); err != nil {
				return err
			}
			if err := e.events.append(ctx, tx, now, &workflow.EventLog{
				InstanceID: current.InstanceID,
				Type:       workflow.EventStateExited,
				FromState:  t.From,
				TaskID:     task.TaskID,
			}); err != nil {
				return err
			}
		}
		if t.Action != nil {
			task := e.buildTask(current, workflow.TaskKindTransition, t.ID, *t.Action,
				workflow.IdempotencyKey(current.InstanceID, t.ID, "action", attempt), now)
			if err := e.tasks.EnqueueInTx(ctx, tx, task); err != nil {
				return err
			}
		}

		current.CurrentState = t.To
		current.Version++
		current.UpdatedAt = now

		toState := def.States[t.To]
		if toState.IsTerminal {
			current.Status = workflow.StatusCompleted
		}
		if err := e.putInstanceInTx(tx, current); err != nil {
			return err
		}

		if err := e.events.append(ctx, tx, now, &workflow.EventLog{
			InstanceID: current.InstanceID,
			Type:       workflow.EventTransitioned,
			Actor:      actor,
			FromState:  t.From,
			ToState:    t.To,
			Payload:    payload,
		}); err != nil {
			return err
		}
		if err := e.events.append(ctx, tx, now, &workflow.EventLog{
			InstanceID: current.InstanceID,
			Type:       workflow.EventStateEntered,
			ToState:    t.To,
		}); err != nil {
			return err
		}

		if !toState.IsTerminal {
			if err := e.scheduleStateEntryInTx(ctx, tx, now, current, def, t.ID, current.Version); err != nil {
				return err
			}
		}

		// Keep the caller's view in sync with the committed record.
		*inst = *current
		return nil
	})
	ic.End(err)
	return err
}

// scheduleStateEntryInTx enqueues the current state's on-enter action and
// inactivity timeout. transitionID is empty for the initial state.
func (e *Engine) scheduleStateEntryInTx(ctx context.Context, tx kv.Tx, now int64, inst *workflow.InstanceState, def *workflow.WorkflowDefinition, transitionID string, attempt int64) error {
	state, ok := def.States[inst.CurrentState]
	if !ok {
		return workflow.NewFatalError(fmt.Sprintf("state %q missing from definition", inst.CurrentState), nil).WithInstance(inst.InstanceID)
	}
	if state.OnEnter != nil {
		task := e.buildTask(inst, workflow.TaskKindOnEnter, transitionID, *state.OnEnter,
			workflow.IdempotencyKey(inst.InstanceID, transitionID, "enter:"+inst.CurrentState, attempt), now)
		if err := e.tasks.EnqueueInTx(ctx, tx, task); err != nil {
			return err
		}
		if err := e.events.append(ctx, tx, now, &workflow.EventLog{
			InstanceID: inst.InstanceID,
			Type:       workflow.EventTaskScheduled,
			ToState:    inst.CurrentState,
			TaskID:     task.TaskID,
		}); err != nil {
			return err
		}
	}
	if state.TimeoutSeconds > 0 && !state.IsTerminal {
		event := state.TimeoutEvent
		if event == "" {
			event = "timeout"
		}
		task := &workflow.Task{
			TaskID:         uuid.New().String(),
			InstanceID:     inst.InstanceID,
			WorkflowID:     inst.WorkflowID,
			Kind:           workflow.TaskKindTimeout,
			TransitionID:   transitionID,
			Action:         workflow.Action{Type: workflow.ActionDelay, Seconds: state.TimeoutSeconds},
			IdempotencyKey: workflow.IdempotencyKey(inst.InstanceID, transitionID, "timeout:"+inst.CurrentState, attempt),
			Priority:       e.cfg.DefaultTaskPriority,
			CreatedAt:      now,
			ScheduledAt:    now + state.TimeoutSeconds*1000,
			Status:         workflow.TaskPending,
			MaxRetries:     e.cfg.DefaultMaxRetries,
			TimeoutEvent:   event,
			TimeoutState:   inst.CurrentState,
		}
		if err := e.tasks.EnqueueInTx(ctx, tx, task); err != nil {
			return err
		}
	}
	return nil
}

// buildTask materializes an action into a queued task.
func (e *Engine) buildTask(inst *workflow.InstanceState, kind workflow.TaskKind, transitionID string, action workflow.Action, idempotencyKey string, now int64) *workflow.Task {
	maxRetries := action.MaxRetries
	if maxRetries == 0 {
		maxRetries = e.cfg.DefaultMaxRetries
	}
	scheduledAt := now
	if action.Type == workflow.ActionDelay {
		scheduledAt = now + action.Seconds*1000
	}
	return &workflow.Task{
		TaskID:         uuid.New().String(),
		InstanceID:     inst.InstanceID,
		WorkflowID:     inst.WorkflowID,
		Kind:           kind,
		TransitionID:   transitionID,
		Action:         action,
		IdempotencyKey: idempotencyKey,
		Priority:       e.cfg.DefaultTaskPriority,
		CreatedAt:      now,
		ScheduledAt:    scheduledAt,
		Status:         workflow.TaskPending,
		MaxRetries:     maxRetries,
	}
}

// appendStandalone appends a single event in its own transaction.
func (e *Engine) appendStandalone(ctx context.Context, event *workflow.EventLog) error {
	now := e.now()
	return e.store.UpdateTx(ctx, func(tx kv.Tx) error {
		return e.events.append(ctx, tx, now, event)
	})
}

// ==================== Pause / resume / cancel ====================

// PauseInstance suspends event dispatch for a running instance.
func (e *Engine) PauseInstance(ctx context.Context, instanceID workflow.InstanceID, actor string) error {
	return e.setStatusLocked(ctx, instanceID, actor, workflow.StatusRunning, workflow.StatusPaused, workflow.EventInstancePaused)
}

// ResumeInstance returns a paused instance to running.
func (e *Engine) ResumeInstance(ctx context.Context, instanceID workflow.InstanceID, actor string) error {
	return e.setStatusLocked(ctx, instanceID, actor, workflow.StatusPaused, workflow.StatusRunning, workflow.EventInstanceResumed)
}

// CancelInstance terminally cancels an instance. Pending tasks are marked
// cancelled on their next claim attempt; running workers observe the status
// at their next heartbeat.
func (e *Engine) CancelInstance(ctx context.Context, instanceID workflow.InstanceID, actor string) error {
	now := e.now()
	if err := e.locks.acquire(ctx, instanceID, e.owner, now, e.cfg.LockTTL.Milliseconds()); err != nil {
		return err
	}
	defer func() { _ = e.locks.release(context.WithoutCancel(ctx), instanceID, e.owner) }()

	return e.store.UpdateTx(ctx, func(tx kv.Tx) error {
		inst, err := e.getInstanceInTx(ctx, tx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status.IsTerminal() {
			return workflow.NewValidationError(fmt.Sprintf("instance is already %s", inst.Status), nil).
				WithCode(workflow.CodeInstanceTerminal).WithInstance(instanceID)
		}
		inst.Status = workflow.StatusCancelled
		inst.Version++
		inst.UpdatedAt = now
		if err := e.putInstanceInTx(tx, inst); err != nil {
			return err
		}
		return e.events.append(ctx, tx, now, &workflow.EventLog{
			InstanceID: instanceID,
			Type:       workflow.EventInstanceCancelled,
			Actor:      actor,
			FromState:  inst.CurrentState,
		})
	})
}

// setStatusLocked performs a lock-protected status flip.
func (e *Engine) setStatusLocked(ctx context.Context, instanceID workflow.InstanceID, actor string, from, to workflow.InstanceStatus, event workflow.EventType) error {
	now := e.now()
	if err := e.locks.acquire(ctx, instanceID, e.owner, now, e.cfg.LockTTL.Milliseconds()); err != nil {
		return err
	}
	defer func() { _ = e.locks.release(context.WithoutCancel(ctx), instanceID, e.owner) }()

	return e.store.UpdateTx(ctx, func(tx kv.Tx) error {
		inst, err := e.getInstanceInTx(ctx, tx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status != from {
			return workflow.NewValidationError(
				fmt.Sprintf("instance is %s, expected %s", inst.Status, from), nil,
			).WithCode(workflow.CodeValidation).WithInstance(instanceID)
		}
		inst.Status = to
		inst.Version++
		inst.UpdatedAt = now
		if err := e.putInstanceInTx(tx, inst); err != nil {
			return err
		}
		return e.events.append(ctx, tx, now, &workflow.EventLog{
			InstanceID: instanceID,
			Type:       event,
			Actor:      actor,
			FromState:  inst.CurrentState,
		})
	})
}

// ==================== Timeouts ====================

// FireTimeout handles a claimed timeout task: if the instance still sits in
// the state that scheduled the timeout, the timeout event is injected;
// otherwise the task is a no-op. Workers call this instead of dispatching
// the task's action.
func (e *Engine) FireTimeout(ctx context.Context, task *workflow.Task) error {
	inst, err := e.GetInstance(ctx, task.InstanceID)
	if err != nil {
		if workflow.IsValidation(err) {
			return nil
		}
		return err
	}
	if inst.Status != workflow.StatusRunning || inst.CurrentState != task.TimeoutState {
		// Superseded: the instance moved on before the timeout fired.
		return nil
	}
	_, err = e.TriggerEvent(ctx, task.InstanceID, task.TimeoutEvent, nil, "timeout")
	if errors.Is(err, workflow.ErrNoApplicableTransition) {
		return nil
	}
	return err
}
