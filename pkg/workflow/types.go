package workflow

import (
	"encoding/json"
)

// WorkflowID identifies a workflow definition (an NSID string such as
// "de.berlin/business-registration#workflow").
type WorkflowID = string

// InstanceID identifies a workflow instance (a UUID string).
type InstanceID = string

// TaskID identifies a task (a UUID string).
type TaskID = string

// WorkerID identifies a worker process.
type WorkerID = string

// WorkflowDefinition is a registered workflow: a finite state machine with
// guarded transitions and per-state actions.
type WorkflowDefinition struct {
	ID           WorkflowID                 `json:"id"`
	Name         string                     `json:"name"`
	Version      int64                      `json:"version"`
	Model        string                     `json:"model,omitempty"`
	InitialState string                     `json:"initial_state"`
	States       map[string]StateDefinition `json:"states"`
	Transitions  []Transition               `json:"transitions"`
	ContentHash  string                     `json:"content_hash,omitempty"`
	CreatedAt    int64                      `json:"created_at"`
}

// StateDefinition describes a single state of a workflow.
type StateDefinition struct {
	Name           string  `json:"name"`
	IsTerminal     bool    `json:"is_terminal"`
	OnEnter        *Action `json:"on_enter,omitempty"`
	OnExit         *Action `json:"on_exit,omitempty"`
	TimeoutSeconds int64   `json:"timeout_seconds,omitempty"`
	// TimeoutEvent is the event injected when the state's inactivity
	// timeout elapses. Defaults to "timeout".
	TimeoutEvent string `json:"timeout_event,omitempty"`
}

// Transition moves an instance between states when its event fires and its
// guard (if any) evaluates truthy.
type Transition struct {
	ID    string `json:"id"`
	From  string `json:"from"`
	To    string `json:"to"`
	Event string `json:"event"`
	// Guard is a side-effect-free script expression evaluating to bool.
	Guard        string  `json:"guard,omitempty"`
	Action       *Action `json:"action,omitempty"`
	Compensation *Action `json:"compensation,omitempty"`
}

// ActionType discriminates the Action variant.
type ActionType string

const (
	ActionScript ActionType = "script"
	ActionTask   ActionType = "task"
	ActionHTTP   ActionType = "http"
	ActionDelay  ActionType = "delay"
)

// ScriptLanguage selects the sandbox runtime for a script action.
type ScriptLanguage string

const (
	LanguageJavaScript ScriptLanguage = "javascript"
	LanguageWasm       ScriptLanguage = "wasm"
)

// Action is a closed tagged variant describing the work a state or
// transition schedules. Plugins extend the system through Task handlers
// registered by TaskType, not by new variants.
type Action struct {
	Type ActionType `json:"type"`

	// Script fields.
	Code     string         `json:"code,omitempty"`
	Language ScriptLanguage `json:"language,omitempty"`

	// Task fields.
	TaskType string          `json:"task_type,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`

	// Http fields.
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`

	// Delay fields.
	Seconds int64 `json:"seconds,omitempty"`

	// Execution limits.
	TimeoutSeconds int64 `json:"timeout_seconds,omitempty"`
	MaxRetries     int   `json:"max_retries,omitempty"`
}

// InstanceStatus is the lifecycle status of a workflow instance.
type InstanceStatus string

const (
	StatusRunning   InstanceStatus = "running"
	StatusPaused    InstanceStatus = "paused"
	StatusCompleted InstanceStatus = "completed"
	StatusCancelled InstanceStatus = "cancelled"
	StatusFailed    InstanceStatus = "failed"
)

// IsTerminal reports whether the status is a sink: terminal instances accept
// no further transitions or mutations.
func (s InstanceStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// InstanceState is the persisted record of one workflow instance.
type InstanceState struct {
	InstanceID      InstanceID      `json:"instance_id"`
	WorkflowID      WorkflowID      `json:"workflow_id"`
	WorkflowVersion int64           `json:"workflow_version"`
	CurrentState    string          `json:"current_state"`
	Status          InstanceStatus  `json:"status"`
	Context         json.RawMessage `json:"context"`
	CreatedAt       int64           `json:"created_at"`
	UpdatedAt       int64           `json:"updated_at"`
	// Version is the optimistic concurrency counter; it strictly increases
	// on every persisted write.
	Version int64 `json:"version"`
	// FailedTransitions records, in temporal order, transitions whose
	// downstream actions failed terminally and carry a compensation.
	FailedTransitions []string `json:"failed_transitions,omitempty"`
	Error             string   `json:"error,omitempty"`
}

// TaskStatus is the lifecycle status of a queued task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskClaimed    TaskStatus = "claimed"
	TaskRunning    TaskStatus = "running"
	TaskSucceeded  TaskStatus = "succeeded"
	TaskFailed     TaskStatus = "failed"
	TaskDeadLetter TaskStatus = "dead_letter"
	TaskCancelled  TaskStatus = "cancelled"
)

// TaskKind describes why the engine scheduled a task.
type TaskKind string

const (
	TaskKindOnEnter      TaskKind = "on_enter"
	TaskKindOnExit       TaskKind = "on_exit"
	TaskKindTransition   TaskKind = "transition"
	TaskKindTimeout      TaskKind = "timeout"
	TaskKindCompensation TaskKind = "compensation"
)

// Task is a unit of work scheduled against an instance.
type Task struct {
	TaskID         TaskID     `json:"task_id"`
	InstanceID     InstanceID `json:"instance_id"`
	WorkflowID     WorkflowID `json:"workflow_id"`
	Kind           TaskKind   `json:"kind"`
	TransitionID   string     `json:"transition_id,omitempty"`
	Action         Action     `json:"action"`
	IdempotencyKey string     `json:"idempotency_key"`
	Priority       int32      `json:"priority"`
	CreatedAt      int64      `json:"created_at"`
	ScheduledAt    int64      `json:"scheduled_at"`
	Status         TaskStatus `json:"status"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	Lease          *TaskLease `json:"lease,omitempty"`
	// TimeoutEvent is set on timeout tasks: the event injected when the
	// task fires.
	TimeoutEvent string `json:"timeout_event,omitempty"`
	// TimeoutState guards timeout tasks against firing after the instance
	// already left the state that scheduled them.
	TimeoutState string `json:"timeout_state,omitempty"`
	Error        string `json:"error,omitempty"`
}

// TaskLease grants a worker time-bounded exclusivity over a task.
type TaskLease struct {
	WorkerID    WorkerID `json:"worker_id"`
	ClaimedAt   int64    `json:"claimed_at"`
	ExpiresAt   int64    `json:"expires_at"`
	HeartbeatAt int64    `json:"heartbeat_at"`
}

// Valid reports whether the lease is still live at the given instant.
func (l *TaskLease) Valid(now int64) bool {
	return l != nil && l.ExpiresAt > now
}

// TaskResult is the idempotently recorded outcome of a task execution.
type TaskResult struct {
	TaskID     TaskID          `json:"task_id"`
	Success    bool            `json:"success"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

// Worker is the registration record of a worker process.
type Worker struct {
	WorkerID     WorkerID `json:"worker_id"`
	Hostname     string   `json:"hostname,omitempty"`
	Capacity     int      `json:"capacity"`
	RegisteredAt int64    `json:"registered_at"`
	HeartbeatAt  int64    `json:"heartbeat_at"`
}

// Expired reports whether the worker missed three heartbeat intervals.
func (w *Worker) Expired(now, heartbeatIntervalMs int64) bool {
	return now-w.HeartbeatAt > 3*heartbeatIntervalMs
}

// EventType enumerates the entries of the per-instance audit trail.
type EventType string

const (
	EventInstanceCreated       EventType = "instance_created"
	EventTransitioned          EventType = "transitioned"
	EventStateEntered          EventType = "state_entered"
	EventStateExited           EventType = "state_exited"
	EventEventIgnored          EventType = "event_ignored"
	EventEventDeferred         EventType = "event_deferred"
	EventGuardError            EventType = "guard_error"
	EventTaskScheduled         EventType = "task_scheduled"
	EventTaskCompleted         EventType = "task_completed"
	EventTaskFailed            EventType = "task_failed"
	EventInstancePaused        EventType = "instance_paused"
	EventInstanceResumed       EventType = "instance_resumed"
	EventInstanceCancelled     EventType = "instance_cancelled"
	EventInstanceCompleted     EventType = "instance_completed"
	EventInstanceFailed        EventType = "instance_failed"
	EventCompensationScheduled EventType = "compensation_scheduled"
	EventCompensationCompleted EventType = "compensation_completed"
	EventNotifyIntent          EventType = "notify_intent"
)

// EventLog is one entry of the append-only, totally ordered audit trail of
// an instance.
type EventLog struct {
	InstanceID InstanceID      `json:"instance_id"`
	Type       EventType       `json:"type"`
	Timestamp  int64           `json:"timestamp"`
	Seq        int64           `json:"seq"`
	Actor      string          `json:"actor,omitempty"`
	FromState  string          `json:"from_state,omitempty"`
	ToState    string          `json:"to_state,omitempty"`
	TaskID     TaskID          `json:"task_id,omitempty"`
	Error      string          `json:"error,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// InstanceLock is the exclusive per-instance execution lock.
type InstanceLock struct {
	WorkerID  WorkerID `json:"worker_id"`
	ExpiresAt int64    `json:"expires_at"`
}

// Valid reports whether the lock is still held at the given instant.
func (l *InstanceLock) Valid(now int64) bool {
	return l != nil && l.ExpiresAt > now
}
