package kv

import "fmt"

// Keyspace centralizes the key layout of the workflow engine. All keys are
// tuple-encoded under a common root so multiple applications can share one
// store.
//
// Layout:
//
//	workflows/{id}/{version}                     -> WorkflowDefinition
//	instances/{instance_id}                      -> InstanceState
//	instances/{instance_id}/context/{field}      -> context value (sandbox KV)
//	instance_index/{workflow_id}/{instance_id}   -> empty
//	instance_idempotency/{key}                   -> instance_id
//	tasks/{-priority}/{scheduled_at}/{task_id}   -> Task (queue order)
//	task_by_id/{task_id}                         -> queue key pointer
//	task_idempotency/{idempotency_key}           -> TaskResult
//	workers/{worker_id}                          -> Worker
//	events/{instance_id}/{timestamp}/{seq}       -> EventLog entry
//	locks/{instance_id}                          -> (worker_id, expires_at)
//
// Timestamps are millisecond integers encoded big-endian by the tuple layer.
type Keyspace struct {
	root []byte
}

// DefaultRoot is the key prefix used by the engine.
const DefaultRoot = "/degov/workflow"

// NewKeyspace returns a keyspace rooted at the given prefix. An empty root
// selects DefaultRoot.
func NewKeyspace(root string) *Keyspace {
	if root == "" {
		root = DefaultRoot
	}
	return &Keyspace{root: []byte(root)}
}

func (k *Keyspace) key(elems ...interface{}) []byte {
	packed := Pack(elems...)
	out := make([]byte, 0, len(k.root)+len(packed))
	out = append(out, k.root...)
	out = append(out, packed...)
	return out
}

// WorkflowKey addresses one version of a workflow definition.
func (k *Keyspace) WorkflowKey(id string, version int64) []byte {
	return k.key("workflows", id, version)
}

// WorkflowPrefix covers all versions of a workflow definition.
func (k *Keyspace) WorkflowPrefix(id string) ([]byte, []byte) {
	return PrefixRange(k.key("workflows", id))
}

// InstanceKey addresses a workflow instance record.
func (k *Keyspace) InstanceKey(instanceID string) []byte {
	return k.key("instances", instanceID)
}

// ContextKey addresses one field of an instance's sandbox-visible context.
func (k *Keyspace) ContextKey(instanceID, field string) []byte {
	return k.key("instances", instanceID, "context", field)
}

// ContextPrefix covers every sandbox-visible context field of an instance.
func (k *Keyspace) ContextPrefix(instanceID string) ([]byte, []byte) {
	return PrefixRange(k.key("instances", instanceID, "context"))
}

// InstanceIndexKey indexes an instance under its workflow definition.
func (k *Keyspace) InstanceIndexKey(workflowID, instanceID string) []byte {
	return k.key("instance_index", workflowID, instanceID)
}

// InstanceIndexPrefix covers all instances of one workflow definition.
func (k *Keyspace) InstanceIndexPrefix(workflowID string) ([]byte, []byte) {
	return PrefixRange(k.key("instance_index", workflowID))
}

// InstanceIdempotencyKey records the instance created for an idempotency key.
func (k *Keyspace) InstanceIdempotencyKey(key string) []byte {
	return k.key("instance_idempotency", key)
}

// TaskQueueKey orders tasks by descending priority, then scheduled time,
// then task id. Priority is negated so higher priorities sort first.
func (k *Keyspace) TaskQueueKey(priority int32, scheduledAt int64, taskID string) []byte {
	return k.key("tasks", int64(-priority), scheduledAt, taskID)
}

// TaskQueuePrefix covers the whole task queue in claim order.
func (k *Keyspace) TaskQueuePrefix() ([]byte, []byte) {
	return PrefixRange(k.key("tasks"))
}

// TaskByIDKey points from a task id to its current queue key.
func (k *Keyspace) TaskByIDKey(taskID string) []byte {
	return k.key("task_by_id", taskID)
}

// TaskIdempotencyKey stores the result recorded for an idempotency key.
func (k *Keyspace) TaskIdempotencyKey(idempotencyKey string) []byte {
	return k.key("task_idempotency", idempotencyKey)
}

// DeadLetterKey parks an exhausted task for operator inspection.
func (k *Keyspace) DeadLetterKey(deadLetteredAt int64, taskID string) []byte {
	return k.key("dead_letter", deadLetteredAt, taskID)
}

// DeadLetterPrefix covers the dead-letter partition in arrival order.
func (k *Keyspace) DeadLetterPrefix() ([]byte, []byte) {
	return PrefixRange(k.key("dead_letter"))
}

// WorkerKey addresses a worker registration record.
func (k *Keyspace) WorkerKey(workerID string) []byte {
	return k.key("workers", workerID)
}

// WorkersPrefix covers all registered workers.
func (k *Keyspace) WorkersPrefix() ([]byte, []byte) {
	return PrefixRange(k.key("workers"))
}

// EventKey addresses one entry of an instance's append-only event log.
func (k *Keyspace) EventKey(instanceID string, timestampMs int64, seq int64) []byte {
	return k.key("events", instanceID, timestampMs, seq)
}

// EventPrefix covers an instance's event log in commit order.
func (k *Keyspace) EventPrefix(instanceID string) ([]byte, []byte) {
	return PrefixRange(k.key("events", instanceID))
}

// EventSeqKey holds the per-instance sequence counter that keeps event keys
// unique within one timestamp. The store synthesizes what FoundationDB
// would provide as a versionstamp.
func (k *Keyspace) EventSeqKey(instanceID string) []byte {
	return k.key("event_seq", instanceID)
}

// LockKey addresses the exclusive instance lock record.
func (k *Keyspace) LockKey(instanceID string) []byte {
	return k.key("locks", instanceID)
}

// Unpack strips the keyspace root and decodes the tuple elements of a key
// returned by a range scan.
func (k *Keyspace) Unpack(key []byte) ([]interface{}, error) {
	if len(key) < len(k.root) {
		return nil, fmt.Errorf("kv: key shorter than keyspace root")
	}
	return Unpack(key[len(k.root):])
}
