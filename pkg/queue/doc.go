// Package queue implements the durable, priority-ordered, lease-based task
// queue of the workflow engine on top of the transactional KV layer.
//
// Tasks live under tasks/{-priority}/{scheduled_at}/{task_id} so a single
// ordered range scan returns the next work to run: priority is strict,
// ties break by scheduled time, then task id. Workers claim tasks inside one
// KV transaction that writes a time-bounded lease; a crashed worker's lease
// expires and any other worker reclaims the task. Completion and failure
// verify lease ownership transactionally and results are recorded once per
// idempotency key, so a lost worker's late write never double-applies. A
// late completion is rejected with ErrLeaseLost while no result is recorded
// for the task; once another worker has recorded one, the late completion
// returns that stored result without an error.
//
// Exhausted tasks move to a dead-letter partition retained for operator
// inspection; an explicit admin requeue resets them to pending.
package queue
