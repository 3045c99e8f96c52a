// Package rpc defines the logical operations carried between the engine and
// its workers. The wire transport (HTTP, Connect, gRPC) lives outside this
// repository; workers poll, the engine never pushes.
package rpc

import (
	"context"
	"encoding/json"

	"github.com/linlogge/degov/pkg/engine"
	"github.com/linlogge/degov/pkg/workflow"
)

// HeartbeatReply carries the engine's response to a worker heartbeat.
type HeartbeatReply struct {
	// CancelledTasks lists tasks held by the worker whose instance was
	// cancelled; the worker abandons them.
	CancelledTasks []workflow.TaskID `json:"cancelled_tasks"`
}

// Client is the transport-agnostic engine surface a worker programs
// against.
type Client interface {
	// RegisterWorker announces a worker and its capacity.
	RegisterWorker(ctx context.Context, workerID workflow.WorkerID, capacity int) error

	// Heartbeat refreshes worker liveness.
	Heartbeat(ctx context.Context, workerID workflow.WorkerID) (*HeartbeatReply, error)

	// ClaimTask leases up to max runnable tasks.
	ClaimTask(ctx context.Context, workerID workflow.WorkerID, max int) ([]*workflow.Task, error)

	// HeartbeatTask extends a task lease; false means the lease was lost.
	HeartbeatTask(ctx context.Context, taskID workflow.TaskID, workerID workflow.WorkerID) (bool, error)

	// CompleteTask records a task result. Returns ErrLeaseLost when the
	// worker's lease was superseded and no result is recorded yet; when a
	// result for the task already exists it returns nil and keeps that result.
	CompleteTask(ctx context.Context, taskID workflow.TaskID, workerID workflow.WorkerID, result json.RawMessage) error

	// FailTask records a failed attempt with its error classification.
	FailTask(ctx context.Context, taskID workflow.TaskID, workerID workflow.WorkerID, errMsg string, transient bool) error
}

// Local binds the client interface directly to an in-process engine. It is
// the implementation used by embedded workers and tests; remote transports
// adapt the same interface.
type Local struct {
	engine *engine.Engine
}

// NewLocal creates the in-process binding.
func NewLocal(e *engine.Engine) *Local {
	return &Local{engine: e}
}

func (l *Local) RegisterWorker(ctx context.Context, workerID workflow.WorkerID, capacity int) error {
	return l.engine.RegisterWorker(ctx, workerID, "", capacity)
}

func (l *Local) Heartbeat(ctx context.Context, workerID workflow.WorkerID) (*HeartbeatReply, error) {
	cancelled, err := l.engine.WorkerHeartbeat(ctx, workerID)
	if err != nil {
		return nil, err
	}
	return &HeartbeatReply{CancelledTasks: cancelled}, nil
}

func (l *Local) ClaimTask(ctx context.Context, workerID workflow.WorkerID, max int) ([]*workflow.Task, error) {
	if max <= 0 {
		max = 1
	}
	var tasks []*workflow.Task
	for len(tasks) < max {
		task, err := l.engine.Queue().Claim(ctx, workerID)
		if err != nil {
			return tasks, err
		}
		if task == nil {
			break
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (l *Local) HeartbeatTask(ctx context.Context, taskID workflow.TaskID, workerID workflow.WorkerID) (bool, error) {
	err := l.engine.Queue().Heartbeat(ctx, taskID, workerID)
	if workflow.IsLeaseLost(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *Local) CompleteTask(ctx context.Context, taskID workflow.TaskID, workerID workflow.WorkerID, result json.RawMessage) error {
	_, err := l.engine.Queue().Complete(ctx, taskID, workerID, result)
	return err
}

func (l *Local) FailTask(ctx context.Context, taskID workflow.TaskID, workerID workflow.WorkerID, errMsg string, transient bool) error {
	return l.engine.Queue().Fail(ctx, taskID, workerID, errMsg, transient)
}
