// Package worker implements the stateless task executor. A worker registers
// itself with the engine, heartbeats its liveness, polls the queue, runs
// claimed actions in the sandbox, and reports outcomes transactionally.
// All coordination goes through the KV store; a worker that loses
// connectivity simply stops heartbeating and the engine reclaims its leases.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/linlogge/degov/pkg/engine"
	"github.com/linlogge/degov/pkg/rpc"
	"github.com/linlogge/degov/pkg/sandbox"
	"github.com/linlogge/degov/pkg/telemetry"
	"github.com/linlogge/degov/pkg/workflow"
)

// TaskHandler executes a plugin task action registered by task_type.
type TaskHandler func(ctx context.Context, task *workflow.Task, payload json.RawMessage) (json.RawMessage, error)

// Config tunes worker behavior.
type Config struct {
	// WorkerID defaults to a fresh UUID.
	WorkerID string

	// Capacity is the advertised number of concurrent tasks.
	Capacity int

	// HeartbeatInterval paces worker liveness heartbeats.
	HeartbeatInterval time.Duration

	// PollInterval is the idle backoff between empty claims.
	PollInterval time.Duration

	// TaskHeartbeatInterval paces per-task lease heartbeats. It must stay
	// under a third of the lease TTL.
	TaskHeartbeatInterval time.Duration

	// HTTPTimeout bounds Http actions.
	HTTPTimeout time.Duration

	// HTTPMaxResponseBytes caps Http action response bodies.
	HTTPMaxResponseBytes int64
}

// DefaultConfig returns the worker defaults.
func DefaultConfig() Config {
	return Config{
		WorkerID:              uuid.New().String(),
		Capacity:              4,
		HeartbeatInterval:     5 * time.Second,
		PollInterval:          500 * time.Millisecond,
		TaskHeartbeatInterval: 5 * time.Second,
		HTTPTimeout:           30 * time.Second,
		HTTPMaxResponseBytes:  1 << 20,
	}
}

// Worker executes tasks claimed from the engine's queue.
type Worker struct {
	client rpc.Client
	engine *engine.Engine
	cfg    Config
	log    zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]TaskHandler

	httpClient *http.Client
}

// New creates a worker bound to an engine through the logical RPC surface.
func New(client rpc.Client, eng *engine.Engine, cfg Config, logger zerolog.Logger) *Worker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.New().String()
	}
	return &Worker{
		client:   client,
		engine:   eng,
		cfg:      cfg,
		log:      logger.With().Str("component", "worker").Str("worker_id", cfg.WorkerID).Logger(),
		handlers: make(map[string]TaskHandler),
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
					return fmt.Errorf("redirect to unsupported scheme %q", req.URL.Scheme)
				}
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
	}
}

// ID returns the worker's identity.
func (w *Worker) ID() workflow.WorkerID { return w.cfg.WorkerID }

// RegisterHandler installs a plugin task handler for a task_type. Handlers
// extend the closed Action variant without changing it.
func (w *Worker) RegisterHandler(taskType string, handler TaskHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[taskType] = handler
}

func (w *Worker) handler(taskType string) (TaskHandler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[taskType]
	return h, ok
}

// Run registers the worker and processes tasks until the context is
// cancelled. The returned error is nil on clean shutdown.
func (w *Worker) Run(ctx context.Context) error {
	hostname, _ := os.Hostname()
	if err := w.engine.RegisterWorker(ctx, w.cfg.WorkerID, hostname, w.cfg.Capacity); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	w.log.Info().Int("capacity", w.cfg.Capacity).Msg("Worker registered")

	// Liveness heartbeat loop.
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reply, err := w.client.Heartbeat(ctx, w.cfg.WorkerID)
				if err != nil {
					w.log.Error().Err(err).Msg("Worker heartbeat failed")
					continue
				}
				for _, taskID := range reply.CancelledTasks {
					w.log.Info().Str("task_id", taskID).Msg("Abandoning task of cancelled instance")
				}
			}
		}
	}()

	// Poll loop: tight when busy, small backoff when idle.
	for {
		select {
		case <-ctx.Done():
			<-heartbeatDone
			w.log.Info().Msg("Worker shutting down")
			return nil
		default:
		}

		processed, err := w.ProcessOne(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.log.Error().Err(err).Msg("Task processing failed")
		}
		if !processed {
			select {
			case <-ctx.Done():
			case <-time.After(w.cfg.PollInterval):
			}
		}
	}
}

// ProcessOne claims and executes at most one task. It reports whether a
// task was processed.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	tasks, err := w.client.ClaimTask(ctx, w.cfg.WorkerID, 1)
	if err != nil {
		return false, err
	}
	if len(tasks) == 0 {
		return false, nil
	}
	task := tasks[0]

	log := w.log.With().Str("task_id", task.TaskID).Str("instance_id", task.InstanceID).Logger()
	log.Debug().Str("kind", string(task.Kind)).Msg("Claimed task")

	// Per-task lease heartbeat while the action runs.
	taskCtx, stopHeartbeat := context.WithCancel(ctx)
	heartbeatLost := make(chan struct{})
	go w.taskHeartbeatLoop(taskCtx, task.TaskID, heartbeatLost)

	ic := telemetry.StartOperation(taskCtx, "worker.execute_task",
		telemetry.TaskAttributes(task.TaskID, string(task.Kind), w.cfg.WorkerID)...)
	output, execErr := w.dispatch(ic.Ctx, task)
	ic.End(execErr)
	stopHeartbeat()

	select {
	case <-heartbeatLost:
		// The lease is gone; any report would be rejected. Another worker
		// owns the task now, and the idempotency key guards side effects.
		log.Warn().Msg("Lease lost during execution; abandoning result")
		return true, nil
	default:
	}

	if execErr != nil {
		classification, transient := classifyExecError(execErr)
		log.Warn().Err(execErr).Str("class", classification).Msg("Task failed")
		if err := w.client.FailTask(ctx, task.TaskID, w.cfg.WorkerID, execErr.Error(), transient); err != nil {
			if workflow.IsLeaseLost(err) {
				return true, nil
			}
			return true, fmt.Errorf("failed to report task failure: %w", err)
		}
		return true, nil
	}

	if err := w.client.CompleteTask(ctx, task.TaskID, w.cfg.WorkerID, output); err != nil {
		if workflow.IsLeaseLost(err) {
			log.Warn().Msg("Lease lost before completion; outcome discarded")
			return true, nil
		}
		return true, fmt.Errorf("failed to report task completion: %w", err)
	}
	log.Debug().Msg("Task completed")
	return true, nil
}

// taskHeartbeatLoop extends the task lease until cancelled; it closes
// heartbeatLost when the engine reports the lease gone.
func (w *Worker) taskHeartbeatLoop(ctx context.Context, taskID workflow.TaskID, heartbeatLost chan<- struct{}) {
	ticker := time.NewTicker(w.cfg.TaskHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stillValid, err := w.client.HeartbeatTask(ctx, taskID, w.cfg.WorkerID)
			if err != nil {
				w.log.Warn().Err(err).Str("task_id", taskID).Msg("Task heartbeat failed")
				continue
			}
			if !stillValid {
				close(heartbeatLost)
				return
			}
		}
	}
}

// dispatch routes a task to its executor.
func (w *Worker) dispatch(ctx context.Context, task *workflow.Task) (json.RawMessage, error) {
	if task.Kind == workflow.TaskKindTimeout {
		if err := w.engine.FireTimeout(ctx, task); err != nil {
			return nil, err
		}
		return json.RawMessage(`{"fired": true}`), nil
	}

	switch task.Action.Type {
	case workflow.ActionScript:
		return w.runScript(ctx, task)
	case workflow.ActionTask:
		handler, ok := w.handler(task.Action.TaskType)
		if !ok {
			return nil, fmt.Errorf("no handler registered for task type %q", task.Action.TaskType)
		}
		return handler(ctx, task, task.Action.Payload)
	case workflow.ActionHTTP:
		return w.runHTTP(ctx, task)
	case workflow.ActionDelay:
		// The engine scheduled the task at now+seconds; by claim time the
		// delay has elapsed.
		return json.RawMessage(fmt.Sprintf(`{"delayed_seconds": %d}`, task.Action.Seconds)), nil
	default:
		return nil, fmt.Errorf("unknown action type %q", task.Action.Type)
	}
}

// runScript evaluates a script action in the sandbox with full action
// capabilities scoped to the task's instance.
func (w *Worker) runScript(ctx context.Context, task *workflow.Task) (json.RawMessage, error) {
	inst, err := w.engine.GetInstance(ctx, task.InstanceID)
	if err != nil {
		return nil, err
	}

	timeout := sandbox.DefaultTimeout
	if task.Action.TimeoutSeconds > 0 {
		timeout = time.Duration(task.Action.TimeoutSeconds) * time.Second
	}

	host := sandbox.NewHost(
		sandbox.ActionCapabilities(),
		w.engine.ContextKV(task.InstanceID),
		w.engine.Notifier(),
		w.engine.Federation(),
		nil,
	)
	result, err := w.engine.Sandbox().Evaluate(ctx, sandbox.EvalRequest{
		Code:     task.Action.Code,
		Language: sandbox.Language(task.Action.Language),
		Input:    inst.Context,
		Caps:     sandbox.ActionCapabilities(),
		Timeout:  timeout,
	}, host)
	if err != nil {
		return nil, err
	}
	return result.Value, nil
}

// runHTTP performs an Http action with the same limits as scripts: a hard
// timeout, a response size cap, and no non-HTTP redirects.
func (w *Worker) runHTTP(ctx context.Context, task *workflow.Task) (json.RawMessage, error) {
	method := task.Action.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(task.Action.Body) > 0 {
		body = bytes.NewReader(task.Action.Body)
	}

	timeout := w.cfg.HTTPTimeout
	if task.Action.TimeoutSeconds > 0 {
		timeout = time.Duration(task.Action.TimeoutSeconds) * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, task.Action.URL, body)
	if err != nil {
		return nil, fmt.Errorf("invalid http action: %w", err)
	}
	for k, v := range task.Action.Headers {
		req.Header.Set(k, v)
	}
	if len(task.Action.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, workflow.NewTransientError("http request failed", err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, w.cfg.HTTPMaxResponseBytes)
	respBody, err := io.ReadAll(limited)
	if err != nil {
		return nil, workflow.NewTransientError("failed to read http response", err)
	}

	out := map[string]interface{}{
		"status": resp.StatusCode,
		"body":   string(respBody),
	}
	if resp.StatusCode >= 500 {
		return nil, workflow.NewTransientError(fmt.Sprintf("http status %d", resp.StatusCode), nil)
	}
	return json.Marshal(out)
}

// classifyExecError maps an execution error to the failure classification
// reported to the queue. Transient- and conflict-class engine errors, and
// errors without a classification, use the shorter backoff; sandbox action
// errors and other engine error classes do not.
func classifyExecError(err error) (string, bool) {
	var actionErr *sandbox.ActionError
	if errors.As(err, &actionErr) {
		return string(actionErr.Kind), false
	}
	var engErr *workflow.EngineError
	if errors.As(err, &engErr) {
		return string(engErr.Class), engErr.Class == workflow.ErrorClassTransient ||
			engErr.Class == workflow.ErrorClassConflict
	}
	return "transient", true
}
