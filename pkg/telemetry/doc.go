// Package telemetry provides observability instrumentation for the
// workflow engine: structured logging (zerolog), distributed tracing
// (OpenTelemetry), and metrics (Prometheus) behind one handle.
//
// Initialize telemetry at process startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "degov"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// Component loggers carry the identifiers that matter when debugging a
// distributed run:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger = logger.WithInstanceID(instanceID).WithTaskID(taskID)
//	logger.Info("Dispatching event")
//	logger.WithError(err).Error("Dispatch failed")
//
// # Distributed Tracing
//
// Spans wrap engine operations, queue transactions, and sandbox
// evaluations:
//
//	ic := telemetry.StartOperation(ctx, "engine.trigger_event",
//	    telemetry.InstanceAttributes(workflowID, instanceID)...)
//	defer ic.End(err)
//
// Supported exporters: OTLP/gRPC (production), stdout (development), none
// (testing).
//
// # Metrics
//
// Key series exposed at /metrics:
//
//   - degov_instances_created_total{workflow_id}
//   - degov_instances_completed_total{workflow_id,status}
//   - degov_transitions_total{workflow_id}
//   - degov_tasks_enqueued_total{kind}
//   - degov_tasks_failed_total{kind,class}
//   - degov_tasks_dead_letter_total{kind}
//   - degov_leases_lost_total
//   - degov_task_duration_seconds{kind}
//   - degov_claim_latency_seconds
//   - degov_sandbox_evaluations_total{language,outcome}
//   - degov_active_workers, degov_queue_depth
//
// # Configuration
//
// DefaultConfig suits development (console logs, stdout traces, full
// sampling); ProductionConfig switches to JSON logs, OTLP export, and 10%
// trace sampling. Always Shutdown gracefully so buffered spans flush.
package telemetry
