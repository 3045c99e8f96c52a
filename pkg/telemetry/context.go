package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, and metrics behind one handle.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// WithContext attaches the telemetry handle to a context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry handle, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// StartMetricsServer starts the Prometheus endpoint.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartServer()
}

// Shutdown flushes traces and stops the metrics server.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var first error
	if err := t.Tracer.Shutdown(ctx); err != nil {
		first = err
	}
	if err := t.Metrics.Shutdown(ctx); err != nil && first == nil {
		first = err
	}
	return first
}

// InstrumentedContext carries the span and scoped logger of one operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	start  time.Time
}

// StartOperation opens a span and a scoped logger for a named operation.
func StartOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	logger := FromContext(ctx)

	var span trace.Span
	if tel != nil {
		ctx, span = tel.Tracer.Start(ctx, name)
		span.SetAttributes(attrs...)
	} else {
		span = trace.SpanFromContext(ctx)
	}

	return &InstrumentedContext{
		Ctx:    ctx,
		Span:   span,
		Logger: logger.WithField("operation", name),
		start:  time.Now(),
	}
}

// End closes the operation, recording the error on its span.
func (ic *InstrumentedContext) End(err error) {
	if err != nil {
		RecordError(ic.Span, err)
	}
	ic.Span.End()
}

// Duration returns the elapsed time since the operation started.
func (ic *InstrumentedContext) Duration() time.Duration {
	return time.Since(ic.start)
}

// InstanceAttributes builds the standard span attributes for an instance
// operation.
func InstanceAttributes(workflowID, instanceID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("workflow.id", workflowID),
		attribute.String("instance.id", instanceID),
	}
}

// TaskAttributes builds the standard span attributes for a task operation.
func TaskAttributes(taskID, kind, workerID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("task.id", taskID),
		attribute.String("task.kind", kind),
		attribute.String("worker.id", workerID),
	}
}
