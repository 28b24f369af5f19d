package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/scriptbox/internal/sandbox"
	"github.com/jkaninda/scriptbox/internal/security"
)

const statusSuccess = "success"

// --- InstrumentedEngine ---

// InstrumentedEngine wraps a sandbox.Engine with metrics and tracing.
type InstrumentedEngine struct {
	inner   sandbox.Engine
	metrics *MetricsCollector
	tracer  trace.Tracer
}

var _ sandbox.Engine = (*InstrumentedEngine)(nil)

// NewInstrumentedEngine wraps an engine. Nil metrics or tracer skip that half.
func NewInstrumentedEngine(inner sandbox.Engine, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedEngine {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedEngine{inner: inner, metrics: metrics, tracer: tracer}
}

func (e *InstrumentedEngine) Execute(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("execution.id", req.ExecutionID),
				attribute.Int("script.bytes", len(req.Source)),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := e.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	status, strategy := statusSuccess, ""
	if err != nil {
		status = string(sandbox.AsFault(err).Kind)
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, status)
		}
	} else if result != nil {
		strategy = result.Strategy
		if span != nil {
			span.SetAttributes(
				attribute.String("sandbox.strategy", strategy),
				attribute.Int("sandbox.statements", result.Statements),
			)
		}
	}

	if e.metrics != nil {
		e.metrics.SandboxExecutionsTotal.WithLabelValues(strategy, status).Inc()
		e.metrics.SandboxExecutionDuration.WithLabelValues(status).Observe(duration)
		if result != nil {
			e.metrics.SandboxStatements.Observe(float64(result.Statements))
		}
	}
	return result, err
}

// --- InstrumentedValidator ---

// Validator is the static check the HTTP layer and the runner call.
type Validator interface {
	Validate(source string) security.Verdict
}

// InstrumentedValidator counts verdicts by result and risk.
type InstrumentedValidator struct {
	inner   Validator
	metrics *MetricsCollector
}

// NewInstrumentedValidator wraps a validator.
func NewInstrumentedValidator(inner Validator, metrics *MetricsCollector) *InstrumentedValidator {
	return &InstrumentedValidator{inner: inner, metrics: metrics}
}

func (v *InstrumentedValidator) Validate(source string) security.Verdict {
	verdict := v.inner.Validate(source)
	if v.metrics != nil {
		result := "accepted"
		if !verdict.Accepted {
			result = "rejected"
		}
		v.metrics.ValidationsTotal.WithLabelValues(result, verdict.Risk.String()).Inc()
	}
	return verdict
}

// statusCode formats an HTTP status for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
