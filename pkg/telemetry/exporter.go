// Package telemetry exports decision telemetry for proposals and
// commits, per spec §4.8. It wires the OpenTelemetry SDK surface for
// counters/histograms/spans but intentionally stops short of any OTLP
// exporter: where those metrics and traces are shipped is an operator
// concern outside this module (spec §1 Non-goals).
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/ctlplane/pkg/policy"
	"github.com/Mindburn-Labs/ctlplane/pkg/risk"
	"github.com/Mindburn-Labs/ctlplane/pkg/verifier"
)

// Exporter records decision telemetry. Implementations must not block
// the propose/commit hot path on a slow sink.
type Exporter interface {
	RecordProposal(ctx context.Context, toolName string, decision policy.Decision, composite risk.Composite, elapsed time.Duration)
	RecordCommit(ctx context.Context, toolName string, outcome verifier.Outcome, elapsed time.Duration)
}

// NoopExporter discards every record. cmd/ctlplane uses it when
// OTEL_SERVICE_NAME is unset, and proposer.New uses it when given a nil
// exporter.
type NoopExporter struct{}

func (NoopExporter) RecordProposal(context.Context, string, policy.Decision, risk.Composite, time.Duration) {
}
func (NoopExporter) RecordCommit(context.Context, string, verifier.Outcome, time.Duration) {}

// OtelExporter records proposal/commit telemetry through the global
// OpenTelemetry meter and tracer providers. Callers own exporter/reader
// registration (stdout, Prometheus, OTLP, ...); this package never
// constructs one itself.
type OtelExporter struct {
	tracer           trace.Tracer
	proposalCounter  metric.Int64Counter
	commitCounter    metric.Int64Counter
	decisionDuration metric.Float64Histogram
}

// NewOtelExporter builds an OtelExporter bound to the global providers
// registered via otel.SetMeterProvider / otel.SetTracerProvider.
func NewOtelExporter(serviceName string) (*OtelExporter, error) {
	meter := otel.Meter(serviceName)

	proposalCounter, err := meter.Int64Counter(
		"ctlplane.proposals.total",
		metric.WithDescription("Number of propose decisions, by tool and decision."),
	)
	if err != nil {
		return nil, err
	}
	commitCounter, err := meter.Int64Counter(
		"ctlplane.commits.total",
		metric.WithDescription("Number of commit attempts, by tool and verification reason."),
	)
	if err != nil {
		return nil, err
	}
	decisionDuration, err := meter.Float64Histogram(
		"ctlplane.decision.duration_seconds",
		metric.WithDescription("Wall-clock time spent scoring and deciding a proposal or commit."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &OtelExporter{
		tracer:           otel.Tracer(serviceName),
		proposalCounter:  proposalCounter,
		commitCounter:    commitCounter,
		decisionDuration: decisionDuration,
	}, nil
}

func (e *OtelExporter) RecordProposal(ctx context.Context, toolName string, decision policy.Decision, composite risk.Composite, elapsed time.Duration) {
	_, span := e.tracer.Start(ctx, "ctlplane.propose", trace.WithAttributes(
		attribute.String("tool_name", toolName),
		attribute.String("decision", string(decision)),
	))
	defer span.End()

	attrs := []attribute.KeyValue{
		attribute.String("tool_name", toolName),
		attribute.String("decision", string(decision)),
		attribute.String("level", string(composite.Level)),
	}
	if composite.Score != nil {
		span.SetAttributes(attribute.Float64("composite_score", *composite.Score))
	}

	e.proposalCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	e.decisionDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}

func (e *OtelExporter) RecordCommit(ctx context.Context, toolName string, outcome verifier.Outcome, elapsed time.Duration) {
	_, span := e.tracer.Start(ctx, "ctlplane.commit", trace.WithAttributes(
		attribute.String("tool_name", toolName),
		attribute.Bool("committed", outcome.Committed),
		attribute.String("reason", string(outcome.Reason)),
	))
	defer span.End()

	attrs := []attribute.KeyValue{
		attribute.String("tool_name", toolName),
		attribute.Bool("committed", outcome.Committed),
		attribute.String("reason", string(outcome.Reason)),
	}
	e.commitCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	e.decisionDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}
