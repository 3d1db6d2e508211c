package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rendis/flowengine/pkg/schema"
)

// MeterName is the instrumentation scope of the engine's instruments.
const MeterName = "github.com/rendis/flowengine/internal/engine"

// Instrument names.
const (
	MetricRunsStarted    = "flowengine.runs.started"
	MetricRunsFinished   = "flowengine.runs.finished"
	MetricNodesExecuted  = "flowengine.nodes.executed"
	MetricActionRetries  = "flowengine.actions.retries"
	MetricWaitsResumed   = "flowengine.waits.resumed"
	MetricActionDuration = "flowengine.action.duration"
)

type engineMetrics struct {
	runsStarted    metric.Int64Counter
	runsFinished   metric.Int64Counter
	nodesExecuted  metric.Int64Counter
	actionRetries  metric.Int64Counter
	waitsResumed   metric.Int64Counter
	actionDuration metric.Float64Histogram
}

// newMetrics creates the engine's instruments on meter, falling back to the
// global provider when meter is nil.
func newMetrics(meter metric.Meter) (*engineMetrics, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(MeterName)
	}

	m := &engineMetrics{}
	var err error
	if m.runsStarted, err = meter.Int64Counter(MetricRunsStarted,
		metric.WithDescription("Runs started")); err != nil {
		return nil, err
	}
	if m.runsFinished, err = meter.Int64Counter(MetricRunsFinished,
		metric.WithDescription("Runs that reached a terminal status")); err != nil {
		return nil, err
	}
	if m.nodesExecuted, err = meter.Int64Counter(MetricNodesExecuted,
		metric.WithDescription("Node visits committed")); err != nil {
		return nil, err
	}
	if m.actionRetries, err = meter.Int64Counter(MetricActionRetries,
		metric.WithDescription("Executor retries")); err != nil {
		return nil, err
	}
	if m.waitsResumed, err = meter.Int64Counter(MetricWaitsResumed,
		metric.WithDescription("Pending waits resolved")); err != nil {
		return nil, err
	}
	if m.actionDuration, err = meter.Float64Histogram(MetricActionDuration,
		metric.WithDescription("Executor call duration including retries"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *engineMetrics) runStarted(ctx context.Context, trigger schema.EventKind) {
	m.runsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", string(trigger))))
}

func (m *engineMetrics) runFinished(ctx context.Context, status schema.RunStatus) {
	m.runsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

func (m *engineMetrics) nodeExecuted(ctx context.Context, nodeType schema.NodeType) {
	m.nodesExecuted.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(nodeType))))
}

func (m *engineMetrics) actionRetried(ctx context.Context, nodeType schema.NodeType) {
	m.actionRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(nodeType))))
}

func (m *engineMetrics) waitResumed(ctx context.Context, handle string) {
	m.waitsResumed.Add(ctx, 1, metric.WithAttributes(attribute.String("handle", handle)))
}

func (m *engineMetrics) actionTook(ctx context.Context, nodeType schema.NodeType, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = schema.ErrorCode(err)
	}
	m.actionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("type", string(nodeType)),
		attribute.String("outcome", outcome),
	))
}
