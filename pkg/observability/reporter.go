package observability

import "context"

// Reporter consumes events and metrics for logging or aggregation.
type Reporter interface {
	RecordEvent(context.Context, Event)
	RecordMetric(Metric)
}

// ReporterFuncs wires plain functions into a Reporter implementation.
type ReporterFuncs struct {
	OnEvent  func(context.Context, Event)
	OnMetric func(Metric)
}

// RecordEvent implements Reporter.
func (r ReporterFuncs) RecordEvent(ctx context.Context, event Event) {
	if r.OnEvent != nil {
		r.OnEvent(ctx, event)
	}
}

// RecordMetric implements Reporter.
func (r ReporterFuncs) RecordMetric(metric Metric) {
	if r.OnMetric != nil {
		r.OnMetric(metric)
	}
}

// NoopReporter discards all events and metrics.
type NoopReporter struct{}

// RecordEvent implements Reporter.
func (NoopReporter) RecordEvent(context.Context, Event) {}

// RecordMetric implements Reporter.
func (NoopReporter) RecordMetric(Metric) {}

// StructuredReporter forwards events to the provided logger and metrics collector.
type StructuredReporter struct {
	component string
	logger    Logger
	metrics   MetricsCollector
}

// NewStructuredReporter builds a reporter that tags events with a component name.
func NewStructuredReporter(component string, logger Logger, metrics MetricsCollector) *StructuredReporter {
	return &StructuredReporter{
		component: component,
		logger:    logger,
		metrics:   metrics,
	}
}

// WithComponent returns a reporter sharing the same sinks under another component name.
func (r *StructuredReporter) WithComponent(component string) *StructuredReporter {
	if r == nil {
		return nil
	}
	return &StructuredReporter{component: component, logger: r.logger, metrics: r.metrics}
}

// RecordEvent implements Reporter.
func (r *StructuredReporter) RecordEvent(ctx context.Context, event Event) {
	if r == nil || r.logger == nil {
		return
	}
	cloned := event.Clone()
	if cloned.Component == "" {
		cloned.Component = r.component
	}
	_ = r.logger.Log(ctx, cloned)
}

// RecordMetric implements Reporter.
func (r *StructuredReporter) RecordMetric(metric Metric) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.Collect(metric)
}

var _ Reporter = ReporterFuncs{}
var _ Reporter = NoopReporter{}
var _ Reporter = (*StructuredReporter)(nil)
