package observability

// MetricType selects the Prometheus primitive a Metric is recorded into.
type MetricType string

const (
	MetricCounter   MetricType = "counter"
	MetricHistogram MetricType = "histogram"
	MetricGauge     MetricType = "gauge"
)

// Metric is a single measurement emitted by a component.
type Metric struct {
	Name        string
	Type        MetricType
	Value       float64
	Labels      map[string]string
	Description string
	Unit        string
}

// MetricsCollector receives metrics emitted by components.
type MetricsCollector interface {
	Collect(Metric)
}

// MetricsCollectorFunc adapts a function into a MetricsCollector.
type MetricsCollectorFunc func(Metric)

// Collect implements MetricsCollector.
func (f MetricsCollectorFunc) Collect(m Metric) { f(m) }
