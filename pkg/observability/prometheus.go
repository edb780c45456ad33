package observability

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const prometheusNamespace = "tailscale_monitor"

// PrometheusCollector translates Metric events into Prometheus metrics and exposes a registry.
type PrometheusCollector struct {
	registry   *prometheus.Registry
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
	labelNames map[string][]string
}

// NewPrometheusCollector builds a collector backed by a dedicated Prometheus registry.
func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		labelNames: make(map[string][]string),
	}
}

// Collect implements MetricsCollector by forwarding the measurement into Prometheus primitives.
// Counters add the value, gauges set it and histograms observe it.
func (c *PrometheusCollector) Collect(metric Metric) {
	if c == nil || metric.Name == "" {
		return
	}

	labels := cloneLabels(metric.Labels)
	names := sortedKeys(labels)

	c.mu.Lock()
	defer c.mu.Unlock()

	if known, ok := c.labelNames[metric.Name]; ok && !equalStringSlices(known, names) {
		return
	}

	switch metric.Type {
	case MetricCounter:
		c.collectCounter(metric, labels, names)
	case MetricHistogram:
		c.collectHistogram(metric, labels, names)
	case MetricGauge:
		c.collectGauge(metric, labels, names)
	default:
		// Unknown metric types are ignored to keep the collector resilient.
	}
}

// Registry returns the underlying registry for use with HTTP handlers.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler exposes the Prometheus registry via an http.Handler.
func (c *PrometheusCollector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *PrometheusCollector) collectCounter(metric Metric, labels prometheus.Labels, names []string) {
	value := metric.Value
	if value < 0 {
		value = 0
	}
	vec, ok := c.counters[metric.Name]
	if !ok {
		if _, taken := c.labelNames[metric.Name]; taken {
			return
		}
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prometheusNamespace,
			Name:      metric.Name,
			Help:      helpText(metric),
		}, names)
		if err := c.registry.Register(vec); err != nil {
			// If registration fails we skip recording to avoid panics on duplicate metrics.
			return
		}
		c.counters[metric.Name] = vec
		c.labelNames[metric.Name] = names
	}
	vec.With(labels).Add(value)
}

func (c *PrometheusCollector) collectHistogram(metric Metric, labels prometheus.Labels, names []string) {
	vec, ok := c.histograms[metric.Name]
	if !ok {
		if _, taken := c.labelNames[metric.Name]; taken {
			return
		}
		opts := prometheus.HistogramOpts{
			Namespace: prometheusNamespace,
			Name:      metric.Name,
			Help:      helpText(metric),
		}
		if metric.Unit != "" {
			opts.ConstLabels = map[string]string{"unit": metric.Unit}
		}
		vec = prometheus.NewHistogramVec(opts, names)
		if err := c.registry.Register(vec); err != nil {
			return
		}
		c.histograms[metric.Name] = vec
		c.labelNames[metric.Name] = names
	}
	vec.With(labels).Observe(metric.Value)
}

func (c *PrometheusCollector) collectGauge(metric Metric, labels prometheus.Labels, names []string) {
	vec, ok := c.gauges[metric.Name]
	if !ok {
		if _, taken := c.labelNames[metric.Name]; taken {
			return
		}
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: prometheusNamespace,
			Name:      metric.Name,
			Help:      helpText(metric),
		}, names)
		if err := c.registry.Register(vec); err != nil {
			return
		}
		c.gauges[metric.Name] = vec
		c.labelNames[metric.Name] = names
	}
	vec.With(labels).Set(metric.Value)
}

func helpText(metric Metric) string {
	if strings.TrimSpace(metric.Description) != "" {
		return metric.Description
	}
	if metric.Unit != "" {
		return metric.Name + " (" + metric.Unit + ")"
	}
	return metric.Name
}

func sortedKeys(m prometheus.Labels) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneLabels(labels map[string]string) prometheus.Labels {
	if len(labels) == 0 {
		return nil
	}
	cloned := make(prometheus.Labels, len(labels))
	for k, v := range labels {
		cloned[k] = v
	}
	return cloned
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var _ MetricsCollector = (*PrometheusCollector)(nil)
