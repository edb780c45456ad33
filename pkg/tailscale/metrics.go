package tailscale

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultMetricsURL is the tailscaled local metrics endpoint.
	DefaultMetricsURL = "http://100.100.100.100/metrics"
	// DefaultMetricsTimeout bounds a metrics fetch.
	DefaultMetricsTimeout = 5 * time.Second
	maxMetricsBytes       = 8 << 20
)

// MetricsFetcher reads the Prometheus text exposition served by tailscaled.
type MetricsFetcher struct {
	url    string
	client *http.Client
}

// NewMetricsFetcher builds a fetcher. Empty url and non-positive timeout fall
// back to the defaults.
func NewMetricsFetcher(url string, timeout time.Duration) *MetricsFetcher {
	if url == "" {
		url = DefaultMetricsURL
	}
	if timeout <= 0 {
		timeout = DefaultMetricsTimeout
	}
	return &MetricsFetcher{url: url, client: &http.Client{Timeout: timeout}}
}

// Metrics fetches the exposition payload.
func (f *MetricsFetcher) Metrics(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build metrics request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch metrics: unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetricsBytes))
	if err != nil {
		return nil, fmt.Errorf("read metrics body: %w", err)
	}
	return body, nil
}
