// Package api serves the read-only views and the manual trigger endpoints of
// the monitor over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dragon-db/tailscale-monitor/pkg/notify"
	"github.com/dragon-db/tailscale-monitor/pkg/observability"
	"github.com/dragon-db/tailscale-monitor/pkg/scheduler"
	"github.com/dragon-db/tailscale-monitor/pkg/state"
	"github.com/dragon-db/tailscale-monitor/pkg/storage"
)

// DefaultManualProbeCount is the ping count of an on-demand probe.
const DefaultManualProbeCount = 5

// Triggerer queues manual checks.
type Triggerer interface {
	HasNode(ip string) bool
	Trigger(ip string) scheduler.TriggerStatus
	TriggerAll() scheduler.TriggerAllResult
}

// Prober runs an on-demand probe outside the check loop.
type Prober interface {
	ProbeN(ctx context.Context, ip string, count int) state.PingResult
}

// TestNotifier sends a test message to every channel.
type TestNotifier interface {
	Channels() []string
	SendTest(ctx context.Context) []notify.TestResult
}

// Config wires the server's collaborators. Prober, Notifier and Metrics are
// optional; their endpoints answer 503 or 404 when unset.
type Config struct {
	Store            storage.Store
	Nodes            []state.NodeConfig
	Triggers         Triggerer
	Prober           Prober
	Notifier         TestNotifier
	Metrics          http.Handler
	Reporter         observability.Reporter
	Clock            clock.Clock
	ManualProbeCount int
}

// Server exposes the HTTP surface.
type Server struct {
	store      storage.Store
	nodes      []state.NodeConfig
	byIP       map[string]state.NodeConfig
	triggers   Triggerer
	prober     Prober
	notifier   TestNotifier
	metrics    http.Handler
	reporter   observability.Reporter
	clock      clock.Clock
	probeCount int
}

// New validates cfg and builds a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("store must not be nil")
	}
	if cfg.Triggers == nil {
		return nil, errors.New("triggers must not be nil")
	}
	s := &Server{
		store:      cfg.Store,
		nodes:      append([]state.NodeConfig(nil), cfg.Nodes...),
		byIP:       make(map[string]state.NodeConfig, len(cfg.Nodes)),
		triggers:   cfg.Triggers,
		prober:     cfg.Prober,
		notifier:   cfg.Notifier,
		metrics:    cfg.Metrics,
		reporter:   cfg.Reporter,
		clock:      cfg.Clock,
		probeCount: cfg.ManualProbeCount,
	}
	for _, n := range cfg.Nodes {
		s.byIP[n.IP] = n
	}
	if s.reporter == nil {
		s.reporter = observability.NoopReporter{}
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.probeCount <= 0 {
		s.probeCount = DefaultManualProbeCount
	}
	return s, nil
}

// Routes returns the request multiplexer wrapped in request logging.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/nodes", s.handleNodes)
	mux.HandleFunc("GET /api/nodes/{ip}/history", s.handleHistory)
	mux.HandleFunc("GET /api/transitions", s.handleTransitions)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("POST /api/check/all", s.handleCheckAll)
	mux.HandleFunc("POST /api/check/{ip}", s.handleCheckNode)
	mux.HandleFunc("POST /api/ping/{ip}", s.handlePing)
	mux.HandleFunc("POST /api/test/notify", s.handleTestNotify)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return s.withLogging(mux)
}

func (s *Server) configuredIPs() []string {
	ips := make([]string, 0, len(s.nodes))
	for _, n := range s.nodes {
		ips = append(ips, n.IP)
	}
	return ips
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		duration := time.Since(start)

		level := observability.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = observability.LevelWarn
		}
		s.reporter.RecordEvent(r.Context(), observability.Event{
			Level: level,
			Event: "http_request",
			Fields: map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      rec.status,
				"duration_ms": duration.Milliseconds(),
			},
		})
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}
