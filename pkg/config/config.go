package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dragon-db/tailscale-monitor/pkg/observability"
	"github.com/dragon-db/tailscale-monitor/pkg/state"
)

const (
	DefaultConfigPath = "/etc/tailscale-monitor/config.yaml"
	DefaultEnvPath    = "/etc/tailscale-monitor/.env"

	BackendBadger = "badger"
	BackendEtcd   = "etcd"

	minCheckIntervalSec = 5
)

// Config represents the runtime configuration for the monitor daemon.
type Config struct {
	Settings      Settings            `yaml:"settings"`
	API           APIConfig           `yaml:"api"`
	Storage       StorageConfig       `yaml:"storage"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Nodes         []NodeConfig        `yaml:"nodes"`

	// Secrets are read from the environment, never from the YAML file.
	Secrets Secrets `yaml:"-"`
	// Warnings lists values that were adjusted while loading.
	Warnings []string `yaml:"-"`
}

// Settings holds the polling and detection knobs.
type Settings struct {
	CheckIntervalSec            int    `yaml:"check_interval_seconds"`
	PingOnDERPSuspect           *bool  `yaml:"ping_on_derp_suspect"`
	PingCount                   int    `yaml:"ping_count"`
	PingTimeoutSec              int    `yaml:"ping_timeout_seconds"`
	NotificationCooldownSec     int    `yaml:"notification_cooldown_seconds"`
	DataRetentionDays           int    `yaml:"data_retention_days"`
	LogLevel                    string `yaml:"log_level"`
	OfflineThresholdMinutes     int    `yaml:"offline_threshold_minutes"`
	TailscaleSocket             string `yaml:"tailscale_socket"`
	TailscaleBinary             string `yaml:"tailscale_binary"`
	MetricsURL                  string `yaml:"metrics_url"`
	MetricsTimeoutSec           int    `yaml:"metrics_timeout_seconds"`
	NotificationTimeoutSec      int    `yaml:"notification_timeout_seconds"`
	ManualProbeCount            int    `yaml:"manual_probe_count"`
	NotificationRatePerMinute   int    `yaml:"notification_rate_per_minute"`
	StatusTimeoutSec            int    `yaml:"status_timeout_seconds"`
	RetentionSweepIntervalHours int    `yaml:"retention_sweep_interval_hours"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Backend        string         `yaml:"backend"`
	Path           string         `yaml:"path"`
	InMemory       bool           `yaml:"in_memory"`
	EtcdEndpoints  []string       `yaml:"etcd_endpoints"`
	EtcdNamespace  string         `yaml:"etcd_namespace"`
	EtcdTLS        *EtcdTLSConfig `yaml:"etcd_tls"`
	DialTimeoutSec int            `yaml:"dial_timeout_seconds"`
}

// EtcdTLSConfig configures optional TLS settings for connecting to etcd.
type EtcdTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Insecure bool   `yaml:"insecure_skip_verify"`
}

// NotificationsConfig toggles individual channels. A channel also needs its
// secrets to be set before it is enabled.
type NotificationsConfig struct {
	DiscordDisabled bool `yaml:"discord_disabled"`
	NtfyDisabled    bool `yaml:"ntfy_disabled"`
}

// NodeConfig describes one monitored peer.
type NodeConfig struct {
	IP               string   `yaml:"ip"`
	Label            string   `yaml:"label"`
	Tags             []string `yaml:"tags"`
	CheckIntervalSec int      `yaml:"check_interval_seconds"`
}

// Secrets carries notification credentials resolved from the environment.
type Secrets struct {
	DiscordWebhookURL string
	NtfyURL           string
	NtfyTopic         string
	NtfyToken         string
}

// DiscordEnabled reports whether a webhook is configured.
func (s Secrets) DiscordEnabled() bool { return s.DiscordWebhookURL != "" }

// NtfyEnabled reports whether both the server and topic are configured.
func (s Secrets) NtfyEnabled() bool { return s.NtfyURL != "" && s.NtfyTopic != "" }

// ValidationError aggregates multiple configuration validation failures.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

// Load reads, parses, and validates a configuration from disk. Secrets are
// taken from the process environment.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return decode(f, os.Getenv)
}

func decode(r io.Reader, getenv func(string) string) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.Secrets = secretsFromEnv(getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func secretsFromEnv(getenv func(string) string) Secrets {
	if getenv == nil {
		getenv = os.Getenv
	}
	return Secrets{
		DiscordWebhookURL: envValue(getenv, "DISCORD_WEBHOOK_URL"),
		NtfyURL:           strings.TrimRight(envValue(getenv, "NTFY_URL"), "/"),
		NtfyTopic:         envValue(getenv, "NTFY_TOPIC"),
		NtfyToken:         envValue(getenv, "NTFY_TOKEN"),
	}
}

// envValue trims whitespace and one pair of matching surrounding quotes.
func envValue(getenv func(string) string, name string) string {
	return unquote(strings.TrimSpace(getenv(name)))
}

func unquote(value string) string {
	if len(value) >= 2 && value[0] == value[len(value)-1] && (value[0] == '"' || value[0] == '\'') {
		return strings.TrimSpace(value[1 : len(value)-1])
	}
	return value
}

// Validate checks for semantic correctness in the configuration.
func (c *Config) Validate() error {
	problems := make([]string, 0)

	s := c.Settings
	if s.PingTimeoutSec <= 0 {
		problems = append(problems, "settings.ping_timeout_seconds must be greater than zero")
	}
	if s.NotificationCooldownSec < 0 {
		problems = append(problems, "settings.notification_cooldown_seconds must be non-negative")
	}
	if s.DataRetentionDays < 0 {
		problems = append(problems, "settings.data_retention_days must be non-negative")
	}
	if s.OfflineThresholdMinutes < 0 {
		problems = append(problems, "settings.offline_threshold_minutes must be non-negative")
	}
	if _, err := observability.ParseLevel(s.LogLevel); err != nil {
		problems = append(problems, fmt.Sprintf("settings.log_level: %v", err))
	}
	if strings.TrimSpace(s.TailscaleSocket) == "" {
		problems = append(problems, "settings.tailscale_socket is required")
	}

	if _, _, err := net.SplitHostPort(c.API.Listen); err != nil {
		problems = append(problems, fmt.Sprintf("api.listen %q is not a valid host:port", c.API.Listen))
	}

	problems = append(problems, c.Storage.validate()...)

	seen := make(map[string]struct{}, len(c.Nodes))
	for i, node := range c.Nodes {
		if node.IP == "" {
			problems = append(problems, fmt.Sprintf("nodes[%d]: ip is required", i))
			continue
		}
		if net.ParseIP(node.IP) == nil {
			problems = append(problems, fmt.Sprintf("nodes[%d]: ip %q is not a valid address", i, node.IP))
		}
		if _, dup := seen[node.IP]; dup {
			problems = append(problems, fmt.Sprintf("nodes[%d]: duplicate ip %s", i, node.IP))
		}
		seen[node.IP] = struct{}{}
		if node.CheckIntervalSec < 0 {
			problems = append(problems, fmt.Sprintf("nodes[%d]: check_interval_seconds must be non-negative", i))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (s StorageConfig) validate() []string {
	problems := make([]string, 0)
	switch s.Backend {
	case BackendBadger:
		if !s.InMemory && strings.TrimSpace(s.Path) == "" {
			problems = append(problems, "storage.path is required for the badger backend")
		}
	case BackendEtcd:
		if len(s.EtcdEndpoints) == 0 {
			problems = append(problems, "storage.etcd_endpoints must contain at least one endpoint")
		}
		if s.EtcdTLS != nil && s.EtcdTLS.Enabled {
			if strings.TrimSpace(s.EtcdTLS.CAFile) == "" {
				problems = append(problems, "storage.etcd_tls.ca_file is required when TLS is enabled")
			}
			if strings.TrimSpace(s.EtcdTLS.CertFile) == "" {
				problems = append(problems, "storage.etcd_tls.cert_file is required when TLS is enabled")
			}
			if strings.TrimSpace(s.EtcdTLS.KeyFile) == "" {
				problems = append(problems, "storage.etcd_tls.key_file is required when TLS is enabled")
			}
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.backend %q is not supported", s.Backend))
	}
	return problems
}

func (c *Config) applyDefaults() {
	s := &c.Settings
	if s.CheckIntervalSec == 0 {
		s.CheckIntervalSec = 300
	}
	if s.CheckIntervalSec < minCheckIntervalSec {
		c.warnf("settings.check_interval_seconds %d is too low; forcing to %d", s.CheckIntervalSec, minCheckIntervalSec)
		s.CheckIntervalSec = minCheckIntervalSec
	}
	if s.PingOnDERPSuspect == nil {
		enabled := true
		s.PingOnDERPSuspect = &enabled
	}
	if s.PingCount < 1 {
		s.PingCount = 3
	}
	if s.PingTimeoutSec < 1 {
		s.PingTimeoutSec = 15
	}
	if s.DataRetentionDays == 0 {
		s.DataRetentionDays = 30
	}
	if strings.TrimSpace(s.LogLevel) == "" {
		s.LogLevel = "info"
	}
	if s.OfflineThresholdMinutes == 0 {
		s.OfflineThresholdMinutes = 5
	}
	if strings.TrimSpace(s.TailscaleSocket) == "" {
		s.TailscaleSocket = "/var/run/tailscale/tailscaled.sock"
	}
	if strings.TrimSpace(s.TailscaleBinary) == "" {
		s.TailscaleBinary = "tailscale"
	}
	if strings.TrimSpace(s.MetricsURL) == "" {
		s.MetricsURL = "http://100.100.100.100/metrics"
	}
	if s.MetricsTimeoutSec <= 0 {
		s.MetricsTimeoutSec = 5
	}
	if s.StatusTimeoutSec <= 0 {
		s.StatusTimeoutSec = 10
	}
	if s.NotificationTimeoutSec <= 0 {
		s.NotificationTimeoutSec = 8
	}
	if s.ManualProbeCount <= 0 {
		s.ManualProbeCount = 5
	}
	if s.NotificationRatePerMinute <= 0 {
		s.NotificationRatePerMinute = 30
	}
	if s.RetentionSweepIntervalHours <= 0 {
		s.RetentionSweepIntervalHours = 24
	}

	if strings.TrimSpace(c.API.Listen) == "" {
		c.API.Listen = "0.0.0.0:8080"
	}

	if strings.TrimSpace(c.Storage.Backend) == "" {
		c.Storage.Backend = BackendBadger
	}
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == BackendBadger && c.Storage.Path == "" && !c.Storage.InMemory {
		c.Storage.Path = "/var/lib/tailscale-monitor/data"
	}
	if c.Storage.EtcdNamespace == "" {
		c.Storage.EtcdNamespace = "/tailscale-monitor"
	}
	if c.Storage.DialTimeoutSec <= 0 {
		c.Storage.DialTimeoutSec = 5
	}

	for i := range c.Nodes {
		n := &c.Nodes[i]
		n.IP = strings.TrimSpace(n.IP)
		n.Label = strings.TrimSpace(n.Label)
		if n.Label == "" {
			n.Label = n.IP
		}
		if n.CheckIntervalSec > 0 && n.CheckIntervalSec < minCheckIntervalSec {
			c.warnf("nodes[%d].check_interval_seconds %d is too low; forcing to %d", i, n.CheckIntervalSec, minCheckIntervalSec)
			n.CheckIntervalSec = minCheckIntervalSec
		}
	}
}

func (c *Config) warnf(format string, args ...interface{}) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

// NodeConfigs converts the configured nodes into the shared model.
func (c *Config) NodeConfigs() []state.NodeConfig {
	nodes := make([]state.NodeConfig, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		tags := append([]string(nil), n.Tags...)
		nodes = append(nodes, state.NodeConfig{
			IP:               n.IP,
			Label:            n.Label,
			Tags:             tags,
			CheckIntervalSec: n.CheckIntervalSec,
		})
	}
	return nodes
}

// LogLevel returns the parsed minimum log level.
func (c *Config) LogLevel() observability.Level {
	level, err := observability.ParseLevel(c.Settings.LogLevel)
	if err != nil {
		return observability.LevelInfo
	}
	return level
}

// PingOnDERPSuspect reports whether relay hints are confirmed with a probe.
func (c *Config) PingOnDERPSuspect() bool {
	return c.Settings.PingOnDERPSuspect == nil || *c.Settings.PingOnDERPSuspect
}

// CheckInterval returns the default poll interval.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.Settings.CheckIntervalSec) * time.Second
}

// PingTimeout bounds one probe invocation.
func (c *Config) PingTimeout() time.Duration {
	return time.Duration(c.Settings.PingTimeoutSec) * time.Second
}

// StatusTimeout bounds one status snapshot call.
func (c *Config) StatusTimeout() time.Duration {
	return time.Duration(c.Settings.StatusTimeoutSec) * time.Second
}

// MetricsTimeout bounds one metrics fetch.
func (c *Config) MetricsTimeout() time.Duration {
	return time.Duration(c.Settings.MetricsTimeoutSec) * time.Second
}

// NotificationTimeout bounds one notification delivery request.
func (c *Config) NotificationTimeout() time.Duration {
	return time.Duration(c.Settings.NotificationTimeoutSec) * time.Second
}

// NotificationCooldown returns the per-key cooldown window.
func (c *Config) NotificationCooldown() time.Duration {
	return time.Duration(c.Settings.NotificationCooldownSec) * time.Second
}

// OfflineThreshold returns the configured staleness threshold.
func (c *Config) OfflineThreshold() time.Duration {
	return time.Duration(c.Settings.OfflineThresholdMinutes) * time.Minute
}

// Retention returns how long checks are kept.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Settings.DataRetentionDays) * 24 * time.Hour
}

// RetentionSweepInterval returns how often old checks are pruned.
func (c *Config) RetentionSweepInterval() time.Duration {
	return time.Duration(c.Settings.RetentionSweepIntervalHours) * time.Hour
}

// DialTimeout returns the storage dial timeout.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Storage.DialTimeoutSec) * time.Second
}
