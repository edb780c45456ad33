package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dragon-db/tailscale-monitor/pkg/api"
	"github.com/dragon-db/tailscale-monitor/pkg/config"
	"github.com/dragon-db/tailscale-monitor/pkg/cooldown"
	"github.com/dragon-db/tailscale-monitor/pkg/detector"
	"github.com/dragon-db/tailscale-monitor/pkg/monitor"
	"github.com/dragon-db/tailscale-monitor/pkg/notify"
	"github.com/dragon-db/tailscale-monitor/pkg/observability"
	"github.com/dragon-db/tailscale-monitor/pkg/scheduler"
	"github.com/dragon-db/tailscale-monitor/pkg/storage"
	"github.com/dragon-db/tailscale-monitor/pkg/tailscale"
	"github.com/dragon-db/tailscale-monitor/pkg/version"
)

const shutdownTimeout = 10 * time.Second

func newRunCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the monitor daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return runDaemon(cmd.Context(), cfg)
		},
	}
}

// buildPipeline wires the detectors over the local tailscale daemon. The
// probe detector is returned separately for on-demand pings.
func buildPipeline(cfg *config.Config) (*monitor.Pipeline, *detector.ProbeDetector, error) {
	client, err := tailscale.NewClient(cfg.Settings.TailscaleBinary, cfg.Settings.TailscaleSocket,
		tailscale.WithStatusTimeout(cfg.StatusTimeout()))
	if err != nil {
		return nil, nil, err
	}
	statusDetector, err := detector.NewStatusDetector(client, cfg.OfflineThreshold(), time.Now)
	if err != nil {
		return nil, nil, err
	}
	metricsDetector, err := detector.NewMetricsDetector(tailscale.NewMetricsFetcher(cfg.Settings.MetricsURL, cfg.MetricsTimeout()))
	if err != nil {
		return nil, nil, err
	}
	probeDetector, err := detector.NewProbeDetector(client, cfg.Settings.PingCount, cfg.PingTimeout())
	if err != nil {
		return nil, nil, err
	}
	pipeline, err := monitor.NewPipeline(statusDetector, metricsDetector, probeDetector,
		monitor.WithProbeOnSuspect(cfg.PingOnDERPSuspect()))
	if err != nil {
		return nil, nil, err
	}
	return pipeline, probeDetector, nil
}

func buildChannels(cfg *config.Config) ([]notify.Channel, error) {
	var channels []notify.Channel
	if cfg.Secrets.DiscordEnabled() && !cfg.Notifications.DiscordDisabled {
		discord, err := notify.NewDiscordChannel(cfg.Secrets.DiscordWebhookURL, cfg.NotificationTimeout())
		if err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
		channels = append(channels, discord)
	}
	if cfg.Secrets.NtfyEnabled() && !cfg.Notifications.NtfyDisabled {
		ntfy, err := notify.NewNtfyChannel(cfg.Secrets.NtfyURL, cfg.Secrets.NtfyTopic, cfg.Secrets.NtfyToken, cfg.NotificationTimeout())
		if err != nil {
			return nil, fmt.Errorf("ntfy: %w", err)
		}
		channels = append(channels, ntfy)
	}
	return channels, nil
}

func storageOptions(cfg *config.Config) storage.Options {
	opts := storage.Options{
		Backend: cfg.Storage.Backend,
		Badger: storage.BadgerOptions{
			Path:     cfg.Storage.Path,
			InMemory: cfg.Storage.InMemory,
		},
		EtcdEndpoints: cfg.Storage.EtcdEndpoints,
		EtcdNamespace: cfg.Storage.EtcdNamespace,
		DialTimeout:   cfg.DialTimeout(),
	}
	if tlsCfg := cfg.Storage.EtcdTLS; tlsCfg != nil && tlsCfg.Enabled {
		opts.EtcdTLS = &storage.TLSFiles{
			CAFile:             tlsCfg.CAFile,
			CertFile:           tlsCfg.CertFile,
			KeyFile:            tlsCfg.KeyFile,
			InsecureSkipVerify: tlsCfg.Insecure,
		}
	}
	return opts
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	logger := observability.NewJSONLogger(os.Stderr)
	logger.SetLevel(cfg.LogLevel())
	collector := observability.NewPrometheusCollector()
	reporter := observability.NewStructuredReporter("daemon", logger, collector)

	info := version.Get()
	reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelInfo,
		Event:   "daemon_starting",
		Message: info.String(),
		Fields: map[string]interface{}{
			"nodes":   len(cfg.Nodes),
			"storage": cfg.Storage.Backend,
			"listen":  cfg.API.Listen,
		},
	})
	for _, w := range cfg.Warnings {
		reporter.RecordEvent(ctx, observability.Event{Level: observability.LevelWarn, Event: "config_adjusted", Message: w})
	}

	store, err := storage.Open(storageOptions(cfg))
	if err != nil {
		return runtimeError("open storage: %w", err)
	}
	defer store.Close()

	nodes := cfg.NodeConfigs()
	if err := store.UpsertNodes(ctx, nodes, time.Now().UTC()); err != nil {
		return runtimeError("register nodes: %w", err)
	}
	runtimes, err := store.LoadRuntimeStates(ctx, nodes)
	if err != nil {
		return runtimeError("load runtime state: %w", err)
	}

	pipeline, prober, err := buildPipeline(cfg)
	if err != nil {
		return runtimeError("build detectors: %w", err)
	}
	channels, err := buildChannels(cfg)
	if err != nil {
		return runtimeError("build notification channels: %w", err)
	}
	manager := notify.NewManager(channels, cfg.Settings.NotificationRatePerMinute,
		notify.WithReporter(reporter.WithComponent("notify")),
		notify.WithTimeout(cfg.NotificationTimeout()))
	if len(channels) == 0 {
		reporter.RecordEvent(ctx, observability.Event{
			Level:   observability.LevelWarn,
			Event:   "notifications_disabled",
			Message: "no notification channel is configured; transitions are recorded only",
		})
	}

	tracker, err := monitor.NewTracker(cooldown.NewPolicy(cfg.NotificationCooldown()), manager, store,
		monitor.WithTrackerReporter(reporter.WithComponent("tracker")))
	if err != nil {
		return runtimeError("build tracker: %w", err)
	}
	service, err := monitor.NewService(pipeline, tracker, store, nodes, runtimes,
		monitor.WithServiceReporter(reporter.WithComponent("monitor")))
	if err != nil {
		return runtimeError("build monitor: %w", err)
	}
	sched, err := scheduler.New(service, nodes, cfg.CheckInterval(),
		scheduler.WithReporter(reporter.WithComponent("scheduler")))
	if err != nil {
		return runtimeError("build scheduler: %w", err)
	}

	server, err := api.New(api.Config{
		Store:            store,
		Nodes:            nodes,
		Triggers:         sched,
		Prober:           prober,
		Notifier:         manager,
		Metrics:          collector.Handler(),
		Reporter:         reporter.WithComponent("api"),
		ManualProbeCount: cfg.Settings.ManualProbeCount,
	})
	if err != nil {
		return runtimeError("build api: %w", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := sched.Start(ctx); err != nil {
		return runtimeError("start scheduler: %w", err)
	}
	defer sched.Stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		runRetention(groupCtx, store, cfg.Retention(), cfg.RetentionSweepInterval(), reporter.WithComponent("retention"))
		return nil
	})

	err = group.Wait()
	reporter.RecordEvent(context.Background(), observability.Event{Level: observability.LevelInfo, Event: "daemon_stopped"})
	if err != nil {
		return runtimeError("%w", err)
	}
	return nil
}

// runRetention prunes checks older than retention once at startup and then
// every interval until ctx ends.
func runRetention(ctx context.Context, store storage.Store, retention, interval time.Duration, reporter observability.Reporter) {
	if retention <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		cutoff := time.Now().Add(-retention)
		deleted, err := store.PruneChecks(ctx, cutoff)
		switch {
		case err != nil && ctx.Err() == nil:
			reporter.RecordEvent(ctx, observability.Event{
				Level:   observability.LevelError,
				Event:   "retention_failed",
				Message: err.Error(),
			})
		case err == nil:
			reporter.RecordEvent(ctx, observability.Event{
				Level: observability.LevelInfo,
				Event: "retention_pruned",
				Fields: map[string]interface{}{
					"deleted": deleted,
					"cutoff":  cutoff.UTC().Format(time.RFC3339),
				},
			})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
