package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dragon-db/tailscale-monitor/pkg/config"
	"github.com/dragon-db/tailscale-monitor/pkg/state"
	"github.com/dragon-db/tailscale-monitor/pkg/version"
)

const (
	exitOK           = 0
	exitUsage        = 64
	exitConfigError  = 65
	exitRuntimeError = 70
)

// exitError carries a process exit code through cobra's error return.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func configError(format string, args ...interface{}) error {
	return &exitError{code: exitConfigError, err: fmt.Errorf(format, args...)}
}

func runtimeError(format string, args ...interface{}) error {
	return &exitError{code: exitRuntimeError, err: fmt.Errorf(format, args...)}
}

type globalOptions struct {
	configPath string
	envPath    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	return exitUsage
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "tailscale-monitor",
		Short: "Track how tailscale peers are reached",
		Long: `tailscale-monitor polls the local tailscale daemon for each configured peer,
classifies the path it uses (direct, peer relay, DERP relay, inactive or offline)
and notifies on meaningful transitions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultConfigPath, "path to configuration file")
	root.PersistentFlags().StringVar(&opts.envPath, "env-file", config.DefaultEnvPath, "path to the dotenv file holding notification secrets")

	root.AddCommand(
		newRunCommand(opts),
		newValidateCommand(opts),
		newCheckCommand(opts),
		newVersionCommand(),
	)
	return root
}

// loadConfig reads the dotenv file, when present, before the configuration
// so secrets resolve from it.
func loadConfig(opts *globalOptions) (*config.Config, error) {
	if opts.envPath != "" {
		if err := config.LoadDotEnv(opts.envPath); err != nil && !config.IsNotExist(err) {
			return nil, configError("load env file: %w", err)
		}
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, configError("load configuration: %w", err)
	}
	return cfg, nil
}

func newValidateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration at %s is valid\n", opts.configPath)
			fmt.Fprintf(out, "  nodes: %d\n", len(cfg.Nodes))
			fmt.Fprintf(out, "  check interval: %s\n", cfg.CheckInterval())
			fmt.Fprintf(out, "  storage backend: %s\n", cfg.Storage.Backend)
			fmt.Fprintf(out, "  discord: %s\n", channelState(cfg.Secrets.DiscordEnabled(), cfg.Notifications.DiscordDisabled))
			fmt.Fprintf(out, "  ntfy: %s\n", channelState(cfg.Secrets.NtfyEnabled(), cfg.Notifications.NtfyDisabled))
			for _, w := range cfg.Warnings {
				fmt.Fprintf(out, "  warning: %s\n", w)
			}
			return nil
		},
	}
}

func channelState(configured, disabled bool) string {
	switch {
	case !configured:
		return "not configured"
	case disabled:
		return "disabled"
	default:
		return "enabled"
	}
}

func newCheckCommand(opts *globalOptions) *cobra.Command {
	var peer string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run one detection pass for a peer and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			pipeline, _, err := buildPipeline(cfg)
			if err != nil {
				return runtimeError("build detectors: %w", err)
			}
			node := state.NodeConfig{IP: peer, Label: peer}
			for _, n := range cfg.NodeConfigs() {
				if n.IP == peer {
					node = n
					break
				}
			}

			obs := pipeline.Check(cmd.Context(), node, nil, state.TriggerManual)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(obs.Result); err != nil {
				return runtimeError("encode result: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "tailscale IP of the peer to check")
	_ = cmd.MarkFlagRequired("peer")
	return cmd
}

func newVersionCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Get()
			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(info)
			}
			fmt.Fprintln(cmd.OutOrStdout(), info.String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the build information as JSON")
	return cmd
}
