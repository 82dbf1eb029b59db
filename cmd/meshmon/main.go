package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"meshmon/config"
	"meshmon/internal/logger"
)

type options struct {
	path         string
	settings     string
	olsrHost     string
	updateGraphs bool
	stressTest   bool
	stressNodes  int
	noPool       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "meshmon: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "meshmon",
		Short: "Mesh network monitoring reconciler",
		Long: `meshmon periodically reconciles the routing topology and node telemetry
of a mesh network against the node registry, tracks node status, detects
subnet conflicts and emits events, warnings and time-series samples.

Settings are read from <path>/settings/<profile>.yml.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.path, "path", "", "deployment path")
	f.StringVar(&opts.settings, "settings", "", "settings profile name")
	f.StringVar(&opts.olsrHost, "olsr-host", "", "override the routing daemon host")
	f.BoolVar(&opts.updateGraphs, "update-graphs", false, "request regeneration of all graphs and exit")
	f.BoolVar(&opts.stressTest, "stress-test", false, "run one cycle against a simulated network and exit")
	f.IntVar(&opts.stressNodes, "stress-nodes", 500, "number of simulated nodes for --stress-test")
	f.BoolVar(&opts.noPool, "no-pool", false, "process nodes sequentially instead of on the worker pool")
	_ = cmd.MarkFlagRequired("path")
	_ = cmd.MarkFlagRequired("settings")
	return cmd
}

func settingsFile(path, profile string) string {
	return filepath.Join(path, "settings", profile+".yml")
}

// resolve makes p relative to the deployment path unless it is absolute.
func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func loadSettings(opts *options) (*config.Config, error) {
	path := settingsFile(opts.path, opts.settings)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load settings %s: %w", path, err)
	}
	config.ApplyDefaults(cfg)

	m := &cfg.Meshmon
	if opts.olsrHost != "" {
		m.Topology.Host = opts.olsrHost
	}
	if opts.noPool {
		disabled := false
		m.Pipeline.PoolEnabled = &disabled
	}
	m.Samples.File.Path = resolve(opts.path, m.Samples.File.Path)
	m.Events.File.Path = resolve(opts.path, m.Events.File.Path)
	m.Rules.Path = resolve(opts.path, m.Rules.Path)
	m.Logging.File = resolve(opts.path, m.Logging.File)

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, opts *options) error {
	cfg, err := loadSettings(opts)
	if err != nil {
		return err
	}
	m := &cfg.Meshmon

	if err := logger.Init(m.Logging.Enabled, m.Logging.Level, m.Logging.File, m.Logging.Console); err != nil {
		log.Printf("Failed to initialize logger: %v", err)
		return err
	}
	defer logger.Sync()

	logger.Infof("meshmon starting")
	logger.Infof("Settings loaded from: %s", settingsFile(opts.path, opts.settings))

	if !opts.stressTest {
		if _, err := exec.LookPath(m.Probe.Binary); err != nil {
			logger.Errorf("Probe binary %s not found: %v", m.Probe.Binary, err)
			return fmt.Errorf("probe binary %s not found: %w", m.Probe.Binary, err)
		}
	}

	a, err := build(ctx, cfg, opts)
	if err != nil {
		logger.Errorf("Startup failed: %v", err)
		return err
	}
	defer a.close()

	if opts.updateGraphs {
		_, err := a.reconciler.RegenerateGraphs(ctx, a.recorder)
		return err
	}

	if a.metrics != nil {
		a.metrics.Start()
	}

	err = a.reconciler.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Infof("Shutting down")
		return nil
	}
	return err
}
