// Package main is the CLI entry point for ssiagent.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/servicestatus/agent/internal/daemon"
	"github.com/servicestatus/agent/internal/domain"
	"github.com/servicestatus/agent/internal/infra"
	"github.com/servicestatus/agent/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.3.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ssiagent",
	Short: "Service status agent - reports monitoring script results to the backend",
	Long: `ssiagent manages host monitoring scripts and relays their status output
to the Service Status Indicator backend.

Each monitoring script carries a manifest in its leading comments (name,
description, version, schedule, timeout). The agent installs accepted
scripts, schedules them via systemd timers, tails their log files, and
streams status events to the backend over a persistent connection.`,
	Version: Version,
}

var addCmd = &cobra.Command{
	Use:   "add <script.bash>",
	Short: "Install a monitoring script",
	Long: `Parses and validates the script's manifest block, copies the script to
the managed directory, and installs systemd units for its schedule.
All validation failures are reported together, not just the first.`,
	Args: cobra.ExactArgs(1),
	RunE: runAdd,
}

var removeCmd = &cobra.Command{
	Use:   "remove <service-id>",
	Short: "Remove an installed service",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemove,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed services",
	RunE:  runList,
}

var enableCmd = &cobra.Command{
	Use:   "enable <service-id>",
	Short: "Enable a service's schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnable,
}

var disableCmd = &cobra.Command{
	Use:   "disable <service-id>",
	Short: "Disable a service's schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runDisable,
}

var runNowCmd = &cobra.Command{
	Use:   "run <service-id>",
	Short: "Trigger an immediate one-shot run of a service",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunNow,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Shows whether the daemon is running, its connection state, and queue metrics.`,
	RunE:  runStatus,
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the reporting daemon in the foreground",
	Long: `Tails every registered service's log file and streams status events to
the backend. Intended to be run under a process supervisor (systemd).`,
	RunE: runDaemon,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage agent configuration",
}

var setBackendCmd = &cobra.Command{
	Use:   "set-backend-url <url>",
	Short: "Set the backend base URL",
	Args:  cobra.ExactArgs(1),
	RunE:  runSetBackend,
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the agent credential",
}

var setKeyCmd = &cobra.Command{
	Use:   "set-key <agent-key>",
	Short: "Store the agent key issued during registration",
	Args:  cobra.ExactArgs(1),
	RunE:  runSetKey,
}

var clearKeyCmd = &cobra.Command{
	Use:   "clear-key",
	Short: "Remove the stored agent key",
	RunE:  runClearKey,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

var (
	configDir   string
	updateFlag  bool
	noStartFlag bool
	jsonOutput  bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", infra.DefaultConfigDir, "Configuration directory")

	addCmd.Flags().BoolVar(&updateFlag, "update", false, "Replace an already installed service with the same id")
	addCmd.Flags().BoolVar(&noStartFlag, "no-start", false, "Install without enabling the schedule")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	configCmd.AddCommand(setBackendCmd)
	authCmd.AddCommand(setKeyCmd)
	authCmd.AddCommand(clearKeyCmd)

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
	rootCmd.AddCommand(runNowCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(versionCmd)
}

// components bundles the wired application for CLI commands.
type components struct {
	cfg      *infra.Config
	store    *infra.EncryptedStore
	registry *usecase.Registry
	logger   *zap.Logger
}

func setup() (*components, error) {
	cfg, err := infra.LoadConfig(configDir)
	if err != nil {
		return nil, err
	}

	logger, _ := zap.NewDevelopment()

	key, err := infra.NewKeyFile(cfg.DataDir).Ensure()
	if err != nil {
		return nil, err
	}
	store, err := infra.NewEncryptedStore(cfg.DataDir, key)
	if err != nil {
		return nil, err
	}

	installer := infra.NewScriptInstaller(cfg.ScriptsDir)
	scheduler := infra.NewSystemdScheduler(logger)
	registry := usecase.NewRegistry(store, store, installer, scheduler, cfg, logger)

	return &components{cfg: cfg, store: store, registry: registry, logger: logger}, nil
}

func (c *components) close() {
	_ = c.store.Close()
	_ = c.logger.Sync()
}

func runAdd(cmd *cobra.Command, args []string) error {
	c, err := setup()
	if err != nil {
		return err
	}
	defer c.close()

	rec, err := c.registry.Add(cmd.Context(), args[0], usecase.AddOptions{
		Update:   updateFlag,
		StartNow: !noStartFlag,
	})
	if err != nil {
		// Report every violated field, not just the first.
		for _, e := range multierr.Errors(err) {
			fmt.Fprintf(os.Stderr, "error: %v\n", e)
		}
		return fmt.Errorf("add failed")
	}

	fmt.Printf("Service '%s' added (schedule: %s)\n", rec.ID, rec.Manifest.Schedule)
	if rec.Enabled {
		fmt.Println("Schedule enabled; first run triggered.")
	}
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	c, err := setup()
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.registry.Remove(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Service '%s' removed\n", args[0])
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	c, err := setup()
	if err != nil {
		return err
	}
	defer c.close()

	records, err := c.registry.List()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No services installed.")
		return nil
	}

	fmt.Println("\n=== Installed Services ===")
	for _, rec := range records {
		state := "disabled"
		if rec.Enabled {
			state = "enabled"
		}
		fmt.Printf("\n[%s] %s (%s)\n", rec.ID, rec.Manifest.Name, state)
		fmt.Printf("  Version:  %s\n", rec.Manifest.Version)
		fmt.Printf("  Schedule: %s\n", rec.Manifest.Schedule)
		fmt.Printf("  Script:   %s\n", rec.ScriptPath)
		fmt.Printf("  Log:      %s\n", rec.LogPath)
	}
	fmt.Println("\n==========================")
	return nil
}

func runEnable(cmd *cobra.Command, args []string) error {
	c, err := setup()
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.registry.Enable(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Service '%s' enabled\n", args[0])
	return nil
}

func runDisable(cmd *cobra.Command, args []string) error {
	c, err := setup()
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.registry.Disable(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Service '%s' disabled\n", args[0])
	return nil
}

func runRunNow(cmd *cobra.Command, args []string) error {
	c, err := setup()
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.registry.RunNow(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Service '%s' invoked for immediate run\n", args[0])
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := infra.LoadConfig(configDir)
	if err != nil {
		return err
	}

	pm := infra.NewProcessManager()
	stateFile := infra.NewStateFile(cfg.DataDir)

	fmt.Println("\n=== ssiagent Status ===")

	state, err := stateFile.Read()
	if err != nil || state == nil || !pm.IsRunning(state.PID) {
		fmt.Println("Daemon: NOT RUNNING")
		fmt.Println("\nRun 'ssiagent daemon' (or start the systemd unit) to begin reporting.")
		return nil
	}

	fmt.Printf("Daemon: RUNNING (pid %d, up %s)\n",
		state.PID, time.Since(state.StartedAt).Round(time.Second))
	fmt.Printf("Connection: %s\n", state.ConnState)
	fmt.Printf("Services tailed: %d\n", state.Services)
	fmt.Printf("Queue depth: %d\n", state.QueueDepth)
	if state.Dropped > 0 {
		fmt.Printf("Events dropped (overflow): %d\n", state.Dropped)
	}
	fmt.Println("\n=======================")
	return nil
}

func runSetBackend(cmd *cobra.Command, args []string) error {
	cfg, err := infra.LoadConfig(configDir)
	if err != nil {
		return err
	}
	cfg.BackendURL = args[0]
	if _, err := cfg.WebsocketURL("probe"); err != nil {
		return err
	}
	if err := cfg.Save(); err != nil {
		return err
	}
	fmt.Printf("Backend URL set to %s\n", args[0])
	return nil
}

func runSetKey(cmd *cobra.Command, args []string) error {
	c, err := setup()
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.store.SetAgentKey(args[0]); err != nil {
		return err
	}
	fmt.Println("Agent key stored.")
	return nil
}

func runClearKey(cmd *cobra.Command, args []string) error {
	c, err := setup()
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.store.ClearAgentKey(); err != nil {
		return err
	}
	fmt.Println("Agent key removed.")
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := infra.LoadConfig(configDir)
	if err != nil {
		return err
	}

	logger := createLogger(cfg)
	defer func() { _ = logger.Sync() }()

	pm := infra.NewProcessManager()
	stateFile := infra.NewStateFile(cfg.DataDir)

	// Single-instance guard.
	if state, err := stateFile.Read(); err == nil && state != nil && pm.IsRunning(state.PID) {
		return fmt.Errorf("daemon already running (pid %d)", state.PID)
	}

	key, err := infra.NewKeyFile(cfg.DataDir).Ensure()
	if err != nil {
		return err
	}
	store, err := infra.NewEncryptedStore(cfg.DataDir, key)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	agentKey, err := waitForAgentKey(ctx, store, logger)
	if err != nil {
		return err
	}
	if agentKey == "" {
		return nil // shutdown while waiting
	}

	wsURL, err := cfg.WebsocketURL(agentKey)
	if err != nil {
		return err
	}

	queue := daemon.NewQueue(cfg.QueueCapacity)
	reporter := daemon.NewReporter(daemon.ReporterConfig{
		URL:            wsURL,
		ConnectTimeout: cfg.ConnectTimeout,
		BackoffBase:    cfg.BackoffBase,
		BackoffCap:     cfg.BackoffCap,
	}, queue, store.ListServices, logger)

	d := daemon.New(daemon.Config{
		LogDir:        cfg.LogDir,
		AgentLogName:  infra.AgentLogName,
		QueueCapacity: cfg.QueueCapacity,
		PollInterval:  cfg.PollInterval,
		ScanInterval:  cfg.ScanInterval,
		DrainGrace:    cfg.DrainGrace,
		AppVersion:    Version,
	}, store, queue, reporter, stateFile, logger)

	if err := d.Run(ctx, agentKey); err != nil {
		var authErr *domain.AuthError
		if errors.As(err, &authErr) {
			logger.Error("fatal: backend rejected credentials", zap.Error(err))
		}
		return err
	}
	return nil
}

// waitForAgentKey blocks until a credential is available or shutdown.
// An unregistered agent idles instead of failing so provisioning can
// happen in any order.
func waitForAgentKey(ctx context.Context, store domain.CredentialStore, logger *zap.Logger) (string, error) {
	for {
		key, err := store.AgentKey()
		if err != nil {
			return "", err
		}
		if key != "" {
			return key, nil
		}

		logger.Info("no agent key found; waiting for registration")
		select {
		case <-ctx.Done():
			return "", nil
		case <-time.After(10 * time.Second):
		}
	}
}

func createLogger(cfg *infra.Config) *zap.Logger {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{cfg.AgentLogPath()}
	config.ErrorOutputPaths = []string{cfg.AgentLogPath()}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	_ = os.MkdirAll(filepath.Dir(cfg.AgentLogPath()), 0755)

	logger, err := config.Build()
	if err != nil {
		// Fallback to stdout if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("ssiagent %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
