// Package main provides the edgeclaw-sync command line.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/edgeclaw/edgeclaw-sync/internal/config"
	"github.com/edgeclaw/edgeclaw-sync/internal/health"
	"github.com/edgeclaw/edgeclaw-sync/internal/identity"
	"github.com/edgeclaw/edgeclaw-sync/internal/logging"
	"github.com/edgeclaw/edgeclaw-sync/internal/sysinfo"
	"github.com/edgeclaw/edgeclaw-sync/internal/wizard"
)

// Version is set at build time.
var Version = "dev"

// exitCodeError makes main exit with a specific status after cleanup.
type exitCodeError struct{ code int }

func (e exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	sysinfo.Version = Version

	rootCmd := &cobra.Command{
		Use:   "edgeclaw-sync",
		Short: "edgeclaw-sync - encrypted device sync over ECNP",
		Long: `edgeclaw-sync keeps an edge device in sync with its desktop agent.

The client discovers or dials the agent, runs an authenticated key
exchange, and exchanges configuration, status and remote commands over
an encrypted session. The same binary runs the desktop agent.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(connectCmd())
	rootCmd.AddCommand(execCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(discoverCmd())
	rootCmd.AddCommand(serviceCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		var exit exitCodeError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var (
		dataDir        string
		configPath     string
		nonInteractive bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Set up this device",
		Long: `Create the device identity and a configuration file.

Without --non-interactive an interactive wizard asks for the connection,
security and agent settings.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !nonInteractive {
				_, err := wizard.New().Run()
				return err
			}

			if identity.Exists(dataDir) {
				dev, err := identity.Load(dataDir)
				if err != nil {
					return fmt.Errorf("failed to load existing identity: %w", err)
				}
				fmt.Printf("Device already initialized in %s\n", dataDir)
				fmt.Printf("Device ID: %s\n", dev.ID)
				return nil
			}

			dev, _, err := identity.LoadOrCreate(dataDir)
			if err != nil {
				return fmt.Errorf("failed to initialize device: %w", err)
			}
			cfg := config.Default()
			cfg.Device.DataDir = dataDir
			if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
				if err := wizard.WriteConfig(cfg, configPath); err != nil {
					return err
				}
				fmt.Printf("Config written to %s\n", configPath)
			}
			fmt.Printf("Device initialized in %s\n", dataDir)
			fmt.Printf("Device ID:   %s\n", dev.ID)
			fmt.Printf("Fingerprint: %s\n", dev.Fingerprint())
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent state")
	cmd.Flags().StringVarP(&configPath, "config", "c", "./edgeclaw.yaml", "Configuration file to create")
	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "Write defaults without prompting")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("edgeclaw-sync %s\n", Version)
		},
	}
}

// deviceEnv is what every long-running command needs.
type deviceEnv struct {
	cfg    *config.Config
	logger *slog.Logger
	device *identity.Device
}

func loadEnv(configPath, logLevel string) (*deviceEnv, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Device.LogLevel = logLevel
	}
	logger := logging.NewLogger(cfg.Device.LogLevel, cfg.Device.LogFormat)

	dev, created, err := identity.LoadOrCreate(cfg.Device.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load device identity: %w", err)
	}
	if created {
		logger.Info("created device identity", logging.KeyDeviceID, dev.ID, "fingerprint", dev.Fingerprint())
	}
	return &deviceEnv{cfg: cfg, logger: logger, device: dev}, nil
}

// startHealth starts the health server when enabled. The returned stop
// function is always safe to call.
func startHealth(rt *deviceEnv, provider health.StatsProvider) (func(), error) {
	if !rt.cfg.Health.Enabled {
		return func() {}, nil
	}
	hcfg := health.DefaultServerConfig()
	hcfg.Address = rt.cfg.Health.Address
	srv := health.NewServer(hcfg, provider, rt.logger)
	if err := srv.Start(); err != nil {
		return nil, fmt.Errorf("failed to start health server: %w", err)
	}
	return func() { srv.Stop() }, nil
}

func addConfigFlags(cmd *cobra.Command, configPath, logLevel *string) {
	cmd.Flags().StringVarP(configPath, "config", "c", "./edgeclaw.yaml", "Path to configuration file")
	cmd.Flags().StringVar(logLevel, "log-level", "", "Override device.log_level")
}
