package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/edgeclaw/edgeclaw-sync/internal/config"
	"github.com/edgeclaw/edgeclaw-sync/internal/service"
)

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the systemd service",
	}

	var (
		configPath string
		mode       string
		name       string
		user       string
	)
	install := &cobra.Command{
		Use:   "install",
		Short: "Install and start the agent or client as a service",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Fail before touching systemd if the unit would not start.
			if _, err := config.Load(configPath); err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if os.Geteuid() != 0 {
				return fmt.Errorf("must run as root to install a service")
			}
			cfg := service.DefaultConfig(service.Mode(mode), configPath)
			if name != "" {
				cfg.Name = name
			}
			cfg.User = user
			if err := service.NewManager().Install(cfg, ""); err != nil {
				return err
			}
			fmt.Printf("Installed and started %s\n", cfg.Name)
			return nil
		},
	}
	install.Flags().StringVarP(&configPath, "config", "c", "./edgeclaw.yaml", "Path to configuration file")
	install.Flags().StringVar(&mode, "mode", string(service.ModeAgent), "What to run: agent or connect")
	install.Flags().StringVar(&name, "name", "", "Service name (default edgeclaw-<mode>)")
	install.Flags().StringVar(&user, "user", "", "Run the service as this user")

	uninstall := &cobra.Command{
		Use:   "uninstall <name>",
		Short: "Stop and remove a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := service.NewManager().Uninstall(args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed %s\n", args[0])
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status <name>",
		Short: "Show service status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := service.NewManager().Status(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", args[0], state)
			return nil
		},
	}

	cmd.AddCommand(install, uninstall, status)
	return cmd
}
