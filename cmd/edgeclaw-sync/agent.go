package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/edgeclaw/edgeclaw-sync/internal/agent"
	"github.com/edgeclaw/edgeclaw-sync/internal/discovery"
	"github.com/edgeclaw/edgeclaw-sync/internal/health"
	"github.com/edgeclaw/edgeclaw-sync/internal/logging"
	"github.com/edgeclaw/edgeclaw-sync/internal/metrics"
	"github.com/edgeclaw/edgeclaw-sync/internal/protocol"
)

func agentCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		listen     string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the desktop agent",
		Long: `Run the desktop agent that edge devices connect to.

The agent accepts sessions, pushes its configuration file and periodic
status to every client, and runs whitelisted commands on request.
Send SIGHUP to push the configuration file to all clients again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadEnv(configPath, logLevel)
			if err != nil {
				return err
			}
			if listen != "" {
				rt.cfg.Agent.Listen = listen
			}

			acfg, opts, err := agent.FromConfig(rt.cfg, rt.device.ID, rt.logger, metrics.Default())
			if err != nil {
				return err
			}
			a, err := agent.New(acfg, opts)
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.Start(ctx); err != nil {
				return fmt.Errorf("failed to start agent: %w", err)
			}
			defer a.Stop()

			stopHealth, err := startHealth(rt, health.Funcs{
				ReadyFunc: func() bool { return true },
				StatsFunc: func() any { return a.Stats() },
			})
			if err != nil {
				return err
			}
			defer stopHealth()

			fmt.Printf("Agent %s listening on %s (%s)\n", rt.device.ID, a.Addr(), acfg.Transport)

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)

			for {
				select {
				case <-ctx.Done():
					fmt.Println("\nShutting down...")
					s := a.Stats()
					fmt.Printf("Commands: %s run, %s denied. Status pushes: %s\n",
						humanize.Comma(int64(s.ExecRun)), humanize.Comma(int64(s.ExecDenied)),
						humanize.Comma(int64(s.StatusPushes)))
					return nil
				case <-hup:
					n, err := a.BroadcastConfig()
					if err != nil {
						rt.logger.Error("config broadcast failed", logging.KeyError, err)
						continue
					}
					rt.logger.Info("config broadcast", "clients", n)
				}
			}
		},
	}

	addConfigFlags(cmd, &configPath, &logLevel)
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Override agent.listen")
	return cmd
}

func discoverCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List desktop agents announcing on the local network",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadEnv(configPath, logLevel)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			reg := discovery.NewRegistry()
			found := make(chan discovery.Peer)
			scanErr := make(chan error, 1)
			scanner := discovery.NewMulticastScanner(rt.cfg.Discovery.Group, rt.logger)
			go func() { scanErr <- scanner.Scan(ctx, found) }()

			fmt.Printf("Scanning %s for %s...\n", scanner.Group, timeout)
		loop:
			for {
				select {
				case p := <-found:
					if reg.Upsert(p) {
						rt.logger.Debug("agent found", logging.KeyPeerID, p.ID, logging.KeyRemoteAddr, p.Address)
					}
				case err := <-scanErr:
					if ctx.Err() == nil {
						return fmt.Errorf("discovery: %w", err)
					}
					break loop
				}
			}

			peers := reg.List()
			if len(peers) == 0 {
				fmt.Println("No agents found.")
				return nil
			}
			sort.Slice(peers, func(i, j int) bool { return peers[i].Name < peers[j].Name })

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tADDRESS\tID\tSEEN")
			for _, p := range peers {
				addr, ok := discovery.StreamAddress(p.Address, protocol.DefaultPort)
				if !ok {
					addr = p.Address + " (not dialable)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.Name, p.Type, addr, p.ID, humanize.Time(p.LastSeen))
			}
			return w.Flush()
		},
	}

	addConfigFlags(cmd, &configPath, &logLevel)
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "How long to listen for announcements")
	return cmd
}
