package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/edgeclaw/edgeclaw-sync/internal/engine"
	"github.com/edgeclaw/edgeclaw-sync/internal/health"
	"github.com/edgeclaw/edgeclaw-sync/internal/logging"
	"github.com/edgeclaw/edgeclaw-sync/internal/message"
	"github.com/edgeclaw/edgeclaw-sync/internal/metrics"
	"github.com/edgeclaw/edgeclaw-sync/internal/peer"
)

// clientStats is the JSON shape of /stats for the client.
type clientStats struct {
	State            string                    `json:"state"`
	Target           string                    `json:"target,omitempty"`
	SessionID        string                    `json:"session_id,omitempty"`
	ConnectedAt      *time.Time                `json:"connected_at,omitempty"`
	MessagesSent     uint64                    `json:"messages_sent"`
	MessagesReceived uint64                    `json:"messages_received"`
	ReconnectCount   uint64                    `json:"reconnect_count"`
	LastConfigHash   string                    `json:"last_config_hash,omitempty"`
	LastStatus       *message.StatusPush       `json:"last_status,omitempty"`
	LastExecResult   *message.RemoteExecResult `json:"last_exec_result,omitempty"`
	LastError        string                    `json:"last_error,omitempty"`
}

func statsView(e *engine.Engine) clientStats {
	s := e.Stats()
	v := clientStats{
		State:            s.State.String(),
		Target:           s.Target,
		SessionID:        s.SessionID,
		MessagesSent:     s.MessagesSent,
		MessagesReceived: s.MessagesReceived,
		ReconnectCount:   s.ReconnectCount,
		LastConfigHash:   s.LastConfigHash,
		LastStatus:       s.LastStatus,
		LastExecResult:   s.LastExecResult,
	}
	if !s.ConnectedAt.IsZero() {
		t := s.ConnectedAt
		v.ConnectedAt = &t
	}
	if err := e.LastError(); err != nil {
		v.LastError = err.Error()
	}
	return v
}

func newEngine(rt *deviceEnv, reconnect bool) (*engine.Engine, error) {
	ec, opts, err := engine.FromConfig(rt.cfg, rt.device.ID, rt.logger, metrics.Default())
	if err != nil {
		return nil, err
	}
	ec.AutoReconnect = ec.AutoReconnect && reconnect
	return engine.New(ec, opts)
}

func shutdownEngine(e *engine.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.Shutdown(ctx)
}

func connectCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		saveConfig string
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to the desktop agent and stay in sync",
		Long: `Connect to the desktop agent and keep the session alive.

Status pushes and configuration updates are logged as they arrive. With
--save-config every received configuration is written to that file.
The connection is retried according to the reconnect settings until
interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadEnv(configPath, logLevel)
			if err != nil {
				return err
			}
			e, err := newEngine(rt, true)
			if err != nil {
				return fmt.Errorf("failed to create engine: %w", err)
			}
			defer shutdownEngine(e)

			e.OnStateChanged(func(from, to peer.State) {
				rt.logger.Info("connection state", "from", from.String(), logging.KeyState, to.String())
			})
			e.OnMessage(func(m message.Message) {
				handleClientMessage(rt, m, saveConfig)
			})

			stopHealth, err := startHealth(rt, health.Funcs{
				ReadyFunc: func() bool { return e.State().Active() },
				StatsFunc: func() any { return statsView(e) },
			})
			if err != nil {
				return err
			}
			defer stopHealth()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			fmt.Printf("Device ID: %s\n", rt.device.ID)
			if err := e.Connect(ctx); err != nil {
				if !rt.cfg.Reconnect.Enabled || errors.Is(err, engine.ErrDiscoveryOnly) || errors.Is(err, engine.ErrNoAddress) {
					return fmt.Errorf("connect: %w", err)
				}
				rt.logger.Warn("initial connect failed, retrying", logging.KeyError, err)
			}

			<-ctx.Done()
			fmt.Println("\nShutting down...")
			printSessionSummary(statsView(e))
			return nil
		},
	}

	addConfigFlags(cmd, &configPath, &logLevel)
	cmd.Flags().StringVar(&saveConfig, "save-config", "", "Write received configuration to this file")
	return cmd
}

func handleClientMessage(rt *deviceEnv, m message.Message, saveConfig string) {
	switch v := m.(type) {
	case *message.StatusPush:
		rt.logger.Info("agent status",
			"cpu", fmt.Sprintf("%.1f%%", v.CPUUsage),
			"memory", fmt.Sprintf("%.1f%%", v.MemoryUsage),
			"disk", fmt.Sprintf("%.1f%%", v.DiskUsage),
			"uptime", humanize.RelTime(time.Now().Add(-time.Duration(v.UptimeSecs)*time.Second), time.Now(), "", ""),
			"sessions", v.ActiveSessions,
			"ai_status", v.AIStatus)
	case *message.ConfigSync:
		rt.logger.Info("config received",
			"config_hash", v.ConfigHash,
			"size", humanize.Bytes(uint64(len(v.ConfigData))))
		if saveConfig != "" {
			if err := os.WriteFile(saveConfig, []byte(v.ConfigData), 0o600); err != nil {
				rt.logger.Error("failed to save config", logging.KeyError, err)
			}
		}
	}
}

func printSessionSummary(s clientStats) {
	fmt.Printf("Messages: %s sent, %s received\n",
		humanize.Comma(int64(s.MessagesSent)), humanize.Comma(int64(s.MessagesReceived)))
	if s.ReconnectCount > 0 {
		fmt.Printf("Reconnects: %d\n", s.ReconnectCount)
	}
	if s.ConnectedAt != nil {
		fmt.Printf("Last connected: %s\n", humanize.Time(*s.ConnectedAt))
	}
}

func execCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "exec [flags] -- command [args...]",
		Short: "Run a whitelisted command on the desktop agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadEnv(configPath, logLevel)
			if err != nil {
				return err
			}
			if timeout > 0 {
				rt.cfg.Sync.ExecTimeout = timeout
			}
			e, err := newEngine(rt, false)
			if err != nil {
				return fmt.Errorf("failed to create engine: %w", err)
			}
			defer shutdownEngine(e)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := e.Connect(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			res, err := e.RemoteExec(ctx, args[0], args[1:]...)
			if err != nil {
				return fmt.Errorf("exec %s: %w", strings.Join(args, " "), err)
			}

			fmt.Fprint(os.Stdout, res.Stdout)
			fmt.Fprint(os.Stderr, res.Stderr)
			if res.ExitCode != 0 {
				code := int(res.ExitCode)
				if code < 0 {
					code = 126
				}
				return exitCodeError{code: code}
			}
			return nil
		},
	}

	addConfigFlags(cmd, &configPath, &logLevel)
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Override sync.exec_timeout")
	return cmd
}
