//go:build linux

package service

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

const defaultUnitDir = "/etc/systemd/system"

func (m *Manager) install(cfg Config, binary string) error {
	path := m.unitPath(cfg.Name)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("service %s is already installed at %s", cfg.Name, path)
	}
	if err := os.WriteFile(path, []byte(systemdUnit(cfg, binary)), 0o644); err != nil {
		return fmt.Errorf("failed to write systemd unit: %w", err)
	}

	if out, err := m.Run("systemctl", "daemon-reload"); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to reload systemd: %s: %w", strings.TrimSpace(out), err)
	}
	if out, err := m.Run("systemctl", "enable", "--now", cfg.Name); err != nil {
		return fmt.Errorf("failed to enable service: %s: %w", strings.TrimSpace(out), err)
	}
	return nil
}

func (m *Manager) uninstall(name string) error {
	path := m.unitPath(name)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("service %s is not installed", name)
	}

	// Stop and disable fail harmlessly when the unit never started.
	m.Run("systemctl", "disable", "--now", name)

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove systemd unit: %w", err)
	}
	m.Run("systemctl", "daemon-reload")
	m.Run("systemctl", "reset-failed", name)
	return nil
}

func (m *Manager) status(name string) (string, error) {
	out, err := m.Run("systemctl", "is-active", name)
	state := strings.TrimSpace(out)
	if err != nil {
		// is-active exits non-zero for every state except active.
		switch state {
		case "inactive", "failed", "unknown", "activating", "deactivating":
			return state, nil
		}
		return "", fmt.Errorf("failed to get service status: %w", err)
	}
	return state, nil
}

func systemdUnit(cfg Config, binary string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `[Unit]
Description=%s
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s %s -c %s
WorkingDirectory=%s
`, cfg.Description, binary, cfg.Mode, cfg.ConfigPath, cfg.WorkingDir)
	if cfg.User != "" {
		fmt.Fprintf(&b, "User=%s\n", cfg.User)
	}
	if cfg.Group != "" {
		fmt.Fprintf(&b, "Group=%s\n", cfg.Group)
	}
	// SIGHUP re-pushes the agent configuration to connected devices.
	if cfg.Mode == ModeAgent {
		b.WriteString("ExecReload=/bin/kill -HUP $MAINPID\n")
	}
	fmt.Fprintf(&b, `Restart=on-failure
RestartSec=5
TimeoutStopSec=15

NoNewPrivileges=true
ProtectSystem=strict
ProtectHome=read-only
PrivateTmp=true
ReadWritePaths=%s

StandardOutput=journal
StandardError=journal
SyslogIdentifier=%s

[Install]
WantedBy=multi-user.target
`, cfg.WorkingDir, cfg.Name)
	return b.String()
}
