// Package service installs edgeclaw-sync as a system service. Only systemd
// on Linux is supported.
package service

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrUnsupported is returned on platforms without a service manager backend.
var ErrUnsupported = errors.New("service management is not supported on this platform")

// Mode selects which long-running command the service runs.
type Mode string

const (
	ModeAgent   Mode = "agent"
	ModeConnect Mode = "connect"
)

// Config describes the service to install.
type Config struct {
	Name        string
	Description string
	Mode        Mode

	// ConfigPath must be absolute; the unit does not inherit a working
	// directory from the installer.
	ConfigPath string
	WorkingDir string

	// User and Group are optional; empty runs as root.
	User  string
	Group string
}

// DefaultConfig returns a service named after mode, using configPath.
func DefaultConfig(mode Mode, configPath string) Config {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		abs = configPath
	}
	desc := "edgeclaw-sync device client"
	if mode == ModeAgent {
		desc = "edgeclaw-sync desktop agent"
	}
	return Config{
		Name:        "edgeclaw-" + string(mode),
		Description: desc,
		Mode:        mode,
		ConfigPath:  abs,
		WorkingDir:  filepath.Dir(abs),
	}
}

// Validate checks the fields every backend relies on.
func (c Config) Validate() error {
	if c.Name == "" || strings.ContainsAny(c.Name, "/ \t\n") {
		return fmt.Errorf("invalid service name %q", c.Name)
	}
	if c.Mode != ModeAgent && c.Mode != ModeConnect {
		return fmt.Errorf("invalid service mode %q (must be agent or connect)", c.Mode)
	}
	if !filepath.IsAbs(c.ConfigPath) {
		return fmt.Errorf("config path must be absolute: %s", c.ConfigPath)
	}
	return nil
}

// Manager installs and controls services. Its zero value is not usable;
// call NewManager.
type Manager struct {
	// UnitDir is where unit files are written.
	UnitDir string
	// Run executes a service manager command and returns combined output.
	Run func(name string, args ...string) (string, error)
}

// NewManager returns a Manager for the running platform.
func NewManager() *Manager {
	return &Manager{UnitDir: defaultUnitDir, Run: runCommand}
}

// Install writes the unit for cfg, then enables and starts it. binary is
// the path of the edgeclaw-sync executable; empty means the running one.
func (m *Manager) Install(cfg Config, binary string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to get executable path: %w", err)
		}
		if binary, err = filepath.EvalSymlinks(exe); err != nil {
			return fmt.Errorf("failed to resolve executable path: %w", err)
		}
	}
	return m.install(cfg, binary)
}

// Uninstall stops, disables and removes the named service.
func (m *Manager) Uninstall(name string) error {
	return m.uninstall(name)
}

// Status reports the service manager's view of the named service.
func (m *Manager) Status(name string) (string, error) {
	return m.status(name)
}

// IsInstalled reports whether a unit for name exists.
func (m *Manager) IsInstalled(name string) bool {
	_, err := os.Stat(m.unitPath(name))
	return err == nil
}

func (m *Manager) unitPath(name string) string {
	return filepath.Join(m.UnitDir, name+".service")
}

func runCommand(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	return string(out), err
}
