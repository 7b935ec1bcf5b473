// Package wizard provides the interactive setup for edgeclaw-sync.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/edgeclaw/edgeclaw-sync/internal/config"
	"github.com/edgeclaw/edgeclaw-sync/internal/crypto"
	"github.com/edgeclaw/edgeclaw-sync/internal/identity"
)

// Roles a device can be set up for.
const (
	RoleClient = "client"
	RoleAgent  = "agent"
)

// Answers is everything the wizard asks. BuildConfig turns it into a
// configuration without any prompting, which keeps it testable.
type Answers struct {
	DataDir    string
	ConfigPath string
	DeviceName string
	Roles      []string

	DesktopAddress string
	Transport      string
	Preference     string

	KeyExchange string
	Cipher      string
	PSK         string

	AgentListen   string
	ExecEnabled   bool
	ExecWhitelist string

	Discovery     bool
	HealthEnabled bool
	LogLevel      string
}

// DefaultAnswers mirrors config.Default.
func DefaultAnswers() Answers {
	d := config.Default()
	return Answers{
		DataDir:        d.Device.DataDir,
		ConfigPath:     "./edgeclaw.yaml",
		Roles:          []string{RoleClient},
		DesktopAddress: d.Sync.DesktopAddress,
		Transport:      d.Sync.Transport,
		Preference:     d.Sync.Preference,
		KeyExchange:    d.Session.KeyExchange,
		Cipher:         d.Session.Cipher,
		AgentListen:    d.Agent.Listen,
		ExecWhitelist:  "uptime\nuname\ndf",
		LogLevel:       d.Device.LogLevel,
	}
}

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	Device     *identity.Device
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme   *huh.Theme
	answers Answers
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme:   huh.ThemeDracula(),
		answers: DefaultAnswers(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	steps := []func() error{
		w.askBasicSetup,
		w.askConnection,
		w.askSecurity,
		w.askAgent,
		w.askAdvanced,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}

	if w.answers.KeyExchange == crypto.KexPSK && w.answers.PSK == "" {
		psk, err := crypto.GenerateHexKey()
		if err != nil {
			return nil, err
		}
		w.answers.PSK = psk
	}

	cfg, err := BuildConfig(w.answers)
	if err != nil {
		return nil, err
	}

	dev, _, err := identity.LoadOrCreate(w.answers.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize device identity: %w", err)
	}
	if err := WriteConfig(cfg, w.answers.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(dev, cfg)
	return &Result{Config: cfg, ConfigPath: w.answers.ConfigPath, Device: dev}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render("\n  edgeclaw-sync\n")

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Device sync setup\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func required(name string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
}

func validateHostPort(s string) error {
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("expected host:port: %w", err)
	}
	return nil
}

func (w *Wizard) askBasicSetup() error {
	a := &w.answers
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Where this device keeps its identity and configuration."),
			huh.NewInput().
				Title("Data Directory").
				Value(&a.DataDir).
				Validate(required("data directory")),
			huh.NewInput().
				Title("Config File Path").
				Value(&a.ConfigPath).
				Validate(func(s string) error {
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return fmt.Errorf("config file should have .yaml or .yml extension")
					}
					return nil
				}),
			huh.NewInput().
				Title("Device Name").
				Description("Shown to peers during discovery").
				Value(&a.DeviceName),
			huh.NewMultiSelect[string]().
				Title("Device Roles").
				Options(
					huh.NewOption("Client (phone or edge device syncing to a desktop)", RoleClient),
					huh.NewOption("Agent (desktop accepting sync sessions)", RoleAgent),
				).
				Value(&a.Roles).
				Validate(func(r []string) error {
					if len(r) == 0 {
						return fmt.Errorf("select at least one role")
					}
					return nil
				}),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askConnection() error {
	a := &w.answers
	if !contains(a.Roles, RoleClient) {
		return nil
	}
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Connection").
				Description("How the client reaches its desktop agent."),
			huh.NewInput().
				Title("Desktop Address").
				Placeholder("192.168.1.20:8443").
				Value(&a.DesktopAddress).
				Validate(validateHostPort),
			huh.NewSelect[string]().
				Title("Transport").
				Options(
					huh.NewOption("TCP (simplest)", "tcp"),
					huh.NewOption("QUIC (UDP, survives network changes)", "quic"),
					huh.NewOption("WebSocket (proxy-friendly)", "ws"),
				).
				Value(&a.Transport),
			huh.NewSelect[string]().
				Title("Connection Preference").
				Options(
					huh.NewOption("Auto (discover on the LAN, fall back to the address)", "auto"),
					huh.NewOption("Stream only (always dial the address)", "stream"),
					huh.NewOption("Discovery first", "discovery"),
				).
				Value(&a.Preference),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askSecurity() error {
	a := &w.answers
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Session Security").
				Description("Both ends must use the same key exchange."),
			huh.NewSelect[string]().
				Title("Key Exchange").
				Options(
					huh.NewOption("X25519 (recommended)", crypto.KexX25519),
					huh.NewOption("X25519 + ML-KEM-768 (post-quantum hybrid)", crypto.KexHybrid),
					huh.NewOption("Pre-shared key", crypto.KexPSK),
				).
				Value(&a.KeyExchange),
			huh.NewSelect[string]().
				Title("Cipher").
				Options(
					huh.NewOption("ChaCha20-Poly1305", crypto.CipherChaCha20Poly1305),
					huh.NewOption("AES-256-GCM", crypto.CipherAES256GCM),
				).
				Value(&a.Cipher),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askAgent() error {
	a := &w.answers
	if !contains(a.Roles, RoleAgent) {
		return nil
	}
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Agent").
				Description("The desktop side of the sync session."),
			huh.NewInput().
				Title("Listen Address").
				Value(&a.AgentListen).
				Validate(validateHostPort),
			huh.NewConfirm().
				Title("Allow remote command execution?").
				Description("Only whitelisted commands, without a shell").
				Value(&a.ExecEnabled),
		),
	).WithTheme(w.theme).Run()
	if err != nil || !a.ExecEnabled {
		return err
	}
	return huh.NewForm(
		huh.NewGroup(
			huh.NewText().
				Title("Command Whitelist").
				Description("One command name per line").
				Value(&a.ExecWhitelist).
				Validate(required("whitelist")),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askAdvanced() error {
	a := &w.answers
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options"),
			huh.NewConfirm().
				Title("Enable LAN discovery?").
				Description("Agents advertise over multicast; clients scan for them").
				Value(&a.Discovery),
			huh.NewConfirm().
				Title("Enable health endpoint?").
				Description("HTTP /healthz, /ready, /stats and /metrics").
				Value(&a.HealthEnabled),
			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),
		),
	).WithTheme(w.theme).Run()
}

// BuildConfig applies a onto the defaults and validates the result.
func BuildConfig(a Answers) (*config.Config, error) {
	cfg := config.Default()

	cfg.Device.DataDir = a.DataDir
	cfg.Device.Name = a.DeviceName
	cfg.Device.LogLevel = a.LogLevel
	cfg.Device.LogFormat = "auto"

	if contains(a.Roles, RoleClient) {
		cfg.Sync.DesktopAddress = a.DesktopAddress
		cfg.Sync.Transport = a.Transport
		cfg.Sync.Preference = a.Preference
	}

	cfg.Session.KeyExchange = a.KeyExchange
	cfg.Session.Cipher = a.Cipher
	cfg.Session.PSK = a.PSK

	if contains(a.Roles, RoleAgent) {
		cfg.Agent.Listen = a.AgentListen
		cfg.Agent.Transport = cfg.Sync.Transport
		cfg.Agent.Exec.Enabled = a.ExecEnabled
		if a.ExecEnabled {
			cfg.Agent.Exec.Whitelist = splitLines(a.ExecWhitelist)
		}
	}

	cfg.Discovery.Enabled = a.Discovery
	cfg.Health.Enabled = a.HealthEnabled

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteConfig writes cfg as YAML, creating parent directories.
func WriteConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	header := "# edgeclaw-sync configuration\n# Generated by edgeclaw-sync init\n\n"
	// The file may hold a pre-shared key.
	if err := os.WriteFile(path, []byte(header+string(data)), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (w *Wizard) printSummary(dev *identity.Device, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(strings.Repeat("-", 49))

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("Setup complete"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Device ID:    %s\n", dev.ID)
	fmt.Printf("  Fingerprint:  %s\n", dev.Fingerprint())
	fmt.Printf("  Config file:  %s\n", w.answers.ConfigPath)
	fmt.Printf("  Data dir:     %s\n", cfg.Device.DataDir)
	fmt.Printf("  Key exchange: %s\n", cfg.Session.KeyExchange)
	fmt.Println()

	if contains(w.answers.Roles, RoleClient) {
		fmt.Printf("  Desktop:      %s://%s (%s)\n", cfg.Sync.Transport, cfg.Sync.DesktopAddress, cfg.Sync.Preference)
		fmt.Printf("  Connect:      edgeclaw-sync connect -c %s\n", w.answers.ConfigPath)
	}
	if contains(w.answers.Roles, RoleAgent) {
		fmt.Printf("  Agent:        %s://%s\n", cfg.Agent.Transport, cfg.Agent.Listen)
		fmt.Printf("  Run agent:    edgeclaw-sync agent -c %s\n", w.answers.ConfigPath)
	}
	if cfg.Session.KeyExchange == crypto.KexPSK {
		fmt.Println("  Copy session.psk to the other device before connecting.")
	}
	fmt.Println()
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
