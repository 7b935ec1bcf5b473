// Package config loads edgeclaw-sync configuration from YAML or TOML files.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration shared by the client and the agent.
type Config struct {
	Device    DeviceConfig    `yaml:"device" toml:"device"`
	Sync      SyncConfig      `yaml:"sync" toml:"sync"`
	Reconnect ReconnectConfig `yaml:"reconnect" toml:"reconnect"`
	Session   SessionConfig   `yaml:"session" toml:"session"`
	Discovery DiscoveryConfig `yaml:"discovery" toml:"discovery"`
	Agent     AgentConfig     `yaml:"agent" toml:"agent"`
	Health    HealthConfig    `yaml:"health" toml:"health"`
}

// DeviceConfig identifies this device and controls logging.
type DeviceConfig struct {
	Name      string `yaml:"name" toml:"name"`
	DataDir   string `yaml:"data_dir" toml:"data_dir"`
	LogLevel  string `yaml:"log_level" toml:"log_level"`
	LogFormat string `yaml:"log_format" toml:"log_format"`
}

// SyncConfig controls the client connection to the desktop agent.
type SyncConfig struct {
	DesktopAddress    string        `yaml:"desktop_address" toml:"desktop_address"`
	Transport         string        `yaml:"transport" toml:"transport"`
	Preference        string        `yaml:"preference" toml:"preference"`
	Signatures        []string      `yaml:"signatures" toml:"signatures"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" toml:"connect_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" toml:"handshake_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	StatusInterval    time.Duration `yaml:"status_interval" toml:"status_interval"`
	DiscoveryTimeout  time.Duration `yaml:"discovery_timeout" toml:"discovery_timeout"`
	ExecTimeout       time.Duration `yaml:"exec_timeout" toml:"exec_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	WSPath            string        `yaml:"ws_path" toml:"ws_path"`
	TLS               TLSConfig     `yaml:"tls" toml:"tls"`
}

// TLSConfig configures the TLS layer of the quic and ws transports.
type TLSConfig struct {
	CA           string `yaml:"ca" toml:"ca"`
	Cert         string `yaml:"cert" toml:"cert"`
	Key          string `yaml:"key" toml:"key"`
	StrictVerify bool   `yaml:"strict_verify" toml:"strict_verify"`
}

// ReconnectConfig controls automatic reconnection.
type ReconnectConfig struct {
	Enabled     bool          `yaml:"enabled" toml:"enabled"`
	Delay       time.Duration `yaml:"delay" toml:"delay"`
	MaxAttempts int           `yaml:"max_attempts" toml:"max_attempts"`
	Backoff     string        `yaml:"backoff" toml:"backoff"`
	Multiplier  float64       `yaml:"multiplier" toml:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay" toml:"max_delay"`
	Jitter      float64       `yaml:"jitter" toml:"jitter"`
}

// SessionConfig controls session encryption.
type SessionConfig struct {
	TTL         time.Duration `yaml:"ttl" toml:"ttl"`
	Cipher      string        `yaml:"cipher" toml:"cipher"`
	KeyExchange string        `yaml:"key_exchange" toml:"key_exchange"`
	// PSK is a hex encoded 32 byte key used by the psk key exchange.
	PSK string `yaml:"psk" toml:"psk"`
}

// DiscoveryConfig controls LAN advertisement.
type DiscoveryConfig struct {
	Enabled  bool          `yaml:"enabled" toml:"enabled"`
	Group    string        `yaml:"group" toml:"group"`
	Interval time.Duration `yaml:"interval" toml:"interval"`
	StaleAge time.Duration `yaml:"stale_age" toml:"stale_age"`
}

// AgentConfig controls the desktop-side agent.
type AgentConfig struct {
	Listen         string        `yaml:"listen" toml:"listen"`
	Transport      string        `yaml:"transport" toml:"transport"`
	Type           string        `yaml:"type" toml:"type"`
	StatusInterval time.Duration `yaml:"status_interval" toml:"status_interval"`
	ConfigFile     string        `yaml:"config_file" toml:"config_file"`
	AIStatus       string        `yaml:"ai_status" toml:"ai_status"`
	Exec           ExecConfig    `yaml:"exec" toml:"exec"`
	TLS            TLSConfig     `yaml:"tls" toml:"tls"`
}

// ExecConfig controls remote command execution on the agent.
type ExecConfig struct {
	Enabled       bool          `yaml:"enabled" toml:"enabled"`
	Role          string        `yaml:"role" toml:"role"`
	Whitelist     []string      `yaml:"whitelist" toml:"whitelist"`
	Timeout       time.Duration `yaml:"timeout" toml:"timeout"`
	MaxConcurrent int           `yaml:"max_concurrent" toml:"max_concurrent"`
	RatePerSecond float64       `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst         int           `yaml:"burst" toml:"burst"`
	// MaxOutput caps captured stdout and stderr, e.g. "64KiB".
	MaxOutput string `yaml:"max_output" toml:"max_output"`
}

// HealthConfig controls the HTTP health and metrics endpoint.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Address string `yaml:"address" toml:"address"`
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Sync: SyncConfig{
			DesktopAddress:    "127.0.0.1:8443",
			Transport:         "tcp",
			Preference:        "auto",
			Signatures:        []string{"edgeclaw", "desktop", "agent"},
			ConnectTimeout:    10 * time.Second,
			HandshakeTimeout:  10 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			StatusInterval:    30 * time.Second,
			DiscoveryTimeout:  15 * time.Second,
			ExecTimeout:       30 * time.Second,
			WriteTimeout:      10 * time.Second,
			WSPath:            "/ecnp",
		},
		Reconnect: ReconnectConfig{
			Enabled:     true,
			Delay:       5 * time.Second,
			MaxAttempts: 0,
			Backoff:     "fixed",
			Multiplier:  2.0,
			MaxDelay:    60 * time.Second,
			Jitter:      0.2,
		},
		Session: SessionConfig{
			TTL:         time.Hour,
			Cipher:      "chacha20-poly1305",
			KeyExchange: "x25519",
		},
		Discovery: DiscoveryConfig{
			Enabled:  false,
			Group:    "239.255.77.77:8444",
			Interval: 2 * time.Second,
			StaleAge: 2 * time.Minute,
		},
		Agent: AgentConfig{
			Listen:         "0.0.0.0:8443",
			Transport:      "tcp",
			Type:           "edgeclaw-desktop",
			StatusInterval: 30 * time.Second,
			AIStatus:       "idle",
			Exec: ExecConfig{
				Enabled:       false,
				Role:          "owner",
				Timeout:       30 * time.Second,
				MaxConcurrent: 4,
				RatePerSecond: 2,
				Burst:         4,
				MaxOutput:     "64KiB",
			},
		},
		Health: HealthConfig{
			Enabled: false,
			Address: "127.0.0.1:9443",
		},
	}
}

// Load reads path and parses it as TOML when the extension is .toml and as
// YAML otherwise.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return ParseTOML(data)
	}
	return Parse(data)
}

// Parse expands environment variables in YAML data, overlays it on Default
// and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ParseTOML is Parse for TOML input.
func ParseTOML(data []byte) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(expandEnvVars(string(data)), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces $VAR, ${VAR} and ${VAR:-default}. Unset variables
// without a default are left as written.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "$")
		if strings.HasPrefix(name, "{") {
			name = name[1 : len(name)-1]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if c.Device.DataDir == "" {
		add("device.data_dir is required")
	}
	if !oneOf(strings.ToLower(c.Device.LogLevel), "debug", "info", "warn", "warning", "error") {
		add("invalid device.log_level: %s (must be debug, info, warn, or error)", c.Device.LogLevel)
	}
	if !oneOf(strings.ToLower(c.Device.LogFormat), "text", "json", "auto") {
		add("invalid device.log_format: %s (must be text, json, or auto)", c.Device.LogFormat)
	}

	if c.Sync.DesktopAddress != "" {
		if err := validateHostPort(c.Sync.DesktopAddress); err != nil {
			add("sync.desktop_address: %v", err)
		}
	}
	if !isValidTransport(c.Sync.Transport) {
		add("invalid sync.transport: %s (must be tcp, quic, or ws)", c.Sync.Transport)
	}
	if !oneOf(strings.ToLower(c.Sync.Preference), "stream", "tcp", "discovery", "ble", "auto") {
		add("invalid sync.preference: %s (must be stream, discovery, or auto)", c.Sync.Preference)
	}
	for name, d := range map[string]time.Duration{
		"sync.connect_timeout":    c.Sync.ConnectTimeout,
		"sync.handshake_timeout":  c.Sync.HandshakeTimeout,
		"sync.heartbeat_interval": c.Sync.HeartbeatInterval,
		"sync.discovery_timeout":  c.Sync.DiscoveryTimeout,
	} {
		if d <= 0 {
			add("%s must be positive", name)
		}
	}

	if c.Sync.WriteTimeout < 0 {
		add("sync.write_timeout must be >= 0 (0 means unbounded)")
	}

	if c.Reconnect.Delay <= 0 {
		add("reconnect.delay must be positive")
	}
	if c.Reconnect.MaxAttempts < 0 {
		add("reconnect.max_attempts must be >= 0 (0 means unlimited)")
	}
	if !oneOf(c.Reconnect.Backoff, "fixed", "exponential") {
		add("invalid reconnect.backoff: %s (must be fixed or exponential)", c.Reconnect.Backoff)
	}
	if c.Reconnect.Backoff == "exponential" && c.Reconnect.Multiplier < 1 {
		add("reconnect.multiplier must be >= 1")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		add("reconnect.jitter must be between 0 and 1")
	}

	if !oneOf(c.Session.Cipher, "chacha20-poly1305", "aes-256-gcm") {
		add("invalid session.cipher: %s", c.Session.Cipher)
	}
	if !oneOf(c.Session.KeyExchange, "x25519", "x25519-mlkem768", "psk") {
		add("invalid session.key_exchange: %s", c.Session.KeyExchange)
	}
	if c.Session.KeyExchange == "psk" && len(strings.TrimSpace(c.Session.PSK)) != 64 {
		add("session.psk must be 64 hex characters when key_exchange is psk")
	}

	if c.Discovery.Enabled {
		if err := validateHostPort(c.Discovery.Group); err != nil {
			add("discovery.group: %v", err)
		} else if host, _, _ := net.SplitHostPort(c.Discovery.Group); !net.ParseIP(host).IsMulticast() {
			add("discovery.group must be a multicast address")
		}
	}

	if !isValidTransport(c.Agent.Transport) {
		add("invalid agent.transport: %s (must be tcp, quic, or ws)", c.Agent.Transport)
	}
	if c.Agent.Exec.Enabled {
		if len(c.Agent.Exec.Whitelist) == 0 {
			add("agent.exec.whitelist is required when exec is enabled")
		}
		if c.Agent.Exec.MaxConcurrent < 1 {
			add("agent.exec.max_concurrent must be >= 1")
		}
		if !oneOf(strings.ToLower(c.Agent.Exec.Role), "viewer", "operator", "admin", "owner") {
			add("invalid agent.exec.role: %s (must be viewer, operator, admin, or owner)", c.Agent.Exec.Role)
		}
	}
	if _, err := c.Agent.Exec.MaxOutputBytes(); err != nil {
		add("agent.exec.max_output: %v", err)
	}

	if c.Health.Enabled && c.Health.Address == "" {
		add("health.address is required when enabled")
	}

	if len(errs) > 0 {
		return errors.New("validation errors:\n  - " + strings.Join(errs, "\n  - "))
	}
	return nil
}

// MaxOutputBytes parses MaxOutput. Empty means 64 KiB.
func (e ExecConfig) MaxOutputBytes() (int, error) {
	if e.MaxOutput == "" {
		return 64 * 1024, nil
	}
	n, err := humanize.ParseBytes(e.MaxOutput)
	if err != nil {
		return 0, err
	}
	if n == 0 || n > 1<<20 {
		return 0, fmt.Errorf("must be between 1B and 1MiB, got %s", humanize.IBytes(n))
	}
	return int(n), nil
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

func isValidTransport(t string) bool {
	return oneOf(strings.ToLower(t), "tcp", "quic", "ws")
}

func validateHostPort(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "" {
		return errors.New("missing host")
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

// String renders the config as YAML with secrets redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

const redactedValue = "[REDACTED]"

// Redacted returns a copy safe to log.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.Sync.Signatures = append([]string(nil), c.Sync.Signatures...)
	cp.Agent.Exec.Whitelist = append([]string(nil), c.Agent.Exec.Whitelist...)
	if cp.Session.PSK != "" {
		cp.Session.PSK = redactedValue
	}
	if cp.Sync.TLS.Key != "" {
		cp.Sync.TLS.Key = redactedValue
	}
	if cp.Agent.TLS.Key != "" {
		cp.Agent.TLS.Key = redactedValue
	}
	return &cp
}

// Marshal renders the config as YAML including secrets, for writing files.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
