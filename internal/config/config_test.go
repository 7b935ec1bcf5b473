package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Sync.DesktopAddress != "127.0.0.1:8443" {
		t.Errorf("Sync.DesktopAddress = %s, want 127.0.0.1:8443", cfg.Sync.DesktopAddress)
	}
	if cfg.Sync.HeartbeatInterval != 30*time.Second {
		t.Errorf("Sync.HeartbeatInterval = %v, want 30s", cfg.Sync.HeartbeatInterval)
	}
	if cfg.Sync.ConnectTimeout != 10*time.Second {
		t.Errorf("Sync.ConnectTimeout = %v, want 10s", cfg.Sync.ConnectTimeout)
	}
	if cfg.Sync.DiscoveryTimeout != 15*time.Second {
		t.Errorf("Sync.DiscoveryTimeout = %v, want 15s", cfg.Sync.DiscoveryTimeout)
	}
	if !cfg.Reconnect.Enabled || cfg.Reconnect.MaxAttempts != 0 || cfg.Reconnect.Delay != 5*time.Second {
		t.Errorf("Reconnect = %+v, want enabled, unlimited, 5s", cfg.Reconnect)
	}
	if cfg.Session.TTL != time.Hour {
		t.Errorf("Session.TTL = %v, want 1h", cfg.Session.TTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestParse_YAML(t *testing.T) {
	data := `
device:
  name: pixel
  log_level: debug
sync:
  desktop_address: "192.168.1.100:8443"
  transport: quic
  preference: discovery
  heartbeat_interval: 10s
reconnect:
  max_attempts: 3
  backoff: exponential
session:
  cipher: aes-256-gcm
  key_exchange: x25519-mlkem768
`
	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Device.Name != "pixel" || cfg.Device.LogLevel != "debug" {
		t.Errorf("Device = %+v", cfg.Device)
	}
	if cfg.Sync.DesktopAddress != "192.168.1.100:8443" || cfg.Sync.Transport != "quic" {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
	if cfg.Sync.HeartbeatInterval != 10*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 10s", cfg.Sync.HeartbeatInterval)
	}
	if cfg.Sync.ConnectTimeout != 10*time.Second {
		t.Errorf("unset ConnectTimeout lost its default: %v", cfg.Sync.ConnectTimeout)
	}
	if cfg.Reconnect.MaxAttempts != 3 || cfg.Reconnect.Backoff != "exponential" {
		t.Errorf("Reconnect = %+v", cfg.Reconnect)
	}
	if cfg.Session.Cipher != "aes-256-gcm" || cfg.Session.KeyExchange != "x25519-mlkem768" {
		t.Errorf("Session = %+v", cfg.Session)
	}
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("EDGECLAW_TEST_ADDR", "10.0.0.5:9000")

	data := `
sync:
  desktop_address: "${EDGECLAW_TEST_ADDR}"
device:
  name: "${EDGECLAW_TEST_UNSET:-fallback}"
`
	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Sync.DesktopAddress != "10.0.0.5:9000" {
		t.Errorf("DesktopAddress = %s", cfg.Sync.DesktopAddress)
	}
	if cfg.Device.Name != "fallback" {
		t.Errorf("Name = %s, want fallback", cfg.Device.Name)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"bad transport", "sync:\n  transport: carrier-pigeon\n", "sync.transport"},
		{"bad address", "sync:\n  desktop_address: \"nohost\"\n", "sync.desktop_address"},
		{"negative write timeout", "sync:\n  write_timeout: -1s\n", "sync.write_timeout"},
		{"negative attempts", "reconnect:\n  max_attempts: -1\n", "reconnect.max_attempts"},
		{"psk without key", "session:\n  key_exchange: psk\n", "session.psk"},
		{"exec without whitelist", "agent:\n  exec:\n    enabled: true\n", "agent.exec.whitelist"},
		{"huge output", "agent:\n  exec:\n    max_output: 5GiB\n", "agent.exec.max_output"},
		{"unicast group", "discovery:\n  enabled: true\n  group: \"10.0.0.1:8444\"\n", "multicast"},
		{"bad yaml", "sync: [", "failed to parse"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.data))
			if err == nil {
				t.Fatal("Parse() expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestParseTOML(t *testing.T) {
	data := `
[sync]
desktop_address = "10.1.1.1:8443"
transport = "ws"
heartbeat_interval = "15s"

[agent.exec]
enabled = true
whitelist = ["uptime", "df"]
`
	cfg, err := ParseTOML([]byte(data))
	if err != nil {
		t.Fatalf("ParseTOML() error = %v", err)
	}
	if cfg.Sync.Transport != "ws" || cfg.Sync.HeartbeatInterval != 15*time.Second {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
	if len(cfg.Agent.Exec.Whitelist) != 2 {
		t.Errorf("Whitelist = %v", cfg.Agent.Exec.Whitelist)
	}
}

func TestLoad_ByExtension(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "config.yaml")
	os.WriteFile(yamlPath, []byte("device:\n  name: yaml-device\n"), 0600)
	tomlPath := filepath.Join(dir, "config.toml")
	os.WriteFile(tomlPath, []byte("[device]\nname = \"toml-device\"\n"), 0600)

	for path, want := range map[string]string{yamlPath: "yaml-device", tomlPath: "toml-device"} {
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load(%s) error = %v", path, err)
		}
		if cfg.Device.Name != want {
			t.Errorf("Load(%s) name = %s, want %s", path, cfg.Device.Name, want)
		}
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load(missing) expected error")
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Session.PSK = strings.Repeat("ab", 32)
	cfg.Agent.TLS.Key = "/etc/edgeclaw/agent.key"

	r := cfg.Redacted()
	if r.Session.PSK != redactedValue || r.Agent.TLS.Key != redactedValue {
		t.Errorf("Redacted() left secrets: %+v", r.Session)
	}
	if cfg.Session.PSK == redactedValue {
		t.Error("Redacted() modified the original")
	}
	if strings.Contains(cfg.String(), strings.Repeat("ab", 32)) {
		t.Error("String() leaked the psk")
	}
}

func TestMaxOutputBytes(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"", 64 * 1024, false},
		{"64KiB", 64 * 1024, false},
		{"1MiB", 1 << 20, false},
		{"2MiB", 0, true},
		{"lots", 0, true},
	}
	for _, tc := range tests {
		got, err := ExecConfig{MaxOutput: tc.in}.MaxOutputBytes()
		if (err != nil) != tc.wantErr {
			t.Errorf("MaxOutputBytes(%q) error = %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("MaxOutputBytes(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
