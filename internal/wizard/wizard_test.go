package wizard

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/edgeclaw/edgeclaw-sync/internal/config"
	"github.com/edgeclaw/edgeclaw-sync/internal/crypto"
)

func TestNew(t *testing.T) {
	w := New()
	if w == nil {
		t.Fatal("New() returned nil")
	}
	if w.answers.KeyExchange != crypto.KexX25519 {
		t.Errorf("default key exchange = %s", w.answers.KeyExchange)
	}
}

func TestContains(t *testing.T) {
	tests := []struct {
		name     string
		slice    []string
		item     string
		expected bool
	}{
		{"item exists", []string{RoleClient, RoleAgent}, RoleAgent, true},
		{"item does not exist", []string{RoleClient}, RoleAgent, false},
		{"empty slice", nil, RoleClient, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := contains(tt.slice, tt.item); got != tt.expected {
				t.Errorf("contains(%v, %q) = %v", tt.slice, tt.item, got)
			}
		})
	}
}

func TestSplitLines(t *testing.T) {
	got := splitLines("uptime\n\n  df \nuname\n")
	want := []string{"uptime", "df", "uname"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("splitLines = %v, want %v", got, want)
	}
}

func TestBuildConfig_Defaults(t *testing.T) {
	cfg, err := BuildConfig(DefaultAnswers())
	if err != nil {
		t.Fatalf("BuildConfig: %v", err)
	}
	d := config.Default()
	if cfg.Sync.DesktopAddress != d.Sync.DesktopAddress || cfg.Session.KeyExchange != d.Session.KeyExchange {
		t.Errorf("defaults not preserved: %+v %+v", cfg.Sync, cfg.Session)
	}
	if cfg.Agent.Exec.Enabled {
		t.Error("exec enabled without agent role")
	}
	if cfg.Device.LogFormat != "auto" {
		t.Errorf("log format = %s", cfg.Device.LogFormat)
	}
}

func TestBuildConfig_Agent(t *testing.T) {
	a := DefaultAnswers()
	a.Roles = []string{RoleClient, RoleAgent}
	a.Transport = "quic"
	a.AgentListen = "0.0.0.0:9000"
	a.ExecEnabled = true
	a.ExecWhitelist = "uptime\ndf\n"
	a.Discovery = true
	a.HealthEnabled = true

	cfg, err := BuildConfig(a)
	if err != nil {
		t.Fatalf("BuildConfig: %v", err)
	}
	if cfg.Agent.Listen != "0.0.0.0:9000" || cfg.Agent.Transport != "quic" {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if !cfg.Agent.Exec.Enabled || !reflect.DeepEqual(cfg.Agent.Exec.Whitelist, []string{"uptime", "df"}) {
		t.Errorf("exec = %+v", cfg.Agent.Exec)
	}
	if !cfg.Discovery.Enabled || !cfg.Health.Enabled {
		t.Error("discovery/health not enabled")
	}
}

func TestBuildConfig_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		tweak func(*Answers)
	}{
		{"psk without key", func(a *Answers) { a.KeyExchange = crypto.KexPSK }},
		{"bad address", func(a *Answers) { a.DesktopAddress = "nowhere" }},
		{"exec without whitelist", func(a *Answers) {
			a.Roles = []string{RoleAgent}
			a.ExecEnabled = true
			a.ExecWhitelist = ""
		}},
		{"bad log level", func(a *Answers) { a.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := DefaultAnswers()
			tt.tweak(&a)
			if _, err := BuildConfig(a); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestWriteConfig_RoundTrip(t *testing.T) {
	psk, err := crypto.GenerateHexKey()
	if err != nil {
		t.Fatal(err)
	}
	a := DefaultAnswers()
	a.KeyExchange = crypto.KexPSK
	a.PSK = psk
	cfg, err := BuildConfig(a)
	if err != nil {
		t.Fatalf("BuildConfig: %v", err)
	}

	path := filepath.Join(t.TempDir(), "nested", "edgeclaw.yaml")
	if err := WriteConfig(cfg, path); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		t.Errorf("config file mode = %v, should not be group or world readable", perm)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "# edgeclaw-sync configuration") {
		t.Error("header missing")
	}

	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Session.PSK != psk || loaded.Session.KeyExchange != crypto.KexPSK {
		t.Errorf("session = %+v", loaded.Session)
	}
	if loaded.Sync.HeartbeatInterval != cfg.Sync.HeartbeatInterval {
		t.Errorf("heartbeat interval = %v, want %v", loaded.Sync.HeartbeatInterval, cfg.Sync.HeartbeatInterval)
	}
}
