package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/edgeclaw/edgeclaw-sync/internal/crypto"
	"github.com/edgeclaw/edgeclaw-sync/internal/engine"
	"github.com/edgeclaw/edgeclaw-sync/internal/peer"
	"github.com/edgeclaw/edgeclaw-sync/internal/sysinfo"
)

func fakeCollect() sysinfo.Snapshot {
	return sysinfo.Snapshot{CPUUsage: 12.5, MemoryUsage: 40, DiskUsage: 70, UptimeSecs: 99}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func sha(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

func startAgent(t *testing.T, tweak func(*Config, *Options)) *Agent {
	t.Helper()
	cfg := DefaultConfig("desktop-1")
	cfg.Listen = "127.0.0.1:0"
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.StatusInterval = 0
	cfg.AIStatus = "thinking"
	opts := Options{Collect: fakeCollect}
	if tweak != nil {
		tweak(&cfg, &opts)
	}
	a, err := New(cfg, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { a.Stop() })
	return a
}

func connectEngine(t *testing.T, a *Agent, tweak func(*engine.Config, *engine.Options)) *engine.Engine {
	t.Helper()
	cfg := engine.DefaultConfig("phone-1")
	cfg.Address = a.Addr().String()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.HeartbeatInterval = time.Hour
	cfg.ExecTimeout = 5 * time.Second
	cfg.AutoReconnect = false
	opts := engine.Options{}
	if tweak != nil {
		tweak(&cfg, &opts)
	}
	e, err := engine.New(cfg, opts)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Shutdown(ctx)
	})
	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return e
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name  string
		tweak func(*Config)
	}{
		{"missing device id", func(c *Config) { c.DeviceID = "" }},
		{"bad role", func(c *Config) { c.Role = "root" }},
		{"bad transport", func(c *Config) { c.Transport = "carrier-pigeon" }},
		{"quic without tls", func(c *Config) { c.Transport = "quic" }},
		{"bad cipher", func(c *Config) { c.Cipher = "rot13" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("desktop-1")
			tt.tweak(&cfg)
			if _, err := New(cfg, Options{}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestAgent_StartStop(t *testing.T) {
	cfg := DefaultConfig("desktop-1")
	cfg.Listen = "127.0.0.1:0"
	a, err := New(cfg, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Stop(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Stop before Start = %v", err)
	}
	if a.Addr() != nil {
		t.Error("Addr should be nil before Start")
	}

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v", err)
	}
	if a.Addr() == nil {
		t.Fatal("Addr is nil after Start")
	}

	if err := a.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestAgent_ConfigAndStatusOnConnect(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "claw.yaml")
	const body = "model: local\nmax_tokens: 512\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	a := startAgent(t, func(c *Config, _ *Options) { c.ConfigFile = path })
	e := connectEngine(t, a, nil)

	waitFor(t, "config and status", func() bool {
		s := e.Stats()
		return s.LastConfigHash != "" && s.LastStatus != nil
	})

	s := e.Stats()
	if s.LastConfigHash != sha(body) {
		t.Errorf("config hash = %s, want %s", s.LastConfigHash, sha(body))
	}
	st := s.LastStatus
	if st.CPUUsage != 12.5 || st.MemoryUsage != 40 || st.DiskUsage != 70 || st.UptimeSecs != 99 {
		t.Errorf("status = %+v", st)
	}
	if st.AIStatus != "thinking" || st.ActiveSessions != 1 {
		t.Errorf("status = %+v", st)
	}

	waitFor(t, "agent counters", func() bool {
		as := a.Stats()
		return as.ConfigPushes == 1 && as.StatusPushes == 1
	})
	if as := a.Stats(); as.LastConfigSum != sha(body) {
		t.Errorf("agent stats = %+v", as)
	}

	const updated = "model: remote\n"
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	n, err := a.BroadcastConfig()
	if err != nil || n != 1 {
		t.Fatalf("BroadcastConfig = %d, %v", n, err)
	}
	waitFor(t, "updated config", func() bool { return e.Stats().LastConfigHash == sha(updated) })
}

func TestAgent_BroadcastWithoutConfigFile(t *testing.T) {
	a := startAgent(t, nil)
	if _, err := a.BroadcastConfig(); err == nil {
		t.Error("expected error without a config file")
	}
}

func TestAgent_PeriodicStatus(t *testing.T) {
	a := startAgent(t, func(c *Config, _ *Options) { c.StatusInterval = 20 * time.Millisecond })
	connectEngine(t, a, nil)

	waitFor(t, "repeated status pushes", func() bool { return a.Stats().StatusPushes >= 3 })
}

func TestAgent_StopWaitsForStatusLoop(t *testing.T) {
	a := startAgent(t, func(c *Config, _ *Options) { c.StatusInterval = 5 * time.Millisecond })
	connectEngine(t, a, nil)
	waitFor(t, "status pushes", func() bool { return a.Stats().StatusPushes >= 2 })

	if err := a.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	n := a.Stats().StatusPushes
	time.Sleep(50 * time.Millisecond)
	if got := a.Stats().StatusPushes; got != n {
		t.Errorf("status pushed after Stop: %d -> %d", n, got)
	}
}

func TestAgent_RemoteExec(t *testing.T) {
	requireShell(t)
	a := startAgent(t, func(c *Config, _ *Options) {
		c.Exec = ExecConfig{Enabled: true, Whitelist: []string{"sh", "echo"}, MaxConcurrent: 2}
	})
	e := connectEngine(t, a, nil)

	ctx := context.Background()
	res, err := e.RemoteExec(ctx, "echo", "hello", "claw")
	if err != nil {
		t.Fatalf("RemoteExec: %v", err)
	}
	if res.ExitCode != 0 || res.Stdout != "hello claw\n" || res.Command != "echo" {
		t.Errorf("result = %+v", res)
	}

	res, err = e.RemoteExec(ctx, "sh", "-c", "exit 4")
	if err != nil {
		t.Fatalf("RemoteExec: %v", err)
	}
	if res.ExitCode != 4 {
		t.Errorf("exit code = %d, want 4", res.ExitCode)
	}

	res, err = e.RemoteExec(ctx, "rm", "-rf", "data")
	if err != nil {
		t.Fatalf("RemoteExec: %v", err)
	}
	if res.ExitCode != -1 || !strings.Contains(res.Stderr, "not allowed") {
		t.Errorf("non-whitelisted result = %+v", res)
	}

	if s := a.Stats(); s.ExecRun != 2 || s.ExecDenied != 1 {
		t.Errorf("exec counters = %+v", s)
	}
	if e.State() != peer.StateConnected {
		t.Errorf("engine state = %s after exec", e.State())
	}
}

func TestAgent_RemoteExecDeniedByPolicy(t *testing.T) {
	a := startAgent(t, func(c *Config, _ *Options) {
		c.Role = "operator"
		c.Exec = ExecConfig{Enabled: true, Whitelist: []string{"echo"}}
	})
	e := connectEngine(t, a, nil)

	res, err := e.RemoteExec(context.Background(), "echo", "hi")
	if err != nil {
		t.Fatalf("RemoteExec: %v", err)
	}
	if res.ExitCode != -1 || !strings.HasPrefix(res.Stderr, "denied:") {
		t.Errorf("result = %+v", res)
	}
	if res.Stdout != "" {
		t.Errorf("denied command produced output %q", res.Stdout)
	}
}

func TestAgent_ClientsTracked(t *testing.T) {
	a := startAgent(t, nil)
	e := connectEngine(t, a, nil)

	waitFor(t, "client registered", func() bool { return len(a.Clients()) == 1 })
	c := a.Clients()[0]
	if c.RemoteID != "phone-1" || c.SessionID == "" || c.Transport != "tcp" {
		t.Errorf("client = %+v", c)
	}
	if a.Sessions().Len() != 1 {
		t.Errorf("sessions = %d", a.Sessions().Len())
	}

	e.Disconnect()
	waitFor(t, "client removed", func() bool { return len(a.Clients()) == 0 })
	waitFor(t, "session closed", func() bool { return a.Sessions().Len() == 0 })
}

func TestAgent_StopDisconnectsClients(t *testing.T) {
	a := startAgent(t, nil)
	e := connectEngine(t, a, nil)
	waitFor(t, "client registered", func() bool { return len(a.Clients()) == 1 })

	if err := a.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, "engine notices", func() bool { return !e.State().Active() })
}

func TestAgent_PSK(t *testing.T) {
	key, err := crypto.GenerateHexKey()
	if err != nil {
		t.Fatal(err)
	}
	keys, err := crypto.ParseHexKey(key)
	if err != nil {
		t.Fatal(err)
	}

	a := startAgent(t, func(c *Config, o *Options) {
		c.KeyExchange = crypto.KexPSK
		o.Keys = keys
	})
	e := connectEngine(t, a, func(c *engine.Config, o *engine.Options) {
		c.KeyExchange = crypto.KexPSK
		o.Keys = keys
	})
	waitFor(t, "status over psk session", func() bool { return e.Stats().LastStatus != nil })
}

func TestAgent_HybridKeyExchange(t *testing.T) {
	a := startAgent(t, func(c *Config, _ *Options) { c.KeyExchange = crypto.KexHybrid })
	e := connectEngine(t, a, func(c *engine.Config, _ *engine.Options) { c.KeyExchange = crypto.KexHybrid })
	waitFor(t, "status over hybrid session", func() bool { return e.Stats().LastStatus != nil })
}

func TestAgent_AdvertisedAddress(t *testing.T) {
	a := startAgent(t, nil)
	if got := a.advertisedAddress(); !strings.HasPrefix(got, "127.0.0.1:") {
		t.Errorf("advertisedAddress = %q", got)
	}

	wild := startAgent(t, func(c *Config, _ *Options) { c.Listen = "0.0.0.0:0" })
	if got := wild.advertisedAddress(); !strings.HasPrefix(got, ":") {
		t.Errorf("wildcard advertisedAddress = %q, want empty host", got)
	}
}
