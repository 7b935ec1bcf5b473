package agent

import (
	"testing"
	"time"

	"github.com/edgeclaw/edgeclaw-sync/internal/config"
	"github.com/edgeclaw/edgeclaw-sync/internal/crypto"
	"github.com/edgeclaw/edgeclaw-sync/internal/transport"
)

func TestFromConfigDefaults(t *testing.T) {
	ac, opts, err := FromConfig(config.Default(), "desktop-1", nil, nil)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if ac.Transport != transport.TypeTCP || ac.Listen != "0.0.0.0:8443" {
		t.Errorf("transport/listen = %s %s", ac.Transport, ac.Listen)
	}
	if ac.TLSConfig != nil {
		t.Error("tcp should not carry TLS config")
	}
	if ac.Type != DefaultAgentType || ac.Role != "owner" {
		t.Errorf("type/role = %s %s", ac.Type, ac.Role)
	}
	if ac.Exec.Enabled || ac.Exec.MaxOutput != 64*1024 || ac.Exec.Timeout != 30*time.Second {
		t.Errorf("exec = %+v", ac.Exec)
	}
	if ac.Discovery {
		t.Error("discovery should be off by default")
	}
	if opts.Keys != nil {
		t.Error("key provider built without psk")
	}
}

func TestFromConfigVariants(t *testing.T) {
	key, err := crypto.GenerateHexKey()
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Agent.Transport = "quic"
	cfg.Agent.Exec.MaxOutput = "1KiB"
	cfg.Session.KeyExchange = crypto.KexPSK
	cfg.Session.PSK = key
	cfg.Discovery.Enabled = true

	ac, opts, err := FromConfig(cfg, "desktop-1", nil, nil)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if ac.TLSConfig == nil || len(ac.TLSConfig.Certificates) != 1 {
		t.Error("quic should get a self-signed certificate")
	}
	if opts.Keys == nil {
		t.Error("psk key provider missing")
	}
	if !ac.Discovery || ac.DiscoveryGroup != cfg.Discovery.Group {
		t.Errorf("discovery = %v %s", ac.Discovery, ac.DiscoveryGroup)
	}
	if ac.Exec.MaxOutput != 1024 {
		t.Errorf("max output = %d", ac.Exec.MaxOutput)
	}

	cfg.Agent.Transport = "ws"
	ac, _, err = FromConfig(cfg, "desktop-1", nil, nil)
	if err != nil {
		t.Fatalf("FromConfig ws: %v", err)
	}
	if ac.TLSConfig != nil {
		t.Error("ws without a certificate should serve plain http")
	}

	bad := []func(*config.Config){
		func(c *config.Config) { c.Agent.Transport = "carrier-pigeon" },
		func(c *config.Config) { c.Agent.Exec.MaxOutput = "lots" },
		func(c *config.Config) { c.Session.KeyExchange = crypto.KexPSK; c.Session.PSK = "zz" },
		func(c *config.Config) {
			c.Agent.Transport = "ws"
			c.Agent.TLS.Cert = "/nonexistent/cert.pem"
			c.Agent.TLS.Key = "/nonexistent/key.pem"
		},
	}
	for i, tweak := range bad {
		c := config.Default()
		tweak(c)
		if _, _, err := FromConfig(c, "desktop-1", nil, nil); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}
