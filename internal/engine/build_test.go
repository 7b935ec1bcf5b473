package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/edgeclaw/edgeclaw-sync/internal/config"
	"github.com/edgeclaw/edgeclaw-sync/internal/crypto"
	"github.com/edgeclaw/edgeclaw-sync/internal/transport"
)

func TestFromConfigDefaults(t *testing.T) {
	ec, opts, err := FromConfig(config.Default(), "phone-1", nil, nil)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if ec.Transport != transport.TypeTCP || ec.Address != "127.0.0.1:8443" {
		t.Errorf("transport/address = %s %s", ec.Transport, ec.Address)
	}
	if !ec.AutoReconnect || ec.Reconnect.Delay != 5*time.Second || ec.Reconnect.Backoff {
		t.Errorf("reconnect = %v %+v", ec.AutoReconnect, ec.Reconnect)
	}
	if ec.Reconnect.Jitter != 0 {
		t.Errorf("fixed delay should not jitter, got %v", ec.Reconnect.Jitter)
	}
	if ec.KeyExchange != crypto.KexX25519 {
		t.Errorf("key exchange = %s", ec.KeyExchange)
	}
	if opts.Selector != nil {
		t.Error("selector built with discovery disabled")
	}
	if opts.Keys != nil {
		t.Error("key provider built without psk")
	}
	if ec.TLSConfig != nil {
		t.Error("tcp should not carry TLS config")
	}
}

func TestFromConfigVariants(t *testing.T) {
	key, err := crypto.GenerateHexKey()
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Sync.Transport = "quic"
	cfg.Session.KeyExchange = crypto.KexPSK
	cfg.Session.PSK = key
	cfg.Discovery.Enabled = true
	cfg.Reconnect.Backoff = "exponential"

	ec, opts, err := FromConfig(cfg, "phone-1", nil, nil)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if ec.TLSConfig == nil {
		t.Error("quic needs a TLS config")
	}
	if opts.Keys == nil {
		t.Error("psk key provider missing")
	}
	if opts.Selector == nil {
		t.Error("selector missing with discovery enabled")
	}
	if !ec.Reconnect.Backoff || ec.Reconnect.Jitter != cfg.Reconnect.Jitter {
		t.Errorf("reconnect = %+v", ec.Reconnect)
	}

	cfg.Session.PSK = "zz"
	if _, _, err := FromConfig(cfg, "phone-1", nil, nil); err == nil || !strings.Contains(err.Error(), "session.psk") {
		t.Errorf("bad psk err = %v", err)
	}

	cfg = config.Default()
	cfg.Sync.Transport = "carrier-pigeon"
	if _, _, err := FromConfig(cfg, "phone-1", nil, nil); err == nil {
		t.Error("unknown transport accepted")
	}
}
