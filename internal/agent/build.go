package agent

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/edgeclaw/edgeclaw-sync/internal/config"
	"github.com/edgeclaw/edgeclaw-sync/internal/crypto"
	"github.com/edgeclaw/edgeclaw-sync/internal/metrics"
	"github.com/edgeclaw/edgeclaw-sync/internal/transport"
)

// selfSignedValidity is how long a generated listener certificate lasts.
const selfSignedValidity = 365 * 24 * time.Hour

// FromConfig translates a loaded configuration into agent settings.
func FromConfig(cfg *config.Config, deviceID string, logger *slog.Logger, m *metrics.Metrics) (Config, Options, error) {
	ac := DefaultConfig(deviceID)

	tt, err := transport.ParseType(cfg.Agent.Transport)
	if err != nil {
		return ac, Options{}, err
	}
	ac.Transport = tt
	ac.Listen = cfg.Agent.Listen
	ac.Name = cfg.Device.Name
	if cfg.Agent.Type != "" {
		ac.Type = cfg.Agent.Type
	}
	ac.WSPath = cfg.Sync.WSPath
	ac.HandshakeTimeout = cfg.Sync.HandshakeTimeout
	ac.WriteTimeout = cfg.Sync.WriteTimeout
	ac.StatusInterval = cfg.Agent.StatusInterval
	ac.ConfigFile = cfg.Agent.ConfigFile
	ac.AIStatus = cfg.Agent.AIStatus
	ac.DiskPath = cfg.Device.DataDir

	ac.KeyExchange = cfg.Session.KeyExchange
	ac.Cipher = cfg.Session.Cipher
	ac.SessionTTL = cfg.Session.TTL

	ac.Discovery = cfg.Discovery.Enabled
	ac.DiscoveryGroup = cfg.Discovery.Group
	ac.DiscoveryInterval = cfg.Discovery.Interval

	maxOutput, err := cfg.Agent.Exec.MaxOutputBytes()
	if err != nil {
		return ac, Options{}, fmt.Errorf("agent.exec.max_output: %w", err)
	}
	ac.Role = cfg.Agent.Exec.Role
	ac.Exec = ExecConfig{
		Enabled:       cfg.Agent.Exec.Enabled,
		Whitelist:     cfg.Agent.Exec.Whitelist,
		Timeout:       cfg.Agent.Exec.Timeout,
		MaxConcurrent: cfg.Agent.Exec.MaxConcurrent,
		RatePerSecond: cfg.Agent.Exec.RatePerSecond,
		Burst:         cfg.Agent.Exec.Burst,
		MaxOutput:     maxOutput,
	}

	ac.TLSConfig, err = serverTLS(tt, cfg.Agent.TLS, deviceID)
	if err != nil {
		return ac, Options{}, err
	}

	opts := Options{Logger: logger, Metrics: m}
	if cfg.Session.KeyExchange == crypto.KexPSK {
		keys, err := crypto.ParseHexKey(cfg.Session.PSK)
		if err != nil {
			return ac, Options{}, fmt.Errorf("session.psk: %w", err)
		}
		opts.Keys = keys
	}
	return ac, opts, nil
}

// serverTLS loads the configured certificate. QUIC always needs one, so a
// self-signed certificate is generated when none is configured. Plain tcp
// never uses TLS.
func serverTLS(tt transport.Type, c config.TLSConfig, commonName string) (*tls.Config, error) {
	if tt == transport.TypeTCP {
		return nil, nil
	}
	if c.Cert != "" && c.Key != "" {
		return transport.LoadServerTLS(c.Cert, c.Key)
	}
	if tt != transport.TypeQUIC {
		return nil, nil
	}
	certPEM, keyPEM, err := transport.GenerateSelfSignedCert(commonName, selfSignedValidity)
	if err != nil {
		return nil, err
	}
	return transport.TLSConfigFromBytes(certPEM, keyPEM)
}
