package engine

import (
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/edgeclaw/edgeclaw-sync/internal/config"
	"github.com/edgeclaw/edgeclaw-sync/internal/crypto"
	"github.com/edgeclaw/edgeclaw-sync/internal/discovery"
	"github.com/edgeclaw/edgeclaw-sync/internal/metrics"
	"github.com/edgeclaw/edgeclaw-sync/internal/peer"
	"github.com/edgeclaw/edgeclaw-sync/internal/sysinfo"
	"github.com/edgeclaw/edgeclaw-sync/internal/transport"
)

// FromConfig translates a loaded configuration into engine settings and
// collaborators: transport, TLS, key provider and, when discovery is
// enabled, a multicast-backed selector.
func FromConfig(cfg *config.Config, deviceID string, logger *slog.Logger, m *metrics.Metrics) (Config, Options, error) {
	ec := DefaultConfig(deviceID)

	tt, err := transport.ParseType(cfg.Sync.Transport)
	if err != nil {
		return ec, Options{}, err
	}
	ec.Transport = tt
	ec.Address = cfg.Sync.DesktopAddress
	ec.WSPath = cfg.Sync.WSPath
	ec.StrictVerify = cfg.Sync.TLS.StrictVerify
	ec.ConnectTimeout = cfg.Sync.ConnectTimeout
	ec.HandshakeTimeout = cfg.Sync.HandshakeTimeout
	ec.HeartbeatInterval = cfg.Sync.HeartbeatInterval
	ec.ExecTimeout = cfg.Sync.ExecTimeout
	ec.WriteTimeout = cfg.Sync.WriteTimeout

	ec.AutoReconnect = cfg.Reconnect.Enabled
	ec.Reconnect = peer.ReconnectConfig{
		Delay:       cfg.Reconnect.Delay,
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		Backoff:     cfg.Reconnect.Backoff == "exponential",
		Multiplier:  cfg.Reconnect.Multiplier,
		MaxDelay:    cfg.Reconnect.MaxDelay,
	}
	if ec.Reconnect.Backoff {
		ec.Reconnect.Jitter = cfg.Reconnect.Jitter
	}

	ec.Cipher = cfg.Session.Cipher
	ec.SessionTTL = cfg.Session.TTL
	ec.KeyExchange = cfg.Session.KeyExchange

	if tt != transport.TypeTCP {
		tlsCfg, err := clientTLS(cfg.Sync.TLS)
		if err != nil {
			return ec, Options{}, err
		}
		if tt == transport.TypeQUIC || tlsCfg != nil {
			ec.TLSConfig = tlsCfg
			if ec.TLSConfig == nil {
				ec.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS13}
			}
		}
	}

	opts := Options{
		Logger:  logger,
		Metrics: m,
		Uptime:  sysinfo.UptimeSeconds,
	}
	if cfg.Session.KeyExchange == crypto.KexPSK {
		keys, err := crypto.ParseHexKey(cfg.Session.PSK)
		if err != nil {
			return ec, Options{}, fmt.Errorf("session.psk: %w", err)
		}
		opts.Keys = keys
	}

	pref, err := discovery.ParsePreference(cfg.Sync.Preference)
	if err != nil {
		return ec, Options{}, err
	}
	if cfg.Discovery.Enabled || pref == discovery.PreferDiscoveryFirst {
		var scanner discovery.Scanner
		if cfg.Discovery.Enabled {
			scanner = discovery.NewMulticastScanner(cfg.Discovery.Group, logger)
		}
		opts.Selector = discovery.NewSelector(discovery.SelectorConfig{
			Preference: pref,
			Address:    cfg.Sync.DesktopAddress,
			Signatures: cfg.Sync.Signatures,
			Timeout:    cfg.Sync.DiscoveryTimeout,
			Scanner:    scanner,
			Logger:     logger,
			OnMode: func(mode discovery.Mode) {
				m.RecordDiscovery(mode.String())
			},
		})
	}
	return ec, opts, nil
}

// clientTLS returns nil when nothing TLS-specific is configured.
func clientTLS(c config.TLSConfig) (*tls.Config, error) {
	if c.CA == "" && !c.StrictVerify {
		return nil, nil
	}
	return transport.LoadClientTLS(c.CA)
}
