package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/edgeclaw/edgeclaw-sync/internal/logging"
	"github.com/edgeclaw/edgeclaw-sync/internal/protocol"
)

// DefaultTimeout bounds a discovery scan before falling back.
const DefaultTimeout = 15 * time.Second

var (
	// ErrNoTarget means there is neither a discovery channel nor an address.
	ErrNoTarget = errors.New("no discovery channel and no address configured")
	// ErrNoAddress means stream-only mode was chosen without an address.
	ErrNoAddress = errors.New("no desktop address configured")
	// ErrDiscoveryTimeout means the scan found no matching peer in time.
	ErrDiscoveryTimeout = errors.New("discovery timed out without a match")
	// ErrDiscoveryUnavailable means discovery was required but not present.
	ErrDiscoveryUnavailable = errors.New("discovery unavailable")
)

// Preference picks how the selector finds the desktop.
type Preference int

const (
	// PreferAuto scans when discovery is available, else dials directly.
	PreferAuto Preference = iota
	// PreferStreamOnly always dials the configured address.
	PreferStreamOnly
	// PreferDiscoveryFirst scans and never falls back on its own.
	PreferDiscoveryFirst
)

func (p Preference) String() string {
	switch p {
	case PreferStreamOnly:
		return "stream"
	case PreferDiscoveryFirst:
		return "discovery"
	default:
		return "auto"
	}
}

// ParsePreference accepts "auto", "stream" (or "tcp") and "discovery"
// (or "ble").
func ParsePreference(s string) (Preference, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return PreferAuto, nil
	case "stream", "tcp", "stream-only", "tcp-only":
		return PreferStreamOnly, nil
	case "discovery", "ble", "discovery-first", "ble-first":
		return PreferDiscoveryFirst, nil
	default:
		return PreferAuto, fmt.Errorf("unknown transport preference %q", s)
	}
}

// Mode is the selector's current activity.
type Mode int

const (
	ModeIdle Mode = iota
	ModeDiscoveryScan
	ModeDiscoveryOnly
	ModeDiscoveryToStream
	ModeStreamDirect
)

func (m Mode) String() string {
	switch m {
	case ModeDiscoveryScan:
		return "discovery_scan"
	case ModeDiscoveryOnly:
		return "discovery_only"
	case ModeDiscoveryToStream:
		return "discovery_to_stream"
	case ModeStreamDirect:
		return "stream_direct"
	default:
		return "idle"
	}
}

// Plan is the decision taken before any scan runs.
type Plan struct {
	Scan   bool
	Direct bool
}

// Strategy decides whether to scan or dial directly for a preference.
// Neither flag set means there is nothing to do.
func Strategy(pref Preference, discoveryAvailable, haveAddress bool) Plan {
	if pref != PreferStreamOnly && discoveryAvailable {
		return Plan{Scan: true}
	}
	return Plan{Direct: haveAddress}
}

// Resolution is the selector's answer. Address is empty for ModeDiscoveryOnly.
type Resolution struct {
	Mode    Mode
	Address string
	Peer    *Peer
}

// SelectorConfig configures a Selector.
type SelectorConfig struct {
	Preference Preference
	// Address is the separately supplied desktop address, if any.
	Address    string
	Signatures []string
	Timeout    time.Duration
	// DefaultPort is appended to bare hosts. Defaults to protocol.DefaultPort.
	DefaultPort int
	Scanner     Scanner
	Registry    *Registry
	Logger      *slog.Logger
	// OnMode, if set, observes every mode change.
	OnMode func(Mode)
}

// Selector resolves the address the engine dials.
type Selector struct {
	cfg    SelectorConfig
	logger *slog.Logger

	mu   sync.Mutex
	mode Mode
}

// NewSelector builds a selector, applying defaults.
func NewSelector(cfg SelectorConfig) *Selector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.DefaultPort == 0 {
		cfg.DefaultPort = protocol.DefaultPort
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Selector{
		cfg:    cfg,
		logger: logger.With(logging.KeyComponent, "selector"),
	}
}

// Mode returns the current mode.
func (s *Selector) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Registry returns the registry scan results are recorded in.
func (s *Selector) Registry() *Registry { return s.cfg.Registry }

func (s *Selector) setMode(m Mode) {
	s.mu.Lock()
	changed := s.mode != m
	s.mode = m
	s.mu.Unlock()
	if changed && s.cfg.OnMode != nil {
		s.cfg.OnMode(m)
	}
}

func (s *Selector) discoveryAvailable() bool {
	return s.cfg.Scanner != nil && s.cfg.Scanner.Available()
}

// fallback returns the separately supplied address, normalized.
func (s *Selector) fallback() (string, bool) {
	return StreamAddress(s.cfg.Address, s.cfg.DefaultPort)
}

// Resolve runs the configured strategy and returns where to connect.
func (s *Selector) Resolve(ctx context.Context) (Resolution, error) {
	addr, haveAddr := s.fallback()
	plan := Strategy(s.cfg.Preference, s.discoveryAvailable(), haveAddr)

	switch {
	case plan.Direct:
		s.setMode(ModeStreamDirect)
		return Resolution{Mode: ModeStreamDirect, Address: addr}, nil
	case plan.Scan:
		return s.scan(ctx, addr, haveAddr)
	}

	s.setMode(ModeIdle)
	switch s.cfg.Preference {
	case PreferStreamOnly:
		return Resolution{Mode: ModeIdle}, ErrNoAddress
	case PreferDiscoveryFirst:
		return Resolution{Mode: ModeIdle}, ErrDiscoveryUnavailable
	default:
		return Resolution{Mode: ModeIdle}, ErrNoTarget
	}
}

func (s *Selector) scan(ctx context.Context, fallback string, haveFallback bool) (Resolution, error) {
	s.setMode(ModeDiscoveryScan)
	s.logger.Info("scanning for desktop",
		"signatures", s.cfg.Signatures,
		logging.KeyDuration, s.cfg.Timeout)

	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	found := make(chan Peer, 16)
	scanErr := make(chan error, 1)
	go func() {
		scanErr <- s.cfg.Scanner.Scan(scanCtx, found)
	}()

	for {
		select {
		case p := <-found:
			s.cfg.Registry.Upsert(p)
			if !p.MatchesSignature(s.cfg.Signatures) {
				continue
			}
			cancel()
			return s.matched(p, fallback, haveFallback), nil

		case err := <-scanErr:
			// Scanner gave up early; treat like a timeout unless the
			// caller cancelled.
			if ctx.Err() != nil {
				s.setMode(ModeIdle)
				return Resolution{Mode: ModeIdle}, ctx.Err()
			}
			if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				s.logger.Warn("scanner stopped", logging.KeyError, err)
			}
			return s.timedOut(fallback, haveFallback)

		case <-scanCtx.Done():
			if ctx.Err() != nil {
				s.setMode(ModeIdle)
				return Resolution{Mode: ModeIdle}, ctx.Err()
			}
			return s.timedOut(fallback, haveFallback)
		}
	}
}

func (s *Selector) matched(p Peer, fallback string, haveFallback bool) Resolution {
	peer := p
	if addr, ok := StreamAddress(p.Address, s.cfg.DefaultPort); ok {
		s.logger.Info("desktop discovered",
			logging.KeyPeerID, p.ID,
			logging.KeyAddress, addr)
		s.setMode(ModeDiscoveryToStream)
		return Resolution{Mode: ModeDiscoveryToStream, Address: addr, Peer: &peer}
	}

	if s.cfg.Preference == PreferAuto && haveFallback {
		s.logger.Info("discovered desktop has no stream address, using configured address",
			logging.KeyPeerID, p.ID,
			logging.KeyAddress, fallback)
		s.setMode(ModeStreamDirect)
		return Resolution{Mode: ModeStreamDirect, Address: fallback, Peer: &peer}
	}

	s.logger.Info("desktop discovered without stream address", logging.KeyPeerID, p.ID)
	s.setMode(ModeDiscoveryOnly)
	return Resolution{Mode: ModeDiscoveryOnly, Peer: &peer}
}

func (s *Selector) timedOut(fallback string, haveFallback bool) (Resolution, error) {
	if s.cfg.Preference == PreferAuto && haveFallback {
		s.logger.Info("discovery timed out, dialing configured address", logging.KeyAddress, fallback)
		s.setMode(ModeStreamDirect)
		return Resolution{Mode: ModeStreamDirect, Address: fallback}, nil
	}
	s.setMode(ModeIdle)
	return Resolution{Mode: ModeIdle}, ErrDiscoveryTimeout
}
