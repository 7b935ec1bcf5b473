// Package agent implements the desktop side of a sync session. It accepts
// mobile clients, answers their handshake, pushes configuration and status,
// and runs whitelisted commands on request.
package agent

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeclaw/edgeclaw-sync/internal/crypto"
	"github.com/edgeclaw/edgeclaw-sync/internal/discovery"
	"github.com/edgeclaw/edgeclaw-sync/internal/logging"
	"github.com/edgeclaw/edgeclaw-sync/internal/message"
	"github.com/edgeclaw/edgeclaw-sync/internal/metrics"
	"github.com/edgeclaw/edgeclaw-sync/internal/peer"
	"github.com/edgeclaw/edgeclaw-sync/internal/policy"
	"github.com/edgeclaw/edgeclaw-sync/internal/protocol"
	"github.com/edgeclaw/edgeclaw-sync/internal/recovery"
	"github.com/edgeclaw/edgeclaw-sync/internal/sysinfo"
	"github.com/edgeclaw/edgeclaw-sync/internal/transport"
)

var (
	ErrAlreadyStarted = errors.New("agent already started")
	ErrNotStarted     = errors.New("agent not started")
)

// DefaultAgentType is advertised in discovery beacons and matches the
// default client signatures.
const DefaultAgentType = "edgeclaw-desktop"

// Config holds the agent settings.
type Config struct {
	DeviceID  string
	Name      string
	Type      string
	Listen    string
	Transport transport.Type
	TLSConfig *tls.Config
	WSPath    string

	Capabilities     []string
	KeyExchange      string
	Cipher           string
	SessionTTL       time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// StatusInterval paces StatusPush messages. Zero sends one on connect
	// and none after.
	StatusInterval time.Duration

	// ConfigFile is sent as a ConfigSync to every client on connect.
	ConfigFile string
	AIStatus   string
	DiskPath   string

	// Role is checked against the shell_exec capability before running a
	// command.
	Role string
	Exec ExecConfig

	Discovery         bool
	DiscoveryGroup    string
	DiscoveryInterval time.Duration
}

// DefaultConfig returns the agent defaults for deviceID.
func DefaultConfig(deviceID string) Config {
	return Config{
		DeviceID:         deviceID,
		Type:             DefaultAgentType,
		Listen:           fmt.Sprintf("0.0.0.0:%d", protocol.DefaultPort),
		Transport:        transport.TypeTCP,
		Capabilities:     protocol.DefaultCapabilities(),
		KeyExchange:      crypto.KexX25519,
		Cipher:           crypto.CipherChaCha20Poly1305,
		SessionTTL:       crypto.DefaultSessionTTL,
		HandshakeTimeout: peer.DefaultHandshakeTimeout,
		WriteTimeout:     peer.DefaultWriteTimeout,
		StatusInterval:   30 * time.Second,
		AIStatus:         "idle",
		Role:             policy.RoleOwner.String(),
		DiscoveryGroup:   discovery.DefaultGroup,
	}
}

// Options carries collaborators. Zero values get defaults.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Keys    crypto.KeyProvider
	Policy  policy.Evaluator
	// Collect samples the host for StatusPush. Defaults to sysinfo.Collect.
	Collect func() sysinfo.Snapshot
}

// ClientInfo describes a connected client.
type ClientInfo struct {
	RemoteID    string    `json:"remote_id"`
	SessionID   string    `json:"session_id"`
	RemoteAddr  string    `json:"remote_addr"`
	Transport   string    `json:"transport"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Stats is a point-in-time summary of the agent.
type Stats struct {
	Listen        string       `json:"listen"`
	Clients       []ClientInfo `json:"clients"`
	ExecRun       uint64       `json:"exec_run"`
	ExecDenied    uint64       `json:"exec_denied"`
	StatusPushes  uint64       `json:"status_pushes"`
	ConfigPushes  uint64       `json:"config_pushes"`
	LastConfigSum string       `json:"last_config_hash,omitempty"`
}

// Agent accepts sync sessions.
type Agent struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	policy   policy.Evaluator
	collect  func() sysinfo.Snapshot
	tr       transport.Transport
	sessions *crypto.SessionManager
	hs       *peer.Handshaker
	exec     *Executor

	mu       sync.Mutex
	ln       transport.Listener
	clients  map[*client]struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	configMu   sync.Mutex
	configHash string

	execRun      atomic.Uint64
	execDenied   atomic.Uint64
	statusPushes atomic.Uint64
	configPushes atomic.Uint64
}

// New validates cfg and builds an agent. Nothing listens until Start.
func New(cfg Config, opts Options) (*Agent, error) {
	if cfg.DeviceID == "" {
		return nil, errors.New("agent: device id is required")
	}
	if cfg.Type == "" {
		cfg.Type = DefaultAgentType
	}
	if cfg.Role == "" {
		cfg.Role = policy.RoleOwner.String()
	}
	if _, err := policy.ParseRole(cfg.Role); err != nil {
		return nil, err
	}

	tr, err := transport.New(cfg.Transport)
	if err != nil {
		return nil, err
	}
	if cfg.Transport == transport.TypeQUIC && cfg.TLSConfig == nil {
		return nil, errors.New("agent: quic transport requires a TLS config")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.With(logging.KeyComponent, "agent", logging.KeyDeviceID, cfg.DeviceID)

	sessions, err := crypto.NewSessionManager(crypto.ManagerConfig{TTL: cfg.SessionTTL, Cipher: cfg.Cipher})
	if err != nil {
		return nil, err
	}
	hs, err := peer.NewHandshaker(peer.HandshakeConfig{
		DeviceID:     cfg.DeviceID,
		ClientType:   protocol.ClientTypeDesktop,
		Capabilities: cfg.Capabilities,
		KeyExchange:  cfg.KeyExchange,
		Keys:         opts.Keys,
		Sessions:     sessions,
		Timeout:      cfg.HandshakeTimeout,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	evaluator := opts.Policy
	if evaluator == nil {
		evaluator = policy.NewEngine()
	}
	collect := opts.Collect
	if collect == nil {
		disk := cfg.DiskPath
		collect = func() sysinfo.Snapshot { return sysinfo.Collect(disk) }
	}

	return &Agent{
		cfg:      cfg,
		logger:   logger,
		metrics:  opts.Metrics,
		policy:   evaluator,
		collect:  collect,
		tr:       tr,
		sessions: sessions,
		hs:       hs,
		exec:     NewExecutor(cfg.Exec),
		clients:  make(map[*client]struct{}),
	}, nil
}

// Start binds the listener and begins accepting. ctx bounds the lifetime of
// background work; Stop ends it early.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln != nil {
		return ErrAlreadyStarted
	}

	ln, err := a.tr.Listen(a.cfg.Listen, transport.ListenOptions{
		TLSConfig: a.cfg.TLSConfig,
		Path:      a.cfg.WSPath,
	})
	if err != nil {
		return err
	}
	a.ln = ln
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.logger.Info("agent listening",
		logging.KeyAddress, ln.Addr().String(),
		logging.KeyTransport, string(a.cfg.Transport),
		"key_exchange", a.cfg.KeyExchange)

	a.goBackground("accept loop", func() { a.acceptLoop(ln) })
	a.goBackground("session sweeper", a.sweepSessions)
	if a.cfg.Discovery {
		a.goBackground("advertiser", a.advertise)
	}
	return nil
}

func (a *Agent) goBackground(name string, fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer recovery.RecoverWithLog(a.logger, name)
		fn()
	}()
}

// Addr returns the bound listen address, or nil before Start.
func (a *Agent) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

func (a *Agent) acceptLoop(ln transport.Listener) {
	for {
		nc, err := ln.Accept(a.ctx)
		if err != nil {
			if a.ctx.Err() != nil || errors.Is(err, transport.ErrListenerClosed) || errors.Is(err, net.ErrClosed) {
				return
			}
			a.logger.Warn("accept failed", logging.KeyError, err)
			select {
			case <-time.After(100 * time.Millisecond):
			case <-a.ctx.Done():
				return
			}
			continue
		}
		a.goBackground("client", func() { a.serve(nc) })
	}
}

func (a *Agent) serve(nc net.Conn) {
	conn := peer.NewConn(nc, a.cfg.Transport, a.metrics)
	conn.SetWriteTimeout(a.cfg.WriteTimeout)
	start := time.Now()
	res, err := a.hs.Accept(a.ctx, conn)
	if err != nil {
		a.metrics.RecordHandshakeError(handshakeReason(err))
		a.logger.Warn("handshake failed",
			logging.KeyRemoteAddr, nc.RemoteAddr().String(),
			logging.KeyError, err)
		conn.Close()
		return
	}
	a.metrics.RecordHandshake(time.Since(start).Seconds())

	c := newClient(a, conn, res)
	if !a.register(c) {
		conn.Close()
		a.sessions.Close(res.SessionID)
		return
	}
	defer a.unregister(c)

	c.run()
}

func (a *Agent) register(c *client) bool {
	a.mu.Lock()
	if a.ctx.Err() != nil {
		a.mu.Unlock()
		return false
	}
	a.clients[c] = struct{}{}
	a.mu.Unlock()
	a.metrics.SetSessionsActive(a.sessions.Len())
	a.logger.Info("client connected",
		logging.KeyPeerID, c.remoteID,
		logging.KeySessionID, c.sessionID,
		logging.KeyRemoteAddr, c.conn.RemoteAddr())
	return true
}

func (a *Agent) unregister(c *client) {
	a.mu.Lock()
	delete(a.clients, c)
	a.mu.Unlock()
	a.sessions.Close(c.sessionID)
	a.metrics.SetSessionsActive(a.sessions.Len())
	a.logger.Info("client disconnected", logging.KeyPeerID, c.remoteID, logging.KeySessionID, c.sessionID)
}

func (a *Agent) snapshotClients() []*client {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*client, 0, len(a.clients))
	for c := range a.clients {
		out = append(out, c)
	}
	return out
}

// Clients lists connected clients, oldest first.
func (a *Agent) Clients() []ClientInfo {
	cs := a.snapshotClients()
	out := make([]ClientInfo, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Stats returns counters and the client list.
func (a *Agent) Stats() Stats {
	s := Stats{
		Clients:      a.Clients(),
		ExecRun:      a.execRun.Load(),
		ExecDenied:   a.execDenied.Load(),
		StatusPushes: a.statusPushes.Load(),
		ConfigPushes: a.configPushes.Load(),
	}
	if addr := a.Addr(); addr != nil {
		s.Listen = addr.String()
	}
	a.configMu.Lock()
	s.LastConfigSum = a.configHash
	a.configMu.Unlock()
	return s
}

// loadConfigSync reads ConfigFile. ok is false when no file is configured.
func (a *Agent) loadConfigSync() (m *message.ConfigSync, ok bool, err error) {
	if a.cfg.ConfigFile == "" {
		return nil, false, nil
	}
	data, err := os.ReadFile(a.cfg.ConfigFile)
	if err != nil {
		return nil, true, fmt.Errorf("read config file: %w", err)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	a.configMu.Lock()
	a.configHash = hash
	a.configMu.Unlock()

	return &message.ConfigSync{ConfigHash: hash, ConfigData: string(data)}, true, nil
}

// BroadcastConfig re-reads ConfigFile and sends it to every client. It
// returns the number of clients reached.
func (a *Agent) BroadcastConfig() (int, error) {
	m, ok, err := a.loadConfigSync()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.New("agent: no config file configured")
	}
	sent := 0
	for _, c := range a.snapshotClients() {
		if err := c.send(m); err != nil {
			a.logger.Warn("config push failed", logging.KeyPeerID, c.remoteID, logging.KeyError, err)
			continue
		}
		a.configPushes.Add(1)
		sent++
	}
	return sent, nil
}

// statusPush builds a StatusPush from the current host sample.
func (a *Agent) statusPush() *message.StatusPush {
	snap := a.collect()
	return &message.StatusPush{
		CPUUsage:       snap.CPUUsage,
		MemoryUsage:    snap.MemoryUsage,
		DiskUsage:      snap.DiskUsage,
		UptimeSecs:     snap.UptimeSecs,
		ActiveSessions: uint32(a.sessions.Len()),
		AIStatus:       a.cfg.AIStatus,
	}
}

func (a *Agent) sweepSessions() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if n := a.sessions.CleanupExpired(); n > 0 {
				a.logger.Info("expired sessions removed", logging.KeyCount, n)
				a.metrics.SetSessionsActive(a.sessions.Len())
			}
		}
	}
}

func (a *Agent) advertise() {
	addr := a.advertisedAddress()
	adv := &discovery.Advertiser{
		Group:    a.cfg.DiscoveryGroup,
		Interval: a.cfg.DiscoveryInterval,
		Logger:   a.logger,
		Peer: discovery.Peer{
			ID:           a.cfg.DeviceID,
			Name:         a.cfg.Name,
			Type:         a.cfg.Type,
			Address:      addr,
			Capabilities: a.cfg.Capabilities,
		},
	}
	if err := adv.Run(a.ctx); err != nil && a.ctx.Err() == nil {
		a.logger.Warn("discovery advertiser stopped", logging.KeyError, err)
	}
}

// advertisedAddress leaves the host empty for wildcard listeners so
// scanners fill in the beacon's source address.
func (a *Agent) advertisedAddress() string {
	addr := a.Addr()
	if addr == nil {
		return a.cfg.Listen
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		host = ""
	}
	return net.JoinHostPort(host, port)
}

// Stop closes the listener and every client, then waits for background
// work. It is safe to call more than once.
func (a *Agent) Stop() error {
	a.mu.Lock()
	if a.ln == nil {
		a.mu.Unlock()
		return ErrNotStarted
	}
	ln := a.ln
	a.mu.Unlock()

	var err error
	a.stopOnce.Do(func() {
		a.cancel()
		err = ln.Close()
		for _, c := range a.snapshotClients() {
			c.close()
		}
		a.wg.Wait()
		a.logger.Info("agent stopped")
	})
	return err
}

// Sessions exposes the session manager for status reporting.
func (a *Agent) Sessions() *crypto.SessionManager {
	return a.sessions
}

func handshakeReason(err error) string {
	switch {
	case errors.Is(err, peer.ErrHandshakeTimeout):
		return "timeout"
	case errors.Is(err, peer.ErrKeyExchangeMismatch):
		return "kex_mismatch"
	case errors.Is(err, protocol.ErrProtocolViolation):
		return "protocol"
	default:
		return "other"
	}
}
