// Package engine is the composition root of the sync client. An Engine owns
// one logical connection to the desktop agent: it resolves the target, runs
// the handshake, pumps frames through the session cipher and the message
// codec, and reconnects after unexpected drops.
package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeclaw/edgeclaw-sync/internal/crypto"
	"github.com/edgeclaw/edgeclaw-sync/internal/discovery"
	"github.com/edgeclaw/edgeclaw-sync/internal/logging"
	"github.com/edgeclaw/edgeclaw-sync/internal/message"
	"github.com/edgeclaw/edgeclaw-sync/internal/metrics"
	"github.com/edgeclaw/edgeclaw-sync/internal/peer"
	"github.com/edgeclaw/edgeclaw-sync/internal/protocol"
	"github.com/edgeclaw/edgeclaw-sync/internal/transport"
)

var (
	ErrNotConnected  = errors.New("not connected")
	ErrShutdown      = errors.New("engine shut down")
	ErrNoAddress     = errors.New("no target address")
	ErrDiscoveryOnly = errors.New("desktop discovered without a stream address")
	ErrExecTimeout   = errors.New("remote exec timed out")
	ErrRemote        = errors.New("remote error")
)

// Config is the engine's runtime configuration.
type Config struct {
	DeviceID     string
	Address      string
	Transport    transport.Type
	TLSConfig    *tls.Config
	StrictVerify bool
	WSPath       string
	Capabilities []string

	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	ExecTimeout       time.Duration
	// WriteTimeout bounds each frame write; 0 disables it.
	WriteTimeout time.Duration

	AutoReconnect bool
	Reconnect     peer.ReconnectConfig

	Cipher      string
	SessionTTL  time.Duration
	KeyExchange string
}

// DefaultConfig returns the stock client settings for deviceID.
func DefaultConfig(deviceID string) Config {
	return Config{
		DeviceID:          deviceID,
		Transport:         transport.TypeTCP,
		Capabilities:      protocol.DefaultCapabilities(),
		ConnectTimeout:    10 * time.Second,
		HandshakeTimeout:  peer.DefaultHandshakeTimeout,
		HeartbeatInterval: peer.DefaultHeartbeatInterval,
		ExecTimeout:       30 * time.Second,
		WriteTimeout:      peer.DefaultWriteTimeout,
		AutoReconnect:     true,
		Reconnect:         peer.DefaultReconnectConfig(),
		Cipher:            crypto.CipherChaCha20Poly1305,
		SessionTTL:        crypto.DefaultSessionTTL,
		KeyExchange:       crypto.KexX25519,
	}
}

// Options carries collaborators. Every field is optional.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Keys supplies the session key for the psk key exchange.
	Keys crypto.KeyProvider
	// Transport overrides the carrier chosen by Config.Transport.
	Transport transport.Transport
	// Selector resolves the target on Connect. Without one Config.Address
	// is dialed directly.
	Selector *discovery.Selector
	// Clock schedules reconnect attempts.
	Clock peer.Clock
	// Uptime reports seconds since start for heartbeats.
	Uptime func() uint64
}

// Stats is a snapshot of the engine's counters and latest observations.
// Counters only grow for the lifetime of the engine.
type Stats struct {
	State            peer.State
	Target           string
	SessionID        string
	ConnectedAt      time.Time
	MessagesSent     uint64
	MessagesReceived uint64
	ReconnectCount   uint64
	LastConfigHash   string
	LastStatus       *message.StatusPush
	LastExecResult   *message.RemoteExecResult
}

// link is one connection cycle: socket, heartbeat and receive loop.
type link struct {
	conn     *peer.Conn
	hb       *peer.Heartbeat
	stop     chan struct{}
	stopOnce sync.Once
	recvDone chan struct{}
	since    time.Time
}

func (l *link) stopping() bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}

// Engine is the sync client. Create one with New and release it with
// Shutdown.
type Engine struct {
	cfg        Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tr         transport.Transport
	selector   *discovery.Selector
	sessions   *crypto.SessionManager
	handshaker *peer.Handshaker
	states     *peer.StateMachine
	reconnect  *peer.Reconnector
	uptime     func() uint64

	ctx    context.Context
	cancel context.CancelFunc

	// connectMu serializes connection cycles: connect, teardown.
	connectMu sync.Mutex

	mu            sync.Mutex
	link          *link
	target        string
	closed        bool
	wanted        bool
	attemptCancel context.CancelFunc
	syncing       int

	// sendMu keeps nonce order equal to write order.
	sendMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   []func(message.Message)

	sent       atomic.Uint64
	received   atomic.Uint64
	reconnects atomic.Uint64

	statsMu        sync.Mutex
	lastConfigHash string
	lastStatus     *message.StatusPush
	lastExecResult *message.RemoteExecResult
	lastErr        error

	waitersMu sync.Mutex
	waiters   map[string][]chan *message.RemoteExecResult
}

// New builds an engine. Nothing is dialed until Connect.
func New(cfg Config, opts Options) (*Engine, error) {
	if cfg.DeviceID == "" {
		return nil, errors.New("device id is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.With(logging.KeyComponent, "engine", logging.KeyDeviceID, cfg.DeviceID)

	tr := opts.Transport
	if tr == nil {
		var err error
		if tr, err = transport.New(cfg.Transport); err != nil {
			return nil, err
		}
	}

	sessions, err := crypto.NewSessionManager(crypto.ManagerConfig{TTL: cfg.SessionTTL, Cipher: cfg.Cipher})
	if err != nil {
		return nil, err
	}
	hs, err := peer.NewHandshaker(peer.HandshakeConfig{
		DeviceID:     cfg.DeviceID,
		ClientType:   protocol.ClientTypeMobile,
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

	uptime := opts.Uptime
	if uptime == nil {
		start := time.Now()
		uptime = func() uint64 { return uint64(time.Since(start).Seconds()) }
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		metrics:    opts.Metrics,
		tr:         tr,
		selector:   opts.Selector,
		sessions:   sessions,
		handshaker: hs,
		states:     peer.NewStateMachine(),
		uptime:     uptime,
		ctx:        ctx,
		cancel:     cancel,
		waiters:    make(map[string][]chan *message.RemoteExecResult),
	}
	e.reconnect = peer.NewReconnector(cfg.Reconnect, opts.Clock, e.reconnectAttempt)
	e.reconnect.OnExhausted(func(n int) {
		e.logger.Warn("giving up on reconnect", logging.KeyAttempt, n)
	})
	e.states.OnChange(func(from, to peer.State) {
		e.metrics.SetConnectionState(int(to))
		e.logger.Debug("state changed", "from", from.String(), logging.KeyState, to.String())
	})
	return e, nil
}

// OnStateChanged registers a listener for lifecycle transitions. Listeners
// run in order, synchronously, and must not block.
func (e *Engine) OnStateChanged(fn func(from, to peer.State)) {
	e.states.OnChange(fn)
}

// OnMessage registers a handler for inbound messages. Handlers are called
// from the receive loop in wire order.
func (e *Engine) OnMessage(fn func(message.Message)) {
	e.handlersMu.Lock()
	e.handlers = append(e.handlers, fn)
	e.handlersMu.Unlock()
}

// State returns the current lifecycle state.
func (e *Engine) State() peer.State { return e.states.Current() }

// LastError returns the most recent connection, protocol or remote error.
func (e *Engine) LastError() error {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.lastErr
}

func (e *Engine) setLastError(err error) {
	e.statsMu.Lock()
	e.lastErr = err
	e.statsMu.Unlock()
}

// Stats returns a snapshot.
func (e *Engine) Stats() Stats {
	s := Stats{
		State:            e.states.Current(),
		MessagesSent:     e.sent.Load(),
		MessagesReceived: e.received.Load(),
		ReconnectCount:   e.reconnects.Load(),
	}

	e.mu.Lock()
	s.Target = e.target
	if e.link != nil {
		s.SessionID = e.link.conn.SessionID()
		s.ConnectedAt = e.link.since
	}
	e.mu.Unlock()

	e.statsMu.Lock()
	s.LastConfigHash = e.lastConfigHash
	if e.lastStatus != nil {
		st := *e.lastStatus
		s.LastStatus = &st
	}
	if e.lastExecResult != nil {
		r := *e.lastExecResult
		s.LastExecResult = &r
	}
	e.statsMu.Unlock()
	return s
}

// Sessions exposes the session table, mainly for status reporting.
func (e *Engine) Sessions() *crypto.SessionManager { return e.sessions }

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) currentLink() *link {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.link
}

// Connect resolves the target and opens a session. It returns nil if a
// session is already up. When reconnect is enabled a failed attempt keeps
// retrying in the background.
func (e *Engine) Connect(ctx context.Context) error {
	if e.isClosed() {
		return ErrShutdown
	}
	if e.State().Active() {
		return nil
	}
	e.reconnect.Cancel()
	e.reconnect.Reset()

	target, err := e.resolve(ctx)
	if err != nil {
		e.setLastError(err)
		return err
	}

	err = e.connectTo(ctx, target, false)
	if err != nil && e.cfg.AutoReconnect && !errors.Is(err, ErrShutdown) && !errors.Is(err, context.Canceled) {
		e.reconnect.Schedule()
	}
	return err
}

func (e *Engine) resolve(ctx context.Context) (string, error) {
	if e.selector != nil {
		res, err := e.selector.Resolve(ctx)
		if err != nil {
			return "", err
		}
		if res.Mode == discovery.ModeDiscoveryOnly {
			return "", ErrDiscoveryOnly
		}
		return res.Address, nil
	}
	if e.cfg.Transport == transport.TypeWebSocket && isURL(e.cfg.Address) {
		return e.cfg.Address, nil
	}
	addr, ok := discovery.StreamAddress(e.cfg.Address, protocol.DefaultPort)
	if !ok {
		return "", ErrNoAddress
	}
	return addr, nil
}

func isURL(s string) bool {
	return len(s) > 5 && (s[:5] == "ws://" || (len(s) > 6 && s[:6] == "wss://"))
}

// connectTo runs one connection cycle to addr: Connecting, Handshaking,
// Connected. Failures end in Error; cancellation ends in Disconnected. An
// automatic attempt is dropped if Disconnect ran since it was scheduled.
func (e *Engine) connectTo(ctx context.Context, addr string, auto bool) error {
	e.connectMu.Lock()
	defer e.connectMu.Unlock()

	e.mu.Lock()
	closed, wanted := e.closed, e.wanted
	if !auto {
		e.wanted = true
	}
	e.mu.Unlock()
	if closed {
		return ErrShutdown
	}
	if auto && !wanted {
		return fmt.Errorf("reconnect after disconnect: %w", context.Canceled)
	}
	if e.states.Current().Active() {
		return nil
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	e.mu.Lock()
	e.attemptCancel = cancel
	e.target = addr
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.attemptCancel = nil
		e.mu.Unlock()
	}()

	if err := e.states.TransitionFrom(peer.StateConnecting, peer.StateDisconnected, peer.StateError); err != nil {
		return err
	}
	if n := e.sessions.CleanupExpired(); n > 0 {
		e.logger.Debug("expired sessions removed", logging.KeyCount, n)
	}

	log := e.logger.With(logging.KeyAddress, addr, logging.KeyTransport, string(e.tr.Type()))
	log.Info("connecting")

	nc, err := e.tr.Dial(attemptCtx, addr, transport.DialOptions{
		Timeout:      e.cfg.ConnectTimeout,
		TLSConfig:    e.cfg.TLSConfig,
		StrictVerify: e.cfg.StrictVerify,
		Path:         e.cfg.WSPath,
	})
	if err != nil {
		e.metrics.RecordConnectAttempt(string(e.tr.Type()), false)
		return e.abortAttempt(attemptCtx, fmt.Errorf("dial %s: %w", addr, err))
	}
	e.metrics.RecordConnectAttempt(string(e.tr.Type()), true)

	if err := e.states.Transition(peer.StateHandshaking); err != nil {
		nc.Close()
		return err
	}
	conn := peer.NewConn(nc, e.tr.Type(), e.metrics)
	conn.SetWriteTimeout(e.cfg.WriteTimeout)

	start := time.Now()
	res, err := e.handshaker.Perform(attemptCtx, conn)
	if err != nil {
		conn.Close()
		e.metrics.RecordHandshakeError(handshakeReason(err))
		return e.abortAttempt(attemptCtx, fmt.Errorf("handshake with %s: %w", addr, err))
	}
	e.metrics.RecordHandshake(time.Since(start).Seconds())

	if attemptCtx.Err() != nil {
		conn.Close()
		e.sessions.Close(res.SessionID)
		return e.abortAttempt(attemptCtx, attemptCtx.Err())
	}

	l := &link{
		conn:     conn,
		stop:     make(chan struct{}),
		recvDone: make(chan struct{}),
		since:    time.Now(),
	}
	e.mu.Lock()
	e.link = l
	e.mu.Unlock()
	e.metrics.SetSessionsActive(e.sessions.Len())

	if err := e.states.Transition(peer.StateConnected); err != nil {
		close(l.recvDone)
		e.teardown(l)
		return err
	}

	l.hb = peer.StartHeartbeat(log, e.cfg.HeartbeatInterval, func() error {
		return e.sendHeartbeat(l)
	}, func(err error) {
		go e.handleLost(l, fmt.Errorf("heartbeat: %w", err))
	})
	go e.receiveLoop(l)

	e.reconnect.Reset()
	log.Info("connected",
		logging.KeySessionID, res.SessionID,
		logging.KeyPeerID, res.RemoteID,
		"key_exchange", res.KeyExchange,
		logging.KeyDuration, res.RTT)
	return nil
}

// abortAttempt ends a failed attempt. A cancelled attempt returns to
// Disconnected; anything else goes to Error.
func (e *Engine) abortAttempt(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		e.states.Transition(peer.StateDisconnected)
		if e.isClosed() {
			return ErrShutdown
		}
		return fmt.Errorf("connect cancelled: %w", context.Canceled)
	}
	e.setLastError(err)
	e.states.Fail(err)
	e.logger.Warn("connect failed", logging.KeyError, err)
	return err
}

func handshakeReason(err error) string {
	switch {
	case errors.Is(err, peer.ErrHandshakeTimeout):
		return "timeout"
	case errors.Is(err, peer.ErrHandshakeRejected):
		return "rejected"
	case errors.Is(err, peer.ErrKeyExchangeMismatch):
		return "key_exchange"
	case errors.Is(err, protocol.ErrProtocolViolation):
		return "protocol"
	default:
		return "io"
	}
}

func (e *Engine) reconnectAttempt(n int) error {
	e.mu.Lock()
	target := e.target
	closed := e.closed
	e.mu.Unlock()
	if closed || target == "" {
		return nil
	}

	e.reconnects.Add(1)
	e.metrics.RecordReconnect()
	e.logger.Info("reconnecting", logging.KeyAttempt, n, logging.KeyAddress, target)

	err := e.connectTo(e.ctx, target, true)
	if errors.Is(err, ErrShutdown) || errors.Is(err, context.Canceled) {
		// Disconnect or Shutdown won the race; stop retrying.
		return nil
	}
	return err
}

// handleLost tears down l after an unexpected failure and schedules a
// reconnect. Stale links are ignored.
func (e *Engine) handleLost(l *link, cause error) {
	e.connectMu.Lock()
	e.mu.Lock()
	current := e.link == l
	closed := e.closed
	e.mu.Unlock()
	if !current {
		e.connectMu.Unlock()
		return
	}

	e.logger.Warn("connection lost", logging.KeyError, cause)
	e.setLastError(cause)
	e.metrics.RecordDisconnect(disconnectReason(cause))
	e.teardown(l)
	e.connectMu.Unlock()

	if e.cfg.AutoReconnect && !closed {
		e.reconnect.Schedule()
	}
}

func disconnectReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrProtocolViolation):
		return "protocol"
	case errors.Is(err, protocol.ErrConnectionClosed):
		return "closed"
	default:
		return "io"
	}
}

// teardown stops the heartbeat, stops the receive loop, closes the socket
// and moves to Disconnected, in that order. Callers hold connectMu.
func (e *Engine) teardown(l *link) {
	// A writer stuck on a peer that stopped reading would otherwise keep
	// the heartbeat from ever exiting.
	l.conn.AbortWrites()
	if l.hb != nil {
		l.hb.Stop()
	}

	l.stopOnce.Do(func() { close(l.stop) })
	l.conn.SetReadDeadline(time.Unix(1, 0))
	select {
	case <-l.recvDone:
	case <-time.After(2 * time.Second):
		// Carrier ignored the deadline; closing the socket unblocks the read.
		l.conn.Close()
		<-l.recvDone
	}

	l.conn.Close()
	if id := l.conn.SessionID(); id != "" {
		e.sessions.Close(id)
	}
	e.metrics.SetSessionsActive(e.sessions.Len())

	e.mu.Lock()
	if e.link == l {
		e.link = nil
	}
	e.syncing = 0
	e.mu.Unlock()

	e.failWaiters()
	e.states.Transition(peer.StateDisconnected)
}

// Disconnect closes the current session and cancels pending reconnects.
// Calling it while disconnected does nothing.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	if e.attemptCancel != nil {
		e.attemptCancel()
	}
	e.mu.Unlock()
	e.reconnect.Cancel()

	e.connectMu.Lock()
	defer e.connectMu.Unlock()
	e.mu.Lock()
	e.wanted = false
	e.mu.Unlock()
	e.reconnect.Cancel()

	if l := e.currentLink(); l != nil {
		e.logger.Info("disconnecting")
		e.teardown(l)
		return
	}
	if e.states.Current() == peer.StateError {
		e.states.Transition(peer.StateDisconnected)
	}
}

// Shutdown disconnects and stops every background task. A reconnect in
// flight is aborted. The engine cannot be reused.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.reconnect.Stop()

	done := make(chan struct{})
	go func() {
		e.Disconnect()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) sendHeartbeat(l *link) error {
	payload, err := protocol.MarshalPayload(&protocol.Heartbeat{
		DeviceID:       e.cfg.DeviceID,
		UptimeSecs:     e.uptime(),
		ActiveSessions: uint32(e.sessions.Len()),
	})
	if err != nil {
		return err
	}
	if err := l.conn.WriteFrame(protocol.FrameHeartbeat, payload); err != nil {
		return err
	}
	e.metrics.RecordHeartbeatSent()
	return nil
}

// Send encrypts m under the current session and writes it as a data frame.
// Session errors are returned without touching the connection; a write
// failure tears the connection down.
func (e *Engine) Send(ctx context.Context, m message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := e.currentLink()
	if l == nil {
		return ErrNotConnected
	}

	data, err := message.Serialize(m)
	if err != nil {
		return err
	}
	e.sendMu.Lock()
	ct, err := e.sessions.Encrypt(l.conn.SessionID(), data)
	if err != nil {
		e.sendMu.Unlock()
		return fmt.Errorf("encrypt %s: %w", m.Kind(), err)
	}
	err = l.conn.WriteFrame(protocol.FrameData, ct)
	e.sendMu.Unlock()
	if err != nil {
		go e.handleLost(l, fmt.Errorf("write: %w", err))
		return fmt.Errorf("send %s: %w", m.Kind(), err)
	}

	e.sent.Add(1)
	e.metrics.RecordMessageSent(m.Kind())
	return nil
}

// beginSync marks the link as Syncing while at least one exchange is open.
func (e *Engine) beginSync() {
	e.mu.Lock()
	e.syncing++
	first := e.syncing == 1
	e.mu.Unlock()
	if first {
		e.states.TransitionFrom(peer.StateSyncing, peer.StateConnected)
	}
}

func (e *Engine) endSync() {
	e.mu.Lock()
	if e.syncing > 0 {
		e.syncing--
	}
	last := e.syncing == 0
	e.mu.Unlock()
	if last {
		e.states.TransitionFrom(peer.StateConnected, peer.StateSyncing)
	}
}

// RemoteExec asks the agent to run command and waits for its result. The
// wait is bounded by ctx and by the configured exec timeout.
func (e *Engine) RemoteExec(ctx context.Context, command string, args ...string) (*message.RemoteExecResult, error) {
	l := e.currentLink()
	if l == nil {
		return nil, ErrNotConnected
	}

	ch := make(chan *message.RemoteExecResult, 1)
	e.addWaiter(command, ch)
	defer e.removeWaiter(command, ch)

	e.beginSync()
	defer e.endSync()

	if err := e.Send(ctx, &message.RemoteExec{Command: command, Args: args}); err != nil {
		return nil, err
	}

	timeout := e.cfg.ExecTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res, ok := <-ch:
		if !ok || res == nil {
			return nil, ErrNotConnected
		}
		return res, nil
	case <-l.conn.Done():
		return nil, ErrNotConnected
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s", ErrExecTimeout, command)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PushConfig sends a ConfigSync to the agent.
func (e *Engine) PushConfig(ctx context.Context, hash, data string) error {
	e.beginSync()
	defer e.endSync()
	return e.Send(ctx, &message.ConfigSync{ConfigHash: hash, ConfigData: data})
}

func (e *Engine) addWaiter(command string, ch chan *message.RemoteExecResult) {
	e.waitersMu.Lock()
	e.waiters[command] = append(e.waiters[command], ch)
	e.waitersMu.Unlock()
}

func (e *Engine) removeWaiter(command string, ch chan *message.RemoteExecResult) {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	list := e.waiters[command]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(e.waiters, command)
	} else {
		e.waiters[command] = list
	}
}

// completeWaiter hands r to the oldest waiter for its command.
func (e *Engine) completeWaiter(r *message.RemoteExecResult) {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	list := e.waiters[r.Command]
	if len(list) == 0 {
		return
	}
	ch := list[0]
	e.waiters[r.Command] = list[1:]
	if len(list) == 1 {
		delete(e.waiters, r.Command)
	}
	cp := *r
	select {
	case ch <- &cp:
	default:
	}
}

func (e *Engine) failWaiters() {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	for cmd, list := range e.waiters {
		for _, ch := range list {
			select {
			case ch <- nil:
			default:
			}
		}
		delete(e.waiters, cmd)
	}
}
