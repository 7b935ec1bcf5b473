package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edgeclaw/edgeclaw-sync/internal/crypto"
	"github.com/edgeclaw/edgeclaw-sync/internal/logging"
	"github.com/edgeclaw/edgeclaw-sync/internal/message"
	"github.com/edgeclaw/edgeclaw-sync/internal/peer"
	"github.com/edgeclaw/edgeclaw-sync/internal/policy"
	"github.com/edgeclaw/edgeclaw-sync/internal/protocol"
	"github.com/edgeclaw/edgeclaw-sync/internal/recovery"
	"github.com/edgeclaw/edgeclaw-sync/internal/sysinfo"
)

// client is one accepted, handshaken connection.
type client struct {
	a           *Agent
	conn        *peer.Conn
	sessionID   string
	remoteID    string
	remoteCaps  []string
	connectedAt time.Time
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// sendMu keeps nonce order equal to write order.
	sendMu sync.Mutex
	// wg tracks the status loop and exec handlers.
	wg sync.WaitGroup
}

func newClient(a *Agent, conn *peer.Conn, res *peer.HandshakeResult) *client {
	ctx, cancel := context.WithCancel(a.ctx)
	return &client{
		a:           a,
		conn:        conn,
		sessionID:   res.SessionID,
		remoteID:    res.RemoteID,
		remoteCaps:  res.Capabilities,
		connectedAt: time.Now(),
		logger:      a.logger.With(logging.KeyPeerID, res.RemoteID, logging.KeySessionID, res.SessionID),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (c *client) info() ClientInfo {
	return ClientInfo{
		RemoteID:    c.remoteID,
		SessionID:   c.sessionID,
		RemoteAddr:  c.conn.RemoteAddr(),
		Transport:   string(c.conn.Transport()),
		ConnectedAt: c.connectedAt,
	}
}

func (c *client) wants(capability string) bool {
	// Clients that announce nothing get everything.
	if len(c.remoteCaps) == 0 {
		return true
	}
	for _, have := range c.remoteCaps {
		if have == capability {
			return true
		}
	}
	return false
}

// run sends the initial snapshots, then reads until the connection ends.
func (c *client) run() {
	defer c.close()

	if c.wants(protocol.CapConfigSync) {
		c.pushConfig()
	}
	if c.wants(protocol.CapStatusPush) {
		c.pushStatus()
		if c.a.cfg.StatusInterval > 0 {
			c.goTracked("status loop", c.statusLoop)
		}
	}

	c.receiveLoop()
	c.cancel()
	c.wg.Wait()
}

func (c *client) close() {
	c.cancel()
	c.conn.AbortWrites()
	c.conn.Close()
}

// send encrypts m under the client's session and writes it.
func (c *client) send(m message.Message) error {
	data, err := message.Serialize(m)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	ct, err := c.a.sessions.Encrypt(c.sessionID, data)
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", m.Kind(), err)
	}
	if err := c.conn.WriteFrame(protocol.FrameData, ct); err != nil {
		return fmt.Errorf("send %s: %w", m.Kind(), err)
	}
	c.a.metrics.RecordMessageSent(m.Kind())
	return nil
}

func (c *client) pushConfig() {
	m, ok, err := c.a.loadConfigSync()
	if !ok {
		return
	}
	if err != nil {
		c.logger.Warn("config sync skipped", logging.KeyError, err)
		return
	}
	if err := c.send(m); err != nil {
		c.logger.Warn("config sync failed", logging.KeyError, err)
		return
	}
	c.a.configPushes.Add(1)
	c.logger.Debug("config sync sent", "config_hash", m.ConfigHash)
}

func (c *client) pushStatus() {
	if err := c.send(c.a.statusPush()); err != nil {
		c.logger.Debug("status push failed", logging.KeyError, err)
		return
	}
	c.a.statusPushes.Add(1)
	c.a.metrics.RecordStatusPush()
}

// goTracked runs fn on its own goroutine; run waits for it before closing.
func (c *client) goTracked(name string, fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer recovery.RecoverWithLog(c.logger, name)
		fn()
	}()
}

func (c *client) statusLoop() {
	ticker := time.NewTicker(c.a.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.pushStatus()
		}
	}
}

func (c *client) receiveLoop() {
	defer recovery.RecoverWithLog(c.logger, "client receive loop")

	for {
		f, err := c.conn.ReadFrame()
		if err != nil {
			if c.ctx.Err() == nil && !errors.Is(err, protocol.ErrConnectionClosed) {
				c.logger.Info("client read failed", logging.KeyError, err)
			}
			return
		}

		switch f.Type {
		case protocol.FrameData:
			c.handleData(f.Payload)
		case protocol.FrameHeartbeat:
			c.a.metrics.RecordHeartbeatRecv()
			c.replyHeartbeat()
		case protocol.FrameError:
			var ep protocol.ErrorPayload
			if err := protocol.UnmarshalPayload(f.Payload, &ep); err != nil {
				ep.Message = "undecodable error frame"
			}
			c.logger.Warn("client reported error", logging.KeyError, ep.Error())
		case protocol.FrameHandshake:
			c.logger.Warn("handshake on established session, closing")
			return
		default:
			c.logger.Debug("ignoring frame", logging.KeyFrameType, protocol.FrameTypeName(f.Type))
		}
	}
}

func (c *client) replyHeartbeat() {
	snap := c.a.collect()
	payload, err := protocol.MarshalPayload(&protocol.Heartbeat{
		DeviceID:       c.a.cfg.DeviceID,
		UptimeSecs:     sysinfo.UptimeSeconds(),
		CPUUsage:       float32(snap.CPUUsage),
		MemoryUsage:    float32(snap.MemoryUsage),
		ActiveSessions: uint32(c.a.sessions.Len()),
	})
	if err != nil {
		return
	}
	if err := c.conn.WriteFrame(protocol.FrameHeartbeat, payload); err != nil {
		c.logger.Debug("heartbeat reply failed", logging.KeyError, err)
		return
	}
	c.a.metrics.RecordHeartbeatSent()
}

func (c *client) handleData(payload []byte) {
	plain, err := c.a.sessions.Decrypt(c.sessionID, payload)
	if err != nil {
		c.a.metrics.RecordDecryptError(crypto.FailureReason(err))
		c.a.metrics.RecordMessageDropped("decrypt")
		c.logger.Warn("dropping undecryptable frame", logging.KeyError, err)
		return
	}
	m, err := message.Decode(plain)
	if err != nil {
		c.a.metrics.RecordMessageDropped("decode")
		c.logger.Warn("dropping message", logging.KeyError, err)
		return
	}
	c.a.metrics.RecordMessageReceived(m.Kind())

	switch v := m.(type) {
	case *message.RemoteExec:
		req := *v
		c.goTracked("remote exec", func() { c.handleExec(&req) })
	case *message.ConfigSync:
		// Clients echo configuration back when they edit it locally.
		c.logger.Info("client pushed config", "config_hash", v.ConfigHash, "bytes", len(v.ConfigData))
	default:
		c.logger.Debug("ignoring message", logging.KeyMessage, m.Kind())
	}
}

// handleExec always answers with a RemoteExecResult. Refusals carry exit
// code -1 and the reason in stderr.
func (c *client) handleExec(req *message.RemoteExec) {
	res := &message.RemoteExecResult{Command: req.Command, ExitCode: -1}
	start := time.Now()
	outcome := c.execute(req, res)
	c.a.metrics.RecordExec(outcome, time.Since(start).Seconds())

	if err := c.send(res); err != nil {
		c.logger.Warn("exec result not delivered", "command", req.Command, logging.KeyError, err)
	}
}

func (c *client) execute(req *message.RemoteExec, res *message.RemoteExecResult) string {
	decision, err := c.a.policy.Evaluate(policy.CapShellExec, c.a.cfg.Role)
	if err != nil || !decision.Allowed {
		reason := decision.Reason
		if err != nil {
			reason = err.Error()
		}
		c.a.execDenied.Add(1)
		res.Stderr = "denied: " + reason
		c.logger.Warn("remote exec denied by policy", "command", req.Command, "reason", reason)
		return "denied"
	}

	out, err := c.a.exec.Run(c.ctx, req.Command, req.Args)
	if err != nil {
		c.a.execDenied.Add(1)
		res.Stderr = err.Error()
		c.logger.Warn("remote exec refused", "command", req.Command, logging.KeyError, err)
		if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTooManyCommands) {
			return "throttled"
		}
		return "refused"
	}

	c.a.execRun.Add(1)
	res.ExitCode = out.ExitCode
	res.Stdout = out.Stdout
	res.Stderr = out.Stderr
	if out.Truncated {
		res.Stderr = appendLine(res.Stderr, "[output truncated]")
	}
	c.logger.Info("remote exec finished",
		"command", req.Command,
		"exit_code", out.ExitCode,
		logging.KeyDuration, out.Duration)
	if out.ExitCode == 0 {
		return "ok"
	}
	return "failed"
}
