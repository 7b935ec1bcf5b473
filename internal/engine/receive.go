package engine

import (
	"errors"
	"fmt"

	"github.com/edgeclaw/edgeclaw-sync/internal/crypto"
	"github.com/edgeclaw/edgeclaw-sync/internal/logging"
	"github.com/edgeclaw/edgeclaw-sync/internal/message"
	"github.com/edgeclaw/edgeclaw-sync/internal/protocol"
	"github.com/edgeclaw/edgeclaw-sync/internal/recovery"
)

// receiveLoop is the only reader of l's socket. Frames are handled in the
// order they arrive.
func (e *Engine) receiveLoop(l *link) {
	defer close(l.recvDone)
	defer recovery.RecoverWithCallback(e.logger, "receive loop", func(r any) {
		go e.handleLost(l, fmt.Errorf("receive loop panic: %v", r))
	})

	for {
		f, err := l.conn.ReadFrame()
		if err != nil {
			if l.stopping() {
				return
			}
			if errors.Is(err, protocol.ErrProtocolViolation) {
				err = fmt.Errorf("closing connection: %w", err)
			}
			go e.handleLost(l, err)
			return
		}

		switch f.Type {
		case protocol.FrameData:
			e.handleData(l, f.Payload)
		case protocol.FrameHeartbeat:
			e.metrics.RecordHeartbeatRecv()
			var hb protocol.Heartbeat
			if err := protocol.UnmarshalPayload(f.Payload, &hb); err == nil {
				e.logger.Debug("heartbeat", logging.KeyPeerID, hb.DeviceID, "uptime_secs", hb.UptimeSecs)
			}
		case protocol.FrameError:
			var ep protocol.ErrorPayload
			if err := protocol.UnmarshalPayload(f.Payload, &ep); err != nil {
				ep.Message = "undecodable error frame"
			}
			remote := fmt.Errorf("%w: %s", ErrRemote, ep.Error())
			e.setLastError(remote)
			e.logger.Warn("peer reported error", logging.KeyError, remote)
		default:
			e.logger.Debug("ignoring frame", logging.KeyFrameType, protocol.FrameTypeName(f.Type))
		}
	}
}

func (e *Engine) handleData(l *link, payload []byte) {
	plain, err := e.sessions.Decrypt(l.conn.SessionID(), payload)
	if err != nil {
		e.metrics.RecordDecryptError(crypto.FailureReason(err))
		e.metrics.RecordMessageDropped("decrypt")
		e.logger.Warn("dropping undecryptable frame", logging.KeyError, err)
		return
	}

	m, err := message.Decode(plain)
	if err != nil {
		e.metrics.RecordMessageDropped("decode")
		e.logger.Warn("dropping message", logging.KeyError, err)
		return
	}

	e.received.Add(1)
	e.metrics.RecordMessageReceived(m.Kind())
	e.apply(m)

	e.handlersMu.RLock()
	handlers := make([]func(message.Message), len(e.handlers))
	copy(handlers, e.handlers)
	e.handlersMu.RUnlock()

	for _, h := range handlers {
		e.callHandler(h, m)
	}
}

func (e *Engine) callHandler(h func(message.Message), m message.Message) {
	defer recovery.RecoverWithLog(e.logger, "message handler")
	h(m)
}

// apply records m in the engine's latest-value snapshots.
func (e *Engine) apply(m message.Message) {
	switch v := m.(type) {
	case *message.ConfigSync:
		e.statsMu.Lock()
		e.lastConfigHash = v.ConfigHash
		e.statsMu.Unlock()
	case *message.StatusPush:
		st := *v
		e.statsMu.Lock()
		e.lastStatus = &st
		e.statsMu.Unlock()
	case *message.RemoteExecResult:
		r := *v
		e.statsMu.Lock()
		e.lastExecResult = &r
		e.statsMu.Unlock()
		e.completeWaiter(v)
	case *message.RemoteExec:
		e.logger.Debug("ignoring remote exec request from agent", "command", v.Command)
	}
}
