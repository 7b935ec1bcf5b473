package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/edgeclaw/edgeclaw-sync/internal/crypto"
	"github.com/edgeclaw/edgeclaw-sync/internal/logging"
	"github.com/edgeclaw/edgeclaw-sync/internal/protocol"
)

// DefaultHandshakeTimeout bounds the handshake exchange.
const DefaultHandshakeTimeout = 10 * time.Second

var (
	// ErrHandshakeRejected means the remote answered with an error frame.
	ErrHandshakeRejected = errors.New("handshake rejected")
	// ErrHandshakeTimeout means no answer arrived in time.
	ErrHandshakeTimeout = errors.New("handshake timed out")
	// ErrKeyExchangeMismatch means the two sides disagree on key exchange.
	ErrKeyExchangeMismatch = errors.New("key exchange mismatch")
)

// Error codes carried in error frames during the handshake.
const (
	CodeBadHandshake       = "bad_handshake"
	CodeUnsupportedKex     = "unsupported_key_exchange"
	CodeKeyExchangeFailure = "key_exchange_failed"
)

// HandshakeResult is what both sides learn from a handshake.
type HandshakeResult struct {
	SessionID       string
	RemoteSessionID string
	RemoteID        string
	Capabilities    []string
	KeyExchange     string
	RTT             time.Duration
}

// HandshakeConfig configures a Handshaker.
type HandshakeConfig struct {
	DeviceID     string
	ClientType   string
	Capabilities []string
	KeyExchange  string
	Keys         crypto.KeyProvider
	Sessions     *crypto.SessionManager
	Timeout      time.Duration
	Logger       *slog.Logger
}

// Handshaker runs the ECNP handshake on a fresh connection and installs the
// resulting session key.
type Handshaker struct {
	cfg    HandshakeConfig
	logger *slog.Logger
}

// NewHandshaker applies defaults to cfg.
func NewHandshaker(cfg HandshakeConfig) (*Handshaker, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("handshaker needs a session manager")
	}
	if cfg.KeyExchange == "" {
		cfg.KeyExchange = crypto.KexX25519
	}
	if !crypto.ValidKeyExchange(cfg.KeyExchange) {
		return nil, fmt.Errorf("%w: %q", crypto.ErrUnknownKeyExchange, cfg.KeyExchange)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHandshakeTimeout
	}
	if cfg.ClientType == "" {
		cfg.ClientType = protocol.ClientTypeMobile
	}
	if cfg.Capabilities == nil {
		cfg.Capabilities = protocol.DefaultCapabilities()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Handshaker{cfg: cfg, logger: logger.With(logging.KeyComponent, "handshake")}, nil
}

// armDeadline applies the handshake timeout and ctx cancellation to c. The
// returned func clears both.
func (h *Handshaker) armDeadline(ctx context.Context, c *Conn) func() {
	c.SetDeadline(time.Now().Add(h.cfg.Timeout))
	stop := context.AfterFunc(ctx, func() {
		c.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		c.SetDeadline(time.Time{})
	}
}

func (h *Handshaker) readErr(ctx context.Context, what string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %s", ErrHandshakeTimeout, what)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// Perform runs the initiating side: send the handshake, wait for the ack,
// derive the session key.
func (h *Handshaker) Perform(ctx context.Context, c *Conn) (*HandshakeResult, error) {
	disarm := h.armDeadline(ctx, c)
	defer disarm()

	start := time.Now()
	info := h.cfg.Sessions.Reserve(c.RemoteAddr(), crypto.RoleInitiator)
	ok := false
	defer func() {
		if !ok {
			h.cfg.Sessions.Close(info.ID)
		}
	}()

	ini, err := crypto.NewInitiator(h.cfg.KeyExchange, h.cfg.Keys)
	if err != nil {
		return nil, err
	}
	offer := ini.Offer()

	hs := protocol.NewHandshake(h.cfg.DeviceID)
	hs.ClientType = h.cfg.ClientType
	hs.Capabilities = h.cfg.Capabilities
	hs.KeyExchange = ini.Mode()
	hs.PublicKey = offer.PublicKey
	hs.EncapsulationKey = offer.EncapsulationKey
	hs.Nonce = offer.Nonce

	payload, err := protocol.MarshalPayload(hs)
	if err != nil {
		return nil, err
	}
	if err := c.WriteFrame(protocol.FrameHandshake, payload); err != nil {
		return nil, h.readErr(ctx, "send handshake", err)
	}

	f, err := c.ReadFrame()
	if err != nil {
		return nil, h.readErr(ctx, "read handshake ack", err)
	}

	switch f.Type {
	case protocol.FrameAck:
	case protocol.FrameError:
		var ep protocol.ErrorPayload
		if err := protocol.UnmarshalPayload(f.Payload, &ep); err != nil {
			return nil, fmt.Errorf("%w: undecodable error frame", ErrHandshakeRejected)
		}
		return nil, fmt.Errorf("%w: %s", ErrHandshakeRejected, ep.Error())
	default:
		return nil, fmt.Errorf("%w: %w: expected ack, got %s", ErrHandshakeRejected, protocol.ErrProtocolViolation, protocol.FrameTypeName(f.Type))
	}

	var ack protocol.HandshakeAck
	if err := protocol.UnmarshalPayload(f.Payload, &ack); err != nil {
		return nil, err
	}
	if ack.KeyExchange != ini.Mode() && !(ini.Mode() == crypto.KexPSK && ack.KeyExchange == "") {
		return nil, fmt.Errorf("%w: offered %s, got %q", ErrKeyExchangeMismatch, ini.Mode(), ack.KeyExchange)
	}

	key, err := ini.Complete(crypto.Reply{PublicKey: ack.PublicKey, Ciphertext: ack.Ciphertext, Nonce: ack.Nonce})
	if err != nil {
		return nil, fmt.Errorf("complete key exchange: %w", err)
	}
	_, err = h.cfg.Sessions.Establish(info.ID, key)
	crypto.ZeroKey(&key)
	if err != nil {
		return nil, err
	}

	ok = true
	c.bind(info.ID, ack.DeviceID)
	res := &HandshakeResult{
		SessionID:       info.ID,
		RemoteSessionID: ack.SessionID,
		RemoteID:        ack.DeviceID,
		Capabilities:    ack.Capabilities,
		KeyExchange:     ini.Mode(),
		RTT:             time.Since(start),
	}
	h.logger.Debug("handshake complete",
		logging.KeySessionID, res.SessionID,
		logging.KeyPeerID, res.RemoteID,
		"key_exchange", res.KeyExchange,
		logging.KeyDuration, res.RTT)
	return res, nil
}

// Accept runs the responding side. A handshake without a key exchange field
// is treated as psk.
func (h *Handshaker) Accept(ctx context.Context, c *Conn) (*HandshakeResult, error) {
	disarm := h.armDeadline(ctx, c)
	defer disarm()

	f, err := c.ReadFrame()
	if err != nil {
		return nil, h.readErr(ctx, "read handshake", err)
	}
	if f.Type != protocol.FrameHandshake {
		h.reject(c, CodeBadHandshake, "expected handshake")
		return nil, fmt.Errorf("%w: expected handshake, got %s", protocol.ErrProtocolViolation, protocol.FrameTypeName(f.Type))
	}

	var hs protocol.Handshake
	if err := protocol.UnmarshalPayload(f.Payload, &hs); err != nil {
		h.reject(c, CodeBadHandshake, "malformed handshake")
		return nil, err
	}
	if err := hs.Validate(); err != nil {
		h.reject(c, CodeBadHandshake, err.Error())
		return nil, err
	}

	mode := hs.KeyExchange
	if mode == "" {
		mode = crypto.KexPSK
	}
	if mode != h.cfg.KeyExchange {
		h.reject(c, CodeUnsupportedKex, fmt.Sprintf("expected %s", h.cfg.KeyExchange))
		return nil, fmt.Errorf("%w: want %s, peer offered %s", ErrKeyExchangeMismatch, h.cfg.KeyExchange, mode)
	}

	key, reply, err := crypto.Respond(mode, h.cfg.Keys, crypto.Offer{
		PublicKey:        hs.PublicKey,
		EncapsulationKey: hs.EncapsulationKey,
		Nonce:            hs.Nonce,
	})
	if err != nil {
		h.reject(c, CodeKeyExchangeFailure, "key exchange failed")
		return nil, fmt.Errorf("respond to key exchange: %w", err)
	}
	info, err := h.cfg.Sessions.Create(hs.DeviceID, key, crypto.RoleResponder)
	crypto.ZeroKey(&key)
	if err != nil {
		return nil, err
	}

	ack := protocol.HandshakeAck{
		DeviceID:     h.cfg.DeviceID,
		SessionID:    info.ID,
		Capabilities: h.cfg.Capabilities,
		PublicKey:    reply.PublicKey,
		Ciphertext:   reply.Ciphertext,
		Nonce:        reply.Nonce,
	}
	if hs.KeyExchange != "" {
		ack.KeyExchange = mode
	}
	payload, err := protocol.MarshalPayload(&ack)
	if err != nil {
		h.cfg.Sessions.Close(info.ID)
		return nil, err
	}
	if err := c.WriteFrame(protocol.FrameAck, payload); err != nil {
		h.cfg.Sessions.Close(info.ID)
		return nil, h.readErr(ctx, "send handshake ack", err)
	}

	c.bind(info.ID, hs.DeviceID)
	h.logger.Debug("handshake accepted",
		logging.KeySessionID, info.ID,
		logging.KeyPeerID, hs.DeviceID,
		"client_type", hs.ClientType)
	return &HandshakeResult{
		SessionID:    info.ID,
		RemoteID:     hs.DeviceID,
		Capabilities: hs.Capabilities,
		KeyExchange:  mode,
	}, nil
}

func (h *Handshaker) reject(c *Conn, code, msg string) {
	payload, err := protocol.MarshalPayload(&protocol.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	if err := c.WriteFrame(protocol.FrameError, payload); err != nil {
		h.logger.Debug("failed to send rejection", logging.KeyError, err)
	}
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
