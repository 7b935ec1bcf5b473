package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	quicMaxIdleTimeout  = 60 * time.Second
	quicKeepAlivePeriod = 15 * time.Second
)

// QUICTransport carries a session over a single bidirectional QUIC stream.
type QUICTransport struct{}

func (t *QUICTransport) Type() Type { return TypeQUIC }

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        quicMaxIdleTimeout,
		KeepAlivePeriod:       quicKeepAlivePeriod,
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
	}
}

// Dial opens a QUIC connection and its single stream.
func (t *QUICTransport) Dial(ctx context.Context, addr string, opts DialOptions) (net.Conn, error) {
	tlsConfig, err := clientTLS(opts.TLSConfig, opts.StrictVerify, addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "stream open failed")
		return nil, fmt.Errorf("quic open stream: %w", err)
	}
	return &quicStreamConn{conn: conn, Stream: stream}, nil
}

// Listen binds a UDP socket. A self-signed certificate is generated when
// opts.TLSConfig is nil.
func (t *QUICTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	tlsConfig, err := serverTLS(opts.TLSConfig)
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	return &QUICListener{ln: ln}, nil
}

// QUICListener accepts a connection and then its first stream.
type QUICListener struct {
	ln *quic.Listener
}

func (l *QUICListener) Accept(ctx context.Context) (net.Conn, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrListenerClosed, err)
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return nil, fmt.Errorf("quic accept stream: %w", err)
	}
	return &quicStreamConn{conn: conn, Stream: stream}, nil
}

func (l *QUICListener) Addr() net.Addr { return l.ln.Addr() }

func (l *QUICListener) Close() error { return l.ln.Close() }

// quicStreamConn adapts a stream plus its connection to net.Conn.
type quicStreamConn struct {
	quic.Stream
	conn      quic.Connection
	closeOnce sync.Once
}

func (c *quicStreamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *quicStreamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close tears down the stream and the connection under it.
func (c *quicStreamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.Stream.CancelRead(0)
		err = c.Stream.Close()
		c.conn.CloseWithError(0, "closed")
	})
	return err
}

var _ net.Conn = (*quicStreamConn)(nil)

// serverTLS returns cfg with the ALPN set, or a self-signed config.
func serverTLS(cfg *tls.Config) (*tls.Config, error) {
	if cfg == nil {
		certPEM, keyPEM, err := GenerateSelfSignedCert("edgeclaw-agent", 365*24*time.Hour)
		if err != nil {
			return nil, err
		}
		cfg, err = TLSConfigFromBytes(certPEM, keyPEM)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = cfg.Clone()
	}
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{ALPNProtocol}
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS13
	}
	return cfg, nil
}

// clientTLS prepares a client config. Without StrictVerify the certificate
// is not checked.
func clientTLS(cfg *tls.Config, strict bool, addr string) (*tls.Config, error) {
	if cfg == nil {
		cfg = &tls.Config{}
	} else {
		cfg = cfg.Clone()
	}
	if !strict {
		cfg.InsecureSkipVerify = true
	} else if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("server name from %q: %w", addr, err)
		}
		cfg.ServerName = host
	}
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{ALPNProtocol}
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS13
	}
	return cfg, nil
}
