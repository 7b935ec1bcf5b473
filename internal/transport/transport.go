// Package transport provides the byte-stream carriers a sync session runs
// over: plain TCP, a QUIC stream, or a WebSocket. Every carrier yields a
// net.Conn so the frame layer does not care which one is in use.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Type identifies a carrier.
type Type string

const (
	TypeTCP       Type = "tcp"
	TypeQUIC      Type = "quic"
	TypeWebSocket Type = "ws"
)

// ALPNProtocol is offered on QUIC and used as the WebSocket subprotocol.
const ALPNProtocol = "ecnp/1"

// DefaultWSPath is the HTTP path a WebSocket listener serves.
const DefaultWSPath = "/ecnp"

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("listener closed")

// Transport dials and listens for one carrier type.
type Transport interface {
	Dial(ctx context.Context, addr string, opts DialOptions) (net.Conn, error)
	Listen(addr string, opts ListenOptions) (Listener, error)
	Type() Type
}

// Listener accepts inbound sync connections.
type Listener interface {
	Accept(ctx context.Context) (net.Conn, error)
	Addr() net.Addr
	Close() error
}

// DialOptions configures an outbound connection.
type DialOptions struct {
	// Timeout bounds connection establishment. Zero means no extra bound
	// beyond ctx.
	Timeout time.Duration

	// TLSConfig is used by quic (required) and ws (selects wss).
	TLSConfig *tls.Config

	// StrictVerify enables certificate verification. Session payloads are
	// end-to-end encrypted, so by default the TLS layer is unauthenticated.
	StrictVerify bool

	// Path is the WebSocket path.
	Path string
}

// ListenOptions configures a listener.
type ListenOptions struct {
	TLSConfig *tls.Config
	Path      string
}

// ParseType validates a carrier name.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeTCP, TypeQUIC, TypeWebSocket:
		return t, nil
	case "":
		return TypeTCP, nil
	default:
		return "", fmt.Errorf("unknown transport %q", s)
	}
}

// New returns the Transport for t.
func New(t Type) (Transport, error) {
	switch t {
	case TypeTCP, "":
		return &TCPTransport{}, nil
	case TypeQUIC:
		return &QUICTransport{}, nil
	case TypeWebSocket:
		return &WebSocketTransport{}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", t)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
