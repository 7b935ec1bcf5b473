package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// TCPTransport carries sessions over plain TCP.
type TCPTransport struct{}

func (t *TCPTransport) Type() Type { return TypeTCP }

// Dial connects to addr and disables Nagle so small frames go out at once.
func (t *TCPTransport) Dial(ctx context.Context, addr string, opts DialOptions) (net.Conn, error) {
	ctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(30 * time.Second)
	}
	return conn, nil
}

// Listen binds addr.
func (t *TCPTransport) Listen(addr string, _ ListenOptions) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen %s: %w", addr, err)
	}
	return &TCPListener{ln: ln, done: make(chan struct{})}, nil
}

// TCPListener wraps net.Listener with a context-aware Accept.
type TCPListener struct {
	ln        net.Listener
	done      chan struct{}
	closeOnce sync.Once
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// Accept waits for a connection, ctx cancellation, or Close.
func (l *TCPListener) Accept(ctx context.Context) (net.Conn, error) {
	ch := make(chan acceptResult, 1)
	go func() {
		c, err := l.ln.Accept()
		ch <- acceptResult{c, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			select {
			case <-l.done:
				return nil, ErrListenerClosed
			default:
			}
			return nil, r.err
		}
		return r.conn, nil
	case <-ctx.Done():
		// Unblock the pending Accept; the listener cannot be reused.
		l.Close()
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }

func (l *TCPListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.ln.Close()
	})
	return err
}
