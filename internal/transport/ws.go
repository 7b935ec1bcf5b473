package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// wsReadLimit leaves room for a maximum frame plus its header.
const wsReadLimit = (1 << 20) + 64

// WebSocketTransport carries a session as binary WebSocket messages.
type WebSocketTransport struct{}

func (t *WebSocketTransport) Type() Type { return TypeWebSocket }

// Dial accepts "host:port", "ws://..." or "wss://...". A bare address uses
// wss when opts.TLSConfig is set.
func (t *WebSocketTransport) Dial(ctx context.Context, addr string, opts DialOptions) (net.Conn, error) {
	url := wsURL(addr, opts)

	dialCtx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	dialOpts := &websocket.DialOptions{Subprotocols: []string{ALPNProtocol}}
	if strings.HasPrefix(url, "wss://") {
		host := strings.TrimPrefix(url, "wss://")
		if i := strings.IndexByte(host, '/'); i >= 0 {
			host = host[:i]
		}
		tlsConfig, err := clientTLS(opts.TLSConfig, opts.StrictVerify, host)
		if err != nil {
			return nil, err
		}
		tlsConfig.NextProtos = []string{"http/1.1"}
		dialOpts.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: tlsConfig}}
	}

	c, _, err := websocket.Dial(dialCtx, url, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	c.SetReadLimit(wsReadLimit)
	return websocket.NetConn(context.Background(), c, websocket.MessageBinary), nil
}

func wsURL(addr string, opts DialOptions) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	path := opts.Path
	if path == "" {
		path = DefaultWSPath
	}
	scheme := "ws"
	if opts.TLSConfig != nil {
		scheme = "wss"
	}
	return scheme + "://" + addr + path
}

// Listen serves WebSocket upgrades on opts.Path over HTTP, or HTTPS when
// opts.TLSConfig is set.
func (t *WebSocketTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	path := opts.Path
	if path == "" {
		path = DefaultWSPath
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("websocket listen %s: %w", addr, err)
	}

	l := &WebSocketListener{
		netLn:  ln,
		connCh: make(chan net.Conn),
		done:   make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handleUpgrade)
	l.server = &http.Server{
		Handler:           mux,
		TLSConfig:         opts.TLSConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if opts.TLSConfig != nil {
			l.server.ServeTLS(ln, "", "")
		} else {
			l.server.Serve(ln)
		}
	}()
	return l, nil
}

// WebSocketListener hands upgraded connections to Accept.
type WebSocketListener struct {
	server    *http.Server
	netLn     net.Listener
	connCh    chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func (l *WebSocketListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.done:
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	default:
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{ALPNProtocol},
	})
	if err != nil {
		return
	}
	c.SetReadLimit(wsReadLimit)
	conn := websocket.NetConn(context.Background(), c, websocket.MessageBinary)

	select {
	case l.connCh <- conn:
	case <-l.done:
		c.Close(websocket.StatusGoingAway, "server closed")
	}
}

func (l *WebSocketListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case c := <-l.connCh:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

func (l *WebSocketListener) Addr() net.Addr { return l.netLn.Addr() }

func (l *WebSocketListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = l.server.Shutdown(ctx)
	})
	return err
}
