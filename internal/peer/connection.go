package peer

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeclaw/edgeclaw-sync/internal/metrics"
	"github.com/edgeclaw/edgeclaw-sync/internal/protocol"
	"github.com/edgeclaw/edgeclaw-sync/internal/transport"
)

// ErrWriteTimeout is returned when a frame could not be written within the
// write timeout, usually because the peer stopped reading.
var ErrWriteTimeout = errors.New("write timed out")

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 10 * time.Second

// Conn is a framed connection. Reads are expected from a single goroutine;
// writes may come from any goroutine.
type Conn struct {
	conn      net.Conn
	transport transport.Type
	metrics   *metrics.Metrics

	reader  *protocol.FrameReader
	writer  *protocol.FrameWriter
	writeMu sync.Mutex

	writeTimeout atomic.Int64 // nanoseconds, 0 = unbounded
	aborted      atomic.Bool

	lastActivity atomic.Int64
	sessionID    atomic.Value // string
	remoteID     atomic.Value // string

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps an established socket.
func NewConn(c net.Conn, tr transport.Type, m *metrics.Metrics) *Conn {
	conn := &Conn{
		conn:      c,
		transport: tr,
		metrics:   m,
		reader:    protocol.NewFrameReader(c),
		writer:    protocol.NewFrameWriter(c),
		closed:    make(chan struct{}),
	}
	conn.touch()
	return conn
}

// ReadFrame blocks for the next frame.
func (c *Conn) ReadFrame() (*protocol.Frame, error) {
	f, err := c.reader.Read()
	if err != nil {
		if c.isClosed() {
			return nil, protocol.ErrConnectionClosed
		}
		return nil, err
	}
	c.touch()
	c.metrics.RecordFrameReceived(protocol.FrameTypeName(f.Type), protocol.HeaderSize+len(f.Payload))
	return f, nil
}

// SetWriteTimeout bounds every later WriteFrame. A peer that stops reading
// then produces a write error instead of blocking the writer forever.
func (c *Conn) SetWriteTimeout(d time.Duration) {
	c.writeTimeout.Store(int64(d))
}

// AbortWrites fails the write in progress and every later one. Reads are
// unaffected.
func (c *Conn) AbortWrites() {
	c.aborted.Store(true)
	c.conn.SetWriteDeadline(time.Unix(1, 0))
}

// WriteFrame sends one frame. Concurrent callers are serialized.
func (c *Conn) WriteFrame(frameType uint8, payload []byte) error {
	if c.isClosed() || c.aborted.Load() {
		return protocol.ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if d := time.Duration(c.writeTimeout.Load()); d > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(d))
	}
	// Checked after arming the deadline: an AbortWrites that lands later
	// overrides it.
	if c.aborted.Load() {
		return protocol.ErrConnectionClosed
	}

	if err := c.writer.WriteFrame(frameType, payload); err != nil {
		if c.isClosed() || c.aborted.Load() || errors.Is(err, net.ErrClosed) {
			return protocol.ErrConnectionClosed
		}
		if isTimeout(err) {
			return fmt.Errorf("%w: %s frame", ErrWriteTimeout, protocol.FrameTypeName(frameType))
		}
		return err
	}
	c.touch()
	c.metrics.RecordFrameSent(protocol.FrameTypeName(frameType), protocol.HeaderSize+len(payload))
	return nil
}

// SetDeadline bounds both reads and writes. A zero time clears it.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline bounds the next read.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SessionID returns the session bound by the handshake.
func (c *Conn) SessionID() string {
	s, _ := c.sessionID.Load().(string)
	return s
}

// RemoteID returns the peer's device id from the handshake.
func (c *Conn) RemoteID() string {
	s, _ := c.remoteID.Load().(string)
	return s
}

func (c *Conn) bind(sessionID, remoteID string) {
	c.sessionID.Store(sessionID)
	c.remoteID.Store(remoteID)
}

// Transport returns the transport the socket was opened with.
func (c *Conn) Transport() transport.Type { return c.transport }

// LastActivity returns the time of the last frame in either direction.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// RemoteAddr returns the remote address, or "" if unknown.
func (c *Conn) RemoteAddr() string { return addrString(c.conn.RemoteAddr()) }

// LocalAddr returns the local address, or "" if unknown.
func (c *Conn) LocalAddr() string { return addrString(c.conn.LocalAddr()) }

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// Close closes the socket once. Later calls return nil.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.closed }

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) String() string {
	return fmt.Sprintf("Conn{transport=%s, remote=%s, session=%s}", c.transport, c.RemoteAddr(), c.SessionID())
}
