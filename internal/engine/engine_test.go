package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgeclaw/edgeclaw-sync/internal/crypto"
	"github.com/edgeclaw/edgeclaw-sync/internal/message"
	"github.com/edgeclaw/edgeclaw-sync/internal/peer"
	"github.com/edgeclaw/edgeclaw-sync/internal/protocol"
	"github.com/edgeclaw/edgeclaw-sync/internal/transport"
)

// testDesktop is a minimal agent: it accepts, answers the handshake and
// hands each session to the test.
type testDesktop struct {
	t        *testing.T
	ln       net.Listener
	sessions *crypto.SessionManager
	hs       *peer.Handshaker
	conns    chan *desktopConn
}

type desktopConn struct {
	raw       net.Conn
	conn      *peer.Conn
	sessionID string
	sessions  *crypto.SessionManager
}

func newTestDesktop(t *testing.T) *testDesktop {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	sessions, err := crypto.NewSessionManager(crypto.ManagerConfig{})
	if err != nil {
		t.Fatal(err)
	}
	hs, err := peer.NewHandshaker(peer.HandshakeConfig{
		DeviceID:   "desktop-1",
		ClientType: protocol.ClientTypeDesktop,
		Sessions:   sessions,
		Timeout:    2 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	d := &testDesktop{t: t, ln: ln, sessions: sessions, hs: hs, conns: make(chan *desktopConn, 8)}
	go d.serve()
	t.Cleanup(func() { ln.Close() })
	return d
}

func (d *testDesktop) serve() {
	for {
		nc, err := d.ln.Accept()
		if err != nil {
			return
		}
		c := peer.NewConn(nc, transport.TypeTCP, nil)
		res, err := d.hs.Accept(context.Background(), c)
		if err != nil {
			c.Close()
			continue
		}
		d.conns <- &desktopConn{raw: nc, conn: c, sessionID: res.SessionID, sessions: d.sessions}
	}
}

func (d *testDesktop) addr() string { return d.ln.Addr().String() }

func (d *testDesktop) next(t *testing.T) *desktopConn {
	t.Helper()
	select {
	case c := <-d.conns:
		t.Cleanup(func() { c.conn.Close() })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func (c *desktopConn) send(t *testing.T, m message.Message) {
	t.Helper()
	data, err := message.Serialize(m)
	if err != nil {
		t.Fatal(err)
	}
	c.sendRaw(t, data)
}

func (c *desktopConn) sendRaw(t *testing.T, plain []byte) {
	t.Helper()
	ct, err := c.sessions.Encrypt(c.sessionID, plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := c.conn.WriteFrame(protocol.FrameData, ct); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// recv returns the next data message, skipping heartbeats.
func (c *desktopConn) recv() (message.Message, error) {
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		f, err := c.conn.ReadFrame()
		if err != nil {
			return nil, err
		}
		if f.Type != protocol.FrameData {
			continue
		}
		plain, err := c.sessions.Decrypt(c.sessionID, f.Payload)
		if err != nil {
			return nil, err
		}
		return message.Decode(plain)
	}
}

func (c *desktopConn) reply(m message.Message) error {
	data, err := message.Serialize(m)
	if err != nil {
		return err
	}
	ct, err := c.sessions.Encrypt(c.sessionID, data)
	if err != nil {
		return err
	}
	return c.conn.WriteFrame(protocol.FrameData, ct)
}

type stateLog struct {
	mu    sync.Mutex
	steps []string
}

func (s *stateLog) record(from, to peer.State) {
	s.mu.Lock()
	s.steps = append(s.steps, from.String()+">"+to.String())
	s.mu.Unlock()
}

func (s *stateLog) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.steps...)
}

func containsRun(steps []string, run ...string) bool {
	for i := 0; i+len(run) <= len(steps); i++ {
		ok := true
		for j := range run {
			if steps[i+j] != run[j] {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestEngine(t *testing.T, addr string, tweak func(*Config)) (*Engine, *stateLog) {
	t.Helper()
	cfg := DefaultConfig("phone-1")
	cfg.Address = addr
	cfg.ConnectTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.HeartbeatInterval = time.Hour
	cfg.ExecTimeout = 5 * time.Second
	cfg.Reconnect = peer.ReconnectConfig{Delay: 50 * time.Millisecond}
	if tweak != nil {
		tweak(&cfg)
	}
	e, err := New(cfg, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log := &stateLog{}
	e.OnStateChanged(log.record)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Shutdown(ctx)
	})
	return e, log
}

func TestConnectDisconnect(t *testing.T) {
	d := newTestDesktop(t)
	e, log := newTestEngine(t, d.addr(), nil)

	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	d.next(t)
	if e.State() != peer.StateConnected {
		t.Fatalf("state = %s", e.State())
	}
	if s := e.Stats(); s.SessionID == "" || s.Target != d.addr() {
		t.Errorf("stats = %+v", s)
	}
	if err := e.Connect(context.Background()); err != nil {
		t.Errorf("second Connect: %v", err)
	}

	e.Disconnect()
	e.Disconnect()
	if e.State() != peer.StateDisconnected {
		t.Fatalf("state = %s", e.State())
	}

	want := []string{
		"disconnected>connecting",
		"connecting>handshaking",
		"handshaking>connected",
		"connected>disconnected",
	}
	got := log.snapshot()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, got[i], want[i])
		}
	}
	if e.Sessions().Len() != 0 {
		t.Errorf("session not closed on disconnect")
	}
}

func TestRemoteExecRoundTrip(t *testing.T) {
	d := newTestDesktop(t)
	e, log := newTestEngine(t, d.addr(), nil)
	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	dc := d.next(t)

	go func() {
		m, err := dc.recv()
		req, ok := m.(*message.RemoteExec)
		if err != nil || !ok || req.Command != "status" {
			t.Errorf("desktop got %#v, %v", m, err)
			return
		}
		if err := dc.reply(&message.RemoteExecResult{Command: "status", ExitCode: 0, Stdout: "ok"}); err != nil {
			t.Errorf("reply: %v", err)
		}
	}()

	before := e.Stats().MessagesReceived
	res, err := e.RemoteExec(context.Background(), "status")
	if err != nil {
		t.Fatalf("RemoteExec: %v", err)
	}
	want := message.RemoteExecResult{Command: "status", ExitCode: 0, Stdout: "ok"}
	if *res != want {
		t.Errorf("result = %+v", res)
	}

	s := e.Stats()
	if s.MessagesReceived != before+1 {
		t.Errorf("MessagesReceived = %d, want %d", s.MessagesReceived, before+1)
	}
	if s.MessagesSent != 1 {
		t.Errorf("MessagesSent = %d", s.MessagesSent)
	}
	if s.LastExecResult == nil || *s.LastExecResult != want {
		t.Errorf("LastExecResult = %+v", s.LastExecResult)
	}
	if !containsRun(log.snapshot(), "connected>syncing", "syncing>connected") {
		t.Errorf("no syncing cycle in %v", log.snapshot())
	}
}

func TestStatusPushUpdatesSnapshot(t *testing.T) {
	d := newTestDesktop(t)
	e, _ := newTestEngine(t, d.addr(), nil)

	got := make(chan message.Message, 4)
	e.OnMessage(func(m message.Message) { got <- m })

	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	dc := d.next(t)

	push := message.StatusPush{CPUUsage: 45.5, MemoryUsage: 60, DiskUsage: 20, UptimeSecs: 86400, ActiveSessions: 1, AIStatus: "idle"}
	dc.send(t, &push)

	select {
	case m := <-got:
		if _, ok := m.(*message.StatusPush); !ok {
			t.Fatalf("handler got %T", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("status push not delivered")
	}
	s := e.Stats()
	if s.LastStatus == nil || *s.LastStatus != push {
		t.Errorf("LastStatus = %+v, want %+v", s.LastStatus, push)
	}
}

func TestMessagesDeliveredInOrder(t *testing.T) {
	d := newTestDesktop(t)
	e, _ := newTestEngine(t, d.addr(), nil)

	var mu sync.Mutex
	var hashes []string
	e.OnMessage(func(m message.Message) {
		if c, ok := m.(*message.ConfigSync); ok {
			mu.Lock()
			hashes = append(hashes, c.ConfigHash)
			mu.Unlock()
		}
	})
	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	dc := d.next(t)

	want := []string{"h1", "h2", "h3", "h4", "h5"}
	for _, h := range want {
		dc.send(t, &message.ConfigSync{ConfigHash: h})
	}
	waitFor(t, "config messages", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(hashes) == len(want)
	})
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if hashes[i] != want[i] {
			t.Fatalf("order = %v", hashes)
		}
	}
	if e.Stats().LastConfigHash != "h5" {
		t.Errorf("LastConfigHash = %q", e.Stats().LastConfigHash)
	}
}

func TestBadMessagesAreDropped(t *testing.T) {
	d := newTestDesktop(t)
	e, _ := newTestEngine(t, d.addr(), nil)
	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	dc := d.next(t)

	dc.sendRaw(t, []byte{0x7f, '{', '}'})
	dc.sendRaw(t, []byte{message.TagStatusPush, 'x'})
	dc.conn.WriteFrame(protocol.FrameData, []byte("not even ciphertext"))
	dc.send(t, &message.ConfigSync{ConfigHash: "after"})

	waitFor(t, "config after junk", func() bool { return e.Stats().LastConfigHash == "after" })
	if n := e.Stats().MessagesReceived; n != 1 {
		t.Errorf("MessagesReceived = %d, want 1", n)
	}
	if e.State() != peer.StateConnected {
		t.Errorf("state = %s", e.State())
	}
}

func TestProtocolViolationClosesConnection(t *testing.T) {
	d := newTestDesktop(t)
	e, _ := newTestEngine(t, d.addr(), func(c *Config) { c.AutoReconnect = false })
	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	dc := d.next(t)

	dc.raw.Write([]byte{0x09, protocol.FrameData, 0, 0, 0, 0})

	waitFor(t, "disconnect", func() bool { return e.State() == peer.StateDisconnected })
	if !errors.Is(e.LastError(), protocol.ErrProtocolViolation) {
		t.Errorf("LastError = %v", e.LastError())
	}
}

func TestRemoteErrorFrameIsRecorded(t *testing.T) {
	d := newTestDesktop(t)
	e, _ := newTestEngine(t, d.addr(), nil)
	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	dc := d.next(t)

	payload, _ := protocol.MarshalPayload(&protocol.ErrorPayload{Code: "denied", Message: "nope"})
	dc.conn.WriteFrame(protocol.FrameError, payload)

	waitFor(t, "remote error", func() bool { return errors.Is(e.LastError(), ErrRemote) })
	if e.State() != peer.StateConnected {
		t.Errorf("state = %s", e.State())
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	d := newTestDesktop(t)
	e, log := newTestEngine(t, d.addr(), nil)
	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first := d.next(t)

	first.conn.Close()

	d.next(t)
	waitFor(t, "reconnected", func() bool { return e.State() == peer.StateConnected })

	if !containsRun(log.snapshot(), "connected>disconnected", "disconnected>connecting") {
		t.Errorf("transitions = %v", log.snapshot())
	}
	if n := e.Stats().ReconnectCount; n != 1 {
		t.Errorf("ReconnectCount = %d, want 1", n)
	}
	if !errors.Is(e.LastError(), protocol.ErrConnectionClosed) {
		t.Errorf("LastError = %v", e.LastError())
	}
}

func TestShutdownCancelsPendingReconnect(t *testing.T) {
	d := newTestDesktop(t)
	e, _ := newTestEngine(t, d.addr(), func(c *Config) {
		c.Reconnect = peer.ReconnectConfig{Delay: 100 * time.Millisecond}
	})
	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first := d.next(t)
	first.conn.Close()

	waitFor(t, "disconnect", func() bool { return e.State() == peer.StateDisconnected })
	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case <-d.conns:
		t.Fatal("reconnected after shutdown")
	case <-time.After(300 * time.Millisecond):
	}
	if e.State() != peer.StateDisconnected {
		t.Errorf("state = %s", e.State())
	}
	if err := e.Connect(context.Background()); !errors.Is(err, ErrShutdown) {
		t.Errorf("Connect after Shutdown = %v", err)
	}
}

func TestDisconnectStopsReconnect(t *testing.T) {
	d := newTestDesktop(t)
	e, _ := newTestEngine(t, d.addr(), func(c *Config) {
		c.Reconnect = peer.ReconnectConfig{Delay: 100 * time.Millisecond}
	})
	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	d.next(t).conn.Close()
	waitFor(t, "disconnect", func() bool { return e.State() == peer.StateDisconnected })

	e.Disconnect()
	select {
	case <-d.conns:
		t.Fatal("reconnected after Disconnect")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	e, log := newTestEngine(t, addr, func(c *Config) { c.AutoReconnect = false })
	if err := e.Connect(context.Background()); err == nil {
		t.Fatal("Connect to closed port succeeded")
	}
	if e.State() != peer.StateError {
		t.Errorf("state = %s", e.State())
	}
	if e.LastError() == nil {
		t.Error("LastError not set")
	}
	for _, step := range log.snapshot() {
		if step == "handshaking>connected" {
			t.Error("reached connected without a peer")
		}
	}

	e.Disconnect()
	if e.State() != peer.StateDisconnected {
		t.Errorf("state after Disconnect = %s", e.State())
	}
}

func TestHandshakeRejected(t *testing.T) {
	d := newTestDesktop(t)
	e, _ := newTestEngine(t, d.addr(), func(c *Config) {
		c.AutoReconnect = false
		c.KeyExchange = crypto.KexHybrid
	})
	err := e.Connect(context.Background())
	if !errors.Is(err, peer.ErrHandshakeRejected) {
		t.Fatalf("Connect err = %v, want ErrHandshakeRejected", err)
	}
	if e.State() != peer.StateError {
		t.Errorf("state = %s", e.State())
	}
}

func TestSendRequiresConnection(t *testing.T) {
	e, _ := newTestEngine(t, "127.0.0.1:1", nil)
	if err := e.Send(context.Background(), &message.ConfigSync{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send err = %v", err)
	}
	if _, err := e.RemoteExec(context.Background(), "status"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("RemoteExec err = %v", err)
	}
}

func TestNoAddress(t *testing.T) {
	e, _ := newTestEngine(t, "AA:BB:CC:DD:EE:FF", nil)
	if err := e.Connect(context.Background()); !errors.Is(err, ErrNoAddress) {
		t.Errorf("Connect err = %v, want ErrNoAddress", err)
	}
	if e.State() != peer.StateDisconnected {
		t.Errorf("state = %s", e.State())
	}
}

func TestHeartbeatsAreSent(t *testing.T) {
	d := newTestDesktop(t)
	e, _ := newTestEngine(t, d.addr(), func(c *Config) { c.HeartbeatInterval = 20 * time.Millisecond })
	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	dc := d.next(t)

	dc.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	f, err := dc.conn.ReadFrame()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Type != protocol.FrameHeartbeat {
		t.Fatalf("frame type = %s", protocol.FrameTypeName(f.Type))
	}
	var hb protocol.Heartbeat
	if err := protocol.UnmarshalPayload(f.Payload, &hb); err != nil {
		t.Fatal(err)
	}
	if hb.DeviceID != "phone-1" {
		t.Errorf("heartbeat device = %q", hb.DeviceID)
	}
}

// floodUntilBlocked sends large messages to a peer that never reads until
// a Send stays blocked, then reports the Send error stream on errc.
func floodUntilBlocked(t *testing.T, e *Engine) <-chan error {
	t.Helper()
	big := &message.ConfigSync{ConfigHash: "big", ConfigData: strings.Repeat("x", 900<<10)}
	errc := make(chan error, 1)
	var sent atomic.Int64
	go func() {
		for {
			if err := e.Send(context.Background(), big); err != nil {
				errc <- err
				return
			}
			sent.Add(1)
		}
	}()
	// Socket buffers hold a few frames; after that Send blocks.
	waitFor(t, "writes to stall", func() bool {
		n := sent.Load()
		time.Sleep(200 * time.Millisecond)
		return n > 0 && sent.Load() == n
	})
	return errc
}

func TestDisconnectWithStalledPeer(t *testing.T) {
	d := newTestDesktop(t)
	e, _ := newTestEngine(t, d.addr(), func(c *Config) {
		c.AutoReconnect = false
		c.WriteTimeout = 0
		c.HeartbeatInterval = 20 * time.Millisecond
	})
	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	d.next(t) // accepted but never read

	errc := floodUntilBlocked(t, e)

	done := make(chan struct{})
	go func() {
		e.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Disconnect blocked behind a stalled write (state=%s)", e.State())
	}
	if e.State() != peer.StateDisconnected {
		t.Errorf("state = %s", e.State())
	}
	select {
	case err := <-errc:
		if err == nil {
			t.Error("blocked Send returned nil")
		}
	case <-time.After(2 * time.Second):
		t.Error("blocked Send never returned")
	}
}

func TestWriteTimeoutDropsConnection(t *testing.T) {
	d := newTestDesktop(t)
	e, _ := newTestEngine(t, d.addr(), func(c *Config) {
		c.AutoReconnect = false
		c.WriteTimeout = 200 * time.Millisecond
	})
	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	d.next(t)

	big := &message.ConfigSync{ConfigHash: "big", ConfigData: strings.Repeat("x", 900<<10)}
	var err error
	deadline := time.Now().Add(10 * time.Second)
	for err == nil && time.Now().Before(deadline) {
		err = e.Send(context.Background(), big)
	}
	if !errors.Is(err, peer.ErrWriteTimeout) {
		t.Fatalf("Send err = %v, want ErrWriteTimeout", err)
	}
	waitFor(t, "disconnect", func() bool { return e.State() == peer.StateDisconnected })
	if !errors.Is(e.LastError(), peer.ErrWriteTimeout) {
		t.Errorf("LastError = %v", e.LastError())
	}
}
