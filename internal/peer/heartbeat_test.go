package peer

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestHeartbeatSendsUntilStopped(t *testing.T) {
	var sent atomic.Int32
	hb := StartHeartbeat(nil, 5*time.Millisecond, func() error {
		sent.Add(1)
		return nil
	}, nil)

	deadline := time.Now().Add(2 * time.Second)
	for sent.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d heartbeats sent", sent.Load())
		}
		time.Sleep(time.Millisecond)
	}

	hb.Stop()
	hb.Stop()
	n := sent.Load()
	time.Sleep(20 * time.Millisecond)
	if sent.Load() != n {
		t.Errorf("heartbeat sent after Stop: %d -> %d", n, sent.Load())
	}
}

func TestHeartbeatErrorEndsLoop(t *testing.T) {
	boom := errors.New("write failed")
	got := make(chan error, 1)
	self := make(chan *Heartbeat, 1)
	hb := StartHeartbeat(nil, 5*time.Millisecond, func() error { return boom }, func(err error) {
		// Stop from the error callback must not block.
		(<-self).Stop()
		got <- err
	})
	self <- hb

	select {
	case err := <-got:
		if !errors.Is(err, boom) {
			t.Errorf("onError got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onError not called")
	}
	select {
	case <-hb.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestHeartbeatPanicReported(t *testing.T) {
	got := make(chan error, 1)
	hb := StartHeartbeat(nil, 5*time.Millisecond, func() error { panic("nil conn") }, func(err error) {
		got <- err
	})

	select {
	case err := <-got:
		if !errors.Is(err, ErrHeartbeatPanic) {
			t.Errorf("onError got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onError not called after panic")
	}
	hb.Stop()
}
