package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edgeclaw/edgeclaw-sync/internal/recovery"
)

// DefaultHeartbeatInterval is the period between heartbeat frames.
const DefaultHeartbeatInterval = 30 * time.Second

// ErrHeartbeatPanic is passed to onError when send panics.
var ErrHeartbeatPanic = errors.New("heartbeat panicked")

// Heartbeat calls send every interval until stopped. The first send error
// ends the loop and is then passed to onError.
type Heartbeat struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// StartHeartbeat launches the loop. The first beat goes out after one
// interval. A panic in send is logged and reported to onError like a send
// error.
func StartHeartbeat(logger *slog.Logger, interval time.Duration, send func() error, onError func(error)) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	h := &Heartbeat{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		var err error
		defer func() {
			close(h.done)
			// done is already closed so onError may call Stop.
			if err != nil && onError != nil {
				onError(err)
			}
		}()
		defer recovery.RecoverWithCallback(logger, "heartbeat", func(r any) {
			err = fmt.Errorf("%w: %v", ErrHeartbeatPanic, r)
		})
		err = h.loop(interval, send)
	}()
	return h
}

func (h *Heartbeat) loop(interval time.Duration, send func() error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return nil
		case <-ticker.C:
			if err := send(); err != nil {
				return err
			}
		}
	}
}

// Stop ends the loop and waits for it to exit. Safe to call more than once,
// but not from inside send.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

// Done is closed when the loop has exited.
func (h *Heartbeat) Done() <-chan struct{} { return h.done }
