package peer

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// DefaultReconnectDelay is the fixed delay between attempts.
const DefaultReconnectDelay = 5 * time.Second

// ReconnectConfig controls automatic reconnection.
type ReconnectConfig struct {
	Delay time.Duration
	// MaxAttempts of 0 retries forever.
	MaxAttempts int
	// Backoff grows the delay by Multiplier after each failed attempt, up
	// to MaxDelay. Without it every attempt waits Delay.
	Backoff    bool
	Multiplier float64
	MaxDelay   time.Duration
	// Jitter spreads each delay by up to +/- this fraction.
	Jitter float64
}

// DefaultReconnectConfig returns a fixed 5s delay with no attempt limit.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Delay:      DefaultReconnectDelay,
		Multiplier: 2.0,
		MaxDelay:   60 * time.Second,
	}
}

// Timer is the part of *time.Timer the reconnector uses.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks. Tests substitute a manual clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock is the wall clock.
var SystemClock Clock = realClock{}

// Reconnector schedules reconnect attempts to a single target. An attempt
// that fails schedules the next one until MaxAttempts is reached.
type Reconnector struct {
	cfg     ReconnectConfig
	clock   Clock
	attempt func(n int) error

	mu          sync.Mutex
	attempts    int
	timer       Timer
	gen         uint64
	stopped     bool
	onExhausted func(attempts int)
	jitter      func() float64
}

// NewReconnector creates a reconnector calling attempt with the 1-based
// attempt number. A nil clock means SystemClock.
func NewReconnector(cfg ReconnectConfig, clock Clock, attempt func(n int) error) *Reconnector {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultReconnectDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay < cfg.Delay {
		cfg.MaxDelay = cfg.Delay
	}
	if clock == nil {
		clock = SystemClock
	}
	return &Reconnector{
		cfg:     cfg,
		clock:   clock,
		attempt: attempt,
		jitter:  rand.Float64,
	}
}

// OnExhausted registers a callback for when MaxAttempts is used up.
func (r *Reconnector) OnExhausted(fn func(attempts int)) {
	r.mu.Lock()
	r.onExhausted = fn
	r.mu.Unlock()
}

// Delay returns the wait before attempt n (1-based), without jitter.
func (r *Reconnector) Delay(n int) time.Duration {
	if !r.cfg.Backoff || n <= 1 {
		return r.cfg.Delay
	}
	d := float64(r.cfg.Delay) * math.Pow(r.cfg.Multiplier, float64(n-1))
	if d > float64(r.cfg.MaxDelay) {
		return r.cfg.MaxDelay
	}
	return time.Duration(d)
}

func (r *Reconnector) withJitter(d time.Duration) time.Duration {
	if r.cfg.Jitter <= 0 {
		return d
	}
	spread := float64(d) * r.cfg.Jitter
	out := time.Duration(float64(d) + (r.jitter()*2-1)*spread)
	if out <= 0 {
		return d
	}
	return out
}

// Schedule arms the next attempt. It reports false if the reconnector is
// stopped, an attempt is already pending, or the limit was reached.
func (r *Reconnector) Schedule() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scheduleLocked()
}

func (r *Reconnector) scheduleLocked() bool {
	if r.stopped || r.timer != nil {
		return false
	}
	if r.cfg.MaxAttempts > 0 && r.attempts >= r.cfg.MaxAttempts {
		if fn := r.onExhausted; fn != nil {
			n := r.attempts
			go fn(n)
		}
		return false
	}
	n := r.attempts + 1
	r.gen++
	gen := r.gen
	r.timer = r.clock.AfterFunc(r.withJitter(r.Delay(n)), func() { r.fire(gen, n) })
	return true
}

func (r *Reconnector) fire(gen uint64, n int) {
	r.mu.Lock()
	if r.stopped || r.timer == nil || r.gen != gen {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.attempts = n
	r.mu.Unlock()

	err := r.attempt(n)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if err == nil {
		r.attempts = 0
		return
	}
	r.scheduleLocked()
}

// Reset clears the attempt count after a successful connection.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	r.attempts = 0
	r.mu.Unlock()
}

// Cancel drops a pending attempt without stopping future scheduling.
func (r *Reconnector) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Stop cancels any pending attempt and refuses all future ones.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Stopped reports whether Stop was called.
func (r *Reconnector) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// Pending reports whether an attempt is scheduled.
func (r *Reconnector) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

// Attempts returns the number of attempts made since the last Reset.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}
