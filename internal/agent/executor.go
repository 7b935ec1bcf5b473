package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Exec errors. All of them are reported back to the caller as a result with
// exit code -1 rather than as a protocol error.
var (
	ErrExecDisabled      = errors.New("remote exec is disabled")
	ErrCommandNotAllowed = errors.New("command not allowed")
	ErrUnsafeArgument    = errors.New("unsafe argument")
	ErrTooManyCommands   = errors.New("too many concurrent commands")
	ErrRateLimited       = errors.New("rate limited")
)

// ExecConfig controls the remote command executor.
type ExecConfig struct {
	Enabled bool

	// Whitelist holds the base names of runnable commands. Empty allows
	// nothing; "*" allows everything and skips argument checks.
	Whitelist []string

	// Timeout bounds each command. Zero means no limit beyond ctx.
	Timeout time.Duration

	// MaxConcurrent limits commands running at once (0 = unlimited).
	MaxConcurrent int

	// RatePerSecond and Burst throttle command starts. Zero rate disables
	// throttling.
	RatePerSecond float64
	Burst         int

	// MaxOutput caps captured stdout and stderr separately.
	MaxOutput int
}

// ExecResult is what a finished command produced.
type ExecResult struct {
	ExitCode  int32
	Stdout    string
	Stderr    string
	Truncated bool
	Duration  time.Duration
}

// unsafeArgPattern matches shell metacharacters. Commands run without a
// shell, but whitelisted interpreters would still expand them.
var unsafeArgPattern = regexp.MustCompile(`[;&|$` + "`" + `(){}[\]<>\\!*?~]`)

// Executor runs whitelisted commands for remote peers.
type Executor struct {
	cfg     ExecConfig
	limiter *rate.Limiter

	mu      sync.Mutex
	running int
}

// NewExecutor creates an executor. A non-positive MaxOutput means 64 KiB.
func NewExecutor(cfg ExecConfig) *Executor {
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = 64 * 1024
	}
	e := &Executor{cfg: cfg}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return e
}

func (e *Executor) wildcard() bool {
	for _, w := range e.cfg.Whitelist {
		if w == "*" {
			return true
		}
	}
	return false
}

// IsCommandAllowed checks command against the whitelist. Paths are never
// allowed unless the whitelist is a wildcard.
func (e *Executor) IsCommandAllowed(command string) bool {
	if command == "" || len(e.cfg.Whitelist) == 0 {
		return false
	}
	if e.wildcard() {
		return true
	}
	if strings.ContainsAny(command, `/\`) {
		return false
	}
	for _, allowed := range e.cfg.Whitelist {
		if allowed == command {
			return true
		}
	}
	return false
}

// ValidateArgs rejects shell metacharacters and absolute paths.
func (e *Executor) ValidateArgs(args []string) error {
	if e.wildcard() {
		return nil
	}
	for i, arg := range args {
		if unsafeArgPattern.MatchString(arg) {
			return fmt.Errorf("%w: argument %d contains shell metacharacters", ErrUnsafeArgument, i)
		}
		if filepath.IsAbs(arg) {
			return fmt.Errorf("%w: argument %d is an absolute path", ErrUnsafeArgument, i)
		}
	}
	return nil
}

func (e *Executor) acquire() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfg.MaxConcurrent > 0 && e.running >= e.cfg.MaxConcurrent {
		return fmt.Errorf("%w: limit is %d", ErrTooManyCommands, e.cfg.MaxConcurrent)
	}
	e.running++
	return nil
}

func (e *Executor) release() {
	e.mu.Lock()
	if e.running > 0 {
		e.running--
	}
	e.mu.Unlock()
}

// Running returns the number of commands currently executing.
func (e *Executor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Check runs every admission check except the concurrency slot.
func (e *Executor) Check(command string, args []string) error {
	if !e.cfg.Enabled {
		return ErrExecDisabled
	}
	if !e.IsCommandAllowed(command) {
		return fmt.Errorf("%w: %q", ErrCommandNotAllowed, command)
	}
	return e.ValidateArgs(args)
}

// Run executes command and waits for it. A non-zero exit status is not an
// error; the error return is reserved for commands that never started.
func (e *Executor) Run(ctx context.Context, command string, args []string) (ExecResult, error) {
	if err := e.Check(command, args); err != nil {
		return ExecResult{ExitCode: -1}, err
	}
	if e.limiter != nil && !e.limiter.Allow() {
		return ExecResult{ExitCode: -1}, ErrRateLimited
	}
	if err := e.acquire(); err != nil {
		return ExecResult{ExitCode: -1}, err
	}
	defer e.release()

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	stdout := &cappedBuffer{max: e.cfg.MaxOutput}
	stderr := &cappedBuffer{max: e.cfg.MaxOutput}
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	res := ExecResult{
		ExitCode:  0,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated || stderr.truncated,
		Duration:  time.Since(start),
	}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		res.ExitCode = -1
		res.Stderr = appendLine(res.Stderr, fmt.Sprintf("command terminated: %v", ctx.Err()))
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = int32(exitErr.ExitCode())
		return res, nil
	default:
		return ExecResult{ExitCode: -1}, fmt.Errorf("failed to start %s: %w", command, err)
	}
}

func appendLine(s, line string) string {
	if s != "" && !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s + line
}

// cappedBuffer keeps the first max bytes and silently discards the rest so
// the child never sees a write error.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string { return b.buf.String() }
