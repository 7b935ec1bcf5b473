package recovery

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestRecoverWithLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	func() {
		defer RecoverWithLog(logger, "receive-loop")
		panic("boom")
	}()

	out := buf.String()
	if !strings.Contains(out, "receive-loop") || !strings.Contains(out, "boom") {
		t.Errorf("log output missing goroutine or panic value: %s", out)
	}
}

func TestRecoverWithCallback(t *testing.T) {
	var got any
	func() {
		defer RecoverWithCallback(nil, "heartbeat", func(r any) { got = r })
		panic(42)
	}()
	if got != 42 {
		t.Errorf("callback got %v, want 42", got)
	}
}

func TestRecoverWithCallback_NoPanic(t *testing.T) {
	called := false
	func() {
		defer RecoverWithCallback(nil, "idle", func(any) { called = true })
	}()
	if called {
		t.Error("callback invoked without a panic")
	}
}
