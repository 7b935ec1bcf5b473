//go:build linux

package service

import (
	"errors"
	"os"
	"reflect"
	"strings"
	"testing"
)

type recorder struct {
	calls [][]string
	fail  map[string]error
	out   map[string]string
}

func (r *recorder) run(name string, args ...string) (string, error) {
	call := append([]string{name}, args...)
	r.calls = append(r.calls, call)
	key := strings.Join(call, " ")
	return r.out[key], r.fail[key]
}

func testManager(t *testing.T) (*Manager, *recorder) {
	t.Helper()
	rec := &recorder{fail: map[string]error{}, out: map[string]string{}}
	return &Manager{UnitDir: t.TempDir(), Run: rec.run}, rec
}

func TestSystemdUnit(t *testing.T) {
	cfg := DefaultConfig(ModeAgent, "/etc/edgeclaw/edgeclaw.yaml")
	cfg.User = "edgeclaw"
	unit := systemdUnit(cfg, "/usr/local/bin/edgeclaw-sync")

	for _, want := range []string{
		"Description=edgeclaw-sync desktop agent",
		"ExecStart=/usr/local/bin/edgeclaw-sync agent -c /etc/edgeclaw/edgeclaw.yaml",
		"WorkingDirectory=/etc/edgeclaw",
		"User=edgeclaw",
		"ExecReload=/bin/kill -HUP $MAINPID",
		"ReadWritePaths=/etc/edgeclaw",
		"SyslogIdentifier=edgeclaw-agent",
	} {
		if !strings.Contains(unit, want) {
			t.Errorf("unit missing %q:\n%s", want, unit)
		}
	}
	if strings.Contains(unit, "Group=") {
		t.Error("unit has Group without one configured")
	}

	client := systemdUnit(DefaultConfig(ModeConnect, "/etc/edgeclaw/edgeclaw.yaml"), "/bin/edgeclaw-sync")
	if strings.Contains(client, "ExecReload") {
		t.Error("client unit should not reload")
	}
	if !strings.Contains(client, "ExecStart=/bin/edgeclaw-sync connect -c") {
		t.Errorf("client ExecStart wrong:\n%s", client)
	}
}

func TestInstallUninstall(t *testing.T) {
	m, rec := testManager(t)
	cfg := DefaultConfig(ModeAgent, "/etc/edgeclaw/edgeclaw.yaml")

	if err := m.Install(cfg, "/usr/local/bin/edgeclaw-sync"); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if !m.IsInstalled(cfg.Name) {
		t.Fatal("unit file not written")
	}
	want := [][]string{
		{"systemctl", "daemon-reload"},
		{"systemctl", "enable", "--now", "edgeclaw-agent"},
	}
	if !reflect.DeepEqual(rec.calls, want) {
		t.Errorf("calls = %v", rec.calls)
	}

	if err := m.Install(cfg, "/usr/local/bin/edgeclaw-sync"); err == nil {
		t.Error("second Install should fail")
	}

	rec.calls = nil
	if err := m.Uninstall(cfg.Name); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	if m.IsInstalled(cfg.Name) {
		t.Error("unit file still present")
	}
	if len(rec.calls) != 3 || rec.calls[0][1] != "disable" {
		t.Errorf("calls = %v", rec.calls)
	}

	if err := m.Uninstall(cfg.Name); err == nil {
		t.Error("Uninstall of missing service should fail")
	}
}

func TestInstall_ReloadFailureRemovesUnit(t *testing.T) {
	m, rec := testManager(t)
	rec.fail["systemctl daemon-reload"] = errors.New("exit status 1")

	cfg := DefaultConfig(ModeConnect, "/etc/edgeclaw/edgeclaw.yaml")
	if err := m.Install(cfg, "/bin/edgeclaw-sync"); err == nil {
		t.Fatal("expected error")
	}
	if _, err := os.Stat(m.unitPath(cfg.Name)); !errors.Is(err, os.ErrNotExist) {
		t.Error("unit file left behind")
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		fail    error
		want    string
		wantErr bool
	}{
		{"active", "active\n", nil, "active", false},
		{"inactive", "inactive\n", errors.New("exit status 3"), "inactive", false},
		{"failed", "failed\n", errors.New("exit status 3"), "failed", false},
		{"broken", "", errors.New("no systemctl"), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, rec := testManager(t)
			rec.out["systemctl is-active edgeclaw-agent"] = tt.out
			rec.fail["systemctl is-active edgeclaw-agent"] = tt.fail
			got, err := m.Status("edgeclaw-agent")
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("Status = %q, %v", got, err)
			}
		})
	}
}
