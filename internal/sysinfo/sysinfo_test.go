package sysinfo

import (
	"testing"
	"time"
)

func TestUptime(t *testing.T) {
	if Uptime() <= 0 {
		t.Error("Uptime() should be positive")
	}
	if StartTime().After(time.Now()) {
		t.Error("StartTime() is in the future")
	}
}

func TestCollect(t *testing.T) {
	s := Collect("")
	for name, v := range map[string]float64{
		"cpu":    s.CPUUsage,
		"memory": s.MemoryUsage,
		"disk":   s.DiskUsage,
	} {
		if v < 0 || v > 100 {
			t.Errorf("%s usage = %f, want 0..100", name, v)
		}
	}
	if s.OS == "" || s.Arch == "" {
		t.Error("Collect() left OS or Arch empty")
	}
}

func TestClampPercent(t *testing.T) {
	tests := []struct{ in, want float64 }{
		{-5, 0},
		{42.5, 42.5},
		{180, 100},
	}
	for _, tc := range tests {
		if got := clampPercent(tc.in); got != tc.want {
			t.Errorf("clampPercent(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestGetLocalIPs(t *testing.T) {
	if ips := GetLocalIPs(); len(ips) > 10 {
		t.Errorf("GetLocalIPs() returned %d addresses, want at most 10", len(ips))
	}
}
