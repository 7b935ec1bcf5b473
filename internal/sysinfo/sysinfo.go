// Package sysinfo reports host facts used in heartbeats and status pushes.
package sysinfo

import (
	"net"
	"os"
	"runtime"
	"time"
)

// Version is set at build time:
// go build -ldflags="-X github.com/edgeclaw/edgeclaw-sync/internal/sysinfo.Version=1.0.0"
var Version = "dev"

var startTime = time.Now()

// StartTime returns when the process started.
func StartTime() time.Time {
	return startTime
}

// Uptime returns how long the process has been running.
func Uptime() time.Duration {
	return time.Since(startTime)
}

// UptimeSeconds returns Uptime in whole seconds.
func UptimeSeconds() uint64 {
	return uint64(Uptime() / time.Second)
}

// Snapshot is a point-in-time view of host load. Percentages are 0-100.
type Snapshot struct {
	CPUUsage    float64
	MemoryUsage float64
	DiskUsage   float64
	UptimeSecs  uint64
	Hostname    string
	OS          string
	Arch        string
}

// Collect samples the host. Values the platform cannot provide stay zero.
// diskPath selects the filesystem for DiskUsage; empty means "/".
func Collect(diskPath string) Snapshot {
	if diskPath == "" {
		diskPath = "/"
	}
	hostname, _ := os.Hostname()

	s := Snapshot{
		UptimeSecs: UptimeSeconds(),
		Hostname:   hostname,
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
	}
	s.CPUUsage, s.MemoryUsage = loadAndMemory()
	s.DiskUsage = diskUsage(diskPath)
	return s
}

// GetLocalIPs returns up to ten non-loopback IPv4 addresses.
func GetLocalIPs() []string {
	var ips []string

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			ips = append(ips, v4.String())
		}
	}
	if len(ips) > 10 {
		ips = ips[:10]
	}
	return ips
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
