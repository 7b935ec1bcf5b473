//go:build linux

package sysinfo

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// loadShift is the fixed-point shift of the kernel's load averages.
const loadShift = 16

// loadAndMemory derives CPU usage from the one minute load average divided by
// the CPU count, and memory usage from total and free RAM.
func loadAndMemory() (cpu, mem float64) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, 0
	}

	load := float64(info.Loads[0]) / float64(uint64(1)<<loadShift)
	cpu = clampPercent(load / float64(runtime.NumCPU()) * 100)

	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	total := uint64(info.Totalram) * unit
	free := (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
	if total > 0 && free <= total {
		mem = clampPercent(float64(total-free) / float64(total) * 100)
	}
	return cpu, mem
}

func diskUsage(path string) float64 {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0
	}
	total := uint64(st.Blocks)
	avail := uint64(st.Bavail)
	if total == 0 || avail > total {
		return 0
	}
	return clampPercent(float64(total-avail) / float64(total) * 100)
}
