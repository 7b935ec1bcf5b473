//go:build !linux

package sysinfo

func loadAndMemory() (cpu, mem float64) { return 0, 0 }

func diskUsage(string) float64 { return 0 }
