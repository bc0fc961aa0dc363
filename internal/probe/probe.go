// Package probe reads host capacity and memory pressure.
//
// Probing never fails: counters that cannot be read come back zeroed and are
// named in Snapshot.Unknown. A degraded snapshot is better than refusing to
// govern at all.
package probe

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

const GiB = 1024 * 1024 * 1024

// Snapshot is an immutable capture of host capacity
type Snapshot struct {
	CapturedAt   time.Time `json:"captured_at" yaml:"captured_at"`
	TotalRAM     uint64    `json:"total_ram_bytes" yaml:"total_ram_bytes"`
	AvailableRAM uint64    `json:"available_ram_bytes" yaml:"available_ram_bytes"`
	SwapTotal    uint64    `json:"swap_total_bytes" yaml:"swap_total_bytes"`
	SwapUsed     uint64    `json:"swap_used_bytes" yaml:"swap_used_bytes"`
	DiskFree     uint64    `json:"disk_free_bytes" yaml:"disk_free_bytes"`
	CPUCores     int       `json:"cpu_cores" yaml:"cpu_cores"`
	Platform     string    `json:"platform" yaml:"platform"`
	Arch         string    `json:"arch" yaml:"arch"`

	// Unknown lists counters that could not be read
	Unknown []string `json:"unknown,omitempty" yaml:"unknown,omitempty"`
}

// Degraded reports whether any counter was unreadable
func (s Snapshot) Degraded() bool {
	return len(s.Unknown) > 0
}

// Pressure is a point-in-time view of system-wide memory pressure
type Pressure struct {
	MemoryUsedRatio float64
	SwapUsedRatio   float64
}

// Prober is the host capability source consumed by the rest of the governor
type Prober interface {
	Snapshot(ctx context.Context) Snapshot
	Pressure(ctx context.Context) (Pressure, error)
}

// System probes the local host through gopsutil
type System struct {
	// DiskPath is the filesystem whose free space is reported (default "/")
	DiskPath string
}

// NewSystem creates a host prober
func NewSystem() *System {
	return &System{DiskPath: "/"}
}

// Snapshot captures host capacity
func (s *System) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{
		CapturedAt: time.Now(),
		Platform:   runtime.GOOS,
		Arch:       runtime.GOARCH,
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.TotalRAM = vm.Total
		snap.AvailableRAM = vm.Available
	} else {
		snap.Unknown = append(snap.Unknown, "ram")
	}

	if sw, err := mem.SwapMemoryWithContext(ctx); err == nil {
		snap.SwapTotal = sw.Total
		snap.SwapUsed = sw.Used
	} else {
		snap.Unknown = append(snap.Unknown, "swap")
	}

	diskPath := s.DiskPath
	if diskPath == "" {
		diskPath = "/"
	}
	if du, err := disk.UsageWithContext(ctx, diskPath); err == nil {
		snap.DiskFree = du.Free
	} else {
		snap.Unknown = append(snap.Unknown, "disk")
	}

	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		snap.CPUCores = n
	} else {
		snap.CPUCores = runtime.NumCPU()
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		if info.OS != "" {
			snap.Platform = info.OS
		}
		if info.KernelArch != "" {
			snap.Arch = info.KernelArch
		}
	} else {
		snap.Unknown = append(snap.Unknown, "platform")
	}

	return snap
}

// Pressure samples memory-used and swap-used ratios
func (s *System) Pressure(ctx context.Context) (Pressure, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Pressure{}, fmt.Errorf("failed to read virtual memory: %w", err)
	}
	sw, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		return Pressure{}, fmt.Errorf("failed to read swap memory: %w", err)
	}
	return Compute(vm.Total, vm.Available, sw.Total, sw.Used), nil
}

// Compute derives pressure ratios from raw counters. Swap ratio uses a
// divisor of at least one so swapless hosts read as zero pressure.
func Compute(total, available, swapTotal, swapUsed uint64) Pressure {
	var p Pressure
	if total > 0 {
		p.MemoryUsedRatio = 1 - float64(available)/float64(total)
	}
	p.SwapUsedRatio = float64(swapUsed) / float64(max(swapTotal, 1))
	return p
}

// FormatBytes formats a byte count as GiB
func FormatBytes(b uint64) string {
	return fmt.Sprintf("%.1f GB", float64(b)/GiB)
}

// Static is a fixed prober, useful when the caller already knows the host
// (tests, dry runs, remote planning).
type Static struct {
	Snap  Snapshot
	Press Pressure
	Err   error
}

// Snapshot returns the fixed snapshot
func (s *Static) Snapshot(context.Context) Snapshot { return s.Snap }

// Pressure returns the fixed pressure
func (s *Static) Pressure(context.Context) (Pressure, error) { return s.Press, s.Err }
