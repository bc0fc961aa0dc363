package governor

import (
	"errors"
	"fmt"
	"time"

	"github.com/psantana5/fortress/internal/breaker"
	"github.com/psantana5/fortress/internal/guardian"
	"github.com/psantana5/fortress/internal/limits"
	"github.com/psantana5/fortress/internal/probe"
	"github.com/psantana5/fortress/internal/profile"
)

// Config holds the governor's ceilings and timings
type Config struct {
	MemoryCeilingGB    float64       `json:"memory_ceiling_gb" yaml:"memory_ceiling_gb"`
	PollInterval       time.Duration `json:"poll_interval" yaml:"poll_interval"`
	GracePeriod        time.Duration `json:"grace_period" yaml:"grace_period"`
	MemoryThresholdPct float64       `json:"memory_threshold_pct" yaml:"memory_threshold_pct"`
	SwapThresholdPct   float64       `json:"swap_threshold_pct" yaml:"swap_threshold_pct"`
	MaxProcesses       uint64        `json:"max_processes" yaml:"max_processes"`
	MaxCPUSeconds      uint64        `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`
	StopTimeout        time.Duration `json:"stop_timeout" yaml:"stop_timeout"`

	// TotalLayers is the model layer count used to resolve GPU layer policy
	TotalLayers int `json:"total_layers" yaml:"total_layers"`

	UseCgroup      bool `json:"use_cgroup" yaml:"use_cgroup"`
	LockHardLimits bool `json:"lock_hard_limits" yaml:"lock_hard_limits"`
	SelfDestruct   bool `json:"self_destruct" yaml:"self_destruct"`
}

// DefaultConfig returns production defaults. MaxProcesses is per user, not
// per session, so it is sized for a desktop session rather than one tree.
func DefaultConfig() Config {
	return Config{
		MemoryCeilingGB:    20.0,
		PollInterval:       500 * time.Millisecond,
		GracePeriod:        3 * time.Second,
		MemoryThresholdPct: 85,
		SwapThresholdPct:   50,
		MaxProcesses:       1024,
		MaxCPUSeconds:      7200,
		StopTimeout:        2 * time.Second,
		TotalLayers:        32,
		SelfDestruct:       true,
	}
}

// Validate checks every field, reporting all problems at once
func (c Config) Validate() error {
	var errs []error
	if c.MemoryCeilingGB <= 0 {
		errs = append(errs, fmt.Errorf("memory ceiling must be positive, got %.2f GB", c.MemoryCeilingGB))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	if c.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("grace period cannot be negative, got %s", c.GracePeriod))
	}
	if c.MemoryThresholdPct <= 0 || c.MemoryThresholdPct > 100 {
		errs = append(errs, fmt.Errorf("memory threshold must be in (0, 100], got %.1f", c.MemoryThresholdPct))
	}
	if c.SwapThresholdPct <= 0 || c.SwapThresholdPct > 100 {
		errs = append(errs, fmt.Errorf("swap threshold must be in (0, 100], got %.1f", c.SwapThresholdPct))
	}
	if c.StopTimeout < 0 {
		errs = append(errs, fmt.Errorf("stop timeout cannot be negative, got %s", c.StopTimeout))
	}
	if c.TotalLayers < 0 {
		errs = append(errs, fmt.Errorf("total layers cannot be negative, got %d", c.TotalLayers))
	}
	return errors.Join(errs...)
}

// CeilingBytes is the guardian ceiling in bytes
func (c Config) CeilingBytes() uint64 {
	return uint64(c.MemoryCeilingGB * probe.GiB)
}

func (c Config) breakerConfig() breaker.Config {
	cfg := breaker.DefaultConfig()
	cfg.MemoryThreshold = c.MemoryThresholdPct / 100
	cfg.SwapThreshold = c.SwapThresholdPct / 100
	cfg.PollInterval = c.PollInterval
	if c.StopTimeout > 0 {
		cfg.StopTimeout = c.StopTimeout
	}
	return cfg
}

func (c Config) guardianConfig() guardian.Config {
	cfg := guardian.DefaultConfig()
	cfg.CeilingBytes = c.CeilingBytes()
	cfg.PollInterval = c.PollInterval
	cfg.GracePeriod = c.GracePeriod
	cfg.SelfDestruct = c.SelfDestruct
	if c.StopTimeout > 0 {
		cfg.StopTimeout = c.StopTimeout
	}
	return cfg
}

// ceilings derives the rlimits for one launch. Mapped model pages count
// against the address space, so mapped profiles get the workload size on top.
func (c Config) ceilings(p profile.Profile, workload uint64) limits.Ceilings {
	as := c.CeilingBytes()
	if p.MemoryMapping {
		as += workload
	}
	return limits.Ceilings{
		AddressSpaceBytes: as,
		MaxProcesses:      c.MaxProcesses,
		CPUSeconds:        c.MaxCPUSeconds,
	}
}
