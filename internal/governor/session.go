package governor

import (
	"context"
	"sync"
	"time"

	"github.com/psantana5/fortress/internal/breaker"
	"github.com/psantana5/fortress/internal/cgroups"
	"github.com/psantana5/fortress/internal/limits"
	"github.com/psantana5/fortress/internal/preflight"
	"github.com/psantana5/fortress/internal/probe"
	"github.com/psantana5/fortress/internal/profile"
	"github.com/psantana5/fortress/internal/report"
	"github.com/psantana5/fortress/pkg/logging"
)

// Session is what a workload sees of its governed launch
type Session struct {
	ID            string
	WorkloadBytes uint64
	ProfileID     profile.ID
	Profile       profile.Profile
	Estimate      profile.Estimate
	Verdict       preflight.Verdict
	Snapshot      probe.Snapshot
	Ceilings      limits.Ceilings
	Log           *logging.Logger

	totalLayers int
	ceiling     uint64
	grace       time.Duration
	breaker     *breaker.Breaker
	cgroups     *cgroups.Manager

	mu         sync.Mutex
	pid        int
	exitCode   int
	exitReason report.ExitReason
}

// Launch resolves the selected profile into concrete launch parameters
func (s *Session) Launch() profile.LaunchParams {
	return s.Profile.Launch(s.totalLayers, s.WorkloadBytes, s.Snapshot.AvailableRAM)
}

// Attach records a spawned workload process and puts it under the breaker
func (s *Session) Attach(pid int) {
	s.mu.Lock()
	s.pid = pid
	s.mu.Unlock()
	if s.breaker != nil {
		s.breaker.Register(int32(pid))
	}
}

// Exited records how a spawned workload process ended
func (s *Session) Exited(code int, reason report.ExitReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitCode = code
	s.exitReason = reason
}

func (s *Session) exit() (pid, code int, reason report.ExitReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid, s.exitCode, s.exitReason
}

// GracePeriod is how long a spawned process gets between SIGTERM and SIGKILL
func (s *Session) GracePeriod() time.Duration {
	return s.grace
}

// Cgroup returns the cgroup manager when cgroup confinement is enabled
func (s *Session) Cgroup() *cgroups.Manager {
	return s.cgroups
}

// CgroupLimits are the cgroup ceilings for spawned workloads: the guardian
// ceiling as memory.max, no swap and the session's process cap.
func (s *Session) CgroupLimits() cgroups.Limits {
	return cgroups.Limits{
		MemoryMax: s.ceiling,
		SwapMax:   0,
		PidsMax:   s.Ceilings.MaxProcesses,
	}
}

// Workload is the protected unit of work
type Workload interface {
	Run(ctx context.Context, s *Session) error
}

// WorkloadFunc adapts a function to Workload
type WorkloadFunc func(ctx context.Context, s *Session) error

func (f WorkloadFunc) Run(ctx context.Context, s *Session) error { return f(ctx, s) }

func workloadName(w Workload) string {
	if n, ok := w.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "in-process"
}
