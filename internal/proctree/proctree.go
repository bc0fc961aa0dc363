// Package proctree observes and signals process trees from the outside.
package proctree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrNotFound means the process no longer exists (or is a zombie)
var ErrNotFound = errors.New("process not found")

// Info describes one process in a system listing
type Info struct {
	PID           int32   `json:"pid"`
	Name          string  `json:"name"`
	MemoryPercent float32 `json:"memory_percent"`
	RSS           uint64  `json:"rss_bytes"`
}

// Inspector reads resident memory and sends signals
type Inspector interface {
	RSS(ctx context.Context, pid int32) (uint64, error)
	// Descendants returns every live, non-zombie descendant, parents first
	Descendants(ctx context.Context, pid int32) ([]int32, error)
	Running(ctx context.Context, pid int32) bool
	Terminate(ctx context.Context, pid int32) error
	Kill(ctx context.Context, pid int32) error
	List(ctx context.Context) ([]Info, error)
}

// IsGone reports errors that mean "nothing left to do" for a signal or read:
// the process has exited, or we are not allowed to touch it.
func IsGone(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, process.ErrorProcessNotRunning) ||
		errors.Is(err, os.ErrProcessDone) ||
		errors.Is(err, syscall.ESRCH) ||
		errors.Is(err, syscall.EPERM) ||
		errors.Is(err, os.ErrPermission)
}

// TreeRSS sums the resident memory of pid and its live descendants. Only a
// failure to read the root is returned; descendants that vanish mid-walk
// count as zero.
func TreeRSS(ctx context.Context, in Inspector, pid int32) (uint64, []int32, error) {
	total, err := in.RSS(ctx, pid)
	if err != nil {
		return 0, nil, err
	}

	kids, err := in.Descendants(ctx, pid)
	if err != nil && !IsGone(err) {
		return total, nil, err
	}
	for _, k := range kids {
		rss, err := in.RSS(ctx, k)
		if err != nil {
			continue
		}
		total += rss
	}
	return total, kids, nil
}

// TopConsumers returns processes above minPercent of system memory, largest
// first, excluding skip.
func TopConsumers(list []Info, minPercent float32, limit int, skip ...int32) []Info {
	var out []Info
	for _, p := range list {
		if p.MemoryPercent <= minPercent || slices.Contains(skip, p.PID) {
			continue
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Info) int {
		switch {
		case a.MemoryPercent > b.MemoryPercent:
			return -1
		case a.MemoryPercent < b.MemoryPercent:
			return 1
		default:
			return int(a.PID - b.PID)
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// System inspects the local host through gopsutil
type System struct{}

// NewSystem creates a host inspector
func NewSystem() *System { return &System{} }

func (s *System) open(ctx context.Context, pid int32) (*process.Process, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func isZombie(ctx context.Context, p *process.Process) bool {
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return false
	}
	return slices.Contains(status, process.Zombie)
}

// RSS returns the resident set size of one process
func (s *System) RSS(ctx context.Context, pid int32) (uint64, error) {
	p, err := s.open(ctx, pid)
	if err != nil {
		return 0, err
	}
	info, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

// children maps every readable process to its direct children. Parent ids
// come from the process table (/proc/<pid>/stat on linux), never from a
// helper command, so it keeps working under tight NPROC and AS ceilings.
func (s *System) children(ctx context.Context) (map[int32][]*process.Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	tree := make(map[int32][]*process.Process, len(procs))
	for _, p := range procs {
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			// exited between listing and reading
			continue
		}
		tree[ppid] = append(tree[ppid], p)
	}
	return tree, nil
}

// Descendants walks the tree breadth first. A failure to enumerate the
// process table is returned; a process without children is not an error.
func (s *System) Descendants(ctx context.Context, pid int32) ([]int32, error) {
	tree, err := s.children(ctx)
	if err != nil {
		return nil, err
	}

	var out []int32
	seen := map[int32]bool{pid: true}
	queue := []int32{pid}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, c := range tree[cur] {
			if seen[c.Pid] || isZombie(ctx, c) {
				continue
			}
			seen[c.Pid] = true
			out = append(out, c.Pid)
			queue = append(queue, c.Pid)
		}
	}
	return out, nil
}

// Running reports whether pid exists and is not a zombie
func (s *System) Running(ctx context.Context, pid int32) bool {
	p, err := s.open(ctx, pid)
	if err != nil {
		return false
	}
	ok, err := p.IsRunningWithContext(ctx)
	if err != nil || !ok {
		return false
	}
	return !isZombie(ctx, p)
}

// Terminate sends SIGTERM
func (s *System) Terminate(ctx context.Context, pid int32) error {
	p, err := s.open(ctx, pid)
	if err != nil {
		return err
	}
	return p.TerminateWithContext(ctx)
}

// Kill sends SIGKILL
func (s *System) Kill(ctx context.Context, pid int32) error {
	p, err := s.open(ctx, pid)
	if err != nil {
		return err
	}
	return p.KillWithContext(ctx)
}

// List enumerates every readable process with its memory share
func (s *System) List(ctx context.Context) ([]Info, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Info, 0, len(procs))
	for _, p := range procs {
		pct, err := p.MemoryPercentWithContext(ctx)
		if err != nil {
			continue
		}
		info := Info{PID: p.Pid, MemoryPercent: pct}
		if name, err := p.NameWithContext(ctx); err == nil {
			info.Name = name
		}
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
			info.RSS = mi.RSS
		}
		out = append(out, info)
	}
	return out, nil
}
