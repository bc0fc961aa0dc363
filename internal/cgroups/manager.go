// Package cgroups places a spawned workload in its own cgroup with memory,
// swap and pids ceilings.
//
// Everything here is best effort. Without write access to the hierarchy the
// manager returns an empty path and the workload runs under rlimits and the
// watchdogs alone.
package cgroups

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const DefaultRoot = "/sys/fs/cgroup"

// Manager handles cgroup lifecycle only: create, limit, join, delete.
type Manager struct {
	root    string
	version int
	parent  string

	delegate sync.Once
}

// Option configures a Manager
type Option func(*Manager)

// WithRoot points the manager at another hierarchy mount
func WithRoot(root string) Option {
	return func(m *Manager) { m.root = root }
}

// WithParent sets the sub-directory sessions are created under
func WithParent(parent string) Option {
	return func(m *Manager) { m.parent = parent }
}

// New creates a cgroup manager, detecting v1 or v2 under the root
func New(opts ...Option) *Manager {
	m := &Manager{root: DefaultRoot, parent: "fortress"}
	for _, opt := range opts {
		opt(m)
	}
	m.version = Version(m.root)
	return m
}

// Version returns the cgroup version mounted at root (1 or 2)
func Version(root string) int {
	if _, err := os.Stat(filepath.Join(root, "cgroup.controllers")); err == nil {
		return 2
	}
	return 1
}

// Version returns the detected hierarchy version
func (m *Manager) Version() int { return m.version }

// Create makes the session cgroup. A permission error yields "" and no error.
func (m *Manager) Create(sessionID string) (string, error) {
	if sessionID == "" {
		sessionID = fmt.Sprintf("unnamed-%d", os.Getpid())
	}
	name := filepath.Join(m.parent, sessionID)

	if m.version == 2 {
		path := filepath.Join(m.root, name)
		if err := os.MkdirAll(path, 0755); err != nil {
			if os.IsPermission(err) {
				return "", nil
			}
			return "", err
		}
		m.delegate.Do(m.enableControllers)
		return path, nil
	}

	memPath := filepath.Join(m.root, "memory", name)
	if err := os.MkdirAll(memPath, 0755); err != nil {
		if os.IsPermission(err) {
			return "", nil
		}
		return "", err
	}
	_ = os.MkdirAll(filepath.Join(m.root, "pids", name), 0755)
	return memPath, nil
}

// v2 controllers a session cgroup needs for its ceilings
var sessionControllers = []string{"memory", "pids"}

// enableControllers turns on the memory and pids controllers from the root
// down to the parent so memory.max and pids.max exist in session cgroups.
// Failures leave the session on rlimits only.
func (m *Manager) enableControllers() {
	dirs := []string{m.root}
	cur := m.root
	for _, part := range strings.Split(filepath.Clean(m.parent), string(filepath.Separator)) {
		if part == "" || part == "." {
			continue
		}
		cur = filepath.Join(cur, part)
		dirs = append(dirs, cur)
	}

	all := "+" + strings.Join(sessionControllers, " +")
	for _, dir := range dirs {
		if writeValue(dir, "cgroup.subtree_control", all) == nil {
			continue
		}
		// one unavailable controller fails the combined write
		for _, c := range sessionControllers {
			_ = writeValue(dir, "cgroup.subtree_control", "+"+c)
		}
	}
}

func writeValue(path, file, value string) error {
	return os.WriteFile(filepath.Join(path, file), []byte(value), 0644)
}

// pidsPath maps a v1 memory controller path onto its pids sibling
func (m *Manager) pidsPath(path string) string {
	if m.version == 2 {
		return path
	}
	return strings.Replace(path, filepath.Join(m.root, "memory"), filepath.Join(m.root, "pids"), 1)
}

// SetMemoryMax writes memory.max (v2) or memory.limit_in_bytes (v1)
func (m *Manager) SetMemoryMax(path string, bytes uint64) error {
	if path == "" || bytes == 0 {
		return nil
	}
	v := strconv.FormatUint(bytes, 10)
	if m.version == 2 {
		return writeValue(path, "memory.max", v)
	}
	return writeValue(path, "memory.limit_in_bytes", v)
}

// SetSwapMax writes memory.swap.max (v2) or memory.memsw.limit_in_bytes
// (v1). In v1 memsw counts memory plus swap, so memBytes is added.
func (m *Manager) SetSwapMax(path string, swapBytes, memBytes uint64) error {
	if path == "" {
		return nil
	}
	if m.version == 2 {
		return writeValue(path, "memory.swap.max", strconv.FormatUint(swapBytes, 10))
	}
	if memBytes == 0 {
		return nil
	}
	return writeValue(path, "memory.memsw.limit_in_bytes", strconv.FormatUint(memBytes+swapBytes, 10))
}

// SetPidsMax writes pids.max
func (m *Manager) SetPidsMax(path string, n uint64) error {
	if path == "" || n == 0 {
		return nil
	}
	return writeValue(m.pidsPath(path), "pids.max", strconv.FormatUint(n, 10))
}

// Join moves a PID into the cgroup
func (m *Manager) Join(path string, pid int) error {
	if path == "" {
		return nil
	}
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}

	procs := strconv.Itoa(pid)
	if err := writeValue(path, "cgroup.procs", procs); err != nil {
		return err
	}
	if m.version == 1 {
		_ = writeValue(m.pidsPath(path), "cgroup.procs", procs)
	}
	return nil
}

// Limits is what a session asks of its cgroup
type Limits struct {
	MemoryMax uint64
	SwapMax   uint64
	PidsMax   uint64
}

// Setup creates, limits and joins in one go and returns the path for
// Delete. Any failure after Create removes the cgroup again.
func (m *Manager) Setup(sessionID string, pid int, l Limits) (string, error) {
	path, err := m.Create(sessionID)
	if err != nil || path == "" {
		return "", err
	}

	steps := []func() error{
		func() error { return m.SetMemoryMax(path, l.MemoryMax) },
		func() error { return m.SetSwapMax(path, l.SwapMax, l.MemoryMax) },
		func() error { return m.SetPidsMax(path, l.PidsMax) },
		func() error { return m.Join(path, pid) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			_ = m.Delete(path)
			return "", err
		}
	}
	return path, nil
}

// Delete removes the cgroup directory. The kernel refuses while tasks are
// still inside, which callers treat as best effort.
func (m *Manager) Delete(path string) error {
	if path == "" {
		return nil
	}
	if m.version == 1 {
		_ = os.Remove(m.pidsPath(path))
	}
	return os.Remove(path)
}
