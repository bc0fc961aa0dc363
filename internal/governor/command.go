package governor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/psantana5/fortress/internal/report"
)

// Command is an external process run as a governed workload. The process
// gets its own process group so a cancelled session takes down the whole
// group, not just the leader.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string

	Stdout io.Writer
	Stderr io.Writer

	// InjectProfileArgs appends the selected profile's launch flags
	InjectProfileArgs bool
}

// NewCommand creates a command workload writing to the parent's stdio
func NewCommand(path string, args ...string) *Command {
	return &Command{Path: path, Args: args, Stdout: os.Stdout, Stderr: os.Stderr}
}

// Name identifies the workload in session results
func (c *Command) Name() string {
	return filepath.Base(c.Path)
}

// Argv returns the final argument list for a session
func (c *Command) Argv(s *Session) []string {
	args := append([]string(nil), c.Args...)
	if c.InjectProfileArgs {
		args = append(args, s.Launch().Args()...)
	}
	return args
}

// Run starts the process, puts it under the breaker and, when enabled, a
// cgroup, then waits for it
func (c *Command) Run(ctx context.Context, s *Session) error {
	if c.Path == "" {
		return fmt.Errorf("no command given")
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Argv(s)...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	cmd.Stdin = nil
	configureProcessGroup(cmd, s.GracePeriod())

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", c.Name(), err)
	}

	pid := cmd.Process.Pid
	s.Attach(pid)
	s.Log.Info("Workload started", map[string]interface{}{
		"pid":     pid,
		"command": c.Name(),
		"profile": string(s.ProfileID),
	})

	if m := s.Cgroup(); m != nil {
		path, err := m.Setup(s.ID, pid, s.CgroupLimits())
		switch {
		case err != nil:
			s.Log.Warn("Cgroup confinement unavailable, continuing with rlimits only", map[string]interface{}{
				"error": err.Error(),
			})
		case path != "":
			defer func() {
				if err := m.Delete(path); err != nil {
					s.Log.Debug("Cgroup not removed", map[string]interface{}{"path": path, "error": err.Error()})
				}
			}()
		}
	}

	err := cmd.Wait()
	code, reason := exitStatus(cmd.ProcessState)
	s.Exited(code, reason)

	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s stopped after session cancellation (%s): %w", c.Name(), reason, err)
		}
		return fmt.Errorf("%s exited with %s: %w", c.Name(), reason, err)
	}
	return nil
}

// exitStatus derives the exit code and reason from a finished process
func exitStatus(ps *os.ProcessState) (int, report.ExitReason) {
	if ps == nil {
		return -1, report.ExitUnknown
	}
	return ps.ExitCode(), DetermineExitReason(ps)
}
