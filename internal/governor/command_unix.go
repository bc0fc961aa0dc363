//go:build linux || darwin

package governor

import (
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/psantana5/fortress/internal/report"
)

// configureProcessGroup makes the process its own group leader. On
// cancellation the group gets SIGTERM and, after grace, the leader SIGKILL.
func configureProcessGroup(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = grace
}

// DetermineExitReason maps a wait status onto an exit reason. SIGXCPU is
// what RLIMIT_CPU delivers; 137 from a shell wrapper is the OOM killer.
func DetermineExitReason(ps *os.ProcessState) report.ExitReason {
	ws, ok := ps.Sys().(syscall.WaitStatus)
	if !ok {
		if ps.Success() {
			return report.ExitSuccess
		}
		return report.ExitUnknown
	}

	switch {
	case ws.Exited():
		switch ws.ExitStatus() {
		case 0:
			return report.ExitSuccess
		case 137:
			return report.ExitOOM
		default:
			return report.ExitError
		}
	case ws.Signaled():
		if ws.Signal() == syscall.SIGXCPU {
			return report.ExitCPULimit
		}
		return report.ExitSignal
	}
	return report.ExitUnknown
}
