//go:build !linux && !darwin

package governor

import (
	"os"
	"os/exec"
	"time"

	"github.com/psantana5/fortress/internal/report"
)

func configureProcessGroup(cmd *exec.Cmd, grace time.Duration) {
	cmd.WaitDelay = grace
}

// DetermineExitReason only distinguishes success from failure here
func DetermineExitReason(ps *os.ProcessState) report.ExitReason {
	if ps.Success() {
		return report.ExitSuccess
	}
	return report.ExitError
}
