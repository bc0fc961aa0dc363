//go:build linux || darwin

package governor

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/fortress/internal/limits"
	"github.com/psantana5/fortress/internal/probe"
	"github.com/psantana5/fortress/internal/proctree"
	"github.com/psantana5/fortress/internal/report"
)

// realGovernor inspects real processes but keeps rlimits and the host probe fake
func realGovernor(t *testing.T) *Governor {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	gov, err := New(DefaultConfig(),
		WithProber(&probe.Static{Snap: probe.Snapshot{AvailableRAM: 16 * gib, TotalRAM: 16 * gib}}),
		WithInspector(proctree.NewSystem()),
		WithEnforcer(limits.New(limits.WithRLimiter(newFakeRLimiter()))),
		WithSelfPID(int32(os.Getpid())),
		WithExit(func(int) { t.Error("self-destruct during command test") }),
	)
	require.NoError(t, err)
	return gov
}

func TestCommandSuccess(t *testing.T) {
	gov := realGovernor(t)
	var out bytes.Buffer
	cmd := &Command{Path: "sh", Args: []string{"-c", "echo hello"}, Stdout: &out}

	res, err := gov.Govern(context.Background(), cmd, gib)
	require.NoError(t, err)

	assert.Equal(t, "hello\n", out.String())
	assert.Equal(t, "sh", res.Workload)
	assert.Positive(t, res.PID)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, report.ExitSuccess, res.ExitReason)
}

func TestCommandExitCode(t *testing.T) {
	gov := realGovernor(t)

	res, err := gov.Govern(context.Background(), &Command{Path: "sh", Args: []string{"-c", "exit 3"}}, gib)

	assert.ErrorIs(t, err, ErrWorkloadFailure)
	var ee *exec.ExitError
	assert.ErrorAs(t, err, &ee)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, report.ExitError, res.ExitReason)
}

func TestCommandCPULimitSignal(t *testing.T) {
	gov := realGovernor(t)

	res, err := gov.Govern(context.Background(), &Command{Path: "sh", Args: []string{"-c", "kill -s XCPU $$"}}, gib)

	assert.ErrorIs(t, err, ErrWorkloadFailure)
	assert.Equal(t, report.ExitCPULimit, res.ExitReason)
}

func TestCommandStartFailure(t *testing.T) {
	gov := realGovernor(t)

	_, err := gov.Govern(context.Background(), &Command{Path: "/nonexistent/fortress-workload"}, gib)
	assert.ErrorIs(t, err, ErrWorkloadFailure)
	assert.Contains(t, err.Error(), "failed to start")
}

func TestCommandInjectsProfileArgs(t *testing.T) {
	s := &Session{Profile: mustDirect(t), totalLayers: 40}
	c := &Command{Path: "llama-server", Args: []string{"-m", "model.gguf"}, InjectProfileArgs: true}

	assert.Equal(t, []string{
		"-m", "model.gguf",
		"--ctx-size", "8192", "--batch-size", "512", "--n-gpu-layers", "40", "--no-mmap",
	}, c.Argv(s))

	c.InjectProfileArgs = false
	assert.Equal(t, []string{"-m", "model.gguf"}, c.Argv(s))
	assert.Equal(t, "llama-server", c.Name())
}
