package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/fortress/internal/governor"
	"github.com/psantana5/fortress/internal/probe"
	"github.com/psantana5/fortress/internal/report"
	"github.com/psantana5/fortress/internal/statusapi"
	"github.com/psantana5/fortress/internal/store"
	"github.com/psantana5/fortress/pkg/shutdown"
	"github.com/psantana5/fortress/pkg/tracing"
)

var (
	runModelSizeGB  float64
	runInjectArgs   bool
	runPrintJSON    bool
	runStatusLinger time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- <command> [args...]",
	Short: "Run a command under the resource governor",
	Long: `Runs an external command (typically a model server) under governance.

The declared model size selects the execution profile and drives the
pre-flight check. Launches classified UNSAFE are refused. Admitted launches
run with rlimits applied, a system circuit breaker and a memory guardian on
the process tree.

Examples:
  fortress run --model-size-gb 40 -- llama-server -m model.gguf
  fortress run --model-size-gb 13 --inject-profile-args -- llama-cli -m m.gguf -p hi`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGoverned,
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.Float64Var(&runModelSizeGB, "model-size-gb", 0, "declared workload size in GB (required)")
	f.BoolVar(&runInjectArgs, "inject-profile-args", false, "append the profile's --ctx-size/--batch-size/--n-gpu-layers flags")
	f.BoolVar(&runPrintJSON, "json", false, "print the session result as JSON on exit")
	f.DurationVar(&runStatusLinger, "status-linger", 0, "keep the status API up this long after the workload exits")
	runCmd.MarkFlagRequired("model-size-gb")

	f.Float64("memory-ceiling-gb", 0, "process tree memory ceiling in GB")
	f.String("grace", "", "SIGTERM to SIGKILL grace period, e.g. 3s")
	f.String("poll", "", "monitor poll interval, e.g. 500ms")
	f.Float64("memory-threshold", 0, "system memory percent that trips the breaker")
	f.Float64("swap-threshold", 0, "system swap percent that trips the breaker")
	f.Uint64("max-processes", 0, "RLIMIT_NPROC ceiling")
	f.Uint64("max-cpu-seconds", 0, "RLIMIT_CPU ceiling")
	f.Int("total-layers", 0, "model layer count for GPU layer policy")
	f.Bool("cgroup", false, "confine the command in a cgroup")
	f.Bool("no-self-destruct", false, "never exit the governor when containment fails")
	f.String("status-addr", "", "serve the status API on this address")
	f.String("history-db", "", "session history DSN (SQLite path or postgres:// URL)")

	// everything after the command name belongs to the command
	f.SetInterspersed(false)
}

// runFlagKeys maps config keys to the run flags that override them
var runFlagKeys = map[string]string{
	"governor.memory_ceiling_gb":    "memory-ceiling-gb",
	"governor.grace_period":         "grace",
	"governor.poll_interval":        "poll",
	"governor.memory_threshold_pct": "memory-threshold",
	"governor.swap_threshold_pct":   "swap-threshold",
	"governor.max_processes":        "max-processes",
	"governor.max_cpu_seconds":      "max-cpu-seconds",
	"governor.total_layers":         "total-layers",
	"governor.use_cgroup":           "cgroup",
	"status.addr":                   "status-addr",
	"history.dsn":                   "history-db",
}

// applyFlagOverrides lets a flag override the config only when it was set
func applyFlagOverrides(cmd *cobra.Command, keys map[string]string) {
	for key, name := range keys {
		if fl := cmd.Flags().Lookup(name); fl != nil && fl.Changed {
			viper.Set(key, fl.Value.String())
		}
	}
}

func runGoverned(cmd *cobra.Command, args []string) error {
	applyFlagOverrides(cmd, runFlagKeys)
	f, err := loadConfig()
	if err != nil {
		return err
	}
	if noSD, _ := cmd.Flags().GetBool("no-self-destruct"); noSD {
		f.Governor.SelfDestruct = false
	}
	gcfg, err := f.ToGovernor()
	if err != nil {
		return err
	}
	if runModelSizeGB <= 0 {
		return fmt.Errorf("--model-size-gb must be positive")
	}

	log := newLogger(f, "run")
	defer log.Close()

	ctx, stop := shutdown.SignalContext(cmd.Context())
	defer stop()

	cleanup := shutdown.New(10*time.Second, log)
	defer cleanup.Shutdown()

	tracer, err := tracing.InitTracer(ctx, f.TracingConfig(Version), log)
	if err != nil {
		log.Warn("Tracing unavailable", map[string]interface{}{"error": err.Error()})
	} else {
		cleanup.Register("tracer", tracer.Shutdown)
	}

	var history store.Store
	if f.History.DSN != "" || f.History.Type != "" {
		history, err = store.Open(f.StoreConfig())
		if err != nil {
			log.Warn("Session history unavailable", map[string]interface{}{"error": err.Error()})
			history = nil
		} else {
			cleanup.Register("history", shutdown.CloseResource(history))
		}
	}

	metrics := report.NewMetrics()
	violations := report.NewViolationLog(200)

	gov, err := governor.New(gcfg,
		governor.WithLogger(log),
		governor.WithMetrics(metrics),
		governor.WithViolations(violations),
		governor.WithStore(history),
		governor.WithTracer(tracer),
	)
	if err != nil {
		return err
	}

	if f.Status.Addr != "" {
		h := statusapi.NewHandler(gov,
			statusapi.WithMetrics(metrics),
			statusapi.WithViolations(violations),
			statusapi.WithHistory(history),
			statusapi.WithTracer(tracer),
			statusapi.WithLogger(log),
			statusapi.WithTokenHash(f.Status.TokenHash),
		)
		srv, err := statusapi.Listen(f.Status.Addr, h)
		if err != nil {
			return fmt.Errorf("failed to start status API: %w", err)
		}
		cleanup.Register("status api", srv.Shutdown)
	}

	workload := governor.NewCommand(args[0], args[1:]...)
	workload.InjectProfileArgs = runInjectArgs

	res, runErr := gov.Govern(ctx, workload, uint64(runModelSizeGB*probe.GiB))

	if f.Status.Addr != "" && runStatusLinger > 0 {
		select {
		case <-time.After(runStatusLinger):
		case <-ctx.Done():
		}
	}

	if runPrintJSON && res != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(res)
	}

	if runErr == nil {
		return nil
	}
	return &ExitCodeError{Code: exitCodeFor(res, runErr), Err: runErr}
}

// exitCodeFor mirrors the workload's own exit code when it has one
func exitCodeFor(res *report.Result, err error) int {
	switch {
	case errors.Is(err, governor.ErrAdmissionRejected):
		return 2
	case errors.Is(err, governor.ErrLimitApplicationFailed):
		return 3
	case errors.Is(err, governor.ErrSystemTrip), errors.Is(err, governor.ErrGuardianTermination):
		return 137
	case res != nil && res.ExitCode > 0:
		return res.ExitCode
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}
