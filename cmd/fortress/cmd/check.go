package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/fortress/internal/preflight"
	"github.com/psantana5/fortress/internal/probe"
	"github.com/psantana5/fortress/internal/profile"
)

var (
	checkModelSizeGB float64
	checkContext     int
	checkBatch       int
	checkTotalLayers int
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Show the profile and pre-flight verdict for a model size",
	Long: `Probes the host, selects the execution profile for the given model size and
runs the pre-flight check without launching anything. Exits with status 2
when the launch would be refused.`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().Float64Var(&checkModelSizeGB, "model-size-gb", 0, "model size in GB (required)")
	checkCmd.Flags().IntVar(&checkContext, "context", 0, "override the profile's context size")
	checkCmd.Flags().IntVar(&checkBatch, "batch", 0, "override the profile's batch size")
	checkCmd.Flags().IntVar(&checkTotalLayers, "total-layers", 32, "model layer count for GPU layer policy")
	checkCmd.MarkFlagRequired("model-size-gb")
}

// CheckReport is the output of `fortress check`
type CheckReport struct {
	Snapshot  probe.Snapshot       `json:"snapshot" yaml:"snapshot"`
	ProfileID profile.ID           `json:"profile_id" yaml:"profile_id"`
	Ratio     float64              `json:"ratio" yaml:"ratio"`
	Profile   profile.Profile      `json:"profile" yaml:"profile"`
	Launch    profile.LaunchParams `json:"launch" yaml:"launch"`
	Estimate  profile.Estimate     `json:"estimate" yaml:"estimate"`
	Verdict   preflight.Verdict    `json:"verdict" yaml:"verdict"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	if checkModelSizeGB <= 0 {
		return fmt.Errorf("--model-size-gb must be positive")
	}
	size := uint64(checkModelSizeGB * probe.GiB)

	snap := probe.NewSystem().Snapshot(cmd.Context())
	id, p := profile.Select(size, snap.AvailableRAM)
	if checkContext > 0 {
		p.ContextSize = checkContext
	}
	if checkBatch > 0 {
		p.BatchSize = checkBatch
	}

	rep := CheckReport{
		Snapshot:  snap,
		ProfileID: id,
		Ratio:     profile.Ratio(size, snap.AvailableRAM),
		Profile:   p,
		Launch:    p.Launch(checkTotalLayers, size, snap.AvailableRAM),
		Estimate:  profile.EstimatePerformance(size, p, snap.AvailableRAM),
		Verdict:   preflight.NewChecker(snap).Assess(size, p.ContextSize, p.BatchSize),
	}

	if done, err := printStructured(rep); done {
		if err != nil {
			return err
		}
		return verdictExit(rep.Verdict)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Property", "Value")
	table.Append([]string{"Available RAM", probe.FormatBytes(snap.AvailableRAM)})
	table.Append([]string{"Model size", probe.FormatBytes(size)})
	table.Append([]string{"Ratio", fmt.Sprintf("%.2f", rep.Ratio)})
	table.Append([]string{"Profile", string(id)})
	table.Append([]string{"Description", p.Description})
	table.Append([]string{"Context / batch", fmt.Sprintf("%d / %d", p.ContextSize, p.BatchSize)})
	table.Append([]string{"GPU layers", fmt.Sprintf("%d (%s)", rep.Launch.GPULayers, p.GPULayers)})
	table.Append([]string{"Memory mapping", yesNo(p.MemoryMapping)})
	table.Append([]string{"Sequential loading", yesNo(p.SequentialLoading)})
	table.Append([]string{"Tokens/s (est.)", fmt.Sprintf("%.1f", rep.Estimate.TokensPerSecond)})
	table.Append([]string{"Loading time (est.)", rep.Estimate.LoadingTime.Round(1e9).String()})
	table.Append([]string{"I/O intensity", rep.Estimate.IOIntensity})
	table.Append([]string{"Verdict", rep.Verdict.Classification.String()})
	table.Append([]string{"Needed", probe.FormatBytes(rep.Verdict.NeededBytes)})
	table.Render()

	fmt.Printf("\n%s\n", rep.Verdict.Message)
	if rec := rep.Verdict.Advisory.Recommendation; rec != "" {
		fmt.Printf("Recommendation: %s\n", rec)
	}
	if snap.Degraded() {
		fmt.Printf("Warning: could not read %v\n", snap.Unknown)
	}
	return verdictExit(rep.Verdict)
}

func verdictExit(v preflight.Verdict) error {
	if v.Admitted() {
		return nil
	}
	return &ExitCodeError{Code: 2}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
