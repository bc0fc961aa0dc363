package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/fortress/internal/probe"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Show host capacity and current memory pressure",
	RunE:  runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

type probeReport struct {
	Snapshot        probe.Snapshot `json:"snapshot" yaml:"snapshot"`
	MemoryUsedRatio float64        `json:"memory_used_ratio" yaml:"memory_used_ratio"`
	SwapUsedRatio   float64        `json:"swap_used_ratio" yaml:"swap_used_ratio"`
}

func runProbe(cmd *cobra.Command, args []string) error {
	sys := probe.NewSystem()
	snap := sys.Snapshot(cmd.Context())
	press, err := sys.Pressure(cmd.Context())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to sample pressure: %v\n", err)
	}

	rep := probeReport{Snapshot: snap, MemoryUsedRatio: press.MemoryUsedRatio, SwapUsedRatio: press.SwapUsedRatio}
	if done, err := printStructured(rep); done {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Property", "Value")
	table.Append([]string{"Platform", snap.Platform + "/" + snap.Arch})
	table.Append([]string{"CPU cores", fmt.Sprintf("%d", snap.CPUCores)})
	table.Append([]string{"Total RAM", probe.FormatBytes(snap.TotalRAM)})
	table.Append([]string{"Available RAM", probe.FormatBytes(snap.AvailableRAM)})
	table.Append([]string{"Swap", fmt.Sprintf("%s used of %s", probe.FormatBytes(snap.SwapUsed), probe.FormatBytes(snap.SwapTotal))})
	table.Append([]string{"Disk free", probe.FormatBytes(snap.DiskFree)})
	table.Append([]string{"Memory used", fmt.Sprintf("%.1f%%", press.MemoryUsedRatio*100)})
	table.Append([]string{"Swap used", fmt.Sprintf("%.1f%%", press.SwapUsedRatio*100)})
	if snap.Degraded() {
		table.Append([]string{"Unreadable", strings.Join(snap.Unknown, ", ")})
	}
	table.Render()
	return nil
}
