package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/fortress/internal/profile"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List the execution profiles",
	Long: `Lists the four execution profiles in order of increasing memory pressure
tolerance. Selection uses the ratio of model size to available RAM:
up to 0.8 direct, up to 3 light-mapped, up to 10 aggressive-mapped, beyond
that ultra-conservative.`,
	RunE: runProfiles,
}

func init() {
	rootCmd.AddCommand(profilesCmd)
}

func runProfiles(cmd *cobra.Command, args []string) error {
	catalog := profile.Catalog()
	if done, err := printStructured(catalog); done {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Context", "Batch", "GPU Layers", "Mmap", "Streaming", "Sequential", "Description")
	for _, p := range catalog {
		table.Append(
			string(p.ID),
			fmt.Sprintf("%d", p.ContextSize),
			fmt.Sprintf("%d", p.BatchSize),
			p.GPULayers.String(),
			yesNo(p.MemoryMapping),
			yesNo(p.Streaming),
			yesNo(p.SequentialLoading),
			p.Description,
		)
	}
	table.Render()
	return nil
}
