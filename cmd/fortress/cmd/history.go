package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/fortress/internal/store"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent governed sessions",
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of sessions to show (0 for all)")
	historyCmd.Flags().String("history-db", "", "session history DSN (SQLite path or postgres:// URL)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	applyFlagOverrides(cmd, map[string]string{"history.dsn": "history-db"})
	f, err := loadConfig()
	if err != nil {
		return err
	}
	if f.History.DSN == "" {
		return fmt.Errorf("no session history configured; set history.dsn or --history-db")
	}

	s, err := store.Open(f.StoreConfig())
	if err != nil {
		return fmt.Errorf("failed to open session history: %w", err)
	}
	defer s.Close()

	sessions, err := s.Recent(cmd.Context(), historyLimit)
	if err != nil {
		return fmt.Errorf("failed to read session history: %w", err)
	}
	if done, err := printStructured(sessions); done {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Session", "Started", "Workload", "Profile", "Verdict", "Outcome", "Runtime", "Peak RSS")
	for _, r := range sessions {
		table.Append(
			r.SessionID,
			r.StartTime.Local().Format("2006-01-02 15:04:05"),
			r.Workload,
			r.Profile,
			r.Verdict,
			string(r.Outcome),
			r.Duration.Round(1e8).String(),
			fmt.Sprintf("%.2f GB", float64(r.PeakRSS)/(1<<30)),
		)
	}
	table.Render()
	fmt.Printf("\nTotal sessions: %d\n", len(sessions))
	return nil
}
