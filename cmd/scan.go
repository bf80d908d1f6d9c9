package cmd

import (
	"github.com/spf13/cobra"
)

var scanRebuild bool

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a single import pass over the session logs",
	Long: `Scan discovers session log files, parses whatever changed since the
last pass, and reconciles the database. With --rebuild every stored
session is discarded first and the whole tree is re-imported.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return scanRun(cmd)
	},
}

func init() {
	scanCmd.Flags().BoolVar(&scanRebuild, "rebuild", false, "Discard all sessions and re-import from scratch")
	rootCmd.AddCommand(scanCmd)
}

func scanRun(cmd *cobra.Command) error {
	orch, err := newOrchestrator(false)
	if err != nil {
		return err
	}
	defer dataStore.Close()

	if dryRun && scanRebuild {
		ui.DryRunMsg("Would discard all sessions and re-import")
		return nil
	}

	stats, err := orch.RescanOnce(cmd.Context(), scanRebuild)
	if err != nil {
		return err
	}
	ui.Success("scan complete: %s", stats)
	if stats.BudgetHit {
		ui.Warning("byte budget reached; run scan again to finish the backlog")
	}
	return nil
}
