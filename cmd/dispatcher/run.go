package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one background pass now",
	Long: `Run one pass of a background job against the store and exit. Useful
from cron or while "dispatcher serve" is not running.`,
}

var runSchedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Request every schedule that is due",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		result, err := mgr.RunPeriodicScheduler(cmd.Context())
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(result)
		}
		fmt.Printf("Requested: %d, skipped: %d, failed: %d\n", len(result.Requested), result.Skipped, result.Failed)
		for _, name := range result.Requested {
			fmt.Printf("  %s\n", name)
		}
		return nil
	},
}

var runReaperCmd = &cobra.Command{
	Use:   "reaper",
	Short: "Cancel tasks stuck in a status for too long",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		result, err := mgr.RunStaleReaper(cmd.Context())
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(result)
		}
		fmt.Printf("Cancel requested: %d, canceled: %d, failed: %d\n",
			len(result.CancelRequested), len(result.Canceled), result.Failed)
		return nil
	},
}

var runCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete task history beyond the per-schedule ceiling",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		result, err := mgr.RunHistoryCleanup(cmd.Context())
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(result)
		}
		fmt.Printf("Deleted: %d, failed: %d\n", len(result.Deleted), result.Failed)
		return nil
	},
}

func init() {
	runCmd.AddCommand(runSchedulerCmd)
	runCmd.AddCommand(runReaperCmd)
	runCmd.AddCommand(runCleanupCmd)
}
