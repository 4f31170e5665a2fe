package main

import (
	"fmt"
	"os/user"

	"github.com/offlinefarm/dispatcher/pkg/request"
	"github.com/spf13/cobra"
)

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Manage requested tasks",
}

var requestCreateCmd = &cobra.Command{
	Use:   "create SCHEDULE...",
	Short: "Request one or more schedules",
	Long: `Request one or more schedules. Either every schedule is requested or,
when one of them is rejected (unknown, disabled, already requested), none is.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, _ := cmd.Flags().GetInt("priority")
		worker, _ := cmd.Flags().GetString("worker")
		by, _ := cmd.Flags().GetString("by")
		if by == "" {
			by = currentUser()
		}

		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		created, err := mgr.CreateRequestedTasks(cmd.Context(), request.Params{
			ScheduleNames: args,
			Priority:      priority,
			RequestedBy:   by,
			Worker:        worker,
		})
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(created)
		}
		for _, rt := range created {
			fmt.Printf("✓ %s requested: %s\n", rt.ScheduleName, rt.ID)
		}
		return nil
	},
}

var requestDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a requested task before a worker claims it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		if err := mgr.DeleteRequestedTask(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Requested task %s deleted\n", args[0])
		return nil
	},
}

var requestListCmd = &cobra.Command{
	Use:   "list",
	Short: "List requested tasks in claim order",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		queue, err := mgr.ListRequestedTasks(cmd.Context())
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(queue)
		}

		fmt.Printf("%-36s %-32s %-8s %-16s %-16s %s\n", "ID", "SCHEDULE", "PRIORITY", "REQUESTED BY", "WORKER", "CREATED")
		for _, rt := range queue {
			worker := rt.Worker
			if worker == "" {
				worker = "-"
			}
			fmt.Printf("%-36s %-32s %-8d %-16s %-16s %s\n",
				rt.ID, rt.ScheduleName, rt.Priority, rt.RequestedBy, worker, rt.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

func init() {
	requestCmd.AddCommand(requestCreateCmd)
	requestCmd.AddCommand(requestDeleteCmd)
	requestCmd.AddCommand(requestListCmd)

	requestCreateCmd.Flags().IntP("priority", "p", 0, "Priority, higher is claimed first")
	requestCreateCmd.Flags().StringP("worker", "w", "", "Pin the requests to this worker")
	requestCreateCmd.Flags().String("by", "", "Requester name (default: current user)")
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "cli"
}
