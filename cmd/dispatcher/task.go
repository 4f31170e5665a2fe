package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/dustin/go-humanize"
	"github.com/offlinefarm/dispatcher/pkg/lifecycle"
	"github.com/offlinefarm/dispatcher/pkg/reservation"
	"github.com/offlinefarm/dispatcher/pkg/storage"
	"github.com/offlinefarm/dispatcher/pkg/types"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and drive tasks",
}

var taskGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		task, err := mgr.GetTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(task)
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, most recently updated first",
	RunE: func(cmd *cobra.Command, args []string) error {
		statuses, _ := cmd.Flags().GetStringSlice("status")
		worker, _ := cmd.Flags().GetString("worker")
		scheduleName, _ := cmd.Flags().GetString("schedule")

		filter := storage.TaskFilter{Worker: worker}
		for _, s := range statuses {
			status := types.Status(s)
			if !status.Valid() {
				return fmt.Errorf("unknown status %q: %w", s, errdefs.ErrInvalidArgument)
			}
			filter.Statuses = append(filter.Statuses, status)
		}

		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		if scheduleName != "" {
			schedule, err := mgr.GetSchedule(cmd.Context(), scheduleName)
			if err != nil {
				return err
			}
			filter.ScheduleID = schedule.ID
		}

		tasks, err := mgr.ListTasks(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(tasks)
		}

		fmt.Printf("%-36s %-32s %-18s %-16s %s\n", "ID", "SCHEDULE", "STATUS", "WORKER", "UPDATED")
		for _, t := range tasks {
			name := t.OriginalScheduleName
			if t.Orphaned() {
				name += " (deleted)"
			}
			fmt.Printf("%-36s %-32s %-18s %-16s %s\n",
				t.ID, name, t.Status, t.WorkerName, humanize.Time(t.UpdatedAt))
		}
		return nil
	},
}

var taskEventCmd = &cobra.Command{
	Use:   "event ID EVENT",
	Short: "Report an event for a task",
	Long: `Report an event for a task. EVENT is a status to move the task to
(started, scraper_started, scraper_running, scraper_completed, scraper_killed,
succeeded, failed, cancel_requested, canceling, canceled) or one of update,
created_file, uploaded_file, failed_file, checked_file.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, _ := cmd.Flags().GetString("actor")
		if actor == "" {
			actor = currentUser()
		}
		payload := lifecycle.Payload{Actor: actor}

		if file, _ := cmd.Flags().GetString("file"); file != "" {
			size, _ := cmd.Flags().GetString("size")
			info, _ := cmd.Flags().GetString("info")
			payload.File = &types.FileRecord{Name: file, Info: info}
			if size != "" {
				n, err := humanize.ParseBytes(size)
				if err != nil {
					return fmt.Errorf("invalid --size %q: %w", size, errdefs.ErrInvalidArgument)
				}
				payload.File.Size = int64(n)
			}
		}

		container, _ := cmd.Flags().GetStringToString("container")
		if len(container) > 0 {
			payload.Container = make(map[string]interface{}, len(container))
			for k, v := range container {
				payload.Container[k] = jsonValue(v)
			}
		}

		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		task, err := mgr.ApplyTaskEvent(cmd.Context(), args[0], types.Event(args[1]), payload)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(task)
		}
		fmt.Printf("✓ Task %s is %s\n", task.ID, task.Status)
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Ask for a task to be canceled",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		by, _ := cmd.Flags().GetString("by")
		if by == "" {
			by = currentUser()
		}

		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		task, err := mgr.CancelTask(cmd.Context(), args[0], by)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Task %s is %s\n", task.ID, task.Status)
		return nil
	},
}

var taskClaimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Claim the best eligible requested task for a worker",
	Long: `Claim the best eligible requested task for a worker, reporting the
worker's capacity at the same time. With --wait the command polls at the
configured interval until a task is reserved.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		poll, err := readPoll(cmd)
		if err != nil {
			return err
		}
		wait, _ := cmd.Flags().GetBool("wait")

		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		mgr, err := newManager(cfg)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		var task *types.Task
		if wait {
			limiter := reservation.NewPollLimiter(cfg.Reservation.PollInterval.Std())
			task, err = mgr.WaitForTask(cmd.Context(), poll, limiter)
		} else {
			task, err = mgr.ClaimTask(cmd.Context(), poll)
		}
		if errors.Is(err, reservation.ErrNoTask) {
			fmt.Println("No task available")
			return nil
		}
		if err != nil {
			return err
		}
		return printJSON(task)
	},
}

func init() {
	taskCmd.AddCommand(taskGetCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskEventCmd)
	taskCmd.AddCommand(taskCancelCmd)
	taskCmd.AddCommand(taskClaimCmd)

	taskListCmd.Flags().StringSlice("status", nil, "Only tasks in these statuses")
	taskListCmd.Flags().String("worker", "", "Only tasks of this worker")
	taskListCmd.Flags().String("schedule", "", "Only tasks of this schedule")

	taskEventCmd.Flags().String("actor", "", "Who reports the event (default: current user)")
	taskEventCmd.Flags().String("file", "", "File name, required by file events")
	taskEventCmd.Flags().String("size", "", "File size, e.g. 1.2GB")
	taskEventCmd.Flags().String("info", "", "File check details")
	taskEventCmd.Flags().StringToString("container", nil, "Container metadata to merge, key=value")

	taskCancelCmd.Flags().String("by", "", "Who cancels the task (default: current user)")

	addPollFlags(taskClaimCmd)
	taskClaimCmd.Flags().Bool("wait", false, "Poll until a task is reserved")
}

// jsonValue decodes v as JSON when it is valid JSON and keeps the raw
// string otherwise
func jsonValue(v string) interface{} {
	var out interface{}
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return v
	}
	return out
}
