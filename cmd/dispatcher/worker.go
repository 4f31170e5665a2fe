package main

import (
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/dustin/go-humanize"
	"github.com/offlinefarm/dispatcher/pkg/reservation"
	"github.com/offlinefarm/dispatcher/pkg/types"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage workers",
}

var workerCheckinCmd = &cobra.Command{
	Use:   "checkin",
	Short: "Record a worker's capacity without claiming work",
	RunE: func(cmd *cobra.Command, args []string) error {
		poll, err := readPoll(cmd)
		if err != nil {
			return err
		}

		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		worker, err := mgr.CheckInWorker(cmd.Context(), poll)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Worker %s checked in\n", worker.Name)
		return nil
	},
}

var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		workers, err := mgr.ListWorkers(cmd.Context())
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(workers)
		}

		fmt.Printf("%-24s %-4s %-10s %-10s %-32s %s\n", "NAME", "CPU", "MEMORY", "DISK", "OFFLINERS", "LAST SEEN")
		for _, w := range workers {
			seen := humanize.Time(w.LastSeen)
			if w.Deleted {
				seen = "deleted"
			}
			fmt.Printf("%-24s %-4d %-10s %-10s %-32s %s\n",
				w.Name,
				w.Resources.CPU,
				humanize.IBytes(uint64(w.Resources.Memory)),
				humanize.IBytes(uint64(w.Resources.Disk)),
				strings.Join(w.Offliners, ","),
				seen,
			)
		}
		return nil
	},
}

var workerDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Mark a worker deleted so it can no longer claim work",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		if err := mgr.DeleteWorker(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Worker %s deleted\n", args[0])
		return nil
	},
}

func init() {
	workerCmd.AddCommand(workerCheckinCmd)
	workerCmd.AddCommand(workerListCmd)
	workerCmd.AddCommand(workerDeleteCmd)

	addPollFlags(workerCheckinCmd)
}

// addPollFlags adds the capacity flags a worker reports
func addPollFlags(cmd *cobra.Command) {
	cmd.Flags().String("worker", "", "Worker name (required)")
	cmd.Flags().Int("cpu", 0, "Available CPU cores")
	cmd.Flags().String("memory", "0", "Available memory, e.g. 16GiB")
	cmd.Flags().String("disk", "0", "Available disk, e.g. 500GB")
	cmd.Flags().StringSlice("offliner", nil, "Offliners the worker runs")
	cmd.Flags().StringToInt("platform", nil, "Concurrent task ceiling per platform, name=limit")
	cmd.Flags().StringToInt("context", nil, "Contexts the worker accepts, name=limit with 0 for no limit")
	cmd.Flags().String("ip", "", "Worker IP address")
	_ = cmd.MarkFlagRequired("worker")
}

func readPoll(cmd *cobra.Command) (reservation.Poll, error) {
	name, _ := cmd.Flags().GetString("worker")
	cpu, _ := cmd.Flags().GetInt("cpu")
	offliners, _ := cmd.Flags().GetStringSlice("offliner")
	ip, _ := cmd.Flags().GetString("ip")

	memory, err := parseBytes(cmd, "memory")
	if err != nil {
		return reservation.Poll{}, err
	}
	disk, err := parseBytes(cmd, "disk")
	if err != nil {
		return reservation.Poll{}, err
	}

	poll := reservation.Poll{
		Worker:    name,
		Resources: types.Resources{CPU: cpu, Memory: memory, Disk: disk},
		Offliners: offliners,
		IP:        ip,
	}
	if cmd.Flags().Changed("platform") {
		poll.Platforms, _ = cmd.Flags().GetStringToInt("platform")
	}
	if cmd.Flags().Changed("context") {
		poll.Contexts, _ = cmd.Flags().GetStringToInt("context")
	}
	return poll, nil
}

func parseBytes(cmd *cobra.Command, flag string) (int64, error) {
	raw, _ := cmd.Flags().GetString(flag)
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid --%s %q: %w", flag, raw, errdefs.ErrInvalidArgument)
	}
	return int64(n), nil
}
