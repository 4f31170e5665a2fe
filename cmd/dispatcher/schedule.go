package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/containerd/errdefs"
	"github.com/offlinefarm/dispatcher/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage schedules",
}

var schedulePutCmd = &cobra.Command{
	Use:   "put -f FILE",
	Short: "Create or replace schedules from a YAML file",
	Long: `Create or replace schedules from a YAML file. The file may hold several
documents separated by "---"; each one is a schedule:

  name: wikipedia_en_all
  enabled: true
  periodicity: monthly
  context: large
  config:
    offliner: mwoffliner
    resources: {cpu: 3, memory: 10737418240, disk: 214748364800}
    flags: {mwUrl: "https://en.wikipedia.org"}`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filename, _ := cmd.Flags().GetString("file")
		schedules, err := readSchedules(filename)
		if err != nil {
			return err
		}

		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		for _, s := range schedules {
			saved, err := mgr.PutSchedule(cmd.Context(), s)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Schedule %s saved (%s)\n", saved.Name, saved.ID)
		}
		return nil
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		schedules, err := mgr.ListSchedules(cmd.Context())
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(schedules)
		}

		fmt.Printf("%-32s %-8s %-12s %-16s %s\n", "NAME", "ENABLED", "PERIODICITY", "OFFLINER", "MOST RECENT TASK")
		for _, s := range schedules {
			fmt.Printf("%-32s %-8t %-12s %-16s %s\n", s.Name, s.Enabled, s.Periodicity, s.Config.Offliner, s.MostRecentTask)
		}
		return nil
	},
}

var scheduleGetCmd = &cobra.Command{
	Use:   "get NAME",
	Short: "Show a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		s, err := mgr.GetSchedule(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(s)
	},
}

var scheduleDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a schedule, keeping its tasks as orphans",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		if err := mgr.DeleteSchedule(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Schedule %s deleted\n", args[0])
		return nil
	},
}

func init() {
	scheduleCmd.AddCommand(schedulePutCmd)
	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleGetCmd)
	scheduleCmd.AddCommand(scheduleDeleteCmd)

	schedulePutCmd.Flags().StringP("file", "f", "", "YAML file with one or more schedules (required)")
	_ = schedulePutCmd.MarkFlagRequired("file")
}

// readSchedules decodes every YAML document of filename, "-" meaning stdin
func readSchedules(filename string) ([]*types.Schedule, error) {
	var schedules []*types.Schedule
	err := decodeYAML(filename, func(dec *yaml.Decoder) error {
		var s types.Schedule
		if err := dec.Decode(&s); err != nil {
			return err
		}
		schedules = append(schedules, &s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(schedules) == 0 {
		return nil, fmt.Errorf("no schedule in %s: %w", filename, errdefs.ErrInvalidArgument)
	}
	return schedules, nil
}

func decodeYAML(filename string, next func(dec *yaml.Decoder) error) error {
	var r io.Reader = os.Stdin
	if filename != "-" {
		f, err := os.Open(filename)
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
		defer f.Close()
		r = f
	}

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	for {
		err := next(dec)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to parse YAML: %v: %w", err, errdefs.ErrInvalidArgument)
		}
	}
}
