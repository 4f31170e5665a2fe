package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Export or import the whole store",
	Long: `Export or import the whole store as one JSON document. Exporting from
one backend and importing into another moves data between bolt and sqlite:

  dispatcher --store-driver bolt snapshot export -o backup.json
  dispatcher snapshot import -f backup.json`,
}

var snapshotExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a snapshot of the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		var w io.Writer = os.Stdout
		if output != "-" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", output, err)
			}
			defer f.Close()
			w = f
		}
		if err := mgr.Export(cmd.Context(), w); err != nil {
			return err
		}
		if output != "-" {
			fmt.Fprintf(os.Stderr, "✓ Snapshot written to %s\n", output)
		}
		return nil
	},
}

var snapshotImportCmd = &cobra.Command{
	Use:   "import -f FILE",
	Short: "Load a snapshot into the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		input, _ := cmd.Flags().GetString("file")

		var r io.Reader = os.Stdin
		if input != "-" {
			f, err := os.Open(input)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", input, err)
			}
			defer f.Close()
			r = f
		}

		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		snapshot, err := mgr.Import(cmd.Context(), r)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Imported %d schedules, %d requested tasks, %d tasks, %d workers, %d offliners\n",
			len(snapshot.Schedules), len(snapshot.RequestedTasks), len(snapshot.Tasks),
			len(snapshot.Workers), len(snapshot.Offliners))
		return nil
	},
}

func init() {
	snapshotCmd.AddCommand(snapshotExportCmd)
	snapshotCmd.AddCommand(snapshotImportCmd)

	snapshotExportCmd.Flags().StringP("output", "o", "-", "Output file, - for stdout")
	snapshotImportCmd.Flags().StringP("file", "f", "", "Snapshot file, - for stdin (required)")
	_ = snapshotImportCmd.MarkFlagRequired("file")
}
