package main

import (
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/offlinefarm/dispatcher/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var offlinerCmd = &cobra.Command{
	Use:   "offliner",
	Short: "Manage offliner definitions",
}

var offlinerPutCmd = &cobra.Command{
	Use:   "put -f FILE",
	Short: "Publish offliner definitions from a YAML file",
	Long: `Publish offliner definitions from a YAML file, one per document:

  id: mwoffliner
  docker_image: ghcr.io/openzim/mwoffliner:1.13
  platform: wikimedia`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filename, _ := cmd.Flags().GetString("file")
		var offliners []*types.Offliner
		err := decodeYAML(filename, func(dec *yaml.Decoder) error {
			var o types.Offliner
			if err := dec.Decode(&o); err != nil {
				return err
			}
			offliners = append(offliners, &o)
			return nil
		})
		if err != nil {
			return err
		}
		if len(offliners) == 0 {
			return fmt.Errorf("no offliner in %s: %w", filename, errdefs.ErrInvalidArgument)
		}

		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		for _, o := range offliners {
			if err := mgr.PutOffliner(cmd.Context(), o); err != nil {
				return err
			}
			fmt.Printf("✓ Offliner %s saved (%s)\n", o.ID, o.DockerImage)
		}
		return nil
	},
}

var offlinerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List offliner definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		offliners, err := mgr.ListOffliners(cmd.Context())
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(offliners)
		}

		fmt.Printf("%-20s %-16s %s\n", "ID", "PLATFORM", "IMAGE")
		for _, o := range offliners {
			fmt.Printf("%-20s %-16s %s\n", o.ID, o.Platform, o.DockerImage)
		}
		return nil
	},
}

func init() {
	offlinerCmd.AddCommand(offlinerPutCmd)
	offlinerCmd.AddCommand(offlinerListCmd)

	offlinerPutCmd.Flags().StringP("file", "f", "", "YAML file with one or more offliners (required)")
	_ = offlinerPutCmd.MarkFlagRequired("file")
}
