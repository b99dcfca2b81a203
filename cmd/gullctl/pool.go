package main

import (
	"github.com/spf13/cobra"

	"github.com/joshuapare/hivekit/pool"
)

func init() {
	poolCmd := &cobra.Command{
		Use:   "pool",
		Short: "Inspect raw pools underlying a heap or region",
	}

	existCmd := &cobra.Command{
		Use:   "exist <pool-id>",
		Short: "Report whether a pool's metadata shelf exists on disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePoolId(args[0])
			if err != nil {
				return err
			}
			dir, who := resolvedPaths()
			p := pool.New(dir, who, id)
			if p.Exist() {
				printInfo("pool %d exists\n", id)
			} else {
				printInfo("pool %d does not exist\n", id)
			}
			return nil
		},
	}

	poolCmd.AddCommand(existCmd)
	rootCmd.AddCommand(poolCmd)
}
